package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// maxPayloadBytes bounds a create request body.
const maxPayloadBytes = 1 << 20

// listServers returns every running server, ordered by UUID.
func (s *Server) listServers(c echo.Context) error {
	servers, err := s.fleet.List(c.Request().Context())
	if err != nil {
		return err
	}

	limit, offset := parsePagination(c)
	return c.JSON(http.StatusOK, paginateServers(servers, limit, offset))
}

// getServer returns one running server.
func (s *Server) getServer(c echo.Context) error {
	server, err := s.fleet.Get(c.Request().Context(), c.Param("uuid"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, server)
}

// createServer provisions a server from a raw sysinfo payload.
func (s *Server) createServer(c echo.Context) error {
	req := c.Request()
	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), req.Body, maxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return BadRequestError("Payload too large", err.Error())
		}
		return BadRequestError("Failed to read request body", err.Error())
	}
	if len(body) == 0 {
		body = []byte("{}")
	}

	ctx := req.Context()
	if s.config.Server.CreateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Server.CreateTimeout)
		defer cancel()
	}

	result, err := s.fleet.Create(ctx, body)
	if err != nil {
		return err
	}

	c.Response().Header().Set(echo.HeaderLocation, "/servers/"+result.Server.UUID)
	return c.JSON(http.StatusCreated, result)
}

// deleteServer shuts down a server and removes its directory.
func (s *Server) deleteServer(c echo.Context) error {
	if err := s.fleet.Delete(c.Request().Context(), c.Param("uuid")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// getLedger returns the identity ledger.
func (s *Server) getLedger(c echo.Context) error {
	return c.JSON(http.StatusOK, s.fleet.Ledger())
}
