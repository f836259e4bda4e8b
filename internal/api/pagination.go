package api

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"evalgo.org/mockcloud/models"
)

// parsePagination parses limit and offset from query parameters.
// A zero limit means no limit. Maximum limit is 1000.
func parsePagination(c echo.Context) (limit, offset int) {
	if limitParam := c.QueryParam("limit"); limitParam != "" {
		if parsed, err := strconv.Atoi(limitParam); err == nil && parsed > 0 {
			limit = parsed
			if limit > 1000 {
				limit = 1000
			}
		}
	}

	if offsetParam := c.QueryParam("offset"); offsetParam != "" {
		if parsed, err := strconv.Atoi(offsetParam); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	return limit, offset
}

// paginateServers applies pagination to a server listing.
func paginateServers(servers []models.ServerEntry, limit, offset int) []models.ServerEntry {
	if offset >= len(servers) {
		return []models.ServerEntry{}
	}

	end := len(servers)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	return servers[offset:end]
}
