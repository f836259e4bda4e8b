package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"evalgo.org/mockcloud/internal/events"
	"evalgo.org/mockcloud/internal/identity"
	"evalgo.org/mockcloud/internal/metrics"
	"evalgo.org/mockcloud/internal/nodefs"
	"evalgo.org/mockcloud/internal/provision"
	"evalgo.org/mockcloud/internal/sandbox"
	"evalgo.org/mockcloud/internal/validation"
	"evalgo.org/mockcloud/models"
)

// Provisioner completes a partial node record.
type Provisioner interface {
	Apply(ctx context.Context, rec *models.NodeRecord) error
}

// LeaseKeeper tracks the admin addresses handed out by an in-process
// address pool.
type LeaseKeeper interface {
	Reserve(mac, ip string)
	Release(mac string)
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Layout     nodefs.Layout
	Reconciler *Reconciler
	Pipeline   Provisioner
	Validator  *validation.Validator
	Ledger     *identity.Ledger

	// Leases is nil when addresses come from a remote assigner
	Leases LeaseKeeper

	Publisher events.Publisher
	Logger    *zap.SugaredLogger
}

// CreateResult is the outcome of a successful create.
type CreateResult struct {
	Server models.ServerEntry `json:"server"`

	// Dropped lists payload keys that were not recognized
	Dropped []string `json:"dropped,omitempty"`
}

// Service implements the fleet control operations.
type Service struct {
	opts   ServiceOptions
	logger *zap.SugaredLogger

	// createMu serializes creates so the conflict check and the directory
	// write see the same state
	createMu sync.Mutex
}

// NewService creates a service.
func NewService(opts ServiceOptions) (*Service, error) {
	switch {
	case opts.Reconciler == nil:
		return nil, fmt.Errorf("reconciler is required")
	case opts.Pipeline == nil:
		return nil, fmt.Errorf("pipeline is required")
	}
	if opts.Validator == nil {
		opts.Validator = validation.New()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Service{opts: opts, logger: opts.Logger.Named("fleet")}, nil
}

// List returns every running server, ordered by UUID.
func (s *Service) List(ctx context.Context) ([]models.ServerEntry, error) {
	sandboxes := s.opts.Reconciler.Registry().List()
	out := make([]models.ServerEntry, 0, len(sandboxes))
	for _, sb := range sandboxes {
		out = append(out, entryFor(sb))
	}
	return out, nil
}

// Get returns one running server.
func (s *Service) Get(ctx context.Context, id string) (*models.ServerEntry, error) {
	sb, ok := s.opts.Reconciler.Registry().Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	entry := entryFor(sb)
	return &entry, nil
}

// Create validates a raw payload, completes it, writes the node directory
// and starts the node's sandbox. Nothing is written when validation or
// provisioning fails.
func (s *Service) Create(ctx context.Context, payload []byte) (*CreateResult, error) {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	result, err := s.create(ctx, payload)
	switch {
	case err == nil:
		metrics.Creates.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrConflict):
		metrics.Creates.WithLabelValues("conflict").Inc()
	case isValidation(err):
		metrics.Creates.WithLabelValues("invalid").Inc()
	default:
		metrics.Creates.WithLabelValues("error").Inc()
	}
	return result, err
}

func (s *Service) create(ctx context.Context, payload []byte) (*CreateResult, error) {
	checked, err := s.opts.Validator.ValidatePayload(payload)
	if err != nil {
		return nil, err
	}
	if !checked.Result.Valid {
		return nil, &ValidationError{Fields: checked.Result.Errors}
	}
	if len(checked.Dropped) > 0 {
		s.logger.Warnw("Dropped unrecognized payload fields", "fields", checked.Dropped)
	}

	rec := checked.Record
	if rec.UUID == "" {
		rec.UUID = uuid.NewString()
	}

	if _, running := s.opts.Reconciler.Registry().Get(rec.UUID); running {
		return nil, ErrConflict
	}
	exists, err := s.opts.Layout.Exists(rec.UUID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrConflict
	}

	// an index allocated by this create is released unless the node is written
	allocated := !s.inLedger(rec.UUID)
	written := false
	defer func() {
		if allocated && !written {
			s.releaseLease(rec)
			s.discardIndex(rec.UUID)
		}
	}()

	if err := s.opts.Pipeline.Apply(ctx, rec); err != nil {
		var stepErr *provision.StepError
		if errors.As(err, &stepErr) {
			return nil, &CollaboratorError{Collaborator: stepErr.Step, Err: stepErr.Err}
		}
		return nil, err
	}

	if res := s.opts.Validator.ValidateRecord(rec); !res.Valid {
		return nil, &ValidationError{Fields: res.Errors}
	}

	if err := s.opts.Layout.Write(rec); err != nil {
		if errors.Is(err, nodefs.ErrExists) {
			return nil, ErrConflict
		}
		return nil, err
	}
	written = true

	sb, err := s.opts.Reconciler.Ensure(ctx, rec.UUID)
	if err != nil {
		return nil, fmt.Errorf("node %s written but its sandbox failed to start: %w", rec.UUID, err)
	}

	s.logger.Infow("Server created", "uuid", rec.UUID, "hostname", rec.Hostname, "profile", rec.HardwareProfile)
	_ = s.opts.Publisher.Publish(ctx, events.New(events.NodeCreated, rec.UUID, map[string]interface{}{
		"hostname": rec.Hostname,
	}))
	return &CreateResult{Server: entryFor(sb), Dropped: checked.Dropped}, nil
}

// Delete shuts down the server's sandbox and removes its directory. The
// identity ledger keeps the UUID's index.
func (s *Service) Delete(ctx context.Context, id string) error {
	_, running := s.opts.Reconciler.Registry().Get(id)
	exists, err := s.opts.Layout.Exists(id)
	if err != nil {
		return err
	}
	if !running && !exists {
		return ErrNotFound
	}

	var rec *models.NodeRecord
	if sb, ok := s.opts.Reconciler.Registry().Get(id); ok {
		rec = sb.Record()
	} else if exists {
		if rec, err = s.opts.Layout.ReadRecord(id); err != nil {
			s.logger.Warnw("Failed to read record of deleted server", "uuid", id, "error", err)
		}
	}

	if exists {
		if err := s.opts.Layout.Remove(id); err != nil {
			return err
		}
	}
	if err := s.opts.Reconciler.Remove(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Warnw("Sandbox shutdown reported errors", "uuid", id, "error", err)
	}

	s.releaseLease(rec)

	s.logger.Infow("Server deleted", "uuid", id)
	_ = s.opts.Publisher.Publish(ctx, events.New(events.NodeDeleted, id, nil))
	return nil
}

// RestoreLeases reserves the admin address of every node on disk, so a
// restarted pool does not hand them out again. It returns the number of
// reserved addresses.
func (s *Service) RestoreLeases(ctx context.Context) (int, error) {
	if s.opts.Leases == nil {
		return 0, nil
	}
	names, err := s.opts.Layout.List()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range names {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		rec, err := s.opts.Layout.ReadRecord(id)
		if err != nil {
			s.logger.Warnw("Skipping unreadable record", "uuid", id, "error", err)
			continue
		}
		_, nic, ok := rec.AdminNIC()
		if !ok || nic.IP4Addr == "" {
			continue
		}
		s.opts.Leases.Reserve(nic.MACAddress, nic.IP4Addr)
		n++
	}
	s.logger.Infow("Restored address leases", "count", n)
	return n, nil
}

// Ledger returns a copy of the identity ledger.
func (s *Service) Ledger() map[string]identity.Entry {
	if s.opts.Ledger == nil {
		return map[string]identity.Entry{}
	}
	metrics.LedgerEntries.Set(float64(s.opts.Ledger.Len()))
	return s.opts.Ledger.Snapshot()
}

func (s *Service) inLedger(id string) bool {
	if s.opts.Ledger == nil {
		return false
	}
	_, ok := s.opts.Ledger.Lookup(id)
	return ok
}

func (s *Service) releaseLease(rec *models.NodeRecord) {
	if s.opts.Leases == nil || rec == nil {
		return
	}
	if _, nic, ok := rec.AdminNIC(); ok && nic.MACAddress != "" {
		s.opts.Leases.Release(nic.MACAddress)
	}
}

func (s *Service) discardIndex(id string) {
	if s.opts.Ledger == nil {
		return
	}
	if _, ok := s.opts.Ledger.Lookup(id); !ok {
		return
	}
	if err := s.opts.Ledger.Discard(id); err != nil {
		s.logger.Errorw("Failed to release identity index", "uuid", id, "error", err)
		return
	}
	s.logger.Infow("Released identity index of failed create", "uuid", id)
}

func entryFor(sb *sandbox.Sandbox) models.ServerEntry {
	state := sb.State()
	return models.ServerEntry{UUID: sb.UUID(), Record: sb.Record(), Sandbox: &state}
}

func isValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
