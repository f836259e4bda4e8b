// Package provision completes partial node payloads into full node records.
//
// A Pipeline runs a fixed, ordered list of named steps over a record. Each
// step only fills fields the record leaves undefined, so applying the pipeline
// to a record it already completed changes nothing. The first failing step
// aborts the run and is reported as a *StepError.
package provision

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"evalgo.org/mockcloud/internal/collab"
	"evalgo.org/mockcloud/internal/identity"
	"evalgo.org/mockcloud/internal/metrics"
	"evalgo.org/mockcloud/internal/profile"
	"evalgo.org/mockcloud/internal/version"
	"evalgo.org/mockcloud/models"
)

// Metadata keys consulted on the host.
const (
	KeyDatacenter = "datacenter_name"
	KeyLiveImage  = "live_image"
	KeyMACPrefix  = "mac_prefix"
)

// Step names, in run order.
const (
	StepScalars    = "scalars"
	StepDatacenter = "datacenter"
	StepLiveImage  = "live-image"
	StepProfile    = "profile"
	StepIdentity   = "identity"
	StepAddress    = "address"
	StepBootParams = "boot-params"
	StepHostname   = "hostname"
)

// IndexAllocator hands out stable per-UUID indexes.
type IndexAllocator interface {
	AllocateIndex(uuid string) (int, error)
}

// StepError reports which step failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Options configures a Pipeline. Catalog, Ledger, Metadata, Assigner and
// Booter are required.
type Options struct {
	Catalog    *profile.Catalog
	Ledger     IndexAllocator
	Metadata   collab.Metadata
	Assigner   collab.AddressAssigner
	Booter     collab.BootParamsFetcher
	SDCVersion string
	Logger     *zap.SugaredLogger

	// Rand picks profiles for payloads that name none; seeded from the
	// clock when nil.
	Rand *rand.Rand

	// Now defaults to time.Now
	Now func() time.Time
}

// Pipeline is the ordered defaulting sequence.
type Pipeline struct {
	opts   Options
	steps  []step
	logger *zap.SugaredLogger

	rngMu sync.Mutex
}

type step struct {
	name string
	run  func(ctx context.Context, b *build) error
}

// build is the state shared by the steps of one run.
type build struct {
	rec        *models.NodeRecord
	adminName  string
	serverHost string
}

// New creates a pipeline.
func New(opts Options) (*Pipeline, error) {
	switch {
	case opts.Catalog == nil:
		return nil, fmt.Errorf("profile catalog is required")
	case opts.Ledger == nil:
		return nil, fmt.Errorf("index allocator is required")
	case opts.Metadata == nil:
		return nil, fmt.Errorf("metadata source is required")
	case opts.Assigner == nil:
		return nil, fmt.Errorf("address assigner is required")
	case opts.Booter == nil:
		return nil, fmt.Errorf("boot params fetcher is required")
	}
	if opts.SDCVersion == "" {
		opts.SDCVersion = version.SDCVersion
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Rand == nil {
		seed := uint64(time.Now().UnixNano())
		opts.Rand = rand.New(rand.NewPCG(seed, seed>>1))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	p := &Pipeline{opts: opts, logger: opts.Logger.Named("provision")}
	p.steps = []step{
		{StepScalars, p.scalars},
		{StepDatacenter, p.datacenter},
		{StepLiveImage, p.liveImage},
		{StepProfile, p.profile},
		{StepIdentity, p.identity},
		{StepAddress, p.address},
		{StepBootParams, p.bootParams},
		{StepHostname, p.hostname},
	}
	return p, nil
}

// Steps returns the step names in run order.
func (p *Pipeline) Steps() []string {
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.name
	}
	return names
}

// Apply completes rec in place. rec.UUID must be set.
func (p *Pipeline) Apply(ctx context.Context, rec *models.NodeRecord) error {
	if rec == nil || rec.UUID == "" {
		return &StepError{Step: StepScalars, Err: fmt.Errorf("record has no UUID")}
	}

	b := &build{rec: rec}
	for _, s := range p.steps {
		if err := ctx.Err(); err != nil {
			return &StepError{Step: s.name, Err: err}
		}
		start := time.Now()
		err := s.run(ctx, b)
		metrics.StepDuration.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
		if err != nil {
			return &StepError{Step: s.name, Err: err}
		}
	}
	return nil
}

func (p *Pipeline) scalars(_ context.Context, b *build) error {
	if b.rec.BootTime == "" {
		b.rec.BootTime = strconv.FormatInt(p.opts.Now().Unix(), 10)
	}
	if b.rec.SystemType == "" {
		b.rec.SystemType = "SunOS"
	}
	if b.rec.SDCVersion == "" {
		b.rec.SDCVersion = p.opts.SDCVersion
	}
	return nil
}

func (p *Pipeline) datacenter(ctx context.Context, b *build) error {
	if b.rec.DatacenterName != "" {
		return nil
	}
	v, err := p.opts.Metadata.Get(ctx, KeyDatacenter)
	if err != nil {
		return err
	}
	b.rec.DatacenterName = v
	return nil
}

func (p *Pipeline) liveImage(ctx context.Context, b *build) error {
	if b.rec.LiveImage != "" {
		return nil
	}
	v, err := p.opts.Metadata.Get(ctx, KeyLiveImage)
	if err != nil {
		return err
	}
	b.rec.LiveImage = v
	return nil
}

func (p *Pipeline) profile(_ context.Context, b *build) error {
	prof, ok := p.opts.Catalog.Lookup(b.rec.HardwareProfile)
	if !ok {
		p.rngMu.Lock()
		prof = p.opts.Catalog.Pick(p.opts.Rand)
		p.rngMu.Unlock()
		if b.rec.HardwareProfile != "" {
			p.logger.Warnw("Unknown hardware profile, picked another",
				"uuid", b.rec.UUID, "requested", b.rec.HardwareProfile, "profile", prof.Name)
		}
		b.rec.HardwareProfile = prof.Name
	}

	prof.Backfill(b.rec.Disks)
	prof.Merge(b.rec)
	return nil
}

func (p *Pipeline) identity(ctx context.Context, b *build) error {
	rec := b.rec
	for name, nic := range rec.NetworkInterfaces {
		if nic == nil {
			rec.NetworkInterfaces[name] = &models.NicRecord{}
		}
	}
	if len(rec.NetworkInterfaces) == 0 {
		rec.NetworkInterfaces = map[string]*models.NicRecord{
			"net0": {NICNames: []string{models.AdminTag}, LinkStatus: "up"},
		}
	}

	index, err := p.opts.Ledger.AllocateIndex(rec.UUID)
	if err != nil {
		return fmt.Errorf("failed to allocate index: %w", err)
	}
	rec.Index = &index

	oui, err := p.opts.Metadata.Get(ctx, KeyMACPrefix)
	if err != nil {
		return err
	}

	for ordinal, name := range rec.NICNames() {
		nic := rec.NetworkInterfaces[name]
		if nic.MACAddress != "" {
			continue
		}
		mac, err := identity.DeriveMAC(oui, index, ordinal)
		if err != nil {
			return fmt.Errorf("nic %s: %w", name, err)
		}
		nic.MACAddress = mac
	}

	name, admin, _ := rec.AdminNIC()
	if !admin.HasTag(models.AdminTag) {
		admin.NICNames = append(admin.NICNames, models.AdminTag)
	}
	b.adminName = name
	return nil
}

func (p *Pipeline) address(ctx context.Context, b *build) error {
	admin := b.rec.NetworkInterfaces[b.adminName]
	if admin.IP4Addr != "" {
		return nil
	}
	lease, err := p.opts.Assigner.Assign(ctx, admin.MACAddress, b.rec.UUID)
	if err != nil {
		metrics.CollaboratorFailures.WithLabelValues("address").Inc()
		return err
	}
	admin.IP4Addr = lease.IP
	b.serverHost = lease.ServerHost
	return nil
}

func (p *Pipeline) bootParams(ctx context.Context, b *build) error {
	if b.serverHost == "" {
		return nil
	}
	mac := b.rec.NetworkInterfaces[b.adminName].MACAddress
	params, err := p.opts.Booter.Fetch(ctx, mac, b.serverHost)
	if err != nil {
		metrics.CollaboratorFailures.WithLabelValues("boot-params").Inc()
		p.logger.Warnw("Failed to fetch boot parameters",
			"uuid", b.rec.UUID, "mac", mac, "host", b.serverHost, "error", err)
		return nil
	}
	if b.rec.BootParameters == nil {
		b.rec.BootParameters = make(map[string]string, len(params))
	}
	for k, v := range params {
		if _, ok := b.rec.BootParameters[k]; !ok {
			b.rec.BootParameters[k] = v
		}
	}
	return nil
}

func (p *Pipeline) hostname(_ context.Context, b *build) error {
	if b.rec.Hostname != "" {
		return nil
	}
	if h := b.rec.BootParameters["hostname"]; h != "" {
		b.rec.Hostname = h
		return nil
	}
	b.rec.Hostname = strings.ReplaceAll(b.rec.NetworkInterfaces[b.adminName].MACAddress, ":", "-")
	return nil
}
