package commands

import (
	"fmt"

	"go.uber.org/zap"

	"evalgo.org/mockcloud/internal/collab"
	"evalgo.org/mockcloud/internal/config"
	"evalgo.org/mockcloud/internal/events"
	"evalgo.org/mockcloud/internal/fleet"
	"evalgo.org/mockcloud/internal/identity"
	"evalgo.org/mockcloud/internal/nodefs"
	"evalgo.org/mockcloud/internal/profile"
	"evalgo.org/mockcloud/internal/provision"
	"evalgo.org/mockcloud/internal/sandbox"
)

// fleetStack is the assembled orchestrator.
type fleetStack struct {
	layout     nodefs.Layout
	ledger     *identity.Ledger
	reconciler *fleet.Reconciler
	service    *fleet.Service
}

// buildFleet wires the ledger, catalog, collaborators, pipeline, reconciler
// and service from configuration. exec runs sandbox and metadata commands;
// os/exec when nil.
func buildFleet(cfg *config.Config, logger *zap.SugaredLogger, pub events.Publisher, exec sandbox.ExecFunc) (*fleetStack, error) {
	ledger, err := identity.LoadLedger(cfg.Fleet.LedgerPath)
	if err != nil {
		return nil, err
	}

	catalog, err := profile.Load(cfg.Profiles.CatalogPath)
	if err != nil {
		return nil, err
	}

	assigner, err := buildAssigner(cfg.Network)
	if err != nil {
		return nil, err
	}

	metadata := collab.LayeredMetadata{
		collab.StaticMetadata(cfg.Metadata.Static),
		&collab.CommandMetadata{Runner: sandbox.HostRunner(exec), Command: cfg.Metadata.Command},
	}

	pipeline, err := provision.New(provision.Options{
		Catalog:    catalog,
		Ledger:     ledger,
		Metadata:   metadata,
		Assigner:   assigner,
		Booter:     collab.NewHTTPBootParams(cfg.Booter.Port, cfg.Booter.Timeout),
		SDCVersion: cfg.Fleet.SDCVersion,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	layout := nodefs.Layout{Root: cfg.Fleet.ServersRoot}
	reconciler := fleet.NewReconciler(fleet.ReconcilerOptions{
		Layout: layout,
		Agents: []sandbox.Factory{
			sandbox.NewRegistrationAgent(cfg.Agents.HeartbeatInterval),
			sandbox.NewTaskAgent(cfg.Agents.StartupCommands),
		},
		Exec:           exec,
		UUIDEnv:        cfg.Agents.UUIDEnv,
		Publisher:      pub,
		Logger:         logger,
		Watch:          cfg.Fleet.Watch,
		RescanInterval: cfg.Fleet.RescanInterval,
	})

	opts := fleet.ServiceOptions{
		Layout:     layout,
		Reconciler: reconciler,
		Pipeline:   pipeline,
		Ledger:     ledger,
		Publisher:  pub,
		Logger:     logger,
	}
	if pool, ok := assigner.(*collab.PoolAssigner); ok {
		opts.Leases = pool
	}
	service, err := fleet.NewService(opts)
	if err != nil {
		return nil, err
	}

	return &fleetStack{layout: layout, ledger: ledger, reconciler: reconciler, service: service}, nil
}

// buildAssigner selects the address collaborator.
func buildAssigner(cfg config.NetworkConfig) (collab.AddressAssigner, error) {
	switch cfg.Assigner {
	case "", "pool":
		pool, err := collab.NewPoolAssigner(cfg.PoolCIDR, cfg.PoolServerHost)
		if err != nil {
			return nil, err
		}
		return pool, nil
	case "http":
		remote, err := collab.NewHTTPAssigner(cfg.AssignerURL, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		return remote, nil
	default:
		return nil, fmt.Errorf("unknown network assigner: %q", cfg.Assigner)
	}
}
