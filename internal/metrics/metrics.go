// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mockcloud"

var (
	// Sandboxes is the number of running node sandboxes.
	Sandboxes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sandboxes",
		Help:      "Number of running node sandboxes.",
	})

	// Reconciles counts reconcile passes by result (ok, error).
	Reconciles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconciles_total",
		Help:      "Reconcile passes by result.",
	}, []string{"result"})

	// ReconcileDuration observes how long reconcile passes take.
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reconcile_duration_seconds",
		Help:      "Duration of reconcile passes.",
		Buckets:   prometheus.DefBuckets,
	})

	// SandboxTransitions counts sandbox starts and stops.
	SandboxTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sandbox_transitions_total",
		Help:      "Sandbox starts and stops.",
	}, []string{"transition"})

	// Creates counts create requests by result (ok, invalid, conflict, error).
	Creates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "creates_total",
		Help:      "Node create requests by result.",
	}, []string{"result"})

	// StepDuration observes each defaulting pipeline step.
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pipeline_step_duration_seconds",
		Help:      "Duration of defaulting pipeline steps.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"step"})

	// CollaboratorFailures counts failed collaborator calls.
	CollaboratorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "collaborator_failures_total",
		Help:      "Failed calls to external collaborators.",
	}, []string{"collaborator"})

	// LedgerEntries is the number of identities in the ledger.
	LedgerEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ledger_entries",
		Help:      "Identities recorded in the ledger.",
	})
)
