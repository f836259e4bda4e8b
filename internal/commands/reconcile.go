package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"evalgo.org/mockcloud/internal/fleet"
)

var reconcileFormat string

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconcile pass and report the result",
	Long: `Start a sandbox for every node directory under the servers root, print
which nodes started or failed, then shut the sandboxes down again.

Examples:
  mockcloud reconcile
  mockcloud reconcile --format json`,
	RunE: runReconcile,
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileFormat, "format", "table", "output format (table, json)")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	stack, err := buildFleet(cfg, logger, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize fleet: %w", err)
	}
	defer func() {
		if err := stack.reconciler.Shutdown(context.Background()); err != nil {
			logger.Warnw("Sandbox shutdown reported errors", "error", err)
		}
	}()

	report, reconcileErr := stack.reconciler.Reconcile(ctx)
	if report == nil {
		return fmt.Errorf("reconcile failed: %w", reconcileErr)
	}

	if reconcileFormat == "json" {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		printReport(report)
	}

	if reconcileErr != nil {
		return fmt.Errorf("%d node(s) failed to start", len(report.Failed))
	}
	return nil
}

func printReport(report *fleet.Report) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UUID\tRESULT\tDETAIL")
	for _, id := range report.Started {
		fmt.Fprintf(w, "%s\t%s\t%s\n", id, "started", "")
	}
	failed := make([]string, 0, len(report.Failed))
	for id := range report.Failed {
		failed = append(failed, id)
	}
	sort.Strings(failed)
	for _, id := range failed {
		fmt.Fprintf(w, "%s\t%s\t%s\n", id, "failed", report.Failed[id])
	}
	w.Flush()
	fmt.Printf("\nTotal: %d running, %d failed\n", report.Running, len(report.Failed))
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
