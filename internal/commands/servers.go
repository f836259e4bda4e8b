package commands

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"evalgo.org/mockcloud/models"
	"evalgo.org/mockcloud/pkg/mockcloud/client"
)

var (
	serversURL     string
	serversFormat  string
	serversTimeout time.Duration
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Manage simulated servers through a running mockcloud",
	Long: `List, inspect, create and delete simulated servers by calling the
control API of a running mockcloud server.`,
}

var serversListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all servers",
	Args:  cobra.NoArgs,
	RunE:  runServersList,
}

var serversGetCmd = &cobra.Command{
	Use:   "get [uuid]",
	Short: "Show one server record",
	Args:  cobra.ExactArgs(1),
	RunE:  runServersGet,
}

var serversCreateCmd = &cobra.Command{
	Use:   "create [file]",
	Short: "Create a server from a JSON payload",
	Long: `Create a server from a JSON payload read from a file or stdin. Any
field left out is filled in by the server.

Examples:
  mockcloud servers create new-server.json
  echo '{}' | mockcloud servers create`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServersCreate,
}

var serversDeleteCmd = &cobra.Command{
	Use:   "delete [uuid]",
	Short: "Delete a server and stop its sandbox",
	Args:  cobra.ExactArgs(1),
	RunE:  runServersDelete,
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Show the identity ledger",
	Args:  cobra.NoArgs,
	RunE:  runServersLedger,
}

func init() {
	serversCmd.PersistentFlags().StringVar(&serversURL, "server", "", "mockcloud API URL (default: from config)")
	serversCmd.PersistentFlags().StringVar(&serversFormat, "format", "table", "output format (table, json)")
	serversCmd.PersistentFlags().DurationVar(&serversTimeout, "timeout", 90*time.Second, "request timeout")

	serversCmd.AddCommand(serversListCmd)
	serversCmd.AddCommand(serversGetCmd)
	serversCmd.AddCommand(serversCreateCmd)
	serversCmd.AddCommand(serversDeleteCmd)
	serversCmd.AddCommand(ledgerCmd)
}

func apiURL() string {
	if serversURL != "" {
		return serversURL
	}
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
}

func newAPIClient() (*client.Client, error) {
	return client.New(apiURL(), serversTimeout)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func runServersList(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	servers, err := c.ListServers(commandContext(cmd))
	if err != nil {
		return fmt.Errorf("failed to list servers: %w", err)
	}

	if serversFormat == "json" {
		return printJSON(servers)
	}

	if len(servers) == 0 {
		fmt.Println("No servers found")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UUID\tHOSTNAME\tPROFILE\tMEMORY\tSANDBOX")
	for _, s := range servers {
		printServerRow(w, s)
	}
	w.Flush()
	fmt.Printf("\nTotal: %d servers\n", len(servers))
	return nil
}

func printServerRow(w *tabwriter.Writer, s models.ServerEntry) {
	hostname, profile, memory := "-", "-", "-"
	if s.Record != nil {
		if s.Record.Hostname != "" {
			hostname = s.Record.Hostname
		}
		if s.Record.HardwareProfile != "" {
			profile = s.Record.HardwareProfile
		}
		if s.Record.MiBOfMemory > 0 {
			memory = fmt.Sprintf("%d MiB", s.Record.MiBOfMemory)
		}
	}
	status := "-"
	if s.Sandbox != nil {
		status = s.Sandbox.Status
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.UUID, hostname, profile, memory, status)
}

func runServersGet(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	server, err := c.GetServer(commandContext(cmd), args[0])
	if err != nil {
		if client.IsNotFound(err) {
			return fmt.Errorf("server %s not found", args[0])
		}
		return fmt.Errorf("failed to get server: %w", err)
	}
	return printJSON(server)
}

func runServersCreate(cmd *cobra.Command, args []string) error {
	payload, err := readInput(args)
	if err != nil {
		return err
	}
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	res, err := c.CreateServer(commandContext(cmd), payload)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if serversFormat == "json" {
		return printJSON(res)
	}
	fmt.Printf("✓ Created server %s\n", res.Server.UUID)
	if len(res.Dropped) > 0 {
		fmt.Printf("  Dropped fields: %v\n", res.Dropped)
	}
	if rec := res.Server.Record; rec != nil {
		if name, nic, ok := rec.AdminNIC(); ok {
			fmt.Printf("  Admin NIC: %s %s %s\n", name, nic.MACAddress, nic.IP4Addr)
		}
	}
	return nil
}

func runServersDelete(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	if err := c.DeleteServer(commandContext(cmd), args[0]); err != nil {
		if client.IsNotFound(err) {
			return fmt.Errorf("server %s not found", args[0])
		}
		return fmt.Errorf("failed to delete server: %w", err)
	}
	fmt.Printf("✓ Deleted server %s\n", args[0])
	return nil
}

func runServersLedger(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	ledger, err := c.Ledger(commandContext(cmd))
	if err != nil {
		return fmt.Errorf("failed to read ledger: %w", err)
	}

	if serversFormat == "json" {
		return printJSON(ledger)
	}
	ids := make([]string, 0, len(ledger))
	for id := range ledger {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ledger[ids[i]].Index < ledger[ids[j]].Index })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tUUID")
	for _, id := range ids {
		fmt.Fprintf(w, "%d\t%s\n", ledger[id].Index, id)
	}
	return w.Flush()
}
