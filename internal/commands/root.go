package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"evalgo.org/mockcloud/internal/config"
	"evalgo.org/mockcloud/internal/logging"
	"evalgo.org/mockcloud/internal/version"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *zap.SugaredLogger
)

var rootCmd = &cobra.Command{
	Use:   "mockcloud",
	Short: "Mock fleet orchestrator for simulated compute nodes",
	Long: `mockcloud simulates a fleet of compute nodes on one host.

Each node is a directory holding a sysinfo record. mockcloud fills in
missing hardware, network and platform fields, hands out collision-free
MAC addresses, and keeps an in-process sandbox of agents running for
every node directory it finds.`,
	Version: version.Version,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (json, text)")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(serversCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "%s" .Version}}
`)
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if v := rootCmd.PersistentFlags().Lookup("log-level"); v != nil && v.Changed {
		cfg.Logging.Level = v.Value.String()
	}
	if v := rootCmd.PersistentFlags().Lookup("log-format"); v != nil && v.Changed {
		cfg.Logging.Format = v.Value.String()
	}

	logger, err = logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.Get()
		fmt.Println(info.String())

		if cmd.Flag("verbose").Changed {
			fmt.Printf("\nDetails:\n")
			fmt.Printf("  Version:    %s\n", info.Version)
			if info.Module != "" {
				fmt.Printf("  Module:     %s\n", info.Module)
			}
			fmt.Printf("  Git Commit: %s\n", info.GitCommit)
			fmt.Printf("  Modified:   %t\n", info.Modified)
			fmt.Printf("  SDC:        %s\n", info.SDCVersion)
			fmt.Printf("  Built:      %s\n", info.BuildTime)
			fmt.Printf("  Go Version: %s\n", info.GoVersion)
			fmt.Printf("  Platform:   %s\n", info.Platform)
		}
	},
}

func init() {
	versionCmd.Flags().BoolP("verbose", "v", false, "verbose version output")
}
