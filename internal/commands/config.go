package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var showConfigCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runShowConfig,
}

var initConfigCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	RunE:  runInitConfig,
}

func init() {
	configCmd.AddCommand(showConfigCmd)
	configCmd.AddCommand(initConfigCmd)
}

func runShowConfig(cmd *cobra.Command, args []string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	fmt.Println(string(data))
	return nil
}

func runInitConfig(cmd *cobra.Command, args []string) error {
	defaultConfig := `# mockcloud configuration

server:
  host: 0.0.0.0
  port: 8080
  read_timeout: 30s
  write_timeout: 30s
  shutdown_timeout: 10s
  create_timeout: 60s
  debug: false

fleet:
  servers_root: ./data/servers
  ledger_path: ./data/mock_ledger.json
  watch: true
  rescan_interval: 0s
  sdc_version: "7.0"

network:
  assigner: pool
  pool_cidr: 10.99.99.0/24
  pool_server_host: 127.0.0.1
  # assigner_url: http://127.0.0.1:9000/allocate
  timeout: 10s

booter:
  port: 80
  timeout: 10s

metadata:
  command: ["mdata-get"]
  static:
    mac_prefix: "06:de:ad"
    datacenter_name: coal
    live_image: 20231101T000000Z

profiles:
  catalog_path: ""

agents:
  uuid_env: MOCKCN_SERVER_UUID
  heartbeat_interval: 5s
  startup_commands: []

events:
  nats_url: ""
  subject_prefix: mockcloud

logging:
  level: info
  format: json

security:
  rate_limit: 100
  allowed_origins:
    - "*"
`

	if _, err := os.Stat("config.yaml"); err == nil {
		return fmt.Errorf("config.yaml already exists")
	}

	if err := os.WriteFile("config.yaml", []byte(defaultConfig), 0644); err != nil {
		return err
	}

	fmt.Println("✓ Created config.yaml")
	return nil
}
