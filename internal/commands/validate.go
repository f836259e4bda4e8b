package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"evalgo.org/mockcloud/internal/validation"
	"evalgo.org/mockcloud/models"
)

var validateComplete bool

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a server payload or sysinfo record",
	Long: `Validate a server create payload the way POST /servers does. With
--complete the document is checked as a finished sysinfo record instead,
so every required field must be present. Reads stdin when no file is given.

Examples:
  mockcloud validate new-server.json
  mockcloud validate --complete data/servers/<uuid>/sysinfo.json
  cat payload.json | mockcloud validate`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateComplete, "complete", false, "validate a complete sysinfo record")
}

func runValidate(cmd *cobra.Command, args []string) error {
	data, err := readInput(args)
	if err != nil {
		return err
	}

	v := validation.New()

	var result *validation.ValidationResult
	if validateComplete {
		var rec models.NodeRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to parse record: %w", err)
		}
		result = v.ValidateRecord(&rec)
	} else {
		payload, err := v.ValidatePayload(data)
		if err != nil {
			return fmt.Errorf("validation error: %w", err)
		}
		result = payload.Result
		for _, key := range payload.Dropped {
			fmt.Printf("! %s is not a recognized field and will be dropped\n", key)
		}
	}

	return printValidation(result)
}

func printValidation(result *validation.ValidationResult) error {
	if result.Valid {
		fmt.Println("✓ Document is valid")
		return nil
	}

	fmt.Println("✗ Validation failed:")
	for _, e := range result.Errors {
		if e.Value != nil {
			fmt.Printf("  - %s: %s (value: %v)\n", e.Field, e.Message, e.Value)
		} else {
			fmt.Printf("  - %s: %s\n", e.Field, e.Message)
		}
	}

	return fmt.Errorf("validation failed")
}

// readInput reads the named file, or stdin when args is empty or "-".
func readInput(args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}
