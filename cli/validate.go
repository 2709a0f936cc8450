package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/lys5588/psylens/core"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a plan file without executing",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	format, _ := cmd.Flags().GetString("format")
	out := cmd.OutOrStdout()

	def, err := loadPlanDefinition(filePath)
	if err != nil {
		return err
	}

	reg := core.NewFuncRegistry()
	if err := RegisterBuiltins(reg); err != nil {
		return exitError(exitRuntime, "%v", err)
	}

	if _, err := def.Hydrate(reg); err != nil {
		printValidateResult(out, format, def.ID, err)
		return exitError(exitValidation, "validation failed")
	}

	printValidateResult(out, format, def.ID, nil)
	return nil
}

func printValidateResult(w io.Writer, format, planID string, err error) {
	if format == "json" {
		result := map[string]any{"plan_id": planID, "valid": err == nil}
		if err != nil {
			result["error"] = err.Error()
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
		return
	}
	if err != nil {
		fmt.Fprintf(w, "ERROR: %v\n", err)
		return
	}
	fmt.Fprintln(w, "Valid!")
}

// loadPlanDefinition reads and parses a plan file (JSON or YAML).
func loadPlanDefinition(filePath string) (*core.PlanDefinition, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		return nil, fmt.Errorf("reading file: %w", err)
	}

	def, err := core.ParsePlanDefinition(data)
	if err != nil {
		return nil, exitError(exitValidation, "%v", err)
	}
	return def, nil
}
