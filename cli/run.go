package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lys5588/psylens/core"
	"github.com/lys5588/psylens/runtime"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a plan file locally",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().StringP("input", "i", "", "Input data as inline JSON string")
	cmd.Flags().StringP("input-file", "f", "", "Input data from a JSON or YAML file")
	cmd.Flags().StringP("output", "o", "", "Write the result envelope to file (default: stdout)")
	cmd.Flags().String("format", "pretty", "Output format: json | pretty")
	cmd.Flags().Duration("timeout", 5*time.Minute, "Execution timeout")
	cmd.Flags().Bool("dry-run", false, "Parse and validate only, do not execute")
	cmd.Flags().Bool("events", false, "Print the event stream to stderr while executing")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	filePath := args[0]

	def, err := loadPlanDefinition(filePath)
	if err != nil {
		return err
	}

	reg := core.NewFuncRegistry()
	if err := RegisterBuiltins(reg); err != nil {
		return exitError(exitRuntime, "%v", err)
	}

	plan, err := def.Hydrate(reg)
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}

	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		fmt.Fprintln(cmd.OutOrStdout(), "Validation successful.")
		return nil
	}

	input, err := buildRunInput(cmd)
	if err != nil {
		return err
	}

	cfg := runtime.ControllerConfig{
		Plan:  plan,
		Input: input,
	}
	if showEvents, _ := cmd.Flags().GetBool("events"); showEvents {
		errOut := cmd.ErrOrStderr()
		cfg.EventHandler = func(e runtime.Event) {
			printEventLine(errOut, e)
		}
	}

	ctrl, err := runtime.NewController(cfg)
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	if err := ctrl.Start(ctx); err != nil {
		return exitError(exitRuntime, "%v", err)
	}

	select {
	case <-ctrl.Done():
	case <-ctx.Done():
		_ = ctrl.Stop()
		<-ctrl.Done()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return exitError(exitTimeout, "execution timed out after %s", timeout)
		}
	}

	state := ctrl.State()
	if err := writeRunOutput(cmd, state); err != nil {
		return err
	}
	if state.Status == runtime.StatusFailed {
		return exitError(exitRuntime, "run failed: %s", state.Error)
	}
	return nil
}

// buildRunInput resolves the run input from --input or --input-file. Inline
// input is parsed as JSON, falling back to the raw string when it is not
// valid JSON.
func buildRunInput(cmd *cobra.Command) (any, error) {
	inline, _ := cmd.Flags().GetString("input")
	inputFile, _ := cmd.Flags().GetString("input-file")

	if inline != "" && inputFile != "" {
		return nil, exitError(exitInputParse, "--input and --input-file are mutually exclusive")
	}

	if inline != "" {
		var v any
		if err := json.Unmarshal([]byte(inline), &v); err != nil {
			return inline, nil
		}
		return v, nil
	}

	if inputFile != "" {
		data, err := os.ReadFile(inputFile)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, exitError(exitFileNotFound, "input file not found: %s", inputFile)
			}
			return nil, exitError(exitInputParse, "reading input file: %v", err)
		}
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, exitError(exitInputParse, "parsing input file: %v", err)
		}
		return v, nil
	}

	return nil, nil
}

func printEventLine(w io.Writer, e runtime.Event) {
	if e.Node != "" {
		fmt.Fprintf(w, "[%s] %s node=%s\n", e.Time.Format(time.RFC3339), e.Kind, e.Node)
		return
	}
	fmt.Fprintf(w, "[%s] %s\n", e.Time.Format(time.RFC3339), e.Kind)
}

// writeRunOutput formats the final run state and writes it to --output or
// stdout.
func writeRunOutput(cmd *cobra.Command, state runtime.RunState) error {
	format, _ := cmd.Flags().GetString("format")
	outPath, _ := cmd.Flags().GetString("output")

	var w io.Writer = cmd.OutOrStdout()
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return exitError(exitRuntime, "creating output file: %v", err)
		}
		defer f.Close()
		w = f
	}

	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	}

	fmt.Fprintf(w, "Run %s: %s\n", state.RunID, state.Status)
	fmt.Fprintf(w, "Nodes: %d/%d completed\n", state.CompletedCount, state.TotalCount)
	if state.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", state.Error)
	}
	if state.Result != nil {
		resultJSON, err := json.MarshalIndent(state.Result, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
		fmt.Fprintf(w, "Result:\n%s\n", resultJSON)
	}
	return nil
}
