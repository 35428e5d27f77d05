package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/renameio/v2"
	"github.com/spf13/cobra"

	"github.com/luxapientia/alphacore/pkg/invariant"
	"github.com/luxapientia/alphacore/pkg/state"
	"github.com/luxapientia/alphacore/pkg/types"
)

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate invariants against a provider state file",
	Long: `Evaluate a task spec's invariants against a Terraform state file and
write the result document. This is the entrypoint the guest runs from the
validator volume; it is also usable standalone for debugging a spec.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		statePath, _ := cmd.Flags().GetString("state")
		specPath, _ := cmd.Flags().GetString("spec")
		outPath, _ := cmd.Flags().GetString("out")
		return runEval(statePath, specPath, outPath)
	},
}

func init() {
	evalCmd.Flags().String("state", "", "Path to the provider state file")
	evalCmd.Flags().String("spec", "", "Path to the task spec JSON")
	evalCmd.Flags().String("out", "", "Result output path (stdout if empty)")
	evalCmd.MarkFlagRequired("state")
	evalCmd.MarkFlagRequired("spec")
}

func runEval(statePath, specPath, outPath string) error {
	specData, err := os.ReadFile(specPath)
	if err != nil {
		return fmt.Errorf("failed to read task spec: %w", err)
	}
	var spec types.TaskSpec
	if err := json.Unmarshal(specData, &spec); err != nil {
		return fmt.Errorf("failed to parse task spec: %w", err)
	}

	// A missing or unparsable state file is an evaluation against nothing:
	// every invariant fails, score stays 0.
	var doc *state.Document
	if stateData, err := os.ReadFile(statePath); err == nil {
		if parsed, perr := state.ParseBytes(stateData); perr == nil {
			doc = parsed
		}
	}
	if doc == nil {
		doc, _ = state.ParseBytes([]byte("{}"))
	}

	result := invariant.Evaluate(doc, spec.Invariants)

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if outPath == "" {
		fmt.Println(string(data))
		return nil
	}
	if err := renameio.WriteFile(outPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}
