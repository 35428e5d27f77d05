package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/luxapientia/alphacore/pkg/client"
	"github.com/luxapientia/alphacore/pkg/service"
	"github.com/luxapientia/alphacore/pkg/types"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit an archive for validation",
	Long: `Submit a workspace archive and task spec to a running engine and wait
for the result. The call blocks until the job reaches a terminal state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		archive, _ := cmd.Flags().GetString("archive")
		specFile, _ := cmd.Flags().GetString("spec-file")
		taskID, _ := cmd.Flags().GetString("task-id")
		timeoutS, _ := cmd.Flags().GetInt("timeout")
		netChecks, _ := cmd.Flags().GetBool("net-checks")

		specData, err := os.ReadFile(specFile)
		if err != nil {
			return fmt.Errorf("failed to read task spec: %w", err)
		}
		var spec types.TaskSpec
		if err := json.Unmarshal(specData, &spec); err != nil {
			return fmt.Errorf("failed to parse task spec: %w", err)
		}

		req := &service.SubmitRequest{
			WorkspaceArchivePath: archive,
			TaskSpec:             &spec,
			TaskID:               taskID,
			NetChecks:            netChecks,
		}
		if timeoutS > 0 {
			req.TimeoutS = &timeoutS
		}

		c := client.NewClient(server)
		resp, err := c.Submit(context.Background(), req)
		if err != nil {
			return err
		}

		fmt.Printf("Job:    %s\n", resp.JobID)
		fmt.Printf("Status: %s\n", resp.Result.Status)
		fmt.Printf("Score:  %.2f (%d/%d invariants)\n",
			resp.Result.Score, resp.Result.PassedInvariants, resp.Result.TotalInvariants)
		for _, d := range resp.Result.Detail {
			mark := "✓"
			if d.Status != types.ResultPass {
				mark = "✗"
			}
			line := fmt.Sprintf("  %s %s (%s)", mark, d.ID, d.Kind)
			if d.Reason != "" {
				line += ": " + d.Reason
			}
			fmt.Println(line)
		}
		fmt.Printf("Log:    %s\n", resp.LogPath)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine health and active jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		c := client.NewClient(server)
		ctx := context.Background()

		health, err := c.Health(ctx)
		if err != nil {
			return fmt.Errorf("engine unreachable: %w", err)
		}

		fmt.Printf("Sandbox ready: %v\n", health.SandboxReady)
		fmt.Printf("Token ready:   %v\n", health.TokenReady)
		fmt.Printf("Workers:       %d idle / %d total\n", health.WorkersIdle, health.WorkersTotal)
		fmt.Printf("Queue depth:   %d\n", health.QueueDepth)

		jobs, err := c.Active(ctx)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No active jobs")
			return nil
		}
		fmt.Println("\nActive jobs:")
		for _, j := range jobs {
			fmt.Printf("  %s  %-8s  task=%s  tap=%s\n", j.ID, j.Status, j.TaskID, j.TAPDevice)
		}
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{submitCmd, statusCmd} {
		cmd.Flags().String("server", "http://127.0.0.1:8844", "Engine base URL")
	}
	submitCmd.Flags().String("archive", "", "Path to the workspace .zip archive")
	submitCmd.Flags().String("spec-file", "", "Path to the task spec JSON")
	submitCmd.Flags().String("task-id", "adhoc", "Task id to file the submission under")
	submitCmd.Flags().Int("timeout", 0, "Per-job timeout in seconds (0 = server default)")
	submitCmd.Flags().Bool("net-checks", false, "Run the guest egress probe suite")
	submitCmd.MarkFlagRequired("archive")
	submitCmd.MarkFlagRequired("spec-file")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
}
