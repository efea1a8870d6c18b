package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/pipelined/internal/approval"
	"github.com/fyrsmithlabs/pipelined/internal/orchestrator"
)

func newSubmitCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "submit [request|-]",
		Short: "Submit a request as a new run",
		Long: `Submit a natural-language request. The request is read from the argument,
or from stdin when the argument is "-" or missing.

Examples:
  # Submit a request
  pipectl submit "build a todo app with auth"

  # Submit from a file and wait up to 10 minutes for the outcome
  pipectl submit - --wait 10m < request.txt`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := readInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c := apiClient()
			run, err := c.Submit(ctx, input)
			if err != nil {
				return err
			}
			if wait > 0 {
				run, err = waitForRun(ctx, run.ID, wait, 500*time.Millisecond)
				if err != nil {
					return err
				}
			}
			return printRun(cmd.OutOrStdout(), run)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait until the run finishes or pauses")
	return cmd
}

func readInput(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read from stdin: %w", err)
	}
	input := strings.TrimSpace(string(data))
	if input == "" {
		return "", fmt.Errorf("no request to submit")
	}
	return input, nil
}

// waitForRun polls until the run is terminal or paused.
func waitForRun(ctx context.Context, id string, timeout, every time.Duration) (orchestrator.PipelineRun, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	c := apiClient()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		run, err := c.Get(ctx, id)
		if err != nil {
			return run, err
		}
		if run.Status.Terminal() || run.Status == orchestrator.StatusPaused {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, fmt.Errorf("run %s still %s: %w", id, run.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}

func newStatusCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run with its checkpoints and attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := apiClient().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(cmd.OutOrStdout(), run)
			}
			renderRunDetail(cmd.OutOrStdout(), run, verbose)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include every attempt and transition")
	return cmd
}

func newListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		Long: `List runs, oldest first.

Examples:
  # Runs waiting on a reviewer
  pipectl list --status paused`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runs, err := apiClient().List(cmd.Context(), orchestrator.Status(status))
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(cmd.OutOrStdout(), runs)
			}
			renderRunTable(cmd.OutOrStdout(), runs, time.Now())
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only runs in this status (pending, running, paused, succeeded, failed)")
	return cmd
}

func newContextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "context <run-id>",
		Short: "Show the latest context decisions of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decisions, err := apiClient().Context(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(cmd.OutOrStdout(), decisions)
			}
			renderContext(cmd.OutOrStdout(), decisions)
			return nil
		},
	}
}

func newRollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <run-id> <checkpoint>",
		Short: "Roll a paused run back to a checkpoint and resume it",
		Long: `Roll a paused run back to a checkpoint, given by ID or name
(for example "initial" or "after:architect"), and resume it from there.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := apiClient().Rollback(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printRun(cmd.OutOrStdout(), run)
		},
	}
}

func newDecisionCmd(decision string) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   decision + " <run-id>",
		Short: strings.ToUpper(decision[:1]) + decision[1:] + " the pending approval of a paused run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := approval.ParseDecision(decision)
			if err != nil {
				return err
			}
			run, err := apiClient().Resolve(cmd.Context(), args[0], d, note)
			if err != nil {
				return err
			}
			return printRun(cmd.OutOrStdout(), run)
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "note recorded with the decision")
	return cmd
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a pending, running or paused run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := apiClient().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printRun(cmd.OutOrStdout(), run)
		},
	}
}

func newApprovalsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approvals",
		Short: "List approvals waiting on a reviewer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pending, err := apiClient().Approvals(cmd.Context())
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(cmd.OutOrStdout(), pending)
			}
			renderApprovals(cmd.OutOrStdout(), pending, time.Now())
			return nil
		},
	}
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check pipelined server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := apiClient().Health(cmd.Context())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: Failed to connect to %s: %v\n", serverURL, err)
				return err
			}
			if outputJSON {
				return printJSON(cmd.OutOrStdout(), h)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Server Status: %s\n", h.Status)
			fmt.Fprintf(out, "Server URL: %s\n", serverURL)
			for name, state := range h.Services {
				fmt.Fprintf(out, "  %s: %s\n", name, state)
			}
			if h.Status != "ok" {
				return fmt.Errorf("server is %s", h.Status)
			}
			return nil
		},
	}
}

func printRun(w io.Writer, run orchestrator.PipelineRun) error {
	if outputJSON {
		return printJSON(w, run)
	}
	renderRunDetail(w, run, false)
	return nil
}
