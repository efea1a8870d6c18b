// Package main implements pipectl, the CLI for a running pipelined server.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/pipelined/internal/client"
)

var (
	// serverURL is the base URL for the pipelined HTTP server
	serverURL string
	// actor identifies the operator on mutating requests
	actor string
	// outputJSON prints raw API objects instead of styled text
	outputJSON bool
	// version information
	version = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pipectl",
		Short: "CLI for pipelined server operations",
		Long: `pipectl is a command-line interface for the pipelined HTTP server.
It submits requests, inspects runs and their context, answers approvals,
rolls runs back to checkpoints and queries the audit log.`,
		Version:      version,
		SilenceUsage: true,
	}

	defaultActor := os.Getenv("USER")
	if defaultActor == "" {
		defaultActor = "pipectl"
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("PIPELINED_URL", client.DefaultURL), "pipelined server URL")
	root.PersistentFlags().StringVar(&actor, "as", defaultActor, "actor recorded on approvals, rollbacks and cancellations")
	root.PersistentFlags().BoolVar(&outputJSON, "json", false, "print JSON")

	root.AddCommand(
		newSubmitCmd(),
		newStatusCmd(),
		newListCmd(),
		newContextCmd(),
		newRollbackCmd(),
		newDecisionCmd("approve"),
		newDecisionCmd("deny"),
		newCancelCmd(),
		newApprovalsCmd(),
		newAuditCmd(),
		newHealthCmd(),
		newWatchCmd(),
		newMCPCmd(),
	)
	return root
}

func apiClient() *client.Client {
	return client.New(serverURL, client.WithActor(actor))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
