package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/pipelined/internal/audit"
)

func newAuditCmd() *cobra.Command {
	var (
		f      audit.Filter
		kind   string
		follow time.Duration
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit log",
		Long: `Query the audit log, oldest first.

Examples:
  # Every transition of one run
  pipectl audit --run 0f8fad5b --kind run.transition

  # Tail new events every 2 seconds
  pipectl audit --follow 2s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.Kind = audit.Kind(kind)
			c := apiClient()
			for {
				events, err := c.Audit(cmd.Context(), f)
				if err != nil {
					return err
				}
				if outputJSON {
					if err := printJSON(cmd.OutOrStdout(), events); err != nil {
						return err
					}
				} else {
					renderEvents(cmd.OutOrStdout(), events)
				}
				if follow <= 0 {
					return nil
				}
				if n := len(events); n > 0 {
					f.AfterSeq = events[n-1].Seq
				}
				select {
				case <-cmd.Context().Done():
					return nil
				case <-time.After(follow):
				}
			}
		},
	}
	cmd.Flags().StringVar(&f.RunID, "run", "", "only events of this run")
	cmd.Flags().StringVar(&f.Subject, "subject", "", "only events about this subject")
	cmd.Flags().StringVar(&kind, "kind", "", "only events of this kind, e.g. token.issued")
	cmd.Flags().Uint64Var(&f.AfterSeq, "after", 0, "only events after this sequence number")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum number of events")
	cmd.Flags().DurationVar(&follow, "follow", 0, "poll for new events at this interval")
	return cmd
}
