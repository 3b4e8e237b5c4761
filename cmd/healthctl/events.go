package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

const defaultEventLimit = 20

func newEventsCmd(env *environment) *cobra.Command {
	var (
		userID  string
		limit   int
		asJSON  bool
		details bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent import audit log entries for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 1 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}

			ctx := cmd.Context()

			store, err := env.openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			events, err := store.ListEvents(ctx, userID, limit)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()

			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")

				return enc.Encode(events)
			}

			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "TIME\tTYPE\tREQUEST\tMESSAGE")

			for _, e := range events {
				requestID, _ := e.Details["request_id"].(string)
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					e.CreatedAt.UTC().Format(time.RFC3339), e.Type, requestID, e.Message)

				if details {
					raw, _ := json.Marshal(e.Details)
					_, _ = fmt.Fprintf(tw, "\t\t\t%s\n", raw)
				}
			}

			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "user whose events to list (required)")
	cmd.Flags().IntVarP(&limit, "limit", "n", defaultEventLimit, "maximum number of events, newest first")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print events as JSON")
	cmd.Flags().BoolVar(&details, "details", false, "print each event's detail payload")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}
