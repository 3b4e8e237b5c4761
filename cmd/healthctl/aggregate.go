package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pulseboard-io/healthimport/internal/importer"
	"github.com/pulseboard-io/healthimport/internal/ingestion"
)

func newAggregateCmd(env *environment) *cobra.Command {
	var (
		userID string
		days   int
	)

	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Recompute daily aggregates for a user",
		Long: "Recomputes the trailing window of daily aggregates ending today (UTC) and prints today's rollup. " +
			"Failed days are recorded as aggregation_failed events.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if days < 0 {
				return fmt.Errorf("--days must not be negative, got %d", days)
			}

			ctx := cmd.Context()

			store, err := env.openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			reporter := importer.NewReporter(store, env.logger)
			aggregator := importer.NewAggregator(store, reporter, days, env.logger)

			job := ingestion.NewJob(uuid.NewString(), userID, "", time.Now().UTC())
			result := aggregator.Aggregate(ctx, job)

			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "aggregated %d/%d days (%d failed)\n", result.Succeeded, result.Days, result.Failed)

			today, err := store.DailyAggregates(ctx, userID, time.Now().UTC())
			if err != nil {
				return err
			}

			if len(today) == 0 {
				return nil
			}

			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "TYPE\tCOUNT\tSUM\tMIN\tMAX\tAVG")

			for _, agg := range today {
				_, _ = fmt.Fprintf(tw, "%s\t%d\t%.2f\t%.2f\t%.2f\t%.2f\n",
					agg.RecordType, agg.Count, agg.Sum, agg.Min, agg.Max, agg.Avg)
			}

			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "user to aggregate (required)")
	cmd.Flags().IntVar(&days, "days", importer.DefaultAggregationDays, "days before today to include")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}
