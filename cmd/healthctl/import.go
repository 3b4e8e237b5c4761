package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pulseboard-io/healthimport/internal/importer"
)

// errImportFailed marks an import whose job ended in processing_failed.
var errImportFailed = errors.New("import failed")

func newImportCmd(env *environment) *cobra.Command {
	var (
		userID   string
		filePath string
		localDir string
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Run one Apple Health import synchronously",
		Long: "Runs the full import pipeline for one uploaded archive in the foreground: " +
			"parse, store records, aggregate and clean up. Progress is written to the audit log as usual.",
		Example: "  healthctl import --user u1 --file u1/export.zip\n" +
			"  healthctl import --user u1 --file u1/export.zip --local-dir ./uploads",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			pipelineConfig, err := importer.LoadPipelineConfig()
			if err != nil {
				return err
			}

			store, err := env.openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			blobs, err := env.openBlobs(ctx, localDir)
			if err != nil {
				return err
			}

			orchestrator := importer.NewOrchestrator(importer.Dependencies{
				Blobs:      blobs,
				Records:    store,
				Aggregates: store,
				Metrics:    store,
				Events:     store,
				Logger:     env.logger,
			}, pipelineConfig)

			out, err := orchestrator.RunSync(ctx, importer.ImportRequest{UserID: userID, FilePath: filePath})
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "request id:   %s\n", out.Job.ID)
			_, _ = fmt.Fprintf(w, "state:        %s\n", out.Job.State)
			_, _ = fmt.Fprintf(w, "processed:    %d\n", out.Parse.Processed)
			_, _ = fmt.Fprintf(w, "written:      %d\n", out.Parse.Written)
			_, _ = fmt.Fprintf(w, "dropped:      %d\n", out.Parse.Dropped)
			_, _ = fmt.Fprintf(w, "failed:       %d\n", out.Parse.Failed)
			_, _ = fmt.Fprintf(w, "aggregated:   %d/%d days\n", out.Aggregate.Succeeded, out.Aggregate.Days)

			if out.Err != nil {
				return fmt.Errorf("%w: %w", errImportFailed, out.Err)
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "owner of the archive (required)")
	cmd.Flags().StringVarP(&filePath, "file", "f", "", "archive path in the store, <userId>/<file>.zip (required)")
	cmd.Flags().StringVar(&localDir, "local-dir", "", "read archives from this directory instead of the configured backend")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
