package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caseops/casesweep/internal/observability"
	"github.com/caseops/casesweep/pkg/manifest"
	"github.com/caseops/casesweep/pkg/orchestrate"
)

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Resume polling an existing discovery job",
	Long: `Attach to a case and search created by an earlier run and resume
waiting for the estimation job to finish.

A run that exits with a progress timeout leaves its case and search in
place; attach re-derives them from the service by identifier and re-enters
the progress wait. The job is not re-triggered.

Example:
  casesweep attach --job audit.yaml --case <case-id> --search <search-id>`,
	RunE: runAttach,
}

var (
	attachJobPath  string
	attachCaseID   string
	attachSearchID string
	attachOutDir   string
)

func init() {
	rootCmd.AddCommand(attachCmd)

	attachCmd.Flags().StringVarP(&attachJobPath, "job", "j", "", "Path to run manifest (required)")
	attachCmd.Flags().StringVar(&attachCaseID, "case", "", "Case identifier (required)")
	attachCmd.Flags().StringVar(&attachSearchID, "search", "", "Search identifier (required)")
	attachCmd.Flags().StringVarP(&attachOutDir, "output-dir", "o", "", "Override artifact output directory")

	_ = attachCmd.MarkFlagRequired("job")
	_ = attachCmd.MarkFlagRequired("case")
	_ = attachCmd.MarkFlagRequired("search")
}

func runAttach(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := manifest.Load(attachJobPath)
	if err != nil {
		observability.CLILogger.Error("Failed to load manifest",
			zap.String("path", attachJobPath),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	if attachOutDir != "" {
		m.Output.Directory = attachOutDir
	}

	poll, err := m.PollSettings()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid poll settings", err)
	}

	client, err := newServiceClient(ctx, m.Service.BaseURL)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot build service client", err)
	}

	o := orchestrate.New(client, m.Service.BaseURL, observability.CLILogger)

	if m.Output.Archive != "" {
		store, err := newArchiveStore(ctx, m.Output.Archive)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid archive destination", err)
		}
		o = o.WithArchive(store)
	}

	sum, err := o.Resume(ctx, attachCaseID, attachSearchID, m.Output.Directory, poll)
	if err != nil {
		return runVerdict(ctx, sum, err)
	}

	observability.CLILogger.Info("Resumed run completed",
		zap.String("case_id", sum.Case.ID),
		zap.String("search_id", sum.Search.ID),
		zap.Int64("item_count", sum.Record.ItemCount),
		zap.Int64("size_bytes", sum.Record.SizeBytes),
		zap.String("record", sum.RecordPath))
	return nil
}
