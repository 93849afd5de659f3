package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caseops/casesweep/internal/observability"
	"github.com/caseops/casesweep/pkg/archive"
	"github.com/caseops/casesweep/pkg/compliance"
	"github.com/caseops/casesweep/pkg/jobpoll"
	"github.com/caseops/casesweep/pkg/manifest"
	"github.com/caseops/casesweep/pkg/orchestrate"
	"github.com/caseops/casesweep/pkg/provision"
	"github.com/caseops/casesweep/pkg/sources"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a discovery job from manifest",
	Long: `Run a discovery job as defined in a YAML or JSON run manifest.

The manifest specifies the service connection, the case to create, the
detection rules and locations to search, the polling budgets, and the
output configuration. Credentials come from the environment (see
'casesweep run --help' output of the root command).

Example:
  casesweep run --job audit.yaml
  casesweep run --job audit.yaml --output-dir ./runs
  casesweep run --job audit.yaml --dry-run`,
	RunE: runRun,
}

var (
	runJobPath   string
	runOutputDir string
	runArchive   string
	runDryRun    bool
	runPlan      bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runJobPath, "job", "j", "", "Path to run manifest (required)")
	runCmd.Flags().StringVarP(&runOutputDir, "output-dir", "o", "", "Override artifact output directory")
	runCmd.Flags().StringVar(&runArchive, "archive", "", "Override s3://bucket/prefix artifact archive destination")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Validate manifest and show plan without executing")
	runCmd.Flags().BoolVar(&runPlan, "plan", false, "Alias for --dry-run")

	_ = runCmd.MarkFlagRequired("job")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := manifest.Load(runJobPath)
	if err != nil {
		observability.CLILogger.Error("Failed to load manifest",
			zap.String("path", runJobPath),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	observability.CLILogger.Debug("Loaded manifest",
		zap.String("path", runJobPath),
		zap.String("service", m.Service.BaseURL),
		zap.String("case", m.Case.Name),
		zap.Strings("locations", m.Locations))

	// Apply flag overrides
	if runOutputDir != "" {
		m.Output.Directory = runOutputDir
	}
	if runArchive != "" {
		m.Output.Archive = runArchive
	}

	poll, err := m.PollSettings()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid poll settings", err)
	}

	// Plan mode: show plan and exit
	if runPlan || runDryRun {
		return showRunPlan(m, poll)
	}

	return executeRun(ctx, m, poll)
}

// showRunPlan displays what would be executed without touching the service.
func showRunPlan(m *manifest.Manifest, poll jobpoll.Settings) error {
	out := func(format string, a ...any) { fmt.Printf(format+"\n", a...) }

	out("=== Run Plan (dry-run) ===")
	out("")
	out("Service:     %s", m.Service.BaseURL)
	out("Case:        %s", m.Case.Name)
	out("")
	out("Search:")
	for _, r := range m.Search.Rules {
		conf, length := r.Confidence, r.Length
		if conf == "" {
			conf = "default"
		}
		if length == "" {
			length = "default"
		}
		out("  - %s (confidence: %s, length: %s)", r.ID, conf, length)
	}
	for _, id := range m.Search.SupplementalIDs {
		out("  - %s (supplemental)", id)
	}
	out("")
	out("Locations:")
	for _, loc := range m.Locations {
		out("  - %s", loc)
	}
	out("")
	out("Resolve:     concurrency=%d rate_limit=%.1f/s", m.Resolve.Concurrency, m.Resolve.RateLimit)
	out("Poll:        init %s every %s, progress %s every %s",
		poll.InitMaxWait, poll.InitInterval, poll.ProgressMaxWait, poll.ProgressInterval)
	out("Output:      %s", m.Output.Directory)
	if m.Output.Archive != "" {
		out("Archive:     %s", m.Output.Archive)
	}
	out("")
	out("Manifest validated successfully. Remove --dry-run to execute.")
	return nil
}

// executeRun runs the actual discovery job.
func executeRun(ctx context.Context, m *manifest.Manifest, poll jobpoll.Settings) error {
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

	sum, err := o.Run(ctx, orchestrate.Config{
		CaseName:        m.Case.Name,
		Rules:           m.Rules(),
		SupplementalIDs: m.Search.SupplementalIDs,
		Locations:       m.Locations,
		Resolve:         m.ResolveSettings(),
		Poll:            poll,
		OutputDir:       m.Output.Directory,
	})
	if err != nil {
		return runVerdict(ctx, sum, err)
	}

	observability.CLILogger.Info("Run completed",
		zap.String("run_id", sum.RunID),
		zap.String("case_id", sum.Case.ID),
		zap.String("search_id", sum.Search.ID),
		zap.Int64("item_count", sum.Record.ItemCount),
		zap.Int64("size_bytes", sum.Record.SizeBytes),
		zap.String("record", sum.RecordPath))
	return nil
}

// runVerdict maps an orchestration failure to the right exit semantics.
func runVerdict(ctx context.Context, sum orchestrate.Summary, err error) error {
	switch {
	case ctx.Err() != nil:
		return exitError(foundry.ExitSignalInt, "Run cancelled", err)

	case errors.Is(err, orchestrate.ErrInvalidConfig):
		return exitError(foundry.ExitInvalidArgument, "Invalid run configuration", err)

	case errors.Is(err, jobpoll.ErrProgressTimeout):
		// The remote resources survive a progress timeout; tell the
		// operator how to pick the run back up.
		observability.CLILogger.Warn("Progress budget exhausted; resume with:",
			zap.String("command", fmt.Sprintf("casesweep attach --job <manifest> --case %s --search %s",
				sum.Case.ID, sum.Search.ID)))
		return exitError(foundry.ExitExternalServiceUnavailable, "Job did not finish in time", err)

	case errors.Is(err, jobpoll.ErrJobFailed):
		return exitError(foundry.ExitExternalServiceUnavailable, "Remote job failed", err)

	case errors.Is(err, jobpoll.ErrInitTimeout):
		return exitError(foundry.ExitExternalServiceUnavailable, "Job never started", err)

	case errors.Is(err, sources.ErrNoSourcesResolved), errors.Is(err, sources.ErrNoSourcesBound):
		return exitError(foundry.ExitInvalidArgument, "No usable locations", err)

	case errors.Is(err, provision.ErrNotProvisioned):
		return exitError(foundry.ExitInvalidArgument, "Resources not found", err)

	case errors.Is(err, compliance.ErrUnauthorized):
		return exitError(foundry.ExitExternalServiceUnavailable, "Service rejected the credential", err)

	default:
		return exitError(foundry.ExitExternalServiceUnavailable, "Run failed", err)
	}
}

// newServiceClient builds the authenticated service client.
func newServiceClient(ctx context.Context, baseURL string) (*compliance.Client, error) {
	ts, err := tokenSource(ctx)
	if err != nil {
		return nil, err
	}

	cfg := compliance.DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.TokenSource = ts
	cfg.UserAgent = "casesweep/" + versionInfo.Version
	return compliance.New(cfg)
}

// newArchiveStore builds the S3 store for an s3://bucket/prefix destination.
func newArchiveStore(ctx context.Context, dest string) (archive.Store, error) {
	d, err := archive.ParseDestination(dest)
	if err != nil {
		return nil, err
	}
	return archive.NewS3(ctx, archive.S3Config{
		Bucket: d.Bucket,
		Prefix: d.Prefix,
	})
}
