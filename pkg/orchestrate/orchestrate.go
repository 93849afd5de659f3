// Package orchestrate drives a full discovery run end to end: build the
// query, resolve and bind data sources, provision the case and search,
// trigger the estimation job, wait it through both polling phases, and emit
// the run artifacts.
//
// The orchestrator owns the failure taxonomy. Every unrecoverable failure
// after case creation triggers compensating cleanup; a progress timeout
// deliberately does not, because the search is still valid and the run can
// be resumed with Resume.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caseops/casesweep/pkg/archive"
	"github.com/caseops/casesweep/pkg/compliance"
	"github.com/caseops/casesweep/pkg/jobpoll"
	"github.com/caseops/casesweep/pkg/preflight"
	"github.com/caseops/casesweep/pkg/provision"
	"github.com/caseops/casesweep/pkg/query"
	"github.com/caseops/casesweep/pkg/report"
	"github.com/caseops/casesweep/pkg/sources"
)

// ErrInvalidConfig indicates the run configuration failed validation before
// any remote call was made.
var ErrInvalidConfig = errors.New("invalid run configuration")

// Config is a fully resolved run configuration.
type Config struct {
	// CaseName names the remote case. Required.
	CaseName string

	// Rules are the detection rules to search for. At least one of Rules
	// or SupplementalIDs must be non-empty.
	Rules []query.DetectionRule

	// SupplementalIDs are extra identifiers searched with permissive
	// defaults.
	SupplementalIDs []string

	// Locations are the external location names to resolve and bind.
	// Required.
	Locations []string

	// Resolve configures directory lookup concurrency and rate.
	Resolve sources.Config

	// Poll configures the two-phase wait budgets.
	Poll jobpoll.Settings

	// OutputDir receives the run artifacts. Required.
	OutputDir string
}

// Validate checks the configuration without touching the network.
func (c Config) Validate() error {
	switch {
	case c.CaseName == "":
		return fmt.Errorf("%w: case name is required", ErrInvalidConfig)
	case len(c.Rules) == 0 && len(c.SupplementalIDs) == 0:
		return fmt.Errorf("%w: at least one detection rule or supplemental identifier is required", ErrInvalidConfig)
	case len(c.Locations) == 0:
		return fmt.Errorf("%w: at least one location is required", ErrInvalidConfig)
	case c.OutputDir == "":
		return fmt.Errorf("%w: output directory is required", ErrInvalidConfig)
	}
	return nil
}

// Summary is the outcome of a completed or attempted run.
type Summary struct {
	RunID  string
	Case   provision.Case
	Search provision.Search

	// Record is the emitted run record; nil when the run failed before
	// anything worth recording happened.
	Record *report.Record

	// RecordPath and TablePath locate the emitted artifacts.
	RecordPath string
	TablePath  string
}

// Orchestrator wires the run pipeline against one service root.
type Orchestrator struct {
	req   compliance.Requester
	base  string
	log   *zap.Logger
	store archive.Store

	prov   *provision.Provisioner
	poller *jobpoll.Poller
}

// New creates an orchestrator. A nil logger is replaced with a no-op.
func New(req compliance.Requester, baseURL string, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		req:    req,
		base:   baseURL,
		log:    log,
		prov:   provision.New(req, baseURL, log),
		poller: jobpoll.New(req, baseURL),
	}
}

// WithArchive sets an optional artifact archive store. Returns the
// orchestrator for chaining.
func (o *Orchestrator) WithArchive(store archive.Store) *Orchestrator {
	o.store = store
	return o
}

// Run executes the full pipeline.
//
// The returned Summary is valid even on error once provisioning succeeded:
// its Case and Search identify the remote resources, which still exist when
// the error is a progress timeout.
func (o *Orchestrator) Run(ctx context.Context, cfg Config) (Summary, error) {
	sum := Summary{RunID: uuid.NewString()}
	log := o.log.With(zap.String("run_id", sum.RunID))

	if err := cfg.Validate(); err != nil {
		return sum, err
	}
	if cfg.Poll == (jobpoll.Settings{}) {
		cfg.Poll = jobpoll.DefaultSettings()
	}

	q, err := query.Build(cfg.Rules, cfg.SupplementalIDs)
	if err != nil {
		return sum, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	log.Info("query built", zap.Int("clauses", q.Clauses()))

	if _, err := preflight.Service(ctx, o.req, o.base, preflight.ModeReadSafe); err != nil {
		return sum, err
	}

	started := time.Now().UTC()

	// Resolution happens before the case exists: a batch that resolves
	// nothing fails with no remote state to clean.
	resolver := sources.New(o.req, o.base, cfg.Resolve).WithLogger(log)
	resolved, unresolved, err := resolver.Resolve(ctx, cfg.Locations)
	if err != nil {
		return sum, err
	}
	if len(unresolved) > 0 {
		log.Warn("proceeding with partial resolution",
			zap.Int("resolved", len(resolved)),
			zap.Int("unresolved", len(unresolved)))
	}

	c, err := o.prov.CreateCase(ctx, cfg.CaseName)
	if err != nil {
		return sum, err
	}
	sum.Case = c
	log.Info("case created", zap.String("case_id", c.ID))

	refs, bindFailures, err := resolver.Bind(ctx, c.ID, resolved)
	unresolved = append(unresolved, bindFailures...)
	if err != nil {
		return sum, o.failAndClean(ctx, log, c.ID, err)
	}

	s, err := o.prov.CreateSearch(ctx, c, q, refs)
	if err != nil {
		return sum, o.failAndClean(ctx, log, c.ID, err)
	}
	sum.Search = s
	log.Info("search created", zap.String("search_id", s.ID))

	if err := o.poller.Trigger(ctx, c.ID, s.ID); err != nil {
		return sum, o.failAndClean(ctx, log, c.ID, err)
	}

	appeared, err := o.poller.WaitForJobToAppear(ctx, c.ID, s.ID, cfg.Poll.InitMaxWait, cfg.Poll.InitInterval)
	if err != nil {
		if ctx.Err() != nil {
			return sum, err
		}
		return sum, o.failAndClean(ctx, log, c.ID, err)
	}
	if !appeared {
		err := fmt.Errorf("%w (budget %s)", jobpoll.ErrInitTimeout, cfg.Poll.InitMaxWait)
		return sum, o.failAndClean(ctx, log, c.ID, err)
	}
	log.Info("job appeared, waiting for terminal state")

	op, waitErr := o.poller.WaitForTerminal(ctx, c.ID, s.ID, cfg.Poll.ProgressMaxWait, cfg.Poll.ProgressInterval)

	rec := o.buildRecord(sum.RunID, c, s, q, cfg.Locations, refs, unresolved, started, op, waitErr)
	sum.Record = rec
	o.emit(log, &sum, cfg.OutputDir, rec)

	switch {
	case waitErr == nil:
		log.Info("job succeeded",
			zap.Int64("item_count", op.Result.ItemCount),
			zap.Int64("size_bytes", op.Result.SizeBytes))
		return sum, nil

	case errors.Is(waitErr, jobpoll.ErrProgressTimeout):
		// The job may still be computing; the case and search stay up so
		// the run can be resumed against them.
		log.Warn("progress budget exhausted, resources preserved for resume",
			zap.String("case_id", c.ID),
			zap.String("search_id", s.ID))
		return sum, waitErr

	case errors.Is(waitErr, jobpoll.ErrJobFailed):
		return sum, o.failAndClean(ctx, log, c.ID, waitErr)

	default:
		if ctx.Err() != nil {
			return sum, waitErr
		}
		return sum, o.failAndClean(ctx, log, c.ID, waitErr)
	}
}

// Resume re-enters the progress wait against an existing case and search.
//
// The job is not re-triggered: either it is still running, in which case
// polling picks it up, or it already finished and the first poll observes
// the terminal state.
func (o *Orchestrator) Resume(ctx context.Context, caseID, searchID, outputDir string, poll jobpoll.Settings) (Summary, error) {
	sum := Summary{RunID: uuid.NewString()}
	log := o.log.With(zap.String("run_id", sum.RunID))

	c, s, err := o.prov.Attach(ctx, caseID, searchID)
	if err != nil {
		return sum, err
	}
	sum.Case, sum.Search = c, s
	log.Info("attached to existing resources",
		zap.String("case_id", c.ID),
		zap.String("search_id", s.ID))

	started := time.Now().UTC()
	op, waitErr := o.poller.WaitForTerminal(ctx, c.ID, s.ID, poll.ProgressMaxWait, poll.ProgressInterval)

	q := queryFromSearch(s)
	rec := o.buildRecord(sum.RunID, c, s, q, nil, nil, nil, started, op, waitErr)
	sum.Record = rec
	if outputDir != "" {
		o.emit(log, &sum, outputDir, rec)
	}

	switch {
	case waitErr == nil:
		return sum, nil
	case errors.Is(waitErr, jobpoll.ErrProgressTimeout):
		log.Warn("progress budget exhausted again, resources preserved")
		return sum, waitErr
	case errors.Is(waitErr, jobpoll.ErrJobFailed):
		return sum, o.failAndClean(ctx, log, c.ID, waitErr)
	default:
		if ctx.Err() != nil {
			return sum, waitErr
		}
		return sum, o.failAndClean(ctx, log, c.ID, waitErr)
	}
}

// failAndClean runs compensating cleanup and returns the primary error.
// Cleanup failures are logged inside the provisioner and never escalate.
func (o *Orchestrator) failAndClean(ctx context.Context, log *zap.Logger, caseID string, primary error) error {
	log.Warn("run failed, cleaning up case",
		zap.String("case_id", caseID),
		zap.Error(primary))
	_ = o.prov.Cleanup(context.WithoutCancel(ctx), caseID)
	return primary
}

func (o *Orchestrator) buildRecord(
	runID string,
	c provision.Case,
	s provision.Search,
	q query.Query,
	locations []string,
	refs []sources.DataSourceRef,
	unresolved []sources.UnresolvedLocation,
	started time.Time,
	op jobpoll.Operation,
	waitErr error,
) *report.Record {
	rec := &report.Record{
		RunID:        runID,
		CaseID:       c.ID,
		CaseName:     c.Name,
		SearchID:     s.ID,
		Query:        q.String(),
		QueryClauses: q.Clauses(),
		StartedAt:    started,
		FinishedAt:   time.Now().UTC(),
	}

	boundByName := map[string]sources.DataSourceRef{}
	for _, ref := range refs {
		boundByName[ref.Name] = ref
	}
	missByName := map[string]string{}
	for _, u := range unresolved {
		missByName[u.Name] = u.Reason
	}
	for _, name := range locations {
		if ref, ok := boundByName[name]; ok {
			rec.Locations = append(rec.Locations, report.LocationOutcome{
				Name:         name,
				URL:          ref.URL,
				DataSourceID: ref.ID,
			})
			continue
		}
		rec.Locations = append(rec.Locations, report.LocationOutcome{
			Name:   name,
			Reason: missByName[name],
		})
	}

	switch {
	case waitErr == nil:
		rec.Status = string(jobpoll.StatusSucceeded)
		rec.ItemCount = op.Result.ItemCount
		rec.SizeBytes = op.Result.SizeBytes
	case errors.Is(waitErr, jobpoll.ErrProgressTimeout):
		rec.Status = "timedOut"
		rec.ErrorDetail = waitErr.Error()
	case errors.Is(waitErr, jobpoll.ErrJobFailed):
		rec.Status = string(jobpoll.StatusFailed)
		rec.ErrorDetail = op.ErrorDetail
	default:
		rec.Status = string(jobpoll.StatusUnknown)
		rec.ErrorDetail = waitErr.Error()
	}
	return rec
}

// emit writes the artifacts and archives them when a store is configured.
// Both steps are best-effort relative to the run verdict.
func (o *Orchestrator) emit(log *zap.Logger, sum *Summary, dir string, rec *report.Record) {
	recordPath, tablePath, err := report.NewEmitter(dir).Emit(rec)
	if err != nil {
		log.Warn("artifact emission failed", zap.Error(err))
		return
	}
	sum.RecordPath, sum.TablePath = recordPath, tablePath
	log.Info("artifacts written",
		zap.String("record", recordPath),
		zap.String("table", tablePath))

	if o.store == nil {
		return
	}
	if err := archive.UploadFiles(context.Background(), o.store, []string{recordPath, tablePath}); err != nil {
		log.Warn("artifact archive failed", zap.Error(err))
		return
	}
	log.Info("artifacts archived")
}

// queryFromSearch reconstructs a Query value from the stored expression for
// record keeping. Clause count is re-derived from the OR joins.
func queryFromSearch(s provision.Search) query.Query {
	return query.FromExpression(s.Query)
}
