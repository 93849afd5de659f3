package orchestrate_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/caseops/casesweep/pkg/compliance"
	"github.com/caseops/casesweep/pkg/jobpoll"
	"github.com/caseops/casesweep/pkg/orchestrate"
	"github.com/caseops/casesweep/pkg/provision"
	"github.com/caseops/casesweep/pkg/query"
	"github.com/caseops/casesweep/pkg/sources"
	"github.com/caseops/casesweep/test/compliancetest"
)

func newClient(t *testing.T, baseURL string) *compliance.Client {
	t.Helper()
	c, err := compliance.New(compliance.Config{
		BaseURL:     baseURL,
		TokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"}),
		RetryMax:    1,
	})
	require.NoError(t, err)
	return c
}

func fastPoll() jobpoll.Settings {
	return jobpoll.Settings{
		InitMaxWait:      500 * time.Millisecond,
		InitInterval:     10 * time.Millisecond,
		ProgressMaxWait:  2 * time.Second,
		ProgressInterval: 10 * time.Millisecond,
	}
}

func runConfig(t *testing.T, locations ...string) orchestrate.Config {
	t.Helper()
	return orchestrate.Config{
		CaseName:  "Quarterly Audit",
		Rules:     []query.DetectionRule{{ID: "rule-a", ConfidenceRange: "1..100"}},
		Locations: locations,
		Resolve:   sources.Config{Concurrency: 2},
		Poll:      fastPoll(),
		OutputDir: t.TempDir(),
	}
}

func TestRunEndToEnd(t *testing.T) {
	srv := compliancetest.New()
	defer srv.Close()
	srv.AddSite("Site1", "https://tenant.example.com/sites/site1")
	srv.AddSite("Site2", "https://tenant.example.com/sites/site2")
	srv.ScriptJob(
		compliancetest.StepNotFound(),
		compliancetest.StepStatus("notStarted"),
		compliancetest.StepStatus("running"),
		compliancetest.StepSucceeded(42, 100000),
	)

	o := orchestrate.New(newClient(t, srv.BaseURL()), srv.BaseURL(), nil)
	sum, err := o.Run(context.Background(), runConfig(t, "Site1", "Site2"))
	require.NoError(t, err)

	require.NotNil(t, sum.Record)
	assert.Equal(t, "succeeded", sum.Record.Status)
	assert.Equal(t, int64(42), sum.Record.ItemCount)
	assert.Equal(t, int64(100000), sum.Record.SizeBytes)
	assert.FileExists(t, sum.RecordPath)
	assert.FileExists(t, sum.TablePath)

	require.Len(t, sum.Record.Locations, 2)
	for _, loc := range sum.Record.Locations {
		assert.NotEmpty(t, loc.DataSourceID, "location %s should be bound", loc.Name)
	}

	search := srv.SearchFor(sum.Search.ID)
	require.NotNil(t, search)
	assert.Contains(t, search.Query, "rule-a|1..499|1..100")
	assert.Len(t, search.Sources, 2)

	assert.Empty(t, srv.DeleteCalls(), "a successful run must not clean up")
	assert.Equal(t, 1, srv.CaseCount())
}

func TestRunPartialResolutionProceeds(t *testing.T) {
	srv := compliancetest.New()
	defer srv.Close()
	srv.AddSite("Site1", "https://tenant.example.com/sites/site1")
	srv.ScriptJob(compliancetest.StepSucceeded(7, 2048))

	o := orchestrate.New(newClient(t, srv.BaseURL()), srv.BaseURL(), nil)
	sum, err := o.Run(context.Background(), runConfig(t, "Site1", "Ghost"))
	require.NoError(t, err)

	require.Len(t, sum.Record.Locations, 2)
	assert.NotEmpty(t, sum.Record.Locations[0].DataSourceID)
	assert.Empty(t, sum.Record.Locations[1].DataSourceID)
	assert.Equal(t, "no directory match", sum.Record.Locations[1].Reason)
}

func TestRunZeroResolutionLeavesNoRemoteState(t *testing.T) {
	srv := compliancetest.New()
	defer srv.Close()

	o := orchestrate.New(newClient(t, srv.BaseURL()), srv.BaseURL(), nil)
	_, err := o.Run(context.Background(), runConfig(t, "Ghost1", "Ghost2"))
	require.ErrorIs(t, err, sources.ErrNoSourcesResolved)

	assert.Zero(t, srv.CaseCount(), "no case may exist when resolution fails")
	assert.Empty(t, srv.DeleteCalls(), "nothing was created, nothing to delete")
}

func TestRunSearchCreationFailureCompensates(t *testing.T) {
	srv := compliancetest.New()
	defer srv.Close()
	srv.AddSite("Site1", "https://tenant.example.com/sites/site1")
	srv.FailCreateSearch = 400

	o := orchestrate.New(newClient(t, srv.BaseURL()), srv.BaseURL(), nil)
	_, err := o.Run(context.Background(), runConfig(t, "Site1"))
	require.Error(t, err)

	assert.Len(t, srv.DeleteCalls(), 1)
	assert.Zero(t, srv.CaseCount())
}

func TestRunInitTimeoutCleansUp(t *testing.T) {
	srv := compliancetest.New()
	defer srv.Close()
	srv.AddSite("Site1", "https://tenant.example.com/sites/site1")
	srv.ScriptJob(compliancetest.StepNotFound())

	cfg := runConfig(t, "Site1")
	cfg.Poll.InitMaxWait = 100 * time.Millisecond

	o := orchestrate.New(newClient(t, srv.BaseURL()), srv.BaseURL(), nil)
	_, err := o.Run(context.Background(), cfg)
	require.ErrorIs(t, err, jobpoll.ErrInitTimeout)

	assert.Len(t, srv.DeleteCalls(), 1)
	assert.Zero(t, srv.CaseCount())
}

func TestRunJobFailureCleansUpAndCarriesDetail(t *testing.T) {
	srv := compliancetest.New()
	defer srv.Close()
	srv.AddSite("Site1", "https://tenant.example.com/sites/site1")
	srv.ScriptJob(
		compliancetest.StepStatus("running"),
		compliancetest.StepFailed("index corrupt: shard 7"),
	)

	o := orchestrate.New(newClient(t, srv.BaseURL()), srv.BaseURL(), nil)
	sum, err := o.Run(context.Background(), runConfig(t, "Site1"))
	require.ErrorIs(t, err, jobpoll.ErrJobFailed)

	require.NotNil(t, sum.Record)
	assert.Equal(t, "failed", sum.Record.Status)
	assert.Equal(t, "index corrupt: shard 7", sum.Record.ErrorDetail)
	assert.Len(t, srv.DeleteCalls(), 1)
	assert.Zero(t, srv.CaseCount())
}

func TestRunProgressTimeoutPreservesResourcesAndResumes(t *testing.T) {
	srv := compliancetest.New()
	defer srv.Close()
	srv.AddSite("Site1", "https://tenant.example.com/sites/site1")
	srv.ScriptJob(compliancetest.StepStatus("running"))

	cfg := runConfig(t, "Site1")
	cfg.Poll.ProgressMaxWait = 150 * time.Millisecond

	o := orchestrate.New(newClient(t, srv.BaseURL()), srv.BaseURL(), nil)
	sum, err := o.Run(context.Background(), cfg)
	require.ErrorIs(t, err, jobpoll.ErrProgressTimeout)
	assert.NotErrorIs(t, err, jobpoll.ErrJobFailed)

	assert.Empty(t, srv.DeleteCalls(), "a progress timeout must not clean up")
	assert.Equal(t, 1, srv.CaseCount())
	require.NotNil(t, sum.Record)
	assert.Equal(t, "timedOut", sum.Record.Status)

	// The preserved search is resumable.
	srv.ScriptJob(compliancetest.StepSucceeded(42, 100000))
	resumed, err := o.Resume(context.Background(), sum.Case.ID, sum.Search.ID, t.TempDir(), fastPoll())
	require.NoError(t, err)
	assert.Equal(t, int64(42), resumed.Record.ItemCount)
	assert.Equal(t, int64(100000), resumed.Record.SizeBytes)
	assert.Empty(t, srv.DeleteCalls())
}

func TestResumeMissingResources(t *testing.T) {
	srv := compliancetest.New()
	defer srv.Close()

	o := orchestrate.New(newClient(t, srv.BaseURL()), srv.BaseURL(), nil)
	_, err := o.Resume(context.Background(), "case-gone", "search-gone", "", fastPoll())
	assert.ErrorIs(t, err, provision.ErrNotProvisioned)
}

func TestRunConfigValidation(t *testing.T) {
	o := orchestrate.New(nil, "https://svc.example.com", nil)

	for name, cfg := range map[string]orchestrate.Config{
		"missing case name": {
			Rules:     []query.DetectionRule{{ID: "r"}},
			Locations: []string{"a"},
			OutputDir: "out",
		},
		"missing rules": {
			CaseName:  "c",
			Locations: []string{"a"},
			OutputDir: "out",
		},
		"missing locations": {
			CaseName:  "c",
			Rules:     []query.DetectionRule{{ID: "r"}},
			OutputDir: "out",
		},
		"missing output dir": {
			CaseName:  "c",
			Rules:     []query.DetectionRule{{ID: "r"}},
			Locations: []string{"a"},
		},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := o.Run(context.Background(), cfg)
			assert.ErrorIs(t, err, orchestrate.ErrInvalidConfig)
		})
	}
}

// recordingStore captures archive uploads.
type recordingStore struct {
	keys []string
}

func (r *recordingStore) Put(ctx context.Context, key string, body io.Reader, length int64, contentType string) error {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return err
	}
	r.keys = append(r.keys, key)
	return nil
}

func TestRunArchivesArtifacts(t *testing.T) {
	srv := compliancetest.New()
	defer srv.Close()
	srv.AddSite("Site1", "https://tenant.example.com/sites/site1")
	srv.ScriptJob(compliancetest.StepSucceeded(1, 10))

	store := &recordingStore{}
	o := orchestrate.New(newClient(t, srv.BaseURL()), srv.BaseURL(), nil).WithArchive(store)

	_, err := o.Run(context.Background(), runConfig(t, "Site1"))
	require.NoError(t, err)

	require.Len(t, store.keys, 2)
	assert.Contains(t, store.keys[0], ".json")
	assert.Contains(t, store.keys[1], ".csv")
}
