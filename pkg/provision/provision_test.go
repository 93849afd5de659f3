package provision

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caseops/casesweep/pkg/query"
	"github.com/caseops/casesweep/pkg/sources"
)

// fakeRequester records calls and routes them to test handlers.
type fakeRequester struct {
	mu          sync.Mutex
	getFn       func(u string) (int, []byte, error)
	postFn      func(u string, body any) (int, []byte, error)
	deleteFn    func(u string) (int, []byte, error)
	deleteCalls []string
	postCalls   []string
}

func (f *fakeRequester) Get(ctx context.Context, u string) (int, []byte, error) {
	if f.getFn == nil {
		return 404, nil, nil
	}
	return f.getFn(u)
}

func (f *fakeRequester) Post(ctx context.Context, u string, body any) (int, []byte, error) {
	f.mu.Lock()
	f.postCalls = append(f.postCalls, u)
	f.mu.Unlock()
	return f.postFn(u, body)
}

func (f *fakeRequester) Delete(ctx context.Context, u string) (int, []byte, error) {
	f.mu.Lock()
	f.deleteCalls = append(f.deleteCalls, u)
	f.mu.Unlock()
	if f.deleteFn == nil {
		return 204, nil, nil
	}
	return f.deleteFn(u)
}

func mustQuery(t *testing.T) query.Query {
	t.Helper()
	q, err := query.Build([]query.DetectionRule{{ID: "rule-a"}}, nil)
	require.NoError(t, err)
	return q
}

func oneRef() []sources.DataSourceRef {
	return []sources.DataSourceRef{{
		Name:    "alpha",
		URL:     "https://tenant.example.com/sites/alpha",
		ID:      "ds-1",
		BindRef: "https://svc.example.com/api/cases/case-1/noncustodialDataSources/ds-1",
	}}
}

func TestProvisionHappyPath(t *testing.T) {
	req := &fakeRequester{
		postFn: func(u string, body any) (int, []byte, error) {
			if strings.HasSuffix(u, "/cases") {
				return 201, []byte(`{"id":"case-1","displayName":"Audit"}`), nil
			}
			return 201, []byte(`{"id":"search-1","displayName":"Audit discovery search"}`), nil
		},
	}

	p := New(req, "https://svc.example.com/api", nil)
	c, s, err := p.Provision(context.Background(), "Audit", mustQuery(t), oneRef())
	require.NoError(t, err)
	assert.Equal(t, "case-1", c.ID)
	assert.Equal(t, "search-1", s.ID)
	assert.NotEmpty(t, s.Query)
	assert.Empty(t, req.deleteCalls)
}

func TestProvisionCompensatesOnSearchFailure(t *testing.T) {
	req := &fakeRequester{
		postFn: func(u string, body any) (int, []byte, error) {
			if strings.HasSuffix(u, "/cases") {
				return 201, []byte(`{"id":"case-1","displayName":"Audit"}`), nil
			}
			return 400, []byte(`{"error":"invalid query"}`), nil
		},
	}

	p := New(req, "https://svc.example.com/api", nil)
	_, _, err := p.Provision(context.Background(), "Audit", mustQuery(t), oneRef())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid query")

	// Exactly one compensating case deletion.
	require.Len(t, req.deleteCalls, 1)
	assert.True(t, strings.HasSuffix(req.deleteCalls[0], "/cases/case-1"))
}

func TestProvisionCaseFailureNeedsNoCompensation(t *testing.T) {
	req := &fakeRequester{
		postFn: func(u string, body any) (int, []byte, error) {
			return 403, nil, nil
		},
	}

	p := New(req, "https://svc.example.com/api", nil)
	_, _, err := p.Provision(context.Background(), "Audit", mustQuery(t), oneRef())
	require.Error(t, err)
	assert.Empty(t, req.deleteCalls)
}

func TestCreateSearchRequiresSources(t *testing.T) {
	p := New(&fakeRequester{}, "https://svc.example.com/api", nil)
	_, err := p.CreateSearch(context.Background(), Case{ID: "case-1", Name: "Audit"}, mustQuery(t), nil)
	assert.Error(t, err)
}

func TestCreateSearchRequiresQuery(t *testing.T) {
	p := New(&fakeRequester{}, "https://svc.example.com/api", nil)
	_, err := p.CreateSearch(context.Background(), Case{ID: "case-1", Name: "Audit"}, query.Query{}, oneRef())
	assert.ErrorIs(t, err, query.ErrEmptyQuery)
}

func TestAttach(t *testing.T) {
	req := &fakeRequester{
		getFn: func(u string) (int, []byte, error) {
			switch {
			case strings.HasSuffix(u, "/cases/case-1"):
				return 200, []byte(`{"id":"case-1","displayName":"Audit"}`), nil
			case strings.HasSuffix(u, "/searches/search-1"):
				return 200, []byte(`{"id":"search-1","displayName":"Audit discovery search","contentQuery":"SensitiveType:\"x|1..499|1..100\""}`), nil
			}
			return 404, nil, nil
		},
	}

	p := New(req, "https://svc.example.com/api", nil)
	c, s, err := p.Attach(context.Background(), "case-1", "search-1")
	require.NoError(t, err)
	assert.Equal(t, "Audit", c.Name)
	assert.Equal(t, "search-1", s.ID)
	assert.NotEmpty(t, s.Query)
}

func TestAttachMissingCase(t *testing.T) {
	p := New(&fakeRequester{}, "https://svc.example.com/api", nil)
	_, _, err := p.Attach(context.Background(), "ghost", "search-1")
	assert.ErrorIs(t, err, ErrNotProvisioned)
}

func TestAttachMissingSearch(t *testing.T) {
	req := &fakeRequester{
		getFn: func(u string) (int, []byte, error) {
			if strings.HasSuffix(u, "/cases/case-1") {
				return 200, []byte(`{"id":"case-1","displayName":"Audit"}`), nil
			}
			return 404, nil, nil
		},
	}

	p := New(req, "https://svc.example.com/api", nil)
	_, _, err := p.Attach(context.Background(), "case-1", "ghost")
	assert.ErrorIs(t, err, ErrNotProvisioned)
}

func TestCleanupIdempotent(t *testing.T) {
	t.Run("deleted", func(t *testing.T) {
		req := &fakeRequester{deleteFn: func(u string) (int, []byte, error) { return 204, nil, nil }}
		p := New(req, "https://svc.example.com/api", nil)
		assert.NoError(t, p.Cleanup(context.Background(), "case-1"))
	})

	t.Run("already gone", func(t *testing.T) {
		req := &fakeRequester{deleteFn: func(u string) (int, []byte, error) { return 404, nil, nil }}
		p := New(req, "https://svc.example.com/api", nil)
		assert.NoError(t, p.Cleanup(context.Background(), "case-1"))
	})

	t.Run("other failure surfaces", func(t *testing.T) {
		req := &fakeRequester{deleteFn: func(u string) (int, []byte, error) { return 500, []byte("boom"), nil }}
		p := New(req, "https://svc.example.com/api", nil)
		assert.Error(t, p.Cleanup(context.Background(), "case-1"))
	})
}
