package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRequester routes Get/Post/Delete to test-supplied functions.
type fakeRequester struct {
	mu      sync.Mutex
	getFn   func(u string) (int, []byte, error)
	postFn  func(u string, body any) (int, []byte, error)
	getURLs []string
}

func (f *fakeRequester) Get(ctx context.Context, u string) (int, []byte, error) {
	f.mu.Lock()
	f.getURLs = append(f.getURLs, u)
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	return f.getFn(u)
}

func (f *fakeRequester) Post(ctx context.Context, u string, body any) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	if f.postFn == nil {
		return 404, nil, nil
	}
	return f.postFn(u, body)
}

func (f *fakeRequester) Delete(ctx context.Context, u string) (int, []byte, error) {
	return 204, nil, nil
}

// directoryOf builds a Get handler that resolves the given names and 404s
// everything else.
func directoryOf(known map[string]string) func(u string) (int, []byte, error) {
	return func(u string) (int, []byte, error) {
		parsed, err := url.Parse(u)
		if err != nil {
			return 400, nil, nil
		}
		term := parsed.Query().Get("search")
		webURL, ok := known[term]
		if !ok {
			return 200, []byte(`{"value":[]}`), nil
		}
		body, _ := json.Marshal(map[string]any{
			"value": []map[string]string{{"id": "site-" + term, "displayName": term, "webUrl": webURL}},
		})
		return 200, body, nil
	}
}

// bindOK answers every data-source creation with a fresh id.
func bindOK() func(u string, body any) (int, []byte, error) {
	var n atomic.Int32
	return func(u string, body any) (int, []byte, error) {
		id := fmt.Sprintf("ds-%d", n.Add(1))
		return 201, []byte(`{"id":"` + id + `"}`), nil
	}
}

func TestResolveAndBindPartialTolerance(t *testing.T) {
	names := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	req := &fakeRequester{
		getFn: directoryOf(map[string]string{
			"alpha": "https://tenant.example.com/sites/alpha",
			"gamma": "https://tenant.example.com/sites/gamma",
			"delta": "https://tenant.example.com/sites/delta",
		}),
		postFn: bindOK(),
	}

	r := New(req, "https://svc.example.com/api", DefaultConfig())
	refs, unresolved, err := r.ResolveAndBind(context.Background(), "case-1", names)

	require.NoError(t, err)
	assert.Len(t, refs, 3)
	assert.Len(t, unresolved, 2)

	got := make([]string, 0, len(refs))
	for _, ref := range refs {
		got = append(got, ref.Name)
		assert.NotEmpty(t, ref.ID)
		assert.Contains(t, ref.BindRef, "/cases/case-1/noncustodialDataSources/")
	}
	assert.Equal(t, []string{"alpha", "gamma", "delta"}, got, "input order preserved")
}

func TestResolveTotalFailure(t *testing.T) {
	req := &fakeRequester{getFn: directoryOf(nil)}
	r := New(req, "https://svc.example.com/api", DefaultConfig())

	refs, unresolved, err := r.ResolveAndBind(context.Background(), "case-1", []string{"a", "b", "c"})
	assert.ErrorIs(t, err, ErrNoSourcesResolved)
	assert.Empty(t, refs)
	assert.Len(t, unresolved, 3)
}

func TestResolvePrefixFallback(t *testing.T) {
	// The directory only indexes the text before the first dot, but the
	// candidate URL still carries the full requested name.
	full := "finance.contoso.example"
	req := &fakeRequester{
		getFn: func(u string) (int, []byte, error) {
			parsed, _ := url.Parse(u)
			if parsed.Query().Get("search") != "finance" {
				return 200, []byte(`{"value":[]}`), nil
			}
			body, _ := json.Marshal(map[string]any{
				"value": []map[string]string{{
					"id":          "site-fin",
					"displayName": "finance",
					"webUrl":      "https://tenant.example.com/sites/" + full,
				}},
			})
			return 200, body, nil
		},
		postFn: bindOK(),
	}

	r := New(req, "https://svc.example.com/api", DefaultConfig())
	refs, unresolved, err := r.ResolveAndBind(context.Background(), "case-1", []string{full})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Empty(t, unresolved)
	assert.Equal(t, full, refs[0].Name)
	assert.Contains(t, refs[0].URL, full)
}

func TestResolveSubstringDisambiguation(t *testing.T) {
	req := &fakeRequester{
		getFn: func(u string) (int, []byte, error) {
			body, _ := json.Marshal(map[string]any{
				"value": []map[string]string{
					{"id": "site-other", "displayName": "hr archive", "webUrl": "https://tenant.example.com/sites/hr-archive"},
					{"id": "site-hr", "displayName": "hr", "webUrl": "https://tenant.example.com/sites/hr"},
				},
			})
			return 200, body, nil
		},
		postFn: bindOK(),
	}

	r := New(req, "https://svc.example.com/api", DefaultConfig())
	resolved, unresolved, err := r.Resolve(context.Background(), []string{"hr-archive"})
	require.NoError(t, err)
	assert.Empty(t, unresolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, "site-other", resolved[0].SiteID)
}

func TestBindFailureDegrades(t *testing.T) {
	var n atomic.Int32
	req := &fakeRequester{
		getFn: directoryOf(map[string]string{
			"one": "https://tenant.example.com/sites/one",
			"two": "https://tenant.example.com/sites/two",
		}),
		postFn: func(u string, body any) (int, []byte, error) {
			if n.Add(1) == 1 {
				return 201, []byte(`{"id":"ds-1"}`), nil
			}
			return 400, []byte(`{"error":"quota exceeded"}`), nil
		},
	}

	r := New(req, "https://svc.example.com/api", DefaultConfig())
	refs, unresolved, err := r.ResolveAndBind(context.Background(), "case-1", []string{"one", "two"})
	require.NoError(t, err)
	assert.Len(t, refs, 1)
	require.Len(t, unresolved, 1)
	assert.Contains(t, unresolved[0].Reason, "quota exceeded")
}

func TestBindTotalFailure(t *testing.T) {
	req := &fakeRequester{
		getFn: directoryOf(map[string]string{"one": "https://tenant.example.com/sites/one"}),
		postFn: func(u string, body any) (int, []byte, error) {
			return 403, nil, nil
		},
	}

	r := New(req, "https://svc.example.com/api", DefaultConfig())
	refs, _, err := r.ResolveAndBind(context.Background(), "case-1", []string{"one"})
	assert.ErrorIs(t, err, ErrNoSourcesBound)
	assert.Empty(t, refs)
}

func TestResolveBoundedConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	req := &fakeRequester{
		getFn: func(u string) (int, []byte, error) {
			cur := inFlight.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			return 200, []byte(`{"value":[]}`), nil
		},
	}

	r := New(req, "https://svc.example.com/api", Config{Concurrency: 2})
	_, _, err := r.Resolve(context.Background(), []string{"a", "b", "c", "d", "e", "f"})
	assert.ErrorIs(t, err, ErrNoSourcesResolved)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestResolveCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := &fakeRequester{getFn: directoryOf(nil)}
	r := New(req, "https://svc.example.com/api", DefaultConfig())
	_, _, err := r.Resolve(ctx, []string{"a"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSearchTermEscaped(t *testing.T) {
	req := &fakeRequester{getFn: directoryOf(nil)}
	r := New(req, "https://svc.example.com/api", DefaultConfig())
	_, _, _ = r.Resolve(context.Background(), []string{"legal & compliance"})

	require.NotEmpty(t, req.getURLs)
	assert.True(t, strings.Contains(req.getURLs[0], "search=legal+%26+compliance") ||
		strings.Contains(req.getURLs[0], "search=legal%20%26%20compliance"))
}
