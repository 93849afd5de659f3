// Package sources resolves named external locations against the remote
// directory and binds them to a case as noncustodial data sources.
//
// Resolution is tolerant: a location that cannot be found or bound degrades
// to an UnresolvedLocation instead of failing the batch. Only a batch that
// yields zero bindable sources is an error, because creating a search with
// no data sources is an invalid state.
package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/caseops/casesweep/pkg/compliance"
)

// Sentinel errors.
var (
	// ErrNoSourcesResolved indicates the directory resolved none of the
	// requested location names.
	ErrNoSourcesResolved = errors.New("no locations resolved")

	// ErrNoSourcesBound indicates no resolved location could be bound to
	// the case.
	ErrNoSourcesBound = errors.New("no data sources bound")
)

// nameSeparator splits a location name for the prefix-fallback lookup.
// Directory search is observed to sometimes index only the text before
// the first dot of a qualified site name.
const nameSeparator = "."

// Config configures resolution behavior.
type Config struct {
	// Concurrency is the number of parallel directory lookups.
	// Default: 4.
	Concurrency int

	// RateLimit is the maximum directory/bind requests per second.
	// Zero means unlimited.
	RateLimit float64
}

// DefaultConfig returns the default resolver configuration.
func DefaultConfig() Config {
	return Config{Concurrency: 4}
}

// ResolvedLocation is a directory hit for a requested location name.
type ResolvedLocation struct {
	// Name is the location name as supplied by configuration.
	Name string

	// SiteID is the directory identifier of the resolved site.
	SiteID string

	// URL is the canonical address of the resolved site.
	URL string
}

// DataSourceRef is one noncustodial data source bound to a case.
//
// A DataSourceRef exists only if directory resolution and remote creation
// both succeeded.
type DataSourceRef struct {
	// Name is the location name as supplied by configuration.
	Name string

	// URL is the resolved site address.
	URL string

	// ID is the remote data-source identifier assigned on creation.
	ID string

	// BindRef is the service URI used to attach this source to a search.
	BindRef string
}

// UnresolvedLocation records a location that could not be resolved or bound.
type UnresolvedLocation struct {
	Name   string
	Reason string
}

// Resolver looks up locations and creates case-scoped data sources.
type Resolver struct {
	req     compliance.Requester
	base    string
	cfg     Config
	limiter *rate.Limiter
	log     *zap.Logger
}

// New creates a resolver against the given service root.
func New(req compliance.Requester, baseURL string, cfg Config) *Resolver {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}

	r := &Resolver{
		req:  req,
		base: strings.TrimSuffix(baseURL, "/"),
		cfg:  cfg,
		log:  zap.NewNop(),
	}
	if cfg.RateLimit > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return r
}

// WithLogger sets the logger used for per-location warnings.
// Returns the resolver for chaining.
func (r *Resolver) WithLogger(log *zap.Logger) *Resolver {
	if log != nil {
		r.log = log
	}
	return r
}

// siteList is the directory search response shape.
type siteList struct {
	Value []site `json:"value"`
}

type site struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	WebURL      string `json:"webUrl"`
}

// dataSource is the create-data-source response shape.
type dataSource struct {
	ID string `json:"id"`
}

// Resolve looks up every name against the remote directory with bounded
// concurrency. Results preserve input order. Returns ErrNoSourcesResolved
// when nothing resolves; individual misses degrade to UnresolvedLocation.
func (r *Resolver) Resolve(ctx context.Context, names []string) ([]ResolvedLocation, []UnresolvedLocation, error) {
	hits := make([]*ResolvedLocation, len(names))
	misses := make([]*UnresolvedLocation, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	for i, name := range names {
		g.Go(func() error {
			loc, reason, err := r.lookup(gctx, name)
			if err != nil {
				return err
			}
			if loc == nil {
				misses[i] = &UnresolvedLocation{Name: name, Reason: reason}
				return nil
			}
			hits[i] = loc
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	resolved := make([]ResolvedLocation, 0, len(names))
	unresolved := make([]UnresolvedLocation, 0)
	for i := range names {
		if hits[i] != nil {
			resolved = append(resolved, *hits[i])
		} else if misses[i] != nil {
			unresolved = append(unresolved, *misses[i])
		}
	}

	for _, u := range unresolved {
		r.log.Warn("location did not resolve",
			zap.String("location", u.Name),
			zap.String("reason", u.Reason))
	}

	if len(resolved) == 0 {
		return nil, unresolved, fmt.Errorf("%w (requested %d)", ErrNoSourcesResolved, len(names))
	}
	return resolved, unresolved, nil
}

// lookup resolves one name. A nil location with a non-empty reason means
// the name degraded to unresolved; a non-nil error aborts the batch and is
// reserved for cancellation.
func (r *Resolver) lookup(ctx context.Context, name string) (*ResolvedLocation, string, error) {
	candidates, reason, err := r.searchDirectory(ctx, name)
	if err != nil {
		return nil, "", err
	}

	// Fallback: some directory implementations only index the text before
	// the first separator of a qualified name.
	if len(candidates) == 0 && reason == "" && strings.Contains(name, nameSeparator) {
		truncated := name[:strings.Index(name, nameSeparator)]
		candidates, reason, err = r.searchDirectory(ctx, truncated)
		if err != nil {
			return nil, "", err
		}
	}
	if reason != "" {
		return nil, reason, nil
	}

	// Disambiguate loose matches: keep candidates whose canonical address
	// contains the originally requested name.
	for _, c := range candidates {
		if strings.Contains(strings.ToLower(c.WebURL), strings.ToLower(name)) {
			return &ResolvedLocation{Name: name, SiteID: c.ID, URL: c.WebURL}, "", nil
		}
	}

	return nil, "no directory match", nil
}

// searchDirectory issues one directory search. Service-level failures come
// back as a reason string so the caller can degrade; only cancellation and
// transport failures on a live context return an error reason too.
func (r *Resolver) searchDirectory(ctx context.Context, term string) ([]site, string, error) {
	if err := r.waitForRateLimit(ctx); err != nil {
		return nil, "", err
	}

	u := fmt.Sprintf("%s/directory/sites?search=%s", r.base, url.QueryEscape(term))
	status, body, err := r.req.Get(ctx, u)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, err.Error(), nil
	}

	switch compliance.Classify(status) {
	case compliance.OutcomeSuccess:
	case compliance.OutcomeNotFound:
		return nil, "", nil
	default:
		return nil, compliance.NewStatusError("SearchDirectory", status, body).Error(), nil
	}

	var list siteList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Sprintf("decode directory response: %v", err), nil
	}
	return list.Value, "", nil
}

// Bind creates a case-scoped noncustodial data source for every resolved
// location. A creation failure degrades that location to unresolved.
// Returns ErrNoSourcesBound when nothing binds.
func (r *Resolver) Bind(ctx context.Context, caseID string, resolved []ResolvedLocation) ([]DataSourceRef, []UnresolvedLocation, error) {
	refs := make([]DataSourceRef, 0, len(resolved))
	var unresolved []UnresolvedLocation

	for _, loc := range resolved {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if err := r.waitForRateLimit(ctx); err != nil {
			return nil, nil, err
		}

		ref, reason := r.bindOne(ctx, caseID, loc)
		if ref == nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			unresolved = append(unresolved, UnresolvedLocation{Name: loc.Name, Reason: reason})
			r.log.Warn("data source creation failed",
				zap.String("location", loc.Name),
				zap.String("reason", reason))
			continue
		}
		refs = append(refs, *ref)
	}

	if len(refs) == 0 {
		return nil, unresolved, fmt.Errorf("%w (resolved %d)", ErrNoSourcesBound, len(resolved))
	}
	return refs, unresolved, nil
}

func (r *Resolver) bindOne(ctx context.Context, caseID string, loc ResolvedLocation) (*DataSourceRef, string) {
	u := fmt.Sprintf("%s/cases/%s/noncustodialDataSources", r.base, url.PathEscape(caseID))
	payload := map[string]any{
		"displayName": loc.Name,
		"site":        map[string]string{"webUrl": loc.URL},
	}

	status, body, err := r.req.Post(ctx, u, payload)
	if err != nil {
		return nil, err.Error()
	}
	if compliance.Classify(status) != compliance.OutcomeSuccess {
		return nil, compliance.NewStatusError("CreateDataSource", status, body).Error()
	}

	var ds dataSource
	if err := json.Unmarshal(body, &ds); err != nil || ds.ID == "" {
		return nil, "create response missing data source id"
	}

	return &DataSourceRef{
		Name:    loc.Name,
		URL:     loc.URL,
		ID:      ds.ID,
		BindRef: fmt.Sprintf("%s/%s", u, url.PathEscape(ds.ID)),
	}, ""
}

// ResolveAndBind resolves every name and binds the hits to the case in one
// step. The returned unresolved list covers both resolution and binding
// failures. An error is returned only when the bindable set is empty or the
// context is cancelled.
func (r *Resolver) ResolveAndBind(ctx context.Context, caseID string, names []string) ([]DataSourceRef, []UnresolvedLocation, error) {
	resolved, unresolved, err := r.Resolve(ctx, names)
	if err != nil {
		return nil, unresolved, err
	}

	refs, bindFailures, err := r.Bind(ctx, caseID, resolved)
	unresolved = append(unresolved, bindFailures...)
	if err != nil {
		return nil, unresolved, err
	}
	return refs, unresolved, nil
}

func (r *Resolver) waitForRateLimit(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	return r.limiter.Wait(ctx)
}
