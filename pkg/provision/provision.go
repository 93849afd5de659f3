// Package provision creates and tears down the remote case and search
// resources that scope a discovery run.
//
// The provisioner is the sole writer of creation intent; the remote service
// stays authoritative for existence and status. Local Case/Search values are
// caches of the last observed remote state, never a source of truth —
// Attach re-derives them by querying the service, which is what makes
// re-running against an existing case safe.
package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/caseops/casesweep/pkg/compliance"
	"github.com/caseops/casesweep/pkg/query"
	"github.com/caseops/casesweep/pkg/sources"
)

// ErrNotProvisioned indicates Attach was pointed at a case or search that
// does not exist on the remote service.
var ErrNotProvisioned = errors.New("resource not provisioned")

// Case is a remote container resource owning all other run resources.
type Case struct {
	ID   string `json:"id"`
	Name string `json:"displayName"`
}

// Search is a remote search resource bound to one case.
type Search struct {
	ID    string `json:"id"`
	Name  string `json:"displayName"`
	Query string `json:"contentQuery"`
}

// Provisioner creates cases and searches against one service root.
type Provisioner struct {
	req  compliance.Requester
	base string
	log  *zap.Logger
}

// New creates a provisioner. A nil logger is replaced with a no-op.
func New(req compliance.Requester, baseURL string, log *zap.Logger) *Provisioner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Provisioner{
		req:  req,
		base: strings.TrimSuffix(baseURL, "/"),
		log:  log,
	}
}

// CreateCase creates the remote case. Nothing exists before this call, so a
// failure here needs no compensation.
func (p *Provisioner) CreateCase(ctx context.Context, name string) (Case, error) {
	status, body, err := p.req.Post(ctx, p.base+"/cases", map[string]string{"displayName": name})
	if err != nil {
		return Case{}, fmt.Errorf("create case: %w", err)
	}
	if compliance.Classify(status) != compliance.OutcomeSuccess {
		return Case{}, compliance.NewStatusError("CreateCase", status, body)
	}

	var c Case
	if err := json.Unmarshal(body, &c); err != nil {
		return Case{}, fmt.Errorf("create case: decode response: %w", err)
	}
	if c.ID == "" {
		return Case{}, fmt.Errorf("create case: response missing id")
	}
	if c.Name == "" {
		c.Name = name
	}
	return c, nil
}

// CreateSearch creates the search resource bound by reference to every data
// source and carrying the composite query. The binding happens at creation
// time; the search is never mutated afterward.
func (p *Provisioner) CreateSearch(ctx context.Context, c Case, q query.Query, refs []sources.DataSourceRef) (Search, error) {
	if q.IsZero() {
		return Search{}, query.ErrEmptyQuery
	}
	if len(refs) == 0 {
		return Search{}, fmt.Errorf("create search: no data sources to bind")
	}

	bindRefs := make([]string, 0, len(refs))
	for _, ref := range refs {
		bindRefs = append(bindRefs, ref.BindRef)
	}

	payload := map[string]any{
		"displayName":            c.Name + " discovery search",
		"contentQuery":           q.String(),
		"noncustodialSourceRefs": bindRefs,
	}

	u := fmt.Sprintf("%s/cases/%s/searches", p.base, url.PathEscape(c.ID))
	status, body, err := p.req.Post(ctx, u, payload)
	if err != nil {
		return Search{}, fmt.Errorf("create search: %w", err)
	}
	if compliance.Classify(status) != compliance.OutcomeSuccess {
		return Search{}, compliance.NewStatusError("CreateSearch", status, body)
	}

	var s Search
	if err := json.Unmarshal(body, &s); err != nil {
		return Search{}, fmt.Errorf("create search: decode response: %w", err)
	}
	if s.ID == "" {
		return Search{}, fmt.Errorf("create search: response missing id")
	}
	if s.Query == "" {
		s.Query = q.String()
	}
	return s, nil
}

// Provision creates the case and then the search in one step.
//
// If search creation fails, the just-created case is deleted before the
// error is returned, so partial state is cleaned even when the caller never
// reaches a top-level cleanup handler.
func (p *Provisioner) Provision(ctx context.Context, caseName string, q query.Query, refs []sources.DataSourceRef) (Case, Search, error) {
	c, err := p.CreateCase(ctx, caseName)
	if err != nil {
		return Case{}, Search{}, err
	}

	s, err := p.CreateSearch(ctx, c, q, refs)
	if err != nil {
		if cleanupErr := p.Cleanup(context.WithoutCancel(ctx), c.ID); cleanupErr != nil {
			p.log.Warn("compensating case deletion failed",
				zap.String("case_id", c.ID),
				zap.Error(cleanupErr))
		}
		return Case{}, Search{}, err
	}

	return c, s, nil
}

// Attach re-derives Case and Search from the remote service by identifier,
// for resuming a run without re-creating resources. Returns
// ErrNotProvisioned when either resource is missing.
func (p *Provisioner) Attach(ctx context.Context, caseID, searchID string) (Case, Search, error) {
	caseURL := fmt.Sprintf("%s/cases/%s", p.base, url.PathEscape(caseID))
	status, body, err := p.req.Get(ctx, caseURL)
	if err != nil {
		return Case{}, Search{}, fmt.Errorf("attach case: %w", err)
	}
	if compliance.Classify(status) == compliance.OutcomeNotFound {
		return Case{}, Search{}, fmt.Errorf("%w: case %s", ErrNotProvisioned, caseID)
	}
	if compliance.Classify(status) != compliance.OutcomeSuccess {
		return Case{}, Search{}, compliance.NewStatusError("AttachCase", status, body)
	}

	var c Case
	if err := json.Unmarshal(body, &c); err != nil {
		return Case{}, Search{}, fmt.Errorf("attach case: decode response: %w", err)
	}

	searchURL := fmt.Sprintf("%s/searches/%s", caseURL, url.PathEscape(searchID))
	status, body, err = p.req.Get(ctx, searchURL)
	if err != nil {
		return Case{}, Search{}, fmt.Errorf("attach search: %w", err)
	}
	if compliance.Classify(status) == compliance.OutcomeNotFound {
		return Case{}, Search{}, fmt.Errorf("%w: search %s", ErrNotProvisioned, searchID)
	}
	if compliance.Classify(status) != compliance.OutcomeSuccess {
		return Case{}, Search{}, compliance.NewStatusError("AttachSearch", status, body)
	}

	var s Search
	if err := json.Unmarshal(body, &s); err != nil {
		return Case{}, Search{}, fmt.Errorf("attach search: decode response: %w", err)
	}

	return c, s, nil
}

// Cleanup deletes the case, cascading deletion of everything bound to it.
//
// Idempotent: an already-deleted case is success. Other failures are logged
// and returned, but callers never escalate them over the orchestration error
// that triggered the cleanup.
func (p *Provisioner) Cleanup(ctx context.Context, caseID string) error {
	u := fmt.Sprintf("%s/cases/%s", p.base, url.PathEscape(caseID))
	status, body, err := p.req.Delete(ctx, u)
	if err != nil {
		p.log.Warn("case deletion failed", zap.String("case_id", caseID), zap.Error(err))
		return fmt.Errorf("delete case: %w", err)
	}

	switch compliance.Classify(status) {
	case compliance.OutcomeSuccess, compliance.OutcomeNotFound:
		return nil
	default:
		serr := compliance.NewStatusError("DeleteCase", status, body)
		p.log.Warn("case deletion failed", zap.String("case_id", caseID), zap.Error(serr))
		return serr
	}
}
