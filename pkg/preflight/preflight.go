// Package preflight probes the remote service before any resource is
// created. A failed preflight is the cheapest possible failure: nothing
// exists yet, so nothing needs cleanup.
package preflight

import (
	"context"
	"fmt"
	"strings"

	"github.com/caseops/casesweep/pkg/compliance"
)

// Mode defines how aggressive preflight checks are.
type Mode string

const (
	// ModePlanOnly skips remote probes entirely.
	ModePlanOnly Mode = "plan-only"

	// ModeReadSafe issues a single read-only request against the service.
	ModeReadSafe Mode = "read-safe"
)

// Capability names are stable strings used in logs and run records.
const (
	CapServiceReach = "service.reach"
	CapCredential   = "credential.accept"
)

// CheckResult is the outcome of one capability check.
type CheckResult struct {
	Capability string `json:"capability"`
	Allowed    bool   `json:"allowed"`
	Method     string `json:"method,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Record collects the results of a preflight pass.
type Record struct {
	Mode    Mode          `json:"mode"`
	Results []CheckResult `json:"results"`
}

// Service runs the read-safe preflight: list cases with a page size of one.
// The returned record describes each capability individually; the returned
// error, when non-nil, is the reason orchestration must not proceed.
func Service(ctx context.Context, req compliance.Requester, baseURL string, mode Mode) (*Record, error) {
	rec := &Record{Mode: mode, Results: []CheckResult{}}
	if mode == ModePlanOnly {
		return rec, nil
	}

	method := "GET /cases?$top=1"
	u := strings.TrimSuffix(baseURL, "/") + "/cases?$top=1"

	status, body, err := req.Get(ctx, u)
	if err != nil {
		rec.Results = append(rec.Results, CheckResult{
			Capability: CapServiceReach,
			Allowed:    false,
			Method:     method,
			Detail:     err.Error(),
		})
		return rec, fmt.Errorf("preflight: service unreachable: %w", err)
	}

	switch compliance.Classify(status) {
	case compliance.OutcomeSuccess:
		rec.Results = append(rec.Results,
			CheckResult{Capability: CapServiceReach, Allowed: true, Method: method},
			CheckResult{Capability: CapCredential, Allowed: true, Method: method},
		)
		return rec, nil

	case compliance.OutcomeTransient:
		serr := compliance.NewStatusError("Preflight", status, body)
		rec.Results = append(rec.Results, CheckResult{
			Capability: CapServiceReach,
			Allowed:    false,
			Method:     method,
			Detail:     serr.Error(),
		})
		return rec, fmt.Errorf("preflight: %w", serr)

	default:
		// The service answered, so it is reachable; the credential (or the
		// request itself) was rejected.
		serr := compliance.NewStatusError("Preflight", status, body)
		rec.Results = append(rec.Results,
			CheckResult{Capability: CapServiceReach, Allowed: true, Method: method},
			CheckResult{Capability: CapCredential, Allowed: false, Method: method, Detail: serr.Error()},
		)
		return rec, fmt.Errorf("preflight: %w", serr)
	}
}
