// Package manifest provides loading and validation of casesweep run manifests.
//
// A run manifest is a YAML or JSON file that configures one discovery
// orchestration run: the service to talk to, the case to create, the
// detection rules and locations to search, and the polling budgets.
//
// Manifests are validated against a JSON Schema to ensure correctness before
// execution. The schema enforces strict typing and disallows unknown
// properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	service:
//	  base_url: https://compliance.example.com/api/v1
//	case:
//	  name: Quarterly PII Audit
//	search:
//	  rules:
//	    - id: credit-card-number
//	      confidence: "85..100"
//	  supplemental_ids:
//	    - iban
//	locations:
//	  - finance.contoso.example
//	poll:
//	  progress_max_wait: 45m
//	output:
//	  directory: ./runs
package manifest

import (
	"fmt"
	"time"

	"github.com/caseops/casesweep/pkg/jobpoll"
	"github.com/caseops/casesweep/pkg/query"
	"github.com/caseops/casesweep/pkg/sources"
)

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultConcurrency is the default number of parallel directory lookups.
	DefaultConcurrency = 4

	// DefaultRateLimit is the default request rate limit (0 = unlimited).
	DefaultRateLimit = 0.0

	// DefaultOutputDir is the default artifact directory.
	DefaultOutputDir = "."
)

// Manifest represents a validated run manifest.
//
// Required fields are Version, Service, Case, Search, and Locations. Resolve,
// Poll, and Output are optional with sensible defaults.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	// Example: "https://schemas.caseops.dev/casesweep/v1.0.0/run-manifest.schema.json"
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Service configures the remote compliance service.
	Service ServiceConfig `json:"service" yaml:"service"`

	// Case configures the remote case to create.
	Case CaseConfig `json:"case" yaml:"case"`

	// Search configures the composite content query.
	Search SearchConfig `json:"search" yaml:"search"`

	// Locations are the external location names to resolve and bind.
	// At least one is required.
	Locations []string `json:"locations" yaml:"locations"`

	// Resolve configures directory lookup behavior (optional).
	Resolve ResolveConfig `json:"resolve,omitempty" yaml:"resolve,omitempty"`

	// Poll configures the two-phase wait budgets (optional).
	Poll PollConfig `json:"poll,omitempty" yaml:"poll,omitempty"`

	// Output configures artifact emission (optional).
	Output OutputConfig `json:"output,omitempty" yaml:"output,omitempty"`
}

// ServiceConfig configures the remote service connection.
type ServiceConfig struct {
	// BaseURL is the service API root.
	// Example: "https://compliance.example.com/api/v1"
	BaseURL string `json:"base_url" yaml:"base_url"`
}

// CaseConfig configures the remote case.
type CaseConfig struct {
	// Name is the display name of the case to create.
	Name string `json:"name" yaml:"name"`
}

// SearchConfig configures the composite query.
//
// At least one rule or supplemental identifier is required; a manifest with
// an empty search would produce a query with nothing to search for.
type SearchConfig struct {
	// Rules are the detection rules to search for.
	Rules []RuleConfig `json:"rules,omitempty" yaml:"rules,omitempty"`

	// SupplementalIDs are extra identifiers searched with the permissive
	// default ranges.
	SupplementalIDs []string `json:"supplemental_ids,omitempty" yaml:"supplemental_ids,omitempty"`
}

// RuleConfig is one detection rule entry.
type RuleConfig struct {
	// ID is the remote rule identifier.
	ID string `json:"id" yaml:"id"`

	// Confidence overrides the confidence range, e.g. "85..100". Optional.
	Confidence string `json:"confidence,omitempty" yaml:"confidence,omitempty"`

	// Length overrides the matched-value length range. Optional.
	Length string `json:"length,omitempty" yaml:"length,omitempty"`
}

// ResolveConfig configures directory lookups.
//
// All fields are optional with sensible defaults applied during loading.
type ResolveConfig struct {
	// Concurrency is the number of parallel lookups.
	// Range: 1-64. Default: 4.
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`

	// RateLimit is the maximum directory/bind requests per second
	// (0 = unlimited). Default: 0.
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// PollConfig configures the two polling phases. All fields are Go duration
// strings ("90s", "2m", "1h30m").
type PollConfig struct {
	// InitMaxWait bounds the wait for the job to appear. Default: 2m.
	InitMaxWait string `json:"init_max_wait,omitempty" yaml:"init_max_wait,omitempty"`

	// InitInterval is the poll interval during the initialization wait.
	// Default: 5s.
	InitInterval string `json:"init_interval,omitempty" yaml:"init_interval,omitempty"`

	// ProgressMaxWait bounds the wait for a terminal state. Default: 30m.
	ProgressMaxWait string `json:"progress_max_wait,omitempty" yaml:"progress_max_wait,omitempty"`

	// ProgressInterval is the poll interval during the progress wait.
	// Default: 15s.
	ProgressInterval string `json:"progress_interval,omitempty" yaml:"progress_interval,omitempty"`
}

// OutputConfig configures artifact emission.
//
// All fields are optional with sensible defaults applied during loading.
type OutputConfig struct {
	// Directory receives the run artifacts. Default: current directory.
	Directory string `json:"directory,omitempty" yaml:"directory,omitempty"`

	// Archive is an optional "s3://bucket/prefix" destination the artifacts
	// are additionally uploaded to after emission.
	Archive string `json:"archive,omitempty" yaml:"archive,omitempty"`
}

// ApplyDefaults fills in default values for optional fields.
//
// This should be called after loading and validating the manifest so callers
// don't need to reason about empty strings and zero values.
func (m *Manifest) ApplyDefaults() {
	if m.Resolve.Concurrency == 0 {
		m.Resolve.Concurrency = DefaultConcurrency
	}
	// RateLimit: 0 is a valid value (unlimited), so no default needed.

	def := jobpoll.DefaultSettings()
	if m.Poll.InitMaxWait == "" {
		m.Poll.InitMaxWait = def.InitMaxWait.String()
	}
	if m.Poll.InitInterval == "" {
		m.Poll.InitInterval = def.InitInterval.String()
	}
	if m.Poll.ProgressMaxWait == "" {
		m.Poll.ProgressMaxWait = def.ProgressMaxWait.String()
	}
	if m.Poll.ProgressInterval == "" {
		m.Poll.ProgressInterval = def.ProgressInterval.String()
	}

	if m.Output.Directory == "" {
		m.Output.Directory = DefaultOutputDir
	}
}

// Rules converts the configured rules to query detection rules.
func (m *Manifest) Rules() []query.DetectionRule {
	rules := make([]query.DetectionRule, 0, len(m.Search.Rules))
	for _, r := range m.Search.Rules {
		rules = append(rules, query.DetectionRule{
			ID:              r.ID,
			ConfidenceRange: r.Confidence,
			LengthRange:     r.Length,
		})
	}
	return rules
}

// ResolveSettings converts the resolve section to resolver configuration.
func (m *Manifest) ResolveSettings() sources.Config {
	return sources.Config{
		Concurrency: m.Resolve.Concurrency,
		RateLimit:   m.Resolve.RateLimit,
	}
}

// PollSettings parses the poll section into wait budgets.
//
// The schema constrains the fields to duration syntax, so a parse failure
// here indicates a manifest that bypassed validation.
func (m *Manifest) PollSettings() (jobpoll.Settings, error) {
	var (
		s   jobpoll.Settings
		err error
	)
	if s.InitMaxWait, err = parseDuration("poll.init_max_wait", m.Poll.InitMaxWait); err != nil {
		return jobpoll.Settings{}, err
	}
	if s.InitInterval, err = parseDuration("poll.init_interval", m.Poll.InitInterval); err != nil {
		return jobpoll.Settings{}, err
	}
	if s.ProgressMaxWait, err = parseDuration("poll.progress_max_wait", m.Poll.ProgressMaxWait); err != nil {
		return jobpoll.Settings{}, err
	}
	if s.ProgressInterval, err = parseDuration("poll.progress_interval", m.Poll.ProgressInterval); err != nil {
		return jobpoll.Settings{}, err
	}
	return s, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", field, value)
	}
	return d, nil
}
