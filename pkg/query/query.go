// Package query builds the composite content query submitted with a
// discovery search.
//
// A query is assembled once from detection-rule clauses plus supplemental
// identifiers and never mutated afterward. Construction is pure and
// deterministic: the same inputs always produce a byte-identical expression.
package query

import (
	"errors"
	"fmt"
	"strings"
)

// Default ranges applied when a rule does not override them.
//
// The confidence default is deliberately the full range: discovery
// over-collects and narrowing happens downstream.
const (
	DefaultConfidenceRange = "1..100"
	DefaultLengthRange     = "1..499"
)

// ErrEmptyQuery is returned when zero clauses would be produced.
// There is nothing to search for, so construction fails fast.
var ErrEmptyQuery = errors.New("query has no clauses")

// DetectionRule identifies one named detection rule to search for.
type DetectionRule struct {
	// ID is the remote rule identifier. Required.
	ID string

	// ConfidenceRange overrides the confidence filter, e.g. "85..100".
	// Empty means DefaultConfidenceRange.
	ConfidenceRange string

	// LengthRange overrides the matched-value length filter.
	// Empty means DefaultLengthRange.
	LengthRange string
}

// Query is an immutable composite query expression.
type Query struct {
	expr    string
	clauses int
}

// String returns the rendered expression.
func (q Query) String() string { return q.expr }

// Clauses returns the number of OR-joined clauses in the expression.
func (q Query) Clauses() int { return q.clauses }

// IsZero reports whether the query was never built.
func (q Query) IsZero() bool { return q.clauses == 0 }

// Build renders the composite query from named rules and supplemental
// identifiers.
//
// Each rule becomes one clause carrying its (possibly overridden) length
// and confidence ranges. Supplemental identifiers become additional clauses
// pinned to the permissive defaults: they exist to recover matches known to
// be undercounted by the named rules, and are intentionally not tunable.
// All clauses are joined with OR.
func Build(rules []DetectionRule, supplementalIDs []string) (Query, error) {
	clauses := make([]string, 0, len(rules)+len(supplementalIDs))

	for _, r := range rules {
		if strings.TrimSpace(r.ID) == "" {
			return Query{}, fmt.Errorf("detection rule with empty identifier")
		}
		clauses = append(clauses, renderClause(r.ID, r.LengthRange, r.ConfidenceRange))
	}

	for _, id := range supplementalIDs {
		if strings.TrimSpace(id) == "" {
			return Query{}, fmt.Errorf("supplemental identifier is empty")
		}
		clauses = append(clauses, renderClause(id, "", ""))
	}

	if len(clauses) == 0 {
		return Query{}, ErrEmptyQuery
	}

	return Query{
		expr:    strings.Join(clauses, " OR "),
		clauses: len(clauses),
	}, nil
}

// FromExpression wraps an already rendered expression, re-deriving the
// clause count from its OR joins. Used when attaching to an existing search
// whose query was built by an earlier run.
func FromExpression(expr string) Query {
	if strings.TrimSpace(expr) == "" {
		return Query{}
	}
	return Query{expr: expr, clauses: strings.Count(expr, " OR ") + 1}
}

// renderClause produces one SensitiveType clause in the service's
// id|lengthRange|confidenceRange form.
func renderClause(id, lengthRange, confidenceRange string) string {
	if lengthRange == "" {
		lengthRange = DefaultLengthRange
	}
	if confidenceRange == "" {
		confidenceRange = DefaultConfidenceRange
	}
	return fmt.Sprintf("SensitiveType:%q", id+"|"+lengthRange+"|"+confidenceRange)
}
