package query

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildClauseCount(t *testing.T) {
	rules := []DetectionRule{
		{ID: "rule-a", ConfidenceRange: "85..100"},
		{ID: "rule-b"},
		{ID: "rule-c", LengthRange: "1..999"},
	}
	supplemental := []string{"extra-1", "extra-2"}

	q, err := Build(rules, supplemental)
	require.NoError(t, err)
	assert.Equal(t, len(rules)+len(supplemental), q.Clauses())
	assert.Equal(t, q.Clauses()-1, strings.Count(q.String(), " OR "))
}

func TestBuildDeterministic(t *testing.T) {
	rules := []DetectionRule{{ID: "rule-a", ConfidenceRange: "75..100"}, {ID: "rule-b"}}
	supplemental := []string{"extra-1"}

	first, err := Build(rules, supplemental)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := Build(rules, supplemental)
		require.NoError(t, err)
		assert.Equal(t, first.String(), again.String(), "iteration %d", i)
	}
}

func TestBuildRendersOverrides(t *testing.T) {
	q, err := Build([]DetectionRule{{ID: "ssn", ConfidenceRange: "85..100", LengthRange: "9..11"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, `SensitiveType:"ssn|9..11|85..100"`, q.String())
}

func TestBuildAppliesDefaults(t *testing.T) {
	q, err := Build([]DetectionRule{{ID: "ccn"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("SensitiveType:%q", "ccn|"+DefaultLengthRange+"|"+DefaultConfidenceRange), q.String())
}

func TestBuildSupplementalAlwaysPermissive(t *testing.T) {
	// Supplemental identifiers never carry overrides, even when every
	// named rule does.
	q, err := Build([]DetectionRule{{ID: "ssn", ConfidenceRange: "95..100"}}, []string{"legacy-id"})
	require.NoError(t, err)
	assert.Contains(t, q.String(), `SensitiveType:"legacy-id|`+DefaultLengthRange+"|"+DefaultConfidenceRange+`"`)
}

func TestBuildEmptyInputs(t *testing.T) {
	q, err := Build(nil, nil)
	assert.ErrorIs(t, err, ErrEmptyQuery)
	assert.True(t, q.IsZero())
	assert.Empty(t, q.String())
}

func TestBuildRejectsBlankIdentifiers(t *testing.T) {
	_, err := Build([]DetectionRule{{ID: "  "}}, nil)
	assert.Error(t, err)

	_, err = Build([]DetectionRule{{ID: "ok"}}, []string{""})
	assert.Error(t, err)
}

func TestBuildManyRules(t *testing.T) {
	var rules []DetectionRule
	for i := 0; i < 50; i++ {
		rules = append(rules, DetectionRule{ID: fmt.Sprintf("rule-%02d", i)})
	}
	q, err := Build(rules, nil)
	require.NoError(t, err)
	assert.Equal(t, 50, q.Clauses())
}

func TestFromExpression(t *testing.T) {
	q, err := Build([]DetectionRule{{ID: "rule-a"}, {ID: "rule-b"}}, nil)
	require.NoError(t, err)

	rehydrated := FromExpression(q.String())
	assert.Equal(t, q.String(), rehydrated.String())
	assert.Equal(t, q.Clauses(), rehydrated.Clauses())

	assert.True(t, FromExpression("").IsZero())
	assert.Equal(t, 1, FromExpression(`SensitiveType:"x|1..499|1..100"`).Clauses())
}
