// Package report writes the per-run output artifacts: a structured JSON
// record with everything needed to audit or resume the run, and a flat CSV
// summary for spreadsheet consumers. Both files are name-stamped with the
// run's start time.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// timestampLayout stamps artifact filenames. UTC, filesystem-safe.
const timestampLayout = "20060102T150405Z"

// LocationOutcome records how one configured location fared.
type LocationOutcome struct {
	// Name is the location name as configured.
	Name string `json:"name"`

	// URL is the resolved address; empty when unresolved.
	URL string `json:"url,omitempty"`

	// DataSourceID is the bound data-source identifier; empty when unresolved.
	DataSourceID string `json:"data_source_id,omitempty"`

	// Reason explains why the location is unresolved; empty when bound.
	Reason string `json:"reason,omitempty"`
}

// Record is the structured run artifact.
type Record struct {
	// RunID is the correlation ID for this orchestration run.
	RunID string `json:"run_id"`

	// CaseID and CaseName identify the remote case.
	CaseID   string `json:"case_id"`
	CaseName string `json:"case_name"`

	// SearchID identifies the remote search; with CaseID it is enough to
	// resume polling with the attach entry point.
	SearchID string `json:"search_id"`

	// Query is the composite query exactly as submitted.
	Query string `json:"query"`

	// QueryClauses is the number of OR-joined clauses in Query.
	QueryClauses int `json:"query_clauses"`

	// Locations covers every configured location, bound or not.
	Locations []LocationOutcome `json:"locations"`

	// StartedAt and FinishedAt bound the run (UTC).
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Status is the terminal job status observed.
	Status string `json:"status"`

	// ItemCount and SizeBytes are populated when Status is succeeded.
	ItemCount int64 `json:"item_count"`
	SizeBytes int64 `json:"size_bytes"`

	// ErrorDetail is the remote failure detail, verbatim, when Status is
	// failed.
	ErrorDetail string `json:"error_detail,omitempty"`
}

// Emitter writes run artifacts to one directory.
type Emitter struct {
	dir string
}

// NewEmitter creates an emitter for the given output directory.
// The directory is created on first emit if it does not exist.
func NewEmitter(dir string) *Emitter {
	return &Emitter{dir: dir}
}

// Emit writes the structured record and the tabular summary, returning the
// paths of both artifacts.
func (e *Emitter) Emit(rec *Record) (recordPath, tablePath string, err error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create output directory: %w", err)
	}

	stamp := rec.StartedAt.UTC().Format(timestampLayout)
	recordPath = filepath.Join(e.dir, fmt.Sprintf("casesweep-%s.json", stamp))
	tablePath = filepath.Join(e.dir, fmt.Sprintf("casesweep-%s.csv", stamp))

	if err := e.writeRecord(recordPath, rec); err != nil {
		return "", "", err
	}
	if err := e.writeTable(tablePath, rec); err != nil {
		return "", "", err
	}
	return recordPath, tablePath, nil
}

func (e *Emitter) writeRecord(path string, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run record: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write run record: %w", err)
	}
	return nil
}

// writeTable emits the flat summary: one header, one row.
func (e *Emitter) writeTable(path string, rec *Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create summary table: %w", err)
	}
	defer func() { _ = f.Close() }()

	resolved, unresolved := 0, 0
	for _, loc := range rec.Locations {
		if loc.DataSourceID != "" {
			resolved++
		} else {
			unresolved++
		}
	}

	w := csv.NewWriter(f)
	header := []string{
		"run_id", "case_id", "case_name", "search_id", "status",
		"item_count", "size_bytes", "locations_bound", "locations_unresolved",
		"started_at", "finished_at", "duration",
	}
	row := []string{
		rec.RunID, rec.CaseID, rec.CaseName, rec.SearchID, rec.Status,
		strconv.FormatInt(rec.ItemCount, 10),
		strconv.FormatInt(rec.SizeBytes, 10),
		strconv.Itoa(resolved),
		strconv.Itoa(unresolved),
		rec.StartedAt.UTC().Format(time.RFC3339),
		rec.FinishedAt.UTC().Format(time.RFC3339),
		rec.FinishedAt.Sub(rec.StartedAt).Round(time.Second).String(),
	}

	if err := w.Write(header); err != nil {
		return fmt.Errorf("write summary header: %w", err)
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("write summary row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush summary table: %w", err)
	}
	return nil
}
