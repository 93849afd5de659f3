// Package compliancetest provides an in-process fake of the compliance
// service for integration-style tests.
//
// The fake implements the subset of the service the orchestrator touches:
// cases, directory search, noncustodial data sources, searches, and the
// statistics-estimation job. Job status responses are scripted per test so
// polling behavior can be exercised deterministically, including the
// service's habit of answering 404 or 5xx for a freshly triggered job.
//
// Usage:
//
//	srv := compliancetest.New()
//	defer srv.Close()
//	srv.AddSite("finance", "https://tenant.example.com/sites/finance")
//	srv.ScriptJob(
//	    compliancetest.StepNotFound(),
//	    compliancetest.StepStatus("running"),
//	    compliancetest.StepSucceeded(42, 100000),
//	)
package compliancetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
)

// Site is a directory entry the fake can resolve.
type Site struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	WebURL      string `json:"webUrl"`
}

// Case is a stored case resource.
type Case struct {
	ID   string `json:"id"`
	Name string `json:"displayName"`
}

// Search is a stored search resource.
type Search struct {
	ID      string   `json:"id"`
	Name    string   `json:"displayName"`
	Query   string   `json:"contentQuery"`
	Sources []string `json:"noncustodialSourceRefs"`
}

// JobStep is one scripted response of the estimation job endpoint.
type JobStep struct {
	Status int
	Body   string
}

// StepNotFound scripts the "job not instantiated yet" answer.
func StepNotFound() JobStep {
	return JobStep{Status: http.StatusNotFound, Body: `{"error":{"code":"itemNotFound"}}`}
}

// StepTransient scripts a transient server failure.
func StepTransient(status int) JobStep {
	return JobStep{Status: status, Body: `{"error":{"code":"serviceUnavailable"}}`}
}

// StepStatus scripts a non-terminal job observation.
func StepStatus(status string) JobStep {
	return JobStep{Status: http.StatusOK, Body: fmt.Sprintf(`{"status":%q}`, status)}
}

// StepSucceeded scripts the terminal success observation.
func StepSucceeded(itemCount, sizeBytes int64) JobStep {
	return JobStep{
		Status: http.StatusOK,
		Body:   fmt.Sprintf(`{"status":"succeeded","itemCount":%d,"sizeBytes":%d}`, itemCount, sizeBytes),
	}
}

// StepFailed scripts the terminal failure observation with the given detail.
func StepFailed(detail string) JobStep {
	return JobStep{
		Status: http.StatusOK,
		Body:   fmt.Sprintf(`{"status":"failed","error":{"message":%q}}`, detail),
	}
}

// Server is the in-process fake service.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	seq         int
	sites       []Site
	cases       map[string]*Case
	sources     map[string][]string // caseID -> data source IDs
	searches    map[string]*Search  // searchID -> search
	searchCase  map[string]string   // searchID -> caseID
	jobScript   []JobStep
	jobStepIdx  int
	triggered   map[string]bool // searchID -> job triggered
	deleteCalls []string

	// FailCreateSearch makes search creation answer with this status when
	// non-zero, for exercising compensation paths.
	FailCreateSearch int
}

// New starts the fake service.
func New() *Server {
	s := &Server{
		cases:      map[string]*Case{},
		sources:    map[string][]string{},
		searches:   map[string]*Search{},
		searchCase: map[string]string{},
		triggered:  map[string]bool{},
	}

	r := chi.NewRouter()
	r.Get("/directory/sites", s.handleDirectorySearch)
	r.Route("/cases", func(r chi.Router) {
		r.Get("/", s.handleListCases)
		r.Post("/", s.handleCreateCase)
		r.Route("/{caseID}", func(r chi.Router) {
			r.Get("/", s.handleGetCase)
			r.Delete("/", s.handleDeleteCase)
			r.Post("/noncustodialDataSources", s.handleCreateDataSource)
			r.Post("/searches", s.handleCreateSearch)
			r.Route("/searches/{searchID}", func(r chi.Router) {
				r.Get("/", s.handleGetSearch)
				r.Post("/estimateStatistics", s.handleTriggerJob)
				r.Get("/estimateStatistics", s.handleJobStatus)
			})
		})
	})

	s.Server = httptest.NewServer(r)
	return s
}

// BaseURL returns the service root for client configuration.
func (s *Server) BaseURL() string { return s.URL }

// AddSite registers a resolvable directory entry and returns its ID.
func (s *Server) AddSite(displayName, webURL string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("site-%d", s.seq)
	s.sites = append(s.sites, Site{ID: id, DisplayName: displayName, WebURL: webURL})
	return id
}

// ScriptJob sets the response sequence for job status polls. The final step
// repeats once the script is exhausted.
func (s *Server) ScriptJob(steps ...JobStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobScript = steps
	s.jobStepIdx = 0
}

// DeleteCalls returns the case IDs deleted so far, in order.
func (s *Server) DeleteCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleteCalls...)
}

// CaseCount returns the number of live cases.
func (s *Server) CaseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cases)
}

// SearchFor returns the stored search by ID, or nil.
func (s *Server) SearchFor(searchID string) *Search {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searches[searchID]
}

func (s *Server) nextID(kind string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", kind, s.seq)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]any{
		"error": map[string]string{"code": "itemNotFound"},
	})
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Case, 0, len(s.cases))
	for _, c := range s.cases {
		out = append(out, c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"value": out})
}

func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	var in struct {
		DisplayName string `json:"displayName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.DisplayName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": map[string]string{"code": "invalidRequest"},
		})
		return
	}

	s.mu.Lock()
	c := &Case{ID: s.nextID("case"), Name: in.DisplayName}
	s.cases[c.ID] = c
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	c := s.cases[chi.URLParam(r, "caseID")]
	s.mu.Unlock()

	if c == nil {
		writeNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteCase(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")

	s.mu.Lock()
	_, ok := s.cases[caseID]
	if ok {
		delete(s.cases, caseID)
	}
	s.deleteCalls = append(s.deleteCalls, caseID)
	s.mu.Unlock()

	if !ok {
		writeNotFound(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDirectorySearch(w http.ResponseWriter, r *http.Request) {
	term := strings.ToLower(r.URL.Query().Get("search"))

	s.mu.Lock()
	defer s.mu.Unlock()
	hits := []Site{}
	for _, site := range s.sites {
		if term == "" ||
			strings.Contains(strings.ToLower(site.DisplayName), term) ||
			strings.Contains(strings.ToLower(site.WebURL), term) {
			hits = append(hits, site)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"value": hits})
}

func (s *Server) handleCreateDataSource(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")

	s.mu.Lock()
	_, ok := s.cases[caseID]
	s.mu.Unlock()
	if !ok {
		writeNotFound(w)
		return
	}

	var in struct {
		DisplayName string `json:"displayName"`
		Site        struct {
			WebURL string `json:"webUrl"`
		} `json:"site"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Site.WebURL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": map[string]string{"code": "invalidRequest"},
		})
		return
	}

	s.mu.Lock()
	id := s.nextID("ds")
	s.sources[caseID] = append(s.sources[caseID], id)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleCreateSearch(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")

	if s.FailCreateSearch != 0 {
		writeJSON(w, s.FailCreateSearch, map[string]any{
			"error": map[string]string{"code": "invalidRequest"},
		})
		return
	}

	s.mu.Lock()
	_, ok := s.cases[caseID]
	s.mu.Unlock()
	if !ok {
		writeNotFound(w)
		return
	}

	var in struct {
		DisplayName string   `json:"displayName"`
		Query       string   `json:"contentQuery"`
		Sources     []string `json:"noncustodialSourceRefs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": map[string]string{"code": "invalidRequest"},
		})
		return
	}

	s.mu.Lock()
	sr := &Search{ID: s.nextID("search"), Name: in.DisplayName, Query: in.Query, Sources: in.Sources}
	s.searches[sr.ID] = sr
	s.searchCase[sr.ID] = caseID
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, sr)
}

func (s *Server) handleGetSearch(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	searchID := chi.URLParam(r, "searchID")

	s.mu.Lock()
	sr := s.searches[searchID]
	owner := s.searchCase[searchID]
	s.mu.Unlock()

	if sr == nil || owner != caseID {
		writeNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, sr)
}

func (s *Server) handleTriggerJob(w http.ResponseWriter, r *http.Request) {
	searchID := chi.URLParam(r, "searchID")

	s.mu.Lock()
	_, ok := s.searches[searchID]
	if ok {
		s.triggered[searchID] = true
	}
	s.mu.Unlock()

	if !ok {
		writeNotFound(w)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	searchID := chi.URLParam(r, "searchID")

	s.mu.Lock()
	triggered := s.triggered[searchID]
	var step *JobStep
	if len(s.jobScript) > 0 {
		i := s.jobStepIdx
		if i >= len(s.jobScript) {
			i = len(s.jobScript) - 1
		} else {
			s.jobStepIdx++
		}
		step = &s.jobScript[i]
	}
	s.mu.Unlock()

	if step != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(step.Status)
		_, _ = w.Write([]byte(step.Body))
		return
	}

	// Unscripted default: the job is observable immediately after the
	// trigger and reports an empty success.
	if !triggered {
		writeNotFound(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"succeeded","itemCount":0,"sizeBytes":0}`))
}
