package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sketchflow/sketchflow/internal/model"
	"github.com/sketchflow/sketchflow/pkg/analyzer"
	"github.com/sketchflow/sketchflow/pkg/eventstore"
	"github.com/sketchflow/sketchflow/pkg/queue"
	"github.com/sketchflow/sketchflow/pkg/registry"
	"github.com/sketchflow/sketchflow/pkg/scheduler"
	"github.com/sketchflow/sketchflow/pkg/store"
	"github.com/sketchflow/sketchflow/pkg/timeline"
)

type noopAnalyzer struct{ name string }

func (a *noopAnalyzer) Name() string { return a.name }

func (a *noopAnalyzer) Run(rc *analyzer.RunContext) (*analyzer.Result, error) {
	return &analyzer.Result{Summary: "no findings"}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	st := store.NewMemoryStore()
	es := eventstore.NewMemoryStore()
	reg := registry.New()
	q := queue.NewMemoryQueue(64)

	if err := reg.Register(&model.AnalyzerDefinition{Name: "noop", Timeout: 5 * time.Second, MaxRetries: 3}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	sched := scheduler.New(st, es, reg, q, scheduler.Options{Workers: 1})
	if err := sched.RegisterAnalyzer(&noopAnalyzer{name: "noop"}); err != nil {
		t.Fatalf("RegisterAnalyzer failed: %v", err)
	}

	t.Cleanup(func() {
		q.Close()
		st.Close()
		es.Close()
	})

	return NewServer(Config{
		Addr:      "127.0.0.1:0",
		Store:     st,
		Events:    es,
		Registry:  reg,
		Timelines: timeline.NewManager(st, es),
		Scheduler: sched,
	})
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("Invalid JSON response: %v (%s)", err, w.Body.String())
	}
}

// createSketch provisions a sketch and a timeline with one ingested event,
// returning their ids.
func createFixture(t *testing.T, s *Server) (sketchID, timelineID string) {
	t.Helper()

	w := doJSON(t, s, "POST", "/v1/sketches", CreateSketchRequest{Name: "case-42"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create sketch: expected 201, got %d (%s)", w.Code, w.Body.String())
	}
	var sk model.Sketch
	decode(t, w, &sk)

	w = doJSON(t, s, "POST", "/v1/timelines", RegisterTimelineRequest{SketchID: sk.ID, Name: "syslog"})
	if w.Code != http.StatusCreated {
		t.Fatalf("register timeline: expected 201, got %d (%s)", w.Code, w.Body.String())
	}
	var tl model.Timeline
	decode(t, w, &tl)

	w = doJSON(t, s, "POST", "/v1/timelines/"+tl.ID+"/events", IngestRequest{
		BatchID: "b-1",
		Events: []*model.Event{{
			Message:       "sshd: Failed password for root",
			Timestamp:     time.Now().UnixNano(),
			TimestampDesc: "Event Time",
		}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("ingest: expected 200, got %d (%s)", w.Code, w.Body.String())
	}

	return sk.ID, tl.ID
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	decode(t, w, &resp)
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestServer_SketchLifecycle(t *testing.T) {
	s := newTestServer(t)
	sketchID, timelineID := createFixture(t, s)

	w := doJSON(t, s, "GET", "/v1/sketches/"+sketchID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	w = doJSON(t, s, "GET", "/v1/sketches/"+sketchID+"/timelines", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var listed struct {
		Timelines []*model.Timeline `json:"timelines"`
	}
	decode(t, w, &listed)
	if len(listed.Timelines) != 1 || listed.Timelines[0].ID != timelineID {
		t.Errorf("Expected the registered timeline, got %+v", listed.Timelines)
	}
	if listed.Timelines[0].Generation != 1 {
		t.Errorf("Expected generation 1 after ingest, got %d", listed.Timelines[0].Generation)
	}

	w = doJSON(t, s, "DELETE", "/v1/sketches/"+sketchID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", w.Code)
	}

	w = doJSON(t, s, "GET", "/v1/sketches/"+sketchID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", w.Code)
	}
}

func TestServer_IngestIdempotent(t *testing.T) {
	s := newTestServer(t)
	_, timelineID := createFixture(t, s)

	// Replaying the same batch id must not advance the generation.
	w := doJSON(t, s, "POST", "/v1/timelines/"+timelineID+"/events", IngestRequest{
		BatchID: "b-1",
		Events: []*model.Event{{
			Message:       "replayed",
			Timestamp:     time.Now().UnixNano(),
			TimestampDesc: "Event Time",
		}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d (%s)", w.Code, w.Body.String())
	}

	var resp IngestResponse
	decode(t, w, &resp)
	if resp.Generation != 1 {
		t.Errorf("Expected generation 1 on replay, got %d", resp.Generation)
	}
}

func TestServer_IngestValidation(t *testing.T) {
	s := newTestServer(t)
	_, timelineID := createFixture(t, s)

	w := doJSON(t, s, "POST", "/v1/timelines/"+timelineID+"/events", IngestRequest{
		BatchID: "b-bad",
		Events:  []*model.Event{{Message: "no timestamp", TimestampDesc: "Event Time"}},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid event, got %d (%s)", w.Code, w.Body.String())
	}

	w = doJSON(t, s, "POST", "/v1/timelines/missing/events", IngestRequest{
		BatchID: "b-2",
		Events: []*model.Event{{
			Message:       "orphan",
			Timestamp:     time.Now().UnixNano(),
			TimestampDesc: "Event Time",
		}},
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown timeline, got %d (%s)", w.Code, w.Body.String())
	}
}

func TestServer_SearchEvents(t *testing.T) {
	s := newTestServer(t)
	_, timelineID := createFixture(t, s)

	w := doJSON(t, s, "GET", "/v1/timelines/"+timelineID+"/events?q=Failed+password", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp struct {
		Events []*model.Event `json:"events"`
		Count  int            `json:"count"`
	}
	decode(t, w, &resp)
	if resp.Count != 1 {
		t.Errorf("Expected 1 matching event, got %d", resp.Count)
	}
}

func TestServer_AnalyzeAndSessionStatus(t *testing.T) {
	s := newTestServer(t)
	_, timelineID := createFixture(t, s)

	w := doJSON(t, s, "POST", "/v1/timelines/"+timelineID+"/analyze", AnalyzeRequest{Analyzers: []string{"noop"}})
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d (%s)", w.Code, w.Body.String())
	}

	var resp struct {
		Sessions []*model.AnalyzerSession `json:"sessions"`
	}
	decode(t, w, &resp)
	if len(resp.Sessions) != 1 {
		t.Fatalf("Expected 1 session, got %d", len(resp.Sessions))
	}
	sess := resp.Sessions[0]
	if sess.Status != model.StatusPending {
		t.Errorf("Expected PENDING before workers start, got %s", sess.Status)
	}

	w = doJSON(t, s, "GET", "/v1/sessions/"+sess.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	// Scheduling again for the same generation reuses the session.
	w = doJSON(t, s, "POST", "/v1/timelines/"+timelineID+"/analyze", AnalyzeRequest{Analyzers: []string{"noop"}})
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}
	var again struct {
		Sessions []*model.AnalyzerSession `json:"sessions"`
	}
	decode(t, w, &again)
	if len(again.Sessions) != 1 || again.Sessions[0].ID != sess.ID {
		t.Errorf("Expected the same session to be reused, got %+v", again.Sessions)
	}
}

func TestServer_AnalyzeUnknownAnalyzer(t *testing.T) {
	s := newTestServer(t)
	_, timelineID := createFixture(t, s)

	w := doJSON(t, s, "POST", "/v1/timelines/"+timelineID+"/analyze", AnalyzeRequest{Analyzers: []string{"ghost"}})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown analyzer, got %d (%s)", w.Code, w.Body.String())
	}
}

func TestServer_CancelSession(t *testing.T) {
	s := newTestServer(t)
	_, timelineID := createFixture(t, s)

	w := doJSON(t, s, "POST", "/v1/timelines/"+timelineID+"/analyze", AnalyzeRequest{Analyzers: []string{"noop"}})
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}
	var resp struct {
		Sessions []*model.AnalyzerSession `json:"sessions"`
	}
	decode(t, w, &resp)
	sessID := resp.Sessions[0].ID

	w = doJSON(t, s, "POST", fmt.Sprintf("/v1/sessions/%s/cancel", sessID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	var sess model.AnalyzerSession
	decode(t, w, &sess)
	if sess.Status != model.StatusCancelled {
		t.Errorf("Expected CANCELLED, got %s", sess.Status)
	}

	// A second cancel hits a terminal session.
	w = doJSON(t, s, "POST", fmt.Sprintf("/v1/sessions/%s/cancel", sessID), nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for terminal session, got %d (%s)", w.Code, w.Body.String())
	}
}

func TestServer_ListAnalyzers(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/v1/analyzers", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp struct {
		Analyzers []*model.AnalyzerDefinition `json:"analyzers"`
	}
	decode(t, w, &resp)
	if len(resp.Analyzers) != 1 || resp.Analyzers[0].Name != "noop" {
		t.Errorf("Expected the noop analyzer, got %+v", resp.Analyzers)
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "DELETE", "/v1/timelines", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", w.Code)
	}
}
