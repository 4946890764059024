// Package server provides the REST API for Sketchflow.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sketchflow/sketchflow/internal/model"
	sferrors "github.com/sketchflow/sketchflow/pkg/errors"
	"github.com/sketchflow/sketchflow/pkg/eventstore"
	"github.com/sketchflow/sketchflow/pkg/registry"
	"github.com/sketchflow/sketchflow/pkg/scheduler"
	"github.com/sketchflow/sketchflow/pkg/store"
	"github.com/sketchflow/sketchflow/pkg/timeline"
)

// Server is the REST API server.
type Server struct {
	addr      string
	store     store.Store
	events    eventstore.Store
	registry  *registry.Registry
	timelines *timeline.Manager
	scheduler *scheduler.Scheduler
	mux       *http.ServeMux
	server    *http.Server
}

// Config configures the server.
type Config struct {
	Addr      string
	Store     store.Store
	Events    eventstore.Store
	Registry  *registry.Registry
	Timelines *timeline.Manager
	Scheduler *scheduler.Scheduler
}

// NewServer creates a new REST API server.
func NewServer(cfg Config) *Server {
	s := &Server{
		addr:      cfg.Addr,
		store:     cfg.Store,
		events:    cfg.Events,
		registry:  cfg.Registry,
		timelines: cfg.Timelines,
		scheduler: cfg.Scheduler,
		mux:       http.NewServeMux(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Health check
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ready", s.handleReady)

	// API v1
	s.mux.HandleFunc("/v1/sketches", s.handleSketches)
	s.mux.HandleFunc("/v1/sketches/", s.handleSketch)
	s.mux.HandleFunc("/v1/timelines", s.handleTimelines)
	s.mux.HandleFunc("/v1/timelines/", s.handleTimeline)
	s.mux.HandleFunc("/v1/sessions/", s.handleSession)
	s.mux.HandleFunc("/v1/analyzers", s.handleAnalyzers)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start starts the server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ready",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleSketches(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sketches, err := s.store.ListSketches(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"sketches": sketches,
		})

	case http.MethodPost:
		var req CreateSketchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if req.Name == "" {
			writeError(w, http.StatusBadRequest, "Sketch name is required")
			return
		}

		sk := &model.Sketch{
			ID:        uuid.New().String(),
			Name:      req.Name,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.store.CreateSketch(r.Context(), sk); err != nil {
			writeDomainError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(sk)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSketch routes /v1/sketches/{id} and its sub-resources.
func (s *Server) handleSketch(w http.ResponseWriter, r *http.Request) {
	id, rest := splitPath(strings.TrimPrefix(r.URL.Path, "/v1/sketches/"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "Sketch id is required")
		return
	}

	switch rest {
	case "":
		switch r.Method {
		case http.MethodGet:
			sk, err := s.store.GetSketch(r.Context(), id)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(sk)

		case http.MethodDelete:
			timelines, err := s.store.ListTimelines(r.Context(), id)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			for _, t := range timelines {
				if err := s.events.DeleteTimeline(r.Context(), t.ID); err != nil {
					writeDomainError(w, err)
					return
				}
			}
			if err := s.store.DeleteSketch(r.Context(), id); err != nil {
				writeDomainError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)

		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}

	case "timelines":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		timelines, err := s.store.ListTimelines(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"sketch_id": id,
			"timelines": timelines,
		})

	case "artifacts":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		artifacts, err := s.store.ListArtifacts(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"sketch_id": id,
			"artifacts": artifacts,
		})

	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleTimelines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RegisterTimelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SketchID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "sketch_id and name are required")
		return
	}

	t, err := s.timelines.RegisterTimeline(r.Context(), req.SketchID, req.Name, req.Source)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(t)
}

// handleTimeline routes /v1/timelines/{id} and its sub-resources.
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id, rest := splitPath(strings.TrimPrefix(r.URL.Path, "/v1/timelines/"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "Timeline id is required")
		return
	}

	switch rest {
	case "":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		t, err := s.store.GetTimeline(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(t)

	case "events":
		switch r.Method {
		case http.MethodGet:
			s.handleSearch(w, r, id)
		case http.MethodPost:
			s.handleIngest(w, r, id)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}

	case "sessions":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		generation, err := parseGeneration(r.URL.Query().Get("generation"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid generation")
			return
		}
		sessions, err := s.store.ListSessions(r.Context(), id, generation)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"timeline_id": id,
			"sessions":    sessions,
		})

	case "analyze":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req AnalyzeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if len(req.Analyzers) == 0 {
			writeError(w, http.StatusBadRequest, "At least one analyzer is required")
			return
		}
		sessions, err := s.scheduler.Schedule(r.Context(), id, req.Generation, req.Analyzers)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"timeline_id": id,
			"sessions":    sessions,
		})

	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request, timelineID string) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.BatchID == "" {
		writeError(w, http.StatusBadRequest, "batch_id is required")
		return
	}
	if len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, "At least one event is required")
		return
	}

	for _, ev := range req.Events {
		if ev.ID == "" {
			ev.ID = uuid.New().String()
		}
	}

	generation, err := s.timelines.IngestBatch(r.Context(), timelineID, req.BatchID, req.Events)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(IngestResponse{
		TimelineID: timelineID,
		BatchID:    req.BatchID,
		Generation: generation,
		EventCount: len(req.Events),
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, timelineID string) {
	q := r.URL.Query()

	generation, err := parseGeneration(q.Get("generation"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid generation")
		return
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
	}

	events, err := s.events.Search(r.Context(), eventstore.Filter{
		TimelineID: timelineID,
		Generation: generation,
		Query:      q.Get("q"),
		Limit:      limit,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"timeline_id": timelineID,
		"events":      events,
		"count":       len(events),
	})
}

// handleSession routes /v1/sessions/{id} and its sub-resources.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id, rest := splitPath(strings.TrimPrefix(r.URL.Path, "/v1/sessions/"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "Session id is required")
		return
	}

	switch rest {
	case "":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		sess, err := s.store.GetSession(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sess)

	case "cancel":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := s.scheduler.Cancel(r.Context(), id); err != nil {
			writeDomainError(w, err)
			return
		}
		sess, err := s.store.GetSession(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sess)

	case "artifacts":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		artifacts, err := s.store.ListSessionArtifacts(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"session_id": id,
			"artifacts":  artifacts,
		})

	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleAnalyzers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"analyzers": s.registry.List(),
	})
}

// splitPath splits "id/rest/of/path" into the id and the remainder.
func splitPath(p string) (id, rest string) {
	p = strings.Trim(p, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i], p[i+1:]
	}
	return p, ""
}

func parseGeneration(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Message: message,
	})
}

// writeDomainError maps error codes onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch sferrors.GetCode(err) {
	case sferrors.CodeUnknownTimeline, sferrors.CodeSessionNotFound, sferrors.CodeUnknownAnalyzer:
		code = http.StatusNotFound
	case sferrors.CodeInvalidEvent, sferrors.CodeInvalidTimestamp, sferrors.CodeMissingColumn, sferrors.CodeCycle:
		code = http.StatusBadRequest
	case sferrors.CodeDuplicateBatch, sferrors.CodeDuplicateName, sferrors.CodeDuplicateSession,
		sferrors.CodeStaleSession, sferrors.CodeIllegalTransition:
		code = http.StatusConflict
	}
	writeError(w, code, fmt.Sprintf("%v", err))
}

// Request/Response types

// CreateSketchRequest creates an investigation workspace.
type CreateSketchRequest struct {
	Name string `json:"name"`
}

// RegisterTimelineRequest registers a timeline under a sketch.
type RegisterTimelineRequest struct {
	SketchID string `json:"sketch_id"`
	Name     string `json:"name"`
	Source   string `json:"source,omitempty"`
}

// IngestRequest appends a batch of events to a timeline.
type IngestRequest struct {
	BatchID string         `json:"batch_id"`
	Events  []*model.Event `json:"events"`
}

// IngestResponse reports the generation an applied batch produced.
type IngestResponse struct {
	TimelineID string `json:"timeline_id"`
	BatchID    string `json:"batch_id"`
	Generation uint64 `json:"generation"`
	EventCount int    `json:"event_count"`
}

// AnalyzeRequest schedules analyzers against a timeline's current generation.
type AnalyzeRequest struct {
	Analyzers []string `json:"analyzers"`

	// Generation pins the snapshot to analyze; zero means the timeline's
	// current generation.
	Generation uint64 `json:"generation,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
