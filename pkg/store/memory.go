package store

import (
	"context"
	"sort"
	"sync"

	"github.com/sketchflow/sketchflow/internal/model"
	sferrors "github.com/sketchflow/sketchflow/pkg/errors"
)

// MemoryStore is an in-process Store for tests and single-node mode. It
// implements the same compare-and-set discipline as the durable store.
type MemoryStore struct {
	mu sync.RWMutex

	sketches  map[string]*model.Sketch
	timelines map[string]*model.Timeline
	batches   map[string]*model.IngestBatch
	sessions  map[string]*model.AnalyzerSession
	artifacts map[string][]*model.Artifact // sketchID -> artifacts
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sketches:  make(map[string]*model.Sketch),
		timelines: make(map[string]*model.Timeline),
		batches:   make(map[string]*model.IngestBatch),
		sessions:  make(map[string]*model.AnalyzerSession),
		artifacts: make(map[string][]*model.Artifact),
	}
}

// --- Sketch operations ---

// CreateSketch persists a sketch.
func (s *MemoryStore) CreateSketch(ctx context.Context, sk *model.Sketch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sketches[sk.ID]; exists {
		return sferrors.Newf(sferrors.CodeDuplicateName, "sketch %s already exists", sk.ID)
	}
	c := *sk
	s.sketches[sk.ID] = &c
	return nil
}

// GetSketch returns a sketch by id.
func (s *MemoryStore) GetSketch(ctx context.Context, id string) (*model.Sketch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sk, ok := s.sketches[id]
	if !ok {
		return nil, sferrors.Newf(sferrors.CodeUnknownTimeline, "sketch %s not found", id)
	}
	c := *sk
	return &c, nil
}

// ListSketches returns all sketches.
func (s *MemoryStore) ListSketches(ctx context.Context) ([]*model.Sketch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*model.Sketch, 0, len(s.sketches))
	for _, sk := range s.sketches {
		c := *sk
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// DeleteSketch removes a sketch and everything it owns.
func (s *MemoryStore) DeleteSketch(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sketches, id)
	for tid, tl := range s.timelines {
		if tl.SketchID == id {
			delete(s.timelines, tid)
			for bid, b := range s.batches {
				if b.TimelineID == tid {
					delete(s.batches, bid)
				}
			}
			for sid, sess := range s.sessions {
				if sess.TimelineID == tid {
					delete(s.sessions, sid)
				}
			}
		}
	}
	delete(s.artifacts, id)
	return nil
}

// --- Timeline operations ---

// CreateTimeline persists a timeline.
func (s *MemoryStore) CreateTimeline(ctx context.Context, t *model.Timeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.timelines[t.ID]; exists {
		return sferrors.Newf(sferrors.CodeDuplicateName, "timeline %s already exists", t.ID)
	}
	c := *t
	s.timelines[t.ID] = &c
	return nil
}

// GetTimeline returns a timeline by id.
func (s *MemoryStore) GetTimeline(ctx context.Context, id string) (*model.Timeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.timelines[id]
	if !ok {
		return nil, sferrors.Newf(sferrors.CodeUnknownTimeline, "timeline %s not found", id)
	}
	c := *t
	return &c, nil
}

// ListTimelines returns the timelines of a sketch.
func (s *MemoryStore) ListTimelines(ctx context.Context, sketchID string) ([]*model.Timeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Timeline
	for _, t := range s.timelines {
		if t.SketchID == sketchID {
			c := *t
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// ApplyBatch records a batch and moves the timeline generation forward
// atomically.
func (s *MemoryStore) ApplyBatch(ctx context.Context, batch *model.IngestBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timelines[batch.TimelineID]
	if !ok {
		return sferrors.Newf(sferrors.CodeUnknownTimeline, "timeline %s not found", batch.TimelineID)
	}
	if _, exists := s.batches[batch.ID]; exists {
		return sferrors.Newf(sferrors.CodeDuplicateBatch, "batch %s already applied", batch.ID)
	}

	b := *batch
	s.batches[batch.ID] = &b
	t.Generation = batch.Generation
	t.UpdatedAt = batch.AppliedAt
	return nil
}

// GetBatch returns a recorded batch, or nil when unknown.
func (s *MemoryStore) GetBatch(ctx context.Context, batchID string) (*model.IngestBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[batchID]
	if !ok {
		return nil, nil
	}
	c := *b
	return &c, nil
}

// --- Session operations ---

// CreateSession persists a new session, enforcing the at-most-one
// non-terminal invariant per (timeline, analyzer, generation).
func (s *MemoryStore) CreateSession(ctx context.Context, sess *model.AnalyzerSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.sessions {
		if existing.TimelineID == sess.TimelineID &&
			existing.Analyzer == sess.Analyzer &&
			existing.Generation == sess.Generation &&
			!existing.Status.Terminal() {
			return sferrors.New(sferrors.CodeDuplicateSession, "non-terminal session exists").
				WithContext("key", sess.Key()).
				WithContext("existing", existing.ID)
		}
	}

	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// GetSession returns a session by id.
func (s *MemoryStore) GetSession(ctx context.Context, id string) (*model.AnalyzerSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, sferrors.Newf(sferrors.CodeSessionNotFound, "session %s not found", id)
	}
	return sess.Clone(), nil
}

// FindActiveSession returns the non-terminal session for the key, or nil.
func (s *MemoryStore) FindActiveSession(ctx context.Context, timelineID, analyzer string, generation uint64) (*model.AnalyzerSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sess := range s.sessions {
		if sess.TimelineID == timelineID && sess.Analyzer == analyzer &&
			sess.Generation == generation && !sess.Status.Terminal() {
			return sess.Clone(), nil
		}
	}
	return nil, nil
}

// FindSession returns the newest session for the key regardless of status.
func (s *MemoryStore) FindSession(ctx context.Context, timelineID, analyzer string, generation uint64) (*model.AnalyzerSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest *model.AnalyzerSession
	for _, sess := range s.sessions {
		if sess.TimelineID == timelineID && sess.Analyzer == analyzer && sess.Generation == generation {
			if newest == nil || sess.CreatedAt.After(newest.CreatedAt) {
				newest = sess
			}
		}
	}
	if newest == nil {
		return nil, nil
	}
	return newest.Clone(), nil
}

// ListSessions returns sessions for a timeline (generation 0 = all).
func (s *MemoryStore) ListSessions(ctx context.Context, timelineID string, generation uint64) ([]*model.AnalyzerSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.AnalyzerSession
	for _, sess := range s.sessions {
		if sess.TimelineID != timelineID {
			continue
		}
		if generation > 0 && sess.Generation != generation {
			continue
		}
		result = append(result, sess.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// UpdateSession performs the compare-and-set write.
func (s *MemoryStore) UpdateSession(ctx context.Context, sess *model.AnalyzerSession) (*model.AnalyzerSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.sessions[sess.ID]
	if !ok {
		return nil, sferrors.Newf(sferrors.CodeSessionNotFound, "session %s not found", sess.ID)
	}

	if stored.Version != sess.Version {
		return nil, sferrors.StaleSession(sess.ID, sess.Version, stored.Version)
	}
	if err := ValidateTransition(stored, sess.Status); err != nil {
		return nil, err
	}

	updated := sess.Clone()
	updated.Version = stored.Version + 1
	s.sessions[sess.ID] = updated
	return updated.Clone(), nil
}

// --- Artifact operations ---

// CreateArtifacts persists a session's artifacts.
func (s *MemoryStore) CreateArtifacts(ctx context.Context, artifacts []*model.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range artifacts {
		c := *a
		s.artifacts[a.SketchID] = append(s.artifacts[a.SketchID], &c)
	}
	return nil
}

// ListArtifacts returns all artifacts of a sketch.
func (s *MemoryStore) ListArtifacts(ctx context.Context, sketchID string) ([]*model.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	arts := s.artifacts[sketchID]
	result := make([]*model.Artifact, 0, len(arts))
	for _, a := range arts {
		c := *a
		result = append(result, &c)
	}
	return result, nil
}

// ListSessionArtifacts returns the artifacts committed by one session.
func (s *MemoryStore) ListSessionArtifacts(ctx context.Context, sessionID string) ([]*model.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Artifact
	for _, arts := range s.artifacts {
		for _, a := range arts {
			if a.SessionID == sessionID {
				c := *a
				result = append(result, &c)
			}
		}
	}
	return result, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
