package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sketchflow/sketchflow/internal/model"
	sferrors "github.com/sketchflow/sketchflow/pkg/errors"
)

func newTestStore(t *testing.T) (*MemoryStore, *model.Timeline) {
	t.Helper()

	s := NewMemoryStore()
	ctx := context.Background()

	sketch := &model.Sketch{ID: "sk-1", Name: "intrusion", CreatedAt: time.Now()}
	if err := s.CreateSketch(ctx, sketch); err != nil {
		t.Fatalf("CreateSketch: %v", err)
	}

	tl := &model.Timeline{
		ID:        "tl-1",
		SketchID:  "sk-1",
		Name:      "auth logs",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.CreateTimeline(ctx, tl); err != nil {
		t.Fatalf("CreateTimeline: %v", err)
	}
	return s, tl
}

func newTestSession(timelineID, analyzer string, generation uint64) *model.AnalyzerSession {
	return &model.AnalyzerSession{
		ID:         uuid.New().String(),
		SketchID:   "sk-1",
		TimelineID: timelineID,
		Analyzer:   analyzer,
		Generation: generation,
		Status:     model.StatusPending,
		MaxRetries: 3,
		CreatedAt:  time.Now(),
	}
}

func TestApplyBatchAdvancesGeneration(t *testing.T) {
	s, tl := newTestStore(t)
	ctx := context.Background()

	batch := &model.IngestBatch{
		ID:         "batch-1",
		TimelineID: tl.ID,
		Generation: 1,
		EventCount: 100,
		AppliedAt:  time.Now(),
	}
	if err := s.ApplyBatch(ctx, batch); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	got, err := s.GetTimeline(ctx, tl.ID)
	if err != nil {
		t.Fatalf("GetTimeline: %v", err)
	}
	if got.Generation != 1 {
		t.Errorf("generation = %d, want 1", got.Generation)
	}
}

func TestApplyBatchDuplicate(t *testing.T) {
	s, tl := newTestStore(t)
	ctx := context.Background()

	batch := &model.IngestBatch{ID: "batch-1", TimelineID: tl.ID, Generation: 1, AppliedAt: time.Now()}
	if err := s.ApplyBatch(ctx, batch); err != nil {
		t.Fatalf("first apply: %v", err)
	}

	err := s.ApplyBatch(ctx, batch)
	if !sferrors.IsCode(err, sferrors.CodeDuplicateBatch) {
		t.Errorf("expected %s, got %v", sferrors.CodeDuplicateBatch, err)
	}

	recorded, err := s.GetBatch(ctx, "batch-1")
	if err != nil || recorded == nil {
		t.Fatalf("GetBatch: %v, %v", recorded, err)
	}
	if recorded.Generation != 1 {
		t.Errorf("recorded generation = %d, want 1", recorded.Generation)
	}
}

func TestApplyBatchUnknownTimeline(t *testing.T) {
	s, _ := newTestStore(t)

	err := s.ApplyBatch(context.Background(), &model.IngestBatch{
		ID: "batch-x", TimelineID: "no-such-timeline", Generation: 1,
	})
	if !sferrors.IsCode(err, sferrors.CodeUnknownTimeline) {
		t.Errorf("expected %s, got %v", sferrors.CodeUnknownTimeline, err)
	}
}

func TestCreateSessionDuplicateKey(t *testing.T) {
	s, tl := newTestStore(t)
	ctx := context.Background()

	first := newTestSession(tl.ID, "domain", 1)
	if err := s.CreateSession(ctx, first); err != nil {
		t.Fatalf("first create: %v", err)
	}

	// Second non-terminal session for the same key is refused.
	err := s.CreateSession(ctx, newTestSession(tl.ID, "domain", 1))
	if !sferrors.IsCode(err, sferrors.CodeDuplicateSession) {
		t.Errorf("expected %s, got %v", sferrors.CodeDuplicateSession, err)
	}

	// A different generation is a fresh key.
	if err := s.CreateSession(ctx, newTestSession(tl.ID, "domain", 2)); err != nil {
		t.Errorf("different generation should be allowed: %v", err)
	}

	// Once the first is terminal, the key opens up again.
	first.Status = model.StatusCancelled
	if _, err := s.UpdateSession(ctx, first); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := s.CreateSession(ctx, newTestSession(tl.ID, "domain", 1)); err != nil {
		t.Errorf("create after terminal should be allowed: %v", err)
	}
}

func TestUpdateSessionCAS(t *testing.T) {
	s, tl := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession(tl.ID, "domain", 1)
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Two readers hold version 0.
	a, _ := s.GetSession(ctx, sess.ID)
	b, _ := s.GetSession(ctx, sess.ID)

	a.Status = model.StatusRunning
	a.AttemptCount = 1
	updated, err := s.UpdateSession(ctx, a)
	if err != nil {
		t.Fatalf("first writer: %v", err)
	}
	if updated.Version != 1 {
		t.Errorf("version = %d, want 1", updated.Version)
	}

	// The second writer's version is stale now.
	b.Status = model.StatusCancelled
	if _, err := s.UpdateSession(ctx, b); !sferrors.IsCode(err, sferrors.CodeStaleSession) {
		t.Errorf("expected %s, got %v", sferrors.CodeStaleSession, err)
	}
}

func TestUpdateSessionIllegalTransition(t *testing.T) {
	s, tl := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession(tl.ID, "domain", 1)
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	sess.Status = model.StatusDone
	if _, err := s.UpdateSession(ctx, sess); !sferrors.IsCode(err, sferrors.CodeIllegalTransition) {
		t.Errorf("expected %s, got %v", sferrors.CodeIllegalTransition, err)
	}

	// The failed write must not have bumped the version.
	got, _ := s.GetSession(ctx, sess.ID)
	if got.Version != 0 {
		t.Errorf("version = %d after rejected write, want 0", got.Version)
	}
}

func TestRetryLifecycle(t *testing.T) {
	s, tl := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession(tl.ID, "bruteforce", 1)
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	step := func(to model.SessionStatus, attempts int) {
		t.Helper()
		cur, err := s.GetSession(ctx, sess.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		cur.Status = to
		cur.AttemptCount = attempts
		if _, err := s.UpdateSession(ctx, cur); err != nil {
			t.Fatalf("%s (attempt %d): %v", to, attempts, err)
		}
	}

	// Two transient failures, then success on the final attempt.
	step(model.StatusRunning, 1)
	step(model.StatusPending, 1)
	step(model.StatusRunning, 2)
	step(model.StatusPending, 2)
	step(model.StatusRunning, 3)
	step(model.StatusDone, 3)

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusDone {
		t.Errorf("status = %s, want DONE", got.Status)
	}
	if got.AttemptCount != 3 {
		t.Errorf("attempt_count = %d, want 3", got.AttemptCount)
	}
}

func TestFindSessions(t *testing.T) {
	s, tl := newTestStore(t)
	ctx := context.Background()

	active, err := s.FindActiveSession(ctx, tl.ID, "domain", 1)
	if err != nil || active != nil {
		t.Fatalf("expected no active session, got %v, %v", active, err)
	}

	sess := newTestSession(tl.ID, "domain", 1)
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	active, err = s.FindActiveSession(ctx, tl.ID, "domain", 1)
	if err != nil || active == nil {
		t.Fatalf("FindActiveSession: %v, %v", active, err)
	}

	sess.Status = model.StatusCancelled
	if _, err := s.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	active, _ = s.FindActiveSession(ctx, tl.ID, "domain", 1)
	if active != nil {
		t.Error("terminal session should not be active")
	}

	// FindSession still sees it.
	found, err := s.FindSession(ctx, tl.ID, "domain", 1)
	if err != nil || found == nil {
		t.Fatalf("FindSession: %v, %v", found, err)
	}
	if found.Status != model.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", found.Status)
	}
}

func TestDeleteSketchCascades(t *testing.T) {
	s, tl := newTestStore(t)
	ctx := context.Background()

	if err := s.ApplyBatch(ctx, &model.IngestBatch{ID: "b-1", TimelineID: tl.ID, Generation: 1, AppliedAt: time.Now()}); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	sess := newTestSession(tl.ID, "domain", 1)
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.CreateArtifacts(ctx, []*model.Artifact{{
		ID: "art-1", SketchID: "sk-1", TimelineID: tl.ID, SessionID: sess.ID,
		Generation: 1, Kind: model.ArtifactTag, Name: "phishy-domain", CreatedAt: time.Now(),
	}}); err != nil {
		t.Fatalf("CreateArtifacts: %v", err)
	}

	if err := s.DeleteSketch(ctx, "sk-1"); err != nil {
		t.Fatalf("DeleteSketch: %v", err)
	}

	if _, err := s.GetTimeline(ctx, tl.ID); !sferrors.IsCode(err, sferrors.CodeUnknownTimeline) {
		t.Errorf("timeline should be gone, got %v", err)
	}
	if _, err := s.GetSession(ctx, sess.ID); !sferrors.IsCode(err, sferrors.CodeSessionNotFound) {
		t.Errorf("session should be gone, got %v", err)
	}
	arts, _ := s.ListArtifacts(ctx, "sk-1")
	if len(arts) != 0 {
		t.Errorf("artifacts should be gone, got %d", len(arts))
	}
	batch, _ := s.GetBatch(ctx, "b-1")
	if batch != nil {
		t.Error("batch record should be gone")
	}
}
