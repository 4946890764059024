package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sketchflow/sketchflow/internal/model"
	"github.com/sketchflow/sketchflow/pkg/analyzer"
	sferrors "github.com/sketchflow/sketchflow/pkg/errors"
	"github.com/sketchflow/sketchflow/pkg/eventstore"
	"github.com/sketchflow/sketchflow/pkg/queue"
	"github.com/sketchflow/sketchflow/pkg/registry"
	"github.com/sketchflow/sketchflow/pkg/store"
)

type funcAnalyzer struct {
	name string
	fn   func(rc *analyzer.RunContext) (*analyzer.Result, error)
}

func (f *funcAnalyzer) Name() string { return f.name }

func (f *funcAnalyzer) Run(rc *analyzer.RunContext) (*analyzer.Result, error) {
	if f.fn == nil {
		return &analyzer.Result{Summary: "ok"}, nil
	}
	return f.fn(rc)
}

type testEnv struct {
	store     *store.MemoryStore
	events    *eventstore.MemoryStore
	registry  *registry.Registry
	scheduler *Scheduler
	timeline  string
}

// newTestEnv builds a scheduler over memory stores with a one-event
// timeline at generation 1 and fast retry backoff.
func newTestEnv(t *testing.T, workers int) *testEnv {
	t.Helper()
	return newTestEnvQueue(t, workers, 0)
}

// newTestEnvQueue is newTestEnv with a bounded dispatch queue.
func newTestEnvQueue(t *testing.T, workers, capacity int) *testEnv {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemoryStore()
	es := eventstore.NewMemoryStore()
	reg := registry.New()

	if err := st.CreateSketch(ctx, &model.Sketch{ID: "sk-1", Name: "case", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateSketch: %v", err)
	}
	tl := &model.Timeline{ID: "tl-1", SketchID: "sk-1", Name: "syslog", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := st.CreateTimeline(ctx, tl); err != nil {
		t.Fatalf("CreateTimeline: %v", err)
	}
	if err := es.BulkUpsert(ctx, tl.ID, 1, []*model.Event{{
		ID: "ev-1", Timestamp: time.Unix(1000, 0).UnixNano(),
		Message: "seed event", TimestampDesc: "Event Time",
	}}); err != nil {
		t.Fatalf("BulkUpsert: %v", err)
	}
	if err := st.ApplyBatch(ctx, &model.IngestBatch{
		ID: "b-1", TimelineID: tl.ID, Generation: 1, EventCount: 1, AppliedAt: time.Now(),
	}); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	q := queue.NewMemoryQueue(capacity)
	sched := New(st, es, reg, q, Options{
		Workers:     workers,
		BackoffBase: 5 * time.Millisecond,
		BackoffCap:  20 * time.Millisecond,
	})

	t.Cleanup(func() {
		sched.Stop()
		q.Close()
	})

	return &testEnv{store: st, events: es, registry: reg, scheduler: sched, timeline: tl.ID}
}

// register adds a definition and its capability in one step.
func (env *testEnv) register(t *testing.T, name string, deps []string, fn func(rc *analyzer.RunContext) (*analyzer.Result, error)) {
	t.Helper()
	err := env.registry.Register(&model.AnalyzerDefinition{
		Name: name, DependsOn: deps, Timeout: 5 * time.Second, MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("Register(%s): %v", name, err)
	}
	if err := env.scheduler.RegisterAnalyzer(&funcAnalyzer{name: name, fn: fn}); err != nil {
		t.Fatalf("RegisterAnalyzer(%s): %v", name, err)
	}
}

// waitTerminal polls until the session reaches a terminal state.
func (env *testEnv) waitTerminal(t *testing.T, sessionID string) *model.AnalyzerSession {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := env.store.GetSession(context.Background(), sessionID)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if sess.Status.Terminal() {
			return sess
		}
		time.Sleep(5 * time.Millisecond)
	}
	sess, _ := env.store.GetSession(context.Background(), sessionID)
	t.Fatalf("session %s never finished, status %s", sessionID, sess.Status)
	return nil
}

func sessionByAnalyzer(sessions []*model.AnalyzerSession, name string) *model.AnalyzerSession {
	for _, s := range sessions {
		if s.Analyzer == name {
			return s
		}
	}
	return nil
}

func TestScheduleRunsDiamondInOrder(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	record := func(name string) func(rc *analyzer.RunContext) (*analyzer.Result, error) {
		return func(rc *analyzer.RunContext) (*analyzer.Result, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return &analyzer.Result{Summary: name}, nil
		}
	}

	env.register(t, "a", nil, record("a"))
	env.register(t, "b", []string{"a"}, record("b"))
	env.register(t, "c", []string{"a"}, record("c"))
	env.register(t, "d", []string{"b", "c"}, record("d"))

	env.scheduler.Start(ctx)

	sessions, err := env.scheduler.Schedule(ctx, env.timeline, 0, []string{"d"})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(sessions) != 4 {
		t.Fatalf("scheduled %d sessions, want 4", len(sessions))
	}

	for _, sess := range sessions {
		final := env.waitTerminal(t, sess.ID)
		if final.Status != model.StatusDone {
			t.Errorf("%s finished %s: %s", final.Analyzer, final.Status, final.ErrorMessage)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	pos := make(map[string]int)
	for i, name := range order {
		pos[name] = i
	}
	for _, edge := range [][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}} {
		if pos[edge[0]] >= pos[edge[1]] {
			t.Errorf("%s ran before its dependency %s (order %v)", edge[1], edge[0], order)
		}
	}
}

func TestDependencyFailureCascades(t *testing.T) {
	env := newTestEnv(t, 2)
	ctx := context.Background()

	env.register(t, "root", nil, func(rc *analyzer.RunContext) (*analyzer.Result, error) {
		return nil, analyzer.Terminal(errors.New("corrupt index"), "unrecoverable")
	})
	env.register(t, "mid", []string{"root"}, nil)
	env.register(t, "leaf", []string{"mid"}, nil)

	env.scheduler.Start(ctx)

	sessions, err := env.scheduler.Schedule(ctx, env.timeline, 0, []string{"leaf"})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	root := env.waitTerminal(t, sessionByAnalyzer(sessions, "root").ID)
	if root.Status != model.StatusError {
		t.Errorf("root = %s, want ERROR", root.Status)
	}

	// The failure propagates through mid to leaf.
	for _, name := range []string{"mid", "leaf"} {
		sess := env.waitTerminal(t, sessionByAnalyzer(sessions, name).ID)
		if sess.Status != model.StatusSkippedDependency {
			t.Errorf("%s = %s, want SKIPPED_DEPENDENCY_FAILED", name, sess.Status)
		}
		if sess.ErrorMessage == "" {
			t.Errorf("%s skip reason missing", name)
		}
	}
}

func TestTransientRetryThenSuccess(t *testing.T) {
	env := newTestEnv(t, 2)
	ctx := context.Background()

	var calls atomic.Int32
	env.register(t, "flaky", nil, func(rc *analyzer.RunContext) (*analyzer.Result, error) {
		if calls.Add(1) <= 2 {
			return nil, analyzer.Transient(errors.New("index unavailable"), "search failed")
		}
		return &analyzer.Result{Summary: "recovered"}, nil
	})

	env.scheduler.Start(ctx)

	sessions, err := env.scheduler.Schedule(ctx, env.timeline, 0, []string{"flaky"})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	final := env.waitTerminal(t, sessions[0].ID)
	if final.Status != model.StatusDone {
		t.Fatalf("status = %s (%s), want DONE", final.Status, final.ErrorMessage)
	}
	if final.AttemptCount != 3 {
		t.Errorf("attempt_count = %d, want 3", final.AttemptCount)
	}
	if final.ResultRef != "recovered" {
		t.Errorf("result_ref = %q", final.ResultRef)
	}
}

func TestRetriesExhausted(t *testing.T) {
	env := newTestEnv(t, 2)
	ctx := context.Background()

	var calls atomic.Int32
	env.register(t, "doomed", nil, func(rc *analyzer.RunContext) (*analyzer.Result, error) {
		calls.Add(1)
		return nil, analyzer.Transient(errors.New("still down"), "search failed")
	})

	env.scheduler.Start(ctx)

	sessions, err := env.scheduler.Schedule(ctx, env.timeline, 0, []string{"doomed"})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	final := env.waitTerminal(t, sessions[0].ID)
	if final.Status != model.StatusError {
		t.Fatalf("status = %s, want ERROR", final.Status)
	}
	if final.AttemptCount != 3 {
		t.Errorf("attempt_count = %d, want 3", final.AttemptCount)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("analyzer ran %d times, want 3", got)
	}
}

func TestWorkerPoolBound(t *testing.T) {
	env := newTestEnv(t, 2)
	ctx := context.Background()

	var running, peak atomic.Int32
	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("busy-%d", i)
		env.register(t, name, nil, func(rc *analyzer.RunContext) (*analyzer.Result, error) {
			cur := running.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			running.Add(-1)
			return &analyzer.Result{}, nil
		})
	}

	env.scheduler.Start(ctx)

	names := make([]string, 8)
	for i := range names {
		names[i] = fmt.Sprintf("busy-%d", i)
	}
	sessions, err := env.scheduler.Schedule(ctx, env.timeline, 0, names)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	for _, sess := range sessions {
		env.waitTerminal(t, sess.ID)
	}

	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestScheduleIdempotentPerGeneration(t *testing.T) {
	env := newTestEnv(t, 2)
	ctx := context.Background()

	env.register(t, "a", nil, nil)
	env.scheduler.Start(ctx)

	first, err := env.scheduler.Schedule(ctx, env.timeline, 0, []string{"a"})
	if err != nil {
		t.Fatalf("first Schedule: %v", err)
	}
	env.waitTerminal(t, first[0].ID)

	// Same generation: the finished session is reused, not re-run.
	second, err := env.scheduler.Schedule(ctx, env.timeline, 0, []string{"a"})
	if err != nil {
		t.Fatalf("second Schedule: %v", err)
	}
	if second[0].ID != first[0].ID {
		t.Errorf("second schedule created a new session %s", second[0].ID)
	}

	// A new generation opens a fresh session.
	if err := env.store.ApplyBatch(ctx, &model.IngestBatch{
		ID: "b-2", TimelineID: env.timeline, Generation: 2, EventCount: 1, AppliedAt: time.Now(),
	}); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	third, err := env.scheduler.Schedule(ctx, env.timeline, 0, []string{"a"})
	if err != nil {
		t.Fatalf("third Schedule: %v", err)
	}
	if third[0].ID == first[0].ID {
		t.Error("new generation reused the old session")
	}
	if third[0].Generation != 2 {
		t.Errorf("generation = %d, want 2", third[0].Generation)
	}
	env.waitTerminal(t, third[0].ID)
}

func TestSchedulePinnedGeneration(t *testing.T) {
	env := newTestEnv(t, 2)
	ctx := context.Background()

	env.register(t, "a", nil, nil)
	env.scheduler.Start(ctx)

	// A second batch lands before the caller gets to schedule.
	if err := env.store.ApplyBatch(ctx, &model.IngestBatch{
		ID: "b-2", TimelineID: env.timeline, Generation: 2, EventCount: 1, AppliedAt: time.Now(),
	}); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	// The caller can still pin the generation it saw.
	sessions, err := env.scheduler.Schedule(ctx, env.timeline, 1, []string{"a"})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if sessions[0].Generation != 1 {
		t.Errorf("generation = %d, want 1", sessions[0].Generation)
	}
	if got := env.waitTerminal(t, sessions[0].ID); got.Status != model.StatusDone {
		t.Errorf("status = %s, want DONE", got.Status)
	}

	// A generation the timeline never reached is refused.
	if _, err := env.scheduler.Schedule(ctx, env.timeline, 5, []string{"a"}); !sferrors.IsCode(err, sferrors.CodeUnknownTimeline) {
		t.Errorf("expected %s, got %v", sferrors.CodeUnknownTimeline, err)
	}
}

func TestBoundedQueueDispatchesEverySession(t *testing.T) {
	env := newTestEnvQueue(t, 1, 1)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	env.register(t, "gate", nil, func(rc *analyzer.RunContext) (*analyzer.Result, error) {
		started <- struct{}{}
		<-release
		return &analyzer.Result{}, nil
	})
	names := []string{"w-0", "w-1", "w-2"}
	for _, name := range names {
		env.register(t, name, nil, nil)
	}

	env.scheduler.Start(ctx)

	gate, err := env.scheduler.Schedule(ctx, env.timeline, 0, []string{"gate"})
	if err != nil {
		t.Fatalf("Schedule gate: %v", err)
	}
	<-started // the only worker is now held inside the gate analyzer

	// Three more dispatches into a capacity-1 queue: at most one fits now,
	// the rest must be redelivered once capacity frees, not dropped.
	sessions, err := env.scheduler.Schedule(ctx, env.timeline, 0, names)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	close(release)

	env.waitTerminal(t, gate[0].ID)
	for _, sess := range sessions {
		if got := env.waitTerminal(t, sess.ID); got.Status != model.StatusDone {
			t.Errorf("%s status = %s, want DONE", got.Analyzer, got.Status)
		}
	}
}

func TestCancelPendingSession(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()

	env.register(t, "root", nil, nil)
	env.register(t, "child", []string{"root"}, nil)

	// Workers not started: sessions stay queued.
	sessions, err := env.scheduler.Schedule(ctx, env.timeline, 0, []string{"child"})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	child := sessionByAnalyzer(sessions, "child")
	if err := env.scheduler.Cancel(ctx, child.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, _ := env.store.GetSession(ctx, child.ID)
	if got.Status != model.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", got.Status)
	}

	// Cancelling a terminal session is refused.
	if err := env.scheduler.Cancel(ctx, child.ID); !sferrors.IsCode(err, sferrors.CodeIllegalTransition) {
		t.Errorf("expected %s, got %v", sferrors.CodeIllegalTransition, err)
	}
}

func TestCancelRunningSession(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()

	started := make(chan string, 1)
	env.register(t, "slow", nil, func(rc *analyzer.RunContext) (*analyzer.Result, error) {
		started <- rc.Session().ID
		for {
			if err := rc.Checkpoint(); err != nil {
				return nil, err
			}
			select {
			case <-rc.Context().Done():
				return nil, rc.Checkpoint()
			case <-time.After(5 * time.Millisecond):
			}
		}
	})

	env.scheduler.Start(ctx)

	if _, err := env.scheduler.Schedule(ctx, env.timeline, 0, []string{"slow"}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	var sessionID string
	select {
	case sessionID = <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("analyzer never started")
	}

	if err := env.scheduler.Cancel(ctx, sessionID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	final := env.waitTerminal(t, sessionID)
	if final.Status != model.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", final.Status)
	}
}

func TestDoneSessionCommitsArtifacts(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()

	env.register(t, "tagger", nil, func(rc *analyzer.RunContext) (*analyzer.Result, error) {
		return &analyzer.Result{
			Artifacts: []analyzer.ArtifactDraft{analyzer.TagEvents("seed", []string{"ev-1"})},
			Summary:   "1 event tagged",
		}, nil
	})

	env.scheduler.Start(ctx)

	sessions, err := env.scheduler.Schedule(ctx, env.timeline, 0, []string{"tagger"})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	final := env.waitTerminal(t, sessions[0].ID)
	if final.Status != model.StatusDone {
		t.Fatalf("status = %s", final.Status)
	}

	arts, err := env.store.ListSessionArtifacts(ctx, final.ID)
	if err != nil {
		t.Fatalf("ListSessionArtifacts: %v", err)
	}
	if len(arts) != 1 || arts[0].Name != "seed" {
		t.Errorf("artifacts = %+v", arts)
	}
}

func TestBackoffCurve(t *testing.T) {
	base := 2 * time.Second
	cap := 5 * time.Minute

	for attempt := 1; attempt <= 12; attempt++ {
		d := backoff(base, cap, attempt)
		if d < 0 {
			t.Errorf("attempt %d: negative delay %v", attempt, d)
		}
		// 20% jitter around the capped exponential.
		if d > cap+cap/5 {
			t.Errorf("attempt %d: delay %v exceeds cap with jitter", attempt, d)
		}
	}

	// The first retry stays near the base.
	if d := backoff(base, cap, 1); d > base+base/5 {
		t.Errorf("first retry delay %v too large", d)
	}
}
