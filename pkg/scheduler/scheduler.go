// Package scheduler orchestrates analyzer sessions: it materializes the
// dependency graph into session records, dispatches ready sessions to a
// bounded worker pool, retries transient failures with exponential backoff,
// and cascades dependency failures into skips.
//
// All coordination happens through the session store's compare-and-set
// writes. Workers never assume exclusive ownership of a session; a worker
// that loses a version race simply drops its half of the work.
package scheduler

import (
	"context"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sketchflow/sketchflow/internal/model"
	"github.com/sketchflow/sketchflow/pkg/aggregate"
	"github.com/sketchflow/sketchflow/pkg/analyzer"
	sferrors "github.com/sketchflow/sketchflow/pkg/errors"
	"github.com/sketchflow/sketchflow/pkg/eventstore"
	"github.com/sketchflow/sketchflow/pkg/queue"
	"github.com/sketchflow/sketchflow/pkg/registry"
	"github.com/sketchflow/sketchflow/pkg/store"
)

// Options tunes the scheduler.
type Options struct {
	// Workers is the size of the worker pool (0 = NumCPU).
	Workers int

	// BackoffBase and BackoffCap bound the retry delay curve.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 5 * time.Minute
	}
	return o
}

// Scheduler runs analyzer sessions against timeline generations.
type Scheduler struct {
	store      store.Store
	registry   *registry.Registry
	queue      queue.Queue
	runtime    *analyzer.Runtime
	aggregator *aggregate.Aggregator
	analyzers  map[string]analyzer.Analyzer
	opts       Options

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a Scheduler. Register capabilities with RegisterAnalyzer
// before Start.
func New(st store.Store, es eventstore.Store, reg *registry.Registry, q queue.Queue, opts Options) *Scheduler {
	return &Scheduler{
		store:      st,
		registry:   reg,
		queue:      q,
		runtime:    analyzer.NewRuntime(st, es),
		aggregator: aggregate.New(st),
		analyzers:  make(map[string]analyzer.Analyzer),
		opts:       opts.withDefaults(),
	}
}

// RegisterAnalyzer binds a capability to its registered definition.
func (s *Scheduler) RegisterAnalyzer(a analyzer.Analyzer) error {
	if _, err := s.registry.Get(a.Name()); err != nil {
		return err
	}
	s.analyzers[a.Name()] = a
	return nil
}

// Start launches the worker pool. It returns immediately; Stop shuts the
// pool down and waits for in-flight attempts.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.group, _ = errgroup.WithContext(s.ctx)

	for i := 0; i < s.opts.Workers; i++ {
		s.group.Go(func() error {
			return s.worker(s.ctx)
		})
	}
}

// Stop shuts down the pool and waits for workers to drain.
func (s *Scheduler) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	err := s.group.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// Schedule materializes sessions for the requested analyzers (plus their
// transitive dependencies) against the given timeline generation, and
// dispatches the ones whose dependencies are already satisfied. Generation
// zero means the timeline's current generation; pinning an older one lets
// a caller racing an ingest analyze the snapshot it intends.
//
// Scheduling is idempotent per generation: analyzers that already have a
// session for this generation are left alone and their existing session is
// returned.
func (s *Scheduler) Schedule(ctx context.Context, timelineID string, generation uint64, names []string) ([]*model.AnalyzerSession, error) {
	t, err := s.store.GetTimeline(ctx, timelineID)
	if err != nil {
		return nil, err
	}
	if generation == 0 {
		generation = t.Generation
	}
	if generation > t.Generation {
		return nil, sferrors.Newf(sferrors.CodeUnknownTimeline,
			"timeline %s has no generation %d (current %d)", timelineID, generation, t.Generation)
	}

	defs, err := s.registry.Resolve(names)
	if err != nil {
		return nil, err
	}

	sessions := make([]*model.AnalyzerSession, 0, len(defs))
	for _, def := range defs {
		existing, err := s.store.FindSession(ctx, timelineID, def.Name, generation)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			sessions = append(sessions, existing)
			continue
		}

		sess := &model.AnalyzerSession{
			ID:         uuid.New().String(),
			SketchID:   t.SketchID,
			TimelineID: timelineID,
			Analyzer:   def.Name,
			Generation: generation,
			Status:     model.StatusPending,
			MaxRetries: def.MaxRetries,
			CreatedAt:  time.Now().UTC(),
		}
		if err := s.store.CreateSession(ctx, sess); err != nil {
			// A concurrent Schedule call can win the creation race.
			if sferrors.IsCode(err, sferrors.CodeDuplicateSession) {
				if existing, ferr := s.store.FindSession(ctx, timelineID, def.Name, generation); ferr == nil && existing != nil {
					sessions = append(sessions, existing)
					continue
				}
			}
			return nil, err
		}
		sessions = append(sessions, sess)
	}

	// Initial readiness sweep over the fresh graph.
	for _, sess := range sessions {
		if sess.Status != model.StatusPending {
			continue
		}
		if err := s.evaluate(ctx, sess.ID); err != nil {
			return nil, err
		}
	}

	return sessions, nil
}

// Cancel requests cancellation of a session. Pending sessions terminate
// immediately; running ones get their cancel flag set and stop at the
// analyzer's next checkpoint. Terminal sessions cannot be cancelled.
func (s *Scheduler) Cancel(ctx context.Context, sessionID string) error {
	for {
		sess, err := s.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}

		switch sess.Status {
		case model.StatusPending:
			now := time.Now().UTC()
			sess.Status = model.StatusCancelled
			sess.FinishedAt = &now
			if _, err := s.store.UpdateSession(ctx, sess); err != nil {
				if sferrors.IsCode(err, sferrors.CodeStaleSession) {
					continue // the session moved; re-read and retry
				}
				return err
			}
			return s.notifyDependents(ctx, sess)

		case model.StatusRunning:
			sess.CancelRequested = true
			if _, err := s.store.UpdateSession(ctx, sess); err != nil {
				if sferrors.IsCode(err, sferrors.CodeStaleSession) {
					continue
				}
				return err
			}
			return nil

		default:
			return sferrors.IllegalTransition(sessionID, string(sess.Status), string(model.StatusCancelled))
		}
	}
}

// worker drains the dispatch queue until the context ends.
func (s *Scheduler) worker(ctx context.Context) error {
	for {
		item, err := s.queue.Dequeue(ctx)
		if err != nil {
			if err == queue.ErrClosed || ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		s.process(ctx, item)
		s.queue.Ack(ctx, item)
	}
}

// process runs one delivery. Deliveries are at-least-once and readiness
// notifications can double up, so the PENDING -> RUNNING compare-and-set
// is the admission gate: whoever wins it owns the attempt.
func (s *Scheduler) process(ctx context.Context, item queue.Item) {
	sess, err := s.store.GetSession(ctx, item.SessionID)
	if err != nil {
		return
	}
	if sess.Status != model.StatusPending {
		return
	}
	if sess.CancelRequested {
		s.finish(ctx, sess, model.StatusCancelled, "")
		return
	}

	def, err := s.registry.Get(sess.Analyzer)
	if err != nil {
		s.finish(ctx, sess, model.StatusError, "analyzer not registered")
		return
	}
	a, ok := s.analyzers[sess.Analyzer]
	if !ok {
		s.finish(ctx, sess, model.StatusError, "no capability registered for "+sess.Analyzer)
		return
	}

	now := time.Now().UTC()
	sess.Status = model.StatusRunning
	sess.AttemptCount++
	sess.StartedAt = &now
	running, err := s.store.UpdateSession(ctx, sess)
	if err != nil {
		// Lost the admission race; another delivery owns this session.
		return
	}

	result, runErr := s.runtime.Execute(ctx, def, a, running)
	if runErr == nil {
		if _, err := s.aggregator.Commit(ctx, running, result); err != nil {
			// A stale commit while we own the run means a cancel request
			// landed after the analyzer finished; honor it.
			if sferrors.IsCode(err, sferrors.CodeStaleSession) {
				if cur, gerr := s.store.GetSession(ctx, running.ID); gerr == nil &&
					cur.Status == model.StatusRunning && cur.CancelRequested {
					s.finish(ctx, cur, model.StatusCancelled, "")
				}
			}
			return
		}
		done, err := s.store.GetSession(ctx, running.ID)
		if err == nil {
			s.notifyDependents(ctx, done)
		}
		return
	}

	switch {
	case sferrors.IsCode(runErr, sferrors.CodeCancelled):
		s.finish(ctx, running, model.StatusCancelled, "")

	case sferrors.IsRetryable(runErr) && running.AttemptCount < running.MaxRetries:
		s.requeue(ctx, running, runErr)

	default:
		s.finish(ctx, running, model.StatusError, runErr.Error())
	}
}

// requeue returns a transiently failed session to PENDING and re-enqueues
// it after the backoff delay.
func (s *Scheduler) requeue(ctx context.Context, sess *model.AnalyzerSession, cause error) {
	sess.Status = model.StatusPending
	sess.ErrorMessage = cause.Error()
	updated, err := s.store.UpdateSession(ctx, sess)
	if err != nil {
		// The only concurrent writer to a running session is Cancel setting
		// the flag; a stale write means the retry is moot.
		if sferrors.IsCode(err, sferrors.CodeStaleSession) {
			if cur, gerr := s.store.GetSession(ctx, sess.ID); gerr == nil &&
				cur.Status == model.StatusRunning && cur.CancelRequested {
				s.finish(ctx, cur, model.StatusCancelled, "")
			}
		}
		return
	}

	delay := backoff(s.opts.BackoffBase, s.opts.BackoffCap, updated.AttemptCount)
	item := queue.Item{SessionID: updated.ID, SketchID: updated.SketchID, TimelineID: updated.TimelineID}
	time.AfterFunc(delay, func() {
		if s.ctx != nil && s.ctx.Err() != nil {
			return
		}
		s.dispatch(context.Background(), item)
	})
}

// dispatchRetryInterval spaces redelivery attempts while the queue is at
// capacity.
const dispatchRetryInterval = 100 * time.Millisecond

// dispatch hands a delivery to the queue. A full queue reschedules the
// attempt instead of dropping it; the retry runs off-thread so a worker
// never blocks enqueuing into the queue it is draining.
func (s *Scheduler) dispatch(ctx context.Context, item queue.Item) error {
	err := s.queue.Enqueue(ctx, item)
	if err != queue.ErrFull {
		return err
	}
	time.AfterFunc(dispatchRetryInterval, func() {
		if s.ctx != nil && s.ctx.Err() != nil {
			return
		}
		s.dispatch(context.Background(), item)
	})
	return nil
}

// finish moves a session into a terminal state and notifies dependents.
// A stale write (a concurrent cancel-flag set) is retried against the
// re-read record; a session someone else already terminated is left alone.
func (s *Scheduler) finish(ctx context.Context, sess *model.AnalyzerSession, status model.SessionStatus, errMsg string) {
	for {
		now := time.Now().UTC()
		target := sess.Clone()
		target.Status = status
		target.FinishedAt = &now
		if errMsg != "" {
			target.ErrorMessage = errMsg
		}
		updated, err := s.store.UpdateSession(ctx, target)
		if err != nil {
			if sferrors.IsCode(err, sferrors.CodeStaleSession) {
				cur, gerr := s.store.GetSession(ctx, sess.ID)
				if gerr != nil || cur.Status.Terminal() {
					return
				}
				sess = cur
				continue
			}
			return
		}
		s.notifyDependents(ctx, updated)
		return
	}
}

// notifyDependents re-evaluates every pending session whose analyzer
// depends on the finished one, within the same timeline generation.
func (s *Scheduler) notifyDependents(ctx context.Context, finished *model.AnalyzerSession) error {
	for _, def := range s.registry.List() {
		depends := false
		for _, dep := range def.DependsOn {
			if dep == finished.Analyzer {
				depends = true
				break
			}
		}
		if !depends {
			continue
		}

		dependent, err := s.store.FindSession(ctx, finished.TimelineID, def.Name, finished.Generation)
		if err != nil {
			return err
		}
		if dependent == nil || dependent.Status != model.StatusPending {
			continue
		}
		if err := s.evaluate(ctx, dependent.ID); err != nil {
			return err
		}
	}
	return nil
}

// evaluate checks a pending session's dependencies: all DONE means
// dispatch, any failed or cancelled means skip (cascading further), and
// anything still in flight means wait for its notification.
func (s *Scheduler) evaluate(ctx context.Context, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != model.StatusPending {
		return nil
	}

	def, err := s.registry.Get(sess.Analyzer)
	if err != nil {
		return err
	}

	for _, dep := range def.DependsOn {
		depSess, err := s.store.FindSession(ctx, sess.TimelineID, dep, sess.Generation)
		if err != nil {
			return err
		}
		if depSess == nil || !depSess.Status.Terminal() {
			return nil // wait for the dependency's own notification
		}
		if depSess.Status != model.StatusDone {
			// Failed, cancelled, or itself skipped: this session will
			// never run.
			now := time.Now().UTC()
			sess.Status = model.StatusSkippedDependency
			sess.FinishedAt = &now
			sess.ErrorMessage = "dependency " + dep + " finished " + string(depSess.Status)
			updated, err := s.store.UpdateSession(ctx, sess)
			if err != nil {
				if sferrors.IsCode(err, sferrors.CodeStaleSession) {
					return nil // someone else decided it
				}
				return err
			}
			return s.notifyDependents(ctx, updated)
		}
	}

	return s.dispatch(ctx, queue.Item{
		SessionID:  sess.ID,
		SketchID:   sess.SketchID,
		TimelineID: sess.TimelineID,
	})
}
