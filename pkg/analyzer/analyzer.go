// Package analyzer defines the analyzer capability interface and the
// runtime that executes one session attempt: timeout enforcement,
// cooperative cancellation at checkpoints, and classification of failures
// into transient and terminal.
package analyzer

import (
	"context"
	"time"

	"github.com/sketchflow/sketchflow/internal/model"
	sferrors "github.com/sketchflow/sketchflow/pkg/errors"
	"github.com/sketchflow/sketchflow/pkg/eventstore"
	"github.com/sketchflow/sketchflow/pkg/store"
)

// Analyzer is one analysis capability. Run reads events through the
// RunContext and returns the artifacts to commit. Implementations must call
// rc.Checkpoint() at natural pause points and abandon work when it returns
// an error.
type Analyzer interface {
	Name() string
	Run(rc *RunContext) (*Result, error)
}

// Result is what a successful run wants committed to the sketch. Artifact
// drafts carry kind, name and payload; the commit layer fills in identity
// and session linkage.
type Result struct {
	Artifacts []ArtifactDraft
	Summary   string
}

// ArtifactDraft is an artifact before commit stamps it.
type ArtifactDraft struct {
	Kind    model.ArtifactKind
	Name    string
	Payload map[string]any
}

// TagEvents is a convenience constructor for a tag artifact.
func TagEvents(tag string, eventIDs []string) ArtifactDraft {
	return ArtifactDraft{
		Kind:    model.ArtifactTag,
		Name:    tag,
		Payload: map[string]any{"event_ids": eventIDs},
	}
}

// SavedSearch is a convenience constructor for a saved-search artifact.
func SavedSearch(name, query string) ArtifactDraft {
	return ArtifactDraft{
		Kind:    model.ArtifactSavedSearch,
		Name:    name,
		Payload: map[string]any{"query": query},
	}
}

// Story is a convenience constructor for a narrative artifact.
func Story(name, text string) ArtifactDraft {
	return ArtifactDraft{
		Kind:    model.ArtifactStory,
		Name:    name,
		Payload: map[string]any{"text": text},
	}
}

// checkpointInterval bounds how often Checkpoint re-reads the session
// record. Between reads it only watches the context.
const checkpointInterval = 2 * time.Second

// RunContext is the analyzer's window onto one session attempt. All event
// reads are pinned to the session's generation, so an analyzer observes a
// stable snapshot even while new batches land on the timeline.
type RunContext struct {
	ctx      context.Context
	session  *model.AnalyzerSession
	sessions store.SessionStore
	events   eventstore.Store

	lastCheck time.Time
}

// Session returns a copy of the session under execution.
func (rc *RunContext) Session() *model.AnalyzerSession {
	return rc.session.Clone()
}

// Context returns the attempt's context, already bounded by the analyzer
// timeout.
func (rc *RunContext) Context() context.Context {
	return rc.ctx
}

// Search reads events from the session's timeline at the session's
// generation. Filter fields other than TimelineID and Generation are
// caller-controlled. Generation zero means nothing has been ingested yet;
// an unpinned read there would track in-flight batches, so it returns no
// events.
func (rc *RunContext) Search(f eventstore.Filter) ([]*model.Event, error) {
	if rc.session.Generation == 0 {
		return nil, nil
	}
	f.TimelineID = rc.session.TimelineID
	f.Generation = rc.session.Generation
	return rc.events.Search(rc.ctx, f)
}

// Checkpoint reports whether the attempt should stop. It returns a
// CodeTimeout error when the attempt deadline passed, and CodeCancelled
// once a cancel request has been recorded on the session. A nil return
// means keep going.
func (rc *RunContext) Checkpoint() error {
	select {
	case <-rc.ctx.Done():
		if rc.ctx.Err() == context.DeadlineExceeded {
			return sferrors.New(sferrors.CodeTimeout, "analyzer deadline exceeded")
		}
		return sferrors.New(sferrors.CodeCancelled, "attempt context cancelled")
	default:
	}

	if time.Since(rc.lastCheck) < checkpointInterval {
		return nil
	}
	rc.lastCheck = time.Now()

	stored, err := rc.sessions.GetSession(rc.ctx, rc.session.ID)
	if err != nil {
		// A store blip should consume a retry, not end the session.
		return sferrors.Wrap(err, sferrors.CodeAnalyzerTransient, "session read failed at checkpoint")
	}
	if stored.CancelRequested {
		return sferrors.New(sferrors.CodeCancelled, "cancellation requested")
	}
	return nil
}

// Runtime executes analyzer attempts.
type Runtime struct {
	sessions store.SessionStore
	events   eventstore.Store
}

// NewRuntime creates a Runtime over the given stores.
func NewRuntime(sessions store.SessionStore, events eventstore.Store) *Runtime {
	return &Runtime{sessions: sessions, events: events}
}

// Execute runs one attempt of the analyzer under the definition's timeout.
// The returned error, when non-nil, carries one of the run outcome codes:
// CodeTimeout and CodeAnalyzerTransient are retryable, CodeCancelled and
// CodeAnalyzerTerminal are not.
func (rt *Runtime) Execute(ctx context.Context, def *model.AnalyzerDefinition, a Analyzer, sess *model.AnalyzerSession) (*Result, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if def.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}

	rc := &RunContext{
		ctx:       runCtx,
		session:   sess.Clone(),
		sessions:  rt.sessions,
		events:    rt.events,
		lastCheck: time.Now(),
	}

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := a.Run(rc)
		done <- outcome{result, err}
	}()

	select {
	case <-runCtx.Done():
		// The goroutine notices at its next checkpoint; the attempt is
		// already decided.
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, sferrors.New(sferrors.CodeTimeout, "analyzer deadline exceeded").
				WithContext("analyzer", def.Name).
				WithContext("timeout", def.Timeout.String())
		}
		return nil, sferrors.New(sferrors.CodeCancelled, "attempt context cancelled").
			WithContext("analyzer", def.Name)

	case out := <-done:
		if out.err != nil {
			return nil, classify(out.err, def)
		}
		if out.result == nil {
			out.result = &Result{}
		}
		return out.result, nil
	}
}

// classify maps a raw analyzer error to a run outcome. Errors already
// carrying an outcome code pass through; everything else is terminal, on
// the grounds that retrying an unknown failure repeats it.
func classify(err error, def *model.AnalyzerDefinition) error {
	switch sferrors.GetCode(err) {
	case sferrors.CodeTimeout, sferrors.CodeCancelled,
		sferrors.CodeAnalyzerTransient, sferrors.CodeAnalyzerTerminal:
		return err
	}
	if sferrors.IsRetryable(err) {
		return sferrors.Wrap(err, sferrors.CodeAnalyzerTransient, "analyzer failed").
			WithContext("analyzer", def.Name)
	}
	return sferrors.Wrap(err, sferrors.CodeAnalyzerTerminal, "analyzer failed").
		WithContext("analyzer", def.Name)
}

// Transient marks an error as retryable for the scheduler.
func Transient(err error, msg string) error {
	return sferrors.Wrap(err, sferrors.CodeAnalyzerTransient, msg)
}

// Terminal marks an error as non-retryable.
func Terminal(err error, msg string) error {
	return sferrors.Wrap(err, sferrors.CodeAnalyzerTerminal, msg)
}
