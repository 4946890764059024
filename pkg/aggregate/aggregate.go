// Package aggregate turns successful analyzer runs into committed sketch
// artifacts. The commit is gated on winning the compare-and-set transition
// of the session into DONE, so exactly one attempt's artifacts land even
// when a retry and a slow original race each other.
package aggregate

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sketchflow/sketchflow/internal/model"
	"github.com/sketchflow/sketchflow/pkg/analyzer"
	sferrors "github.com/sketchflow/sketchflow/pkg/errors"
	"github.com/sketchflow/sketchflow/pkg/store"
)

// Aggregator commits analyzer results.
type Aggregator struct {
	store store.Store
}

// New creates an Aggregator over the given store.
func New(st store.Store) *Aggregator {
	return &Aggregator{store: st}
}

// Commit finalizes a successful attempt: it transitions the session from
// RUNNING to DONE under compare-and-set, then persists the result's
// artifacts stamped with the session's identity. A CodeStaleSession error
// means another writer decided the session first and nothing was committed.
//
// The status write happens before the artifact write. A crash between the
// two loses artifacts but never duplicates them; the session record is the
// authority on whether a run counted.
func (a *Aggregator) Commit(ctx context.Context, sess *model.AnalyzerSession, result *analyzer.Result) (*model.AnalyzerSession, error) {
	if sess.Status != model.StatusRunning {
		return nil, sferrors.IllegalTransition(sess.ID, string(sess.Status), string(model.StatusDone))
	}

	now := time.Now().UTC()
	final := sess.Clone()
	final.Status = model.StatusDone
	final.FinishedAt = &now
	final.ResultRef = result.Summary

	updated, err := a.store.UpdateSession(ctx, final)
	if err != nil {
		return nil, err
	}

	artifacts := make([]*model.Artifact, 0, len(result.Artifacts))
	for _, draft := range result.Artifacts {
		artifacts = append(artifacts, &model.Artifact{
			ID:         uuid.New().String(),
			SketchID:   sess.SketchID,
			TimelineID: sess.TimelineID,
			SessionID:  sess.ID,
			Generation: sess.Generation,
			Kind:       draft.Kind,
			Name:       draft.Name,
			Payload:    draft.Payload,
			CreatedAt:  now,
		})
	}
	if err := a.store.CreateArtifacts(ctx, artifacts); err != nil {
		return updated, sferrors.Wrap(err, sferrors.CodeStoreIO, "artifact commit failed").
			WithContext("session", sess.ID)
	}

	return updated, nil
}
