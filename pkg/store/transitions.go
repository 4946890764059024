package store

import (
	"github.com/sketchflow/sketchflow/internal/model"
	sferrors "github.com/sketchflow/sketchflow/pkg/errors"
)

// ValidateTransition checks a session status change against the state
// machine:
//
//	PENDING -> RUNNING
//	PENDING -> {CANCELLED, SKIPPED_DEPENDENCY_FAILED}
//	RUNNING -> {DONE, ERROR, CANCELLED}
//	RUNNING -> PENDING   only while attempt_count < max_retries
//
// A write that keeps the status unchanged (e.g. setting the cancel flag) is
// permitted on non-terminal sessions. Everything else fails loudly with
// CodeIllegalTransition; terminal states are never overwritten.
func ValidateTransition(cur *model.AnalyzerSession, next model.SessionStatus) error {
	from := cur.Status

	if from == next {
		if from.Terminal() {
			return sferrors.IllegalTransition(cur.ID, string(from), string(next))
		}
		return nil
	}

	switch from {
	case model.StatusPending:
		switch next {
		case model.StatusRunning, model.StatusCancelled, model.StatusSkippedDependency:
			return nil
		}

	case model.StatusRunning:
		switch next {
		case model.StatusDone, model.StatusError, model.StatusCancelled:
			return nil
		case model.StatusPending:
			// Re-queue on transient failure, bounded by the retry cap.
			if cur.AttemptCount < cur.MaxRetries {
				return nil
			}
		}
	}

	return sferrors.IllegalTransition(cur.ID, string(from), string(next))
}
