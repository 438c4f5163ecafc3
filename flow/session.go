package flow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jiazeyu1987/MRC-sub000/internal/metrics"
	"github.com/jiazeyu1987/MRC-sub000/types"
)

// allowedTransitions is the session state machine. Terminal states admit
// nothing.
var allowedTransitions = map[types.SessionStatus][]types.SessionStatus{
	types.SessionCreated: {types.SessionRunning, types.SessionFinished},
	types.SessionRunning: {types.SessionPaused, types.SessionFinished, types.SessionFailed, types.SessionTerminated},
	types.SessionPaused:  {types.SessionRunning, types.SessionFinished, types.SessionFailed, types.SessionTerminated},
}

// CanTransition reports whether the state machine admits from → to.
func CanTransition(from, to types.SessionStatus) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// SessionControl drives session lifecycle transitions. Every transition is
// validated against the state machine, persisted, logged and counted.
type SessionControl struct {
	store   Store
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewSessionControl creates a session controller.
func NewSessionControl(store Store, collector *metrics.Collector, logger *zap.Logger) *SessionControl {
	return &SessionControl{
		store:   store,
		metrics: collector,
		logger:  logger.With(zap.String("component", "session")),
	}
}

// Start moves a created session to running, positioning it at firstStepID
// when it has no current step yet.
func (c *SessionControl) Start(ctx context.Context, sessionID, firstStepID string) error {
	return c.transition(ctx, sessionID, "start", types.SessionRunning, func(sess *types.Session) {
		if sess.CurrentStepID == "" {
			sess.CurrentStepID = firstStepID
		}
		if sess.CurrentRound == 0 {
			sess.CurrentRound = 1
		}
	})
}

// Pause moves a running session to paused.
func (c *SessionControl) Pause(ctx context.Context, sessionID string) error {
	return c.transition(ctx, sessionID, "pause", types.SessionPaused, nil)
}

// Resume moves a paused session back to running.
func (c *SessionControl) Resume(ctx context.Context, sessionID string) error {
	return c.transition(ctx, sessionID, "resume", types.SessionRunning, nil)
}

// Finish closes any non-terminal session as finished.
func (c *SessionControl) Finish(ctx context.Context, sessionID, reason string) error {
	return c.transition(ctx, sessionID, "finish", types.SessionFinished, func(sess *types.Session) {
		now := time.Now()
		sess.CompletedAt = &now
		if reason != "" {
			c.logger.Info("session finished by operator",
				zap.String("session_id", sessionID),
				zap.String("reason", reason))
		}
	})
}

// IsExecutable reports whether the session currently accepts step execution.
func (c *SessionControl) IsExecutable(ctx context.Context, sessionID string) (bool, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return sess.Status == types.SessionRunning, nil
}

// Fail moves the session to failed, recording the reason. Used internally
// when a step's pipeline errors; terminal sessions are left untouched.
func (c *SessionControl) Fail(ctx context.Context, sess *types.Session, cause error) {
	if sess.Status.Terminal() {
		return
	}
	from := sess.Status
	now := time.Now()
	sess.Status = types.SessionFailed
	sess.FailedAt = &now
	sess.LastActiveAt = now
	if cause != nil {
		sess.FailureReason = cause.Error()
	}
	if err := c.store.UpdateSession(ctx, sess); err != nil {
		c.logger.Error("failed to persist session failure",
			zap.String("session_id", sess.ID),
			zap.Error(err))
		return
	}
	c.record(from, types.SessionFailed)
	c.logger.Warn("session failed",
		zap.String("session_id", sess.ID),
		zap.String("from", string(from)),
		zap.NamedError("cause", cause))
}

func (c *SessionControl) transition(ctx context.Context, sessionID, op string, to types.SessionStatus, mutate func(*types.Session)) error {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	from := sess.Status
	if !CanTransition(from, to) {
		return types.Errorf(types.ErrInvalidState,
			"cannot %s session in status %q", op, from)
	}

	sess.Status = to
	sess.LastActiveAt = time.Now()
	if mutate != nil {
		mutate(sess)
	}
	if err := c.store.UpdateSession(ctx, sess); err != nil {
		return err
	}

	c.record(from, to)
	c.logger.Info("session transition",
		zap.String("session_id", sessionID),
		zap.String("op", op),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return nil
}

func (c *SessionControl) record(from, to types.SessionStatus) {
	if c.metrics != nil {
		c.metrics.RecordTransition(string(from), string(to))
	}
}
