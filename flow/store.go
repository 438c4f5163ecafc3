package flow

import (
	"context"

	"github.com/jiazeyu1987/MRC-sub000/types"
)

// Store is the persistence contract the engine consumes. The gorm-backed
// implementation lives in the store package; tests substitute in-memory
// fakes.
type Store interface {
	// GetSession returns the session, or a SESSION_NOT_FOUND error.
	GetSession(ctx context.Context, id string) (*types.Session, error)

	// UpdateSession persists the session's status, counters and lifecycle
	// timestamps.
	UpdateSession(ctx context.Context, sess *types.Session) error

	// GetTemplate returns the template with its steps parsed and ordered,
	// or a TEMPLATE_NOT_FOUND error.
	GetTemplate(ctx context.Context, id string) (*types.FlowTemplate, error)

	// GetSessionRole returns the session-scoped role binding, or (nil, nil)
	// when no persistent binding exists.
	GetSessionRole(ctx context.Context, sessionID, roleRef string) (*types.SessionRole, error)

	// LatestMessage returns the most recent message, or (nil, nil) when the
	// session has none.
	LatestMessage(ctx context.Context, sessionID string) (*types.Message, error)

	// MessagesByRound returns one round's messages, ascending by creation.
	MessagesByRound(ctx context.Context, sessionID string, round int) ([]types.Message, error)

	// LastNMessages returns the n most recent messages, most-recent-first.
	LastNMessages(ctx context.Context, sessionID string, n int) ([]types.Message, error)

	// MessagesBySpeakers returns messages spoken by the named roles,
	// ascending by creation. Unknown names match nothing.
	MessagesBySpeakers(ctx context.Context, sessionID string, names []string) ([]types.Message, error)

	// CommitStep persists one step execution atomically: message, advanced
	// session, and diagnostic interaction.
	CommitStep(ctx context.Context, commit *types.StepCommit) error
}
