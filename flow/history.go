package flow

import (
	"context"

	"github.com/jiazeyu1987/MRC-sub000/types"
)

// HistorySelector materializes the message window a step's context scope
// names. The scope is already validated at template load, so selection only
// switches on the tagged kind.
type HistorySelector struct {
	store    Store
	defaultN int
}

// NewHistorySelector creates a selector. defaultN applies to last_n_messages
// scopes that carry no explicit n; zero falls back to types.DefaultLastN.
func NewHistorySelector(store Store, defaultN int) *HistorySelector {
	if defaultN <= 0 {
		defaultN = types.DefaultLastN
	}
	return &HistorySelector{store: store, defaultN: defaultN}
}

// Select returns the messages in scope for the session's current state.
//
// ScopeNone yields an empty slice. ScopeLastN yields most-recent-first; every
// other scope yields chronological order. Role-set scopes with no matching
// speakers yield an empty slice rather than an error.
func (s *HistorySelector) Select(ctx context.Context, sess *types.Session, scope types.ContextScope) ([]types.Message, error) {
	switch scope.Kind {
	case types.ScopeNone:
		return nil, nil

	case types.ScopeLastMessage:
		msg, err := s.store.LatestMessage(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			return nil, nil
		}
		return []types.Message{*msg}, nil

	case types.ScopeLastRound:
		return s.store.MessagesByRound(ctx, sess.ID, sess.CurrentRound-1)

	case types.ScopeLastN:
		n := scope.N
		if n <= 0 {
			n = s.defaultN
		}
		return s.store.LastNMessages(ctx, sess.ID, n)

	case types.ScopeRoleSet:
		return s.store.MessagesBySpeakers(ctx, sess.ID, scope.Roles)
	}
	return nil, nil
}

// Chronological returns the history in oldest-first order for prompt
// rendering. Only last_n_messages selections arrive reversed; everything else
// is already chronological.
func Chronological(scope types.ContextScope, msgs []types.Message) []types.Message {
	if scope.Kind != types.ScopeLastN || len(msgs) < 2 {
		return msgs
	}
	out := make([]types.Message, len(msgs))
	for i := range msgs {
		out[len(msgs)-1-i] = msgs[i]
	}
	return out
}
