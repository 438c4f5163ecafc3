package flow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiazeyu1987/MRC-sub000/types"
)

func seedHistory(m *memStore, sessionID string, count int) {
	base := time.Now().Add(-time.Hour)
	for i := 1; i <= count; i++ {
		round := 1
		if i > count/2 {
			round = 2
		}
		speaker := "alice"
		if i%2 == 0 {
			speaker = "bob"
		}
		m.addMessage(types.Message{
			ID:          fmt.Sprintf("m%d", i),
			SessionID:   sessionID,
			SpeakerName: speaker,
			Content:     fmt.Sprintf("message %d", i),
			RoundIndex:  round,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		})
	}
}

func TestHistorySelector_None(t *testing.T) {
	m := newMemStore()
	seedHistory(m, "s1", 6)
	sel := NewHistorySelector(m, 0)

	got, err := sel.Select(context.Background(), &types.Session{ID: "s1", CurrentRound: 2},
		types.ContextScope{Kind: types.ScopeNone})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestHistorySelector_LastMessage(t *testing.T) {
	m := newMemStore()
	sel := NewHistorySelector(m, 0)
	sess := &types.Session{ID: "s1", CurrentRound: 1}

	// empty session yields empty, not an error
	got, err := sel.Select(context.Background(), sess, types.ContextScope{Kind: types.ScopeLastMessage})
	require.NoError(t, err)
	assert.Empty(t, got)

	seedHistory(m, "s1", 6)
	got, err = sel.Select(context.Background(), sess, types.ContextScope{Kind: types.ScopeLastMessage})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "message 6", got[0].Content)
}

func TestHistorySelector_LastRound(t *testing.T) {
	m := newMemStore()
	seedHistory(m, "s1", 6)
	sel := NewHistorySelector(m, 0)

	// the previous round is visible, not the round in progress
	got, err := sel.Select(context.Background(), &types.Session{ID: "s1", CurrentRound: 2},
		types.ContextScope{Kind: types.ScopeLastRound})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "message 1", got[0].Content)
	assert.Equal(t, "message 3", got[2].Content)

	// round 1 has no predecessor
	got, err = sel.Select(context.Background(), &types.Session{ID: "s1", CurrentRound: 1},
		types.ContextScope{Kind: types.ScopeLastRound})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestHistorySelector_LastN_MostRecentFirst(t *testing.T) {
	m := newMemStore()
	seedHistory(m, "s1", 6)
	sel := NewHistorySelector(m, 0)
	sess := &types.Session{ID: "s1", CurrentRound: 2}

	got, err := sel.Select(context.Background(), sess,
		types.ContextScope{Kind: types.ScopeLastN, N: 3})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "message 6", got[0].Content)
	assert.Equal(t, "message 4", got[2].Content)

	// default n when the scope carries none
	got, err = sel.Select(context.Background(), sess, types.ContextScope{Kind: types.ScopeLastN})
	require.NoError(t, err)
	assert.Len(t, got, types.DefaultLastN)
}

func TestHistorySelector_RoleSet(t *testing.T) {
	m := newMemStore()
	seedHistory(m, "s1", 6)
	sel := NewHistorySelector(m, 0)
	sess := &types.Session{ID: "s1", CurrentRound: 2}

	got, err := sel.Select(context.Background(), sess,
		types.ContextScope{Kind: types.ScopeRoleSet, Roles: []string{"alice"}})
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, msg := range got {
		assert.Equal(t, "alice", msg.SpeakerName)
	}

	// unknown role names match nothing
	got, err = sel.Select(context.Background(), sess,
		types.ContextScope{Kind: types.ScopeRoleSet, Roles: []string{"nobody"}})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestChronological_ReversesLastN(t *testing.T) {
	desc := []types.Message{{ID: "c"}, {ID: "b"}, {ID: "a"}}

	got := Chronological(types.ContextScope{Kind: types.ScopeLastN, N: 3}, desc)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "c", got[2].ID)

	// other scopes pass through untouched
	same := Chronological(types.ContextScope{Kind: types.ScopeLastRound}, desc)
	assert.Equal(t, desc, same)
}
