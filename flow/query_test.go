package flow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/jiazeyu1987/MRC-sub000/types"
)

func TestQueryComposer_Sections(t *testing.T) {
	c := NewQueryComposer(0)
	step := &types.FlowStep{
		TaskType:    types.TaskAnswer,
		Description: "explain the tradeoff",
	}
	history := []types.Message{
		{SpeakerName: "alice", Content: "first point"},
		{SpeakerName: "bob", Content: "second point"},
		{SpeakerName: "alice", Content: "third point"},
	}

	query := c.Compose("consistency models", step, history)
	assert.Contains(t, query, "consistency models")
	assert.Contains(t, query, "explain the tradeoff")
	assert.Contains(t, query, taskKeywords[types.TaskAnswer])
	// only the two most recent history entries survive
	assert.NotContains(t, query, "first point")
	assert.Contains(t, query, "bob: second point")
	assert.Contains(t, query, "alice: third point")
}

func TestQueryComposer_DropsHistoryBeforeTruncating(t *testing.T) {
	c := NewQueryComposer(120)
	step := &types.FlowStep{TaskType: types.TaskAsk}
	history := []types.Message{
		{SpeakerName: "alice", Content: strings.Repeat("长内容", 80)},
		{SpeakerName: "bob", Content: strings.Repeat("more text ", 30)},
	}

	query := c.Compose("short topic", step, history)
	assert.LessOrEqual(t, runeLen(query), 120)
	// the base sections survive in full
	assert.Contains(t, query, "short topic")
}

func TestQueryComposer_LengthCap(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		topic := rapid.StringN(0, 2000, -1).Draw(t, "topic")
		desc := rapid.StringN(0, 2000, -1).Draw(t, "desc")
		entries := rapid.IntRange(0, 5).Draw(t, "entries")

		history := make([]types.Message, 0, entries)
		for i := 0; i < entries; i++ {
			history = append(history, types.Message{
				SpeakerName: rapid.StringN(0, 50, -1).Draw(t, "speaker"),
				Content:     rapid.StringN(0, 1000, -1).Draw(t, "content"),
			})
		}

		c := NewQueryComposer(QueryMaxChars)
		query := c.Compose(topic, &types.FlowStep{TaskType: types.TaskReview, Description: desc}, history)
		require.LessOrEqual(t, runeLen(query), QueryMaxChars)
	})
}
