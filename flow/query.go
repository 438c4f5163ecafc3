package flow

import (
	"strings"

	"github.com/jiazeyu1987/MRC-sub000/types"
)

// QueryMaxChars is the default retrieval-query budget in characters.
const QueryMaxChars = 800

// historyPreviewChars bounds each history entry embedded in the query.
const historyPreviewChars = 200

// queryHistoryEntries is how many recent messages the query may carry.
const queryHistoryEntries = 2

// taskKeywords expands a task type into retrieval hint terms. The expansion
// is intentionally static: it biases similarity search toward the kind of
// material the step needs, not toward the literal wording of the step.
var taskKeywords = map[types.TaskType]string{
	types.TaskAsk:       "question background key facts",
	types.TaskAnswer:    "answer explanation evidence detail",
	types.TaskReview:    "review critique weakness risk",
	types.TaskSummarize: "summary main points conclusion",
	types.TaskChallenge: "counterargument objection alternative",
	types.TaskConclude:  "conclusion decision final assessment",
}

// QueryComposer builds the bounded retrieval query for a step.
type QueryComposer struct {
	maxChars int
}

// NewQueryComposer creates a composer with the given character budget;
// zero or negative uses QueryMaxChars.
func NewQueryComposer(maxChars int) *QueryComposer {
	if maxChars <= 0 {
		maxChars = QueryMaxChars
	}
	return &QueryComposer{maxChars: maxChars}
}

// Compose assembles the query from the session topic, the step description,
// the task-type keyword expansion, and up to two recent history entries.
// history must be chronological; the most recent entries are used.
//
// The result never exceeds the configured budget: history entries are
// dropped first (oldest of the included pair first), then the remaining text
// is hard-truncated with an ellipsis.
func (c *QueryComposer) Compose(topic string, step *types.FlowStep, history []types.Message) string {
	var base []string
	if topic != "" {
		base = append(base, topic)
	}
	if step.Description != "" {
		base = append(base, step.Description)
	}
	if kw, ok := taskKeywords[step.TaskType]; ok {
		base = append(base, kw)
	}

	recent := history
	if len(recent) > queryHistoryEntries {
		recent = recent[len(recent)-queryHistoryEntries:]
	}
	entries := make([]string, 0, len(recent))
	for _, m := range recent {
		entries = append(entries, m.SpeakerName+": "+types.Summarize(m.Content, historyPreviewChars))
	}

	// Drop history entries until the query fits, oldest first.
	for {
		query := strings.Join(append(append([]string{}, base...), entries...), "\n")
		if runeLen(query) <= c.maxChars || len(entries) == 0 {
			if runeLen(query) > c.maxChars {
				query = truncateRunes(query, c.maxChars)
			}
			return query
		}
		entries = entries[1:]
	}
}

func runeLen(s string) int {
	return len([]rune(s))
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	if limit < 1 {
		return ""
	}
	return string(runes[:limit-1]) + "…"
}
