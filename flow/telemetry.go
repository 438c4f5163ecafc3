package flow

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/jiazeyu1987/MRC-sub000/types"
)

// DefaultTelemetryHistory bounds the per-session snapshot ring.
const DefaultTelemetryHistory = 50

// Recorder keeps the most recent step interactions per session in a
// TTL-evicted in-memory store. It backs the operator "latest debug info"
// view; durable diagnostics live in the store's interaction table.
//
// Snapshots are keyed by session so concurrent sessions never clobber each
// other's debug view.
type Recorder struct {
	cache       *gocache.Cache
	historySize int

	mu     sync.Mutex
	latest *types.Interaction // most recent across all sessions
	seenAt time.Time
	ttl    time.Duration
}

type sessionHistory struct {
	mu    sync.Mutex
	items []types.Interaction
}

// NewRecorder creates a recorder. Snapshots expire ttl after the session's
// last recorded step; historySize bounds the per-session ring (zero or
// negative uses DefaultTelemetryHistory).
func NewRecorder(ttl time.Duration, historySize int) *Recorder {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if historySize <= 0 {
		historySize = DefaultTelemetryHistory
	}
	return &Recorder{
		cache:       gocache.New(ttl, ttl/2),
		historySize: historySize,
		ttl:         ttl,
	}
}

// Record stores one step interaction. Recording refreshes the session's TTL.
func (r *Recorder) Record(in *types.Interaction) {
	if in == nil {
		return
	}
	entry := r.entryFor(in.SessionID)
	entry.mu.Lock()
	entry.items = append(entry.items, *in)
	if len(entry.items) > r.historySize {
		entry.items = entry.items[len(entry.items)-r.historySize:]
	}
	entry.mu.Unlock()
	// reset TTL on activity
	r.cache.Set(in.SessionID, entry, gocache.DefaultExpiration)

	r.mu.Lock()
	snapshot := *in
	r.latest = &snapshot
	r.seenAt = time.Now()
	r.mu.Unlock()
}

// Latest returns the most recent interaction of the session. ok is false
// when the session has no snapshot (never executed, or expired).
func (r *Recorder) Latest(sessionID string) (*types.Interaction, bool) {
	entry, ok := r.lookup(sessionID)
	if !ok {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if len(entry.items) == 0 {
		return nil, false
	}
	last := entry.items[len(entry.items)-1]
	return &last, true
}

// History returns the session's retained interactions, oldest first.
func (r *Recorder) History(sessionID string) []types.Interaction {
	entry, ok := r.lookup(sessionID)
	if !ok {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	out := make([]types.Interaction, len(entry.items))
	copy(out, entry.items)
	return out
}

// LatestAny returns the most recent interaction across all sessions, for
// the operator's global debug view.
func (r *Recorder) LatestAny() (*types.Interaction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latest == nil || time.Since(r.seenAt) > r.ttl {
		return nil, false
	}
	snapshot := *r.latest
	return &snapshot, true
}

func (r *Recorder) entryFor(sessionID string) *sessionHistory {
	if entry, ok := r.lookup(sessionID); ok {
		return entry
	}
	entry := &sessionHistory{}
	if err := r.cache.Add(sessionID, entry, gocache.DefaultExpiration); err != nil {
		// lost the race, reuse the winner
		if existing, ok := r.lookup(sessionID); ok {
			return existing
		}
	}
	return entry
}

func (r *Recorder) lookup(sessionID string) (*sessionHistory, bool) {
	raw, ok := r.cache.Get(sessionID)
	if !ok {
		return nil, false
	}
	entry, ok := raw.(*sessionHistory)
	return entry, ok
}
