package knowledge

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Result is one retrieved knowledge item returned by a source.
type Result struct {
	SourceID   string   `json:"source_id"`
	Content    string   `json:"content"`
	Confidence float64  `json:"confidence"`
	References []string `json:"references,omitempty"`
}

// Source is the retrieval contract for one external knowledge base.
// Implementations wrap whatever wire protocol the deployment uses; the
// engine only needs bounded similarity search.
type Source interface {
	// ID returns the knowledge base identifier this source serves.
	ID() string

	// Search returns up to topK items with similarity at or above threshold.
	Search(ctx context.Context, query string, topK int, threshold float64) ([]Result, error)
}

// SourceConfig carries the per-source retrieval bounds. Priority 1 is the
// highest; results from lower-priority sources sort after it regardless of
// confidence.
type SourceConfig struct {
	Priority            int           `yaml:"priority" json:"priority"`
	TopK                int           `yaml:"top_k" json:"top_k"`
	SimilarityThreshold float64       `yaml:"similarity_threshold" json:"similarity_threshold"`
	Timeout             time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultSourceConfig returns the bounds used for fields left zero.
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		Priority:            1,
		TopK:                5,
		SimilarityThreshold: 0.5,
		Timeout:             10 * time.Second,
	}
}

// Assigned pairs a source with its effective config for one retrieval pass.
type Assigned struct {
	Source Source
	Config SourceConfig
}

// Registry binds knowledge base ids to sources and their retrieval bounds.
// Registration happens at wiring time; Resolve is called per step execution.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Assigned
}

// NewRegistry creates an empty source registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Assigned)}
}

// Register adds a source under its ID. Zero config fields take defaults.
func (r *Registry) Register(src Source, cfg SourceConfig) {
	def := DefaultSourceConfig()
	if cfg.Priority <= 0 {
		cfg.Priority = def.Priority
	}
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[src.ID()] = Assigned{Source: src, Config: cfg}
}

// Resolve returns the registered sources for the given knowledge base ids,
// ordered by ascending priority (ties broken by id for stable order).
// Unknown ids are skipped.
func (r *Registry) Resolve(ids []string) []Assigned {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Assigned, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if a, ok := r.sources[id]; ok {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Config.Priority != out[j].Config.Priority {
			return out[i].Config.Priority < out[j].Config.Priority
		}
		return out[i].Source.ID() < out[j].Source.ID()
	})
	return out
}
