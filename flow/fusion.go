package flow

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jiazeyu1987/MRC-sub000/internal/metrics"
	"github.com/jiazeyu1987/MRC-sub000/knowledge"
	"github.com/jiazeyu1987/MRC-sub000/types"
)

// MaxKnowledgeItems is the default cap on fused results per step.
const MaxKnowledgeItems = 5

// Bundle is the outcome of one knowledge-fusion pass.
type Bundle struct {
	// Items are the fused results, ordered by (source priority asc,
	// confidence desc) and truncated to the configured cap.
	Items []knowledge.Result

	// FallbackUsed is set when fusion yielded nothing: no sources resolved,
	// every source failed, or every source returned empty.
	FallbackUsed bool

	// ErrorMessage is a human-readable account of why fallback was used.
	ErrorMessage string

	// Summary is the telemetry view of this pass.
	Summary types.RetrievalSummary
}

// Fusion queries a speaker's knowledge sources concurrently and merges the
// results. Per-source failures are absorbed: they are logged, counted, and
// skipped, never propagated to the step.
type Fusion struct {
	registry *knowledge.Registry
	cache    *knowledge.QueryCache
	metrics  *metrics.Collector
	maxItems int
	logger   *zap.Logger
}

// NewFusion creates a fusion component. cache may be nil (no caching);
// maxItems zero or negative uses MaxKnowledgeItems.
func NewFusion(registry *knowledge.Registry, cache *knowledge.QueryCache, collector *metrics.Collector, maxItems int, logger *zap.Logger) *Fusion {
	if maxItems <= 0 {
		maxItems = MaxKnowledgeItems
	}
	return &Fusion{
		registry: registry,
		cache:    cache,
		metrics:  collector,
		maxItems: maxItems,
		logger:   logger.With(zap.String("component", "fusion")),
	}
}

type scoredResult struct {
	knowledge.Result
	priority int
}

// Retrieve runs one fusion pass for the step. Source ids come from the step
// config when set, otherwise from the speaker's role binding.
func (f *Fusion) Retrieve(ctx context.Context, role *types.SessionRole, step *types.FlowStep, query string) *Bundle {
	ids := step.Knowledge.KnowledgeBaseIDs
	if len(ids) == 0 {
		ids = role.KnowledgeBaseIDs
	}

	bundle := &Bundle{Summary: types.RetrievalSummary{Query: query}}

	assigned := f.registry.Resolve(ids)
	if len(assigned) == 0 {
		bundle.FallbackUsed = true
		bundle.ErrorMessage = "no knowledge sources available for this speaker"
		bundle.Summary.FallbackUsed = true
		bundle.Summary.ErrorMessage = bundle.ErrorMessage
		if f.metrics != nil {
			f.metrics.RecordFallback()
		}
		return bundle
	}

	key := knowledge.CacheKey(resolvedIDs(assigned), query)
	if items, ok := f.cache.Get(ctx, key); ok && len(items) > 0 {
		bundle.Items = items
		bundle.Summary.Items = len(items)
		return bundle
	}

	results := make([][]scoredResult, len(assigned))
	failures := make([]error, len(assigned))

	g, gctx := errgroup.WithContext(ctx)
	for i, a := range assigned {
		i, a := i, a
		g.Go(func() error {
			topK := a.Config.TopK
			if step.Knowledge.TopK > 0 {
				topK = step.Knowledge.TopK
			}
			threshold := a.Config.SimilarityThreshold
			if step.Knowledge.SimilarityThreshold > 0 {
				threshold = step.Knowledge.SimilarityThreshold
			}

			sctx, cancel := context.WithTimeout(gctx, a.Config.Timeout)
			defer cancel()

			items, err := a.Source.Search(sctx, query, topK, threshold)
			if err != nil {
				failures[i] = types.Errorf(types.ErrRetrievalSource,
					"source %s failed", a.Source.ID()).WithCause(err)
				if f.metrics != nil {
					f.metrics.RecordRetrieval(a.Source.ID(), "error")
				}
				f.logger.Warn("knowledge source failed, skipping",
					zap.String("source", a.Source.ID()),
					zap.Error(err))
				return nil
			}
			if f.metrics != nil {
				f.metrics.RecordRetrieval(a.Source.ID(), "ok")
			}
			scored := make([]scoredResult, 0, len(items))
			for _, it := range items {
				if it.SourceID == "" {
					it.SourceID = a.Source.ID()
				}
				scored = append(scored, scoredResult{Result: it, priority: a.Config.Priority})
			}
			results[i] = scored
			return nil
		})
	}
	_ = g.Wait() // goroutines never return errors; failures are per-slot

	var merged []scoredResult
	for i := range assigned {
		if failures[i] != nil {
			bundle.Summary.Failed++
			continue
		}
		merged = append(merged, results[i]...)
	}
	bundle.Summary.Queried = len(assigned)

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].priority != merged[j].priority {
			return merged[i].priority < merged[j].priority
		}
		return merged[i].Confidence > merged[j].Confidence
	})
	if len(merged) > f.maxItems {
		merged = merged[:f.maxItems]
	}

	if len(merged) == 0 {
		bundle.FallbackUsed = true
		if bundle.Summary.Failed == len(assigned) {
			bundle.ErrorMessage = fmt.Sprintf("all %d knowledge sources failed", len(assigned))
		} else {
			bundle.ErrorMessage = "knowledge sources returned no matching material"
		}
		bundle.Summary.FallbackUsed = true
		bundle.Summary.ErrorMessage = bundle.ErrorMessage
		if f.metrics != nil {
			f.metrics.RecordFallback()
		}
		return bundle
	}

	bundle.Items = make([]knowledge.Result, 0, len(merged))
	for _, m := range merged {
		bundle.Items = append(bundle.Items, m.Result)
	}
	bundle.Summary.Items = len(bundle.Items)
	f.cache.Set(ctx, key, bundle.Items)
	return bundle
}

func resolvedIDs(assigned []knowledge.Assigned) []string {
	ids := make([]string, 0, len(assigned))
	for _, a := range assigned {
		ids = append(ids, a.Source.ID())
	}
	return ids
}
