// Package knowledge defines the retrieval contract consumed by knowledge
// fusion: the per-knowledge-base Source interface, a priority-ordered
// registry binding knowledge base ids to sources, and a fail-open redis
// cache for retrieval results.
package knowledge
