// Package flow implements the execution engine for template-driven
// multi-role conversations.
//
// A session advances one step at a time: the engine resolves the current
// step's speaker, selects conversation history per the step's context scope,
// composes a retrieval query, fuses knowledge from the speaker's sources,
// invokes the completion provider, and persists the produced message together
// with the branch decision in a single transaction. All calls are synchronous
// and caller-driven; per-session execution is serialized so at most one step
// is in flight per session.
package flow
