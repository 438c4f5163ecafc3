// Package llm defines the completion-service contract consumed by the flow
// engine. Concrete providers live outside this module; the engine only
// depends on the synchronous Completion call and the retryable/terminal
// error distinction.
package llm
