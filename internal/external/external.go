// Package external declares the contracts of the collaborators this core
// consumes but does not implement: the semantic classifier, the
// language-model text action, the tool executor and the notification
// sink. Rule compilation and event ingestion also live outside the core;
// they only hand us already-shaped units and events.
package external

import "context"

// Classifier answers semantic conditions as a boolean oracle.
// Callers must fail closed: an error means "condition not met".
type Classifier interface {
	Classify(ctx context.Context, prompt, input, expectedLabel string) (bool, error)
}

// Generator produces text for llm actions (summarize/generate/analyze/draft).
type Generator interface {
	Generate(ctx context.Context, instruction, input string) (string, error)
}

// ToolExecutor runs a named tool with resolved arguments on behalf of an
// owner. Retry policy, if any, lives behind this interface; the run
// executor never retries.
type ToolExecutor interface {
	Execute(ctx context.Context, toolName string, args map[string]interface{}, ownerID string) (interface{}, error)
}

// Notifier is a fire-and-forget delivery sink; no result is consumed.
type Notifier interface {
	Notify(ctx context.Context, ownerID, channel, message string) error
}
