package tokenmeter

import "context"

// Completer is the interface that chat completion adapters must implement.
type Completer interface {
	// Name returns the upstream identifier (e.g. "openai", "gemini").
	Name() string

	// Complete returns the assistant reply for the conversation.
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Scripture looks up a passage by reference in a given version.
type Scripture interface {
	Lookup(ctx context.Context, reference, version string) (Verse, error)
}
