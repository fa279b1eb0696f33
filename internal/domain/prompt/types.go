package prompt

import (
	"context"

	"jan-server/services/tutor-api/internal/domain/message"
	"jan-server/services/tutor-api/internal/domain/retrieval"
)

// Context contains the per-request inputs for prompt composition.
type Context struct {
	Tutor         *message.Tutor
	IsMinor       bool
	CountryCode   string
	MemorySummary string
	Passages      []retrieval.Passage
	ShortPrompt   bool
	// History is the prior transcript, oldest first.
	History     []*message.Message
	UserMessage string
}

// Module contributes one section to the system prompt.
type Module interface {
	// Name returns the module identifier
	Name() string

	// ShouldApply determines if this module contributes for the given context
	ShouldApply(ctx context.Context, promptCtx *Context) bool

	// Apply returns the section text
	Apply(ctx context.Context, promptCtx *Context) (string, error)
}
