package chat

import (
	"context"
	"io"

	"fable/internal/domain/models/chat"
)

// GenerationMode selects which of the four generation behaviors runs.
type GenerationMode string

const (
	ModeGenerate    GenerationMode = "generate"
	ModeRegenerate  GenerationMode = "regenerate"
	ModeContinue    GenerationMode = "continue"
	ModeImpersonate GenerationMode = "impersonate"
)

// HistoryEntry is one formatted turn sent to the generation endpoint.
type HistoryEntry struct {
	Role    string `json:"role"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// GenerationInput is the inbound collaborator contract: the payload the
// generation endpoint accepts. ExcludedFields tells a caching backend which
// card fields were deliberately omitted; ContinuationText makes the backend
// continue mid-sentence instead of starting fresh.
type GenerationInput struct {
	Prompt           string          `json:"prompt"`
	Memory           string          `json:"memory,omitempty"`
	StopSequences    []string        `json:"stop_sequence,omitempty"`
	ExcludedFields   []chat.FieldKey `json:"excluded_fields,omitempty"`
	ChatHistory      []HistoryEntry  `json:"chat_history,omitempty"`
	ContinuationText string          `json:"continuation_text,omitempty"`
	Stream           bool            `json:"stream"`
}

// Generator issues a generation request and returns the raw response body
// for the stream decoder. Implementations must honor ctx cancellation and
// return an error for non-2xx responses.
type Generator interface {
	Generate(ctx context.Context, input *GenerationInput) (io.ReadCloser, error)
	Name() string

	// SupportsServerFiltering reports whether the backend applies word
	// filtering itself; when false the orchestrator filters client-side.
	SupportsServerFiltering() bool
}

// GenerateParams are the caller-supplied parameters for starting a turn.
type GenerateParams struct {
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt"`
}

// TargetParams address an existing message (regenerate / continue).
type TargetParams struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
}

// ImpersonateParams drive the non-persisting drafting mode.
type ImpersonateParams struct {
	SessionID   string `json:"session_id"`
	PartialText string `json:"partial_text,omitempty"`
}

// GenerationResult reports the outcome of a finished generation.
type GenerationResult struct {
	Message *chat.Message `json:"message,omitempty"`
	Text    string        `json:"text,omitempty"`
	Aborted bool          `json:"aborted,omitempty"`
}

// Orchestrator is the state machine coordinating context assembly, the
// streaming request and post-processing across the four generation modes.
// Exactly one generation may be in flight per session; overlapping starts
// are rejected with domain.ErrGenerationActive.
type Orchestrator interface {
	// Generate appends the user's turn plus a placeholder assistant turn and
	// streams the completion into it.
	Generate(ctx context.Context, params *GenerateParams) (*GenerationResult, error)

	// Regenerate produces a new variation for an assistant turn, preserving
	// earlier variations. A failed regeneration restores the exact prior
	// variation index.
	Regenerate(ctx context.Context, params *TargetParams) (*GenerationResult, error)

	// Continue extends an assistant turn mid-sentence; the final content is
	// the original text plus the streamed suffix.
	Continue(ctx context.Context, params *TargetParams) (*GenerationResult, error)

	// Impersonate drafts text in the user's voice. It mutates nothing and
	// persists nothing; the text is returned to the caller.
	Impersonate(ctx context.Context, params *ImpersonateParams) (*GenerationResult, error)

	// Stop aborts the session's active generation, if any. Buffered but
	// unflushed text is merged in before the stream loop exits, and the
	// partial result is persisted.
	Stop(sessionID string) bool

	// IsGenerating reports whether the session has an active generation.
	IsGenerating(sessionID string) bool
}
