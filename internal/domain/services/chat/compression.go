package chat

import (
	"context"

	"fable/internal/domain/models/chat"
)

// CompressionHooks bracket any summarization network call so the UI can
// show a "compressing" state distinct from "generating". Either hook may be
// nil.
type CompressionHooks struct {
	OnCompressionStart func()
	OnCompressionEnd   func()
}

// CompressedPrefix is the outcome of one compression pass.
type CompressedPrefix struct {
	// PrefixText is the summary block (with markers) to place before the
	// verbatim history, or "" when nothing was compressed.
	PrefixText string

	// UpdatedCache is the cache the session should carry forward. Nil means
	// the caller must drop its cache (level changed without a successful
	// re-summarization, or summarization failed).
	UpdatedCache *chat.CompressedContextCache

	// RecentTurns are the turns to send verbatim.
	RecentTurns []*chat.Message
}

// ContextCompressor owns the summarized-prefix lifecycle: deciding whether
// compression applies, reusing a valid cache without a network call, and
// invoking the summarizer when the cache is stale.
//
// A summarization failure never blocks generation: the compressor falls back
// to the full uncompressed turn list for that request and nulls the cache so
// the next request retries.
type ContextCompressor interface {
	GetOrRefresh(ctx context.Context, turns []*chat.Message, level chat.CompressionLevel,
		cache *chat.CompressedContextCache, hooks CompressionHooks) (*CompressedPrefix, error)
}

// Summarizer condenses a block of old turns into prose via one non-streaming
// call to the active LLM. Invoked only when the compression cache is stale.
type Summarizer interface {
	Summarize(ctx context.Context, turns []*chat.Message) (string, error)
}
