// Package compression owns the summarized-prefix lifecycle: deciding when
// old history gets condensed, reusing the session's cached summary, and
// falling back to uncompressed context when summarization fails.
package compression

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"fable/internal/domain/models/chat"
	chatSvc "fable/internal/domain/services/chat"
)

const (
	summaryMarkerOpen  = "[Previous Events Summary]"
	summaryMarkerClose = "[End Summary - Recent messages follow]"
)

// Compressor implements chatSvc.ContextCompressor.
type Compressor struct {
	summarizer chatSvc.Summarizer
	logger     *slog.Logger
}

// NewCompressor creates a compressor over the given summarizer.
func NewCompressor(summarizer chatSvc.Summarizer, logger *slog.Logger) *Compressor {
	return &Compressor{
		summarizer: summarizer,
		logger:     logger,
	}
}

// GetOrRefresh returns the summarized prefix for one generation request.
//
// Short histories and level "none" skip compression entirely. The most
// recent RecentWindow turns are always returned verbatim; only older turns
// are summarization candidates. A valid cache is reused with zero network
// calls. A failed or empty summarization falls back to the full uncompressed
// turn list for this request and nulls the cache so the next request retries.
func (c *Compressor) GetOrRefresh(ctx context.Context, turns []*chat.Message, level chat.CompressionLevel,
	cache *chat.CompressedContextCache, hooks chatSvc.CompressionHooks) (*chatSvc.CompressedPrefix, error) {

	turnCount := len(turns)

	if level == chat.CompressionNone || turnCount <= chat.CompressionThreshold {
		return &chatSvc.CompressedPrefix{
			PrefixText:   "",
			UpdatedCache: cache,
			RecentTurns:  turns,
		}, nil
	}

	splitAt := turnCount - chat.RecentWindow
	oldTurns := turns[:splitAt]
	recentTurns := turns[splitAt:]

	if cache.ValidFor(level, turnCount) {
		return &chatSvc.CompressedPrefix{
			PrefixText:   wrapSummary(cache.CompressedText),
			UpdatedCache: cache,
			RecentTurns:  recentTurns,
		}, nil
	}

	if hooks.OnCompressionStart != nil {
		hooks.OnCompressionStart()
	}
	summary, err := c.summarizer.Summarize(ctx, oldTurns)
	if hooks.OnCompressionEnd != nil {
		hooks.OnCompressionEnd()
	}

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("summarization canceled: %w", err)
		}
		c.logger.Warn("summarization failed, falling back to uncompressed context",
			"turn_count", turnCount,
			"level", level,
			"error", err,
		)
		return uncompressedFallback(turns), nil
	}
	if strings.TrimSpace(summary) == "" {
		c.logger.Warn("summarization returned empty text, falling back to uncompressed context",
			"turn_count", turnCount,
			"level", level,
		)
		return uncompressedFallback(turns), nil
	}

	updated := &chat.CompressedContextCache{
		CompressedText:           summary,
		CompressedAtMessageCount: splitAt,
		CompressionLevel:         level,
		Timestamp:                time.Now(),
	}

	c.logger.Debug("compressed context refreshed",
		"compressed_turns", splitAt,
		"recent_turns", len(recentTurns),
		"level", level,
	)

	return &chatSvc.CompressedPrefix{
		PrefixText:   wrapSummary(summary),
		UpdatedCache: updated,
		RecentTurns:  recentTurns,
	}, nil
}

// uncompressedFallback is the availability-over-efficiency path: all turns
// verbatim, cache nulled so the next request retries compression.
func uncompressedFallback(turns []*chat.Message) *chatSvc.CompressedPrefix {
	return &chatSvc.CompressedPrefix{
		PrefixText:   "",
		UpdatedCache: nil,
		RecentTurns:  turns,
	}
}

func wrapSummary(text string) string {
	return summaryMarkerOpen + "\n" + text + "\n" + summaryMarkerClose
}
