package chat

import "time"

// CompressionLevel is the user-selected aggressiveness tier controlling how
// much old history is summarized versus sent verbatim. Levels form a total
// order; "is this level at least as aggressive as that one" comparisons are
// what field expiration and cache validity are built on.
type CompressionLevel string

const (
	CompressionNone         CompressionLevel = "none"
	CompressionChatOnly     CompressionLevel = "chat_only"
	CompressionChatDialogue CompressionLevel = "chat_dialogue"
	CompressionAggressive   CompressionLevel = "aggressive"
)

// compressionRank fixes the total order of levels.
var compressionRank = map[CompressionLevel]int{
	CompressionNone:         0,
	CompressionChatOnly:     1,
	CompressionChatDialogue: 2,
	CompressionAggressive:   3,
}

// Valid reports whether l is one of the known levels.
func (l CompressionLevel) Valid() bool {
	_, ok := compressionRank[l]
	return ok
}

// AtLeast reports whether l is at least as aggressive as other.
// Unknown levels rank below "none".
func (l CompressionLevel) AtLeast(other CompressionLevel) bool {
	return compressionRank[l] >= compressionRank[other]
}

const (
	// CompressionThreshold is the minimum number of turns before any
	// summarization is attempted. Short histories are never compressed.
	CompressionThreshold = 20

	// RecentWindow is the number of most recent turns that are always sent
	// verbatim and never included in a summarized prefix.
	RecentWindow = 10

	// RefreshThreshold is how many turns may accumulate past the point a
	// summary was taken before the summary is considered stale.
	RefreshThreshold = 20
)

// CompressedContextCache holds the single summarized-prefix artifact for a
// session together with the conditions it was computed under. It is owned
// exclusively by the session's generation state: created on first successful
// summarization, replaced wholesale on re-summarization, and nulled whenever
// the compression level changes or a summarization attempt fails.
type CompressedContextCache struct {
	CompressedText           string           `json:"compressed_text"`
	CompressedAtMessageCount int              `json:"compressed_at_message_count"`
	CompressionLevel         CompressionLevel `json:"compression_level"`
	Timestamp                time.Time        `json:"timestamp"`
}

// ValidFor reports whether the cache can be reused for a request at the
// given level and current turn count. A cache is valid only if its level
// matches the requested level exactly and fewer than RefreshThreshold turns
// have accumulated since it was taken. A level change always invalidates,
// regardless of turn delta.
func (c *CompressedContextCache) ValidFor(level CompressionLevel, turnCount int) bool {
	if c == nil {
		return false
	}
	if c.CompressionLevel != level {
		return false
	}
	return turnCount-c.CompressedAtMessageCount < RefreshThreshold
}
