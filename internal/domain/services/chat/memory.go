package chat

import (
	"fable/internal/domain/models/chat"
)

// MemoryBuilder produces the character-derived preamble for a prompt,
// deciding per card field whether it is still in budget at the given
// compression level and turn count.
//
// Build is a pure function: no I/O, no shared state. It is safe to call
// speculatively, e.g. for the context-window inspector.
type MemoryBuilder interface {
	Build(character *chat.Character, template *chat.ChatTemplate, userName string,
		level chat.CompressionLevel, turnCount int) *MemoryResult
}

// MemoryResult is the outcome of one memory build. FieldBreakdown is
// produced fresh on every call and never persisted.
type MemoryResult struct {
	Memory         string                `json:"memory"`
	FieldBreakdown []chat.FieldTokenInfo `json:"field_breakdown"`
	TotalTokens    int                   `json:"total_tokens"`
	SavedTokens    int                   `json:"saved_tokens"`
}

// ExcludedFields returns the keys of fields that expired in this build, in
// canonical order. The generation endpoint receives them so a server-side
// cache can distinguish "field omitted" from "field empty".
func (r *MemoryResult) ExcludedFields() []chat.FieldKey {
	var out []chat.FieldKey
	for _, info := range r.FieldBreakdown {
		if info.Status == chat.FieldExpired {
			out = append(out, info.FieldKey)
		}
	}
	return out
}
