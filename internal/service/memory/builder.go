// Package memory builds the character-derived prompt preamble, applying the
// field expiration policy so long sessions stop paying tokens for card
// fields the model has already internalized.
package memory

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"fable/internal/domain/models/chat"
	chatSvc "fable/internal/domain/services/chat"
)

// terminator closes the memory block so models do not bleed card text into
// the first reply.
const terminator = "***"

var placeholderRe = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Builder implements chatSvc.MemoryBuilder.
type Builder struct {
	logger *slog.Logger
}

// NewBuilder creates a memory builder.
func NewBuilder(logger *slog.Logger) *Builder {
	return &Builder{logger: logger}
}

// Build assembles the memory preamble for one request.
//
// Token counts are estimated as ceil(character count / 4) - a deliberate non-model
// approximation; there is no tokenizer in this subsystem. Expired fields
// substitute as empty strings and their estimate moves to SavedTokens.
func (b *Builder) Build(character *chat.Character, template *chat.ChatTemplate, userName string,
	level chat.CompressionLevel, turnCount int) *chatSvc.MemoryResult {

	values := make(map[chat.FieldKey]string, len(chat.KnownFields))
	breakdown := make([]chat.FieldTokenInfo, 0, len(chat.KnownFields))
	totalTokens := 0
	savedTokens := 0

	for _, key := range chat.KnownFields {
		raw := character.Field(key)
		tokens := estimateTokens(raw)
		cfg := character.ExpirationFor(key)

		info := chat.FieldTokenInfo{
			FieldKey:        key,
			EstimatedTokens: tokens,
		}

		switch {
		case cfg.Permanent:
			info.Status = chat.FieldPermanent
			values[key] = raw
			totalTokens += tokens
		case cfg.Expired(level, turnCount):
			info.Status = chat.FieldExpired
			info.ExpiredAtMessage = cfg.ExpiresAtMessage
			values[key] = ""
			savedTokens += tokens
		default:
			info.Status = chat.FieldActive
			values[key] = raw
			totalTokens += tokens
		}

		breakdown = append(breakdown, info)
	}

	var assembled string
	if template != nil && template.MemoryFormat != "" {
		rendered, err := renderMemoryFormat(template.MemoryFormat, values, character.Name, userName)
		if err != nil {
			b.logger.Warn("memory format substitution failed, using fallback order",
				"template", template.Name,
				"error", err,
			)
			assembled = fallbackAssembly(values)
		} else {
			assembled = rendered
		}
	} else {
		assembled = fallbackAssembly(values)
	}

	// Card text can itself contain literal {{user}} / {{char}} tokens; this
	// second pass over the fully assembled string resolves them.
	assembled = resolvePersonaTokens(assembled, character.Name, userName)

	return &chatSvc.MemoryResult{
		Memory:         assembled,
		FieldBreakdown: breakdown,
		TotalTokens:    totalTokens,
		SavedTokens:    savedTokens,
	}
}

// estimateTokens approximates token count as ceil(characters / 4). Counted
// in runes, not bytes, so multi-byte card text is not over-charged.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (utf8.RuneCountInString(s) + 3) / 4
}

// renderMemoryFormat substitutes {{key}} placeholders against the field
// values. A placeholder that names neither a known field nor user/char is a
// substitution error; the caller falls back to the fixed assembly order.
func renderMemoryFormat(format string, values map[chat.FieldKey]string, charName, userName string) (string, error) {
	var substErr error

	out := placeholderRe.ReplaceAllStringFunc(format, func(match string) string {
		key := placeholderRe.FindStringSubmatch(match)[1]
		switch key {
		case "user":
			return userName
		case "char":
			return charName
		}
		if v, ok := values[chat.FieldKey(key)]; ok {
			return v
		}
		if substErr == nil {
			substErr = fmt.Errorf("unknown memory placeholder %q", key)
		}
		return match
	})

	if substErr != nil {
		return "", substErr
	}
	return out, nil
}

// fallbackAssembly joins fields in the fixed order: system, persona,
// personality, scenario (when non-empty), examples, terminator. The greeting
// is history, not memory, so first_mes never appears here.
func fallbackAssembly(values map[chat.FieldKey]string) string {
	var parts []string

	appendPart := func(v string) {
		if strings.TrimSpace(v) != "" {
			parts = append(parts, v)
		}
	}

	appendPart(values[chat.FieldSystemPrompt])
	appendPart(values[chat.FieldDescription])
	appendPart(values[chat.FieldPersonality])
	appendPart(values[chat.FieldScenario])
	appendPart(values[chat.FieldMesExample])

	if len(parts) == 0 {
		return ""
	}
	parts = append(parts, terminator)
	return strings.Join(parts, "\n")
}

// resolvePersonaTokens replaces literal {{user}} / {{char}} occurrences that
// originated inside card field values.
func resolvePersonaTokens(s, charName, userName string) string {
	s = strings.ReplaceAll(s, "{{user}}", userName)
	s = strings.ReplaceAll(s, "{{char}}", charName)
	return s
}
