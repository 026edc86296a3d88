// Package prompt renders the final prompt string for a generation request
// from pre-built pieces: memory preamble, summarized prefix, recent turns and
// steering text.
package prompt

import (
	"log/slog"
	"strings"

	"fable/internal/domain/models/chat"
	chatSvc "fable/internal/domain/services/chat"
)

// Assembler implements chatSvc.PromptAssembler.
type Assembler struct {
	logger *slog.Logger
}

// NewAssembler creates a prompt assembler.
func NewAssembler(logger *slog.Logger) *Assembler {
	return &Assembler{logger: logger}
}

// Assemble concatenates, in order: summarized prefix, formatted recent turns,
// session notes plus post-history instructions, and the turn marker. Memory
// travels separately on the wire, so it is not folded into Prompt here.
func (a *Assembler) Assemble(input *chatSvc.AssembleInput) *chatSvc.AssembleResult {
	template := input.Template
	if template == nil {
		template = chat.DefaultTemplate()
	}

	var sections []string

	if input.PrefixText != "" {
		sections = append(sections, input.PrefixText)
	}

	history := make([]chatSvc.HistoryEntry, 0, len(input.RecentTurns))
	var lines []string
	for _, m := range input.RecentTurns {
		if m.Role == chat.RoleThinking {
			continue
		}
		name := speakerName(m.Role, input.CharacterName, input.UserName)
		line := formatLine(template, m.Role, name, m.Content)
		if line != "" {
			lines = append(lines, line)
		}
		history = append(history, chatSvc.HistoryEntry{
			Role:    m.Role,
			Name:    name,
			Content: m.Content,
		})
	}
	if len(lines) > 0 {
		sections = append(sections, strings.Join(lines, "\n"))
	}

	if steering := steeringBlock(input.PostHistoryInstructions, input.SessionNotes); steering != "" {
		sections = append(sections, steering)
	}

	responder := input.ResponderName
	if responder == "" {
		responder = input.CharacterName
	}

	prompt := strings.Join(sections, "\n")
	prompt = resolvePersonaTokens(prompt, input.CharacterName, input.UserName)
	prompt += a.TurnMarker(responder)

	return &chatSvc.AssembleResult{
		Prompt:  prompt,
		History: history,
	}
}

// TurnMarker returns the ghost suffix: a trailing "\nName:" that biases the
// model toward answering in-character. Backends sometimes echo it back; the
// stream decoder strips that echo from the first increment.
func (a *Assembler) TurnMarker(characterName string) string {
	return "\n" + characterName + ":"
}

// speakerName maps a role to the display name used in formatted lines.
func speakerName(role, characterName, userName string) string {
	switch role {
	case chat.RoleAssistant:
		return characterName
	case chat.RoleUser:
		return userName
	default:
		return ""
	}
}

// formatLine renders one history line through the template's per-role format.
// An empty-content system line renders to nothing.
func formatLine(template *chat.ChatTemplate, role, name, content string) string {
	var format string
	switch role {
	case chat.RoleAssistant:
		format = template.AssistantFormat
	case chat.RoleUser:
		format = template.UserFormat
	case chat.RoleSystem:
		format = template.SystemFormat
	}
	if format == "" {
		if name == "" {
			return content
		}
		return name + ": " + content
	}
	line := strings.ReplaceAll(format, "{{name}}", name)
	line = strings.ReplaceAll(line, "{{message}}", content)
	if strings.TrimSpace(line) == "" {
		return ""
	}
	return line
}

// steeringBlock combines card-authored post-history instructions with the
// user's session notes, instructions first.
func steeringBlock(postHistory, notes string) string {
	var parts []string
	if strings.TrimSpace(postHistory) != "" {
		parts = append(parts, postHistory)
	}
	if strings.TrimSpace(notes) != "" {
		parts = append(parts, notes)
	}
	return strings.Join(parts, "\n")
}

func resolvePersonaTokens(s, charName, userName string) string {
	s = strings.ReplaceAll(s, "{{user}}", userName)
	s = strings.ReplaceAll(s, "{{char}}", charName)
	return s
}
