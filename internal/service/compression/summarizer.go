package compression

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"fable/internal/domain/models/chat"
	chatSvc "fable/internal/domain/services/chat"
	"fable/internal/service/stream"
)

// summaryInstruction is the fixed system prompt for condensing old turns.
const summaryInstruction = "Summarize the conversation below into a compact account of what has " +
	"happened. Preserve plot events, emotional and relationship state, established facts, and " +
	"commitments the participants have made. Write in past tense. Do not editorialize or add " +
	"interpretation."

// LLMSummarizer condenses old turns with one non-streaming call to the
// active generation backend, draining the stream decoder to a string.
type LLMSummarizer struct {
	generator chatSvc.Generator
	decoder   *stream.Decoder
	logger    *slog.Logger
}

// NewLLMSummarizer creates a summarizer over the given backend.
func NewLLMSummarizer(generator chatSvc.Generator, decoder *stream.Decoder, logger *slog.Logger) *LLMSummarizer {
	return &LLMSummarizer{
		generator: generator,
		decoder:   decoder,
		logger:    logger,
	}
}

// Summarize issues the one-shot summarization call.
func (s *LLMSummarizer) Summarize(ctx context.Context, turns []*chat.Message) (string, error) {
	body, err := s.generator.Generate(ctx, &chatSvc.GenerationInput{
		Prompt: transcript(turns),
		Memory: summaryInstruction,
		Stream: false,
	})
	if err != nil {
		return "", fmt.Errorf("summarization request: %w", err)
	}

	text, err := s.decoder.DrainToString(ctx, body, "")
	if err != nil {
		return "", fmt.Errorf("summarization response: %w", err)
	}

	return strings.TrimSpace(text), nil
}

// transcript renders old turns as a plain role-labeled block.
func transcript(turns []*chat.Message) string {
	var sb strings.Builder
	for _, m := range turns {
		if m.Role == chat.RoleThinking {
			continue
		}
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}
