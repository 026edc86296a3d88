package chat

import (
	"encoding/json"
	"fmt"
)

// SSE event type constants for the session update stream.
const (
	SSEEventGenerationStart  = "generation_start"  // A generation began
	SSEEventMessageUpdate    = "message_update"    // Coalesced text flush for the streaming message
	SSEEventCompressionStart = "compression_start" // Summarization network call began
	SSEEventCompressionEnd   = "compression_end"   // Summarization network call finished
	SSEEventGenerationDone   = "generation_done"   // Generation finished successfully
	SSEEventGenerationError  = "generation_error"  // Generation failed
)

// GenerationStartEvent signals that a generation began for a session.
type GenerationStartEvent struct {
	SessionID string `json:"session_id"`
	Mode      string `json:"mode"`
	MessageID string `json:"message_id,omitempty"`
}

// MessageUpdateEvent carries one coalesced flush of streamed text. Updates
// are throttled by the orchestrator's flush timer, so clients re-render at
// a bounded rate.
type MessageUpdateEvent struct {
	MessageID        string `json:"message_id"`
	Content          string `json:"content"`
	CurrentVariation int    `json:"current_variation"`
	Status           string `json:"status"`
}

// CompressionEvent brackets a summarization network call so clients can show
// a distinct "compressing" state separate from "generating".
type CompressionEvent struct {
	SessionID string `json:"session_id"`
}

// GenerationDoneEvent signals successful completion with the final message.
type GenerationDoneEvent struct {
	SessionID string   `json:"session_id"`
	Mode      string   `json:"mode"`
	Message   *Message `json:"message,omitempty"`
	Aborted   bool     `json:"aborted,omitempty"`
}

// GenerationErrorEvent signals a failed generation. Prior message content is
// preserved; the error is a message-level annotation.
type GenerationErrorEvent struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error"`
}

// FormatSSE formats an SSE event for transmission:
//
//	event: event_name
//	data: {"field": "value"}
func FormatSSE(eventType string, data interface{}) (string, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal SSE event data: %w", err)
	}
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, string(jsonData)), nil
}
