// Package stream normalizes the divergent line framings of LLM generation
// backends into a single channel of text increments.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"regexp"
	"strings"
)

// TokenEvent is one normalized increment from a decoded stream. Err is set
// on the final event when the read loop failed; a closed channel without an
// Err event means clean completion.
type TokenEvent struct {
	Text string
	Err  error
}

// Decoder turns a raw streaming response body into normalized text
// increments. It tolerates server-sent-event framing and bare-line framing,
// five distinct payload shapes, and backends that echo the prompt's trailing
// turn marker.
type Decoder struct {
	logger *slog.Logger
}

// NewDecoder creates a stream decoder.
func NewDecoder(logger *slog.Logger) *Decoder {
	return &Decoder{logger: logger}
}

// Decode consumes body line by line and emits normalized increments on the
// returned channel. The channel closes when the stream ends; body is closed
// on every exit path, including caller cancellation. Each Decode call is a
// fresh, non-restartable pass with its own ghost-marker state.
//
// A single malformed line never aborts the stream: it is logged and skipped.
func (d *Decoder) Decode(ctx context.Context, body io.ReadCloser, characterName string) <-chan TokenEvent {
	events := make(chan TokenEvent, 32)

	go func() {
		defer close(events)
		defer body.Close()

		ghost := newGhostStripper(characterName)
		reader := bufio.NewReader(body)

		emit := func(text string) bool {
			select {
			case events <- TokenEvent{Text: ghost.apply(text)}:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			if ctx.Err() != nil {
				return
			}

			line, err := reader.ReadString('\n')
			if line != "" {
				trimmed := strings.TrimRight(line, "\r\n")
				if text, ok := d.decodeLine(trimmed); ok {
					if !emit(text) {
						return
					}
				}
			}
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					select {
					case events <- TokenEvent{Err: err}:
					case <-ctx.Done():
					}
				}
				return
			}
		}
	}()

	return events
}

// DrainToString decodes the whole stream into one string. Used for
// non-streaming consumers such as the summarizer.
func (d *Decoder) DrainToString(ctx context.Context, body io.ReadCloser, characterName string) (string, error) {
	var sb strings.Builder
	for ev := range d.Decode(ctx, body, characterName) {
		if ev.Err != nil {
			return sb.String(), ev.Err
		}
		sb.WriteString(ev.Text)
	}
	if err := ctx.Err(); err != nil {
		return sb.String(), err
	}
	return sb.String(), nil
}

// decodeLine classifies one logical line and returns the text to yield.
// ok=false means the line produced nothing (framing noise, role announce,
// no-op delta, or an unrecognized shape).
func (d *Decoder) decodeLine(line string) (string, bool) {
	if after, found := strings.CutPrefix(line, "data:"); found {
		line = strings.TrimPrefix(after, " ")
	}
	if line == "" {
		return "", false
	}
	if line == "[DONE]" {
		return "", false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		// Not JSON at all: yield the raw line as a last resort.
		return line, true
	}

	switch classify(fields) {
	case lineRoleAnnounce:
		return "", false

	case lineToken:
		var token string
		if err := json.Unmarshal(fields["token"], &token); err == nil {
			return token, true
		}
		return "", false

	case lineVendorPayload:
		for key, raw := range fields {
			if !isVendorPayloadKey(key) {
				continue
			}
			var embedded string
			if err := json.Unmarshal(raw, &embedded); err != nil {
				continue
			}
			return parseVendorPayload(embedded)
		}
		return "", false

	case lineChoicesDelta:
		if text, ok := extractChoices(line); ok {
			return text, true
		}
		return "", false

	case lineExplicitContent:
		var content string
		if err := json.Unmarshal(fields["content"], &content); err == nil {
			// An empty string is a valid yield, not "nothing happened".
			return content, true
		}
		return "", false

	case lineNoop:
		return "", false

	default:
		d.logger.Debug("unrecognized stream line shape", "line", line)
		return "", false
	}
}

// lineKind is the tagged classification of a decoded JSON line.
type lineKind int

const (
	lineUnrecognized lineKind = iota
	lineRoleAnnounce
	lineToken
	lineVendorPayload
	lineChoicesDelta
	lineExplicitContent
	lineNoop
)

// classify dispatches a parsed line by shape, in fixed priority order.
func classify(fields map[string]json.RawMessage) lineKind {
	if raw, ok := fields["delta_type"]; ok {
		var dt string
		if json.Unmarshal(raw, &dt) == nil && dt == "role" {
			return lineRoleAnnounce
		}
	}
	if raw, ok := fields["token"]; ok {
		var token string
		if json.Unmarshal(raw, &token) == nil {
			return lineToken
		}
	}
	for key := range fields {
		if isVendorPayloadKey(key) {
			return lineVendorPayload
		}
	}
	if _, ok := fields["choices"]; ok {
		return lineChoicesDelta
	}
	if _, ok := fields["content"]; ok {
		return lineExplicitContent
	}
	if raw, ok := fields["delta_type"]; ok {
		var dt string
		if json.Unmarshal(raw, &dt) == nil && (dt == "empty_delta" || dt == "processing") {
			return lineNoop
		}
	}
	return lineUnrecognized
}

func isVendorPayloadKey(key string) bool {
	return strings.HasPrefix(key, "raw_") && strings.HasSuffix(key, "_payload")
}

// vendorEnvelope covers the three completion shapes a vendor payload may
// embed: chat completions, streaming deltas and legacy completions.
type vendorEnvelope struct {
	Choices []struct {
		Message *struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta *struct {
			Content *string `json:"content"`
		} `json:"delta"`
		Text *string `json:"text"`
	} `json:"choices"`
	Content *string `json:"content"`
}

// parseVendorPayload parses an embedded vendor response string, trying
// chat-completions content, streaming delta content, legacy completion text,
// then a bare content field. A non-JSON embedded string is yielded raw.
func parseVendorPayload(embedded string) (string, bool) {
	var env vendorEnvelope
	if err := json.Unmarshal([]byte(embedded), &env); err != nil {
		return embedded, true
	}
	if len(env.Choices) > 0 {
		choice := env.Choices[0]
		if choice.Message != nil && choice.Message.Content != "" {
			return choice.Message.Content, true
		}
		if choice.Delta != nil && choice.Delta.Content != nil {
			return *choice.Delta.Content, true
		}
		if choice.Text != nil {
			return *choice.Text, true
		}
	}
	if env.Content != nil {
		return *env.Content, true
	}
	return "", false
}

// extractChoices pulls choices[0].delta.content from a top-level streaming
// delta line.
func extractChoices(line string) (string, bool) {
	var env vendorEnvelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return "", false
	}
	if len(env.Choices) > 0 {
		choice := env.Choices[0]
		if choice.Delta != nil && choice.Delta.Content != nil {
			return *choice.Delta.Content, true
		}
		if choice.Text != nil {
			return *choice.Text, true
		}
	}
	return "", false
}

// StripLeadingMarker removes a leading echoed "Name:" marker from text, the
// same pattern the decoder strips mid-stream. Post-processing calls it on
// accumulated text as a second line of defense for backends that deliver the
// echo split across increments.
func StripLeadingMarker(text, characterName string) string {
	if characterName == "" {
		return text
	}
	pattern := regexp.MustCompile(`(?i)^\s*` + regexp.QuoteMeta(characterName) + `\s*:\s*`)
	return pattern.ReplaceAllString(text, "")
}

// ghostStripper removes an echoed "<Name>:" turn marker from the first
// non-empty increment of one decode pass. Later increments are passed
// through untouched; a colon later in the stream is legitimate content.
type ghostStripper struct {
	pattern *regexp.Regexp
	done    bool
}

func newGhostStripper(characterName string) *ghostStripper {
	if characterName == "" {
		return &ghostStripper{done: true}
	}
	return &ghostStripper{
		pattern: regexp.MustCompile(`(?i)^\s*` + regexp.QuoteMeta(characterName) + `\s*:\s*`),
	}
}

func (g *ghostStripper) apply(text string) string {
	if g.done || text == "" {
		return text
	}
	g.done = true
	return g.pattern.ReplaceAllString(text, "")
}
