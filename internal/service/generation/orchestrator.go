// Package generation coordinates context assembly, the streaming backend
// request and post-processing across the four generation modes.
package generation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fable/internal/domain"
	"fable/internal/domain/models/chat"
	chatrepo "fable/internal/domain/repositories/chat"
	chatSvc "fable/internal/domain/services/chat"
	"fable/internal/service/stream"
)

const (
	// maxAttempts bounds the empty-completion retry policy: the initial
	// attempt plus at most two retries.
	maxAttempts = 3

	// retryBackoff is slept before the second and later attempts.
	retryBackoff = 500 * time.Millisecond

	persistTimeout = 10 * time.Second
)

// TemplateSource resolves a chat template preset by name. Nil results fall
// back to the plain default template.
type TemplateSource interface {
	Template(name string) *chat.ChatTemplate
}

// activeGeneration is the per-session in-flight slot. Its existence in the
// orchestrator's map is the mutual exclusion; aborted distinguishes a user
// stop from a genuine stream failure after the shared context is canceled.
type activeGeneration struct {
	mode    chatSvc.GenerationMode
	cancel  context.CancelFunc
	aborted atomic.Bool
}

// Orchestrator implements chatSvc.Orchestrator.
type Orchestrator struct {
	registry   chatSvc.SessionRegistry
	store      chatrepo.SessionStore
	memory     chatSvc.MemoryBuilder
	compressor chatSvc.ContextCompressor
	assembler  chatSvc.PromptAssembler
	generator  chatSvc.Generator
	decoder    *stream.Decoder
	relay      *Relay
	templates  TemplateSource
	logger     *slog.Logger

	mu     sync.Mutex
	active map[string]*activeGeneration
}

var _ chatSvc.Orchestrator = (*Orchestrator)(nil)

// NewOrchestrator wires the generation state machine.
func NewOrchestrator(
	registry chatSvc.SessionRegistry,
	store chatrepo.SessionStore,
	memory chatSvc.MemoryBuilder,
	compressor chatSvc.ContextCompressor,
	assembler chatSvc.PromptAssembler,
	generator chatSvc.Generator,
	decoder *stream.Decoder,
	relay *Relay,
	templates TemplateSource,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		registry:   registry,
		store:      store,
		memory:     memory,
		compressor: compressor,
		assembler:  assembler,
		generator:  generator,
		decoder:    decoder,
		relay:      relay,
		templates:  templates,
		logger:     logger,
		active:     make(map[string]*activeGeneration),
	}
}

// Generate appends the user's turn plus a placeholder assistant turn and
// streams the completion into it.
func (o *Orchestrator) Generate(ctx context.Context, params *chatSvc.GenerateParams) (*chatSvc.GenerationResult, error) {
	if err := params.Validate(); err != nil {
		return nil, &domain.ValidationError{Message: err.Error()}
	}
	session, err := o.registry.Get(params.SessionID)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(params.Prompt) == "" && len(session.HistoryMessages()) == 0 {
		return nil, domain.ErrGhostRequest
	}

	genCtx, cancel := context.WithCancel(ctx)
	gen, err := o.begin(session.ID, chatSvc.ModeGenerate, cancel)
	if err != nil {
		cancel()
		return nil, err
	}
	defer o.end(session.ID, cancel)

	now := time.Now()
	userMsg := &chat.Message{
		ID:        uuid.NewString(),
		Role:      chat.RoleUser,
		Content:   params.Prompt,
		Status:    chat.StatusComplete,
		CreatedAt: now,
	}
	target := &chat.Message{
		ID:        uuid.NewString(),
		Role:      chat.RoleAssistant,
		Status:    chat.StatusStreaming,
		CreatedAt: now,
	}

	var turns []*chat.Message
	if err := o.registry.Update(session.ID, func(s *chat.Session) error {
		s.Messages = append(s.Messages, userMsg, target)
		turns = historyBefore(s, target.ID)
		return nil
	}); err != nil {
		return nil, err
	}

	o.broadcastStart(session.ID, chatSvc.ModeGenerate, target.ID)

	text, streamErr := o.streamWithRetry(genCtx, session, gen, turns, "", session.Character.Name,
		o.messageFlusher(session.ID, target, ""))
	aborted := gen.aborted.Load()

	if streamErr != nil && !aborted {
		o.failMessage(session, target, streamErr)
		return nil, streamErr
	}

	final := postProcess(text, session.Character.Name, session.Settings, o.generator.SupportsServerFiltering())
	o.finishMessage(session, target, final)
	done := o.resultMessage(session.ID, target)
	o.broadcastDone(session.ID, chatSvc.ModeGenerate, done, aborted)
	o.persistAsync(session.ID)

	return &chatSvc.GenerationResult{Message: done, Aborted: aborted}, nil
}

// Regenerate produces a new variation for an assistant turn. On failure or
// an abort that produced nothing, the exact prior variation index is
// restored; the user's place in the variation list never moves on failure.
func (o *Orchestrator) Regenerate(ctx context.Context, params *chatSvc.TargetParams) (*chatSvc.GenerationResult, error) {
	if err := params.Validate(); err != nil {
		return nil, &domain.ValidationError{Message: err.Error()}
	}
	session, err := o.registry.Get(params.SessionID)
	if err != nil {
		return nil, err
	}
	target, err := o.assistantMessage(session, params.MessageID)
	if err != nil {
		return nil, err
	}

	turns := historyBefore(session, target.ID)
	if len(turns) == 0 {
		return nil, domain.ErrGhostRequest
	}

	genCtx, cancel := context.WithCancel(ctx)
	gen, err := o.begin(session.ID, chatSvc.ModeRegenerate, cancel)
	if err != nil {
		cancel()
		return nil, err
	}
	defer o.end(session.ID, cancel)

	var priorIdx int
	if err := o.registry.Update(session.ID, func(s *chat.Session) error {
		target.EnsureVariations()
		priorIdx = target.CurrentVariation
		target.Variations = append(target.Variations, "")
		target.Status = chat.StatusStreaming
		return target.SetVariation(len(target.Variations) - 1)
	}); err != nil {
		return nil, err
	}

	o.broadcastStart(session.ID, chatSvc.ModeRegenerate, target.ID)

	text, streamErr := o.streamWithRetry(genCtx, session, gen, turns, "", session.Character.Name,
		o.messageFlusher(session.ID, target, ""))
	aborted := gen.aborted.Load()

	if streamErr != nil && !aborted {
		o.rollbackVariation(session, target, priorIdx)
		o.failMessage(session, target, streamErr)
		return nil, streamErr
	}
	if aborted && strings.TrimSpace(text) == "" {
		// Nothing arrived before the stop: drop the empty variation.
		o.rollbackVariation(session, target, priorIdx)
		done := o.resultMessage(session.ID, target)
		o.broadcastDone(session.ID, chatSvc.ModeRegenerate, done, true)
		o.persistAsync(session.ID)
		return &chatSvc.GenerationResult{Message: done, Aborted: true}, nil
	}

	final := postProcess(text, session.Character.Name, session.Settings, o.generator.SupportsServerFiltering())
	o.finishMessage(session, target, final)
	done := o.resultMessage(session.ID, target)
	o.broadcastDone(session.ID, chatSvc.ModeRegenerate, done, aborted)
	o.persistAsync(session.ID)

	return &chatSvc.GenerationResult{Message: done, Aborted: aborted}, nil
}

// Continue extends an assistant turn mid-sentence: the existing content goes
// to the backend as a literal generation prefix and the final content is the
// original text plus the streamed suffix, joined exactly.
func (o *Orchestrator) Continue(ctx context.Context, params *chatSvc.TargetParams) (*chatSvc.GenerationResult, error) {
	if err := params.Validate(); err != nil {
		return nil, &domain.ValidationError{Message: err.Error()}
	}
	session, err := o.registry.Get(params.SessionID)
	if err != nil {
		return nil, err
	}
	target, err := o.assistantMessage(session, params.MessageID)
	if err != nil {
		return nil, err
	}

	base := target.Content
	turns := historyBefore(session, target.ID)

	genCtx, cancel := context.WithCancel(ctx)
	gen, err := o.begin(session.ID, chatSvc.ModeContinue, cancel)
	if err != nil {
		cancel()
		return nil, err
	}
	defer o.end(session.ID, cancel)

	if err := o.registry.Update(session.ID, func(s *chat.Session) error {
		target.Status = chat.StatusStreaming
		return nil
	}); err != nil {
		return nil, err
	}

	o.broadcastStart(session.ID, chatSvc.ModeContinue, target.ID)

	text, streamErr := o.streamWithRetry(genCtx, session, gen, turns, base, session.Character.Name,
		o.messageFlusher(session.ID, target, base))
	aborted := gen.aborted.Load()

	if streamErr != nil && !aborted {
		// Prior content preserved unmodified.
		o.finishMessage(session, target, base)
		o.failMessage(session, target, streamErr)
		return nil, streamErr
	}

	suffix := postProcessSuffix(text, session.Settings, o.generator.SupportsServerFiltering())
	o.finishMessage(session, target, base+suffix)
	done := o.resultMessage(session.ID, target)
	o.broadcastDone(session.ID, chatSvc.ModeContinue, done, aborted)
	o.persistAsync(session.ID)

	return &chatSvc.GenerationResult{Message: done, Aborted: aborted}, nil
}

// Impersonate drafts text in the user's voice. It mutates no session state
// and persists nothing; the draft goes back to the caller.
func (o *Orchestrator) Impersonate(ctx context.Context, params *chatSvc.ImpersonateParams) (*chatSvc.GenerationResult, error) {
	if err := params.Validate(); err != nil {
		return nil, &domain.ValidationError{Message: err.Error()}
	}
	session, err := o.registry.Get(params.SessionID)
	if err != nil {
		return nil, err
	}

	turns := session.HistoryMessages()
	if len(turns) == 0 && strings.TrimSpace(params.PartialText) == "" {
		return nil, domain.ErrGhostRequest
	}

	genCtx, cancel := context.WithCancel(ctx)
	gen, err := o.begin(session.ID, chatSvc.ModeImpersonate, cancel)
	if err != nil {
		cancel()
		return nil, err
	}
	defer o.end(session.ID, cancel)

	text, streamErr := o.streamWithRetry(genCtx, session, gen, turns, params.PartialText, session.UserName,
		func(string) {})
	aborted := gen.aborted.Load()

	if streamErr != nil && !aborted {
		return nil, streamErr
	}

	var draft string
	if params.PartialText != "" {
		draft = params.PartialText + postProcessSuffix(text, session.Settings, o.generator.SupportsServerFiltering())
	} else {
		draft = postProcess(text, session.UserName, session.Settings, o.generator.SupportsServerFiltering())
	}

	return &chatSvc.GenerationResult{Text: draft, Aborted: aborted}, nil
}

// Stop aborts the session's active generation, if any.
func (o *Orchestrator) Stop(sessionID string) bool {
	o.mu.Lock()
	gen := o.active[sessionID]
	o.mu.Unlock()

	if gen == nil {
		return false
	}
	gen.aborted.Store(true)
	gen.cancel()
	return true
}

// IsGenerating reports whether the session has an active generation.
func (o *Orchestrator) IsGenerating(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[sessionID]
	return ok
}

// begin claims the session's generation slot or rejects with
// domain.ErrGenerationActive.
func (o *Orchestrator) begin(sessionID string, mode chatSvc.GenerationMode, cancel context.CancelFunc) (*activeGeneration, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.active[sessionID]; exists {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrGenerationActive)
	}
	gen := &activeGeneration{mode: mode, cancel: cancel}
	o.active[sessionID] = gen
	return gen, nil
}

func (o *Orchestrator) end(sessionID string, cancel context.CancelFunc) {
	cancel()
	o.mu.Lock()
	delete(o.active, sessionID)
	o.mu.Unlock()
}

// streamWithRetry runs the bounded empty-completion retry loop. Each attempt
// re-runs full context assembly, so a retry can pick up a freshly compressed
// prefix. A user abort is returned as a partial result, never retried.
func (o *Orchestrator) streamWithRetry(ctx context.Context, session *chat.Session, gen *activeGeneration,
	turns []*chat.Message, continuation, responder string, onFlush func(total string)) (string, error) {

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		input, err := o.assembleInput(ctx, session, turns, continuation, responder)
		if err != nil {
			return "", err
		}

		text, err := o.streamAttempt(ctx, input, responder, onFlush)
		if gen.aborted.Load() {
			return text, nil
		}
		if err != nil {
			return text, err
		}
		if strings.TrimSpace(text) != "" {
			return text, nil
		}

		o.logger.Warn("empty completion, retrying",
			"session_id", session.ID,
			"attempt", attempt,
			"max_attempts", maxAttempts,
		)
	}

	return "", domain.ErrEmptyCompletion
}

// streamAttempt issues one backend request and drains the decoded stream
// through the coalescing buffer.
func (o *Orchestrator) streamAttempt(ctx context.Context, input *chatSvc.GenerationInput,
	responder string, onFlush func(total string)) (string, error) {

	body, err := o.generator.Generate(ctx, input)
	if err != nil {
		return "", err
	}

	buf := newCoalescingBuffer(flushInterval, onFlush)
	var streamErr error
	for ev := range o.decoder.Decode(ctx, body, responder) {
		if ev.Err != nil {
			streamErr = ev.Err
			break
		}
		buf.Add(ev.Text)
	}

	// Drain merges any buffered-but-unflushed text, so an abort never loses
	// the last partial chunk sitting in the coalescing window.
	return buf.Drain(), streamErr
}

// assembleInput builds the full wire payload for one attempt: memory with
// field expiration, the compressed-or-verbatim history split, the rendered
// prompt and stop sequences.
func (o *Orchestrator) assembleInput(ctx context.Context, session *chat.Session,
	turns []*chat.Message, continuation, responder string) (*chatSvc.GenerationInput, error) {

	template := o.resolveTemplate(session)
	level := session.Settings.CompressionLevel

	memory := o.memory.Build(&session.Character, template, session.UserName, level, len(turns))

	hooks := chatSvc.CompressionHooks{
		OnCompressionStart: func() {
			o.relay.BroadcastEvent(session.ID, chat.SSEEventCompressionStart, chat.CompressionEvent{SessionID: session.ID})
		},
		OnCompressionEnd: func() {
			o.relay.BroadcastEvent(session.ID, chat.SSEEventCompressionEnd, chat.CompressionEvent{SessionID: session.ID})
		},
	}

	prefix, err := o.compressor.GetOrRefresh(ctx, turns, level, session.CompressedCache, hooks)
	if err != nil {
		return nil, err
	}
	if updateErr := o.registry.Update(session.ID, func(s *chat.Session) error {
		s.CompressedCache = prefix.UpdatedCache
		return nil
	}); updateErr != nil {
		return nil, updateErr
	}

	asm := o.assembler.Assemble(&chatSvc.AssembleInput{
		Memory:                  memory.Memory,
		PrefixText:              prefix.PrefixText,
		RecentTurns:             prefix.RecentTurns,
		Template:                template,
		CharacterName:           session.Character.Name,
		UserName:                session.UserName,
		SessionNotes:            session.Notes,
		PostHistoryInstructions: session.PostHistoryInstructions,
		ResponderName:           responder,
	})

	return &chatSvc.GenerationInput{
		Prompt:           asm.Prompt,
		Memory:           memory.Memory,
		StopSequences:    stopSequences(template, session),
		ExcludedFields:   memory.ExcludedFields(),
		ChatHistory:      asm.History,
		ContinuationText: continuation,
		Stream:           true,
	}, nil
}

func (o *Orchestrator) resolveTemplate(session *chat.Session) *chat.ChatTemplate {
	if o.templates != nil && session.Settings.TemplateName != "" {
		if t := o.templates.Template(session.Settings.TemplateName); t != nil {
			return t
		}
		o.logger.Warn("unknown template preset, using default",
			"session_id", session.ID,
			"template", session.Settings.TemplateName,
		)
	}
	return chat.DefaultTemplate()
}

// stopSequences combines template stops with the user's turn marker, so the
// model does not keep talking as the user.
func stopSequences(template *chat.ChatTemplate, session *chat.Session) []string {
	stops := append([]string(nil), template.StopSequences...)
	if session.UserName != "" {
		stops = append(stops, "\n"+session.UserName+":")
	}
	return stops
}

// messageFlusher returns the coalesced-flush callback for a streaming
// message: update content under the registry lock, then broadcast. The event
// payload is captured inside the lock so the broadcast never reads live
// message state.
func (o *Orchestrator) messageFlusher(sessionID string, msg *chat.Message, base string) func(total string) {
	return func(total string) {
		var event chat.MessageUpdateEvent
		if err := o.registry.Update(sessionID, func(s *chat.Session) error {
			msg.UpdateCurrentVariation(base + total)
			event = chat.MessageUpdateEvent{
				MessageID:        msg.ID,
				Content:          msg.Content,
				CurrentVariation: msg.CurrentVariation,
				Status:           chat.StatusStreaming,
			}
			return nil
		}); err != nil {
			o.logger.Error("flush update failed", "session_id", sessionID, "error", err)
			return
		}
		o.relay.BroadcastEvent(sessionID, chat.SSEEventMessageUpdate, event)
	}
}

func (o *Orchestrator) finishMessage(session *chat.Session, msg *chat.Message, final string) {
	if err := o.registry.Update(session.ID, func(s *chat.Session) error {
		msg.UpdateCurrentVariation(final)
		msg.EnsureVariations()
		msg.Status = chat.StatusComplete
		msg.Error = nil
		return nil
	}); err != nil {
		o.logger.Error("finish update failed", "session_id", session.ID, "error", err)
	}
}

func (o *Orchestrator) failMessage(session *chat.Session, msg *chat.Message, genErr error) {
	errText := genErr.Error()
	if err := o.registry.Update(session.ID, func(s *chat.Session) error {
		msg.Status = chat.StatusComplete
		msg.Error = &errText
		return nil
	}); err != nil {
		o.logger.Error("error-state update failed", "session_id", session.ID, "error", err)
	}
	o.relay.BroadcastEvent(session.ID, chat.SSEEventGenerationError, chat.GenerationErrorEvent{
		SessionID: session.ID,
		MessageID: msg.ID,
		Error:     errText,
	})
	o.persistAsync(session.ID)
}

func (o *Orchestrator) rollbackVariation(session *chat.Session, msg *chat.Message, priorIdx int) {
	if err := o.registry.Update(session.ID, func(s *chat.Session) error {
		if len(msg.Variations) > 0 {
			msg.Variations = msg.Variations[:len(msg.Variations)-1]
		}
		msg.Status = chat.StatusComplete
		return msg.SetVariation(priorIdx)
	}); err != nil {
		o.logger.Error("variation rollback failed", "session_id", session.ID, "error", err)
	}
}

func (o *Orchestrator) broadcastStart(sessionID string, mode chatSvc.GenerationMode, messageID string) {
	o.relay.BroadcastEvent(sessionID, chat.SSEEventGenerationStart, chat.GenerationStartEvent{
		SessionID: sessionID,
		Mode:      string(mode),
		MessageID: messageID,
	})
}

func (o *Orchestrator) broadcastDone(sessionID string, mode chatSvc.GenerationMode, msg *chat.Message, aborted bool) {
	o.relay.BroadcastEvent(sessionID, chat.SSEEventGenerationDone, chat.GenerationDoneEvent{
		SessionID: sessionID,
		Mode:      string(mode),
		Message:   msg,
		Aborted:   aborted,
	})
}

// persistAsync takes a deep copy of the session under the registry lock and
// writes it out in the background. Persistence is fire-and-forget with logged
// failure; it never blocks the generation path, and the goroutine never
// touches live state.
func (o *Orchestrator) persistAsync(sessionID string) {
	snapshot, err := o.registry.Snapshot(sessionID)
	if err != nil {
		o.logger.Error("persist snapshot failed", "session_id", sessionID, "error", err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if err := o.store.SaveSession(ctx, snapshot); err != nil {
			o.logger.Error("failed to persist session", "session_id", sessionID, "error", err)
			return
		}
		if err := o.store.SaveMessages(ctx, sessionID, snapshot.Messages); err != nil {
			o.logger.Error("failed to persist messages", "session_id", sessionID, "error", err)
		}
	}()
}

// resultMessage returns a detached copy of the finished message, taken under
// the registry lock so response marshaling and the done event cannot race a
// later update to the live message.
func (o *Orchestrator) resultMessage(sessionID string, msg *chat.Message) *chat.Message {
	snapshot, err := o.registry.Snapshot(sessionID)
	if err == nil {
		if m := snapshot.MessageByID(msg.ID); m != nil {
			return m
		}
	}
	return msg.Clone()
}

// assistantMessage locates a regenerate/continue target and checks its role.
func (o *Orchestrator) assistantMessage(session *chat.Session, messageID string) (*chat.Message, error) {
	msg := session.MessageByID(messageID)
	if msg == nil {
		return nil, &domain.NotFoundError{Message: fmt.Sprintf("message %s not found", messageID)}
	}
	if msg.Role != chat.RoleAssistant {
		return nil, &domain.ValidationError{Message: "only assistant messages can be regenerated or continued"}
	}
	return msg, nil
}

// historyBefore returns the non-thinking messages strictly preceding the
// given message, or the whole history when the ID is not found.
func historyBefore(session *chat.Session, messageID string) []*chat.Message {
	var out []*chat.Message
	for _, m := range session.Messages {
		if m.ID == messageID {
			return out
		}
		if m.Role == chat.RoleThinking {
			continue
		}
		out = append(out, m)
	}
	return out
}
