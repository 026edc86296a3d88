package generation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"fable/internal/domain"
	"fable/internal/domain/models/chat"
	chatSvc "fable/internal/domain/services/chat"
	"fable/internal/service/compression"
	"fable/internal/service/memory"
	"fable/internal/service/prompt"
	"fable/internal/service/session"
	"fable/internal/service/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

// fakeStore is an in-memory persistence collaborator recording calls.
type fakeStore struct {
	mu           sync.Mutex
	saveSessions int
	saveMessages int
	lastMessages []*chat.Message
}

func (f *fakeStore) SaveSession(ctx context.Context, s *chat.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveSessions++
	return nil
}

func (f *fakeStore) SaveMessages(ctx context.Context, sessionID string, messages []*chat.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveMessages++
	f.lastMessages = messages
	return nil
}

func (f *fakeStore) LoadSession(ctx context.Context, id string) (*chat.Session, error) {
	return nil, domain.ErrNotFound
}
func (f *fakeStore) ListSessions(ctx context.Context) ([]*chat.Session, error) { return nil, nil }
func (f *fakeStore) DeleteSession(ctx context.Context, id string) error        { return nil }

func (f *fakeStore) messageSaves() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saveMessages
}

func (f *fakeStore) savedMessages() []*chat.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastMessages
}

// scriptedGenerator serves queued responses in order. An exhausted queue
// serves empty streams.
type generatorResponse struct {
	body io.ReadCloser
	err  error
}

type scriptedGenerator struct {
	mu        sync.Mutex
	queue     []generatorResponse
	calls     int
	lastInput *chatSvc.GenerationInput
}

func tokenBody(tokens ...string) io.ReadCloser {
	var sb strings.Builder
	for _, tok := range tokens {
		sb.WriteString(`{"token": ` + jsonString(tok) + "}\n")
	}
	return io.NopCloser(strings.NewReader(sb.String()))
}

func jsonString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return `"` + s + `"`
}

func (g *scriptedGenerator) enqueue(r generatorResponse) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queue = append(g.queue, r)
}

func (g *scriptedGenerator) Generate(ctx context.Context, input *chatSvc.GenerationInput) (io.ReadCloser, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.lastInput = input
	if len(g.queue) == 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}
	next := g.queue[0]
	g.queue = g.queue[1:]
	return next.body, next.err
}

func (g *scriptedGenerator) Name() string                  { return "scripted" }
func (g *scriptedGenerator) SupportsServerFiltering() bool { return false }

func (g *scriptedGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type testHarness struct {
	orch     *Orchestrator
	registry *session.Service
	store    *fakeStore
	gen      *scriptedGenerator
}

type neverSummarizer struct{}

func (neverSummarizer) Summarize(ctx context.Context, turns []*chat.Message) (string, error) {
	return "", errors.New("summarizer must not be called in this test")
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	logger := testLogger()
	store := &fakeStore{}
	registry := session.NewService(store, logger)
	gen := &scriptedGenerator{}
	decoder := stream.NewDecoder(logger)

	orch := NewOrchestrator(
		registry,
		store,
		memory.NewBuilder(logger),
		compression.NewCompressor(neverSummarizer{}, logger),
		prompt.NewAssembler(logger),
		gen,
		decoder,
		NewRelay(logger),
		nil,
		logger,
	)
	return &testHarness{orch: orch, registry: registry, store: store, gen: gen}
}

func (h *testHarness) newSession(t *testing.T, greeting string) *chat.Session {
	t.Helper()
	fields := map[chat.FieldKey]string{
		chat.FieldDescription: "A cartographer of drowned cities.",
	}
	if greeting != "" {
		fields[chat.FieldFirstMes] = greeting
	}
	s, err := h.registry.Create(context.Background(), &chatSvc.CreateSessionParams{
		Character: chat.Character{Name: "Mira", Fields: fields},
		UserName:  "Sam",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestGenerateStreamsIntoNewMessage(t *testing.T) {
	h := newHarness(t)
	s := h.newSession(t, "You're late.")
	h.gen.enqueue(generatorResponse{body: tokenBody("Of course ", "you are.")})

	result, err := h.orch.Generate(context.Background(), &chatSvc.GenerateParams{
		SessionID: s.ID,
		Prompt:    "Sorry, the rain.",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if result.Message.Content != "Of course you are." {
		t.Errorf("content = %q", result.Message.Content)
	}
	if result.Message.Status != chat.StatusComplete {
		t.Errorf("status = %s", result.Message.Status)
	}
	if result.Aborted {
		t.Error("unexpected aborted flag")
	}
	if len(s.Messages) != 3 {
		t.Fatalf("session has %d messages, want 3 (greeting, user, assistant)", len(s.Messages))
	}
	if s.Messages[1].Role != chat.RoleUser || s.Messages[1].Content != "Sorry, the rain." {
		t.Error("user turn not appended")
	}

	// Variation invariant after generation.
	m := result.Message
	if m.Content != m.Variations[m.CurrentVariation] {
		t.Error("variation invariant broken after generate")
	}

	// Persistence is fire-and-forget.
	waitFor(t, func() bool { return h.store.messageSaves() > 0 }, "messages never persisted")

	// The wire payload carried the assembled context.
	if h.gen.lastInput.Memory == "" {
		t.Error("memory preamble missing from wire payload")
	}
	if !strings.HasSuffix(h.gen.lastInput.Prompt, "\nMira:") {
		t.Error("prompt missing turn marker")
	}
	if !h.gen.lastInput.Stream {
		t.Error("generation request not streaming")
	}
}

func TestGeneratePersistsDetachedCopies(t *testing.T) {
	h := newHarness(t)
	s := h.newSession(t, "Hello.")
	h.gen.enqueue(generatorResponse{body: tokenBody("Done.")})

	result, err := h.orch.Generate(context.Background(), &chatSvc.GenerateParams{
		SessionID: s.ID,
		Prompt:    "hi",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	var saved []*chat.Message
	waitFor(t, func() bool {
		saved = h.store.savedMessages()
		return len(saved) == 3
	}, "full history never persisted")

	// The background writer and the caller both hold copies taken under the
	// registry lock, never the live message pointers.
	for _, savedMsg := range saved {
		for _, liveMsg := range s.Messages {
			if savedMsg == liveMsg {
				t.Fatal("store was handed a live message pointer")
			}
		}
	}
	live := s.MessageByID(result.Message.ID)
	if live == nil || result.Message == live {
		t.Fatal("result message is the live session message")
	}

	// A later edit to the live message must not show through either copy.
	if err := h.registry.Update(s.ID, func(session *chat.Session) error {
		live.UpdateCurrentVariation("edited afterwards")
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if result.Message.Content != "Done." {
		t.Errorf("result content = %q, live edit leaked into the result", result.Message.Content)
	}
	if saved[2].Content != "Done." {
		t.Errorf("persisted content = %q, live edit leaked into the snapshot", saved[2].Content)
	}
}

func TestGenerateRejectsOverlappingStarts(t *testing.T) {
	h := newHarness(t)
	s := h.newSession(t, "Hello.")

	pr, pw := io.Pipe()
	h.gen.enqueue(generatorResponse{body: pr})

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.orch.Generate(context.Background(), &chatSvc.GenerateParams{SessionID: s.ID, Prompt: "hi"})
	}()

	waitFor(t, func() bool { return h.orch.IsGenerating(s.ID) }, "first generation never started")

	_, err := h.orch.Generate(context.Background(), &chatSvc.GenerateParams{SessionID: s.ID, Prompt: "again"})
	if !errors.Is(err, domain.ErrGenerationActive) {
		t.Errorf("overlapping start error = %v, want ErrGenerationActive", err)
	}

	pw.Write([]byte(`{"token": "x"}` + "\n"))
	pw.Close()
	<-done

	if h.orch.IsGenerating(s.ID) {
		t.Error("slot not released after completion")
	}
}

func TestGenerateEmptyCompletionRetryBound(t *testing.T) {
	// Three consecutive empty completions: exactly 3 attempts, then error.
	h := newHarness(t)
	s := h.newSession(t, "Hello.")

	_, err := h.orch.Generate(context.Background(), &chatSvc.GenerateParams{
		SessionID: s.ID,
		Prompt:    "say something",
	})
	if !errors.Is(err, domain.ErrEmptyCompletion) {
		t.Fatalf("error = %v, want ErrEmptyCompletion", err)
	}
	if got := h.gen.callCount(); got != 3 {
		t.Errorf("backend called %d times, want exactly 3", got)
	}
}

func TestGenerateGhostRequestGuard(t *testing.T) {
	h := newHarness(t)
	s := h.newSession(t, "") // no greeting

	_, err := h.orch.Generate(context.Background(), &chatSvc.GenerateParams{
		SessionID: s.ID,
		Prompt:    "   ",
	})
	if !errors.Is(err, domain.ErrGhostRequest) {
		t.Errorf("error = %v, want ErrGhostRequest", err)
	}
	if h.gen.callCount() != 0 {
		t.Error("ghost request must not reach the backend")
	}
}

func TestRegenerateAddsVariationAndKeepsInvariant(t *testing.T) {
	h := newHarness(t)
	s := h.newSession(t, "Hello.")
	h.gen.enqueue(generatorResponse{body: tokenBody("First answer.")})

	result, err := h.orch.Generate(context.Background(), &chatSvc.GenerateParams{SessionID: s.ID, Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	target := result.Message

	h.gen.enqueue(generatorResponse{body: tokenBody("Second answer.")})
	regen, err := h.orch.Regenerate(context.Background(), &chatSvc.TargetParams{
		SessionID: s.ID,
		MessageID: target.ID,
	})
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}

	m := regen.Message
	if len(m.Variations) != 2 {
		t.Fatalf("variations = %d, want 2", len(m.Variations))
	}
	if m.CurrentVariation != 1 {
		t.Errorf("current variation = %d, want 1", m.CurrentVariation)
	}
	if m.Content != "Second answer." || m.Content != m.Variations[m.CurrentVariation] {
		t.Errorf("variation invariant broken: content=%q variations=%v", m.Content, m.Variations)
	}
	if m.Variations[0] != "First answer." {
		t.Error("prior variation lost")
	}
}

func TestRegenerateFailureRestoresPriorVariationIndex(t *testing.T) {
	h := newHarness(t)
	s := h.newSession(t, "Hello.")
	h.gen.enqueue(generatorResponse{body: tokenBody("v0")})
	h.gen.enqueue(generatorResponse{body: tokenBody("v1")})

	result, err := h.orch.Generate(context.Background(), &chatSvc.GenerateParams{SessionID: s.ID, Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	target := result.Message

	if _, err := h.orch.Regenerate(context.Background(), &chatSvc.TargetParams{SessionID: s.ID, MessageID: target.ID}); err != nil {
		t.Fatalf("first Regenerate: %v", err)
	}
	// User is now on variation 1.

	h.gen.enqueue(generatorResponse{err: errors.New("backend exploded")})
	if _, err := h.orch.Regenerate(context.Background(), &chatSvc.TargetParams{SessionID: s.ID, MessageID: target.ID}); err == nil {
		t.Fatal("expected regeneration failure")
	}

	live := s.MessageByID(target.ID)
	if len(live.Variations) != 2 {
		t.Errorf("variations = %d after rollback, want 2", len(live.Variations))
	}
	if live.CurrentVariation != 1 {
		t.Errorf("current variation = %d after rollback, want the exact prior index 1", live.CurrentVariation)
	}
	if live.Content != "v1" {
		t.Errorf("content = %q after rollback, want v1", live.Content)
	}
}

func TestContinueJoinsSuffixExactly(t *testing.T) {
	h := newHarness(t)
	s := h.newSession(t, "The door creaked")
	target := s.Messages[0]

	h.gen.enqueue(generatorResponse{body: tokenBody(" open slowly.")})
	result, err := h.orch.Continue(context.Background(), &chatSvc.TargetParams{
		SessionID: s.ID,
		MessageID: target.ID,
	})
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}

	if result.Message.Content != "The door creaked open slowly." {
		t.Errorf("joined content = %q", result.Message.Content)
	}
	if h.gen.lastInput.ContinuationText != "The door creaked" {
		t.Errorf("continuation_text = %q", h.gen.lastInput.ContinuationText)
	}
}

func TestImpersonateReturnsDraftWithoutMutation(t *testing.T) {
	h := newHarness(t)
	s := h.newSession(t, "Hello.")
	before := len(s.Messages)
	h.gen.enqueue(generatorResponse{body: tokenBody("Maybe we should leave.")})

	result, err := h.orch.Impersonate(context.Background(), &chatSvc.ImpersonateParams{SessionID: s.ID})
	if err != nil {
		t.Fatalf("Impersonate: %v", err)
	}

	if result.Text != "Maybe we should leave." {
		t.Errorf("draft = %q", result.Text)
	}
	if result.Message != nil {
		t.Error("impersonate must not produce a message")
	}
	if len(s.Messages) != before {
		t.Error("impersonate mutated the message list")
	}
	if !strings.HasSuffix(h.gen.lastInput.Prompt, "\nSam:") {
		t.Error("impersonate prompt must end with the user's turn marker")
	}
}

func TestStopPersistsPartialResult(t *testing.T) {
	h := newHarness(t)
	s := h.newSession(t, "Hello.")

	pr, pw := io.Pipe()
	h.gen.enqueue(generatorResponse{body: pr})

	type outcome struct {
		result *chatSvc.GenerationResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := h.orch.Generate(context.Background(), &chatSvc.GenerateParams{SessionID: s.ID, Prompt: "go on"})
		done <- outcome{r, err}
	}()

	waitFor(t, func() bool { return h.orch.IsGenerating(s.ID) }, "generation never started")
	pw.Write([]byte(`{"token": "partial text"}` + "\n"))
	time.Sleep(2 * flushInterval)

	if !h.orch.Stop(s.ID) {
		t.Fatal("Stop found no active generation")
	}
	// The transport surfaces cancellation by closing the body.
	pw.CloseWithError(context.Canceled)

	out := <-done
	if out.err != nil {
		t.Fatalf("aborted generation must not error: %v", out.err)
	}
	if !out.result.Aborted {
		t.Error("result not marked aborted")
	}
	if out.result.Message.Content != "partial text" {
		t.Errorf("partial content = %q", out.result.Message.Content)
	}
	waitFor(t, func() bool { return h.store.messageSaves() > 0 }, "partial result never persisted")
}

func TestStopWithoutActiveGeneration(t *testing.T) {
	h := newHarness(t)
	if h.orch.Stop("nope") {
		t.Error("Stop reported success for idle session")
	}
}

func TestStopDoesNotTriggerEmptyRetry(t *testing.T) {
	h := newHarness(t)
	s := h.newSession(t, "Hello.")

	pr, pw := io.Pipe()
	h.gen.enqueue(generatorResponse{body: pr})

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Generate(context.Background(), &chatSvc.GenerateParams{SessionID: s.ID, Prompt: "go"})
		done <- err
	}()

	waitFor(t, func() bool { return h.orch.IsGenerating(s.ID) }, "generation never started")
	h.orch.Stop(s.ID)
	pw.CloseWithError(context.Canceled)

	if err := <-done; err != nil {
		t.Fatalf("abort surfaced as error: %v", err)
	}
	if got := h.gen.callCount(); got != 1 {
		t.Errorf("backend called %d times after abort, want 1 (no retry)", got)
	}
}
