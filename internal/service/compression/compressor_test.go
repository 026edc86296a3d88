package compression

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"fable/internal/domain/models/chat"
	chatSvc "fable/internal/domain/services/chat"
	"fable/internal/service/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

// fakeSummarizer records calls and returns a canned summary or error.
type fakeSummarizer struct {
	calls     int
	lastTurns []*chat.Message
	summary   string
	err       error
}

func (f *fakeSummarizer) Summarize(ctx context.Context, turns []*chat.Message) (string, error) {
	f.calls++
	f.lastTurns = turns
	return f.summary, f.err
}

func makeTurns(n int) []*chat.Message {
	turns := make([]*chat.Message, n)
	for i := range turns {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		turns[i] = &chat.Message{
			ID:      fmt.Sprintf("m%d", i),
			Role:    role,
			Content: fmt.Sprintf("turn %d", i),
		}
	}
	return turns
}

func TestGetOrRefreshBelowThresholdSkipsCompression(t *testing.T) {
	summarizer := &fakeSummarizer{summary: "unused"}
	c := NewCompressor(summarizer, testLogger())
	turns := makeTurns(20)
	cache := &chat.CompressedContextCache{CompressedText: "old", CompressionLevel: chat.CompressionAggressive}

	result, err := c.GetOrRefresh(context.Background(), turns, chat.CompressionAggressive, cache, chatSvc.CompressionHooks{})
	if err != nil {
		t.Fatalf("GetOrRefresh: %v", err)
	}

	if result.PrefixText != "" {
		t.Errorf("prefix = %q, want empty below threshold", result.PrefixText)
	}
	if len(result.RecentTurns) != 20 {
		t.Errorf("recent turns = %d, want all 20", len(result.RecentTurns))
	}
	if result.UpdatedCache != cache {
		t.Error("cache should pass through unchanged below threshold")
	}
	if summarizer.calls != 0 {
		t.Errorf("summarizer called %d times below threshold", summarizer.calls)
	}
}

func TestGetOrRefreshLevelNoneSkipsCompression(t *testing.T) {
	summarizer := &fakeSummarizer{summary: "unused"}
	c := NewCompressor(summarizer, testLogger())

	result, err := c.GetOrRefresh(context.Background(), makeTurns(50), chat.CompressionNone, nil, chatSvc.CompressionHooks{})
	if err != nil {
		t.Fatalf("GetOrRefresh: %v", err)
	}

	if result.PrefixText != "" || len(result.RecentTurns) != 50 || summarizer.calls != 0 {
		t.Error("level none must never compress")
	}
}

func TestGetOrRefreshBuildsCacheFromOldTurns(t *testing.T) {
	// 25 turns, aggressive, no cache: turns 0-14 summarized, 15-24 verbatim.
	summarizer := &fakeSummarizer{summary: "they explored the archive"}
	c := NewCompressor(summarizer, testLogger())
	turns := makeTurns(25)

	result, err := c.GetOrRefresh(context.Background(), turns, chat.CompressionAggressive, nil, chatSvc.CompressionHooks{})
	if err != nil {
		t.Fatalf("GetOrRefresh: %v", err)
	}

	if summarizer.calls != 1 {
		t.Fatalf("summarizer calls = %d, want 1", summarizer.calls)
	}
	if len(summarizer.lastTurns) != 15 {
		t.Errorf("summarized %d turns, want 15", len(summarizer.lastTurns))
	}
	if summarizer.lastTurns[0].ID != "m0" || summarizer.lastTurns[14].ID != "m14" {
		t.Error("summarized wrong turn range")
	}
	if len(result.RecentTurns) != 10 {
		t.Errorf("recent turns = %d, want 10", len(result.RecentTurns))
	}
	if result.RecentTurns[0].ID != "m15" || result.RecentTurns[9].ID != "m24" {
		t.Error("recent window covers wrong turns")
	}
	if result.UpdatedCache == nil {
		t.Fatal("expected a new cache")
	}
	if result.UpdatedCache.CompressedAtMessageCount != 15 {
		t.Errorf("CompressedAtMessageCount = %d, want 15", result.UpdatedCache.CompressedAtMessageCount)
	}
	if result.UpdatedCache.CompressionLevel != chat.CompressionAggressive {
		t.Errorf("cache level = %s", result.UpdatedCache.CompressionLevel)
	}
	if !strings.Contains(result.PrefixText, summaryMarkerOpen) || !strings.Contains(result.PrefixText, summaryMarkerClose) {
		t.Errorf("prefix missing markers: %q", result.PrefixText)
	}
	if !strings.Contains(result.PrefixText, "they explored the archive") {
		t.Errorf("prefix missing summary text: %q", result.PrefixText)
	}
}

func TestGetOrRefreshReusesValidCacheWithoutNetwork(t *testing.T) {
	summarizer := &fakeSummarizer{summary: "fresh summary"}
	c := NewCompressor(summarizer, testLogger())
	turns := makeTurns(25)

	first, err := c.GetOrRefresh(context.Background(), turns, chat.CompressionAggressive, nil, chatSvc.CompressionHooks{})
	if err != nil {
		t.Fatalf("first GetOrRefresh: %v", err)
	}

	// Identical request immediately after: the cache must be reused.
	second, err := c.GetOrRefresh(context.Background(), turns, chat.CompressionAggressive, first.UpdatedCache, chatSvc.CompressionHooks{})
	if err != nil {
		t.Fatalf("second GetOrRefresh: %v", err)
	}

	if summarizer.calls != 1 {
		t.Errorf("summarizer calls = %d, want 1 (cache reuse)", summarizer.calls)
	}
	if second.UpdatedCache != first.UpdatedCache {
		t.Error("valid cache should pass through unchanged")
	}
	if !strings.Contains(second.PrefixText, "fresh summary") {
		t.Errorf("reused prefix missing cached text: %q", second.PrefixText)
	}
}

func TestCacheValidity(t *testing.T) {
	base := &chat.CompressedContextCache{
		CompressedText:           "s",
		CompressedAtMessageCount: 15,
		CompressionLevel:         chat.CompressionChatOnly,
		Timestamp:                time.Now(),
	}

	cases := []struct {
		name      string
		level     chat.CompressionLevel
		turnCount int
		want      bool
	}{
		{"same level within threshold", chat.CompressionChatOnly, 25, true},
		{"same level at threshold boundary", chat.CompressionChatOnly, 34, true},
		{"same level past threshold", chat.CompressionChatOnly, 35, false},
		{"level change always invalidates", chat.CompressionAggressive, 16, false},
		{"level change small delta", chat.CompressionChatDialogue, 15, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := base.ValidFor(tc.level, tc.turnCount); got != tc.want {
				t.Errorf("ValidFor(%s, %d) = %v, want %v", tc.level, tc.turnCount, got, tc.want)
			}
		})
	}

	var nilCache *chat.CompressedContextCache
	if nilCache.ValidFor(chat.CompressionChatOnly, 10) {
		t.Error("nil cache must be invalid")
	}
}

func TestGetOrRefreshLevelChangeTriggersResummarization(t *testing.T) {
	summarizer := &fakeSummarizer{summary: "new level summary"}
	c := NewCompressor(summarizer, testLogger())
	turns := makeTurns(25)
	cache := &chat.CompressedContextCache{
		CompressedText:           "old level summary",
		CompressedAtMessageCount: 15,
		CompressionLevel:         chat.CompressionChatOnly,
		Timestamp:                time.Now(),
	}

	result, err := c.GetOrRefresh(context.Background(), turns, chat.CompressionAggressive, cache, chatSvc.CompressionHooks{})
	if err != nil {
		t.Fatalf("GetOrRefresh: %v", err)
	}

	if summarizer.calls != 1 {
		t.Errorf("summarizer calls = %d, want 1 after level change", summarizer.calls)
	}
	if strings.Contains(result.PrefixText, "old level summary") {
		t.Error("stale cache text reused after level change")
	}
}

func TestGetOrRefreshFailureFallsBackUncompressed(t *testing.T) {
	summarizer := &fakeSummarizer{err: errors.New("backend down")}
	c := NewCompressor(summarizer, testLogger())
	turns := makeTurns(25)

	result, err := c.GetOrRefresh(context.Background(), turns, chat.CompressionAggressive, nil, chatSvc.CompressionHooks{})
	if err != nil {
		t.Fatalf("failure must not propagate: %v", err)
	}

	if result.PrefixText != "" {
		t.Errorf("prefix = %q, want empty on fallback", result.PrefixText)
	}
	if len(result.RecentTurns) != 25 {
		t.Errorf("fallback recent turns = %d, want all 25", len(result.RecentTurns))
	}
	if result.UpdatedCache != nil {
		t.Error("cache must be nulled after summarization failure")
	}
}

func TestGetOrRefreshEmptySummaryFallsBack(t *testing.T) {
	summarizer := &fakeSummarizer{summary: "   "}
	c := NewCompressor(summarizer, testLogger())

	result, err := c.GetOrRefresh(context.Background(), makeTurns(25), chat.CompressionAggressive, nil, chatSvc.CompressionHooks{})
	if err != nil {
		t.Fatalf("GetOrRefresh: %v", err)
	}
	if result.UpdatedCache != nil || len(result.RecentTurns) != 25 {
		t.Error("empty summary must fall back to uncompressed context")
	}
}

func TestGetOrRefreshHooksBracketSummarization(t *testing.T) {
	summarizer := &fakeSummarizer{summary: "s"}
	c := NewCompressor(summarizer, testLogger())

	var order []string
	hooks := chatSvc.CompressionHooks{
		OnCompressionStart: func() { order = append(order, "start") },
		OnCompressionEnd:   func() { order = append(order, "end") },
	}

	if _, err := c.GetOrRefresh(context.Background(), makeTurns(25), chat.CompressionAggressive, nil, hooks); err != nil {
		t.Fatalf("GetOrRefresh: %v", err)
	}
	if len(order) != 2 || order[0] != "start" || order[1] != "end" {
		t.Errorf("hook order = %v, want [start end]", order)
	}

	// Cache hit: no summarization, no hooks.
	order = nil
	cache := &chat.CompressedContextCache{
		CompressedText:           "s",
		CompressedAtMessageCount: 15,
		CompressionLevel:         chat.CompressionAggressive,
		Timestamp:                time.Now(),
	}
	if _, err := c.GetOrRefresh(context.Background(), makeTurns(25), chat.CompressionAggressive, cache, hooks); err != nil {
		t.Fatalf("GetOrRefresh: %v", err)
	}
	if len(order) != 0 {
		t.Errorf("hooks fired on cache hit: %v", order)
	}
}

// fakeGenerator serves a canned streaming body for summarizer tests.
type fakeGenerator struct {
	body      string
	lastInput *chatSvc.GenerationInput
}

func (f *fakeGenerator) Generate(ctx context.Context, input *chatSvc.GenerationInput) (io.ReadCloser, error) {
	f.lastInput = input
	return io.NopCloser(strings.NewReader(f.body)), nil
}

func (f *fakeGenerator) Name() string                  { return "fake" }
func (f *fakeGenerator) SupportsServerFiltering() bool { return false }

func TestLLMSummarizerDrainsStream(t *testing.T) {
	gen := &fakeGenerator{body: `{"token": "Condensed "}` + "\n" + `{"token": "events."}` + "\n"}
	s := NewLLMSummarizer(gen, stream.NewDecoder(testLogger()), testLogger())

	turns := []*chat.Message{
		{Role: chat.RoleUser, Content: "hello"},
		{Role: chat.RoleThinking, Content: "scratch"},
		{Role: chat.RoleAssistant, Content: "hi"},
	}

	got, err := s.Summarize(context.Background(), turns)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "Condensed events." {
		t.Errorf("summary = %q", got)
	}
	if gen.lastInput.Stream {
		t.Error("summarization must be non-streaming")
	}
	if gen.lastInput.Memory != summaryInstruction {
		t.Error("summary instruction not sent")
	}
	if strings.Contains(gen.lastInput.Prompt, "scratch") {
		t.Error("thinking turn leaked into summarization prompt")
	}
}
