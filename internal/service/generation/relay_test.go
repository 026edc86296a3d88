package generation

import (
	"strings"
	"testing"

	"fable/internal/domain/models/chat"
)

func TestRelayBroadcastReachesAllClients(t *testing.T) {
	r := NewRelay(testLogger())

	a := r.Subscribe("s1", "client-a")
	b := r.Subscribe("s1", "client-b")
	other := r.Subscribe("s2", "client-c")

	r.Broadcast("s1", "event: test\ndata: {}\n\n")

	for name, ch := range map[string]<-chan string{"a": a, "b": b} {
		select {
		case ev := <-ch:
			if !strings.Contains(ev, "event: test") {
				t.Errorf("client %s got %q", name, ev)
			}
		default:
			t.Errorf("client %s received nothing", name)
		}
	}

	select {
	case ev := <-other:
		t.Errorf("client on another session received %q", ev)
	default:
	}
}

func TestRelayUnsubscribeClosesChannel(t *testing.T) {
	r := NewRelay(testLogger())
	ch := r.Subscribe("s1", "client-a")
	r.Unsubscribe("s1", "client-a")

	if _, open := <-ch; open {
		t.Error("channel still open after unsubscribe")
	}
	if r.ClientCount("s1") != 0 {
		t.Error("client count nonzero after unsubscribe")
	}

	// Broadcasting to an empty session is a no-op, not a panic.
	r.Broadcast("s1", "event: test\ndata: {}\n\n")
}

func TestRelaySlowClientDoesNotBlock(t *testing.T) {
	r := NewRelay(testLogger())
	r.Subscribe("s1", "slow")

	// Overfill the client buffer; Broadcast must drop, not block.
	for i := 0; i < 50; i++ {
		r.Broadcast("s1", "event: spam\ndata: {}\n\n")
	}
}

func TestRelayBroadcastEventFormatsSSE(t *testing.T) {
	r := NewRelay(testLogger())
	ch := r.Subscribe("s1", "client-a")

	r.BroadcastEvent("s1", chat.SSEEventGenerationStart, chat.GenerationStartEvent{
		SessionID: "s1",
		Mode:      "generate",
	})

	ev := <-ch
	if !strings.HasPrefix(ev, "event: generation_start\n") {
		t.Errorf("event = %q", ev)
	}
	if !strings.Contains(ev, `"session_id":"s1"`) {
		t.Errorf("payload missing session id: %q", ev)
	}
	if !strings.HasSuffix(ev, "\n\n") {
		t.Error("SSE event missing terminating blank line")
	}
}
