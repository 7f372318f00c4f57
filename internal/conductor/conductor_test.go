package conductor

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/8007342/ai-way/internal/backend"
	"github.com/8007342/ai-way/internal/protocol"
	"github.com/8007342/ai-way/internal/registry"
	"github.com/8007342/ai-way/internal/security"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WarmupOnStart = false
	cfg.GreetOnConnect = false
	return cfg
}

// newTestSetup starts a conductor over a scripted backend and attaches
// one surface with a roomy channel.
func newTestSetup(t *testing.T, b backend.Backend, cfg Config) (*Conductor, protocol.ConnectionID, <-chan protocol.ConductorMessage) {
	t.Helper()
	reg := registry.New()
	c := NewWithRegistry(b, cfg, reg)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	id := protocol.NewConnectionID()
	h, rx := registry.NewHandle(id, 256, protocol.SurfaceHeadless, protocol.HeadlessCapabilities())
	reg.Register(h)
	return c, id, rx
}

// recv waits for the next message with a deadline.
func recv(t *testing.T, rx <-chan protocol.ConductorMessage) protocol.ConductorMessage {
	t.Helper()
	select {
	case msg := <-rx:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return protocol.ConductorMessage{}
	}
}

// recvType skips messages until one of the given type arrives.
func recvType(t *testing.T, rx <-chan protocol.ConductorMessage, msgType string) protocol.ConductorMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-rx:
			if msg.Type == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", msgType)
		}
	}
}

// pump polls the streaming drain until the test finishes.
func pump(t *testing.T, c *Conductor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.PollStreaming(ctx)
			}
		}
	}()
}

func handshakeEvent(token string) protocol.SurfaceEvent {
	caps := protocol.TuiCapabilities()
	return protocol.SurfaceEvent{
		Type:            protocol.EventHandshake,
		EventID:         protocol.NewEventID(),
		ProtocolVersion: 1,
		SurfaceType:     protocol.SurfaceTui,
		Capabilities:    &caps,
		AuthToken:       token,
	}
}

func TestStartWithoutWarmup(t *testing.T) {
	c, _, _ := newTestSetup(t, backend.NewScripted("hi"), testConfig())
	if !c.IsReady() {
		t.Error("not ready after start")
	}
	if c.State() != protocol.StateReady {
		t.Errorf("state = %v", c.State())
	}
}

func TestWarmupDrainsStream(t *testing.T) {
	cfg := testConfig()
	cfg.WarmupOnStart = true
	sb := backend.NewScripted("warm")
	c, _, _ := newTestSetup(t, sb, cfg)
	if !c.IsReady() {
		t.Error("warmup did not complete")
	}
	if len(sb.Requests()) != 1 {
		t.Errorf("warmup requests = %d", len(sb.Requests()))
	}
}

func TestHandshakeAccept(t *testing.T) {
	c, id, rx := newTestSetup(t, backend.NewScripted("hi"), testConfig())

	ev := handshakeEvent("")
	if err := c.HandleEventFrom(context.Background(), id, ev); err != nil {
		t.Fatal(err)
	}

	ack := recv(t, rx)
	if ack.Type != protocol.MsgHandshakeAck || !ack.Accepted {
		t.Fatalf("first message = %+v", ack)
	}
	if ack.ConnectionID != id.String() || ack.ProtocolVersion != 1 {
		t.Errorf("handshake ack = %+v", ack)
	}

	evAck := recv(t, rx)
	if evAck.Type != protocol.MsgAck || evAck.EventID != ev.EventID {
		t.Errorf("event ack = %+v", evAck)
	}

	state := recv(t, rx)
	if state.Type != protocol.MsgState || state.State != protocol.StateReady {
		t.Errorf("state = %+v", state)
	}

	info := recv(t, rx)
	if info.Type != protocol.MsgSessionInfo || info.Model != "yollayah" || !info.Ready {
		t.Errorf("session info = %+v", info)
	}

	snap := recv(t, rx)
	if snap.Type != protocol.MsgSnapshot {
		t.Fatalf("snapshot = %+v", snap)
	}
	if len(snap.ConversationHistory) != 0 {
		t.Errorf("fresh snapshot has history: %+v", snap.ConversationHistory)
	}
	if snap.AvatarState == nil || !snap.AvatarState.Visible {
		t.Errorf("avatar snapshot = %+v", snap.AvatarState)
	}
	if snap.SessionInfo == nil || snap.SessionInfo.SessionID != c.SessionID() {
		t.Errorf("session snapshot = %+v", snap.SessionInfo)
	}

	if !c.Registry().IsHandshakeComplete(id) {
		t.Error("registry does not record the handshake")
	}
	st, _ := c.Registry().SurfaceTypeOf(id)
	if st != protocol.SurfaceTui {
		t.Errorf("surface type = %v", st)
	}
}

func TestHandshakeVersionMismatch(t *testing.T) {
	c, id, rx := newTestSetup(t, backend.NewScripted("hi"), testConfig())

	ev := handshakeEvent("")
	ev.ProtocolVersion = 2
	if err := c.HandleEventFrom(context.Background(), id, ev); err != nil {
		t.Fatal(err)
	}

	ack := recv(t, rx)
	if ack.Type != protocol.MsgHandshakeAck || ack.Accepted {
		t.Fatalf("ack = %+v", ack)
	}
	if ack.RejectionReason != "Unsupported protocol version: 2 (expected 1)" {
		t.Errorf("rejection reason = %q", ack.RejectionReason)
	}

	// Only the event ack follows; no state, session info, or snapshot.
	evAck := recv(t, rx)
	if evAck.Type != protocol.MsgAck {
		t.Errorf("expected event ack, got %+v", evAck)
	}
	select {
	case msg := <-rx:
		t.Errorf("unexpected message after rejected handshake: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUserMessageStreaming(t *testing.T) {
	sb := backend.NewScripted("Hello ", "[yolla:mood happy]wor", "ld!")
	sb.FinalMessage = "Hello world!"
	c, id, rx := newTestSetup(t, sb, testConfig())
	pump(t, c)

	ev := protocol.SurfaceEvent{
		Type:    protocol.EventUserMessage,
		EventID: protocol.NewEventID(),
		Content: "Hello",
	}
	if err := c.HandleEventFrom(context.Background(), id, ev); err != nil {
		t.Fatal(err)
	}

	if ack := recv(t, rx); ack.Type != protocol.MsgAck {
		t.Fatalf("expected ack, got %+v", ack)
	}

	userMsg := recv(t, rx)
	if userMsg.Type != protocol.MsgMessage || userMsg.Role != protocol.RoleUser || userMsg.Content != "Hello" {
		t.Fatalf("user message = %+v", userMsg)
	}

	thinking := recv(t, rx)
	if thinking.Type != protocol.MsgState || thinking.State != protocol.StateThinking {
		t.Fatalf("expected thinking, got %+v", thinking)
	}
	responding := recv(t, rx)
	if responding.Type != protocol.MsgState || responding.State != protocol.StateResponding {
		t.Fatalf("expected responding, got %+v", responding)
	}

	tok1 := recv(t, rx)
	if tok1.Type != protocol.MsgToken || tok1.Text != "Hello " {
		t.Fatalf("token 1 = %+v", tok1)
	}

	mood := recv(t, rx)
	if mood.Type != protocol.MsgAvatarMood || mood.Mood != "happy" {
		t.Fatalf("expected mood before stripped token, got %+v", mood)
	}

	tok2 := recv(t, rx)
	if tok2.Type != protocol.MsgToken || tok2.Text != "wor" {
		t.Fatalf("token 2 = %+v", tok2)
	}
	tok3 := recv(t, rx)
	if tok3.Type != protocol.MsgToken || tok3.Text != "ld!" {
		t.Fatalf("token 3 = %+v", tok3)
	}

	end := recv(t, rx)
	if end.Type != protocol.MsgStreamEnd || end.FinalContent != "Hello world!" {
		t.Fatalf("stream end = %+v", end)
	}
	if end.Metadata == nil || end.Metadata.TokenCount != 3 {
		t.Errorf("metadata = %+v", end.Metadata)
	}
	if end.MessageID != tok1.MessageID {
		t.Error("stream end message ID differs from token message ID")
	}

	ready := recv(t, rx)
	if ready.Type != protocol.MsgState || ready.State != protocol.StateReady {
		t.Fatalf("expected ready, got %+v", ready)
	}
}

func TestRateLimitedSlashCommand(t *testing.T) {
	cfg := testConfig()
	cfg.Limits = security.DefaultLimits()
	cfg.Limits.MaxMessagesPerMinute = 2
	c, id, rx := newTestSetup(t, backend.NewScripted("hi"), cfg)

	for i := 0; i < 3; i++ {
		ev := protocol.SurfaceEvent{
			Type:    protocol.EventUserCommand,
			EventID: protocol.NewEventID(),
			Command: "help",
		}
		if err := c.HandleEventFrom(context.Background(), id, ev); err != nil {
			t.Fatal(err)
		}
	}

	var processed, limited int
	deadline := time.After(time.Second)
	for processed+limited < 3 {
		select {
		case msg := <-rx:
			if msg.Type != protocol.MsgNotify {
				continue
			}
			switch {
			case msg.Level == protocol.NotifyInfo && strings.HasPrefix(msg.Message, "Available commands"):
				processed++
			case msg.Level == protocol.NotifyWarning && strings.HasPrefix(msg.Message, "Rate limit exceeded"):
				limited++
			}
		case <-deadline:
			t.Fatalf("timed out: processed=%d limited=%d", processed, limited)
		}
	}
	if processed != 2 || limited != 1 {
		t.Errorf("processed=%d limited=%d", processed, limited)
	}
}

func TestTaskLifecycle(t *testing.T) {
	sb := backend.NewScripted("[yolla:task start ethical-hacker audit the crypto module]done")
	c, id, rx := newTestSetup(t, sb, testConfig())
	pump(t, c)

	send := func(content string) {
		t.Helper()
		ev := protocol.SurfaceEvent{Type: protocol.EventUserMessage, EventID: protocol.NewEventID(), Content: content}
		if err := c.HandleEventFrom(context.Background(), id, ev); err != nil {
			t.Fatal(err)
		}
	}

	send("start the audit")
	created := recvType(t, rx, protocol.MsgTaskCreated)
	if created.Agent != "ethical-hacker" || created.Description != "audit the crypto module" {
		t.Fatalf("task created = %+v", created)
	}
	taskID := created.TaskID
	recvType(t, rx, protocol.MsgStreamEnd)

	sb.Tokens = []string{fmt.Sprintf("[yolla:task progress %s 50]half", taskID)}
	sb.FinalMessage = "half"
	send("how is it going?")
	updated := recvType(t, rx, protocol.MsgTaskUpdated)
	if updated.TaskID != taskID || updated.Progress != 50 {
		t.Fatalf("task updated = %+v", updated)
	}
	recvType(t, rx, protocol.MsgStreamEnd)

	sb.Tokens = []string{fmt.Sprintf("[yolla:task done %s]finished", taskID)}
	sb.FinalMessage = "finished"
	send("wrap it up")
	completed := recvType(t, rx, protocol.MsgTaskCompleted)
	if completed.TaskID != taskID {
		t.Fatalf("task completed = %+v", completed)
	}
}

func TestTaskUnknownAgentRejected(t *testing.T) {
	sb := backend.NewScripted("[yolla:task start malicious-agent do evil]sure")
	sb.FinalMessage = "sure"
	c, id, rx := newTestSetup(t, sb, testConfig())
	pump(t, c)

	ev := protocol.SurfaceEvent{Type: protocol.EventUserMessage, EventID: protocol.NewEventID(), Content: "go"}
	if err := c.HandleEventFrom(context.Background(), id, ev); err != nil {
		t.Fatal(err)
	}

	// The stream must complete; the command is dropped, not fatal.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-rx:
			if msg.Type == protocol.MsgTaskCreated {
				t.Fatal("task created for disallowed agent")
			}
			if msg.Type == protocol.MsgStreamEnd {
				if c.Tasks().TotalCount() != 0 {
					t.Errorf("task table = %d entries", c.Tasks().TotalCount())
				}
				rejected := c.RejectedCommands()
				if len(rejected) == 0 || rejected[len(rejected)-1].Kind != security.RejectUnknownAgent {
					t.Errorf("rejection log = %+v", rejected)
				}
				return
			}
		case <-deadline:
			t.Fatal("stream never completed")
		}
	}
}

func TestSlowSurfaceDoesNotStallBroadcast(t *testing.T) {
	c, _, _ := newTestSetup(t, backend.NewScripted("hi"), testConfig())
	reg := c.Registry()

	aID := protocol.NewConnectionID()
	a, aRx := registry.NewHandle(aID, 1, protocol.SurfaceHeadless, protocol.HeadlessCapabilities())
	reg.Register(a)
	bID := protocol.NewConnectionID()
	b, _ := registry.NewHandle(bID, 1, protocol.SurfaceHeadless, protocol.HeadlessCapabilities())
	reg.Register(b)

	// Fill B's channel; nobody reads it.
	b.TrySend(protocol.ConductorMessage{Type: protocol.MsgPing, Seq: 99})

	result := reg.Broadcast(protocol.ConductorMessage{Type: protocol.MsgToken, Text: "t1"})
	if result.Failed == 0 {
		t.Fatal("no failures reported for the wedged surface")
	}
	found := false
	for _, id := range result.FailedIDs {
		if id == bID {
			found = true
		}
	}
	if !found {
		t.Errorf("failed IDs %v missing %v", result.FailedIDs, bID)
	}

	if msg := recv(t, aRx); msg.Text != "t1" {
		t.Errorf("A got %q", msg.Text)
	}
	reg.Broadcast(protocol.ConductorMessage{Type: protocol.MsgToken, Text: "t2"})
	if msg := recv(t, aRx); msg.Text != "t2" {
		t.Errorf("A got %q", msg.Text)
	}
}

func TestStreamErrorCancelsMessage(t *testing.T) {
	sb := backend.NewScripted("partial ")
	sb.FailWith = "backend exploded"
	c, id, rx := newTestSetup(t, sb, testConfig())
	pump(t, c)

	ev := protocol.SurfaceEvent{Type: protocol.EventUserMessage, EventID: protocol.NewEventID(), Content: "hi"}
	if err := c.HandleEventFrom(context.Background(), id, ev); err != nil {
		t.Fatal(err)
	}

	streamErr := recvType(t, rx, protocol.MsgStreamError)
	if streamErr.Error != "backend exploded" {
		t.Errorf("stream error = %+v", streamErr)
	}
	notify := recvType(t, rx, protocol.MsgNotify)
	if notify.Level != protocol.NotifyError {
		t.Errorf("notify = %+v", notify)
	}
	ready := recvType(t, rx, protocol.MsgState)
	if ready.State != protocol.StateReady {
		t.Errorf("state = %+v", ready)
	}

	// Deadline for state to settle, then the session must hold only the
	// user message: the in-flight assistant message was cancelled.
	deadline := time.After(time.Second)
	for c.State() != protocol.StateReady {
		select {
		case <-deadline:
			t.Fatal("conductor never returned to ready")
		case <-time.After(5 * time.Millisecond):
		}
	}
	snap := c.StateSnapshot(0)
	if len(snap.ConversationHistory) != 1 || snap.ConversationHistory[0].Role != protocol.RoleUser {
		t.Errorf("history after stream error = %+v", snap.ConversationHistory)
	}
}

func TestInvalidInputNotifiesOriginOnly(t *testing.T) {
	c, id, rx := newTestSetup(t, backend.NewScripted("hi"), testConfig())

	otherID := protocol.NewConnectionID()
	other, otherRx := registry.NewHandle(otherID, 64, protocol.SurfaceHeadless, protocol.HeadlessCapabilities())
	c.Registry().Register(other)

	ev := protocol.SurfaceEvent{
		Type:    protocol.EventUserMessage,
		EventID: protocol.NewEventID(),
		Content: "bad\x00input",
	}
	if err := c.HandleEventFrom(context.Background(), id, ev); err != nil {
		t.Fatal(err)
	}

	warn := recvType(t, rx, protocol.MsgNotify)
	if warn.Level != protocol.NotifyWarning || !strings.HasPrefix(warn.Message, "Invalid message") {
		t.Errorf("notify = %+v", warn)
	}
	select {
	case msg := <-otherRx:
		t.Errorf("other surface received %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQuitRequested(t *testing.T) {
	c, id, rx := newTestSetup(t, backend.NewScripted("hi"), testConfig())

	ev := protocol.SurfaceEvent{Type: protocol.EventQuitRequested, EventID: protocol.NewEventID()}
	if err := c.HandleEventFrom(context.Background(), id, ev); err != nil {
		t.Fatal(err)
	}

	state := recvType(t, rx, protocol.MsgState)
	if state.State != protocol.StateShuttingDown {
		t.Errorf("state = %+v", state)
	}
	quit := recvType(t, rx, protocol.MsgQuit)
	if quit.Message != "Goodbye!" {
		t.Errorf("quit = %+v", quit)
	}
}

func TestTypingMovesToListening(t *testing.T) {
	c, id, _ := newTestSetup(t, backend.NewScripted("hi"), testConfig())

	ev := protocol.SurfaceEvent{Type: protocol.EventUserTyping, Typing: true}
	if err := c.HandleEventFrom(context.Background(), id, ev); err != nil {
		t.Fatal(err)
	}
	if c.State() != protocol.StateListening {
		t.Errorf("state = %v", c.State())
	}

	ev.Typing = false
	c.HandleEventFrom(context.Background(), id, ev)
	if c.State() != protocol.StateReady {
		t.Errorf("state = %v", c.State())
	}
}

func TestContextWindowUsed(t *testing.T) {
	cfg := testConfig()
	cfg.MaxContextMessages = 2
	sb := backend.NewScripted("ok")
	c, id, rx := newTestSetup(t, sb, cfg)
	pump(t, c)

	for i := 0; i < 3; i++ {
		ev := protocol.SurfaceEvent{
			Type:    protocol.EventUserMessage,
			EventID: protocol.NewEventID(),
			Content: fmt.Sprintf("message %d", i),
		}
		if err := c.HandleEventFrom(context.Background(), id, ev); err != nil {
			t.Fatal(err)
		}
		recvType(t, rx, protocol.MsgStreamEnd)
	}

	reqs := sb.Requests()
	last := reqs[len(reqs)-1]
	if strings.Contains(last.Context, "message 0") {
		t.Error("context window exceeded MaxContextMessages")
	}
	if !strings.Contains(last.Context, "message 2") {
		t.Error("context missing the latest message")
	}
}
