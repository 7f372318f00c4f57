package session

import (
	"strings"
	"testing"

	"github.com/8007342/ai-way/internal/protocol"
)

func TestNewSession(t *testing.T) {
	s := New("test-model")
	if s.State != Active {
		t.Errorf("state = %v", s.State)
	}
	if s.MessageCount() != 0 {
		t.Errorf("message count = %d", s.MessageCount())
	}
	if s.Metadata.Model != "test-model" {
		t.Errorf("model = %q", s.Metadata.Model)
	}
}

func TestAddMessages(t *testing.T) {
	s := New("test")

	id := s.AddUserMessage("Hello")
	if s.MessageCount() != 1 || s.Metadata.MessageCount != 1 {
		t.Error("message not counted")
	}
	msg, ok := s.Get(id)
	if !ok || msg.Role != protocol.RoleUser || msg.Content != "Hello" {
		t.Errorf("message = %+v", msg)
	}

	s.AddSystemMessage("note")
	if s.MessageCount() != 2 {
		t.Error("system message not added")
	}
}

func TestStreaming(t *testing.T) {
	s := New("test")

	id := s.StartAssistantResponse()
	if !s.IsStreaming() || s.State != Busy {
		t.Error("streaming state not set")
	}
	streamID, ok := s.StreamingMessageID()
	if !ok || streamID != id {
		t.Error("streaming ID mismatch")
	}

	s.AppendStreaming("Hello ")
	s.AppendStreaming("world!")
	msg, _ := s.Get(id)
	if !msg.Streaming || msg.Content != "Hello world!" {
		t.Errorf("in-flight message = %+v", msg)
	}

	final, ok := s.CompleteStreaming()
	if !ok {
		t.Fatal("CompleteStreaming failed")
	}
	if final.Streaming || final.Content != "Hello world!" {
		t.Errorf("final message = %+v", final)
	}
	if s.IsStreaming() || s.State != Active {
		t.Error("streaming state not cleared")
	}
}

func TestCancelStreaming(t *testing.T) {
	s := New("test")
	s.AddUserMessage("hi")

	id := s.StartAssistantResponse()
	s.AppendStreaming("partial")
	s.CancelStreaming()

	if _, ok := s.Get(id); ok {
		t.Error("cancelled message still present")
	}
	if s.IsStreaming() {
		t.Error("still streaming after cancel")
	}
	if s.ContentBytes() != len("hi") {
		t.Errorf("content bytes = %d", s.ContentBytes())
	}
}

func TestBuildContext(t *testing.T) {
	s := New("test")
	s.AddUserMessage("First question")
	s.AddUserMessage("Second question")
	s.AddUserMessage("Third question")

	ctx := s.BuildContext(2)
	if strings.Contains(ctx, "First") {
		t.Error("context includes message beyond the window")
	}
	if !strings.Contains(ctx, "Second") || !strings.Contains(ctx, "Third") {
		t.Error("context missing recent messages")
	}
	if !strings.Contains(ctx, "User: ") {
		t.Error("context missing role labels")
	}
}

func TestStateTransitions(t *testing.T) {
	s := New("test")

	s.Pause()
	if s.State != Paused {
		t.Errorf("state = %v", s.State)
	}
	s.Resume()
	if s.State != Active {
		t.Errorf("state = %v", s.State)
	}
	s.End()
	if s.State != Ended {
		t.Errorf("state = %v", s.State)
	}
}

func TestPruneByCount(t *testing.T) {
	s := NewWithLimits("test", 3, 0)

	for i, content := range []string{"Message 1", "Message 2", "Message 3", "Message 4", "Message 5"} {
		s.AddUserMessage(content)
		if s.MessageCount() > 3 {
			t.Fatalf("after %d appends: %d messages retained", i+1, s.MessageCount())
		}
	}

	contents := make([]string, 0, 3)
	for _, m := range s.AllMessages() {
		contents = append(contents, m.Content)
	}
	want := []string{"Message 3", "Message 4", "Message 5"}
	for i, w := range want {
		if contents[i] != w {
			t.Errorf("messages = %v, want %v", contents, want)
			break
		}
	}
}

func TestPruneByBytes(t *testing.T) {
	s := NewWithLimits("test", 0, 50)
	for i := 0; i < 6; i++ {
		s.AddUserMessage(strings.Repeat(string(rune('A'+i)), 10))
	}
	if s.ContentBytes() > 50 {
		t.Errorf("content bytes = %d, want <= 50", s.ContentBytes())
	}
}

func TestContentBytesInvariant(t *testing.T) {
	s := NewWithLimits("test", 1000, 10000)

	check := func() {
		t.Helper()
		sum := 0
		for _, m := range s.AllMessages() {
			sum += len(m.Content)
		}
		if sum != s.ContentBytes() {
			t.Fatalf("content bytes = %d, sum of contents = %d", s.ContentBytes(), sum)
		}
	}

	s.AddUserMessage("Hello")
	check()
	s.AddUserMessage("World!")
	check()
	s.StartAssistantResponse()
	s.AppendStreaming("Hi ")
	s.AppendStreaming("there")
	check()
	s.CompleteStreaming()
	check()
	s.ClearHistory()
	if s.ContentBytes() != 0 {
		t.Errorf("content bytes after clear = %d", s.ContentBytes())
	}
}

func TestPruneNeverRemovesStreaming(t *testing.T) {
	s := NewWithLimits("test", 2, 0)

	id := s.StartAssistantResponse()
	s.AppendStreaming("streaming content")

	// Flood the session past the count bound.
	for i := 0; i < 10; i++ {
		s.AddUserMessage("filler")
	}

	if _, ok := s.Get(id); !ok {
		t.Fatal("streaming message was pruned")
	}
	if s.MessageCount() > 2 {
		t.Errorf("count = %d, want <= 2", s.MessageCount())
	}
}

func TestPruneByBytesKeepsStreaming(t *testing.T) {
	s := NewWithLimits("test", 0, 20)

	id := s.StartAssistantResponse()
	s.AppendStreaming(strings.Repeat("x", 30))
	s.AddUserMessage("abc")

	if _, ok := s.Get(id); !ok {
		t.Fatal("oversize streaming message was pruned")
	}
}

func TestDisabledLimits(t *testing.T) {
	s := New("test")
	for i := 0; i < 2000; i++ {
		s.AddUserMessage("x")
	}
	if s.MessageCount() != 2000 {
		t.Errorf("unbounded session pruned: %d", s.MessageCount())
	}
}
