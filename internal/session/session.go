// Package session manages a conversation: ordered message history with
// byte- and count-bounded pruning and a streaming accumulator for the
// in-flight assistant response.
package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/8007342/ai-way/internal/logger"
	"github.com/8007342/ai-way/internal/protocol"
)

// Message is one entry in the conversation log.
type Message struct {
	ID        protocol.MessageID
	Role      protocol.MessageRole
	Content   string
	Timestamp int64 // unix ms
	Streaming bool
}

// State of the session as a whole.
type State int

const (
	// Active and ready for input.
	Active State = iota
	// Busy processing a query.
	Busy
	// Paused with no active connection.
	Paused
	// Ended.
	Ended
)

// Metadata tracks session-level counters.
type Metadata struct {
	CreatedAt    int64
	LastActiveAt int64
	MessageCount int
	TokensUsed   int64
	Model        string
	Title        string
}

// Touch updates the last-active timestamp.
func (m *Metadata) Touch() { m.LastActiveAt = nowMS() }

// AddTokens accumulates token usage.
func (m *Metadata) AddTokens(n int64) { m.TokensUsed += n }

// Session is a conversation. Not safe for concurrent use; the conductor
// serializes access.
type Session struct {
	ID       protocol.SessionID
	State    State
	Metadata Metadata

	messages    []Message
	streamingID protocol.MessageID
	hasStreaming bool

	maxMessages     int
	maxContentBytes int
	contentBytes    int
}

// New creates an unbounded session.
func New(model string) *Session {
	return NewWithLimits(model, 0, 0)
}

// NewWithLimits creates a session with pruning bounds; zero disables a
// bound.
func NewWithLimits(model string, maxMessages, maxContentBytes int) *Session {
	now := nowMS()
	return &Session{
		ID:              protocol.NewSessionID(),
		State:           Active,
		Metadata:        Metadata{CreatedAt: now, LastActiveAt: now, Model: model},
		maxMessages:     maxMessages,
		maxContentBytes: maxContentBytes,
	}
}

// AddUserMessage appends a complete user message, returning its ID.
func (s *Session) AddUserMessage(content string) protocol.MessageID {
	return s.addComplete(protocol.RoleUser, content)
}

// AddSystemMessage appends a complete system message, returning its ID.
func (s *Session) AddSystemMessage(content string) protocol.MessageID {
	return s.addComplete(protocol.RoleSystem, content)
}

func (s *Session) addComplete(role protocol.MessageRole, content string) protocol.MessageID {
	msg := Message{
		ID:        protocol.NewMessageID(),
		Role:      role,
		Content:   content,
		Timestamp: nowMS(),
	}
	s.messages = append(s.messages, msg)
	s.contentBytes += len(content)
	s.Metadata.MessageCount++
	s.Metadata.Touch()
	s.pruneIfNeeded()
	return msg.ID
}

// StartAssistantResponse pushes a streaming placeholder and records it
// as the in-flight message.
func (s *Session) StartAssistantResponse() protocol.MessageID {
	msg := Message{
		ID:        protocol.NewMessageID(),
		Role:      protocol.RoleAssistant,
		Timestamp: nowMS(),
		Streaming: true,
	}
	s.messages = append(s.messages, msg)
	s.streamingID = msg.ID
	s.hasStreaming = true
	s.State = Busy
	return msg.ID
}

// AppendStreaming adds text to the in-flight message. Returns false if
// nothing is streaming.
func (s *Session) AppendStreaming(text string) bool {
	if !s.hasStreaming {
		return false
	}
	for i := range s.messages {
		if s.messages[i].ID == s.streamingID {
			s.messages[i].Content += text
			s.contentBytes += len(text)
			return true
		}
	}
	return false
}

// CompleteStreaming clears the streaming flag, prunes, and returns the
// finished message.
func (s *Session) CompleteStreaming() (Message, bool) {
	if !s.hasStreaming {
		return Message{}, false
	}
	id := s.streamingID
	s.hasStreaming = false
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Streaming = false
			break
		}
	}
	s.Metadata.MessageCount++
	s.Metadata.Touch()
	s.State = Active
	s.pruneIfNeeded()
	// The message may have been pruned between completion and lookup.
	for i := range s.messages {
		if s.messages[i].ID == id {
			return s.messages[i], true
		}
	}
	return Message{}, false
}

// CancelStreaming removes the in-flight message entirely.
func (s *Session) CancelStreaming() {
	if !s.hasStreaming {
		return
	}
	id := s.streamingID
	s.hasStreaming = false
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.contentBytes -= len(s.messages[i].Content)
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			break
		}
	}
	s.State = Active
}

// StreamingMessageID returns the in-flight message ID, if any.
func (s *Session) StreamingMessageID() (protocol.MessageID, bool) {
	return s.streamingID, s.hasStreaming
}

// IsStreaming reports whether a response is in flight.
func (s *Session) IsStreaming() bool { return s.hasStreaming }

// Get returns a message by ID.
func (s *Session) Get(id protocol.MessageID) (Message, bool) {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return s.messages[i], true
		}
	}
	return Message{}, false
}

// RecentMessages returns the last n messages.
func (s *Session) RecentMessages(n int) []Message {
	start := len(s.messages) - n
	if start < 0 {
		start = 0
	}
	return s.messages[start:]
}

// AllMessages returns the full history.
func (s *Session) AllMessages() []Message { return s.messages }

// BuildContext formats the last n messages as a role-labeled transcript.
func (s *Session) BuildContext(n int) string {
	var b strings.Builder
	for _, msg := range s.RecentMessages(n) {
		var role string
		switch msg.Role {
		case protocol.RoleUser:
			role = "User"
		case protocol.RoleAssistant:
			role = "Assistant"
		case protocol.RoleSystem:
			role = "System"
		}
		fmt.Fprintf(&b, "%s: %s\n\n", role, msg.Content)
	}
	return b.String()
}

// Pause the session if it is active.
func (s *Session) Pause() {
	if s.State == Active {
		s.State = Paused
	}
}

// Resume a paused session.
func (s *Session) Resume() {
	if s.State == Paused {
		s.State = Active
		s.Metadata.Touch()
	}
}

// End the session, dropping any in-flight message.
func (s *Session) End() {
	s.CancelStreaming()
	s.State = Ended
}

// ClearHistory drops every message but keeps metadata.
func (s *Session) ClearHistory() {
	s.messages = nil
	s.hasStreaming = false
	s.contentBytes = 0
	s.State = Active
}

// Prune applies the configured bounds on demand.
func (s *Session) Prune() { s.pruneIfNeeded() }

// ContentBytes returns the cumulative size of retained content.
func (s *Session) ContentBytes() int { return s.contentBytes }

// MessageCount returns the number of retained messages.
func (s *Session) MessageCount() int { return len(s.messages) }

// Limits returns (maxMessages, maxContentBytes).
func (s *Session) Limits() (int, int) { return s.maxMessages, s.maxContentBytes }

// pruneIfNeeded removes oldest non-streaming messages until both bounds
// hold. The in-flight streaming message is never removed.
func (s *Session) pruneIfNeeded() {
	if s.maxMessages == 0 && s.maxContentBytes == 0 {
		return
	}

	if s.maxMessages > 0 && len(s.messages) > s.maxMessages {
		toRemove := len(s.messages) - s.maxMessages
		removed := 0
		kept := s.messages[:0]
		for _, msg := range s.messages {
			if removed < toRemove && !(s.hasStreaming && msg.ID == s.streamingID) {
				s.contentBytes -= len(msg.Content)
				removed++
				continue
			}
			kept = append(kept, msg)
		}
		s.messages = kept
		logger.Debug("pruned session by count", "removed", removed, "remaining", len(s.messages))
	}

	if s.maxContentBytes > 0 && s.contentBytes > s.maxContentBytes {
		for s.contentBytes > s.maxContentBytes && len(s.messages) > 0 {
			idx := -1
			for i := range s.messages {
				if s.hasStreaming && s.messages[i].ID == s.streamingID {
					continue
				}
				idx = i
				break
			}
			if idx < 0 {
				// Only the streaming message remains.
				break
			}
			s.contentBytes -= len(s.messages[idx].Content)
			s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
		}
		logger.Debug("pruned session by bytes", "remaining", len(s.messages), "bytes", s.contentBytes)
	}
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}
