package protocol

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// ConnectionID identifies a single surface connection for its lifetime.
// IDs are process-unique and never recycled.
type ConnectionID uint64

var connCounter atomic.Uint64

// NewConnectionID allocates the next connection ID.
func NewConnectionID() ConnectionID {
	return ConnectionID(connCounter.Add(1))
}

func (id ConnectionID) String() string {
	return fmt.Sprintf("conn-%d", uint64(id))
}

// SessionID identifies a conversation session.
type SessionID string

func NewSessionID() SessionID { return SessionID(uuid.NewString()) }

// MessageID identifies a conversation message.
type MessageID string

func NewMessageID() MessageID { return MessageID(uuid.NewString()) }

// EventID correlates a surface event with its Ack.
type EventID string

func NewEventID() EventID { return EventID(uuid.NewString()) }
