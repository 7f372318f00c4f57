package protocol

// Surface → Conductor event types.
const (
	EventHandshake          = "handshake"
	EventPong               = "pong"
	EventConnected          = "connected"
	EventDisconnected       = "disconnected"
	EventResized            = "resized"
	EventUserMessage        = "user.message"
	EventUserCommand        = "user.command"
	EventUserTyping         = "user.typing"
	EventUserScrolled       = "user.scrolled"
	EventAvatarClicked      = "avatar.clicked"
	EventTaskClicked        = "task.clicked"
	EventMessageClicked     = "message.clicked"
	EventMessageReceived    = "message.received"
	EventRenderComplete     = "render.complete"
	EventCapabilitiesReport = "capabilities.report"
	EventQuitRequested      = "quit.requested"
	EventSurfaceError       = "surface.error"

	// Multi-conversation navigation
	EventFocusConversation    = "conversation.focus"
	EventScrollConversation   = "conversation.scroll"
	EventFocusNextConversation = "conversation.next"
	EventFocusPrevConversation = "conversation.prev"
	EventRequestSummary       = "summary.request"
	EventExitSummary          = "summary.exit"
)

// SurfaceEvent is the inbound wire envelope. The Type field selects the
// variant; only that variant's fields are populated. Events that cause
// side effects carry an EventID and are answered with a matching Ack.
type SurfaceEvent struct {
	Type    string  `json:"type"`
	EventID EventID `json:"event_id,omitempty"`

	// Handshake
	ProtocolVersion int                  `json:"protocol_version,omitempty"`
	SurfaceType     SurfaceType          `json:"surface_type,omitempty"`
	Capabilities    *SurfaceCapabilities `json:"capabilities,omitempty"`
	AuthToken       string               `json:"auth_token,omitempty"`

	// Pong
	Seq uint64 `json:"seq,omitempty"`

	// UserMessage
	Content string `json:"content,omitempty"`

	// UserCommand
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`

	// UserTyping
	Typing bool `json:"typing,omitempty"`

	// UserScrolled / ScrollConversation
	Direction ScrollDirection `json:"direction,omitempty"`
	Amount    int             `json:"amount,omitempty"`

	// Resized
	Cols int `json:"cols,omitempty"`
	Rows int `json:"rows,omitempty"`

	// TaskClicked
	TaskID string `json:"task_id,omitempty"`

	// MessageClicked / MessageReceived
	MessageID MessageID `json:"message_id,omitempty"`

	// SurfaceError
	Error       string `json:"error,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`

	// Disconnected
	Reason string `json:"reason,omitempty"`

	// FocusConversation / ScrollConversation
	ConversationID string `json:"conversation_id,omitempty"`
}
