package protocol

// Conductor → Surface message types.
const (
	MsgHandshakeAck = "handshake.ack"
	MsgPing         = "ping"
	MsgAck          = "ack"
	MsgState        = "state"
	MsgSessionInfo  = "session.info"
	MsgSnapshot     = "state.snapshot"
	MsgMessage      = "message"
	MsgToken        = "token"
	MsgStreamEnd    = "stream.end"
	MsgStreamError  = "stream.error"
	MsgNotify       = "notify"
	MsgQuit         = "quit"
	MsgLayoutHint   = "layout.hint"
	MsgQueryCaps    = "query.capabilities"

	MsgAvatarMoveTo     = "avatar.move_to"
	MsgAvatarPointAt    = "avatar.point_at"
	MsgAvatarWander     = "avatar.wander"
	MsgAvatarMood       = "avatar.mood"
	MsgAvatarSize       = "avatar.size"
	MsgAvatarGesture    = "avatar.gesture"
	MsgAvatarReact      = "avatar.react"
	MsgAvatarVisibility = "avatar.visibility"

	MsgTaskCreated   = "task.created"
	MsgTaskUpdated   = "task.updated"
	MsgTaskCompleted = "task.completed"
	MsgTaskFailed    = "task.failed"
	MsgTaskFocus     = "task.focus"
)

// ConductorMessage is the outbound wire envelope. The Type field selects
// the variant; only that variant's fields are populated.
type ConductorMessage struct {
	Type string `json:"type"`

	// HandshakeAck
	Accepted        bool   `json:"accepted,omitempty"`
	ConnectionID    string `json:"connection_id,omitempty"`
	RejectionReason string `json:"rejection_reason,omitempty"`
	ProtocolVersion int    `json:"protocol_version,omitempty"`

	// Ping
	Seq uint64 `json:"seq,omitempty"`

	// Ack
	EventID EventID `json:"event_id,omitempty"`

	// State
	State ConductorState `json:"state,omitempty"`

	// SessionInfo
	SessionID SessionID `json:"session_id,omitempty"`
	Model     string    `json:"model,omitempty"`
	Ready     bool      `json:"ready,omitempty"`

	// StateSnapshot
	ConversationHistory []SnapshotMessage `json:"conversation_history,omitempty"`
	AvatarState         *AvatarSnapshot   `json:"avatar_state,omitempty"`
	SessionInfo         *SessionSnapshot  `json:"session_info,omitempty"`

	// Message
	ID          MessageID   `json:"id,omitempty"`
	Role        MessageRole `json:"role,omitempty"`
	Content     string      `json:"content,omitempty"`
	ContentType ContentType `json:"content_type,omitempty"`

	// Token / StreamEnd / StreamError
	MessageID    MessageID         `json:"message_id,omitempty"`
	Text         string            `json:"text,omitempty"`
	FinalContent string            `json:"final_content,omitempty"`
	Metadata     *ResponseMetadata `json:"metadata,omitempty"`
	Error        string            `json:"error,omitempty"`

	// Notify / Quit
	Level   NotifyLevel `json:"level,omitempty"`
	Title   string      `json:"title,omitempty"`
	Message string      `json:"message,omitempty"`

	// Avatar messages
	Position   string `json:"position,omitempty"`
	XPercent   int    `json:"x_percent,omitempty"`
	YPercent   int    `json:"y_percent,omitempty"`
	Enabled    bool   `json:"enabled,omitempty"`
	Mood       string `json:"mood,omitempty"`
	Size       string `json:"size,omitempty"`
	Gesture    string `json:"gesture,omitempty"`
	Reaction   string `json:"reaction,omitempty"`
	DurationMS int    `json:"duration_ms,omitempty"`
	Visible    bool   `json:"visible,omitempty"`

	// Task messages
	TaskID        string `json:"task_id,omitempty"`
	Agent         string `json:"agent,omitempty"`
	Description   string `json:"description,omitempty"`
	Progress      int    `json:"progress,omitempty"`
	StatusMessage string `json:"status_message,omitempty"`
	Summary       string `json:"summary,omitempty"`

	// LayoutHint
	Layout string `json:"layout,omitempty"`
}
