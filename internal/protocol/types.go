package protocol

// SurfaceType declares what kind of client is on the other end.
type SurfaceType string

const (
	SurfaceTui      SurfaceType = "tui"
	SurfaceWeb      SurfaceType = "web"
	SurfaceMobile   SurfaceType = "mobile"
	SurfaceHeadless SurfaceType = "headless"
)

// Name returns a human-readable label for the surface type.
func (s SurfaceType) Name() string {
	switch s {
	case SurfaceTui:
		return "Terminal"
	case SurfaceWeb:
		return "Web"
	case SurfaceMobile:
		return "Mobile"
	case SurfaceHeadless:
		return "Headless"
	default:
		return string(s)
	}
}

// SurfaceCapabilities describes what a surface can render.
type SurfaceCapabilities struct {
	Color     bool `json:"color"`
	Images    bool `json:"images"`
	Streaming bool `json:"streaming"`
	Avatar    bool `json:"avatar"`
	Tasks     bool `json:"tasks"`
	Mouse     bool `json:"mouse"`
}

// TuiCapabilities returns the capability set a terminal surface declares.
func TuiCapabilities() SurfaceCapabilities {
	return SurfaceCapabilities{Color: true, Streaming: true, Avatar: true, Tasks: true, Mouse: true}
}

// WebCapabilities returns the capability set a web or mobile surface declares.
func WebCapabilities() SurfaceCapabilities {
	return SurfaceCapabilities{Color: true, Images: true, Streaming: true, Avatar: true, Tasks: true, Mouse: true}
}

// HeadlessCapabilities is the default before a handshake upgrades the connection.
func HeadlessCapabilities() SurfaceCapabilities {
	return SurfaceCapabilities{}
}

// MessageRole is who authored a conversation message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// ContentType hints at how message content should be rendered.
type ContentType string

const (
	ContentPlain    ContentType = "plain"
	ContentMarkdown ContentType = "markdown"
	ContentSystem   ContentType = "system"
)

// ConductorState is the daemon-level lifecycle state.
type ConductorState string

const (
	StateInitializing ConductorState = "initializing"
	StateWarmingUp    ConductorState = "warming_up"
	StateReady        ConductorState = "ready"
	StateListening    ConductorState = "listening"
	StateThinking     ConductorState = "thinking"
	StateResponding   ConductorState = "responding"
	StateShuttingDown ConductorState = "shutting_down"
)

// NotifyLevel grades notifications sent toward surfaces.
type NotifyLevel string

const (
	NotifyInfo    NotifyLevel = "info"
	NotifyWarning NotifyLevel = "warning"
	NotifyError   NotifyLevel = "error"
)

// ScrollDirection of a user scroll event.
type ScrollDirection string

const (
	ScrollUp   ScrollDirection = "up"
	ScrollDown ScrollDirection = "down"
)

// ResponseMetadata summarizes a completed generation.
type ResponseMetadata struct {
	ElapsedMS         int64  `json:"elapsed_ms"`
	TokenCount        int    `json:"token_count"`
	AgentTasksSpawned int    `json:"agent_tasks_spawned"`
	ModelID           string `json:"model_id,omitempty"`
}

// SnapshotMessage is one conversation message inside a StateSnapshot.
type SnapshotMessage struct {
	ID          MessageID   `json:"id"`
	Role        MessageRole `json:"role"`
	Content     string      `json:"content"`
	ContentType ContentType `json:"content_type"`
	Timestamp   int64       `json:"timestamp"`
}

// SessionSnapshot carries session metadata inside a StateSnapshot.
type SessionSnapshot struct {
	SessionID    SessionID      `json:"session_id"`
	Model        string         `json:"model"`
	Ready        bool           `json:"ready"`
	State        ConductorState `json:"state"`
	CreatedAt    int64          `json:"created_at"`
	MessageCount int            `json:"message_count"`
}

// AvatarSnapshot carries the avatar state inside a StateSnapshot.
type AvatarSnapshot struct {
	Position  string `json:"position"`
	X         int    `json:"x,omitempty"`
	Y         int    `json:"y,omitempty"`
	Mood      string `json:"mood"`
	Size      string `json:"size"`
	Visible   bool   `json:"visible"`
	Wandering bool   `json:"wandering"`
}
