// Package conductor is the orchestration core. It owns the session, the
// avatar state, the task table, and the validators, and mediates between
// the LLM backend and every connected surface. It is UI-agnostic: all
// communication happens via ConductorMessage and SurfaceEvent.
package conductor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/8007342/ai-way/internal/auth"
	"github.com/8007342/ai-way/internal/avatar"
	"github.com/8007342/ai-way/internal/backend"
	"github.com/8007342/ai-way/internal/logger"
	"github.com/8007342/ai-way/internal/protocol"
	"github.com/8007342/ai-way/internal/registry"
	"github.com/8007342/ai-way/internal/security"
	"github.com/8007342/ai-way/internal/session"
	"github.com/8007342/ai-way/internal/tasks"
)

// SupportedProtocolVersion is the only protocol version accepted during
// handshake.
const SupportedProtocolVersion = 1

// snapshotHistoryLimit bounds the conversation history in a handshake
// state snapshot.
const snapshotHistoryLimit = 20

// Conductor is the orchestration core. All state mutations are serial:
// every public method that touches conductor-owned state takes the
// conductor mutex. The registry and command-validator accessors do not;
// those types carry their own locks.
type Conductor struct {
	mu sync.Mutex

	config  Config
	backend backend.Backend

	session     *session.Session
	avatarState *avatar.State
	parser      *avatar.Parser
	tasks       *tasks.Manager
	sprites     *avatar.SpriteCache
	state       protocol.ConductorState

	registry *registry.Registry
	// legacyTx is the optional single-surface channel kept for embedded
	// use; the registry is authoritative.
	legacyTx chan<- protocol.ConductorMessage

	tokens *auth.Keeper

	warmupComplete bool

	streamingRx         <-chan backend.Token
	streamingMessageID  protocol.MessageID
	streamingActive     bool
	streamingStart      time.Time
	streamingTokenCount int
	streamingModel      string

	inputValidator   *security.InputValidator
	commandValidator *security.CommandValidator
}

// New creates a conductor in legacy single-surface mode, delivering all
// messages to tx.
func New(b backend.Backend, config Config, tx chan<- protocol.ConductorMessage) *Conductor {
	c := newConductor(b, config, registry.New())
	c.legacyTx = tx
	return c
}

// NewWithRegistry creates a conductor for the daemon, broadcasting to
// every surface in the registry.
func NewWithRegistry(b backend.Backend, config Config, reg *registry.Registry) *Conductor {
	return newConductor(b, config, reg)
}

func newConductor(b backend.Backend, config Config, reg *registry.Registry) *Conductor {
	commandValidator := security.NewCommandValidator(config.Limits)
	for _, agent := range config.AdditionalAgents {
		commandValidator.AllowAgent(agent)
	}
	return &Conductor{
		config:  config,
		backend: b,
		session: session.NewWithLimits(config.Model,
			config.Limits.MaxSessionMessages, config.Limits.MaxSessionContentBytes),
		avatarState: avatar.NewState(),
		parser:      avatar.NewParser(),
		tasks: tasks.NewManagerWithLimits(config.Limits.MaxActiveTasks,
			config.Limits.MaxTotalTasks, config.Limits.TaskCleanupAgeMS),
		sprites:          avatar.NewSpriteCacheDefault(),
		state:            protocol.StateInitializing,
		registry:         reg,
		inputValidator:   security.NewInputValidator(config.Limits),
		commandValidator: commandValidator,
	}
}

// SetTokenKeeper wires the session-token keeper used to check handshake
// auth tokens.
func (c *Conductor) SetTokenKeeper(k *auth.Keeper) {
	c.mu.Lock()
	c.tokens = k
	c.mu.Unlock()
}

// Registry returns the shared surface registry.
func (c *Conductor) Registry() *registry.Registry { return c.registry }

// SessionID returns the current session's ID.
func (c *Conductor) SessionID() protocol.SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.ID
}

// State returns the conductor lifecycle state.
func (c *Conductor) State() protocol.ConductorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Model returns the configured model.
func (c *Conductor) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config.Model
}

// IsReady reports whether warmup has completed.
func (c *Conductor) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.warmupComplete
}

// Tasks exposes the task manager for inspection.
func (c *Conductor) Tasks() *tasks.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tasks
}

// Sprites exposes the sprite cache for in-process surfaces.
func (c *Conductor) Sprites() *avatar.SpriteCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sprites
}

// RejectedCommands returns the command validator's rejection log.
func (c *Conductor) RejectedCommands() []security.Rejection {
	return c.commandValidator.RejectedCommands()
}

// Avatar returns a copy of the avatar state.
func (c *Conductor) Avatar() avatar.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.avatarState
}

// SurfaceCount returns the number of registered surfaces.
func (c *Conductor) SurfaceCount() int { return c.registry.Count() }

// RegisterSurface adds a surface handle to the registry.
func (c *Conductor) RegisterSurface(h *registry.Handle) protocol.ConnectionID {
	return c.registry.Register(h)
}

// UnregisterSurface removes a surface from the registry.
func (c *Conductor) UnregisterSurface(id protocol.ConnectionID) bool {
	return c.registry.Unregister(id) != nil
}

// Start initializes the conductor and optionally warms up the model.
func (c *Conductor) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setState(protocol.StateInitializing)

	if !c.backend.HealthCheck(ctx) {
		c.notify(protocol.NotifyWarning, "Backend not available - first query may be slow")
	}

	if c.config.WarmupOnStart {
		c.warmup(ctx)
	} else {
		c.warmupComplete = true
		c.setState(protocol.StateReady)
	}

	c.send(protocol.ConductorMessage{
		Type:      protocol.MsgSessionInfo,
		SessionID: c.session.ID,
		Model:     c.config.Model,
		Ready:     c.warmupComplete,
	})
	return nil
}

// warmup issues a throwaway streaming request and drains it. Failures
// are logged but never block readiness.
func (c *Conductor) warmup(ctx context.Context) {
	c.setState(protocol.StateWarmingUp)

	req := &backend.Request{Prompt: "Say hi in 5 words or less.", Model: c.config.Model, Stream: true}
	rx, err := c.backend.SendStreaming(ctx, req)
	if err != nil {
		logger.Warn("warmup failed", "error", err)
		c.warmupComplete = true
		c.setState(protocol.StateReady)
		return
	}
	for token := range rx {
		if token.Kind == backend.TokenComplete {
			break
		}
		if token.Kind == backend.TokenError {
			logger.Warn("warmup error", "error", token.Err)
			break
		}
	}
	c.warmupComplete = true
	c.setState(protocol.StateReady)
}

// StateSnapshot builds a snapshot for a late-joining surface.
func (c *Conductor) StateSnapshot(maxMessages int) protocol.ConductorMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateSnapshotLocked(maxMessages)
}

func (c *Conductor) stateSnapshotLocked(maxMessages int) protocol.ConductorMessage {
	if maxMessages == 0 {
		maxMessages = snapshotHistoryLimit
	}
	history := make([]protocol.SnapshotMessage, 0, maxMessages)
	for _, msg := range c.session.RecentMessages(maxMessages) {
		history = append(history, protocol.SnapshotMessage{
			ID:          msg.ID,
			Role:        msg.Role,
			Content:     msg.Content,
			ContentType: protocol.ContentPlain,
			Timestamp:   msg.Timestamp,
		})
	}
	av := c.avatarState
	return protocol.ConductorMessage{
		Type:                protocol.MsgSnapshot,
		ConversationHistory: history,
		AvatarState: &protocol.AvatarSnapshot{
			Position:  av.Position.String(),
			X:         av.Position.X,
			Y:         av.Position.Y,
			Mood:      string(av.Mood),
			Size:      string(av.Size),
			Visible:   av.Visible,
			Wandering: av.Wandering,
		},
		SessionInfo: &protocol.SessionSnapshot{
			SessionID:    c.session.ID,
			Model:        c.config.Model,
			Ready:        c.warmupComplete,
			State:        c.state,
			CreatedAt:    c.session.Metadata.CreatedAt,
			MessageCount: c.session.Metadata.MessageCount,
		},
	}
}

// HandleEventFrom dispatches an event from a specific connection. This
// is the daemon entry point; per-connection responses (acks, handshake
// replies, snapshots) go only to that connection.
func (c *Conductor) HandleEventFrom(ctx context.Context, connID protocol.ConnectionID, ev protocol.SurfaceEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Type {
	case protocol.EventHandshake:
		c.handleHandshake(ctx, connID, ev)
		return nil

	case protocol.EventConnected:
		if ev.Capabilities != nil {
			c.registry.UpdateCapabilities(connID, *ev.Capabilities)
		}
		c.ackTo(ctx, connID, ev.EventID)
		c.sendTo(ctx, connID, protocol.ConductorMessage{Type: protocol.MsgState, State: c.state})
		c.sendTo(ctx, connID, protocol.ConductorMessage{
			Type:      protocol.MsgSessionInfo,
			SessionID: c.session.ID,
			Model:     c.config.Model,
			Ready:     c.warmupComplete,
		})
		logger.Info("surface connected", "conn_id", connID, "surface_type", ev.SurfaceType.Name())
		c.greetLocked(ctx, connID)
		return nil

	case protocol.EventDisconnected:
		c.ackTo(ctx, connID, ev.EventID)
		c.registry.Unregister(connID)
		logger.Info("surface disconnected", "conn_id", connID, "reason", ev.Reason)
		return nil

	case protocol.EventCapabilitiesReport:
		if ev.Capabilities != nil {
			c.registry.UpdateCapabilities(connID, *ev.Capabilities)
		}
		c.ackTo(ctx, connID, ev.EventID)
		return nil
	}

	return c.handleCommonEvent(ctx, connID, ev)
}

// HandleEvent dispatches an event in legacy single-surface mode.
func (c *Conductor) HandleEvent(ctx context.Context, ev protocol.SurfaceEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handleCommonEvent(ctx, 0, ev)
}

// handleCommonEvent handles events with no per-connection state. A zero
// connID means legacy mode: targeted sends fall back to broadcast.
func (c *Conductor) handleCommonEvent(ctx context.Context, connID protocol.ConnectionID, ev protocol.SurfaceEvent) error {
	switch ev.Type {
	case protocol.EventUserMessage:
		c.ackTo(ctx, connID, ev.EventID)
		result := c.inputValidator.ValidateMessage(ev.Content)
		switch result.Verdict {
		case security.Valid:
			return c.handleUserMessage(ctx, ev.Content)
		case security.Invalid:
			logger.Warn("rejected user message", "reason", result.Reason)
			c.notifyTo(ctx, connID, protocol.NotifyWarning, "Invalid message: "+result.Reason)
		case security.RateLimited:
			logger.Warn("rate limited user message", "reason", result.Reason)
			c.notifyTo(ctx, connID, protocol.NotifyWarning, result.Reason)
		}

	case protocol.EventUserCommand:
		c.ackTo(ctx, connID, ev.EventID)
		result := c.inputValidator.ValidateCommand(ev.Command, ev.Args)
		switch result.Verdict {
		case security.Valid:
			return c.handleSlashCommand(ctx, ev.Command, ev.Args)
		case security.Invalid:
			logger.Warn("rejected user command", "command", ev.Command, "reason", result.Reason)
			c.notifyTo(ctx, connID, protocol.NotifyWarning, "Invalid command: "+result.Reason)
		case security.RateLimited:
			logger.Warn("rate limited user command", "command", ev.Command, "reason", result.Reason)
			c.notifyTo(ctx, connID, protocol.NotifyWarning, result.Reason)
		}

	case protocol.EventUserTyping:
		if ev.Typing && c.state == protocol.StateReady {
			c.setState(protocol.StateListening)
		} else if !ev.Typing && c.state == protocol.StateListening {
			c.setState(protocol.StateReady)
		}

	case protocol.EventUserScrolled:
		// Surfaces handle their own scrollback.

	case protocol.EventAvatarClicked:
		c.ackTo(ctx, connID, ev.EventID)
		g := avatar.GestureWave
		c.avatarState.CurrentGesture = &g
		c.avatarState.CurrentReaction = nil
		c.send(protocol.ConductorMessage{
			Type:       protocol.MsgAvatarGesture,
			Gesture:    string(g),
			DurationMS: g.DefaultDurationMS(),
		})

	case protocol.EventTaskClicked:
		c.ackTo(ctx, connID, ev.EventID)
		c.send(protocol.ConductorMessage{Type: protocol.MsgTaskFocus, TaskID: ev.TaskID})

	case protocol.EventMessageClicked:
		c.ackTo(ctx, connID, ev.EventID)

	case protocol.EventMessageReceived, protocol.EventRenderComplete:
		// Surface-side acknowledgments; nothing to do.

	case protocol.EventResized:
		c.ackTo(ctx, connID, ev.EventID)

	case protocol.EventPong:
		// Heartbeat pongs are recorded by the transport layer.
		logger.Debug("pong", "conn_id", connID, "seq", ev.Seq)

	case protocol.EventQuitRequested:
		c.ackTo(ctx, connID, ev.EventID)
		c.shutdownLocked()

	case protocol.EventSurfaceError:
		c.ackTo(ctx, connID, ev.EventID)
		if ev.Recoverable {
			logger.Warn("surface error (recoverable)", "conn_id", connID, "error", ev.Error)
		} else {
			logger.Error("surface error (fatal)", "conn_id", connID, "error", ev.Error)
		}

	case protocol.EventFocusConversation, protocol.EventScrollConversation,
		protocol.EventFocusNextConversation, protocol.EventFocusPrevConversation,
		protocol.EventRequestSummary, protocol.EventExitSummary:
		// Multi-conversation navigation: single-conversation daemon acks
		// and otherwise ignores these.
		c.ackTo(ctx, connID, ev.EventID)

	default:
		logger.Warn("unknown surface event", "type", ev.Type)
	}
	return nil
}

// handleHandshake negotiates the protocol version, optionally checks the
// auth token, and rehydrates the surface with a state snapshot.
func (c *Conductor) handleHandshake(ctx context.Context, connID protocol.ConnectionID, ev protocol.SurfaceEvent) {
	caps := protocol.HeadlessCapabilities()
	if ev.Capabilities != nil {
		caps = *ev.Capabilities
	}

	accepted := ev.ProtocolVersion == SupportedProtocolVersion
	rejection := ""
	if !accepted {
		rejection = fmt.Sprintf("Unsupported protocol version: %d (expected %d)",
			ev.ProtocolVersion, SupportedProtocolVersion)
	}
	if accepted && c.tokens != nil && ev.AuthToken != "" && !c.tokens.Validate(ev.AuthToken) {
		accepted = false
		rejection = "Authentication failed"
	}

	if accepted {
		c.registry.CompleteHandshake(connID, ev.SurfaceType, caps, ev.AuthToken, ev.ProtocolVersion)
	}

	c.sendTo(ctx, connID, protocol.ConductorMessage{
		Type:            protocol.MsgHandshakeAck,
		Accepted:        accepted,
		ConnectionID:    connID.String(),
		RejectionReason: rejection,
		ProtocolVersion: SupportedProtocolVersion,
	})
	c.ackTo(ctx, connID, ev.EventID)

	if !accepted {
		logger.Warn("handshake rejected", "conn_id", connID, "reason", rejection)
		return
	}

	c.sendTo(ctx, connID, protocol.ConductorMessage{Type: protocol.MsgState, State: c.state})
	c.sendTo(ctx, connID, protocol.ConductorMessage{
		Type:      protocol.MsgSessionInfo,
		SessionID: c.session.ID,
		Model:     c.config.Model,
		Ready:     c.warmupComplete,
	})
	c.sendTo(ctx, connID, c.stateSnapshotLocked(snapshotHistoryLimit))

	logger.Info("handshake accepted",
		"conn_id", connID,
		"surface_type", ev.SurfaceType.Name(),
		"message_count", c.session.Metadata.MessageCount)
}

// greetLocked generates a dynamic greeting, falling back to a static one.
func (c *Conductor) greetLocked(ctx context.Context, connID protocol.ConnectionID) {
	if !c.warmupComplete {
		return
	}
	if !c.config.GreetOnConnect {
		c.sendTo(ctx, connID, protocol.ConductorMessage{
			Type:        protocol.MsgMessage,
			ID:          protocol.NewMessageID(),
			Role:        protocol.RoleSystem,
			Content:     "Ready to chat! Type a message below.",
			ContentType: protocol.ContentSystem,
		})
		return
	}
	if c.streamingActive {
		return
	}

	now := time.Now()
	var timeOfDay string
	switch h := now.Hour(); {
	case h >= 5 && h <= 11:
		timeOfDay = "morning"
	case h >= 12 && h <= 16:
		timeOfDay = "afternoon"
	case h >= 17 && h <= 20:
		timeOfDay = "evening"
	default:
		timeOfDay = "night"
	}
	prompt := fmt.Sprintf(
		"Say a quick, cute one-liner greeting to start our chat. "+
			"It's %s %s. Be yourself - warm, playful, maybe a Spanish expression. "+
			"ONE sentence max. Include avatar commands for wave/mood.",
		now.Format("Monday"), timeOfDay)

	req := &backend.Request{Prompt: prompt, Model: c.config.Model, System: c.config.SystemPrompt, Stream: true}
	c.setState(protocol.StateResponding)
	rx, err := c.backend.SendStreaming(ctx, req)
	if err != nil {
		logger.Warn("greeting generation failed", "error", err)
		c.send(protocol.ConductorMessage{
			Type:        protocol.MsgMessage,
			ID:          protocol.NewMessageID(),
			Role:        protocol.RoleAssistant,
			Content:     "[yolla:wave][yolla:mood happy]¡Hola! Ready to chat!",
			ContentType: protocol.ContentPlain,
		})
		c.setState(protocol.StateReady)
		return
	}
	c.beginStreaming(rx, c.config.Model)
}

// handleUserMessage appends the message, fans it out, and opens a
// streaming generation.
func (c *Conductor) handleUserMessage(ctx context.Context, content string) error {
	userMsgID := c.session.AddUserMessage(content)

	c.send(protocol.ConductorMessage{
		Type:        protocol.MsgMessage,
		ID:          userMsgID,
		Role:        protocol.RoleUser,
		Content:     content,
		ContentType: protocol.ContentPlain,
	})

	c.setState(protocol.StateThinking)

	history := c.session.BuildContext(c.config.MaxContextMessages)
	req := &backend.Request{
		Prompt:  content,
		Model:   c.config.Model,
		System:  c.config.SystemPrompt,
		Context: history,
		Stream:  true,
	}

	rx, err := c.backend.SendStreaming(ctx, req)
	if err != nil {
		c.session.AddSystemMessage(fmt.Sprintf("Error: %v", err))
		c.notify(protocol.NotifyError, fmt.Sprintf("Failed to send message: %v", err))
		c.setState(protocol.StateReady)
		return nil
	}

	c.beginStreaming(rx, c.config.Model)
	return nil
}

func (c *Conductor) beginStreaming(rx <-chan backend.Token, model string) {
	msgID := c.session.StartAssistantResponse()
	c.streamingRx = rx
	c.streamingMessageID = msgID
	c.streamingActive = true
	c.streamingStart = time.Now()
	c.streamingTokenCount = 0
	c.streamingModel = model
	c.setState(protocol.StateResponding)
}

// PollStreaming drains whatever tokens are currently available from the
// active stream without blocking. Returns true when there was activity.
func (c *Conductor) PollStreaming(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.streamingActive {
		return false
	}

	var collected []backend.Token
drain:
	for {
		select {
		case token, ok := <-c.streamingRx:
			if !ok {
				break drain
			}
			collected = append(collected, token)
			if token.Kind != backend.TokenText {
				break drain
			}
		default:
			break drain
		}
	}

	if len(collected) == 0 {
		return false
	}

	// Each batch of decoded tokens gets a fresh command budget.
	c.commandValidator.ResetResponseCounter()

	for _, token := range collected {
		switch token.Kind {
		case backend.TokenText:
			c.streamingTokenCount++
			clean := c.parser.Parse(token.Text)
			for {
				cmd, ok := c.parser.NextCommand()
				if !ok {
					break
				}
				if err := c.commandValidator.ValidateCommand(cmd); err != nil {
					logger.Warn("dropped model command", "reason", err)
					continue
				}
				c.applyAvatarCommand(cmd)
			}
			c.session.AppendStreaming(clean)
			c.send(protocol.ConductorMessage{
				Type:      protocol.MsgToken,
				MessageID: c.streamingMessageID,
				Text:      clean,
			})

		case backend.TokenComplete:
			c.session.CompleteStreaming()
			metadata := &protocol.ResponseMetadata{
				ElapsedMS:         time.Since(c.streamingStart).Milliseconds(),
				TokenCount:        c.streamingTokenCount,
				AgentTasksSpawned: c.tasks.ActiveCount(),
				ModelID:           c.streamingModel,
			}
			c.send(protocol.ConductorMessage{
				Type:         protocol.MsgStreamEnd,
				MessageID:    c.streamingMessageID,
				FinalContent: token.Message,
				Metadata:     metadata,
			})
			c.clearStreaming()
			c.setState(protocol.StateReady)

		case backend.TokenError:
			c.session.CancelStreaming()
			c.send(protocol.ConductorMessage{
				Type:      protocol.MsgStreamError,
				MessageID: c.streamingMessageID,
				Error:     token.Err,
			})
			c.notify(protocol.NotifyError, token.Err)
			c.clearStreaming()
			c.setState(protocol.StateReady)
		}
	}

	return true
}

func (c *Conductor) clearStreaming() {
	c.streamingRx = nil
	c.streamingActive = false
	c.streamingTokenCount = 0
	c.streamingModel = ""
}

// handleSlashCommand executes a validated user slash command.
func (c *Conductor) handleSlashCommand(ctx context.Context, command string, args []string) error {
	switch command {
	case "help":
		c.session.AddSystemMessage("Available commands: /help, /clear, /model, /quit")
		c.notify(protocol.NotifyInfo, "Available commands: /help, /clear, /model, /quit")
	case "clear":
		c.session.ClearHistory()
		c.notify(protocol.NotifyInfo, "Conversation cleared")
	case "model":
		if len(args) > 0 {
			c.config.Model = args[0]
			c.session.Metadata.Model = args[0]
			c.notify(protocol.NotifyInfo, "Model set to: "+args[0])
		} else {
			c.notify(protocol.NotifyInfo, "Current model: "+c.config.Model)
		}
	case "quit", "exit":
		c.shutdownLocked()
	default:
		c.notify(protocol.NotifyWarning, "Unknown command: /"+command)
	}
	return nil
}

// applyAvatarCommand mutates avatar state and emits the matching
// outbound message.
func (c *Conductor) applyAvatarCommand(cmd avatar.Command) {
	c.avatarState.ApplyCommand(cmd)

	switch cmd.Kind {
	case avatar.CmdMoveTo:
		c.send(protocol.ConductorMessage{
			Type:     protocol.MsgAvatarMoveTo,
			Position: cmd.Pos.String(),
			XPercent: cmd.Pos.X,
			YPercent: cmd.Pos.Y,
		})
	case avatar.CmdPointAt:
		c.send(protocol.ConductorMessage{
			Type:     protocol.MsgAvatarPointAt,
			XPercent: cmd.X,
			YPercent: cmd.Y,
		})
	case avatar.CmdWander:
		c.send(protocol.ConductorMessage{Type: protocol.MsgAvatarWander, Enabled: cmd.Enabled})
	case avatar.CmdMood:
		c.send(protocol.ConductorMessage{Type: protocol.MsgAvatarMood, Mood: string(cmd.Mood)})
	case avatar.CmdSize:
		c.send(protocol.ConductorMessage{Type: protocol.MsgAvatarSize, Size: string(cmd.Size)})
	case avatar.CmdGesture:
		c.send(protocol.ConductorMessage{
			Type:       protocol.MsgAvatarGesture,
			Gesture:    string(cmd.Gesture),
			DurationMS: cmd.Gesture.DefaultDurationMS(),
		})
	case avatar.CmdReact:
		c.send(protocol.ConductorMessage{
			Type:       protocol.MsgAvatarReact,
			Reaction:   string(cmd.Reaction),
			DurationMS: cmd.Reaction.DefaultDurationMS(),
		})
	case avatar.CmdHide:
		c.send(protocol.ConductorMessage{Type: protocol.MsgAvatarVisibility, Visible: false})
	case avatar.CmdShow:
		c.send(protocol.ConductorMessage{Type: protocol.MsgAvatarVisibility, Visible: true})
	case avatar.CmdCustomSprite:
		// Validated but not rendered server-side; surfaces own sprites.
	case avatar.CmdTask:
		c.handleTaskCommand(cmd.Task)
	}
}

// handleTaskCommand translates model task verbs into task-table updates
// and outbound task messages.
func (c *Conductor) handleTaskCommand(cmd *avatar.TaskCommand) {
	switch cmd.Verb {
	case avatar.TaskStart:
		id, err := c.tasks.TryCreateTask(cmd.Agent, cmd.Description)
		if err != nil {
			logger.Warn("task creation refused", "agent", cmd.Agent, "error", err)
			c.notify(protocol.NotifyWarning, err.Error())
			return
		}
		c.send(protocol.ConductorMessage{
			Type:        protocol.MsgTaskCreated,
			TaskID:      string(id),
			Agent:       cmd.Agent,
			Description: cmd.Description,
		})
	case avatar.TaskProgress:
		id := tasks.ID(cmd.TaskID)
		c.tasks.UpdateProgress(id, cmd.Percent, "")
		c.send(protocol.ConductorMessage{
			Type:     protocol.MsgTaskUpdated,
			TaskID:   cmd.TaskID,
			Progress: cmd.Percent,
		})
	case avatar.TaskDone:
		c.tasks.CompleteTask(tasks.ID(cmd.TaskID), "")
		c.send(protocol.ConductorMessage{Type: protocol.MsgTaskCompleted, TaskID: cmd.TaskID})
	case avatar.TaskFail:
		c.tasks.FailTask(tasks.ID(cmd.TaskID), cmd.Reason)
		c.send(protocol.ConductorMessage{Type: protocol.MsgTaskFailed, TaskID: cmd.TaskID, Error: cmd.Reason})
	case avatar.TaskFocus:
		c.send(protocol.ConductorMessage{Type: protocol.MsgTaskFocus, TaskID: cmd.TaskID})
	case avatar.TaskPointAt, avatar.TaskHover:
		// Positioning hints for surfaces; no table change.
	case avatar.TaskCelebrate:
		r := avatar.ReactTada
		c.avatarState.CurrentReaction = &r
		c.avatarState.CurrentGesture = nil
		c.send(protocol.ConductorMessage{
			Type:       protocol.MsgAvatarReact,
			Reaction:   string(r),
			DurationMS: r.DefaultDurationMS(),
		})
	}
}

// Shutdown moves the conductor to ShuttingDown and tells surfaces to quit.
func (c *Conductor) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdownLocked()
}

func (c *Conductor) shutdownLocked() {
	c.setState(protocol.StateShuttingDown)
	c.session.End()
	c.send(protocol.ConductorMessage{Type: protocol.MsgQuit, Message: "Goodbye!"})
}

// setState records the state and broadcasts the transition.
func (c *Conductor) setState(state protocol.ConductorState) {
	c.state = state
	c.send(protocol.ConductorMessage{Type: protocol.MsgState, State: state})
}

func (c *Conductor) ackTo(ctx context.Context, connID protocol.ConnectionID, eventID protocol.EventID) {
	if eventID == "" {
		return
	}
	c.sendTo(ctx, connID, protocol.ConductorMessage{Type: protocol.MsgAck, EventID: eventID})
}

func (c *Conductor) notify(level protocol.NotifyLevel, message string) {
	c.send(protocol.ConductorMessage{Type: protocol.MsgNotify, Level: level, Message: message})
}

// notifyTo notifies one surface, falling back to broadcast in legacy mode.
func (c *Conductor) notifyTo(ctx context.Context, connID protocol.ConnectionID, level protocol.NotifyLevel, message string) {
	msg := protocol.ConductorMessage{Type: protocol.MsgNotify, Level: level, Message: message}
	if connID == 0 {
		c.send(msg)
		return
	}
	c.sendTo(ctx, connID, msg)
}

// send fans a message out to every surface. Delivery is best-effort per
// surface; a wedged peer never delays the conductor.
func (c *Conductor) send(msg protocol.ConductorMessage) {
	if c.legacyTx != nil {
		select {
		case c.legacyTx <- msg:
		default:
			logger.Warn("legacy surface channel full, message dropped", "type", msg.Type)
		}
	}
	if c.registry.Count() > 0 {
		result := c.registry.Broadcast(msg)
		if result.Failed > 0 {
			logger.Warn("broadcast incomplete",
				"type", msg.Type, "failed", result.Failed, "successful", result.Successful)
		}
	}
}

// sendTo delivers to one surface, falling back to broadcast in legacy
// mode (connID zero).
func (c *Conductor) sendTo(ctx context.Context, connID protocol.ConnectionID, msg protocol.ConductorMessage) bool {
	if connID == 0 {
		c.send(msg)
		return true
	}
	return c.registry.SendToAsync(ctx, connID, msg)
}
