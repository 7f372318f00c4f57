package security

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/8007342/ai-way/internal/avatar"
	"github.com/8007342/ai-way/internal/logger"
)

// RejectionKind classifies why a model-emitted command was rejected.
type RejectionKind string

const (
	RejectNotAllowed             RejectionKind = "not_allowed"
	RejectRateLimitExceeded      RejectionKind = "rate_limit_exceeded"
	RejectInvalidArguments       RejectionKind = "invalid_arguments"
	RejectUnknownAgent           RejectionKind = "unknown_agent"
	RejectInvalidTaskDescription RejectionKind = "invalid_task_description"
)

// RejectionError reports a rejected command with a structured kind.
type RejectionError struct {
	Kind   RejectionKind
	Detail string
}

func (e *RejectionError) Error() string {
	switch e.Kind {
	case RejectNotAllowed:
		return fmt.Sprintf("Command '%s' is not allowed", e.Detail)
	case RejectRateLimitExceeded:
		return "Too many commands in response"
	case RejectUnknownAgent:
		return fmt.Sprintf("Unknown agent '%s' not in allowlist", e.Detail)
	case RejectInvalidArguments:
		return fmt.Sprintf("Invalid command arguments: %s", e.Detail)
	case RejectInvalidTaskDescription:
		return fmt.Sprintf("Invalid task description: %s", e.Detail)
	default:
		return string(e.Kind)
	}
}

// Rejection is one entry in the rejected-command log.
type Rejection struct {
	Command string
	Kind    RejectionKind
	Detail  string
}

// rejectionLogCap bounds the rejected-command ring buffer.
const rejectionLogCap = 100

// Caps on free-form command payloads.
const (
	maxTaskIDLength     = 100
	maxCustomSpriteData = 100
)

// defaultAllowedAgents is the closed set of specialist agent identifiers
// the model may spawn tasks for. Operators extend the set via
// CONDUCTOR_ADDITIONAL_AGENTS.
var defaultAllowedAgents = []string{
	"ethical-hacker",
	"backend-engineer",
	"frontend-specialist",
	"senior-full-stack-developer",
	"solutions-architect",
	"ux-ui-designer",
	"qa-engineer",
	"privacy-researcher",
	"devops-engineer",
	"relational-database-expert",
}

// CommandValidator screens commands parsed out of model output: a
// response-scoped command budget, an agent allow-list, and bounded
// free-form payloads. Rejections are ring-logged for monitoring.
type CommandValidator struct {
	allowedAgents       map[string]struct{}
	maxPerResponse      int
	maxDescriptionBytes int

	commandsInResponse atomic.Int32

	mu       sync.Mutex
	rejected []Rejection
}

// NewCommandValidator creates a validator with the default agent
// allow-list.
func NewCommandValidator(limits Limits) *CommandValidator {
	agents := make(map[string]struct{}, len(defaultAllowedAgents))
	for _, a := range defaultAllowedAgents {
		agents[a] = struct{}{}
	}
	return &CommandValidator{
		allowedAgents:       agents,
		maxPerResponse:      limits.MaxCommandsPerResponse,
		maxDescriptionBytes: limits.MaxTaskDescriptionLength,
	}
}

// NewCommandValidatorWithAgents creates a validator with a custom agent
// allow-list.
func NewCommandValidatorWithAgents(limits Limits, agents []string) *CommandValidator {
	v := &CommandValidator{
		allowedAgents:       make(map[string]struct{}, len(agents)),
		maxPerResponse:      limits.MaxCommandsPerResponse,
		maxDescriptionBytes: limits.MaxTaskDescriptionLength,
	}
	for _, a := range agents {
		v.allowedAgents[a] = struct{}{}
	}
	return v
}

// ResetResponseCounter zeroes the per-response command budget. Call at
// the start of each decoded token batch.
func (v *CommandValidator) ResetResponseCounter() {
	v.commandsInResponse.Store(0)
}

// AllowAgent adds an agent identifier to the allow-list.
func (v *CommandValidator) AllowAgent(agent string) {
	v.mu.Lock()
	v.allowedAgents[agent] = struct{}{}
	v.mu.Unlock()
}

// DisallowAgent removes an agent identifier from the allow-list.
func (v *CommandValidator) DisallowAgent(agent string) {
	v.mu.Lock()
	delete(v.allowedAgents, agent)
	v.mu.Unlock()
}

// IsAgentAllowed reports whether an agent identifier is allowed.
func (v *CommandValidator) IsAgentAllowed(agent string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.allowedAgents[agent]
	return ok
}

// AllowedAgents returns a copy of the allow-list.
func (v *CommandValidator) AllowedAgents() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.allowedAgents))
	for a := range v.allowedAgents {
		out = append(out, a)
	}
	return out
}

// ValidateCommand checks one decoded command. A nil return means the
// command may be executed; a *RejectionError means drop it and carry on
// with the stream.
func (v *CommandValidator) ValidateCommand(cmd avatar.Command) error {
	count := v.commandsInResponse.Add(1)
	if int(count) > v.maxPerResponse {
		return v.reject(commandLabel(cmd), RejectRateLimitExceeded, "")
	}

	switch cmd.Kind {
	case avatar.CmdTask:
		return v.validateTaskCommand(cmd.Task)
	case avatar.CmdCustomSprite:
		if len(cmd.Sprite) > maxCustomSpriteData {
			return v.reject("sprite", RejectInvalidArguments, "CustomSprite data too long")
		}
		for _, c := range cmd.Sprite {
			if !isSpriteDataChar(c) {
				return v.reject("sprite", RejectInvalidArguments, "CustomSprite contains invalid characters")
			}
		}
		return nil
	case avatar.CmdPointAt:
		if cmd.X > 100 || cmd.Y > 100 || cmd.X < 0 || cmd.Y < 0 {
			return v.reject("point", RejectInvalidArguments, "Point coordinates out of range")
		}
		return nil
	default:
		// Remaining variants carry only closed enumerations.
		return nil
	}
}

func (v *CommandValidator) validateTaskCommand(cmd *avatar.TaskCommand) error {
	if cmd == nil {
		return v.reject("task", RejectInvalidArguments, "missing task payload")
	}
	switch cmd.Verb {
	case avatar.TaskStart:
		if !v.IsAgentAllowed(cmd.Agent) {
			return v.reject("task start "+cmd.Agent, RejectUnknownAgent, cmd.Agent)
		}
		if err := v.validateDescription(cmd.Description); err != nil {
			return v.reject("task start "+cmd.Agent, RejectInvalidTaskDescription, err.Error())
		}
		return nil
	case avatar.TaskProgress:
		if err := validateTaskID(cmd.TaskID); err != nil {
			return v.reject("task progress", RejectInvalidArguments, err.Error())
		}
		if cmd.Percent > 100 || cmd.Percent < 0 {
			return v.reject("task progress", RejectInvalidArguments, "Progress percent out of range")
		}
		return nil
	case avatar.TaskFail:
		if err := validateTaskID(cmd.TaskID); err != nil {
			return v.reject("task fail", RejectInvalidArguments, err.Error())
		}
		if len(cmd.Reason) > v.maxDescriptionBytes {
			return v.reject("task fail", RejectInvalidTaskDescription, "Failure reason too long")
		}
		return nil
	default:
		if err := validateTaskID(cmd.TaskID); err != nil {
			return v.reject("task", RejectInvalidArguments, err.Error())
		}
		return nil
	}
}

func (v *CommandValidator) validateDescription(desc string) error {
	if len(desc) > v.maxDescriptionBytes {
		return fmt.Errorf("description too long: %d bytes (max: %d)", len(desc), v.maxDescriptionBytes)
	}
	for _, c := range desc {
		if c != ' ' && (c < 0x20 || c == 0x7f) {
			return fmt.Errorf("description contains control characters")
		}
	}
	if strings.TrimSpace(desc) == "" {
		return fmt.Errorf("description is empty")
	}
	return nil
}

func validateTaskID(id string) error {
	if len(id) > maxTaskIDLength {
		return fmt.Errorf("task ID too long")
	}
	for _, c := range id {
		if !isCommandNameChar(c) {
			return fmt.Errorf("task ID contains invalid characters")
		}
	}
	return nil
}

// reject records a rejection and returns the error.
func (v *CommandValidator) reject(command string, kind RejectionKind, detail string) error {
	err := &RejectionError{Kind: kind, Detail: detail}
	logger.Warn("rejected model command", "command", command, "reason", err.Error())

	v.mu.Lock()
	if len(v.rejected) >= rejectionLogCap {
		v.rejected = v.rejected[1:]
	}
	v.rejected = append(v.rejected, Rejection{Command: command, Kind: kind, Detail: detail})
	v.mu.Unlock()
	return err
}

// RejectedCommands returns a copy of the rejection log.
func (v *CommandValidator) RejectedCommands() []Rejection {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Rejection, len(v.rejected))
	copy(out, v.rejected)
	return out
}

// ClearRejectedLog empties the rejection log.
func (v *CommandValidator) ClearRejectedLog() {
	v.mu.Lock()
	v.rejected = nil
	v.mu.Unlock()
}

func isSpriteDataChar(c rune) bool {
	return c == ' ' || c == '.' || c == '_' || c == '-' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func commandLabel(cmd avatar.Command) string {
	switch cmd.Kind {
	case avatar.CmdTask:
		return "task"
	case avatar.CmdCustomSprite:
		return "sprite"
	case avatar.CmdMood:
		return "mood"
	case avatar.CmdGesture:
		return string(cmd.Gesture)
	case avatar.CmdReact:
		return "react"
	default:
		return "avatar"
	}
}
