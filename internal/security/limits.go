// Package security validates everything untrusted that enters the
// conductor: user input from surfaces and control commands decoded from
// model output. Validation is fail-safe: when in doubt, reject.
package security

import (
	"os"
	"strconv"
)

// Limits bound resource use across the conductor.
type Limits struct {
	// MaxMessageSize caps a single message in bytes.
	MaxMessageSize int
	// MaxMessagesPerMinute is the surface rate limit.
	MaxMessagesPerMinute int
	// MaxCommandArgs caps slash-command arguments.
	MaxCommandArgs int
	// MaxSessionMessages bounds session history by count (0 = unlimited).
	MaxSessionMessages int
	// MaxSessionContentBytes bounds session history by bytes (0 = unlimited).
	MaxSessionContentBytes int
	// MaxActiveTasks caps concurrently active tasks (0 = unlimited).
	MaxActiveTasks int
	// MaxTotalTasks caps the task table including terminal tasks (0 = unlimited).
	MaxTotalTasks int
	// TaskCleanupAgeMS is the age after which terminal tasks are purged (0 = never).
	TaskCleanupAgeMS int64
	// MaxCommandsPerResponse caps extracted commands per decoded token
	// batch; the command validator's counter is reset at each batch.
	MaxCommandsPerResponse int
	// MaxTaskDescriptionLength in bytes.
	MaxTaskDescriptionLength int
}

// DefaultLimits returns the production defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxMessageSize:           100 * 1024,
		MaxMessagesPerMinute:     30,
		MaxCommandArgs:           10,
		MaxSessionMessages:       1000,
		MaxSessionContentBytes:   10 * 1024 * 1024,
		MaxActiveTasks:           20,
		MaxTotalTasks:            100,
		TaskCleanupAgeMS:         60 * 60 * 1000,
		MaxCommandsPerResponse:   10,
		MaxTaskDescriptionLength: 1000,
	}
}

// LimitsFromEnv reads CONDUCTOR_* overrides, falling back to defaults.
func LimitsFromEnv() Limits {
	l := DefaultLimits()
	l.MaxMessageSize = envInt("CONDUCTOR_MAX_MESSAGE_SIZE", l.MaxMessageSize)
	l.MaxMessagesPerMinute = envInt("CONDUCTOR_MAX_MESSAGES_PER_MINUTE", l.MaxMessagesPerMinute)
	l.MaxCommandArgs = envInt("CONDUCTOR_MAX_COMMAND_ARGS", l.MaxCommandArgs)
	l.MaxSessionMessages = envInt("CONDUCTOR_MAX_SESSION_MESSAGES", l.MaxSessionMessages)
	l.MaxSessionContentBytes = envInt("CONDUCTOR_MAX_SESSION_CONTENT_BYTES", l.MaxSessionContentBytes)
	l.MaxActiveTasks = envInt("CONDUCTOR_MAX_ACTIVE_TASKS", l.MaxActiveTasks)
	l.MaxTotalTasks = envInt("CONDUCTOR_MAX_TOTAL_TASKS", l.MaxTotalTasks)
	l.TaskCleanupAgeMS = int64(envInt("CONDUCTOR_TASK_CLEANUP_AGE_MS", int(l.TaskCleanupAgeMS)))
	l.MaxCommandsPerResponse = envInt("CONDUCTOR_MAX_COMMANDS_PER_RESPONSE", l.MaxCommandsPerResponse)
	l.MaxTaskDescriptionLength = envInt("CONDUCTOR_MAX_TASK_DESCRIPTION_LENGTH", l.MaxTaskDescriptionLength)
	return l
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
