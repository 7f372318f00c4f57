package conductor

import (
	"os"
	"strconv"
	"strings"

	"github.com/8007342/ai-way/internal/security"
)

// Config controls the conductor.
type Config struct {
	// Model is the default model identifier.
	Model string
	// WarmupOnStart issues a throwaway streaming request at startup.
	WarmupOnStart bool
	// GreetOnConnect generates a dynamic greeting when a surface connects.
	GreetOnConnect bool
	// MaxContextMessages bounds the history used to build LLM requests.
	MaxContextMessages int
	// SystemPrompt, if any.
	SystemPrompt string
	// Limits bound resource use.
	Limits security.Limits
	// AdditionalAgents extend the task agent allow-list.
	AdditionalAgents []string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Model:              "yollayah",
		WarmupOnStart:      true,
		GreetOnConnect:     true,
		MaxContextMessages: 10,
		Limits:             security.DefaultLimits(),
	}
}

// ConfigFromEnv reads the YOLLAYAH_* and CONDUCTOR_* environment.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("YOLLAYAH_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("YOLLAYAH_SKIP_WARMUP"); v != "" {
		cfg.WarmupOnStart = !truthy(v)
	}
	if v := os.Getenv("YOLLAYAH_GREET"); v != "" {
		cfg.GreetOnConnect = truthy(v)
	}
	if v := os.Getenv("YOLLAYAH_MAX_CONTEXT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxContextMessages = n
		}
	}
	if v := os.Getenv("YOLLAYAH_SYSTEM_PROMPT"); v != "" {
		cfg.SystemPrompt = v
	}
	cfg.Limits = security.LimitsFromEnv()
	if v := os.Getenv("CONDUCTOR_ADDITIONAL_AGENTS"); v != "" {
		for _, agent := range strings.Split(v, ",") {
			if agent = strings.TrimSpace(agent); agent != "" {
				cfg.AdditionalAgents = append(cfg.AdditionalAgents, agent)
			}
		}
	}
	return cfg
}

func truthy(v string) bool {
	return v == "1" || strings.EqualFold(v, "true")
}
