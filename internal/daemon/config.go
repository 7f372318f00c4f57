package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// TransportType selects how surfaces reach the daemon.
type TransportType int

const (
	// TransportInProcess embeds the conductor directly (no daemon).
	TransportInProcess TransportType = iota
	// TransportUnix listens on a unix domain socket.
	TransportUnix
	// TransportWebSocket additionally listens on a WebSocket endpoint.
	TransportWebSocket
)

// TransportConfig selects and configures the transport.
type TransportConfig struct {
	Transport  TransportType
	SocketPath string

	// WebSocket listener settings.
	WSAddr        string
	WSRequireAuth bool
	TLSCertFile   string
	TLSKeyFile    string
	TLSCAFile     string

	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	HeartbeatEnabled  bool
	HeartbeatInterval time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

// DefaultTransportConfig returns unix-socket defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Transport:         TransportUnix,
		SocketPath:        DefaultSocketPath(),
		WSAddr:            "127.0.0.1:8765",
		WSRequireAuth:     true,
		ConnectTimeout:    5 * time.Second,
		HeartbeatEnabled:  true,
		HeartbeatInterval: 30 * time.Second,
		ReconnectAttempts: 3,
		ReconnectDelay:    time.Second,
	}
}

// TransportConfigFromEnv reads the CONDUCTOR_* transport environment.
func TransportConfigFromEnv() TransportConfig {
	cfg := DefaultTransportConfig()

	switch strings.ToLower(os.Getenv("CONDUCTOR_TRANSPORT")) {
	case "inprocess", "embedded":
		cfg.Transport = TransportInProcess
	case "websocket", "ws":
		cfg.Transport = TransportWebSocket
	case "unix", "socket", "":
		cfg.Transport = TransportUnix
	}

	if v := os.Getenv("CONDUCTOR_SOCKET"); v != "" {
		cfg.SocketPath = v
	}
	if v := os.Getenv("CONDUCTOR_WS_ADDR"); v != "" {
		cfg.WSAddr = v
	}
	if v := os.Getenv("CONDUCTOR_WS_AUTH"); v != "" {
		cfg.WSRequireAuth = v == "1" || strings.EqualFold(v, "true")
	}
	cfg.TLSCertFile = os.Getenv("CONDUCTOR_WS_CERT")
	cfg.TLSKeyFile = os.Getenv("CONDUCTOR_WS_KEY")
	cfg.TLSCAFile = os.Getenv("CONDUCTOR_WS_CA")

	if ms, ok := envMS("CONDUCTOR_CONNECT_TIMEOUT"); ok {
		cfg.ConnectTimeout = ms
	}
	if ms, ok := envMS("CONDUCTOR_READ_TIMEOUT"); ok {
		cfg.ReadTimeout = ms
	}
	if v := os.Getenv("CONDUCTOR_HEARTBEAT"); v != "" {
		cfg.HeartbeatEnabled = v != "0" && !strings.EqualFold(v, "false")
	}
	if ms, ok := envMS("CONDUCTOR_HEARTBEAT_INTERVAL"); ok {
		cfg.HeartbeatInterval = ms
	}
	if v := os.Getenv("CONDUCTOR_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReconnectAttempts = n
		}
	}
	if ms, ok := envMS("CONDUCTOR_RECONNECT_DELAY"); ok {
		cfg.ReconnectDelay = ms
	}
	return cfg
}

func envMS(name string) (time.Duration, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}

// DefaultSocketPath is $XDG_RUNTIME_DIR/ai-way/conductor.sock, falling
// back to /tmp/ai-way-$UID/conductor.sock.
func DefaultSocketPath() string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "ai-way", "conductor.sock")
	}
	return filepath.Join(fmt.Sprintf("/tmp/ai-way-%d", os.Getuid()), "conductor.sock")
}

// ServerConfig bounds the daemon server.
type ServerConfig struct {
	// MaxConnections caps concurrent surfaces.
	MaxConnections int
	// ConnectionChannelCapacity is the per-connection outbound buffer.
	ConnectionChannelCapacity int
	// EventCapacity is the shared inbound event buffer.
	EventCapacity int
}

// DefaultServerConfig returns production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxConnections:            100,
		ConnectionChannelCapacity: 256,
		EventCapacity:             256,
	}
}
