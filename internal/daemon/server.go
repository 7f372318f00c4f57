// Package daemon runs the conductor behind a unix domain socket (and
// optionally a WebSocket endpoint), one task per connection.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/8007342/ai-way/internal/auth"
	"github.com/8007342/ai-way/internal/backend"
	"github.com/8007342/ai-way/internal/conductor"
	"github.com/8007342/ai-way/internal/heartbeat"
	"github.com/8007342/ai-way/internal/logger"
	"github.com/8007342/ai-way/internal/protocol"
	"github.com/8007342/ai-way/internal/registry"
)

// acceptPollInterval keeps the accept loop responsive to shutdown.
const acceptPollInterval = 100 * time.Millisecond

// streamPollInterval paces the streaming drain task.
const streamPollInterval = 10 * time.Millisecond

// cleanupInterval paces the disconnected-surface sweep.
const cleanupInterval = 30 * time.Second

// connState tracks a live connection outside the registry.
type connState struct {
	connectedAt time.Time
	peerUID     *uint32
	cancel      context.CancelFunc
}

// Server is the conductor daemon.
type Server struct {
	transport    TransportConfig
	serverConfig ServerConfig

	registry  *registry.Registry
	conductor *conductor.Conductor
	monitor   *heartbeat.Monitor
	keeper    *auth.Keeper

	eventCh chan inboundEvent

	mu         sync.Mutex
	connStates map[protocol.ConnectionID]*connState

	tokenPath string
}

type inboundEvent struct {
	connID protocol.ConnectionID
	event  protocol.SurfaceEvent
}

// New builds a daemon around a backend.
func New(b backend.Backend, transport TransportConfig, serverConfig ServerConfig, conductorConfig conductor.Config, hb heartbeat.Config) *Server {
	reg := registry.New()
	if !transport.HeartbeatEnabled {
		hb.Enabled = false
	}
	return &Server{
		transport:    transport,
		serverConfig: serverConfig,
		registry:     reg,
		conductor:    conductor.NewWithRegistry(b, conductorConfig, reg),
		monitor:      heartbeat.NewMonitor(hb),
		eventCh:      make(chan inboundEvent, serverConfig.EventCapacity),
		connStates:   make(map[protocol.ConnectionID]*connState),
	}
}

// Conductor exposes the conductor, mainly for tests.
func (s *Server) Conductor() *conductor.Conductor { return s.conductor }

// Registry exposes the surface registry.
func (s *Server) Registry() *registry.Registry { return s.registry }

// ConnectionCount returns the number of live connection tasks.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connStates)
}

// Run starts the daemon and blocks until ctx is cancelled. Failure to
// prepare the runtime directory or bind the socket is fatal.
func (s *Server) Run(ctx context.Context) error {
	socketDir := filepath.Dir(s.transport.SocketPath)
	if err := os.MkdirAll(socketDir, 0o700); err != nil {
		return fmt.Errorf("prepare runtime directory: %w", err)
	}
	if err := os.Chmod(socketDir, 0o700); err != nil {
		return fmt.Errorf("prepare runtime directory: %w", err)
	}

	// Session token: fresh per daemon run, owner-only on disk.
	token := auth.Generate()
	s.tokenPath = filepath.Join(socketDir, auth.TokenFilename)
	if err := token.WriteFile(s.tokenPath); err != nil {
		return fmt.Errorf("write session token: %w", err)
	}
	s.keeper = auth.NewKeeper(token, s.tokenPath)
	s.conductor.SetTokenKeeper(s.keeper)

	// Remove any stale socket from a previous run.
	if _, err := os.Stat(s.transport.SocketPath); err == nil {
		logger.Warn("removing stale socket", "path", s.transport.SocketPath)
		if err := os.Remove(s.transport.SocketPath); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.transport.SocketPath, Net: "unix"})
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.transport.SocketPath, err)
	}
	if err := os.Chmod(s.transport.SocketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	logger.Info("listening", "path", s.transport.SocketPath)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.conductor.Start(runCtx); err != nil {
		listener.Close()
		return fmt.Errorf("start conductor: %w", err)
	}
	logger.Info("conductor started", "model", s.conductor.Model())

	var wg sync.WaitGroup

	// Token rotation watcher.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.keeper.Watch(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("token watcher exited", "error", err)
		}
	}()

	// Event dispatch: all inbound events funnel through here, so the
	// conductor sees each surface's events in wire order.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case in := <-s.eventCh:
				if err := s.conductor.HandleEventFrom(runCtx, in.connID, in.event); err != nil {
					logger.Warn("event handling failed", "conn_id", in.connID, "error", err)
				}
			}
		}
	}()

	// Streaming drain.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(streamPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.conductor.PollStreaming(runCtx)
			}
		}
	}()

	// Disconnected-surface sweep.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.registry.CleanupDisconnected()
			}
		}
	}()

	// Heartbeat.
	wg.Add(1)
	go func() {
		defer wg.Done()
		heartbeat.NewTask(s.monitor, s.registry).Run(runCtx)
	}()

	// Optional WebSocket endpoint.
	if s.transport.Transport == TransportWebSocket {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.serveWebSocket(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("websocket listener failed", "error", err)
			}
		}()
	}

	// Accept loop. A short deadline lets shutdown be noticed promptly.
	for {
		if runCtx.Err() != nil {
			break
		}
		if err := listener.SetDeadline(time.Now().Add(acceptPollInterval)); err != nil {
			logger.Error("set accept deadline", "error", err)
			break
		}
		conn, err := listener.AcceptUnix()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if runCtx.Err() != nil {
				break
			}
			logger.Error("accept failed", "error", err)
			continue
		}
		s.acceptConn(runCtx, conn)
	}

	// Graceful shutdown.
	cancel()
	listener.Close()
	s.closeAllConnections()
	wg.Wait()
	s.removeRuntimeFiles()
	logger.Info("shutdown complete")
	return nil
}

func (s *Server) acceptConn(ctx context.Context, conn *net.UnixConn) {
	s.mu.Lock()
	active := len(s.connStates)
	s.mu.Unlock()
	if active >= s.serverConfig.MaxConnections {
		logger.Warn("connection limit reached, rejecting", "active", active)
		conn.Close()
		return
	}

	uid, hasUID := peerUID(conn)
	if hasUID {
		ourUID := uint32(os.Getuid())
		if uid != ourUID && uid != 0 {
			logger.Warn("rejecting connection from different user", "peer_uid", uid, "our_uid", ourUID)
			conn.Close()
			return
		}
	}

	connID := protocol.NewConnectionID()
	handle, outCh := registry.NewHandle(connID, s.serverConfig.ConnectionChannelCapacity,
		protocol.SurfaceHeadless, protocol.HeadlessCapabilities())
	if hasUID {
		handle.Metadata = &registry.Metadata{PeerUID: &uid}
	}
	s.registry.Register(handle)
	s.monitor.Register(connID)

	connCtx, connCancel := context.WithCancel(ctx)
	s.mu.Lock()
	state := &connState{connectedAt: time.Now(), cancel: connCancel}
	if hasUID {
		state.peerUID = &uid
	}
	s.connStates[connID] = state
	active = len(s.connStates)
	s.mu.Unlock()

	logger.Info("connection accepted", "conn_id", connID, "peer_uid", uid, "active", active)

	go s.handleConnection(connCtx, connID, conn, handle, outCh)
}

// handleConnection interleaves a framed reader and a channel-fed writer
// until either side fails, then tears the connection down.
func (s *Server) handleConnection(ctx context.Context, connID protocol.ConnectionID, conn *net.UnixConn, handle *registry.Handle, outCh <-chan protocol.ConductorMessage) {
	defer func() {
		conn.Close()
		handle.Close()
		s.registry.Unregister(connID)
		s.monitor.Unregister(connID)
		s.mu.Lock()
		delete(s.connStates, connID)
		active := len(s.connStates)
		s.mu.Unlock()
		logger.Info("connection closed", "conn_id", connID, "active", active)
	}()

	readErr := make(chan error, 1)
	go func() {
		decoder := protocol.NewDecoder()
		buf := make([]byte, 8192)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				readErr <- err
				return
			}
			decoder.Push(buf[:n])
			for {
				var ev protocol.SurfaceEvent
				ok, err := decoder.Decode(&ev)
				if err != nil {
					// Oversized or malformed frames poison the stream.
					readErr <- err
					return
				}
				if !ok {
					break
				}
				s.monitor.RecordActivity(connID)
				if ev.Type == protocol.EventPong {
					s.monitor.RecordPong(connID, ev.Seq)
				}
				select {
				case s.eventCh <- inboundEvent{connID: connID, event: ev}:
				case <-ctx.Done():
					readErr <- ctx.Err()
					return
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Debug("connection read ended", "conn_id", connID, "error", err)
			}
			return
		case msg := <-outCh:
			frame, err := protocol.Encode(&msg)
			if err != nil {
				logger.Warn("encode failed", "conn_id", connID, "error", err)
				continue
			}
			if _, err := conn.Write(frame); err != nil {
				logger.Debug("connection write failed", "conn_id", connID, "error", err)
				return
			}
		}
	}
}

func (s *Server) closeAllConnections() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.connStates))
	for _, st := range s.connStates {
		cancels = append(cancels, st.cancel)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	// Give connection tasks a moment to unwind.
	time.Sleep(100 * time.Millisecond)
}

func (s *Server) removeRuntimeFiles() {
	if err := os.Remove(s.transport.SocketPath); err != nil && !os.IsNotExist(err) {
		logger.Warn("remove socket failed", "path", s.transport.SocketPath, "error", err)
	}
	if s.tokenPath != "" {
		if err := os.Remove(s.tokenPath); err != nil && !os.IsNotExist(err) {
			logger.Warn("remove token failed", "path", s.tokenPath, "error", err)
		}
	}
}
