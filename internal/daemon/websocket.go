package daemon

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/8007342/ai-way/internal/logger"
	"github.com/8007342/ai-way/internal/protocol"
	"github.com/8007342/ai-way/internal/registry"
)

// wsReadLimit caps a single WebSocket message, matching the frame cap.
const wsReadLimit = protocol.MaxFrameSize

// wsWriteTimeout bounds one outbound write.
const wsWriteTimeout = 10 * time.Second

// wsRateLimiter applies per-IP limits on WebSocket upgrades. Stale
// entries are evicted periodically.
type wsRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*wsIPLimiter
	rate     rate.Limit
	burst    int
}

type wsIPLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newWSRateLimiter(reqPerSec float64, burst int) *wsRateLimiter {
	return &wsRateLimiter{
		limiters: make(map[string]*wsIPLimiter),
		rate:     rate.Limit(reqPerSec),
		burst:    burst,
	}
}

func (rl *wsRateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[ip]
	if !ok {
		l = &wsIPLimiter{lim: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[ip] = l
	}
	l.lastSeen = time.Now()
	return l.lim.Allow()
}

func (rl *wsRateLimiter) evictStale(olderThan time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, l := range rl.limiters {
		if time.Since(l.lastSeen) > olderThan {
			delete(rl.limiters, ip)
		}
	}
}

// serveWebSocket runs the optional WebSocket endpoint. Messages carry
// the same JSON payloads as unix-socket frames; WebSocket's own message
// framing replaces the length prefix.
func (s *Server) serveWebSocket(ctx context.Context) error {
	limiter := newWSRateLimiter(5, 10)
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.evictStale(10 * time.Minute)
			}
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"state":    s.conductor.State(),
			"surfaces": s.registry.Count(),
		})
	})
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !limiter.allow(ip) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		s.handleWS(ctx, w, r)
	})

	httpSrv := &http.Server{Addr: s.transport.WSAddr, Handler: mux}

	if s.transport.TLSCertFile != "" && s.transport.TLSKeyFile != "" {
		tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if s.transport.TLSCAFile != "" {
			caPEM, err := os.ReadFile(s.transport.TLSCAFile)
			if err != nil {
				return fmt.Errorf("read CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caPEM) {
				return errors.New("no certificates in CA file")
			}
			tlsCfg.ClientCAs = pool
			tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		}
		httpSrv.TLSConfig = tlsCfg
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("websocket listening", "addr", s.transport.WSAddr, "tls", httpSrv.TLSConfig != nil)
		if httpSrv.TLSConfig != nil {
			errCh <- httpSrv.ListenAndServeTLS(s.transport.TLSCertFile, s.transport.TLSKeyFile)
		} else {
			errCh <- httpSrv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// handleWS runs one WebSocket surface connection. The first event must
// be a Handshake carrying a valid session token; everything after flows
// through the same event channel as unix-socket connections.
func (s *Server) handleWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logger.Warn("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)
	defer conn.CloseNow()

	s.mu.Lock()
	active := len(s.connStates)
	s.mu.Unlock()
	if active >= s.serverConfig.MaxConnections {
		logger.Warn("connection limit reached, rejecting websocket", "active", active)
		conn.Close(websocket.StatusTryAgainLater, "connection limit reached")
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Authenticate before anything enters the conductor.
	_, first, err := conn.Read(connCtx)
	if err != nil {
		return
	}
	var handshake protocol.SurfaceEvent
	if err := json.Unmarshal(first, &handshake); err != nil || handshake.Type != protocol.EventHandshake {
		logger.Warn("websocket client skipped handshake", "remote", r.RemoteAddr)
		conn.Close(websocket.StatusPolicyViolation, "handshake required")
		return
	}
	if s.transport.WSRequireAuth && !s.keeper.Validate(handshake.AuthToken) {
		logger.Warn("websocket authentication failed", "remote", r.RemoteAddr)
		s.writeWS(connCtx, conn, protocol.ConductorMessage{
			Type:            protocol.MsgHandshakeAck,
			Accepted:        false,
			RejectionReason: "Authentication failed",
			ProtocolVersion: 1,
		})
		conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	connID := protocol.NewConnectionID()
	handle, outCh := registry.NewHandle(connID, s.serverConfig.ConnectionChannelCapacity,
		protocol.SurfaceHeadless, protocol.HeadlessCapabilities())
	handle.Metadata = &registry.Metadata{RemoteAddr: r.RemoteAddr}
	s.registry.Register(handle)
	s.monitor.Register(connID)

	s.mu.Lock()
	s.connStates[connID] = &connState{connectedAt: time.Now(), cancel: cancel}
	s.mu.Unlock()

	defer func() {
		handle.Close()
		s.registry.Unregister(connID)
		s.monitor.Unregister(connID)
		s.mu.Lock()
		delete(s.connStates, connID)
		s.mu.Unlock()
		logger.Info("websocket connection closed", "conn_id", connID)
	}()

	logger.Info("websocket connection accepted", "conn_id", connID, "remote", r.RemoteAddr)

	// The handshake itself still goes through the conductor so version
	// negotiation and the state snapshot follow the normal path.
	select {
	case s.eventCh <- inboundEvent{connID: connID, event: handshake}:
	case <-connCtx.Done():
		return
	}

	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.Read(connCtx)
			if err != nil {
				readErr <- err
				return
			}
			var ev protocol.SurfaceEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				logger.Warn("bad websocket event", "conn_id", connID, "error", err)
				continue
			}
			s.monitor.RecordActivity(connID)
			if ev.Type == protocol.EventPong {
				s.monitor.RecordPong(connID, ev.Seq)
			}
			select {
			case s.eventCh <- inboundEvent{connID: connID, event: ev}:
			case <-connCtx.Done():
				readErr <- connCtx.Err()
				return
			}
		}
	}()

	for {
		select {
		case <-connCtx.Done():
			return
		case err := <-readErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Debug("websocket read ended", "conn_id", connID, "error", err)
			}
			return
		case msg := <-outCh:
			if err := s.writeWS(connCtx, conn, msg); err != nil {
				logger.Debug("websocket write failed", "conn_id", connID, "error", err)
				return
			}
		}
	}
}

func (s *Server) writeWS(ctx context.Context, conn *websocket.Conn, msg protocol.ConductorMessage) error {
	data, err := json.Marshal(&msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
