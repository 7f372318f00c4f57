// Package heartbeat monitors connection health with a ping/pong protocol.
// The conductor sends Ping frames on idle connections; a surface that
// misses too many pongs in a row is unregistered.
package heartbeat

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/8007342/ai-way/internal/logger"
	"github.com/8007342/ai-way/internal/protocol"
)

// Config controls heartbeat behavior.
type Config struct {
	// Interval between pings on an otherwise idle connection.
	Interval time.Duration
	// ResponseTimeout is how long to wait for a pong.
	ResponseTimeout time.Duration
	// MaxMissedPongs before the connection is disconnected.
	MaxMissedPongs int
	// Enabled can be turned off for tests.
	Enabled bool
}

// DefaultConfig returns production defaults: 30s interval, 10s timeout,
// 3 missed pongs.
func DefaultConfig() Config {
	return Config{
		Interval:        30 * time.Second,
		ResponseTimeout: 10 * time.Second,
		MaxMissedPongs:  3,
		Enabled:         true,
	}
}

// DisabledConfig returns a config with heartbeat turned off.
func DisabledConfig() Config {
	cfg := DefaultConfig()
	cfg.Enabled = false
	return cfg
}

// TestingConfig returns short intervals for tests.
func TestingConfig() Config {
	return Config{
		Interval:        100 * time.Millisecond,
		ResponseTimeout: 50 * time.Millisecond,
		MaxMissedPongs:  2,
		Enabled:         true,
	}
}

// Health holds per-connection metrics.
type Health struct {
	MissedPongs   int
	LastRTT       time.Duration
	AvgRTT        time.Duration
	MinRTT        time.Duration
	MaxRTT        time.Duration
	PingsSent     uint64
	PongsReceived uint64
	LastActivity  time.Time
	Healthy       bool
}

// rttAlpha is the EWMA smoothing factor for the average RTT.
const rttAlpha = 0.2

func (h *Health) updateRTT(rtt time.Duration) {
	h.LastRTT = rtt
	if h.MinRTT == 0 || rtt < h.MinRTT {
		h.MinRTT = rtt
	}
	if rtt > h.MaxRTT {
		h.MaxRTT = rtt
	}
	if h.AvgRTT == 0 {
		h.AvgRTT = rtt
	} else {
		h.AvgRTT = time.Duration(rttAlpha*float64(rtt) + (1-rttAlpha)*float64(h.AvgRTT))
	}
}

type connState struct {
	health          Health
	pendingPingSeq  uint64
	pendingPingSent time.Time
	hasPending      bool
}

// EventKind classifies heartbeat observability events.
type EventKind int

const (
	EventPingSent EventKind = iota
	EventPongReceived
	EventPongMissed
	EventConnectionTimeout
	EventHealthChanged
)

// Event is emitted for monitoring each heartbeat transition.
type Event struct {
	Kind         EventKind
	ConnectionID protocol.ConnectionID
	Seq          uint64
	RTT          time.Duration
	MissedCount  int
	Healthy      bool
	AvgRTT       time.Duration
}

// Monitor tracks heartbeat state for every connection. Safe for
// concurrent use.
type Monitor struct {
	config Config

	mu    sync.RWMutex
	conns map[protocol.ConnectionID]*connState

	seq     atomic.Uint64
	stopped atomic.Bool
	events  chan Event
}

// NewMonitor creates a monitor with the given config.
func NewMonitor(config Config) *Monitor {
	return &Monitor{
		config: config,
		conns:  make(map[protocol.ConnectionID]*connState),
	}
}

// NewMonitorWithEvents additionally returns a buffered channel of
// observability events. Events are dropped when the channel is full.
func NewMonitorWithEvents(config Config) (*Monitor, <-chan Event) {
	m := NewMonitor(config)
	m.events = make(chan Event, 256)
	return m, m.events
}

// Config returns the monitor configuration.
func (m *Monitor) Config() Config { return m.config }

// Enabled reports whether heartbeat is on.
func (m *Monitor) Enabled() bool { return m.config.Enabled }

// Register starts monitoring a connection.
func (m *Monitor) Register(id protocol.ConnectionID) {
	if !m.config.Enabled {
		return
	}
	m.mu.Lock()
	m.conns[id] = &connState{health: Health{LastActivity: time.Now(), Healthy: true}}
	m.mu.Unlock()
	logger.Debug("heartbeat registered", "conn_id", id)
}

// Unregister stops monitoring a connection.
func (m *Monitor) Unregister(id protocol.ConnectionID) {
	m.mu.Lock()
	_, ok := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()
	if ok {
		logger.Debug("heartbeat unregistered", "conn_id", id)
	}
}

// RecordActivity resets the idle timer. Call for every inbound message,
// not just pongs, so active connections are never pinged.
func (m *Monitor) RecordActivity(id protocol.ConnectionID) {
	if !m.config.Enabled {
		return
	}
	m.mu.Lock()
	if s, ok := m.conns[id]; ok {
		s.health.LastActivity = time.Now()
	}
	m.mu.Unlock()
}

// RecordPong handles an inbound pong. Returns true if it matched the
// pending ping; a sequence mismatch is logged and discarded.
func (m *Monitor) RecordPong(id protocol.ConnectionID, seq uint64) bool {
	if !m.config.Enabled {
		return false
	}
	m.mu.Lock()
	s, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		logger.Warn("pong for unknown connection", "conn_id", id, "seq", seq)
		return false
	}
	if !s.hasPending || s.pendingPingSeq != seq {
		expected := s.pendingPingSeq
		m.mu.Unlock()
		logger.Warn("pong with unexpected sequence", "conn_id", id, "expected", expected, "received", seq)
		return false
	}

	rtt := time.Since(s.pendingPingSent)
	s.health.PongsReceived++
	s.health.MissedPongs = 0
	wasHealthy := s.health.Healthy
	s.health.Healthy = true
	s.health.LastActivity = time.Now()
	s.health.updateRTT(rtt)
	s.hasPending = false
	avg := s.health.AvgRTT
	m.mu.Unlock()

	m.emit(Event{Kind: EventPongReceived, ConnectionID: id, Seq: seq, RTT: rtt})
	if !wasHealthy {
		m.emit(Event{Kind: EventHealthChanged, ConnectionID: id, Healthy: true, AvgRTT: avg})
	}
	return true
}

// HealthOf returns a copy of a connection's health metrics.
func (m *Monitor) HealthOf(id protocol.ConnectionID) (Health, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.conns[id]
	if !ok {
		return Health{}, false
	}
	return s.health, true
}

// AllHealth returns metrics for every monitored connection.
func (m *Monitor) AllHealth() map[protocol.ConnectionID]Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[protocol.ConnectionID]Health, len(m.conns))
	for id, s := range m.conns {
		out[id] = s.health
	}
	return out
}

// IsHealthy reports whether a connection is currently healthy.
func (m *Monitor) IsHealthy(id protocol.ConnectionID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.conns[id]
	return ok && s.health.Healthy
}

// ConnectionCount returns the number of monitored connections.
func (m *Monitor) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Stop signals the heartbeat task to exit.
func (m *Monitor) Stop() { m.stopped.Store(true) }

// Stopped reports whether Stop has been called.
func (m *Monitor) Stopped() bool { return m.stopped.Load() }

func (m *Monitor) emit(ev Event) {
	if m.events == nil {
		return
	}
	select {
	case m.events <- ev:
	default:
	}
}

// PreparePing records a pending ping for an idle connection and returns
// its sequence number. Returns false while a ping is outstanding or the
// connection has been active within the heartbeat interval.
func (m *Monitor) PreparePing(id protocol.ConnectionID) (uint64, bool) {
	return m.preparePing(id, false)
}

// ForcePreparePing bypasses the idle check. Test helper.
func (m *Monitor) ForcePreparePing(id protocol.ConnectionID) (uint64, bool) {
	return m.preparePing(id, true)
}

func (m *Monitor) preparePing(id protocol.ConnectionID, force bool) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.conns[id]
	if !ok {
		return 0, false
	}
	if s.hasPending {
		return 0, false
	}
	if !force && time.Since(s.health.LastActivity) < m.config.Interval {
		return 0, false
	}
	seq := m.seq.Add(1)
	s.pendingPingSeq = seq
	s.pendingPingSent = time.Now()
	s.hasPending = true
	s.health.PingsSent++
	return seq, true
}

// timeout describes a connection whose pending ping expired.
type timeout struct {
	id         protocol.ConnectionID
	disconnect bool
}

// checkTimeouts expires overdue pings, incrementing missed counts and
// flagging connections that crossed the disconnect threshold.
func (m *Monitor) checkTimeouts() []timeout {
	m.mu.Lock()
	var results []timeout
	var events []Event
	for id, s := range m.conns {
		if !s.hasPending {
			continue
		}
		if time.Since(s.pendingPingSent) < m.config.ResponseTimeout {
			continue
		}
		missedSeq := s.pendingPingSeq
		s.hasPending = false
		s.health.MissedPongs++

		disconnect := s.health.MissedPongs >= m.config.MaxMissedPongs
		if disconnect {
			s.health.Healthy = false
			logger.Warn("connection timed out", "conn_id", id, "missed", s.health.MissedPongs)
			events = append(events, Event{Kind: EventConnectionTimeout, ConnectionID: id, MissedCount: s.health.MissedPongs})
		} else {
			logger.Debug("pong missed", "conn_id", id, "missed", s.health.MissedPongs, "max", m.config.MaxMissedPongs)
			events = append(events, Event{Kind: EventPongMissed, ConnectionID: id, Seq: missedSeq, MissedCount: s.health.MissedPongs})
		}
		results = append(results, timeout{id: id, disconnect: disconnect})
	}
	m.mu.Unlock()
	for _, ev := range events {
		m.emit(ev)
	}
	return results
}
