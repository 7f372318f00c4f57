// Package registry tracks every connected surface. One registry instance
// is shared by the conductor, the daemon's accept loop, and the heartbeat
// task; reads run in parallel, writes are serialized.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/8007342/ai-way/internal/logger"
	"github.com/8007342/ai-way/internal/protocol"
)

// Metadata is optional per-connection information gathered by the
// transport layer and during handshake.
type Metadata struct {
	// PeerUID from SO_PEERCRED, unix-socket connections only.
	PeerUID *uint32
	// RemoteAddr for WebSocket connections.
	RemoteAddr string
	// AuthToken presented during handshake, if any.
	AuthToken string
	// HandshakeComplete is set once the handshake has been accepted.
	HandshakeComplete bool
	// ProtocolVersion negotiated during handshake.
	ProtocolVersion int
}

// Handle is everything needed to reach one connected surface.
type Handle struct {
	ID           protocol.ConnectionID
	SurfaceType  protocol.SurfaceType
	Capabilities protocol.SurfaceCapabilities
	ConnectedAt  time.Time
	Metadata     *Metadata

	ch   chan protocol.ConductorMessage
	done chan struct{}
	once sync.Once
}

// NewHandle builds a handle with a bounded outbound channel. The returned
// receive side is consumed by the connection's writer task.
func NewHandle(id protocol.ConnectionID, capacity int, surfaceType protocol.SurfaceType, caps protocol.SurfaceCapabilities) (*Handle, <-chan protocol.ConductorMessage) {
	ch := make(chan protocol.ConductorMessage, capacity)
	h := &Handle{
		ID:           id,
		SurfaceType:  surfaceType,
		Capabilities: caps,
		ConnectedAt:  time.Now(),
		ch:           ch,
		done:         make(chan struct{}),
	}
	return h, ch
}

// Close marks the surface as disconnected. Safe to call more than once.
func (h *Handle) Close() {
	h.once.Do(func() { close(h.done) })
}

// IsConnected reports whether the surface's writer is still draining.
func (h *Handle) IsConnected() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// TrySend delivers without blocking. A full channel or closed surface
// counts as a failed send.
func (h *Handle) TrySend(msg protocol.ConductorMessage) bool {
	if !h.IsConnected() {
		return false
	}
	select {
	case h.ch <- msg:
		return true
	default:
		return false
	}
}

// Send waits for the surface to accept the message.
func (h *Handle) Send(ctx context.Context, msg protocol.ConductorMessage) bool {
	select {
	case h.ch <- msg:
		return true
	case <-h.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// UptimeSecs is the connection age in whole seconds.
func (h *Handle) UptimeSecs() int64 {
	return int64(time.Since(h.ConnectedAt).Seconds())
}

// BroadcastResult reports per-surface delivery of one message.
type BroadcastResult struct {
	Successful int
	Failed     int
	FailedIDs  []protocol.ConnectionID
}

// AllSucceeded reports whether every recipient accepted the message.
func (r BroadcastResult) AllSucceeded() bool { return r.Failed == 0 }

// AllFailed reports whether no recipient accepted the message.
func (r BroadcastResult) AllFailed() bool { return r.Successful == 0 }

// Summary counts connected surfaces by type.
type Summary struct {
	TotalConnections int
	ByType           map[string]int
}

// Registry is the shared map of connection → handle.
type Registry struct {
	mu      sync.RWMutex
	handles map[protocol.ConnectionID]*Handle
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{handles: make(map[protocol.ConnectionID]*Handle)}
}

// Register adds a surface. Returns its connection ID.
func (r *Registry) Register(h *Handle) protocol.ConnectionID {
	r.mu.Lock()
	r.handles[h.ID] = h
	r.mu.Unlock()
	logger.Info("surface registered", "conn_id", h.ID)
	return h.ID
}

// Unregister removes a surface, returning its handle or nil if unknown.
func (r *Registry) Unregister(id protocol.ConnectionID) *Handle {
	r.mu.Lock()
	h := r.handles[id]
	delete(r.handles, id)
	r.mu.Unlock()
	if h != nil {
		h.Close()
		logger.Info("surface unregistered", "conn_id", id)
	}
	return h
}

// Count returns the number of connected surfaces.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Contains reports whether a connection is registered.
func (r *Registry) Contains(id protocol.ConnectionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handles[id]
	return ok
}

// ConnectionIDs returns the IDs of all connected surfaces.
func (r *Registry) ConnectionIDs() []protocol.ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]protocol.ConnectionID, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	return ids
}

// Capabilities returns a surface's declared capabilities.
func (r *Registry) Capabilities(id protocol.ConnectionID) (protocol.SurfaceCapabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	if !ok {
		return protocol.SurfaceCapabilities{}, false
	}
	return h.Capabilities, true
}

// SurfaceTypeOf returns a surface's declared type.
func (r *Registry) SurfaceTypeOf(id protocol.ConnectionID) (protocol.SurfaceType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	if !ok {
		return "", false
	}
	return h.SurfaceType, true
}

// UpdateCapabilities replaces a surface's capability record.
func (r *Registry) UpdateCapabilities(id protocol.ConnectionID, caps protocol.SurfaceCapabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[id]; ok {
		h.Capabilities = caps
	}
}

// UpdateSurfaceType replaces a surface's type, typically during handshake.
func (r *Registry) UpdateSurfaceType(id protocol.ConnectionID, surfaceType protocol.SurfaceType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[id]; ok {
		h.SurfaceType = surfaceType
	}
}

// UpdateMetadata replaces a surface's metadata record.
func (r *Registry) UpdateMetadata(id protocol.ConnectionID, md *Metadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[id]; ok {
		h.Metadata = md
	}
}

// CompleteHandshake upgrades the surface type and capabilities and marks
// the handshake done. Returns false for an unknown connection.
func (r *Registry) CompleteHandshake(id protocol.ConnectionID, surfaceType protocol.SurfaceType, caps protocol.SurfaceCapabilities, authToken string, protocolVersion int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	if !ok {
		logger.Warn("handshake for unknown connection", "conn_id", id)
		return false
	}
	h.SurfaceType = surfaceType
	h.Capabilities = caps
	if h.Metadata == nil {
		h.Metadata = &Metadata{}
	}
	h.Metadata.AuthToken = authToken
	h.Metadata.HandshakeComplete = true
	h.Metadata.ProtocolVersion = protocolVersion
	return true
}

// IsHandshakeComplete reports whether a surface has completed handshake.
func (r *Registry) IsHandshakeComplete(id protocol.ConnectionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return ok && h.Metadata != nil && h.Metadata.HandshakeComplete
}

// Broadcast try-sends a message to every surface. Slow or closed peers
// are skipped and reported in the result.
func (r *Registry) Broadcast(msg protocol.ConductorMessage) BroadcastResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result BroadcastResult
	for id, h := range r.handles {
		if h.TrySend(msg) {
			result.Successful++
		} else {
			result.Failed++
			result.FailedIDs = append(result.FailedIDs, id)
		}
	}
	return result
}

// BroadcastAsync waits for each surface to accept the message. Handles
// are copied out first so no lock is held while waiting.
func (r *Registry) BroadcastAsync(ctx context.Context, msg protocol.ConductorMessage) BroadcastResult {
	r.mu.RLock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	var result BroadcastResult
	for _, h := range handles {
		if h.Send(ctx, msg) {
			result.Successful++
		} else {
			result.Failed++
			result.FailedIDs = append(result.FailedIDs, h.ID)
		}
	}
	return result
}

// SendTo try-sends to one surface. Returns false if unknown or full.
func (r *Registry) SendTo(id protocol.ConnectionID, msg protocol.ConductorMessage) bool {
	r.mu.RLock()
	h, ok := r.handles[id]
	r.mu.RUnlock()
	if !ok {
		logger.Warn("send to unknown connection", "conn_id", id)
		return false
	}
	return h.TrySend(msg)
}

// SendToAsync waits for one surface to accept the message.
func (r *Registry) SendToAsync(ctx context.Context, id protocol.ConnectionID, msg protocol.ConductorMessage) bool {
	r.mu.RLock()
	h, ok := r.handles[id]
	r.mu.RUnlock()
	if !ok {
		logger.Warn("send to unknown connection", "conn_id", id)
		return false
	}
	return h.Send(ctx, msg)
}

// SendToMatching try-sends to every surface whose type and capabilities
// satisfy the predicate.
func (r *Registry) SendToMatching(msg protocol.ConductorMessage, pred func(protocol.SurfaceType, protocol.SurfaceCapabilities) bool) BroadcastResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result BroadcastResult
	for id, h := range r.handles {
		if !pred(h.SurfaceType, h.Capabilities) {
			continue
		}
		if h.TrySend(msg) {
			result.Successful++
		} else {
			result.Failed++
			result.FailedIDs = append(result.FailedIDs, id)
		}
	}
	return result
}

// SendToCapable try-sends to surfaces whose capabilities satisfy the
// predicate, e.g. avatar animations only to surfaces that render them.
func (r *Registry) SendToCapable(msg protocol.ConductorMessage, pred func(protocol.SurfaceCapabilities) bool) BroadcastResult {
	return r.SendToMatching(msg, func(_ protocol.SurfaceType, caps protocol.SurfaceCapabilities) bool {
		return pred(caps)
	})
}

// CleanupDisconnected removes surfaces whose connection tasks have
// exited. Returns the number removed.
func (r *Registry) CleanupDisconnected() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, h := range r.handles {
		if !h.IsConnected() {
			delete(r.handles, id)
			removed++
			logger.Info("removed disconnected surface", "conn_id", id)
		}
	}
	return removed
}

// Summarize counts connections by surface type.
func (r *Registry) Summarize() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Summary{TotalConnections: len(r.handles), ByType: make(map[string]int)}
	for _, h := range r.handles {
		s.ByType[h.SurfaceType.Name()]++
	}
	return s
}

// WithHandle runs f with read access to a handle, returning false for an
// unknown connection.
func (r *Registry) WithHandle(id protocol.ConnectionID, f func(*Handle)) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	if !ok {
		return false
	}
	f(h)
	return true
}
