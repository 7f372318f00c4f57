package heartbeat

import (
	"context"
	"time"

	"github.com/8007342/ai-way/internal/logger"
	"github.com/8007342/ai-way/internal/protocol"
	"github.com/8007342/ai-way/internal/registry"
)

// minTickInterval bounds the tick period so short timeouts don't spin.
const minTickInterval = 10 * time.Millisecond

// Task drives the heartbeat protocol: it sends pings, expires overdue
// pongs, and unregisters unresponsive connections.
type Task struct {
	monitor      *Monitor
	registry     *registry.Registry
	tickInterval time.Duration
}

// NewTask creates a heartbeat task ticking at a quarter of the response
// timeout, lower-bounded at 10ms.
func NewTask(monitor *Monitor, reg *registry.Registry) *Task {
	tick := monitor.config.ResponseTimeout / 4
	if tick < minTickInterval {
		tick = minTickInterval
	}
	return &Task{monitor: monitor, registry: reg, tickInterval: tick}
}

// NewTaskWithTick creates a heartbeat task with an explicit tick period.
func NewTaskWithTick(monitor *Monitor, reg *registry.Registry, tick time.Duration) *Task {
	return &Task{monitor: monitor, registry: reg, tickInterval: tick}
}

// Monitor returns the underlying monitor.
func (t *Task) Monitor() *Monitor { return t.monitor }

// Run executes the heartbeat loop until ctx is done or the monitor is
// stopped. time.Ticker drops ticks when the loop falls behind, so
// catch-up bursts never storm connections.
func (t *Task) Run(ctx context.Context) {
	if !t.monitor.Enabled() {
		logger.Info("heartbeat monitoring disabled")
		return
	}

	logger.Info("heartbeat task started",
		"interval", t.monitor.config.Interval,
		"timeout", t.monitor.config.ResponseTimeout,
		"max_missed", t.monitor.config.MaxMissedPongs)

	ticker := time.NewTicker(t.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if t.monitor.Stopped() {
			logger.Info("heartbeat task stopped")
			return
		}

		for _, to := range t.monitor.checkTimeouts() {
			if to.disconnect {
				logger.Info("disconnecting unhealthy connection", "conn_id", to.id)
				t.registry.Unregister(to.id)
				t.monitor.Unregister(to.id)
			}
		}

		for _, id := range t.registry.ConnectionIDs() {
			seq, ok := t.monitor.PreparePing(id)
			if !ok {
				continue
			}
			ping := protocol.ConductorMessage{Type: protocol.MsgPing, Seq: seq}
			if t.registry.SendTo(id, ping) {
				t.monitor.emit(Event{Kind: EventPingSent, ConnectionID: id, Seq: seq})
			} else {
				logger.Warn("ping send failed", "conn_id", id)
			}
		}
	}
}
