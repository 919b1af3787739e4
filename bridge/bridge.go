// Package bridge wires the Kodi source link, the event queue and the Home
// Assistant sink link into three concurrent loops: the source monitor, the
// dispatcher (sole queue consumer, sole sink writer) and the keepalive
// listener (sole sink reader), plus coordinated shutdown across all of them.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/goodlucknow/kodi2home/homeassistant"
	"github.com/goodlucknow/kodi2home/metrics"
	"github.com/goodlucknow/kodi2home/proto"
	"github.com/goodlucknow/kodi2home/queue"
)

// DefaultReceiveTimeout bounds how long the keepalive listener blocks on the
// sink socket before re-checking the shutdown flag. It is also the worst
// case for graceful shutdown.
const DefaultReceiveTimeout = 60 * time.Second

// SourceLink is the event producer connection (Kodi).
type SourceLink interface {
	Monitor(ctx context.Context) error
	Connected() bool
	Close()
}

// SinkLink is the event consumer connection (Home Assistant).
type SinkLink interface {
	Connected() bool
	Send(cmd proto.Command) error
	Receive(timeout time.Duration) ([]byte, error)
	Reconnect(ctx context.Context) error
	RetryDelay() time.Duration
	Close()
}

// Status is the bridge state snapshot served by the web endpoint.
type Status struct {
	InstanceID             string `json:"instance_id"`
	KodiConnected          bool   `json:"kodi_connected"`
	HomeAssistantConnected bool   `json:"home_assistant_connected"`
	QueueLength            int    `json:"queue_length"`
	QueueCapacity          int    `json:"queue_capacity"`
}

// Bridge owns the process-wide command id counter and the shutdown sequence.
type Bridge struct {
	source SourceLink
	sink   SinkLink
	queue  *queue.Queue

	instanceID     string
	idCounter      atomic.Int64
	receiveTimeout time.Duration
	shutdownOnce   sync.Once
}

// New creates a bridge over the given links and queue.
func New(source SourceLink, sink SinkLink, q *queue.Queue) *Bridge {
	b := &Bridge{
		source:         source,
		sink:           sink,
		queue:          q,
		instanceID:     "bridge-" + uuid.NewString()[:8],
		receiveTimeout: DefaultReceiveTimeout,
	}
	// Command ids start above 1, matching the Home Assistant convention of
	// reserving 1 for the connection itself.
	b.idCounter.Store(1)
	return b
}

// SetReceiveTimeout overrides the keepalive receive timeout (default 60s).
func (b *Bridge) SetReceiveTimeout(d time.Duration) {
	if d > 0 {
		b.receiveTimeout = d
	}
}

// Status returns a point-in-time snapshot of the bridge.
func (b *Bridge) Status() Status {
	return Status{
		InstanceID:             b.instanceID,
		KodiConnected:          b.source.Connected(),
		HomeAssistantConnected: b.sink.Connected(),
		QueueLength:            b.queue.Len(),
		QueueCapacity:          b.queue.Cap(),
	}
}

// HandleNotification is the Kodi callback: translate a NotifyAll payload
// into a command and offer it to the queue. Never blocks; a missing trigger
// key or a full queue means log and discard.
func (b *Bridge) HandleNotification(sender string, data map[string]any) {
	metrics.NotificationsReceived.Inc()

	trigger, ok := data["trigger"].(string)
	if !ok || trigger == "" {
		slog.Warn("Received notification without 'trigger' key", "sender", sender, "data", data)
		metrics.NotificationsDiscarded.Inc()
		return
	}

	slog.Info("Kodi trigger", "entity_id", trigger)
	b.enqueue(trigger)
}

// Trigger enqueues a manual automation trigger through the same queue the
// Kodi callback uses, preserving the dispatcher's single-writer guarantee.
// It reports whether the command was accepted.
func (b *Bridge) Trigger(entityID string) bool {
	return b.enqueue(entityID)
}

func (b *Bridge) enqueue(entityID string) bool {
	cmd := proto.NewCommand(b.idCounter.Add(1), entityID)
	if !b.queue.TryEnqueue(cmd) {
		slog.Warn("Queue full! Dropping trigger", "entity_id", entityID)
		metrics.CommandsDropped.WithLabelValues(metrics.ReasonQueueFull).Inc()
		return false
	}
	metrics.CommandsEnqueued.Inc()
	metrics.QueueDepth.Set(float64(b.queue.Len()))
	return true
}

// dispatch is the sender loop: at most one in-flight send, and a send-time
// failure drops the command rather than retrying it. A stale button press is
// worse than a missing one.
func (b *Bridge) dispatch(ctx context.Context) error {
	for {
		cmd, err := b.queue.Dequeue(ctx)
		if err != nil {
			return nil // shutdown
		}
		metrics.QueueDepth.Set(float64(b.queue.Len()))

		if !b.sink.Connected() {
			slog.Warn("Home Assistant disconnected, reconnecting")

			last, dropped := b.queue.CollapseToLatest(cmd)
			if dropped > 0 {
				slog.Info("Dropped old button presses, keeping only the last", "dropped", dropped)
				metrics.CommandsDropped.WithLabelValues(metrics.ReasonCollapsed).Add(float64(dropped))
				metrics.QueueDepth.Set(0)
			}
			cmd = last

			if err := b.sink.Reconnect(ctx); err != nil {
				slog.Warn("Reconnection failed, dropping trigger", "entity_id", cmd.ServiceData.EntityID)
				metrics.CommandsDropped.WithLabelValues(metrics.ReasonReconnectFailed).Inc()
				continue
			}
		}

		if err := b.sink.Send(cmd); err != nil {
			slog.Warn("Home Assistant connection closed during send", "error", err)
			slog.Info("Dropping trigger due to disconnect", "entity_id", cmd.ServiceData.EntityID)
			metrics.CommandsDropped.WithLabelValues(metrics.ReasonSendFailed).Inc()

			// Reconnect for the next command; its failure is handled on the
			// next iteration.
			if err := b.sink.Reconnect(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("Reconnection after send failure did not complete", "error", err)
			}
			continue
		}
		metrics.CommandsSent.Inc()
	}
}

// keepalive is the receiver loop: it keeps the sink socket drained so the
// peer's responses never pile up, and it is usually the first to notice a
// dropped connection.
func (b *Bridge) keepalive(ctx context.Context) error {
	for ctx.Err() == nil {
		if !b.sink.Connected() {
			slog.Info("Connecting to Home Assistant for receive loop")
			if err := b.sink.Reconnect(ctx); err != nil {
				// Sleep before retrying so this loop and the dispatcher do
				// not hammer the same dead peer in lockstep.
				sleep(ctx, b.sink.RetryDelay())
				continue
			}
		}

		frame, err := b.sink.Receive(b.receiveTimeout)
		switch {
		case err == nil:
			slog.Debug("Home Assistant response", "frame", string(frame))
		case errors.Is(err, homeassistant.ErrTimedOut):
			// Normal idle steady state; loop to re-check the shutdown flag.
		default:
			slog.Warn("Home Assistant receive connection closed", "error", err)
			sleep(ctx, b.sink.RetryDelay())
		}
	}
	return nil
}

// Run starts the three loops and blocks until ctx is cancelled or the source
// link fails terminally. A task's unexpected failure is isolated: it is
// logged and recorded but never crashes the siblings. Shutdown closes both
// links exactly once and discards whatever is still queued.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slog.Info("Starting kodi2home bridge", "instance_id", b.instanceID)

	type result struct {
		task  string
		err   error
		fatal bool
	}
	results := make(chan result, 3)

	start := func(task string, fatal bool, fn func(context.Context) error) {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					results <- result{task: task, err: fmt.Errorf("panic: %v", r)}
				}
			}()
			results <- result{task: task, err: fn(ctx), fatal: fatal}
		}()
	}

	start("kodi-monitor", true, b.source.Monitor)
	start("dispatcher", false, b.dispatch)
	start("keepalive-listener", false, b.keepalive)

	var fatalErr error
	done := ctx.Done()
	for running := 3; running > 0; {
		select {
		case <-done:
			done = nil
			b.shutdown()
		case r := <-results:
			running--
			if r.err != nil {
				slog.Error("Bridge task stopped with error", "task", r.task, "error", r.err)
				if r.fatal && fatalErr == nil {
					fatalErr = r.err
					cancel()
					b.shutdown()
				}
			} else {
				slog.Debug("Bridge task exited", "task", r.task)
			}
		}
	}

	b.shutdown()
	slog.Info("Shutdown complete")
	return fatalErr
}

// shutdown runs the teardown sequence once: discard queued commands with a
// logged count, then close both links. Link Close is idempotent, so racing a
// reconnect loop that already gave up is harmless.
func (b *Bridge) shutdown() {
	b.shutdownOnce.Do(func() {
		slog.Info("Shutting down kodi2home bridge")

		if discarded := b.queue.Drain(); discarded > 0 {
			slog.Info("Discarding queued button presses - shutdown in progress", "count", discarded)
			metrics.CommandsDropped.WithLabelValues(metrics.ReasonShutdown).Add(float64(discarded))
		}
		metrics.QueueDepth.Set(0)

		b.sink.Close()
		slog.Info("Home Assistant connection closed")

		b.source.Close()
		slog.Info("Kodi connection closed")
	})
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
