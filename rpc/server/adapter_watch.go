package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/qplex/rpc/common"
	"github.com/ValentinKolb/qplex/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
)

var watchersGauge = metrics.GetOrCreateCounter("qplex_server_watchers")

// NewWatchServerAdapter creates the adapter of the /watch route.
// Events are always encoded as JSON, one event per frame
func NewWatchServerAdapter(source IWatchSource) IRPCServerAdapter {
	return &watchServerAdapterImpl{source: source}
}

type watchServerAdapterImpl struct {
	source IWatchSource
}

func (adapter *watchServerAdapterImpl) Handle(ctx context.Context, route string, req []byte, send transport.FrameFunc) error {
	// Check for nil source
	if adapter.source == nil {
		return errors.New("watch is not supported by this server")
	}

	watchersGauge.Inc()
	defer watchersGauge.Dec()

	err := adapter.source.Watch(ctx, func(ev common.WatchEvent) error {
		frame, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode watch event: %w", err)
		}
		return send(frame)
	})

	// the client went away, this is the normal end of a watch
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// --------------------------------------------------------------------------
// Heartbeat Source
// --------------------------------------------------------------------------

// NewHeartbeatSource creates a watch source that emits a heartbeat every interval,
// and forwards every event passed to Publish
func NewHeartbeatSource(interval time.Duration) *HeartbeatSource {
	return &HeartbeatSource{interval: interval, events: make(chan common.WatchEvent, 64)}
}

// HeartbeatSource is a simple IWatchSource for development servers.
// Published events are delivered to one of the connected watchers
type HeartbeatSource struct {
	interval time.Duration
	events   chan common.WatchEvent
}

// Publish queues an event for delivery. It returns false if the buffer is full
func (s *HeartbeatSource) Publish(ev common.WatchEvent) bool {
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// Watch implements IWatchSource
func (s *HeartbeatSource) Watch(ctx context.Context, emit func(common.WatchEvent) error) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var seq uint64
	next := func(ev common.WatchEvent) error {
		seq++
		ev.Sequence = seq
		return emit(ev)
	}

	// the first frame opens the stream on the client
	if err := next(common.WatchEvent{Type: "heartbeat"}); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.events:
			if err := next(ev); err != nil {
				return err
			}
		case <-ticker.C:
			if err := next(common.WatchEvent{Type: "heartbeat"}); err != nil {
				return err
			}
		}
	}
}
