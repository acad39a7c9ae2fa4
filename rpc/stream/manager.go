package stream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ValentinKolb/qplex/lib/mailbox"
	"github.com/ValentinKolb/qplex/lib/qerr"
	"github.com/ValentinKolb/qplex/rpc/common"
	"github.com/ValentinKolb/qplex/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("stream")

var (
	reconnectsTotal = metrics.GetOrCreateCounter("qplex_stream_reconnects_total")
	messagesTotal   = metrics.GetOrCreateCounter("qplex_stream_messages_total")
)

var errStreamEnded = errors.New("stream ended by server")

// Connector opens one connection and blocks for its lifetime, calling onFrame
// for every received frame. It returns when the connection ends or ctx is cancelled
type Connector func(ctx context.Context, onFrame transport.FrameFunc) error

// TransportConnector returns a Connector streaming route from t
func TransportConnector(t transport.IRPCClientTransport, route string, req []byte) Connector {
	return func(ctx context.Context, onFrame transport.FrameFunc) error {
		return t.Stream(ctx, route, req, onFrame)
	}
}

// subscriber delivers the events of one subscription in order
type subscriber struct {
	box *mailbox.Mailbox[Event]
}

// Manager keeps a long-lived stream connected. Lost connections are
// re-established with exponential backoff until the retry budget is exhausted
type Manager struct {
	config    common.StreamConfig
	connector Connector

	// resolved from config, tests shorten them
	autoCloseShort  time.Duration
	autoCloseNormal time.Duration

	mu         sync.Mutex
	state      State
	retryCount int
	openedAt   time.Time
	started    bool
	subs       map[uint64]*subscriber
	nextSub    uint64
	autoClose  *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager in state PAUSED. Nothing is connected before Start
func NewManager(config common.StreamConfig, connector Connector) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:          config,
		connector:       connector,
		autoCloseShort:  config.AutoCloseShort(),
		autoCloseNormal: config.AutoCloseNormal(),
		state:           StatePaused,
		subs:            make(map[uint64]*subscriber),
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
	}
}

// --------------------------------------------------------------------------
// Public Methods
// --------------------------------------------------------------------------

// Start starts connecting in the background. Calling Start more than once or
// after Close has no effect
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started || m.state == StateClosed {
		return
	}
	m.started = true
	go m.run()
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RetryCount returns the number of failed attempts since the last stable connection
func (m *Manager) RetryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryCount
}

// Subscribe registers fn for all future events and cancels a scheduled auto close.
// Every subscriber has its own delivery goroutine, fn is called for one event
// at a time in emission order. The returned function removes the subscription;
// when the last subscriber leaves the normal auto close timer is armed
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		return func() {}
	}

	sub := &subscriber{box: mailbox.New[Event]()}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = sub
	m.cancelAutoCloseLocked()

	go func() {
		for ev := range sub.box.Recv() {
			fn(ev)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()

			if _, ok := m.subs[id]; !ok {
				return
			}
			delete(m.subs, id)
			sub.box.Close()
			if len(m.subs) == 0 && m.state != StateClosed {
				m.scheduleAutoCloseLocked(m.autoCloseNormal)
			}
		})
	}
}

// ScheduleAutoClose arms the auto close timer, replacing an armed one.
// short selects AutoCloseShortSecond instead of AutoCloseNormalSecond
func (m *Manager) ScheduleAutoClose(short bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if short {
		m.scheduleAutoCloseLocked(m.autoCloseShort)
	} else {
		m.scheduleAutoCloseLocked(m.autoCloseNormal)
	}
}

// CancelAutoClose disarms the auto close timer
func (m *Manager) CancelAutoClose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelAutoCloseLocked()
}

// Close closes the connection and moves to the terminal state CLOSED.
// Subscribers still receive the final events
func (m *Manager) Close() {
	m.mu.Lock()
	m.closeLocked(nil)
	started := m.started
	m.mu.Unlock()

	if started {
		<-m.done
	}
}

// Done returns a channel that is closed once the manager is CLOSED
func (m *Manager) Done() <-chan struct{} {
	return m.ctx.Done()
}

// --------------------------------------------------------------------------
// Connection Loop
// --------------------------------------------------------------------------

// run connects until the manager is closed or the retry budget is exhausted
func (m *Manager) run() {
	defer close(m.done)

	for {
		m.mu.Lock()
		if m.state == StateClosed {
			m.mu.Unlock()
			return
		}
		m.setStateLocked(StateConnecting)
		m.mu.Unlock()

		opened := false
		err := m.connector(m.ctx, func(frame []byte) error {
			if !opened {
				opened = true
				m.opened()
			}
			m.message(frame)
			return nil
		})
		if err == nil {
			err = errStreamEnded
		}

		delay, ok := m.disconnected(opened, err)
		if !ok {
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-m.ctx.Done():
			timer.Stop()
			return
		}
	}
}

// opened handles the first frame of a connection
func (m *Manager) opened() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateConnecting {
		return
	}
	m.openedAt = time.Now()
	m.setStateLocked(StateOpen)
	m.emitLocked(Event{Type: EventOpen})
	Logger.Infof("Stream connected")
}

// message fans out one frame
func (m *Manager) message(frame []byte) {
	data := make([]byte, len(frame))
	copy(data, frame)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		return
	}
	messagesTotal.Inc()
	m.emitLocked(Event{Type: EventMessage, Data: data})
}

// disconnected updates the retry state after a connection ended and returns
// the delay before the next attempt. ok is false if no attempt follows
func (m *Manager) disconnected(opened bool, cause error) (delay time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed || m.ctx.Err() != nil {
		return 0, false
	}

	if opened && time.Since(m.openedAt) >= m.config.MinStable() {
		// a stable connection starts a new retry budget
		m.retryCount = 0
	} else {
		m.retryCount++
	}

	if m.config.MaxRetryAttempts > 0 && m.retryCount >= m.config.MaxRetryAttempts {
		Logger.Errorf("Giving up after %d failed attempts: %v", m.retryCount, cause)
		m.closeLocked(qerr.Fatal("stream", fmt.Errorf("gave up after %d attempts: %w", m.retryCount, cause)))
		return 0, false
	}

	// the first retry after a failure or a stable connection waits the base delay
	delay = m.delay(max(m.retryCount-1, 0))
	m.setStateLocked(StatePaused)
	m.emitLocked(Event{Type: EventError, Err: qerr.Transport("stream", cause)})
	m.emitLocked(Event{Type: EventReconnect, Attempt: m.retryCount + 1, Delay: delay})
	reconnectsTotal.Inc()
	Logger.Warningf("Stream disconnected (%v), reconnecting in %s", cause, delay)

	return delay, true
}

// delay returns the backoff for retry n: min(base * multiplier^n, max) with jitter
func (m *Manager) delay(n int) time.Duration {
	base := float64(m.config.BaseDelay())
	multiplier := m.config.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	d := base * math.Pow(multiplier, float64(n))
	if limit := float64(m.config.MaxDelay()); limit > 0 && d > limit {
		d = limit
	}
	if m.config.Jitter > 0 {
		d += d * m.config.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(max(d, 0))
}

// --------------------------------------------------------------------------
// Helper Methods (m.mu must be held)
// --------------------------------------------------------------------------

// setStateLocked changes the state and emits a state event
func (m *Manager) setStateLocked(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.emitLocked(Event{Type: EventState, From: from, To: to})
}

// emitLocked pushes ev to every subscriber. Pushing under m.mu keeps the order
func (m *Manager) emitLocked(ev Event) {
	for _, sub := range m.subs {
		sub.box.Push(ev)
	}
}

// closeLocked moves to CLOSED. A non nil err is emitted as error event before
func (m *Manager) closeLocked(err error) {
	if m.state == StateClosed {
		return
	}
	m.cancelAutoCloseLocked()

	if err != nil {
		m.emitLocked(Event{Type: EventError, Err: err})
	}
	m.setStateLocked(StateClosed)
	m.emitLocked(Event{Type: EventClose})

	for id, sub := range m.subs {
		sub.box.Close()
		delete(m.subs, id)
	}
	m.cancel()
	Logger.Infof("Stream closed")
}

func (m *Manager) scheduleAutoCloseLocked(d time.Duration) {
	m.cancelAutoCloseLocked()
	if d <= 0 || m.state == StateClosed {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.autoClose != timer {
			// cancelled or replaced
			return
		}
		m.autoClose = nil
		Logger.Infof("Closing idle stream after %s", d)
		m.closeLocked(nil)
	})
	m.autoClose = timer
}

func (m *Manager) cancelAutoCloseLocked() {
	if m.autoClose != nil {
		m.autoClose.Stop()
		m.autoClose = nil
	}
}
