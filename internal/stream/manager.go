package stream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/lumetrade/streamcore/config"
	"github.com/lumetrade/streamcore/errs"
	"github.com/lumetrade/streamcore/internal/observability"
	"github.com/lumetrade/streamcore/internal/schema"
)

// Handler consumes raw inbound frames in wire-arrival order.
type Handler func(ctx context.Context, frame []byte)

// ConnectedHook runs after every connected transition, before Connect returns.
// The subscription registry replays its desired channel set here.
type ConnectedHook func(ctx context.Context)

// Manager owns the process's single duplex connection.
//
// The receive loop runs on its own goroutine; reconnect timers are
// non-blocking waits that never stall the loop or in-flight operations.
// Manager state is mutated only under one mutex and observed through
// WatchState; no component outside the manager touches the connection.
type Manager struct {
	cfg     config.StreamSettings
	dialer  Dialer
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	handler     Handler
	onConnected ConnectedHook

	mu             sync.Mutex
	state          State
	conn           Conn
	gen            uint64
	loopCancel     context.CancelFunc
	reconnectTimer *time.Timer

	watchMu  sync.RWMutex
	watchers map[string]func(State)
}

// NewManager constructs a disconnected manager. The provided context bounds
// the manager's lifetime: it owns the read loop and reconnect attempts.
func NewManager(ctx context.Context, cfg config.StreamSettings, dialer Dialer) *Manager {
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	managerCtx, cancel := context.WithCancel(ctx)

	interval := cfg.ControlFrameInterval
	limiter := rate.NewLimiter(rate.Inf, 1)
	if interval > 0 {
		limiter = rate.NewLimiter(rate.Every(interval), 1)
	}

	m := new(Manager)
	m.cfg = cfg
	m.dialer = dialer
	m.limiter = limiter
	m.ctx = managerCtx
	m.cancel = cancel
	m.state = State{Phase: PhaseDisconnected, Attempt: 0}
	m.watchers = make(map[string]func(State))
	return m
}

// SetHandler wires the inbound frame consumer. Must be called before Connect.
func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// SetOnConnected wires the connected-transition hook. Must be called before Connect.
func (m *Manager) SetOnConnected(hook ConnectedHook) {
	m.mu.Lock()
	m.onConnected = hook
	m.mu.Unlock()
}

// Connect establishes the connection. Valid from disconnected and failed; the
// caller suspends until handshake success or definitive failure. A handshake
// failure returns the manager to disconnected without consuming reconnect budget.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state.Phase {
	case PhaseDisconnected, PhaseFailed:
	default:
		phase := m.state.Phase
		m.mu.Unlock()
		return errs.New("stream/connect", errs.CodeConflict,
			errs.WithMessage("connect is not valid from state "+string(phase)))
	}
	m.setStateLocked(State{Phase: PhaseConnecting, Attempt: 0})

	dialCtx, cancelDial := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	conn, err := m.dialer.Dial(dialCtx, m.cfg.URL)
	cancelDial()
	if err != nil {
		m.mu.Lock()
		m.setStateLocked(State{Phase: PhaseDisconnected, Attempt: 0})
		return errs.New("stream/connect", errs.CodeTransport,
			errs.WithMessage("handshake failed"),
			errs.WithRemediation("retry connect; the desired subscription set is retained"),
			errs.WithCause(err))
	}

	m.mu.Lock()
	if m.state.Phase != PhaseConnecting {
		// Disconnect raced the handshake; its teardown wins.
		m.mu.Unlock()
		_ = conn.Close()
		return errs.New("stream/connect", errs.CodeConflict,
			errs.WithMessage("connection torn down during handshake"))
	}
	m.installLocked(conn)
	m.replay(ctx)
	return nil
}

// Disconnect tears the connection down from any state. It cancels any pending
// reconnect timer, stops the read loop, and keeps the desired subscription
// set intact so a later Connect restores prior interest.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.teardownLocked()
	if m.state.Phase == PhaseDisconnected {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(State{Phase: PhaseDisconnected, Attempt: 0})
}

// Close disconnects and releases the manager's lifetime context.
func (m *Manager) Close() {
	m.Disconnect()
	m.cancel()
}

// Connected reports whether frames can be sent right now.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Phase == PhaseConnected
}

// CurrentState returns the observable connection state.
func (m *Manager) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SendControl writes a control frame on the live connection, pacing sends so
// the server's control-message throttle is respected.
func (m *Manager) SendControl(ctx context.Context, frame schema.ControlFrame) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return errs.New("stream/send", errs.CodeTransport, errs.WithMessage("not connected"))
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return errs.New("stream/send", errs.CodeTransport,
			errs.WithMessage("context done while pacing control frames"),
			errs.WithCause(err))
	}
	data, err := frame.Encode()
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, data); err != nil {
		return errs.New("stream/send", errs.CodeTransport, errs.WithCause(err))
	}
	return nil
}

// WatchState registers a state watcher and returns its cancel handle.
func (m *Manager) WatchState(fn func(State)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	id := uuid.NewString()
	m.watchMu.Lock()
	m.watchers[id] = fn
	m.watchMu.Unlock()
	return func() {
		m.watchMu.Lock()
		delete(m.watchers, id)
		m.watchMu.Unlock()
	}
}

// installLocked adopts an established connection and starts its read loop.
// Callers must hold m.mu; the lock is released by setStateLocked.
func (m *Manager) installLocked(conn Conn) {
	m.conn = conn
	m.gen++
	gen := m.gen
	loopCtx, cancel := context.WithCancel(m.ctx)
	m.loopCancel = cancel

	go m.readLoop(loopCtx, conn, gen)
	m.setStateLocked(State{Phase: PhaseConnected, Attempt: 0})
}

// teardownLocked cancels pending work and closes the connection. Callers hold m.mu.
func (m *Manager) teardownLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.loopCancel != nil {
		m.loopCancel()
		m.loopCancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	// Invalidate any in-flight read-loop failure reports.
	m.gen++
}

func (m *Manager) replay(ctx context.Context) {
	m.mu.Lock()
	hook := m.onConnected
	m.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
}

func (m *Manager) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.handleTransportFailure(gen, err)
			return
		}
		m.mu.Lock()
		handler := m.handler
		m.mu.Unlock()
		if handler != nil {
			handler(ctx, data)
		}
	}
}

func (m *Manager) handleTransportFailure(gen uint64, cause error) {
	m.mu.Lock()
	if m.gen != gen || m.state.Phase != PhaseConnected {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	if m.loopCancel != nil {
		m.loopCancel()
		m.loopCancel = nil
	}

	observability.Telemetry().IncCounter("stream_transport_failures_total", 1, nil)
	observability.Log().Warn("transport failure, scheduling reconnect",
		observability.Field{Key: "error", Value: cause.Error()},
	)

	next := State{Phase: PhaseReconnecting, Attempt: 1}
	m.scheduleReconnectLocked(next.Attempt)
	m.setStateLocked(next)
}

// reconnectDelay computes min(maxDelay, baseDelay * 2^(attempt-1)).
func (m *Manager) reconnectDelay(attempt int) time.Duration {
	delay := m.cfg.ReconnectBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.cfg.ReconnectMaxDelay {
			return m.cfg.ReconnectMaxDelay
		}
	}
	if delay > m.cfg.ReconnectMaxDelay {
		return m.cfg.ReconnectMaxDelay
	}
	return delay
}

// scheduleReconnectLocked arms the retry timer for the given attempt. Callers hold m.mu.
func (m *Manager) scheduleReconnectLocked(attempt int) {
	delay := m.reconnectDelay(attempt)
	m.reconnectTimer = time.AfterFunc(delay, m.attemptReconnect)
}

func (m *Manager) attemptReconnect() {
	m.mu.Lock()
	if m.state.Phase != PhaseReconnecting {
		m.mu.Unlock()
		return
	}
	attempt := m.state.Attempt
	m.mu.Unlock()

	dialCtx, cancelDial := context.WithTimeout(m.ctx, m.cfg.HandshakeTimeout)
	conn, err := m.dialer.Dial(dialCtx, m.cfg.URL)
	cancelDial()

	if err == nil {
		m.mu.Lock()
		if m.state.Phase != PhaseReconnecting {
			// Disconnect raced the dial; drop the fresh connection.
			m.mu.Unlock()
			_ = conn.Close()
			return
		}
		observability.Telemetry().IncCounter("stream_reconnects_total", 1, nil)
		m.installLocked(conn)
		m.replay(m.ctx)
		return
	}

	m.mu.Lock()
	if m.state.Phase != PhaseReconnecting {
		m.mu.Unlock()
		return
	}
	nextAttempt := attempt + 1
	if nextAttempt > m.cfg.ReconnectMaxAttempts {
		observability.Log().Error("reconnect budget exhausted",
			observability.Field{Key: "attempts", Value: attempt},
			observability.Field{Key: "error", Value: err.Error()},
		)
		m.setStateLocked(State{Phase: PhaseFailed, Attempt: attempt})
		return
	}
	observability.Log().Warn("reconnect attempt failed",
		observability.Field{Key: "attempt", Value: attempt},
		observability.Field{Key: "error", Value: err.Error()},
	)
	m.scheduleReconnectLocked(nextAttempt)
	m.setStateLocked(State{Phase: PhaseReconnecting, Attempt: nextAttempt})
}

// setStateLocked records the transition, releases m.mu, and notifies watchers.
// Callers must hold m.mu and must not touch manager state afterwards.
func (m *Manager) setStateLocked(next State) {
	prev := m.state
	m.state = next
	m.mu.Unlock()

	if prev == next {
		return
	}
	observability.Log().Info("connection state changed",
		observability.Field{Key: "from", Value: string(prev.Phase)},
		observability.Field{Key: "to", Value: string(next.Phase)},
		observability.Field{Key: "attempt", Value: next.Attempt},
	)

	m.watchMu.RLock()
	watchers := make([]func(State), 0, len(m.watchers))
	for _, fn := range m.watchers {
		watchers = append(watchers, fn)
	}
	m.watchMu.RUnlock()
	for _, fn := range watchers {
		fn(next)
	}
}
