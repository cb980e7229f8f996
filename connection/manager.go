// Package connection owns the websocket to the chat backend and its
// reconnect policy.
//
// Only the close path reconnects: after an unintended close the manager
// waits RetryDelay and dials again, up to MaxAttempts times in a row. A
// successful dial resets the count. Close disarms any pending retry.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chat-session/metrics"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateErroring     State = "erroring"
)

var allStates = []string{
	string(StateDisconnected), string(StateConnecting), string(StateConnected), string(StateErroring),
}

var (
	ErrNotConnected   = errors.New("not connected")
	ErrConnectionLost = errors.New("connection lost: reconnect attempts exhausted")
	ErrClosed         = errors.New("connection closed")
)

// ConnectionError is a transport failure while dialing.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Conn is the subset of *websocket.Conn the manager uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Handler receives connection events. Calls are never made while the
// manager holds its lock, so handlers may call Send.
type Handler interface {
	OnOpen()
	OnFrame(data []byte)
	OnClose()
	OnReconnect(attempt int)
	OnGiveUp(err error)
	OnError(err error)
}

type Config struct {
	URL          string
	MaxAttempts  int
	RetryDelay   time.Duration
	WriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		RetryDelay:   3 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

type Manager struct {
	cfg     Config
	dialer  Dialer
	handler Handler
	logger  *zap.Logger

	mu           sync.Mutex
	state        State
	conn         Conn
	gen          uint64
	attempts     int
	intendedOpen bool
	timer        *time.Timer
	ctx          context.Context
	cancel       context.CancelFunc
}

func NewManager(cfg Config, dialer Dialer, handler Handler, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	m := &Manager{
		cfg:     cfg,
		dialer:  dialer,
		handler: handler,
		logger:  logger.With(zap.String("component", "connection")),
		state:   StateDisconnected,
	}
	metrics.SetConnectionState(string(m.state), allStates...)
	return m
}

// WithSessionID adds the session_id query parameter the backend keys
// conversations by.
func WithSessionID(rawURL, sessionID string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid websocket url: %w", err)
	}
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open marks the session as intended open and dials once. A failed dial
// is reported to the handler and goes through the reconnect policy; the
// error is also returned.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.intendedOpen {
		m.mu.Unlock()
		return nil
	}
	m.intendedOpen = true
	m.attempts = 0
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.mu.Unlock()

	return m.connect(ctx)
}

func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	if !m.intendedOpen {
		m.mu.Unlock()
		return ErrClosed
	}
	gen := m.gen
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	m.logger.Debug("dialing", zap.String("url", m.cfg.URL))
	conn, err := m.dialer.Dial(ctx, m.cfg.URL)
	if err != nil {
		cerr := &ConnectionError{URL: m.cfg.URL, Err: err}
		m.logger.Warn("websocket dial failed", zap.Error(err))

		m.mu.Lock()
		current := gen == m.gen
		if current {
			m.setStateLocked(StateErroring)
		}
		m.mu.Unlock()
		if current {
			m.handler.OnError(cerr)
			m.handleClose(gen)
		}
		return cerr
	}

	m.mu.Lock()
	if !m.intendedOpen || gen != m.gen {
		m.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	m.gen++
	gen = m.gen
	m.conn = conn
	m.attempts = 0
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.logger.Info("websocket connected", zap.String("url", m.cfg.URL))
	m.handler.OnOpen()
	go m.readLoop(conn, gen)
	return nil
}

func (m *Manager) readLoop(conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && m.markErroring(gen) {
				m.logger.Warn("websocket read failed", zap.Error(err))
				m.handler.OnError(err)
			}
			m.handleClose(gen)
			return
		}
		if !m.isCurrent(gen) {
			return
		}
		m.handler.OnFrame(data)
	}
}

// handleClose runs the close transition for generation gen. Stale
// generations are ignored.
func (m *Manager) handleClose(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.setStateLocked(StateDisconnected)

	var reconnect, giveUp bool
	attempt := 0
	if m.intendedOpen {
		if m.attempts < m.cfg.MaxAttempts {
			m.attempts++
			attempt = m.attempts
			reconnect = true
		} else {
			// wait for an explicit Open
			giveUp = true
			m.intendedOpen = false
			if m.cancel != nil {
				m.cancel()
			}
		}
	}
	m.mu.Unlock()

	m.handler.OnClose()
	if giveUp {
		m.logger.Warn("giving up after reconnect attempts", zap.Int("max_attempts", m.cfg.MaxAttempts))
		m.handler.OnGiveUp(ErrConnectionLost)
		return
	}
	if !reconnect {
		return
	}

	metrics.ReconnectAttempts.Inc()
	m.handler.OnReconnect(attempt)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.intendedOpen || gen != m.gen {
		return
	}
	m.logger.Info("scheduling reconnect", zap.Int("attempt", attempt), zap.Duration("delay", m.cfg.RetryDelay))
	m.timer = time.AfterFunc(m.cfg.RetryDelay, m.reconnect)
}

func (m *Manager) reconnect() {
	m.mu.Lock()
	m.timer = nil
	ctx := m.ctx
	open := m.intendedOpen
	m.mu.Unlock()
	if !open {
		return
	}
	_ = m.connect(ctx)
}

// Send writes one JSON frame. It fails with ErrNotConnected unless the
// connection is up.
func (m *Manager) Send(frame interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.conn == nil {
		metrics.FramesSent.WithLabelValues("not_connected").Inc()
		return ErrNotConnected
	}
	if m.cfg.WriteTimeout > 0 {
		m.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	}
	if err := m.conn.WriteJSON(frame); err != nil {
		metrics.FramesSent.WithLabelValues("write_error").Inc()
		return fmt.Errorf("failed to write frame: %w", err)
	}
	metrics.FramesSent.WithLabelValues("ok").Inc()
	return nil
}

// Close tears the connection down on purpose. No reconnect follows.
func (m *Manager) Close() error {
	m.mu.Lock()
	if !m.intendedOpen && m.conn == nil {
		m.mu.Unlock()
		return nil
	}
	m.intendedOpen = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.gen++
	conn := m.conn
	m.conn = nil
	wasConnected := m.state == StateConnected
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if wasConnected {
		m.handler.OnClose()
	}
	m.logger.Info("websocket closed by client")
	return err
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// RetryPending reports whether a reconnect timer is armed.
func (m *Manager) RetryPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

// markErroring moves a current generation into the erroring state.
func (m *Manager) markErroring(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	m.setStateLocked(StateErroring)
	return true
}

func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	metrics.SetConnectionState(string(s), allStates...)
}
