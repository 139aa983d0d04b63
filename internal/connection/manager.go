package connection

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"cargolink-tracker/internal/events"

	"github.com/gorilla/websocket"
)

// State of the single websocket connection a Manager owns.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

var (
	// ErrAuthRejected is surfaced when the backend closes with a policy
	// violation (1008) or refuses the handshake with 401/403. Terminal
	// until ResetConnection.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrRetriesExhausted is surfaced after the reconnect budget runs out.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
)

// afterFunc is a seam so backoff scheduling is testable without timers.
var afterFunc = time.AfterFunc

type Config struct {
	URL              string
	Token            string
	Role             string
	BaseDelay        time.Duration
	Factor           float64
	MaxAttempts      int
	ConnectTimeout   time.Duration
	HeartbeatTimeout time.Duration
}

// frame is the outbound envelope. Hello carries userType, subscribe
// carries channel; everything else goes through payload.
type frame struct {
	Type     string `json:"type"`
	Payload  any    `json:"payload,omitempty"`
	UserType string `json:"userType,omitempty"`
	Channel  string `json:"channel,omitempty"`
}

// Manager owns one websocket connection to the push endpoint: dialing,
// the hello/subscribe handshake, the read pump, and reconnect backoff.
// Subscriptions outlive the connection and are replayed after reopen.
type Manager struct {
	cfg        Config
	dispatcher *events.Dispatcher

	mu              sync.Mutex
	state           State
	conn            *websocket.Conn
	attempts        int
	lastErr         error
	shouldReconnect bool
	reconnectTimer  *time.Timer
	channels        map[string]struct{}
	gen             int

	writeMu sync.Mutex

	onState func(State, error)
}

func NewManager(cfg Config, dispatcher *events.Dispatcher) *Manager {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 3 * time.Second
	}
	if cfg.Factor <= 0 {
		cfg.Factor = 1.5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 45 * time.Second
	}
	return &Manager{
		cfg:             cfg,
		dispatcher:      dispatcher,
		state:           StateDisconnected,
		shouldReconnect: true,
		channels:        map[string]struct{}{},
	}
}

// OnStateChange registers a callback for state transitions. The error
// is non-nil only for auth rejection and exhausted retries.
func (m *Manager) OnStateChange(fn func(State, error)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Connect opens the websocket. No-op while open or connecting, after an
// auth rejection has disabled reconnection, and in the failed state:
// exhausted retries stay failed until an explicit ResetConnection.
func (m *Manager) Connect() {
	m.mu.Lock()
	if !m.shouldReconnect || m.state == StateOpen || m.state == StateConnecting || m.state == StateFailed {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	gen := m.gen
	m.mu.Unlock()

	go m.dial(gen)
}

// Disconnect closes the socket and cancels any pending reconnect timer.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
}

// ResetConnection clears the attempt counter, re-enables reconnection
// after an auth rejection or exhausted retries, and dials again.
func (m *Manager) ResetConnection() {
	m.mu.Lock()
	m.attempts = 0
	m.lastErr = nil
	m.shouldReconnect = true
	if m.state != StateOpen && m.state != StateConnecting {
		m.state = StateDisconnected
	}
	m.mu.Unlock()

	m.Connect()
}

// Send writes {type, payload} to the socket. Returns false unless the
// connection is open and the write succeeds.
func (m *Manager) Send(msgType string, payload any) bool {
	m.mu.Lock()
	conn := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()

	if !open || conn == nil {
		return false
	}
	if err := m.writeFrame(conn, frame{Type: msgType, Payload: payload}); err != nil {
		log.Printf("ws send error: %v", err)
		return false
	}
	return true
}

// Subscribe records a channel (e.g. booking:<id>) and, when open, sends
// the subscribe frame now. Recorded channels are replayed on reconnect.
func (m *Manager) Subscribe(channel string) {
	m.mu.Lock()
	m.channels[channel] = struct{}{}
	conn := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()

	if open && conn != nil {
		if err := m.writeFrame(conn, frame{Type: "subscribe", Channel: channel}); err != nil {
			log.Printf("ws subscribe error: %v", err)
		}
	}
}

// Unsubscribe drops a channel from the replay set and tells the backend
// when the connection is open.
func (m *Manager) Unsubscribe(channel string) {
	m.mu.Lock()
	delete(m.channels, channel)
	conn := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()

	if open && conn != nil {
		if err := m.writeFrame(conn, frame{Type: "unsubscribe", Channel: channel}); err != nil {
			log.Printf("ws unsubscribe error: %v", err)
		}
	}
}

func (m *Manager) buildURL() string {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return m.cfg.URL
	}
	q := u.Query()
	q.Set("token", m.cfg.Token)
	q.Set("role", m.cfg.Role)
	u.RawQuery = q.Encode()
	return u.String()
}

// dial performs the handshake. The dialer's handshake timeout is the
// connect guard: a connection that is not open within the window fails
// and goes through the normal retry path.
func (m *Manager) dial(gen int) {
	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.ConnectTimeout}
	conn, resp, err := dialer.Dial(m.buildURL(), nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		m.handleDialError(gen, err, resp)
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		// Disconnect raced the dial; this connection is unwanted.
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.state = StateOpen
	m.attempts = 0
	m.lastErr = nil
	channels := make([]string, 0, len(m.channels))
	for ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()
	sort.Strings(channels)

	m.notifyState(StateOpen, nil)

	if err := m.writeFrame(conn, frame{Type: "hello", UserType: m.cfg.Role}); err != nil {
		log.Printf("ws hello error: %v", err)
	}
	for _, ch := range channels {
		if err := m.writeFrame(conn, frame{Type: "subscribe", Channel: ch}); err != nil {
			log.Printf("ws subscribe error: %v", err)
		}
	}

	go m.readPump(conn, gen)
}

func (m *Manager) writeFrame(conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readPump forwards inbound frames to the dispatcher until the
// connection dies. Malformed frames are dropped, never fatal. Any
// inbound frame, heartbeat included, refreshes the read deadline; a
// connection that goes silent past HeartbeatTimeout fails the read and
// goes through the normal retry path.
func (m *Manager) readPump(conn *websocket.Conn, gen int) {
	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.HeartbeatTimeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(m.cfg.HeartbeatTimeout))
		msg, perr := events.Parse(data)
		if perr != nil {
			log.Printf("ws parse error: %v", perr)
			continue
		}
		m.dispatcher.Dispatch(msg)
	}
}

func (m *Manager) handleDialError(gen int, err error, resp *http.Response) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		m.rejectAuthLocked()
		return
	}
	m.lastErr = err
	m.scheduleRetryLocked(err)
}

func (m *Manager) handleClose(gen int, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.conn = nil

	if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		m.rejectAuthLocked()
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		m.state = StateDisconnected
		m.mu.Unlock()
		m.notifyState(StateDisconnected, nil)
		return
	}
	m.lastErr = err
	m.scheduleRetryLocked(err)
}

// rejectAuthLocked disables reconnection permanently. Caller holds the
// lock; it is released here.
func (m *Manager) rejectAuthLocked() {
	m.shouldReconnect = false
	m.lastErr = ErrAuthRejected
	m.state = StateDisconnected
	m.mu.Unlock()
	m.notifyState(StateDisconnected, ErrAuthRejected)
}

// scheduleRetryLocked transitions to Reconnecting with backoff, or to
// Failed once attempts are exhausted. Caller holds the lock; it is
// released here.
func (m *Manager) scheduleRetryLocked(cause error) {
	if !m.shouldReconnect {
		m.state = StateDisconnected
		m.mu.Unlock()
		m.notifyState(StateDisconnected, nil)
		return
	}
	if m.attempts >= m.cfg.MaxAttempts {
		m.state = StateFailed
		m.lastErr = ErrRetriesExhausted
		m.mu.Unlock()
		m.notifyState(StateFailed, ErrRetriesExhausted)
		return
	}

	delay := Delay(m.cfg.BaseDelay, m.cfg.Factor, m.attempts)
	m.attempts++
	m.state = StateReconnecting
	m.reconnectTimer = afterFunc(delay, m.reconnect)
	m.mu.Unlock()

	log.Printf("ws reconnect in %v: %v", delay, cause)
	m.notifyState(StateReconnecting, nil)
}

func (m *Manager) reconnect() {
	m.mu.Lock()
	if !m.shouldReconnect || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.state = StateConnecting
	gen := m.gen
	m.mu.Unlock()

	m.dial(gen)
}

func (m *Manager) notifyState(s State, err error) {
	m.mu.Lock()
	fn := m.onState
	m.mu.Unlock()
	if fn != nil {
		fn(s, err)
	}
}
