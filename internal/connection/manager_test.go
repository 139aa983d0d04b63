package connection

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"cargolink-tracker/internal/events"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	gorilla "github.com/gorilla/websocket"
)

func captureDelays(t *testing.T) *[]time.Duration {
	t.Helper()
	var delays []time.Duration
	oldAfter := afterFunc
	afterFunc = func(d time.Duration, _ func()) *time.Timer {
		delays = append(delays, d)
		timer := time.NewTimer(time.Hour)
		timer.Stop()
		return timer
	}
	t.Cleanup(func() { afterFunc = oldAfter })
	return &delays
}

func testConfig() Config {
	return Config{
		URL:         "ws://127.0.0.1:1/ws",
		Token:       "tok",
		Role:        "user",
		BaseDelay:   3000 * time.Millisecond,
		Factor:      1.5,
		MaxAttempts: 3,
	}
}

func TestBackoffScheduleThenFailed(t *testing.T) {
	delays := captureDelays(t)
	m := NewManager(testConfig(), events.NewDispatcher())

	transient := &gorilla.CloseError{Code: gorilla.CloseAbnormalClosure}
	for i := 0; i < 3; i++ {
		m.handleClose(i, transient)
		if m.State() != StateReconnecting {
			t.Fatalf("close %d: expected reconnecting, got %s", i, m.State())
		}
	}

	want := []time.Duration{3000 * time.Millisecond, 4500 * time.Millisecond, 6750 * time.Millisecond}
	if len(*delays) != len(want) {
		t.Fatalf("expected %d scheduled delays, got %v", len(want), *delays)
	}
	for i, d := range want {
		if (*delays)[i] != d {
			t.Fatalf("delay %d: expected %v, got %v", i, d, (*delays)[i])
		}
	}

	m.handleClose(3, transient)
	if m.State() != StateFailed {
		t.Fatalf("expected failed after exhausted attempts, got %s", m.State())
	}
	if !errors.Is(m.LastError(), ErrRetriesExhausted) {
		t.Fatalf("expected retries exhausted error, got %v", m.LastError())
	}
	if len(*delays) != len(want) {
		t.Fatalf("expected no further reconnect scheduled")
	}
}

func TestConnectNoopWhileFailed(t *testing.T) {
	captureDelays(t)
	m := NewManager(testConfig(), events.NewDispatcher())

	transient := &gorilla.CloseError{Code: gorilla.CloseAbnormalClosure}
	for i := 0; i <= 3; i++ {
		m.handleClose(i, transient)
	}
	if m.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", m.State())
	}

	m.Connect()
	if m.State() != StateFailed {
		t.Fatalf("expected connect to be a no-op while failed, got %s", m.State())
	}
}

func TestAuthCloseStopsRetries(t *testing.T) {
	delays := captureDelays(t)
	m := NewManager(testConfig(), events.NewDispatcher())

	m.handleClose(0, &gorilla.CloseError{Code: gorilla.ClosePolicyViolation})

	if m.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", m.State())
	}
	if !errors.Is(m.LastError(), ErrAuthRejected) {
		t.Fatalf("expected auth rejected, got %v", m.LastError())
	}
	if len(*delays) != 0 {
		t.Fatalf("expected no reconnect scheduled after auth close")
	}

	m.Connect()
	if m.State() != StateDisconnected {
		t.Fatalf("expected connect to be a no-op after auth close")
	}
	if m.shouldReconnect {
		t.Fatalf("expected reconnection disabled")
	}
}

func TestResetConnectionClearsAuthRejection(t *testing.T) {
	m := NewManager(testConfig(), events.NewDispatcher())
	m.handleClose(0, &gorilla.CloseError{Code: gorilla.ClosePolicyViolation})

	// park the state so Reset's Connect call is a no-op
	m.mu.Lock()
	m.state = StateConnecting
	m.mu.Unlock()

	m.ResetConnection()

	if !m.shouldReconnect {
		t.Fatalf("expected reconnection re-enabled")
	}
	if m.attempts != 0 {
		t.Fatalf("expected attempt counter cleared")
	}
	if m.LastError() != nil {
		t.Fatalf("expected last error cleared")
	}
}

func TestDialRejectedByHandshakeStatus(t *testing.T) {
	captureDelays(t)
	m := NewManager(testConfig(), events.NewDispatcher())

	m.handleDialError(0, errors.New("bad handshake"), &http.Response{StatusCode: http.StatusUnauthorized})

	if !errors.Is(m.LastError(), ErrAuthRejected) {
		t.Fatalf("expected auth rejected, got %v", m.LastError())
	}
	if m.shouldReconnect {
		t.Fatalf("expected reconnection disabled")
	}
}

func TestNormalCloseDoesNotRetry(t *testing.T) {
	delays := captureDelays(t)
	m := NewManager(testConfig(), events.NewDispatcher())

	m.handleClose(0, &gorilla.CloseError{Code: gorilla.CloseNormalClosure})

	if m.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", m.State())
	}
	if len(*delays) != 0 {
		t.Fatalf("expected no reconnect after normal close")
	}
}

func TestSendRequiresOpen(t *testing.T) {
	m := NewManager(testConfig(), events.NewDispatcher())
	if m.Send("ping", nil) {
		t.Fatalf("expected send to fail while disconnected")
	}
}

func TestStaleCloseIgnored(t *testing.T) {
	delays := captureDelays(t)
	m := NewManager(testConfig(), events.NewDispatcher())
	m.Disconnect() // bumps gen

	m.handleClose(0, &gorilla.CloseError{Code: gorilla.CloseAbnormalClosure})
	if len(*delays) != 0 {
		t.Fatalf("expected stale close to be ignored")
	}
}

func TestBuildURLParams(t *testing.T) {
	m := NewManager(testConfig(), events.NewDispatcher())
	u := m.buildURL()
	if u != "ws://127.0.0.1:1/ws?role=user&token=tok" {
		t.Fatalf("unexpected url: %s", u)
	}
}

func startFakeBackend(t *testing.T, handler func(*websocket.Conn)) string {
	t.Helper()
	app := fiber.New()
	app.Get("/ws", websocket.New(handler))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })

	return "ws://" + ln.Addr().String() + "/ws"
}

func TestConnectHandshakeAndDispatch(t *testing.T) {
	frames := make(chan string, 10)
	proceed := make(chan struct{})

	url := startFakeBackend(t, func(c *websocket.Conn) {
		frames <- c.Query("token") + "|" + c.Query("role")
		for i := 0; i < 2; i++ { // hello then subscribe replay
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			frames <- string(msg)
		}
		_ = c.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"driverLocation","payload":{"location":{"lat":12.97,"lng":77.59}}}`))
		<-proceed
		_ = c.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "token revoked"))
		_ = c.Close()
	})

	dispatcher := events.NewDispatcher()
	located := make(chan events.Message, 1)
	dispatcher.On(events.TypeDriverLocation, func(msg events.Message) { located <- msg })

	cfg := testConfig()
	cfg.URL = url
	m := NewManager(cfg, dispatcher)

	states := make(chan error, 10)
	m.OnStateChange(func(s State, err error) {
		if s == StateDisconnected {
			states <- err
		}
	})

	m.Subscribe("booking:B123456789")
	m.Connect()

	expectFrame := func(want string) {
		t.Helper()
		select {
		case got := <-frames:
			if got != want {
				t.Fatalf("expected frame %q, got %q", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for frame %q", want)
		}
	}

	expectFrame("tok|user")
	expectFrame(`{"type":"hello","userType":"user"}`)
	expectFrame(`{"type":"subscribe","channel":"booking:B123456789"}`)

	select {
	case msg := <-located:
		var payload struct {
			Location struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location"`
		}
		if err := json.Unmarshal(msg.Data(), &payload); err != nil {
			t.Fatalf("payload decode: %v", err)
		}
		if payload.Location.Lat != 12.97 || payload.Location.Lng != 77.59 {
			t.Fatalf("unexpected location: %+v", payload.Location)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for dispatched location")
	}

	if m.State() != StateOpen {
		t.Fatalf("expected open state, got %s", m.State())
	}

	close(proceed)

	select {
	case err := <-states:
		if !errors.Is(err, ErrAuthRejected) {
			t.Fatalf("expected auth rejected on 1008 close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for auth rejection")
	}

	m.Connect()
	if m.State() != StateDisconnected {
		t.Fatalf("expected connect no-op after auth rejection")
	}
}

func TestSilentConnectionTimesOut(t *testing.T) {
	delays := captureDelays(t)

	release := make(chan struct{})
	url := startFakeBackend(t, func(c *websocket.Conn) {
		// hold the connection open without writing anything
		<-release
	})

	cfg := testConfig()
	cfg.URL = url
	cfg.HeartbeatTimeout = 100 * time.Millisecond
	m := NewManager(cfg, events.NewDispatcher())

	states := make(chan State, 10)
	m.OnStateChange(func(s State, _ error) { states <- s })
	m.Connect()

	waitState := func(want State) {
		t.Helper()
		for {
			select {
			case s := <-states:
				if s == want {
					return
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("timeout waiting for state %s", want)
			}
		}
	}
	waitState(StateOpen)
	waitState(StateReconnecting)

	if len(*delays) == 0 {
		t.Fatalf("expected a reconnect scheduled after the read deadline lapsed")
	}
	close(release)
}

func TestHeartbeatKeepsConnectionOpen(t *testing.T) {
	url := startFakeBackend(t, func(c *websocket.Conn) {
		for {
			time.Sleep(30 * time.Millisecond)
			if err := c.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)); err != nil {
				return
			}
		}
	})

	cfg := testConfig()
	cfg.URL = url
	cfg.HeartbeatTimeout = 150 * time.Millisecond
	m := NewManager(cfg, events.NewDispatcher())

	opened := make(chan struct{})
	m.OnStateChange(func(s State, _ error) {
		if s == StateOpen {
			close(opened)
		}
	})

	m.Connect()
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for open")
	}

	time.Sleep(450 * time.Millisecond)
	if m.State() != StateOpen {
		t.Fatalf("expected heartbeats to keep the connection open, got %s", m.State())
	}
	m.Disconnect()
}

func TestSendWhileOpen(t *testing.T) {
	echoed := make(chan string, 5)

	url := startFakeBackend(t, func(c *websocket.Conn) {
		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			echoed <- string(msg)
		}
	})

	cfg := testConfig()
	cfg.URL = url
	m := NewManager(cfg, events.NewDispatcher())

	opened := make(chan struct{})
	m.OnStateChange(func(s State, _ error) {
		if s == StateOpen {
			close(opened)
		}
	})

	m.Connect()
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for open")
	}

	if !m.Send("ping", map[string]string{"k": "v"}) {
		t.Fatalf("expected send to succeed while open")
	}

	// hello frame arrives first
	for i := 0; i < 2; i++ {
		select {
		case msg := <-echoed:
			if i == 1 && msg != `{"type":"ping","payload":{"k":"v"}}` {
				t.Fatalf("unexpected frame: %s", msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for frame %d", i)
		}
	}

	m.Disconnect()
	if m.State() != StateDisconnected {
		t.Fatalf("expected disconnected after disconnect")
	}
	if m.Send("ping", nil) {
		t.Fatalf("expected send to fail after disconnect")
	}
}
