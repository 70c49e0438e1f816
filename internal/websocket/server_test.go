package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/rwsnet"
	"github.com/luciancaetano/rwsnet/internal/conntest"
	"github.com/luciancaetano/rwsnet/internal/delivery"
	"github.com/luciancaetano/rwsnet/internal/dispatch"
	"github.com/luciancaetano/rwsnet/internal/protocol"
	"github.com/luciancaetano/rwsnet/internal/registry"
)

// TestDefaultRateLimitConfig tests the default rate limit configuration
func TestDefaultRateLimitConfig(t *testing.T) {
	t.Parallel()

	config := DefaultRateLimitConfig()

	if !config.Enabled {
		t.Error("Expected rate limiting to be enabled by default")
	}
	if config.MessagesPerSecond != 100 {
		t.Errorf("MessagesPerSecond = %v, want 100", config.MessagesPerSecond)
	}
	if config.Burst != 200 {
		t.Errorf("Burst = %v, want 200", config.Burst)
	}
	if NoRateLimit().Enabled {
		t.Error("Expected rate limiting to be disabled")
	}
}

// TestDefaultServerConfig tests the default server configuration
func TestDefaultServerConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultServerConfig()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"Addr", cfg.Addr, ":8080"},
		{"Path", cfg.Path, "/ws"},
		{"Subprotocol", cfg.Subprotocol, rwsnet.SubprotocolJSON},
		{"Timeout", cfg.Timeout, time.Duration(0)},
		{"PingInterval", cfg.PingInterval, 54 * time.Second},
		{"WriteTimeout", cfg.WriteTimeout, 10 * time.Second},
		{"MaxPayload", cfg.MaxPayload, 16 << 20},
		{"MaxConns", cfg.MaxConns, 0},
		{"MaxIPConns", cfg.MaxIPConns, 0},
		{"SendQueueSize", cfg.SendQueueSize, 256},
		{"RateLimitEnabled", cfg.RateLimitConfig.Enabled, true},
		{"GovernorEnabled", cfg.GovernorConfig.Enabled, true},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

// TestSanitizeConfig tests that invalid fields fall back to defaults
func TestSanitizeConfig(t *testing.T) {
	t.Parallel()

	cfg := sanitizeConfig(&ServerConfig{
		Addr:          ":9000",
		Subprotocol:   "msgpack",
		Timeout:       -time.Second,
		MaxPayload:    -1,
		SendQueueSize: 0,
		MaxConns:      5,
	})

	if cfg.Addr != ":9000" {
		t.Errorf("Addr = %v, want :9000", cfg.Addr)
	}
	if cfg.Subprotocol != rwsnet.SubprotocolJSON {
		t.Errorf("Subprotocol = %v, want jsonRWS", cfg.Subprotocol)
	}
	if cfg.Timeout != 0 {
		t.Errorf("Timeout = %v, want 0", cfg.Timeout)
	}
	if cfg.MaxPayload != 16<<20 {
		t.Errorf("MaxPayload = %v, want %v", cfg.MaxPayload, 16<<20)
	}
	if cfg.SendQueueSize != 256 {
		t.Errorf("SendQueueSize = %v, want 256", cfg.SendQueueSize)
	}
	if cfg.MaxConns != 5 {
		t.Errorf("MaxConns = %v, want 5", cfg.MaxConns)
	}
	if cfg.RateLimitConfig == nil || cfg.GovernorConfig == nil {
		t.Error("nil rate limit or governor config not defaulted")
	}
}

// TestConfigFromEnv tests the RWS_* environment overlay
func TestConfigFromEnv(t *testing.T) {
	t.Setenv("RWS_ADDR", ":7070")
	t.Setenv("RWS_SUBPROTOCOL", "raw")
	t.Setenv("RWS_TIMEOUT", "30")
	t.Setenv("RWS_MAX_CONNS", "10")
	t.Setenv("RWS_MAX_IP_CONNS", "not-a-number")
	t.Setenv("RWS_MAX_PAYLOAD", "1024")
	t.Setenv("RWS_RATE_LIMIT", "5")
	t.Setenv("RWS_RATE_BURST", "7")
	t.Setenv("RWS_AUTODELAY_FACTOR", "0.5")
	t.Setenv("RWS_DEBUG", "true")

	base := DefaultServerConfig()
	base.MaxIPConns = 3
	cfg := ConfigFromEnv(base)

	if cfg.Addr != ":7070" {
		t.Errorf("Addr = %v, want :7070", cfg.Addr)
	}
	if cfg.Subprotocol != rwsnet.SubprotocolRaw {
		t.Errorf("Subprotocol = %v, want raw", cfg.Subprotocol)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}
	if cfg.MaxConns != 10 {
		t.Errorf("MaxConns = %v, want 10", cfg.MaxConns)
	}
	if cfg.MaxIPConns != 3 {
		t.Errorf("MaxIPConns = %v, want 3 (invalid value keeps base)", cfg.MaxIPConns)
	}
	if cfg.MaxPayload != 1024 {
		t.Errorf("MaxPayload = %v, want 1024", cfg.MaxPayload)
	}
	if cfg.RateLimitConfig.MessagesPerSecond != 5 || cfg.RateLimitConfig.Burst != 7 {
		t.Errorf("RateLimitConfig = %+v, want 5/s burst 7", cfg.RateLimitConfig)
	}
	if cfg.GovernorConfig.Factor != 0.5 {
		t.Errorf("GovernorConfig.Factor = %v, want 0.5", cfg.GovernorConfig.Factor)
	}
	if !cfg.Debug {
		t.Error("Debug = false, want true")
	}
	if base.Addr != ":8080" || base.RateLimitConfig.Burst != 200 {
		t.Error("ConfigFromEnv modified its base")
	}
}

// TestNewServer tests server creation
func TestNewServer(t *testing.T) {
	t.Parallel()

	allowAll := func(r *http.Request) bool { return true }
	server := New(&ServerConfig{Addr: ":8084", Subprotocol: rwsnet.SubprotocolRaw, CheckOrigin: allowAll})

	if server.running {
		t.Error("new server should not be running")
	}
	if server.upgrader.ReadBufferSize != 1024 {
		t.Errorf("upgrader.ReadBufferSize = %v, want 1024", server.upgrader.ReadBufferSize)
	}
	if len(server.upgrader.Subprotocols) != 1 || server.upgrader.Subprotocols[0] != rwsnet.SubprotocolRaw {
		t.Errorf("upgrader.Subprotocols = %v, want [raw]", server.upgrader.Subprotocols)
	}
	if server.upgrader.CheckOrigin == nil {
		t.Error("expected CheckOrigin to be non-nil")
	}
	if server.codec.Name() != rwsnet.SubprotocolRaw {
		t.Errorf("codec = %v, want raw", server.codec.Name())
	}
	if New(nil).cfg.Addr != ":8080" {
		t.Error("New(nil) should use DefaultServerConfig")
	}
}

// testServer runs a Server behind httptest and collects its events.
type testServer struct {
	*Server
	url string

	mu          sync.Mutex
	errs        []error
	disconnects map[string]bool
	connected   chan string
}

func newTestServer(t *testing.T, cfg *ServerConfig) *testServer {
	t.Helper()

	if cfg == nil {
		cfg = &ServerConfig{}
	}
	ts := &testServer{disconnects: make(map[string]bool), connected: make(chan string, 16)}
	cfg.OnMessageError = func(conn rwsnet.Conn, err error) {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		ts.errs = append(ts.errs, err)
	}
	cfg.OnClientDisconnect = func(conn rwsnet.Conn, voluntary bool) {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		ts.disconnects[conn.ID()] = voluntary
	}
	cfg.OnConnect = func(conn rwsnet.Conn) {
		ts.connected <- conn.ID()
	}
	if cfg.GovernorConfig == nil {
		cfg.GovernorConfig = delivery.NoGovernor()
	}

	ts.Server = New(cfg)
	srv := httptest.NewServer(ts.Handler())
	t.Cleanup(func() {
		ts.Stop(context.Background())
		srv.Close()
	})
	ts.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return ts
}

func (ts *testServer) errors() []error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]error(nil), ts.errs...)
}

// dial connects a gorilla client and returns it with the ID announced by the server.
func (ts *testServer) dial(t *testing.T) (*websocket.Conn, string) {
	t.Helper()

	dialer := websocket.Dialer{Subprotocols: []string{rwsnet.SubprotocolJSON}}
	conn, resp, err := dialer.Dial(ts.url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	id := resp.Header.Get(rwsnet.HeaderSocketID)
	info := readEnvelope(t, conn)
	if info.Cmd != rwsnet.CmdInfoSocketID || info.PayloadString() != id {
		t.Fatalf("first envelope = %+v, want info/socket/id %s", info, id)
	}
	return conn, id
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *rwsnet.Envelope {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	msg, err := protocol.JSON{}.Decode(string(data))
	if err != nil {
		t.Fatalf("Decode(%q) error = %v", data, err)
	}
	return msg.Envelope
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, from string, to rwsnet.Target, cmd string, payload any) {
	t.Helper()

	env, err := rwsnet.NewEnvelope(from, to, cmd, payload)
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	text, err := protocol.JSON{}.Encode(env)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
}

// readClose reads until the server closes the connection and returns the close code.
func readClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code
		}
		t.Fatalf("ReadMessage() error = %v, want close error", err)
	}
}

// TestHandshake tests the upgrade response headers and the ID announcement
func TestHandshake(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &ServerConfig{Timeout: 20 * time.Second})

	dialer := websocket.Dialer{Subprotocols: []string{"other", rwsnet.SubprotocolJSON}}
	conn, resp, err := dialer.Dial(ts.url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if conn.Subprotocol() != rwsnet.SubprotocolJSON {
		t.Errorf("Subprotocol() = %q, want jsonRWS", conn.Subprotocol())
	}
	id := resp.Header.Get(rwsnet.HeaderSocketID)
	if id == "" {
		t.Fatal("missing socket ID header")
	}
	if got := resp.Header.Get(rwsnet.HeaderTimeout); got != "20000" {
		t.Errorf("timeout header = %q, want 20000", got)
	}
	if got := resp.Header.Get(rwsnet.HeaderVersion); got != rwsnet.Version {
		t.Errorf("version header = %q, want %q", got, rwsnet.Version)
	}

	info := readEnvelope(t, conn)
	if info.Cmd != rwsnet.CmdInfoSocketID || info.From != rwsnet.ServerID || info.PayloadString() != id {
		t.Errorf("info envelope = %+v, want info/socket/id %s", info, id)
	}
	if got := <-ts.connected; got != id {
		t.Errorf("OnConnect id = %q, want %q", got, id)
	}
	if got := ts.Connections(); len(got) != 1 || got[0] != id {
		t.Errorf("Connections() = %v, want [%s]", got, id)
	}
}

// TestUnsupportedSubprotocol tests that the upgrade is refused without the configured subprotocol
func TestUnsupportedSubprotocol(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)

	dialer := websocket.Dialer{Subprotocols: []string{rwsnet.SubprotocolRaw}}
	_, resp, err := dialer.Dial(ts.url, nil)
	if err == nil {
		t.Fatal("Dial() succeeded with an unsupported subprotocol")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("response = %v, want 400", resp)
	}
}

// TestRoomFlow tests room enter, room send and cleanup across real connections
func TestRoomFlow(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	c1, id1 := ts.dial(t)
	c2, id2 := ts.dial(t)

	sendEnvelope(t, c1, id1, rwsnet.To(rwsnet.ServerID), rwsnet.CmdRoomEnter, "lobby")
	if reply := readEnvelope(t, c1); reply.PayloadString() != "Entered in the room 'lobby'" {
		t.Errorf("reply = %q", reply.PayloadString())
	}
	sendEnvelope(t, c2, id2, rwsnet.To(rwsnet.ServerID), rwsnet.CmdRoomEnter, "lobby")
	readEnvelope(t, c2)

	sendEnvelope(t, c1, id1, rwsnet.To("lobby"), rwsnet.CmdRoomSend, "hi")
	got := readEnvelope(t, c2)
	if got.PayloadString() != "hi" || got.From != id1 || got.Cmd != rwsnet.CmdRoomSend {
		t.Errorf("c2 received %+v, want room/send hi from %s", got, id1)
	}

	c1.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if code := readClose(t, c1); code != websocket.CloseNormalClosure {
		t.Errorf("close code = %d, want %d", code, websocket.CloseNormalClosure)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		ts.mu.Lock()
		voluntary, ok := ts.disconnects[id1]
		ts.mu.Unlock()
		if ok {
			if !voluntary {
				t.Errorf("disconnect of %s voluntary = false, want true", id1)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no disconnect recorded for %s", id1)
		}
		time.Sleep(10 * time.Millisecond)
	}

	rooms := ts.Rooms()
	if len(rooms) != 1 || len(rooms[0].MemberIDs) != 1 || rooms[0].MemberIDs[0] != id2 {
		t.Errorf("Rooms() = %v, want lobby with only %s", rooms, id2)
	}
}

// TestProtocolErrors tests that bad envelopes are reported and answered without closing
func TestProtocolErrors(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	conn, id := ts.dial(t)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"1","from":"x"}`+rwsnet.Delimiter))
	reply := readEnvelope(t, conn)
	if reply.Cmd != rwsnet.CmdError || reply.PayloadString() != rwsnet.ErrInvalidMessageFormat {
		t.Errorf("reply to malformed message = %+v, want error %q", reply, rwsnet.ErrInvalidMessageFormat)
	}
	if reply.From != rwsnet.ServerID || reply.To.String() != id {
		t.Errorf("reply from/to = %v/%v, want %v/%v", reply.From, reply.To, rwsnet.ServerID, id)
	}

	sendEnvelope(t, conn, "forged", rwsnet.To(rwsnet.ServerID), rwsnet.CmdSendAll, "x")
	if reply := readEnvelope(t, conn); reply.Cmd != rwsnet.CmdError {
		t.Errorf("reply to forged sender = %+v, want error", reply)
	}

	sendEnvelope(t, conn, id, rwsnet.To(rwsnet.ServerID), rwsnet.CmdQuestionSocketID, nil)
	if reply := readEnvelope(t, conn); reply.PayloadString() != id {
		t.Errorf("question/socket/id = %q, want %q", reply.PayloadString(), id)
	}

	errs := ts.errors()
	if len(errs) != 2 {
		t.Fatalf("message errors = %v, want 2", errs)
	}
	if !errors.Is(errs[0], protocol.ErrInvalidEnvelope) {
		t.Errorf("first error = %v, want ErrInvalidEnvelope", errs[0])
	}
	if !errors.Is(errs[1], dispatch.ErrSenderMismatch) {
		t.Errorf("second error = %v, want ErrSenderMismatch", errs[1])
	}
}

// TestPingPong tests that a client ping is answered with a pong echoing its payload
func TestPingPong(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	conn, _ := ts.dial(t)

	pong := make(chan string, 1)
	conn.SetPongHandler(func(data string) error {
		pong <- data
		return nil
	})
	go conn.ReadMessage()

	if err := conn.WriteControl(websocket.PingMessage, []byte("are-you-there"), time.Now().Add(time.Second)); err != nil {
		t.Fatalf("WriteControl() error = %v", err)
	}

	select {
	case got := <-pong:
		if got != "are-you-there" {
			t.Errorf("pong = %q, want are-you-there", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}
}

// TestConnectionLimits tests the per-server and per-IP connection limits
func TestConnectionLimits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     *ServerConfig
		wantMsg string
	}{
		{"max conns", &ServerConfig{MaxConns: 1}, rwsnet.ErrMaxConnsReached},
		{"max ip conns", &ServerConfig{MaxIPConns: 1}, rwsnet.ErrMaxIPConnsReached},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ts := newTestServer(t, tt.cfg)
			ts.dial(t)

			dialer := websocket.Dialer{Subprotocols: []string{rwsnet.SubprotocolJSON}}
			conn, _, err := dialer.Dial(ts.url, nil)
			if err != nil {
				t.Fatalf("Dial() error = %v", err)
			}
			defer conn.Close()

			env := readEnvelope(t, conn)
			if env.Cmd != rwsnet.CmdServerError || env.PayloadString() != tt.wantMsg {
				t.Errorf("envelope = %+v, want server-error %q", env, tt.wantMsg)
			}
			if code := readClose(t, conn); code != websocket.ClosePolicyViolation {
				t.Errorf("close code = %d, want %d", code, websocket.ClosePolicyViolation)
			}
			if n := len(ts.Connections()); n != 1 {
				t.Errorf("Connections() has %d entries, want 1", n)
			}
		})
	}
}

// TestAuthenticate tests that a failing authentication hook rejects the connection
func TestAuthenticate(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &ServerConfig{
		Authenticate: func(r *http.Request) error {
			if r.URL.Query().Get("authkey") != "secret" {
				return errors.New("bad key")
			}
			return nil
		},
	})

	dialer := websocket.Dialer{Subprotocols: []string{rwsnet.SubprotocolJSON}}
	conn, _, err := dialer.Dial(ts.url+"?authkey=wrong", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if env := readEnvelope(t, conn); env.Cmd != rwsnet.CmdServerError || env.PayloadString() != rwsnet.ErrUnauthenticated {
		t.Errorf("envelope = %+v, want server-error %q", env, rwsnet.ErrUnauthenticated)
	}

	ok, _, err := dialer.Dial(ts.url+"?authkey=secret", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer ok.Close()
	if env := readEnvelope(t, ok); env.Cmd != rwsnet.CmdInfoSocketID {
		t.Errorf("envelope = %+v, want info/socket/id", env)
	}
}

// TestRateLimitExceeded tests that a flooding client is closed with a policy violation
func TestRateLimitExceeded(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &ServerConfig{RateLimitConfig: &RateLimitConfig{
		MessagesPerSecond: rate.Every(time.Hour),
		Burst:             1,
		Enabled:           true,
	}})
	conn, id := ts.dial(t)

	sendEnvelope(t, conn, id, rwsnet.To(rwsnet.ServerID), rwsnet.CmdQuestionSocketID, nil)
	sendEnvelope(t, conn, id, rwsnet.To(rwsnet.ServerID), rwsnet.CmdQuestionSocketID, nil)

	if code := readClose(t, conn); code != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d, want %d", code, websocket.ClosePolicyViolation)
	}
}

// TestPayloadTooLarge tests that an oversized frame closes the connection
func TestPayloadTooLarge(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &ServerConfig{MaxPayload: 64})
	conn, _ := ts.dial(t)

	conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 200)))

	if code := readClose(t, conn); code != websocket.CloseMessageTooBig {
		t.Errorf("close code = %d, want %d", code, websocket.CloseMessageTooBig)
	}
}

// TestServerSends tests the server-side send API and Disconnect
func TestServerSends(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	c1, id1 := ts.dial(t)
	c2, id2 := ts.dial(t)

	env, _ := rwsnet.NewEnvelope(rwsnet.ServerID, rwsnet.To(rwsnet.ServerID), rwsnet.CmdSendOne, "direct")
	if err := ts.SendOne(context.Background(), id2, env); err != nil {
		t.Fatalf("SendOne() error = %v", err)
	}
	if got := readEnvelope(t, c2); got.PayloadString() != "direct" || got.To.String() != id2 {
		t.Errorf("c2 received %+v", got)
	}

	all, _ := rwsnet.NewEnvelope(rwsnet.ServerID, rwsnet.To(rwsnet.ServerID), rwsnet.CmdSendAll, "everyone")
	if err := ts.SendAll(context.Background(), all); err != nil {
		t.Fatalf("SendAll() error = %v", err)
	}
	for _, c := range []*websocket.Conn{c1, c2} {
		if got := readEnvelope(t, c); got.PayloadString() != "everyone" {
			t.Errorf("received %+v, want everyone", got)
		}
	}

	if err := ts.Disconnect(context.Background(), id1); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if code := readClose(t, c1); code != websocket.CloseNormalClosure {
		t.Errorf("close code = %d, want %d", code, websocket.CloseNormalClosure)
	}
	if err := ts.Disconnect(context.Background(), id1); err == nil {
		t.Error("second Disconnect() should fail")
	}
}

// TestStartStop tests that Start refuses to run twice and Stop closes connections
func TestStartStop(t *testing.T) {
	t.Parallel()

	server := New(&ServerConfig{Addr: "127.0.0.1:0"})
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := server.Start(context.Background()); err == nil || err.Error() != rwsnet.ErrServerAlreadyRunning {
		t.Errorf("second Start() error = %v, want %q", err, rwsnet.ErrServerAlreadyRunning)
	}
	if err := server.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := server.Stop(context.Background()); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

// TestIdleTimeout tests that a client silent for longer than Timeout is dropped
func TestIdleTimeout(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &ServerConfig{Timeout: 100 * time.Millisecond})
	_, id := ts.dial(t)
	other, otherID := ts.dial(t)

	deadline := time.Now().Add(2 * time.Second)
	for len(ts.Connections()) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := ts.Connections(); len(got) != 0 {
		t.Fatalf("Connections() = %v, want none after idle timeout", got)
	}

	ts.mu.Lock()
	voluntary, ok := ts.disconnects[id]
	_, otherGone := ts.disconnects[otherID]
	ts.mu.Unlock()
	if !ok || voluntary {
		t.Errorf("disconnect of %s = %v (seen %v), want involuntary", id, voluntary, ok)
	}
	if !otherGone {
		t.Errorf("client %s was not disconnected", otherID)
	}

	other.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Error("ReadMessage() on a timed out connection should fail")
	}
}

// TestPurge tests that dead connections are removed and closed while live ones stay
func TestPurge(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	_, id := ts.dial(t)

	dead := conntest.New("dead")
	if err := ts.Registry().Add(dead); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	dead.Kill()

	if n := ts.Purge(context.Background()); n != 1 {
		t.Errorf("Purge() = %d, want 1", n)
	}
	if got := ts.Connections(); len(got) != 1 || got[0] != id {
		t.Errorf("Connections() = %v, want [%s]", got, id)
	}
	if n := ts.Purge(context.Background()); n != 0 {
		t.Errorf("second Purge() = %d, want 0", n)
	}
}

// TestPurgeLoop tests that the background loop purges dead connections on its own
func TestPurgeLoop(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &ServerConfig{PurgeInterval: 20 * time.Millisecond})
	ts.dial(t)

	dead := conntest.New("dead")
	if err := ts.Registry().Add(dead); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	dead.Kill()

	deadline := time.Now().Add(2 * time.Second)
	for ts.Registry().Exists(registry.ID("dead")) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if ts.Registry().Exists(registry.ID("dead")) {
		t.Error("dead connection still registered after purge interval")
	}
	if n := len(ts.Connections()); n != 1 {
		t.Errorf("Connections() = %d, want 1", n)
	}
}
