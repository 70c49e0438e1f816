package ws_test

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/luciancaetano/rwsnet"
	"github.com/luciancaetano/rwsnet/ws"
)

var _ rwsnet.Client = (*ws.Client)(nil)

func startServer(t *testing.T, cfg ws.ServerConfig) (rwsnet.Server, string) {
	t.Helper()

	cfg.GovernorConfig = ws.NoGovernor()
	server := ws.New(cfg)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		server.Stop(context.Background())
		srv.Close()
	})
	return server, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// inbox collects the envelopes a client receives.
type inbox struct {
	mu   sync.Mutex
	envs []*rwsnet.Envelope
}

func (b *inbox) onMessage(msg *rwsnet.Message) {
	if msg.Envelope == nil {
		return
	}
	b.mu.Lock()
	b.envs = append(b.envs, msg.Envelope)
	b.mu.Unlock()
}

func (b *inbox) payloads(cmd string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, e := range b.envs {
		if e.Cmd == cmd {
			out = append(out, e.PayloadString())
		}
	}
	return out
}

func dial(t *testing.T, url string, box *inbox) *ws.Client {
	t.Helper()

	cfg := ws.NewClientConfig(url)
	if box != nil {
		cfg.OnMessage = box.onMessage
	}
	client := ws.NewClient(cfg)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Disconnect(context.Background()) })
	return client
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestNewConfig tests the config constructor
func TestNewConfig(t *testing.T) {
	t.Parallel()

	cfg := ws.NewConfig(":9090", nil, ws.AllOrigins(), nil, nil)
	if cfg.Addr != ":9090" {
		t.Errorf("Addr = %v, want :9090", cfg.Addr)
	}
	if cfg.RateLimitConfig == nil || !cfg.RateLimitConfig.Enabled {
		t.Error("nil rate limit should keep the default limit")
	}
	if cfg.Subprotocol != rwsnet.SubprotocolJSON {
		t.Errorf("Subprotocol = %v, want %v", cfg.Subprotocol, rwsnet.SubprotocolJSON)
	}

	cfg = ws.NewConfig(":9090", ws.NoRateLimit(), nil, nil, nil)
	if cfg.RateLimitConfig.Enabled {
		t.Error("NoRateLimit() should disable rate limiting")
	}
}

// TestQueryKeyAuth tests authkey validation on the upgrade request
func TestQueryKeyAuth(t *testing.T) {
	t.Parallel()

	auth := ws.QueryKeyAuth("s3cret")
	tests := []struct {
		target string
		want   error
	}{
		{"/ws?authkey=s3cret", nil},
		{"/ws?authkey=wrong", ws.ErrBadAuthKey},
		{"/ws", ws.ErrBadAuthKey},
	}

	for _, tt := range tests {
		r := httptest.NewRequest("GET", tt.target, nil)
		if err := auth(r); !errors.Is(err, tt.want) {
			t.Errorf("auth(%s) = %v, want %v", tt.target, err, tt.want)
		}
	}
}

// TestDial tests the one-call client constructor
func TestDial(t *testing.T) {
	t.Parallel()

	server, url := startServer(t, ws.NewConfig("", ws.NoRateLimit(), ws.AllOrigins(), nil, nil))

	client, err := ws.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Disconnect(context.Background())

	if client.State() != ws.Connected {
		t.Errorf("State() = %v, want %v", client.State(), ws.Connected)
	}
	id, err := client.QuestionSocketID(context.Background())
	if err != nil {
		t.Fatalf("QuestionSocketID() error = %v", err)
	}
	if id != client.ID() {
		t.Errorf("QuestionSocketID() = %v, want %v", id, client.ID())
	}
	if conns := server.Connections(); len(conns) != 1 || conns[0] != id {
		t.Errorf("Connections() = %v, want [%v]", conns, id)
	}

	if _, err := ws.Dial(context.Background(), "ws://127.0.0.1:1/ws"); err == nil {
		t.Error("Dial() to a closed port should fail")
	}
}

// TestChat tests a chat session between two clients sharing a room
func TestChat(t *testing.T) {
	t.Parallel()

	var connected, disconnected atomic.Int32
	cfg := ws.NewConfig("", ws.NoRateLimit(), ws.AllOrigins(),
		func(conn rwsnet.Conn) { connected.Add(1) },
		func(conn rwsnet.Conn, voluntary bool) {
			if voluntary {
				disconnected.Add(1)
			}
		})
	server, url := startServer(t, cfg)
	ctx := context.Background()

	var aliceBox, bobBox inbox
	alice := dial(t, url, &aliceBox)
	bob := dial(t, url, &bobBox)
	waitFor(t, "connect hooks", func() bool { return connected.Load() == 2 })

	if err := alice.SetNick(ctx, "alice"); err != nil {
		t.Fatalf("SetNick() error = %v", err)
	}
	for _, c := range []*ws.Client{alice, bob} {
		if err := c.RoomEnter(ctx, "lobby"); err != nil {
			t.Fatalf("RoomEnter() error = %v", err)
		}
	}
	waitFor(t, "room members", func() bool {
		rooms := server.Rooms()
		return len(rooms) == 1 && len(rooms[0].MemberIDs) == 2
	})

	if err := alice.RoomSend(ctx, "lobby", "hello lobby"); err != nil {
		t.Fatalf("RoomSend() error = %v", err)
	}
	waitFor(t, "room message", func() bool { return len(bobBox.payloads(rwsnet.CmdRoomSend)) == 1 })
	if got := bobBox.payloads(rwsnet.CmdRoomSend)[0]; got != "hello lobby" {
		t.Errorf("room payload = %v, want hello lobby", got)
	}

	list, err := bob.QuestionSocketList(ctx)
	if err != nil {
		t.Fatalf("QuestionSocketList() error = %v", err)
	}
	nicks := map[string]string{}
	for _, s := range list {
		nicks[s.ID] = s.Nickname
	}
	if nicks[alice.ID()] != "alice" {
		t.Errorf("nickname of %s = %q, want alice", alice.ID(), nicks[alice.ID()])
	}

	if err := bob.SendOne(ctx, alice.ID(), "psst"); err != nil {
		t.Fatalf("SendOne() error = %v", err)
	}
	waitFor(t, "direct message", func() bool { return len(aliceBox.payloads(rwsnet.CmdSendOne)) == 1 })

	if err := bob.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	waitFor(t, "disconnect hook", func() bool { return disconnected.Load() == 1 })

	mine, err := alice.QuestionRoomListMy(ctx)
	if err != nil {
		t.Fatalf("QuestionRoomListMy() error = %v", err)
	}
	if len(mine) != 1 || len(mine[0].MemberIDs) != 1 || mine[0].MemberIDs[0] != alice.ID() {
		t.Errorf("QuestionRoomListMy() = %+v, want lobby with only %s", mine, alice.ID())
	}
}

// TestRouteRespond tests a route handler answering the caller
func TestRouteRespond(t *testing.T) {
	t.Parallel()

	cfg := ws.NewConfig("", ws.NoRateLimit(), ws.AllOrigins(), nil, nil)
	cfg.OnRoute = func(ctx context.Context, rc *rwsnet.RouteContext) {
		reply, err := rc.Envelope.Reply(rc.Conn.ID(), "handled "+rc.URI)
		if err != nil {
			return
		}
		rc.Respond(ctx, reply)
	}
	_, url := startServer(t, cfg)

	routed := make(chan *rwsnet.Envelope, 1)
	clientCfg := ws.NewClientConfig(url)
	clientCfg.OnRoute = func(env *rwsnet.Envelope) { routed <- env }
	client := ws.NewClient(clientCfg)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Disconnect(context.Background())

	if err := client.Route(context.Background(), "/shop/cart", map[string]int{"qty": 2}); err != nil {
		t.Fatalf("Route() error = %v", err)
	}

	select {
	case env := <-routed:
		if got := env.PayloadString(); got != "handled /shop/cart" {
			t.Errorf("route reply = %v, want handled /shop/cart", got)
		}
		if env.From != rwsnet.ServerID {
			t.Errorf("route reply From = %v, want %v", env.From, rwsnet.ServerID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for route reply")
	}
}

// TestAuthenticatedServer tests that a server with QueryKeyAuth blocks clients without the key
func TestAuthenticatedServer(t *testing.T) {
	t.Parallel()

	cfg := ws.NewConfig("", ws.NoRateLimit(), ws.AllOrigins(), nil, nil)
	cfg.Authenticate = ws.QueryKeyAuth("s3cret")
	_, url := startServer(t, cfg)

	allowed, err := ws.Dial(context.Background(), url+"?authkey=s3cret")
	if err != nil {
		t.Fatalf("Dial() with key error = %v", err)
	}
	defer allowed.Disconnect(context.Background())

	errs := make(chan *rwsnet.Envelope, 1)
	clientCfg := ws.NewClientConfig(url)
	clientCfg.OnServerError = func(env *rwsnet.Envelope) { errs <- env }
	client := ws.NewClient(clientCfg)
	client.Connect(context.Background())
	defer client.Disconnect(context.Background())

	select {
	case <-errs:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for server-error")
	}
	waitFor(t, "blocked state", func() bool { return client.State() == ws.Blocked })
}

// TestBroadcastFanOut tests that a broadcast reaches every other connected client
func TestBroadcastFanOut(t *testing.T) {
	t.Parallel()

	const numClients = 20

	server, url := startServer(t, ws.NewConfig("", ws.NoRateLimit(), ws.AllOrigins(), nil, nil))

	boxes := make([]*inbox, numClients)
	clients := make([]*ws.Client, numClients)
	for i := range clients {
		boxes[i] = &inbox{}
		clients[i] = dial(t, url, boxes[i])
	}
	waitFor(t, "registrations", func() bool { return len(server.Connections()) == numClients })

	if err := clients[0].Broadcast(context.Background(), "fan-out"); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}

	for i := 1; i < numClients; i++ {
		box := boxes[i]
		waitFor(t, fmt.Sprintf("client %d broadcast", i), func() bool {
			return len(box.payloads(rwsnet.CmdBroadcast)) == 1
		})
	}
	if got := len(boxes[0].payloads(rwsnet.CmdBroadcast)); got != 0 {
		t.Errorf("sender received %d broadcasts, want 0", got)
	}
}
