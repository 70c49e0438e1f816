package rwsnet

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Server defines the interface for a WebSocket server speaking the jsonRWS
// (or raw) subprotocol over RFC 6455 text frames.
//
// Every accepted connection is registered under a server-assigned ID. Envelopes
// received from a connection are dispatched by their cmd field: addressed sends,
// broadcasts, room multicasts, nicknames and questions are handled internally,
// while route commands are handed to the OnRoute hook.
//
// Example usage:
//
//	import "github.com/luciancaetano/rwsnet/ws"
//
//	cfg := ws.NewConfig(":8080", ws.DefaultRateLimitConfig(), ws.AllOrigins(), nil, nil)
//	server := ws.New(cfg)
//	server.Start(ctx)
type Server interface {
	// Start starts the WebSocket server and begins listening for connections.
	//
	// Returns an error if the server is already running or if there's a problem
	// binding to the network address.
	Start(ctx context.Context) error

	// Stop closes every connection with a close frame and shuts the HTTP server down.
	Stop(ctx context.Context) error

	// Handler returns the HTTP handler performing the upgrade. It can be mounted
	// on any router instead of calling Start.
	Handler() http.Handler

	// SendOne delivers env to a single connection. Unknown IDs are ignored.
	SendOne(ctx context.Context, id string, env *Envelope) error

	// SendAll delivers env to every connection.
	SendAll(ctx context.Context, env *Envelope) error

	// SendRoom delivers env to every member of room except env.From.
	SendRoom(ctx context.Context, room string, env *Envelope) error

	// Rooms returns a snapshot of all rooms.
	Rooms() []Room

	// Connections returns the IDs of all registered connections.
	Connections() []string

	// Disconnect closes and unregisters the connection with the given ID.
	Disconnect(ctx context.Context, id string) error
}

// Conn represents a server-side connection after a successful handshake.
//
// The connection's context is cancelled when the connection closes, allowing
// goroutines associated with it to be cleaned up.
type Conn interface {
	// ID returns the server-assigned connection identifier.
	//
	// The ID is sent to the peer in the Sec-WebSocket-SocketID handshake header
	// and remains constant for the lifetime of the connection.
	ID() string

	// RemoteAddr returns the peer's network address, e.g. "192.168.1.100:54321".
	RemoteAddr() string

	// RemoteIP returns the host part of RemoteAddr.
	RemoteIP() string

	// RemotePort returns the port part of RemoteAddr.
	RemotePort() int

	// UserAgent returns the User-Agent header sent during the handshake.
	UserAgent() string

	// Subprotocol returns the negotiated subprotocol name.
	Subprotocol() string

	// ConnectedAt returns the time the handshake completed.
	ConnectedAt() time.Time

	// Context returns the connection's lifecycle context.
	Context() context.Context

	// WriteFrame queues an already encoded frame for writing.
	//
	// The call never blocks on a slow peer: when the send queue is full the
	// frame is rejected with an error and the caller moves on.
	WriteFrame(ctx context.Context, frame []byte) error

	// Close closes the connection with a normal closure code.
	Close(ctx context.Context) error

	// CloseWithCode sends a close frame with the given code and reason and
	// closes the underlying transport.
	CloseWithCode(ctx context.Context, code int, reason string) error

	// IsAlive returns true while the transport is still readable and writable.
	IsAlive() bool
}

// Client represents the native client side of a connection.
//
// Envelopes sent by the client are masked as RFC 6455 requires. Questions
// block until the server answers with the same cmd or the question timeout
// expires.
type Client interface {
	// ID returns the connection ID assigned by the server, or "" while disconnected.
	ID() string

	// Connect performs the handshake and starts the read loop.
	Connect(ctx context.Context) error

	// Disconnect closes the connection and blocks further reconnect attempts.
	Disconnect(ctx context.Context) error

	// SendOne sends payload to a single connection.
	SendOne(ctx context.Context, to string, payload any) error

	// Send sends payload to a list of connections.
	Send(ctx context.Context, to []string, payload any) error

	// Broadcast sends payload to every connection except the client itself.
	Broadcast(ctx context.Context, payload any) error

	// SendAll sends payload to every connection including the client itself.
	SendAll(ctx context.Context, payload any) error

	// SendRaw writes text as-is, followed by the delimiter. Used with the raw subprotocol.
	SendRaw(ctx context.Context, text string) error

	// SetNick asks the server to assign a nickname to this connection.
	SetNick(ctx context.Context, nickname string) error

	// RoomEnter joins a room.
	RoomEnter(ctx context.Context, room string) error

	// RoomExit leaves a room.
	RoomExit(ctx context.Context, room string) error

	// RoomExitAll leaves every room.
	RoomExitAll(ctx context.Context) error

	// RoomSend sends payload to every other member of room.
	RoomSend(ctx context.Context, room string, payload any) error

	// Route sends a route command carrying uri and body.
	Route(ctx context.Context, uri string, body any) error

	// QuestionSocketID asks the server for this connection's ID.
	QuestionSocketID(ctx context.Context) (string, error)

	// QuestionSocketList asks the server for all connections and their nicknames.
	QuestionSocketList(ctx context.Context) ([]SocketInfo, error)

	// QuestionRoomList asks the server for all rooms.
	QuestionRoomList(ctx context.Context) ([]Room, error)

	// QuestionRoomListMy asks the server for the rooms this connection belongs to.
	QuestionRoomListMy(ctx context.Context) ([]Room, error)
}

// RouteContext is handed to the route handler for every route command.
type RouteContext struct {
	Envelope *Envelope
	Conn     Conn
	URI      string
	Body     json.RawMessage

	// Respond sends env back to the connection that issued the route command.
	Respond func(ctx context.Context, env *Envelope) error
}

// RouteHandler handles route commands.
type RouteHandler = func(ctx context.Context, rc *RouteContext)
