// Package rwsnet provides a WebSocket server and client for real-time messaging
// between many concurrent peers.
//
// The library implements RFC 6455 framing itself and layers the jsonRWS
// subprotocol on top of it. Every application message is an envelope:
//
//	{"id": "...", "from": "...", "to": "...", "cmd": "...", "payload": ...}
//
// followed by the "\u0003" delimiter. The cmd field selects what the server does
// with the envelope: deliver it to one connection, to a list of connections, to
// everybody, to a room, or answer a question about the server state.
//
// # Architecture
//
// Bytes read from a connection are accumulated until a complete frame is
// available, decoded by the frame codec, parsed by the subprotocol codec and
// handed to the command dispatcher. The dispatcher updates the connection
// registry and asks the delivery engine to send envelopes. The delivery engine
// is the only place where envelopes are turned into frames and queued for a
// connection.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/rwsnet/ws"
//	)
//
//	cfg := ws.NewConfig(":8080", ws.DefaultRateLimitConfig(), ws.AllOrigins(), nil, nil)
//	cfg.OnRoute = func(ctx context.Context, rc *rwsnet.RouteContext) {
//	    reply, _ := rc.Envelope.Reply(rc.Conn.ID(), "ok")
//	    rc.Respond(ctx, reply)
//	}
//	server := ws.New(cfg)
//	server.Start(ctx)
//
// A Go client:
//
//	client := ws.NewClient(ws.NewClientConfig("ws://localhost:8080/ws"))
//	client.Connect(ctx)
//	client.RoomEnter(ctx, "lobby")
//	client.RoomSend(ctx, "lobby", "hello")
//
// # Commands
//
//	socket/sendone        deliver to the connection named by "to"
//	socket/send           deliver to every connection listed in "to"
//	socket/broadcast      deliver to everybody except the sender
//	socket/sendall        deliver to everybody including the sender
//	socket/nick           set the sender's nickname
//	room/enter            join the room named by the payload
//	room/exit             leave the room named by the payload
//	room/exitall          leave every room
//	room/send             deliver to every member of room "to" except the sender
//	route                 handed to the OnRoute hook
//	question/socket/id    answer with the sender's ID
//	question/socket/list  answer with every connection and its nickname
//	question/room/list    answer with every room
//	question/room/listmy  answer with the rooms of the sender
//
// Missing targets are dropped silently.
//
// # Rate Limiting
//
// Each connection has an inbound token bucket (default 100 messages per second,
// burst 200). When it is exceeded the connection is closed with code 1008
// (Policy Violation).
//
// Outbound sends pass through a governor that measures scheduler latency and
// slows down, drops or disconnects when the process is congested.
//
// # Security Features
//
//   - Rate limiting per connection
//   - Maximum frame payload (16 MiB by default)
//   - Optional inactivity timeout
//   - Maximum connections in total and per IP address
//   - Authentication hook run before a connection is registered
//   - Origin validation via CheckOriginFn
//
// # Important
//
//   - Envelopes from one connection are dispatched in order on that connection's goroutine
//   - Hooks run synchronously; keep them short
//   - Configure CheckOriginFn in production (never use ws.AllOrigins() in production)
package rwsnet
