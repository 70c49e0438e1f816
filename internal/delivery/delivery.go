package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/luciancaetano/rwsnet"
	"github.com/luciancaetano/rwsnet/internal/frame"
	"github.com/luciancaetano/rwsnet/internal/protocol"
	"github.com/luciancaetano/rwsnet/internal/registry"
)

var (
	// ErrDropped is returned when the governor drops a send.
	ErrDropped = errors.New("message dropped: server congested")

	// ErrSenderDisconnected is returned when the governor closes the sender.
	ErrSenderDisconnected = errors.New("sender disconnected: server congested")
)

// ErrorFn observes a failed send to a single target.
type ErrorFn = func(conn rwsnet.Conn, env *rwsnet.Envelope, err error)

// ServerErrorFn observes a server-error envelope before it is sent.
type ServerErrorFn = func(conn rwsnet.Conn, env *rwsnet.Envelope)

// Config configures an Engine.
type Config struct {
	Registry *registry.Registry
	Codec    protocol.Codec
	Governor *Governor
	Logger   zerolog.Logger

	OnError       ErrorFn
	OnServerError ServerErrorFn
}

// Engine turns envelopes into frames and queues them on connections.
// CarryOut is the only path from an envelope to the wire; every other
// send is a target lookup followed by CarryOut per target.
type Engine struct {
	reg      *registry.Registry
	codec    protocol.Codec
	governor *Governor
	log      zerolog.Logger

	onError       ErrorFn
	onServerError ServerErrorFn
}

// New creates a delivery engine. A nil Codec defaults to jsonRWS.
func New(cfg Config) *Engine {
	codec := cfg.Codec
	if codec == nil {
		codec = protocol.JSON{}
	}
	return &Engine{
		reg:           cfg.Registry,
		codec:         codec,
		governor:      cfg.Governor,
		log:           cfg.Logger,
		onError:       cfg.OnError,
		onServerError: cfg.OnServerError,
	}
}

// Codec returns the subprotocol codec used for outbound messages.
func (e *Engine) Codec() protocol.Codec {
	return e.codec
}

type originKey struct{}

// WithOrigin marks ctx as serving a message received from conn. Sends made
// with the returned context are attributed to conn by the governor, so
// server replies count against the connection that triggered them.
func WithOrigin(ctx context.Context, conn rwsnet.Conn) context.Context {
	return context.WithValue(ctx, originKey{}, conn)
}

// Origin returns the connection set by WithOrigin.
func Origin(ctx context.Context) (rwsnet.Conn, bool) {
	conn, ok := ctx.Value(originKey{}).(rwsnet.Conn)
	return conn, ok && conn != nil
}

// CarryOut encodes env and queues it on conn.
func (e *Engine) CarryOut(ctx context.Context, env *rwsnet.Envelope, conn rwsnet.Conn) error {
	text, err := e.codec.Encode(env)
	if err != nil {
		return err
	}
	data := frame.Encode(text, false)

	verdict, delay := e.governor.Admit()
	switch verdict {
	case Drop:
		e.log.Warn().
			Str("cmd", env.Cmd).
			Str("to", conn.ID()).
			Dur("latency", e.governor.Latency()).
			Msg("Dropping message under congestion")
		return ErrDropped
	case Disconnect:
		if e.disconnectSender(ctx, env) {
			return ErrSenderDisconnected
		}
		return ErrDropped
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	return conn.WriteFrame(ctx, data)
}

// disconnectSender closes the connection that originated env: the one set
// with WithOrigin, or else env.From. Messages from the server itself with no
// origin are never attributed to a connection.
func (e *Engine) disconnectSender(ctx context.Context, env *rwsnet.Envelope) bool {
	if e.reg == nil {
		return false
	}
	id := env.From
	if origin, ok := Origin(ctx); ok {
		id = origin.ID()
	}
	if id == rwsnet.ServerID {
		return false
	}
	sender, ok := e.reg.Remove(id)
	if !ok {
		return false
	}
	e.log.Warn().
		Str("client_id", sender.ID()).
		Str("remote_addr", sender.RemoteAddr()).
		Dur("latency", e.governor.Latency()).
		Msg("Disconnecting sender under congestion")
	sender.CloseWithCode(ctx, websocket.CloseTryAgainLater, "Server congested")
	return true
}

// SendOne delivers env to the connection named by env.To.
// A missing target is not an error.
func (e *Engine) SendOne(ctx context.Context, env *rwsnet.Envelope) error {
	conn, ok := e.reg.FindOne(registry.ID(env.To.String()))
	if !ok {
		e.log.Debug().Str("to", env.To.String()).Str("cmd", env.Cmd).Msg("Target not found, message dropped")
		return nil
	}
	return e.deliver(ctx, env, []rwsnet.Conn{conn})
}

// Send delivers env to every listed connection that exists.
func (e *Engine) Send(ctx context.Context, env *rwsnet.Envelope) error {
	ids := env.To.IDs()
	targets := e.reg.Find(registry.InStrings(registry.FieldID, ids))
	return e.deliver(ctx, env, orderBy(targets, ids))
}

// Broadcast delivers env to every connection except env.From.
func (e *Engine) Broadcast(ctx context.Context, env *rwsnet.Envelope) error {
	return e.deliver(ctx, env, e.reg.Find(registry.Ne(registry.FieldID, env.From)))
}

// SendAll delivers env to every connection including env.From.
func (e *Engine) SendAll(ctx context.Context, env *rwsnet.Envelope) error {
	return e.deliver(ctx, env, e.reg.Find())
}

// SendRoom delivers env to every member of the room named by env.To except env.From.
func (e *Engine) SendRoom(ctx context.Context, env *rwsnet.Envelope) error {
	members := e.reg.RoomMembers(env.To.String())
	targets := make([]rwsnet.Conn, 0, len(members))
	for _, m := range members {
		if m.ID() != env.From {
			targets = append(targets, m)
		}
	}
	return e.deliver(ctx, env, targets)
}

// SendError sends a server-error envelope carrying msg to conn.
func (e *Engine) SendError(ctx context.Context, conn rwsnet.Conn, msg string) error {
	env, err := rwsnet.NewEnvelope(rwsnet.ServerID, rwsnet.To(conn.ID()), rwsnet.CmdServerError, msg)
	if err != nil {
		return err
	}
	if e.onServerError != nil {
		e.onServerError(conn, env)
	}
	return e.deliver(ctx, env, []rwsnet.Conn{conn})
}

// SendID tells conn its connection ID with an info/socket/id envelope.
func (e *Engine) SendID(ctx context.Context, conn rwsnet.Conn) error {
	env, err := rwsnet.NewEnvelope(rwsnet.ServerID, rwsnet.To(conn.ID()), rwsnet.CmdInfoSocketID, conn.ID())
	if err != nil {
		return err
	}
	return e.deliver(ctx, env, []rwsnet.Conn{conn})
}

// Reply sends env to conn alone.
func (e *Engine) Reply(ctx context.Context, conn rwsnet.Conn, env *rwsnet.Envelope) error {
	return e.deliver(ctx, env, []rwsnet.Conn{conn})
}

// deliver calls CarryOut for each target. A failure is reported for that
// target only and the remaining targets are still served.
func (e *Engine) deliver(ctx context.Context, env *rwsnet.Envelope, targets []rwsnet.Conn) error {
	var errs []error
	for _, conn := range targets {
		err := e.CarryOut(ctx, env, conn)
		if err == nil {
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", conn.ID(), err))

		e.log.Warn().
			Err(err).
			Str("client_id", conn.ID()).
			Str("cmd", env.Cmd).
			Msg("Delivery failed")
		if e.onError != nil {
			e.onError(conn, env, err)
		}
		if errors.Is(err, ErrSenderDisconnected) {
			break
		}
	}
	return errors.Join(errs...)
}

// orderBy returns conns in the order their IDs appear in ids.
func orderBy(conns []rwsnet.Conn, ids []string) []rwsnet.Conn {
	byID := make(map[string]rwsnet.Conn, len(conns))
	for _, c := range conns {
		byID[c.ID()] = c
	}
	out := make([]rwsnet.Conn, 0, len(conns))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
			delete(byID, id)
		}
	}
	return out
}
