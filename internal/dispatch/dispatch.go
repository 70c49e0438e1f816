package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/luciancaetano/rwsnet"
	"github.com/luciancaetano/rwsnet/internal/delivery"
	"github.com/luciancaetano/rwsnet/internal/registry"
)

var (
	// ErrUnknownCommand is returned for a cmd outside the command table.
	ErrUnknownCommand = errors.New(rwsnet.ErrUnknownCommand)

	// ErrSenderMismatch is returned when env.From is not the sending connection.
	ErrSenderMismatch = errors.New(rwsnet.ErrSenderMismatch)

	// ErrInvalidPayload is returned when the payload does not fit the command.
	ErrInvalidPayload = errors.New("invalid payload for command")
)

type handlerFn func(ctx context.Context, conn rwsnet.Conn, env *rwsnet.Envelope) error

// Config configures a Dispatcher.
type Config struct {
	Registry *registry.Registry
	Delivery *delivery.Engine
	OnRoute  rwsnet.RouteHandler
	Logger   zerolog.Logger
}

// Dispatcher maps an envelope's cmd to registry and delivery operations.
// It keeps no state of its own between calls.
type Dispatcher struct {
	reg      *registry.Registry
	delivery *delivery.Engine
	onRoute  rwsnet.RouteHandler
	log      zerolog.Logger
	handlers map[string]handlerFn
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		reg:      cfg.Registry,
		delivery: cfg.Delivery,
		onRoute:  cfg.OnRoute,
		log:      cfg.Logger,
	}
	d.handlers = map[string]handlerFn{
		rwsnet.CmdSendOne:            d.sendOne,
		rwsnet.CmdSend:               d.send,
		rwsnet.CmdBroadcast:          d.broadcast,
		rwsnet.CmdSendAll:            d.sendAll,
		rwsnet.CmdNick:               d.nick,
		rwsnet.CmdRoomEnter:          d.roomEnter,
		rwsnet.CmdRoomExit:           d.roomExit,
		rwsnet.CmdRoomExitAll:        d.roomExitAll,
		rwsnet.CmdRoomSend:           d.roomSend,
		rwsnet.CmdRoute:              d.route,
		rwsnet.CmdQuestionSocketID:   d.questionSocketID,
		rwsnet.CmdQuestionSocketList: d.questionSocketList,
		rwsnet.CmdQuestionRoomList:   d.questionRoomList,
		rwsnet.CmdQuestionRoomListMy: d.questionRoomListMy,
	}
	return d
}

// Process handles one envelope received from conn.
//
// Protocol violations (forged sender, unknown command, malformed payload) are
// answered with an error envelope and returned so the caller can report them.
// Delivery failures to other connections are observed by the delivery engine
// and are not returned.
func (d *Dispatcher) Process(ctx context.Context, conn rwsnet.Conn, env *rwsnet.Envelope) error {
	ctx = delivery.WithOrigin(ctx, conn)

	if env.From != conn.ID() {
		err := fmt.Errorf("%w: from %q on connection %s", ErrSenderMismatch, env.From, conn.ID())
		d.replyError(ctx, conn, env, rwsnet.ErrSenderMismatch)
		return err
	}

	handler, ok := d.handlers[env.Cmd]
	if !ok {
		d.replyError(ctx, conn, env, fmt.Sprintf("%s: %s", rwsnet.ErrUnknownCommand, env.Cmd))
		return fmt.Errorf("%w: %q", ErrUnknownCommand, env.Cmd)
	}

	d.log.Debug().Str("client_id", conn.ID()).Str("cmd", env.Cmd).Str("id", env.ID).Msg("Dispatching")
	return handler(ctx, conn, env)
}

func (d *Dispatcher) sendOne(ctx context.Context, _ rwsnet.Conn, env *rwsnet.Envelope) error {
	d.delivery.SendOne(ctx, env)
	return nil
}

func (d *Dispatcher) send(ctx context.Context, _ rwsnet.Conn, env *rwsnet.Envelope) error {
	d.delivery.Send(ctx, env)
	return nil
}

func (d *Dispatcher) broadcast(ctx context.Context, _ rwsnet.Conn, env *rwsnet.Envelope) error {
	d.delivery.Broadcast(ctx, env)
	return nil
}

func (d *Dispatcher) sendAll(ctx context.Context, _ rwsnet.Conn, env *rwsnet.Envelope) error {
	d.delivery.SendAll(ctx, env)
	return nil
}

func (d *Dispatcher) roomSend(ctx context.Context, _ rwsnet.Conn, env *rwsnet.Envelope) error {
	d.delivery.SendRoom(ctx, env)
	return nil
}

func (d *Dispatcher) nick(ctx context.Context, conn rwsnet.Conn, env *rwsnet.Envelope) error {
	name, err := stringPayload(env)
	if err != nil {
		d.replyError(ctx, conn, env, err.Error())
		return err
	}

	if err := d.reg.SetNickname(conn.ID(), name); err != nil {
		d.replyError(ctx, conn, env, err.Error())
		return nil
	}
	return d.reply(ctx, conn, env, d.reg.Nickname(conn.ID()))
}

func (d *Dispatcher) roomEnter(ctx context.Context, conn rwsnet.Conn, env *rwsnet.Envelope) error {
	room, err := d.roomName(ctx, conn, env)
	if err != nil {
		return err
	}
	if err := d.reg.RoomEnter(conn.ID(), room); err != nil {
		d.replyError(ctx, conn, env, err.Error())
		return nil
	}
	return d.reply(ctx, conn, env, fmt.Sprintf("Entered in the room '%s'", room))
}

func (d *Dispatcher) roomExit(ctx context.Context, conn rwsnet.Conn, env *rwsnet.Envelope) error {
	room, err := d.roomName(ctx, conn, env)
	if err != nil {
		return err
	}
	if err := d.reg.RoomExit(conn.ID(), room); err != nil {
		d.replyError(ctx, conn, env, err.Error())
		return nil
	}
	return d.reply(ctx, conn, env, fmt.Sprintf("Exited from the room '%s'", room))
}

func (d *Dispatcher) roomExitAll(ctx context.Context, conn rwsnet.Conn, env *rwsnet.Envelope) error {
	if err := d.reg.RoomExitAll(conn.ID()); err != nil {
		d.replyError(ctx, conn, env, err.Error())
		return nil
	}
	return d.reply(ctx, conn, env, "Exited from all rooms")
}

func (d *Dispatcher) route(ctx context.Context, conn rwsnet.Conn, env *rwsnet.Envelope) error {
	var p rwsnet.RoutePayload
	if err := env.DecodePayload(&p); err != nil || p.URI == "" {
		err := fmt.Errorf("%w: route needs {uri, body}", ErrInvalidPayload)
		d.replyError(ctx, conn, env, err.Error())
		return err
	}

	if d.onRoute == nil {
		d.log.Debug().Str("client_id", conn.ID()).Str("uri", p.URI).Msg("Route command without handler")
		return nil
	}

	d.onRoute(ctx, &rwsnet.RouteContext{
		Envelope: env,
		Conn:     conn,
		URI:      p.URI,
		Body:     p.Body,
		Respond: func(ctx context.Context, reply *rwsnet.Envelope) error {
			return d.delivery.Reply(ctx, conn, reply)
		},
	})
	return nil
}

func (d *Dispatcher) questionSocketID(ctx context.Context, conn rwsnet.Conn, env *rwsnet.Envelope) error {
	return d.reply(ctx, conn, env, conn.ID())
}

func (d *Dispatcher) questionSocketList(ctx context.Context, conn rwsnet.Conn, env *rwsnet.Envelope) error {
	return d.reply(ctx, conn, env, d.reg.Sockets())
}

func (d *Dispatcher) questionRoomList(ctx context.Context, conn rwsnet.Conn, env *rwsnet.Envelope) error {
	return d.reply(ctx, conn, env, d.reg.RoomList())
}

func (d *Dispatcher) questionRoomListMy(ctx context.Context, conn rwsnet.Conn, env *rwsnet.Envelope) error {
	return d.reply(ctx, conn, env, d.reg.RoomListOf(env.From))
}

func (d *Dispatcher) roomName(ctx context.Context, conn rwsnet.Conn, env *rwsnet.Envelope) (string, error) {
	room, err := stringPayload(env)
	if err == nil && room == "" {
		err = fmt.Errorf("%w: room name is empty", ErrInvalidPayload)
	}
	if err != nil {
		d.replyError(ctx, conn, env, err.Error())
		return "", err
	}
	return room, nil
}

// reply answers env on conn, keeping its id and cmd.
func (d *Dispatcher) reply(ctx context.Context, conn rwsnet.Conn, env *rwsnet.Envelope, payload any) error {
	out, err := env.Reply(conn.ID(), payload)
	if err != nil {
		return err
	}
	d.delivery.Reply(ctx, conn, out)
	return nil
}

// replyError answers env on conn with an error envelope carrying msg.
func (d *Dispatcher) replyError(ctx context.Context, conn rwsnet.Conn, env *rwsnet.Envelope, msg string) {
	out, err := env.Reply(conn.ID(), msg)
	if err != nil {
		return
	}
	out.Cmd = rwsnet.CmdError
	d.delivery.Reply(ctx, conn, out)
}

func stringPayload(env *rwsnet.Envelope) (string, error) {
	var s string
	if err := env.DecodePayload(&s); err != nil {
		return "", fmt.Errorf("%w: %s needs a string payload", ErrInvalidPayload, env.Cmd)
	}
	return s, nil
}
