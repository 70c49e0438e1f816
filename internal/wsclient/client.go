// Package wsclient is the native Go client for rwsnet servers.
//
// The client performs the upgrade itself so that frames the server sends
// immediately after the 101 response are never lost, then speaks RFC 6455
// through internal/frame with every outbound frame masked.
package wsclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/rwsnet"
	"github.com/luciancaetano/rwsnet/internal/delivery"
	"github.com/luciancaetano/rwsnet/internal/frame"
	"github.com/luciancaetano/rwsnet/internal/protocol"
)

var (
	// ErrNotConnected is returned by sends while there is no connection.
	ErrNotConnected = errors.New("client is not connected")

	// ErrQuestionTimeout is returned when a question gets no answer in time.
	ErrQuestionTimeout = errors.New("question timed out")

	// ErrBlocked is returned by Connect after a server-error, until Disconnect is called.
	ErrBlocked = errors.New("reconnect blocked")
)

// State is the connection state of a Client.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Blocked
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Blocked:
		return "blocked"
	}
	return "disconnected"
}

// Config configures a Client.
type Config struct {
	URL string

	ConnectTimeout    time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	QuestionTimeout   time.Duration
	WriteTimeout      time.Duration

	// Subprotocols offered during the handshake, in order of preference.
	Subprotocols []string
	// Header is sent with the upgrade request.
	Header http.Header

	// Governor paces outbound sends. nil disables it.
	Governor *delivery.GovernorConfig

	OnMessage      func(msg *rwsnet.Message)
	OnRoute        func(env *rwsnet.Envelope)
	OnServerError  func(env *rwsnet.Envelope)
	OnMessageError func(err error)
	OnStateChange  func(state State, attempt int)

	Logger zerolog.Logger
	Debug  bool
}

// DefaultConfig returns the default client configuration for url.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:               url,
		ConnectTimeout:    8 * time.Second,
		ReconnectAttempts: 6,
		ReconnectDelay:    5 * time.Second,
		QuestionTimeout:   13 * time.Second,
		WriteTimeout:      10 * time.Second,
		Subprotocols:      []string{rwsnet.SubprotocolJSON, rwsnet.SubprotocolRaw},
	}
}

// Client is a connection to an rwsnet server. It implements rwsnet.Client.
type Client struct {
	cfg      Config
	log      zerolog.Logger
	governor *delivery.Governor

	mu          sync.Mutex
	conn        net.Conn
	id          string
	subprotocol string
	codec       protocol.Codec
	state       State
	blocked     bool
	closeSent   bool
	life        context.Context
	lifeCancel  context.CancelFunc
	done        chan struct{}

	// wmu serializes frame writes on conn.
	wmu sync.Mutex

	qmu     sync.Mutex
	waiters map[string][]chan *rwsnet.Envelope
}

// New creates a client. Zero fields of cfg take the DefaultConfig values.
func New(cfg *Config) *Client {
	def := DefaultConfig("")
	c := *cfg
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.ReconnectAttempts < 0 {
		c.ReconnectAttempts = 0
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.QuestionTimeout <= 0 {
		c.QuestionTimeout = def.QuestionTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if len(c.Subprotocols) == 0 {
		c.Subprotocols = def.Subprotocols
	}

	level := zerolog.InfoLevel
	if c.Debug {
		level = zerolog.DebugLevel
	}

	client := &Client{
		cfg:     c,
		log:     c.Logger.Level(level).With().Str("component", "client").Logger(),
		waiters: make(map[string][]chan *rwsnet.Envelope),
	}
	if c.Governor != nil {
		client.governor = delivery.NewGovernor(c.Governor, nil)
	}
	return client
}

// ID returns the connection ID assigned by the server, or "" while disconnected.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Subprotocol returns the subprotocol chosen by the server.
func (c *Client) Subprotocol() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subprotocol
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State, attempt int) {
	c.mu.Lock()
	changed := c.state != s || s == Reconnecting
	c.state = s
	c.mu.Unlock()

	if changed {
		c.notifyState(s, attempt)
	}
}

// setConnected moves to Connected unless the connection already ended.
func (c *Client) setConnected(attempt int) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.state = Connected
	c.mu.Unlock()

	c.notifyState(Connected, attempt)
}

func (c *Client) notifyState(s State, attempt int) {
	c.log.Debug().Str("state", s.String()).Int("attempt", attempt).Msg("State changed")
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s, attempt)
	}
}

// Connect performs the handshake and starts the read loop. It clears a
// previous Disconnect but not a block caused by a server-error. It returns
// nil without dialing while a connection or reconnection is in progress.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.state == Connected, c.state == Connecting, c.state == Reconnecting:
		c.mu.Unlock()
		return nil
	case c.blocked && c.lifeCancel != nil && c.life.Err() == nil:
		c.mu.Unlock()
		return ErrBlocked
	}
	c.blocked = false
	if c.life == nil || c.life.Err() != nil {
		c.life, c.lifeCancel = context.WithCancel(context.Background())
		if c.governor != nil {
			go c.governor.Run(c.life)
		}
	}
	c.state = Connecting
	c.mu.Unlock()

	c.notifyState(Connecting, 0)
	if err := c.dial(ctx); err != nil {
		c.mu.Lock()
		c.lifeCancel()
		c.mu.Unlock()
		c.setState(Disconnected, 0)
		return err
	}
	c.setConnected(0)
	return nil
}

// dial opens a connection and starts reading from it.
func (c *Client) dial(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	res, err := handshake(ctx, c.cfg.URL, c.cfg.Subprotocols, c.cfg.Header)
	if err != nil {
		return err
	}
	codec, err := protocol.Lookup(res.subprotocol)
	if err != nil {
		res.conn.Close()
		return err
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = res.conn
	c.id = res.resp.Header.Get(rwsnet.HeaderSocketID)
	c.subprotocol = res.subprotocol
	c.codec = codec
	c.closeSent = false
	c.done = done
	c.mu.Unlock()

	// The server registers the connection before its first message, so wait
	// for it before reporting the connection as usable.
	ready := make(chan struct{})
	go c.readLoop(res.conn, res.br, done, sync.OnceFunc(func() { close(ready) }))

	select {
	case <-ready:
	case <-ctx.Done():
		c.mu.Lock()
		if c.conn == res.conn {
			c.conn = nil
			c.id = ""
		}
		c.mu.Unlock()
		res.conn.Close()
		<-done
		return ctx.Err()
	}

	c.log.Info().Str("url", c.cfg.URL).Str("client_id", c.ID()).Str("subprotocol", res.subprotocol).Msg("Connected")
	return nil
}

// Disconnect sends a close frame, closes the connection and blocks reconnects
// until the next Connect.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.blocked = true
	if c.lifeCancel != nil {
		c.lifeCancel()
	}
	conn, done := c.conn, c.done
	c.mu.Unlock()

	if conn == nil {
		c.setState(Blocked, 0)
		return nil
	}

	c.writeClose()

	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	select {
	case <-done:
	case <-ctx.Done():
	case <-timer.C:
	}
	conn.Close()
	<-done
	return nil
}

// readLoop reads frames until the connection ends, then reconnects unless blocked.
func (c *Client) readLoop(conn net.Conn, br *bufio.Reader, done chan struct{}, ready func()) {
	defer func() {
		conn.Close()
		ready()

		c.mu.Lock()
		current := c.conn == conn
		if current {
			c.conn = nil
			c.id = ""
		}
		blocked := c.blocked
		life := c.life
		c.mu.Unlock()

		if !current {
			close(done)
			return
		}

		c.log.Info().Bool("blocked", blocked).Msg("Disconnected")
		if blocked {
			c.setState(Blocked, 0)
			close(done)
			return
		}
		c.setState(Disconnected, 0)
		close(done)
		go c.reconnect(life)
	}()

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := br.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				f, used, derr := frame.Decode(buf, false)
				if errors.Is(derr, frame.ErrIncomplete) {
					break
				}
				if derr != nil {
					c.messageError(derr)
					return
				}
				buf = append(buf[:0], buf[used:]...)
				if !c.handleFrame(f) {
					return
				}
				if !f.Opcode.IsControl() {
					ready()
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// reconnect retries the connection ReconnectAttempts times, ReconnectDelay apart.
func (c *Client) reconnect(life context.Context) {
	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		c.setState(Reconnecting, attempt)

		timer := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-timer.C:
		case <-life.Done():
			timer.Stop()
			return
		}

		c.mu.Lock()
		blocked := c.blocked
		c.mu.Unlock()
		if blocked {
			return
		}

		if err := c.dial(life); err != nil {
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect failed")
			continue
		}
		c.setConnected(attempt)
		return
	}
	c.setState(Disconnected, 0)
}

func (c *Client) handleFrame(f *frame.Frame) bool {
	switch f.Opcode {
	case frame.OpPing:
		c.writeFrame(frame.Pong(f.Payload, true))
		return true
	case frame.OpPong:
		return true
	case frame.OpClose:
		code, _ := f.CloseStatus()
		c.log.Debug().Int("code", code).Msg("Close frame received")
		c.writeClose()
		return false
	}

	c.handleText(f.Text())
	return true
}

func (c *Client) handleText(text string) {
	c.mu.Lock()
	codec := c.codec
	c.mu.Unlock()

	msg, err := codec.Decode(text)
	if err != nil {
		c.messageError(err)
		return
	}

	if env := msg.Envelope; env != nil {
		switch env.Cmd {
		case rwsnet.CmdInfoSocketID:
			c.mu.Lock()
			c.id = env.PayloadString()
			c.mu.Unlock()
		case rwsnet.CmdServerError:
			c.log.Warn().Str("error", env.PayloadString()).Msg("Server error")
			c.mu.Lock()
			c.blocked = true
			c.mu.Unlock()
			if c.cfg.OnServerError != nil {
				c.cfg.OnServerError(env)
			}
		case rwsnet.CmdRoute:
			if c.cfg.OnRoute != nil {
				c.cfg.OnRoute(env)
			}
		}
		if env.From == rwsnet.ServerID {
			c.answer(env)
		}
	}

	if c.cfg.OnMessage != nil {
		c.cfg.OnMessage(msg)
	}
}

func (c *Client) messageError(err error) {
	c.log.Warn().Err(err).Msg("Message error")
	if c.cfg.OnMessageError != nil {
		c.cfg.OnMessageError(err)
	}
}

// writeFrame writes an encoded frame on the current connection.
func (c *Client) writeFrame(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	_, err := conn.Write(data)
	return err
}

// writeClose sends a normal closure frame once per connection.
func (c *Client) writeClose() {
	c.mu.Lock()
	sent := c.closeSent
	c.closeSent = true
	c.mu.Unlock()

	if !sent {
		c.writeFrame(frame.CloseWithStatus(1000, "", true))
	}
}

// send builds an envelope from this connection and writes it.
func (c *Client) send(ctx context.Context, to rwsnet.Target, cmd string, payload any) (*rwsnet.Envelope, error) {
	c.mu.Lock()
	id, codec := c.id, c.codec
	c.mu.Unlock()
	if codec == nil {
		return nil, ErrNotConnected
	}

	env, err := rwsnet.NewEnvelope(id, to, cmd, payload)
	if err != nil {
		return nil, err
	}
	text, err := codec.Encode(env)
	if err != nil {
		return nil, err
	}
	if err := c.pace(ctx); err != nil {
		return nil, err
	}
	return env, c.writeFrame(frame.Encode(text, true))
}

// pace applies the governor to an outbound send.
func (c *Client) pace(ctx context.Context) error {
	verdict, delay := c.governor.Admit()
	if verdict != delivery.Pass {
		return delivery.ErrDropped
	}
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) SendOne(ctx context.Context, to string, payload any) error {
	_, err := c.send(ctx, rwsnet.To(to), rwsnet.CmdSendOne, payload)
	return err
}

func (c *Client) Send(ctx context.Context, to []string, payload any) error {
	_, err := c.send(ctx, rwsnet.ToList(to...), rwsnet.CmdSend, payload)
	return err
}

func (c *Client) Broadcast(ctx context.Context, payload any) error {
	_, err := c.send(ctx, rwsnet.To(rwsnet.ServerID), rwsnet.CmdBroadcast, payload)
	return err
}

func (c *Client) SendAll(ctx context.Context, payload any) error {
	_, err := c.send(ctx, rwsnet.To(rwsnet.ServerID), rwsnet.CmdSendAll, payload)
	return err
}

// SendRaw writes text followed by the delimiter, for the raw subprotocol.
func (c *Client) SendRaw(ctx context.Context, text string) error {
	if err := c.pace(ctx); err != nil {
		return err
	}
	return c.writeFrame(frame.Encode(protocol.Raw{}.EncodeText(text), true))
}

func (c *Client) SetNick(ctx context.Context, nickname string) error {
	_, err := c.send(ctx, rwsnet.To(rwsnet.ServerID), rwsnet.CmdNick, nickname)
	return err
}

func (c *Client) RoomEnter(ctx context.Context, room string) error {
	_, err := c.send(ctx, rwsnet.To(rwsnet.ServerID), rwsnet.CmdRoomEnter, room)
	return err
}

func (c *Client) RoomExit(ctx context.Context, room string) error {
	_, err := c.send(ctx, rwsnet.To(rwsnet.ServerID), rwsnet.CmdRoomExit, room)
	return err
}

func (c *Client) RoomExitAll(ctx context.Context) error {
	_, err := c.send(ctx, rwsnet.To(rwsnet.ServerID), rwsnet.CmdRoomExitAll, nil)
	return err
}

func (c *Client) RoomSend(ctx context.Context, room string, payload any) error {
	_, err := c.send(ctx, rwsnet.To(room), rwsnet.CmdRoomSend, payload)
	return err
}

// Route sends a route command. The answer, if any, arrives through OnRoute.
func (c *Client) Route(ctx context.Context, uri string, body any) error {
	raw, err := rwsnet.MarshalPayload(body)
	if err != nil {
		return err
	}
	_, err = c.send(ctx, rwsnet.To(rwsnet.ServerID), rwsnet.CmdRoute, rwsnet.RoutePayload{URI: uri, Body: raw})
	return err
}

// Ping sends n masked ping frames, one per interval. n <= 0 pings until ctx is done.
func (c *Client) Ping(ctx context.Context, interval time.Duration, n int) error {
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	for i := 0; n <= 0 || i < n; i++ {
		if err := limiter.Wait(ctx); err != nil {
			if n <= 0 && ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.writeFrame(frame.Ping(true)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) QuestionSocketID(ctx context.Context) (string, error) {
	var id string
	err := c.question(ctx, rwsnet.CmdQuestionSocketID, &id)
	return id, err
}

func (c *Client) QuestionSocketList(ctx context.Context) ([]rwsnet.SocketInfo, error) {
	var list []rwsnet.SocketInfo
	err := c.question(ctx, rwsnet.CmdQuestionSocketList, &list)
	return list, err
}

func (c *Client) QuestionRoomList(ctx context.Context) ([]rwsnet.Room, error) {
	var rooms []rwsnet.Room
	err := c.question(ctx, rwsnet.CmdQuestionRoomList, &rooms)
	return rooms, err
}

func (c *Client) QuestionRoomListMy(ctx context.Context) ([]rwsnet.Room, error) {
	var rooms []rwsnet.Room
	err := c.question(ctx, rwsnet.CmdQuestionRoomListMy, &rooms)
	return rooms, err
}

// question sends cmd to the server and waits for the first server envelope
// with the same cmd. Timing out abandons the wait, not the request.
func (c *Client) question(ctx context.Context, cmd string, out any) error {
	ch := make(chan *rwsnet.Envelope, 1)
	c.qmu.Lock()
	c.waiters[cmd] = append(c.waiters[cmd], ch)
	c.qmu.Unlock()
	defer c.dropWaiter(cmd, ch)

	if _, err := c.send(ctx, rwsnet.To(rwsnet.ServerID), cmd, nil); err != nil {
		return err
	}

	timer := time.NewTimer(c.cfg.QuestionTimeout)
	defer timer.Stop()
	select {
	case env := <-ch:
		if err := env.DecodePayload(out); err != nil {
			return fmt.Errorf("%s: %w", cmd, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s", ErrQuestionTimeout, cmd)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// answer hands env to the oldest question waiting for its cmd.
func (c *Client) answer(env *rwsnet.Envelope) {
	c.qmu.Lock()
	defer c.qmu.Unlock()

	waiting := c.waiters[env.Cmd]
	if len(waiting) == 0 {
		return
	}
	waiting[0] <- env
	c.waiters[env.Cmd] = waiting[1:]
}

func (c *Client) dropWaiter(cmd string, ch chan *rwsnet.Envelope) {
	c.qmu.Lock()
	defer c.qmu.Unlock()

	waiting := c.waiters[cmd]
	for i, w := range waiting {
		if w == ch {
			c.waiters[cmd] = append(waiting[:i:i], waiting[i+1:]...)
			break
		}
	}
	if len(c.waiters[cmd]) == 0 {
		delete(c.waiters, cmd)
	}
}
