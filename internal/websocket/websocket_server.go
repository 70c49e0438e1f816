package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/rwsnet"
	"github.com/luciancaetano/rwsnet/internal/delivery"
	"github.com/luciancaetano/rwsnet/internal/dispatch"
	"github.com/luciancaetano/rwsnet/internal/frame"
	"github.com/luciancaetano/rwsnet/internal/protocol"
	"github.com/luciancaetano/rwsnet/internal/registry"
)

// CheckOriginFn is a function that validates the origin of a WebSocket connection request.
// It receives the HTTP request and returns true if the origin is allowed, false otherwise.
// Use this to implement CORS policies for your WebSocket server.
type CheckOriginFn = func(r *http.Request) bool

// AuthenticateFn validates the upgrade request of a new connection.
// A non-nil error rejects the connection with a server-error envelope.
type AuthenticateFn = func(r *http.Request) error

// OnConnectFn is a callback function that is called when a new client connects.
// It is called after the connection has been registered and told its ID, and
// before the message reading loop starts. This is the ideal place to:
//   - Track connected clients
//   - Send welcome messages
//   - Enter the connection into default rooms
//
// Note: This function is called synchronously during connection setup.
// Avoid long-running operations that could block the connection.
type OnConnectFn = func(conn rwsnet.Conn)

// OnClientDisconnectFn is a callback type invoked when a connected client disconnects from the server.
// The function receives the disconnected client and a boolean that is true when the disconnect was
// initiated by the client (voluntary), and false for unexpected or server-initiated disconnects.
// Implementations can use this hook to perform cleanup, logging, resource reclamation, or
// application-specific notification when a client connection ends.
type OnClientDisconnectFn = func(conn rwsnet.Conn, voluntary bool)

// OnMessageFn is called for every message received, after it has been dispatched.
type OnMessageFn = func(conn rwsnet.Conn, msg *rwsnet.Message)

// OnMessageErrorFn is called when a message cannot be decoded, validated,
// dispatched or delivered.
type OnMessageErrorFn = func(conn rwsnet.Conn, err error)

// OnServerErrorFn is called with every server-error envelope before it is sent.
type OnServerErrorFn = func(conn rwsnet.Conn, env *rwsnet.Envelope)

type ServerConfig struct {
	Addr string
	// Path is the upgrade path served by Start. Default "/ws".
	Path string
	// Subprotocol is the only subprotocol accepted: "jsonRWS" or "raw".
	Subprotocol string

	// Timeout closes connections that stay silent this long. 0 disables it.
	Timeout      time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration
	// MaxPayload bounds the declared length of a single frame.
	MaxPayload int
	// MaxConns and MaxIPConns limit concurrent connections. 0 means unlimited.
	MaxConns      int
	MaxIPConns    int
	PurgeInterval time.Duration
	SendQueueSize int

	RateLimitConfig *RateLimitConfig
	GovernorConfig  *delivery.GovernorConfig

	CheckOrigin  CheckOriginFn
	Authenticate AuthenticateFn

	OnConnect          OnConnectFn
	OnClientDisconnect OnClientDisconnectFn
	OnMessage          OnMessageFn
	OnMessageError     OnMessageErrorFn
	OnRoute            rwsnet.RouteHandler
	OnServerError      OnServerErrorFn

	Logger zerolog.Logger
	Debug  bool
}

// DefaultServerConfig returns a configuration listening on :8080 with the
// jsonRWS subprotocol and default rate limiting.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:            ":8080",
		Path:            "/ws",
		Subprotocol:     rwsnet.SubprotocolJSON,
		PingInterval:    54 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxPayload:      16 << 20,
		PurgeInterval:   30 * time.Second,
		SendQueueSize:   256,
		RateLimitConfig: DefaultRateLimitConfig(),
		GovernorConfig:  delivery.DefaultGovernorConfig(),
	}
}

// sanitizeConfig fills unset or invalid fields from DefaultServerConfig.
func sanitizeConfig(cfg *ServerConfig) *ServerConfig {
	def := DefaultServerConfig()
	out := *cfg

	if out.Path == "" {
		out.Path = def.Path
	}
	if _, err := protocol.Lookup(out.Subprotocol); err != nil {
		out.Subprotocol = def.Subprotocol
	}
	if out.Timeout < 0 {
		out.Timeout = 0
	}
	if out.PingInterval < 0 {
		out.PingInterval = 0
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = def.WriteTimeout
	}
	if out.MaxPayload <= 0 {
		out.MaxPayload = def.MaxPayload
	}
	if out.PurgeInterval <= 0 {
		out.PurgeInterval = def.PurgeInterval
	}
	if out.SendQueueSize <= 0 {
		out.SendQueueSize = def.SendQueueSize
	}
	if out.RateLimitConfig == nil {
		out.RateLimitConfig = def.RateLimitConfig
	}
	if out.GovernorConfig == nil {
		out.GovernorConfig = def.GovernorConfig
	}
	return &out
}

// ConfigFromEnv overlays RWS_* environment variables on base.
// Unset or invalid variables keep the base value. A nil base uses DefaultServerConfig.
func ConfigFromEnv(base *ServerConfig) *ServerConfig {
	if base == nil {
		base = DefaultServerConfig()
	}
	cfg := *base

	if addr := os.Getenv("RWS_ADDR"); addr != "" {
		cfg.Addr = addr
	}

	if sp := os.Getenv("RWS_SUBPROTOCOL"); sp != "" {
		if _, err := protocol.Lookup(sp); err == nil {
			cfg.Subprotocol = sp
		}
	}

	if timeout := os.Getenv("RWS_TIMEOUT"); timeout != "" {
		cfg.Timeout = parseSeconds(timeout, cfg.Timeout)
	}

	if maxConns := os.Getenv("RWS_MAX_CONNS"); maxConns != "" {
		cfg.MaxConns = parseIntValue(maxConns, cfg.MaxConns)
	}

	if maxIPConns := os.Getenv("RWS_MAX_IP_CONNS"); maxIPConns != "" {
		cfg.MaxIPConns = parseIntValue(maxIPConns, cfg.MaxIPConns)
	}

	if maxPayload := os.Getenv("RWS_MAX_PAYLOAD"); maxPayload != "" {
		cfg.MaxPayload = parseIntValue(maxPayload, cfg.MaxPayload)
	}

	rl := DefaultRateLimitConfig()
	if cfg.RateLimitConfig != nil {
		rl = &RateLimitConfig{}
		*rl = *cfg.RateLimitConfig
	}
	if mps := os.Getenv("RWS_RATE_LIMIT"); mps != "" {
		if v, err := strconv.ParseFloat(mps, 64); err == nil && v >= 0 {
			rl.MessagesPerSecond = rate.Limit(v)
			rl.Enabled = v > 0
		}
	}
	if burst := os.Getenv("RWS_RATE_BURST"); burst != "" {
		rl.Burst = parseIntValue(burst, rl.Burst)
	}
	cfg.RateLimitConfig = rl

	if factor := os.Getenv("RWS_AUTODELAY_FACTOR"); factor != "" {
		gc := delivery.DefaultGovernorConfig()
		if cfg.GovernorConfig != nil {
			*gc = *cfg.GovernorConfig
		}
		if v, err := strconv.ParseFloat(factor, 64); err == nil && v >= 0 {
			gc.Factor = v
		}
		cfg.GovernorConfig = gc
	}

	if debug := os.Getenv("RWS_DEBUG"); debug != "" {
		if v, err := strconv.ParseBool(debug); err == nil {
			cfg.Debug = v
		}
	}

	return &cfg
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed >= 0 {
		return parsed
	}
	return defaultValue
}

func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

// RateLimitConfig defines rate limiting configuration for clients
type RateLimitConfig struct {
	// MessagesPerSecond defines how many messages a client can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 messages per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

// Server implements rwsnet.Server
type Server struct {
	cfg    *ServerConfig
	server *http.Server
	log    zerolog.Logger

	reg        *registry.Registry
	codec      protocol.Codec
	governor   *delivery.Governor
	delivery   *delivery.Engine
	dispatcher *dispatch.Dispatcher

	mu          sync.RWMutex
	running     bool
	loopsCancel context.CancelFunc

	// admitMu serializes the limit checks with the registration they guard.
	admitMu  sync.Mutex
	upgrader websocket.Upgrader
}

// New creates a new WebSocket server instance with the specified configuration.
//
// Unset fields are taken from DefaultServerConfig. The upgrade is performed by
// the Gorilla WebSocket library; after the handshake the connection is read
// and written through the rwsnet frame codec.
//
// Example:
//
//	cfg := DefaultServerConfig()
//	cfg.OnConnect = func(conn rwsnet.Conn) {
//	    log.Printf("Client connected: %s", conn.ID())
//	}
//	server := New(cfg)
func New(cfg *ServerConfig) *Server {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	cfg = sanitizeConfig(cfg)

	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	logger := cfg.Logger.Level(level).With().Str("component", "server").Logger()

	codec, _ := protocol.Lookup(cfg.Subprotocol)
	reg := registry.New()
	governor := delivery.NewGovernor(cfg.GovernorConfig, nil)

	s := &Server{
		cfg:      cfg,
		log:      logger,
		reg:      reg,
		codec:    codec,
		governor: governor,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{cfg.Subprotocol},
			CheckOrigin:     cfg.CheckOrigin,
		},
	}

	s.delivery = delivery.New(delivery.Config{
		Registry:      reg,
		Codec:         codec,
		Governor:      governor,
		Logger:        logger,
		OnError:       s.onDeliveryError,
		OnServerError: cfg.OnServerError,
	})
	s.dispatcher = dispatch.New(dispatch.Config{
		Registry: reg,
		Delivery: s.delivery,
		OnRoute:  cfg.OnRoute,
		Logger:   logger,
	})
	return s
}

// Start starts the WebSocket server
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New(rwsnet.ErrServerAlreadyRunning)
	}
	s.running = true
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s.Handler())

	s.server = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: mux,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Check for immediate startup errors with a small timeout
	select {
	case err := <-errChan:
		// Reset running state without calling Stop to avoid deadlock
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		s.log.Info().Str("addr", s.cfg.Addr).Str("path", s.cfg.Path).Str("subprotocol", s.cfg.Subprotocol).Msg("Server listening")
		return nil
	}
}

// Stop closes every connection with a close frame and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	if s.loopsCancel != nil {
		s.loopsCancel()
		s.loopsCancel = nil
	}
	s.mu.Unlock()

	for _, conn := range s.reg.RemoveByQuery() {
		conn.CloseWithCode(ctx, websocket.CloseGoingAway, "Server shutting down")
	}

	if wasRunning && s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler returns the HTTP handler performing the upgrade.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleWebSocket)
}

// ensureLoops starts the governor sampler and the liveness sweep once.
func (s *Server) ensureLoops() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loopsCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.loopsCancel = cancel

	go s.governor.Run(ctx)
	go s.purgeLoop(ctx)
}

// purgeLoop removes connections whose transport is no longer alive.
func (s *Server) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Purge(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Purge removes and closes dead connections and returns how many were removed.
func (s *Server) Purge(ctx context.Context) int {
	removed := s.reg.PurgeDead(rwsnet.Conn.IsAlive)
	for _, conn := range removed {
		conn.Close(ctx)
	}
	if len(removed) > 0 {
		s.log.Info().Int("count", len(removed)).Msg("Purged dead connections")
	}
	return len(removed)
}

// handleWebSocket upgrades the request and runs the connection until it closes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.ensureLoops()

	if !slices.Contains(websocket.Subprotocols(r), s.cfg.Subprotocol) {
		s.log.Warn().Str("remote_addr", r.RemoteAddr).Strs("offered", websocket.Subprotocols(r)).Msg("Rejected upgrade: unsupported subprotocol")
		http.Error(w, fmt.Sprintf("Subprotocol %q required", s.cfg.Subprotocol), http.StatusBadRequest)
		return
	}

	id := uuid.New().String()
	header := http.Header{}
	header.Set(rwsnet.HeaderSocketID, id)
	header.Set(rwsnet.HeaderTimeout, strconv.FormatInt(s.cfg.Timeout.Milliseconds(), 10))
	header.Set(rwsnet.HeaderVersion, rwsnet.Version)

	wsConn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		s.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Upgrade failed")
		return
	}

	client := NewClient(id, wsConn.NetConn(), r, clientOptions{
		subprotocol:  s.cfg.Subprotocol,
		queueSize:    s.cfg.SendQueueSize,
		pingInterval: s.cfg.PingInterval,
		writeTimeout: s.cfg.WriteTimeout,
		rateLimit:    s.cfg.RateLimitConfig,
	})

	ctx := client.Context()
	if msg := s.admit(client, r); msg != "" {
		s.log.Warn().Str("client_id", id).Str("remote_addr", client.RemoteAddr()).Str("reason", msg).Msg("Connection rejected")
		s.delivery.SendError(ctx, client, msg)
		client.CloseWithCode(context.Background(), websocket.ClosePolicyViolation, msg)
		return
	}

	s.log.Info().
		Str("client_id", id).
		Str("remote_addr", client.RemoteAddr()).
		Str("user_agent", client.UserAgent()).
		Msg("Client connected")

	s.delivery.SendID(ctx, client)
	s.handleClient(client)
}

// admit applies the connection limits and the authentication hook and
// registers the connection. It returns the rejection message, or "".
func (s *Server) admit(client *Client, r *http.Request) string {
	if s.cfg.Authenticate != nil {
		if err := s.cfg.Authenticate(r); err != nil {
			s.log.Debug().Err(err).Str("client_id", client.ID()).Msg("Authentication failed")
			return rwsnet.ErrUnauthenticated
		}
	}

	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	if s.cfg.MaxConns > 0 && s.reg.Count() >= s.cfg.MaxConns {
		return rwsnet.ErrMaxConnsReached
	}
	if s.cfg.MaxIPConns > 0 && len(s.reg.Find(registry.Eq(registry.FieldIP, client.RemoteIP()))) >= s.cfg.MaxIPConns {
		return rwsnet.ErrMaxIPConnsReached
	}
	if err := s.reg.Add(client); err != nil {
		return err.Error()
	}
	return ""
}

// handleClient reads frames from a registered client until the connection ends
func (s *Server) handleClient(client *Client) {
	defer func() {
		voluntary := client.peerClosed.Load()

		s.reg.Remove(client.ID())
		client.terminate()
		if s.cfg.OnClientDisconnect != nil {
			s.cfg.OnClientDisconnect(client, voluntary)
		}
		s.log.Info().Str("client_id", client.ID()).Bool("voluntary", voluntary).Msg("Client disconnected")
	}()

	// Call onConnect callback if provided
	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect(client)
	}

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		if s.cfg.Timeout > 0 {
			client.conn.SetReadDeadline(time.Now().Add(s.cfg.Timeout))
		}

		n, err := client.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			var ok bool
			if buf, ok = s.drain(client, buf); !ok {
				return
			}
		}
		if err != nil {
			if client.IsAlive() {
				s.log.Debug().Err(err).Str("client_id", client.ID()).Msg("Read failed")
			}
			return
		}
	}
}

// drain decodes every complete frame at the start of buf and returns the
// unconsumed tail. ok is false once the connection must stop reading.
func (s *Server) drain(client *Client, buf []byte) (rest []byte, ok bool) {
	for {
		f, n, err := frame.DecodeLimit(buf, true, s.cfg.MaxPayload)
		if errors.Is(err, frame.ErrIncomplete) {
			return buf, true
		}
		if err != nil {
			s.messageError(client, err)
			client.CloseWithCode(context.Background(), closeCodeFor(err), err.Error())
			return nil, false
		}

		buf = append(buf[:0], buf[n:]...)
		if !s.handleFrame(client, f) {
			return nil, false
		}
	}
}

// closeCodeFor maps a frame error to the close code sent to the peer.
func closeCodeFor(err error) int {
	if errors.Is(err, frame.ErrPayloadTooLarge) {
		return websocket.CloseMessageTooBig
	}
	return websocket.CloseProtocolError
}

// handleFrame handles one frame. It returns false when the connection is closing.
func (s *Server) handleFrame(client *Client, f *frame.Frame) bool {
	switch f.Opcode {
	case frame.OpPing:
		client.writeControl(frame.Pong(f.Payload, false))
		return true

	case frame.OpPong:
		return true

	case frame.OpClose:
		client.peerClosed.Store(true)
		code, _ := f.CloseStatus()
		if code == websocket.CloseNoStatusReceived {
			code = websocket.CloseNormalClosure
		}
		client.CloseWithCode(context.Background(), code, "")
		return false
	}

	// Check rate limit before processing message
	if !client.CheckRateLimit(client.Context()) {
		s.log.Warn().Str("client_id", client.ID()).Str("remote_addr", client.RemoteAddr()).Msg("Rate limit exceeded")
		client.CloseWithCode(context.Background(), websocket.ClosePolicyViolation, rwsnet.ErrRateLimitExceeded)
		return false
	}

	s.handleMessage(client, f.Text())
	return true
}

// handleMessage decodes and dispatches one message. A panic in a hook or
// handler is reported as a message error and the connection keeps reading.
func (s *Server) handleMessage(client *Client, text string) {
	defer func() {
		if r := recover(); r != nil {
			s.messageError(client, fmt.Errorf("panic while handling message: %v", r))
		}
	}()

	msg, err := s.codec.Decode(text)
	if err != nil {
		s.messageError(client, err)
		s.replyInvalidFormat(client)
		return
	}

	if msg.Envelope != nil {
		if err := s.dispatcher.Process(client.Context(), client, msg.Envelope); err != nil {
			s.messageError(client, err)
		}
	}

	if s.cfg.OnMessage != nil {
		s.cfg.OnMessage(client, msg)
	}
}

func (s *Server) messageError(conn rwsnet.Conn, err error) {
	s.log.Warn().Err(err).Str("client_id", conn.ID()).Msg("Message error")
	if s.cfg.OnMessageError != nil {
		s.cfg.OnMessageError(conn, err)
	}
}

// replyInvalidFormat tells the client its message could not be decoded.
func (s *Server) replyInvalidFormat(client *Client) {
	env, err := rwsnet.NewEnvelope(rwsnet.ServerID, rwsnet.To(client.ID()), rwsnet.CmdError, rwsnet.ErrInvalidMessageFormat)
	if err != nil {
		return
	}
	if err := s.delivery.Reply(client.Context(), client, env); err != nil {
		s.log.Debug().Err(err).Str("client_id", client.ID()).Msg("Failed to report invalid message")
	}
}

func (s *Server) onDeliveryError(conn rwsnet.Conn, _ *rwsnet.Envelope, err error) {
	if s.cfg.OnMessageError != nil {
		s.cfg.OnMessageError(conn, err)
	}
}

// Delivery returns the delivery engine, for sending server-originated envelopes.
func (s *Server) Delivery() *delivery.Engine {
	return s.delivery
}

// Registry returns the connection registry.
func (s *Server) Registry() *registry.Registry {
	return s.reg
}

// SendOne delivers env to the connection with the given ID. Unknown IDs are ignored.
func (s *Server) SendOne(ctx context.Context, id string, env *rwsnet.Envelope) error {
	e := env.Clone()
	e.To = rwsnet.To(id)
	return s.delivery.SendOne(ctx, e)
}

// SendAll delivers env to every connection.
func (s *Server) SendAll(ctx context.Context, env *rwsnet.Envelope) error {
	return s.delivery.SendAll(ctx, env)
}

// SendRoom delivers env to every member of room except env.From.
func (s *Server) SendRoom(ctx context.Context, room string, env *rwsnet.Envelope) error {
	e := env.Clone()
	e.To = rwsnet.To(room)
	return s.delivery.SendRoom(ctx, e)
}

// Rooms returns a snapshot of all rooms.
func (s *Server) Rooms() []rwsnet.Room {
	return s.reg.RoomList()
}

// Connections returns the IDs of all connections in ascending order.
func (s *Server) Connections() []string {
	return s.reg.List(registry.Ascending)
}

// Disconnect closes and unregisters the connection with the given ID.
func (s *Server) Disconnect(ctx context.Context, id string) error {
	conn, ok := s.reg.Remove(id)
	if !ok {
		return fmt.Errorf("%s: %s", rwsnet.ErrClientNotFound, id)
	}
	return conn.Close(ctx)
}
