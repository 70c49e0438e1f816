package ws

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/luciancaetano/rwsnet"
	"github.com/luciancaetano/rwsnet/internal/delivery"
	"github.com/luciancaetano/rwsnet/internal/websocket"
)

type RateLimitConfig = websocket.RateLimitConfig
type GovernorConfig = delivery.GovernorConfig
type CheckOriginFn = websocket.CheckOriginFn
type AuthenticateFn = websocket.AuthenticateFn
type OnConnectFn = websocket.OnConnectFn
type OnDisconnectFn = websocket.OnClientDisconnectFn
type ServerConfig = *websocket.ServerConfig

// Governor policies for severe congestion.
const (
	PolicyDrop       = delivery.PolicyDrop
	PolicyDisconnect = delivery.PolicyDisconnect
)

// New creates a new WebSocket server from cfg.
//
// The returned server is not listening yet: call Start, or mount Handler()
// on an existing router.
//
// Example:
//
//	cfg := ws.NewConfig(":8080", ws.DefaultRateLimitConfig(), ws.AllOrigins(), func(conn rwsnet.Conn) {
//	    log.Printf("Client connected: %s", conn.ID())
//	}, nil)
//	server := ws.New(cfg)
func New(cfg ServerConfig) rwsnet.Server {
	return websocket.New(cfg)
}

// NewConfig returns DefaultConfig with the given address, rate limit, origin
// check and connection callbacks. The remaining fields can be set on the result.
//
// Parameters:
//   - addr: The server address (e.g., ":8080" or "localhost:8080")
//   - rateLimitConfig: Rate limiting configuration. Use DefaultRateLimitConfig() or NoRateLimit()
//   - checkOrigin: Function to validate WebSocket origins. Use AllOrigins() to allow all (dev only)
//   - onConnect: Optional callback called once the connection is registered. Can be nil.
//   - onDisconnect: Optional callback called after the connection is removed. Can be nil.
func NewConfig(addr string, rateLimitConfig *RateLimitConfig, checkOrigin CheckOriginFn, onConnect OnConnectFn, onDisconnect OnDisconnectFn) ServerConfig {
	cfg := websocket.DefaultServerConfig()
	cfg.Addr = addr
	if rateLimitConfig != nil {
		cfg.RateLimitConfig = rateLimitConfig
	}
	cfg.CheckOrigin = checkOrigin
	cfg.OnConnect = onConnect
	cfg.OnClientDisconnect = onDisconnect
	return cfg
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() ServerConfig {
	return websocket.DefaultServerConfig()
}

// ConfigFromEnv overlays the RWS_* environment variables on base.
func ConfigFromEnv(base ServerConfig) ServerConfig {
	return websocket.ConfigFromEnv(base)
}

// AllOrigins returns the default checkOrigin function that allows all origins
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// ErrBadAuthKey is returned by the QueryKeyAuth check.
var ErrBadAuthKey = errors.New("invalid authkey")

// QueryKeyAuth returns an authentication check comparing the "authkey" query
// parameter of the upgrade request with key.
func QueryKeyAuth(key string) AuthenticateFn {
	return func(r *http.Request) error {
		got := r.URL.Query().Get("authkey")
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			return ErrBadAuthKey
		}
		return nil
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}

// DefaultGovernorConfig returns the default outbound congestion governor configuration.
func DefaultGovernorConfig() *GovernorConfig {
	return delivery.DefaultGovernorConfig()
}

// NoGovernor returns a governor configuration that never throttles.
func NoGovernor() *GovernorConfig {
	return delivery.NoGovernor()
}
