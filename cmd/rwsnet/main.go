// Command rwsnet runs a standalone jsonRWS WebSocket server.
//
// Configuration is read from the defaults, then the RWS_* environment
// variables, then the command line flags.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/luciancaetano/rwsnet"
	"github.com/luciancaetano/rwsnet/ws"
)

func main() {
	cfg := ws.ConfigFromEnv(ws.DefaultConfig())

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "http service address")
	flag.StringVar(&cfg.Path, "path", cfg.Path, "websocket upgrade path")
	flag.StringVar(&cfg.Subprotocol, "subprotocol", cfg.Subprotocol, "subprotocol accepted by the server (jsonRWS or raw)")
	flag.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "idle timeout, 0 disables it")
	flag.IntVar(&cfg.MaxConns, "max-conns", cfg.MaxConns, "maximum number of connections, 0 means unlimited")
	flag.IntVar(&cfg.MaxIPConns, "max-ip-conns", cfg.MaxIPConns, "maximum connections per remote IP, 0 means unlimited")
	authKey := flag.String("authkey", os.Getenv("RWS_AUTHKEY"), "required value of the authkey query parameter")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	cfg.Logger = logger
	cfg.CheckOrigin = ws.AllOrigins()
	if *authKey != "" {
		cfg.Authenticate = ws.QueryKeyAuth(*authKey)
	}
	cfg.OnConnect = func(conn rwsnet.Conn) {
		logger.Info().Str("id", conn.ID()).Str("remote", conn.RemoteAddr()).Msg("client connected")
	}
	cfg.OnClientDisconnect = func(conn rwsnet.Conn, voluntary bool) {
		logger.Info().Str("id", conn.ID()).Bool("voluntary", voluntary).Msg("client disconnected")
	}

	var server rwsnet.Server
	routes := newRouteTable(func() []rwsnet.Room { return server.Rooms() })
	cfg.OnRoute = routes.handle
	server = ws.New(cfg)

	r := mux.NewRouter()
	r.Handle(cfg.Path, server.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"status":      "ok",
			"version":     rwsnet.Version,
			"connections": len(server.Connections()),
		})
	}).Methods(http.MethodGet)
	r.HandleFunc("/rooms", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, server.Rooms())
	}).Methods(http.MethodGet)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("path", cfg.Path).Str("subprotocol", cfg.Subprotocol).Msg("starting server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to close connections")
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}
	logger.Info().Msg("server stopped")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
