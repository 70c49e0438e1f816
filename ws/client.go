package ws

import (
	"context"

	"github.com/luciancaetano/rwsnet/internal/wsclient"
)

type Client = wsclient.Client
type ClientConfig = *wsclient.Config
type ClientState = wsclient.State

// Client connection states.
const (
	Disconnected = wsclient.Disconnected
	Connecting   = wsclient.Connecting
	Connected    = wsclient.Connected
	Reconnecting = wsclient.Reconnecting
	Blocked      = wsclient.Blocked
)

// NewClientConfig returns the default client configuration for url: jsonRWS
// then raw offered, 8s connect timeout, 6 reconnect attempts 5s apart and a
// 13s question timeout.
func NewClientConfig(url string) ClientConfig {
	return wsclient.DefaultConfig(url)
}

// NewClient creates a client. Call Connect to open the connection.
func NewClient(cfg ClientConfig) *Client {
	return wsclient.New(cfg)
}

// Dial creates a client for url with the default configuration and connects it.
//
// Example:
//
//	client, err := ws.Dial(ctx, "ws://localhost:8080/ws")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Disconnect(ctx)
//	client.RoomEnter(ctx, "lobby")
func Dial(ctx context.Context, url string) (*Client, error) {
	client := NewClient(NewClientConfig(url))
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}
