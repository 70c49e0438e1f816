// Package conntest provides an in-memory rwsnet.Conn for tests.
//
// A Conn records every frame written to it and can decode them back into
// envelopes, so tests of the registry, the delivery engine and the dispatcher
// can assert on what a peer would have received without a network.
package conntest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/luciancaetano/rwsnet"
	"github.com/luciancaetano/rwsnet/internal/frame"
	"github.com/luciancaetano/rwsnet/internal/protocol"
)

// ErrWriteFailed is returned by WriteFrame on a Conn set to fail.
var ErrWriteFailed = errors.New("conntest: write failed")

// Conn is a fake connection.
type Conn struct {
	id          string
	addr        string
	userAgent   string
	subprotocol string
	connectedAt time.Time
	ctx         context.Context
	cancel      context.CancelFunc

	mu        sync.Mutex
	frames    [][]byte
	fail      bool
	closed    bool
	closeCode int
}

// Option customizes a Conn.
type Option func(*Conn)

// WithAddr sets the remote address, "ip:port".
func WithAddr(addr string) Option {
	return func(c *Conn) { c.addr = addr }
}

// WithUserAgent sets the user agent.
func WithUserAgent(ua string) Option {
	return func(c *Conn) { c.userAgent = ua }
}

// WithSubprotocol sets the negotiated subprotocol.
func WithSubprotocol(name string) Option {
	return func(c *Conn) { c.subprotocol = name }
}

// Failing makes every WriteFrame call fail.
func Failing() Option {
	return func(c *Conn) { c.fail = true }
}

// New creates a fake connection with the given ID.
func New(id string, opts ...Option) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:          id,
		addr:        "127.0.0.1:40000",
		userAgent:   "conntest",
		subprotocol: rwsnet.SubprotocolJSON,
		connectedAt: time.Now(),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Conn) ID() string { return c.id }
func (c *Conn) RemoteAddr() string { return c.addr }
func (c *Conn) UserAgent() string { return c.userAgent }
func (c *Conn) Subprotocol() string { return c.subprotocol }
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }
func (c *Conn) Context() context.Context { return c.ctx }

func (c *Conn) RemoteIP() string {
	host, _, err := net.SplitHostPort(c.addr)
	if err != nil {
		return c.addr
	}
	return host
}

func (c *Conn) RemotePort() int {
	_, port, err := net.SplitHostPort(c.addr)
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}

// WriteFrame records data.
func (c *Conn) WriteFrame(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fail {
		return ErrWriteFailed
	}
	if c.closed {
		return errors.New(rwsnet.ErrConnectionClosed)
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *Conn) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, 1000, "")
}

func (c *Conn) CloseWithCode(ctx context.Context, code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.cancel()
	return nil
}

func (c *Conn) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Kill marks the connection dead without a close handshake.
func (c *Conn) Kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// CloseCode returns the code passed to CloseWithCode, or 0.
func (c *Conn) CloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// Frames returns a copy of the frames written so far.
func (c *Conn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

// Texts decodes every recorded frame as an unmasked text frame.
func (c *Conn) Texts(t testing.TB) []string {
	t.Helper()

	var out []string
	for i, data := range c.Frames() {
		f, n, err := frame.Decode(data, false)
		if err != nil {
			t.Fatalf("conn %s: frame %d: %v", c.id, i, err)
		}
		if n != len(data) {
			t.Fatalf("conn %s: frame %d: consumed %d of %d bytes", c.id, i, n, len(data))
		}
		out = append(out, f.Text())
	}
	return out
}

// Envelopes decodes every recorded frame as a jsonRWS envelope.
func (c *Conn) Envelopes(t testing.TB) []*rwsnet.Envelope {
	t.Helper()

	var out []*rwsnet.Envelope
	for _, text := range c.Texts(t) {
		msg, err := protocol.JSON{}.Decode(text)
		if err != nil {
			t.Fatalf("conn %s: %v", c.id, err)
		}
		out = append(out, msg.Envelope)
	}
	return out
}

// Last returns the last envelope received, failing the test if there is none.
func (c *Conn) Last(t testing.TB) *rwsnet.Envelope {
	t.Helper()

	envs := c.Envelopes(t)
	if len(envs) == 0 {
		t.Fatalf("conn %s: no envelopes received", c.id)
	}
	return envs[len(envs)-1]
}

// Reset forgets the recorded frames.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

func (c *Conn) String() string {
	return fmt.Sprintf("conntest.Conn(%s)", c.id)
}
