package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/rwsnet"
	"github.com/luciancaetano/rwsnet/internal/frame"
)

// ErrSendQueueFull is returned by WriteFrame when the peer is not draining its queue.
var ErrSendQueueFull = errors.New("send queue full")

// closeGrace bounds how long CloseWithCode waits for queued frames to flush.
const closeGrace = time.Second

// clientOptions carries the per-connection settings taken from ServerConfig.
type clientOptions struct {
	subprotocol  string
	queueSize    int
	pingInterval time.Duration
	writeTimeout time.Duration
	rateLimit    *RateLimitConfig
}

// Client implements rwsnet.Conn for a connection accepted by the server.
//
// After the upgrade the raw net.Conn is owned by the client: the server's
// read loop reads from it and the write pump is the only writer.
type Client struct {
	id          string
	conn        net.Conn
	remoteAddr  string
	userAgent   string
	subprotocol string
	connectedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	sendCh       chan []byte
	closeCh      chan []byte
	done         chan struct{}
	pingInterval time.Duration
	writeTimeout time.Duration

	mu          sync.RWMutex
	closed      bool
	peerClosed  atomic.Bool
	rateLimiter *rate.Limiter // Rate limiter for incoming messages
}

// NewClient wraps an upgraded connection and starts its write pump.
func NewClient(id string, conn net.Conn, r *http.Request, opts clientOptions) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if opts.rateLimit != nil && opts.rateLimit.Enabled {
		limiter = rate.NewLimiter(opts.rateLimit.MessagesPerSecond, opts.rateLimit.Burst)
	}

	queueSize := opts.queueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writeTimeout := opts.writeTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}

	client := &Client{
		id:           id,
		conn:         conn,
		remoteAddr:   r.RemoteAddr,
		userAgent:    r.UserAgent(),
		subprotocol:  opts.subprotocol,
		connectedAt:  time.Now(),
		ctx:          ctx,
		cancel:       cancel,
		sendCh:       make(chan []byte, queueSize),
		closeCh:      make(chan []byte, 1),
		done:         make(chan struct{}),
		pingInterval: opts.pingInterval,
		writeTimeout: writeTimeout,
		rateLimiter:  limiter,
	}

	go client.writePump()

	return client
}

// ID returns a unique identifier for the connected client
func (c *Client) ID() string {
	return c.id
}

// RemoteAddr returns the client's remote network address
func (c *Client) RemoteAddr() string {
	return c.remoteAddr
}

func (c *Client) RemoteIP() string {
	host, _, err := net.SplitHostPort(c.remoteAddr)
	if err != nil {
		return c.remoteAddr
	}
	return host
}

func (c *Client) RemotePort() int {
	_, port, err := net.SplitHostPort(c.remoteAddr)
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}

func (c *Client) UserAgent() string {
	return c.userAgent
}

func (c *Client) Subprotocol() string {
	return c.subprotocol
}

func (c *Client) ConnectedAt() time.Time {
	return c.connectedAt
}

// Context returns the client's lifecycle context
func (c *Client) Context() context.Context {
	return c.ctx
}

// WriteFrame queues an encoded frame. It fails fast when the queue is full.
func (c *Client) WriteFrame(ctx context.Context, data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return errors.New(rwsnet.ErrConnectionClosed)
	}

	select {
	case c.sendCh <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return errors.New(rwsnet.ErrContextCancelled)
	default:
		return fmt.Errorf("%w: %s", ErrSendQueueFull, c.id)
	}
}

// Close closes the client connection
func (c *Client) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, websocket.CloseNormalClosure, "")
}

// CloseWithCode flushes the frames already queued, sends a close frame with
// code and reason and closes the transport.
func (c *Client) CloseWithCode(ctx context.Context, code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.closeCh <- frame.CloseWithStatus(code, reason, false)

	timer := time.NewTimer(closeGrace)
	defer timer.Stop()
	select {
	case <-c.done:
	case <-ctx.Done():
	case <-timer.C:
	}

	c.cancel()
	return c.conn.Close()
}

// terminate drops the transport without a close handshake.
func (c *Client) terminate() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.conn.Close()
}

// IsAlive returns true if the connection is still active
func (c *Client) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed && c.ctx.Err() == nil
}

// CheckRateLimit checks if the client has exceeded the rate limit
// Returns true if the message is allowed, false if rate limited
func (c *Client) CheckRateLimit(ctx context.Context) bool {
	if c.rateLimiter == nil {
		// Rate limiting disabled
		return true
	}
	return c.rateLimiter.Allow()
}

// writeControl queues a control frame behind the data frames already queued.
func (c *Client) writeControl(data []byte) error {
	return c.WriteFrame(context.Background(), data)
}

func (c *Client) write(data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	_, err := c.conn.Write(data)
	return err
}

// writePump pumps frames from the send channel to the connection
func (c *Client) writePump() {
	var tick <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer close(c.done)

	for {
		select {
		case data := <-c.sendCh:
			if err := c.write(data); err != nil {
				c.terminate()
				return
			}

		case <-tick:
			// Send ping to keep connection alive
			if err := c.write(frame.Ping(false)); err != nil {
				c.terminate()
				return
			}

		case data := <-c.closeCh:
			c.flush()
			c.write(data)
			return

		case <-c.ctx.Done():
			return
		}
	}
}

// flush writes whatever is still queued.
func (c *Client) flush() {
	for {
		select {
		case data := <-c.sendCh:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) String() string {
	return fmt.Sprintf("%s(%s)", c.id, c.remoteAddr)
}
