package wsclient

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/luciancaetano/rwsnet"
)

// ErrBadHandshake is returned when the server does not complete the upgrade.
var ErrBadHandshake = errors.New("bad handshake")

// acceptGUID is appended to the key to derive Sec-WebSocket-Accept.
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// handshakeResult is an upgraded connection. br holds any bytes the server
// sent right after the 101 response and must be read before conn.
type handshakeResult struct {
	conn        net.Conn
	br          *bufio.Reader
	resp        *http.Response
	subprotocol string
}

func newKey() (string, error) {
	p := make([]byte, 16)
	if _, err := rand.Read(p); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(p), nil
}

func computeAccept(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(acceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// headerContains reports whether a comma separated header contains token.
func headerContains(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// handshake dials rawURL and performs the client side of the upgrade.
func handshake(ctx context.Context, rawURL string, subprotocols []string, extra http.Header) (*handshakeResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	var useTLS bool
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
		useTLS = true
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrBadHandshake, u.Scheme)
	}

	host := u.Host
	if u.Port() == "" {
		if useTLS {
			host = net.JoinHostPort(u.Hostname(), "443")
		} else {
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if useTLS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: u.Hostname()})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	res, err := upgrade(conn, u, subprotocols, extra)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return res, nil
}

func upgrade(conn net.Conn, u *url.URL, subprotocols []string, extra http.Header) (*handshakeResult, error) {
	key, err := newKey()
	if err != nil {
		return nil, err
	}

	req := &http.Request{
		Method:     http.MethodGet,
		URL:        u,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Host:       u.Host,
	}
	for k, v := range extra {
		req.Header[k] = v
	}
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", key)
	req.Header.Set("Sec-WebSocket-Version", "13")
	if len(subprotocols) > 0 {
		req.Header.Set("Sec-WebSocket-Protocol", strings.Join(subprotocols, ", "))
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "rwsnet-client/"+rwsnet.Version)
	}

	if err := req.Write(conn); err != nil {
		return nil, err
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode != http.StatusSwitchingProtocols:
		return nil, fmt.Errorf("%w: status %s", ErrBadHandshake, resp.Status)
	case !headerContains(resp.Header, "Upgrade", "websocket"):
		return nil, fmt.Errorf("%w: missing Upgrade header", ErrBadHandshake)
	case !headerContains(resp.Header, "Connection", "upgrade"):
		return nil, fmt.Errorf("%w: missing Connection header", ErrBadHandshake)
	case resp.Header.Get("Sec-WebSocket-Accept") != computeAccept(key):
		return nil, fmt.Errorf("%w: Sec-WebSocket-Accept mismatch", ErrBadHandshake)
	}

	sub := resp.Header.Get("Sec-WebSocket-Protocol")
	if !slices.Contains(subprotocols, sub) {
		return nil, fmt.Errorf("%w: server chose subprotocol %q", ErrBadHandshake, sub)
	}

	return &handshakeResult{conn: conn, br: br, resp: resp, subprotocol: sub}, nil
}
