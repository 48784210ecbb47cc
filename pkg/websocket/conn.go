// Package websocket streams JSON messages over WebSocket connections, such as
// the admin server's event stream.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = time.Second * 10
)

// retryableStatusCodes contains a set of HTTP status codes that should be
// retried.
var retryableStatusCodes = map[int]struct{}{
	http.StatusRequestTimeout:      {},
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// RetryableError indicates a error is retryable.
type RetryableError struct {
	err error
}

func NewRetryableError(err error) *RetryableError {
	return &RetryableError{err}
}

func (e *RetryableError) Unwrap() error {
	return e.err
}

func (e *RetryableError) Error() string {
	return e.err.Error()
}

// IsRetryable returns whether err is a *RetryableError.
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}

type dialOptions struct {
	tlsConfig *tls.Config
}

type DialOption interface {
	apply(*dialOptions)
}

type tlsConfigOption struct {
	TLSConfig *tls.Config
}

func (o tlsConfigOption) apply(opts *dialOptions) {
	opts.tlsConfig = o.TLSConfig
}

func WithTLSConfig(config *tls.Config) DialOption {
	return tlsConfigOption{TLSConfig: config}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024 * 16,
}

// Conn sends and receives JSON messages.
//
// Writes are safe to call concurrently. Reads must only be called from a
// single goroutine.
type Conn struct {
	wsConn *websocket.Conn

	writeMu sync.Mutex
}

func New(wsConn *websocket.Conn) *Conn {
	return &Conn{
		wsConn: wsConn,
	}
}

// Upgrade upgrades a HTTP request to a WebSocket connection. On failure the
// upgrader has already replied to the client.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	return New(wsConn), nil
}

func Dial(ctx context.Context, url string, opts ...DialOption) (*Conn, error) {
	options := dialOptions{}
	for _, o := range opts {
		o.apply(&options)
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	if options.tlsConfig != nil {
		dialer.TLSClientConfig = options.tlsConfig
	}

	wsConn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			if _, ok := retryableStatusCodes[resp.StatusCode]; ok {
				return nil, NewRetryableError(err)
			}
			return nil, fmt.Errorf("%d: %w", resp.StatusCode, err)
		}
		return nil, NewRetryableError(err)
	}
	return New(wsConn), nil
}

// WriteJSON writes v as a single text message.
func (c *Conn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.wsConn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.wsConn.WriteJSON(v)
}

// ReadJSON reads the next message into v.
func (c *Conn) ReadJSON(v any) error {
	return c.wsConn.ReadJSON(v)
}

// Ping sends a ping control message.
func (c *Conn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.wsConn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// Discard reads and discards messages until the connection is closed, so
// control messages are processed. The returned channel is closed once the
// peer closes the connection.
func (c *Conn) Discard() <-chan struct{} {
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.wsConn.NextReader(); err != nil {
				return
			}
		}
	}()
	return closed
}

// Close sends a close message then closes the underlying connection.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.wsConn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()

	return c.wsConn.Close()
}

// IsClosed returns whether err indicates the peer closed the connection
// normally.
func IsClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
