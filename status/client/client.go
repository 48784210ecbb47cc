// Package client queries the status API of a mesh node's admin server.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	fspath "path"
	"strconv"
	"strings"
	"time"

	"github.com/andydunstall/mesh/pkg/event"
	"github.com/andydunstall/mesh/pkg/hierarchy"
	"github.com/andydunstall/mesh/pkg/mesh"
	"github.com/andydunstall/mesh/pkg/partition"
	"github.com/andydunstall/mesh/pkg/status"
	"github.com/andydunstall/mesh/pkg/topology"
	"github.com/andydunstall/mesh/pkg/websocket"
)

const (
	defaultTimeout = time.Second * 15
)

type options struct {
	timeout time.Duration
}

type Option interface {
	apply(*options)
}

type timeoutOption time.Duration

func (o timeoutOption) apply(opts *options) {
	opts.timeout = time.Duration(o)
}

// WithTimeout bounds each status request. It does not apply to event
// streams.
func WithTimeout(timeout time.Duration) Option {
	return timeoutOption(timeout)
}

type Client struct {
	httpClient *http.Client

	url *url.URL

	tlsConfig *tls.Config
}

// NewClient creates a client for the admin server at url. tlsConfig may be
// nil.
func NewClient(url *url.URL, tlsConfig *tls.Config, opts ...Option) *Client {
	options := options{
		timeout: defaultTimeout,
	}
	for _, o := range opts {
		o.apply(&options)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: options.timeout,
			Transport: &http.Transport{
				TLSClientConfig: tlsConfig,
			},
		},
		url:       url,
		tlsConfig: tlsConfig,
	}
}

// Ready returns nil if the node is ready, or the node's reason it is not,
// such as being partitioned from the mesh.
func (c *Client) Ready(ctx context.Context) error {
	r, err := c.request(ctx, "/ready", nil)
	if err != nil {
		return err
	}
	return r.Close()
}

func (c *Client) Node(ctx context.Context) (*mesh.NodeStatus, error) {
	var node mesh.NodeStatus
	if err := c.get(ctx, "/status/node", nil, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (c *Client) Partition(ctx context.Context) (*partition.Status, error) {
	var s partition.Status
	if err := c.get(ctx, "/status/partition", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) Peers(ctx context.Context) ([]mesh.PeerStatus, error) {
	var peers []mesh.PeerStatus
	if err := c.get(ctx, "/status/peers", nil, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

func (c *Client) Peer(ctx context.Context, id string) (*mesh.PeerStatus, error) {
	var peer mesh.PeerStatus
	if err := c.get(ctx, "/status/peers/"+id, nil, &peer); err != nil {
		return nil, err
	}
	return &peer, nil
}

func (c *Client) Topology(ctx context.Context) (*topology.Assignment, error) {
	var assignment topology.Assignment
	if err := c.get(ctx, "/status/topology", nil, &assignment); err != nil {
		return nil, err
	}
	return &assignment, nil
}

func (c *Client) Election(ctx context.Context) (*hierarchy.Election, error) {
	var election hierarchy.Election
	if err := c.get(ctx, "/status/election", nil, &election); err != nil {
		return nil, err
	}
	return &election, nil
}

// Events returns up to limit of the most recent events matching the given
// kinds, or every kind if none are given.
func (c *Client) Events(ctx context.Context, limit int, kinds ...event.Kind) ([]event.Event, error) {
	query := eventsQuery(kinds)
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var events []event.Event
	if err := c.get(ctx, "/status/events", query, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// StreamEvents calls f with each event published by the node until the
// context is cancelled or the stream fails.
func (c *Client) StreamEvents(ctx context.Context, f func(e event.Event), kinds ...event.Kind) error {
	u := c.endpoint("/status/events/stream", eventsQuery(kinds))
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	var opts []websocket.DialOption
	if c.tlsConfig != nil {
		opts = append(opts, websocket.WithTLSConfig(c.tlsConfig))
	}
	conn, err := websocket.Dial(ctx, u.String(), opts...)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Unblock the read when the context is cancelled.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	for {
		var e event.Event
		if err := conn.ReadJSON(&e); err != nil {
			if ctx.Err() != nil || websocket.IsClosed(err) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		f(e)
	}
}

func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) get(ctx context.Context, path string, query url.Values, v any) error {
	r, err := c.request(ctx, path, query)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, path string, query url.Values) (io.ReadCloser, error) {
	u := c.endpoint(path, query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()

		var errorInfo status.ErrorInfo
		if err := json.NewDecoder(resp.Body).Decode(&errorInfo); err == nil && errorInfo.Message != "" {
			return nil, &errorInfo
		}
		return nil, status.NewErrorInfo(resp.StatusCode, "request: bad status")
	}

	return resp.Body, nil
}

func (c *Client) endpoint(path string, query url.Values) *url.URL {
	u := new(url.URL)
	*u = *c.url
	u.Path = fspath.Join(u.Path, path)
	u.RawQuery = query.Encode()
	return u
}

func eventsQuery(kinds []event.Kind) url.Values {
	query := url.Values{}
	if len(kinds) > 0 {
		s := make([]string, 0, len(kinds))
		for _, k := range kinds {
			s = append(s, string(k))
		}
		query.Set("kind", strings.Join(s, ","))
	}
	return query
}
