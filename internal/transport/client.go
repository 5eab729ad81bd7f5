package transport

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/crdtdoc"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
)

// Backoff constants mirror the long-lived-connection reconnect loop this
// package is grounded on: start fast, cap at a minute, ±20% jitter to
// avoid every edge node reconnecting to the same backbone in lockstep
// after a restart.
const (
	clientBackoffInitial = 1 * time.Second
	clientBackoffMax     = 60 * time.Second
	clientBackoffFactor  = 2.0
	clientJitterFraction = 0.2
)

// TicketSource supplies a fresh single-use admission ticket for (re)joining
// the mesh. Backbone-to-backbone links and long-lived edge nodes mint their
// own via a standing invite stored locally; callers that already hold an
// authorized node identity (reconnecting, not joining) may return "" to
// fall back to allowlist-based admission.
type TicketSource func() (ticket string, err error)

// ClientConfig configures an outbound mesh connection.
type ClientConfig struct {
	// ServerURL is the ws:// or wss:// base URL of the backbone node to
	// dial, without the /mesh/ws path (e.g. "ws://backbone-1:7420").
	ServerURL string
	SelfNode  string
	SelfTier  schema.Tier
	Ticket    TicketSource
}

// Client maintains a persistent outbound mesh connection to one backbone
// peer, reconnecting with exponential backoff on any failure. Each
// successful connection re-syncs from scratch (the initial "sync" frame),
// so a dropped connection never loses updates — CRDT merge is idempotent.
type Client struct {
	cfg    ClientConfig
	doc    *crdtdoc.Doc
	hub    *Hub
	logger *zap.Logger

	onSynced       func()
	onConnError    func(error)
	onStatusChange func(connected bool)
}

// NewClient builds a Client that relays doc's local updates to hub's peers
// in addition to the one outbound connection it owns — sharing a Hub
// across the inbound Server and every outbound Client lets updates
// received from one peer propagate to all the others.
func NewClient(cfg ClientConfig, doc *crdtdoc.Doc, hub *Hub, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, doc: doc, hub: hub, logger: logger.Named("transport.client")}
}

// OnSynced registers a callback fired after the first sync frame from the
// remote peer has been applied on each (re)connection.
func (c *Client) OnSynced(fn func()) { c.onSynced = fn }

// OnConnectionError registers a callback fired with the error from each
// failed connection attempt, before backoff sleeps.
func (c *Client) OnConnectionError(fn func(error)) { c.onConnError = fn }

// OnStatusChange registers a callback fired with true on successful
// connect and false on disconnect.
func (c *Client) OnStatusChange(fn func(connected bool)) { c.onStatusChange = fn }

// Run connects, syncs, and relays until ctx is cancelled, reconnecting with
// backoff on any failure. Blocks until ctx is done.
func (c *Client) Run(ctx context.Context) {
	backoff := clientBackoffInitial

	for {
		if ctx.Err() != nil {
			return
		}

		if err := c.connectOnce(ctx); err != nil {
			if c.onConnError != nil {
				c.onConnError(err)
			}
			c.logger.Warn("mesh connection failed, retrying",
				zap.String("server", c.cfg.ServerURL), zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitterDuration(backoff)):
			}
			backoff = nextClientBackoff(backoff)
			continue
		}

		backoff = clientBackoffInitial
	}
}

// connectOnce dials, admits, and runs one connection session. It returns
// when the session ends, nil only if ctx was cancelled mid-session.
func (c *Client) connectOnce(ctx context.Context) error {
	dialURL, err := c.buildDialURL()
	if err != nil {
		return fmt.Errorf("transport client: build dial url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("transport client: dial %s: %w (status %d)", dialURL, err, resp.StatusCode)
		}
		return fmt.Errorf("transport client: dial %s: %w", dialURL, err)
	}

	if c.onStatusChange != nil {
		c.onStatusChange(true)
	}
	defer func() {
		if c.onStatusChange != nil {
			c.onStatusChange(false)
		}
	}()

	p := newPeer(c.hub, c.doc, conn, c.logger, c.onSynced)
	p.nodeID = c.cfg.ServerURL

	sessionDone := make(chan struct{})
	go func() {
		p.run(c.cfg.SelfNode, c.cfg.SelfTier)
		close(sessionDone)
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		<-sessionDone
		return nil
	case <-sessionDone:
		return fmt.Errorf("transport client: connection to %s closed", c.cfg.ServerURL)
	}
}

func (c *Client) buildDialURL() (string, error) {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return "", err
	}
	u.Path = "/mesh/ws"
	q := u.Query()
	q.Set("node", c.cfg.SelfNode)
	q.Set("tier", string(c.cfg.SelfTier))
	if c.cfg.Ticket != nil {
		ticket, err := c.cfg.Ticket()
		if err != nil {
			return "", fmt.Errorf("mint join ticket: %w", err)
		}
		if ticket != "" {
			q.Set("ticket", ticket)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func nextClientBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * clientBackoffFactor)
	if next > clientBackoffMax {
		return clientBackoffMax
	}
	return next
}

func jitterDuration(d time.Duration) time.Duration {
	delta := float64(d) * clientJitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
