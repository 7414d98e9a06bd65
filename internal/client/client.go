// Package client implements the dial-in half of the tunnel: it claims a
// domain on a remote server, replays tunnelled requests against a local
// address and streams the responses back.
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/warptunnel/warp/internal/codec"
	"github.com/warptunnel/warp/internal/protocol"
	"github.com/warptunnel/warp/internal/transport"
)

// Options configures a tunnel client.
type Options struct {
	// APIKey authenticates the domain claim.
	APIKey string
	// Domain is the host this client serves.
	Domain string
	// Server is the tunnel server base URL (http, https, ws or wss).
	Server string
	// LocalAddr is the host:port the tunnelled requests are replayed
	// against.
	LocalAddr string
	// ConnectPath overrides the server's default connect path.
	ConnectPath string
	// HTTPClient overrides the local HTTP client. Defaults to a client
	// without redirect following, so redirects pass through the tunnel
	// untouched.
	HTTPClient *http.Client
}

// Client is a live tunnel connection. Registered fires once the server has
// acknowledged the domain claim; Done fires when the connection ends, after
// which Err reports the cause (nil for a clean close).
type Client struct {
	opts       Options
	duplex     *transport.Duplex
	httpClient *http.Client

	mu    sync.Mutex
	calls map[string]*localCall
	socks map[string]*localSocket

	live       atomic.Bool
	registered chan struct{}
	regOnce    sync.Once
	done       chan struct{}
	closeOnce  sync.Once
	errMu      sync.Mutex
	err        error
}

// Connect dials the server's connect path, negotiates the binary codec and
// sends the register claim. The returned client is live in the background;
// wait on Registered before sending it traffic.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	if opts.Domain == "" {
		return nil, fmt.Errorf("client: domain is required")
	}
	if opts.LocalAddr == "" {
		return nil, fmt.Errorf("client: local address is required")
	}
	connectURL, err := connectURL(opts.Server, opts.ConnectPath)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, connectURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("client: dial %s: %w (status %s)", connectURL, err, resp.Status)
		}
		return nil, fmt.Errorf("client: dial %s: %w", connectURL, err)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	c := &Client{
		opts:       opts,
		duplex:     transport.Bind(conn, codec.Binary()),
		httpClient: httpClient,
		calls:      make(map[string]*localCall),
		socks:      make(map[string]*localSocket),
		registered: make(chan struct{}),
		done:       make(chan struct{}),
	}

	register := protocol.Message{
		Type:   protocol.TypeRegister,
		ID:     uuid.NewString(),
		APIKey: opts.APIKey,
		Domain: opts.Domain,
	}
	if err := c.duplex.Out.Send(register, ctx.Done()); err != nil {
		c.duplex.Close()
		return nil, fmt.Errorf("client: send register: %w", err)
	}

	go c.run()
	return c, nil
}

// Registered fires once the server acknowledged the domain claim.
func (c *Client) Registered() <-chan struct{} {
	return c.registered
}

// Live reports whether the registered acknowledgement has arrived.
func (c *Client) Live() bool {
	return c.live.Load()
}

// Done fires when the connection has ended for any reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended. It is meaningful after Done fires;
// a clean close yields nil.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close drops the connection and cancels every in-flight local call.
func (c *Client) Close() {
	c.duplex.Close()
}

// run is the connection's single reader.
func (c *Client) run() {
	for {
		msg, ok := c.duplex.In.Recv(nil)
		if !ok {
			c.finish(c.duplex.Err())
			return
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeRegistered:
		c.live.Store(true)
		c.regOnce.Do(func() { close(c.registered) })
		log.Infof("client: registered domain %s", c.opts.Domain)

	case protocol.TypeRequestStart:
		c.handleRequestStart(msg)

	case protocol.TypeRequestData:
		call := c.call(msg.ID)
		if call == nil || call.body == nil {
			log.Debugf("client: request-data for unknown id %s", msg.ID)
			return
		}
		_ = call.body.Send(msg.Chunk, nil)

	case protocol.TypeRequestEnd:
		call := c.call(msg.ID)
		if call == nil {
			log.Debugf("client: request-end for unknown id %s", msg.ID)
			return
		}
		if call.body != nil {
			call.body.Close()
		}

	case protocol.TypeRequestAborted:
		if call := c.takeCall(msg.ID); call != nil {
			call.abort()
		}

	case protocol.TypeWSOpened:
		c.handleWSOpened(msg)

	case protocol.TypeWSMessage:
		if sock := c.socket(msg.WSID); sock != nil {
			if err := sock.write(msg.Binary, msg.Chunk); err != nil {
				c.dropSocket(msg.WSID, true)
			}
		} else {
			log.Debugf("client: ws-message for unknown ws %s", msg.WSID)
		}

	case protocol.TypeWSClosed:
		c.dropSocket(msg.WSID, false)

	default:
		log.Warnf("client: dropping message with unknown type %q", msg.Type)
	}
}

// finish tears down every in-flight call and completes Done exactly once.
func (c *Client) finish(cause error) {
	c.closeOnce.Do(func() {
		c.duplex.Close()
		c.mu.Lock()
		calls := make([]*localCall, 0, len(c.calls))
		for _, call := range c.calls {
			calls = append(calls, call)
		}
		socks := make([]*localSocket, 0, len(c.socks))
		for _, sock := range c.socks {
			socks = append(socks, sock)
		}
		c.calls = make(map[string]*localCall)
		c.socks = make(map[string]*localSocket)
		c.mu.Unlock()

		for _, call := range calls {
			call.abort()
		}
		for _, sock := range socks {
			sock.close()
		}

		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()
		close(c.done)
		if cause != nil {
			log.Warnf("client: connection closed: %v", cause)
		} else {
			log.Infof("client: connection closed")
		}
	})
}

func (c *Client) addCall(call *localCall) {
	c.mu.Lock()
	c.calls[call.id] = call
	c.mu.Unlock()
}

func (c *Client) call(id string) *localCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

func (c *Client) takeCall(id string) *localCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	call := c.calls[id]
	delete(c.calls, id)
	return call
}

func (c *Client) removeCall(id string) {
	c.mu.Lock()
	delete(c.calls, id)
	c.mu.Unlock()
}

func (c *Client) socket(id string) *localSocket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socks[id]
}

// connectURL normalises the server base URL into the ws(s) connect URL with
// the codec version declared.
func connectURL(server, connectPath string) (string, error) {
	if server == "" {
		return "", fmt.Errorf("client: server URL is required")
	}
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("client: parse server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("client: unsupported server scheme %q", u.Scheme)
	}
	path := strings.TrimSpace(connectPath)
	if path == "" {
		path = "/_connect"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u.Path = path
	u.RawQuery = "v=" + codec.Version
	return u.String(), nil
}
