package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/warptunnel/warp/internal/protocol"
	"github.com/warptunnel/warp/internal/transport"
)

// clientConn is the server-side state of one dialled-in client: its duplex
// transport, the requests in flight on it, the public WebSockets tunnelled
// through it, and the hosts it has claimed (kept for reverse cleanup).
type clientConn struct {
	id        string
	duplex    *transport.Duplex
	codecName string
	remote    string
	connected time.Time

	mu       sync.Mutex
	requests map[string]*ongoingRequest
	sockets  map[string]*wsSession
	hosts    []string
}

func newClientConn(id string, d *transport.Duplex, codecName, remote string) *clientConn {
	return &clientConn{
		id:        id,
		duplex:    d,
		codecName: codecName,
		remote:    remote,
		connected: time.Now(),
		requests:  make(map[string]*ongoingRequest),
		sockets:   make(map[string]*wsSession),
	}
}

// send queues msg on the outbound channel. Writes are serialised by the
// transport's write loop, so concurrent request pumps never interleave a
// single message.
func (c *clientConn) send(msg protocol.Message, cancel <-chan struct{}) error {
	return c.duplex.Out.Send(msg, cancel)
}

func (c *clientConn) addRequest(req *ongoingRequest) {
	c.mu.Lock()
	c.requests[req.id] = req
	c.mu.Unlock()
}

func (c *clientConn) request(id string) *ongoingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[id]
}

func (c *clientConn) removeRequest(id string) {
	c.mu.Lock()
	delete(c.requests, id)
	c.mu.Unlock()
}

func (c *clientConn) addHost(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range c.hosts {
		if h == host {
			return
		}
	}
	c.hosts = append(c.hosts, host)
}

func (c *clientConn) claimedHosts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	hosts := make([]string, len(c.hosts))
	copy(hosts, c.hosts)
	return hosts
}

func (c *clientConn) addSocket(s *wsSession) {
	c.mu.Lock()
	c.sockets[s.id] = s
	c.mu.Unlock()
}

func (c *clientConn) socket(id string) *wsSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sockets[id]
}

func (c *clientConn) removeSocket(id string) {
	c.mu.Lock()
	delete(c.sockets, id)
	c.mu.Unlock()
}

func (c *clientConn) inFlight() (requests, sockets int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests), len(c.sockets)
}

// drain empties the request and socket tables for teardown and hands the
// entries back to the caller.
func (c *clientConn) drain() ([]*ongoingRequest, []*wsSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	requests := make([]*ongoingRequest, 0, len(c.requests))
	for _, req := range c.requests {
		requests = append(requests, req)
	}
	sockets := make([]*wsSession, 0, len(c.sockets))
	for _, s := range c.sockets {
		sockets = append(sockets, s)
	}
	c.requests = make(map[string]*ongoingRequest)
	c.sockets = make(map[string]*wsSession)
	return requests, sockets
}

// wsSession is one public WebSocket tunnelled through a client connection.
type wsSession struct {
	id        string
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (s *wsSession) write(binary bool, data []byte) error {
	messageType := websocket.TextMessage
	if binary {
		messageType = websocket.BinaryMessage
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

func (s *wsSession) close() {
	s.closeOnce.Do(func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}
