// Package server implements the public-facing half of the tunnel: it
// accepts client connections on the connect path, tracks which connection
// owns which host, and forwards every other inbound request across the
// owning connection as a stream of protocol messages.
package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/warptunnel/warp/internal/codec"
	"github.com/warptunnel/warp/internal/protocol"
	"github.com/warptunnel/warp/internal/transport"
)

const (
	// DefaultConnectPath is where clients dial in unless configured
	// otherwise.
	DefaultConnectPath = "/_connect"

	// statusPath serves the management snapshot when the caller presents a
	// valid API key; anything else on this path is tunnelled like ordinary
	// traffic.
	statusPath = "/_status"

	noRegistrationText = "No registration for domain and/or remote service not available"
	remoteErrorText    = "Error sending request to remote client"

	readTimeout          = 60 * time.Second
	heartbeatInterval    = 30 * time.Second
	maxInboundMessageLen = 64 << 20 // 64 MiB
)

// Options configures a Server.
type Options struct {
	// APIKeys are the keys accepted at register time. A register carrying
	// any other key closes the connection without a reply.
	APIKeys []string
	// ConnectPath overrides DefaultConnectPath.
	ConnectPath string
}

// Server is the routing core. State is per-instance: each New call yields a
// fresh registry and connection table.
type Server struct {
	connectPath string
	upgrader    websocket.Upgrader

	keyMu   sync.RWMutex
	apiKeys map[string]struct{}

	mu       sync.RWMutex
	conns    map[string]*clientConn
	registry *HostRegistry
}

// New builds a server from opts.
func New(opts Options) *Server {
	path := strings.TrimSpace(opts.ConnectPath)
	if path == "" {
		path = DefaultConnectPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	s := &Server{
		connectPath: path,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:    make(map[string]*clientConn),
		registry: NewHostRegistry(),
	}
	s.SetAPIKeys(opts.APIKeys)
	return s
}

// SetAPIKeys swaps the accepted key set. Safe to call while serving; used by
// config hot reload.
func (s *Server) SetAPIKeys(keys []string) {
	next := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if key = strings.TrimSpace(key); key != "" {
			next[key] = struct{}{}
		}
	}
	s.keyMu.Lock()
	s.apiKeys = next
	s.keyMu.Unlock()
}

// ConnectPath reports the path clients dial in on.
func (s *Server) ConnectPath() string {
	return s.connectPath
}

// Handler returns the pure HTTP handler: the connect path upgrades to a
// client connection, everything else is routed by Host header. It can be
// mounted in any HTTP host.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == s.connectPath && r.Method == http.MethodGet:
			s.handleConnect(w, r)
		case r.URL.Path == statusPath && s.keyAllowed(bearerToken(r)):
			s.handleStatus(w, r)
		default:
			s.handleProxy(w, r)
		}
	})
}

func (s *Server) keyAllowed(key string) bool {
	if key == "" {
		return false
	}
	s.keyMu.RLock()
	defer s.keyMu.RUnlock()
	_, ok := s.apiKeys[key]
	return ok
}

// handleConnect upgrades the socket, negotiates the codec from the v query
// parameter and runs the connection's inbound loop until either side closes.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("server: upgrade failed: %v", err)
		return
	}
	c := codec.Negotiate(r.URL.RawQuery)

	conn.SetReadLimit(maxInboundMessageLen)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	d := transport.Bind(conn, c)
	cc := newClientConn(uuid.NewString(), d, c.Name(), r.RemoteAddr)
	s.mu.Lock()
	s.conns[cc.id] = cc
	s.mu.Unlock()
	log.Infof("server: client connected id=%s codec=%s remote=%s", cc.id, cc.codecName, cc.remote)

	go s.heartbeat(cc)
	s.runConnection(cc)
}

func (s *Server) heartbeat(cc *clientConn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cc.duplex.In.Done():
			return
		case <-ticker.C:
			if err := cc.duplex.Ping(time.Now().Add(heartbeatInterval)); err != nil {
				cc.duplex.Close()
				return
			}
		}
	}
}

// runConnection is the connection's single reader: every inbound message is
// dispatched here, so per-connection protocol state never needs a lock
// beyond the conn's own maps.
func (s *Server) runConnection(cc *clientConn) {
	defer s.teardown(cc)
	for {
		msg, ok := cc.duplex.In.Recv(nil)
		if !ok {
			return
		}
		if !s.dispatch(cc, msg) {
			return
		}
	}
}

// dispatch handles one client message. A false return drops the connection.
func (s *Server) dispatch(cc *clientConn, msg protocol.Message) bool {
	switch msg.Type {
	case protocol.TypeRegister:
		return s.handleRegister(cc, msg)

	case protocol.TypeResponseStart:
		req := cc.request(msg.ID)
		if req == nil {
			log.Debugf("server: response-start for unknown id %s", msg.ID)
			return true
		}
		req.resolve(responseHead{status: msg.Status, statusText: msg.StatusText, headers: msg.Headers})

	case protocol.TypeResponseData:
		req := cc.request(msg.ID)
		if req == nil {
			log.Debugf("server: response-data for unknown id %s", msg.ID)
			return true
		}
		// Blocks once the caller falls responseBodyCapacity chunks behind;
		// that suspends this inbound loop, which is the back-pressure path.
		_ = req.body.Send(msg.Chunk, nil)

	case protocol.TypeResponseEnd:
		req := cc.request(msg.ID)
		if req == nil {
			log.Debugf("server: response-end for unknown id %s", msg.ID)
			return true
		}
		req.body.Close()
		cc.removeRequest(msg.ID)

	case protocol.TypeResponseError:
		req := cc.request(msg.ID)
		if req == nil {
			log.Debugf("server: response-error for unknown id %s", msg.ID)
			return true
		}
		log.Warnf("server: remote call failed for id %s: %s", msg.ID, msg.Reason)
		req.resolve(responseHead{errText: remoteErrorText})
		req.body.Close()
		cc.removeRequest(msg.ID)

	case protocol.TypeWSMessage:
		sock := cc.socket(msg.WSID)
		if sock == nil {
			log.Debugf("server: ws-message for unknown ws %s", msg.WSID)
			return true
		}
		if err := sock.write(msg.Binary, msg.Chunk); err != nil {
			sock.close()
			cc.removeSocket(msg.WSID)
		}

	case protocol.TypeWSClosed:
		if sock := cc.socket(msg.WSID); sock != nil {
			sock.close()
			cc.removeSocket(msg.WSID)
		}

	default:
		// Protocol violation: log and drop, do not terminate.
		log.Warnf("server: dropping message with unknown type %q", msg.Type)
	}
	return true
}

func (s *Server) handleRegister(cc *clientConn, msg protocol.Message) bool {
	if !s.keyAllowed(msg.APIKey) {
		log.Warnf("server: rejecting registration for %q from %s: api key not accepted", msg.Domain, cc.remote)
		return false
	}
	if msg.Domain == "" {
		log.Warnf("server: dropping register without domain from %s", cc.remote)
		return true
	}
	previous, displaced := s.registry.Register(msg.Domain, cc.id)
	cc.addHost(msg.Domain)
	if displaced {
		log.Infof("server: host %s displaced from connection %s to %s", msg.Domain, previous, cc.id)
	} else {
		log.Infof("server: host %s registered to connection %s", msg.Domain, cc.id)
	}
	if err := cc.send(protocol.Message{Type: protocol.TypeRegistered, ID: msg.ID}, nil); err != nil {
		return false
	}
	return true
}

// teardown removes the connection, prunes its host claims (displaced hosts
// stay with their new owner) and resolves every pending request with 503.
func (s *Server) teardown(cc *clientConn) {
	cc.duplex.Close()
	s.mu.Lock()
	delete(s.conns, cc.id)
	s.mu.Unlock()

	removed := s.registry.Prune(cc.id)
	requests, sockets := cc.drain()
	for _, req := range requests {
		req.resolve(responseHead{errText: noRegistrationText})
		req.body.Close()
	}
	for _, sock := range sockets {
		sock.close()
	}
	log.Infof("server: client disconnected id=%s pruned=%v pending=%d", cc.id, removed, len(requests))
}

// CloseAll drops every client connection. Used on shutdown.
func (s *Server) CloseAll() {
	s.mu.RLock()
	conns := make([]*clientConn, 0, len(s.conns))
	for _, cc := range s.conns {
		conns = append(conns, cc)
	}
	s.mu.RUnlock()
	for _, cc := range conns {
		cc.duplex.Close()
	}
}

// connForHost resolves a Host header to a live connection.
func (s *Server) connForHost(host string) *clientConn {
	connID, ok := s.registry.Lookup(host)
	if !ok {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[connID]
}

// hostOnly strips an optional port from a Host header value.
func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}
