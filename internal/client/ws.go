package client

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/warptunnel/warp/internal/protocol"
)

// localSocket is one tunnelled WebSocket replayed against the local address.
type localSocket struct {
	id        string
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (s *localSocket) write(binary bool, data []byte) error {
	messageType := websocket.TextMessage
	if binary {
		messageType = websocket.BinaryMessage
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

func (s *localSocket) close() {
	s.closeOnce.Do(func() { _ = s.conn.Close() })
}

// handleWSOpened dials the local endpoint for a tunnelled WebSocket and
// starts forwarding its frames upstream.
func (c *Client) handleWSOpened(msg protocol.Message) {
	header := http.Header{}
	for key, value := range msg.Headers {
		if isHandshakeHeader(key) {
			continue
		}
		header.Set(key, value)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(wsLocalURL(c.opts.LocalAddr, msg.URL), header)
	if err != nil {
		status := ""
		if resp != nil {
			status = " (status " + resp.Status + ")"
		}
		log.Warnf("client: local websocket dial failed for ws %s: %v%s", msg.WSID, err, status)
		_ = c.duplex.Out.Send(protocol.Message{Type: protocol.TypeWSClosed, WSID: msg.WSID}, nil)
		return
	}

	sock := &localSocket{id: msg.WSID, conn: conn}
	c.mu.Lock()
	c.socks[sock.id] = sock
	c.mu.Unlock()
	go c.pumpLocalSocket(sock)
}

// pumpLocalSocket forwards local frames upstream until either side closes.
func (c *Client) pumpLocalSocket(sock *localSocket) {
	for {
		messageType, data, err := sock.conn.ReadMessage()
		if err != nil {
			c.dropSocket(sock.id, true)
			return
		}
		msg := protocol.Message{
			Type:   protocol.TypeWSMessage,
			WSID:   sock.id,
			Binary: messageType == websocket.BinaryMessage,
			Chunk:  data,
		}
		if err := c.duplex.Out.Send(msg, nil); err != nil {
			c.dropSocket(sock.id, false)
			return
		}
	}
}

// dropSocket closes and forgets a tunnelled WebSocket, optionally notifying
// the server.
func (c *Client) dropSocket(id string, notify bool) {
	c.mu.Lock()
	sock := c.socks[id]
	delete(c.socks, id)
	c.mu.Unlock()
	if sock == nil {
		return
	}
	sock.close()
	if notify {
		_ = c.duplex.Out.Send(protocol.Message{Type: protocol.TypeWSClosed, WSID: id}, nil)
	}
}

// isHandshakeHeader reports headers the WebSocket dialer manages itself.
func isHandshakeHeader(key string) bool {
	switch {
	case strings.EqualFold(key, "Upgrade"),
		strings.EqualFold(key, "Connection"),
		strings.EqualFold(key, "Host"),
		len(key) >= 14 && strings.EqualFold(key[:14], "Sec-Websocket-"):
		return true
	}
	return false
}

func wsLocalURL(localAddr, requestURI string) string {
	addr := localAddr
	addr = strings.TrimPrefix(addr, "http://")
	addr = strings.TrimPrefix(addr, "https://")
	return "ws://" + strings.TrimSuffix(addr, "/") + requestURI
}
