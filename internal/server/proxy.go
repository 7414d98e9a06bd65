package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/warptunnel/warp/internal/channel"
	"github.com/warptunnel/warp/internal/protocol"
)

// requestChunkSize bounds how much request body travels in one
// request-data message.
const requestChunkSize = 32 << 10

// handleProxy forwards one public request to the connection owning its Host
// header and streams the assembled response back to the caller.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	host := hostOnly(r.Host)
	cc := s.connForHost(host)
	if cc == nil {
		http.Error(w, noRegistrationText, http.StatusServiceUnavailable)
		return
	}
	if websocket.IsWebSocketUpgrade(r) {
		s.tunnelWebSocket(w, r, cc, host)
		return
	}

	id := uuid.NewString()
	req := newOngoingRequest(id)
	cc.addRequest(req)
	defer func() {
		cc.removeRequest(id)
		req.body.Close()
	}()

	hasBody := r.Body != nil && r.ContentLength != 0
	callerGone := r.Context().Done()
	start := protocol.Message{
		Type:    protocol.TypeRequestStart,
		ID:      id,
		Domain:  host,
		Method:  r.Method,
		URL:     r.URL.RequestURI(),
		Headers: flattenHeader(r.Header),
		HasBody: hasBody,
	}
	if err := cc.send(start, callerGone); err != nil {
		http.Error(w, noRegistrationText, http.StatusServiceUnavailable)
		return
	}
	if hasBody {
		go s.pumpRequestBody(cc, req, r.Body, callerGone)
	} else if err := cc.send(protocol.Message{Type: protocol.TypeRequestEnd, ID: id}, callerGone); err != nil {
		http.Error(w, noRegistrationText, http.StatusServiceUnavailable)
		return
	}

	head, ok := req.await(callerGone)
	if !ok {
		// Public caller disconnected before the response head arrived.
		req.abort()
		_ = cc.send(protocol.Message{Type: protocol.TypeRequestAborted, ID: id}, nil)
		return
	}
	if head.errText != "" {
		http.Error(w, head.errText, http.StatusServiceUnavailable)
		return
	}

	header := w.Header()
	for key, value := range head.headers {
		header.Set(key, value)
	}
	w.WriteHeader(head.status)
	flusher, _ := w.(http.Flusher)
	for {
		chunk, alive := req.body.Recv(callerGone)
		if !alive {
			break
		}
		if len(chunk) == 0 {
			continue
		}
		if _, err := w.Write(chunk); err != nil {
			break
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	if r.Context().Err() != nil && !req.body.IsClosed() {
		// Caller went away mid-stream; tell the client to stop.
		req.abort()
		_ = cc.send(protocol.Message{Type: protocol.TypeRequestAborted, ID: id}, nil)
	}
}

// pumpRequestBody streams the caller's body as request-data messages,
// closing with request-end on EOF. A read failure resolves the response slot
// with 503; an abort stops the pump without sending request-end.
func (s *Server) pumpRequestBody(cc *clientConn, req *ongoingRequest, body io.ReadCloser, callerGone <-chan struct{}) {
	defer func() { _ = body.Close() }()
	cancel, release := channel.Link(callerGone, req.aborted)
	defer release()

	buf := make([]byte, requestChunkSize)
	for {
		select {
		case <-cancel:
			return
		default:
		}
		n, err := body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			msg := protocol.Message{Type: protocol.TypeRequestData, ID: req.id, Chunk: chunk}
			if sendErr := cc.send(msg, cancel); sendErr != nil {
				if errors.Is(sendErr, channel.ErrCanceled) {
					// Caller abort; the handler sends request-aborted and
					// the rest of the connection stays up.
					return
				}
				// After a failed send the peer's stream state is unknown;
				// drop the whole connection.
				cc.duplex.Close()
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Warnf("server: request body read failed for id %s: %v", req.id, err)
				req.resolve(responseHead{errText: noRegistrationText})
				_ = cc.send(protocol.Message{Type: protocol.TypeRequestAborted, ID: req.id}, cancel)
				return
			}
			_ = cc.send(protocol.Message{Type: protocol.TypeRequestEnd, ID: req.id}, cancel)
			return
		}
	}
}

// tunnelWebSocket upgrades a public WebSocket for a claimed host and
// forwards its lifecycle transparently across the tunnel.
func (s *Server) tunnelWebSocket(w http.ResponseWriter, r *http.Request, cc *clientConn, host string) {
	pub, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("server: public websocket upgrade failed: %v", err)
		return
	}
	wsID := uuid.NewString()
	sock := &wsSession{id: wsID, conn: pub}
	cc.addSocket(sock)

	opened := protocol.Message{
		Type:    protocol.TypeWSOpened,
		WSID:    wsID,
		Domain:  host,
		URL:     r.URL.RequestURI(),
		Headers: flattenHeader(r.Header),
	}
	if err := cc.send(opened, nil); err != nil {
		cc.removeSocket(wsID)
		sock.close()
		return
	}
	log.Debugf("server: websocket %s opened for host %s", wsID, host)

	for {
		messageType, data, err := pub.ReadMessage()
		if err != nil {
			_ = cc.send(protocol.Message{Type: protocol.TypeWSClosed, WSID: wsID}, nil)
			break
		}
		msg := protocol.Message{
			Type:   protocol.TypeWSMessage,
			WSID:   wsID,
			Binary: messageType == websocket.BinaryMessage,
			Chunk:  data,
		}
		if err := cc.send(msg, nil); err != nil {
			break
		}
	}
	cc.removeSocket(wsID)
	sock.close()
}

// flattenHeader collapses an http.Header into the protocol's string map,
// joining repeated values the way intermediaries are allowed to.
func flattenHeader(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	flat := make(map[string]string, len(h))
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			flat[key] = values[0]
		default:
			joined := values[0]
			for _, v := range values[1:] {
				joined += ", " + v
			}
			flat[key] = joined
		}
	}
	return flat
}
