package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/warptunnel/warp/internal/channel"
	"github.com/warptunnel/warp/internal/protocol"
)

const (
	// requestBodyCapacity bounds chunks buffered between the inbound loop
	// and the local HTTP request body reader.
	requestBodyCapacity = 16
	// responseChunkSize bounds how much local response body travels in one
	// response-data message.
	responseChunkSize = 32 << 10
)

// localCall is one tunnelled request being replayed against the local
// address.
type localCall struct {
	id        string
	cancel    context.CancelFunc
	body      *channel.Channel[[]byte]
	aborted   chan struct{}
	abortOnce sync.Once
}

// abort cancels the local HTTP call and releases its body feeder. No
// message goes back to the server; an aborted request stays silent.
func (lc *localCall) abort() {
	lc.abortOnce.Do(func() {
		close(lc.aborted)
		lc.cancel()
		if lc.body != nil {
			lc.body.Close()
		}
	})
}

// handleRequestStart begins replaying a tunnelled request locally. The call
// is issued on its own goroutine; its body, when present, is fed by
// request-data messages arriving on the inbound loop.
func (c *Client) handleRequestStart(msg protocol.Message) {
	ctx, cancel := context.WithCancel(context.Background())
	call := &localCall{id: msg.ID, cancel: cancel, aborted: make(chan struct{})}
	var body io.Reader
	if msg.HasBody {
		call.body = channel.New[[]byte](requestBodyCapacity)
		body = channel.NewReader(call.body, call.aborted)
	}
	c.addCall(call)
	go c.execute(ctx, call, msg, body)
}

// execute performs the local HTTP call and streams the response back.
func (c *Client) execute(ctx context.Context, call *localCall, msg protocol.Message, body io.Reader) {
	defer c.removeCall(call.id)
	defer call.cancel()
	if call.body != nil {
		// Release the inbound loop if it is still feeding request-data
		// once the local call has ended for any reason.
		defer call.body.Close()
	}

	req, err := http.NewRequestWithContext(ctx, msg.Method, localURL(c.opts.LocalAddr, msg.URL), body)
	if err != nil {
		c.sendError(call.id, err)
		return
	}
	for key, value := range msg.Headers {
		if strings.EqualFold(key, "Host") {
			req.Host = value
			continue
		}
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || isAborted(call.aborted) {
			return
		}
		log.Warnf("client: local call failed for id %s: %v", call.id, err)
		c.sendError(call.id, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	head := protocol.Message{
		Type:       protocol.TypeResponseStart,
		ID:         call.id,
		Status:     resp.StatusCode,
		StatusText: statusText(resp.Status),
		Headers:    flattenHeader(resp.Header),
	}
	if sendErr := c.duplex.Out.Send(head, call.aborted); sendErr != nil {
		return
	}

	buf := make([]byte, responseChunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			data := protocol.Message{Type: protocol.TypeResponseData, ID: call.id, Chunk: chunk}
			if sendErr := c.duplex.Out.Send(data, call.aborted); sendErr != nil {
				return
			}
		}
		if readErr != nil {
			if readErr != io.EOF && !isAborted(call.aborted) {
				log.Warnf("client: local response read failed for id %s: %v", call.id, readErr)
			}
			break
		}
	}
	_ = c.duplex.Out.Send(protocol.Message{Type: protocol.TypeResponseEnd, ID: call.id}, call.aborted)
}

func (c *Client) sendError(id string, cause error) {
	msg := protocol.Message{Type: protocol.TypeResponseError, ID: id, Reason: cause.Error()}
	_ = c.duplex.Out.Send(msg, nil)
}

func isAborted(aborted <-chan struct{}) bool {
	select {
	case <-aborted:
		return true
	default:
		return false
	}
}

func localURL(localAddr, requestURI string) string {
	addr := localAddr
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimSuffix(addr, "/") + requestURI
}

// statusText strips the leading code from an http status line like
// "200 OK".
func statusText(status string) string {
	if i := strings.IndexByte(status, ' '); i >= 0 {
		return status[i+1:]
	}
	return status
}

// flattenHeader collapses an http.Header into the protocol's string map.
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
