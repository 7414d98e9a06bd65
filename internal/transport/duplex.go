// Package transport binds a WebSocket connection to a pair of message
// channels via a pluggable codec. The binding is the only place raw socket
// I/O happens; everything above it speaks protocol.Message.
package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/warptunnel/warp/internal/channel"
	"github.com/warptunnel/warp/internal/codec"
	"github.com/warptunnel/warp/internal/protocol"
)

const (
	// inboundCapacity bounds decoded messages awaiting dispatch; once full
	// the read loop stops pulling frames and the socket's own flow control
	// pushes back on the peer.
	inboundCapacity = 16
	// outboundCapacity bounds messages awaiting transmission. Producers
	// suspend in Send once the writer falls behind.
	outboundCapacity = 16

	writeTimeout = 10 * time.Second
)

// Duplex is a WebSocket bound to two channels. Every decoded inbound frame
// is delivered on In; every message sent on Out is encoded and transmitted.
// When the socket closes or errors, both channels are closed exactly once.
// Closing Out tears the socket down.
type Duplex struct {
	In  *channel.Channel[protocol.Message]
	Out *channel.Channel[protocol.Message]

	conn      *websocket.Conn
	codec     codec.Codec
	closeOnce sync.Once
	errMu     sync.Mutex
	closeErr  error
}

// Bind wires conn to a fresh channel pair and starts the read and write
// loops. The caller owns conn until Bind returns; afterwards the Duplex does.
func Bind(conn *websocket.Conn, c codec.Codec) *Duplex {
	d := &Duplex{
		In:    channel.New[protocol.Message](inboundCapacity),
		Out:   channel.New[protocol.Message](outboundCapacity),
		conn:  conn,
		codec: c,
	}
	go d.readLoop()
	go d.writeLoop()
	return d
}

// Close tears down the socket and both channels. Idempotent.
func (d *Duplex) Close() {
	d.close(nil)
}

// Err reports the error that tore the binding down, if any. A clean peer
// close yields nil.
func (d *Duplex) Err() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.closeErr
}

// Ping writes a control ping frame. Control writes are safe concurrently
// with the write loop.
func (d *Duplex) Ping(deadline time.Time) error {
	return d.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (d *Duplex) close(cause error) {
	d.closeOnce.Do(func() {
		d.errMu.Lock()
		d.closeErr = cause
		d.errMu.Unlock()
		d.In.Close()
		d.Out.Close()
		if cause == nil {
			deadline := time.Now().Add(time.Second)
			_ = d.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		}
		_ = d.conn.Close()
	})
}

func (d *Duplex) readLoop() {
	for {
		_, data, err := d.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			d.close(err)
			return
		}
		msg, err := d.codec.Decode(data)
		if err != nil {
			// Protocol violation: log and drop, keep the connection.
			log.Warnf("transport: dropping undecodable frame: %v", err)
			continue
		}
		if err := d.In.Send(msg, nil); err != nil {
			d.close(nil)
			return
		}
	}
}

func (d *Duplex) writeLoop() {
	for {
		msg, ok := d.Out.Recv(nil)
		if !ok {
			d.close(nil)
			return
		}
		data, err := d.codec.Encode(msg)
		if err != nil {
			log.Warnf("transport: dropping unencodable message type %q: %v", msg.Type, err)
			continue
		}
		_ = d.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := d.conn.WriteMessage(d.codec.WebSocketMessageType(), data); err != nil {
			d.close(err)
			return
		}
	}
}
