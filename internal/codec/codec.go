// Package codec serialises protocol messages for the WebSocket transport.
// Two interchangeable encodings share one envelope shape: a JSON encoding
// that carries chunk payloads as base64, and a length-prefixed binary
// envelope that avoids the base64 overhead on the hot path.
package codec

import (
	"net/url"

	"github.com/warptunnel/warp/internal/protocol"
)

// Codec converts between protocol messages and WebSocket payload bytes.
type Codec interface {
	// Name identifies the codec in logs and negotiation.
	Name() string
	// WebSocketMessageType is the gorilla message type the encoding travels
	// as: websocket.TextMessage for JSON, websocket.BinaryMessage for the
	// envelope.
	WebSocketMessageType() int
	Encode(msg protocol.Message) ([]byte, error)
	Decode(data []byte) (protocol.Message, error)
}

// Version is the protocol version clients declare to select the binary
// envelope on the connect URL.
const Version = "1"

// Negotiate picks the codec for a connect upgrade from its raw query string.
// Clients declaring a version via the v parameter get the binary envelope;
// legacy clients that omit it get JSON.
func Negotiate(rawQuery string) Codec {
	values, err := url.ParseQuery(rawQuery)
	if err == nil && values.Get("v") != "" {
		return Binary()
	}
	return JSON()
}
