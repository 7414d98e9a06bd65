package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/warptunnel/warp/internal/protocol"
)

type jsonCodec struct{}

// JSON returns the legacy text codec. Scalar fields travel as plain JSON;
// when a chunk payload is present it is embedded as a base64 string under
// the chunk key.
func JSON() Codec {
	return jsonCodec{}
}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) WebSocketMessageType() int { return websocket.TextMessage }

func (jsonCodec) Encode(msg protocol.Message) ([]byte, error) {
	chunk := msg.Chunk
	msg.Chunk = nil
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal message: %w", err)
	}
	if chunk == nil {
		return data, nil
	}
	data, err = sjson.SetBytes(data, "chunk", base64.StdEncoding.EncodeToString(chunk))
	if err != nil {
		return nil, fmt.Errorf("codec: embed chunk: %w", err)
	}
	return data, nil
}

func (jsonCodec) Decode(data []byte) (protocol.Message, error) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return protocol.Message{}, fmt.Errorf("codec: unmarshal message: %w", err)
	}
	if msg.Type == "" {
		return protocol.Message{}, fmt.Errorf("codec: message without type")
	}
	if field := gjson.GetBytes(data, "chunk"); field.Exists() {
		chunk, err := base64.StdEncoding.DecodeString(field.String())
		if err != nil {
			return protocol.Message{}, fmt.Errorf("codec: decode chunk: %w", err)
		}
		msg.Chunk = chunk
	}
	return msg, nil
}
