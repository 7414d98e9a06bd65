package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/warptunnel/warp/internal/protocol"
)

// headerLenSize is the u32 big-endian prefix carrying the header length.
const headerLenSize = 4

type binaryCodec struct{}

// Binary returns the length-prefixed envelope codec:
//
//	[u32 header_len][header UTF-8 JSON, without chunk][chunk bytes]
//
// Chunk payloads travel as raw bytes after the header, so data messages pay
// no base64 overhead.
func Binary() Codec {
	return binaryCodec{}
}

func (binaryCodec) Name() string { return "binary" }

func (binaryCodec) WebSocketMessageType() int { return websocket.BinaryMessage }

func (binaryCodec) Encode(msg protocol.Message) ([]byte, error) {
	chunk := msg.Chunk
	msg.Chunk = nil
	header, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal header: %w", err)
	}
	buf := make([]byte, headerLenSize+len(header)+len(chunk))
	binary.BigEndian.PutUint32(buf, uint32(len(header)))
	copy(buf[headerLenSize:], header)
	copy(buf[headerLenSize+len(header):], chunk)
	return buf, nil
}

func (binaryCodec) Decode(data []byte) (protocol.Message, error) {
	if len(data) < headerLenSize {
		return protocol.Message{}, fmt.Errorf("codec: envelope truncated: %d bytes", len(data))
	}
	headerLen := binary.BigEndian.Uint32(data)
	if uint64(headerLen) > uint64(len(data)-headerLenSize) {
		return protocol.Message{}, fmt.Errorf("codec: header length %d exceeds envelope", headerLen)
	}
	var msg protocol.Message
	if err := json.Unmarshal(data[headerLenSize:headerLenSize+int(headerLen)], &msg); err != nil {
		return protocol.Message{}, fmt.Errorf("codec: unmarshal header: %w", err)
	}
	if msg.Type == "" {
		return protocol.Message{}, fmt.Errorf("codec: message without type")
	}
	if rest := data[headerLenSize+int(headerLen):]; len(rest) > 0 {
		msg.Chunk = rest
	}
	return msg, nil
}
