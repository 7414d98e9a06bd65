package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/warptunnel/warp/internal/codec"
	"github.com/warptunnel/warp/internal/protocol"
)

// wsPair upgrades one connection on an httptest server and dials it,
// returning both ends bound to duplexes with the given codec.
func wsPair(t *testing.T, c codec.Codec) (server, client *Duplex) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	bound := make(chan *Duplex, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		bound <- Bind(conn, c)
	}))
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	client = Bind(conn, c)
	select {
	case server = <-bound:
	case <-time.After(time.Second):
		t.Fatal("server side never bound")
	}
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

func TestDuplexDeliversMessagesBothWays(t *testing.T) {
	for _, c := range []codec.Codec{codec.JSON(), codec.Binary()} {
		server, client := wsPair(t, c)

		want := protocol.Message{Type: protocol.TypeRequestData, ID: "r1", Chunk: []byte{1, 2, 3}}
		if err := client.Out.Send(want, nil); err != nil {
			t.Fatalf("%s: client send: %v", c.Name(), err)
		}
		got, ok := server.In.Recv(nil)
		if !ok {
			t.Fatalf("%s: server inbound terminated early", c.Name())
		}
		if got.Type != want.Type || got.ID != want.ID || string(got.Chunk) != string(want.Chunk) {
			t.Fatalf("%s: server received %+v, want %+v", c.Name(), got, want)
		}

		reply := protocol.Message{Type: protocol.TypeRequestEnd, ID: "r1"}
		if err := server.Out.Send(reply, nil); err != nil {
			t.Fatalf("%s: server send: %v", c.Name(), err)
		}
		got, ok = client.In.Recv(nil)
		if !ok {
			t.Fatalf("%s: client inbound terminated early", c.Name())
		}
		if got.Type != protocol.TypeRequestEnd || got.ID != "r1" {
			t.Fatalf("%s: client received %+v", c.Name(), got)
		}
	}
}

func TestDuplexPreservesOrderPerSender(t *testing.T) {
	server, client := wsPair(t, codec.Binary())
	const n = 50
	go func() {
		for i := 0; i < n; i++ {
			msg := protocol.Message{Type: protocol.TypeRequestData, ID: "r", Chunk: []byte{byte(i)}}
			if err := client.Out.Send(msg, nil); err != nil {
				t.Errorf("send %d: %v", i, err)
				return
			}
		}
	}()
	for i := 0; i < n; i++ {
		got, ok := server.In.Recv(nil)
		if !ok {
			t.Fatalf("inbound terminated at %d", i)
		}
		if got.Chunk[0] != byte(i) {
			t.Fatalf("out of order: got chunk %d at position %d", got.Chunk[0], i)
		}
	}
}

func TestDuplexPeerCloseClosesBothChannels(t *testing.T) {
	server, client := wsPair(t, codec.JSON())
	client.Close()

	if _, ok := server.In.Recv(nil); ok {
		t.Fatal("server inbound still delivering after peer close")
	}
	select {
	case <-server.Out.Done():
	case <-time.After(time.Second):
		t.Fatal("server outbound not closed after peer close")
	}
	if err := server.Err(); err != nil {
		t.Fatalf("clean peer close surfaced error: %v", err)
	}
}

func TestDuplexClosingOutTearsDownSocket(t *testing.T) {
	server, client := wsPair(t, codec.JSON())
	client.Out.Close()

	if _, ok := server.In.Recv(nil); ok {
		t.Fatal("server inbound still delivering after client closed Out")
	}
	select {
	case <-client.In.Done():
	case <-time.After(time.Second):
		t.Fatal("client inbound not closed after closing Out")
	}
}

func TestDuplexDropsUndecodableFrames(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	bound := make(chan *Duplex, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		bound <- Bind(conn, codec.JSON())
	}))
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	raw, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = raw.Close() }()
	server := <-bound
	defer server.Close()

	if err := raw.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	valid, err := codec.JSON().Encode(protocol.Message{Type: protocol.TypeRequestEnd, ID: "after"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := raw.WriteMessage(websocket.TextMessage, valid); err != nil {
		t.Fatalf("write valid: %v", err)
	}

	got, ok := server.In.Recv(nil)
	if !ok {
		t.Fatal("connection died on undecodable frame")
	}
	if got.ID != "after" {
		t.Fatalf("expected the valid message to survive, got %+v", got)
	}
}
