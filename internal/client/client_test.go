package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/warptunnel/warp/internal/server"
)

const testKey = "test-key"

// startTunnel wires a full tunnel: a real server, a local app, and a client
// registered for domain. It returns the public endpoint to curl against.
func startTunnel(t *testing.T, domain string, local http.Handler) (*httptest.Server, *Client) {
	t.Helper()
	srv := server.New(server.Options{APIKeys: []string{testKey}})
	public := httptest.NewServer(srv.Handler())
	t.Cleanup(public.Close)

	app := httptest.NewServer(local)
	t.Cleanup(app.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	c, err := Connect(ctx, Options{
		APIKey:    testKey,
		Domain:    domain,
		Server:    public.URL,
		LocalAddr: app.Listener.Addr().String(),
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Close)

	select {
	case <-c.Registered():
	case <-time.After(5 * time.Second):
		t.Fatal("registration never acknowledged")
	}
	if !c.Live() {
		t.Fatal("client not live after registered")
	}
	return public, c
}

func curl(t *testing.T, ts *httptest.Server, method, host, path string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Host = host
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHappyPathGET(t *testing.T) {
	public, _ := startTunnel(t, "app.test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-App", "yes")
		_, _ = io.WriteString(w, "hi")
	}))

	resp := curl(t, public, http.MethodGet, "app.test", "/", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hi" {
		t.Fatalf("body: got %q, want %q", body, "hi")
	}
	if resp.Header.Get("X-App") != "yes" {
		t.Fatal("local response header not passed through")
	}
}

func TestQueryAndMethodPassThrough(t *testing.T) {
	public, _ := startTunnel(t, "echo.test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Method+" "+r.URL.RequestURI())
	}))

	resp := curl(t, public, http.MethodDelete, "echo.test", "/things/7?force=1", nil)
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "DELETE /things/7?force=1" {
		t.Fatalf("echo: got %q", body)
	}
}

func TestStreamedUploadArrivesInOrder(t *testing.T) {
	observed := make(chan string, 1)
	public, _ := startTunnel(t, "up.test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			observed <- "read error: " + err.Error()
			return
		}
		observed <- string(data)
	}))

	pr, pw := io.Pipe()
	go func() {
		for _, chunk := range []string{"A", "B", "C"} {
			_, _ = io.WriteString(pw, chunk)
			time.Sleep(10 * time.Millisecond)
		}
		_ = pw.Close()
	}()

	resp := curl(t, public, http.MethodPost, "up.test", "/upload", pr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	select {
	case got := <-observed:
		if got != "ABC" {
			t.Fatalf("local endpoint observed %q, want %q", got, "ABC")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("local endpoint never saw the upload")
	}
}

func TestLargeResponseStreamsBack(t *testing.T) {
	payload := strings.Repeat("0123456789abcdef", 16<<10) // 256 KiB
	public, _ := startTunnel(t, "big.test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, payload)
	}))

	resp := curl(t, public, http.MethodGet, "big.test", "/blob", nil)
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != payload {
		t.Fatalf("body mismatch: got %d bytes, want %d", len(body), len(payload))
	}
}

func TestCallerAbortCancelsLocalCall(t *testing.T) {
	aborted := make(chan struct{}, 1)
	public, _ := startTunnel(t, "slow.test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			aborted <- struct{}{}
		case <-time.After(10 * time.Second):
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, public.URL+"/", nil)
	req.Host = "slow.test"
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	if _, err := http.DefaultClient.Do(req); err == nil {
		t.Fatal("aborted request unexpectedly succeeded")
	}

	select {
	case <-aborted:
	case <-time.After(5 * time.Second):
		t.Fatal("local handler context never cancelled after caller abort")
	}
}

func TestLocalUnreachableYields503(t *testing.T) {
	srv := server.New(server.Options{APIKeys: []string{testKey}})
	public := httptest.NewServer(srv.Handler())
	t.Cleanup(public.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	c, err := Connect(ctx, Options{
		APIKey:    testKey,
		Domain:    "dead.test",
		Server:    public.URL,
		LocalAddr: "127.0.0.1:1", // nothing listens here
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Close)
	select {
	case <-c.Registered():
	case <-time.After(5 * time.Second):
		t.Fatal("registration never acknowledged")
	}

	resp := curl(t, public, http.MethodGet, "dead.test", "/", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d, want 503", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(body)) != "Error sending request to remote client" {
		t.Fatalf("body: got %q", strings.TrimSpace(string(body)))
	}
}

func TestDisplacementRoutesToNewestConnection(t *testing.T) {
	public, _ := startTunnel(t, "x.test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "first")
	}))

	// Second client claims the same domain against the same server.
	appB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "second")
	}))
	t.Cleanup(appB.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	b, err := Connect(ctx, Options{APIKey: testKey, Domain: "x.test", Server: public.URL, LocalAddr: appB.Listener.Addr().String()})
	if err != nil {
		t.Fatalf("connect second client: %v", err)
	}
	t.Cleanup(b.Close)
	select {
	case <-b.Registered():
	case <-time.After(5 * time.Second):
		t.Fatal("second registration never acknowledged")
	}

	resp := curl(t, public, http.MethodGet, "x.test", "/", nil)
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "second" {
		t.Fatalf("after displacement: got %q, want %q", body, "second")
	}
}

func TestDisplacedConnectionCloseKeepsRegistration(t *testing.T) {
	public, first := startTunnel(t, "x.test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "first")
	}))

	appB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "second")
	}))
	t.Cleanup(appB.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	b, err := Connect(ctx, Options{APIKey: testKey, Domain: "x.test", Server: public.URL, LocalAddr: appB.Listener.Addr().String()})
	if err != nil {
		t.Fatalf("connect second client: %v", err)
	}
	t.Cleanup(b.Close)
	select {
	case <-b.Registered():
	case <-time.After(5 * time.Second):
		t.Fatal("second registration never acknowledged")
	}

	// The displaced connection going away must not take the claim with it.
	first.Close()
	select {
	case <-first.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("first client never shut down")
	}
	time.Sleep(50 * time.Millisecond)

	resp := curl(t, public, http.MethodGet, "x.test", "/", nil)
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "second" {
		t.Fatalf("after displaced close: got %q, want %q", body, "second")
	}
}

func TestClientCloseCompletesDone(t *testing.T) {
	_, c := startTunnel(t, "bye.test", http.NotFoundHandler())
	c.Close()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done never fired after Close")
	}
	if err := c.Err(); err != nil {
		t.Fatalf("clean close surfaced error: %v", err)
	}
}

func TestConnectRejectsBadOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{name: "missing domain", opts: Options{Server: "http://x", LocalAddr: "127.0.0.1:1"}},
		{name: "missing local addr", opts: Options{Server: "http://x", Domain: "a.test"}},
		{name: "missing server", opts: Options{Domain: "a.test", LocalAddr: "127.0.0.1:1"}},
		{name: "bad scheme", opts: Options{Server: "ftp://x", Domain: "a.test", LocalAddr: "127.0.0.1:1"}},
	}
	for _, tt := range tests {
		if _, err := Connect(context.Background(), tt.opts); err == nil {
			t.Fatalf("%s: connect succeeded", tt.name)
		}
	}
}

func TestLocalFailureDoesNotWedgeInboundLoop(t *testing.T) {
	srv := server.New(server.Options{APIKeys: []string{testKey}})
	public := httptest.NewServer(srv.Handler())
	t.Cleanup(public.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	c, err := Connect(ctx, Options{
		APIKey:    testKey,
		Domain:    "dead.test",
		Server:    public.URL,
		LocalAddr: "127.0.0.1:1", // nothing listens here
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Close)
	select {
	case <-c.Registered():
	case <-time.After(5 * time.Second):
		t.Fatal("registration never acknowledged")
	}

	// Stream an upload while the local call fails immediately. The body
	// feeder must not wedge the client's inbound loop once the call ends.
	pr, pw := io.Pipe()
	go func() {
		for i := 0; i < 40; i++ {
			if _, err := io.WriteString(pw, strings.Repeat("x", 1024)); err != nil {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		_ = pw.Close()
	}()
	resp := curl(t, public, http.MethodPost, "dead.test", "/upload", pr)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("upload status: got %d, want 503", resp.StatusCode)
	}

	// A follow-up request must still be answered rather than time out on a
	// blocked inbound loop.
	followCtx, followCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer followCancel()
	req, _ := http.NewRequestWithContext(followCtx, http.MethodGet, public.URL+"/", nil)
	req.Host = "dead.test"
	follow, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("follow-up request hung: %v", err)
	}
	defer func() { _ = follow.Body.Close() }()
	if follow.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("follow-up status: got %d, want 503", follow.StatusCode)
	}
}
