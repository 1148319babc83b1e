package proxy

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/enginegate/host/internal/engine"
)

// wsBackend serves one WebSocket endpoint and hands each connection to fn.
func wsBackend(t *testing.T, upgrader websocket.Upgrader, onRequest func(*http.Request), fn func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if onRequest != nil {
			onRequest(r)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("backend upgrade: %v", err)
			return
		}
		fn(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func dialProxy(t *testing.T, proxyURL string, dialer *websocket.Dialer, header http.Header) *websocket.Conn {
	t.Helper()
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.Dial(wsURL(proxyURL)+"/ws", header)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.TextMessage {
		t.Fatalf("message type = %d, want text", mt)
	}
	return string(data)
}

func TestWebSocketRelaysTextBothWays(t *testing.T) {
	backend := wsBackend(t, websocket.Upgrader{}, nil, func(conn *websocket.Conn) {
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte("hello from backend"))
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			conn.WriteMessage(mt, append([]byte("echo:"), data...))
		}
	})

	metrics := newFakeRecorder()
	proxy := newProxy(t, Options{Backend: staticBackend(t, backend.URL, ""), Metrics: metrics})
	client := dialProxy(t, proxy.URL, nil, nil)

	if got := readText(t, client); got != "hello from backend" {
		t.Errorf("first frame = %q, want %q", got, "hello from backend")
	}
	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"op":"x"}`)); err != nil {
		t.Fatal(err)
	}
	if got := readText(t, client); got != `echo:{"op":"x"}` {
		t.Errorf("echo = %q, want %q", got, `echo:{"op":"x"}`)
	}

	metrics.mu.Lock()
	upgrades := metrics.requests["websocket:101"]
	metrics.mu.Unlock()
	if upgrades != 1 {
		t.Errorf("websocket upgrades recorded = %d, want 1", upgrades)
	}
}

func TestWebSocketRelaysBinary(t *testing.T) {
	backend := wsBackend(t, websocket.Upgrader{}, nil, func(conn *websocket.Conn) {
		defer conn.Close()
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.WriteMessage(mt, data)
		conn.ReadMessage()
	})

	proxy := newProxy(t, Options{Backend: staticBackend(t, backend.URL, "")})
	client := dialProxy(t, proxy.URL, nil, nil)

	payload := []byte{0x00, 0xff, 0x10}
	if err := client.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatal(err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := client.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if mt != websocket.BinaryMessage || string(data) != string(payload) {
		t.Errorf("got type %d data %v, want binary %v", mt, data, payload)
	}
}

func TestWebSocketAbnormalBackendClosureIsOrderly(t *testing.T) {
	backend := wsBackend(t, websocket.Upgrader{}, nil, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte("bye"))
		// Drop the TCP connection without a close frame.
		conn.Close()
	})

	metrics := newFakeRecorder()
	proxy := newProxy(t, Options{Backend: staticBackend(t, backend.URL, ""), Metrics: metrics})
	client := dialProxy(t, proxy.URL, nil, nil)

	if got := readText(t, client); got != "bye" {
		t.Errorf("frame = %q, want %q", got, "bye")
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("read after backend drop = %v, want a close frame", err)
	}
	if ce.Code != websocket.CloseNormalClosure {
		t.Errorf("close code = %d, want %d", ce.Code, websocket.CloseNormalClosure)
	}
	if got := metrics.failure("websocket"); got != 0 {
		t.Errorf("websocket failures = %d, want 0", got)
	}
}

func TestWebSocketForwardsClientClose(t *testing.T) {
	closed := make(chan int, 1)
	backend := wsBackend(t, websocket.Upgrader{}, nil, func(conn *websocket.Conn) {
		defer conn.Close()
		_, _, err := conn.ReadMessage()
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			closed <- ce.Code
			return
		}
		closed <- -1
	})

	proxy := newProxy(t, Options{Backend: staticBackend(t, backend.URL, "")})
	client := dialProxy(t, proxy.URL, nil, nil)

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "tab closed")
	if err := client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	select {
	case code := <-closed:
		if code != websocket.CloseGoingAway {
			t.Errorf("backend close code = %d, want %d", code, websocket.CloseGoingAway)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("backend never saw the close")
	}
}

func TestWebSocketHandshakeCarriesCookiesKeyAndSubprotocol(t *testing.T) {
	seen := make(chan http.Header, 1)
	backend := wsBackend(t,
		websocket.Upgrader{Subprotocols: []string{"engine.v1"}},
		func(r *http.Request) { seen <- r.Header.Clone() },
		func(conn *websocket.Conn) {
			defer conn.Close()
			conn.ReadMessage()
		},
	)

	jar := NewCookieJar(nil)
	jar.Update([]*http.Cookie{{Name: "session", Value: "abc", HttpOnly: true}})
	proxy := newProxy(t, Options{Backend: staticBackend(t, backend.URL, "key-1"), Jar: jar})

	dialer := &websocket.Dialer{Subprotocols: []string{"engine.v1"}, HandshakeTimeout: 2 * time.Second}
	client := dialProxy(t, proxy.URL, dialer, http.Header{"Cookie": {"theme=dark"}})

	if got := client.Subprotocol(); got != "engine.v1" {
		t.Errorf("Subprotocol() = %q, want %q", got, "engine.v1")
	}

	h := <-seen
	if got := h.Get(engine.APIKeyHeader); got != "key-1" {
		t.Errorf("api key = %q, want %q", got, "key-1")
	}
	cookie := h.Get("Cookie")
	for _, want := range []string{"session=abc", "theme=dark"} {
		if !strings.Contains(cookie, want) {
			t.Errorf("backend Cookie = %q, want it to contain %q", cookie, want)
		}
	}
}

func TestWebSocketForwardsPing(t *testing.T) {
	backend := wsBackend(t, websocket.Upgrader{}, nil, func(conn *websocket.Conn) {
		defer conn.Close()
		// The default ping handler answers with a pong while we read.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	proxy := newProxy(t, Options{Backend: staticBackend(t, backend.URL, "")})
	client := dialProxy(t, proxy.URL, nil, nil)

	pong := make(chan string, 1)
	client.SetPongHandler(func(data string) error {
		pong <- data
		return nil
	})
	go client.ReadMessage()

	if err := client.WriteControl(websocket.PingMessage, []byte("p1"), time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-pong:
		if got != "p1" {
			t.Errorf("pong payload = %q, want %q", got, "p1")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pong relayed back")
	}
}

func TestWebSocketNotReady(t *testing.T) {
	proxy := newProxy(t, Options{Backend: BackendFunc(func(*http.Request) (Target, bool) { return Target{}, false })})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(proxy.URL)+"/ws", nil)
	if err == nil {
		t.Fatal("dial succeeded, want handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("response = %v, want 503", resp)
	}
}

func TestForwardMessageRejectsUnknownType(t *testing.T) {
	for _, mt := range []int{websocket.CloseMessage, websocket.PingMessage, 99} {
		err := forwardMessage(nil, mt, []byte("x"))
		if !errors.Is(err, errUnsupportedFrame) {
			t.Errorf("forwardMessage(type %d) = %v, want errUnsupportedFrame", mt, err)
		}
	}
}
