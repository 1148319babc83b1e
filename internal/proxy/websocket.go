package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsControlTimeout   = time.Second

	// maxCloseText is the room left for a reason in a close frame payload.
	maxCloseText = 123
)

// errUnsupportedFrame is returned by forwardMessage for frame types other than
// text and binary.
var errUnsupportedFrame = errors.New("unsupported websocket frame type")

// wsRelay upgrades browser connections and relays frames to a second
// connection opened against the backend.
type wsRelay struct {
	f        *Forwarder
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

func newWSRelay(f *Forwarder) *wsRelay {
	return &wsRelay{
		f: f,
		upgrader: websocket.Upgrader{
			// The auth layer in front of the forwarder decides who gets here.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		dialer: &websocket.Dialer{
			Proxy:            nil,
			HandshakeTimeout: wsHandshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
	}
}

func (ws *wsRelay) serve(w http.ResponseWriter, r *http.Request) {
	f := ws.f
	target, ok := f.opts.Backend.Target(r)
	if !ok {
		f.fail(w, r, http.StatusServiceUnavailable, "not_ready", nil)
		return
	}

	header := http.Header{}
	cookie := r.Header.Get("Cookie")
	if f.opts.Jar != nil {
		cookie = f.opts.Jar.cookieHeader(cookie)
	}
	if cookie != "" {
		header.Set("Cookie", cookie)
	}
	target.apply(header)
	if ua := r.Header.Get("User-Agent"); ua != "" {
		header.Set("User-Agent", ua)
	}

	dialer := *ws.dialer
	dialer.Subprotocols = websocket.Subprotocols(r)
	u := backendURL(target.Origin, r.URL, wsScheme(target.Origin.Scheme))
	backend, resp, err := dialer.DialContext(r.Context(), u.String(), header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (backend answered %d)", err, resp.StatusCode)
		}
		f.fail(w, r, http.StatusNotFound, "unreachable", err)
		return
	}
	if f.opts.Jar != nil && resp != nil {
		f.opts.Jar.Update(resp.Cookies())
	}

	respHeader := http.Header{}
	if proto := backend.Subprotocol(); proto != "" {
		respHeader.Set("Sec-WebSocket-Protocol", proto)
	}
	f.addCustomHeaders(respHeader)
	client, err := ws.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// Upgrade has already answered the browser.
		f.logger.Debug("websocket upgrade failed", "path", r.URL.Path, "error", err)
		backend.Close()
		return
	}
	if f.opts.Metrics != nil {
		f.opts.Metrics.ProxyRequest("websocket", http.StatusSwitchingProtocols)
	}

	ws.relay(client, backend, r.URL.Path)
}

// relay copies frames both ways until one side ends, then tears down both.
func (ws *wsRelay) relay(client, backend *websocket.Conn, path string) {
	forwardControl(client, backend)
	forwardControl(backend, client)

	errc := make(chan error, 2)
	go func() { errc <- pump(backend, client) }()
	go func() { errc <- pump(client, backend) }()

	err := <-errc
	client.Close()
	backend.Close()
	<-errc

	if err != nil {
		ws.f.logger.Warn("websocket relay ended", "path", path, "error", err)
		if ws.f.opts.Metrics != nil {
			ws.f.opts.Metrics.ProxyFailure("websocket")
		}
		return
	}
	ws.f.logger.Debug("websocket relay closed", "path", path)
}

// forwardControl passes pings and pongs read on src through to dst.
func forwardControl(src, dst *websocket.Conn) {
	src.SetPingHandler(func(data string) error {
		return writeControl(dst, websocket.PingMessage, []byte(data))
	})
	src.SetPongHandler(func(data string) error {
		return writeControl(dst, websocket.PongMessage, []byte(data))
	})
}

// pump reads from src and writes to dst until src closes or fails. A close
// from either side, including the abnormal closure the engine produces when
// it drops a socket, is an orderly teardown and returns nil.
func pump(dst, src *websocket.Conn) error {
	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				sendClose(dst, websocket.CloseNormalClosure, "")
				return err
			}
			code, text := ce.Code, ce.Text
			switch code {
			case websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived, websocket.CloseTLSHandshake:
				// Reserved codes never go on the wire.
				code, text = websocket.CloseNormalClosure, ""
			}
			sendClose(dst, code, text)
			return nil
		}
		if err := forwardMessage(dst, mt, data); err != nil {
			if errors.Is(err, errUnsupportedFrame) {
				sendClose(dst, websocket.CloseInternalServerErr, "unsupported frame")
				sendClose(src, websocket.CloseInternalServerErr, "unsupported frame")
			}
			return err
		}
	}
}

// forwardMessage writes a data frame to dst. Only text and binary frames are
// relayed; anything else is a protocol violation.
func forwardMessage(dst *websocket.Conn, mt int, data []byte) error {
	switch mt {
	case websocket.TextMessage, websocket.BinaryMessage:
		return dst.WriteMessage(mt, data)
	default:
		return fmt.Errorf("%w: %d", errUnsupportedFrame, mt)
	}
}

func sendClose(c *websocket.Conn, code int, text string) {
	if len(text) > maxCloseText {
		text = text[:maxCloseText]
	}
	_ = writeControl(c, websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
}

func writeControl(c *websocket.Conn, mt int, data []byte) error {
	err := c.WriteControl(mt, data, time.Now().Add(wsControlTimeout))
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func wsScheme(scheme string) string {
	if scheme == "https" {
		return "wss"
	}
	return "ws"
}
