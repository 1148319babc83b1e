// Package proxy forwards browser HTTP and WebSocket traffic to a backend:
// the engine for a single controller, or a controller instance for the
// router.
package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/enginegate/host/internal/engine"
	egerrors "github.com/enginegate/host/internal/errors"
	"github.com/enginegate/host/internal/logging"
)

// desktopClientType is what the engine must see in ClientType messages for
// the browser to get the desktop experience.
const desktopClientType = "jsd"

// maxBodyBytes bounds request bodies buffered for rewriting.
const maxBodyBytes = 64 << 20

// Target is the backend a request goes to.
type Target struct {
	// Origin is scheme://host:port. The request path is appended unchanged.
	Origin *url.URL

	// APIKey, when set, is sent in engine.APIKeyHeader.
	APIKey string

	// Headers are set on every backend request.
	Headers map[string]string
}

// Backend resolves the target for a request. ok is false while no backend
// is live.
type Backend interface {
	Target(r *http.Request) (Target, bool)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(r *http.Request) (Target, bool)

func (f BackendFunc) Target(r *http.Request) (Target, bool) { return f(r) }

// Recorder receives forwarding metrics. *metrics.Collector satisfies it.
type Recorder interface {
	ProxyRequest(kind string, status int)
	ProxyFailure(reason string)
}

// Options configures a Forwarder.
type Options struct {
	Backend Backend

	// Jar, when set, replays HttpOnly backend cookies on backend requests.
	Jar *CookieJar

	// CustomHeaders are added to every response sent to the browser.
	CustomHeaders map[string]string

	// RewriteClientType enables the desktop ClientType rewrite on message
	// service POSTs. Only meaningful when the backend is the engine.
	RewriteClientType bool

	Transport http.RoundTripper
	Metrics   Recorder
	Logger    *slog.Logger
}

// Forwarder is an http.Handler that relays requests to the backend.
type Forwarder struct {
	opts   Options
	client *http.Client
	logger *slog.Logger
	ws     *wsRelay
}

// New creates a Forwarder.
func New(opts Options) *Forwarder {
	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:               nil,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	logger := logging.OrDiscard(opts.Logger).With("component", "proxy")
	f := &Forwarder{
		opts: opts,
		client: &http.Client{
			Transport: transport,
			// Redirects go back to the browser untouched.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
	f.ws = newWSRelay(f)
	return f
}

// ServeHTTP forwards r.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if IsWebSocketUpgrade(r) {
		f.ws.serve(w, r)
		return
	}
	f.serveHTTP(w, r)
}

// IsWebSocketUpgrade reports a GET carrying Connection: upgrade and
// Upgrade: websocket, compared case-insensitively.
func IsWebSocketUpgrade(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	return headerHasToken(r.Header, "Connection", "upgrade") &&
		headerHasToken(r.Header, "Upgrade", "websocket")
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

func (f *Forwarder) serveHTTP(w http.ResponseWriter, r *http.Request) {
	target, ok := f.opts.Backend.Target(r)
	if !ok {
		f.fail(w, r, http.StatusServiceUnavailable, "not_ready", nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if f.opts.RewriteClientType && r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, engine.MessageServicePath) {
		body = rewriteClientType(body)
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, backendURL(target.Origin, r.URL, "").String(), bytes.NewReader(body))
	if err != nil {
		f.fail(w, r, http.StatusNotFound, "bad_request", err)
		return
	}
	copyRequestHeaders(out.Header, r.Header)
	out.ContentLength = int64(len(body))
	out.Header.Set("Content-Length", strconv.Itoa(len(body)))
	target.apply(out.Header)
	if f.opts.Jar != nil {
		if cookie := f.opts.Jar.cookieHeader(r.Header.Get("Cookie")); cookie != "" {
			out.Header.Set("Cookie", cookie)
		}
	}

	resp, err := f.client.Do(out)
	if err != nil {
		if r.Context().Err() != nil {
			// Browser went away.
			return
		}
		// Anything past a live target is reported as not found.
		f.fail(w, r, http.StatusNotFound, "unreachable", egerrors.BackendUnreachable(target.Origin.Host, err))
		return
	}
	defer resp.Body.Close()

	if f.opts.Jar != nil {
		f.opts.Jar.Update(resp.Cookies())
	}

	copyResponseHeaders(w.Header(), resp.Header)
	f.addCustomHeaders(w.Header())
	w.WriteHeader(resp.StatusCode)
	if f.opts.Metrics != nil {
		f.opts.Metrics.ProxyRequest("http", resp.StatusCode)
	}

	if _, err := copyFlush(w, resp.Body); err != nil {
		f.logger.Debug("response relay ended early", "path", r.URL.Path, "error", err)
	}
}

// fail answers a forwarding failure without passing upstream detail through.
func (f *Forwarder) fail(w http.ResponseWriter, r *http.Request, status int, reason string, err error) {
	if err != nil {
		f.logger.Warn("forwarding failed", "path", r.URL.Path, "reason", reason, "error", err)
	} else {
		f.logger.Debug("forwarding refused", "path", r.URL.Path, "reason", reason)
	}
	if f.opts.Metrics != nil {
		f.opts.Metrics.ProxyFailure(reason)
		f.opts.Metrics.ProxyRequest("http", status)
	}
	f.addCustomHeaders(w.Header())
	http.Error(w, http.StatusText(status), status)
}

func (t Target) apply(h http.Header) {
	for k, v := range t.Headers {
		h.Set(k, v)
	}
	if t.APIKey != "" {
		h.Set(engine.APIKeyHeader, t.APIKey)
	}
}

func (f *Forwarder) addCustomHeaders(h http.Header) {
	for k, v := range f.opts.CustomHeaders {
		h.Set(k, v)
	}
}

// backendURL joins the request path and query onto origin. scheme overrides
// origin's scheme when set.
func backendURL(origin *url.URL, req *url.URL, scheme string) *url.URL {
	u := *origin
	if scheme != "" {
		u.Scheme = scheme
	}
	u.Path = strings.TrimSuffix(origin.Path, "/") + req.Path
	u.RawPath = ""
	if req.RawPath != "" {
		u.RawPath = strings.TrimSuffix(origin.EscapedPath(), "/") + req.RawPath
	}
	u.RawQuery = req.RawQuery
	return &u
}

// Hop-by-hop headers are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyRequestHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append([]string(nil), vv...)
	}
	removeHopHeaders(dst)
	dst.Del("Content-Length")
}

func copyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	removeHopHeaders(dst)
}

func removeHopHeaders(h http.Header) {
	// Headers named in Connection are hop-by-hop too.
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// copyFlush streams src to w, flushing after each read so long-poll and
// event-stream responses reach the browser promptly.
func copyFlush(w http.ResponseWriter, src io.Reader) (int64, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			written, werr := w.Write(buf[:n])
			total += int64(written)
			if werr != nil {
				return total, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// rewriteClientType sets messages.ClientType[*].properties.TYPE to the
// desktop value. Bodies that do not parse, or carry no ClientType, are
// returned unchanged.
func rewriteClientType(body []byte) []byte {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return body
	}
	messages, ok := doc["messages"].(map[string]any)
	if !ok {
		return body
	}
	items, ok := messages["ClientType"].([]any)
	if !ok {
		return body
	}

	changed := false
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		props, ok := obj["properties"].(map[string]any)
		if !ok {
			continue
		}
		if props["TYPE"] != desktopClientType {
			props["TYPE"] = desktopClientType
			changed = true
		}
	}
	if !changed {
		return body
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return body
	}
	return out
}
