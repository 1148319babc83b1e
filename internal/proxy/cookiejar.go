package proxy

import (
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/enginegate/host/internal/logging"
)

// CookieJar remembers the HttpOnly cookies the backend sets and replays them
// on later backend requests. Cookies without HttpOnly are never stored; the
// browser keeps those itself.
type CookieJar struct {
	mu      sync.Mutex
	cookies map[string]*http.Cookie
	logger  *slog.Logger
	now     func() time.Time
}

// NewCookieJar creates an empty jar.
func NewCookieJar(logger *slog.Logger) *CookieJar {
	return &CookieJar{
		cookies: make(map[string]*http.Cookie),
		logger:  logging.OrDiscard(logger).With("component", "cookiejar"),
		now:     time.Now,
	}
}

// Update records the cookies from a backend response. Deletions (negative
// MaxAge or an expiry in the past) remove the stored cookie.
func (j *CookieJar) Update(cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.now()
	for _, c := range cookies {
		if !c.HttpOnly {
			j.logger.Debug("dropping non-HttpOnly cookie from jar", "name", c.Name)
			continue
		}
		if c.MaxAge < 0 || (!c.Expires.IsZero() && c.Expires.Before(now)) {
			delete(j.cookies, c.Name)
			continue
		}
		cp := *c
		j.cookies[c.Name] = &cp
	}
}

// Cookies returns the stored cookies sorted by name.
func (j *CookieJar) Cookies() []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*http.Cookie, 0, len(j.cookies))
	for _, c := range j.cookies {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Len returns the number of stored cookies.
func (j *CookieJar) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.cookies)
}

// Clear forgets every cookie. Used when the engine restarts.
func (j *CookieJar) Clear() {
	j.mu.Lock()
	j.cookies = make(map[string]*http.Cookie)
	j.mu.Unlock()
}

// cookieHeader merges the browser's Cookie header with the jar. Jar cookies
// win on name clashes.
func (j *CookieJar) cookieHeader(browser string) string {
	stored := j.Cookies()
	if len(stored) == 0 {
		return browser
	}
	names := make(map[string]bool, len(stored))
	parts := make([]string, 0, len(stored))
	for _, c := range stored {
		names[c.Name] = true
		parts = append(parts, c.Name+"="+c.Value)
	}

	if browser != "" {
		req := &http.Request{Header: http.Header{"Cookie": {browser}}}
		for _, c := range req.Cookies() {
			if !names[c.Name] {
				parts = append(parts, c.Name+"="+c.Value)
			}
		}
	}
	return strings.Join(parts, "; ")
}
