// Package auth implements the capability token that guards a controller's
// mutating endpoints.
//
// The token is a random 32-byte hex string (64 characters) generated per
// process unless one is configured. A router hands each controller it spawns
// its own token and keeps a copy in the instance record so it can call the
// controller's shutdown endpoint.
//
// Thread safety: a Token is immutable after construction and safe for
// concurrent use.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	egerrors "github.com/enginegate/host/internal/errors"
)

// TokenName is the header, query parameter and cookie name that carry the token.
const TokenName = "eg-auth-token"

// Source says where a request carried its token.
type Source string

const (
	SourceNone   Source = ""
	SourceHeader Source = "header"
	SourceQuery  Source = "query"
	SourceCookie Source = "cookie"
)

// Token holds the expected capability token.
type Token struct {
	value string
}

// NewToken returns a Token for fixed, or a freshly generated one when fixed is
// empty.
func NewToken(fixed string) (*Token, error) {
	fixed = strings.TrimSpace(fixed)
	if fixed != "" {
		return &Token{value: fixed}, nil
	}
	v, err := Generate()
	if err != nil {
		return nil, err
	}
	return &Token{value: v}, nil
}

// Generate returns a new random token.
func Generate() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Value returns the token string.
func (t *Token) Value() string {
	return t.value
}

// Validate reports whether candidate matches, in constant time.
func (t *Token) Validate(candidate string) bool {
	if t == nil || t.value == "" || candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(t.value), []byte(candidate)) == 1
}

// FromRequest extracts the token from r, checking the header, then the query
// string, then the cookie.
func FromRequest(r *http.Request) (string, Source) {
	if v := strings.TrimSpace(r.Header.Get(TokenName)); v != "" {
		return v, SourceHeader
	}
	if v := strings.TrimSpace(r.URL.Query().Get(TokenName)); v != "" {
		return v, SourceQuery
	}
	if c, err := r.Cookie(TokenName); err == nil && c.Value != "" {
		return c.Value, SourceCookie
	}
	return "", SourceNone
}

// Cookie returns the session cookie that carries the token for later
// browser requests under path.
func (t *Token) Cookie(path string, secure bool) *http.Cookie {
	if path == "" {
		path = "/"
	}
	return &http.Cookie{
		Name:     TokenName,
		Value:    t.value,
		Path:     path,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// Check validates the token carried by r. It returns an auth.required error
// when none is present and auth.invalid when it does not match.
func (t *Token) Check(r *http.Request) (Source, error) {
	candidate, src := FromRequest(r)
	if src == SourceNone {
		return src, egerrors.New(egerrors.CodeAuthRequired, "an auth token is required")
	}
	if !t.Validate(candidate) {
		return src, egerrors.New(egerrors.CodeAuthInvalid, "the auth token is not valid")
	}
	return src, nil
}
