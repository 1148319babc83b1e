// Package licensing models how the engine is licensed and talks to the
// online licensing service.
//
// A licensing state is exactly one of three variants, or nil when nothing is
// configured:
//
//	*NetworkLicense   a license server connection string ("27000@lic-host")
//	*OnlineLicense    an identity obtained from the online service, plus the
//	                  entitlements it may use
//	*ExistingLicense  the engine's own local activation, nothing to pass down
//
// Callers switch on the concrete type; the unexported marker method keeps the
// set closed.
package licensing

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Kind is the persisted discriminator of a State.
type Kind string

const (
	KindNone     Kind = ""
	KindNetwork  Kind = "nlm"
	KindOnline   Kind = "mhlm"
	KindExisting Kind = "existing_license"
)

// State is one licensing variant. A nil State means none is configured.
type State interface {
	Kind() Kind
	licensingState()
}

// NetworkLicense points the engine at one or more license servers.
type NetworkLicense struct {
	ConnectionString string
}

// OnlineLicense is an identity from the online licensing service.
type OnlineLicense struct {
	IdentityToken string
	SourceID      string
	Expiry        time.Time

	Profile Profile

	Entitlements          []Entitlement
	SelectedEntitlementID string
}

// Profile is the signed-in user as reported by the licensing service.
type Profile struct {
	EmailAddress string `json:"email_addr"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	DisplayName  string `json:"display_name"`
	UserID       string `json:"user_id"`
	ProfileID    string `json:"profile_id"`
}

// Entitlement is one license the identity may check out.
type Entitlement struct {
	ID            string `json:"id"`
	Label         string `json:"label"`
	LicenseNumber string `json:"license_number"`
}

// ExistingLicense means the engine is already activated on this machine.
type ExistingLicense struct{}

func (*NetworkLicense) Kind() Kind  { return KindNetwork }
func (*OnlineLicense) Kind() Kind   { return KindOnline }
func (*ExistingLicense) Kind() Kind { return KindExisting }

func (*NetworkLicense) licensingState()  {}
func (*OnlineLicense) licensingState()   {}
func (*ExistingLicense) licensingState() {}

// KindOf returns the kind of s, or KindNone for nil.
func KindOf(s State) Kind {
	if s == nil {
		return KindNone
	}
	return s.Kind()
}

// Expired reports whether the identity token has expired at now.
func (o *OnlineLicense) Expired(now time.Time) bool {
	return !o.Expiry.IsZero() && !now.Before(o.Expiry)
}

// SelectedEntitlement returns the selected entitlement, if any.
func (o *OnlineLicense) SelectedEntitlement() (Entitlement, bool) {
	for _, e := range o.Entitlements {
		if e.ID == o.SelectedEntitlementID {
			return e, true
		}
	}
	return Entitlement{}, false
}

// Select marks id as the entitlement to use. It must be one of Entitlements.
func (o *OnlineLicense) Select(id string) error {
	for _, e := range o.Entitlements {
		if e.ID == id {
			o.SelectedEntitlementID = id
			return nil
		}
	}
	return fmt.Errorf("entitlement %q is not available to this identity", id)
}

// serverSpec is one "port@host" entry.
var serverSpec = regexp.MustCompile(`^\d+@[A-Za-z0-9._-]+$`)

// ValidateConnectionString checks a network license string: one or more
// port@host entries separated by ':' or ','.
func ValidateConnectionString(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("connection string is empty")
	}
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ':' || r == ',' }) {
		if !serverSpec.MatchString(part) {
			return fmt.Errorf("invalid license server %q (expected port@hostname)", part)
		}
	}
	return nil
}

// Describe renders s for status payloads without secrets.
func Describe(s State) map[string]any {
	switch v := s.(type) {
	case *NetworkLicense:
		return map[string]any{"type": string(KindNetwork), "conn_str": v.ConnectionString}
	case *OnlineLicense:
		return map[string]any{
			"type":           string(KindOnline),
			"email_addr":     v.Profile.EmailAddress,
			"display_name":   v.Profile.DisplayName,
			"entitlements":   v.Entitlements,
			"entitlement_id": v.SelectedEntitlementID,
			"expiry":         v.Expiry.UTC().Format(time.RFC3339),
		}
	case *ExistingLicense:
		return map[string]any{"type": string(KindExisting)}
	default:
		return nil
	}
}
