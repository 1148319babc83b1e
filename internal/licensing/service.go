package licensing

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	egerrors "github.com/enginegate/host/internal/errors"
)

// Service paths relative to the licensing service root.
const (
	pathExpandToken  = "/tokens"
	pathAccessToken  = "/tokens/access"
	pathEntitlements = "/entitlements"
)

// ServiceError is returned when the licensing service answers outside 2xx.
type ServiceError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("licensing %s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// Service is a thin form-POST client for the online licensing service.
type Service struct {
	baseURL string
	http    *http.Client
}

// NewService creates a client for baseURL. A nil httpClient uses a 30 second timeout.
func NewService(baseURL string, httpClient *http.Client) *Service {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Service{baseURL: strings.TrimSuffix(baseURL, "/"), http: httpClient}
}

// ExpandedToken is the result of expanding an identity token.
type ExpandedToken struct {
	Expiry  time.Time
	Profile Profile
}

// ExpandToken exchanges a browser-obtained identity token for its expiry
// and the user's profile.
func (s *Service) ExpandToken(ctx context.Context, identityToken, sourceID string) (*ExpandedToken, error) {
	form := url.Values{
		"tokenString":     {identityToken},
		"tokenPolicyName": {"R2"},
		"sourceId":        {sourceID},
	}
	body, err := s.post(ctx, "expand token", pathExpandToken, form)
	if err != nil {
		return nil, err
	}

	var resp struct {
		ExpirationDate  string `json:"expirationDate"`
		ReferenceDetail struct {
			Email       string `json:"email"`
			FirstName   string `json:"firstName"`
			LastName    string `json:"lastName"`
			DisplayName string `json:"displayName"`
			UserID      string `json:"userId"`
			ReferenceID string `json:"referenceId"`
		} `json:"referenceDetail"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, egerrors.OnlineLicensing("unexpected response while expanding token", err)
	}
	expiry, err := time.Parse(time.RFC3339, resp.ExpirationDate)
	if err != nil {
		return nil, egerrors.OnlineLicensing("licensing service returned an invalid expiry", err)
	}
	d := resp.ReferenceDetail
	return &ExpandedToken{
		Expiry: expiry,
		Profile: Profile{
			EmailAddress: d.Email,
			FirstName:    d.FirstName,
			LastName:     d.LastName,
			DisplayName:  d.DisplayName,
			UserID:       d.UserID,
			ProfileID:    d.ReferenceID,
		},
	}, nil
}

// AccessToken exchanges an identity token for a short-lived access token.
func (s *Service) AccessToken(ctx context.Context, identityToken, sourceID string) (string, error) {
	form := url.Values{
		"tokenString": {identityToken},
		"type":        {"MWAS"},
		"sourceId":    {sourceID},
	}
	body, err := s.post(ctx, "access token", pathAccessToken, form)
	if err != nil {
		return "", err
	}
	var resp struct {
		AccessTokenString string `json:"accessTokenString"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.AccessTokenString == "" {
		return "", egerrors.OnlineLicensing("licensing service returned no access token", err)
	}
	return resp.AccessTokenString, nil
}

// Entitlements lists the entitlements an access token may use for release.
// An empty list is an entitlement error.
func (s *Service) Entitlements(ctx context.Context, accessToken, release string) ([]Entitlement, error) {
	form := url.Values{
		"token":          {accessToken},
		"release":        {release},
		"coreProduct":    {"ML"},
		"context":        {"jupyter"},
		"excludeExpired": {"true"},
	}
	body, err := s.post(ctx, "entitlements", pathEntitlements, form)
	if err != nil {
		return nil, err
	}

	var resp struct {
		XMLName      xml.Name `xml:"describe_entitlements_response"`
		Entitlements []struct {
			ID            string `xml:"id"`
			Label         string `xml:"label"`
			LicenseNumber string `xml:"license_number"`
		} `xml:"entitlements>entitlement"`
	}
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, egerrors.OnlineLicensing("unexpected entitlement response", err)
	}
	if len(resp.Entitlements) == 0 {
		return nil, egerrors.EntitlementError("your account has no licenses for this release of the engine")
	}

	out := make([]Entitlement, 0, len(resp.Entitlements))
	for _, e := range resp.Entitlements {
		out = append(out, Entitlement{
			ID:            strings.TrimSpace(e.ID),
			Label:         strings.TrimSpace(e.Label),
			LicenseNumber: strings.TrimSpace(e.LicenseNumber),
		})
	}
	return out, nil
}

func (s *Service) post(ctx context.Context, op, path string, form url.Values) ([]byte, error) {
	if s == nil || s.baseURL == "" {
		return nil, egerrors.OnlineLicensing("online licensing service is not configured", nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, egerrors.OnlineLicensing("failed to build licensing request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json, application/xml")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, egerrors.OnlineLicensing("licensing service is unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, egerrors.OnlineLicensing("failed reading licensing response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		cause := &ServiceError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		return nil, egerrors.OnlineLicensing(fmt.Sprintf("licensing service rejected %s", op), cause)
	}
	return body, nil
}
