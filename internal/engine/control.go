package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageServicePath is the engine's JSON control endpoint.
const MessageServicePath = "/messageservice/json/secure"

// APIKeyHeader carries the per-run key that the engine requires on every request.
const APIKeyHeader = "mwapikey"

// BusyStatus is the engine's interpreter state.
type BusyStatus string

const (
	BusyUnknown BusyStatus = "unknown"
	BusyIdle    BusyStatus = "idle"
	BusyBusy    BusyStatus = "busy"
)

// Client talks to one running engine's control endpoint.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a client for the engine listening at baseURL
// (e.g. "http://127.0.0.1:31515"). A nil httpClient uses a 5 second timeout.
func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
	}
}

// BaseURL returns the engine root URL.
func (c *Client) BaseURL() string { return c.baseURL }

type messageFault struct {
	Message string `json:"message"`
}

type messageResponse struct {
	MessageFaults []messageFault `json:"messageFaults"`
	IsError       bool           `json:"isError"`
	Status        string         `json:"status"`
	ResponseStr   string         `json:"responseStr"`
}

// send posts {"messages":{name:[payload]}} and returns the first element of
// the "<name>Response" array.
func (c *Client) send(ctx context.Context, name string, payload any) (*messageResponse, error) {
	body, err := json.Marshal(map[string]any{
		"messages": map[string][]any{name: {payload}},
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+MessageServicePath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(APIKeyHeader, c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: engine returned HTTP %d", name, resp.StatusCode)
	}

	var envelope struct {
		Messages map[string][]messageResponse `json:"messages"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", name, err)
	}
	items := envelope.Messages[name+"Response"]
	if len(items) == 0 {
		return nil, fmt.Errorf("%s: response missing %sResponse", name, name)
	}
	return &items[0], nil
}

// Ping succeeds when the engine answers a Ping with no faults.
func (c *Client) Ping(ctx context.Context) error {
	r, err := c.send(ctx, "Ping", struct{}{})
	if err != nil {
		return err
	}
	if len(r.MessageFaults) > 0 {
		return fmt.Errorf("ping fault: %s", r.MessageFaults[0].Message)
	}
	return nil
}

// BusyStatus asks whether the interpreter is executing user code.
func (c *Client) BusyStatus(ctx context.Context) (BusyStatus, error) {
	r, err := c.send(ctx, "GetMatlabStatus", struct{}{})
	if err != nil {
		return BusyUnknown, err
	}
	if r.IsError || len(r.MessageFaults) > 0 {
		return BusyUnknown, fmt.Errorf("busy status reported an error")
	}
	switch strings.ToLower(r.Status) {
	case "busy":
		return BusyBusy, nil
	case "idle":
		return BusyIdle, nil
	default:
		return BusyUnknown, fmt.Errorf("unexpected busy status %q", r.Status)
	}
}

// Eval runs code in the engine. It is used for graceful exit.
func (c *Client) Eval(ctx context.Context, code string) error {
	r, err := c.send(ctx, "Eval", map[string]string{
		"mcode": code,
		"uuid":  uuid.NewString(),
	})
	if err != nil {
		return err
	}
	if r.IsError || len(r.MessageFaults) > 0 {
		return fmt.Errorf("eval reported an error: %s", r.ResponseStr)
	}
	return nil
}
