package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// fakeEngine answers the control protocol. responses maps message name to
// the JSON object returned inside "<name>Response".
func fakeEngine(t *testing.T, apiKey string, responses map[string]string) (*httptest.Server, func() []string) {
	t.Helper()
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != MessageServicePath || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get(APIKeyHeader) != apiKey {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Messages map[string][]json.RawMessage `json:"messages"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for name, payload := range req.Messages {
			mu.Lock()
			seen = append(seen, name+":"+string(payload[0]))
			mu.Unlock()
			resp, ok := responses[name]
			if !ok {
				http.Error(w, "unknown", http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"messages":{"`+name+`Response":[`+resp+`]}}`)
			return
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), seen...)
	}
}

func TestClientPing(t *testing.T) {
	srv, _ := fakeEngine(t, "key", map[string]string{"Ping": `{"messageFaults":[]}`})

	c := NewClient(srv.URL, "key", nil)
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}

	bad := NewClient(srv.URL, "wrong", nil)
	if err := bad.Ping(context.Background()); err == nil {
		t.Error("Ping() with wrong key should fail")
	}
}

func TestClientPingFault(t *testing.T) {
	srv, _ := fakeEngine(t, "key", map[string]string{"Ping": `{"messageFaults":[{"message":"not ready"}]}`})
	if err := NewClient(srv.URL, "key", nil).Ping(context.Background()); err == nil {
		t.Error("Ping() should surface message faults")
	}
}

func TestClientBusyStatus(t *testing.T) {
	tests := []struct {
		resp    string
		want    BusyStatus
		wantErr bool
	}{
		{`{"isError":false,"status":"busy"}`, BusyBusy, false},
		{`{"isError":false,"status":"Idle"}`, BusyIdle, false},
		{`{"isError":true}`, BusyUnknown, true},
		{`{"status":"thinking"}`, BusyUnknown, true},
	}
	for _, tt := range tests {
		srv, _ := fakeEngine(t, "k", map[string]string{"GetMatlabStatus": tt.resp})
		got, err := NewClient(srv.URL, "k", nil).BusyStatus(context.Background())
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("BusyStatus(%s) = %q, %v; want %q, err=%v", tt.resp, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestClientEvalSendsCodeAndUUID(t *testing.T) {
	srv, seen := fakeEngine(t, "k", map[string]string{"Eval": `{"isError":false}`})
	if err := NewClient(srv.URL, "k", nil).Eval(context.Background(), "exit"); err != nil {
		t.Fatalf("Eval() error: %v", err)
	}
	calls := seen()
	if len(calls) != 1 {
		t.Fatalf("seen = %v", calls)
	}

	var payload map[string]string
	raw := calls[0][len("Eval:"):]
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if payload["mcode"] != "exit" || payload["uuid"] == "" {
		t.Errorf("payload = %v", payload)
	}
}

func TestClientMissingResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"messages":{}}`)
	}))
	defer srv.Close()

	if err := NewClient(srv.URL, "", nil).Ping(context.Background()); err == nil {
		t.Error("Ping() should fail when the response array is missing")
	}
}
