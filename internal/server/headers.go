package server

import (
	"encoding/json"
	"fmt"
	"net/textproto"
	"os"
	"strings"
)

// LoadCustomHeaders reads the custom_http_headers setting: either an inline
// JSON object or the path of a file holding one. Values must be strings.
func LoadCustomHeaders(value string) (map[string]string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	data := []byte(value)
	if !strings.HasPrefix(value, "{") {
		b, err := os.ReadFile(value)
		if err != nil {
			return nil, fmt.Errorf("failed to read custom headers: %w", err)
		}
		data = b
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("custom headers must be a JSON object of strings: %w", err)
	}
	headers := make(map[string]string, len(raw))
	for k, v := range raw {
		k = strings.TrimSpace(k)
		if k == "" {
			return nil, fmt.Errorf("custom headers: empty header name")
		}
		headers[textproto.CanonicalMIMEHeaderKey(k)] = v
	}
	return headers, nil
}
