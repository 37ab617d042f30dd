package tool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultMaxBodyBytes caps the response body HTTPTool returns to the model.
const DefaultMaxBodyBytes = 64 << 10

// HTTPTool lets a model issue GET and POST requests.
//
// Input: url (required), method ("GET" or "POST", default GET), headers
// (object of strings), body (string). Output: status_code, headers, body and
// truncated, set when the body exceeded the size cap.
type HTTPTool struct {
	client  *http.Client
	maxBody int64
}

// NewHTTPTool creates the tool. A nil client means http.DefaultClient; the
// request deadline comes from the node's context.
func NewHTTPTool(client *http.Client) *HTTPTool {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTool{client: client, maxBody: DefaultMaxBodyBytes}
}

// Name implements Tool.
func (h *HTTPTool) Name() string { return "http_request" }

// Description implements Tool.
func (h *HTTPTool) Description() string {
	return "Send an HTTP GET or POST request and return the status, headers and body."
}

// Schema implements Tool.
func (h *HTTPTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url":     map[string]any{"type": "string", "description": "absolute URL"},
			"method":  map[string]any{"type": "string", "enum": []string{"GET", "POST"}},
			"headers": map[string]any{"type": "object"},
			"body":    map[string]any{"type": "string"},
		},
		"required": []string{"url"},
	}
}

// Call implements Tool.
func (h *HTTPTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	url, ok := input["url"].(string)
	if !ok || url == "" {
		return nil, fmt.Errorf("url parameter required (string)")
	}
	method := http.MethodGet
	if m, ok := input["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if method != http.MethodGet && method != http.MethodPost {
		return nil, fmt.Errorf("unsupported HTTP method: %s (supported: GET, POST)", method)
	}

	var body io.Reader
	if s, ok := input["body"].(string); ok && s != "" {
		body = bytes.NewBufferString(s)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if headers, ok := input["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	truncated := int64(len(data)) > h.maxBody
	if truncated {
		data = data[:h.maxBody]
	}

	headers := make(map[string]any, len(resp.Header))
	for k, v := range resp.Header {
		headers[k] = strings.Join(v, ", ")
	}
	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        string(data),
		"truncated":   truncated,
	}, nil
}
