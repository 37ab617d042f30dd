package tool

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTool_GET(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Bearer x", r.Header.Get("Authorization"))
		w.Header().Set("X-Test", "yes")
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	out, err := NewHTTPTool(nil).Call(context.Background(), map[string]any{
		"url":     srv.URL,
		"headers": map[string]any{"Authorization": "Bearer x"},
	})
	require.NoError(t, err)
	assert.Equal(t, 200, out["status_code"])
	assert.Equal(t, `{"ok":true}`, out["body"])
	assert.Equal(t, false, out["truncated"])
	assert.Equal(t, "yes", out["headers"].(map[string]any)["X-Test"])
}

func TestHTTPTool_POST(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		data, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	out, err := NewHTTPTool(srv.Client()).Call(context.Background(), map[string]any{
		"url": srv.URL, "method": "post", "body": "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, out["status_code"])
	assert.Equal(t, "hello", out["body"])
}

func TestHTTPTool_TruncatesLargeBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("x", 100))
	}))
	defer srv.Close()

	h := NewHTTPTool(nil)
	h.maxBody = 10
	out, err := h.Call(context.Background(), map[string]any{"url": srv.URL})
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 10), out["body"])
	assert.Equal(t, true, out["truncated"])
}

func TestHTTPTool_InvalidInput(t *testing.T) {
	h := NewHTTPTool(nil)
	tests := []struct {
		name  string
		input map[string]any
		want  string
	}{
		{"missing url", map[string]any{}, "url parameter required"},
		{"bad method", map[string]any{"url": "http://x", "method": "DELETE"}, "unsupported HTTP method"},
		{"bad url", map[string]any{"url": "::"}, "failed to create request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Call(context.Background(), tt.input)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
