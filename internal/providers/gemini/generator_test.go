package gemini

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/outreach/pkg/schema"
)

func fakeGemini(t *testing.T, status int, body string) (*httptest.Server, *atomic.Value) {
	t.Helper()
	var lastKey atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastKey.Store(r.Header.Get("x-goog-api-key"))
		raw, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(raw), "Write a short intro")
		assert.True(t, strings.HasSuffix(r.URL.Path, ":generateContent"), r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &lastKey
}

func TestGenerate_ReturnsCandidateText(t *testing.T) {
	srv, lastKey := fakeGemini(t, http.StatusOK,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hello Cafe Luna!"}]}}]}`)

	g := New(Config{APIKey: "default-key", BaseURL: srv.URL})
	text, err := g.Generate(context.Background(), "Write a short intro for Cafe Luna", "user-key")
	require.NoError(t, err)
	assert.Equal(t, "Hello Cafe Luna!", text)
	assert.Equal(t, "user-key", lastKey.Load())

	_, err = g.Generate(context.Background(), "Write a short intro", "")
	require.NoError(t, err)
	assert.Equal(t, "default-key", lastKey.Load())
	assert.Len(t, g.clients, 2)
}

func TestGenerate_RateLimitIsTransient(t *testing.T) {
	srv, _ := fakeGemini(t, http.StatusTooManyRequests,
		`{"error":{"code":429,"message":"Resource has been exhausted (e.g. check quota).","status":"RESOURCE_EXHAUSTED"}}`)

	_, err := New(Config{APIKey: "k", BaseURL: srv.URL}).Generate(context.Background(), "Write a short intro", "")
	require.Error(t, err)
	assert.True(t, schema.IsTransient(err))
	assert.Contains(t, schema.UserMessage(err), "Resource has been exhausted")
}

func TestGenerate_BadKeyIsPermanent(t *testing.T) {
	srv, _ := fakeGemini(t, http.StatusForbidden,
		`{"error":{"code":403,"message":"API key not valid.","status":"PERMISSION_DENIED"}}`)

	_, err := New(Config{APIKey: "k", BaseURL: srv.URL}).Generate(context.Background(), "Write a short intro", "")
	assert.True(t, schema.HasCode(err, schema.ErrCodePermanent))
}

func TestGenerate_NoCandidates(t *testing.T) {
	srv, _ := fakeGemini(t, http.StatusOK, `{"candidates":[]}`)

	_, err := New(Config{APIKey: "k", BaseURL: srv.URL}).Generate(context.Background(), "Write a short intro", "")
	assert.True(t, schema.HasCode(err, schema.ErrCodePermanent))
}

func TestGenerate_NoKey(t *testing.T) {
	_, err := New(Config{}).Generate(context.Background(), "Write a short intro", "")
	assert.True(t, schema.HasCode(err, schema.ErrCodePermanent))
}

func TestGenerate_EmptyPrompt(t *testing.T) {
	_, err := New(Config{APIKey: "k"}).Generate(context.Background(), "  ", "")
	assert.True(t, schema.IsValidation(err))
}
