package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oscillatelabsllc/recall/internal/config"
)

func TestClientCreation(t *testing.T) {
	client := NewClient("http://localhost:11434/", "nomic-embed-text", "", 0)

	assert.Equal(t, "http://localhost:11434", client.baseURL)
	assert.Equal(t, "nomic-embed-text", client.model)
	assert.Equal(t, 30*time.Second, client.client.Timeout)
	assert.Equal(t, "openai:nomic-embed-text", client.Name())
}

func TestClientEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, "hello", req.Input)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"embedding":[0.1,0.2,0.3]}]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-model", "secret", time.Second)
	vec, err := client.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestClientEmbedUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "m", "", time.Second)
	_, err := client.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))

	srv.Close()
	_, err = client.Embed(context.Background(), "hello")
	assert.True(t, errors.Is(err, ErrUnavailable), "connection refused is unavailability")
}

func TestLocalEmbedder(t *testing.T) {
	l := NewLocal(128)
	ctx := context.Background()

	a, err := l.Embed(ctx, "restart the web app")
	require.NoError(t, err)
	b, _ := l.Embed(ctx, "restart the web app")
	c, _ := l.Embed(ctx, "please restart my web application")
	d, _ := l.Embed(ctx, "reservation for two at noon")

	assert.Len(t, a, 128)
	assert.Equal(t, a, b, "local embeddings are deterministic")
	assert.InDelta(t, 1.0, Cosine(a, b), 1e-6)
	assert.Greater(t, Cosine(a, c), Cosine(a, d))

	empty, _ := l.Embed(ctx, "   ")
	assert.Equal(t, 0.0, Cosine(empty, a))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 2}))
}

func TestNewSelectsProvider(t *testing.T) {
	e, err := New(config.EmbeddingConfig{Provider: "local"}, 32, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "local:hashing", e.Name())

	e, err = New(config.EmbeddingConfig{Provider: "openai", BaseURL: "http://x", Model: "m"}, 32, time.Second)
	require.NoError(t, err)
	assert.IsType(t, &Client{}, e)

	_, err = New(config.EmbeddingConfig{Provider: "genai"}, 32, time.Second)
	assert.Error(t, err, "genai without key must fail")

	_, err = New(config.EmbeddingConfig{Provider: "word2vec"}, 32, time.Second)
	assert.Error(t, err)
}
