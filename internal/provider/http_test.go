package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var fastRetry = retryPolicy{maxRetries: 2, baseDelay: time.Millisecond}

func TestOllama_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req ollamaEmbedRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "nomic-embed-text" {
			t.Errorf("expected model nomic-embed-text, got %q", req.Model)
		}
		resp := ollamaEmbedResponse{Model: req.Model}
		for i := range req.Input {
			resp.Embeddings = append(resp.Embeddings, []float32{float32(i), 1})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	o := NewOllamaWithClient(OllamaConfig{APIBase: srv.URL + "/", Logger: testLogger()}, srv.Client())
	vecs, err := o.Embed(context.Background(), []string{"vpn", "impresora"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != 2 || vecs[1][0] != 1 {
		t.Fatalf("unexpected vectors: %v", vecs)
	}
	if o.Model() != "nomic-embed-text" || o.Name() != "ollama" {
		t.Fatalf("unexpected identity %s/%s", o.Name(), o.Model())
	}
}

func TestOllama_EmbedCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"embeddings": [[1, 2]]}`))
	}))
	defer srv.Close()

	o := NewOllamaWithClient(OllamaConfig{APIBase: srv.URL, Logger: testLogger()}, srv.Client())
	if _, err := o.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("expected error for vector count mismatch")
	}
}

func TestOllama_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "loading model", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"embeddings": [[0.5, 0.5]]}`))
	}))
	defer srv.Close()

	o := NewOllamaWithClient(OllamaConfig{APIBase: srv.URL, Logger: testLogger()}, srv.Client())
	o.retry = fastRetry
	if _, err := o.Embed(context.Background(), []string{"a"}); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected 2 requests, got %d", hits.Load())
	}
}

func TestOllama_ClientErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	o := NewOllamaWithClient(OllamaConfig{APIBase: srv.URL, Logger: testLogger()}, srv.Client())
	o.retry = fastRetry
	_, err := o.Embed(context.Background(), []string{"a"})
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected 404 error, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected a single request, got %d", hits.Load())
	}
}

func TestOllama_Healthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models": [{"name": "nomic-embed-text:latest"}, {"name": "llama3.1:8b"}]}`))
	}))
	defer srv.Close()

	ok := NewOllamaWithClient(OllamaConfig{APIBase: srv.URL, Logger: testLogger()}, srv.Client())
	if err := ok.Healthy(context.Background()); err != nil {
		t.Fatalf("expected healthy, got %v", err)
	}
	missing := NewOllamaWithClient(OllamaConfig{APIBase: srv.URL, Model: "mxbai-embed-large", Logger: testLogger()}, srv.Client())
	if err := missing.Healthy(context.Background()); err == nil {
		t.Fatal("expected error for model that is not pulled")
	}
}

func TestOpenAI_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("expected bearer token, got %q", got)
		}
		// out of order on purpose
		w.Write([]byte(`{"data": [
			{"index": 1, "embedding": [0, 1]},
			{"index": 0, "embedding": [1, 0]}
		], "usage": {"prompt_tokens": 4, "total_tokens": 4}}`))
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIConfig{APIKey: "sk-test", APIBase: srv.URL + "/v1", Client: srv.Client(), Logger: testLogger()})
	vecs, err := o.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Fatalf("expected vectors in input order, got %v", vecs)
	}
}

func TestOpenAI_HealthyUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIConfig{APIKey: "bad", APIBase: srv.URL, Client: srv.Client(), Logger: testLogger()})
	err := o.Healthy(context.Background())
	if err == nil || !strings.Contains(err.Error(), "invalid API key") {
		t.Fatalf("expected invalid key error, got %v", err)
	}
}

func TestDoWithRetry_GivesUpAfterMaxRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := doWithRetry(context.Background(), srv.Client(), fastRetry, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, srv.URL, nil)
	}, testLogger())
	if err == nil {
		t.Fatal("expected error after retries")
	}
	var re *retryableError
	if !errors.As(err, &re) || re.statusCode != http.StatusTooManyRequests {
		t.Fatalf("expected retryableError 429, got %v", err)
	}
	if hits.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits.Load())
	}
}
