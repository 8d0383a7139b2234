package kie

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"testing"

	"github.com/jasonheron/VideoForgeBot/internal/provider"
)

type stubHTTPClient struct {
	handler func(*http.Request) (*http.Response, error)
}

func (s *stubHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return s.handler(req)
}

func TestSubmitGeneration(t *testing.T) {
	stub := &stubHTTPClient{
		handler: func(req *http.Request) (*http.Response, error) {
			if req.Method != http.MethodPost || req.URL.Path != "/v1/video/generate" {
				t.Fatalf("unexpected request: %s %s", req.Method, req.URL.Path)
			}
			if got := req.Header.Get("Authorization"); got != "Bearer key-123" {
				t.Fatalf("unexpected auth header %q", got)
			}
			var payload map[string]string
			if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
				t.Fatalf("decode request body: %v", err)
			}
			if payload["model"] != "veo3_fast" || payload["prompt"] != "a fox" {
				t.Fatalf("unexpected payload %v", payload)
			}
			if payload["callback_url"] != "https://forge.example.com/cb" {
				t.Fatalf("callback url missing from payload: %v", payload)
			}
			body := io.NopCloser(strings.NewReader(`{"generation_id":"gen-42"}`))
			return &http.Response{StatusCode: http.StatusOK, Body: body, Header: make(http.Header)}, nil
		},
	}

	client, err := New("https://api.example.com", "key-123", "https://forge.example.com/cb", stub)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client.SetLogger(log.New(io.Discard, "", 0))

	id, err := client.SubmitGeneration(context.Background(), provider.Request{
		AccountID: "u1", Model: "veo3_fast", Prompt: "a fox",
	})
	if err != nil {
		t.Fatalf("SubmitGeneration: %v", err)
	}
	if id != "gen-42" {
		t.Fatalf("unexpected generation id %q", id)
	}
}

func TestSubmitGenerationProviderError(t *testing.T) {
	stub := &stubHTTPClient{
		handler: func(req *http.Request) (*http.Response, error) {
			body := io.NopCloser(strings.NewReader(`{"error":"model unavailable"}`))
			return &http.Response{StatusCode: http.StatusServiceUnavailable, Body: body, Header: make(http.Header)}, nil
		},
	}

	client, err := New("https://api.example.com", "key-123", "", stub)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client.SetLogger(log.New(io.Discard, "", 0))

	_, err = client.SubmitGeneration(context.Background(), provider.Request{Model: "veo3_fast", Prompt: "a fox"})
	if err == nil || !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("expected provider error message, got %v", err)
	}
}

type failingBody struct{}

func (failingBody) Read([]byte) (int, error) { return 0, errors.New("connection reset") }
func (failingBody) Close() error             { return nil }

func TestSubmitGenerationBodyReadError(t *testing.T) {
	stub := &stubHTTPClient{
		handler: func(req *http.Request) (*http.Response, error) {
			return &http.Response{StatusCode: http.StatusOK, Body: failingBody{}, Header: make(http.Header)}, nil
		},
	}

	client, err := New("https://api.example.com", "key-123", "", stub)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client.SetLogger(log.New(io.Discard, "", 0))

	_, err = client.SubmitGeneration(context.Background(), provider.Request{Model: "veo3_fast", Prompt: "a fox"})
	if err == nil || !strings.Contains(err.Error(), "read provider response") {
		t.Fatalf("expected body read error, got %v", err)
	}
}

func TestSubmitGenerationMissingID(t *testing.T) {
	stub := &stubHTTPClient{
		handler: func(req *http.Request) (*http.Response, error) {
			body := io.NopCloser(strings.NewReader(`{}`))
			return &http.Response{StatusCode: http.StatusOK, Body: body, Header: make(http.Header)}, nil
		},
	}

	client, err := New("https://api.example.com", "key-123", "", stub)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client.SetLogger(log.New(io.Discard, "", 0))

	if _, err := client.SubmitGeneration(context.Background(), provider.Request{Model: "veo3_fast", Prompt: "a fox"}); err == nil {
		t.Fatalf("expected error for missing generation id")
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New("https://api.example.com", "", "", nil); err == nil {
		t.Fatalf("expected error for empty api key")
	}
}
