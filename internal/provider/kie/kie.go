package kie

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jasonheron/VideoForgeBot/internal/provider"
)

// HTTPClient abstracts the Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Ensure Client implements the submitter contract.
var _ provider.Submitter = (*Client)(nil)

// Client talks to a KIE-style video generation API. Completions arrive
// later through the signed callback endpoint, not on this call.
type Client struct {
	baseURL     *url.URL
	apiKey      string
	callbackURL string
	httpClient  HTTPClient
	logger      *log.Logger
}

// New constructs a client for the given API base URL. The callback URL is
// included with every submission so the provider knows where to report.
func New(baseURL, apiKey, callbackURL string, httpClient HTTPClient) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("provider api key required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: parsed, apiKey: apiKey, callbackURL: callbackURL, httpClient: httpClient}, nil
}

// SetLogger overrides the default logger; nil keeps the current logger.
func (c *Client) SetLogger(logger *log.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

func (c *Client) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

type submitPayload struct {
	Model       string `json:"model"`
	Prompt      string `json:"prompt"`
	Image       string `json:"image,omitempty"`
	CallbackURL string `json:"callback_url"`
}

type submitResponse struct {
	GenerationID string `json:"generation_id"`
	Error        string `json:"error,omitempty"`
}

// SubmitGeneration posts the request and returns the provider job id.
func (c *Client) SubmitGeneration(ctx context.Context, req provider.Request) (string, error) {
	payload := submitPayload{
		Model:       req.Model,
		Prompt:      req.Prompt,
		Image:       req.ImageRef,
		CallbackURL: c.callbackURL,
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	rel, err := url.Parse("/v1/video/generate")
	if err != nil {
		return "", err
	}
	endpoint := c.baseURL.ResolveReference(rel)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logf("submit_generation error: %v", err)
		return "", fmt.Errorf("submit generation: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read provider response: %w", err)
	}
	var parsed submitResponse
	if resp.StatusCode >= 400 {
		if err := json.Unmarshal(data, &parsed); err == nil && strings.TrimSpace(parsed.Error) != "" {
			return "", fmt.Errorf("generation provider error: %s", parsed.Error)
		}
		return "", fmt.Errorf("generation provider error: status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decode provider response: %w", err)
	}
	if strings.TrimSpace(parsed.GenerationID) == "" {
		return "", errors.New("provider response missing generation id")
	}
	c.logf("submit_generation success model=%s generation_id=%s", req.Model, parsed.GenerationID)
	return parsed.GenerationID, nil
}
