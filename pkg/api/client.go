package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/psantana5/recogpool/pkg/dispatch"
	"github.com/psantana5/recogpool/pkg/models"
	"github.com/psantana5/recogpool/pkg/storage"
	"github.com/psantana5/recogpool/pkg/tracing"
)

// Client talks to a front door
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
}

// NewClient creates a client. timeout bounds a whole request, including
// the dispatch wait, so it should exceed the server's dispatch timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// NewClientWithTLS creates a client with TLS support
func NewClientWithTLS(baseURL string, timeout time.Duration, tlsConfig *tls.Config) *Client {
	c := NewClient(baseURL, timeout)
	c.httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	return c
}

// SetAPIKey sets the API key for authentication
func (c *Client) SetAPIKey(apiKey string) {
	c.apiKey = apiKey
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	tracing.InjectHTTPHeaders(ctx, req)
	return req, nil
}

// SubmitResponse is a parsed front door answer
type SubmitResponse struct {
	JobID   string
	Stem    string
	Outcome string
	Latency string
}

// SubmitFile uploads a file from disk
func (c *Client) SubmitFile(ctx context.Context, path string, timeout time.Duration) (*SubmitResponse, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return c.Submit(ctx, filepath.Base(path), data, timeout)
}

// Submit uploads payload under name and waits for the outcome. A zero
// timeout leaves the server default in place.
func (c *Client) Submit(ctx context.Context, name string, payload []byte, timeout time.Duration) (*SubmitResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(FormField, name)
	if err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}

	path := "/"
	if timeout > 0 {
		path += "?timeout=" + url.QueryEscape(timeout.String())
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to submit: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusGatewayTimeout:
		return nil, fmt.Errorf("%w: %s", dispatch.ErrDispatchTimeout, strings.TrimSpace(string(body)))
	default:
		return nil, fmt.Errorf("submit failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	stem, outcome, ok := strings.Cut(string(body), ":")
	if !ok {
		return nil, fmt.Errorf("unexpected response %q", string(body))
	}
	return &SubmitResponse{
		JobID:   resp.Header.Get("X-Job-ID"),
		Stem:    stem,
		Outcome: outcome,
		Latency: resp.Header.Get("X-Latency"),
	}, nil
}

// Result fetches a stored outcome by job id
func (c *Client) Result(ctx context.Context, jobID string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/results/"+url.PathEscape(jobID), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch result: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return string(body), nil
	case http.StatusNotFound:
		return "", fmt.Errorf("%w: %s", storage.ErrNotFound, jobID)
	default:
		return "", fmt.Errorf("result lookup failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// Pool fetches the pool snapshot
func (c *Client) Pool(ctx context.Context) (*models.PoolSnapshot, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/pool", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pool: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("pool request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var snap models.PoolSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode pool: %w", err)
	}
	return &snap, nil
}
