// Package batchjudge provides a Go client for the batchjudge API.
//
// batchjudge evaluates a submission against a problem's test cases by
// packing them into as few judge jobs as the platform allows.
//
// Usage:
//
//	client := batchjudge.New("http://localhost:8080")
//
//	// Queue an evaluation and wait for it to finish
//	queued, err := client.Evaluations.Create(ctx, batchjudge.EvaluationRequest{
//	    Language:         "python3",
//	    SourceCode:       "def solve():\n    print(2 * int(input()))\n",
//	    TimeLimitSeconds: 1,
//	    TestCases:        []batchjudge.TestCase{{ID: "1", Input: "2", ExpectedOutput: "4"}},
//	})
//	ev, err := client.Evaluations.Wait(ctx, queued.EvaluationID, time.Second)
package batchjudge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Client is the batchjudge API client.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// Service accessors
	Evaluations *EvaluationsService
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a client. baseURL should be the root URL (e.g.
// "http://localhost:8080").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	c.Evaluations = &EvaluationsService{c: c}
	return c
}

// Health checks that the server is reachable and healthy.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	return doRequest[HealthResponse](ctx, c, http.MethodGet, "/health", nil, nil, http.StatusOK)
}

// Languages lists the languages submissions may be written in.
func (c *Client) Languages(ctx context.Context) ([]string, error) {
	out, err := doRequest[LanguagesResponse](ctx, c, http.MethodGet, "/languages", nil, nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return out.Languages, nil
}

// --- internal helpers ---

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("batchjudge: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func doRequest[T any](ctx context.Context, c *Client, method, path string, query map[string]string, body any, expectedStatuses ...int) (*T, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}

	if len(query) > 0 {
		q := req.URL.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	for _, s := range expectedStatuses {
		if resp.StatusCode == s {
			var out T
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return nil, fmt.Errorf("batchjudge: decode response: %w", err)
			}
			return &out, nil
		}
	}
	return nil, parseError(resp)
}

func parseError(resp *http.Response) *APIError {
	e := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		e.Message = body.Error
		e.Kind = body.Kind
	} else {
		e.Message = http.StatusText(resp.StatusCode)
	}
	return e
}
