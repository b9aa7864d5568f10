package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPClient runs queries on a remote engine over its JSON API.
//
// The engine accepts POST {baseURL}/query with {"query", "timeout_ms"} and
// answers 200 with {"columns", "rows"}; any other status is a failure whose
// body carries {"error"} or {"message"}.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient creates a client. apiKey is sent as a bearer token when set.
// Outgoing requests are traced with otelhttp.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	if baseURL == "" {
		baseURL = "http://localhost:8123"
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		// No client timeout: each call is bounded by QueryOptions.Timeout.
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

type queryRequest struct {
	Query     string `json:"query"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

type queryResponse struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Query sends text to the engine. The engine receives the caller's timeout so
// it can stop work on its side too.
func (c *HTTPClient) Query(ctx context.Context, text string, opts QueryOptions) (Result, error) {
	reqBody, err := json.Marshal(queryRequest{Query: text, TimeoutMs: opts.Timeout.Milliseconds()})
	if err != nil {
		return Result{}, fmt.Errorf("engine: marshal request: %w", err)
	}

	callCtx, cancel := withTimeout(ctx, opts)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(reqBody))
	if err != nil {
		return Result{}, fmt.Errorf("engine: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, timeoutFrom(callCtx, opts, fmt.Errorf("engine: send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, &Error{StatusCode: resp.StatusCode, Message: errorMessage(body, resp.Status)}
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var out queryResponse
	if err := dec.Decode(&out); err != nil {
		return Result{}, timeoutFrom(callCtx, opts, fmt.Errorf("engine: decode response: %w", err))
	}
	if out.Columns == nil {
		out.Columns = []string{}
	}
	if out.Rows == nil {
		out.Rows = [][]any{}
	}
	return Result{Columns: out.Columns, Rows: out.Rows}, nil
}

// errorMessage extracts the engine's message from an error body.
func errorMessage(body []byte, status string) string {
	var er errorResponse
	if json.Unmarshal(body, &er) == nil {
		if er.Error != "" {
			return er.Error
		}
		if er.Message != "" {
			return er.Message
		}
	}
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return msg
	}
	return status
}
