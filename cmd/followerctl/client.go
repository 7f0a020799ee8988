package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// envelope mirrors the server's tagged response.
type envelope struct {
	Success      bool            `json:"success"`
	Data         json.RawMessage `json:"data"`
	Pagination   map[string]int  `json:"pagination"`
	Error        string          `json:"error"`
	ErrorKind    string          `json:"errorKind"`
	ErrorMessage string          `json:"errorMessage"`
	Field        string          `json:"field"`
}

type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAPIClient(baseURL string, timeout time.Duration) *apiClient {
	return &apiClient{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*envelope, error) {
	var bodyReader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		bodyReader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("server returned %d with an unreadable body: %w", resp.StatusCode, err)
	}
	if !env.Success {
		return &env, apiError(env)
	}
	return &env, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*envelope, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*envelope, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func apiError(env envelope) error {
	if env.Field != "" {
		return fmt.Errorf("%s (%s, field %s): %s", env.Error, env.ErrorKind, env.Field, env.ErrorMessage)
	}
	return fmt.Errorf("%s (%s): %s", env.Error, env.ErrorKind, env.ErrorMessage)
}
