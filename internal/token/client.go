package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Compile-time interface check.
var _ Source = (*Client)(nil)

// ClientOption configures a [Client].
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client used for provisioning calls.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// Client is the client half of the provisioning endpoint: it fetches
// credentials from a verbly server's POST /api/token. It implements
// [Source] and is what session processes compose with a [Cache].
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a provisioning client for the server at baseURL
// (e.g. "https://api.verbly.app"). baseURL must be non-empty.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("token: baseURL must not be empty")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// mintRequest is the JSON body of POST /api/token.
type mintRequest struct {
	SubjectID              string `json:"subjectId"`
	PromptContext          string `json:"promptContext,omitempty"`
	RequestedExpiryMinutes int    `json:"requestedExpiryMinutes"`
	LockConfiguration      bool   `json:"lockConfiguration"`
}

// mintResponse is the JSON body returned by POST /api/token. Timestamps are
// ISO-8601.
type mintResponse struct {
	AccessToken        string `json:"accessToken"`
	ExpiresAt          string `json:"expiresAt"`
	NewSessionDeadline string `json:"newSessionDeadline"`
	ModelID            string `json:"modelId"`
}

// Mint requests a fresh credential from the provisioning server.
func (c *Client) Mint(ctx context.Context, req Request) (Credential, error) {
	body, err := json.Marshal(mintRequest{
		SubjectID:              req.SubjectID,
		PromptContext:          req.PromptContext,
		RequestedExpiryMinutes: req.RequestedExpiryMinutes,
		LockConfiguration:      req.LockConfiguration,
	})
	if err != nil {
		return Credential{}, fmt.Errorf("token client: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/token", bytes.NewReader(body))
	if err != nil {
		return Credential{}, fmt.Errorf("token client: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Credential{}, fmt.Errorf("token client: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Credential{}, fmt.Errorf("token client: provisioning returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var mr mintResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return Credential{}, fmt.Errorf("token client: decode response: %w", err)
	}
	return mr.credential()
}

// credential validates and converts the wire response.
func (mr mintResponse) credential() (Credential, error) {
	if mr.AccessToken == "" {
		return Credential{}, errors.New("token client: response missing accessToken")
	}
	expiresAt, err := time.Parse(time.RFC3339, mr.ExpiresAt)
	if err != nil {
		return Credential{}, fmt.Errorf("token client: parse expiresAt: %w", err)
	}
	deadline, err := time.Parse(time.RFC3339, mr.NewSessionDeadline)
	if err != nil {
		return Credential{}, fmt.Errorf("token client: parse newSessionDeadline: %w", err)
	}
	return Credential{
		AccessToken:        mr.AccessToken,
		ExpiresAt:          expiresAt,
		NewSessionDeadline: deadline,
		ModelID:            mr.ModelID,
	}, nil
}
