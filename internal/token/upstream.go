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
var _ Source = (*UpstreamMinter)(nil)

const (
	defaultUpstreamBaseURL = "https://generativelanguage.googleapis.com"
	defaultModel           = "gemini-2.5-flash-native-audio-preview"
	defaultVoice           = "Aoede"

	// maxExpiryMinutes is the vendor's hard cap on ephemeral token
	// lifetime; requests above it are clamped.
	maxExpiryMinutes = 30

	// newSessionWindow is how long after minting the token may open a
	// brand-new session. Resumption reconnects remain valid until the
	// token itself expires.
	newSessionWindow = 2 * time.Minute

	// tokenUses allows several reconnects on one token so a session can
	// resume across brief network loss without a provisioning round trip.
	tokenUses = 10
)

// UpstreamOption configures an [UpstreamMinter].
type UpstreamOption func(*UpstreamMinter)

// WithUpstreamBaseURL overrides the vendor API base URL. Primarily used in
// tests to point at a local mock server.
func WithUpstreamBaseURL(url string) UpstreamOption {
	return func(m *UpstreamMinter) { m.baseURL = strings.TrimRight(url, "/") }
}

// WithModel sets the model locked into minted tokens.
func WithModel(model string) UpstreamOption {
	return func(m *UpstreamMinter) { m.model = model }
}

// WithVoice sets the prebuilt voice locked into minted tokens.
func WithVoice(voice string) UpstreamOption {
	return func(m *UpstreamMinter) { m.voice = voice }
}

// WithUpstreamHTTPClient overrides the HTTP client used for vendor calls.
func WithUpstreamHTTPClient(hc *http.Client) UpstreamOption {
	return func(m *UpstreamMinter) { m.httpClient = hc }
}

// UpstreamMinter mints ephemeral credentials against the vendor's v1alpha
// auth-token endpoint. It is the server-side [Source]: the long-lived API
// key stays here and only short-lived tokens ever reach a browser.
type UpstreamMinter struct {
	apiKey     string
	model      string
	voice      string
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

// NewUpstreamMinter creates an UpstreamMinter. apiKey must be non-empty.
func NewUpstreamMinter(apiKey string, opts ...UpstreamOption) (*UpstreamMinter, error) {
	if apiKey == "" {
		return nil, errors.New("token: upstream apiKey must not be empty")
	}
	m := &UpstreamMinter{
		apiKey:     apiKey,
		model:      defaultModel,
		voice:      defaultVoice,
		baseURL:    defaultUpstreamBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// ── Vendor wire types ─────────────────────────────────────────────────────────

type authTokenRequest struct {
	Uses                 int                    `json:"uses"`
	ExpireTime           string                 `json:"expireTime"`
	NewSessionExpireTime string                 `json:"newSessionExpireTime"`
	LiveConstraints      *liveConnectConstraint `json:"liveConnectConstraints,omitempty"`
}

type liveConnectConstraint struct {
	Model  string         `json:"model"`
	Config map[string]any `json:"config"`
}

type authTokenResponse struct {
	Name string `json:"name"`
}

// Mint creates an ephemeral token. The requested expiry is clamped to the
// vendor maximum; a locked configuration pins the model, voice, resumption,
// context-window compression, and the tutoring system prompt so the browser
// cannot change them.
func (m *UpstreamMinter) Mint(ctx context.Context, req Request) (Credential, error) {
	now := m.now().UTC()

	expiryMinutes := req.RequestedExpiryMinutes
	if expiryMinutes <= 0 || expiryMinutes > maxExpiryMinutes {
		expiryMinutes = maxExpiryMinutes
	}
	expiresAt := now.Add(time.Duration(expiryMinutes) * time.Minute)
	newSessionDeadline := now.Add(newSessionWindow)

	wireReq := authTokenRequest{
		Uses:                 tokenUses,
		ExpireTime:           expiresAt.Format(time.RFC3339),
		NewSessionExpireTime: newSessionDeadline.Format(time.RFC3339),
	}
	if req.LockConfiguration {
		wireReq.LiveConstraints = &liveConnectConstraint{
			Model:  m.model,
			Config: m.lockedLiveConfig(req.PromptContext),
		}
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return Credential{}, fmt.Errorf("token upstream: marshal: %w", err)
	}

	url := fmt.Sprintf("%s/v1alpha/auth_tokens?key=%s", m.baseURL, m.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Credential{}, fmt.Errorf("token upstream: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return Credential{}, fmt.Errorf("token upstream: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Credential{}, fmt.Errorf("token upstream: vendor returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var wireResp authTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&wireResp); err != nil {
		return Credential{}, fmt.Errorf("token upstream: decode response: %w", err)
	}
	if wireResp.Name == "" {
		return Credential{}, errors.New("token upstream: response missing token name")
	}

	return Credential{
		AccessToken:        wireResp.Name,
		ExpiresAt:          expiresAt,
		NewSessionDeadline: newSessionDeadline,
		ModelID:            m.model,
	}, nil
}

// lockedLiveConfig is the live-session configuration pinned into locked
// tokens: audio-only responses, resumption enabled, sliding-window context
// compression, and high-sensitivity voice activity detection tuned for
// language learners who pause mid-sentence.
func (m *UpstreamMinter) lockedLiveConfig(systemPrompt string) map[string]any {
	cfg := map[string]any{
		"responseModalities": []string{"AUDIO"},
		"sessionResumption":  map[string]any{},
		"contextWindowCompression": map[string]any{
			"slidingWindow": map[string]any{},
		},
		"realtimeInputConfig": map[string]any{
			"automaticActivityDetection": map[string]any{
				"disabled":                 false,
				"startOfSpeechSensitivity": "START_SENSITIVITY_HIGH",
				"endOfSpeechSensitivity":   "END_SENSITIVITY_HIGH",
				"prefixPaddingMs":          200,
				"silenceDurationMs":        500,
			},
		},
		"speechConfig": map[string]any{
			"voiceConfig": map[string]any{
				"prebuiltVoiceConfig": map[string]any{"voiceName": m.voice},
			},
		},
		"enableAffectiveDialog": true,
	}
	if systemPrompt != "" {
		cfg["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": systemPrompt}},
		}
	}
	return cfg
}
