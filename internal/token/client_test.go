package token_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/verbly-ai/verbly/internal/token"
)

func TestClient_MintRoundTrip(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/token" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"accessToken":        "auth_tokens/abc123",
			"expiresAt":          "2026-08-25T12:30:00Z",
			"newSessionDeadline": "2026-08-25T12:02:00Z",
			"modelId":            "gemini-2.5-flash-native-audio-preview",
		})
	}))
	t.Cleanup(srv.Close)

	client, err := token.NewClient(srv.URL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	cred, err := client.Mint(context.Background(), token.Request{
		SubjectID:              "learner-7",
		PromptContext:          "B1 conversation practice",
		RequestedExpiryMinutes: 30,
		LockConfiguration:      true,
	})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	if gotBody["subjectId"] != "learner-7" {
		t.Errorf("request subjectId = %v", gotBody["subjectId"])
	}
	if gotBody["lockConfiguration"] != true {
		t.Errorf("request lockConfiguration = %v", gotBody["lockConfiguration"])
	}

	if cred.AccessToken != "auth_tokens/abc123" {
		t.Errorf("AccessToken = %q", cred.AccessToken)
	}
	wantExpiry := time.Date(2026, 8, 25, 12, 30, 0, 0, time.UTC)
	if !cred.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("ExpiresAt = %v, want %v", cred.ExpiresAt, wantExpiry)
	}
	if cred.ModelID != "gemini-2.5-flash-native-audio-preview" {
		t.Errorf("ModelID = %q", cred.ModelID)
	}
}

func TestClient_NonOKStatusSurfacesError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"quota exhausted"}`, http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	client, err := token.NewClient(srv.URL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = client.Mint(context.Background(), token.Request{SubjectID: "s1"})
	if err == nil {
		t.Fatal("Mint succeeded on 429")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("error %q does not mention status code", err)
	}
}

func TestClient_RejectsMalformedTimestamps(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"accessToken": "auth_tokens/abc",
			"expiresAt":   "not-a-timestamp",
		})
	}))
	t.Cleanup(srv.Close)

	client, err := token.NewClient(srv.URL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if _, err := client.Mint(context.Background(), token.Request{SubjectID: "s1"}); err == nil {
		t.Fatal("Mint accepted malformed expiresAt")
	}
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	t.Parallel()

	if _, err := token.NewClient(""); err == nil {
		t.Fatal("NewClient accepted empty baseURL")
	}
}
