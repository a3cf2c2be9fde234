// Package token provisions, caches, and serves the short-lived credentials
// used to open realtime dialogue sessions. The client side ([Cache] over a
// [Client]) keeps one valid credential warm per process; the server side
// ([Handler] over an [UpstreamMinter]) mints ephemeral tokens against the
// vendor's v1alpha auth-token endpoint and hands them to browsers.
package token

import (
	"context"
	"time"
)

// RefreshBuffer is how much remaining validity a cached credential must have
// to be served without a fresh mint. Below this, the next request triggers a
// replacement.
const RefreshBuffer = 5 * time.Minute

// Credential is a short-lived access credential for the dialogue service.
// Values are immutable: the cache replaces credentials, never mutates them.
type Credential struct {
	// AccessToken is presented in place of a long-lived API key when
	// dialing the dialogue service.
	AccessToken string

	// ExpiresAt is when the token stops being accepted entirely.
	ExpiresAt time.Time

	// NewSessionDeadline is the earlier cutoff after which the token can
	// no longer open brand-new sessions (resumption reconnects are still
	// allowed until ExpiresAt).
	NewSessionDeadline time.Time

	// ModelID is the model the token is locked to, if any.
	ModelID string
}

// Remaining returns the validity left at now.
func (c Credential) Remaining(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

// Request carries the parameters for minting a credential.
type Request struct {
	// SubjectID identifies the learner the credential is issued for.
	SubjectID string

	// PromptContext is an optional system prompt locked into the token so
	// the browser cannot alter the tutoring persona.
	PromptContext string

	// RequestedExpiryMinutes is the desired token lifetime. Minters clamp
	// this to the vendor maximum.
	RequestedExpiryMinutes int

	// LockConfiguration pins the token to a fixed model and live-session
	// configuration.
	LockConfiguration bool
}

// Source mints credentials. Implementations do not retry; callers that want
// fail-fast behavior under a broken upstream wrap a Source with [Guarded].
type Source interface {
	Mint(ctx context.Context, req Request) (Credential, error)
}
