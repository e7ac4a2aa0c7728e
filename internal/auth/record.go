// Package auth manages broker credentials: the on-disk credential record,
// OAuth token refresh, and per-session credential bundles injected into
// sandboxes.
package auth

import (
	"encoding/json"
	"fmt"
	"time"
)

// TokenSet holds OAuth tokens for the upstream Assistant provider.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresAt    int64  `json:"expires_at"` // epoch seconds
	Scope        string `json:"scope,omitempty"`
	CreatedAt    int64  `json:"created_at"` // epoch seconds
}

// Expired reports whether the access token is inside the guard window.
func (t *TokenSet) Expired(guard time.Duration) bool {
	return time.Now().Add(guard).Unix() >= t.ExpiresAt
}

// Record is the persisted credential record. Exactly one of APIKey or Tokens
// is populated for a usable record. The JSON field names match the auth file
// format the sandbox bridge consumes.
type Record struct {
	APIKey      string    `json:"OPENAI_API_KEY,omitempty"`
	Tokens      *TokenSet `json:"tokens"`
	LastRefresh *int64    `json:"last_refresh"`
}

// Usable reports whether the record carries exactly one credential kind.
func (r *Record) Usable() bool {
	if r == nil {
		return false
	}
	hasKey := r.APIKey != ""
	hasTokens := r.Tokens != nil && r.Tokens.AccessToken != ""
	return hasKey != hasTokens
}

// legacyRecord is the flat on-disk shape written by earlier releases: token
// fields at the top level instead of nested under "tokens".
type legacyRecord struct {
	APIKey       string `json:"OPENAI_API_KEY"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresAt    int64  `json:"expires_at"`
	LastRefresh  *int64 `json:"last_refresh"`
}

// parseRecord decodes a credential record, tolerating both the nested and the
// legacy flat shape.
func parseRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse credential record: %w", err)
	}
	if rec.Tokens != nil || rec.APIKey != "" {
		return &rec, nil
	}

	// Fall back to the legacy flat shape
	var legacy legacyRecord
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("failed to parse credential record: %w", err)
	}
	if legacy.AccessToken == "" && legacy.APIKey == "" {
		return &rec, nil // parsed but empty
	}

	out := &Record{
		APIKey:      legacy.APIKey,
		LastRefresh: legacy.LastRefresh,
	}
	if legacy.AccessToken != "" {
		out.Tokens = &TokenSet{
			AccessToken:  legacy.AccessToken,
			RefreshToken: legacy.RefreshToken,
			TokenType:    legacy.TokenType,
			ExpiresAt:    legacy.ExpiresAt,
		}
	}
	return out, nil
}
