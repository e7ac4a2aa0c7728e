package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/config"
	apperrors "github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/common/logger"
)

// Method identifies how a credential bundle authenticates with the provider.
type Method string

const (
	MethodAPIKey Method = "api_key"
	MethodOAuth  Method = "oauth"
)

// Bundle is the materialized credential handed to sandbox provisioning.
// Env is injected into the container environment and AuthFile is written
// into the Assistant's config directory inside the sandbox.
type Bundle struct {
	Method   Method
	Env      map[string]string
	AuthFile []byte
}

// Manager resolves credentials at provisioning time according to the
// configured mode. Refresh happens here, once per provisioning, never
// mid-turn.
type Manager struct {
	cfg    config.AuthConfig
	store  *Store
	logger *logger.Logger
}

// NewManager creates a credential manager over the given store.
func NewManager(cfg config.AuthConfig, store *Store, log *logger.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		store:  store,
		logger: log.WithFields(zap.String("component", "auth-manager")),
	}
}

// Bundle resolves a credential bundle for a new sandbox. The mode decides
// which credential kind is acceptable:
//
//	key   - API key only
//	oauth - OAuth tokens only
//	auto  - whichever is available, prefer_oauth breaking ties
func (m *Manager) Bundle(ctx context.Context) (*Bundle, error) {
	mode := m.cfg.CredentialMode
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "key":
		return m.keyBundle()
	case "oauth":
		return m.oauthBundle(ctx)
	case "auto":
		return m.autoBundle(ctx)
	default:
		return nil, fmt.Errorf("unknown credential mode %q", mode)
	}
}

func (m *Manager) autoBundle(ctx context.Context) (*Bundle, error) {
	rec := m.store.Load()
	hasTokens := rec != nil && rec.Tokens != nil && rec.Tokens.AccessToken != ""
	hasKey := m.resolveKey(rec) != ""

	if hasTokens && hasKey {
		if m.cfg.PreferOAuth {
			b, err := m.oauthBundle(ctx)
			if err != nil {
				m.logger.Warn("OAuth bundle failed, falling back to API key", zap.Error(err))
				return m.keyBundle()
			}
			return b, nil
		}
		b, err := m.keyBundle()
		if err != nil {
			m.logger.Warn("API key bundle failed, falling back to OAuth", zap.Error(err))
			return m.oauthBundle(ctx)
		}
		return b, nil
	}
	if hasTokens {
		return m.oauthBundle(ctx)
	}
	if hasKey {
		return m.keyBundle()
	}
	return nil, apperrors.ErrNoCredential
}

// resolveKey returns the API key from the record if present, falling back to
// the process environment.
func (m *Manager) resolveKey(rec *Record) string {
	if rec != nil && rec.APIKey != "" {
		return rec.APIKey
	}
	return os.Getenv("OPENAI_API_KEY")
}

func (m *Manager) keyBundle() (*Bundle, error) {
	key := m.resolveKey(m.store.Load())
	if key == "" {
		return nil, fmt.Errorf("%w: no API key in store or environment", apperrors.ErrNoCredential)
	}
	if m.cfg.APIKeyPrefix != "" && !strings.HasPrefix(key, m.cfg.APIKeyPrefix) {
		return nil, fmt.Errorf("%w: API key does not match expected prefix %q",
			apperrors.ErrNoCredential, m.cfg.APIKeyPrefix)
	}

	authFile, err := json.MarshalIndent(map[string]interface{}{
		"OPENAI_API_KEY": key,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to build auth file: %w", err)
	}

	return &Bundle{
		Method:   MethodAPIKey,
		Env:      map[string]string{"OPENAI_API_KEY": key},
		AuthFile: authFile,
	}, nil
}

func (m *Manager) oauthBundle(ctx context.Context) (*Bundle, error) {
	rec := m.store.Load()
	if rec == nil || rec.Tokens == nil || rec.Tokens.AccessToken == "" {
		return nil, fmt.Errorf("%w: no OAuth tokens on record", apperrors.ErrNoCredential)
	}

	guard := time.Duration(m.cfg.RefreshGuardSeconds) * time.Second
	if rec.Tokens.Expired(guard) {
		if rec.Tokens.RefreshToken == "" {
			return nil, fmt.Errorf("%w: access token expired and no refresh token", apperrors.ErrNoCredential)
		}
		refreshed, err := m.store.Refresh(ctx, rec.Tokens.RefreshToken)
		if err != nil {
			return nil, err
		}
		rec = refreshed
	}

	authFile, err := json.MarshalIndent(map[string]interface{}{
		"tokens": map[string]interface{}{
			"access_token":  rec.Tokens.AccessToken,
			"refresh_token": rec.Tokens.RefreshToken,
			"token_type":    rec.Tokens.TokenType,
			"expires_at":    rec.Tokens.ExpiresAt,
		},
		"last_refresh": rec.LastRefresh,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to build auth file: %w", err)
	}

	return &Bundle{
		Method:   MethodOAuth,
		Env:      map[string]string{},
		AuthFile: authFile,
	}, nil
}
