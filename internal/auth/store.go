package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/logger"
)

// Store persists the credential record on disk with restrictive permissions.
// Writes go through a sibling temp file and an atomic rename so a crash never
// leaves a torn record behind.
type Store struct {
	path   string
	guard  time.Duration
	oauth  *OAuthClient
	logger *logger.Logger
}

// NewStore creates a credential store backed by the given file path.
// The OAuth client may be nil when token refresh is not needed (tests, key-only
// deployments).
func NewStore(path string, guard time.Duration, oauth *OAuthClient, log *logger.Logger) *Store {
	return &Store{
		path:   path,
		guard:  guard,
		oauth:  oauth,
		logger: log.WithFields(zap.String("component", "credential-store")),
	}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the credential record. IO errors and parse errors both yield
// "no record": the first silently (the file may simply not exist yet), the
// second with a warning.
func (s *Store) Load() *Record {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read credential file", zap.Error(err))
		}
		return nil
	}

	rec, err := parseRecord(data)
	if err != nil {
		s.logger.Warn("credential file is corrupted, treating as absent", zap.Error(err))
		return nil
	}
	if !rec.Usable() {
		return nil
	}
	return rec
}

// Save writes the record atomically with 0600 permissions.
func (s *Store) Save(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credential record: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp credential file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write credential record: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		cleanup()
		return fmt.Errorf("failed to set credential file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp credential file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to save credential record: %w", err)
	}

	s.logger.Debug("credential record saved", zap.String("path", s.path))
	return nil
}

// Valid reports whether a usable record exists and, for OAuth, whether the
// access token is outside the guard window.
func (s *Store) Valid() bool {
	rec := s.Load()
	if rec == nil {
		return false
	}
	if rec.Tokens != nil {
		return !rec.Tokens.Expired(s.guard)
	}
	return rec.APIKey != ""
}

// Refresh exchanges the refresh token for new tokens and persists the new
// record atomically. On failure the old record remains untouched and the
// caller must treat the session as unauthenticated.
func (s *Store) Refresh(ctx context.Context, refreshToken string) (*Record, error) {
	if s.oauth == nil {
		return nil, fmt.Errorf("oauth client not configured")
	}

	tokens, err := s.oauth.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	// Carry the refresh token forward if the server omitted it
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}

	now := time.Now().Unix()
	rec := &Record{
		Tokens:      tokens,
		LastRefresh: &now,
	}
	if err := s.Save(rec); err != nil {
		return nil, err
	}

	s.logger.Info("credential record refreshed",
		zap.Int64("expires_at", tokens.ExpiresAt))
	return rec, nil
}

// Revoke best-effort revokes the current tokens upstream, then deletes the
// local file regardless of the remote outcome.
func (s *Store) Revoke(ctx context.Context) error {
	rec := s.Load()
	if rec != nil && rec.Tokens != nil && s.oauth != nil {
		if err := s.oauth.Revoke(ctx, rec.Tokens.AccessToken); err != nil {
			s.logger.Warn("failed to revoke access token", zap.Error(err))
		}
		if rec.Tokens.RefreshToken != "" {
			if err := s.oauth.Revoke(ctx, rec.Tokens.RefreshToken); err != nil {
				s.logger.Warn("failed to revoke refresh token", zap.Error(err))
			}
		}
	}

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete credential file: %w", err)
	}

	s.logger.Info("credential record deleted")
	return nil
}
