package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/coderelay/coderelay/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func newTestStore(t *testing.T, oauth *OAuthClient) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.json")
	return NewStore(path, 5*time.Minute, oauth, newTestLogger(t))
}

func TestStore_Load_MissingFile(t *testing.T) {
	s := newTestStore(t, nil)
	if rec := s.Load(); rec != nil {
		t.Errorf("expected nil record for missing file, got %+v", rec)
	}
}

func TestStore_Load_CorruptedFile(t *testing.T) {
	s := newTestStore(t, nil)
	if err := os.WriteFile(s.Path(), []byte("{not json"), 0600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec := s.Load(); rec != nil {
		t.Errorf("expected nil record for corrupted file, got %+v", rec)
	}
}

func TestStore_SaveLoad_RoundTrip(t *testing.T) {
	s := newTestStore(t, nil)
	now := time.Now().Unix()
	rec := &Record{
		Tokens: &TokenSet{
			AccessToken:  "at-1",
			RefreshToken: "rt-1",
			TokenType:    "Bearer",
			ExpiresAt:    now + 3600,
			CreatedAt:    now,
		},
		LastRefresh: &now,
	}
	if err := s.Save(rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := s.Load()
	if got == nil {
		t.Fatal("expected record after save")
	}
	if got.Tokens.AccessToken != "at-1" || got.Tokens.RefreshToken != "rt-1" {
		t.Errorf("unexpected tokens: %+v", got.Tokens)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(s.Path())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if info.Mode().Perm() != 0600 {
			t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
		}
	}
}

func TestStore_Load_LegacyFlatShape(t *testing.T) {
	s := newTestStore(t, nil)
	legacy := map[string]interface{}{
		"access_token":  "at-legacy",
		"refresh_token": "rt-legacy",
		"token_type":    "Bearer",
		"expires_at":    time.Now().Unix() + 3600,
	}
	data, _ := json.Marshal(legacy)
	if err := os.WriteFile(s.Path(), data, 0600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := s.Load()
	if rec == nil || rec.Tokens == nil {
		t.Fatal("expected legacy record to parse into nested shape")
	}
	if rec.Tokens.AccessToken != "at-legacy" {
		t.Errorf("unexpected access token: %q", rec.Tokens.AccessToken)
	}
}

func TestStore_Valid_GuardWindow(t *testing.T) {
	s := newTestStore(t, nil)
	now := time.Now().Unix()

	// Token expires inside the 5m guard window
	rec := &Record{Tokens: &TokenSet{AccessToken: "at", ExpiresAt: now + 60}}
	if err := s.Save(rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Valid() {
		t.Error("expected token inside guard window to be invalid")
	}

	rec = &Record{Tokens: &TokenSet{AccessToken: "at", ExpiresAt: now + 3600}}
	if err := s.Save(rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.Valid() {
		t.Error("expected token outside guard window to be valid")
	}
}

func TestStore_Refresh_CarriesRefreshTokenForward(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse form: %v", err)
		}
		if r.Form.Get("grant_type") != "refresh_token" {
			t.Errorf("unexpected grant_type: %q", r.Form.Get("grant_type"))
		}
		// Omit refresh_token from the response on purpose
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "at-new",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	oauth := NewOAuthClient(srv.URL, "", "client-1", 1455, srv.Client(), newTestLogger(t))
	s := newTestStore(t, oauth)

	rec, err := s.Refresh(context.Background(), "rt-old")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Tokens.AccessToken != "at-new" {
		t.Errorf("unexpected access token: %q", rec.Tokens.AccessToken)
	}
	if rec.Tokens.RefreshToken != "rt-old" {
		t.Errorf("expected refresh token carried forward, got %q", rec.Tokens.RefreshToken)
	}

	// The new record must be on disk
	if got := s.Load(); got == nil || got.Tokens.AccessToken != "at-new" {
		t.Error("expected refreshed record to be persisted")
	}
}

func TestStore_Refresh_SendsCallbackRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse form: %v", err)
		}
		if got := r.Form.Get("redirect_uri"); got != "http://localhost:1455/auth/callback" {
			t.Errorf("unexpected redirect_uri: %q", got)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "at-new",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	oauth := NewOAuthClient(srv.URL, "", "client-1", 1455, srv.Client(), newTestLogger(t))
	s := newTestStore(t, oauth)

	if _, err := s.Refresh(context.Background(), "rt-old"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStore_Refresh_FailureLeavesRecordUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	oauth := NewOAuthClient(srv.URL, "", "client-1", 1455, srv.Client(), newTestLogger(t))
	s := newTestStore(t, oauth)

	old := &Record{Tokens: &TokenSet{AccessToken: "at-old", RefreshToken: "rt-old", ExpiresAt: time.Now().Unix() + 10}}
	if err := s.Save(old); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := s.Refresh(context.Background(), "rt-old"); err == nil {
		t.Fatal("expected refresh error")
	}

	got := s.Load()
	if got == nil || got.Tokens.AccessToken != "at-old" {
		t.Error("expected old record to survive a failed refresh")
	}
}

func TestStore_Revoke_DeletesLocalRecordEvenIfRemoteFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	oauth := NewOAuthClient("", srv.URL, "client-1", 1455, srv.Client(), newTestLogger(t))
	s := newTestStore(t, oauth)

	rec := &Record{Tokens: &TokenSet{AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Unix() + 3600}}
	if err := s.Save(rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := s.Revoke(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Error("expected credential file to be deleted")
	}
}

func TestStore_Revoke_NoRecordIsNoop(t *testing.T) {
	s := newTestStore(t, nil)
	if err := s.Revoke(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
