// Package xiaomi is a client for the Xiaomi account service and the MiNA
// speaker API.
package xiaomi

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/palemoky/xiaomi-speaker/internal/logger"
)

// Token is the persisted login state. Service tokens are stored per service
// id as [ssecurity, serviceToken].
type Token struct {
	DeviceID  string   `json:"deviceId"`
	UserID    string   `json:"userId,omitempty"`
	PassToken string   `json:"passToken,omitempty"`
	MicoAPI   []string `json:"micoapi,omitempty"`
}

// ServiceToken returns the micoapi service token, or "" when absent.
func (t *Token) ServiceToken() string {
	if len(t.MicoAPI) < 2 {
		return ""
	}
	return t.MicoAPI[1]
}

// TokenStore keeps the token in a JSON file. Safe for concurrent access.
type TokenStore struct {
	mu   sync.RWMutex
	path string
	tok  *Token
	log  *logger.Logger
}

// NewTokenStore opens the store at path. A missing or unreadable file
// yields a fresh token with a new device id.
func NewTokenStore(path string, log *logger.Logger) *TokenStore {
	s := &TokenStore{path: path, log: log}
	s.tok = s.read()
	return s
}

func (s *TokenStore) read() *Token {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("reading token file %s: %v", s.path, err)
		}
		return &Token{DeviceID: newDeviceID()}
	}
	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		s.log.Warn("token file %s is corrupt, starting fresh: %v", s.path, err)
		return &Token{DeviceID: newDeviceID()}
	}
	if tok.DeviceID == "" {
		tok.DeviceID = newDeviceID()
	}
	s.log.Debug("loaded token for user %s from %s", tok.UserID, s.path)
	return &tok
}

// Load returns a copy of the current token.
func (s *TokenStore) Load() Token {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tok := *s.tok
	tok.MicoAPI = append([]string(nil), s.tok.MicoAPI...)
	return tok
}

// Save replaces the token and persists it.
func (s *TokenStore) Save(tok Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tok.DeviceID == "" {
		tok.DeviceID = s.tok.DeviceID
	}
	s.tok = &tok
	return s.flush()
}

// Merge sets the account cookie fields and keeps everything else, so a
// cached service token survives a restart that re-supplies the same
// credentials.
func (s *TokenStore) Merge(userID, passToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tok.UserID != userID || s.tok.PassToken != passToken {
		// A different account invalidates the service token.
		if s.tok.UserID != "" && s.tok.UserID != userID {
			s.tok.MicoAPI = nil
		}
		s.tok.UserID = userID
		s.tok.PassToken = passToken
	}
	return s.flush()
}

// Invalidate drops the service token, forcing the next request to log in.
func (s *TokenStore) Invalidate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tok.MicoAPI = nil
	s.log.Debug("service token invalidated")
	return s.flush()
}

// flush writes the token atomically. Callers hold mu.
func (s *TokenStore) flush() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.tok, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating token dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing token: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing token: %w", err)
	}
	s.log.Debug("token saved to %s", s.path)
	return nil
}

func newDeviceID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(id[:16])
}
