package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Credential struct {
	AccessToken string    `json:"access_token"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewCredential stamps the token with the current time truncated to seconds,
// which is what survives the JSON round trip.
func NewCredential(token string, now time.Time) Credential {
	return Credential{AccessToken: token, CreatedAt: now.UTC().Truncate(time.Second)}
}

// Redact returns a form of the token that is safe to log.
func (c Credential) Redact() string {
	if len(c.AccessToken) <= 4 {
		return "****"
	}
	return c.AccessToken[:4] + "****"
}

// CredentialStore persists a single credential between invocations.
type CredentialStore interface {
	// Load never fails; anything unusable is reported as absent.
	Load() (Credential, bool)
	Save(Credential) error
	// Clear reports whether a credential was removed.
	Clear() (bool, error)
}

type FileStore struct {
	Path string
}

func (s *FileStore) Load() (Credential, bool) {
	content, err := os.ReadFile(s.Path)
	if err != nil {
		return Credential{}, false
	}
	return decodeCredential(content)
}

func (s *FileStore) Save(cred Credential) error {
	if s.Path == "" {
		return errors.New("credential path is empty")
	}
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credential dir: %w", err)
	}
	content, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp credential file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to restrict credential file: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	return nil
}

func (s *FileStore) Clear() (bool, error) {
	err := os.Remove(s.Path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to remove credential file: %w", err)
}

func decodeCredential(content []byte) (Credential, bool) {
	var cred Credential
	if err := json.Unmarshal(content, &cred); err != nil {
		return Credential{}, false
	}
	if cred.AccessToken == "" {
		return Credential{}, false
	}
	return cred, true
}
