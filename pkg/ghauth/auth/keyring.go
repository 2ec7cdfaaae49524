package auth

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	DefaultKeyringService = "ghauth"
	DefaultKeyringUser    = "github"
)

// KeyringStore keeps the credential in the OS keychain instead of a file.
type KeyringStore struct {
	Service string
	User    string
}

func NewKeyringStore() *KeyringStore {
	return &KeyringStore{Service: DefaultKeyringService, User: DefaultKeyringUser}
}

func (s *KeyringStore) Load() (Credential, bool) {
	secret, err := keyring.Get(s.Service, s.User)
	if err != nil {
		return Credential{}, false
	}
	return decodeCredential([]byte(secret))
}

func (s *KeyringStore) Save(cred Credential) error {
	content, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}
	if err := keyring.Set(s.Service, s.User, string(content)); err != nil {
		return fmt.Errorf("failed to store credential in keychain: %w", err)
	}
	return nil
}

func (s *KeyringStore) Clear() (bool, error) {
	err := keyring.Delete(s.Service, s.User)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, keyring.ErrNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("failed to remove credential from keychain: %w", err)
}
