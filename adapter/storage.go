package nimbus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// StoredToken is the persisted access token snapshot. Credentials are never
// stored; only the short-lived bearer token and its buffered expiry.
type StoredToken struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TokenStore persists the current access token between runs so a restarted
// process can resume an unexpired session without re-authenticating.
type TokenStore interface {
	Load() (StoredToken, error)
	Save(token StoredToken) error
	Delete() error
}

// FileTokenStore implements TokenStore using file-based persistence.
type FileTokenStore struct {
	path string
}

// NewFileTokenStore creates a token store writing to the given file.
// The parent directory is created if it does not exist.
func NewFileTokenStore(path string) *FileTokenStore {
	os.MkdirAll(filepath.Dir(path), 0700)
	return &FileTokenStore{path: path}
}

// Save writes the token to file with owner-only permissions.
func (f *FileTokenStore) Save(token StoredToken) error {
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if err := os.WriteFile(f.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}

	return nil
}

// Load reads the token from file.
func (f *FileTokenStore) Load() (StoredToken, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return StoredToken{}, fmt.Errorf("token file not found: %s", f.path)
		}
		return StoredToken{}, fmt.Errorf("failed to read token file: %w", err)
	}

	var token StoredToken
	if err := json.Unmarshal(data, &token); err != nil {
		return StoredToken{}, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	return token, nil
}

// Delete removes the token file. A missing file is not an error.
func (f *FileTokenStore) Delete() error {
	if err := os.Remove(f.path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete token file: %w", err)
	}

	return nil
}
