package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const tokenFileName = "api_token"

// ErrTokenExposed is returned when the token file can be read by users
// other than its owner.
var ErrTokenExposed = errors.New("api token file is readable by other users")

// TokenPath is where the management API token lives for a data dir.
func TokenPath(cfg Config) string {
	return filepath.Join(cfg.Storage.DataDir, tokenFileName)
}

// readTokenFile returns "" with no error when the file does not exist yet.
func readTokenFile(path string) (string, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if info.Mode().Perm()&0o077 != 0 {
		return "", fmt.Errorf("%w: %s has mode %v, run chmod 600", ErrTokenExposed, path, info.Mode().Perm())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// EnsureAPIToken returns the configured token, generating one and saving it
// with owner-only permissions on first run.
func EnsureAPIToken(cfg *Config) (string, error) {
	if cfg.Server.APIToken != "" {
		return cfg.Server.APIToken, nil
	}
	tok := uuid.New().String()
	if err := writeFileAtomic(TokenPath(*cfg), []byte(tok+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	cfg.Server.APIToken = tok
	return tok, nil
}
