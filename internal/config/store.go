package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

// Store persists the non-secret settings written by `offgrid config set`.
// Values keep their JSON type, so numeric keys are numbers and list keys
// are arrays. Durations are strings like "30s".
type Store interface {
	Lookup(key string) (raw json.RawMessage, ok bool, err error)
	Put(key string, val any) error
}

// fileStore keeps every setting in one JSON object. The file is re-read on
// each call so a running server and the CLI never act on stale copies.
type fileStore struct {
	mu   sync.Mutex
	path string
}

func newFileStore(path string) *fileStore {
	return &fileStore{path: path}
}

// settingsPath is $OFFGRID_CONFIG when set, otherwise offgrid/config.json
// under the user's config directory.
func settingsPath() string {
	if p := os.Getenv("OFFGRID_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "offgrid", "config.json")
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "offgrid")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "offgrid-data"
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "offgrid")
	}
	return filepath.Join(home, ".local", "share", "offgrid")
}

func (s *fileStore) read() (map[string]json.RawMessage, error) {
	doc := make(map[string]json.RawMessage)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.path, err)
	}
	return doc, nil
}

func (s *fileStore) Lookup(key string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return nil, false, err
	}
	raw, ok := doc[key]
	return raw, ok, nil
}

// Put rewrites the whole document through a temp file so a crash never
// leaves a half-written config behind.
func (s *fileStore) Put(key string, val any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	doc[key] = raw

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, out, 0o600)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
