package credstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v2"
)

type credMap map[string]Credential

// MarshalYAML writes entries sorted by email so the file diffs cleanly.
func (cm credMap) MarshalYAML() (interface{}, error) {
	keys := make([]string, 0, len(cm))
	for key := range cm {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	items := make(yaml.MapSlice, 0, len(cm))
	for _, key := range keys {
		items = append(items, yaml.MapItem{Key: key, Value: cm[key]})
	}
	return items, nil
}

// FileStore keeps credentials in a YAML file keyed by email. The whole file
// is rewritten on every Create.
type FileStore struct {
	path  string
	mu    sync.RWMutex
	creds credMap
}

// OpenFileStore loads path. A missing file is an empty store; it is created
// on the first Create.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, creds: make(credMap)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("os.ReadFile(%q): %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s.creds); err != nil {
		return nil, fmt.Errorf("yaml.Unmarshal(%q): %w", path, err)
	}
	if s.creds == nil {
		s.creds = make(credMap)
	}
	return s, nil
}

func (s *FileStore) Create(ctx context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.creds[cred.Email]; taken {
		return ErrExists
	}
	s.creds[cred.Email] = cred
	if err := s.save(); err != nil {
		delete(s.creds, cred.Email)
		return unavailable(err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, email string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[email]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return cred, nil
}

// save writes through a temp file and rename so a crash never leaves a
// truncated database.
func (s *FileStore) save() error {
	data, err := yaml.Marshal(s.creds)
	if err != nil {
		return fmt.Errorf("yaml.Marshal(): %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
