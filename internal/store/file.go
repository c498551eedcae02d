package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

type fileStore struct {
	mu       sync.RWMutex
	filePath string
	items    map[string]json.RawMessage
}

// NewFileStore opens a JSON-file-backed KV. The file holds a single object
// mapping keys to raw JSON values and is replaced atomically on every write.
func NewFileStore(path string) (KV, error) {
	s := &fileStore{filePath: path, items: make(map[string]json.RawMessage)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.items); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	if s.items == nil {
		s.items = make(map[string]json.RawMessage)
	}
	return nil
}

func (s *fileStore) persistLocked() error {
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.items); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func (s *fileStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	var decoded []byte
	if err := json.Unmarshal(value, &decoded); err != nil {
		return nil, fmt.Errorf("decode value for %s: %w", key, err)
	}
	return decoded, nil
}

func (s *fileStore) Set(_ context.Context, key string, value []byte) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value for %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.items[key]
	s.items[key] = encoded
	if err := s.persistLocked(); err != nil {
		if existed {
			s.items[key] = previous
		} else {
			delete(s.items, key)
		}
		return err
	}
	return nil
}

func (s *fileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.items[key]
	if !existed {
		return nil
	}
	delete(s.items, key)
	if err := s.persistLocked(); err != nil {
		s.items[key] = previous
		return err
	}
	return nil
}

func (s *fileStore) Close(context.Context) error {
	return nil
}
