package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/maltedev/stealth-crawler/internal/crawl"
)

var ErrResultNotFound = errors.New("result not found")

// ResultStore keeps one JSON file per crawl run in a directory.
type ResultStore struct {
	mu  sync.Mutex
	dir string
}

func NewResultStore(dir string) (*ResultStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create results dir: %w", err)
	}
	return &ResultStore{dir: dir}, nil
}

func (s *ResultStore) Dir() string { return s.dir }

// Save implements crawl.Sink.
func (s *ResultStore) Save(ctx context.Context, result *crawl.Result) error {
	if result.ID == "" {
		return fmt.Errorf("result id is required")
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(result.Source, result.ID)

	// Write to temp file first for atomicity
	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	if err := os.Rename(tmpFile, path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("rename result: %w", err)
	}
	return nil
}

// Load reads a stored run by id.
func (s *ResultStore) Load(id string) (*crawl.Result, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*_"+id+".json"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrResultNotFound, id)
	}

	data, err := os.ReadFile(matches[0])
	if err != nil {
		return nil, err
	}
	var result crawl.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(matches[0]), err)
	}
	return &result, nil
}

// List returns the file names of stored runs, sorted.
func (s *ResultStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *ResultStore) path(source, id string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s.json", sanitize(source), id))
}

// sanitize keeps file names portable.
func sanitize(name string) string {
	if name == "" {
		return "unnamed"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
}
