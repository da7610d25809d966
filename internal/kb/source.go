package kb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"supportbot/internal/domain"
)

// FileSource serves the knowledge base stored in one JSON or YAML file.
// Edits rewrite the whole file atomically.
type FileSource struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

func NewFileSource(path string, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{path: path, logger: logger}
}

// Path returns the knowledge-base file.
func (s *FileSource) Path() string { return s.path }

// Entries reads the file. A missing file is an empty knowledge base.
func (s *FileSource) Entries(ctx context.Context) ([]domain.KnowledgeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raws, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make([]domain.KnowledgeEntry, 0, len(raws))
	for _, r := range raws {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// Add validates e and stores it, replacing any entry with the same id.
// It reports whether an existing entry was replaced.
func (s *FileSource) Add(ctx context.Context, e domain.KnowledgeEntry) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	raws, err := s.read()
	if err != nil {
		return false, err
	}
	next := fromDomain(e)
	replaced := false
	for i, r := range raws {
		if r.ID.value == e.ID {
			// keep numeric ids numeric
			next.ID.numeric = r.ID.numeric
			raws[i] = next
			replaced = true
			break
		}
	}
	if !replaced {
		raws = append(raws, next)
	}
	if err := s.write(raws); err != nil {
		return false, err
	}
	s.logger.Info("knowledge entry saved", "id", e.ID, "replaced", replaced)
	return replaced, nil
}

// Delete removes the entry with the given id. It reports whether one existed.
func (s *FileSource) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raws, err := s.read()
	if err != nil {
		return false, err
	}
	kept := raws[:0]
	found := false
	for _, r := range raws {
		if r.ID.value == id {
			found = true
			continue
		}
		kept = append(kept, r)
	}
	if !found {
		return false, nil
	}
	if err := s.write(kept); err != nil {
		return false, err
	}
	s.logger.Info("knowledge entry deleted", "id", id)
	return true, nil
}

func (s *FileSource) read() ([]rawEntry, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("knowledge base file not found, starting empty", "path", s.path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read knowledge base: %w", err)
	}
	raws, err := decode(s.path, data)
	if err != nil {
		return nil, fmt.Errorf("knowledge base %s: %w", s.path, err)
	}
	return raws, nil
}

func (s *FileSource) write(raws []rawEntry) error {
	data, err := encode(s.path, raws)
	if err != nil {
		return fmt.Errorf("encode knowledge base: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create knowledge base dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".kb-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write knowledge base: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write knowledge base: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace knowledge base: %w", err)
	}
	return nil
}
