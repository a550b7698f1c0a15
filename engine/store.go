package engine

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const indexFileSuffix = ".idx"

// Store manages the on-disk homes of all locally hosted indices under one
// data directory: one snapshot file per index.
type Store struct {
	basePath string
	logger   logrus.FieldLogger
	defaults []Option
}

// NewStore creates the data directory if needed. The given options are
// applied to every index the store creates or opens.
func NewStore(basePath string, logger logrus.FieldLogger, defaults ...Option) (*Store, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create data directory %s", basePath)
	}
	return &Store{basePath: basePath, logger: logger, defaults: defaults}, nil
}

func (s *Store) indexPath(name string) string {
	return filepath.Join(s.basePath, name+indexFileSuffix)
}

// Create initializes a brand-new index and persists its empty state so a
// later Open finds it.
func (s *Store) Create(name string, opts ...Option) (*Index, error) {
	path := s.indexPath(name)
	if _, err := os.Stat(path); err == nil {
		return nil, errors.Wrapf(os.ErrExist, "engine: index %q already exists on disk", name)
	}
	all := append(append([]Option{}, s.defaults...), opts...)
	all = append(all, WithPersistPath(path))
	idx := NewIndex(name, all...)
	if err := idx.Close(); err != nil {
		return nil, err
	}
	s.logger.WithField("action", "engine_create").WithField("index", name).Debug("index created")
	return idx, nil
}

// Open reopens a previously created index from its snapshot. A missing file
// surfaces as os.ErrNotExist; an unreadable one as a wrapped decode error so
// callers can classify it as corruption.
func (s *Store) Open(name string, opts ...Option) (*Index, error) {
	path := s.indexPath(name)
	snap, err := loadSnapshot(path)
	if err != nil {
		return nil, err
	}
	all := append(append([]Option{}, s.defaults...), opts...)
	all = append(all, WithPersistPath(path))
	idx := NewIndex(name, all...)
	idx.mu.Lock()
	idx.committed = snap.restore(idx.freshPostingStore())
	idx.mu.Unlock()
	s.logger.WithField("action", "engine_open").
		WithField("index", name).
		WithField("docs", snap.TotalDocs).
		Debug("index reopened")
	return idx, nil
}

// Remove deletes the on-disk state of an index.
func (s *Store) Remove(name string) error {
	if err := os.Remove(s.indexPath(name)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove index %q", name)
	}
	return nil
}

// List names every index with a snapshot in the data directory.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, errors.Wrapf(err, "read data directory %s", s.basePath)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), indexFileSuffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), indexFileSuffix))
	}
	return names, nil
}
