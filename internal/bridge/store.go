package bridge

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/otbridge/otbridge/pkg/models"
)

// sourceStore keeps the source configurations. When a state path is set,
// every mutation is snapshotted to disk so API edits survive restarts.
type sourceStore struct {
	mu      sync.RWMutex
	sources map[string]models.SourceConfig
	path    string
}

func newSourceStore(path string) (*sourceStore, error) {
	s := &sourceStore{
		sources: make(map[string]models.SourceConfig),
		path:    path,
	}
	if path == "" {
		return s, nil
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, models.WrapError(models.KindConfigInvalid, "read source state", err)
	}
	var list []models.SourceConfig
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, models.WrapError(models.KindConfigInvalid, "parse source state", err)
	}
	for _, cfg := range list {
		s.sources[cfg.Name] = cfg
	}
	return s, nil
}

func (s *sourceStore) Get(name string) (models.SourceConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.sources[name]
	return cfg, ok
}

func (s *sourceStore) List() []models.SourceConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.SourceConfig, 0, len(s.sources))
	for _, cfg := range s.sources {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *sourceStore) Put(cfg models.SourceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[cfg.Name] = cfg
	return s.persistLocked()
}

func (s *sourceStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sources, name)
	return s.persistLocked()
}

// persistLocked writes the snapshot atomically via rename.
func (s *sourceStore) persistLocked() error {
	if s.path == "" {
		return nil
	}
	list := make([]models.SourceConfig, 0, len(s.sources))
	for _, cfg := range s.sources {
		list = append(list, cfg)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	raw, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
