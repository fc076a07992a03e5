package faculty

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/bobmcallan/animus/internal/common"
	"github.com/bobmcallan/animus/internal/errors"
)

// Registry indexes loaded faculties by name and by accepted work type.
// Reload swaps the whole index atomically, so lookups during a reload see
// either the old or the new set, never a partial one.
type Registry struct {
	mu     sync.RWMutex
	dir    string
	logger *common.Logger

	byName     map[string]*Meta
	byWorkType map[string]*Meta
}

// NewRegistry creates an empty registry rooted at dir.
func NewRegistry(dir string, logger *common.Logger) *Registry {
	return &Registry{
		dir:        dir,
		logger:     logger,
		byName:     make(map[string]*Meta),
		byWorkType: make(map[string]*Meta),
	}
}

// Load reads every .toml document in the registry directory and rebuilds
// the index. A missing directory yields an empty registry rather than an
// error so a daemon can start before its first faculty is installed.
func (r *Registry) Load() error {
	entries, err := os.ReadDir(r.dir)
	if os.IsNotExist(err) {
		r.swap(make(map[string]*Meta), make(map[string]*Meta))
		r.logger.Warn().Str("dir", r.dir).Msg("Faculty directory does not exist, registry is empty")
		return nil
	}
	if err != nil {
		return errors.Config("cannot read faculty dir %s: %v", r.dir, err)
	}

	byName := make(map[string]*Meta)
	byWorkType := make(map[string]*Meta)

	for _, entry := range entries {
		if entry.IsDir() || !isFacultyFile(entry.Name()) {
			continue
		}
		meta, err := loadFile(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			return err
		}
		byName[meta.Name] = meta
		for _, wt := range meta.WorkTypes() {
			byWorkType[wt] = meta
		}
	}

	r.swap(byName, byWorkType)

	r.logger.Info().
		Int("faculties", len(byName)).
		Str("dir", r.dir).
		Msg("Faculty registry loaded")
	return nil
}

func (r *Registry) swap(byName, byWorkType map[string]*Meta) {
	r.mu.Lock()
	r.byName = byName
	r.byWorkType = byWorkType
	r.mu.Unlock()
}

// Get looks up a faculty by name.
func (r *Registry) Get(name string) *Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// ForWorkType resolves the faculty that handles a work type, or nil when
// the work is unroutable.
func (r *Registry) ForWorkType(workType string) *Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.byWorkType[workType]; ok {
		return m
	}
	return nil
}

// Names returns the loaded faculty names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}
