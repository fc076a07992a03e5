// Package faculty loads and indexes the pluggable external executors.
// A faculty is defined by a TOML document naming the hook commands that run
// each phase of a focus.
package faculty

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/bobmcallan/animus/internal/errors"
)

// configFile is the top-level TOML wrapper: each document has one
// [faculty] table. Unknown fields are ignored.
type configFile struct {
	Faculty Meta `toml:"faculty"`
}

// Meta is a faculty's metadata and hook configuration.
type Meta struct {
	Name string `toml:"name"`
	// Accepts lists the work types this faculty handles. Empty means the
	// faculty handles work whose type equals its name.
	Accepts     []string       `toml:"accepts"`
	Orient      *HookConfig    `toml:"orient"`
	Engage      HookConfig     `toml:"engage"`
	Consolidate *HookConfig    `toml:"consolidate"`
	Recover     *RecoverConfig `toml:"recover"`
}

// WorkTypes returns the routing set for this faculty.
func (m *Meta) WorkTypes() []string {
	if len(m.Accepts) > 0 {
		return m.Accepts
	}
	return []string{m.Name}
}

// HookConfig names the executable for one phase.
type HookConfig struct {
	Command string `toml:"command"`
}

// RecoverConfig is the recovery hook with its retry limit.
type RecoverConfig struct {
	Command     string `toml:"command"`
	MaxAttempts int    `toml:"max_attempts"`
}

// loadFile parses and validates one faculty document.
func loadFile(path string) (*Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Config("cannot read faculty file %s: %v", path, err)
	}

	var cfg configFile
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Config("bad faculty config %s: %v", path, err)
	}

	meta := cfg.Faculty
	if meta.Name == "" {
		return nil, errors.Config("faculty config %s missing name", path)
	}
	if meta.Engage.Command == "" {
		return nil, errors.Config("faculty %s missing engage.command", meta.Name)
	}
	return &meta, nil
}

// isFacultyFile reports whether a directory entry is a faculty document.
func isFacultyFile(name string) bool {
	return filepath.Ext(name) == ".toml"
}
