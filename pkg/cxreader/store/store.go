// Package store persists DeviceConfig across process restarts, the
// user-space stand-in for the original driver's PnP-registered device
// key. Missing keys fall back to cxconfig.Default, field by field.
package store

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cxadc-tools/cxcapture/pkg/cxconfig"
)

// Store loads and saves a single device's configuration.
type Store interface {
	Load() (cxconfig.DeviceConfig, error)
	Save(cxconfig.DeviceConfig) error
}

// record mirrors cxconfig.DeviceConfig's yaml tags but with pointer
// fields, so a key absent from the file is distinguishable from a key
// explicitly set to zero.
type record struct {
	Vmux         *uint32 `yaml:"vmux"`
	Level        *uint32 `yaml:"level"`
	Tenbit       *uint32 `yaml:"tenbit"`
	Sixdb        *uint32 `yaml:"sixdb"`
	CenterOffset *uint32 `yaml:"center_offset"`
}

// FileStore persists one device's configuration as a YAML document at
// Path, keyed implicitly by which file the caller points it at (one
// file per device, named by a stable device identifier).
type FileStore struct {
	Path string
}

// NewFileStore returns a Store backed by a YAML file at path. The
// directory is assumed to exist; Save creates the file if needed.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Load reads the backing file and fills in cxconfig.Default() for any
// key that is missing or the file itself does not exist.
func (s *FileStore) Load() (cxconfig.DeviceConfig, error) {
	cfg := cxconfig.Default()

	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cxconfig.DeviceConfig{}, err
	}

	var rec record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return cxconfig.DeviceConfig{}, err
	}
	if rec.Vmux != nil {
		cfg.Vmux = *rec.Vmux
	}
	if rec.Level != nil {
		cfg.Level = *rec.Level
	}
	if rec.Tenbit != nil {
		cfg.Tenbit = *rec.Tenbit
	}
	if rec.Sixdb != nil {
		cfg.Sixdb = *rec.Sixdb
	}
	if rec.CenterOffset != nil {
		cfg.CenterOffset = *rec.CenterOffset
	}
	return cfg, cfg.Validate()
}

// Save writes every field of cfg to the backing file, overwriting it.
func (s *FileStore) Save(cfg cxconfig.DeviceConfig) error {
	rec := record{
		Vmux:         &cfg.Vmux,
		Level:        &cfg.Level,
		Tenbit:       &cfg.Tenbit,
		Sixdb:        &cfg.Sixdb,
		CenterOffset: &cfg.CenterOffset,
	}
	data, err := yaml.Marshal(rec)
	if err != nil {
		return err
	}
	return os.WriteFile(s.Path, data, 0o644)
}

// MemoryStore is an in-process Store for tests and for devices that
// do not need persistence across restarts.
type MemoryStore struct {
	cfg cxconfig.DeviceConfig
	set bool
}

// NewMemoryStore returns a Store that starts at cxconfig.Default.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() (cxconfig.DeviceConfig, error) {
	if !s.set {
		return cxconfig.Default(), nil
	}
	return s.cfg, nil
}

func (s *MemoryStore) Save(cfg cxconfig.DeviceConfig) error {
	s.cfg = cfg
	s.set = true
	return nil
}
