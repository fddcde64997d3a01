package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. STACKR_PORTS_WEB.
const EnvPrefix = "STACKR"

// Store loads and saves Settings as TOML. The last loaded value is cached;
// callers always receive copies.
type Store struct {
	path string

	mu  sync.RWMutex
	cur *Settings
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// Load returns the cached settings, reading the file on first use.
// A missing file is created with defaults.
func (s *Store) Load() (*Settings, error) {
	s.mu.RLock()
	cur := s.cur
	s.mu.RUnlock()
	if cur != nil {
		return cur.Clone(), nil
	}
	return s.Reload()
}

// Reload rereads the file, bypassing the cache.
func (s *Store) Reload() (*Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); errors.Is(err, fs.ErrNotExist) {
		d := Default()
		if err := s.write(d); err != nil {
			return nil, err
		}
		s.cur = d
		return d.Clone(), nil
	}
	st, err := s.read()
	if err != nil {
		return nil, err
	}
	s.cur = st
	return st.Clone(), nil
}

// Current returns the cached settings without touching disk, or defaults
// when nothing has been loaded.
func (s *Store) Current() *Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cur == nil {
		return Default()
	}
	return s.cur.Clone()
}

// Save validates and persists st, replacing the cache.
func (s *Store) Save(st *Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := st.Clone()
	c.Normalize()
	if err := c.Validate(); err != nil {
		return err
	}
	if err := s.write(c); err != nil {
		return err
	}
	s.cur = c
	return nil
}

// Update applies fn to the current settings and persists the result.
func (s *Store) Update(fn func(*Settings) error) (*Settings, error) {
	st, err := s.Load()
	if err != nil {
		return nil, err
	}
	if err := fn(st); err != nil {
		return nil, err
	}
	if err := s.Save(st); err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

// read layers the file over built-in defaults, then environment overrides.
func (s *Store) read() (*Settings, error) {
	def, err := toml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(bytes.NewReader(def)); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	v.SetConfigFile(s.path)
	if err := v.MergeInConfig(); err != nil {
		return nil, &ConfigurationError{Path: s.path, Err: err}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var st Settings
	if err := v.Unmarshal(&st); err != nil {
		return nil, &ConfigurationError{Path: s.path, Err: err}
	}
	st.Normalize()
	if err := st.Validate(); err != nil {
		return nil, &ConfigurationError{Path: s.path, Err: err}
	}
	return &st, nil
}

// write replaces the file atomically via a temp file in the same directory.
func (s *Store) write(st *Settings) error {
	b, err := toml.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".stackr-*.toml")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
