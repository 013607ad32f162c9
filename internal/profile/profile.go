// Package profile loads client capability profiles. A profile is picked by
// the device name a client sends and tells the track server what the
// client's player can handle.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"
)

// Generic is the profile used for devices without one of their own.
const Generic = "generic"

// Supports lists the player capabilities of a client.
type Supports struct {
	Ranges bool `json:"ranges" yaml:"ranges"`
}

// Profile describes one client type.
type Profile struct {
	Name     string   `json:"name" yaml:"name"`
	Supports Supports `json:"supports" yaml:"supports"`
	Source   string   `json:"source" yaml:"-"`
}

// GenericProfile is the built-in fallback. It supports ranges.
func GenericProfile() Profile {
	return Profile{Name: Generic, Supports: Supports{Ranges: true}, Source: "builtin"}
}

// file is the on-disk form. Missing capabilities default to supported.
type file struct {
	Name     string `json:"name" yaml:"name"`
	Supports struct {
		Ranges *bool `json:"ranges" yaml:"ranges"`
	} `json:"supports" yaml:"supports"`
}

// Manager holds the loaded profiles keyed by case-folded device name.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	dir      string
	profiles map[string]Profile
}

// NewManager returns a manager that only knows the generic profile.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With(slog.String("component", "profiles")),
		profiles: map[string]Profile{Generic: GenericProfile()},
	}
}

func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// Load replaces the profiles with the *.json, *.yaml and *.yml files in dir.
// Files that cannot be parsed are skipped with a warning. A missing
// directory leaves only the generic profile.
func (m *Manager) Load(dir string) error {
	profiles := map[string]Profile{Generic: GenericProfile()}

	if dir != "" {
		entries, err := os.ReadDir(dir)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			m.logger.Warn("profile directory does not exist", slog.String("dir", dir))
		case err != nil:
			return fmt.Errorf("reading profile directory: %w", err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !isProfileFile(entry.Name()) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			p, err := readFile(path)
			if err != nil {
				m.logger.Warn("skipping invalid profile",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)
				continue
			}
			profiles[fold(p.Name)] = p
		}
	}

	m.mu.Lock()
	m.dir = dir
	m.profiles = profiles
	m.mu.Unlock()

	m.logger.Info("loaded client profiles", slog.String("dir", dir), slog.Int("count", len(profiles)))
	return nil
}

func isProfileFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func readFile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, err
	}

	var f file
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &f)
	} else {
		err = yaml.Unmarshal(data, &f)
	}
	if err != nil {
		return Profile{}, fmt.Errorf("decoding profile: %w", err)
	}

	name := f.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	name = strings.TrimSpace(name)
	if fold(name) == "" {
		return Profile{}, errors.New("profile has no name")
	}

	p := Profile{Name: name, Supports: Supports{Ranges: true}, Source: path}
	if f.Supports.Ranges != nil {
		p.Supports.Ranges = *f.Supports.Ranges
	}
	return p, nil
}

// Get returns the profile for device, or the generic profile.
func (m *Manager) Get(device string) Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if p, ok := m.profiles[fold(device)]; ok {
		return p
	}
	if p, ok := m.profiles[Generic]; ok {
		return p
	}
	return GenericProfile()
}

// List returns every profile sorted by name.
func (m *Manager) List() []Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return fold(out[i].Name) < fold(out[j].Name) })
	return out
}

// Watch reloads the profile directory whenever it changes, until ctx ends.
func (m *Manager) Watch(ctx context.Context) error {
	m.mu.RLock()
	dir := m.dir
	m.mu.RUnlock()
	if dir == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating profile watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching profile directory: %w", err)
	}
	m.logger.Info("watching client profiles", slog.String("dir", dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("profile watcher error", slog.String("error", err.Error()))
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Coalesce bursts from editors writing temp files.
			for len(watcher.Events) > 0 {
				<-watcher.Events
			}
			m.logger.Debug("profile directory changed", slog.String("event", ev.String()))
			if err := m.Load(dir); err != nil {
				m.logger.Warn("reloading profiles failed", slog.String("error", err.Error()))
			}
		}
	}
}
