// Package profile loads named debugger launch commands from a directory of
// YAML files.
package profile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"
)

var profileIDPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

var validMIVersions = map[string]bool{"": true, "mi": true, "mi1": true, "mi2": true, "mi3": true, "mi4": true}

// Profile is a reusable way to start a debugger.
type Profile struct {
	ID        string `yaml:"id" json:"id"`
	Name      string `yaml:"name" json:"name"`
	Command   string `yaml:"command" json:"command"`
	MIVersion string `yaml:"mi_version,omitempty" json:"mi_version,omitempty"`
	Notes     string `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// CommandFor returns the profile command followed by extra arguments. extra
// is split with shell quoting rules and each word is re-quoted, so an
// argument containing spaces stays one argument.
func (p *Profile) CommandFor(extra string) (string, error) {
	words, err := shellquote.Split(extra)
	if err != nil {
		return "", fmt.Errorf("invalid arguments for profile %q: %w", p.ID, err)
	}
	if len(words) == 0 {
		return p.Command, nil
	}
	return p.Command + " " + shellquote.Join(words...), nil
}

type Registry struct {
	dir      string
	profiles map[string]*Profile
	mu       sync.RWMutex
}

func NewRegistry(dir string) (*Registry, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("profiles dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create profiles dir: %w", err)
	}
	if err := ensureDefaults(dir); err != nil {
		return nil, err
	}

	r := &Registry{
		dir:      dir,
		profiles: make(map[string]*Profile),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) Get(id string) *Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[id]
	if !ok {
		return nil
	}
	clone := *p
	return &clone
}

func (r *Registry) List() []*Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		clone := *p
		result = append(result, &clone)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name == result[j].Name {
			return result[i].ID < result[j].ID
		}
		return result[i].Name < result[j].Name
	})
	return result
}

func (r *Registry) Reload() error {
	loaded, err := loadDir(r.dir)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.profiles = loaded
	r.mu.Unlock()
	return nil
}

func (r *Registry) Save(p *Profile) error {
	if p == nil {
		return errors.New("profile is required")
	}
	clean := *p
	if err := validate(&clean); err != nil {
		return err
	}

	data, err := yaml.Marshal(&clean)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	path := filepath.Join(r.dir, clean.ID+".yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write profile %q: %w", path, err)
	}

	r.mu.Lock()
	r.profiles[clean.ID] = &clean
	r.mu.Unlock()
	return nil
}

func (r *Registry) Delete(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	path := filepath.Join(r.dir, id+".yaml")
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete profile %q: %w", path, err)
	}

	r.mu.Lock()
	delete(r.profiles, id)
	r.mu.Unlock()
	return nil
}

func loadDir(dir string) (map[string]*Profile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read profiles dir: %w", err)
	}

	loaded := make(map[string]*Profile)
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		p, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		if _, exists := loaded[p.ID]; exists {
			return nil, fmt.Errorf("duplicate profile id %q", p.ID)
		}
		loaded[p.ID] = p
	}
	return loaded, nil
}

func loadFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile %q: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}
	if err := validate(&p); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &p, nil
}

func validate(p *Profile) error {
	if err := validateID(p.ID); err != nil {
		return err
	}
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("name is required")
	}
	words, err := shellquote.Split(p.Command)
	if err != nil {
		return fmt.Errorf("command: %w", err)
	}
	if len(words) == 0 {
		return errors.New("command is required")
	}
	if !validMIVersions[p.MIVersion] {
		return fmt.Errorf("unsupported mi_version %q", p.MIVersion)
	}
	return nil
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id is required")
	}
	if !profileIDPattern.MatchString(id) {
		return errors.New("id must be lowercase alphanumeric with hyphens")
	}
	return nil
}

func isYAML(name string) bool {
	name = strings.ToLower(name)
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}
