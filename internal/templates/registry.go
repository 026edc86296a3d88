// Package templates holds the embedded chat-template presets: per model
// family, how history lines, memory and stop sequences are rendered.
package templates

import (
	"embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"fable/internal/domain/models/chat"
)

//go:embed config/*.yaml
var presetFiles embed.FS

// presetFile is the on-disk shape of one preset bundle.
type presetFile struct {
	Templates []chat.ChatTemplate `yaml:"templates"`
}

// Registry manages the chat template presets loaded from embedded YAML.
type Registry struct {
	templates map[string]*chat.ChatTemplate
	order     []string
	mu        sync.RWMutex
}

// NewRegistry creates the registry and loads the embedded preset files.
func NewRegistry() (*Registry, error) {
	r := &Registry{
		templates: make(map[string]*chat.ChatTemplate),
	}

	if err := r.loadPresetFile("presets"); err != nil {
		return nil, fmt.Errorf("failed to load template presets: %w", err)
	}

	return r, nil
}

// loadPresetFile loads one embedded preset bundle.
func (r *Registry) loadPresetFile(name string) error {
	filename := fmt.Sprintf("config/%s.yaml", name)
	data, err := presetFiles.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filename, err)
	}

	var file presetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", filename, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range file.Templates {
		t := file.Templates[i]
		if t.Name == "" {
			return fmt.Errorf("%s: preset %d has no name", filename, i)
		}
		if _, exists := r.templates[t.Name]; exists {
			return fmt.Errorf("%s: duplicate preset %q", filename, t.Name)
		}
		r.templates[t.Name] = &t
		r.order = append(r.order, t.Name)
	}
	return nil
}

// Template returns the preset with the given name, or nil when unknown.
func (r *Registry) Template(name string) *chat.ChatTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.templates[name]
}

// List returns all presets in the order they are defined.
func (r *Registry) List() []*chat.ChatTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*chat.ChatTemplate, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.templates[name])
	}
	return out
}
