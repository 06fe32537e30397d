// Package template is the read-only prompt template store: it loads
// YAML template files, renders a named template with parameters, and
// exposes per-template model settings.
package template

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"lessonkit/pkg/domain/errors"
)

// ModelConfig carries the generation settings attached to a template.
type ModelConfig struct {
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// Template is one named prompt template.
type Template struct {
	Name        string            `yaml:"name"`
	Version     string            `yaml:"version"`
	Description string            `yaml:"description"`
	Prompt      string            `yaml:"prompt"`
	Parameters  []string          `yaml:"parameters"`
	ModelConfig map[string]any    `yaml:"model_config"`
	Defaults    map[string]string `yaml:"defaults"`
}

// templateFile is the on-disk shape: either a single template or a
// "templates" map of several.
type templateFile struct {
	Template  `yaml:",inline"`
	Templates map[string]*Template `yaml:"templates"`
}

// Defaults applied when a template omits model settings.
type StoreDefaults struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Store holds the loaded templates.
type Store struct {
	templates map[string]*Template
	defaults  StoreDefaults
	log       zerolog.Logger
}

// renderDefaults fill common parameters left unset by the caller.
var renderDefaults = map[string]string{
	"video_duration": "unknown",
	"subject_area":   "general",
	"detail_level":   "comprehensive",
	"max_length":     "500",
	"focus_areas":    "key concepts and learning points",
}

// NewStore loads every *.yaml file under dir. Files that fail to parse
// are skipped with a warning.
func NewStore(dir string, defaults StoreDefaults, log zerolog.Logger) (*Store, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.New(errors.CodeFileNotFound, "template", "template directory not found", err)
	}

	s := &Store{
		templates: make(map[string]*Template),
		defaults:  defaults,
		log:       log.With().Str("component", "template").Logger(),
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.log.Warn().Err(err).Str("file", path).Msg("failed to read template file")
			continue
		}

		var tf templateFile
		if err := yaml.Unmarshal(data, &tf); err != nil {
			s.log.Warn().Err(err).Str("file", path).Msg("failed to parse template file")
			continue
		}

		if len(tf.Templates) > 0 {
			for name, t := range tf.Templates {
				t.Name = name
				s.templates[name] = t
			}
			continue
		}

		t := tf.Template
		if t.Name == "" {
			t.Name = strings.TrimSuffix(e.Name(), ".yaml")
		}
		s.templates[t.Name] = &t
	}

	s.log.Info().Int("templates", len(s.templates)).Str("dir", dir).Msg("templates loaded")
	return s, nil
}

// Has reports whether a template with the given name is loaded.
func (s *Store) Has(name string) bool {
	_, ok := s.templates[name]
	return ok
}

// Get returns a template by name.
func (s *Store) Get(name string) (*Template, error) {
	t, ok := s.templates[name]
	if !ok {
		return nil, errors.Newf(errors.CodeTemplateNotFound, "template", "template %q not found", name)
	}
	return t, nil
}

// Meta is the listing view of one template.
type Meta struct {
	Name        string
	Version     string
	Description string
	Parameters  []string
}

// List returns metadata for all templates, sorted by name.
func (s *Store) List() []Meta {
	out := make([]Meta, 0, len(s.templates))
	for _, t := range s.templates {
		version := t.Version
		if version == "" {
			version = "1.0"
		}
		desc := t.Description
		if desc == "" {
			desc = "No description available"
		}
		out = append(out, Meta{Name: t.Name, Version: version, Description: desc, Parameters: t.Parameters})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Render substitutes parameters into the named template's prompt.
// Unknown placeholders are left untouched; missing required parameters
// are an error.
func (s *Store) Render(name string, params map[string]string) (string, error) {
	t, err := s.Get(name)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(t.Prompt) == "" {
		return "", errors.Newf(errors.CodeValidationFailed, "template", "template %q has no prompt content", name)
	}

	merged := make(map[string]string, len(renderDefaults)+len(t.Defaults)+len(params))
	for k, v := range renderDefaults {
		merged[k] = v
	}
	for k, v := range t.Defaults {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}

	var missing []string
	for _, p := range t.Parameters {
		if _, ok := merged[p]; !ok {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return "", errors.Newf(errors.CodeInvalidParameter, "template",
			"missing required parameters for template %q: %s", name, strings.Join(missing, ", "))
	}

	rendered := os.Expand(t.Prompt, func(key string) string {
		if v, ok := merged[key]; ok {
			return v
		}
		return "${" + key + "}"
	})
	return rendered, nil
}

// Config resolves the model settings for a template, falling back to
// store defaults for anything the template leaves unset.
func (s *Store) Config(name string) (ModelConfig, error) {
	t, err := s.Get(name)
	if err != nil {
		return ModelConfig{}, err
	}

	cfg := ModelConfig{
		Model:       s.defaults.Model,
		Temperature: s.defaults.Temperature,
		MaxTokens:   s.defaults.MaxTokens,
	}
	if v, ok := t.ModelConfig["model"].(string); ok && v != "" {
		cfg.Model = v
	}
	switch v := t.ModelConfig["temperature"].(type) {
	case float64:
		cfg.Temperature = v
	case int:
		cfg.Temperature = float64(v)
	}
	if v, ok := t.ModelConfig["max_tokens"].(int); ok && v > 0 {
		cfg.MaxTokens = v
	}
	return cfg, nil
}

// Validate checks a template's structure and returns the problems
// found, empty when valid.
func Validate(t *Template) []string {
	var problems []string
	if t.Name == "" {
		problems = append(problems, "template missing 'name' field")
	}
	if strings.TrimSpace(t.Prompt) == "" {
		problems = append(problems, "template missing 'prompt' content")
	}
	return problems
}
