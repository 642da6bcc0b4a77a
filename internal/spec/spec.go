// Package spec loads the declarative service specification (service.yaml)
// that selects between the recipe variants and carries deploy-time defaults.
package spec

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"stowage/internal/recipe"
)

// DefaultFileName is the specification filename looked up in a build context.
const DefaultFileName = "service.yaml"

// ErrNotFound reports that no specification file exists at the given path.
var ErrNotFound = errors.New("service specification not found")

// ServiceSpec describes how a web service should be containerized.
type ServiceSpec struct {
	// Name identifies the service; used for tags and artifact metadata.
	Name string `yaml:"name"`
	// Variant selects the start command: development or production.
	Variant recipe.Variant `yaml:"variant"`
	// Port the container listens on. Declared, not bound, at build time.
	Port int `yaml:"port"`
	// Entry is the directly runnable entry file.
	Entry string `yaml:"entry"`
	// WSGI is the importable handler object, module:object.
	WSGI string `yaml:"wsgi"`
	// BaseImage overrides the default pinned interpreter image.
	BaseImage string `yaml:"base_image"`
	// Workers is the process-manager worker count, 0 for its default.
	Workers int `yaml:"workers"`
	// Manifest is the dependency manifest path, context-relative.
	Manifest string `yaml:"manifest"`
	// Env lists extra environment variables baked into the image.
	Env map[string]string `yaml:"env"`
}

// Load reads a service specification from path.
func Load(path string) (ServiceSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ServiceSpec{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return ServiceSpec{}, fmt.Errorf("read specification: %w", err)
	}

	var s ServiceSpec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return ServiceSpec{}, fmt.Errorf("parse %s: %w", path, err)
	}

	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return ServiceSpec{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Default returns the specification used when no service.yaml exists.
func Default(name string) ServiceSpec {
	s := ServiceSpec{Name: name}
	s.applyDefaults()
	return s
}

func (s *ServiceSpec) applyDefaults() {
	if s.Name == "" {
		s.Name = "service"
	}
	if s.Variant == "" {
		s.Variant = recipe.VariantProduction
	}
	if s.Port == 0 {
		s.Port = recipe.DefaultPort
	}
	if s.Entry == "" {
		if s.WSGI != "" {
			module, _, _ := strings.Cut(s.WSGI, ":")
			s.Entry = module + ".py"
		} else {
			s.Entry = recipe.DefaultEntry
		}
	}
	if s.WSGI == "" {
		s.WSGI = strings.TrimSuffix(s.Entry, ".py") + ":app"
	}
	if s.BaseImage == "" {
		s.BaseImage = recipe.DefaultPythonBase
	}
	if s.Manifest == "" {
		s.Manifest = recipe.DefaultManifest
	}
}

// Validate checks field ranges and formats.
func (s ServiceSpec) Validate() error {
	if s.Variant != recipe.VariantDevelopment && s.Variant != recipe.VariantProduction {
		return fmt.Errorf("unknown variant %q", s.Variant)
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("port %d is out of range", s.Port)
	}
	if !strings.Contains(s.WSGI, ":") {
		return fmt.Errorf("malformed wsgi target %q: want module:object", s.WSGI)
	}
	if s.Workers < 0 {
		return fmt.Errorf("negative worker count %d", s.Workers)
	}
	return nil
}

// RecipeOptions maps the specification onto recipe synthesis options.
func (s ServiceSpec) RecipeOptions() recipe.PythonOptions {
	return recipe.PythonOptions{
		BaseImage:  s.BaseImage,
		Variant:    s.Variant,
		Port:       s.Port,
		Entry:      s.Entry,
		WSGITarget: s.WSGI,
		Workers:    s.Workers,
		Manifest:   s.Manifest,
	}
}

// Render serializes the specification back to yaml, for `stowage init`.
func (s ServiceSpec) Render() ([]byte, error) {
	return yaml.Marshal(s)
}
