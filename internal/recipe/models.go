package recipe

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Variant selects between the two supported start-command styles.
type Variant string

// Supported variants.
const (
	// VariantDevelopment starts the application through a direct interpreter
	// invocation of the entry file. Single process, no supervision.
	VariantDevelopment Variant = "development"
	// VariantProduction starts the application through a process manager
	// bound to a host/port pair, fronting the application's WSGI object.
	VariantProduction Variant = "production"
)

// StartKind classifies the recipe's start command.
type StartKind int

const (
	StartUnset StartKind = iota
	// StartDevServer is `<interpreter> <entry-file>`.
	StartDevServer
	// StartProcessManager is `<manager> -b <host:port> <module:object>`.
	StartProcessManager
)

// CopyStep copies a file or directory from the build context into the image,
// relative to the working directory when the destination is relative.
type CopyStep struct {
	Source string
	Dest   string
}

// EnvVar is a single environment assignment declared by the recipe.
type EnvVar struct {
	Name  string
	Value string
}

// InstallStep is the dependency-install instruction. Exactly one of Manifest
// or Packages is normally set; both may appear in a single pip invocation.
type InstallStep struct {
	// Manifest is the context-relative path of the dependency manifest
	// (the `-r` argument).
	Manifest string
	// Packages holds inline requirement specifiers.
	Packages []string
}

// StartCommand is the declared container start command, classified into one
// of the two supported variants.
type StartCommand struct {
	Kind StartKind

	// Dev server form.
	Interpreter string
	Script      string

	// Process manager form.
	Manager string
	Bind    string
	Target  string
	Workers int

	// Raw preserves the declared argv before classification.
	Raw []string
}

// Recipe is a parsed build recipe: one base image, a working directory, copy
// steps, at most one install step, declared ports, and a start command.
type Recipe struct {
	BaseImage  string
	WorkingDir string
	Copies     []CopyStep
	Env        []EnvVar
	Installs   []InstallStep
	Ports      []int
	Start      StartCommand
}

// Structural validation failures.
var (
	ErrNoBaseImage     = errors.New("recipe declares no base image")
	ErrNoStartCommand  = errors.New("recipe declares no start command")
	ErrNoCopySteps     = errors.New("recipe copies no files into the image")
	ErrEmptyInstall    = errors.New("install step names neither a manifest nor packages")
	ErrUnsupportedPort = errors.New("declared port is out of range")
)

// Validate checks the recipe for structural completeness. Reference pinning
// is checked separately when the base image is pulled.
func (r Recipe) Validate() error {
	if strings.TrimSpace(r.BaseImage) == "" {
		return ErrNoBaseImage
	}
	if len(r.Copies) == 0 {
		return ErrNoCopySteps
	}
	for _, step := range r.Installs {
		if step.Manifest == "" && len(step.Packages) == 0 {
			return ErrEmptyInstall
		}
	}
	for _, port := range r.Ports {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%w: %d", ErrUnsupportedPort, port)
		}
	}
	if r.Start.Kind == StartUnset {
		return ErrNoStartCommand
	}
	return nil
}

// Variant reports which start-command variant the recipe uses.
func (r Recipe) Variant() Variant {
	if r.Start.Kind == StartProcessManager {
		return VariantProduction
	}
	return VariantDevelopment
}

// Port returns the first declared port, or fallback when none is declared.
func (r Recipe) Port(fallback int) int {
	if len(r.Ports) > 0 {
		return r.Ports[0]
	}
	return fallback
}

// EntryFile derives the application entry file the start command depends on:
// the script of a dev-server command, or `<module>.py` for a process-manager
// target of the form `module:object`.
func (r Recipe) EntryFile() string {
	switch r.Start.Kind {
	case StartDevServer:
		return r.Start.Script
	case StartProcessManager:
		module, _, ok := strings.Cut(r.Start.Target, ":")
		if !ok || module == "" || strings.Contains(module, ".") {
			return ""
		}
		return module + ".py"
	}
	return ""
}

// Argv resolves the start command into the argv baked into the image config.
// The process-manager form runs through `python -m` so the manager is found
// on PYTHONPATH rather than relying on installed console scripts; `$PORT`
// placeholders in the bind address resolve to the declared port.
func (s StartCommand) Argv(port int) []string {
	switch s.Kind {
	case StartDevServer:
		return []string{s.Interpreter, s.Script}
	case StartProcessManager:
		bind := s.Bind
		if bind == "" {
			bind = fmt.Sprintf("0.0.0.0:%d", port)
		}
		bind = strings.ReplaceAll(bind, "$PORT", strconv.Itoa(port))
		if strings.HasPrefix(bind, ":") {
			bind = "0.0.0.0" + bind
		}
		argv := []string{"python", "-m", s.Manager, "-b", bind}
		if s.Workers > 0 {
			argv = append(argv, "-w", strconv.Itoa(s.Workers))
		}
		return append(argv, s.Target)
	}
	return append([]string(nil), s.Raw...)
}
