// Package manifest reads dependency manifests in the requirements.txt
// format: one requirement per line, `#` comments, optional version
// specifiers and extras.
package manifest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// ErrMissing reports that the dependency manifest named by the recipe does
// not exist in the build context. The build must fail on this before the
// install step runs.
var ErrMissing = errors.New("dependency manifest not found")

// Requirement is a single entry of the manifest.
type Requirement struct {
	// Name is the package name, without extras or specifier.
	Name string
	// Specifier is the version constraint, e.g. `==2.0.3` or `>=1.2,<2`.
	Specifier string
	// Raw is the verbatim manifest line, passed through to the installer.
	Raw string
}

// Manifest is an ordered list of requirements.
type Manifest struct {
	Path         string
	Requirements []Requirement
}

// Empty reports whether the manifest lists no packages. An empty manifest is
// valid: the install step completes without doing anything.
func (m Manifest) Empty() bool {
	return len(m.Requirements) == 0
}

var (
	namePattern      = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9._-]*[A-Za-z0-9])?(\[[A-Za-z0-9._,\s-]+\])?$`)
	specifierPattern = regexp.MustCompile(`^(==|!=|<=|>=|<|>|~=|===)\s*[A-Za-z0-9.*+!_-]+$`)
)

// Load reads and validates the manifest at path.
func Load(path string) (Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, fmt.Errorf("%w: %s", ErrMissing, path)
		}
		return Manifest{}, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	m, err := Parse(f)
	if err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

// Parse reads a manifest from r. Comment and blank lines are skipped;
// malformed names or version specifiers are reported with their line number
// so the build aborts before an installer ever runs.
func Parse(r io.Reader) (Manifest, error) {
	var m Manifest

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		if idx := strings.Index(line, "#"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" {
			continue
		}
		// Pip options (-r includes, --index-url, ...) are not requirements;
		// nested includes are out of scope for a single-manifest build.
		if strings.HasPrefix(line, "-") {
			return Manifest{}, fmt.Errorf("line %d: manifest options are not supported: %q", lineNo, line)
		}

		req, err := parseRequirement(line)
		if err != nil {
			return Manifest{}, fmt.Errorf("line %d: %w", lineNo, err)
		}
		m.Requirements = append(m.Requirements, req)
	}
	if err := scanner.Err(); err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}

	return m, nil
}

func parseRequirement(line string) (Requirement, error) {
	// Environment markers don't affect validation of the requirement itself.
	spec, _, _ := strings.Cut(line, ";")
	spec = strings.TrimSpace(spec)

	idx := strings.IndexAny(spec, "=<>!~")
	if idx < 0 {
		if !namePattern.MatchString(spec) {
			return Requirement{}, fmt.Errorf("malformed requirement %q", line)
		}
		return Requirement{Name: trimExtras(spec), Raw: line}, nil
	}

	name := strings.TrimSpace(spec[:idx])
	constraint := strings.TrimSpace(spec[idx:])
	if !namePattern.MatchString(name) {
		return Requirement{}, fmt.Errorf("malformed requirement name %q", name)
	}
	for _, clause := range strings.Split(constraint, ",") {
		if !specifierPattern.MatchString(strings.TrimSpace(clause)) {
			return Requirement{}, fmt.Errorf("malformed version specifier %q in %q", clause, line)
		}
	}

	return Requirement{Name: trimExtras(name), Specifier: constraint, Raw: line}, nil
}

func trimExtras(name string) string {
	base, _, _ := strings.Cut(name, "[")
	return base
}
