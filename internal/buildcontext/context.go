// Package buildcontext turns the source tree referenced by a recipe's copy
// steps into container image layers. Layer construction is deterministic so
// the same context always yields the same layer digest.
package buildcontext

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/moby/patternmatcher"

	"stowage/internal/manifest"
	"stowage/internal/recipe"
)

// IgnoreFileName is the ignore-rule file honored inside a build context.
const IgnoreFileName = ".dockerignore"

// ErrMissingEntry reports that the application entry file the start command
// depends on does not exist at the copy source.
var ErrMissingEntry = errors.New("application entry file not found in build context")

// Loader loads build contexts from the local filesystem.
type Loader struct {
	// IgnoreFile overrides the ignore-rule filename; empty means
	// IgnoreFileName.
	IgnoreFile string
}

// EnsureBuildable verifies the gate conditions that must hold before any
// pipeline step with side effects runs: the dependency manifest and the
// application entry file exist at the copy source.
func (l *Loader) EnsureBuildable(dir string, rec recipe.Recipe) error {
	for _, step := range rec.Installs {
		if step.Manifest == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, step.Manifest)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: %s", manifest.ErrMissing, step.Manifest)
			}
			return fmt.Errorf("stat manifest: %w", err)
		}
	}

	if entry := rec.EntryFile(); entry != "" {
		if _, err := os.Stat(filepath.Join(dir, entry)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: %s", ErrMissingEntry, entry)
			}
			return fmt.Errorf("stat entry file: %w", err)
		}
	}
	return nil
}

// SourceLayer builds one layer holding everything the recipe's copy steps
// place into the image.
func (l *Loader) SourceLayer(dir string, rec recipe.Recipe) (v1.Layer, error) {
	matcher, err := l.ignoreMatcher(dir)
	if err != nil {
		return nil, err
	}

	workdir := rec.WorkingDir
	if workdir == "" {
		workdir = "/"
	}

	var entries []tarEntry
	for _, step := range rec.Copies {
		stepEntries, err := resolveCopyStep(dir, workdir, step, matcher)
		if err != nil {
			return nil, err
		}
		entries = append(entries, stepEntries...)
	}
	if len(entries) == 0 {
		return nil, errors.New("copy steps matched no files")
	}

	return layerFromEntries(entries)
}

// PackagesLayer builds a layer from an installed-packages staging directory,
// rooted at imagePath inside the image.
func (l *Loader) PackagesLayer(stagingDir, imagePath string) (v1.Layer, error) {
	entries, err := collectTree(stagingDir, imagePath, nil)
	if err != nil {
		return nil, err
	}
	return layerFromEntries(entries)
}

func (l *Loader) ignoreMatcher(dir string) (*patternmatcher.PatternMatcher, error) {
	name := l.IgnoreFile
	if name == "" {
		name = IgnoreFileName
	}

	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read ignore file: %w", err)
	}

	var patterns []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if len(patterns) == 0 {
		return nil, nil
	}

	matcher, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, fmt.Errorf("parse ignore patterns: %w", err)
	}
	return matcher, nil
}

// resolveCopyStep maps one copy step to tar entries. Relative destinations
// resolve against the recipe working directory, as the build tool would.
func resolveCopyStep(dir, workdir string, step recipe.CopyStep, matcher *patternmatcher.PatternMatcher) ([]tarEntry, error) {
	dest := step.Dest
	if !path.IsAbs(dest) {
		dest = path.Join(workdir, dest)
	}

	if step.Source == "." || step.Source == "./" {
		return collectTree(dir, dest, matcher)
	}

	src := filepath.Join(dir, filepath.FromSlash(step.Source))
	info, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("copy source %q not found in build context", step.Source)
		}
		return nil, fmt.Errorf("stat copy source: %w", err)
	}

	if info.IsDir() {
		return collectTree(src, path.Join(dest, path.Base(step.Source)), matcher)
	}

	// A destination of `.` or with a trailing slash is a directory; anything
	// else names the target file (`COPY app.py main.py` renames).
	name := dest
	if step.Dest == "." || strings.HasSuffix(step.Dest, "/") || strings.HasSuffix(step.Dest, "/.") {
		name = path.Join(dest, path.Base(step.Source))
	}
	return []tarEntry{{name: name, path: src, mode: info.Mode()}}, nil
}

func collectTree(root, dest string, matcher *patternmatcher.PatternMatcher) ([]tarEntry, error) {
	var entries []tarEntry

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if matcher != nil {
			ignored, err := matcher.MatchesOrParentMatches(rel)
			if err != nil {
				return fmt.Errorf("match %q: %w", rel, err)
			}
			if ignored {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		entry := tarEntry{
			name: path.Join(dest, rel),
			mode: info.Mode(),
		}
		switch {
		case d.IsDir():
			entry.dir = true
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			entry.link = link
		default:
			entry.path = p
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return entries, nil
}
