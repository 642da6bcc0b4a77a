// Package deps executes the dependency-install step of a build: resolving
// the manifest through pip into a staging directory that becomes its own
// image layer.
package deps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"

	"stowage/internal/logging"
	"stowage/internal/manifest"
	"stowage/internal/recipe"
)

// ErrInstallFailed wraps a non-zero installer exit. The build aborts on it;
// there is no retry.
var ErrInstallFailed = errors.New("dependency install failed")

// PipInstaller runs the host interpreter's pip with an isolated --target
// directory. Network access is required unless the manifest is empty.
type PipInstaller struct {
	// Python is the interpreter binary, defaulting to python3.
	Python string
	Logger *slog.Logger
}

// Install resolves the step's requirements into targetDir. An empty manifest
// completes immediately without spawning an installer.
func (i *PipInstaller) Install(ctx context.Context, contextDir string, step recipe.InstallStep, targetDir string) error {
	logger := logging.Ensure(i.Logger)

	manifestArg := ""
	if step.Manifest != "" {
		m, err := manifest.Load(filepath.Join(contextDir, step.Manifest))
		if err != nil {
			return err
		}
		if !m.Empty() {
			manifestArg = step.Manifest
		}
	}
	if manifestArg == "" && len(step.Packages) == 0 {
		logger.Info("no packages to install, skipping install step")
		return nil
	}

	args := []string{"-m", "pip", "install", "--no-cache-dir", "--disable-pip-version-check", "--target", targetDir}
	if manifestArg != "" {
		args = append(args, "-r", manifestArg)
	}
	args = append(args, step.Packages...)

	cmd := exec.CommandContext(ctx, i.python(), args...)
	cmd.Dir = contextDir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logger.Debug("running dependency install", "cmd", strings.Join(cmd.Args, " "))
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w (exit %d): %s", ErrInstallFailed, exitErr.ExitCode(), lastLines(stderr.String(), 5))
		}
		return fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}
	return nil
}

func (i *PipInstaller) python() string {
	if i.Python != "" {
		return i.Python
	}
	return "python3"
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
