// Package simple wires the default component graph: local image repository,
// sqlite build history, remote base puller and host pip installer. The CLI
// and embedding programs go through here instead of assembling services by
// hand.
package simple

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"stowage/internal/build"
	"stowage/internal/buildcontext"
	"stowage/internal/deps"
	"stowage/internal/image"
	"stowage/internal/imagestore"
	"stowage/internal/logging"
	"stowage/internal/recipe"
	"stowage/internal/smoke"
	"stowage/internal/spec"
	"stowage/internal/store"
	"stowage/internal/watch"
)

// Default locations under the data directory.
var (
	DefaultDataDir   = "/var/lib/stowage"
	DefaultImageDir  = filepath.Join(DefaultDataDir, "images")
	DefaultStorePath = filepath.Join(DefaultDataDir, "builds.db")
)

// BuildOptions parameterize one build invocation.
type BuildOptions struct {
	// ContextDir is the build context, defaulting to the current directory.
	ContextDir string
	// RecipePath optionally names an explicit recipe file.
	RecipePath string
	// SpecPath optionally names an explicit service.yaml.
	SpecPath string
	// Variant optionally overrides the specification's variant.
	Variant string
	// Tag optionally overrides the produced image reference.
	Tag string
	// ImageDir overrides DefaultImageDir.
	ImageDir string
	// StorePath overrides DefaultStorePath.
	StorePath string
}

func (o *BuildOptions) applyDefaults() error {
	if o.ContextDir == "" {
		dir, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
		o.ContextDir = dir
	}
	if o.ImageDir == "" {
		o.ImageDir = DefaultImageDir
	}
	if o.StorePath == "" {
		o.StorePath = DefaultStorePath
	}
	return nil
}

// Build executes the end-to-end flow to produce an image for the context.
func Build(ctx context.Context, opts BuildOptions) (build.BuildOutput, error) {
	return BuildWithLogger(ctx, opts, nil)
}

// BuildWithLogger executes the end-to-end flow to produce an image for the
// context using the provided logger.
func BuildWithLogger(ctx context.Context, opts BuildOptions, logger *slog.Logger) (build.BuildOutput, error) {
	logger = logging.Ensure(logger).With("component", "config.simple")

	if err := opts.applyDefaults(); err != nil {
		return build.BuildOutput{}, err
	}

	history, err := store.Open(opts.StorePath)
	if err != nil {
		return build.BuildOutput{}, err
	}
	defer history.Close()

	buildService := &build.BuildService{
		Logger:   logger.With("service", "build"),
		Resolver: build.FileRecipeResolver{},
		Contexts: &buildcontext.Loader{},
		Puller:   &image.RemotePuller{},
		Installer: &deps.PipInstaller{
			Logger: logger.With("driver", "pip"),
		},
		Assembler: image.Assembler{},
		Publisher: &imagestore.LocalPublisher{
			Repository: &imagestore.LocalImageRepository{BaseDir: opts.ImageDir},
		},
		History: history,
	}

	return buildService.Run(ctx, build.BuildRequest{
		ContextDir:  opts.ContextDir,
		RecipePath:  opts.RecipePath,
		SpecPath:    opts.SpecPath,
		Variant:     recipe.Variant(opts.Variant),
		Tag:         opts.Tag,
		RequestedAt: time.Now(),
	})
}

// WatchAndBuild builds once, then rebuilds after every settled change to the
// context until the context is cancelled.
func WatchAndBuild(ctx context.Context, opts BuildOptions, logger *slog.Logger) error {
	logger = logging.Ensure(logger)

	if err := opts.applyDefaults(); err != nil {
		return err
	}
	if _, err := BuildWithLogger(ctx, opts, logger); err != nil {
		logger.Error("initial build failed", "error", err)
	}

	watcher := &watch.Watcher{Logger: logger.With("component", "watch")}
	return watcher.Watch(ctx, opts.ContextDir, func(ctx context.Context) error {
		_, err := BuildWithLogger(ctx, opts, logger)
		return err
	})
}

// RunOptions parameterize a smoke run against a built image.
type RunOptions struct {
	// BuildID selects the image; empty or `latest` means the newest one.
	BuildID string
	// HostPort is the loopback port to publish; defaults to the image's
	// declared port.
	HostPort int
	// Timeout bounds the probe.
	Timeout time.Duration
	// ImageDir overrides DefaultImageDir.
	ImageDir string
}

// Run loads a built image into the local container runtime and probes it.
func Run(ctx context.Context, opts RunOptions, logger *slog.Logger) (smoke.Report, error) {
	logger = logging.Ensure(logger)

	imageDir := opts.ImageDir
	if imageDir == "" {
		imageDir = DefaultImageDir
	}
	repository := &imagestore.LocalImageRepository{BaseDir: imageDir}

	var (
		artifact *imagestore.ImageArtifact
		err      error
	)
	if opts.BuildID == "" || opts.BuildID == "latest" {
		artifact, err = repository.Latest()
	} else {
		artifact, err = repository.Get(opts.BuildID)
	}
	if err != nil {
		return smoke.Report{}, err
	}
	if artifact == nil {
		return smoke.Report{}, fmt.Errorf("no built image found, run a build first")
	}

	runner := &smoke.Runner{Logger: logger.With("component", "smoke")}
	return runner.Run(ctx, smoke.Options{
		TarballPath:   artifact.TarballPath,
		Reference:     artifact.Reference,
		ContainerPort: artifact.Port,
		HostPort:      opts.HostPort,
		Timeout:       opts.Timeout,
	})
}

// List returns the stored images, newest first.
func List(imageDir string) ([]imagestore.ImageArtifact, error) {
	if imageDir == "" {
		imageDir = DefaultImageDir
	}

	repository := &imagestore.LocalImageRepository{BaseDir: imageDir}
	artifacts, err := repository.List()
	if err != nil {
		return nil, err
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].CreatedAt.After(artifacts[j].CreatedAt)
	})
	return artifacts, nil
}

// History returns recent build records, newest first.
func History(storePath string, limit int) ([]store.BuildRecord, error) {
	if storePath == "" {
		storePath = DefaultStorePath
	}

	history, err := store.Open(storePath)
	if err != nil {
		return nil, err
	}
	defer history.Close()

	return history.List(limit)
}

// Init writes a starter service.yaml and recipe into dir. Existing files are
// left alone.
func Init(dir, name, variant string) error {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
		dir = wd
	}
	if name == "" {
		name = filepath.Base(dir)
	}

	svc := spec.Default(name)
	if variant != "" {
		svc.Variant = recipe.Variant(variant)
	}
	if err := svc.Validate(); err != nil {
		return err
	}

	specPath := filepath.Join(dir, spec.DefaultFileName)
	if _, err := os.Stat(specPath); os.IsNotExist(err) {
		rendered, err := svc.Render()
		if err != nil {
			return err
		}
		if err := os.WriteFile(specPath, rendered, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", spec.DefaultFileName, err)
		}
	}

	recipePath := filepath.Join(dir, recipe.DefaultRecipeName)
	if _, err := os.Stat(recipePath); os.IsNotExist(err) {
		rendered, err := recipe.RenderPython(svc.RecipeOptions())
		if err != nil {
			return err
		}
		if err := os.WriteFile(recipePath, []byte(rendered), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", recipe.DefaultRecipeName, err)
		}
	}
	return nil
}
