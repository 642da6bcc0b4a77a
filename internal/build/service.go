// Package build runs the image build pipeline: resolve the recipe, validate
// the context, pull the base, stage dependencies, assemble layers and publish
// the result. Steps run strictly in order and the first failure aborts the
// build.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/uuid"

	"stowage/internal/image"
	"stowage/internal/imagestore"
	"stowage/internal/logging"
	"stowage/internal/recipe"
	"stowage/internal/spec"
	"stowage/internal/store"
)

// PackagesPath is where installed dependencies live inside the image. The
// produced config points PYTHONPATH at it.
const PackagesPath = "/opt/stowage/packages"

// BuildService wires the pipeline steps together. All adapters must be set.
type BuildService struct {
	Logger *slog.Logger

	Resolver  RecipeResolver
	Contexts  ContextLoader
	Puller    BasePuller
	Installer DependencyInstaller
	Assembler ImageAssembler
	Publisher ImagePublisher
	History   BuildRecorder
}

// Run executes one build. Every run gets a history row, succeeded or not;
// a run aborted by context cancellation is recorded as cancelled.
func (s *BuildService) Run(ctx context.Context, request BuildRequest) (BuildOutput, error) {
	logger := logging.Ensure(s.Logger)

	buildID := uuid.NewString()
	started := request.RequestedAt
	if started.IsZero() {
		started = time.Now()
	}
	logger = logger.With("build", buildID)

	record := store.BuildRecord{
		ID:        buildID,
		Status:    string(BuildStatusRunning),
		StartedAt: started,
	}
	fail := func(err error) (BuildOutput, error) {
		record.Status = string(BuildStatusFailed)
		if errors.Is(err, context.Canceled) {
			record.Status = string(BuildStatusCancelled)
		}
		record.Error = err.Error()
		record.Duration = time.Since(started)
		s.record(logger, record)
		return BuildOutput{BuildID: buildID}, err
	}

	rec, svc, err := s.Resolver.Resolve(request)
	if err != nil {
		return fail(fmt.Errorf("resolve recipe: %w", err))
	}
	record.Service = svc.Name
	record.Variant = string(rec.Variant())
	record.BaseImage = rec.BaseImage

	if err := rec.Validate(); err != nil {
		return fail(fmt.Errorf("invalid recipe: %w", err))
	}
	if err := image.RequirePinned(rec.BaseImage); err != nil {
		return fail(err)
	}

	tag := request.Tag
	if tag == "" {
		tag = fmt.Sprintf("stowage/%s:%s", svc.Name, buildID)
	}
	logger.Info("starting build",
		"service", svc.Name,
		"variant", record.Variant,
		"base", rec.BaseImage,
		"tag", tag)

	if err := s.Contexts.EnsureBuildable(request.ContextDir, rec); err != nil {
		return fail(err)
	}

	base, err := s.Puller.Pull(ctx, rec.BaseImage)
	if err != nil {
		return fail(err)
	}

	sourceLayer, err := s.Contexts.SourceLayer(request.ContextDir, rec)
	if err != nil {
		return fail(fmt.Errorf("build source layer: %w", err))
	}
	layers := []v1.Layer{sourceLayer}
	summaries := []LayerSummary{layerSummary("source", sourceLayer)}

	staging, err := os.MkdirTemp("", "stowage-packages-")
	if err != nil {
		return fail(fmt.Errorf("create staging directory: %w", err))
	}
	defer os.RemoveAll(staging)

	for _, step := range rec.Installs {
		if err := s.Installer.Install(ctx, request.ContextDir, step, staging); err != nil {
			return fail(err)
		}
	}

	withPackages, err := dirHasEntries(staging)
	if err != nil {
		return fail(err)
	}
	if withPackages {
		packagesLayer, err := s.Contexts.PackagesLayer(staging, PackagesPath)
		if err != nil {
			return fail(fmt.Errorf("build packages layer: %w", err))
		}
		layers = append(layers, packagesLayer)
		summaries = append(summaries, layerSummary("packages", packagesLayer))
	}

	port := rec.Port(svc.Port)
	img, err := s.Assembler.Assemble(base, layers, s.runtimeConfig(rec, svc, buildID, port, withPackages))
	if err != nil {
		return fail(fmt.Errorf("assemble image: %w", err))
	}

	digest, err := img.Digest()
	if err != nil {
		return fail(fmt.Errorf("compute image digest: %w", err))
	}

	artifact, err := s.Publisher.Publish(img, imagestore.ImageArtifact{
		ID:        buildID,
		Service:   svc.Name,
		Variant:   record.Variant,
		Reference: tag,
		Digest:    digest.String(),
		BaseImage: rec.BaseImage,
		Port:      port,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fail(fmt.Errorf("publish image: %w", err))
	}

	record.Status = string(BuildStatusSucceeded)
	record.ImageDigest = artifact.Digest
	record.TarballPath = artifact.TarballPath
	record.Duration = time.Since(started)
	s.record(logger, record)

	logger.Info("build succeeded",
		"digest", artifact.Digest,
		"tarball", artifact.TarballPath,
		"duration", record.Duration.Round(time.Millisecond))
	return BuildOutput{
		BuildID:  buildID,
		Artifact: artifact,
		Layers:   summaries,
		Duration: record.Duration,
	}, nil
}

func (s *BuildService) runtimeConfig(rec recipe.Recipe, svc spec.ServiceSpec, buildID string, port int, withPackages bool) image.RuntimeConfig {
	env := make([]string, 0, len(rec.Env)+len(svc.Env)+2)
	for _, v := range rec.Env {
		env = append(env, v.Name+"="+v.Value)
	}
	names := make([]string, 0, len(svc.Env))
	for name := range svc.Env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		env = append(env, name+"="+svc.Env[name])
	}
	env = append(env, fmt.Sprintf("PORT=%d", port))
	if withPackages {
		env = append(env, "PYTHONPATH="+PackagesPath)
	}

	return image.RuntimeConfig{
		WorkingDir:   rec.WorkingDir,
		Env:          env,
		ExposedPorts: []int{port},
		Argv:         rec.Start.Argv(port),
		Labels: map[string]string{
			"org.stowage.service": svc.Name,
			"org.stowage.variant": string(rec.Variant()),
			"org.stowage.build":   buildID,
		},
	}
}

// record writes a history row; a failed write is logged, not fatal, so the
// build result still reaches the caller.
func (s *BuildService) record(logger *slog.Logger, rec store.BuildRecord) {
	if s.History == nil {
		return
	}
	if err := s.History.Record(rec); err != nil {
		logger.Warn("failed to record build", "error", err)
	}
}

func layerSummary(kind string, layer v1.Layer) LayerSummary {
	summary := LayerSummary{Kind: kind}
	if digest, err := layer.Digest(); err == nil {
		summary.Digest = digest.String()
	}
	if size, err := layer.Size(); err == nil {
		summary.SizeBytes = size
	}
	return summary
}

func dirHasEntries(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, fmt.Errorf("read staging directory: %w", err)
	}
	return len(entries) > 0, nil
}
