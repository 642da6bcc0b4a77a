package build

import (
	"context"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"stowage/internal/image"
	"stowage/internal/imagestore"
	"stowage/internal/recipe"
	"stowage/internal/spec"
	"stowage/internal/store"
)

// RecipeResolver produces the effective recipe and service specification for
// a build request.
type RecipeResolver interface {
	Resolve(request BuildRequest) (recipe.Recipe, spec.ServiceSpec, error)
}

// ContextLoader validates the build context and turns it into layers.
type ContextLoader interface {
	// EnsureBuildable fails when the dependency manifest or the application
	// entry file is missing from the copy source. Runs before any pipeline
	// step with side effects.
	EnsureBuildable(dir string, rec recipe.Recipe) error
	SourceLayer(dir string, rec recipe.Recipe) (v1.Layer, error)
	PackagesLayer(stagingDir, imagePath string) (v1.Layer, error)
}

// BasePuller fetches the pinned base image.
type BasePuller interface {
	Pull(ctx context.Context, ref string) (v1.Image, error)
}

// DependencyInstaller executes one install step into a staging directory.
type DependencyInstaller interface {
	Install(ctx context.Context, contextDir string, step recipe.InstallStep, targetDir string) error
}

// ImageAssembler layers build output onto the base and applies runtime
// configuration.
type ImageAssembler interface {
	Assemble(base v1.Image, layers []v1.Layer, cfg image.RuntimeConfig) (v1.Image, error)
}

// ImagePublisher persists the produced image and its metadata.
type ImagePublisher interface {
	Publish(img v1.Image, artifact imagestore.ImageArtifact) (imagestore.ImageArtifact, error)
}

// BuildRecorder appends to build history.
type BuildRecorder interface {
	Record(rec store.BuildRecord) error
}
