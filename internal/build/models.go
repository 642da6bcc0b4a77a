package build

import (
	"time"

	"stowage/internal/imagestore"
	"stowage/internal/recipe"
)

// BuildStatus captures overall lifecycle states for an image build run.
type BuildStatus string

// Supported build statuses.
const (
	BuildStatusPending   BuildStatus = "pending"
	BuildStatusRunning   BuildStatus = "running"
	BuildStatusSucceeded BuildStatus = "succeeded"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusCancelled BuildStatus = "cancelled"
)

// BuildRequest describes one requested image build.
type BuildRequest struct {
	// ContextDir is the build context root: the copy source for the image.
	ContextDir string
	// RecipePath optionally names an explicit recipe file. When empty, the
	// context's Dockerfile is used if present, otherwise a recipe is
	// synthesized from the service specification.
	RecipePath string
	// SpecPath optionally names an explicit service.yaml.
	SpecPath string
	// Variant optionally overrides the specification's variant.
	Variant recipe.Variant
	// Tag optionally overrides the produced image reference.
	Tag string

	RequestedAt time.Time
}

// LayerSummary describes one layer appended onto the base image.
type LayerSummary struct {
	Kind      string
	Digest    string
	SizeBytes int64
}

// BuildOutput is the result of a completed build.
type BuildOutput struct {
	BuildID  string
	Artifact imagestore.ImageArtifact
	Layers   []LayerSummary
	Duration time.Duration
}
