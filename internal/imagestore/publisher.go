package imagestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"stowage/internal/image"
)

// LocalPublisher writes produced images into a LocalImageRepository: the
// tarball next to its metadata, both keyed by the image ID.
type LocalPublisher struct {
	Repository *LocalImageRepository
}

// Publish writes the image tarball and saves the completed metadata. The
// returned artifact carries the tarball path and size.
func (p *LocalPublisher) Publish(img v1.Image, artifact ImageArtifact) (ImageArtifact, error) {
	if p.Repository == nil {
		return ImageArtifact{}, errors.New("image repository is not configured")
	}
	if artifact.ID == "" {
		return ImageArtifact{}, errors.New("image id is required")
	}

	path := p.Repository.TarballPath(artifact.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ImageArtifact{}, fmt.Errorf("create image directory: %w", err)
	}
	if err := image.WriteTarball(path, artifact.Reference, img); err != nil {
		return ImageArtifact{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return ImageArtifact{}, fmt.Errorf("stat image tarball: %w", err)
	}
	artifact.TarballPath = path
	artifact.SizeBytes = info.Size()

	if err := p.Repository.Save(artifact); err != nil {
		return ImageArtifact{}, fmt.Errorf("save image metadata: %w", err)
	}
	return artifact, nil
}
