// Package imagestore keeps produced image tarballs and their metadata on the
// local filesystem.
package imagestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ImageArtifact is the metadata stored alongside an image tarball.
type ImageArtifact struct {
	ID          string            `json:"id"`
	Service     string            `json:"service"`
	Variant     string            `json:"variant"`
	Reference   string            `json:"reference"`
	Digest      string            `json:"digest"`
	BaseImage   string            `json:"base_image"`
	TarballPath string            `json:"tarball_path"`
	SizeBytes   int64             `json:"size_bytes"`
	Port        int               `json:"port"`
	CreatedAt   time.Time         `json:"created_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// LocalImageRepository persists image metadata as JSON files next to the
// tarballs under BaseDir.
type LocalImageRepository struct {
	BaseDir string
}

// TarballPath returns where the repository expects the tarball for an image
// id to live.
func (rep *LocalImageRepository) TarballPath(imageID string) string {
	return filepath.Join(rep.BaseDir, imageID+".tar")
}

// Save writes the image metadata to disk using its ID as the filename.
func (rep *LocalImageRepository) Save(artifact ImageArtifact) error {
	if rep.BaseDir == "" {
		return errors.New("base directory is not configured")
	}
	if artifact.ID == "" {
		return errors.New("image id is required")
	}

	if err := os.MkdirAll(rep.BaseDir, 0o755); err != nil {
		return err
	}

	payload, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(rep.BaseDir, artifact.ID+".json"), payload, 0o644)
}

// Get returns the image with the provided ID, or nil when unknown.
func (rep *LocalImageRepository) Get(imageID string) (*ImageArtifact, error) {
	if imageID == "" {
		return nil, errors.New("image id is required")
	}
	return rep.load(filepath.Join(rep.BaseDir, imageID+".json"))
}

// LatestForService returns the newest image for the provided service name,
// or nil when the service has no image yet.
func (rep *LocalImageRepository) LatestForService(service string) (*ImageArtifact, error) {
	artifacts, err := rep.List()
	if err != nil {
		return nil, err
	}

	var latest *ImageArtifact
	for i := range artifacts {
		artifact := &artifacts[i]
		if artifact.Service != service {
			continue
		}
		if latest == nil || artifact.CreatedAt.After(latest.CreatedAt) {
			latest = artifact
		}
	}
	if latest == nil {
		return nil, nil
	}
	clone := *latest
	return &clone, nil
}

// Latest returns the newest image regardless of service, or nil when the
// repository is empty.
func (rep *LocalImageRepository) Latest() (*ImageArtifact, error) {
	artifacts, err := rep.List()
	if err != nil {
		return nil, err
	}

	var latest *ImageArtifact
	for i := range artifacts {
		artifact := &artifacts[i]
		if latest == nil || artifact.CreatedAt.After(latest.CreatedAt) {
			latest = artifact
		}
	}
	if latest == nil {
		return nil, nil
	}
	clone := *latest
	return &clone, nil
}

// List returns every stored image's metadata.
func (rep *LocalImageRepository) List() ([]ImageArtifact, error) {
	entries, err := os.ReadDir(rep.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var artifacts []ImageArtifact
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		artifact, err := rep.load(filepath.Join(rep.BaseDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if artifact != nil {
			artifacts = append(artifacts, *artifact)
		}
	}
	return artifacts, nil
}

func (rep *LocalImageRepository) load(path string) (*ImageArtifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var artifact ImageArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("parse image metadata %s: %w", path, err)
	}
	return &artifact, nil
}
