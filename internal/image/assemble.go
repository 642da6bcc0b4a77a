// Package image assembles container images: a pulled base, appended layers
// and a runtime configuration, written out as a loadable tarball.
package image

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// RemotePuller fetches base images from their registry. The reference must
// be pinned; a failed pull aborts the build, there are no retries.
type RemotePuller struct {
	// Platform defaults to linux/amd64, the target platform of the images
	// this tool produces.
	Platform *v1.Platform
}

// Pull fetches the image for the pinned reference.
func (p *RemotePuller) Pull(ctx context.Context, refStr string) (v1.Image, error) {
	if err := RequirePinned(refStr); err != nil {
		return nil, err
	}

	ref, err := name.ParseReference(refStr)
	if err != nil {
		return nil, fmt.Errorf("parse reference %q: %w", refStr, err)
	}

	platform := v1.Platform{OS: "linux", Architecture: "amd64"}
	if p.Platform != nil {
		platform = *p.Platform
	}

	img, err := remote.Image(ref, remote.WithContext(ctx), remote.WithPlatform(platform))
	if err != nil {
		return nil, fmt.Errorf("pull base image %s: %w", refStr, err)
	}
	return img, nil
}

// RuntimeConfig is the runtime metadata baked into the produced image.
type RuntimeConfig struct {
	WorkingDir string
	// Env entries are `KEY=VALUE`; they override same-named entries
	// inherited from the base image.
	Env []string
	// ExposedPorts is declarative metadata only; nothing binds a socket at
	// build time.
	ExposedPorts []int
	// Argv is the container start command.
	Argv []string
	Labels map[string]string
}

// Assembler layers build output onto a base image and applies the runtime
// configuration.
type Assembler struct{}

// Assemble appends the layers and rewrites the image config. The created
// timestamp is zeroed so identical inputs produce identical images.
func (Assembler) Assemble(base v1.Image, layers []v1.Layer, cfg RuntimeConfig) (v1.Image, error) {
	img, err := mutate.AppendLayers(base, layers...)
	if err != nil {
		return nil, fmt.Errorf("append layers: %w", err)
	}

	configFile, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("read image config: %w", err)
	}
	config := configFile.Config

	if cfg.WorkingDir != "" {
		config.WorkingDir = cfg.WorkingDir
	}
	config.Env = mergeEnv(config.Env, cfg.Env)

	if len(cfg.ExposedPorts) > 0 {
		ports := make(map[string]struct{}, len(config.ExposedPorts)+len(cfg.ExposedPorts))
		for declared := range config.ExposedPorts {
			ports[declared] = struct{}{}
		}
		for _, port := range cfg.ExposedPorts {
			ports[fmt.Sprintf("%d/tcp", port)] = struct{}{}
		}
		config.ExposedPorts = ports
	}

	if len(cfg.Argv) > 0 {
		config.Entrypoint = nil
		config.Cmd = append([]string(nil), cfg.Argv...)
	}

	if len(cfg.Labels) > 0 {
		labels := make(map[string]string, len(config.Labels)+len(cfg.Labels))
		for key, value := range config.Labels {
			labels[key] = value
		}
		for key, value := range cfg.Labels {
			labels[key] = value
		}
		config.Labels = labels
	}

	img, err = mutate.Config(img, config)
	if err != nil {
		return nil, fmt.Errorf("apply image config: %w", err)
	}

	img, err = mutate.CreatedAt(img, v1.Time{})
	if err != nil {
		return nil, fmt.Errorf("zero creation time: %w", err)
	}
	return img, nil
}

// WriteTarball writes the image to path in the format the local container
// runtime loads.
func WriteTarball(path, refStr string, img v1.Image) error {
	tag, err := name.NewTag(refStr)
	if err != nil {
		return fmt.Errorf("parse tag %q: %w", refStr, err)
	}
	if err := tarball.WriteToFile(path, tag, img); err != nil {
		return fmt.Errorf("write image tarball: %w", err)
	}
	return nil
}

// mergeEnv overlays overrides onto the inherited environment, keeping the
// inherited order for untouched keys.
func mergeEnv(inherited, overrides []string) []string {
	if len(overrides) == 0 {
		return inherited
	}

	merged := append([]string(nil), inherited...)
	for _, override := range overrides {
		key, _, _ := strings.Cut(override, "=")
		replaced := false
		for i, existing := range merged {
			if existingKey, _, _ := strings.Cut(existing, "="); existingKey == key {
				merged[i] = override
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, override)
		}
	}
	return merged
}
