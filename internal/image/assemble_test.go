package image

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/google/go-containerregistry/pkg/v1/types"
)

func TestRequirePinned(t *testing.T) {
	cases := []struct {
		ref    string
		pinned bool
	}{
		{"python:3.9-slim", true},
		{"registry.example.com/team/app:v1.2.3", true},
		{"python@sha256:0123456789012345678901234567890123456789012345678901234567890123", true},
		{"python", false},
		{"python:latest", false},
	}

	for _, tc := range cases {
		err := RequirePinned(tc.ref)
		if tc.pinned && err != nil {
			t.Errorf("%s: unexpected error %v", tc.ref, err)
		}
		if !tc.pinned && !errors.Is(err, ErrUnpinnedBase) {
			t.Errorf("%s: err = %v, want ErrUnpinnedBase", tc.ref, err)
		}
	}
}

func TestAssembleAppendsLayersAndConfig(t *testing.T) {
	layer := static.NewLayer([]byte("source"), types.OCILayer)

	img, err := (Assembler{}).Assemble(empty.Image, []v1.Layer{layer}, RuntimeConfig{
		WorkingDir:   "/app",
		Env:          []string{"PORT=8080", "PYTHONPATH=/opt/stowage/packages"},
		ExposedPorts: []int{8080},
		Argv:         []string{"python", "app.py"},
		Labels:       map[string]string{"stowage.variant": "development"},
	})
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}

	layers, err := img.Layers()
	if err != nil {
		t.Fatal(err)
	}
	if len(layers) != 1 {
		t.Fatalf("layers = %d, want 1", len(layers))
	}

	configFile, err := img.ConfigFile()
	if err != nil {
		t.Fatal(err)
	}
	config := configFile.Config
	if config.WorkingDir != "/app" {
		t.Errorf("workdir = %q", config.WorkingDir)
	}
	if !reflect.DeepEqual(config.Cmd, []string{"python", "app.py"}) {
		t.Errorf("cmd = %v", config.Cmd)
	}
	if _, ok := config.ExposedPorts["8080/tcp"]; !ok {
		t.Errorf("exposed ports = %v", config.ExposedPorts)
	}
	if config.Labels["stowage.variant"] != "development" {
		t.Errorf("labels = %v", config.Labels)
	}
	if !configFile.Created.Time.IsZero() {
		t.Errorf("created = %v, want zero", configFile.Created.Time)
	}
}

func TestAssembleIsReproducible(t *testing.T) {
	layer := static.NewLayer([]byte("source"), types.OCILayer)
	cfg := RuntimeConfig{Argv: []string{"python", "app.py"}}

	first, err := (Assembler{}).Assemble(empty.Image, []v1.Layer{layer}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	second, err := (Assembler{}).Assemble(empty.Image, []v1.Layer{layer}, cfg)
	if err != nil {
		t.Fatal(err)
	}

	digestA, err := first.Digest()
	if err != nil {
		t.Fatal(err)
	}
	digestB, err := second.Digest()
	if err != nil {
		t.Fatal(err)
	}
	if digestA != digestB {
		t.Fatalf("digests differ: %s vs %s", digestA, digestB)
	}
}

func TestMergeEnvOverridesByKey(t *testing.T) {
	merged := mergeEnv(
		[]string{"PATH=/usr/bin", "LANG=C"},
		[]string{"LANG=C.UTF-8", "PORT=8080"},
	)
	want := []string{"PATH=/usr/bin", "LANG=C.UTF-8", "PORT=8080"}
	if !reflect.DeepEqual(merged, want) {
		t.Fatalf("merged = %v, want %v", merged, want)
	}
}

func TestWriteTarballRoundTrip(t *testing.T) {
	layer := static.NewLayer([]byte("source"), types.OCILayer)
	img, err := (Assembler{}).Assemble(empty.Image, []v1.Layer{layer}, RuntimeConfig{
		Argv: []string{"python", "app.py"},
	})
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "image.tar")
	if err := WriteTarball(path, "stowage/service:b-test", img); err != nil {
		t.Fatalf("write tarball failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := tarball.ImageFromPath(path, nil)
	if err != nil {
		t.Fatalf("reload tarball failed: %v", err)
	}

	wantDigest, err := img.Digest()
	if err != nil {
		t.Fatal(err)
	}
	gotDigest, err := loaded.Digest()
	if err != nil {
		t.Fatal(err)
	}
	if wantDigest != gotDigest {
		t.Fatalf("digest changed through tarball: %s vs %s", wantDigest, gotDigest)
	}
}
