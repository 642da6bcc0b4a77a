package imagestore

import (
	"testing"
	"time"
)

func TestSaveAndGet(t *testing.T) {
	rep := &LocalImageRepository{BaseDir: t.TempDir()}

	artifact := ImageArtifact{
		ID:        "img-1",
		Service:   "diet-assistant",
		Variant:   "production",
		Reference: "stowage/diet-assistant:img-1",
		Digest:    "sha256:abc",
		Port:      8080,
		CreatedAt: time.Now().UTC(),
	}
	if err := rep.Save(artifact); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := rep.Get("img-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded == nil || loaded.Digest != "sha256:abc" || loaded.Port != 8080 {
		t.Fatalf("loaded = %+v", loaded)
	}
}

func TestGetUnknownImage(t *testing.T) {
	rep := &LocalImageRepository{BaseDir: t.TempDir()}

	loaded, err := rep.Get("missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded != nil {
		t.Fatalf("loaded = %+v, want nil", loaded)
	}
}

func TestLatestForService(t *testing.T) {
	rep := &LocalImageRepository{BaseDir: t.TempDir()}

	base := time.Now().UTC().Add(-time.Hour)
	images := []ImageArtifact{
		{ID: "img-old", Service: "svc", CreatedAt: base},
		{ID: "img-new", Service: "svc", CreatedAt: base.Add(time.Minute)},
		{ID: "img-other", Service: "other", CreatedAt: base.Add(time.Hour)},
	}
	for _, artifact := range images {
		if err := rep.Save(artifact); err != nil {
			t.Fatal(err)
		}
	}

	latest, err := rep.LatestForService("svc")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || latest.ID != "img-new" {
		t.Fatalf("latest = %+v", latest)
	}
}

func TestLatestEmptyRepository(t *testing.T) {
	rep := &LocalImageRepository{BaseDir: t.TempDir()}

	latest, err := rep.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != nil {
		t.Fatalf("latest = %+v, want nil", latest)
	}
}

func TestSaveRequiresID(t *testing.T) {
	rep := &LocalImageRepository{BaseDir: t.TempDir()}
	if err := rep.Save(ImageArtifact{}); err == nil {
		t.Fatal("expected error for missing id")
	}
}
