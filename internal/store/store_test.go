package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "builds.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndGet(t *testing.T) {
	s := openStore(t)

	rec := BuildRecord{
		ID:          "b-1",
		Service:     "diet-assistant",
		Variant:     "production",
		BaseImage:   "python:3.9-slim",
		ImageDigest: "sha256:abc",
		TarballPath: "/var/lib/stowage/images/b-1.tar",
		Status:      "succeeded",
		StartedAt:   time.Now().Add(-time.Minute),
		Duration:    42 * time.Second,
	}
	if err := s.Record(rec); err != nil {
		t.Fatalf("record: %v", err)
	}

	loaded, err := s.Get("b-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded == nil {
		t.Fatal("build not found")
	}
	if loaded.Service != rec.Service || loaded.ImageDigest != rec.ImageDigest {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.Duration != rec.Duration {
		t.Errorf("duration = %v, want %v", loaded.Duration, rec.Duration)
	}
}

func TestGetUnknownBuild(t *testing.T) {
	s := openStore(t)

	rec, err := s.Get("missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec != nil {
		t.Fatalf("rec = %+v, want nil", rec)
	}
}

func TestListNewestFirst(t *testing.T) {
	s := openStore(t)

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"b-old", "b-mid", "b-new"} {
		err := s.Record(BuildRecord{
			ID:        id,
			Service:   "svc",
			Variant:   "production",
			BaseImage: "python:3.9-slim",
			Status:    "succeeded",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	records, err := s.List(2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].ID != "b-new" || records[1].ID != "b-mid" {
		t.Errorf("order = %s, %s", records[0].ID, records[1].ID)
	}

	latest, err := s.Latest()
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest.ID != "b-new" {
		t.Errorf("latest = %+v", latest)
	}
}

func TestRecordUpdatesStatus(t *testing.T) {
	s := openStore(t)

	rec := BuildRecord{ID: "b-1", Service: "svc", Variant: "production", BaseImage: "a:1", Status: "running", StartedAt: time.Now()}
	if err := s.Record(rec); err != nil {
		t.Fatal(err)
	}

	rec.Status = "failed"
	rec.Error = "pull base image: connection refused"
	if err := s.Record(rec); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.Get("b-1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != "failed" || loaded.Error == "" {
		t.Errorf("loaded = %+v", loaded)
	}
}
