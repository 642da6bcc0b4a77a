package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseTypicalManifest(t *testing.T) {
	input := `# web
Flask==2.0.3
gunicorn>=20.1,<21

# integrations
line-bot-sdk==2.4.1
openai~=1.3
firebase-admin
python-dotenv==0.19.2
`
	m, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(m.Requirements) != 6 {
		t.Fatalf("requirements = %d, want 6", len(m.Requirements))
	}

	first := m.Requirements[0]
	if first.Name != "Flask" || first.Specifier != "==2.0.3" {
		t.Errorf("first requirement = %+v", first)
	}
	if m.Requirements[4].Name != "firebase-admin" || m.Requirements[4].Specifier != "" {
		t.Errorf("unpinned requirement = %+v", m.Requirements[4])
	}
	if m.Empty() {
		t.Error("manifest reported empty")
	}
}

func TestParseEmptyManifest(t *testing.T) {
	m, err := Parse(strings.NewReader("# nothing to install\n\n"))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !m.Empty() {
		t.Fatalf("manifest not empty: %+v", m.Requirements)
	}
}

func TestParseMalformedSpecifier(t *testing.T) {
	cases := []string{
		"flask=2.0",      // single equals
		"flask==",        // missing version
		"==2.0.3",        // missing name
		"flask @@ 2.0.3", // nonsense
	}
	for _, input := range cases {
		if _, err := Parse(strings.NewReader(input + "\n")); err == nil {
			t.Errorf("%q: expected parse error", input)
		}
	}
}

func TestParseExtrasAndMarkers(t *testing.T) {
	m, err := Parse(strings.NewReader("uvicorn[standard]==0.17.6; python_version >= \"3.7\"\n"))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	req := m.Requirements[0]
	if req.Name != "uvicorn" {
		t.Errorf("name = %q", req.Name)
	}
	if req.Specifier != "==0.17.6" {
		t.Errorf("specifier = %q", req.Specifier)
	}
}

func TestParseRejectsOptions(t *testing.T) {
	_, err := Parse(strings.NewReader("-r other.txt\n"))
	if err == nil || !strings.Contains(err.Error(), "not supported") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadMissingManifest(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "requirements.txt"))
	if !errors.Is(err, ErrMissing) {
		t.Fatalf("err = %v, want ErrMissing", err)
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requirements.txt")
	if err := os.WriteFile(path, []byte("flask==2.0.3\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if m.Path != path || len(m.Requirements) != 1 {
		t.Fatalf("manifest = %+v", m)
	}
}
