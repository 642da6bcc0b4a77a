package recipe

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

const productionRecipe = `# syntax subset
FROM python:3.9-slim

WORKDIR /app

COPY requirements.txt .
RUN pip install --no-cache-dir -r requirements.txt

COPY . .

EXPOSE 8080

CMD exec gunicorn --bind :$PORT --workers 1 --threads 8 --timeout 0 app:app
`

const developmentRecipe = `FROM python:3.9-slim
WORKDIR /app
COPY . .
RUN pip install -r requirements.txt
ENV PORT=8080
EXPOSE 8080
CMD ["python", "app.py"]
`

func TestParseProductionRecipe(t *testing.T) {
	rec, err := Parse(strings.NewReader(productionRecipe))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if rec.BaseImage != "python:3.9-slim" {
		t.Errorf("base image = %q", rec.BaseImage)
	}
	if rec.WorkingDir != "/app" {
		t.Errorf("workdir = %q", rec.WorkingDir)
	}
	if len(rec.Copies) != 2 {
		t.Fatalf("copy steps = %d, want 2", len(rec.Copies))
	}
	if rec.Copies[0] != (CopyStep{Source: "requirements.txt", Dest: "."}) {
		t.Errorf("first copy step = %+v", rec.Copies[0])
	}
	if len(rec.Installs) != 1 || rec.Installs[0].Manifest != "requirements.txt" {
		t.Errorf("install steps = %+v", rec.Installs)
	}
	if rec.Port(0) != 8080 {
		t.Errorf("port = %d", rec.Port(0))
	}

	if rec.Start.Kind != StartProcessManager {
		t.Fatalf("start kind = %v, want process manager", rec.Start.Kind)
	}
	if rec.Start.Manager != "gunicorn" || rec.Start.Target != "app:app" {
		t.Errorf("start = %+v", rec.Start)
	}
	if rec.Start.Workers != 1 {
		t.Errorf("workers = %d, want 1", rec.Start.Workers)
	}
	if rec.Variant() != VariantProduction {
		t.Errorf("variant = %q", rec.Variant())
	}
	if rec.EntryFile() != "app.py" {
		t.Errorf("entry file = %q", rec.EntryFile())
	}

	argv := rec.Start.Argv(8080)
	want := []string{"python", "-m", "gunicorn", "-b", "0.0.0.0:8080", "-w", "1", "app:app"}
	if !reflect.DeepEqual(argv, want) {
		t.Errorf("argv = %v, want %v", argv, want)
	}

	if err := rec.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestParseDevelopmentRecipe(t *testing.T) {
	rec, err := Parse(strings.NewReader(developmentRecipe))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if rec.Start.Kind != StartDevServer {
		t.Fatalf("start kind = %v, want dev server", rec.Start.Kind)
	}
	if rec.Start.Script != "app.py" {
		t.Errorf("script = %q", rec.Start.Script)
	}
	if rec.Variant() != VariantDevelopment {
		t.Errorf("variant = %q", rec.Variant())
	}
	if !reflect.DeepEqual(rec.Env, []EnvVar{{Name: "PORT", Value: "8080"}}) {
		t.Errorf("env = %+v", rec.Env)
	}
	if got := rec.Start.Argv(8080); !reflect.DeepEqual(got, []string{"python", "app.py"}) {
		t.Errorf("argv = %v", got)
	}
}

func TestParseRejections(t *testing.T) {
	cases := []struct {
		name   string
		input  string
		target error
	}{
		{
			name:   "second FROM",
			input:  "FROM a:1\nFROM b:2\nCMD [\"python\", \"app.py\"]\n",
			target: ErrMultiStage,
		},
		{
			name:   "named stage",
			input:  "FROM python:3.9 AS build\n",
			target: ErrMultiStage,
		},
		{
			name:   "arbitrary RUN",
			input:  "FROM a:1\nRUN apt-get update\n",
			target: ErrUnsupportedRun,
		},
		{
			name:   "missing FROM",
			input:  "WORKDIR /app\nCMD [\"python\", \"app.py\"]\n",
			target: ErrNoBaseImage,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tc.input))
			if !errors.Is(err, tc.target) {
				t.Fatalf("err = %v, want %v", err, tc.target)
			}
		})
	}
}

func TestParseUnknownInstruction(t *testing.T) {
	_, err := Parse(strings.NewReader("FROM a:1\nHEALTHCHECK CMD true\n"))
	if err == nil || !strings.Contains(err.Error(), "unsupported instruction") {
		t.Fatalf("err = %v", err)
	}
}

func TestParseLineContinuation(t *testing.T) {
	input := "FROM python:3.9-slim\nCOPY . .\nRUN pip install \\\n    --no-cache-dir \\\n    -r requirements.txt\nCMD [\"python\", \"app.py\"]\n"
	rec, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(rec.Installs) != 1 || rec.Installs[0].Manifest != "requirements.txt" {
		t.Fatalf("install steps = %+v", rec.Installs)
	}
}

func TestParseInlinePackages(t *testing.T) {
	rec, err := Parse(strings.NewReader("FROM a:1\nCOPY . .\nRUN pip install flask==2.0.3 gunicorn\nCMD [\"python\", \"app.py\"]\n"))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	want := []string{"flask==2.0.3", "gunicorn"}
	if !reflect.DeepEqual(rec.Installs[0].Packages, want) {
		t.Fatalf("packages = %v, want %v", rec.Installs[0].Packages, want)
	}
}

func TestValidateRequiresStartCommand(t *testing.T) {
	rec := Recipe{BaseImage: "a:1", Copies: []CopyStep{{Source: ".", Dest: "."}}}
	if err := rec.Validate(); !errors.Is(err, ErrNoStartCommand) {
		t.Fatalf("err = %v, want %v", err, ErrNoStartCommand)
	}
}

func TestClassifyStartRejectsUnknownCommands(t *testing.T) {
	_, err := Parse(strings.NewReader("FROM a:1\nCOPY . .\nCMD [\"node\", \"server.js\"]\n"))
	if err == nil || !strings.Contains(err.Error(), "unsupported start command") {
		t.Fatalf("err = %v", err)
	}
}

func TestEntryFileFromWSGITarget(t *testing.T) {
	rec := Recipe{Start: StartCommand{Kind: StartProcessManager, Manager: "gunicorn", Target: "main:app"}}
	if got := rec.EntryFile(); got != "main.py" {
		t.Fatalf("entry file = %q, want main.py", got)
	}
}
