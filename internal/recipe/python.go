package recipe

import (
	"fmt"
	"strings"
	"text/template"
)

// PythonOptions parameterize recipe synthesis for a Python web service.
type PythonOptions struct {
	BaseImage string
	Variant   Variant
	Port      int
	// Entry is the directly runnable entry file, e.g. app.py.
	Entry string
	// WSGITarget is the importable handler object, e.g. app:app.
	WSGITarget string
	Workers    int
	Manifest   string
}

const (
	DefaultPythonBase = "python:3.9-slim"
	DefaultPort       = 8080
	DefaultEntry      = "app.py"
	DefaultManifest   = "requirements.txt"
)

var pythonTemplate = template.Must(template.New("python").Parse(`FROM {{ .BaseImage }}

WORKDIR /app

COPY {{ .Manifest }} .
RUN pip install --no-cache-dir -r {{ .Manifest }}

COPY . .

ENV PORT={{ .Port }}
EXPOSE {{ .Port }}

{{ if .Production -}}
CMD ["gunicorn", "-b", "0.0.0.0:{{ .Port }}"{{ if .Workers }}, "-w", "{{ .Workers }}"{{ end }}, "{{ .WSGITarget }}"]
{{- else -}}
CMD ["python", "{{ .Entry }}"]
{{- end }}
`))

func (o *PythonOptions) withDefaults() error {
	if o.BaseImage == "" {
		o.BaseImage = DefaultPythonBase
	}
	if o.Variant == "" {
		o.Variant = VariantProduction
	}
	if o.Variant != VariantDevelopment && o.Variant != VariantProduction {
		return fmt.Errorf("unknown variant %q", o.Variant)
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.Manifest == "" {
		o.Manifest = DefaultManifest
	}
	if o.Entry == "" {
		if o.WSGITarget != "" {
			module, _, _ := strings.Cut(o.WSGITarget, ":")
			o.Entry = module + ".py"
		} else {
			o.Entry = DefaultEntry
		}
	}
	if o.WSGITarget == "" {
		o.WSGITarget = strings.TrimSuffix(o.Entry, ".py") + ":app"
	}
	if !strings.Contains(o.WSGITarget, ":") {
		return fmt.Errorf("malformed WSGI target %q: want module:object", o.WSGITarget)
	}
	return nil
}

// RenderPython produces recipe text for a Python web service, in the shape
// of the recipes this tool consumes.
func RenderPython(opts PythonOptions) (string, error) {
	if err := (&opts).withDefaults(); err != nil {
		return "", err
	}

	var b strings.Builder
	data := struct {
		PythonOptions
		Production bool
	}{opts, opts.Variant == VariantProduction}

	if err := pythonTemplate.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render recipe: %w", err)
	}
	return b.String(), nil
}

// ForPython synthesizes and parses a recipe for a Python web service. The
// result round-trips through the same parser used for hand-written recipes.
func ForPython(opts PythonOptions) (Recipe, error) {
	text, err := RenderPython(opts)
	if err != nil {
		return Recipe{}, err
	}

	rec, err := Parse(strings.NewReader(text))
	if err != nil {
		return Recipe{}, fmt.Errorf("synthesized recipe does not parse: %w", err)
	}
	return rec, nil
}
