package recipe

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
)

// Parse failures specific enough to gate on.
var (
	ErrMultiStage     = errors.New("multi-stage recipes are not supported")
	ErrUnsupportedRun = errors.New("only dependency-install RUN commands are supported")
)

// DefaultRecipeName is the recipe filename looked up in a build context.
const DefaultRecipeName = "Dockerfile"

// ParseFile parses the recipe at the given path.
func ParseFile(recipePath string) (Recipe, error) {
	f, err := os.Open(recipePath)
	if err != nil {
		return Recipe{}, fmt.Errorf("open recipe: %w", err)
	}
	defer f.Close()

	rec, err := Parse(f)
	if err != nil {
		return Recipe{}, fmt.Errorf("parse %s: %w", recipePath, err)
	}
	return rec, nil
}

// Parse reads a build recipe from r. The accepted grammar is the subset the
// pipeline can execute: FROM (exactly one), WORKDIR, COPY/ADD, RUN (install
// form), ENV, EXPOSE, CMD and ENTRYPOINT, with comments and backslash line
// continuations.
func Parse(r io.Reader) (Recipe, error) {
	var (
		rec        Recipe
		entrypoint []string
		cmd        []string
		sawFrom    bool
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		for strings.HasSuffix(line, "\\") && scanner.Scan() {
			lineNo++
			next := strings.TrimSpace(scanner.Text())
			if strings.HasPrefix(next, "#") {
				next = ""
			}
			line = strings.TrimSuffix(line, "\\") + " " + next
			line = strings.TrimSpace(line)
		}

		instruction, rest, _ := strings.Cut(line, " ")
		rest = strings.TrimSpace(rest)

		switch strings.ToUpper(instruction) {
		case "FROM":
			if sawFrom {
				return Recipe{}, fmt.Errorf("line %d: %w", lineNo, ErrMultiStage)
			}
			sawFrom = true
			fields := strings.Fields(rest)
			if len(fields) == 0 {
				return Recipe{}, fmt.Errorf("line %d: FROM requires an image reference", lineNo)
			}
			if len(fields) > 1 {
				return Recipe{}, fmt.Errorf("line %d: %w", lineNo, ErrMultiStage)
			}
			rec.BaseImage = fields[0]

		case "WORKDIR":
			if rest == "" {
				return Recipe{}, fmt.Errorf("line %d: WORKDIR requires a path", lineNo)
			}
			rec.WorkingDir = rest

		case "COPY", "ADD":
			steps, err := parseCopy(rest)
			if err != nil {
				return Recipe{}, fmt.Errorf("line %d: %w", lineNo, err)
			}
			rec.Copies = append(rec.Copies, steps...)

		case "RUN":
			step, err := parseInstall(rest)
			if err != nil {
				return Recipe{}, fmt.Errorf("line %d: %w", lineNo, err)
			}
			rec.Installs = append(rec.Installs, step)

		case "ENV":
			vars, err := parseEnv(rest)
			if err != nil {
				return Recipe{}, fmt.Errorf("line %d: %w", lineNo, err)
			}
			rec.Env = append(rec.Env, vars...)

		case "EXPOSE":
			ports, err := parseExpose(rest)
			if err != nil {
				return Recipe{}, fmt.Errorf("line %d: %w", lineNo, err)
			}
			rec.Ports = append(rec.Ports, ports...)

		case "CMD":
			argv, err := parseCommandWords(rest)
			if err != nil {
				return Recipe{}, fmt.Errorf("line %d: %w", lineNo, err)
			}
			cmd = argv

		case "ENTRYPOINT":
			argv, err := parseCommandWords(rest)
			if err != nil {
				return Recipe{}, fmt.Errorf("line %d: %w", lineNo, err)
			}
			entrypoint = argv

		default:
			return Recipe{}, fmt.Errorf("line %d: unsupported instruction %q", lineNo, instruction)
		}
	}
	if err := scanner.Err(); err != nil {
		return Recipe{}, fmt.Errorf("read recipe: %w", err)
	}

	if !sawFrom {
		return Recipe{}, ErrNoBaseImage
	}

	argv := append(append([]string(nil), entrypoint...), cmd...)
	if len(argv) > 0 {
		start, err := classifyStart(argv)
		if err != nil {
			return Recipe{}, err
		}
		rec.Start = start
	}

	return rec, nil
}

func parseCopy(rest string) ([]CopyStep, error) {
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return nil, fmt.Errorf("copy requires a source and a destination")
	}
	for _, field := range fields {
		if strings.HasPrefix(field, "--") {
			return nil, fmt.Errorf("copy flag %q is not supported", field)
		}
	}

	dest := fields[len(fields)-1]
	steps := make([]CopyStep, 0, len(fields)-1)
	for _, src := range fields[:len(fields)-1] {
		steps = append(steps, CopyStep{Source: src, Dest: dest})
	}
	return steps, nil
}

// parseInstall accepts the dependency-install forms the original recipes
// use: `pip install ...`, `pip3 install ...` and `python -m pip install ...`.
func parseInstall(rest string) (InstallStep, error) {
	fields := strings.Fields(rest)

	if len(fields) >= 3 && isInterpreter(fields[0]) && fields[1] == "-m" {
		fields = fields[2:]
	}
	if len(fields) < 2 || (fields[0] != "pip" && fields[0] != "pip3") || fields[1] != "install" {
		return InstallStep{}, fmt.Errorf("%w: %q", ErrUnsupportedRun, rest)
	}

	var step InstallStep
	args := fields[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-r" || arg == "--requirement":
			if i+1 >= len(args) {
				return InstallStep{}, fmt.Errorf("pip install: %s requires a file argument", arg)
			}
			i++
			step.Manifest = args[i]
		case strings.HasPrefix(arg, "--requirement="):
			step.Manifest = strings.TrimPrefix(arg, "--requirement=")
		case strings.HasPrefix(arg, "-"):
			// Install options like --no-cache-dir don't affect the step.
		default:
			step.Packages = append(step.Packages, arg)
		}
	}

	if step.Manifest == "" && len(step.Packages) == 0 {
		return InstallStep{}, ErrEmptyInstall
	}
	return step, nil
}

func parseEnv(rest string) ([]EnvVar, error) {
	if rest == "" {
		return nil, fmt.Errorf("ENV requires an assignment")
	}

	if !strings.Contains(rest, "=") {
		name, value, ok := strings.Cut(rest, " ")
		if !ok {
			return nil, fmt.Errorf("ENV %q has no value", rest)
		}
		return []EnvVar{{Name: name, Value: strings.TrimSpace(value)}}, nil
	}

	var vars []EnvVar
	for _, field := range strings.Fields(rest) {
		name, value, ok := strings.Cut(field, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("malformed ENV assignment %q", field)
		}
		if unquoted, err := strconv.Unquote(value); err == nil {
			value = unquoted
		}
		vars = append(vars, EnvVar{Name: name, Value: value})
	}
	return vars, nil
}

func parseExpose(rest string) ([]int, error) {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return nil, fmt.Errorf("EXPOSE requires a port")
	}

	var ports []int
	for _, field := range fields {
		numeric, _, _ := strings.Cut(field, "/")
		port, err := strconv.Atoi(numeric)
		if err != nil {
			return nil, fmt.Errorf("malformed port %q", field)
		}
		ports = append(ports, port)
	}
	return ports, nil
}

// parseCommandWords handles both the JSON array form and the shell form of
// CMD/ENTRYPOINT. Shell forms are restricted to plain word lists (a leading
// `exec` is dropped); anything needing an actual shell is rejected.
func parseCommandWords(rest string) ([]string, error) {
	if strings.HasPrefix(rest, "[") {
		var argv []string
		if err := json.Unmarshal([]byte(rest), &argv); err != nil {
			return nil, fmt.Errorf("malformed exec-form command %q: %w", rest, err)
		}
		return argv, nil
	}

	if strings.ContainsAny(rest, "&|;<>`()") {
		return nil, fmt.Errorf("shell-form command %q uses shell features that are not supported", rest)
	}

	argv := strings.Fields(rest)
	if len(argv) > 0 && argv[0] == "exec" {
		argv = argv[1:]
	}
	return argv, nil
}

func classifyStart(argv []string) (StartCommand, error) {
	if len(argv) == 0 {
		return StartCommand{}, nil
	}
	raw := append([]string(nil), argv...)
	head := path.Base(argv[0])

	if isInterpreter(head) {
		if len(argv) >= 3 && argv[1] == "-m" && isProcessManager(argv[2]) {
			return parseProcessManager(argv[2], argv[3:], raw)
		}
		if len(argv) >= 2 && strings.HasSuffix(argv[1], ".py") {
			return StartCommand{
				Kind:        StartDevServer,
				Interpreter: head,
				Script:      argv[1],
				Raw:         raw,
			}, nil
		}
	}

	if isProcessManager(head) {
		return parseProcessManager(head, argv[1:], raw)
	}

	return StartCommand{}, fmt.Errorf("unsupported start command %q: expected `<interpreter> <entry-file>` or `<process-manager> -b <host:port> <module:object>`", strings.Join(argv, " "))
}

// valueFlags are process-manager options that consume the following argument.
var valueFlags = map[string]bool{
	"-b": true, "--bind": true,
	"-w": true, "--workers": true,
	"-k": true, "--worker-class": true,
	"--threads": true, "--timeout": true,
	"--chdir": true, "--access-logfile": true, "--error-logfile": true,
}

func parseProcessManager(manager string, args, raw []string) (StartCommand, error) {
	start := StartCommand{
		Kind:    StartProcessManager,
		Manager: manager,
		Raw:     raw,
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, inline, hasInline := strings.Cut(arg, "=")

		value := inline
		if valueFlags[name] && !hasInline {
			if i+1 >= len(args) {
				return StartCommand{}, fmt.Errorf("%s: flag %s requires a value", manager, arg)
			}
			i++
			value = args[i]
		}

		switch name {
		case "-b", "--bind":
			start.Bind = value
		case "-w", "--workers":
			workers, err := strconv.Atoi(value)
			if err != nil {
				return StartCommand{}, fmt.Errorf("%s: malformed worker count %q", manager, value)
			}
			start.Workers = workers
		default:
			if strings.HasPrefix(arg, "-") {
				continue
			}
			if start.Target != "" {
				return StartCommand{}, fmt.Errorf("%s: multiple application targets (%q, %q)", manager, start.Target, arg)
			}
			start.Target = arg
		}
	}

	if start.Target == "" || !strings.Contains(start.Target, ":") {
		return StartCommand{}, fmt.Errorf("%s: start command needs a `module:object` target", manager)
	}
	return start, nil
}

func isInterpreter(word string) bool {
	base := path.Base(word)
	return base == "python" || base == "python3" || strings.HasPrefix(base, "python3.")
}

func isProcessManager(word string) bool {
	switch path.Base(word) {
	case "gunicorn", "uwsgi", "waitress-serve":
		return true
	}
	return false
}
