// Package smoke loads a built image into the local container runtime, starts
// it with the service port published on loopback, and probes it over HTTP
// until it responds or the deadline passes.
package smoke

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"stowage/internal/logging"
)

// DefaultTimeout bounds how long the probe waits for a first response.
const DefaultTimeout = 30 * time.Second

// Smoke-test failures.
var (
	// ErrContainerExited reports that the container stopped before it ever
	// answered the probe, usually a crash on startup.
	ErrContainerExited = errors.New("container exited before responding")
	// ErrNeverResponded reports that the probe deadline passed with the
	// container still running but unresponsive.
	ErrNeverResponded = errors.New("container never responded")
)

// Options configures one smoke run.
type Options struct {
	// TarballPath is the image tarball to load.
	TarballPath string
	// Reference is the tag the tarball was written under.
	Reference string
	// ContainerPort is the port the service listens on inside the container.
	ContainerPort int
	// HostPort is the loopback port to publish on; defaults to ContainerPort.
	HostPort int
	// Path is the request path to probe, defaulting to /.
	Path string
	// Timeout bounds the probe, defaulting to DefaultTimeout.
	Timeout time.Duration
}

// Report is the outcome of a successful smoke run.
type Report struct {
	URL         string
	StatusCode  int
	Elapsed     time.Duration
	ContainerID string
}

// Runner drives the local container runtime binary.
type Runner struct {
	// Docker is the runtime binary, defaulting to docker.
	Docker string
	Logger *slog.Logger
	// Client issues the probe requests; defaults to a short-timeout client.
	Client *http.Client
}

// Run loads the tarball, starts the container and probes it. The container
// is removed before Run returns, whatever the outcome.
func (r *Runner) Run(ctx context.Context, opts Options) (Report, error) {
	logger := logging.Ensure(r.Logger)

	hostPort := opts.HostPort
	if hostPort == 0 {
		hostPort = opts.ContainerPort
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	path := opts.Path
	if path == "" {
		path = "/"
	}

	if err := r.command(ctx, "load", "-i", opts.TarballPath); err != nil {
		return Report{}, fmt.Errorf("load image: %w", err)
	}

	containerName := "stowage-smoke-" + uuid.NewString()[:8]
	containerID, err := r.output(ctx, "run", "--rm", "-d",
		"--name", containerName,
		"-p", fmt.Sprintf("127.0.0.1:%d:%d", hostPort, opts.ContainerPort),
		opts.Reference)
	if err != nil {
		return Report{}, fmt.Errorf("start container: %w", err)
	}
	defer r.remove(containerID)

	url := fmt.Sprintf("http://127.0.0.1:%d%s", hostPort, path)
	logger.Info("probing service", "url", url, "container", containerName)

	started := time.Now()
	report := Report{URL: url, ContainerID: containerID}

	group, groupCtx := errgroup.WithContext(ctx)
	waitCtx, stopWait := context.WithCancel(groupCtx)
	defer stopWait()

	// Watch for the container exiting on its own so a crashed service fails
	// the run immediately instead of burning the whole probe deadline.
	group.Go(func() error {
		out, err := exec.CommandContext(waitCtx, r.docker(), "wait", containerID).Output()
		if waitCtx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("watch container: %w", err)
		}
		return fmt.Errorf("%w (exit status %s)", ErrContainerExited, strings.TrimSpace(string(out)))
	})

	group.Go(func() error {
		defer stopWait()

		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = 100 * time.Millisecond
		policy.MaxInterval = 2 * time.Second
		policy.MaxElapsedTime = timeout

		err := backoff.Retry(func() error {
			status, err := r.probe(groupCtx, url)
			if err != nil {
				return err
			}
			report.StatusCode = status
			return nil
		}, backoff.WithContext(policy, groupCtx))
		if err != nil && groupCtx.Err() == nil {
			return fmt.Errorf("%w after %s: %v", ErrNeverResponded, timeout, err)
		}
		return err
	})

	if err := group.Wait(); err != nil {
		return Report{}, err
	}

	report.Elapsed = time.Since(started)
	logger.Info("service responded", "status", report.StatusCode, "elapsed", report.Elapsed.Round(time.Millisecond))
	return report, nil
}

// probe issues one request; any status below 500 counts as alive.
func (r *Runner) probe(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, backoff.Permanent(err)
	}

	resp, err := r.client().Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return 0, fmt.Errorf("status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (r *Runner) command(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, r.docker(), args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %s", args[0], msg)
		}
		return fmt.Errorf("%s: %w", args[0], err)
	}
	return nil
}

func (r *Runner) output(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.docker(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%s: %s", args[0], msg)
		}
		return "", fmt.Errorf("%s: %w", args[0], err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// remove is best effort; --rm usually cleans up first.
func (r *Runner) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, r.docker(), "rm", "-f", containerID).Run()
}

func (r *Runner) docker() string {
	if r.Docker != "" {
		return r.Docker
	}
	return "docker"
}

func (r *Runner) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return &http.Client{Timeout: 2 * time.Second}
}
