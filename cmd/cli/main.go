package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	simple "stowage/config"
	"stowage/internal/logging"
)

const defaultLogLevel = "info"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	logLevel := defaultLogLevel

	root := &cobra.Command{
		Use:           "stowage",
		Short:         "Build and smoke-test container images for Python web services without a daemon",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	root.AddCommand(
		newBuildCommand(logger),
		newRunCommand(logger),
		newListCommand(logger),
		newHistoryCommand(logger),
		newInitCommand(logger),
	)
	return root
}

func newBuildCommand(logger *slog.Logger) *cobra.Command {
	var (
		recipePath string
		specPath   string
		variant    string
		tag        string
		imageDir   string
		storePath  string
		watchMode  bool
	)

	cmd := &cobra.Command{
		Use:   "build [context-dir]",
		Args:  cobra.MaximumNArgs(1),
		Short: "Build a container image from a build context",
		RunE: func(cmd *cobra.Command, args []string) error {
			contextDir := "."
			if len(args) == 1 {
				contextDir = args[0]
			}
			absContext, err := filepath.Abs(contextDir)
			if err != nil {
				return fmt.Errorf("resolve context directory: %w", err)
			}
			info, err := os.Stat(absContext)
			if err != nil {
				if os.IsNotExist(err) {
					return fmt.Errorf("build context %s does not exist", absContext)
				}
				return fmt.Errorf("stat build context: %w", err)
			}
			if !info.IsDir() {
				return fmt.Errorf("build context %s is not a directory", absContext)
			}

			cmdLogger := logger.With("command", "build", "context", absContext)
			opts := simple.BuildOptions{
				ContextDir: absContext,
				RecipePath: recipePath,
				SpecPath:   specPath,
				Variant:    variant,
				Tag:        tag,
				ImageDir:   imageDir,
				StorePath:  storePath,
			}

			if watchMode {
				cmdLogger.Info("watching build context; press Ctrl+C to stop")
				err := simple.WatchAndBuild(cmd.Context(), opts, cmdLogger)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}

			out, err := simple.BuildWithLogger(cmd.Context(), opts, cmdLogger)
			if err != nil {
				cmdLogger.Error("build failed", "error", err)
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", out.BuildID, out.Artifact.Reference, out.Artifact.Digest)
			return nil
		},
	}

	cmd.Flags().StringVar(&recipePath, "recipe", "", "Path to an explicit recipe file (default: Dockerfile in the context)")
	cmd.Flags().StringVar(&specPath, "spec", "", "Path to an explicit service.yaml (default: service.yaml in the context)")
	cmd.Flags().StringVar(&variant, "variant", "", "Override the variant (development or production)")
	cmd.Flags().StringVar(&tag, "tag", "", "Override the produced image reference")
	cmd.Flags().StringVar(&imageDir, "image-dir", simple.DefaultImageDir, "Directory where images will be stored")
	cmd.Flags().StringVar(&storePath, "store", simple.DefaultStorePath, "Path to the build history database")
	cmd.Flags().BoolVar(&watchMode, "watch", false, "Rebuild whenever the context changes")

	return cmd
}

func newRunCommand(logger *slog.Logger) *cobra.Command {
	var (
		port     int
		timeout  time.Duration
		imageDir string
	)

	cmd := &cobra.Command{
		Use:   "run [build-id]",
		Args:  cobra.MaximumNArgs(1),
		Short: "Load a built image into the local container runtime and probe it",
		RunE: func(cmd *cobra.Command, args []string) error {
			buildID := "latest"
			if len(args) == 1 {
				buildID = strings.TrimSpace(args[0])
			}

			cmdLogger := logger.With("command", "run", "build", buildID)
			report, err := simple.Run(cmd.Context(), simple.RunOptions{
				BuildID:  buildID,
				HostPort: port,
				Timeout:  timeout,
				ImageDir: imageDir,
			}, cmdLogger)
			if err != nil {
				cmdLogger.Error("smoke run failed", "error", err)
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s responded with %d after %s\n",
				report.URL, report.StatusCode, report.Elapsed.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Loopback port to publish (default: the image's declared port)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "How long to wait for a first response")
	cmd.Flags().StringVar(&imageDir, "image-dir", simple.DefaultImageDir, "Directory where images are stored")

	return cmd
}

func newListCommand(logger *slog.Logger) *cobra.Command {
	var imageDir string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List locally stored images",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "list")

			artifacts, err := simple.List(imageDir)
			if err != nil {
				cmdLogger.Error("listing images failed", "error", err)
				return err
			}
			if len(artifacts) == 0 {
				cmdLogger.Warn("no images stored", "image_dir", imageDir)
				return nil
			}

			for _, artifact := range artifacts {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\t%s\n",
					artifact.ID,
					artifact.Reference,
					artifact.Variant,
					units.HumanSize(float64(artifact.SizeBytes)),
					units.HumanDuration(time.Since(artifact.CreatedAt))+" ago")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&imageDir, "image-dir", simple.DefaultImageDir, "Directory where images are stored")

	return cmd
}

func newHistoryCommand(logger *slog.Logger) *cobra.Command {
	var (
		storePath string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent builds, succeeded or not",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "history")

			records, err := simple.History(storePath, limit)
			if err != nil {
				cmdLogger.Error("loading history failed", "error", err)
				return err
			}
			if len(records) == 0 {
				cmdLogger.Warn("no builds recorded", "store", storePath)
				return nil
			}

			for _, rec := range records {
				line := fmt.Sprintf("%s\t%s\t%s\t%s\t%s",
					rec.ID, rec.Service, rec.Variant, rec.Status,
					rec.Duration.Round(time.Millisecond))
				if rec.Error != "" {
					line += "\t" + rec.Error
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&storePath, "store", simple.DefaultStorePath, "Path to the build history database")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of builds to show")

	return cmd
}

func newInitCommand(logger *slog.Logger) *cobra.Command {
	var (
		name    string
		variant string
	)

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Args:  cobra.MaximumNArgs(1),
		Short: "Write a starter service.yaml and recipe into a directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}

			cmdLogger := logger.With("command", "init")
			if err := simple.Init(dir, name, variant); err != nil {
				cmdLogger.Error("init failed", "error", err)
				return err
			}
			cmdLogger.Info("wrote starter files", "dir", dir)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Service name (default: the directory name)")
	cmd.Flags().StringVar(&variant, "variant", "production", "Start-command variant (development or production)")

	return cmd
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}
