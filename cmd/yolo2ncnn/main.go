package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/ekisa-team/yolo2ncnn/internal/config"
	"github.com/ekisa-team/yolo2ncnn/internal/convert"
	"github.com/ekisa-team/yolo2ncnn/internal/env"
	"github.com/ekisa-team/yolo2ncnn/internal/envvar"
	"github.com/ekisa-team/yolo2ncnn/internal/logger"
	"github.com/ekisa-team/yolo2ncnn/internal/toolchain/ultralytics"
	"github.com/ekisa-team/yolo2ncnn/internal/watch"
	"github.com/ekisa-team/yolo2ncnn/internal/xfs"
)

// CLI is the command-line surface.
type CLI struct {
	Model     string `arg:"" optional:"" help:"Model name, e.g. yolov8n or yolov8s (default: config model, then yolov8n)."`
	Config    string `short:"c" help:"Configuration file path." default:"yolo2ncnn.yaml"`
	DeployDir string `help:"Directory the .param and .bin files are copied into, relative to the current directory."`
	Strict    bool   `help:"Fail when pnnx does not produce both output files."`
	Watch     bool   `help:"Re-run the conversion whenever the checkpoint changes."`
	Verbose   bool   `short:"v" help:"Enable debug logging."`
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var cli CLI
	parser, err := newParser(&cli)
	if err != nil {
		slog.Error("Failed to build command line parser", "error", err)
		return 1
	}
	if _, err := parser.Parse(args); err != nil {
		parser.Errorf("%s", err)
		return 1
	}

	level := slog.LevelInfo
	if cli.Verbose {
		level = slog.LevelDebug
	}

	logFile := os.Getenv(envvar.Yolo2NCNNLogFile)
	slog.SetDefault(
		logger.New(env.FromEnv(),
			logger.WithLevel(level),
			logger.WithLogToFile(logFile != ""),
			logger.WithLogFile(logFile),
		),
	)

	cfg, err := config.Load(cli.Config, cli.Config != config.DefaultConfigFile)
	if err != nil {
		slog.Error("Failed to load config", "path", cli.Config, "error", err)
		return 1
	}
	model := applyOverrides(cfg, &cli)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	driver := convert.NewDriver(cfg)
	err = convertOnce(ctx, driver, model)

	if !cli.Watch {
		if err != nil {
			return 1
		}
		return 0
	}

	checkpoint := filepath.Join(cfg.WorkDir, ultralytics.Checkpoint(model))
	w := watch.New(checkpoint, func() {
		_ = convertOnce(ctx, driver, model)
	})
	if err := w.Run(ctx); err != nil {
		slog.Error("Watch mode stopped", "error", err)
		return 1
	}

	slog.Info("Watch mode stopped", "runs", w.Triggers()+1)
	return 0
}

func newParser(cli *CLI) (*kong.Kong, error) {
	return kong.New(cli,
		kong.Name("yolo2ncnn"),
		kong.Description("Convert a YOLOv8 checkpoint to NCNN .param/.bin files via ONNX and pnnx."),
		kong.UsageOnError(),
	)
}

// applyOverrides folds command-line flags into cfg and returns the model to convert.
func applyOverrides(cfg *config.Config, cli *CLI) string {
	if cli.DeployDir != "" {
		dir := xfs.ExpandTilde(cli.DeployDir)
		if abs, err := filepath.Abs(dir); err == nil {
			dir = abs
		}
		cfg.Deploy.Dir = dir
	}
	if cli.Strict {
		cfg.StrictOutputs = true
	}

	if cli.Model != "" {
		return cli.Model
	}
	if cfg.Model != "" {
		return cfg.Model
	}
	return config.DefaultModel
}

func convertOnce(ctx context.Context, driver *convert.Driver, model string) error {
	report, err := driver.Run(ctx, model)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Warn("Conversion canceled", "model", model)
			return err
		}

		slog.Error("Conversion failed", "model", model, "error", err)
		for _, hint := range convert.Hints(err) {
			slog.Info(hint)
		}
		return err
	}

	if len(report.Warnings) > 0 {
		slog.Warn("Conversion finished with warnings", "model", model, "warnings", len(report.Warnings))
	}
	return nil
}
