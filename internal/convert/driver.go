// Package convert runs the YOLOv8 to NCNN conversion pipeline: load the
// checkpoint, export ONNX, convert with pnnx, rename the outputs and deploy
// them into the project.
package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ekisa-team/yolo2ncnn/internal/config"
	"github.com/ekisa-team/yolo2ncnn/internal/onnx"
	"github.com/ekisa-team/yolo2ncnn/internal/source"
	"github.com/ekisa-team/yolo2ncnn/internal/toolchain"
	"github.com/ekisa-team/yolo2ncnn/internal/toolchain/pnnx"
	"github.com/ekisa-team/yolo2ncnn/internal/toolchain/ultralytics"
	"github.com/ekisa-team/yolo2ncnn/internal/xfs"
)

// Exporter loads YOLO checkpoints and exports them to ONNX.
type Exporter interface {
	CheckAvailable(ctx context.Context) (string, error)
	Load(ctx context.Context, checkpoint string) error
	Export(ctx context.Context, checkpoint string, opts ultralytics.ExportOptions) (string, error)
}

// Converter turns ONNX files into NCNN files.
type Converter interface {
	Version(ctx context.Context) (string, error)
	Convert(ctx context.Context, onnxPath string, opts pnnx.Options) (*toolchain.Invocation, error)
}

// Fetcher downloads checkpoints from a remote source.
type Fetcher interface {
	Download(ctx context.Context, src config.HuggingFaceSource, filename string) (string, bool, error)
}

// Driver runs the pipeline. It holds no per-run state and runs are
// strictly sequential.
type Driver struct {
	cfg       *config.Config
	exporter  Exporter
	converter Converter
	fetcher   Fetcher
	newID     func() string
}

// NewDriver creates a driver backed by the Python interpreter and the pnnx
// binary named in cfg. A relative work_dir is resolved against the process
// working directory first.
func NewDriver(cfg *config.Config) *Driver {
	if abs, err := cfg.WithAbsWorkDir(); err != nil {
		slog.Warn("Could not resolve work directory, using it as is", "work_dir", cfg.WorkDir, "error", err)
	} else {
		cfg = abs
	}

	d := NewDriverWith(cfg,
		ultralytics.NewClient(toolchain.NewExecutor(cfg.Export.Python, cfg.WorkDir)),
		pnnx.NewConverter(toolchain.NewExecutor(cfg.Convert.PNNX, cfg.WorkDir)),
	)

	if hf := cfg.Source.HuggingFace; hf != nil {
		cli := hf.CLI
		if cli == "" {
			cli = source.DefaultCLI
		}
		d.fetcher = source.NewHuggingFaceDownloader(toolchain.NewExecutor(cli, cfg.WorkDir))
	}

	return d
}

// NewDriverWith creates a driver with custom tool adapters.
func NewDriverWith(cfg *config.Config, exporter Exporter, converter Converter) *Driver {
	return &Driver{
		cfg:       cfg,
		exporter:  exporter,
		converter: converter,
		newID:     uuid.NewString,
	}
}

// WithFetcher sets the downloader used when a checkpoint source is configured.
func (d *Driver) WithFetcher(f Fetcher) *Driver {
	d.fetcher = f
	return d
}

// Run converts model. A nil error means success; warnings for missing
// outputs or a missing deploy directory are recorded on the report and do
// not fail the run unless strict outputs are configured.
func (d *Driver) Run(ctx context.Context, model string) (*Report, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		model = config.DefaultModel
	}

	r := &Report{RunID: d.newID(), Model: model}
	log := slog.With("run_id", r.RunID, "model", model)

	log.Info("Starting conversion", "image_size", d.cfg.Export.ImageSize, "work_dir", d.cfg.WorkDir)

	checkpoint := ultralytics.Checkpoint(model)

	err := d.step(ctx, r, StepCheck, 0, func(ctx context.Context) error {
		version, err := d.exporter.CheckAvailable(ctx)
		if err != nil {
			return withHints(err, "Install it with: "+ultralytics.InstallHint)
		}
		log.Debug("Ultralytics available", "version", version)
		return nil
	})
	if err != nil {
		return r, err
	}

	if hf := d.cfg.Source.HuggingFace; hf != nil && d.fetcher != nil {
		err = d.step(ctx, r, StepFetch, d.cfg.Timeouts.Load, func(ctx context.Context) error {
			path, skipped, err := d.fetcher.Download(ctx, *hf, checkpoint)
			if err != nil {
				if errors.Is(err, ErrDependencyMissing) {
					return withHints(err, "Install it with: "+source.InstallHint)
				}
				return fmt.Errorf("%w: %w", ErrLoad, err)
			}
			log.Info("Checkpoint ready", "repo", hf.Repo, "path", path, "cached", skipped)
			return nil
		})
		if err != nil {
			return r, err
		}
	}

	err = d.step(ctx, r, StepLoad, d.cfg.Timeouts.Load, func(ctx context.Context) error {
		log.Info("Loading model", "checkpoint", checkpoint)
		if err := d.exporter.Load(ctx, checkpoint); err != nil {
			return fmt.Errorf("%w: %w", ErrLoad, err)
		}
		return nil
	})
	if err != nil {
		return r, err
	}

	err = d.step(ctx, r, StepExport, d.cfg.Timeouts.Export, func(ctx context.Context) error {
		log.Info("Exporting ONNX", "image_size", d.cfg.Export.ImageSize, "simplify", d.cfg.Export.Simplify)
		path, err := d.exporter.Export(ctx, checkpoint, ultralytics.ExportOptions{
			ImageSize: d.cfg.Export.ImageSize,
			Simplify:  d.cfg.Export.Simplify,
			Half:      d.cfg.Export.Half,
			Opset:     d.cfg.Export.Opset,
		})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrExport, err)
		}
		r.ONNXPath = path
		log.Info("ONNX file generated", "path", path)
		d.inspect(log, r)
		return nil
	})
	if err != nil {
		return r, err
	}

	opts := pnnx.Options{InputShape: d.cfg.InputShape(), ExtraArgs: d.cfg.Convert.ExtraArgs}
	manual := "Or run it manually: " + pnnx.ManualCommand(filepath.Base(r.ONNXPath), opts)

	err = d.step(ctx, r, StepConvert, d.cfg.Timeouts.Convert, func(ctx context.Context) error {
		log.Info("Converting to NCNN with pnnx", "input_shape", opts.InputShape)

		version, err := d.converter.Version(ctx)
		if err != nil {
			return withHints(err, "pnnx is not installed or not in PATH", "Install it with: "+pnnx.InstallHint, manual)
		}
		log.Debug("pnnx available", "version", version)

		if _, err := d.converter.Convert(ctx, r.ONNXPath, opts); err != nil {
			if errors.Is(err, ErrDependencyMissing) {
				return withHints(err, "Install it with: "+pnnx.InstallHint)
			}
			return withHints(fmt.Errorf("%w: %w", ErrConvert, err), manual)
		}

		log.Info("NCNN conversion finished")
		return nil
	})
	if err != nil {
		return r, err
	}

	err = d.step(ctx, r, StepRename, 0, func(context.Context) error {
		return d.rename(log, r)
	})
	if err != nil {
		return r, err
	}

	err = d.step(ctx, r, StepDeploy, 0, func(context.Context) error {
		return d.deploy(log, r)
	})
	if err != nil {
		return r, err
	}

	log.Info("Conversion finished", "artifacts", len(r.Artifacts), "deployed", len(r.Deployed), "warnings", len(r.Warnings))
	return r, nil
}

// step runs fn under an optional timeout and appends its record to the history.
func (d *Driver) step(ctx context.Context, r *Report, name string, timeout time.Duration, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		r.History = append(r.History, StepRecord{Step: name, Status: StepFailed, Error: err.Error()})
		return err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	warnings := len(r.Warnings)
	start := time.Now()
	err := fn(ctx)

	rec := StepRecord{Step: name, Status: StepOK, Duration: time.Since(start)}
	switch {
	case err != nil:
		rec.Status = StepFailed
		rec.Error = err.Error()
	case len(r.Warnings) > warnings:
		rec.Status = StepWarning
	}
	r.History = append(r.History, rec)

	return err
}

// inspect summarizes the exported ONNX file. The converter stays the
// authority on validity, so problems here are warnings.
func (d *Driver) inspect(log *slog.Logger, r *Report) {
	summary, err := onnx.InspectFile(r.ONNXPath)
	if err != nil {
		log.Warn("Could not inspect ONNX file", "path", r.ONNXPath, "error", err)
		r.warn(fmt.Sprintf("could not inspect %s: %v", r.ONNXPath, err))
		return
	}
	r.ONNX = summary

	log.Info("ONNX model inspected",
		"ir_version", summary.IRVersion,
		"opset", summary.DefaultOpset(),
		"producer", summary.ProducerName,
		"nodes", summary.NodeCount,
		"inputs", summary.InputShapes())

	want := d.cfg.InputShape()
	if got := summary.InputShapes(); len(summary.Inputs) > 0 && got != want {
		log.Warn("ONNX input shape differs from pnnx input shape", "onnx", got, "pnnx", want)
		r.warn(fmt.Sprintf("ONNX input shape %s differs from pnnx inputshape %s", got, want))
	}
}

// rename moves the pnnx outputs to their canonical names.
func (d *Driver) rename(log *slog.Logger, r *Report) error {
	outputs := pnnx.ExpectedOutputs(r.ONNXPath)
	param, bin := canonicalPaths(r.ONNXPath)

	var missing []string
	for _, f := range []struct {
		src, dst string
		sized    bool
	}{
		{outputs.Param, param, false},
		{outputs.Bin, bin, true},
	} {
		if !xfs.Exists(f.src) {
			log.Warn("Expected output not found", "path", f.src)
			r.warn("expected output not found: " + f.src)
			missing = append(missing, f.src)
			continue
		}

		if err := os.Rename(f.src, f.dst); err != nil {
			return fmt.Errorf("rename %s: %w", f.src, err)
		}

		artifact := Artifact{Path: f.dst}
		if f.sized {
			size, err := xfs.SizeMB(f.dst)
			if err != nil {
				return fmt.Errorf("stat %s: %w", f.dst, err)
			}
			artifact.SizeMB = size
			log.Info("Generated file", "path", f.dst, "size_mb", fmt.Sprintf("%.2f", size))
		} else {
			log.Info("Generated file", "path", f.dst)
		}
		r.Artifacts = append(r.Artifacts, artifact)
	}

	if d.cfg.StrictOutputs && len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingOutput, strings.Join(missing, ", "))
	}

	return nil
}

// canonicalPaths returns the final .param and .bin names next to the ONNX file.
func canonicalPaths(onnxPath string) (param, bin string) {
	stem := strings.TrimSuffix(onnxPath, filepath.Ext(onnxPath))
	return stem + ".param", stem + ".bin"
}

// deploy copies the canonical files present on disk into the project
// directory when it exists.
func (d *Driver) deploy(log *slog.Logger, r *Report) error {
	dir := d.cfg.DeployPath()
	if dir == "" {
		log.Debug("Deploy directory not configured, skipping copy")
		return nil
	}

	if !xfs.IsDir(dir) {
		log.Warn("Deploy directory does not exist, copy the files manually", "dir", dir)
		r.warn(fmt.Sprintf("deploy directory does not exist: %s; copy the model files there manually", dir))
		return nil
	}

	param, bin := canonicalPaths(r.ONNXPath)
	for _, path := range []string{param, bin} {
		if !xfs.Exists(path) {
			continue
		}
		dst, err := xfs.CopyInto(path, dir)
		if err != nil {
			return fmt.Errorf("deploy %s: %w", path, err)
		}
		r.Deployed = append(r.Deployed, dst)
		log.Info("Copied file to deploy directory", "path", path, "dir", dir)
	}

	log.Info("Model files ready", "dir", dir)
	return nil
}
