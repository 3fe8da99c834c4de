// Package ultralytics drives the Ultralytics YOLO library through a Python
// interpreter to load checkpoints and export them to ONNX.
package ultralytics

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ekisa-team/yolo2ncnn/internal/toolchain"
)

// InstallHint tells the user how to get the library.
const InstallHint = "pip install ultralytics"

const outputMarker = "YOLO2NCNN_OUTPUT="

const versionScript = `import ultralytics
print(ultralytics.__version__)`

const loadScript = `import sys
from ultralytics import YOLO
YOLO(sys.argv[1])`

const exportScript = `import sys
from ultralytics import YOLO
model = YOLO(sys.argv[1])
kwargs = {"format": "onnx", "imgsz": int(sys.argv[2]), "simplify": sys.argv[3] == "1", "half": sys.argv[4] == "1"}
if int(sys.argv[5]) > 0:
    kwargs["opset"] = int(sys.argv[5])
print("` + outputMarker + `" + str(model.export(**kwargs)))`

// ExportOptions configures the ONNX export.
type ExportOptions struct {
	ImageSize int
	Simplify  bool
	Half      bool
	Opset     int
}

// Client runs Ultralytics through a Python interpreter.
type Client struct {
	python *toolchain.Executor
}

// NewClient creates a client around the interpreter executor.
func NewClient(python *toolchain.Executor) *Client {
	return &Client{python: python}
}

// CheckAvailable returns the installed Ultralytics version, or an error
// wrapping toolchain.ErrDependencyMissing when the interpreter or the
// library cannot be found.
func (c *Client) CheckAvailable(ctx context.Context) (string, error) {
	inv, err := c.python.Execute(ctx, []string{"-c", versionScript}, nil)
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", fmt.Errorf("%w: ultralytics (%s): %w", toolchain.ErrDependencyMissing, c.python.Binary(), err)
	}

	return strings.TrimSpace(lastLine(inv.Stdout)), nil
}

// Load loads the checkpoint, downloading it when it is not cached yet.
// It runs in its own interpreter so a load failure is reported apart from an
// export failure; Export loads the checkpoint again, so each conversion pays
// the model load twice.
func (c *Client) Load(ctx context.Context, checkpoint string) error {
	if _, err := c.python.Execute(ctx, []string{"-c", loadScript, checkpoint}, nil); err != nil {
		return fmt.Errorf("load %s: %w", checkpoint, err)
	}
	return nil
}

// Export converts the checkpoint to ONNX and returns the path of the file
// the exporter wrote.
func (c *Client) Export(ctx context.Context, checkpoint string, opts ExportOptions) (string, error) {
	args := []string{
		"-c", exportScript,
		checkpoint,
		strconv.Itoa(opts.ImageSize),
		boolArg(opts.Simplify),
		boolArg(opts.Half),
		strconv.Itoa(opts.Opset),
	}

	inv, err := c.python.Execute(ctx, args, nil)
	if err != nil {
		return "", fmt.Errorf("export %s: %w", checkpoint, err)
	}

	path := parseOutput(inv.Stdout)
	if path == "" {
		path = ONNXPath(checkpoint)
	}
	if !filepath.IsAbs(path) && c.python.Dir() != "" {
		path = filepath.Join(c.python.Dir(), path)
	}

	return path, nil
}

// Checkpoint returns the checkpoint file name for a model name.
func Checkpoint(model string) string {
	if strings.HasSuffix(model, ".pt") {
		return model
	}
	return model + ".pt"
}

// ONNXPath returns the file the exporter writes for a checkpoint.
func ONNXPath(checkpoint string) string {
	return strings.TrimSuffix(checkpoint, filepath.Ext(checkpoint)) + ".onnx"
}

func parseOutput(stdout []byte) string {
	var path string
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	for scanner.Scan() {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(scanner.Text()), outputMarker); ok {
			path = strings.TrimSpace(rest)
		}
	}
	return path
}

func lastLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
