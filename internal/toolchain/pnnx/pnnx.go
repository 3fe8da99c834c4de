// Package pnnx wraps the pnnx ONNX to NCNN converter.
package pnnx

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ekisa-team/yolo2ncnn/internal/toolchain"
)

// InstallHint tells the user how to get the converter.
const InstallHint = "pip install pnnx"

// Options configures a conversion.
type Options struct {
	InputShape string
	ExtraArgs  []string
}

// Outputs names the NCNN files pnnx writes for a model.
type Outputs struct {
	Param string
	Bin   string
}

// Converter runs pnnx.
type Converter struct {
	exec *toolchain.Executor
}

// NewConverter creates a converter around the pnnx executor.
func NewConverter(exec *toolchain.Executor) *Converter {
	return &Converter{exec: exec}
}

// Version runs the version check. Any failure to run the check, including a
// non-zero exit, wraps toolchain.ErrDependencyMissing.
func (c *Converter) Version(ctx context.Context) (string, error) {
	inv, err := c.exec.Execute(ctx, []string{"--version"}, nil)
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", fmt.Errorf("%w: %s: %w", toolchain.ErrDependencyMissing, c.exec.Binary(), err)
	}

	return strings.TrimSpace(string(inv.Stdout)), nil
}

// Convert converts the ONNX file. A binary missing from PATH wraps
// toolchain.ErrDependencyMissing; a non-zero exit is returned as
// *toolchain.ExitError.
func (c *Converter) Convert(ctx context.Context, onnxPath string, opts Options) (*toolchain.Invocation, error) {
	inv, err := c.exec.Execute(ctx, Args(onnxPath, opts), nil)
	if err != nil {
		if errors.Is(err, toolchain.ErrToolNotFound) {
			return inv, fmt.Errorf("%w: %s: %w", toolchain.ErrDependencyMissing, c.exec.Binary(), err)
		}
		return inv, fmt.Errorf("convert %s: %w", onnxPath, err)
	}

	return inv, nil
}

// Args builds the pnnx command-line arguments.
func Args(onnxPath string, opts Options) []string {
	args := []string{onnxPath, "inputshape=" + opts.InputShape}
	return append(args, opts.ExtraArgs...)
}

// ManualCommand returns the command line a user can run by hand.
func ManualCommand(onnxPath string, opts Options) string {
	return strings.Join(append([]string{"pnnx"}, Args(onnxPath, opts)...), " ")
}

// ExpectedOutputs returns the files pnnx writes next to the ONNX input.
func ExpectedOutputs(onnxPath string) Outputs {
	stem := strings.TrimSuffix(onnxPath, filepath.Ext(onnxPath))
	return Outputs{
		Param: stem + ".ncnn.param",
		Bin:   stem + ".ncnn.bin",
	}
}
