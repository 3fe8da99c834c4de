package convert

import (
	"errors"

	"github.com/ekisa-team/yolo2ncnn/internal/toolchain"
)

// Error definitions for the convert package.
var (
	ErrDependencyMissing = toolchain.ErrDependencyMissing
	ErrLoad              = errors.New("failed to load model")
	ErrExport            = errors.New("failed to export ONNX")
	ErrConvert           = errors.New("pnnx conversion failed")
	ErrMissingOutput     = errors.New("expected converter output missing")
)

// GuidanceError carries instructions for the user alongside a fatal error.
type GuidanceError struct {
	Err   error
	Hints []string
}

func (e *GuidanceError) Error() string {
	return e.Err.Error()
}

func (e *GuidanceError) Unwrap() error {
	return e.Err
}

// Hints returns the guidance attached anywhere in err's chain.
func Hints(err error) []string {
	var g *GuidanceError
	if errors.As(err, &g) {
		return g.Hints
	}
	return nil
}

func withHints(err error, hints ...string) error {
	return &GuidanceError{Err: err, Hints: hints}
}
