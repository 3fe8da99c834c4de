package ultralytics

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/yolo2ncnn/internal/toolchain"
	"github.com/ekisa-team/yolo2ncnn/internal/toolchain/toolchaintest"
)

func newClient(runner *toolchaintest.MockRunner, dir string) *Client {
	return NewClient(toolchain.NewExecutorWithRunner("python3", dir, runner))
}

func TestCheckAvailable(t *testing.T) {
	runner := new(toolchaintest.MockRunner)
	runner.On("Run", mock.Anything, ".", "python3", toolchaintest.ArgsWith("-c", "import ultralytics"), nil).
		Return("8.1.0\n", "", nil).Once()

	version, err := newClient(runner, ".").CheckAvailable(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "8.1.0", version)
	runner.AssertExpectations(t)
}

func TestCheckAvailable_Missing(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"module not installed", &toolchain.ExitError{Tool: "python3", ExitCode: 1, Stderr: "ModuleNotFoundError: No module named 'ultralytics'"}},
		{"interpreter not found", toolchain.ErrToolNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := new(toolchaintest.MockRunner)
			runner.On("Run", mock.Anything, ".", "python3", mock.Anything, nil).Return("", "", tt.err).Once()

			_, err := newClient(runner, ".").CheckAvailable(context.Background())

			assert.ErrorIs(t, err, toolchain.ErrDependencyMissing)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestLoad(t *testing.T) {
	runner := new(toolchaintest.MockRunner)
	runner.On("Run", mock.Anything, ".", "python3", toolchaintest.ArgsWith("YOLO(sys.argv[1])", "yolov8s.pt"), nil).
		Return("", "", nil).Once()

	require.NoError(t, newClient(runner, ".").Load(context.Background(), "yolov8s.pt"))
	runner.AssertExpectations(t)
}

func TestLoad_Error(t *testing.T) {
	runner := new(toolchaintest.MockRunner)
	runner.On("Run", mock.Anything, ".", "python3", mock.Anything, nil).
		Return("", "FileNotFoundError: yolov9z.pt does not exist", errors.New("exit status 1")).Once()

	err := newClient(runner, ".").Load(context.Background(), "yolov9z.pt")
	assert.ErrorContains(t, err, "load yolov9z.pt")
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	runner := new(toolchaintest.MockRunner)
	runner.On("Run", mock.Anything, dir, "python3",
		toolchaintest.ArgsWith("format", "yolov8n.pt", "640", "1", "0", "0"), nil).
		Return("Ultralytics 8.1.0\nONNX: export success\n"+outputMarker+"yolov8n.onnx\n", "", nil).Once()

	path, err := newClient(runner, dir).Export(context.Background(), "yolov8n.pt", ExportOptions{ImageSize: 640, Simplify: true})

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "yolov8n.onnx"), path)
	runner.AssertExpectations(t)
}

func TestExport_AbsolutePathAndFallback(t *testing.T) {
	runner := new(toolchaintest.MockRunner)
	runner.On("Run", mock.Anything, "", "python3", toolchaintest.ArgsWith("a.pt"), nil).
		Return(outputMarker+"/models/a.onnx\n", "", nil).Once()
	runner.On("Run", mock.Anything, "", "python3", toolchaintest.ArgsWith("b.pt"), nil).
		Return("no marker here\n", "", nil).Once()

	client := newClient(runner, "")

	path, err := client.Export(context.Background(), "a.pt", ExportOptions{ImageSize: 640})
	require.NoError(t, err)
	assert.Equal(t, "/models/a.onnx", path)

	path, err = client.Export(context.Background(), "b.pt", ExportOptions{ImageSize: 640})
	require.NoError(t, err)
	assert.Equal(t, "b.onnx", path)
}

func TestExport_Error(t *testing.T) {
	runner := new(toolchaintest.MockRunner)
	runner.On("Run", mock.Anything, ".", "python3", mock.Anything, nil).
		Return("", "", &toolchain.ExitError{Tool: "python3", ExitCode: 1}).Once()

	_, err := newClient(runner, ".").Export(context.Background(), "yolov8n.pt", ExportOptions{ImageSize: 640})

	var exitErr *toolchain.ExitError
	assert.ErrorAs(t, err, &exitErr)
}

func TestNames(t *testing.T) {
	assert.Equal(t, "yolov8n.pt", Checkpoint("yolov8n"))
	assert.Equal(t, "custom.pt", Checkpoint("custom.pt"))
	assert.Equal(t, "yolov8n.onnx", ONNXPath("yolov8n.pt"))
}
