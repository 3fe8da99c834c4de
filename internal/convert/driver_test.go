package convert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ekisa-team/yolo2ncnn/internal/config"
	"github.com/ekisa-team/yolo2ncnn/internal/toolchain"
	"github.com/ekisa-team/yolo2ncnn/internal/toolchain/pnnx"
	"github.com/ekisa-team/yolo2ncnn/internal/toolchain/ultralytics"
)

// --- Mock types ---

type MockExporter struct {
	mock.Mock
}

func (m *MockExporter) CheckAvailable(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockExporter) Load(ctx context.Context, checkpoint string) error {
	args := m.Called(ctx, checkpoint)
	return args.Error(0)
}

func (m *MockExporter) Export(ctx context.Context, checkpoint string, opts ultralytics.ExportOptions) (string, error) {
	args := m.Called(ctx, checkpoint, opts)
	return args.String(0), args.Error(1)
}

type MockConverter struct {
	mock.Mock
}

func (m *MockConverter) Version(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockConverter) Convert(ctx context.Context, onnxPath string, opts pnnx.Options) (*toolchain.Invocation, error) {
	args := m.Called(ctx, onnxPath, opts)
	inv, _ := args.Get(0).(*toolchain.Invocation)
	return inv, args.Error(1)
}

type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) Download(ctx context.Context, src config.HuggingFaceSource, filename string) (string, bool, error) {
	args := m.Called(ctx, src, filename)
	return args.String(0), args.Bool(1), args.Error(2)
}

// --- Helpers ---

var (
	paramBytes = []byte("7767517\n3 3\nInput images 0 1 images\n")
	binBytes   = []byte{0x00, 0x00, 0x80, 0x3f, 0xde, 0xad, 0xbe, 0xef}
)

// onnxModel encodes a minimal ModelProto with one input of the given dims.
func onnxModel(dims ...uint64) []byte {
	var shape []byte
	for _, d := range dims {
		dim := protowire.AppendTag(nil, 1, protowire.VarintType)
		dim = protowire.AppendVarint(dim, d)
		shape = protowire.AppendTag(shape, 1, protowire.BytesType)
		shape = protowire.AppendBytes(shape, dim)
	}
	tensor := protowire.AppendTag(nil, 2, protowire.BytesType)
	tensor = protowire.AppendBytes(tensor, shape)
	typ := protowire.AppendTag(nil, 1, protowire.BytesType)
	typ = protowire.AppendBytes(typ, tensor)
	vi := protowire.AppendTag(nil, 1, protowire.BytesType)
	vi = protowire.AppendString(vi, "images")
	vi = protowire.AppendTag(vi, 2, protowire.BytesType)
	vi = protowire.AppendBytes(vi, typ)
	graph := protowire.AppendTag(nil, 11, protowire.BytesType)
	graph = protowire.AppendBytes(graph, vi)

	model := protowire.AppendTag(nil, 1, protowire.VarintType)
	model = protowire.AppendVarint(model, 8)
	model = protowire.AppendTag(model, 7, protowire.BytesType)
	return protowire.AppendBytes(model, graph)
}

type fixture struct {
	dir       string
	cfg       *config.Config
	exporter  *MockExporter
	converter *MockConverter
	driver    *Driver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.WorkDir = dir

	f := &fixture{
		dir:       dir,
		cfg:       cfg,
		exporter:  new(MockExporter),
		converter: new(MockConverter),
	}
	f.driver = NewDriverWith(cfg, f.exporter, f.converter)
	f.driver.newID = func() string { return "run-1" }
	return f
}

func (f *fixture) path(name string) string {
	return filepath.Join(f.dir, name)
}

func (f *fixture) mkDeployDir(t *testing.T) string {
	t.Helper()
	dir := f.cfg.DeployPath()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return dir
}

// expectExport wires a successful check, load and export of model that
// writes a valid ONNX file.
func (f *fixture) expectExport(t *testing.T, model string) string {
	t.Helper()

	onnxPath := f.path(model + ".onnx")
	f.exporter.On("CheckAvailable", mock.Anything).Return("8.1.0", nil).Once()
	f.exporter.On("Load", mock.Anything, model+".pt").Return(nil).Once()
	f.exporter.On("Export", mock.Anything, model+".pt", ultralytics.ExportOptions{ImageSize: 640, Simplify: true}).
		Run(func(mock.Arguments) {
			require.NoError(t, os.WriteFile(onnxPath, onnxModel(1, 3, 640, 640), 0o644))
		}).
		Return(onnxPath, nil).Once()
	return onnxPath
}

// expectConvert wires a successful pnnx run writing the given outputs.
func (f *fixture) expectConvert(t *testing.T, onnxPath string, writeParam, writeBin bool) {
	t.Helper()

	out := pnnx.ExpectedOutputs(onnxPath)
	f.converter.On("Version", mock.Anything).Return("20240410", nil).Once()
	f.converter.On("Convert", mock.Anything, onnxPath, pnnx.Options{InputShape: "[1,3,640,640]"}).
		Run(func(mock.Arguments) {
			if writeParam {
				require.NoError(t, os.WriteFile(out.Param, paramBytes, 0o644))
			}
			if writeBin {
				require.NoError(t, os.WriteFile(out.Bin, binBytes, 0o644))
			}
		}).
		Return(&toolchain.Invocation{Tool: "pnnx"}, nil).Once()
}

func statuses(r *Report) map[string]StepStatus {
	m := make(map[string]StepStatus, len(r.History))
	for _, rec := range r.History {
		m[rec.Step] = rec.Status
	}
	return m
}

// --- Tests ---

func TestRun_Success(t *testing.T) {
	f := newFixture(t)
	deployDir := f.mkDeployDir(t)
	onnxPath := f.expectExport(t, "yolov8n")
	f.expectConvert(t, onnxPath, true, true)

	report, err := f.driver.Run(context.Background(), "yolov8n")
	require.NoError(t, err)

	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, onnxPath, report.ONNXPath)
	assert.Empty(t, report.Warnings)
	require.NotNil(t, report.ONNX)
	assert.Equal(t, "[1,3,640,640]", report.ONNX.InputShapes())

	// Rename semantics: originals gone, canonical names present.
	assert.NoFileExists(t, f.path("yolov8n.ncnn.param"))
	assert.NoFileExists(t, f.path("yolov8n.ncnn.bin"))
	require.Len(t, report.Artifacts, 2)
	assert.Equal(t, f.path("yolov8n.param"), report.Artifacts[0].Path)
	assert.Equal(t, f.path("yolov8n.bin"), report.Artifacts[1].Path)
	assert.InDelta(t, float64(len(binBytes))/(1024*1024), report.Artifacts[1].SizeMB, 1e-12)

	// Copy semantics: byte-for-byte in the deploy dir, originals kept.
	assert.Equal(t, []string{
		filepath.Join(deployDir, "yolov8n.param"),
		filepath.Join(deployDir, "yolov8n.bin"),
	}, report.Deployed)
	for name, want := range map[string][]byte{"yolov8n.param": paramBytes, "yolov8n.bin": binBytes} {
		got, err := os.ReadFile(filepath.Join(deployDir, name))
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.FileExists(t, f.path(name))
	}

	assert.Equal(t, map[string]StepStatus{
		StepCheck: StepOK, StepLoad: StepOK, StepExport: StepOK,
		StepConvert: StepOK, StepRename: StepOK, StepDeploy: StepOK,
	}, statuses(report))

	f.exporter.AssertExpectations(t)
	f.converter.AssertExpectations(t)
}

func TestRun_DefaultModelName(t *testing.T) {
	f := newFixture(t)
	f.mkDeployDir(t)
	onnxPath := f.expectExport(t, "yolov8n")
	f.expectConvert(t, onnxPath, true, true)

	report, err := f.driver.Run(context.Background(), "  ")
	require.NoError(t, err)
	assert.Equal(t, "yolov8n", report.Model)
}

func TestRun_ExporterUnavailableInvokesNoConverter(t *testing.T) {
	f := newFixture(t)
	missing := fmt.Errorf("%w: ultralytics: %w", toolchain.ErrDependencyMissing, toolchain.ErrToolNotFound)
	f.exporter.On("CheckAvailable", mock.Anything).Return("", missing).Once()

	report, err := f.driver.Run(context.Background(), "yolov8s")

	require.ErrorIs(t, err, ErrDependencyMissing)
	assert.Contains(t, Hints(err), "Install it with: pip install ultralytics")
	assert.Equal(t, map[string]StepStatus{StepCheck: StepFailed}, statuses(report))

	f.exporter.AssertNotCalled(t, "Load", mock.Anything, mock.Anything)
	f.exporter.AssertNotCalled(t, "Export", mock.Anything, mock.Anything, mock.Anything)
	f.converter.AssertNotCalled(t, "Version", mock.Anything)
	f.converter.AssertNotCalled(t, "Convert", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_LoadAndExportFailures(t *testing.T) {
	t.Run("load", func(t *testing.T) {
		f := newFixture(t)
		f.exporter.On("CheckAvailable", mock.Anything).Return("8.1.0", nil).Once()
		f.exporter.On("Load", mock.Anything, "yolov9z.pt").Return(errors.New("network unreachable")).Once()

		_, err := f.driver.Run(context.Background(), "yolov9z")

		assert.ErrorIs(t, err, ErrLoad)
		assert.ErrorContains(t, err, "network unreachable")
		f.converter.AssertNotCalled(t, "Version", mock.Anything)
	})

	t.Run("export", func(t *testing.T) {
		f := newFixture(t)
		f.exporter.On("CheckAvailable", mock.Anything).Return("8.1.0", nil).Once()
		f.exporter.On("Load", mock.Anything, "yolov8n.pt").Return(nil).Once()
		f.exporter.On("Export", mock.Anything, "yolov8n.pt", mock.Anything).Return("", errors.New("onnx not installed")).Once()

		report, err := f.driver.Run(context.Background(), "yolov8n")

		assert.ErrorIs(t, err, ErrExport)
		assert.Equal(t, StepFailed, statuses(report)[StepExport])
		f.converter.AssertNotCalled(t, "Version", mock.Anything)
	})
}

func TestRun_VersionCheckFailureSkipsConversion(t *testing.T) {
	f := newFixture(t)
	f.expectExport(t, "yolov8n")
	f.converter.On("Version", mock.Anything).
		Return("", fmt.Errorf("%w: pnnx: %w", toolchain.ErrDependencyMissing, &toolchain.ExitError{Tool: "pnnx", ExitCode: 1})).Once()

	_, err := f.driver.Run(context.Background(), "yolov8n")

	require.ErrorIs(t, err, ErrDependencyMissing)
	hints := Hints(err)
	assert.Contains(t, hints, "Install it with: pip install pnnx")
	assert.Contains(t, hints, "Or run it manually: pnnx yolov8n.onnx inputshape=[1,3,640,640]")
	f.converter.AssertNotCalled(t, "Convert", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_ConvertFailure(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{"non-zero exit", &toolchain.ExitError{Tool: "pnnx", ExitCode: 134}, ErrConvert},
		{"not on PATH", fmt.Errorf("%w: pnnx: %w", toolchain.ErrDependencyMissing, toolchain.ErrToolNotFound), ErrDependencyMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			onnxPath := f.expectExport(t, "yolov8n")
			f.converter.On("Version", mock.Anything).Return("20240410", nil).Once()
			f.converter.On("Convert", mock.Anything, onnxPath, mock.Anything).Return(nil, tt.err).Once()

			report, err := f.driver.Run(context.Background(), "yolov8n")

			assert.ErrorIs(t, err, tt.wantErr)
			assert.NotEmpty(t, Hints(err))
			assert.Equal(t, StepFailed, statuses(report)[StepConvert])
			assert.NotContains(t, statuses(report), StepRename)
		})
	}
}

func TestRun_MissingOutputsStillSucceed(t *testing.T) {
	f := newFixture(t)
	deployDir := f.mkDeployDir(t)
	onnxPath := f.expectExport(t, "yolov8n")
	f.expectConvert(t, onnxPath, true, false)

	report, err := f.driver.Run(context.Background(), "yolov8n")

	require.NoError(t, err)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "yolov8n.ncnn.bin")
	assert.Equal(t, StepWarning, statuses(report)[StepRename])
	assert.Equal(t, []string{filepath.Join(deployDir, "yolov8n.param")}, report.Deployed)
}

func TestRun_StrictOutputsFail(t *testing.T) {
	f := newFixture(t)
	f.cfg.StrictOutputs = true
	onnxPath := f.expectExport(t, "yolov8n")
	f.expectConvert(t, onnxPath, false, false)

	report, err := f.driver.Run(context.Background(), "yolov8n")

	require.ErrorIs(t, err, ErrMissingOutput)
	assert.Len(t, report.Warnings, 2)
	assert.NotContains(t, statuses(report), StepDeploy)
}

func TestRun_MissingDeployDirWarns(t *testing.T) {
	f := newFixture(t)
	onnxPath := f.expectExport(t, "yolov8n")
	f.expectConvert(t, onnxPath, true, true)

	report, err := f.driver.Run(context.Background(), "yolov8n")

	require.NoError(t, err)
	assert.Empty(t, report.Deployed)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "deploy directory does not exist")
	assert.Equal(t, StepWarning, statuses(report)[StepDeploy])
	assert.FileExists(t, f.path("yolov8n.param"))
	assert.FileExists(t, f.path("yolov8n.bin"))
}

func TestRun_InputShapeMismatchWarns(t *testing.T) {
	f := newFixture(t)
	f.mkDeployDir(t)
	onnxPath := f.path("yolov8n.onnx")
	f.exporter.On("CheckAvailable", mock.Anything).Return("8.1.0", nil).Once()
	f.exporter.On("Load", mock.Anything, "yolov8n.pt").Return(nil).Once()
	f.exporter.On("Export", mock.Anything, "yolov8n.pt", mock.Anything).
		Run(func(mock.Arguments) {
			require.NoError(t, os.WriteFile(onnxPath, onnxModel(1, 3, 320, 320), 0o644))
		}).
		Return(onnxPath, nil).Once()
	f.expectConvert(t, onnxPath, true, true)

	report, err := f.driver.Run(context.Background(), "yolov8n")

	require.NoError(t, err)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "[1,3,320,320]")
	assert.Equal(t, StepWarning, statuses(report)[StepExport])
}

func TestRun_CanceledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.driver.Run(ctx, "yolov8n")

	assert.ErrorIs(t, err, context.Canceled)
	f.exporter.AssertNotCalled(t, "CheckAvailable", mock.Anything)
}

func TestRun_FetchesFromHuggingFace(t *testing.T) {
	f := newFixture(t)
	f.mkDeployDir(t)
	src := config.HuggingFaceSource{Repo: "acme/yolo-parts", Revision: "v2"}
	f.cfg.Source.HuggingFace = &src

	fetcher := new(MockFetcher)
	fetcher.On("Download", mock.Anything, src, "best.pt").Return(f.path("best.pt"), false, nil).Once()
	f.driver.WithFetcher(fetcher)

	onnxPath := f.expectExport(t, "best")
	f.expectConvert(t, onnxPath, true, true)

	report, err := f.driver.Run(context.Background(), "best")

	require.NoError(t, err)
	assert.Equal(t, StepOK, statuses(report)[StepFetch])
	assert.Equal(t, StepFetch, report.History[1].Step)
	fetcher.AssertExpectations(t)
}

func TestRun_FetchFailureStopsBeforeLoad(t *testing.T) {
	f := newFixture(t)
	src := config.HuggingFaceSource{Repo: "acme/yolo-parts"}
	f.cfg.Source.HuggingFace = &src

	fetcher := new(MockFetcher)
	fetcher.On("Download", mock.Anything, src, "best.pt").
		Return("", false, fmt.Errorf("%w: hf: %w", toolchain.ErrDependencyMissing, toolchain.ErrToolNotFound)).Once()
	f.driver.WithFetcher(fetcher)
	f.exporter.On("CheckAvailable", mock.Anything).Return("8.1.0", nil).Once()

	_, err := f.driver.Run(context.Background(), "best")

	require.ErrorIs(t, err, ErrDependencyMissing)
	assert.Contains(t, Hints(err), "Install it with: pip install -U huggingface_hub")
	f.exporter.AssertNotCalled(t, "Load", mock.Anything, mock.Anything)
}

func TestNewDriver_WiresHuggingFaceFetcher(t *testing.T) {
	cfg := config.Default()
	assert.Nil(t, NewDriver(cfg).fetcher)

	cfg.Source.HuggingFace = &config.HuggingFaceSource{Repo: "acme/yolo-parts"}
	assert.NotNil(t, NewDriver(cfg).fetcher)
}

// writeTool puts an executable shell script named name into dir.
func writeTool(t *testing.T, dir, name, script string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+script), 0o755))
}

func TestNewDriver_RelativeWorkDir(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script tools")
	}

	root := t.TempDir()
	bin := filepath.Join(root, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "work"), 0o755))

	// Version check has 2 args, load 3, export 7.
	writeTool(t, bin, "fake-python", `case $# in
2) echo 8.1.0 ;;
7) : > "${3%.pt}.onnx"; echo "YOLO2NCNN_OUTPUT=${3%.pt}.onnx" ;;
esac
`)
	writeTool(t, bin, "fake-pnnx", `[ "$1" = "--version" ] && { echo 20240410; exit 0; }
[ -f "$1" ] || { echo "no such file $1 in $(pwd)" >&2; exit 1; }
: > "${1%.onnx}.ncnn.param"
: > "${1%.onnx}.ncnn.bin"
`)
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
	t.Chdir(root)

	cfg := config.Default()
	cfg.WorkDir = "work"
	cfg.Export.Python = "fake-python"
	cfg.Convert.PNNX = "fake-pnnx"

	report, err := NewDriver(cfg).Run(context.Background(), "yolov8n")
	require.NoError(t, err)

	wd, err := os.Getwd()
	require.NoError(t, err)
	work := filepath.Join(wd, "work")

	assert.Equal(t, filepath.Join(work, "yolov8n.onnx"), report.ONNXPath)
	assert.FileExists(t, filepath.Join(work, "yolov8n.param"))
	assert.FileExists(t, filepath.Join(work, "yolov8n.bin"))
	assert.Equal(t, "work", cfg.WorkDir, "caller config is left untouched")
}
