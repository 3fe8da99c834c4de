package convert

import (
	"time"

	"github.com/ekisa-team/yolo2ncnn/internal/onnx"
)

// StepStatus is the outcome of a pipeline step.
type StepStatus string

const (
	StepOK      StepStatus = "ok"
	StepFailed  StepStatus = "failed"
	StepWarning StepStatus = "warning"
)

// Step names in pipeline order.
const (
	StepCheck   = "check"
	StepFetch   = "fetch"
	StepLoad    = "load"
	StepExport  = "export"
	StepConvert = "convert"
	StepRename  = "rename"
	StepDeploy  = "deploy"
)

// StepRecord is the log entry of one step.
type StepRecord struct {
	Step     string
	Status   StepStatus
	Error    string
	Duration time.Duration
}

// Artifact is a canonical output file.
type Artifact struct {
	Path   string
	SizeMB float64
}

// Report describes one run of the pipeline.
type Report struct {
	RunID     string
	Model     string
	ONNXPath  string
	ONNX      *onnx.Summary
	Artifacts []Artifact
	Deployed  []string
	Warnings  []string
	History   []StepRecord
}

func (r *Report) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}
