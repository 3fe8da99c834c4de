package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Config holds the configuration of a conversion run.
type Config struct {
	Version       string         `json:"version"                  yaml:"version"`
	Model         string         `json:"model,omitempty"          yaml:"model,omitempty"`
	WorkDir       string         `json:"work_dir,omitempty"       yaml:"work_dir,omitempty"`
	Source        SourceConfig   `json:"source,omitempty"         yaml:"source,omitempty"`
	Export        ExportConfig   `json:"export"                   yaml:"export"`
	Convert       ConvertConfig  `json:"convert"                  yaml:"convert"`
	Deploy        DeployConfig   `json:"deploy"                   yaml:"deploy"`
	Timeouts      TimeoutsConfig `json:"timeouts"                 yaml:"timeouts"`
	StrictOutputs bool           `json:"strict_outputs,omitempty" yaml:"strict_outputs,omitempty"`
}

// SourceConfig wraps optional checkpoint sources (only one should be set).
// Without a source the checkpoint is resolved by Ultralytics itself.
type SourceConfig struct {
	HuggingFace *HuggingFaceSource `json:"huggingface,omitempty" yaml:"huggingface,omitempty"`
}

// HuggingFaceSource fetches the checkpoint from a Hugging Face repository,
// typically custom-trained weights.
type HuggingFaceSource struct {
	Repo          string `json:"repo"                     yaml:"repo"`
	Revision      string `json:"revision,omitempty"       yaml:"revision,omitempty"`
	RepoType      string `json:"repo_type,omitempty"      yaml:"repo_type,omitempty"`
	Token         string `json:"token,omitempty"          yaml:"token,omitempty"`
	CLI           string `json:"cli,omitempty"            yaml:"cli,omitempty"`
	ForceDownload bool   `json:"force_download,omitempty" yaml:"force_download,omitempty"`
}

// ExportConfig holds the settings passed to the Ultralytics exporter.
type ExportConfig struct {
	Python    string `json:"python"          yaml:"python"`
	ImageSize int    `json:"image_size"      yaml:"image_size"`
	Simplify  bool   `json:"simplify"        yaml:"simplify"`
	Opset     int    `json:"opset,omitempty" yaml:"opset,omitempty"` // 0 lets the exporter pick
	Half      bool   `json:"half,omitempty"  yaml:"half,omitempty"`
}

// ConvertConfig holds the settings passed to pnnx.
type ConvertConfig struct {
	PNNX       string   `json:"pnnx"                  yaml:"pnnx"`
	InputShape string   `json:"input_shape,omitempty" yaml:"input_shape,omitempty"` // empty derives [1,3,S,S]
	ExtraArgs  []string `json:"extra_args,omitempty"  yaml:"extra_args,omitempty"`
}

// DeployConfig holds the destination of the canonical files.
type DeployConfig struct {
	Dir string `json:"dir" yaml:"dir"`
}

// TimeoutsConfig bounds each external step. Zero means no timeout.
type TimeoutsConfig struct {
	Load    time.Duration `json:"load,omitempty"    yaml:"load,omitempty"`
	Export  time.Duration `json:"export,omitempty"  yaml:"export,omitempty"`
	Convert time.Duration `json:"convert,omitempty" yaml:"convert,omitempty"`
}

// InputShape returns the pnnx inputshape argument.
func (c *Config) InputShape() string {
	if c.Convert.InputShape != "" {
		return c.Convert.InputShape
	}
	return fmt.Sprintf("[1,3,%d,%d]", c.Export.ImageSize, c.Export.ImageSize)
}

// WithAbsWorkDir returns a copy of c whose WorkDir is absolute. Every tool
// runs inside WorkDir, so paths passed from one tool to the next must not be
// relative to it.
func (c *Config) WithAbsWorkDir() (*Config, error) {
	dir := c.WorkDir
	if dir == "" {
		dir = "."
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve work_dir %q: %w", c.WorkDir, err)
	}

	out := *c
	out.WorkDir = abs
	return &out, nil
}

// DeployPath returns the deploy directory resolved against the working directory.
func (c *Config) DeployPath() string {
	if c.Deploy.Dir == "" || filepath.IsAbs(c.Deploy.Dir) {
		return c.Deploy.Dir
	}
	return filepath.Join(c.WorkDir, c.Deploy.Dir)
}
