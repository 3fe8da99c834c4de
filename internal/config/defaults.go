package config

import "path/filepath"

const (
	// DefaultModel is the checkpoint converted when no model is named.
	DefaultModel = "yolov8n"

	// DefaultConfigFile is looked up in the working directory when no config is given.
	DefaultConfigFile = "yolo2ncnn.yaml"

	// DefaultImageSize is the export image size.
	DefaultImageSize = 640

	// CurrentVersion is the only supported config version.
	CurrentVersion = "1"
)

// DefaultDeployDir returns the project directory the canonical files are copied into.
func DefaultDeployDir() string {
	return filepath.Join("tncnn", "src", "main", "resources", "rawfile", "models")
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Model:   DefaultModel,
		WorkDir: ".",
		Export: ExportConfig{
			Python:    "python3",
			ImageSize: DefaultImageSize,
			Simplify:  true,
		},
		Convert: ConvertConfig{
			PNNX: "pnnx",
		},
		Deploy: DeployConfig{
			Dir: DefaultDeployDir(),
		},
	}
}
