package env

import (
	"os"
	"strings"

	"github.com/ekisa-team/yolo2ncnn/internal/envvar"
)

// Environment is the runtime environment the tool runs in.
type Environment string

const (
	// Development logs human-readable colored text.
	Development Environment = "development"

	// Production logs JSON.
	Production Environment = "production"
)

// FromEnv reads the environment from YOLO2NCNN_ENV, defaulting to development.
func FromEnv() Environment {
	return Parse(os.Getenv(envvar.Yolo2NCNNEnv))
}

// Parse maps a raw value to an Environment. Unknown values fall back to development.
func Parse(raw string) Environment {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production":
		return Production
	default:
		return Development
	}
}

// IsProduction reports whether e is the production environment.
func (e Environment) IsProduction() bool {
	return e == Production
}
