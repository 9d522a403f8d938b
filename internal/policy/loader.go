package policy

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/compliscan/compliscan/internal/domain/scanning"
)

// Loader resolves a scan policy from some source into a pipeline
// configuration. The context allows cancellation for sources that fetch
// remotely.
type Loader interface {
	Load(ctx context.Context) (scanning.PipelineConfig, error)
}

// FileLoader loads a scan policy from a YAML file on disk.
type FileLoader struct {
	path string
}

var _ Loader = (*FileLoader)(nil)

// NewFileLoader creates a FileLoader reading from the given path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load reads and resolves the policy file against the pipeline defaults.
func (l *FileLoader) Load(ctx context.Context) (scanning.PipelineConfig, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return scanning.PipelineConfig{}, fmt.Errorf("read policy file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return scanning.PipelineConfig{}, fmt.Errorf("parse policy file: %w", err)
	}

	return f.Resolve()
}
