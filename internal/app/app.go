// Package app wires configuration, logging, planning and the run modes
// (server, executor, local) into one application lifecycle.
package app

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/pipegridgo/internal/hclconf"
)

// App encapsulates the application's dependencies, configuration and
// lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	cfg      *Config
	pipeline *hclconf.File
}

// NewApp constructs the application: it builds the logger, loads the
// pipeline file when one is needed, merges its settings block under the
// explicitly-given flags, and validates the final configuration.
func NewApp(outW io.Writer, cfg *Config, explicitFlags map[string]bool) (*App, error) {
	a := &App{outW: outW, cfg: cfg}

	if !cfg.ExecutorMode && cfg.PipelineFile != "" {
		file, err := hclconf.Load(cfg.PipelineFile)
		if err != nil {
			return nil, fmt.Errorf("loading pipeline file: %w", err)
		}
		a.pipeline = file
		cfg.ApplySettings(file.Settings, explicitFlags)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a.logger = newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	a.logger.Debug("Configuration validated.", "pipeline", cfg.PipelineName)
	return a, nil
}
