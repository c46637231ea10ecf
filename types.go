// Package novads is the top-level facade for the NovaDS data-set engine.
package novads

import (
	"context"

	"github.com/tuannm99/novads/internal"
	"github.com/tuannm99/novads/internal/engine"
	"github.com/tuannm99/novads/internal/sql/executor"
)

type (
	Engine        = engine.Engine
	Request       = engine.Request
	QueryResult   = engine.QueryResult
	Options       = engine.Options
	Config        = internal.NovaDSConfig
	Summary       = executor.Summary
	FailureReport = executor.FailureReport
)

// LoadConfig reads a YAML configuration file with NOVADS_ environment
// overrides applied.
func LoadConfig(path string) (*Config, error) {
	return internal.LoadConfig(path)
}

// Open builds an engine from configuration.
func Open(ctx context.Context, cfg *Config, opts Options) (*Engine, error) {
	return engine.Open(ctx, cfg, opts)
}
