// Package sources provides reputation source integrations. Each source
// implements the same lookup capability; the aggregation engine fans out
// across every source that supports an indicator kind and merges whatever
// comes back.
package sources

import (
	"context"
	"time"

	"github.com/lvonguyen/ctihub/internal/ioc"
)

// Source is the capability implemented once per external reputation
// provider. Lookup returns ok=false for "no data" — including transient
// network failures and timeouts, which are absence of evidence, never
// errors the caller must handle.
type Source interface {
	// Name returns the stable source identifier recorded on merges.
	Name() string

	// Supports reports whether this source can answer for the kind.
	Supports(kind ioc.Kind) bool

	// Lookup queries the source for one indicator value. The returned
	// observation carries the source-specific raw score; normalization
	// happens in the engine.
	Lookup(ctx context.Context, kind ioc.Kind, value string) (ioc.Observation, bool, error)
}

// Config holds common source configuration.
type Config struct {
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string        `yaml:"api_key_env"`
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
}
