package payhooks

import (
	"context"

	"github.com/goliatone/go-payhooks/core"
)

type Config = core.Config

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// LoadConfig layers defaults, PAYHOOKS_* environment variables and the
// runtime overrides, then validates the result.
func LoadConfig(ctx context.Context, runtime Config) (Config, error) {
	return core.LoadConfig(ctx, core.NewEnvConfigLoader(), runtime)
}
