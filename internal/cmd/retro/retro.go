// Package retro parses retro command flags and composes transport entrypoints.
package retro

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/louisbranch/retroloop/internal/platform/cmd"
	server "github.com/louisbranch/retroloop/internal/retro/app"
)

// Config holds retro command configuration.
type Config struct {
	HTTPAddr    string        `env:"RETROLOOP_HTTP_ADDR"        envDefault:":8090"`
	StoragePath string        `env:"RETROLOOP_STORAGE_PATH"`
	IdleGrace   time.Duration `env:"RETROLOOP_RETRO_IDLE_GRACE" envDefault:"30s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "retro HTTP listen address")
	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "sqlite snapshot path, empty for in-memory only")
	fs.DurationVar(&cfg.IdleGrace, "idle-grace", cfg.IdleGrace, "grace period before an emptied room is torn down")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the retro app and starts realtime transport behavior.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceRetro, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:    cfg.HTTPAddr,
			StoragePath: cfg.StoragePath,
			IdleGrace:   cfg.IdleGrace,
		}); err != nil {
			return fmt.Errorf("serve retro: %w", err)
		}
		return nil
	})
}
