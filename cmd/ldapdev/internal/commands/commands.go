package commands

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/ldapdev/internal/logger"
	"github.com/wolfeidau/ldapdev/internal/telemetry"
)

const serviceName = "ldapdev"

type Globals struct {
	Debug   bool
	OTel    bool
	Version string

	// Stdout receives command output. Defaults to os.Stdout.
	Stdout io.Writer
}

func (g *Globals) stdout() io.Writer {
	if g.Stdout == nil {
		return os.Stdout
	}
	return g.Stdout
}

// setup installs the logger on ctx and, with --otel, the OTLP exporters.
// The returned func must be called before the command returns.
func (g *Globals) setup(ctx context.Context) (context.Context, func()) {
	l := logger.Setup(g.Debug)
	log.Logger = l
	ctx = l.WithContext(ctx)

	if !g.OTel {
		return ctx, func() {}
	}

	if !telemetry.Configured() {
		l.Warn().Msg("--otel set but no OTEL_EXPORTER_OTLP_ENDPOINT configured, exporting to the default endpoint")
	}

	shutdown, err := telemetry.InitTelemetry(ctx, serviceName, g.Version)
	if err != nil {
		l.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without it")
		return ctx, func() {}
	}

	return ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			l.Error().Err(err).Msg("Failed to shutdown telemetry")
		}
	}
}
