// Package observability provides logging, metrics, and tracing for the
// agent runtime. It integrates with OpenTelemetry for distributed tracing
// and Prometheus for runtime metrics.
package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/apex-agent-runtime/internal/config"
)

// SetupLogger configures a JSON slog logger with environment fields.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() || cfg.Debug {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
	return logger
}
