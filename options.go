package basalt

import (
	"log/slog"

	"github.com/basaltdb/basalt/config"
	"github.com/basaltdb/basalt/metrics"
	"github.com/basaltdb/basalt/sysinfo"
)

type options struct {
	cfg      *config.Config
	logger   *Logger
	registry *metrics.Registry
	sys      sysinfo.Provider
}

// Option configures environment construction behavior.
type Option func(*options)

// WithConfig supplies the backend configuration. If nil is passed, the
// defaults from config.NewDefault are used.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithLogger sets the logger the environment and its subsystems report
// through. A nil logger silences them:
//
//	env := basalt.NewEnv(basalt.WithLogger(basalt.NewJSONLogger(slog.LevelInfo)))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel is shorthand for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsRegistry configures the registry the lifecycle hooks bind
// their gauges to. Defaults to a fresh registry under the "basalt"
// namespace; pass a shared one to co-locate the gauges with other
// process metrics.
func WithMetricsRegistry(registry *metrics.Registry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// WithSysProvider overrides where the environment reads system facts
// (memory limit, physical memory, descriptor limit) from. Intended for
// tests and embedded setups; see sysinfo.Static.
func WithSysProvider(p sysinfo.Provider) Option {
	return func(o *options) {
		o.sys = p
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger: NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
