package core

import "context"

// Logger is the minimal structured logging interface used throughout the
// mesh. Implementations live in the telemetry package; a NoOpLogger is
// provided here as the zero-dependency default.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentLogger extends Logger with a component tag, so different
// subsystems (mesh, orchestrator, registry) can log under their own name
// while sharing one underlying sink.
type ComponentLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOpLogger discards everything. Used as the default when no logger is
// injected, so components never need a nil check before logging.
type NoOpLogger struct{}

func (NoOpLogger) Info(string, map[string]interface{})  {}
func (NoOpLogger) Warn(string, map[string]interface{})  {}
func (NoOpLogger) Error(string, map[string]interface{}) {}
func (NoOpLogger) Debug(string, map[string]interface{}) {}

func (NoOpLogger) InfoContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) WarnContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) ErrorContext(context.Context, string, map[string]interface{}) {}
func (NoOpLogger) DebugContext(context.Context, string, map[string]interface{}) {}

// MetricsSink receives counters, gauges and histograms emitted by the mesh.
// The telemetry package's otel-backed implementation registers itself here;
// a NoOpMetrics is the default so components never need a nil check.
type MetricsSink interface {
	Counter(name string, labels ...string)
	Gauge(name string, value float64, labels ...string)
	Histogram(name string, value float64, labels ...string)
}

// NoOpMetrics discards everything.
type NoOpMetrics struct{}

func (NoOpMetrics) Counter(string, ...string)            {}
func (NoOpMetrics) Gauge(string, float64, ...string)     {}
func (NoOpMetrics) Histogram(string, float64, ...string) {}
