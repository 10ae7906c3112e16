package distckpt

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/distckpt/pkg/distckpt/async"
	"github.com/randalmurphal/distckpt/pkg/distckpt/config"
	"github.com/randalmurphal/distckpt/pkg/distckpt/observability"
	"github.com/randalmurphal/distckpt/pkg/distckpt/strategies"
)

// Checkpointer binds a strategy registry, an async save queue, and
// observability sinks into a single entry point for checkpoint operations.
// The instance returned by Default serves most programs; construct your own
// to isolate registries or queues, for example in tests.
//
// A Checkpointer is safe for concurrent use.
type Checkpointer struct {
	registry *strategies.Registry
	queue    *async.Queue
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager
	settings config.Settings
}

// Option configures a Checkpointer at construction time.
type Option func(*Checkpointer)

// WithRegistry sets the strategy registry.
// Default: the process-wide registry with all built-in backends installed.
//
// A custom registry starts empty; call RegisterBuiltins on it to get the
// built-in backends back.
func WithRegistry(r *strategies.Registry) Option {
	return func(c *Checkpointer) {
		if r != nil {
			c.registry = r
		}
	}
}

// WithQueue sets the async save queue.
// Default: the process-wide queue.
func WithQueue(q *async.Queue) Option {
	return func(c *Checkpointer) {
		if q != nil {
			c.queue = q
		}
	}
}

// WithLogger sets the structured logger for checkpoint operations.
// Default: no logging.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Checkpointer) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
// Default: no metrics.
//
// Example:
//
//	ckpt := distckpt.New(distckpt.WithMetrics(observability.NewMetricsRecorder()))
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *Checkpointer) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithSpans sets the trace span manager.
// Default: no tracing.
func WithSpans(s observability.SpanManager) Option {
	return func(c *Checkpointer) {
		if s != nil {
			c.spans = s
		}
	}
}

// WithSettings sets the default backend, version, and async preference used
// when individual calls do not override them.
func WithSettings(s config.Settings) Option {
	return func(c *Checkpointer) {
		c.settings = s
	}
}

// WithConfig extracts checkpoint settings from a loaded configuration.
// Equivalent to WithSettings(config.SettingsFromConfig(cfg)).
func WithConfig(cfg config.Config) Option {
	return func(c *Checkpointer) {
		c.settings = config.SettingsFromConfig(cfg)
	}
}

// New creates a Checkpointer. Without options it uses the process-wide
// registry and queue, the configured default backend, and no observability.
func New(opts ...Option) *Checkpointer {
	c := &Checkpointer{
		registry: strategies.Default(),
		queue:    async.Default(),
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
		settings: config.DefaultSettings(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var defaultCheckpointer = New()

// Default returns the process-wide Checkpointer used by the package-level
// functions.
func Default() *Checkpointer {
	return defaultCheckpointer
}

// callConfig holds the settings for one checkpoint operation after
// per-call options are applied.
type callConfig struct {
	backend string
	version int
	saveID  string
}

// CallOption adjusts a single checkpoint operation.
type CallOption func(*callConfig)

// WithBackend overrides the serialization backend for one call. On load it
// forces the strategy identity instead of the one recorded in the
// checkpoint's metadata; compatibility is still verified against the
// recorded pair.
func WithBackend(name string) CallOption {
	return func(cfg *callConfig) {
		if name != "" {
			cfg.backend = name
		}
	}
}

// WithVersion overrides the backend format version for one call.
func WithVersion(v int) CallOption {
	return func(cfg *callConfig) {
		if v > 0 {
			cfg.version = v
		}
	}
}

// WithSaveID sets the identifier attached to a save's logs and trace
// spans.
// Default: a random UUID per save.
func WithSaveID(id string) CallOption {
	return func(cfg *callConfig) {
		cfg.saveID = id
	}
}

// newCallConfig resolves one save call's settings from the Checkpointer
// defaults and the given options.
func (c *Checkpointer) newCallConfig(opts []CallOption) callConfig {
	cfg := callConfig{
		backend: c.settings.Backend,
		version: c.settings.Version,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.saveID == "" {
		cfg.saveID = uuid.NewString()
	}
	return cfg
}

// Schedule hands an async save request to the queue. Execution starts on a
// background goroutine; the caller drives finalization through
// MaybeFinalize.
func (c *Checkpointer) Schedule(req *async.Request) {
	c.queue.Schedule(req)
	depth := c.queue.Len()
	observability.LogAsyncScheduled(c.logger, req.ID(), depth)
	c.metrics.RecordQueueDepth(context.Background(), int64(depth))
}

// MaybeFinalize runs one finalization pass over the async save queue, in
// schedule order. In blocking mode it waits for every pending request; in
// non-blocking mode it finalizes only requests whose execution already
// completed. It reports whether anything was finalized.
//
// Call this from the training loop between iterations. Requests still
// pending at process exit are lost; check PendingSaves and run a blocking
// pass before exiting.
func (c *Checkpointer) MaybeFinalize(ctx context.Context, blocking bool) (bool, error) {
	done := observability.TimedOperation()
	finalized, err := c.queue.MaybeFinalize(blocking)
	durMs := done()

	if finalized || err != nil {
		c.metrics.RecordAsyncFinalize(ctx, err == nil, msToDuration(durMs))
	}
	c.metrics.RecordQueueDepth(ctx, int64(c.queue.Len()))
	if err != nil {
		observability.LogCheckpointError(c.logger, "finalize", err)
		return finalized, err
	}
	observability.LogAsyncFinalized(c.logger, finalized, durMs)
	return finalized, nil
}

// PendingSaves returns the number of async save requests not yet
// finalized.
func (c *Checkpointer) PendingSaves() int {
	return c.queue.Len()
}

// Schedule hands an async save request to the default Checkpointer's
// queue.
func Schedule(req *async.Request) {
	defaultCheckpointer.Schedule(req)
}

// MaybeFinalize runs one finalization pass on the default Checkpointer's
// queue.
func MaybeFinalize(ctx context.Context, blocking bool) (bool, error) {
	return defaultCheckpointer.MaybeFinalize(ctx, blocking)
}

// PendingSaves returns the default Checkpointer's queue depth.
func PendingSaves() int {
	return defaultCheckpointer.PendingSaves()
}

// msToDuration converts a TimedOperation result to a time.Duration.
func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
