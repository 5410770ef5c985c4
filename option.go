package settle

import (
	"time"

	"github.com/pardonsim/settle/logger"
	"github.com/pardonsim/settle/metrics"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger. Defaults to a noop logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// WithMetrics sets the metrics recorder. Defaults to a noop recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(e *Engine) {
		e.metrics = r
	}
}

// WithNow overrides the clock used for record timestamps. Test hook.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}
