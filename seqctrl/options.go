package seqctrl

import (
	"github.com/joeycumines/logiface"
	"go.opentelemetry.io/otel/trace"
)

// controllerOptions holds configuration applied at construction.
type controllerOptions struct {
	logger        *logiface.Logger[logiface.Event]
	tracer        trace.Tracer
	workBatchSize int
}

// Option configures a [Controller].
type Option interface {
	applyController(*controllerOptions) error
}

type optionImpl struct {
	applyControllerFunc func(*controllerOptions) error
}

func (x *optionImpl) applyController(opts *controllerOptions) error {
	return x.applyControllerFunc(opts)
}

// WithLogger attaches a structured logger. A nil logger (the default)
// disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *controllerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithTracer attaches a tracer used to wrap task execution and the
// controller's active periods in spans. A nil tracer (the default)
// disables span emission.
func WithTracer(tracer trace.Tracer) Option {
	return &optionImpl{func(opts *controllerOptions) error {
		opts.tracer = tracer
		return nil
	}}
}

// WithWorkBatchSize sets the initial maximum number of tasks run per
// DoWork invocation. See also [Controller.SetWorkBatchSize]. Values below
// 1 are an error.
func WithWorkBatchSize(n int) Option {
	return &optionImpl{func(opts *controllerOptions) error {
		if n < 1 {
			return ErrInvalidWorkBatchSize
		}
		opts.workBatchSize = n
		return nil
	}}
}

// resolveOptions applies Option instances over defaults.
func resolveOptions(opts []Option) (*controllerOptions, error) {
	cfg := &controllerOptions{
		workBatchSize: 1, // matches a host loop that wants control back between tasks
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyController(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
