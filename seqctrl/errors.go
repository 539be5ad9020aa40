package seqctrl

import "errors"

// Standard errors.
var (
	// ErrNilTaskRunner is returned when a Controller is created without a
	// task runner.
	ErrNilTaskRunner = errors.New("seqctrl: task runner is required")

	// ErrInvalidWorkBatchSize is returned for work batch sizes below 1.
	ErrInvalidWorkBatchSize = errors.New("seqctrl: work batch size must be >= 1")
)
