package registry

import "errors"

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrQueueFull         = errors.New("pipeline queue is full")
	ErrUnsupportedPipeline = errors.New("unsupported pipeline")
	ErrRegistryStopped   = errors.New("registry is stopped")
)
