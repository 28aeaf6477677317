package worker

import "github.com/d-wizard/plotter-sub000/errors"

var (
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolStopped        = errors.New("worker pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	ErrNilProcessor       = errors.New("processor function cannot be nil")
	ErrStopTimeout        = errors.New("timeout waiting for workers to stop")

	// ErrQueueFull is the shared sentinel, so errors.IsTransient reports it.
	ErrQueueFull = errors.ErrQueueFull
)
