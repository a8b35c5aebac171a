package queue

import "errors"

var (
	// ErrFull is returned by Put when the queue has no free slot.
	ErrFull = errors.New("queue full")
	// ErrClosed is returned once the queue has been closed.
	ErrClosed = errors.New("queue closed")
	// ErrEmpty is returned by Get when nothing arrived before the timeout.
	ErrEmpty = errors.New("queue empty")
)
