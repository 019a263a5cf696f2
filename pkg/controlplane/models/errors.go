package models

import "errors"

// Common errors for control plane operations.
var (
	// Printer errors
	ErrPrinterNotFound  = errors.New("printer not found")
	ErrDuplicatePrinter = errors.New("printer already exists")

	// Job errors
	ErrJobNotFound       = errors.New("job not found")
	ErrJobNotCancellable = errors.New("only queued jobs can be cancelled")
	ErrJobNotRetryable   = errors.New("only failed or queued jobs can be retried")
	ErrJobNotQueued      = errors.New("job is no longer queued")
)
