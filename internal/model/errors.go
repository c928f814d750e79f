package model

import "errors"

var (
	// ErrInvalidParameters is returned for parameter combinations that are
	// rejected before any job is created or any backend is invoked.
	ErrInvalidParameters = errors.New("invalid parameters")

	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrInputFileImmutable = errors.New("input file already set")
	ErrOutputWithoutDone  = errors.New("output file requires completed status")
)
