package storage

import "errors"

// Storage errors.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientReserve is returned when applying a negative delta
	// would drive the reserve below zero. The reserve is left unchanged.
	ErrInsufficientReserve = errors.New("insufficient reserve")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)
