package models

import "errors"

var (
	// ErrNotFound marks an expected absence (unknown borrower, scenario, asset).
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput marks a request that can never succeed as given.
	ErrInvalidInput = errors.New("invalid input")
)
