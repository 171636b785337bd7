package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrAlreadySuperseded is returned when a document named as predecessor
// already has a successor. Chains are linear.
var ErrAlreadySuperseded = errors.New("storage: predecessor already superseded")
