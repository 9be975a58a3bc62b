package store

import "errors"

// ErrNotFound indicates a missing resource lookup.
var ErrNotFound = errors.New("record not found")

// ErrConflict indicates a uniqueness violation on insert.
var ErrConflict = errors.New("record already exists")
