package repository

import "errors"

// ErrNotFound is returned when no record matches (link, role).
var ErrNotFound = errors.New("seal record not found")

// ErrConflict is returned by Insert when (link, role) already exists.
var ErrConflict = errors.New("seal record already exists")
