package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrAlreadyExists is returned when creating an entity whose id is taken.
var ErrAlreadyExists = errors.New("storage: already exists")
