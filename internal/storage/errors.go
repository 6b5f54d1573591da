package storage

import "errors"

// ErrNotFound is returned when the requested row does not exist. Services
// translate it into a model.NotFoundError naming the entity.
var ErrNotFound = errors.New("storage: not found")
