package store

import "errors"

// ErrNotFound is wrapped into a descriptive error by LoadSession when no
// session has the given UUID; the other lookups report absence as an empty
// result or a false flag.
var ErrNotFound = errors.New("not found")
