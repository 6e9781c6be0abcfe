// Package storage declares shared storage errors and the provider
// selection helpers used at startup. Concrete backends live in the
// subpackages gcs, local, memory and postgres.
package storage

import "errors"

// ErrNotFound is returned by log stores when a job has no persisted log.
var ErrNotFound = errors.New("record not found")
