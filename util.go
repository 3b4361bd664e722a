package fcgiapp

import (
	"errors"
	"os"
)

// errorIs is a thin wrapper kept so call sites in this package read as
// domain vocabulary (isErrInvalidSession, etc.) rather than reaching for
// errors.Is directly everywhere.
func errorIs(err, target error) bool {
	return errors.Is(err, target)
}

// removeIfExists unlinks path, treating a missing file as success.
func removeIfExists(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		_ = err
	}
}
