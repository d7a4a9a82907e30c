package lwk

import (
	"github.com/cockroachdb/errors"
)

// Error kinds. Every operation returns an error that matches exactly one of
// these with errors.Is, so callers can decide whether to retry, release
// resources elsewhere, or abort.
var (
	// ErrInvalidArgument is malformed or out-of-range input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrBusy means the operation is not valid in the current state.
	ErrBusy = errors.New("device or resource busy")

	// ErrOutOfMemory means no memory satisfies the request.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrOutOfCPUs means no CPU satisfies the request.
	ErrOutOfCPUs = errors.New("out of cpus")

	// ErrNotFound means the referenced instance or resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied means the caller may not perform the operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrTimeout means a bounded wait expired.
	ErrTimeout = errors.New("timed out")

	// ErrHungup means the peer kernel reported an unrecoverable failure.
	// The instance must be destroyed.
	ErrHungup = errors.New("instance hung up")
)

var kinds = []error{
	ErrInvalidArgument,
	ErrBusy,
	ErrOutOfMemory,
	ErrOutOfCPUs,
	ErrNotFound,
	ErrPermissionDenied,
	ErrTimeout,
	ErrHungup,
}

// KindOf returns the kind sentinel err matches, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}

	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}

	return nil
}

// Mark wraps a collaborator failure with msg and tags it with kind unless it
// already carries one.
func Mark(err, kind error, msg string) error {
	if err == nil {
		return nil
	}

	err = errors.Wrap(err, msg)
	if KindOf(err) != nil {
		return err
	}

	return errors.Mark(err, kind)
}
