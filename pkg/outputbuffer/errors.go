package outputbuffer

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// ErrInvalidArgument marks caller errors: a negative sequence id, an
// acknowledge() past the end of the queue, or a PageRef constructed with
// initialRefs < 1. These are raised synchronously to the caller and are
// never retried.
var ErrInvalidArgument = errors.New("outputbuffer: invalid argument")

// ErrIllegal marks an invariant violation: resurrecting a dead PageRef,
// driving a reference count negative, a bufferedBytes underflow, or a
// getPages() sequence id ahead of currentSequenceId. In a debug build the
// caller is expected to panic on these; Internal() converts one into a
// poisoned-buffer error for release builds.
var ErrIllegal = errors.New("outputbuffer: illegal state")

// Internal wraps err as the release-build surfacing of an Illegal
// invariant violation, per spec.md §7. Debug builds should panic instead
// of calling this.
func Internal(msg string, err error) error {
	return errors.Wrapf(err, "outputbuffer: internal error: %s", msg)
}

// IsInvalidArgument reports whether err (or anything it wraps) is
// ErrInvalidArgument, for callers translating it to a 4xx at a transport
// boundary.
func IsInvalidArgument(err error) bool {
	return stderrors.Is(err, ErrInvalidArgument)
}
