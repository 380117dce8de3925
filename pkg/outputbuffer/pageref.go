package outputbuffer

import (
	"fmt"

	"go.uber.org/atomic"
)

// SerializedChunk is the opaque page payload the core moves around. It
// never inspects bytes, only the two sizes callers already advertise.
type SerializedChunk interface {
	PositionCount() uint32
	RetainedSizeInBytes() uint64
}

// ReleaseFunc is invoked exactly once, outside any ClientBuffer lock,
// when a PageRef's last reference drops.
type ReleaseFunc func()

// PageRef is a shared-ownership handle around one SerializedChunk. It
// may be held by several ClientBuffers at once (fan-out); the release
// callback runs exactly once, after the last holder drops its reference.
type PageRef struct {
	page    SerializedChunk
	refs    atomic.Int64
	release ReleaseFunc
}

// NewPageRef constructs a PageRef with initialRefs references already
// held on the caller's behalf. initialRefs must be >= 1.
func NewPageRef(page SerializedChunk, initialRefs int64, release ReleaseFunc) (*PageRef, error) {
	if initialRefs < 1 {
		return nil, fmt.Errorf("%w: initialRefs must be >= 1, got %d", ErrInvalidArgument, initialRefs)
	}

	r := &PageRef{page: page, release: release}
	r.refs.Store(initialRefs)
	return r, nil
}

// AddReference atomically increments the reference count. Calling it on
// a PageRef whose count has already reached zero is a resurrection bug.
func (r *PageRef) AddReference() error {
	for {
		cur := r.refs.Load()
		if cur <= 0 {
			return fmt.Errorf("%w: addReference on dead PageRef (count=%d)", ErrIllegal, cur)
		}
		if r.refs.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

// Release atomically decrements the reference count. When the count
// reaches exactly zero the release callback runs, exactly once. Callers
// must invoke Release outside any ClientBuffer lock (the callback may
// re-enter memory-pool code that locks other buffers).
func (r *PageRef) Release() error {
	v := r.refs.Dec()
	if v < 0 {
		return fmt.Errorf("%w: reference count went negative (%d)", ErrIllegal, v)
	}
	if v == 0 && r.release != nil {
		r.release()
	}
	return nil
}

// PositionCount returns the page's logical row count.
func (r *PageRef) PositionCount() uint32 {
	return r.page.PositionCount()
}

// RetainedSizeInBytes returns the page's approximate memory footprint.
func (r *PageRef) RetainedSizeInBytes() uint64 {
	return r.page.RetainedSizeInBytes()
}

// Page returns the underlying opaque payload.
func (r *PageRef) Page() SerializedChunk {
	return r.page
}
