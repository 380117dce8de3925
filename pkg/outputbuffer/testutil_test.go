package outputbuffer

// fakeChunk is a minimal SerializedChunk used across the test suite; it
// never needs to carry real bytes because the core never inspects them.
type fakeChunk struct {
	rows  uint32
	bytes uint64
}

func (f fakeChunk) PositionCount() uint32       { return f.rows }
func (f fakeChunk) RetainedSizeInBytes() uint64 { return f.bytes }

// newTestRef builds a PageRef with a release counter the test can assert
// against, standing in for the "memory-release callback" collaborator.
func newTestRef(rows uint32, bytes uint64) (*PageRef, *int) {
	released := new(int)
	ref, err := NewPageRef(fakeChunk{rows: rows, bytes: bytes}, 1, func() {
		*released++
	})
	if err != nil {
		panic(err)
	}
	return ref, released
}
