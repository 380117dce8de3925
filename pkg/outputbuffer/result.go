package outputbuffer

// BufferResult is the immutable value a getPages() call resolves to.
// nextToken is always >= startToken, and len(Pages) == nextToken-startToken.
type BufferResult struct {
	TaskInstanceID string
	StartToken     int64
	NextToken      int64
	Finished       bool
	Pages          []*PageRef
}

// emptyResults builds the zero-page result shape used for stale
// requests, drained buffers, and cancelled pending reads.
func emptyResults(taskInstanceID string, token int64, finished bool) BufferResult {
	return BufferResult{
		TaskInstanceID: taskInstanceID,
		StartToken:     token,
		NextToken:      token,
		Finished:       finished,
		Pages:          nil,
	}
}

// PageBufferInfo is the per-buffer slice of BufferInfo exposed to the
// manager's observability surface.
type PageBufferInfo struct {
	BufferID      int64
	BufferedBytes int64
}

// BufferInfo is a lock-free snapshot of a ClientBuffer's observable
// state, suitable for a GET .../info endpoint or a metrics scrape.
type BufferInfo struct {
	BufferID       int64
	Destroyed      bool
	PageBufferInfo PageBufferInfo
}
