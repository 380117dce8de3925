package outputbuffer

import "sync"

// PendingRead is the single outstanding getPages() request a ClientBuffer
// may have installed at a time. It is a one-shot future: whoever races to
// call CompleteWith or CompleteWithEmpty first wins, every later call is
// a no-op.
type PendingRead struct {
	TaskInstanceID string
	SequenceID     int64
	MaxBytes       int64

	once sync.Once
	done chan struct{}

	mu     sync.Mutex
	result BufferResult
}

// NewPendingRead constructs an unresolved read for the given token.
func NewPendingRead(taskInstanceID string, sequenceID, maxBytes int64) *PendingRead {
	return &PendingRead{
		TaskInstanceID: taskInstanceID,
		SequenceID:     sequenceID,
		MaxBytes:       maxBytes,
		done:           make(chan struct{}),
	}
}

// CompleteWithEmpty resolves the future with an empty, not-finished
// result carrying this read's own sequence id. Used when a later
// getPages() call supersedes this one. Idempotent.
func (p *PendingRead) CompleteWithEmpty() {
	p.complete(emptyResults(p.TaskInstanceID, p.SequenceID, false))
}

// CompleteWith resolves the future with a computed result. Idempotent.
func (p *PendingRead) CompleteWith(result BufferResult) {
	p.complete(result)
}

func (p *PendingRead) complete(result BufferResult) {
	p.once.Do(func() {
		p.mu.Lock()
		p.result = result
		p.mu.Unlock()
		close(p.done)
	})
}

// Wait blocks until the read is resolved and returns its result. Callers
// that already hold a reference to a ready PendingRead (one that was
// completed synchronously) can call Wait immediately without blocking.
func (p *PendingRead) Wait() BufferResult {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Done returns a channel closed once the read is resolved, for callers
// that want to select on it alongside a context deadline.
func (p *PendingRead) Done() <-chan struct{} {
	return p.done
}
