// Package outputbuffer implements the per-client output buffer used by a
// distributed MPP SQL execution engine to shuttle serialized result
// pages from a producing task to a single remote consuming client.
package outputbuffer

import (
	"fmt"
	"sync"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"

	utillog "github.com/mppengine/taskbuffer/pkg/util/log"
)

// ClientBuffer is the state machine described in spec.md §4.3: it holds
// the queue of page refs, the current acknowledged sequence id,
// termination flags, and at most one pending read for one
// (taskInstanceID, bufferID) client.
//
// A single mutex serializes all mutation of pages, noMorePages,
// isForceDestroy, and pendingRead. bufferedBytes and currentSequenceID
// are additionally kept as atomics, written only while the lock is held,
// so Info() and IsDestroyed() can be read lock-free.
type ClientBuffer struct {
	taskInstanceID string
	bufferID       int64

	logger kitlog.Logger

	mu             sync.Mutex
	pages          []*PageRef
	noMorePages    bool
	isForceDestroy bool
	pendingRead    *PendingRead
	preferLocal    bool

	bufferedBytes     atomic.Int64
	currentSequenceID atomic.Int64
	destroyed         atomic.Bool
}

// NewClientBuffer constructs an empty, active buffer keyed by
// (taskInstanceID, bufferID). If logger is nil the process-wide
// util/log.Logger, rate-limited to 1 line/sec per distinct message, is
// used — benign paths (stale acks, enqueue after noMorePages) log at
// debug through it rather than flooding output under load.
func NewClientBuffer(taskInstanceID string, bufferID int64, logger kitlog.Logger) *ClientBuffer {
	if logger == nil {
		logger = utillog.NewRateLimitedLogger(1, utillog.Logger)
	}
	return &ClientBuffer{
		taskInstanceID: taskInstanceID,
		bufferID:       bufferID,
		logger:         logger,
	}
}

// TaskInstanceID returns the buffer's key component set at construction.
func (b *ClientBuffer) TaskInstanceID() string { return b.taskInstanceID }

// BufferID returns the buffer's key component set at construction.
func (b *ClientBuffer) BufferID() int64 { return b.bufferID }

// SetPreferLocal is a plain, semantics-free hint setter; the core never
// branches on it (spec.md §9 open question). It exists solely so the
// enclosing manager has somewhere to stash the hint it consumes itself.
func (b *ClientBuffer) SetPreferLocal(v bool) {
	b.mu.Lock()
	b.preferLocal = v
	b.mu.Unlock()
}

// PreferLocal returns the hint set by SetPreferLocal.
func (b *ClientBuffer) PreferLocal() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.preferLocal
}

// EnqueuePages accepts refs the caller already owns one reference to and
// has arranged that this buffer may Release exactly once. See spec.md
// §4.3.1.
func (b *ClientBuffer) EnqueuePages(refs []*PageRef) error {
	if len(refs) == 0 {
		return nil
	}

	b.mu.Lock()
	if b.noMorePages || b.isForceDestroy {
		b.mu.Unlock()
		metricPagesDropped.Add(float64(len(refs)))
		level.Debug(b.logger).Log("msg", "dropping enqueued pages on terminated buffer",
			"taskInstanceID", b.taskInstanceID, "bufferID", b.bufferID, "count", len(refs))
		return nil
	}

	var addedBytes int64
	for _, ref := range refs {
		if err := ref.AddReference(); err != nil {
			drained := b.poison()
			b.mu.Unlock()
			b.releasePages(drained, "poison during enqueuePages")
			return Internal("enqueuePages: addReference on dead page", err)
		}
		b.pages = append(b.pages, ref)
		addedBytes += int64(ref.RetainedSizeInBytes())
	}
	b.bufferedBytes.Add(addedBytes)
	metricPagesEnqueued.Add(float64(len(refs)))

	captured := b.pendingRead
	b.pendingRead = nil
	b.mu.Unlock()

	if captured != nil {
		b.mu.Lock()
		result, drained, err := b.process(captured.SequenceID, captured.MaxBytes)
		b.mu.Unlock()
		b.releasePages(drained, "poison during enqueuePages")
		if err != nil {
			captured.CompleteWithEmpty()
			return err
		}
		captured.CompleteWith(result)
	}
	return nil
}

// GetPages implements spec.md §4.3.2: it acknowledges everything below
// sequenceID, then either resolves synchronously or installs a new
// PendingRead. The returned PendingRead is always non-nil; callers read
// its result via Wait() or Done().
func (b *ClientBuffer) GetPages(sequenceID, maxBytes int64) (*PendingRead, error) {
	if sequenceID < 0 {
		return nil, fmt.Errorf("%w: sequenceId must be >= 0, got %d", ErrInvalidArgument, sequenceID)
	}

	if err := b.acknowledge(sequenceID); err != nil {
		return nil, err
	}

	b.mu.Lock()
	superseded := b.pendingRead
	b.pendingRead = nil

	if len(b.pages) > 0 || b.noMorePages || sequenceID != b.currentSequenceID.Load() {
		result, drained, err := b.process(sequenceID, maxBytes)
		b.mu.Unlock()
		b.releasePages(drained, "poison during getPages")
		if superseded != nil {
			superseded.CompleteWithEmpty()
		}
		if err != nil {
			return nil, err
		}
		read := NewPendingRead(b.taskInstanceID, sequenceID, maxBytes)
		read.CompleteWith(result)
		return read, nil
	}

	read := NewPendingRead(b.taskInstanceID, sequenceID, maxBytes)
	b.pendingRead = read
	b.mu.Unlock()

	metricPendingReadsInstalled.Inc()
	if superseded != nil {
		superseded.CompleteWithEmpty()
	}
	return read, nil
}

// SetNoMorePages marks the stream as having a natural end. Idempotent.
func (b *ClientBuffer) SetNoMorePages() error {
	b.mu.Lock()
	b.noMorePages = true
	captured := b.pendingRead
	b.pendingRead = nil

	var result BufferResult
	var drained []*PageRef
	var err error
	if captured != nil {
		result, drained, err = b.process(captured.SequenceID, captured.MaxBytes)
	}
	b.mu.Unlock()
	b.releasePages(drained, "poison during setNoMorePages")

	if captured != nil {
		if err != nil {
			captured.CompleteWithEmpty()
			return err
		}
		captured.CompleteWith(result)
	}
	return nil
}

// Destroy implements the client-observed end-of-life path in spec.md
// §4.3.4: pages are moved out under the lock, then released outside it,
// and any pending read is completed with an empty result.
func (b *ClientBuffer) Destroy() error {
	return b.destroy(false)
}

// ForceDestroy implements spec.md §4.3.4b: the operator-initiated
// reclaim. Unlike Destroy, the pending read (if any) is left for its
// caller chain to resolve.
func (b *ClientBuffer) ForceDestroy() error {
	return b.destroy(true)
}

func (b *ClientBuffer) destroy(force bool) error {
	b.mu.Lock()
	if b.destroyed.Load() {
		// Terminal state is absorbing: every later destroy/forceDestroy
		// call, by either path, is a no-op.
		b.mu.Unlock()
		return nil
	}

	drained := b.pages
	b.pages = nil
	b.bufferedBytes.Store(0)
	b.noMorePages = true
	b.isForceDestroy = force
	b.destroyed.Store(true)

	var captured *PendingRead
	if !force {
		captured = b.pendingRead
	}
	b.pendingRead = nil
	b.mu.Unlock()

	for _, ref := range drained {
		if err := ref.Release(); err != nil {
			level.Error(b.logger).Log("msg", "release failed during destroy", "err", err,
				"taskInstanceID", b.taskInstanceID, "bufferID", b.bufferID)
		}
	}

	metricBuffersDestroyed.WithLabelValues(boolLabel(force)).Inc()

	if captured != nil {
		captured.CompleteWithEmpty()
	}
	return nil
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// process computes the result for a getPages(sequenceId, maxBytes) call.
// Must be called with b.mu held. The returned drained slice, non-nil
// only on the poison path, must be released by the caller after it has
// unlocked b.mu. See spec.md §4.3.5.
func (b *ClientBuffer) process(sequenceID, maxBytes int64) (BufferResult, []*PageRef, error) {
	current := b.currentSequenceID.Load()

	switch {
	case sequenceID < current:
		// Stale request: the client will recognize this as out-of-order.
		return emptyResults(b.taskInstanceID, sequenceID, false), nil, nil

	case len(b.pages) == 0 && b.noMorePages:
		return emptyResults(b.taskInstanceID, current, true), nil, nil

	case sequenceID > current:
		err := fmt.Errorf("%w: getPages sequenceId %d ahead of currentSequenceId %d", ErrIllegal, sequenceID, current)
		drained := b.poison()
		return BufferResult{}, drained, Internal("process: sequenceId ahead of currentSequenceId", err)

	default:
		return b.collect(sequenceID, maxBytes), nil, nil
	}
}

// collect gathers pages from the head of the queue, stopping before a
// page would push the cumulative size above maxBytes — unless nothing
// has been collected yet, in which case at least one page is always
// returned. Must be called with b.mu held; pages are NOT removed here.
func (b *ClientBuffer) collect(sequenceID, maxBytes int64) BufferResult {
	var (
		pages []*PageRef
		total int64
	)

	for _, ref := range b.pages {
		size := int64(ref.RetainedSizeInBytes())
		if len(pages) > 0 && total+size > maxBytes {
			break
		}
		pages = append(pages, ref)
		total += size
	}

	return BufferResult{
		TaskInstanceID: b.taskInstanceID,
		StartToken:     sequenceID,
		NextToken:      sequenceID + int64(len(pages)),
		Finished:       false,
		Pages:          pages,
	}
}

// acknowledge removes every page with id < sequenceID from the queue and
// advances currentSequenceID to it. See spec.md §4.3.6. Must NOT be
// called with b.mu held by the caller.
func (b *ClientBuffer) acknowledge(sequenceID int64) error {
	b.mu.Lock()

	if b.destroyed.Load() {
		b.mu.Unlock()
		return nil
	}

	old := b.currentSequenceID.Load()
	if sequenceID < old {
		b.mu.Unlock()
		level.Debug(b.logger).Log("msg", "ignoring stale acknowledge",
			"taskInstanceID", b.taskInstanceID, "bufferID", b.bufferID, "sequenceID", sequenceID, "currentSequenceID", old)
		return nil
	}

	k := sequenceID - old
	if k > int64(len(b.pages)) {
		b.mu.Unlock()
		return fmt.Errorf("%w: acknowledge(%d) past queue of %d pages at currentSequenceId %d",
			ErrInvalidArgument, sequenceID, len(b.pages), old)
	}

	removed := b.pages[:k]
	b.pages = b.pages[k:]

	var bytesRemoved int64
	for _, ref := range removed {
		bytesRemoved += int64(ref.RetainedSizeInBytes())
	}

	newBytes := b.bufferedBytes.Load() - bytesRemoved
	if newBytes < 0 {
		err := fmt.Errorf("%w: bufferedBytes would go negative (%d - %d)", ErrIllegal, b.bufferedBytes.Load(), bytesRemoved)
		drained := b.poison()
		b.mu.Unlock()
		b.releasePages(drained, "poison during acknowledge")
		return Internal("acknowledge: bufferedBytes underflow", err)
	}
	b.bufferedBytes.Store(newBytes)
	b.currentSequenceID.Store(sequenceID)
	b.mu.Unlock()

	metricPagesAcknowledged.Add(float64(len(removed)))
	b.releasePages(removed, "acknowledge")
	return nil
}

// poison marks the buffer destroyed and drains its page queue, per
// spec.md §7 ("poison the buffer (mark destroyed, drain pages)") and the
// §8 invariant that destroyed implies an empty queue and zero
// bufferedBytes. Must be called with b.mu held; it returns the drained
// pages so the caller can Release them once it has unlocked b.mu — page
// refs must never be released while holding the lock.
func (b *ClientBuffer) poison() []*PageRef {
	drained := b.pages
	b.pages = nil
	b.bufferedBytes.Store(0)
	b.noMorePages = true
	b.destroyed.Store(true)
	return drained
}

// releasePages releases every ref in refs, logging (but not failing on)
// any individual release error. context names the caller for the log
// line.
func (b *ClientBuffer) releasePages(refs []*PageRef, context string) {
	for _, ref := range refs {
		if err := ref.Release(); err != nil {
			level.Error(b.logger).Log("msg", "release failed during "+context, "err", err,
				"taskInstanceID", b.taskInstanceID, "bufferID", b.bufferID)
		}
	}
}

// Info returns a lock-free snapshot for observability (spec.md §4.3.7).
func (b *ClientBuffer) Info() BufferInfo {
	return BufferInfo{
		BufferID:  b.bufferID,
		Destroyed: b.destroyed.Load(),
		PageBufferInfo: PageBufferInfo{
			BufferID:      b.bufferID,
			BufferedBytes: b.bufferedBytes.Load(),
		},
	}
}

// IsDestroyed is a lock-free read of the destroyed flag.
func (b *ClientBuffer) IsDestroyed() bool {
	return b.destroyed.Load()
}
