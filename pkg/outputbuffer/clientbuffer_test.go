package outputbuffer

import (
	"sync"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRef(t *testing.T, rows uint32, bytes uint64) (*PageRef, *int) {
	t.Helper()
	return newTestRef(rows, bytes)
}

func waitResult(t *testing.T, p *PendingRead) BufferResult {
	t.Helper()
	select {
	case <-p.Done():
		return p.Wait()
	case <-time.After(time.Second):
		t.Fatal("pending read never completed")
		return BufferResult{}
	}
}

// scenario 1 — basic stream, spec.md §8.
func TestBasicStream(t *testing.T) {
	b := NewClientBuffer("task-1", 0, nil)

	p0, rel0 := mustRef(t, 10, 100)
	p1, rel1 := mustRef(t, 5, 200)
	require.NoError(t, b.EnqueuePages([]*PageRef{p0, p1}))
	// The buffer took its own reference; drop the producer's handle so
	// the buffer's release is the last one.
	require.NoError(t, p0.Release())
	require.NoError(t, p1.Release())

	read, err := b.GetPages(0, 1024)
	require.NoError(t, err)
	result := waitResult(t, read)
	assert.Equal(t, int64(0), result.StartToken)
	assert.Equal(t, int64(2), result.NextToken)
	assert.False(t, result.Finished)
	assert.Equal(t, []*PageRef{p0, p1}, result.Pages)

	pending, err := b.GetPages(2, 1024)
	require.NoError(t, err)
	select {
	case <-pending.Done():
		t.Fatal("expected getPages(2, ...) to still be pending")
	default:
	}

	require.NoError(t, b.SetNoMorePages())
	final := waitResult(t, pending)
	assert.Equal(t, BufferResult{TaskInstanceID: "task-1", StartToken: 2, NextToken: 2, Finished: true}, final)

	require.NoError(t, b.Destroy())
	assert.Equal(t, 1, *rel0)
	assert.Equal(t, 1, *rel1)
}

// scenario 2 — retry, spec.md §8.
func TestRetryReturnsSameResult(t *testing.T) {
	b := NewClientBuffer("task-1", 0, nil)
	p0, _ := mustRef(t, 1, 100)
	p1, _ := mustRef(t, 1, 200)
	require.NoError(t, b.EnqueuePages([]*PageRef{p0, p1}))

	first, err := b.GetPages(0, 1024)
	require.NoError(t, err)
	r1 := waitResult(t, first)
	assert.Equal(t, int64(2), r1.NextToken)

	second, err := b.GetPages(0, 1024)
	require.NoError(t, err)
	r2 := waitResult(t, second)
	if diff := deep.Equal(r1, r2); diff != nil {
		t.Fatalf("retry result differs: %v", diff)
	}

	pending, err := b.GetPages(2, 1024)
	require.NoError(t, err)

	p2, _ := mustRef(t, 1, 50)
	require.NoError(t, b.EnqueuePages([]*PageRef{p2}))

	r3 := waitResult(t, pending)
	assert.Equal(t, int64(2), r3.StartToken)
	assert.Equal(t, int64(3), r3.NextToken)
	assert.Equal(t, []*PageRef{p2}, r3.Pages)
}

// scenario 3 — byte cap, spec.md §8.
func TestByteCapStopsBeforeExceeding(t *testing.T) {
	b := NewClientBuffer("task-1", 0, nil)
	p0, _ := mustRef(t, 1, 600)
	p1, _ := mustRef(t, 1, 600)
	p2, _ := mustRef(t, 1, 600)
	require.NoError(t, b.EnqueuePages([]*PageRef{p0, p1, p2}))

	read, err := b.GetPages(0, 1000)
	require.NoError(t, err)
	r := waitResult(t, read)
	assert.Equal(t, int64(1), r.NextToken)
	assert.Equal(t, []*PageRef{p0}, r.Pages)

	read2, err := b.GetPages(1, 1000)
	require.NoError(t, err)
	r2 := waitResult(t, read2)
	assert.Equal(t, int64(2), r2.NextToken)
	assert.Equal(t, []*PageRef{p1}, r2.Pages)
}

// scenario 4 — oversize single page, spec.md §8.
func TestOversizePageAlwaysIncludesOne(t *testing.T) {
	b := NewClientBuffer("task-1", 0, nil)
	p0, _ := mustRef(t, 1, 10_000)
	require.NoError(t, b.EnqueuePages([]*PageRef{p0}))

	read, err := b.GetPages(0, 1024)
	require.NoError(t, err)
	r := waitResult(t, read)
	assert.Equal(t, int64(1), r.NextToken)
	assert.Equal(t, []*PageRef{p0}, r.Pages)
}

// maxBytes=0 boundary behavior, spec.md §8.
func TestMaxBytesZeroReturnsExactlyOnePage(t *testing.T) {
	b := NewClientBuffer("task-1", 0, nil)
	p0, _ := mustRef(t, 1, 1)
	p1, _ := mustRef(t, 1, 1)
	require.NoError(t, b.EnqueuePages([]*PageRef{p0, p1}))

	read, err := b.GetPages(0, 0)
	require.NoError(t, err)
	r := waitResult(t, read)
	assert.Len(t, r.Pages, 1)
}

// scenario 5 — force destroy mid-stream, spec.md §8.
func TestForceDestroyMidStream(t *testing.T) {
	b := NewClientBuffer("task-1", 0, nil)
	p0, rel0 := mustRef(t, 1, 100)
	p1, rel1 := mustRef(t, 1, 200)
	require.NoError(t, b.EnqueuePages([]*PageRef{p0, p1}))
	require.NoError(t, p0.Release()) // drop the producer's handle
	require.NoError(t, p1.Release())

	read, err := b.GetPages(0, 1024)
	require.NoError(t, err)
	waitResult(t, read)

	// client acknowledges through 1
	_, err = b.GetPages(1, 1024)
	require.NoError(t, err)
	assert.Equal(t, 1, *rel0)

	require.NoError(t, b.ForceDestroy())
	assert.Equal(t, 1, *rel1)

	p2, _ := mustRef(t, 1, 50)
	require.NoError(t, b.EnqueuePages([]*PageRef{p2})) // silently dropped

	info := b.Info()
	assert.True(t, info.Destroyed)
	assert.EqualValues(t, 0, info.PageBufferInfo.BufferedBytes)
}

// scenario 6 — stale ack, spec.md §8.
func TestStaleGetPagesLeavesStateUnchanged(t *testing.T) {
	b := NewClientBuffer("task-1", 0, nil)
	p0, _ := mustRef(t, 1, 10)
	p1, _ := mustRef(t, 1, 10)
	p2, _ := mustRef(t, 1, 10)
	require.NoError(t, b.EnqueuePages([]*PageRef{p0, p1, p2}))

	read, err := b.GetPages(0, 1024)
	require.NoError(t, err)
	waitResult(t, read)
	_, err = b.GetPages(3, 1024) // acks everything, currentSequenceId -> 3
	require.NoError(t, err)

	stale, err := b.GetPages(1, 1024)
	require.NoError(t, err)
	r := waitResult(t, stale)
	assert.Equal(t, BufferResult{TaskInstanceID: "task-1", StartToken: 1, NextToken: 1, Finished: false}, r)

	info := b.Info()
	assert.False(t, info.Destroyed)
}

func TestEnqueueEmptyListIsNoOp(t *testing.T) {
	b := NewClientBuffer("task-1", 0, nil)
	require.NoError(t, b.EnqueuePages(nil))
	assert.Zero(t, b.Info().PageBufferInfo.BufferedBytes)
}

func TestGetPagesOnFreshlyDestroyedBufferReturnsFinished(t *testing.T) {
	b := NewClientBuffer("task-1", 0, nil)
	require.NoError(t, b.Destroy())

	read, err := b.GetPages(0, 1024)
	require.NoError(t, err)
	r := waitResult(t, read)
	assert.True(t, r.Finished)
	assert.Empty(t, r.Pages)
}

func TestAcknowledgePastDestroyedBufferIsNoOp(t *testing.T) {
	b := NewClientBuffer("task-1", 0, nil)
	require.NoError(t, b.Destroy())
	require.NoError(t, b.acknowledge(1000))
}

func TestAcknowledgeBeyondQueueIsInvalidArgument(t *testing.T) {
	b := NewClientBuffer("task-1", 0, nil)
	p0, _ := mustRef(t, 1, 10)
	require.NoError(t, b.EnqueuePages([]*PageRef{p0}))

	err := b.acknowledge(5)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

// open question — ack exactly equal to queue length while noMorePages is set.
func TestAcknowledgeDrainsIntoFinished(t *testing.T) {
	b := NewClientBuffer("task-1", 0, nil)
	p0, _ := mustRef(t, 1, 10)
	require.NoError(t, b.EnqueuePages([]*PageRef{p0}))
	require.NoError(t, b.SetNoMorePages())

	read, err := b.GetPages(1, 1024)
	require.NoError(t, err)
	r := waitResult(t, read)
	assert.True(t, r.Finished)
	assert.Empty(t, r.Pages)
}

func TestDestroyIsIdempotent(t *testing.T) {
	b := NewClientBuffer("task-1", 0, nil)
	p0, rel0 := mustRef(t, 1, 10)
	require.NoError(t, b.EnqueuePages([]*PageRef{p0}))
	require.NoError(t, p0.Release()) // drop the producer's handle

	require.NoError(t, b.Destroy())
	require.NoError(t, b.Destroy())
	require.NoError(t, b.ForceDestroy())

	assert.Equal(t, 1, *rel0)
	assert.False(t, b.Info().PageBufferInfo.BufferedBytes > 0)
}

func TestSetNoMorePagesIsIdempotent(t *testing.T) {
	b := NewClientBuffer("task-1", 0, nil)
	require.NoError(t, b.SetNoMorePages())
	require.NoError(t, b.SetNoMorePages())
}

func TestGetPagesSupersedesPriorPendingRead(t *testing.T) {
	b := NewClientBuffer("task-1", 0, nil)

	first, err := b.GetPages(0, 1024)
	require.NoError(t, err)

	second, err := b.GetPages(0, 1024)
	require.NoError(t, err)

	firstResult := waitResult(t, first)
	assert.Equal(t, emptyResults("task-1", 0, false), firstResult)

	p0, _ := mustRef(t, 1, 10)
	require.NoError(t, b.EnqueuePages([]*PageRef{p0}))
	secondResult := waitResult(t, second)
	assert.Equal(t, []*PageRef{p0}, secondResult.Pages)
}

func TestPreferLocalIsAPlainHint(t *testing.T) {
	b := NewClientBuffer("task-1", 0, nil)
	assert.False(t, b.PreferLocal())
	b.SetPreferLocal(true)
	assert.True(t, b.PreferLocal())
}

func TestConcurrentEnqueueAndGetPagesPreservesConservation(t *testing.T) {
	b := NewClientBuffer("task-1", 0, nil)

	const producers = 4
	const pagesPer = 50
	var wg sync.WaitGroup
	released := make([]*int, 0, producers*pagesPer)
	var mu sync.Mutex

	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < pagesPer; j++ {
				ref, rel := mustRef(t, 1, 10)
				mu.Lock()
				released = append(released, rel)
				mu.Unlock()
				require.NoError(t, b.EnqueuePages([]*PageRef{ref}))
				require.NoError(t, ref.Release()) // drop the producer's handle
			}
		}()
	}
	wg.Wait()
	require.NoError(t, b.SetNoMorePages())

	var got int64
	token := int64(0)
	for {
		read, err := b.GetPages(token, 64)
		require.NoError(t, err)
		r := waitResult(t, read)
		got += int64(len(r.Pages))
		token = r.NextToken
		if r.Finished {
			break
		}
	}
	assert.Equal(t, int64(producers*pagesPer), got)

	require.NoError(t, b.Destroy())
	for _, rel := range released {
		assert.Equal(t, 1, *rel)
	}
}
