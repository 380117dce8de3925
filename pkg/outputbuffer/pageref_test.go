package outputbuffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPageRefRejectsNonPositiveInitialRefs(t *testing.T) {
	for _, n := range []int64{0, -1, -5} {
		_, err := NewPageRef(fakeChunk{rows: 1, bytes: 1}, n, nil)
		require.ErrorIs(t, err, ErrInvalidArgument)
	}
}

func TestPageRefReleaseRunsCallbackExactlyOnceAtZero(t *testing.T) {
	ref, released := newTestRef(10, 100)

	require.NoError(t, ref.AddReference()) // count = 2
	require.NoError(t, ref.Release())      // count = 1
	assert.Equal(t, 0, *released)

	require.NoError(t, ref.Release()) // count = 0, fires
	assert.Equal(t, 1, *released)
}

func TestPageRefReleasePastZeroIsIllegal(t *testing.T) {
	ref, _ := newTestRef(10, 100)
	require.NoError(t, ref.Release())
	err := ref.Release()
	require.ErrorIs(t, err, ErrIllegal)
}

func TestPageRefAddReferenceAfterDeathIsResurrectionBug(t *testing.T) {
	ref, _ := newTestRef(10, 100)
	require.NoError(t, ref.Release())

	err := ref.AddReference()
	require.ErrorIs(t, err, ErrIllegal)
}

func TestPageRefFanOutReleasesExactlyOnceAfterAllHoldersDrop(t *testing.T) {
	ref, released := newTestRef(10, 100)

	const holders = 8
	for i := 1; i < holders; i++ {
		require.NoError(t, ref.AddReference())
	}

	var wg sync.WaitGroup
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, ref.Release())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, *released)
}

func TestPageRefAccessors(t *testing.T) {
	ref, _ := newTestRef(42, 4096)
	assert.EqualValues(t, 42, ref.PositionCount())
	assert.EqualValues(t, 4096, ref.RetainedSizeInBytes())
	assert.Equal(t, fakeChunk{rows: 42, bytes: 4096}, ref.Page())
}
