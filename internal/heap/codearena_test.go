package heap

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeArenaAllocIsOutsideTheSemispaceArena(t *testing.T) {
	ts := newTestHeap(t)
	raw, err := ts.Code.Alloc(32)
	require.NoError(t, err)

	assert.False(t, raw >= ts.heapBase && raw < ts.heapBase+ts.heapSize*2,
		"a code-arena block must not alias the copying semispace")
}

func TestCodeArenaCommitInstallsCodeAndSurvivesHeapCollection(t *testing.T) {
	ts := newTestHeap(t)
	raw, err := ts.Code.Alloc(16)
	require.NoError(t, err)
	code := []byte{0x90, 0x90, 0xc3}
	require.NoError(t, ts.Code.Commit(raw, code))

	before := raw
	installed := func() []byte {
		return unsafe.Slice((*byte)(unsafe.Pointer(raw)), len(code))
	}
	assert.Equal(t, code, installed())

	// Filling and exhausting the semispace repeatedly (forcing many
	// Alloc/Collect-style bumps of HeapPtr, simulated directly here since
	// this package doesn't import internal/gc) must never touch a
	// CodeArena block: the two live in entirely separate mappings.
	for i := 0; i < 64; i++ {
		for {
			if _, ok := ts.Alloc(PairSize()); !ok {
				break
			}
		}
		ts.SwapSpaces()
		ts.HeapPtr = ts.fromSpace
		ts.HeapLimit = ts.fromSpace + ts.heapSize
	}
	assert.Equal(t, before, raw, "a CodeArena address must never move")
	assert.Equal(t, code, installed(), "code bytes must survive unrelated heap churn")
}

func TestCodeArenaPacksMultipleFunctionsIntoOneChunkWhenTheyFit(t *testing.T) {
	arena := NewCodeArena()
	a, err := arena.Alloc(16)
	require.NoError(t, err)
	require.NoError(t, arena.Commit(a, []byte{0x90}))

	b, err := arena.Alloc(16)
	require.NoError(t, err)
	require.NoError(t, arena.Commit(b, []byte{0xc3}))

	assert.Len(t, arena.chunks, 1, "two small functions should share the first chunk")
	assert.NotEqual(t, a, b)
	require.NoError(t, arena.Close())
}

func TestCodeArenaGrowsANewChunkWhenTheCurrentOneIsFull(t *testing.T) {
	arena := NewCodeArena()
	first, err := arena.Alloc(codeChunkSize)
	require.NoError(t, err)
	require.NoError(t, arena.Commit(first, make([]byte, 8)))

	second, err := arena.Alloc(64)
	require.NoError(t, err)
	require.NoError(t, arena.Commit(second, []byte{0xc3}))

	assert.Len(t, arena.chunks, 2)
	require.NoError(t, arena.Close())
}
