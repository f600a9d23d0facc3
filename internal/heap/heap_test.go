package heap

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sanya/internal/value"
)

func newTestHeap(t *testing.T) *ThreadState {
	t.Helper()
	ts, err := New(DefaultHalfSpaceSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ts.Close() })
	return ts
}

func TestAllocBumpsPointerAndStampsHeader(t *testing.T) {
	ts := newTestHeap(t)
	before := ts.HeapPtr

	raw, ok := ts.Alloc(PairSize())
	require.True(t, ok)
	assert.Equal(t, before+HeaderSize, raw)

	h := HeaderOf(raw)
	assert.EqualValues(t, 0, h.Mark)
	assert.EqualValues(t, HeaderSize+PairSize(), h.Size)
}

func TestAllocFailsPastLimitAndRecordsRequest(t *testing.T) {
	ts := newTestHeap(t)
	huge := ts.HeapLimit - ts.HeapPtr + 1
	_, ok := ts.Alloc(huge)
	assert.False(t, ok)
	assert.Equal(t, huge, ts.LastAllocReq)
}

func TestPairConstructorAndAccessors(t *testing.T) {
	ts := newTestHeap(t)
	car := value.NewFixnum(1)
	cdr := value.NewFixnum(2)

	p, ok := ts.NewPair(car, cdr)
	require.True(t, ok)
	assert.True(t, p.IsPair())
	assert.Equal(t, car, ts.PairCar(p))
	assert.Equal(t, cdr, ts.PairCdr(p))

	ts.SetPairCar(p, value.NewFixnum(99))
	assert.Equal(t, value.NewFixnum(99), ts.PairCar(p))
}

func TestVectorConstructorAndAccessors(t *testing.T) {
	ts := newTestHeap(t)
	v, ok := ts.NewVector(4, value.Nil)
	require.True(t, ok)
	assert.True(t, v.IsVector())
	assert.EqualValues(t, 4, ts.VectorLen(v))
	for i := int64(0); i < 4; i++ {
		assert.Equal(t, value.Nil, ts.VectorAt(v, i))
	}
	ts.SetVectorAt(v, 2, value.True)
	assert.Equal(t, value.True, ts.VectorAt(v, 2))
	assert.Equal(t, value.Nil, ts.VectorAt(v, 1))
}

func TestSymbolUninternedRoundTripsName(t *testing.T) {
	ts := newTestHeap(t)
	s, ok := ts.NewSymbolUninterned("hello-world")
	require.True(t, ok)
	assert.True(t, s.IsSymbol())
	assert.Equal(t, "hello-world", ts.SymbolName(s))
}

func TestUninternedSymbolsWithSameNameAreDistinctPointers(t *testing.T) {
	ts := newTestHeap(t)
	a, ok := ts.NewSymbolUninterned("x")
	require.True(t, ok)
	b, ok := ts.NewSymbolUninterned("x")
	require.True(t, ok)
	assert.NotEqual(t, a, b, "newSymbolFromC must not intern")
}

func TestClosureConstructorAndInfoMutation(t *testing.T) {
	ts := newTestHeap(t)
	clo, ok := ts.NewClosure(0, 0)
	require.True(t, ok)
	assert.True(t, clo.IsClosure())
	assert.EqualValues(t, 0, ts.ClosureInfo(clo))

	ts.SetClosureInfo(clo, 0x1234)
	assert.EqualValues(t, 0x1234, ts.ClosureInfo(clo))
}

func TestHandleRegistrationIsLIFOOrdered(t *testing.T) {
	ts := newTestHeap(t)
	var seen []value.Value
	h1 := ts.NewHandle(value.NewFixnum(1))
	h2 := ts.NewHandle(value.NewFixnum(2))
	h3 := ts.NewHandle(value.NewFixnum(3))

	ts.ForEachHandle(func(h *Handle) { seen = append(seen, h.Get()) })
	assert.Equal(t, []value.Value{value.NewFixnum(3), value.NewFixnum(2), value.NewFixnum(1)}, seen)

	ts.Release(h2)
	seen = nil
	ts.ForEachHandle(func(h *Handle) { seen = append(seen, h.Get()) })
	assert.Equal(t, []value.Value{value.NewFixnum(3), value.NewFixnum(1)}, seen)

	ts.Release(h1)
	ts.Release(h3)
	seen = nil
	ts.ForEachHandle(func(h *Handle) { seen = append(seen, h.Get()) })
	assert.Empty(t, seen)
}

func TestFuncInfoBlockRoundTrips(t *testing.T) {
	ts := newTestHeap(t)
	name, ok := ts.NewSymbolUninterned("f")
	require.True(t, ok)
	offs, ok := ts.NewVector(1, value.NewFixnum(5))
	require.True(t, ok)
	code := []byte{0x90, 0x90, 0xc3}

	info, err := ts.NewFuncInfo(2, name, offs, 0, code)
	require.NoError(t, err)
	assert.EqualValues(t, 2, FuncArity(info))
	assert.Equal(t, name, FuncName(info))
	assert.Equal(t, offs, FuncConstOffsets(info))
	assert.EqualValues(t, 0, FuncNumPayload(info))

	installed := unsafe.Slice((*byte)(unsafe.Pointer(FuncCodeAddr(info))), len(code))
	assert.Equal(t, code, installed)
}
