package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixnumRoundTrip(t *testing.T) {
	samples := []int64{0, 1, -1, 42, -42, 1 << 20, -(1 << 20), (1 << 55) - 1, -(1 << 55)}
	for _, n := range samples {
		v := NewFixnum(n)
		assert.Truef(t, v.IsFixnum(), "NewFixnum(%d) should report IsFixnum", n)
		assert.Equalf(t, TagFixnum, v.Tag(), "NewFixnum(%d) tag", n)
		assert.Equalf(t, n, v.Fixnum(), "round trip of %d", n)
	}
}

func TestFixnumLowBitsAreTag(t *testing.T) {
	v := NewFixnum(7)
	assert.Equal(t, uintptr(TagFixnum), uintptr(v)&TagMask)
}

func TestTagPredicatesAndHeapAllocated(t *testing.T) {
	cases := []struct {
		name        string
		v           Value
		tag         Tag
		heapAllocd  bool
	}{
		{"fixnum", NewFixnum(3), TagFixnum, false},
		{"nil", Nil, TagSingleton, false},
		{"true", True, TagSingleton, false},
		{"false", False, TagSingleton, false},
		{"void", Void, TagSingleton, false},
		{"pair", FromAddr(0x1000, TagPair), TagPair, true},
		{"symbol", FromAddr(0x2000, TagSymbol), TagSymbol, true},
		{"closure", FromAddr(0x3000, TagClosure), TagClosure, true},
		{"vector", FromAddr(0x4000, TagVector), TagVector, true},
		{"foreign", NewForeign(0x5000), TagForeign, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.tag, c.v.Tag())
			assert.Equal(t, c.heapAllocd, c.v.IsHeapAllocated())
		})
	}
}

func TestSingletonsArePointerEqualSingletons(t *testing.T) {
	require.Equal(t, Nil, Nil)
	require.Equal(t, True, True)
	require.Equal(t, False, False)
	require.Equal(t, Void, Void)

	assert.True(t, Nil.IsNil())
	assert.True(t, True.IsTrue())
	assert.True(t, False.IsFalse())
	assert.True(t, Void.IsVoid())

	assert.NotEqual(t, Nil, True)
	assert.NotEqual(t, True, False)
	assert.NotEqual(t, False, Void)
}

func TestIsFalsyMatchesOnlyFalse(t *testing.T) {
	assert.True(t, False.IsFalsy())
	assert.False(t, True.IsFalsy())
	assert.False(t, Nil.IsFalsy())
	assert.False(t, NewFixnum(0).IsFalsy())
}

func TestUntaggedStripsTagBits(t *testing.T) {
	v := FromAddr(0x1230, TagPair)
	assert.Equal(t, uintptr(0x1230), v.Untagged())
}

func TestForeignPointerIsNotHeapAllocated(t *testing.T) {
	v := NewForeign(0x9999)
	assert.True(t, v.IsForeign())
	assert.False(t, v.IsHeapAllocated())
}
