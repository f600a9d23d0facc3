// Package gc implements the Cheney-style two-space copying collector
// (component C), grounded on original_source/gc.cpp's gcScavenge/
// gcCollect/gcScavengeSchemeStack and object.cpp's per-tag interior
// scavenge switch.
package gc

import (
	"fmt"
	"os"
	"unsafe"

	"sanya/internal/heap"
	"sanya/internal/value"
)

func ptrOf(addr uintptr) unsafe.Pointer { return unsafe.Pointer(addr) }

func sliceAt(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// FrameBitmapCap is the current frame-descriptor slot cap (spec.md 4.E:
// "current cap: 48 slots... not a fundamental [limit]").
const FrameBitmapCap = 48

// FrameDescr packs a frame's slot count into the low 8 bits and a
// pointer bitmap (bit i set iff slot i holds a managed pointer) into the
// 48 bits above it, fitting spec.md 4.E's "single packed word" in a
// uint64.
type FrameDescr uint64

func PackFrameDescr(frameSize int, isPtr []bool) FrameDescr {
	if frameSize > FrameBitmapCap {
		panic(fmt.Sprintf("gc: frame of %d slots exceeds the %d-slot cap", frameSize, FrameBitmapCap))
	}
	var bitmap uint64
	for i, p := range isPtr {
		if p {
			bitmap |= 1 << uint(i)
		}
	}
	return FrameDescr(uint64(frameSize) | bitmap<<8)
}

func (fd FrameDescr) Size() int   { return int(fd & 0xff) }
func (fd FrameDescr) IsPtr(i int) bool { return fd&(1<<uint(8+i)) != 0 }

// Scavenge visits one pointer location. If the word there is not
// heap-allocated, it is left alone. Otherwise it is forwarded (if
// already copied this cycle), skipped (if already resident in
// to-space), or copied, and the location is rewritten to the object's
// new address — the scavenge-one-location algorithm named throughout
// spec.md 4.C.
func Scavenge(ts *heap.ThreadState, loc *value.Value) {
	ptr := *loc
	if !ptr.IsHeapAllocated() {
		return
	}
	tag := ptr.Tag()
	raw := ptr.Untagged()
	h := heap.HeaderOf(raw)
	headerAddr := raw - heap.HeaderSize

	if h.Mark&heap.MarkCopied != 0 {
		*loc = value.FromAddr(h.Forward, tag)
		return
	}
	if ts.IsInToSpace(headerAddr) {
		return
	}

	newHeaderAddr := ts.CopyPtr
	heap.CopyBytes(newHeaderAddr, headerAddr, uintptr(h.Size))
	ts.CopyPtr += uintptr(h.Size)

	newRaw := newHeaderAddr + heap.HeaderSize
	newH := heap.HeaderOf(newRaw)
	newH.Mark = 0

	h.Mark |= heap.MarkCopied
	h.Forward = newRaw

	newPtr := value.FromAddr(newRaw, tag)
	*loc = newPtr

	scavengeInterior(ts, newPtr)
}

// scavengeInterior dispatches the per-tag traversal named in spec.md
// 4.C, directly grounded on original_source/object.cpp's
// Object::gcScavenge switch.
func scavengeInterior(ts *heap.ThreadState, v value.Value) {
	switch v.Tag() {
	case value.TagPair:
		raw := v.Untagged()
		scavengeAt(ts, raw+heap.CarOffset)
		scavengeAt(ts, raw+heap.CdrOffset)

	case value.TagSymbol:
		// leaf: a symbol's bytes are opaque to the collector

	case value.TagVector:
		raw := v.Untagged()
		n := int64(heap.LoadWord(raw + heap.VectorSizeOffset))
		for i := int64(0); i < n; i++ {
			scavengeAt(ts, raw+heap.VectorElemOffset+uintptr(i)*heap.WordSize)
		}

	case value.TagClosure:
		raw := v.Untagged()
		info := heap.LoadWord(raw + heap.CloInfoOffset)
		if info == 0 {
			// A null info pointer denotes a supercombinator still under
			// construction (spec.md 4.C) — legal, nothing to do.
			return
		}
		numPayload := heap.FuncNumPayload(info)
		for i := int64(0); i < numPayload; i++ {
			scavengeAt(ts, raw+heap.CloPayloadOffset+uintptr(i)*heap.WordSize)
		}
		scavengeAt(ts, info+heap.FuncNameOffset)
		scavengeAt(ts, info+heap.FuncConstOffsetOffset)

		constOffsets := heap.FuncConstOffsets(info)
		if constOffsets.IsVector() {
			codeStart := heap.FuncCodeAddr(info)
			n := int64(heap.LoadWord(constOffsets.Untagged() + heap.VectorSizeOffset))
			for i := int64(0); i < n; i++ {
				offVal := heap.LoadValue(constOffsets.Untagged() + heap.VectorElemOffset + uintptr(i)*heap.WordSize)
				off := offVal.Fixnum()
				scavengeAt(ts, codeStart+uintptr(off))
			}
		}

	case value.TagSingleton, value.TagFixnum:
		// leaves: never heap-allocated, scavengeInterior is unreachable
		// for these tags since Scavenge only recurses into pointers.

	default:
		panic(fmt.Sprintf("gc: scavengeInterior: unexpected tag %d", v.Tag()))
	}
}

func scavengeAt(ts *heap.ThreadState, addr uintptr) {
	loc := (*value.Value)(ptrOf(addr))
	Scavenge(ts, loc)
}

// Collect runs one full collection cycle: scavenge every root (handles,
// the symbol intern table, the scheme stack), swap spaces, and abort if
// the allocation that triggered this cycle still cannot be satisfied.
// Grounded on gc.cpp's gcCollect.
func Collect(ts *heap.ThreadState) {
	if ts.NoGC {
		// The only way here with NoGC set is a failed allocation during
		// compilation; there is nothing a collection is allowed to free.
		fmt.Fprintln(os.Stderr, "sanya: heap exhausted during compilation")
		os.Exit(1)
	}
	ts.CopyPtr = ts.ToSpace()

	ts.ForEachHandle(func(h *heap.Handle) {
		v := h.Get()
		Scavenge(ts, &v)
		h.Set(v)
	})

	ScavengeSchemeStack(ts)

	for name, v := range ts.InternTable() {
		Scavenge(ts, &v)
		ts.InternTable()[name] = v
	}

	ts.SwapSpaces()
	ts.HeapPtr = ts.CopyPtr
	ts.HeapLimit = ts.FromSpace() + ts.HeapSize()

	if ts.LogInfo {
		used := ts.HeapSize() - (ts.HeapLimit - ts.HeapPtr)
		fmt.Fprintf(os.Stderr, "[gcCollect] (%d/%d)\n", used, ts.HeapSize())
	}

	if ts.HeapLimit-ts.HeapPtr < ts.LastAllocReq {
		fmt.Fprintf(os.Stderr, "gcCollect: heap exhausted by req %d\n", ts.LastAllocReq)
		os.Exit(1)
	}
}

// ScavengeSchemeStack walks activation frames starting at
// ts.LastStackPtr/ts.LastFrameDescr, scavenging every bit set in each
// frame's pointer bitmap, until it reaches ts.FirstStackPtr — the same
// algorithm named in spec.md 4.C and 4.F for error-handler stack traces.
func ScavengeSchemeStack(ts *heap.ThreadState) {
	stackPtr := ts.LastStackPtr
	stackTop := ts.FirstStackPtr
	if stackPtr == stackTop {
		return
	}
	fd := FrameDescr(ts.LastFrameDescr)

	for {
		for i := 0; i < fd.Size(); i++ {
			if fd.IsPtr(i) {
				addr := stackPtr + uintptr(i)*heap.WordSize
				scavengeAt(ts, addr)
			}
		}
		stackPtr += uintptr(1+fd.Size()) * heap.WordSize
		if stackPtr == stackTop {
			return
		}
		fd = FrameDescr(heap.LoadWord(stackPtr - 16))
	}
}

// AllocOrAbort performs the retry protocol named throughout spec.md:
// try the bump allocator; on failure invoke the collector and retry
// once; if still insufficient, terminate per the "heap exhausted" error
// row (spec.md §7).
func AllocOrAbort(ts *heap.ThreadState, size uintptr) uintptr {
	if raw, ok := ts.Alloc(size); ok {
		return raw
	}
	Collect(ts)
	if raw, ok := ts.Alloc(size); ok {
		return raw
	}
	fmt.Fprintf(os.Stderr, "sanya: heap exhausted allocating %d bytes\n", size)
	os.Exit(1)
	panic("unreachable")
}

// NewPair and NewSymbolUninterned wrap the heap package's raw
// constructors with the collect-and-retry-once protocol (spec.md 4.B),
// for callers outside the inline-JIT fast/slow-path split (e.g. the
// parser building its cons chains). car/cdr/fill are registered as
// handles before collecting: invariant I3 forbids holding a raw managed
// pointer in a plain Go local across a point that might allocate, and
// the collector could otherwise relocate the very values the retried
// call goes on to store.
func NewPair(ts *heap.ThreadState, car, cdr value.Value) value.Value {
	if v, ok := ts.NewPair(car, cdr); ok {
		return v
	}
	hcar := ts.NewHandle(car)
	hcdr := ts.NewHandle(cdr)
	Collect(ts)
	car, cdr = hcar.Get(), hcdr.Get()
	ts.Release(hcdr)
	ts.Release(hcar)
	if v, ok := ts.NewPair(car, cdr); ok {
		return v
	}
	fmt.Fprintln(os.Stderr, "sanya: heap exhausted allocating a pair")
	os.Exit(1)
	panic("unreachable")
}

func NewVector(ts *heap.ThreadState, n int64, fill value.Value) value.Value {
	if v, ok := ts.NewVector(n, fill); ok {
		return v
	}
	hfill := ts.NewHandle(fill)
	Collect(ts)
	fill = hfill.Get()
	ts.Release(hfill)
	if v, ok := ts.NewVector(n, fill); ok {
		return v
	}
	fmt.Fprintln(os.Stderr, "sanya: heap exhausted allocating a vector")
	os.Exit(1)
	panic("unreachable")
}

func NewClosure(ts *heap.ThreadState, info uintptr, numPayload int64) value.Value {
	if v, ok := ts.NewClosure(info, numPayload); ok {
		return v
	}
	Collect(ts)
	if v, ok := ts.NewClosure(info, numPayload); ok {
		return v
	}
	fmt.Fprintln(os.Stderr, "sanya: heap exhausted allocating a closure")
	os.Exit(1)
	panic("unreachable")
}

func NewSymbolUninterned(ts *heap.ThreadState, name string) value.Value {
	if v, ok := ts.NewSymbolUninterned(name); ok {
		return v
	}
	Collect(ts)
	if v, ok := ts.NewSymbolUninterned(name); ok {
		return v
	}
	fmt.Fprintln(os.Stderr, "sanya: heap exhausted interning a symbol")
	os.Exit(1)
	panic("unreachable")
}

// Intern returns the canonical symbol for name, allocating and caching
// it on first use. spec.md 4.A: "internSymbol(s) returns the single
// canonical instance for a byte-equal name."
func Intern(ts *heap.ThreadState, name string) value.Value {
	if v, ok := ts.InternTable()[name]; ok {
		return v
	}
	raw := AllocOrAbort(ts, heap.SymbolSize(name))
	dst := sliceAt(raw, len(name)+1)
	copy(dst, name)
	dst[len(name)] = 0
	v := value.FromAddr(raw, value.TagSymbol)
	ts.InternTable()[name] = v
	return v
}
