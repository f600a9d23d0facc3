// Package heap implements the process-global ThreadState, the
// bump-pointer semispace allocator, the handle list and the symbol
// intern table (component B), grounded on original_source/gc.cpp's
// ThreadState lifecycle.
package heap

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"sanya/internal/value"
)

// DefaultHalfSpaceSize is the size of one semispace half. spec.md
// component B: "Default semispace is 256 KiB each half."
const DefaultHalfSpaceSize = 256 * 1024

// Handle is a GC root external to the heap and the scheme stack — a
// host-side (Go-side) reference that must be kept up to date across
// collections. Handles form an intrusive doubly linked ring anchored at
// ThreadState.handleHead, mirroring original_source/gc.cpp's
// Handle/handleHead design.
type Handle struct {
	Val        value.Value
	prev, next *Handle
}

func (h *Handle) Get() value.Value { return h.Val }
func (h *Handle) Set(v value.Value) { h.Val = v }

// ThreadState is the single process-global runtime record (component B).
// There is exactly one instance; sanya has no concurrency, matching
// spec.md's concurrency model.
type ThreadState struct {
	arena []byte // mmap'd backing store for both semispace halves

	heapBase  uintptr
	HeapPtr   uintptr
	HeapLimit uintptr

	fromSpace uintptr
	toSpace   uintptr
	heapSize  uintptr // size of one half

	LastAllocReq uintptr

	// CopyPtr is the to-space bump cursor used only during a collection
	// cycle; it is exported so internal/gc can drive Cheney's algorithm
	// without this package exposing a full collector of its own.
	CopyPtr uintptr

	handleHead Handle // sentinel; handleHead.next/prev form the ring

	internTable map[string]value.Value

	// Stack-walking roots (component B/C), written by generated code
	// and the entry trampoline.
	FirstStackPtr  uintptr
	LastStackPtr   uintptr
	LastFrameDescr uint64

	// LogInfo gates the "[gcCollect] (n/size)" style diagnostics
	// (SANYA_LOGINFO), grounded on gc.cpp's dprintf(2, ...) call.
	LogInfo bool

	// NoGC, while set, turns an allocation failure into an immediate
	// fatal exit instead of a collection. The module generator holds it
	// across the whole compile phase: machine code assembled so far
	// embeds absolute pointers whose constOffsets entries don't exist
	// yet, and pre-registered closures still carry a null info pointer,
	// so a collection mid-compile would move objects it cannot patch.
	NoGC bool

	// StackLimit is the low-water mark the optional stack-overflow probe
	// (SANYA_STACKCHECK) compares RSP against, set once by the entry
	// trampoline from FirstStackPtr minus a fixed budget.
	StackLimit uintptr

	// Code holds every compiled function's info+machine-code block,
	// entirely outside the copying semispace above (see CodeArena):
	// unlike pairs, vectors, closures and symbols, a function's code is
	// called into by absolute address and patched in place by the
	// collector, so it must never itself move or be swept by Collect.
	Code *CodeArena
}

// New mmaps two semispace halves and returns a freshly initialized
// ThreadState. halfSize <= 0 selects DefaultHalfSpaceSize.
func New(halfSize int) (*ThreadState, error) {
	if halfSize <= 0 {
		halfSize = DefaultHalfSpaceSize
	}
	total := halfSize * 2
	// This arena holds only pairs, vectors, closures and symbols — plain
	// data the collector copies every cycle — so it needs no PROT_EXEC.
	// Compiled function info/code blocks live in Code (a CodeArena)
	// instead, a separate mapping that is never swept or relocated by
	// Collect.
	arena, err := unix.Mmap(-1, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("heap: mmap %d bytes: %w", total, err)
	}

	base := uintptr(unsafe.Pointer(&arena[0]))
	ts := &ThreadState{
		arena:       arena,
		heapBase:    base,
		fromSpace:   base,
		toSpace:     base + uintptr(halfSize),
		heapSize:    uintptr(halfSize),
		internTable: make(map[string]value.Value),
		Code:        NewCodeArena(),
	}
	ts.HeapPtr = ts.fromSpace
	ts.HeapLimit = ts.fromSpace + ts.heapSize
	ts.handleHead.next = &ts.handleHead
	ts.handleHead.prev = &ts.handleHead
	return ts, nil
}

// Close releases the mmap'd arena and the code arena. Safe to call once,
// after which the ThreadState must not be used again.
func (ts *ThreadState) Close() error {
	var firstErr error
	if ts.Code != nil {
		if err := ts.Code.Close(); err != nil {
			firstErr = err
		}
		ts.Code = nil
	}
	if ts.arena == nil {
		return firstErr
	}
	if err := unix.Munmap(ts.arena); err != nil && firstErr == nil {
		firstErr = err
	}
	ts.arena = nil
	return firstErr
}

// NewHandle registers a new GC root holding v and links it into the
// handle ring (component B/C invariant I2: every managed pointer
// reachable only via a handle is still discoverable by the collector).
func (ts *ThreadState) NewHandle(v value.Value) *Handle {
	h := &Handle{Val: v}
	h.next = ts.handleHead.next
	h.prev = &ts.handleHead
	ts.handleHead.next.prev = h
	ts.handleHead.next = h
	return h
}

// Release unlinks a handle from the ring. It is the caller's
// responsibility not to dereference the handle afterward.
func (ts *ThreadState) Release(h *Handle) {
	h.prev.next = h.next
	h.next.prev = h.prev
	h.next, h.prev = nil, nil
}

// ForEachHandle walks the live handle ring, grounded on gc.cpp's
// gcCollect handle-scavenging loop ("for (iter = handleHead->next; iter
// != handleHead; iter = iter->next)").
func (ts *ThreadState) ForEachHandle(f func(*Handle)) {
	for h := ts.handleHead.next; h != &ts.handleHead; h = h.next {
		f(h)
	}
}

// Field offsets into ThreadState, exported so the code generator can emit
// direct loads/stores against the pinned ts-register (component E/F's
// GC-sync points) without this package knowing anything about machine
// code. Computed once via unsafe.Offsetof rather than hardcoded, so the
// struct above stays the single source of truth for its own layout.
var (
	OffsetHeapPtr        = unsafe.Offsetof(ThreadState{}.HeapPtr)
	OffsetHeapLimit      = unsafe.Offsetof(ThreadState{}.HeapLimit)
	OffsetLastAllocReq   = unsafe.Offsetof(ThreadState{}.LastAllocReq)
	OffsetFirstStackPtr  = unsafe.Offsetof(ThreadState{}.FirstStackPtr)
	OffsetLastStackPtr   = unsafe.Offsetof(ThreadState{}.LastStackPtr)
	OffsetLastFrameDescr = unsafe.Offsetof(ThreadState{}.LastFrameDescr)
	OffsetStackLimit     = unsafe.Offsetof(ThreadState{}.StackLimit)
)

// FromSpace and ToSpace report the current semispace bases, read by the
// collector to classify an address as from-space or to-space resident.
func (ts *ThreadState) FromSpace() uintptr { return ts.fromSpace }
func (ts *ThreadState) ToSpace() uintptr   { return ts.toSpace }
func (ts *ThreadState) HeapSize() uintptr  { return ts.heapSize }

// SwapSpaces exchanges the from-/to-space roles after a collection.
func (ts *ThreadState) SwapSpaces() {
	ts.fromSpace, ts.toSpace = ts.toSpace, ts.fromSpace
}

// IsInToSpace reports whether a header address already lies in the
// current to-space half, grounded on gc.cpp's gcScavenge "else if
// (isInToSpace(h))" branch (an object reached twice via different paths
// within the same cycle is already resident in to-space and must not be
// copied again).
func (ts *ThreadState) IsInToSpace(headerAddr uintptr) bool {
	return headerAddr >= ts.toSpace && headerAddr < ts.toSpace+ts.heapSize
}

// InternTable exposes the symbol intern table's backing map for the
// collector's root-scavenging pass (it must repoint every entry after a
// symbol object moves).
func (ts *ThreadState) InternTable() map[string]value.Value { return ts.internTable }

// --- Raw word access into the arena ---
// The arena is unix-mmap'd memory, not Go-managed, so it is safe to
// address via uintptr arithmetic across collections (the Go runtime
// never moves it and never mistakes it for a Go heap object).

// LoadWord, StoreWord, LoadValue and StoreValue are exported so
// internal/gc can read and patch arbitrary arena locations (constOffsets
// code-pointer patching, frame-descriptor stack scavenging) without this
// package growing a collector of its own.
func LoadWord(addr uintptr) uintptr           { return loadWord(addr) }
func StoreWord(addr uintptr, v uintptr)       { storeWord(addr, v) }
func LoadValue(addr uintptr) value.Value      { return loadValue(addr) }
func StoreValue(addr uintptr, v value.Value)  { storeValue(addr, v) }

func loadWord(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

func storeWord(addr uintptr, v uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = v
}

func loadValue(addr uintptr) value.Value {
	return value.Value(loadWord(addr))
}

func storeValue(addr uintptr, v value.Value) {
	storeWord(addr, uintptr(v))
}

// CopyBytes copies n bytes from src to dst within the arena (used by the
// collector to relocate an object's header+payload in one memcpy,
// grounded on gc.cpp's "memcpy(newH, h, h->size)").
func CopyBytes(dst, src uintptr, n uintptr) {
	d := unsafe.Slice((*byte)(unsafe.Pointer(dst)), n)
	s := unsafe.Slice((*byte)(unsafe.Pointer(src)), n)
	copy(d, s)
}

// WriteBytes copies a host-side byte slice to raw memory at dst. Its
// caller is CodeArena.Commit, which uses it to install a freshly
// assembled function's machine code into that function's code-arena
// block, mirroring original_source/object.cpp's Object::newFunction
// copying the AsmJit-produced buffer into the function object.
func WriteBytes(dst uintptr, data []byte) {
	d := unsafe.Slice((*byte)(unsafe.Pointer(dst)), len(data))
	copy(d, data)
}

// Alloc performs the bump-pointer fast path described in component B:
// on success it stamps a fresh GCHeader (Forward=0, uncopied) and
// returns the payload address. On failure it records size in
// LastAllocReq and returns false so the caller (internal/gc) can
// collect and retry once.
func (ts *ThreadState) Alloc(size uintptr) (uintptr, bool) {
	payload := alignUp(size, 4) // all heap objects are 16-byte aligned
	need := HeaderSize + payload
	if ts.HeapPtr+need > ts.HeapLimit {
		ts.LastAllocReq = size
		return 0, false
	}
	raw := ts.HeapPtr + HeaderSize
	h := HeaderOf(raw)
	h.Mark = 0
	h.Size = uint32(need)
	h.Forward = 0
	ts.HeapPtr += need
	return raw, true
}

// --- Constructors (component A shapes backed by the heap) ---

func (ts *ThreadState) NewPair(car, cdr value.Value) (value.Value, bool) {
	raw, ok := ts.Alloc(PairSize())
	if !ok {
		return 0, false
	}
	storeValue(raw+CarOffset, car)
	storeValue(raw+CdrOffset, cdr)
	return value.FromAddr(raw, value.TagPair), true
}

func (ts *ThreadState) PairCar(v value.Value) value.Value { return loadValue(v.Untagged() + CarOffset) }
func (ts *ThreadState) PairCdr(v value.Value) value.Value { return loadValue(v.Untagged() + CdrOffset) }
func (ts *ThreadState) SetPairCar(v value.Value, car value.Value) {
	storeValue(v.Untagged()+CarOffset, car)
}
func (ts *ThreadState) SetPairCdr(v value.Value, cdr value.Value) {
	storeValue(v.Untagged()+CdrOffset, cdr)
}

// NewSymbolUninterned allocates a fresh symbol object without consulting
// the intern table, matching original_source/parser.cpp's
// newSymbolFromC (the parser never interns; see DESIGN.md's open
// question on the interning split).
func (ts *ThreadState) NewSymbolUninterned(name string) (value.Value, bool) {
	raw, ok := ts.Alloc(SymbolSize(name))
	if !ok {
		return 0, false
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(raw)), len(name)+1)
	copy(dst, name)
	dst[len(name)] = 0
	return value.FromAddr(raw, value.TagSymbol), true
}

func (ts *ThreadState) SymbolName(v value.Value) string {
	raw := v.Untagged()
	n := 0
	for {
		b := *(*byte)(unsafe.Pointer(raw + uintptr(n)))
		if b == 0 {
			break
		}
		n++
	}
	return string(unsafe.Slice((*byte)(unsafe.Pointer(raw)), n))
}

func (ts *ThreadState) NewVector(n int64, fill value.Value) (value.Value, bool) {
	raw, ok := ts.Alloc(VectorSize(n))
	if !ok {
		return 0, false
	}
	storeWord(raw+VectorSizeOffset, uintptr(n))
	for i := int64(0); i < n; i++ {
		storeValue(raw+VectorElemOffset+uintptr(i)*WordSize, fill)
	}
	return value.FromAddr(raw, value.TagVector), true
}

func (ts *ThreadState) VectorLen(v value.Value) int64 {
	return int64(loadWord(v.Untagged() + VectorSizeOffset))
}

func (ts *ThreadState) VectorAt(v value.Value, i int64) value.Value {
	return loadValue(v.Untagged() + VectorElemOffset + uintptr(i)*WordSize)
}

func (ts *ThreadState) SetVectorAt(v value.Value, i int64, x value.Value) {
	storeValue(v.Untagged()+VectorElemOffset+uintptr(i)*WordSize, x)
}

// NewClosure allocates a closure with the given info pointer (itself a
// raw, untagged address of a function-info block, or 0 for a
// mid-construction supercombinator per spec.md's I4/component C note:
// "A null closure info pointer...is legal and skipped"). When info != 0
// the numPayload argument sizes the payload; a closure with a null info
// pointer gets only its info slot and numPayload is ignored.
func (ts *ThreadState) NewClosure(info uintptr, numPayload int64) (value.Value, bool) {
	var size uintptr
	if info != 0 {
		size = ClosureSize(numPayload)
	} else {
		size = WordSize
	}
	raw, ok := ts.Alloc(size)
	if !ok {
		return 0, false
	}
	storeWord(raw+CloInfoOffset, info)
	return value.FromAddr(raw, value.TagClosure), true
}

func (ts *ThreadState) ClosureInfo(v value.Value) uintptr {
	return loadWord(v.Untagged() + CloInfoOffset)
}

func (ts *ThreadState) SetClosureInfo(v value.Value, info uintptr) {
	storeWord(v.Untagged()+CloInfoOffset, info)
}

func (ts *ThreadState) ClosurePayload(v value.Value, i int64) value.Value {
	return loadValue(v.Untagged() + CloPayloadOffset + uintptr(i)*WordSize)
}

func (ts *ThreadState) SetClosurePayload(v value.Value, i int64, x value.Value) {
	storeValue(v.Untagged()+CloPayloadOffset+uintptr(i)*WordSize, x)
}

// --- Function info block accessors (raw, untagged addresses) ---

func FuncArity(info uintptr) int64          { return int64(loadWord(info + FuncArityOffset)) }
func SetFuncArity(info uintptr, n int64)    { storeWord(info+FuncArityOffset, uintptr(n)) }
func FuncName(info uintptr) value.Value     { return loadValue(info + FuncNameOffset) }
func SetFuncName(info uintptr, v value.Value) { storeValue(info+FuncNameOffset, v) }
func FuncConstOffsets(info uintptr) value.Value {
	return loadValue(info + FuncConstOffsetOffset)
}
func SetFuncConstOffsets(info uintptr, v value.Value) {
	storeValue(info+FuncConstOffsetOffset, v)
}
func FuncNumPayload(info uintptr) int64       { return int64(loadWord(info + FuncNumPayloadOffset)) }
func SetFuncNumPayload(info uintptr, n int64) { storeWord(info+FuncNumPayloadOffset, uintptr(n)) }
func FuncCodeAddr(info uintptr) uintptr       { return info + FuncCodeOffset }

// NewFuncInfo allocates a function-info block from ts.Code — never from
// the copying semispace — and installs the freshly assembled machine
// code, mirroring object.cpp's Object::newFunction. Unlike every other
// constructor in this file, this is not retried through the
// collect-and-retry protocol: a CodeArena failure is a real mmap/mprotect
// error, not heap exhaustion a collection could ever relieve.
func (ts *ThreadState) NewFuncInfo(arity int64, name value.Value, constOffsets value.Value, numPayload int64, code []byte) (uintptr, error) {
	raw, err := ts.Code.Alloc(FuncInfoSize(len(code)))
	if err != nil {
		return 0, err
	}
	SetFuncArity(raw, arity)
	SetFuncName(raw, name)
	SetFuncConstOffsets(raw, constOffsets)
	SetFuncNumPayload(raw, numPayload)
	if err := ts.Code.Commit(FuncCodeAddr(raw), code); err != nil {
		return 0, err
	}
	return raw, nil
}
