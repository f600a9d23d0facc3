// Package trampoline implements the entry/exit boundary (component F)
// between host Go code and JIT-compiled machine code: the trampoline
// that starts a scheme program running, the three small assembly stubs
// baked into every compiled function as codegen.Hooks, and the fatal
// error handlers those stubs dispatch to. Grounded on
// original_source/main.cpp's callEntry/handleFatalError and on the
// register-pinning trampoline idiom in
// other_examples/33950481_launix-de-memcp__scm-jit.go.go.
package trampoline

import (
	"fmt"
	"os"
	"reflect"
	"unsafe"

	"golang.org/x/sys/unix"

	"sanya/internal/codegen"
	"sanya/internal/gc"
	"sanya/internal/heap"
	"sanya/internal/value"
)

// NativeStackSize is the fixed size of the dedicated stack the scheme
// program runs on. Go's own goroutine stacks grow and move; raw stack
// addresses baked into frame descriptors and ThreadState.LastStackPtr
// cannot tolerate that, so the program gets its own stack, mmap'd once
// and never resized, matching the "main always runs to completion or
// traps" model of spec.md (no provision for unbounded recursion beyond
// the optional SANYA_STACKCHECK probe).
const NativeStackSize = 1 << 20

// savedGoSP is where callEntry parks the goroutine's own stack pointer
// for the duration of a JIT call, and where the jitXxxAsm stubs find it
// again when they need to call back into ordinary Go code. A single
// scalar is enough: sanya runs one program on one OS thread at a time
// (heap.ThreadState's own doc comment already establishes this), so
// there is never a second trampoline invocation nested inside this one.
var savedGoSP uintptr

// Runtime owns the native stack and the Hooks that generated code calls
// into.
type Runtime struct {
	ts       *heap.ThreadState
	stack    []byte
	stackTop uintptr
	hooks    codegen.Hooks
}

// New mmaps the native stack and resolves the three JIT-callable stub
// addresses via reflect, the same technique
// scm-jit.go.go uses to hand a *testing.T-free function pointer to
// generated code.
func New(ts *heap.ThreadState) (*Runtime, error) {
	stack, err := unix.Mmap(-1, 0, NativeStackSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("trampoline: mmap native stack: %w", err)
	}
	top := uintptr(unsafe.Pointer(&stack[0])) + uintptr(len(stack))
	top &^= 0xf // 16-byte align, matching the SysV stack-alignment rule

	r := &Runtime{ts: ts, stack: stack, stackTop: top}
	r.hooks = codegen.Hooks{
		CollectAndAlloc: funcPC(jitCollectAndAllocAsm),
		TraceObject:     funcPC(jitTraceObjectAsm),
		TrapFatal:       funcPC(jitTrapFatalAsm),
	}

	const stackCheckReserve = 16 * 1024 // headroom below the limit for the trap handler itself to run on
	ts.StackLimit = top - NativeStackSize + stackCheckReserve

	return r, nil
}

// Close unmaps the native stack. Not safe to call while a scheme
// program is running on it.
func (r *Runtime) Close() error {
	return unix.Munmap(r.stack)
}

// Hooks returns the hook table to pass to codegen.NewCGModule.
func (r *Runtime) Hooks() codegen.Hooks { return r.hooks }

// Call invokes a zero-argument closure — spec.md's entry point, `main`,
// always has arity 0 — via the entry trampoline, returning its result.
func (r *Runtime) Call(closure value.Value) value.Value {
	ts := r.ts
	ts.FirstStackPtr = r.stackTop
	ts.LastStackPtr = r.stackTop
	ts.LastFrameDescr = 0

	info := ts.ClosureInfo(closure)
	if info == 0 {
		fmt.Fprintln(os.Stderr, "sanya: main is not a fully-built closure")
		os.Exit(1)
	}
	codeAddr := heap.FuncCodeAddr(info)

	result, newHeapPtr, newHeapLimit := callEntry(
		closure, codeAddr, r.stackTop, ts.HeapPtr, ts.HeapLimit, ts)
	ts.HeapPtr = newHeapPtr
	ts.HeapLimit = newHeapLimit
	return result
}

func funcPC(f func()) uintptr {
	return reflect.ValueOf(f).Pointer()
}

// callEntry is implemented in entry_amd64.s. It switches onto the
// native stack, sets up the pinned registers (RegHeapPtr, RegHeapLimit,
// RegTS, RegC, and RegF=0 since there is nothing above a top-level call
// to scavenge), calls into the closure's code, and switches back.
func callEntry(closure value.Value, codeAddr, stackTop, heapPtr, heapLimit uintptr, ts *heap.ThreadState) (result value.Value, newHeapPtr, newHeapLimit uintptr)

// jitCollectAndAllocAsm, jitTraceObjectAsm and jitTrapFatalAsm are the
// addresses baked into generated code as Hooks.CollectAndAlloc/
// TraceObject/TrapFatal. They are called directly by JIT machine code,
// not by Go, using the raw-register conventions documented on each
// below; they are declared here only so Go's linker assigns them an
// address reflect can read — their bodies live in entry_amd64.s.
func jitCollectAndAllocAsm()
func jitTraceObjectAsm()
func jitTrapFatalAsm()

// jitCollectAndAllocImpl backs jitCollectAndAllocAsm: ts in tsRaw, the
// requested payload size in size; returns the freshly allocated payload
// address, having triggered a full collection first. Runs as ordinary
// Go code — jitCollectAndAllocAsm has already switched back onto the
// goroutine's own stack before calling this.
func jitCollectAndAllocImpl(tsRaw uintptr, size uintptr) uintptr {
	ts := (*heap.ThreadState)(unsafe.Pointer(tsRaw))
	return gc.AllocOrAbort(ts, size)
}

// jitTraceObjectImpl backs jitTraceObjectAsm: prints v in read syntax,
// implementing the `trace#` primitive (spec.md 4.D).
func jitTraceObjectImpl(tsRaw uintptr, v uintptr) {
	ts := (*heap.ThreadState)(unsafe.Pointer(tsRaw))
	fmt.Println(ts.Display(value.Value(v)))
}

// jitTrapFatalImpl backs jitTrapFatalAsm: dispatches on kind to the
// matching handler, none of which return.
func jitTrapFatalImpl(tsRaw uintptr, kind uintptr, wat uintptr, extra uintptr) {
	ts := (*heap.ThreadState)(unsafe.Pointer(tsRaw))
	watVal := value.Value(wat)
	switch kind {
	case uintptr(codegen.TrapNotAClosure):
		handleNotAClosure(ts, watVal)
	case uintptr(codegen.TrapArgCountMismatch):
		handleArgCountMismatch(ts, watVal, int64(int32(extra)))
	case uintptr(codegen.TrapUserError):
		handleUserError(ts, watVal)
	case uintptr(codegen.TrapStackOvf):
		handleStackOvf(ts)
	default:
		fmt.Fprintf(os.Stderr, "sanya: unknown trap kind %d\n", kind)
		os.Exit(1)
	}
	panic("unreachable: trap handlers never return")
}

func handleNotAClosure(ts *heap.ThreadState, wat value.Value) {
	fmt.Fprintf(os.Stderr, "sanya: attempt to call a non-procedure: %s\n", ts.DebugString(wat))
	dumpStack(ts, 0)
	os.Exit(1)
}

func handleArgCountMismatch(ts *heap.ThreadState, callee value.Value, actual int64) {
	info := ts.ClosureInfo(callee)
	want := int64(-1)
	if info != 0 {
		want = heap.FuncArity(info)
	}
	fmt.Fprintf(os.Stderr, "sanya: %s called with %d argument(s), wants %d\n",
		ts.DebugString(callee), actual, want)
	dumpStack(ts, 0)
	os.Exit(1)
}

func handleUserError(ts *heap.ThreadState, wat value.Value) {
	fmt.Fprintf(os.Stderr, "sanya: error: %s\n", ts.Display(wat))
	dumpStack(ts, 0)
	os.Exit(1)
}

func handleStackOvf(ts *heap.ThreadState) {
	fmt.Fprintln(os.Stderr, "sanya: stack overflow")
	// An overflowed program has tens of thousands of frames behind it;
	// the full walk would be noise, so this trace alone is truncated.
	dumpStack(ts, 16)
	os.Exit(1)
}

// dumpStack prints a best-effort backtrace by walking the same
// activation-frame chain gc.ScavengeSchemeStack scavenges, printing
// every pointer-tagged slot instead of relocating it. maxFrames caps
// the walk (0 walks every frame). Grounded on spec.md 4.F's "error
// handlers may walk the frame chain for diagnostics" and
// original_source/gc.cpp's stack-walking loop shape.
func dumpStack(ts *heap.ThreadState, maxFrames int) {
	stackPtr := ts.LastStackPtr
	stackTop := ts.FirstStackPtr
	if stackPtr == stackTop {
		return
	}
	fd := gc.FrameDescr(ts.LastFrameDescr)
	fmt.Fprintln(os.Stderr, "backtrace:")
	for frames := 0; ; frames++ {
		if maxFrames > 0 && frames == maxFrames {
			fmt.Fprintln(os.Stderr, "  ... (truncated)")
			return
		}
		for i := 0; i < fd.Size(); i++ {
			if fd.IsPtr(i) {
				addr := stackPtr + uintptr(i)*heap.WordSize
				v := heap.LoadValue(addr)
				fmt.Fprintf(os.Stderr, "  [%d] %s\n", i, ts.DebugString(v))
			}
		}
		stackPtr += uintptr(1+fd.Size()) * heap.WordSize
		if stackPtr == stackTop {
			return
		}
		fd = gc.FrameDescr(heap.LoadWord(stackPtr - 16))
	}
}
