package codegen

import (
	"fmt"

	"sanya/internal/config"
	"sanya/internal/gc"
	"sanya/internal/heap"
	"sanya/internal/value"
)

// CGFunction compiles one top-level (define name (lambda (args...) body...))
// into a single machine-code function object (component E), grounded on
// original_source/codegen2.cpp's CGFunction for the overall shape
// (makeClosure/emitFuncHeader/compileFunction/compileBody/compileExpr/
// tryIf/tryQuote/tryPrimOp/emitConst) and on the earlier
// original_source/codegen.cpp for CGFunction::compileCall, since
// codegen2.cpp's own version is an unimplemented `assert(false)` stub
// (see DESIGN.md's open-question entry).
//
// Locals and every live temporary are tracked on a single append-order
// "virtual stack" (vstack) that mirrors the real machine stack: pushing
// a value appends a slot, popping removes the last one, and a named
// local's offset from RSP, in words, is always len(vstack)-1-index. This
// replaces codegen2.cpp's shiftLocal (which re-walks and adjusts every
// named local's recorded offset on every push/pop) with an offset
// computed on demand — the two are equivalent since this language never
// removes a named local out from under the ones pushed after it.
type CGFunction struct {
	name     value.Value
	argNames []value.Value
	body     []value.Value
	parent   *CGModule

	asm *Asm

	closure value.Value

	locals     map[value.Value]int // symbol -> index into vstack
	vstack     []bool              // append-order is-pointer flags
	ptrOffsets []int64             // code-relative offsets of managed-pointer immediates
}

func newCGFunction(name value.Value, argNames []value.Value, body []value.Value, parent *CGModule) *CGFunction {
	return &CGFunction{
		name:     name,
		argNames: argNames,
		body:     body,
		parent:   parent,
		asm:      NewAsm(),
		locals:   make(map[value.Value]int),
	}
}

// --- virtual-stack bookkeeping ---

func (f *CGFunction) push(reg int, isPtr bool) {
	f.asm.pushR(reg)
	f.vstack = append(f.vstack, isPtr)
}

func (f *CGFunction) pop(reg int) {
	f.asm.popR(reg)
	f.vstack = f.vstack[:len(f.vstack)-1]
}

// discard drops the top of the virtual stack without keeping its value,
// for a statement whose result is unused (codegen2.cpp's compileBody:
// "__ pop(rax); shiftLocal(-1);" for every non-final body expression).
func (f *CGFunction) discard() {
	f.asm.popR(RAX)
	f.vstack = f.vstack[:len(f.vstack)-1]
}

func (f *CGFunction) offsetWords(idx int) int { return len(f.vstack) - 1 - idx }

// frameBitmap reorders vstack (append order, index 0 = bottom) into the
// slot-i-is-top-of-stack order gc.PackFrameDescr expects.
func (f *CGFunction) frameBitmap() []bool {
	n := len(f.vstack)
	bits := make([]bool, n)
	for i, isPtr := range f.vstack {
		bits[n-1-i] = isPtr
	}
	return bits
}

// internSym interns a symbol pulled out of the parsed syntax tree. The
// parser never interns (see internal/parser), so every symbol the
// generator compares by identity — keywords, primitive names, operator
// positions, variable references — must pass through here first.
func (f *CGFunction) internSym(v value.Value) value.Value {
	if !v.IsSymbol() {
		return v
	}
	return gc.Intern(f.parent.ts, f.parent.ts.SymbolName(v))
}

// internTree canonicalizes every symbol reachable from a quoted datum in
// place, so a symbol written as data compares identical (via Go's `==`
// on the tagged word) to the same name used anywhere else in the
// program.
func (f *CGFunction) internTree(v value.Value) value.Value {
	ts := f.parent.ts
	switch v.Tag() {
	case value.TagSymbol:
		return f.internSym(v)
	case value.TagPair:
		ts.SetPairCar(v, f.internTree(ts.PairCar(v)))
		ts.SetPairCdr(v, f.internTree(ts.PairCdr(v)))
		return v
	case value.TagVector:
		n := ts.VectorLen(v)
		for i := int64(0); i < n; i++ {
			ts.SetVectorAt(v, i, f.internTree(ts.VectorAt(v, i)))
		}
		return v
	default:
		return v
	}
}

func (f *CGFunction) errf(format string, args ...interface{}) error {
	return fmt.Errorf("codegen: %s: %s", f.parent.ts.SymbolName(f.name), fmt.Sprintf(format, args...))
}

// compileFunction implements codegen2.cpp's emitFuncHeader+compileFunction:
// push the caller's frame descriptor and this closure, move arguments
// onto the stack, compile the body, pop the result, tear down the frame
// and materialize the resulting machine code into a function-info block
// in the code arena, wired to this function's pre-registered closure.
func (f *CGFunction) compileFunction() error {
	a := f.asm

	// The caller's frame descriptor is a raw packed scalar, never a
	// tagged scheme Value — it must never be scavenged as one (a
	// FrameDescr's low 4 bits can coincidentally match a heap tag), so
	// it is the one vstack slot always marked non-pointer.
	f.push(RegF, false)
	f.push(RegC, true)

	for i, argName := range f.argNames {
		f.push(ArgRegs[i], true)
		f.locals[argName] = len(f.vstack) - 1
	}

	if config.Global.InsertStackCheck {
		f.emitStackCheck()
	}

	if err := f.compileBody(f.body, config.Global.TailCallOpt); err != nil {
		return err
	}

	f.pop(RAX)
	if n := len(f.vstack); n > 0 {
		a.addRI(RSP, int8(n*8))
	}
	a.ret()
	a.resolve()

	return f.link()
}

// emitStackCheck implements the optional prologue probe (SANYA_STACKCHECK):
// compare RSP against ts.StackLimit and trap rather than run off the end
// of the native stack. The original never implements this (spec.md
// leaves the guard-page-vs-explicit-compare choice to the implementer);
// an explicit compare needs no signal handler.
func (f *CGFunction) emitStackCheck() {
	a := f.asm
	ok := a.newLabel()
	a.loadMem(RAX, RegTS, int32(heap.OffsetStackLimit))
	a.cmpRR(RSP, RAX)
	a.jcc(ccGE, ok)
	f.emitTrap(TrapStackOvf, -1, 0)
	a.bind(ok)
}

// link allocates the constOffsets vector and function-info block and
// wires them into the closure codegen2.cpp's genModule pre-registered,
// mirroring CGFunction::compileFunction's final
// "closure->raw()->cloInfo() = rawFunc".
func (f *CGFunction) link() error {
	ts := f.parent.ts
	code := f.asm.Bytes()

	offs, ok := ts.NewVector(int64(len(f.ptrOffsets)), value.NewFixnum(0))
	if !ok {
		return f.errf("out of memory allocating constOffsets")
	}
	for i, off := range f.ptrOffsets {
		ts.SetVectorAt(offs, int64(i), value.NewFixnum(off))
	}

	info, err := ts.NewFuncInfo(int64(len(f.argNames)), f.name, offs, 0, code)
	if err != nil {
		return f.errf("allocating function-info block: %v", err)
	}
	ts.SetClosureInfo(f.closure, info)
	return nil
}

// compileBody implements the sequencing (begin-like) semantics shared by
// a function's top-level body and an explicit (begin ...): every
// expression but the last is compiled and discarded; the last inherits
// the caller's tail position.
func (f *CGFunction) compileBody(body []value.Value, isTail bool) error {
	for i, expr := range body {
		last := i == len(body)-1
		if err := f.compileExpr(expr, last && isTail); err != nil {
			return err
		}
		if !last {
			f.discard()
		}
	}
	return nil
}

// compileExpr dispatches on tag, mirroring codegen2.cpp's compileExpr
// cascade (tryIf/tryQuote/tryPrimOp/else-compileCall) but as a direct
// switch on the form's (now-interned) head symbol, since interning the
// head once up front removes the need for the original's bool-returning
// try* cascade.
func (f *CGFunction) compileExpr(expr value.Value, isTail bool) error {
	switch expr.Tag() {
	case value.TagFixnum:
		f.emitConst(expr)
		return nil

	case value.TagSingleton:
		if expr == value.True || expr == value.False {
			f.emitConst(expr)
			return nil
		}
		return f.errf("unexpected value in expression position: %s", expr)

	case value.TagSymbol:
		return f.compileSymbolRef(expr)

	case value.TagPair:
		ts := f.parent.ts
		items, err := listToSlice(ts, expr)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return f.errf("empty application")
		}
		if !items[0].IsSymbol() {
			return f.compileCall(items, isTail)
		}
		head := f.internSym(items[0])
		switch head {
		case f.parent.symIf:
			return f.compileIf(items, isTail)
		case f.parent.symQuote:
			return f.compileQuote(items)
		case f.parent.symBegin:
			return f.compileBeginForm(items, isTail)
		}
		if opName, ok := f.parent.primSyms[head]; ok {
			return f.compilePrimOp(opName, items, isTail)
		}
		return f.compileCall(items, isTail)

	default:
		return f.errf("unexpected value in expression position: %s", expr)
	}
}

// compileSymbolRef loads a variable reference: a local (stack slot) if
// one is bound, else a lookup through the finalized global table.
func (f *CGFunction) compileSymbolRef(sym value.Value) error {
	sym = f.internSym(sym)
	a := f.asm

	if idx, ok := f.locals[sym]; ok {
		a.loadMem(RAX, RSP, int32(f.offsetWords(idx)*8))
		f.push(RAX, true)
		return nil
	}

	gix := f.parent.lookupGlobal(sym)
	if gix < 0 {
		return f.errf("unbound variable %s", f.parent.ts.SymbolName(sym))
	}

	imm := a.movImm64(RAX, uint64(f.parent.vector))
	f.ptrOffsets = append(f.ptrOffsets, int64(imm))
	off := int32(heap.VectorElemOffset) - int32(value.TagVector) + int32(gix)*8
	a.loadMem(RAX, RAX, off)
	f.push(RAX, true)
	return nil
}

// emitConst loads an immediate Value (a small scalar or a heap pointer
// pulled directly out of the already-parsed syntax tree) and pushes it,
// recording the immediate's code offset in constOffsets when it is a
// managed pointer the collector must track and patch.
func (f *CGFunction) emitConst(v value.Value) {
	imm := f.asm.movImm64(RAX, uint64(v))
	f.push(RAX, true)
	if v.IsHeapAllocated() {
		f.ptrOffsets = append(f.ptrOffsets, int64(imm))
	}
}

func (f *CGFunction) compileQuote(items []value.Value) error {
	if len(items) != 2 {
		return f.errf("quote takes exactly 1 argument")
	}
	f.emitConst(f.internTree(items[1]))
	return nil
}

// compileIf implements codegen2.cpp's tryIf: evaluate the predicate,
// compare against the False singleton (everything else is truthy), and
// branch. Both arms leave exactly one pushed result; only one arm
// actually runs, so the vstack accounting is adjusted by hand to match
// the single slot that exists once both labels are bound.
func (f *CGFunction) compileIf(items []value.Value, isTail bool) error {
	if len(items) != 4 {
		return f.errf("if takes exactly 3 arguments")
	}
	a := f.asm
	labelElse := a.newLabel()
	labelDone := a.newLabel()

	if err := f.compileExpr(items[1], false); err != nil {
		return err
	}
	f.pop(RAX)
	a.cmpRI(RAX, int8(value.False))
	a.jcc(ccE, labelElse)

	if err := f.compileExpr(items[2], isTail); err != nil {
		return err
	}
	a.jmp(labelDone)
	f.vstack = f.vstack[:len(f.vstack)-1]

	a.bind(labelElse)
	if err := f.compileExpr(items[3], isTail); err != nil {
		return err
	}

	a.bind(labelDone)
	return nil
}

func (f *CGFunction) compileBeginForm(items []value.Value, isTail bool) error {
	if len(items) < 2 {
		return f.errf("begin requires at least one expression")
	}
	return f.compileBody(items[1:], isTail)
}

// compilePrimOp dispatches the sixteen primitive operators, each
// grounded on its exact encoding sequence in original_source/codegen2.cpp's
// tryPrimOp.
func (f *CGFunction) compilePrimOp(name string, items []value.Value, isTail bool) error {
	switch name {
	case "+#":
		return f.emitAdd(items)
	case "-#":
		return f.emitSub(items)
	case "<#":
		return f.emitLt(items)
	case "cons#":
		return f.emitCons(items)
	case "car#":
		return f.emitPairField(items, heap.CarOffset)
	case "cdr#":
		return f.emitPairField(items, heap.CdrOffset)
	case "pair?#":
		return f.emitTagPredicate(items, value.TagPair)
	case "symbol?#":
		return f.emitTagPredicate(items, value.TagSymbol)
	case "integer?#":
		return f.emitTagPredicate(items, value.TagFixnum)
	case "procedure?#":
		return f.emitTagPredicate(items, value.TagClosure)
	case "vector?#":
		return f.emitTagPredicate(items, value.TagVector)
	case "true?#":
		return f.emitSingletonPredicate(items, value.True)
	case "false?#":
		return f.emitSingletonPredicate(items, value.False)
	case "null?#":
		return f.emitSingletonPredicate(items, value.Nil)
	case "trace#":
		return f.emitTrace(items, isTail)
	case "error#":
		return f.emitError(items)
	default:
		return f.errf("unimplemented primitive %s", name)
	}
}

func (f *CGFunction) binaryArgs(items []value.Value, opName string) (a1, a2 value.Value, err error) {
	if len(items) != 3 {
		return 0, 0, f.errf("%s takes exactly 2 arguments", opName)
	}
	return items[1], items[2], nil
}

// emitAdd: compile both operands, pop the second into RAX, add the
// first (still on top of stack) into it, strip the duplicated fixnum
// tag, and overwrite the remaining slot with the result.
func (f *CGFunction) emitAdd(items []value.Value) error {
	a1, a2, err := f.binaryArgs(items, "+#")
	if err != nil {
		return err
	}
	if err := f.compileExpr(a1, false); err != nil {
		return err
	}
	if err := f.compileExpr(a2, false); err != nil {
		return err
	}
	a := f.asm
	f.pop(RAX)
	a.loadMem(RCX, RSP, 0)
	a.addRR(RAX, RCX)
	a.subRI(RAX, int8(value.TagFixnum))
	a.storeMem(RSP, 0, RAX)
	return nil
}

// emitSub: a1 - a2, keeping a1's slot (the deeper one) as the result.
func (f *CGFunction) emitSub(items []value.Value) error {
	a1, a2, err := f.binaryArgs(items, "-#")
	if err != nil {
		return err
	}
	if err := f.compileExpr(a1, false); err != nil {
		return err
	}
	if err := f.compileExpr(a2, false); err != nil {
		return err
	}
	a := f.asm
	a.loadMem(RAX, RSP, 8) // a1
	a.loadMem(RCX, RSP, 0) // a2
	a.subRR(RAX, RCX)
	a.addRI(RAX, int8(value.TagFixnum))
	a.addRI(RSP, 8)
	f.vstack = f.vstack[:len(f.vstack)-1]
	a.storeMem(RSP, 0, RAX)
	return nil
}

// emitLt: a1 < a2, via cmp(a2,a1) + cmovg (true iff a2 > a1).
func (f *CGFunction) emitLt(items []value.Value) error {
	a1, a2, err := f.binaryArgs(items, "<#")
	if err != nil {
		return err
	}
	if err := f.compileExpr(a1, false); err != nil {
		return err
	}
	if err := f.compileExpr(a2, false); err != nil {
		return err
	}
	a := f.asm
	f.pop(RAX) // a2
	a.loadMem(RCX, RSP, 0) // a1
	a.cmpRR(RAX, RCX)      // flags = a2 - a1
	a.movImm64(RDX, uint64(value.True))
	a.movImm64(RAX, uint64(value.False))
	a.cmovccRR(ccG, RAX, RDX)
	a.storeMem(RSP, 0, RAX)
	return nil
}

// emitPairField reads car/cdr: replace the top-of-stack pair with the
// field at the given payload offset. The pointer arithmetic subtracts
// the tag bits directly (the pair's low 4 bits are always the pair tag,
// so the untagged payload address is just pointer-minus-tag).
func (f *CGFunction) emitPairField(items []value.Value, fieldOffset int) error {
	if len(items) != 2 {
		return f.errf("car#/cdr# take exactly 1 argument")
	}
	if err := f.compileExpr(items[1], false); err != nil {
		return err
	}
	a := f.asm
	a.loadMem(RAX, RSP, 0)
	a.loadMem(RAX, RAX, int32(fieldOffset)-int32(value.TagPair))
	a.storeMem(RSP, 0, RAX)
	return nil
}

// emitTagPredicate: mask the low 4 bits and compare against a fixed tag.
func (f *CGFunction) emitTagPredicate(items []value.Value, tag value.Tag) error {
	if len(items) != 2 {
		return f.errf("predicate takes exactly 1 argument")
	}
	if err := f.compileExpr(items[1], false); err != nil {
		return err
	}
	a := f.asm
	a.loadMem(RAX, RSP, 0)
	a.andRI(RAX, int8(value.TagMask))
	a.cmpRI(RAX, int8(tag))
	a.movImm64(RCX, uint64(value.True))
	a.movImm64(RAX, uint64(value.False))
	a.cmovccRR(ccE, RAX, RCX)
	a.storeMem(RSP, 0, RAX)
	return nil
}

// emitSingletonPredicate: compare the whole tagged word against a fixed
// singleton (true?#/false?#/null?#), rather than just its tag.
func (f *CGFunction) emitSingletonPredicate(items []value.Value, want value.Value) error {
	if len(items) != 2 {
		return f.errf("predicate takes exactly 1 argument")
	}
	if err := f.compileExpr(items[1], false); err != nil {
		return err
	}
	a := f.asm
	a.loadMem(RAX, RSP, 0)
	a.cmpRI(RAX, int8(want))
	a.movImm64(RCX, uint64(value.True))
	a.movImm64(RAX, uint64(value.False))
	a.cmovccRR(ccE, RAX, RCX)
	a.storeMem(RSP, 0, RAX)
	return nil
}

// emitTrace implements trace#'s exact shape: compile and pop the value
// to print, call the tracing hook, then compile the remaining
// expression inheriting the caller's own tailness — trace# is
// transparent to tail-call position, it is never itself in tail
// position.
func (f *CGFunction) emitTrace(items []value.Value, isTail bool) error {
	if len(items) != 3 {
		return f.errf("trace# takes exactly 2 arguments")
	}
	if err := f.compileExpr(items[1], false); err != nil {
		return err
	}
	a := f.asm
	f.pop(RSI)
	a.movRR(RDI, RegTS)
	a.movImm64(R11, uint64(f.parent.hooks.TraceObject))
	a.callR(R11)
	return f.compileExpr(items[2], isTail)
}

// emitError compiles the error value and traps fatally — error# never
// returns, so nothing is ever popped back off by a caller, but a
// trailing Void is pushed to keep the virtual stack's accounting
// balanced for the dead code past the trap.
func (f *CGFunction) emitError(items []value.Value) error {
	if len(items) != 2 {
		return f.errf("error# takes exactly 1 argument")
	}
	if err := f.compileExpr(items[1], false); err != nil {
		return err
	}
	f.pop(RAX)
	f.emitTrap(TrapUserError, RAX, 0)
	f.emitConst(value.Void)
	return nil
}

// emitCons performs inline pair allocation (component E): a bump-pointer
// fast path guarded by a compare against the heap limit, falling back to
// a call into the collect-and-retry hook. car/cdr are kept on the
// virtual stack (and so are covered by the frame descriptor written in
// emitGCSync) until after the only possible collection point, per the
// handle/no-naked-pointer-across-allocation invariant (spec.md 4.C/4.E).
func (f *CGFunction) emitCons(items []value.Value) error {
	if len(items) != 3 {
		return f.errf("cons# takes exactly 2 arguments")
	}
	if err := f.compileExpr(items[1], false); err != nil { // car
		return err
	}
	if err := f.compileExpr(items[2], false); err != nil { // cdr
		return err
	}

	a := f.asm
	slow := a.newLabel()
	ready := a.newLabel()
	total := int32(heap.HeaderSize + heap.PairSize())

	a.leaMem(RAX, RegHeapPtr, total)
	a.cmpRR(RAX, RegHeapLimit)
	a.jcc(ccG, slow)

	// Fast path: stamp the header in place, advance the bump pointer,
	// and hand back the new cell's payload address in RCX.
	a.movImm64(RDX, uint64(uint32(heap.HeaderSize+heap.PairSize()))<<32)
	a.storeMem(RegHeapPtr, 0, RDX)
	a.leaMem(RCX, RegHeapPtr, int32(heap.HeaderSize))
	a.movRR(RegHeapPtr, RAX)
	a.jmp(ready)

	a.bind(slow)
	f.emitGCSync()
	a.movRR(RDI, RegTS)
	a.movRI32(RSI, int32(heap.PairSize()))
	a.movImm64(R11, uint64(f.parent.hooks.CollectAndAlloc))
	a.callR(R11)
	a.loadMem(RegHeapPtr, RegTS, int32(heap.OffsetHeapPtr))
	a.loadMem(RegHeapLimit, RegTS, int32(heap.OffsetHeapLimit))
	a.movRR(RCX, RAX) // RAX: the payload address collectAndAlloc handed back

	a.bind(ready)
	f.pop(RDX) // cdr
	f.pop(RBX) // car
	a.storeMem(RCX, heap.CarOffset, RBX)
	a.storeMem(RCX, heap.CdrOffset, RDX)
	a.leaMem(RBX, RCX, int32(value.TagPair))
	f.push(RBX, true)
	return nil
}

// emitGCSync publishes the current frame descriptor, stack pointer and
// bump pointer into ThreadState before any call that might trigger a
// collection or a stack walk (inline-allocation slow path, fatal traps).
func (f *CGFunction) emitGCSync() {
	f.emitGCSyncWith(gc.PackFrameDescr(len(f.vstack), f.frameBitmap()))
}

// emitGCSyncWith is emitGCSync with a caller-supplied descriptor, for
// sites (compileCall's trap stubs) whose frame shape at execution time
// differs from the vstack state at emission time.
func (f *CGFunction) emitGCSyncWith(fd gc.FrameDescr) {
	a := f.asm
	a.movImm64(RegF, uint64(fd))
	a.storeMem(RegTS, int32(heap.OffsetLastFrameDescr), RegF)
	a.storeMem(RegTS, int32(heap.OffsetLastStackPtr), RSP)
	a.storeMem(RegTS, int32(heap.OffsetHeapPtr), RegHeapPtr)
}

// emitTrap syncs GC state and calls the unified fatal-trap hook. watReg
// (or -1 for "none") supplies the offending value in RDX; extra supplies
// a second integer payload (actual argc, for an arity mismatch).
func (f *CGFunction) emitTrap(kind int, watReg int, extra int32) {
	f.emitTrapWith(gc.PackFrameDescr(len(f.vstack), f.frameBitmap()), kind, watReg, extra)
}

func (f *CGFunction) emitTrapWith(fd gc.FrameDescr, kind int, watReg int, extra int32) {
	a := f.asm
	f.emitGCSyncWith(fd)
	if watReg >= 0 {
		a.movRR(RDX, watReg)
	} else {
		a.movImm64(RDX, uint64(value.Void))
	}
	a.movRI32(RCX, extra)
	a.movRI32(RSI, int32(kind))
	a.movRR(RDI, RegTS)
	a.movImm64(R11, uint64(f.parent.hooks.TrapFatal))
	a.callR(R11)
}

// compileCall implements the normal/tail call sequence, grounded on the
// earlier original_source/codegen.cpp's working CGFunction::compileCall
// (codegen2.cpp's own version is the unimplemented assert(false) stub):
// evaluate callee and arguments left to right, route them into the S2S
// calling-convention registers, tag- and arity-check the callee, and
// either call (pushing the result) or, in tail position, restore the
// caller's own frame descriptor, discard this frame and jmp.
func (f *CGFunction) compileCall(items []value.Value, isTail bool) error {
	callee := items[0]
	args := items[1:]
	if len(args) > 5 {
		return f.errf("call with %d arguments exceeds the 5-argument limit", len(args))
	}

	if err := f.compileExpr(callee, false); err != nil {
		return err
	}
	for _, arg := range args {
		if err := f.compileExpr(arg, false); err != nil {
			return err
		}
	}

	a := f.asm
	for i := len(args) - 1; i >= 0; i-- {
		f.pop(ArgRegs[i])
	}
	f.pop(RegC)

	// One descriptor serves both the call itself and its trap stubs: all
	// of them execute with the frame in this exact post-pop shape, before
	// any result slot exists. The stubs in particular must not be packed
	// from a later vstack state (the non-tail push below, or the tail
	// call's phantom result slot) or a trap-time stack walk would read one
	// word past the real frame.
	fd := gc.PackFrameDescr(len(f.vstack), f.frameBitmap())

	notClosure := a.newLabel()
	badArity := a.newLabel()
	okLabel := a.newLabel()

	a.movRR(RAX, RegC)
	a.andRI(RAX, int8(value.TagMask))
	a.cmpRI(RAX, int8(value.TagClosure))
	a.jcc(ccNE, notClosure)

	a.loadMem(RAX, RegC, -int32(value.TagClosure)+int32(heap.CloInfoOffset))
	a.loadMem(RCX, RAX, int32(heap.FuncArityOffset))
	a.cmpRI(RCX, int8(len(args)))
	a.jcc(ccNE, badArity)

	a.loadMem(RAX, RegC, -int32(value.TagClosure)+int32(heap.CloInfoOffset))
	a.leaMem(RAX, RAX, int32(heap.FuncCodeOffset))

	if isTail {
		// This frame is about to vanish; forward the descriptor it was
		// itself called with (saved at the bottom of the frame in the
		// prologue) rather than building a fresh one describing a frame
		// that will no longer exist.
		a.loadMem(RegF, RSP, int32(f.offsetWords(0)*8))
		if n := len(f.vstack); n > 0 {
			a.addRI(RSP, int8(n*8))
		}
		a.jmpR(RAX)
	} else {
		a.movImm64(RegF, uint64(fd))
		a.callR(RAX)
		f.push(RAX, true)
		a.jmp(okLabel)
	}

	a.bind(notClosure)
	f.emitTrapWith(fd, TrapNotAClosure, RegC, 0)

	a.bind(badArity)
	f.emitTrapWith(fd, TrapArgCountMismatch, RegC, int32(len(args)))

	if isTail {
		// The callee never returns here, but the enclosing forms (an if
		// arm, the last body expression) account as if it did: leave the
		// phantom result slot the non-tail branch would have pushed. No
		// push instruction is emitted — everything past the jmp above is
		// unreachable on this path.
		f.vstack = append(f.vstack, true)
	} else {
		a.bind(okLabel)
	}
	return nil
}
