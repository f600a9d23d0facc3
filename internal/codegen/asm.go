// Package codegen implements the x86-64 code generator (component D/E):
// instruction emission, the module-scope global table, and the
// CGModule/CGFunction compilation pipeline from parsed syntax trees to
// machine code. Grounded on tinyrange-rtg/std/compiler/x64.go and
// backend.go for the instruction-encoding idiom, and on
// original_source/codegen2.cpp for the compiler's own structure.
package codegen

import "fmt"

// General-purpose register numbering, shared with the REX/ModR/M
// encoders below — identical numbering to x64.go's REG_* constants.
const (
	RAX = 0
	RCX = 1
	RDX = 2
	RBX = 3
	RSP = 4
	RBP = 5
	RSI = 6
	RDI = 7
	R8  = 8
	R9  = 9
	R10 = 10
	R11 = 11
	R12 = 12
	R13 = 13
	R14 = 14
	R15 = 15
)

// Calling-convention register assignment (spec.md 4.E), grounded on
// original_source/codegen2.cpp's kClosureReg/kArgRegs/kFrameDescrReg.
const (
	RegC = RDI // callee closure
	RegF = R10 // caller's frame descriptor

	// Pinned across the whole generated program by the entry trampoline
	// (component F): bump pointer, limit, and the process-global
	// ThreadState, so every function can inline-allocate and trap without
	// reloading them from memory.
	RegHeapPtr   = R12
	RegHeapLimit = R13
	RegTS        = R14
)

// ArgRegs holds up to 5 argument registers (max arity, spec.md 4.E).
var ArgRegs = [5]int{RSI, RDX, RCX, R8, R9}

// Condition codes for jcc/setcc (the 0x8x jcc opcode byte).
const (
	ccE  = 0x84
	ccNE = 0x85
	ccL  = 0x8C
	ccGE = 0x8D
	ccLE = 0x8E
	ccG  = 0x8F
)

type label int

// Asm is a single function's growable machine-code buffer plus its
// local jump fixups, mirroring the per-function AsmJit::Assembler in
// original_source/codegen2.cpp (named `xasm` there) and the byte-buffer
// shape of std/compiler/backend.go's CodeGen.
type Asm struct {
	code         []byte
	labelOffsets map[label]int
	jumpFixups   []jumpFixup
	nextLabel    label
}

type jumpFixup struct {
	codeOffset int // offset of the rel32 operand
	target     label
}

func NewAsm() *Asm {
	return &Asm{labelOffsets: make(map[label]int)}
}

func (a *Asm) Len() int { return len(a.code) }

func (a *Asm) Bytes() []byte { return a.code }

func (a *Asm) newLabel() label {
	a.nextLabel++
	return a.nextLabel
}

func (a *Asm) bind(l label) {
	a.labelOffsets[l] = len(a.code)
}

// resolve patches every recorded jump against its bound label. Must be
// called once, after the whole function body has been emitted.
func (a *Asm) resolve() {
	for _, fx := range a.jumpFixups {
		target, ok := a.labelOffsets[fx.target]
		if !ok {
			panic(fmt.Sprintf("codegen: unbound label %d", fx.target))
		}
		rel := int32(target - (fx.codeOffset + 4))
		a.code[fx.codeOffset] = byte(rel)
		a.code[fx.codeOffset+1] = byte(rel >> 8)
		a.code[fx.codeOffset+2] = byte(rel >> 16)
		a.code[fx.codeOffset+3] = byte(rel >> 24)
	}
}

// --- raw byte emission ---

func (a *Asm) emitByte(b byte) { a.code = append(a.code, b) }

func (a *Asm) emitBytes(bs ...byte) { a.code = append(a.code, bs...) }

func (a *Asm) emitU32(v uint32) {
	a.code = append(a.code, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (a *Asm) emitU64(v uint64) {
	a.code = append(a.code, byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

// --- register-immediate64 move ---

// movImm64 emits `movabs reg, imm64` and returns the byte offset of the
// 8-byte immediate (so callers can record it in a function's
// constOffsets when the immediate is a managed pointer).
func (a *Asm) movImm64(reg int, val uint64) (immOffset int) {
	rex := byte(0x48)
	if reg >= 8 {
		rex = 0x49
	}
	a.emitBytes(rex, byte(0xb8+(reg&7)))
	immOffset = len(a.code)
	a.emitU64(val)
	return immOffset
}

// movRI32 emits `mov r/m64, imm32` (REX.W + C7 /0 id), sign-extending a
// 32-bit immediate into a 64-bit register — used for small scalar
// constants (trap kinds, argc) that don't warrant the 10-byte movImm64
// form.
func (a *Asm) movRI32(reg int, val int32) {
	rex := byte(0x48)
	if reg >= 8 {
		rex |= 0x01
	}
	a.emitBytes(rex, 0xc7, byte(0xc0|(reg&7)))
	a.emitU32(uint32(val))
}

// --- push/pop ---

func (a *Asm) pushR(reg int) {
	if reg >= 8 {
		a.emitBytes(0x41, byte(0x50+(reg&7)))
	} else {
		a.emitByte(byte(0x50 + reg))
	}
}

func (a *Asm) popR(reg int) {
	if reg >= 8 {
		a.emitBytes(0x41, byte(0x58+(reg&7)))
	} else {
		a.emitByte(byte(0x58 + reg))
	}
}

// --- register-register ALU ops ---

func rexRR(regField, rmField int) byte {
	rex := byte(0x48)
	if regField >= 8 {
		rex |= 0x04 // REX.R
	}
	if rmField >= 8 {
		rex |= 0x01 // REX.B
	}
	return rex
}

func modrmRR(regField, rmField int) byte {
	return byte(0xc0 | ((regField & 7) << 3) | (rmField & 7))
}

func (a *Asm) movRR(dst, src int) { a.emitBytes(rexRR(src, dst), 0x89, modrmRR(src, dst)) }
func (a *Asm) addRR(dst, src int) { a.emitBytes(rexRR(src, dst), 0x01, modrmRR(src, dst)) }
func (a *Asm) subRR(dst, src int) { a.emitBytes(rexRR(src, dst), 0x29, modrmRR(src, dst)) }
func (a *Asm) andRR(dst, src int) { a.emitBytes(rexRR(src, dst), 0x21, modrmRR(src, dst)) }
func (a *Asm) cmpRR(a2, b int)    { a.emitBytes(rexRR(b, a2), 0x39, modrmRR(b, a2)) }

// cmovccRR emits `cmovCC dst, src` (2-byte opcode 0F 4x).
func (a *Asm) cmovccRR(cc byte, dst, src int) {
	a.emitBytes(rexRR(dst, src), 0x0f, byte(0x40|(cc&0x0f)), modrmRR(dst, src))
}

// --- register-immediate ALU ops (imm8 only — every use site here fits) ---

func (a *Asm) addRI(reg int, val int8) { a.aluRI(0xc0, reg, val) }
func (a *Asm) subRI(reg int, val int8) { a.aluRI(0xe8, reg, val) }
func (a *Asm) cmpRI(reg int, val int8) { a.aluRI(0xf8, reg, val) }
func (a *Asm) andRI(reg int, val int8) { a.aluRI(0xe0, reg, val) }

func (a *Asm) aluRI(modrmBase byte, reg int, val int8) {
	rex := byte(0x48)
	if reg >= 8 {
		rex |= 0x01
	}
	a.emitBytes(rex, 0x83, modrmBase|byte(reg&7), byte(val))
}

// --- memory load/store/lea, [base+off] with off a compile-time constant ---
// Handles the 0/disp8/disp32 forms and the RSP/RBP addressing quirks
// (RSP needs a SIB byte; RBP/R13 cannot use the mod=00 "no displacement"
// form since that encoding means RIP-relative), grounded on x64.go's
// loadMem/storeMem.

func (a *Asm) memOp(opcode byte, regField, base int, off int32) {
	rex := rexRR(regField, base)
	switch {
	case off == 0 && base&7 != RBP:
		a.emitBytes(rex, opcode, byte((regField&7)<<3|(base&7)))
		if base&7 == RSP {
			a.emitByte(0x24)
		}
	case off >= -128 && off <= 127:
		a.emitBytes(rex, opcode, byte(0x40|(regField&7)<<3|(base&7)))
		if base&7 == RSP {
			a.emitByte(0x24)
		}
		a.emitByte(byte(off))
	default:
		a.emitBytes(rex, opcode, byte(0x80|(regField&7)<<3|(base&7)))
		if base&7 == RSP {
			a.emitByte(0x24)
		}
		a.emitU32(uint32(off))
	}
}

func (a *Asm) loadMem(dst, base int, off int32)    { a.memOp(0x8b, dst, base, off) }
func (a *Asm) storeMem(base int, off int32, src int) { a.memOp(0x89, src, base, off) }
func (a *Asm) leaMem(dst, base int, off int32)     { a.memOp(0x8d, dst, base, off) }

// --- control flow ---

func (a *Asm) ret() { a.emitByte(0xc3) }

// callR emits `call reg` (indirect, FF /2) — every call target in this
// generator (other closures, runtime hooks) is a runtime value, never a
// link-time-resolvable symbol, so there is no call-by-name fixup table
// here unlike std/compiler/backend.go's CallFixup.
func (a *Asm) callR(reg int) {
	rex := byte(0x48)
	if reg >= 8 {
		rex = 0x49
	}
	a.emitBytes(rex, 0xff, byte(0xd0|(reg&7)))
}

// jmpR emits `jmp reg` (indirect, FF /4) — used for the tail-call path.
func (a *Asm) jmpR(reg int) {
	rex := byte(0x48)
	if reg >= 8 {
		rex = 0x49
	}
	a.emitBytes(rex, 0xff, byte(0xe0|(reg&7)))
}

func (a *Asm) jmp(l label) {
	a.emitByte(0xe9)
	a.jumpFixups = append(a.jumpFixups, jumpFixup{codeOffset: len(a.code), target: l})
	a.emitU32(0)
}

func (a *Asm) jcc(cc byte, l label) {
	a.emitBytes(0x0f, cc)
	a.jumpFixups = append(a.jumpFixups, jumpFixup{codeOffset: len(a.code), target: l})
	a.emitU32(0)
}
