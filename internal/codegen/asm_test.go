package codegen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMovImm64EncodesRexAndOpcodePerRegisterWidth(t *testing.T) {
	a := NewAsm()
	off := a.movImm64(RAX, 0x1122334455667788)
	assert.Equal(t, []byte{0x48, 0xb8}, a.Bytes()[:2])
	assert.Equal(t, 2, off, "immediate must follow the 2-byte rex+opcode prefix")
	assert.Equal(t,
		[]byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11},
		a.Bytes()[2:10],
		"immediate is little-endian")

	a2 := NewAsm()
	a2.movImm64(R14, 1)
	assert.Equal(t, byte(0x49), a2.Bytes()[0], "register >= 8 sets REX.B")
	assert.Equal(t, byte(0xb8+(R14&7)), a2.Bytes()[1])
}

func TestPushPopRoundTripLowAndExtendedRegisters(t *testing.T) {
	a := NewAsm()
	a.pushR(RAX)
	a.pushR(R12)
	a.popR(R12)
	a.popR(RAX)

	assert.Equal(t, []byte{
		0x50,             // push rax
		0x41, 0x50 + 4,   // push r12 (rex.b + 0x50 + (r12&7))
		0x41, 0x58 + 4,   // pop r12
		0x58,             // pop rax
	}, a.Bytes())
}

func TestJmpFixupResolvesToForwardLabel(t *testing.T) {
	a := NewAsm()
	target := a.newLabel()
	a.jmp(target)
	// pad so the relative offset isn't trivially zero
	a.emitBytes(0x90, 0x90, 0x90)
	a.bind(target)
	a.resolve()

	rel32 := int32(a.Bytes()[1]) | int32(a.Bytes()[2])<<8 | int32(a.Bytes()[3])<<16 | int32(a.Bytes()[4])<<24
	// rel32 is measured from the byte after the 4-byte operand (offset 5)
	assert.EqualValues(t, len(a.Bytes())-5, rel32)
}

func TestJccFixupResolvesToBackwardLabel(t *testing.T) {
	a := NewAsm()
	top := a.newLabel()
	a.bind(top)
	a.emitBytes(0x90, 0x90)
	a.jcc(ccE, top)
	a.resolve()

	operandOff := len(a.Bytes()) - 4
	rel32 := int32(a.Bytes()[operandOff]) | int32(a.Bytes()[operandOff+1])<<8 |
		int32(a.Bytes()[operandOff+2])<<16 | int32(a.Bytes()[operandOff+3])<<24
	// the label sits at offset 0; rel32 is measured from the end of the
	// 4-byte operand, i.e. operandOff+4 bytes after the label.
	assert.EqualValues(t, -(operandOff + 4), rel32)
}

func TestResolvePanicsOnUnboundLabel(t *testing.T) {
	a := NewAsm()
	a.jmp(a.newLabel())
	assert.Panics(t, func() { a.resolve() })
}

func TestMemOpUsesSibByteForRspBase(t *testing.T) {
	a := NewAsm()
	a.loadMem(RAX, RSP, 0)
	// rex.w, opcode 0x8b, modrm (mod=00, reg=rax, rm=100=RSP), sib 0x24
	assert.Equal(t, []byte{0x48, 0x8b, 0x04, 0x24}, a.Bytes())
}

func TestMemOpChoosesDisp8ThenDisp32ByOffsetRange(t *testing.T) {
	small := NewAsm()
	small.loadMem(RAX, RBX, 16)
	assert.Len(t, small.Bytes(), 4, "disp8 form: rex+opcode+modrm+1-byte disp, no SIB for RBX")

	large := NewAsm()
	large.loadMem(RAX, RBX, 1000)
	assert.Len(t, large.Bytes(), 7, "disp32 form: rex+opcode+modrm+4-byte disp")
}

func TestRbpBaseAlwaysUsesDisplacementForm(t *testing.T) {
	// mod=00 with rm=101 (RBP/R13) means RIP-relative, not "no displacement",
	// so a zero offset against RBP must still encode an explicit disp8.
	a := NewAsm()
	a.loadMem(RAX, RBP, 0)
	assert.Len(t, a.Bytes(), 4, "rex+opcode+modrm+disp8, even though the offset is zero")
}
