package heap

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"sanya/internal/value"
)

// codeChunkSize is the size of one mmap'd code-arena chunk. Chunks grow
// on demand (one bigger chunk is mmap'd if a single function's info+code
// block doesn't fit the default size), mirroring the teacher's own
// growable-buffer idiom elsewhere in the pack rather than reserving one
// giant region up front.
const codeChunkSize = 64 * 1024

type codeChunk struct {
	mem        []byte
	used       uintptr
	executable bool
}

// CodeArena holds compiled function info/code blocks (component E)
// entirely outside the copying semispace. A function's machine code is
// `call`/`jmp`ed into by absolute address and is patched in place by the
// collector whenever an object its constOffsets table points at moves
// (see internal/gc's TagClosure scavenging) — so unlike pairs, vectors,
// closures and symbols, these blocks must never themselves move or be
// swept by Collect. Grounded on original_source/codegen2.cpp's `__
// make()` (the AsmJit buffer), which is likewise a separate, permanent,
// non-moving allocation distinct from ThreadState's copying heap.
type CodeArena struct {
	chunks []*codeChunk
}

func NewCodeArena() *CodeArena { return &CodeArena{} }

// Alloc reserves size bytes of permanently resident memory and returns
// its address. Blocks are never moved, relocated or freed individually;
// they live for the lifetime of the ThreadState.
func (c *CodeArena) Alloc(size uintptr) (uintptr, error) {
	need := alignUp(size, value.TagShift)
	if ch := c.lastChunk(); ch != nil && ch.used+need <= uintptr(len(ch.mem)) {
		addr := uintptr(unsafe.Pointer(&ch.mem[0])) + ch.used
		ch.used += need
		return addr, nil
	}

	size2 := uintptr(codeChunkSize)
	if need > size2 {
		size2 = need
	}
	mem, err := unix.Mmap(-1, 0, int(size2), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, fmt.Errorf("heap: mmap code chunk: %w", err)
	}
	ch := &codeChunk{mem: mem, used: need}
	c.chunks = append(c.chunks, ch)
	return uintptr(unsafe.Pointer(&mem[0])), nil
}

func (c *CodeArena) lastChunk() *codeChunk {
	if len(c.chunks) == 0 {
		return nil
	}
	return c.chunks[len(c.chunks)-1]
}

// Commit writes code into the block at raw and, the first time a
// given chunk is committed into, raises that whole chunk from
// read/write to read/write/exec via Mprotect — the chunk starts out
// non-executable so a reader mid-assembly can never jump into
// half-written bytes. It stays writable forever after that (rather than
// dropping back to read+exec) because the constOffsets relocation table
// keeps patching absolute pointers embedded in already-compiled code on
// every later collection cycle.
func (c *CodeArena) Commit(raw uintptr, code []byte) error {
	WriteBytes(raw, code)
	ch := c.chunkContaining(raw)
	if ch == nil {
		return fmt.Errorf("heap: Commit: address %#x not owned by this CodeArena", raw)
	}
	if !ch.executable {
		if err := unix.Mprotect(ch.mem, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
			return fmt.Errorf("heap: mprotect code chunk executable: %w", err)
		}
		ch.executable = true
	}
	return nil
}

func (c *CodeArena) chunkContaining(addr uintptr) *codeChunk {
	for _, ch := range c.chunks {
		base := uintptr(unsafe.Pointer(&ch.mem[0]))
		if addr >= base && addr < base+uintptr(len(ch.mem)) {
			return ch
		}
	}
	return nil
}

// Close releases every mmap'd chunk. Safe to call once.
func (c *CodeArena) Close() error {
	var firstErr error
	for _, ch := range c.chunks {
		if err := unix.Munmap(ch.mem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.chunks = nil
	return firstErr
}
