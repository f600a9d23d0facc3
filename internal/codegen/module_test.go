package codegen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sanya/internal/heap"
	"sanya/internal/parser"
)

func newTestHeap(t *testing.T) *heap.ThreadState {
	t.Helper()
	ts, err := heap.New(heap.DefaultHalfSpaceSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ts.Close() })
	return ts
}

// genModule parses src and runs it through GenModule with an empty
// Hooks table — legal here because none of these tests ever execute the
// compiled code via a trampoline; a Hooks value only ever becomes a
// baked-in machine-code immediate during compilation, never called.
func genModule(t *testing.T, ts *heap.ThreadState, src string) error {
	t.Helper()
	forms, err := parser.New(ts, strings.NewReader(src)).ParseAll()
	require.NoError(t, err)
	mod := NewCGModule(ts, Hooks{})
	_, err = mod.GenModule(forms)
	return err
}

func TestGenModuleRequiresMain(t *testing.T) {
	ts := newTestHeap(t)
	err := genModule(t, ts, `(define f (lambda () 1))`)
	assert.Error(t, err)
}

func TestGenModuleRejectsArityOverFive(t *testing.T) {
	ts := newTestHeap(t)
	err := genModule(t, ts, `
(define f (lambda (a b c d e g) a))
(define main (lambda () 1))`)
	assert.Error(t, err)
}

func TestGenModuleRejectsTooManyCallArguments(t *testing.T) {
	ts := newTestHeap(t)
	err := genModule(t, ts, `
(define f (lambda (a b c d e) a))
(define main (lambda () (f 1 2 3 4 5 6)))`)
	assert.Error(t, err)
}

func TestGenModuleRejectsUnboundVariable(t *testing.T) {
	ts := newTestHeap(t)
	err := genModule(t, ts, `(define main (lambda () nope))`)
	assert.Error(t, err)
}

func TestGenModuleAcceptsFiveArguments(t *testing.T) {
	ts := newTestHeap(t)
	err := genModule(t, ts, `
(define f (lambda (a b c d e) a))
(define main (lambda () (f 1 2 3 4 5)))`)
	assert.NoError(t, err)
}

func TestGenModuleRejectsMalformedDefine(t *testing.T) {
	ts := newTestHeap(t)
	err := genModule(t, ts, `(define main 5)`)
	assert.Error(t, err)
}

func TestGenModuleRejectsQuoteWithWrongArity(t *testing.T) {
	ts := newTestHeap(t)
	err := genModule(t, ts, `(define main (lambda () (quote 1 2)))`)
	assert.Error(t, err)
}
