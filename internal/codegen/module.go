package codegen

import (
	"fmt"

	"sanya/internal/gc"
	"sanya/internal/heap"
	"sanya/internal/value"
)

// Hooks holds the addresses of the small assembly stubs (component F)
// that generated code calls into directly for allocation-failure
// recovery, tracing and fatal errors. Populated by the trampoline
// package so that codegen never imports it (trampoline imports codegen
// for this type instead, avoiding an import cycle).
type Hooks struct {
	CollectAndAlloc uintptr // jitCollectAndAlloc(ts *ThreadState, size uintptr) uintptr
	TraceObject     uintptr // jitTraceObject(ts *ThreadState, v value.Value)
	TrapFatal       uintptr // jitTrapFatal(ts *ThreadState, kind, wat, extra uintptr) — never returns
}

// Fatal-trap kind codes passed to Hooks.TrapFatal in RSI, matching
// spec.md §7's error table; the trampoline dispatches on this code to
// the right handler (handleNotAClosure/handleArgCountMismatch/
// handleUserError/handleStackOvf).
const (
	TrapNotAClosure      = 1
	TrapArgCountMismatch = 2
	TrapUserError        = 3
	TrapStackOvf         = 4
)

// CGModule compiles a whole top-level program, mirroring
// original_source/codegen2.cpp's CGModule: a first pass registers every
// `define`d name before a second pass compiles any function body, so
// forward and mutual recursion resolve through the global table.
type CGModule struct {
	ts    *heap.ThreadState
	table *heap.Module
	hooks Hooks

	symDefine, symLambda, symQuote, symIf, symBegin, symMain value.Value
	primSyms                                                 map[value.Value]string

	cgfuncs []*CGFunction
	vector  value.Value // finalized global table, set by GenModule before any body is compiled
}

var primNames = []string{
	"+#", "-#", "<#",
	"cons#", "car#", "cdr#",
	"pair?#", "symbol?#", "integer?#", "procedure?#", "vector?#",
	"true?#", "false?#", "null?#",
	"trace#", "error#",
}

func NewCGModule(ts *heap.ThreadState, hooks Hooks) *CGModule {
	// No collection may run from here until GenModule finishes (spec
	// invariant I4, extended to the whole compile phase): the generator
	// keeps raw AST/symbol/closure pointers in Go-side bookkeeping the
	// collector cannot see, and half-emitted code holds baked pointer
	// immediates with no constOffsets entry to patch them through.
	// Allocation failure during this window is fatal (internal/gc).
	ts.NoGC = true
	m := &CGModule{
		ts:       ts,
		table:    heap.NewModule(ts),
		hooks:    hooks,
		primSyms: make(map[value.Value]string),
	}
	m.symDefine = gc.Intern(ts, "define")
	m.symLambda = gc.Intern(ts, "lambda")
	m.symQuote = gc.Intern(ts, "quote")
	m.symIf = gc.Intern(ts, "if")
	m.symBegin = gc.Intern(ts, "begin")
	m.symMain = gc.Intern(ts, "main")
	for _, n := range primNames {
		m.primSyms[gc.Intern(ts, n)] = n
	}
	return m
}

// listToSlice flattens a proper list into a Go slice; it returns an
// error if the list is improper, matching the assert(rest->isNil())
// checks scattered through codegen2.cpp's genModule.
func listToSlice(ts *heap.ThreadState, v value.Value) ([]value.Value, error) {
	var out []value.Value
	for v != value.Nil {
		if !v.IsPair() {
			return nil, fmt.Errorf("codegen: improper list")
		}
		out = append(out, ts.PairCar(v))
		v = ts.PairCdr(v)
	}
	return out, nil
}

// GenModule implements codegen2.cpp's CGModule::genModule: a first pass
// pre-registers every `define`d name against a null-info closure (so
// forward references resolve), a second pass compiles each body. Returns
// main's closure.
func (m *CGModule) GenModule(topForms []value.Value) (value.Value, error) {
	defer func() { m.ts.NoGC = false }()
	var mainClo value.Value

	for _, defn := range topForms {
		items, err := listToSlice(m.ts, defn)
		if err != nil {
			return 0, err
		}
		if len(items) != 3 || !items[0].IsSymbol() || gc.Intern(m.ts, m.ts.SymbolName(items[0])) != m.symDefine {
			return 0, fmt.Errorf("codegen: top-level form must be (define name (lambda ...))")
		}
		if !items[1].IsSymbol() {
			return 0, fmt.Errorf("codegen: define target must be a symbol")
		}
		name := gc.Intern(m.ts, m.ts.SymbolName(items[1]))

		lamItems, err := listToSlice(m.ts, items[2])
		if err != nil {
			return 0, err
		}
		if len(lamItems) < 3 || !lamItems[0].IsSymbol() || gc.Intern(m.ts, m.ts.SymbolName(lamItems[0])) != m.symLambda {
			return 0, fmt.Errorf("codegen: define body must be a lambda")
		}
		argForms, err := listToSlice(m.ts, lamItems[1])
		if err != nil {
			return 0, err
		}
		if len(argForms) > 5 {
			return 0, fmt.Errorf("codegen: %s: arity %d exceeds the 5-argument limit", m.ts.SymbolName(name), len(argForms))
		}
		argNames := make([]value.Value, len(argForms))
		for i, a := range argForms {
			if !a.IsSymbol() {
				return 0, fmt.Errorf("codegen: lambda parameter must be a symbol")
			}
			argNames[i] = gc.Intern(m.ts, m.ts.SymbolName(a))
		}

		cgf := newCGFunction(name, argNames, lamItems[2:], m)
		cgf.closure = gc.NewClosure(m.ts, 0, 0)

		m.table.AddName(m.ts.SymbolName(name), cgf.closure)
		if name == m.symMain {
			mainClo = cgf.closure
		}
		m.cgfuncs = append(m.cgfuncs, cgf)
	}

	if mainClo == 0 {
		return 0, fmt.Errorf("codegen: main not defined")
	}

	m.vector = m.table.Finalize()

	for _, cgf := range m.cgfuncs {
		if err := cgf.compileFunction(); err != nil {
			return 0, err
		}
	}

	return mainClo, nil
}

func (m *CGModule) lookupGlobal(name value.Value) int64 {
	return m.table.LookupName(m.ts.SymbolName(name))
}
