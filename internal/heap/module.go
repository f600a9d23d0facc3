package heap

import "sanya/internal/value"

// Module is the module-scope global table (component D): an
// association of name to index plus a vector, indexed by those indices,
// holding the current closure for each top-level name. Grounded on
// original_source/codegen2.cpp's Module class. The name→index half is
// kept as host-side Go bookkeeping (see DESIGN.md's note on the
// assoc-list/growable-array layer); the index→closure half becomes a
// real heap Vector once Finalize is called, because the code generator
// bakes that vector's address into emitted code as a relocatable
// pointer immediate, and only a managed heap object can be found and
// patched by the collector.
type Module struct {
	ts       *ThreadState
	names    map[string]int64
	growable []value.Value

	// Vector is the finalized global table, valid only after Finalize.
	Vector value.Value
	handle *Handle
}

func NewModule(ts *ThreadState) *Module {
	return &Module{ts: ts, names: make(map[string]int64)}
}

// AddName implements spec.md 4.D's addName: overwrite the existing slot
// for name if one exists, else append a new one. Returns the index.
func (m *Module) AddName(name string, val value.Value) int64 {
	if ix, ok := m.names[name]; ok {
		m.growable[ix] = val
		return ix
	}
	ix := int64(len(m.growable))
	m.growable = append(m.growable, val)
	m.names[name] = ix
	return ix
}

// LookupName returns the index for name, or -1 if it has never been
// registered.
func (m *Module) LookupName(name string) int64 {
	if ix, ok := m.names[name]; ok {
		return ix
	}
	return -1
}

// Finalize trims the growable table into a real heap Vector and
// registers it as a permanent GC root, mirroring Module::getRoot /
// Util::arrayToVector. Must be called once, after every top-level name
// has been registered and before any function body is compiled (the
// code generator needs a stable vector to embed the address of).
func (m *Module) Finalize() value.Value {
	n := int64(len(m.growable))
	vec, ok := m.ts.NewVector(n, value.Nil)
	if !ok {
		panic("heap: out of memory finalizing module global table")
	}
	for i, v := range m.growable {
		m.ts.SetVectorAt(vec, int64(i), v)
	}
	m.Vector = vec
	m.handle = m.ts.NewHandle(vec)
	return vec
}

// Closure returns the current closure stored at index ix of the
// finalized global table.
func (m *Module) Closure(ix int64) value.Value {
	return m.ts.VectorAt(m.Vector, ix)
}
