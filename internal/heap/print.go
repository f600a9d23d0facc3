package heap

import (
	"fmt"
	"strings"

	"sanya/internal/value"
)

// DebugString renders a terse, address-bearing form used for trace and
// error diagnostics, grounded on original_source/object.cpp's
// Object::printToFd.
func (ts *ThreadState) DebugString(v value.Value) string {
	switch v.Tag() {
	case value.TagPair:
		return fmt.Sprintf("<Pair @%#x>", v.Untagged())
	case value.TagSymbol:
		return fmt.Sprintf("<Symbol %s>", ts.SymbolName(v))
	case value.TagSingleton:
		if v == value.Nil {
			return "<Nil>"
		}
		return fmt.Sprintf("<Unknown-singleton %#x>", uintptr(v))
	case value.TagFixnum:
		return fmt.Sprintf("<Fixnum %d>", v.Fixnum())
	case value.TagClosure:
		info := ts.ClosureInfo(v)
		if info == 0 {
			return fmt.Sprintf("<Semi-Closure %#x>", v.Untagged())
		}
		name := FuncName(info)
		return fmt.Sprintf("<Closure %s @%#x>", ts.DebugString(name), v.Untagged())
	case value.TagVector:
		return fmt.Sprintf("<Vector %#x>", v.Untagged())
	default:
		return fmt.Sprintf("<Unknown-ptr %#x>", uintptr(v))
	}
}

// Display renders read-syntax: what a sanya programmer would type to
// reproduce the value, grounded on object.cpp's Object::displayDetail /
// displayListDetail.
func (ts *ThreadState) Display(v value.Value) string {
	switch v.Tag() {
	case value.TagPair:
		var sb strings.Builder
		sb.WriteByte('(')
		ts.displayList(&sb, v)
		sb.WriteByte(')')
		return sb.String()
	case value.TagSymbol:
		return ts.SymbolName(v)
	case value.TagSingleton:
		switch v {
		case value.Nil:
			return "()"
		case value.True:
			return "#t"
		case value.False:
			return "#f"
		case value.Void:
			return "#<void>"
		default:
			return fmt.Sprintf("<Unknown-singleton %#x>", uintptr(v))
		}
	case value.TagFixnum:
		return fmt.Sprintf("%d", v.Fixnum())
	case value.TagClosure:
		info := ts.ClosureInfo(v)
		if info == 0 {
			return fmt.Sprintf("<Semi-Closure %#x>", v.Untagged())
		}
		return fmt.Sprintf("<Closure %s>", ts.Display(FuncName(info)))
	case value.TagVector:
		var sb strings.Builder
		sb.WriteString("(#")
		n := ts.VectorLen(v)
		for i := int64(0); i < n; i++ {
			sb.WriteByte(' ')
			sb.WriteString(ts.Display(ts.VectorAt(v, i)))
		}
		sb.WriteByte(')')
		return sb.String()
	default:
		return fmt.Sprintf("<Unknown-ptr %#x>", uintptr(v))
	}
}

func (ts *ThreadState) displayList(sb *strings.Builder, pair value.Value) {
	sb.WriteString(ts.Display(ts.PairCar(pair)))
	curr := ts.PairCdr(pair)
	for curr.IsPair() {
		sb.WriteByte(' ')
		sb.WriteString(ts.Display(ts.PairCar(curr)))
		curr = ts.PairCdr(curr)
	}
	if curr != value.Nil {
		sb.WriteString(" . ")
		sb.WriteString(ts.Display(curr))
	}
}
