// threshold.go — constant folding for threshold expressions (spec.md §4.4.4).
//
// Thresholds are evaluated independently of any Event: the measure side
// already produced a number (or a Value for min/max), and the threshold
// side must reduce to a constant. A threshold referencing a field or a
// non-constant function call must never silently compare against zero.
package expr

import "github.com/warpfusion/warpfusion/internal/value"

// TryFoldFloat attempts to reduce expr to a constant f64 by walking only
// Number literals, Neg, and pure arithmetic BinOps over numeric constants.
// Returns ok=false for anything else (field refs, calls, comparisons).
func TryFoldFloat(e Expr) (float64, bool) {
	switch n := e.(type) {
	case Number:
		return float64(n), true
	case Neg:
		v, ok := TryFoldFloat(n.X)
		if !ok {
			return 0, false
		}
		return -v, true
	case BinExpr:
		switch n.Op {
		case OpAdd, OpSub, OpMul, OpDiv, OpMod:
			l, lok := TryFoldFloat(n.Left)
			r, rok := TryFoldFloat(n.Right)
			if !lok || !rok {
				return 0, false
			}
			switch n.Op {
			case OpAdd:
				return l + r, true
			case OpSub:
				return l - r, true
			case OpMul:
				return l * r, true
			case OpDiv:
				if r == 0 {
					return 0, false
				}
				return l / r, true
			case OpMod:
				if r == 0 {
					return 0, false
				}
				return modFloat(l, r), true
			}
		}
		return 0, false
	default:
		return 0, false
	}
}

// TryFoldValue attempts to reduce expr to a constant Value: literals
// (Number/Str/Bool) plus everything TryFoldFloat handles.
func TryFoldValue(e Expr) (value.Value, bool) {
	switch n := e.(type) {
	case Number:
		return value.Number(float64(n)), true
	case StringLit:
		return value.Str(string(n)), true
	case BoolLit:
		return value.Bool(bool(n)), true
	default:
		if f, ok := TryFoldFloat(e); ok {
			return value.Number(f), true
		}
		return value.Value{}, false
	}
}
