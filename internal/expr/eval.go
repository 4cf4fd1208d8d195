// eval.go — the recursive expression evaluator (spec.md §4.4.6).
//
// Eval returns (value, ok). ok=false means "unresolved" (missing field,
// type mismatch, divide-by-zero, unsupported function) — callers must
// treat unresolved as "unknown", never silently coerce to a default.
package expr

import (
	"math"

	"github.com/warpfusion/warpfusion/internal/value"
	"github.com/warpfusion/warpfusion/internal/wfevent"
)

// WindowLookup backs the window.has() built-in: a read-only view into a
// window's recent values, injected by the engine per rule.
type WindowLookup interface {
	Has(window string, v value.Value, field string) bool
}

// Env carries everything Eval needs beyond the expression tree itself.
type Env struct {
	Event     wfevent.Event
	NowNanos  int64
	Window    WindowLookup
	Baselines *BaselineStore
}

// Eval walks expr against env.Event (and the rest of env for built-ins).
func Eval(e Expr, env Env) (value.Value, bool) {
	switch n := e.(type) {
	case Number:
		return value.Number(float64(n)), true
	case StringLit:
		return value.Str(string(n)), true
	case BoolLit:
		return value.Bool(bool(n)), true
	case Field:
		v, ok := env.Event.Field(n.Name)
		return v, ok
	case Neg:
		v, ok := Eval(n.X, env)
		if !ok {
			return value.Value{}, false
		}
		f, ok := v.AsFloat()
		if !ok {
			return value.Value{}, false
		}
		return value.Number(-f), true
	case BinExpr:
		return evalBinOp(n, env)
	case InList:
		return evalInList(n, env)
	case Call:
		return evalCall(n, env)
	default:
		return value.Value{}, false
	}
}

func evalBinOp(n BinExpr, env Env) (value.Value, bool) {
	switch n.Op {
	case OpAnd:
		return threeValued(n.Left, n.Right, env, false)
	case OpOr:
		return threeValued(n.Left, n.Right, env, true)
	case OpEq, OpNe, OpLt, OpGt, OpLe, OpGe:
		lv, lok := Eval(n.Left, env)
		rv, rok := Eval(n.Right, env)
		if !lok || !rok {
			return value.Value{}, false
		}
		ok := compareValues(n.Op, lv, rv)
		return value.Bool(ok), true
	case OpAdd, OpSub, OpMul, OpDiv, OpMod:
		lv, lok := Eval(n.Left, env)
		rv, rok := Eval(n.Right, env)
		if !lok || !rok {
			return value.Value{}, false
		}
		lf, lok := lv.AsFloat()
		rf, rok := rv.AsFloat()
		if !lok || !rok {
			return value.Value{}, false
		}
		switch n.Op {
		case OpAdd:
			return value.Number(lf + rf), true
		case OpSub:
			return value.Number(lf - rf), true
		case OpMul:
			return value.Number(lf * rf), true
		case OpDiv:
			if rf == 0 {
				return value.Value{}, false
			}
			return value.Number(lf / rf), true
		case OpMod:
			if rf == 0 {
				return value.Value{}, false
			}
			return value.Number(modFloat(lf, rf)), true
		}
	}
	return value.Value{}, false
}

// modFloat returns a non-negative remainder (unlike math.Mod, which keeps
// the sign of a) so Mod thresholds behave the same regardless of operand sign.
func modFloat(a, b float64) float64 {
	m := math.Mod(a, b)
	if m < 0 {
		m += math.Abs(b)
	}
	return m
}

// threeValued implements the truth table of spec.md §4.4.6: both sides are
// always evaluated (no short-circuit — essential for close-step guards
// mixing event-time and close-time predicates).
func threeValued(left, right Expr, env Env, isOr bool) (value.Value, bool) {
	lv, lok := Eval(left, env)
	rv, rok := Eval(right, env)
	lb, lbok := asBool(lv, lok)
	rb, rbok := asBool(rv, rok)

	if isOr {
		if lbok && lb {
			return value.Bool(true), true
		}
		if rbok && rb {
			return value.Bool(true), true
		}
		if lbok && rbok && !lb && !rb {
			return value.Bool(false), true
		}
		return value.Value{}, false
	}

	if lbok && !lb {
		return value.Bool(false), true
	}
	if rbok && !rb {
		return value.Bool(false), true
	}
	if lbok && rbok && lb && rb {
		return value.Bool(true), true
	}
	return value.Value{}, false
}

func asBool(v value.Value, ok bool) (bool, bool) {
	if !ok {
		return false, false
	}
	return v.AsBool()
}

func compareValues(op BinOp, lv, rv value.Value) bool {
	if lv.Kind() != rv.Kind() {
		return false
	}
	switch lv.Kind() {
	case value.KindBool:
		lb, _ := lv.AsBool()
		rb, _ := rv.AsBool()
		switch op {
		case OpEq:
			return lb == rb
		case OpNe:
			return lb != rb
		default:
			return false // full ordering only defined for Number/Str
		}
	default:
		ord, ok := value.Compare(lv, rv)
		if !ok {
			return false
		}
		switch op {
		case OpEq:
			return ord == 0
		case OpNe:
			return ord != 0
		case OpLt:
			return ord < 0
		case OpGt:
			return ord > 0
		case OpLe:
			return ord <= 0
		case OpGe:
			return ord >= 0
		default:
			return false
		}
	}
}

func evalInList(n InList, env Env) (value.Value, bool) {
	target, ok := Eval(n.Target, env)
	if !ok {
		return value.Value{}, false
	}
	found := false
	for _, item := range n.List {
		iv, ok := Eval(item, env)
		if ok && value.Equal(target, iv) {
			found = true
			break
		}
	}
	if n.Negated {
		found = !found
	}
	return value.Bool(found), true
}

// EvalGuard evaluates a guard and reports whether it is exactly Bool(true).
// Used by event-step branch evaluation (spec.md §4.4.2): any non-true
// result (unresolved, false, or non-bool) means "skip this branch".
func EvalGuard(g Expr, env Env) bool {
	if g == nil {
		return true
	}
	v, ok := Eval(g, env)
	if !ok {
		return false
	}
	b, ok := v.AsBool()
	return ok && b
}

// EvalGuardPermissive implements the close-step guard semantics of
// spec.md §4.4.5: unresolved ("None") is treated as pass; only an
// explicit Bool(false) blocks.
func EvalGuardPermissive(g Expr, env Env) bool {
	if g == nil {
		return true
	}
	v, ok := Eval(g, env)
	if !ok {
		return true
	}
	b, ok := v.AsBool()
	if !ok {
		return true
	}
	return b
}
