// funcs.go — the built-in function library (spec.md §4.4.6, non-exhaustive
// list): string predicates, math, time, null handling, array/multivalue
// primitives, window-state lookups, and running baselines.
package expr

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warpfusion/warpfusion/internal/value"
)

// mvSep is the internal multivalue separator. Value stays a closed
// 3-variant sum type (spec.md §9), so multivalue fields are represented as
// a single Str joined on this separator rather than adding a 4th variant.
const mvSep = "\x1e"

func evalCall(n Call, env Env) (value.Value, bool) {
	switch n.Name {
	// --- string predicates ---
	case "contains":
		return strFn2(n, env, strings.Contains)
	case "startswith":
		return strFn2(n, env, strings.HasPrefix)
	case "endswith":
		return strFn2(n, env, strings.HasSuffix)
	case "lower":
		return strMap1(n, env, strings.ToLower)
	case "upper":
		return strMap1(n, env, strings.ToUpper)
	case "len":
		s, ok := arg1Str(n, env)
		if !ok {
			return value.Value{}, false
		}
		return value.Number(float64(len(s))), true
	case "substr":
		return evalSubstr(n, env)
	case "regex_match":
		return evalRegexMatch(n, env)

	// --- math ---
	case "abs":
		return numMap1(n, env, math.Abs)
	case "round":
		return numMap1(n, env, math.Round)
	case "sqrt":
		return numMap1(n, env, math.Sqrt)
	case "pow":
		return numFn2(n, env, math.Pow)
	case "log":
		return numMap1(n, env, math.Log)
	case "exp":
		return numMap1(n, env, math.Exp)
	case "sign":
		return numMap1(n, env, sign)
	case "trunc":
		return numMap1(n, env, math.Trunc)
	case "is_finite":
		f, ok := arg1Float(n, env)
		if !ok {
			return value.Value{}, false
		}
		return value.Bool(!math.IsInf(f, 0) && !math.IsNaN(f)), true
	case "clamp":
		return evalClamp(n, env)

	// --- time ---
	case "time_diff":
		return evalTimeDiff(n, env)
	case "time_bucket":
		return evalTimeBucket(n, env)
	case "strftime":
		return evalStrftime(n, env)
	case "strptime":
		return evalStrptime(n, env)

	// --- null handling ---
	case "coalesce":
		for _, a := range n.Args {
			if v, ok := Eval(a, env); ok {
				return v, true
			}
		}
		return value.Value{}, false
	case "isnull":
		if len(n.Args) != 1 {
			return value.Value{}, false
		}
		_, ok := Eval(n.Args[0], env)
		return value.Bool(!ok), true
	case "isnotnull":
		if len(n.Args) != 1 {
			return value.Value{}, false
		}
		_, ok := Eval(n.Args[0], env)
		return value.Bool(ok), true

	// --- array / multivalue primitives (see mvSep doc above) ---
	case "split":
		return evalSplit(n, env)
	case "mvcount":
		return evalMvcount(n, env)
	case "mvjoin":
		return evalMvjoin(n, env)
	case "mvdedup":
		return mvMap(n, env, mvDedup)
	case "mvindex":
		return evalMvindex(n, env)
	case "mvappend":
		return evalMvappend(n, env)
	case "mvsort":
		return mvMap(n, env, mvSort)
	case "mvreverse":
		return mvMap(n, env, mvReverse)

	// --- window-state lookup ---
	case "window.has":
		return evalWindowHas(n, env)

	// --- running baseline ---
	case "baseline":
		return evalBaseline(n, env)

	default:
		return value.Value{}, false
	}
}

func sign(f float64) float64 {
	switch {
	case f > 0:
		return 1
	case f < 0:
		return -1
	default:
		return 0
	}
}

func arg1Str(n Call, env Env) (string, bool) {
	if len(n.Args) != 1 {
		return "", false
	}
	v, ok := Eval(n.Args[0], env)
	if !ok {
		return "", false
	}
	return v.AsString()
}

func arg1Float(n Call, env Env) (float64, bool) {
	if len(n.Args) != 1 {
		return 0, false
	}
	v, ok := Eval(n.Args[0], env)
	if !ok {
		return 0, false
	}
	return v.AsFloat()
}

func strFn2(n Call, env Env, f func(a, b string) bool) (value.Value, bool) {
	if len(n.Args) != 2 {
		return value.Value{}, false
	}
	av, aok := Eval(n.Args[0], env)
	bv, bok := Eval(n.Args[1], env)
	if !aok || !bok {
		return value.Value{}, false
	}
	a, aok := av.AsString()
	b, bok := bv.AsString()
	if !aok || !bok {
		return value.Value{}, false
	}
	return value.Bool(f(a, b)), true
}

func strMap1(n Call, env Env, f func(string) string) (value.Value, bool) {
	s, ok := arg1Str(n, env)
	if !ok {
		return value.Value{}, false
	}
	return value.Str(f(s)), true
}

func numMap1(n Call, env Env, f func(float64) float64) (value.Value, bool) {
	x, ok := arg1Float(n, env)
	if !ok {
		return value.Value{}, false
	}
	return value.Number(f(x)), true
}

func numFn2(n Call, env Env, f func(a, b float64) float64) (value.Value, bool) {
	if len(n.Args) != 2 {
		return value.Value{}, false
	}
	av, aok := Eval(n.Args[0], env)
	bv, bok := Eval(n.Args[1], env)
	if !aok || !bok {
		return value.Value{}, false
	}
	a, aok := av.AsFloat()
	b, bok := bv.AsFloat()
	if !aok || !bok {
		return value.Value{}, false
	}
	return value.Number(f(a, b)), true
}

func evalSubstr(n Call, env Env) (value.Value, bool) {
	if len(n.Args) != 3 {
		return value.Value{}, false
	}
	sv, ok := Eval(n.Args[0], env)
	if !ok {
		return value.Value{}, false
	}
	s, ok := sv.AsString()
	if !ok {
		return value.Value{}, false
	}
	startV, ok := Eval(n.Args[1], env)
	if !ok {
		return value.Value{}, false
	}
	lenV, ok := Eval(n.Args[2], env)
	if !ok {
		return value.Value{}, false
	}
	startF, ok := startV.AsFloat()
	if !ok {
		return value.Value{}, false
	}
	lenF, ok := lenV.AsFloat()
	if !ok {
		return value.Value{}, false
	}
	start := int(startF)
	length := int(lenF)
	if start < 0 || start > len(s) || length < 0 {
		return value.Value{}, false
	}
	end := start + length
	if end > len(s) {
		end = len(s)
	}
	return value.Str(s[start:end]), true
}

var regexCache sync.Map // string -> *regexp.Regexp, compiled once per pattern seen

func compiledRegex(pattern string) (*regexp.Regexp, bool) {
	if re, ok := regexCache.Load(pattern); ok {
		return re.(*regexp.Regexp), true
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, false
	}
	regexCache.Store(pattern, re)
	return re, true
}

func evalRegexMatch(n Call, env Env) (value.Value, bool) {
	if len(n.Args) != 2 {
		return value.Value{}, false
	}
	sv, ok := Eval(n.Args[0], env)
	if !ok {
		return value.Value{}, false
	}
	s, ok := sv.AsString()
	if !ok {
		return value.Value{}, false
	}
	pv, ok := Eval(n.Args[1], env)
	if !ok {
		return value.Value{}, false
	}
	pattern, ok := pv.AsString()
	if !ok {
		return value.Value{}, false
	}
	re, ok := compiledRegex(pattern)
	if !ok {
		return value.Value{}, false
	}
	return value.Bool(re.MatchString(s)), true
}

func evalClamp(n Call, env Env) (value.Value, bool) {
	if len(n.Args) != 3 {
		return value.Value{}, false
	}
	xv, ok := Eval(n.Args[0], env)
	if !ok {
		return value.Value{}, false
	}
	lov, ok := Eval(n.Args[1], env)
	if !ok {
		return value.Value{}, false
	}
	hiv, ok := Eval(n.Args[2], env)
	if !ok {
		return value.Value{}, false
	}
	x, xok := xv.AsFloat()
	lo, lok := lov.AsFloat()
	hi, hok := hiv.AsFloat()
	if !xok || !lok || !hok {
		return value.Value{}, false
	}
	if x < lo {
		x = lo
	}
	if x > hi {
		x = hi
	}
	return value.Number(x), true
}

// evalTimeDiff returns (a-b) in seconds; a/b are Number fields holding
// nanoseconds-since-epoch (spec.md §3 time_field convention).
func evalTimeDiff(n Call, env Env) (value.Value, bool) {
	if len(n.Args) != 2 {
		return value.Value{}, false
	}
	av, aok := Eval(n.Args[0], env)
	bv, bok := Eval(n.Args[1], env)
	if !aok || !bok {
		return value.Value{}, false
	}
	a, aok := av.AsFloat()
	b, bok := bv.AsFloat()
	if !aok || !bok {
		return value.Value{}, false
	}
	return value.Number((a - b) / 1e9), true
}

// evalTimeBucket floors a nanosecond timestamp to the nearest
// bucket_seconds boundary, returned as nanoseconds.
func evalTimeBucket(n Call, env Env) (value.Value, bool) {
	if len(n.Args) != 2 {
		return value.Value{}, false
	}
	tsv, tok := Eval(n.Args[0], env)
	bv, bok := Eval(n.Args[1], env)
	if !tok || !bok {
		return value.Value{}, false
	}
	ts, tok := tsv.AsFloat()
	bucket, bok := bv.AsFloat()
	if !tok || !bok || bucket <= 0 {
		return value.Value{}, false
	}
	bucketNanos := bucket * 1e9
	return value.Number(math.Floor(ts/bucketNanos) * bucketNanos), true
}

// evalStrftime formats a nanosecond timestamp with a Go reference-time
// layout string (the layout argument is passed straight to time.Format).
func evalStrftime(n Call, env Env) (value.Value, bool) {
	if len(n.Args) != 2 {
		return value.Value{}, false
	}
	tsv, tok := Eval(n.Args[0], env)
	lv, lok := Eval(n.Args[1], env)
	if !tok || !lok {
		return value.Value{}, false
	}
	ts, tok := tsv.AsFloat()
	layout, lok := lv.AsString()
	if !tok || !lok {
		return value.Value{}, false
	}
	t := time.Unix(0, int64(ts)).UTC()
	return value.Str(t.Format(layout)), true
}

func evalStrptime(n Call, env Env) (value.Value, bool) {
	if len(n.Args) != 2 {
		return value.Value{}, false
	}
	sv, sok := Eval(n.Args[0], env)
	lv, lok := Eval(n.Args[1], env)
	if !sok || !lok {
		return value.Value{}, false
	}
	s, sok := sv.AsString()
	layout, lok := lv.AsString()
	if !sok || !lok {
		return value.Value{}, false
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return value.Value{}, false
	}
	return value.Number(float64(t.UnixNano())), true
}

func evalSplit(n Call, env Env) (value.Value, bool) {
	if len(n.Args) != 2 {
		return value.Value{}, false
	}
	sv, sok := Eval(n.Args[0], env)
	dv, dok := Eval(n.Args[1], env)
	if !sok || !dok {
		return value.Value{}, false
	}
	s, sok := sv.AsString()
	d, dok := dv.AsString()
	if !sok || !dok {
		return value.Value{}, false
	}
	parts := strings.Split(s, d)
	return value.Str(strings.Join(parts, mvSep)), true
}

func mvParts(v value.Value) ([]string, bool) {
	s, ok := v.AsString()
	if !ok {
		return nil, false
	}
	if s == "" {
		return nil, true
	}
	return strings.Split(s, mvSep), true
}

func evalMvcount(n Call, env Env) (value.Value, bool) {
	v, ok := arg1Value(n, env)
	if !ok {
		return value.Value{}, false
	}
	parts, ok := mvParts(v)
	if !ok {
		return value.Value{}, false
	}
	return value.Number(float64(len(parts))), true
}

func arg1Value(n Call, env Env) (value.Value, bool) {
	if len(n.Args) != 1 {
		return value.Value{}, false
	}
	return Eval(n.Args[0], env)
}

func evalMvjoin(n Call, env Env) (value.Value, bool) {
	if len(n.Args) != 2 {
		return value.Value{}, false
	}
	mv, mok := Eval(n.Args[0], env)
	sepV, sok := Eval(n.Args[1], env)
	if !mok || !sok {
		return value.Value{}, false
	}
	parts, ok := mvParts(mv)
	if !ok {
		return value.Value{}, false
	}
	sep, ok := sepV.AsString()
	if !ok {
		return value.Value{}, false
	}
	return value.Str(strings.Join(parts, sep)), true
}

func mvMap(n Call, env Env, f func([]string) []string) (value.Value, bool) {
	v, ok := arg1Value(n, env)
	if !ok {
		return value.Value{}, false
	}
	parts, ok := mvParts(v)
	if !ok {
		return value.Value{}, false
	}
	return value.Str(strings.Join(f(parts), mvSep)), true
}

func mvDedup(parts []string) []string {
	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func mvSort(parts []string) []string {
	out := append([]string(nil), parts...)
	sort.Strings(out)
	return out
}

func mvReverse(parts []string) []string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[len(parts)-1-i] = p
	}
	return out
}

func evalMvindex(n Call, env Env) (value.Value, bool) {
	if len(n.Args) != 2 {
		return value.Value{}, false
	}
	mv, mok := Eval(n.Args[0], env)
	iv, iok := Eval(n.Args[1], env)
	if !mok || !iok {
		return value.Value{}, false
	}
	parts, ok := mvParts(mv)
	if !ok {
		return value.Value{}, false
	}
	f, ok := iv.AsFloat()
	if !ok {
		return value.Value{}, false
	}
	idx := int(f)
	if idx < 0 {
		idx += len(parts)
	}
	if idx < 0 || idx >= len(parts) {
		return value.Value{}, false
	}
	return value.Str(parts[idx]), true
}

func evalMvappend(n Call, env Env) (value.Value, bool) {
	var all []string
	for _, a := range n.Args {
		v, ok := Eval(a, env)
		if !ok {
			return value.Value{}, false
		}
		parts, ok := mvParts(v)
		if !ok {
			return value.Value{}, false
		}
		all = append(all, parts...)
	}
	return value.Str(strings.Join(all, mvSep)), true
}

func evalWindowHas(n Call, env Env) (value.Value, bool) {
	if env.Window == nil || len(n.Args) < 1 || len(n.Args) > 2 {
		return value.Value{}, false
	}
	v, ok := Eval(n.Args[0], env)
	if !ok {
		return value.Value{}, false
	}
	field := ""
	if len(n.Args) == 2 {
		fv, ok := Eval(n.Args[1], env)
		if !ok {
			return value.Value{}, false
		}
		field, ok = fv.AsString()
		if !ok {
			return value.Value{}, false
		}
	}
	return value.Bool(env.Window.Has("", v, field)), true
}
