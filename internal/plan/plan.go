// plan.go — the compiled-rule intermediate representation (spec.md §3).
//
// A MatchPlan is produced by the (excluded) WFL/WFS compiler frontend and
// handed to this core as an already-compiled value; this package never
// parses rule source text, only holds the IR and a handful of pure
// accessors the engine needs.
package plan

import (
	"time"

	"github.com/warpfusion/warpfusion/internal/expr"
)

// WindowSpec is a closed sum type: Sliding(duration) | Fixed(duration) | Session(gap).
type WindowSpec interface {
	isWindowSpec()
	Duration() time.Duration
}

type SlidingWindow struct{ Over time.Duration }

func (SlidingWindow) isWindowSpec()             {}
func (w SlidingWindow) Duration() time.Duration { return w.Over }

// FixedWindow buckets instances into non-overlapping aligned spans of Over
// (see SPEC_FULL.md §4.9).
type FixedWindow struct{ Over time.Duration }

func (FixedWindow) isWindowSpec()             {}
func (w FixedWindow) Duration() time.Duration { return w.Over }

// SessionWindow closes an instance after Gap of inactivity rather than a
// fixed span from creation (see SPEC_FULL.md §4.9).
type SessionWindow struct{ Gap time.Duration }

func (SessionWindow) isWindowSpec()             {}
func (w SessionWindow) Duration() time.Duration { return w.Gap }

// Measure is the single-pass aggregator a branch's threshold is checked against.
type Measure uint8

const (
	MeasureCount Measure = iota
	MeasureSum
	MeasureAvg
	MeasureMin
	MeasureMax
)

// Transform is a pre-measure filter applied to a branch's field values.
// Distinct is the only variant this core implements (spec.md §3 glossary).
type Transform uint8

const (
	TransformDistinct Transform = iota
)

// KeyRef identifies one logical scope-key field: either a bare field name
// resolvable against any alias, or bound to one specific (alias, field).
type KeyRef struct {
	Alias string // empty => resolvable against any incoming alias
	Field string
}

// AggPlan is the transform/measure/threshold triple a branch checks on
// every incoming event.
type AggPlan struct {
	Transforms []Transform
	Measure    Measure
	Cmp        expr.CmpOp
	Threshold  expr.Expr
}

// BranchPlan is one OR-alternative within a StepPlan.
type BranchPlan struct {
	Label       string // optional, for diagnostics/yield labeling
	SourceAlias string
	Field       string // optional field selector; empty means no field extraction
	HasField    bool
	Guard       expr.Expr // optional; nil means "always true"
	Agg         AggPlan
}

// StepPlan holds a non-empty list of OR-branches evaluated in order.
type StepPlan struct {
	Branches []BranchPlan
}

// OnExceed is the shared policy applied when any LimitsPlan control is
// exceeded (spec.md §4.4.7).
type OnExceed uint8

const (
	OnExceedThrottle OnExceed = iota
	OnExceedDropOldest
	OnExceedFailRule
)

// LimitsPlan carries the four independent admission/rate controls.
type LimitsPlan struct {
	MaxInstances   int64 // 0 = unbounded
	MaxMemoryBytes int64 // 0 = unbounded
	MaxThrottle    ThrottleSpec
	OnExceed       OnExceed
}

// ThrottleSpec is the emit-rate limit (Count per PerDuration) shared by the
// matched-event and matched-close paths of one rule; internal/rate enforces
// it with a token bucket, not a sliding window.
type ThrottleSpec struct {
	Count       int64
	PerDuration time.Duration
}

// Enabled reports whether this throttle spec actually bounds anything.
func (t ThrottleSpec) Enabled() bool { return t.Count > 0 && t.PerDuration > 0 }

// MatchPlan is the complete compiled form of one rule.
type MatchPlan struct {
	RuleName    string
	Keys        []KeyRef
	WindowSpec  WindowSpec
	EventSteps  []StepPlan
	CloseSteps  []StepPlan
	Limits      LimitsPlan
	YieldTarget string
	YieldFields []YieldFieldPlan // ordered (name, Expr) pairs, resolved the same env as EntityID/Score
	EntityType  string
	EntityID    expr.Expr // resolved against the matching event/synthetic close event
	Score       expr.Expr // optional; nil means a fixed default score
}

// YieldFieldPlan is one ordered (name, value-expr) pair of a rule's yield
// clause (spec.md §3 OutputRecord.yield_fields).
type YieldFieldPlan struct {
	Name  string
	Value expr.Expr
}

// HasCloseSteps reports whether this plan's second evaluation phase exists.
func (p *MatchPlan) HasCloseSteps() bool { return len(p.CloseSteps) > 0 }

// WindowSpan returns the plan's window duration, used by scan_expired to
// compute event_time - created_at >= WindowSpan.
func (p *MatchPlan) WindowSpan() time.Duration {
	if p.WindowSpec == nil {
		return 0
	}
	return p.WindowSpec.Duration()
}
