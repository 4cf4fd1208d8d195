// measure.go — branch transforms, measure accumulation, and threshold
// checks (spec.md §4.4.3/§4.4.4), mirroring update_measure/compute_measure/
// check_threshold from original_source/crates/wf-core/src/rule/match_engine.rs
// but delegating constant-folding and comparisons to internal/expr.
package engine

import (
	"math"

	"github.com/warpfusion/warpfusion/internal/expr"
	"github.com/warpfusion/warpfusion/internal/plan"
	"github.com/warpfusion/warpfusion/internal/value"
)

// evaluateStep walks a StepPlan's OR-branches in order, returning the first
// satisfied branch (first-match-wins, spec.md §4.4.3).
func evaluateStep(alias string, sp plan.StepPlan, ss *StepState, env expr.Env) (int, float64, bool) {
	for idx, branch := range sp.Branches {
		if branch.SourceAlias != alias {
			continue
		}
		if branch.Guard != nil && !expr.EvalGuard(branch.Guard, env) {
			continue
		}
		bs := ss.Branches[idx]
		var fieldVal value.Value
		var hasField bool
		if branch.HasField {
			fieldVal, hasField = env.Event.Field(branch.Field)
		}
		if !applyTransforms(branch.Agg.Transforms, fieldVal, hasField, bs) {
			continue
		}
		updateMeasure(branch.Agg.Measure, fieldVal, hasField, bs)
		if checkThreshold(branch.Agg, bs) {
			return idx, computeMeasure(branch.Agg.Measure, bs), true
		}
	}
	return 0, 0, false
}

// accumulateCloseSteps folds every close-step branch's aggregation state
// forward on every incoming event, using the permissive three-valued guard
// evaluation (event-time fields are absent until close, close_reason is
// absent until then) — spec.md §4.4.5, grounded on accumulate_close_steps.
func accumulateCloseSteps(alias string, steps []plan.StepPlan, states []*StepState, env expr.Env) {
	for stepIdx, sp := range steps {
		ss := states[stepIdx]
		for branchIdx, branch := range sp.Branches {
			if branch.SourceAlias != alias {
				continue
			}
			if branch.Guard != nil && !expr.EvalGuardPermissive(branch.Guard, env) {
				continue
			}
			bs := ss.Branches[branchIdx]
			var fieldVal value.Value
			var hasField bool
			if branch.HasField {
				fieldVal, hasField = env.Event.Field(branch.Field)
			}
			if !applyTransforms(branch.Agg.Transforms, fieldVal, hasField, bs) {
				continue
			}
			updateMeasure(branch.Agg.Measure, fieldVal, hasField, bs)
		}
	}
}

// evaluateCloseSteps checks every close step's already-accumulated state
// against its threshold at close time — no new accumulation happens here,
// the synthetic close event only supplies close_reason to guards.
func evaluateCloseSteps(steps []plan.StepPlan, states []*StepState, env expr.Env) (bool, []StepData) {
	closeOK := true
	data := make([]StepData, 0, len(steps))
	for stepIdx, sp := range steps {
		ss := states[stepIdx]
		idx, measureVal, ok := evaluateCloseStep(sp, ss, env)
		if ok {
			data = append(data, StepData{SatisfiedBranchIndex: idx, Label: sp.Branches[idx].Label, MeasureValue: measureVal})
		} else {
			closeOK = false
			data = append(data, StepData{})
		}
	}
	return closeOK, data
}

func evaluateCloseStep(sp plan.StepPlan, ss *StepState, env expr.Env) (int, float64, bool) {
	for idx, branch := range sp.Branches {
		if branch.Guard != nil && !expr.EvalGuardPermissive(branch.Guard, env) {
			continue
		}
		bs := ss.Branches[idx]
		if checkThreshold(branch.Agg, bs) {
			return idx, computeMeasure(branch.Agg.Measure, bs), true
		}
	}
	return 0, 0, false
}

func applyTransforms(transforms []plan.Transform, fieldVal value.Value, hasField bool, bs *BranchState) bool {
	for _, t := range transforms {
		if t == plan.TransformDistinct {
			if !hasField {
				return false
			}
			key := fieldVal.String()
			if _, seen := bs.DistinctSet[key]; seen {
				return false
			}
			bs.DistinctSet[key] = struct{}{}
		}
	}
	return true
}

func updateMeasure(measure plan.Measure, fieldVal value.Value, hasField bool, bs *BranchState) {
	var fnum float64
	var numOK bool
	if hasField {
		fnum, numOK = fieldVal.AsFloat()
	}
	switch measure {
	case plan.MeasureCount:
		bs.Count++
	case plan.MeasureSum:
		if numOK {
			bs.Sum += fnum
		}
	case plan.MeasureAvg:
		if numOK {
			bs.AvgSum += fnum
			bs.AvgCount++
		}
	case plan.MeasureMin:
		if numOK && fnum < bs.Min {
			bs.Min = fnum
		}
		updateOrderedVal(&bs.MinVal, fieldVal, hasField, -1)
	case plan.MeasureMax:
		if numOK && fnum > bs.Max {
			bs.Max = fnum
		}
		updateOrderedVal(&bs.MaxVal, fieldVal, hasField, 1)
	}
}

// updateOrderedVal replaces *cur with v when v precedes/follows the current
// value per wantSign (-1 for min, +1 for max). Cross-type comparisons
// return ok=false from value.Compare and are treated as "keep current" —
// this core never ranks a Number against a Str or Bool.
func updateOrderedVal(cur **value.Value, v value.Value, hasField bool, wantSign int) {
	if !hasField {
		return
	}
	if *cur == nil {
		vv := v
		*cur = &vv
		return
	}
	ord, ok := value.Compare(v, **cur)
	if !ok {
		return
	}
	if (wantSign < 0 && ord < 0) || (wantSign > 0 && ord > 0) {
		vv := v
		*cur = &vv
	}
}

func computeMeasure(measure plan.Measure, bs *BranchState) float64 {
	switch measure {
	case plan.MeasureCount:
		return float64(bs.Count)
	case plan.MeasureSum:
		return bs.Sum
	case plan.MeasureAvg:
		if bs.AvgCount == 0 {
			return 0
		}
		return bs.AvgSum / float64(bs.AvgCount)
	case plan.MeasureMin:
		return bs.Min
	case plan.MeasureMax:
		return bs.Max
	default:
		return 0
	}
}

// checkThreshold implements spec.md §4.4.4: constant-fold the threshold to
// a float first; fall back to the value-based accumulator only for
// Min/Max when the numeric accumulator is still at its +-inf seed (meaning
// every observed value was non-numeric); otherwise an unresolved threshold
// never silently matches.
func checkThreshold(agg plan.AggPlan, bs *BranchState) bool {
	measureVal := computeMeasure(agg.Measure, bs)
	if thresholdF, ok := expr.TryFoldFloat(agg.Threshold); ok {
		skipNumeric := (agg.Measure == plan.MeasureMin || agg.Measure == plan.MeasureMax) && math.IsInf(measureVal, 0)
		if !skipNumeric {
			return expr.CompareFloat(agg.Cmp, measureVal, thresholdF)
		}
	}
	switch agg.Measure {
	case plan.MeasureMin:
		return compareValueThreshold(agg.Cmp, bs.MinVal, agg.Threshold)
	case plan.MeasureMax:
		return compareValueThreshold(agg.Cmp, bs.MaxVal, agg.Threshold)
	default:
		return false
	}
}

func compareValueThreshold(cmp expr.CmpOp, cur *value.Value, threshold expr.Expr) bool {
	if cur == nil {
		return false
	}
	thresholdVal, ok := expr.TryFoldValue(threshold)
	if !ok || thresholdVal.Kind() != cur.Kind() {
		return false
	}
	ord, ok := value.Compare(*cur, thresholdVal)
	if !ok {
		return false
	}
	switch cmp {
	case expr.CmpEq:
		return ord == 0
	case expr.CmpNe:
		return ord != 0
	case expr.CmpLt:
		return ord < 0
	case expr.CmpGt:
		return ord > 0
	case expr.CmpLe:
		return ord <= 0
	case expr.CmpGe:
		return ord >= 0
	default:
		return false
	}
}
