package engine

import (
	"testing"

	"github.com/warpfusion/warpfusion/internal/expr"
	"github.com/warpfusion/warpfusion/internal/plan"
	"github.com/warpfusion/warpfusion/internal/rate"
	"github.com/warpfusion/warpfusion/internal/value"
	"github.com/warpfusion/warpfusion/internal/wfevent"
)

func noLimitMachine(ruleName string, p *plan.MatchPlan) *Machine {
	return NewMachine(ruleName, p, rate.New(plan.ThrottleSpec{}), nil)
}

func countPlan(threshold float64, transforms ...plan.Transform) *plan.MatchPlan {
	return &plan.MatchPlan{
		RuleName: "r",
		Keys:     []plan.KeyRef{{Field: "user"}},
		EventSteps: []plan.StepPlan{{
			Branches: []plan.BranchPlan{{
				SourceAlias: "a",
				Field:       "item",
				HasField:    true,
				Agg: plan.AggPlan{
					Transforms: transforms,
					Measure:    plan.MeasureCount,
					Cmp:        expr.CmpGe,
					Threshold:  expr.Number(threshold),
				},
			}},
		}},
	}
}

func TestThresholdExactMatch(t *testing.T) {
	m := noLimitMachine("r", countPlan(1))
	ev := wfevent.Event{"user": value.Str("u1"), "item": value.Number(1)}
	res := m.Advance("a", ev, 100)
	if res.Kind != Matched {
		t.Fatalf("expected Matched, got %v", res.Kind)
	}
	if res.Matched.ScopeKey[0].String() != "u1" {
		t.Errorf("unexpected scope key: %+v", res.Matched.ScopeKey)
	}
}

func TestPerKeyIsolation(t *testing.T) {
	m := noLimitMachine("r", countPlan(2))
	u1a := wfevent.Event{"user": value.Str("u1"), "item": value.Number(1)}
	u2a := wfevent.Event{"user": value.Str("u2"), "item": value.Number(1)}

	if res := m.Advance("a", u1a, 1); res.Kind != Accumulate {
		t.Fatalf("u1 first event: expected Accumulate, got %v", res.Kind)
	}
	if res := m.Advance("a", u2a, 2); res.Kind != Accumulate {
		t.Fatalf("u2 first event: expected Accumulate, got %v", res.Kind)
	}
	if m.InstanceCount() != 2 {
		t.Fatalf("expected 2 isolated instances, got %d", m.InstanceCount())
	}
	if res := m.Advance("a", u1a, 3); res.Kind != Matched {
		t.Fatalf("u1 second event: expected Matched, got %v", res.Kind)
	}
	// u1's instance resets in place rather than being destroyed (spec.md
	// §4.4.1 step 9), so both instances remain live; u2's state must be
	// untouched by u1's completion.
	if m.InstanceCount() != 2 {
		t.Fatalf("expected both instances to remain live after u1's match, got %d instances", m.InstanceCount())
	}
	// u1's instance must have actually reset: a third event should need to
	// build the count from zero again, not complete immediately.
	if res := m.Advance("a", u1a, 4); res.Kind != Accumulate {
		t.Fatalf("u1 after reset: expected a fresh Accumulate, got %v", res.Kind)
	}
}

func TestDistinctTransformDedupes(t *testing.T) {
	m := noLimitMachine("r", countPlan(2, plan.TransformDistinct))
	dup := wfevent.Event{"user": value.Str("u1"), "item": value.Str("x")}

	if res := m.Advance("a", dup, 1); res.Kind != Accumulate {
		t.Fatalf("first occurrence: expected Accumulate, got %v", res.Kind)
	}
	if res := m.Advance("a", dup, 2); res.Kind != Accumulate {
		t.Fatalf("duplicate item must not advance the count, got %v", res.Kind)
	}
	distinct := wfevent.Event{"user": value.Str("u1"), "item": value.Str("y")}
	if res := m.Advance("a", distinct, 3); res.Kind != Matched {
		t.Fatalf("distinct second item: expected Matched, got %v", res.Kind)
	}
}

func closeStepMissingPlan() *plan.MatchPlan {
	return &plan.MatchPlan{
		RuleName:   "r",
		Keys:       []plan.KeyRef{{Field: "user"}},
		WindowSpec: plan.SlidingWindow{Over: 1000},
		EventSteps: []plan.StepPlan{{
			Branches: []plan.BranchPlan{{
				SourceAlias: "a",
				Field:       "item",
				HasField:    true,
				Agg: plan.AggPlan{
					Measure:   plan.MeasureCount,
					Cmp:       expr.CmpGe,
					Threshold: expr.Number(1),
				},
			}},
		}},
		// Responses arrive on their own alias, so request events on "a"
		// never feed the close step's count.
		CloseSteps: []plan.StepPlan{{
			Branches: []plan.BranchPlan{{
				SourceAlias: "resp",
				Field:       "response",
				HasField:    true,
				Agg: plan.AggPlan{
					Measure:   plan.MeasureCount,
					Cmp:       expr.CmpGe,
					Threshold: expr.Number(1),
				},
			}},
		}},
	}
}

func TestCloseStepMissingResponse(t *testing.T) {
	m := noLimitMachine("r", closeStepMissingPlan())
	ev := wfevent.Event{"user": value.Str("u1"), "item": value.Number(1)}
	res := m.Advance("a", ev, 100)
	if res.Kind != Advance {
		t.Fatalf("event step satisfied with close steps pending: expected Advance, got %v", res.Kind)
	}
	out, ok := m.Close([]value.Value{value.Str("u1")}, Timeout)
	if !ok {
		t.Fatal("expected a live instance to close")
	}
	if !out.EventOK {
		t.Error("expected EventOK true (event phase completed)")
	}
	if out.CloseOK {
		t.Error("expected CloseOK false: the response field never arrived")
	}
}

func TestMaxInstancesDropOldest(t *testing.T) {
	p := countPlan(100) // threshold unreachable within the test: instances stay pending
	p.Limits = plan.LimitsPlan{MaxInstances: 2, OnExceed: plan.OnExceedDropOldest}
	m := noLimitMachine("r", p)

	m.Advance("a", wfevent.Event{"user": value.Str("u1"), "item": value.Number(1)}, 10)
	m.Advance("a", wfevent.Event{"user": value.Str("u2"), "item": value.Number(1)}, 20)
	if m.InstanceCount() != 2 {
		t.Fatalf("expected 2 instances before eviction, got %d", m.InstanceCount())
	}

	m.Advance("a", wfevent.Event{"user": value.Str("u3"), "item": value.Number(1)}, 30)
	if m.InstanceCount() != 2 {
		t.Fatalf("expected eviction to keep instance count at 2, got %d", m.InstanceCount())
	}
	if _, ok := m.Close([]value.Value{value.Str("u1")}, Flush); ok {
		t.Error("expected u1 (oldest) to have been evicted by DropOldest")
	}
	if _, ok := m.Close([]value.Value{value.Str("u2")}, Flush); !ok {
		t.Error("expected u2 to survive eviction")
	}
}

func TestFailRuleStopsAllFutureAdvances(t *testing.T) {
	p := countPlan(1)
	p.Limits = plan.LimitsPlan{MaxInstances: 1, OnExceed: plan.OnExceedFailRule}
	m := noLimitMachine("r", p)

	m.Advance("a", wfevent.Event{"user": value.Str("u1"), "item": value.Number(1)}, 10)
	res := m.Advance("a", wfevent.Event{"user": value.Str("u2"), "item": value.Number(1)}, 20)
	if res.Kind != Accumulate {
		t.Fatalf("second key over max_instances with FailRule: expected Accumulate, got %v", res.Kind)
	}
	if !m.Failed() {
		t.Fatal("expected the machine to be marked failed")
	}
	res = m.Advance("a", wfevent.Event{"user": value.Str("u1"), "item": value.Number(1)}, 30)
	if res.Kind != Accumulate {
		t.Fatalf("failed machine must short-circuit to Accumulate, got %v", res.Kind)
	}
}

func TestScanExpiredClosesSlidingWindowInstances(t *testing.T) {
	p := closeStepMissingPlan()
	m := noLimitMachine("r", p)
	m.Advance("a", wfevent.Event{"user": value.Str("u1"), "item": value.Number(1)}, 100)
	m.Advance("a", wfevent.Event{"user": value.Str("u2"), "item": value.Number(1)}, 50)

	// Advance the watermark past u2's deadline (created_at 50 + span 1000)
	// but not yet past u1's (created_at 100 + span 1000).
	m.Advance("a", wfevent.Event{"user": value.Str("u3"), "item": value.Number(1)}, 1060)

	out := m.ScanExpired()
	if len(out) != 1 || out[0].ScopeKey[0].String() != "u2" {
		t.Fatalf("expected only u2 to have expired, got %+v", out)
	}
}

func TestCloseAllDrainsEveryInstanceInDeterministicOrder(t *testing.T) {
	m := noLimitMachine("r", countPlan(100))
	m.Advance("a", wfevent.Event{"user": value.Str("ub"), "item": value.Number(1)}, 20)
	m.Advance("a", wfevent.Event{"user": value.Str("ua"), "item": value.Number(1)}, 10)

	out := m.CloseAll(Eos)
	if len(out) != 2 {
		t.Fatalf("expected 2 closed instances, got %d", len(out))
	}
	if out[0].ScopeKey[0].String() != "ua" || out[1].ScopeKey[0].String() != "ub" {
		t.Fatalf("expected created_at order (ua, ub), got (%v, %v)", out[0].ScopeKey, out[1].ScopeKey)
	}
	if m.InstanceCount() != 0 {
		t.Error("expected CloseAll to drain every instance")
	}
}

func TestCloseReasonString(t *testing.T) {
	cases := map[CloseReason]string{Timeout: "timeout", Flush: "flush", Eos: "eos"}
	for reason, want := range cases {
		if got := reason.String(); got != want {
			t.Errorf("CloseReason(%d).String() = %q, want %q", reason, got, want)
		}
	}
}
