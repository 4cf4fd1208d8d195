// engine.go — the CEP state machine (spec.md §4.4, the core of the core).
//
// Grounded on original_source/crates/wf-core/src/rule/match_engine.rs
// (CepStateMachine::advance/close/scan_expired, evaluate_step,
// accumulate_close_steps, evaluate_close_steps, check_threshold):
// the same four-phase shape (scope-key extraction, close-step
// accumulation, event-step evaluation, completion policy) translated to
// Go, extended with the limits/rate/on_exceed machinery of spec.md §4.4.7
// and §4.4.1 step 4 (the Rust reference never built admission control).
package engine

import (
	"math"
	"sort"

	"github.com/warpfusion/warpfusion/internal/expr"
	"github.com/warpfusion/warpfusion/internal/plan"
	"github.com/warpfusion/warpfusion/internal/rate"
	"github.com/warpfusion/warpfusion/internal/value"
	"github.com/warpfusion/warpfusion/internal/wfevent"
)

// scopeKeySep matches the Rust reference's instance-key join separator.
const scopeKeySep = "\x1f"

// StepResultKind is the closed 3-variant outcome of Advance.
type StepResultKind uint8

const (
	Accumulate StepResultKind = iota
	Advance
	Matched
)

// StepData is a per-step snapshot captured when a step is satisfied.
type StepData struct {
	SatisfiedBranchIndex int
	Label                string
	MeasureValue         float64
}

// MatchedContext is returned when a full event-step match fires.
type MatchedContext struct {
	RuleName string
	ScopeKey []value.Value
	StepData []StepData
}

// StepResult is the exhaustive return value of Advance.
type StepResult struct {
	Kind    StepResultKind
	Matched *MatchedContext
}

// CloseReason is why an instance was closed.
type CloseReason uint8

const (
	Timeout CloseReason = iota
	Flush
	Eos
)

func (r CloseReason) String() string {
	switch r {
	case Timeout:
		return "timeout"
	case Flush:
		return "flush"
	case Eos:
		return "eos"
	default:
		return "unknown"
	}
}

// CloseOutput is produced when an instance is closed (timeout, flush, or eos).
type CloseOutput struct {
	RuleName    string
	ScopeKey    []value.Value
	CloseReason CloseReason
	// FiredAtNanos is the logical close time: created_at + window_span for
	// a Timeout (spec.md §4.4.8, independent of scan cadence or batch
	// size), last_event_nanos for Flush/Eos.
	FiredAtNanos  int64
	EventOK       bool
	CloseOK       bool
	EventStepData []StepData
	CloseStepData []StepData
	// RateAllowed reports whether the shared emit-rate limiter admitted
	// this close (spec.md §4.4.5 step 5). A dispatcher must not emit an
	// alert for a CloseOutput with RateAllowed == false.
	RateAllowed bool
}

// BranchState holds all aggregation accumulators for one branch.
type BranchState struct {
	Count       int64
	Sum         float64
	Min, Max    float64
	MinVal      *value.Value
	MaxVal      *value.Value
	AvgSum      float64
	AvgCount    int64
	DistinctSet map[string]struct{}
}

func newBranchState() *BranchState {
	return &BranchState{
		Min:         math.Inf(1),
		Max:         math.Inf(-1),
		DistinctSet: make(map[string]struct{}),
	}
}

// StepState holds the BranchState for every branch of one step.
type StepState struct {
	Branches []*BranchState
}

func newStepState(branchCount int) *StepState {
	bs := make([]*BranchState, branchCount)
	for i := range bs {
		bs[i] = newBranchState()
	}
	return &StepState{Branches: bs}
}

// Instance is a live state-machine instance keyed by scope key (spec.md §3).
type Instance struct {
	ScopeKey        []value.Value
	CreatedAtNanos  int64
	LastEventNanos  int64
	CurrentStep     int
	EventOK         bool
	StepStates      []*StepState
	CloseStepStates []*StepState
	CompletedSteps  []StepData
	Baselines       *expr.BaselineStore
}

func newInstance(p *plan.MatchPlan, scopeKey []value.Value, eventTimeNanos int64) *Instance {
	stepStates := make([]*StepState, len(p.EventSteps))
	for i, sp := range p.EventSteps {
		stepStates[i] = newStepState(len(sp.Branches))
	}
	closeStates := make([]*StepState, len(p.CloseSteps))
	for i, sp := range p.CloseSteps {
		closeStates[i] = newStepState(len(sp.Branches))
	}
	return &Instance{
		ScopeKey:        scopeKey,
		CreatedAtNanos:  eventTimeNanos,
		LastEventNanos:  eventTimeNanos,
		StepStates:      stepStates,
		CloseStepStates: closeStates,
		Baselines:       expr.NewBaselineStore(),
	}
}

// estimatedInstanceBytes is the fixed per-instance memory cost used by
// max_memory_bytes admission (spec.md §4.4.7: "the sum of estimated
// instance bytes including the new instance's base cost"). The Rust
// reference never implemented this control; this is a reasonable flat
// estimate rather than a live introspection of accumulator sizes.
const estimatedInstanceBytes = 512

// Machine is the per-rule CEP state machine. Not safe for concurrent use:
// spec.md §5 gives each rule task exclusive ownership of its own instance
// map, so Machine carries no internal locking.
type Machine struct {
	ruleName      string
	plan          *plan.MatchPlan
	instances     map[string]*Instance
	failed        bool
	watermarkNs   int64
	limiter       *rate.Limiter
	window        expr.WindowLookup
}

// WindowLookup backs window.has(); nil disables the built-in for this rule.
func NewMachine(ruleName string, p *plan.MatchPlan, limiter *rate.Limiter, window expr.WindowLookup) *Machine {
	return &Machine{
		ruleName:  ruleName,
		plan:      p,
		instances: make(map[string]*Instance),
		limiter:   limiter,
		window:    window,
	}
}

// InstanceCount returns the number of live per-key instances.
func (m *Machine) InstanceCount() int { return len(m.instances) }

// Failed reports whether this machine has tripped FailRule.
func (m *Machine) Failed() bool { return m.failed }

func stringifyScopeKey(key []value.Value) string {
	parts := make([]string, len(key))
	for i, v := range key {
		parts[i] = v.String()
	}
	joined := ""
	for i, p := range parts {
		if i > 0 {
			joined += scopeKeySep
		}
		joined += p
	}
	return joined
}

// extractScopeKey resolves the plan's key fields against the incoming
// event. Keys bound to a different alias are inherited from an existing
// instance whose already-resolved keys match (best-effort: the Rust
// reference never implemented multi-alias key binding at all).
func (m *Machine) extractScopeKey(alias string, ev wfevent.Event) ([]value.Value, bool) {
	keys := make([]value.Value, len(m.plan.Keys))
	needsInherit := make([]bool, len(m.plan.Keys))
	anyInherit := false
	for i, k := range m.plan.Keys {
		if k.Alias == "" || k.Alias == alias {
			v, ok := ev.Field(k.Field)
			if !ok {
				return nil, false
			}
			keys[i] = v
			continue
		}
		needsInherit[i] = true
		anyInherit = true
	}
	if !anyInherit {
		return keys, true
	}
	for _, inst := range m.instances {
		matches := true
		for i, inh := range needsInherit {
			if inh {
				continue
			}
			if !value.Equal(inst.ScopeKey[i], keys[i]) {
				matches = false
				break
			}
		}
		if matches {
			for i, inh := range needsInherit {
				if inh {
					keys[i] = inst.ScopeKey[i]
				}
			}
			return keys, true
		}
	}
	return nil, false
}

// Advance implements the top-level advance protocol of spec.md §4.4.1.
func (m *Machine) Advance(alias string, ev wfevent.Event, eventTimeNanos int64) StepResult {
	if m.failed {
		return StepResult{Kind: Accumulate}
	}
	if eventTimeNanos > m.watermarkNs {
		m.watermarkNs = eventTimeNanos
	}

	scopeKey, ok := m.extractScopeKey(alias, ev)
	if !ok {
		return StepResult{Kind: Accumulate}
	}
	keyStr := stringifyScopeKey(scopeKey)

	inst, exists := m.instances[keyStr]
	if !exists {
		if !m.admitNewInstance() {
			return StepResult{Kind: Accumulate}
		}
		inst = newInstance(m.plan, scopeKey, eventTimeNanos)
		m.instances[keyStr] = inst
	}
	inst.LastEventNanos = eventTimeNanos
	if _, isSession := m.plan.WindowSpec.(plan.SessionWindow); isSession {
		inst.CreatedAtNanos = eventTimeNanos
	}

	env := expr.Env{Event: ev, NowNanos: eventTimeNanos, Window: m.window, Baselines: inst.Baselines}

	if m.plan.HasCloseSteps() {
		accumulateCloseSteps(alias, m.plan.CloseSteps, inst.CloseStepStates, env)
	}

	if inst.EventOK {
		return StepResult{Kind: Accumulate}
	}
	if inst.CurrentStep >= len(m.plan.EventSteps) {
		return StepResult{Kind: Accumulate}
	}

	stepPlan := m.plan.EventSteps[inst.CurrentStep]
	stepState := inst.StepStates[inst.CurrentStep]
	branchIdx, measureVal, ok := evaluateStep(alias, stepPlan, stepState, env)
	if !ok {
		return StepResult{Kind: Accumulate}
	}

	inst.CompletedSteps = append(inst.CompletedSteps, StepData{
		SatisfiedBranchIndex: branchIdx,
		Label:                stepPlan.Branches[branchIdx].Label,
		MeasureValue:         measureVal,
	})
	inst.CurrentStep++

	if inst.CurrentStep < len(m.plan.EventSteps) {
		return StepResult{Kind: Advance}
	}

	if m.plan.HasCloseSteps() {
		inst.EventOK = true
		return StepResult{Kind: Advance}
	}

	if !m.gateEmit() {
		inst.reset(m.plan, eventTimeNanos)
		return StepResult{Kind: Accumulate}
	}
	ctx := &MatchedContext{
		RuleName: m.ruleName,
		ScopeKey: scopeKey,
		StepData: append([]StepData(nil), inst.CompletedSteps...),
	}
	inst.reset(m.plan, eventTimeNanos)
	return StepResult{Kind: Matched, Matched: ctx}
}

// reset zeros every event-step accumulator and rewinds current_step to 0,
// keeping the instance alive under the same scope key with a fresh
// created_at (spec.md §4.4.1 step 9: a no-close-steps match resets rather
// than destroys its instance). close_step_states and baselines are left
// untouched: close steps accumulate across the instance's whole lifetime
// and baselines are long-running per-expression statistics, neither scoped
// to a single event-step completion.
func (inst *Instance) reset(p *plan.MatchPlan, eventTimeNanos int64) {
	stepStates := make([]*StepState, len(p.EventSteps))
	for i, sp := range p.EventSteps {
		stepStates[i] = newStepState(len(sp.Branches))
	}
	inst.StepStates = stepStates
	inst.CurrentStep = 0
	inst.EventOK = false
	inst.CompletedSteps = nil
	inst.CreatedAtNanos = eventTimeNanos
}

// gateEmit applies the shared emit-rate limiter, folding FailRule into the
// machine's failed flag per the shared on_exceed policy (spec.md §4.4.7).
func (m *Machine) gateEmit() bool {
	if m.limiter.Allow() {
		return true
	}
	if m.plan.Limits.OnExceed == plan.OnExceedFailRule {
		m.failed = true
	}
	return false
}

// admitNewInstance enforces max_instances and max_memory_bytes (spec.md
// §4.4.7), applying on_exceed when either is hit.
func (m *Machine) admitNewInstance() bool {
	limits := m.plan.Limits
	if limits.MaxInstances > 0 && int64(len(m.instances)) >= limits.MaxInstances {
		return m.handleExceed()
	}
	if limits.MaxMemoryBytes > 0 {
		projected := int64(len(m.instances)+1) * estimatedInstanceBytes
		if projected > limits.MaxMemoryBytes {
			return m.handleExceed()
		}
	}
	return true
}

func (m *Machine) handleExceed() bool {
	switch m.plan.Limits.OnExceed {
	case plan.OnExceedDropOldest:
		m.evictOldestInstance()
		return true
	case plan.OnExceedFailRule:
		m.failed = true
		return false
	default: // OnExceedThrottle
		return false
	}
}

// evictOldestInstance implements deterministic DropOldest: ties on
// CreatedAtNanos break on the stringified scope key (spec.md §4.4.7).
func (m *Machine) evictOldestInstance() {
	if len(m.instances) == 0 {
		return
	}
	oldestKey := ""
	var oldestInst *Instance
	for k, inst := range m.instances {
		if oldestInst == nil ||
			inst.CreatedAtNanos < oldestInst.CreatedAtNanos ||
			(inst.CreatedAtNanos == oldestInst.CreatedAtNanos && k < oldestKey) {
			oldestKey, oldestInst = k, inst
		}
	}
	delete(m.instances, oldestKey)
}

// Close removes and evaluates a specific instance by scope key. Returns
// ok=false if no instance exists for that scope key.
func (m *Machine) Close(scopeKey []value.Value, reason CloseReason) (*CloseOutput, bool) {
	keyStr := stringifyScopeKey(scopeKey)
	inst, ok := m.instances[keyStr]
	if !ok {
		return nil, false
	}
	delete(m.instances, keyStr)
	return m.finishClose(inst, reason, inst.LastEventNanos), true
}

// ScanExpired closes every instance whose event_time - created_at has
// reached the plan's window span, using the logical expiry time rather
// than detection time to keep ordering deterministic (spec.md §4.4.8).
// Instances are processed in (created_at, scope_key) order for
// deterministic emit-rate suppression (spec.md §4.4.7).
func (m *Machine) ScanExpired() []*CloseOutput {
	span := m.plan.WindowSpan().Nanoseconds()
	if span <= 0 {
		return nil
	}
	type candidate struct {
		key  string
		inst *Instance
	}
	var expired []candidate
	for k, inst := range m.instances {
		deadline := expiryDeadline(m.plan.WindowSpec, inst.CreatedAtNanos, span)
		if m.watermarkNs-inst.CreatedAtNanos >= span || m.watermarkNs >= deadline {
			expired = append(expired, candidate{k, inst})
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].inst.CreatedAtNanos != expired[j].inst.CreatedAtNanos {
			return expired[i].inst.CreatedAtNanos < expired[j].inst.CreatedAtNanos
		}
		return expired[i].key < expired[j].key
	})

	out := make([]*CloseOutput, 0, len(expired))
	for _, c := range expired {
		delete(m.instances, c.key)
		firedAt := expiryDeadline(m.plan.WindowSpec, c.inst.CreatedAtNanos, span)
		out = append(out, m.finishClose(c.inst, Timeout, firedAt))
	}
	return out
}

func expiryDeadline(spec plan.WindowSpec, createdAt, spanNanos int64) int64 {
	if fw, ok := spec.(plan.FixedWindow); ok {
		over := fw.Over.Nanoseconds()
		if over <= 0 {
			return createdAt + spanNanos
		}
		floor := (createdAt / over) * over
		return floor + over
	}
	return createdAt + spanNanos
}

// CloseAll drains every live instance with the given reason (used at
// shutdown: reason == Eos). Order is deterministic, matching ScanExpired.
func (m *Machine) CloseAll(reason CloseReason) []*CloseOutput {
	type candidate struct {
		key  string
		inst *Instance
	}
	candidates := make([]candidate, 0, len(m.instances))
	for k, inst := range m.instances {
		candidates = append(candidates, candidate{k, inst})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].inst.CreatedAtNanos != candidates[j].inst.CreatedAtNanos {
			return candidates[i].inst.CreatedAtNanos < candidates[j].inst.CreatedAtNanos
		}
		return candidates[i].key < candidates[j].key
	})
	out := make([]*CloseOutput, 0, len(candidates))
	for _, c := range candidates {
		delete(m.instances, c.key)
		out = append(out, m.finishClose(c.inst, reason, c.inst.LastEventNanos))
	}
	return out
}

func (m *Machine) finishClose(inst *Instance, reason CloseReason, firedAtNanos int64) *CloseOutput {
	env := expr.Env{
		Event:     wfevent.Synthetic(reason.String()),
		NowNanos:  inst.LastEventNanos,
		Window:    m.window,
		Baselines: inst.Baselines,
	}
	closeOK, closeData := evaluateCloseSteps(m.plan.CloseSteps, inst.CloseStepStates, env)
	return &CloseOutput{
		RuleName:      m.ruleName,
		ScopeKey:      inst.ScopeKey,
		CloseReason:   reason,
		FiredAtNanos:  firedAtNanos,
		EventOK:       inst.EventOK,
		CloseOK:       closeOK,
		EventStepData: inst.CompletedSteps,
		CloseStepData: closeData,
		RateAllowed:   m.gateEmit(),
	}
}
