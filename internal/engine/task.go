// task.go — the per-rule task (spec.md component #4, §4.4): "consume new
// batches from subscribed windows (via cursor), flatten batch rows to
// events, drive the CEP state machine, compute watermark-driven timeouts,
// and produce alert records."
//
// Grounded on original_source/crates/wf-runtime/src/lifecycle/compile.rs's
// build_run_rules/build_stream_aliases (RunRule{machine, executor,
// stream_aliases}), generalized from its implicit WFL-compiled bind list
// to an explicit BindSource slice — the bind-alias -> window resolution
// itself is produced by the excluded WFL compiler frontend, so this core
// takes it as an already-resolved bootstrap value rather than reading
// .wfl bind clauses. The poll loop follows internal/evictor.Run's
// ticker-driven shape: internal/window exposes no blocking-read
// primitive, so a rule task wakes on a fixed cadence rather than a
// change notification.
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/warpfusion/warpfusion/internal/batch"
	"github.com/warpfusion/warpfusion/internal/dispatch"
	"github.com/warpfusion/warpfusion/internal/expr"
	"github.com/warpfusion/warpfusion/internal/value"
	"github.com/warpfusion/warpfusion/internal/wfevent"
	"github.com/warpfusion/warpfusion/internal/wfschema"
	"github.com/warpfusion/warpfusion/internal/window"
)

// defaultScore is used when a plan's Score expr is nil (spec.md §3:
// "score... optional; nil means a fixed default score").
var defaultScore = value.Number(1)

// Recorder receives per-rule observability counters (satisfied by
// internal/metrics.Metrics). Kept narrow so this package never imports the
// metrics package's prometheus surface directly.
type Recorder interface {
	RecordRuleEvent(rule string)
	RecordRuleMatch(rule string)
	SetRuleInstances(rule string, n int)
	RecordRuleCursorGap(rule, window string)
	ObserveRuleScanTimeout(rule string, seconds float64)
	ObserveRuleFlush(rule string, seconds float64)
}

// BindSource is one of a rule's bind-alias -> window bindings, resolved at
// bootstrap against the live window registry.
type BindSource struct {
	Alias  string
	Window *window.Window
	Schema *wfschema.WindowSchema
}

// Task is the per-rule long-lived task of spec.md §5 ("one task per
// rule... each rule task owns its instance map exclusively").
type Task struct {
	machine    *Machine
	sources    []BindSource
	cursors    map[string]window.Cursor
	dispatcher *dispatch.Dispatcher
	pollEvery  time.Duration
	log        *zap.Logger
	rec        Recorder
}

// SetRecorder attaches an observability Recorder. Optional; nil skips
// metric recording entirely.
func (t *Task) SetRecorder(rec Recorder) {
	t.rec = rec
}

// NewTask builds a Task that drives machine from sources, submitting
// emitted alerts to d. pollEvery is the cursor-polling cadence.
func NewTask(machine *Machine, sources []BindSource, d *dispatch.Dispatcher, pollEvery time.Duration, log *zap.Logger) *Task {
	cursors := make(map[string]window.Cursor, len(sources))
	for _, s := range sources {
		cursors[s.Alias] = window.Cursor{}
	}
	return &Task{
		machine:    machine,
		sources:    sources,
		cursors:    cursors,
		dispatcher: d,
		pollEvery:  pollEvery,
		log:        log,
	}
}

// Run drains bound windows until ctx is cancelled, then performs a final
// close_all(Eos) drain before returning (spec.md §4.7: the rule
// cancellation token fires only after the receiver has fully stopped, so
// this final drain observes every batch the receiver ever routed).
func (t *Task) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.finalDrain()
			return nil
		case <-ticker.C:
			t.pollOnce()
		}
	}
}

// pollOnce drains every bound window's new batches in bind order, then
// scans for expired instances against the machine's advanced watermark.
func (t *Task) pollOnce() {
	for _, src := range t.sources {
		t.drainSource(src)
	}
	scanStart := time.Now()
	for _, out := range t.machine.ScanExpired() {
		t.emitClose(out)
	}
	if t.rec != nil {
		t.rec.ObserveRuleScanTimeout(t.machine.ruleName, time.Since(scanStart).Seconds())
		t.rec.SetRuleInstances(t.machine.ruleName, t.machine.InstanceCount())
	}
}

// finalDrain runs one last poll (to pick up anything the receiver routed
// just before shutdown) and then closes every remaining live instance
// with reason Eos.
func (t *Task) finalDrain() {
	for _, src := range t.sources {
		t.drainSource(src)
	}
	flushStart := time.Now()
	for _, out := range t.machine.CloseAll(Eos) {
		t.emitClose(out)
	}
	if t.rec != nil {
		t.rec.ObserveRuleFlush(t.machine.ruleName, time.Since(flushStart).Seconds())
	}
}

func (t *Task) drainSource(src BindSource) {
	cursor := t.cursors[src.Alias]
	batches, newCursor, gapDetected := src.Window.ReadSince(cursor)
	t.cursors[src.Alias] = newCursor
	if gapDetected {
		if t.log != nil {
			t.log.Warn("rule task cursor fell behind eviction, resuming from oldest available batch",
				zap.String("rule", t.machine.ruleName), zap.String("alias", src.Alias))
		}
		if t.rec != nil {
			t.rec.RecordRuleCursorGap(t.machine.ruleName, src.Window.SchemaName())
		}
	}
	for _, tb := range batches {
		rb, ok := tb.Batch.(*batch.RecordBatch)
		if !ok {
			continue
		}
		rec := rb.Record()
		rowCount := int(rec.NumRows())
		for row := 0; row < rowCount; row++ {
			ev := batch.FlattenRow(rec, row, src.Schema, t.log)
			eventTimeNanos := rowEventTimeNanos(ev, src.Schema, tb.MinTS)
			res := t.machine.Advance(src.Alias, ev, eventTimeNanos)
			if t.rec != nil {
				t.rec.RecordRuleEvent(t.machine.ruleName)
			}
			if res.Kind == Matched {
				if t.rec != nil {
					t.rec.RecordRuleMatch(t.machine.ruleName)
				}
				t.emitMatched(res.Matched, ev, eventTimeNanos)
			}
		}
	}
}

// rowEventTimeNanos resolves one flattened row's event-time, falling back
// to the owning batch's MinTS when the schema has no time field or the
// row's own value is absent (a window with no time field never advances
// its own watermark either, so this fallback only matters for the
// machine's internal watermark bookkeeping).
func rowEventTimeNanos(ev wfevent.Event, ws *wfschema.WindowSchema, batchMinTS int64) int64 {
	if ws.HasTimeField() {
		if v, ok := ev.Field(ws.TimeField); ok {
			if f, ok := v.AsFloat(); ok {
				return int64(f)
			}
		}
	}
	return batchMinTS
}

// emitMatched builds and submits the OutputRecord for a completed
// no-close-steps match (spec.md §4.4.1 step 9), evaluating
// entity/score/yield against the triggering event.
func (t *Task) emitMatched(ctx *MatchedContext, ev wfevent.Event, eventTimeNanos int64) {
	env := expr.Env{Event: ev, NowNanos: eventTimeNanos}
	rec := t.buildOutputRecord(ctx.ScopeKey, env, eventTimeNanos, false, "")
	t.dispatcher.Submit(rec)
}

// emitClose submits the OutputRecord for a successful close-phase
// completion. A CloseOutput only represents a full, rate-admitted match
// when both phases are satisfied and the shared emit limiter admitted it
// (CloseOutput's doc: "a dispatcher must not emit an alert for a
// CloseOutput with RateAllowed == false").
func (t *Task) emitClose(out *CloseOutput) {
	if !out.EventOK || !out.CloseOK || !out.RateAllowed {
		return
	}
	synthetic := wfevent.Synthetic(out.CloseReason.String())
	env := expr.Env{Event: synthetic, NowNanos: out.FiredAtNanos}
	rec := t.buildOutputRecord(out.ScopeKey, env, out.FiredAtNanos, true, out.CloseReason.String())
	t.dispatcher.Submit(rec)
}

func (t *Task) buildOutputRecord(scopeKey []value.Value, env expr.Env, eventTimeNanos int64, closed bool, closeReason string) dispatch.OutputRecord {
	p := t.machine.plan
	rec := dispatch.OutputRecord{
		RuleName:       p.RuleName,
		EventTimeNanos: eventTimeNanos,
		YieldTarget:    p.YieldTarget,
		EntityType:     p.EntityType,
		ScopeKey:       scopeKey,
		CloseReason:    closeReason,
		HasCloseReason: closed,
	}
	if p.EntityID != nil {
		if v, ok := expr.Eval(p.EntityID, env); ok {
			rec.EntityID = v
		}
	}
	if p.Score != nil {
		if v, ok := expr.Eval(p.Score, env); ok {
			rec.Score = v
		} else {
			rec.Score = defaultScore
		}
	} else {
		rec.Score = defaultScore
	}
	if len(p.YieldFields) > 0 {
		rec.YieldFields = make([]dispatch.YieldField, 0, len(p.YieldFields))
		for _, yf := range p.YieldFields {
			v, ok := expr.Eval(yf.Value, env)
			if !ok {
				continue
			}
			rec.YieldFields = append(rec.YieldFields, dispatch.YieldField{Name: yf.Name, Value: v})
		}
	}
	return rec
}
