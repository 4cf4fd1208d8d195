package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow/go/arrow"
	"github.com/apache/arrow/go/arrow/array"
	"github.com/apache/arrow/go/arrow/memory"
	"go.uber.org/zap"

	"github.com/warpfusion/warpfusion/internal/batch"
	"github.com/warpfusion/warpfusion/internal/dispatch"
	"github.com/warpfusion/warpfusion/internal/expr"
	"github.com/warpfusion/warpfusion/internal/plan"
	"github.com/warpfusion/warpfusion/internal/wfschema"
	"github.com/warpfusion/warpfusion/internal/window"
)

func taskTestSchema() *wfschema.WindowSchema {
	return &wfschema.WindowSchema{
		Name:      "logins",
		TimeField: "ts",
		Fields: []wfschema.FieldDef{
			{Name: "ts", Base: wfschema.Time},
			{Name: "user", Base: wfschema.Chars},
			{Name: "item", Base: wfschema.Chars},
		},
	}
}

func buildRecord(t *testing.T, tsValues []int64, users, items []string) array.Record {
	t.Helper()
	mem := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "ts", Type: arrow.PrimitiveTypes.Int64},
		{Name: "user", Type: arrow.BinaryTypes.String},
		{Name: "item", Type: arrow.BinaryTypes.String},
	}, nil)

	tsB := array.NewInt64Builder(mem)
	tsB.AppendValues(tsValues, nil)
	userB := array.NewStringBuilder(mem)
	userB.AppendValues(users, nil)
	itemB := array.NewStringBuilder(mem)
	itemB.AppendValues(items, nil)

	cols := []array.Interface{tsB.NewInt64Array(), userB.NewStringArray(), itemB.NewStringArray()}
	return array.NewRecord(schema, cols, int64(len(tsValues)))
}

type recordingSink struct {
	mu      sync.Mutex
	records []dispatch.OutputRecord
}

func (s *recordingSink) Write(rec dispatch.OutputRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *recordingSink) first() dispatch.OutputRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[0]
}

func TestTaskDrainsWindowAndEmitsMatchedAlert(t *testing.T) {
	ws := taskTestSchema()
	w := window.New(window.Config{SchemaName: "logins", HasTimeField: true})
	rec := buildRecord(t, []int64{10, 20}, []string{"u1", "u1"}, []string{"x", "x"})
	defer rec.Release()
	rb := batch.NewRecordBatch("logins", rec, ws)
	if _, err := w.AppendWithWatermark(rb); err != nil {
		t.Fatalf("append: %v", err)
	}

	p := countPlan(2)
	p.EntityType = "user"
	p.EntityID = expr.Field{Kind: expr.RefQualified, Alias: "a", Name: "item"}
	p.YieldFields = []plan.YieldFieldPlan{{Name: "hits", Value: expr.Field{Kind: expr.RefSimple, Name: "item"}}}
	m := noLimitMachine("r", p)

	sink := &recordingSink{}
	d := dispatch.New(sink, 8, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	task := NewTask(m, []BindSource{{Alias: "a", Window: w, Schema: ws}}, d, time.Millisecond, zap.NewNop())
	task.pollOnce()

	deadline := time.Now().Add(time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if sink.count() != 1 {
		t.Fatalf("expected 1 dispatched alert, got %d", sink.count())
	}
	got := sink.first()
	if got.RuleName != "r" {
		t.Errorf("unexpected rule name: %q", got.RuleName)
	}
	if len(got.YieldFields) != 1 || got.YieldFields[0].Name != "hits" {
		t.Errorf("expected a resolved yield field, got %+v", got.YieldFields)
	}
}

func TestTaskFinalDrainClosesWithEos(t *testing.T) {
	ws := &wfschema.WindowSchema{Name: "reqs", TimeField: "ts", Fields: []wfschema.FieldDef{
		{Name: "ts", Base: wfschema.Time},
		{Name: "item", Base: wfschema.Chars},
	}}
	w := window.New(window.Config{SchemaName: "reqs", HasTimeField: true})

	p := &plan.MatchPlan{
		RuleName:   "need_response",
		Keys:       []plan.KeyRef{{Field: "item"}},
		WindowSpec: plan.SlidingWindow{Over: time.Hour},
		EventSteps: []plan.StepPlan{{Branches: []plan.BranchPlan{{
			SourceAlias: "a", Field: "item", HasField: true,
			Agg: plan.AggPlan{Measure: plan.MeasureCount, Cmp: expr.CmpGe, Threshold: expr.Number(1)},
		}}}},
		CloseSteps: []plan.StepPlan{{Branches: []plan.BranchPlan{{
			SourceAlias: "a", Field: "item", HasField: true,
			Agg: plan.AggPlan{Measure: plan.MeasureCount, Cmp: expr.CmpGe, Threshold: expr.Number(0)},
		}}}},
	}
	m := noLimitMachine("need_response", p)

	mem := memory.NewGoAllocator()
	reqSchema := arrow.NewSchema([]arrow.Field{
		{Name: "ts", Type: arrow.PrimitiveTypes.Int64},
		{Name: "item", Type: arrow.BinaryTypes.String},
	}, nil)
	tsB := array.NewInt64Builder(mem)
	tsB.AppendValues([]int64{5}, nil)
	itemB := array.NewStringBuilder(mem)
	itemB.AppendValues([]string{"only"}, nil)
	rec := array.NewRecord(reqSchema, []array.Interface{tsB.NewInt64Array(), itemB.NewStringArray()}, 1)
	defer rec.Release()
	rb := batch.NewRecordBatch("reqs", rec, ws)
	if _, err := w.AppendWithWatermark(rb); err != nil {
		t.Fatalf("append: %v", err)
	}

	sink := &recordingSink{}
	d := dispatch.New(sink, 8, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	task := NewTask(m, []BindSource{{Alias: "a", Window: w, Schema: ws}}, d, time.Millisecond, zap.NewNop())
	task.finalDrain()
	if m.InstanceCount() != 0 {
		t.Fatalf("expected finalDrain to close every instance, got %d remaining", m.InstanceCount())
	}

	deadline := time.Now().Add(time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if sink.count() != 1 {
		t.Fatalf("expected 1 Eos-closed alert, got %d", sink.count())
	}
	if !sink.first().HasCloseReason || sink.first().CloseReason != "eos" {
		t.Errorf("expected close_reason eos, got %+v", sink.first())
	}
}
