package bootstrap

import (
	"testing"

	"go.uber.org/zap"

	"github.com/warpfusion/warpfusion/internal/engine"
	"github.com/warpfusion/warpfusion/internal/value"
	"github.com/warpfusion/warpfusion/internal/wfevent"
)

func TestBuildWiresSchemasWindowsAndRouter(t *testing.T) {
	sys := Build(zap.NewNop())

	if len(sys.Windows) != 2 {
		t.Fatalf("expected 2 live windows, got %d", len(sys.Windows))
	}
	if _, ok := sys.Windows["auth_events"]; !ok {
		t.Fatalf("expected auth_events window registered")
	}
	if _, ok := sys.Windows["order_lifecycle"]; !ok {
		t.Fatalf("expected order_lifecycle window registered")
	}

	authSchema, ok := sys.Schemas["auth_events"]
	if !ok || authSchema.Name != "auth_events" {
		t.Fatalf("expected auth_events stream bound to auth_events schema, got %+v", authSchema)
	}
	orderSchema, ok := sys.Schemas["order_events"]
	if !ok || orderSchema.Name != "order_lifecycle" {
		t.Fatalf("expected order_events stream bound to order_lifecycle schema, got %+v", orderSchema)
	}

	report := sys.Router.Route("auth_events", fakeBatch{schema: "auth_events", rows: 1})
	if len(report.Delivered) != 1 || report.Delivered[0] != "auth_events" {
		t.Fatalf("expected delivery to auth_events window, got %+v", report)
	}

	skipped := sys.Router.Route("unknown_stream", fakeBatch{schema: "auth_events", rows: 1})
	if !skipped.SkippedNonLocal {
		t.Fatalf("expected unknown stream to be skipped as non-local")
	}
}

func TestBuildProducesOneRulePerMachineAndTask(t *testing.T) {
	sys := Build(zap.NewNop())
	if len(sys.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(sys.Rules))
	}

	machines := sys.Machines()
	if len(machines) != len(sys.Rules) {
		t.Fatalf("expected one machine per rule, got %d machines for %d rules", len(machines), len(sys.Rules))
	}
}

func TestFailedLoginBurstMatchesAtThreshold(t *testing.T) {
	sys := Build(zap.NewNop())
	machines := sys.Machines()
	m := machines[0] // failedLoginBurst is Rules[0]

	ev := wfevent.Event{"user": value.Str("u1"), "status": value.Str("failed")}
	var last engine.StepResultKind
	for i := int64(0); i < 5; i++ {
		res := m.Advance("a", ev, i*1_000_000)
		last = res.Kind
	}
	if last != engine.Matched {
		t.Fatalf("expected Matched after 5 failed logins, got step kind %v", last)
	}
}

func TestOrderPaymentReconciliationTwoPhase(t *testing.T) {
	sys := Build(zap.NewNop())
	machines := sys.Machines()
	m := machines[1] // orderPaymentReconciliation is Rules[1]

	created := wfevent.Event{"order_id": value.Str("o1"), "event_type": value.Str("created"), "amount": value.Number(42)}
	if res := m.Advance("a", created, 0); res.Kind != engine.Advance {
		t.Fatalf("expected Advance after order created (awaiting close phase), got %v", res.Kind)
	}
	if m.InstanceCount() != 1 {
		t.Fatalf("expected one live instance after order created, got %d", m.InstanceCount())
	}

	captured := wfevent.Event{"order_id": value.Str("o1"), "event_type": value.Str("captured"), "amount": value.Number(42)}
	m.Advance("a", captured, 1_000)

	out, ok := m.Close([]value.Value{value.Str("o1")}, engine.Flush)
	if !ok {
		t.Fatalf("expected a live instance to close for order o1")
	}
	if !out.EventOK || !out.CloseOK {
		t.Fatalf("expected both phases satisfied: eventOK=%v closeOK=%v", out.EventOK, out.CloseOK)
	}
}

type fakeBatch struct {
	schema string
	rows   int
}

func (f fakeBatch) SchemaName() string { return f.schema }
func (f fakeBatch) RowCount() int      { return f.rows }
func (f fakeBatch) ByteSize() int64    { return int64(f.rows) * 64 }
func (f fakeBatch) TimeRange() (int64, int64, bool) {
	return 0, 0, false
}
