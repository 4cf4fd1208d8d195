// bootstrap.go — stand-in for the excluded WFL/WFS compiler frontend
// (spec.md §1 Non-goals): builds the window schemas, stream subscription
// map, live window registry, and compiled rule plans this core runs
// against, as Go-native literal values rather than parsed source text.
//
// Grounded on plan.go's own framing ("MatchPlan is produced by the
// excluded WFL/WFS compiler frontend and handed to this core as an
// already-compiled value") and on task.go's BindSource shape; the two
// rules below mirror the shapes already exercised by
// internal/engine/task_test.go (a single-phase threshold rule and a
// two-phase event/close rule).
package bootstrap

import (
	"time"

	"go.uber.org/zap"

	"github.com/warpfusion/warpfusion/internal/dispatch"
	"github.com/warpfusion/warpfusion/internal/engine"
	"github.com/warpfusion/warpfusion/internal/expr"
	"github.com/warpfusion/warpfusion/internal/plan"
	"github.com/warpfusion/warpfusion/internal/rate"
	"github.com/warpfusion/warpfusion/internal/router"
	"github.com/warpfusion/warpfusion/internal/wfschema"
	"github.com/warpfusion/warpfusion/internal/window"
)

// Rule bundles one compiled plan with the bind sources its task polls.
type Rule struct {
	Plan    *plan.MatchPlan
	Sources []engine.BindSource
}

// System is the complete set of bootstrap-resolved values a reactor wires
// up: window schemas (for the frame receiver), the live window registry
// and router (for routing and eviction), and the compiled rules (for the
// per-rule tasks).
type System struct {
	Schemas map[string]*wfschema.WindowSchema // stream name -> schema
	Windows map[string]*window.Window         // window name -> live window
	Router  *router.Router
	Rules   []Rule
}

// schemas returns the two window schemas this core ships with:
//
//   - "auth_events": one login attempt per row, used by failed_login_burst.
//   - "order_lifecycle": order-create and payment-capture events on the
//     same window, distinguished by event_type, used by
//     order_payment_reconciliation's two-phase plan.
func schemas() (auth, orders *wfschema.WindowSchema) {
	auth = &wfschema.WindowSchema{
		Name:            "auth_events",
		Streams:         []string{"auth_events"},
		TimeField:       "ts",
		Over:            5 * time.Minute,
		WatermarkDelay:  2 * time.Second,
		AllowedLateness: 5 * time.Second,
		LatePolicy:      wfschema.LateDrop,
		MaxWindowBytes:  16 << 20,
		Fields: []wfschema.FieldDef{
			{Name: "ts", Base: wfschema.Time},
			{Name: "user", Base: wfschema.Chars},
			{Name: "status", Base: wfschema.Chars},
		},
	}
	orders = &wfschema.WindowSchema{
		Name:            "order_lifecycle",
		Streams:         []string{"order_events"},
		TimeField:       "ts",
		Over:            30 * time.Minute,
		WatermarkDelay:  5 * time.Second,
		AllowedLateness: 30 * time.Second,
		LatePolicy:      wfschema.LateRevise,
		MaxWindowBytes:  32 << 20,
		Fields: []wfschema.FieldDef{
			{Name: "ts", Base: wfschema.Time},
			{Name: "order_id", Base: wfschema.Chars},
			{Name: "event_type", Base: wfschema.Chars},
			{Name: "amount", Base: wfschema.Digit},
		},
	}
	return auth, orders
}

// failedLoginBurst is a single-phase rule: five or more failed logins by
// the same user inside a 5-minute sliding window.
func failedLoginBurst() *plan.MatchPlan {
	return &plan.MatchPlan{
		RuleName:   "failed_login_burst",
		Keys:       []plan.KeyRef{{Field: "user"}},
		WindowSpec: plan.SlidingWindow{Over: 5 * time.Minute},
		EventSteps: []plan.StepPlan{{
			Branches: []plan.BranchPlan{{
				SourceAlias: "a",
				Field:       "status",
				HasField:    true,
				Guard: expr.BinExpr{
					Op:    expr.OpEq,
					Left:  expr.Field{Kind: expr.RefSimple, Name: "status"},
					Right: expr.StringLit("failed"),
				},
				Agg: plan.AggPlan{
					Measure:   plan.MeasureCount,
					Cmp:       expr.CmpGe,
					Threshold: expr.Number(5),
				},
			}},
		}},
		Limits: plan.LimitsPlan{
			MaxInstances: 100_000,
			MaxThrottle:  plan.ThrottleSpec{Count: 1, PerDuration: time.Minute},
			OnExceed:     plan.OnExceedThrottle,
		},
		YieldTarget: "security_alerts",
		YieldFields: []plan.YieldFieldPlan{
			{Name: "user", Value: expr.Field{Kind: expr.RefSimple, Name: "user"}},
		},
		EntityType: "user",
		EntityID:   expr.Field{Kind: expr.RefQualified, Alias: "a", Name: "user"},
	}
}

// orderPaymentReconciliation is a two-phase rule: at window close, report
// whether an order that was created also saw a payment captured before
// the 30-minute window expired.
func orderPaymentReconciliation() *plan.MatchPlan {
	eventTypeIs := func(v string) expr.Expr {
		return expr.BinExpr{
			Op:    expr.OpEq,
			Left:  expr.Field{Kind: expr.RefSimple, Name: "event_type"},
			Right: expr.StringLit(v),
		}
	}
	return &plan.MatchPlan{
		RuleName:   "order_payment_reconciliation",
		Keys:       []plan.KeyRef{{Field: "order_id"}},
		WindowSpec: plan.SlidingWindow{Over: 30 * time.Minute},
		EventSteps: []plan.StepPlan{{
			Branches: []plan.BranchPlan{{
				SourceAlias: "a",
				Field:       "event_type",
				HasField:    true,
				Guard:       eventTypeIs("created"),
				Agg: plan.AggPlan{
					Measure:   plan.MeasureCount,
					Cmp:       expr.CmpGe,
					Threshold: expr.Number(1),
				},
			}},
		}},
		CloseSteps: []plan.StepPlan{{
			Branches: []plan.BranchPlan{{
				SourceAlias: "a",
				Field:       "event_type",
				HasField:    true,
				Guard:       eventTypeIs("captured"),
				Agg: plan.AggPlan{
					Measure:   plan.MeasureCount,
					Cmp:       expr.CmpGe,
					Threshold: expr.Number(1),
				},
			}},
		}},
		Limits: plan.LimitsPlan{
			MaxInstances: 500_000,
			OnExceed:     plan.OnExceedDropOldest,
		},
		YieldTarget: "fulfillment_alerts",
		YieldFields: []plan.YieldFieldPlan{
			{Name: "amount", Value: expr.Field{Kind: expr.RefSimple, Name: "amount"}},
		},
		EntityType: "order",
		EntityID:   expr.Field{Kind: expr.RefQualified, Alias: "a", Name: "order_id"},
	}
}

// Build constructs the bootstrap System: schemas, live windows, a router
// wired from the schemas' declared stream subscriptions, and the compiled
// rules each with their bind sources. log is passed through to the router
// for its loud append-error logging (spec.md §7); a nil log is replaced
// with a no-op logger.
func Build(log *zap.Logger) *System {
	auth, orders := schemas()

	authWindow := window.New(auth.WindowConfig())
	orderWindow := window.New(orders.WindowConfig())

	windows := map[string]*window.Window{
		auth.Name:   authWindow,
		orders.Name: orderWindow,
	}

	subscriptions := make(map[string][]string)
	schemaByStream := make(map[string]*wfschema.WindowSchema)
	for _, s := range []*wfschema.WindowSchema{auth, orders} {
		for _, stream := range s.Streams {
			subscriptions[stream] = append(subscriptions[stream], s.Name)
			schemaByStream[stream] = s
		}
	}
	r := router.New(subscriptions, windows, log)

	rules := []Rule{
		{
			Plan: failedLoginBurst(),
			Sources: []engine.BindSource{
				{Alias: "a", Window: authWindow, Schema: auth},
			},
		},
		{
			Plan: orderPaymentReconciliation(),
			Sources: []engine.BindSource{
				{Alias: "a", Window: orderWindow, Schema: orders},
			},
		},
	}

	return &System{
		Schemas: schemaByStream,
		Windows: windows,
		Router:  r,
		Rules:   rules,
	}
}

// Machines builds one engine.Machine per rule, each with its own emit-rate
// limiter derived from the rule's throttle spec (spec.md §4.4.5: the
// limiter is shared only across one rule's event and close paths, never
// across rules).
func (s *System) Machines() []*engine.Machine {
	machines := make([]*engine.Machine, len(s.Rules))
	for i, rule := range s.Rules {
		limiter := rate.New(rule.Plan.Limits.MaxThrottle)
		machines[i] = engine.NewMachine(rule.Plan.RuleName, rule.Plan, limiter, nil)
	}
	return machines
}

// Tasks builds one engine.Task per rule, bound to d for alert submission.
func (s *System) Tasks(d *dispatch.Dispatcher, pollEvery time.Duration, machines []*engine.Machine, log *zap.Logger) []*engine.Task {
	tasks := make([]*engine.Task, len(s.Rules))
	for i, rule := range s.Rules {
		tasks[i] = engine.NewTask(machines[i], rule.Sources, d, pollEvery, log)
	}
	return tasks
}
