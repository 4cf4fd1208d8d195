// reactor.go — the lifecycle reactor (spec.md §4.7): bootstraps task
// groups in start order, shuts them down in reverse (LIFO) order within
// each phase, and carries the three independent cancellation tokens that
// implement spec.md's "receiver -> rule drain -> alert flush -> evictor"
// ordering.
//
// Grounded on jrmccluskey-beam's execute.go: errgroup.WithContext per
// task group and context.Cause(ctx)-style cancellation-with-reason,
// adapted from a single pipeline errgroup to a reactor managing several
// independently-joined groups.
package reactor

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// receiverGroupName is the conventional name for the root-phase group
// whose join must complete before the rule-cancellation token fires
// (spec.md §4.7's "after the receiver group finishes" clause).
const receiverGroupName = "receiver"

// phase classifies a group by which of the three independent tokens its
// context was derived from, so Shutdown knows when it is safe to cancel
// and join it.
type phase int

const (
	phaseRoot phase = iota // receiver and anything with no flush-ordering requirement
	phaseRule               // per-rule tasks; joined before the tail phase is cancelled
	phaseTail               // dispatcher, evictor: must outlive the rule drain
)

type group struct {
	name  string
	eg    *errgroup.Group
	phase phase
}

// Reactor owns the three cancellation tokens — root, rule, tail — and the
// ordered list of task groups started against them. The tokens are
// independent (none derived from another) so cancelling one never
// transitively cancels another; Shutdown alone sequences them.
type Reactor struct {
	rootCtx    context.Context
	rootCancel context.CancelCauseFunc
	ruleCtx    context.Context
	ruleCancel context.CancelCauseFunc
	tailCtx    context.Context
	tailCancel context.CancelCauseFunc
	groups     []*group
	log        *zap.Logger
}

// New builds a Reactor with three independent cancellation tokens.
func New(log *zap.Logger) *Reactor {
	rootCtx, rootCancel := context.WithCancelCause(context.Background())
	ruleCtx, ruleCancel := context.WithCancelCause(context.Background())
	tailCtx, tailCancel := context.WithCancelCause(context.Background())
	return &Reactor{
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		ruleCtx:    ruleCtx,
		ruleCancel: ruleCancel,
		tailCtx:    tailCtx,
		tailCancel: tailCancel,
		log:        log,
	}
}

// Root returns the context task groups with no flush-ordering requirement
// should observe (the receiver).
func (r *Reactor) Root() context.Context { return r.rootCtx }

// RuleScope returns the context rule tasks should observe. It cancels only
// when Shutdown has joined the receiver group — never as a side effect of
// Root or Tail being cancelled.
func (r *Reactor) RuleScope() context.Context { return r.ruleCtx }

// TailScope returns the context the dispatcher and evictor should observe.
// It cancels only after Shutdown has joined every rule group, so a rule
// task's final close_all(Eos) alerts always have a live consumer.
func (r *Reactor) TailScope() context.Context { return r.tailCtx }

// StartGroup launches each fn concurrently under its own errgroup bound to
// ctx, and records the group under name in start order. ctx must be one of
// Root(), RuleScope(), or TailScope() — Shutdown uses which one to decide
// when the group is safe to cancel and join.
func (r *Reactor) StartGroup(name string, ctx context.Context, fns ...func(context.Context) error) {
	eg, egctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		f := fn
		eg.Go(func() error { return f(egctx) })
	}
	r.groups = append(r.groups, &group{name: name, eg: eg, phase: r.phaseOf(ctx)})
	r.log.Info("reactor: task group started", zap.String("group", name), zap.Int("tasks", len(fns)))
}

func (r *Reactor) phaseOf(ctx context.Context) phase {
	switch ctx {
	case r.ruleCtx:
		return phaseRule
	case r.tailCtx:
		return phaseTail
	default:
		return phaseRoot
	}
}

// Shutdown cancels the root token and joins the root-phase groups
// (receiver first among them), then cancels the rule token and joins the
// rule groups so every rule task performs its final close_all(Eos) drain
// with a live dispatcher downstream, then cancels the tail token and
// joins the dispatcher/evictor groups. Each phase joins in reverse start
// order. Returns the first non-nil error observed.
func (r *Reactor) Shutdown(cause error) error {
	var rootGroups, ruleGroups, tailGroups []*group
	for _, g := range r.groups {
		switch g.phase {
		case phaseRule:
			ruleGroups = append(ruleGroups, g)
		case phaseTail:
			tailGroups = append(tailGroups, g)
		default:
			rootGroups = append(rootGroups, g)
		}
	}

	var firstErr error
	join := func(gs []*group) {
		for i := len(gs) - 1; i >= 0; i-- {
			g := gs[i]
			if err := g.eg.Wait(); err != nil && firstErr == nil {
				firstErr = err
			}
			r.log.Info("reactor: task group joined", zap.String("group", g.name))
		}
	}

	r.rootCancel(cause)
	join(rootGroups)

	r.ruleCancel(cause)
	join(ruleGroups)

	r.tailCancel(cause)
	join(tailGroups)

	return firstErr
}
