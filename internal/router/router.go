// router.go — stream_name -> windows registry and routing (spec.md §4.2).
package router

import (
	"go.uber.org/zap"

	"github.com/warpfusion/warpfusion/internal/window"
)

// RouteReport summarizes one routing decision across every window
// subscribed to the batch's stream.
type RouteReport struct {
	Delivered       []string
	DroppedLate     []string
	SkippedNonLocal bool
}

// Router holds a static stream_name -> window names map built at bootstrap
// from the compiled window schemas, plus the live Window objects to route
// into.
type Router struct {
	subscriptions map[string][]string // stream -> window names
	windows       map[string]*window.Window
	log           *zap.Logger
}

// New builds a Router from a stream->window-names subscription map and the
// live window registry. Both are built once at bootstrap and never mutated
// afterward, matching spec.md's "allocation-free hot path" framing: the
// lookup below returns borrowed slices, never copies. A nil log is replaced
// with a no-op logger.
func New(subscriptions map[string][]string, windows map[string]*window.Window, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{subscriptions: subscriptions, windows: windows, log: log}
}

// Windows returns the live window registry, satisfying internal/evictor's
// Registry interface so the same bootstrap-built Router can drive both
// routing and eviction sweeps.
func (r *Router) Windows() map[string]*window.Window {
	return r.windows
}

// Route appends batch to every window subscribed to streamName, classifying
// each window's outcome, and returns the aggregate report.
func (r *Router) Route(streamName string, batch window.Batch) RouteReport {
	names, ok := r.subscriptions[streamName]
	if !ok || len(names) == 0 {
		return RouteReport{SkippedNonLocal: true}
	}

	var report RouteReport
	for _, name := range names {
		w, ok := r.windows[name]
		if !ok {
			continue
		}
		outcome, err := w.AppendWithWatermark(batch)
		if err != nil {
			// spec.md §7: a window append error is logged loudly but never
			// panics — the batch for this window is dropped, routing
			// continues to the remaining subscribed windows.
			r.log.Error("router: window append failed",
				zap.String("stream", streamName),
				zap.String("window", name),
				zap.Error(err),
			)
			continue
		}
		switch outcome {
		case window.Appended:
			report.Delivered = append(report.Delivered, name)
		case window.DroppedLate:
			report.DroppedLate = append(report.DroppedLate, name)
		}
	}
	return report
}
