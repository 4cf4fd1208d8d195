// evictor.go — periodic time/memory eviction across the window registry
// (spec.md §4.5). Grounded on the teacher's periodic-sweep goroutine shape
// in internal/capture (ticker-driven background task) applied to
// internal/window's Window.EvictExpired/EvictOldest.
package evictor

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/warpfusion/warpfusion/internal/window"
)

// Report summarizes one eviction tick for observability (spec.md §4.5 step 3).
type Report struct {
	BatchesTimeEvicted   int
	BatchesMemoryEvicted int
}

// Registry is the read-mostly view the evictor needs: named windows plus
// each window's own advanced watermark to use as "now" for time eviction.
type Registry interface {
	Windows() map[string]*window.Window
}

// Recorder receives per-tick eviction counters (satisfied by
// internal/metrics.Metrics).
type Recorder interface {
	AddEvictReport(batchesTimeEvicted, batchesMemoryEvicted int)
}

// Evictor runs the periodic sweep described in spec.md §4.5.
type Evictor struct {
	registry       Registry
	interval       time.Duration
	globalMaxBytes int64
	log            *zap.Logger
	rec            Recorder
}

// New builds an Evictor. globalMaxBytes <= 0 disables the memory-pressure
// pass (only time expiry runs).
func New(registry Registry, interval time.Duration, globalMaxBytes int64, log *zap.Logger) *Evictor {
	return &Evictor{registry: registry, interval: interval, globalMaxBytes: globalMaxBytes, log: log}
}

// SetRecorder attaches an observability Recorder. Optional; nil skips
// metric recording entirely.
func (e *Evictor) SetRecorder(rec Recorder) {
	e.rec = rec
}

// Run ticks every e.interval until ctx is cancelled, performing one Tick
// per firing. Intended to be launched as its own task group member
// (spec.md §4.7).
func (e *Evictor) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report := e.Tick()
			if report.BatchesTimeEvicted > 0 || report.BatchesMemoryEvicted > 0 {
				e.log.Info("evictor tick",
					zap.Int("batches_time_evicted", report.BatchesTimeEvicted),
					zap.Int("batches_memory_evicted", report.BatchesMemoryEvicted),
				)
			}
			if e.rec != nil {
				e.rec.AddEvictReport(report.BatchesTimeEvicted, report.BatchesMemoryEvicted)
			}
		}
	}
}

// Tick performs one eviction pass: time expiry across every window, then
// memory-pressure eviction from the largest window until under budget.
func (e *Evictor) Tick() Report {
	var report Report
	windows := e.registry.Windows()

	for _, w := range windows {
		report.BatchesTimeEvicted += w.EvictExpired(w.Watermark())
	}

	if e.globalMaxBytes <= 0 {
		return report
	}

	names := make([]string, 0, len(windows))
	for name := range windows {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic iteration when usage ties

	total := e.totalBytes(windows)
	for total > e.globalMaxBytes {
		biggest := e.largestWindow(windows, names)
		if biggest == nil {
			break
		}
		freed, ok := biggest.EvictOldest()
		if !ok {
			break
		}
		total -= freed
		report.BatchesMemoryEvicted++
	}
	return report
}

func (e *Evictor) totalBytes(windows map[string]*window.Window) int64 {
	var total int64
	for _, w := range windows {
		total += w.MemoryUsage()
	}
	return total
}

func (e *Evictor) largestWindow(windows map[string]*window.Window, names []string) *window.Window {
	var biggest *window.Window
	var biggestName string
	var biggestUsage int64
	for _, name := range names {
		w := windows[name]
		usage := w.MemoryUsage()
		if biggest == nil || usage > biggestUsage || (usage == biggestUsage && name < biggestName) {
			biggest, biggestName, biggestUsage = w, name, usage
		}
	}
	return biggest
}
