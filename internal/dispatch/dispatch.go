// dispatch.go — the alert dispatcher (spec.md §4.6): a single task that
// drains a bounded channel of OutputRecords and hands each to a sink.
//
// Grounded on the teacher's internal/audit.AuditTrail: a bounded,
// never-blocks-the-caller recorder reused here as a channel consumer
// instead of a ring buffer. The sink interface and JSONL reference
// implementation are grounded on spec.md §4.6/§6 (stable key ordering,
// ISO-8601 fired_at).
package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/warpfusion/warpfusion/internal/value"
)

// Recorder receives dispatch observability counters (satisfied by
// internal/metrics.Metrics; kept as a narrow interface here so this package
// never imports the metrics package's full prometheus surface).
type Recorder interface {
	RecordAlertEmitted(rule string)
	RecordAlertChannelSendFailed()
	RecordAlertSerializeFailed()
	RecordAlertDispatched(seconds float64)
}

// OutputRecord is the alert payload produced by a matched or closed
// instance (spec.md §3).
type OutputRecord struct {
	RuleName       string
	EventTimeNanos int64
	YieldTarget    string
	YieldFields    []YieldField // ordered: preserves the plan's declaration order
	EntityType     string
	EntityID       value.Value
	Score          value.Value
	ScopeKey       []value.Value
	CloseReason    string // empty means "no close phase" (a plain event match)
	HasCloseReason bool
}

// YieldField is one (name, Value) pair in declaration order.
type YieldField struct {
	Name  string
	Value value.Value
}

// Sink is anything that can durably accept one OutputRecord at a time.
type Sink interface {
	Write(rec OutputRecord) error
}

// Dispatcher owns the bounded alert channel and the single consumer task
// described in spec.md §4.6.
type Dispatcher struct {
	sink      Sink
	ch        chan OutputRecord
	log       *zap.Logger
	dropped   int64
	serFailed int64
	rec       Recorder
}

// SetRecorder attaches an observability Recorder. Optional; a nil Dispatcher
// recorder (the zero value) skips metric recording entirely.
func (d *Dispatcher) SetRecorder(rec Recorder) {
	d.rec = rec
}

// New builds a Dispatcher with the given channel capacity (the number of
// alerts that can be buffered before Submit starts dropping them).
func New(sink Sink, capacity int, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		sink: sink,
		ch:   make(chan OutputRecord, capacity),
		log:  log,
	}
}

// Submit attempts a non-blocking send. On a full channel the record is
// dropped and counted — dispatch back-pressure must never block ingestion
// (spec.md §4.6).
func (d *Dispatcher) Submit(rec OutputRecord) {
	select {
	case d.ch <- rec:
	default:
		d.dropped++
		d.log.Warn("dispatcher channel full, dropping alert",
			zap.String("rule", rec.RuleName), zap.Int64("dropped_total", d.dropped))
		if d.rec != nil {
			d.rec.RecordAlertChannelSendFailed()
		}
	}
}

// Dropped returns the number of alerts dropped due to channel back-pressure.
func (d *Dispatcher) Dropped() int64 { return d.dropped }

// SerializationFailures returns the number of records the sink rejected.
func (d *Dispatcher) SerializationFailures() int64 { return d.serFailed }

// Run drains the channel until ctx is cancelled, then drains whatever
// remains buffered before returning (graceful shutdown, spec.md §4.6).
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return nil
		case rec := <-d.ch:
			d.deliver(rec)
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case rec := <-d.ch:
			d.deliver(rec)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(rec OutputRecord) {
	start := time.Now()
	err := d.sink.Write(rec)
	if d.rec != nil {
		d.rec.RecordAlertDispatched(time.Since(start).Seconds())
	}
	if err != nil {
		d.serFailed++
		d.log.Warn("alert dropped: sink write failed",
			zap.String("rule", rec.RuleName), zap.Error(err))
		if d.rec != nil {
			d.rec.RecordAlertSerializeFailed()
		}
		return
	}
	if d.rec != nil {
		d.rec.RecordAlertEmitted(rec.RuleName)
	}
}
