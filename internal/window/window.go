// window.go — Window Buffer runtime state (spec.md §3, §4.3).
//
// Generalizes the teacher's capacity-bounded overwrite ring
// (internal/buffers.RingBuffer in the retrieved reference pack) from a
// fixed-capacity entry ring to an unbounded, sequence-numbered batch list
// with explicit time- and memory-pressure eviction from the front, plus a
// watermark/lateness layer on top (see original_source window/buffer.rs).
package window

import (
	"errors"
	"sync"
)

// Batch is the columnar payload a window stores; internal/batch provides
// the concrete Arrow-backed implementation. Kept as an interface here so
// this package never depends on the wire/decode layer.
type Batch interface {
	SchemaName() string
	RowCount() int
	ByteSize() int64
	// TimeRange returns (min, max) nanosecond timestamps over the time
	// column, or ok=false if the window has no time column or every value
	// in the batch is null (the sentinel case of spec.md §4.3 step 1).
	TimeRange() (minNanos, maxNanos int64, ok bool)
}

// ErrSchemaMismatch is returned by Append when a batch's schema name does
// not match the window's own.
var ErrSchemaMismatch = errors.New("window: batch schema mismatch")

// TimedBatch is one entry in a window's ordered batch list.
type TimedBatch struct {
	Batch        Batch
	MinTS, MaxTS int64
	HasTimeRange bool
	RowCount     int
	ByteSize     int64
	Seq          uint64
}

// AppendOutcome classifies the result of append_with_watermark.
type AppendOutcome uint8

const (
	Appended AppendOutcome = iota
	DroppedLate
)

// LatePolicy mirrors wfschema.LatePolicy without importing it, so this
// package stays decoupled from schema compilation; Window is constructed
// with the policy already resolved.
type LatePolicy uint8

const (
	LateDrop LatePolicy = iota
	LateRevise
)

// Cursor is a read position into a window's batch list, keyed by sequence
// number rather than a wall-clock timestamp (teacher's BufferCursor used
// position+Timestamp; sequence numbers are sufficient here since batches
// are never overwritten in place, only evicted from the front).
type Cursor struct {
	Seq uint64
}

// Window is the runtime state of one declared window schema.
type Window struct {
	mu sync.RWMutex

	schemaName      string
	over            int64 // retention duration, nanoseconds; 0 = no time eviction
	hasTimeField    bool
	watermarkDelay  int64
	allowedLateness int64
	latePolicy      LatePolicy
	maxWindowBytes  int64 // 0 = unbounded

	batches      []TimedBatch
	currentBytes int64
	totalRows    int64
	watermarkNs  int64
	nextSeq      uint64
}

// Config bundles the schema-derived parameters a Window is built from.
type Config struct {
	SchemaName      string
	HasTimeField    bool
	Over            int64
	WatermarkDelay  int64
	AllowedLateness int64
	LatePolicy      LatePolicy
	MaxWindowBytes  int64
}

func New(cfg Config) *Window {
	return &Window{
		schemaName:      cfg.SchemaName,
		over:            cfg.Over,
		hasTimeField:    cfg.HasTimeField,
		watermarkDelay:  cfg.WatermarkDelay,
		allowedLateness: cfg.AllowedLateness,
		latePolicy:      cfg.LatePolicy,
		maxWindowBytes:  cfg.MaxWindowBytes,
	}
}

// Append validates schema, drops empty batches silently, assigns the next
// sequence number, and triggers memory-pressure eviction from the front
// (spec.md §4.3 append).
func (w *Window) Append(b Batch) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(b)
}

func (w *Window) appendLocked(b Batch) error {
	if b.SchemaName() != w.schemaName {
		return ErrSchemaMismatch
	}
	if b.RowCount() == 0 {
		return nil
	}
	minTS, maxTS, hasRange := b.TimeRange()
	tb := TimedBatch{
		Batch:        b,
		MinTS:        minTS,
		MaxTS:        maxTS,
		HasTimeRange: hasRange,
		RowCount:     b.RowCount(),
		ByteSize:     b.ByteSize(),
		Seq:          w.nextSeq,
	}
	w.nextSeq++
	w.batches = append(w.batches, tb)
	w.currentBytes += tb.ByteSize
	w.totalRows += int64(tb.RowCount)

	for w.maxWindowBytes > 0 && w.currentBytes > w.maxWindowBytes && len(w.batches) > 0 {
		w.evictOldestLocked()
	}
	return nil
}

// AppendWithWatermark implements the lateness-aware append of spec.md
// §4.3: lateness is checked against the watermark BEFORE this batch can
// advance it, so a batch can never reject itself.
func (w *Window) AppendWithWatermark(b Batch) (AppendOutcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	minTS, maxTS, hasRange := b.TimeRange()
	if !hasRange || !w.hasTimeField {
		if err := w.appendLocked(b); err != nil {
			return DroppedLate, err
		}
		return Appended, nil
	}

	if minTS < w.watermarkNs-w.allowedLateness {
		if w.latePolicy == LateDrop {
			return DroppedLate, nil
		}
		// LateRevise falls through to append.
	}

	adjusted := maxTS - w.watermarkDelay
	if adjusted > w.watermarkNs {
		w.watermarkNs = adjusted
	}

	if err := w.appendLocked(b); err != nil {
		return DroppedLate, err
	}
	return Appended, nil
}

// Snapshot returns a shallow copy of the batch list: independent of
// subsequent mutations, but the underlying Batch payloads are shared.
func (w *Window) Snapshot() []TimedBatch {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]TimedBatch, len(w.batches))
	copy(out, w.batches)
	return out
}

// ReadSince returns batches with seq >= cursor.Seq, the new cursor, and
// whether a gap was detected (the requested cursor fell behind eviction).
func (w *Window) ReadSince(cursor Cursor) (batches []TimedBatch, newCursor Cursor, gapDetected bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if len(w.batches) == 0 {
		return nil, cursor, false
	}

	oldestSeq := w.batches[0].Seq
	start := cursor.Seq
	if start < oldestSeq {
		start = oldestSeq
		gapDetected = true
	}

	var result []TimedBatch
	for _, tb := range w.batches {
		if tb.Seq >= start {
			result = append(result, tb)
		}
	}
	if len(result) == 0 {
		return nil, cursor, gapDetected
	}
	last := w.batches[len(w.batches)-1]
	return result, Cursor{Seq: last.Seq + 1}, gapDetected
}

// EvictExpired pops batches from the front while MaxTS < nowNanos - over.
// No-op for windows without a time column or with over == 0.
func (w *Window) EvictExpired(nowNanos int64) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.hasTimeField || w.over == 0 {
		return 0
	}
	evicted := 0
	for len(w.batches) > 0 {
		head := w.batches[0]
		if !head.HasTimeRange || head.MaxTS >= nowNanos-w.over {
			break
		}
		w.evictOldestLocked()
		evicted++
	}
	return evicted
}

// EvictOldest unconditionally pops the front batch, returning its byte
// size and whether a batch was actually present.
func (w *Window) EvictOldest() (int64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.batches) == 0 {
		return 0, false
	}
	size := w.batches[0].ByteSize
	w.evictOldestLocked()
	return size, true
}

// evictOldestLocked must be called with w.mu held for writing.
func (w *Window) evictOldestLocked() {
	head := w.batches[0]
	w.batches = w.batches[1:]
	w.currentBytes -= head.ByteSize
	w.totalRows -= int64(head.RowCount)
}

// MemoryUsage returns current_bytes, used by the evictor to pick the
// largest window under global memory pressure.
func (w *Window) MemoryUsage() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.currentBytes
}

// Watermark returns the window's current watermark.
func (w *Window) Watermark() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.watermarkNs
}

// SchemaName returns the window's declared schema name.
func (w *Window) SchemaName() string { return w.schemaName }
