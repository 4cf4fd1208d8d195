// batch.go — columnar batch decode (Arrow-IPC-like wire format, spec.md §6)
// and row flattening to wfevent.Event (spec.md §3).
//
// Grounded on original_source/crates/wf-core/src/window/buffer.rs's use of
// arrow::record_batch::RecordBatch and arrow::array::TimestampNanosecondArray
// for time-range extraction; this package is the Go-side counterpart using
// github.com/apache/arrow/go/arrow, the teacher pack's only Arrow dependency
// (jrmccluskey-beam's go.mod).
package batch

import (
	"bytes"
	"fmt"

	"github.com/apache/arrow/go/arrow/array"
	"github.com/apache/arrow/go/arrow/ipc"
	"go.uber.org/zap"

	"github.com/warpfusion/warpfusion/internal/value"
	"github.com/warpfusion/warpfusion/internal/wfevent"
	"github.com/warpfusion/warpfusion/internal/wfschema"
)

// Frame is one decoded [4-byte length][payload] unit off the wire: a tag
// naming the source stream plus the Arrow-IPC columnar record that follows.
type Frame struct {
	StreamTag string
	Record    array.Record
}

// DecodeFrame reads a single framed payload: a length-prefixed tag string,
// followed by an Arrow IPC stream containing exactly one record batch.
// Malformed frames (truncated tag, undecodable IPC stream) return an error
// for the caller to log and drop per spec.md §4.1; they never panic.
func DecodeFrame(payload []byte) (Frame, error) {
	if len(payload) < 2 {
		return Frame{}, fmt.Errorf("batch: payload too short for tag length")
	}
	tagLen := int(payload[0])<<8 | int(payload[1])
	if len(payload) < 2+tagLen {
		return Frame{}, fmt.Errorf("batch: truncated stream tag")
	}
	tag := string(payload[2 : 2+tagLen])
	body := payload[2+tagLen:]
	if len(body) == 0 {
		return Frame{StreamTag: tag}, nil
	}

	r, err := ipc.NewReader(bytes.NewReader(body))
	if err != nil {
		return Frame{}, fmt.Errorf("batch: ipc reader: %w", err)
	}
	defer r.Release()

	if !r.Next() {
		return Frame{StreamTag: tag}, nil
	}
	rec := r.Record()
	rec.Retain()
	return Frame{StreamTag: tag, Record: rec}, nil
}

// RecordBatch adapts an arrow array.Record to window.Batch.
type RecordBatch struct {
	schemaName string
	rec        array.Record
	timeColIdx int // -1 if the window has no time field
}

// NewRecordBatch wraps rec for use by internal/window, resolving the time
// column index from the schema (if any).
func NewRecordBatch(schemaName string, rec array.Record, ws *wfschema.WindowSchema) *RecordBatch {
	idx := -1
	if ws.HasTimeField() {
		for i, f := range rec.Schema().Fields() {
			if f.Name == ws.TimeField {
				idx = i
				break
			}
		}
	}
	return &RecordBatch{schemaName: schemaName, rec: rec, timeColIdx: idx}
}

func (b *RecordBatch) SchemaName() string { return b.schemaName }
func (b *RecordBatch) RowCount() int      { return int(b.rec.NumRows()) }

// ByteSize approximates arrow's get_array_memory_size by summing each
// column's underlying buffer lengths.
func (b *RecordBatch) ByteSize() int64 {
	var total int64
	for i := 0; i < int(b.rec.NumCols()); i++ {
		col := b.rec.Column(i)
		for _, buf := range col.Data().Buffers() {
			if buf != nil {
				total += int64(buf.Len())
			}
		}
	}
	return total
}

// TimeRange extracts (min, max) nanosecond timestamps from the time
// column. ok=false when there is no time column, or every value is null
// (the sentinel case of spec.md §4.3 step 1: never late, never advances
// the watermark).
func (b *RecordBatch) TimeRange() (minNanos, maxNanos int64, ok bool) {
	if b.timeColIdx < 0 {
		return 0, 0, false
	}
	col, isTS := b.rec.Column(b.timeColIdx).(*array.Int64)
	if !isTS {
		return 0, 0, false
	}
	first := true
	for i := 0; i < col.Len(); i++ {
		if col.IsNull(i) {
			continue
		}
		v := col.Value(i)
		if first {
			minNanos, maxNanos = v, v
			first = false
			continue
		}
		if v < minNanos {
			minNanos = v
		}
		if v > maxNanos {
			maxNanos = v
		}
	}
	return minNanos, maxNanos, !first
}

// Record exposes the underlying arrow record for row flattening.
func (b *RecordBatch) Record() array.Record { return b.rec }

// FlattenRow builds a wfevent.Event from row i of rec, inferring each
// column's Value kind from the window schema's declared base type. When a
// field has no schema entry (an internal pipeline window materialized by
// the engine itself, not declared in .wfs), type inference falls back to
// wfschema.Chars and logs a Warn through log — satisfying the fallback
// behavior of SPEC_FULL.md §4.10.
func FlattenRow(rec array.Record, rowIdx int, ws *wfschema.WindowSchema, log *zap.Logger) wfevent.Event {
	ev := make(wfevent.Event, len(rec.Schema().Fields()))
	for colIdx, f := range rec.Schema().Fields() {
		def, hasSchema := ws.FieldByName(f.Name)
		base := def.Base
		if !hasSchema {
			base = wfschema.Chars
			if log != nil {
				log.Warn("field has no schema entry, falling back to Chars",
					zap.String("window", ws.Name),
					zap.String("field", f.Name))
			}
		}
		v, ok := valueFromColumn(rec.Column(colIdx), rowIdx, base)
		if ok {
			ev[f.Name] = v
		}
	}
	return ev
}

func valueFromColumn(col array.Interface, rowIdx int, base wfschema.BaseType) (value.Value, bool) {
	if col.IsNull(rowIdx) {
		return value.Value{}, false
	}
	switch base {
	case wfschema.Digit, wfschema.Time:
		if a, ok := col.(*array.Int64); ok {
			return value.Number(float64(a.Value(rowIdx))), true
		}
	case wfschema.Float:
		if a, ok := col.(*array.Float64); ok {
			return value.Number(a.Value(rowIdx)), true
		}
	case wfschema.Bool:
		if a, ok := col.(*array.Boolean); ok {
			return value.Bool(a.Value(rowIdx)), true
		}
	case wfschema.Chars, wfschema.Ip, wfschema.Hex:
		if a, ok := col.(*array.String); ok {
			return value.Str(a.Value(rowIdx)), true
		}
	}
	// Base type doesn't match the column's physical arrow type; fall back
	// to whatever the column's native Go representation yields rather than
	// silently dropping the field.
	return valueFromAnyColumn(col, rowIdx)
}

func valueFromAnyColumn(col array.Interface, rowIdx int) (value.Value, bool) {
	switch a := col.(type) {
	case *array.Int64:
		return value.Number(float64(a.Value(rowIdx))), true
	case *array.Float64:
		return value.Number(a.Value(rowIdx)), true
	case *array.Boolean:
		return value.Bool(a.Value(rowIdx)), true
	case *array.String:
		return value.Str(a.Value(rowIdx)), true
	default:
		return value.Value{}, false
	}
}

// Release drops the frame's reference to its underlying arrow buffers.
func (f Frame) Release() {
	if f.Record != nil {
		f.Record.Release()
	}
}
