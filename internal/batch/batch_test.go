package batch

import (
	"testing"

	"github.com/apache/arrow/go/arrow"
	"github.com/apache/arrow/go/arrow/array"
	"github.com/apache/arrow/go/arrow/memory"

	"github.com/warpfusion/warpfusion/internal/wfschema"
)

func buildTestRecord(t *testing.T) array.Record {
	t.Helper()
	mem := memory.NewGoAllocator()

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "ts", Type: arrow.PrimitiveTypes.Int64},
		{Name: "amount", Type: arrow.PrimitiveTypes.Float64},
		{Name: "user", Type: arrow.BinaryTypes.String},
		{Name: "flagged", Type: arrow.FixedWidthTypes.Boolean},
	}, nil)

	tsB := array.NewInt64Builder(mem)
	tsB.AppendValues([]int64{100, 200, 300}, nil)
	tsArr := tsB.NewInt64Array()

	amtB := array.NewFloat64Builder(mem)
	amtB.AppendValues([]float64{1.5, 2.5, 3.5}, nil)
	amtArr := amtB.NewFloat64Array()

	userB := array.NewStringBuilder(mem)
	userB.AppendValues([]string{"alice", "bob", "carol"}, nil)
	userArr := userB.NewStringArray()

	flagB := array.NewBooleanBuilder(mem)
	flagB.AppendValues([]bool{true, false, true}, nil)
	flagArr := flagB.NewBooleanArray()

	cols := []array.Interface{tsArr, amtArr, userArr, flagArr}
	return array.NewRecord(schema, cols, 3)
}

func testSchema() *wfschema.WindowSchema {
	return &wfschema.WindowSchema{
		Name:      "w",
		TimeField: "ts",
		Fields: []wfschema.FieldDef{
			{Name: "ts", Base: wfschema.Time},
			{Name: "amount", Base: wfschema.Float},
			{Name: "user", Base: wfschema.Chars},
			{Name: "flagged", Base: wfschema.Bool},
		},
	}
}

func TestRecordBatchTimeRange(t *testing.T) {
	rec := buildTestRecord(t)
	defer rec.Release()
	ws := testSchema()
	rb := NewRecordBatch("w", rec, ws)
	minTS, maxTS, ok := rb.TimeRange()
	if !ok {
		t.Fatal("expected a time range")
	}
	if minTS != 100 || maxTS != 300 {
		t.Errorf("TimeRange() = (%d, %d), want (100, 300)", minTS, maxTS)
	}
}

func TestRecordBatchTimeRangeNoTimeField(t *testing.T) {
	rec := buildTestRecord(t)
	defer rec.Release()
	ws := &wfschema.WindowSchema{Name: "w"}
	rb := NewRecordBatch("w", rec, ws)
	if _, _, ok := rb.TimeRange(); ok {
		t.Error("expected no time range without a declared time field")
	}
}

func TestRecordBatchRowCount(t *testing.T) {
	rec := buildTestRecord(t)
	defer rec.Release()
	rb := NewRecordBatch("w", rec, testSchema())
	if rb.RowCount() != 3 {
		t.Errorf("RowCount() = %d, want 3", rb.RowCount())
	}
}

func TestRecordBatchByteSizePositive(t *testing.T) {
	rec := buildTestRecord(t)
	defer rec.Release()
	rb := NewRecordBatch("w", rec, testSchema())
	if rb.ByteSize() <= 0 {
		t.Error("expected a positive byte size estimate")
	}
}

func TestFlattenRow(t *testing.T) {
	rec := buildTestRecord(t)
	defer rec.Release()
	ws := testSchema()
	ev := FlattenRow(rec, 1, ws, nil)

	amt, ok := ev.Field("amount")
	if !ok {
		t.Fatal("expected amount field")
	}
	if f, _ := amt.AsFloat(); f != 2.5 {
		t.Errorf("amount = %v, want 2.5", f)
	}

	user, ok := ev.Field("user")
	if !ok {
		t.Fatal("expected user field")
	}
	if s, _ := user.AsString(); s != "bob" {
		t.Errorf("user = %v, want bob", s)
	}

	flagged, ok := ev.Field("flagged")
	if !ok {
		t.Fatal("expected flagged field")
	}
	if b, _ := flagged.AsBool(); b != false {
		t.Errorf("flagged = %v, want false", b)
	}
}

func TestFlattenRowUnknownFieldFallsBackToChars(t *testing.T) {
	rec := buildTestRecord(t)
	defer rec.Release()
	ws := &wfschema.WindowSchema{Name: "w", TimeField: "ts"} // no Fields declared at all
	ev := FlattenRow(rec, 0, ws, nil)
	user, ok := ev.Field("user")
	if !ok {
		t.Fatal("expected user field even without a schema entry")
	}
	if s, _ := user.AsString(); s != "alice" {
		t.Errorf("user = %v, want alice", s)
	}
}

func TestDecodeFrameTruncatedTag(t *testing.T) {
	if _, err := DecodeFrame([]byte{0, 5, 'a'}); err == nil {
		t.Error("expected an error for a truncated tag")
	}
}

func TestDecodeFrameEmptyBody(t *testing.T) {
	payload := []byte{0, 1, 's'} // tag "s", no body
	f, err := DecodeFrame(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.StreamTag != "s" {
		t.Errorf("StreamTag = %q, want %q", f.StreamTag, "s")
	}
	if f.Record != nil {
		t.Error("expected no record for an empty body")
	}
}
