package frame

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/apache/arrow/go/arrow"
	"github.com/apache/arrow/go/arrow/array"
	"github.com/apache/arrow/go/arrow/ipc"
	"github.com/apache/arrow/go/arrow/memory"
	"go.uber.org/zap"

	"github.com/warpfusion/warpfusion/internal/router"
	"github.com/warpfusion/warpfusion/internal/wfschema"
	"github.com/warpfusion/warpfusion/internal/window"
)

func testArrowSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "ts", Type: arrow.PrimitiveTypes.Int64},
		{Name: "value", Type: arrow.PrimitiveTypes.Int64},
	}, nil)
}

// encodeFrame builds one outer [4B length][2B tag length][tag][arrow IPC
// body] frame, mirroring original_source/receiver.rs's wire format plus
// internal/batch.DecodeFrame's own tag-prefix convention.
func encodeFrame(t *testing.T, tag string, ts, value int64) []byte {
	t.Helper()
	mem := memory.NewGoAllocator()
	schema := testArrowSchema()
	tsB := array.NewInt64Builder(mem)
	tsB.Append(ts)
	valB := array.NewInt64Builder(mem)
	valB.Append(value)
	rec := array.NewRecord(schema, []array.Interface{tsB.NewInt64Array(), valB.NewInt64Array()}, 1)
	defer rec.Release()

	var ipcBuf bytes.Buffer
	w := ipc.NewWriter(&ipcBuf, ipc.WithSchema(schema))
	if err := w.Write(rec); err != nil {
		t.Fatalf("ipc write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("ipc close: %v", err)
	}

	var payload bytes.Buffer
	payload.WriteByte(byte(len(tag) >> 8))
	payload.WriteByte(byte(len(tag)))
	payload.WriteString(tag)
	payload.Write(ipcBuf.Bytes())

	var frame bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(payload.Len()))
	frame.Write(lenBuf[:])
	frame.Write(payload.Bytes())
	return frame.Bytes()
}

func testRouterAndSchemas(streamName string) (*router.Router, map[string]*wfschema.WindowSchema, *window.Window) {
	ws := &wfschema.WindowSchema{
		Name:      "test_win",
		TimeField: "ts",
		Fields: []wfschema.FieldDef{
			{Name: "ts", Base: wfschema.Time},
			{Name: "value", Base: wfschema.Digit},
		},
	}
	w := window.New(window.Config{SchemaName: "test_win", HasTimeField: true})
	r := router.New(map[string][]string{streamName: {"test_win"}}, map[string]*window.Window{"test_win": w}, zap.NewNop())
	return r, map[string]*wfschema.WindowSchema{streamName: ws}, w
}

func rowCount(w *window.Window) int {
	total := 0
	for _, tb := range w.Snapshot() {
		total += tb.RowCount
	}
	return total
}

func TestReceiverContinuousReception(t *testing.T) {
	r, schemas, w := testRouterAndSchemas("stream")
	rv, err := Bind("tcp://127.0.0.1:0", r, schemas, zap.NewNop())
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rv.Run(ctx) }()

	conn, err := net.Dial("tcp", rv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	for i := int64(0); i < 5; i++ {
		if _, err := conn.Write(encodeFrame(t, "stream", (i+1)*1e10, i)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for rowCount(w) < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	conn.Close()
	cancel()
	<-done

	if got := rowCount(w); got != 5 {
		t.Fatalf("expected 5 rows routed, got %d", got)
	}
}

func TestReceiverConnectionDropDoesNotAffectListener(t *testing.T) {
	r, schemas, w := testRouterAndSchemas("data")
	rv, err := Bind("tcp://127.0.0.1:0", r, schemas, zap.NewNop())
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rv.Run(ctx) }()

	connA, err := net.Dial("tcp", rv.Addr().String())
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	connA.Write(encodeFrame(t, "data", 1e10, 1))
	time.Sleep(50 * time.Millisecond)
	connA.Close()

	connB, err := net.Dial("tcp", rv.Addr().String())
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	connB.Write(encodeFrame(t, "data", 2e10, 2))

	deadline := time.Now().Add(2 * time.Second)
	for rowCount(w) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	connB.Close()
	cancel()
	<-done

	if got := rowCount(w); got != 2 {
		t.Fatalf("expected 2 rows across both connections, got %d", got)
	}
}
