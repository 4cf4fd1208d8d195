package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

func TestNewRegistersAllCollectorsWithoutPanicking(t *testing.T) {
	m := New()
	m.RuleEventsTotal.WithLabelValues("r1").Inc()
	m.RuleInstances.WithLabelValues("r1").Set(3)
	m.AddEvictReport(2, 1)

	if got := testutil.ToFloat64(m.EvictorSweepsTotal); got != 1 {
		t.Fatalf("expected one sweep recorded, got %v", got)
	}
	if got := testutil.ToFloat64(m.EvictorTimeEvictedTotal); got != 2 {
		t.Fatalf("expected 2 time-evicted batches, got %v", got)
	}
	if got := testutil.ToFloat64(m.EvictorMemoryEvictedTotal); got != 1 {
		t.Fatalf("expected 1 memory-evicted batch, got %v", got)
	}
	if got := testutil.ToFloat64(m.RuleInstances.WithLabelValues("r1")); got != 3 {
		t.Fatalf("expected gauge set to 3, got %v", got)
	}
}

func TestServeStopsCleanlyOnCancellation(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- m.Serve(ctx, "127.0.0.1:0", zap.NewNop()) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("unexpected Serve error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}
