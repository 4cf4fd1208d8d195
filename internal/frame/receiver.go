// receiver.go — the Frame Receiver (spec.md §4.1): terminates TCP
// connections, decodes length-prefixed columnar batches, and routes each
// to the subscribed windows.
//
// Grounded on original_source/crates/wf-runtime/src/receiver.rs: the
// [4-byte BE length][payload] framing, the per-connection read loop that
// treats a decode error as a dropped-frame (connection stays open) versus
// a read error (connection terminates, listener unaffected), and the
// accept-loop-exits-on-cancellation shutdown shape. The per-connection
// goroutine-per-client concurrency itself is grounded on
// jrmccluskey-beam's execute.go errgroup.Group usage (no teacher
// equivalent: the teacher is a stdio-based MCP server, never a TCP
// listener), applied here to net.Listener.Accept instead of Beam's worker
// environments.
package frame

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warpfusion/warpfusion/internal/batch"
	"github.com/warpfusion/warpfusion/internal/router"
	"github.com/warpfusion/warpfusion/internal/wfschema"
)

// Recorder receives frame-receiver observability counters (satisfied by
// internal/metrics.Metrics).
type Recorder interface {
	RecordReceiverConnection()
	RecordReceiverFrame()
	RecordReceiverRows(n int)
	RecordReceiverDecodeError()
	RecordReceiverReadError()
	ObserveReceiverDecodeSeconds(seconds float64)
}

// Receiver accepts connections on a TCP listener and routes decoded
// batches through router by their frame's stream tag.
type Receiver struct {
	listener net.Listener
	router   *router.Router
	schemas  map[string]*wfschema.WindowSchema
	log      *zap.Logger
	rec      Recorder
}

// Bind parses an optional "tcp://" prefix (matching spec.md §6's listen
// address form) and opens a TCP listener.
func Bind(listen string, r *router.Router, schemas map[string]*wfschema.WindowSchema, log *zap.Logger) (*Receiver, error) {
	addr := strings.TrimPrefix(listen, "tcp://")
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Receiver{listener: ln, router: r, schemas: schemas, log: log}, nil
}

// SetRecorder attaches an optional observability Recorder.
func (rv *Receiver) SetRecorder(rec Recorder) {
	rv.rec = rec
}

// Addr returns the listener's bound address (useful for tests binding to
// port 0).
func (rv *Receiver) Addr() net.Addr {
	return rv.listener.Addr()
}

// Run accepts connections until ctx is cancelled, spawning one goroutine
// per connection via an unbounded errgroup. On cancellation it closes the
// listener, and every open connection is closed at the same moment, so a
// frame still being read is discarded (a frame already read is decoded
// and routed before its goroutine exits). Run returns once every
// connection goroutine has exited.
func (rv *Receiver) Run(ctx context.Context) error {
	eg, egctx := errgroup.WithContext(ctx)

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := rv.listener.Accept()
			if err != nil {
				return
			}
			if rv.rec != nil {
				rv.rec.RecordReceiverConnection()
			}
			eg.Go(func() error {
				rv.handleConnection(egctx, conn)
				return nil
			})
		}
	}()

	<-ctx.Done()
	rv.listener.Close()
	<-acceptDone
	return eg.Wait()
}

func (rv *Receiver) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		payload, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				if rv.log != nil {
					rv.log.Warn("frame receiver: connection read error", zap.Error(err))
				}
				if rv.rec != nil {
					rv.rec.RecordReceiverReadError()
				}
			}
			break
		}

		start := time.Now()
		f, err := batch.DecodeFrame(payload)
		if rv.rec != nil {
			rv.rec.ObserveReceiverDecodeSeconds(time.Since(start).Seconds())
		}
		if err != nil {
			if rv.log != nil {
				rv.log.Warn("frame receiver: decode error", zap.Error(err))
			}
			if rv.rec != nil {
				rv.rec.RecordReceiverDecodeError()
			}
			continue
		}
		if f.Record == nil {
			continue
		}
		if rv.rec != nil {
			rv.rec.RecordReceiverFrame()
			rv.rec.RecordReceiverRows(int(f.Record.NumRows()))
		}

		ws, ok := rv.schemas[f.StreamTag]
		if !ok {
			if rv.log != nil {
				rv.log.Warn("frame receiver: no schema bound for stream tag, dropping frame",
					zap.String("stream", f.StreamTag))
			}
			f.Release()
			continue
		}
		rb := batch.NewRecordBatch(ws.Name, f.Record, ws)
		rv.router.Route(f.StreamTag, rb)
	}
}

// readFrame reads one [4-byte BE length][payload] unit. A clean EOF before
// any bytes are read returns io.EOF; a partial read is a genuine error.
func readFrame(conn net.Conn) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
