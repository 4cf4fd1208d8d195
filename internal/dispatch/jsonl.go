// jsonl.go — the reference JSONL sink (spec.md §4.6/§6): one JSON object
// per line, stable key ordering via an explicit field list rather than
// struct-tag-driven encoding/json, so the wire shape never silently
// reorders when OutputRecord gains fields.
package dispatch

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// JSONLSink writes one stable-ordered JSON object per line to w.
type JSONLSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONLSink wraps w (typically an os.File or a buffered writer).
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{w: w}
}

// Write renders rec as one line of JSON: rule_name, fired_at (ISO-8601
// UTC), entity_type, entity_id, score, close_reason (if present),
// scope_key, yield_fields — in that order (spec.md §6).
func (s *JSONLSink) Write(rec OutputRecord) error {
	var buf bytes.Buffer
	buf.WriteByte('{')

	writeKV(&buf, "rule_name", rec.RuleName, true)
	firedAt := time.Unix(0, rec.EventTimeNanos).UTC().Format(time.RFC3339Nano)
	writeKV(&buf, "fired_at", firedAt, false)
	writeKV(&buf, "entity_type", rec.EntityType, false)
	writeKV(&buf, "entity_id", rec.EntityID.String(), false)
	writeKV(&buf, "score", rec.Score.String(), false)
	if rec.HasCloseReason {
		writeKV(&buf, "close_reason", rec.CloseReason, false)
	}

	buf.WriteString(`,"scope_key":[`)
	for i, k := range rec.ScopeKey {
		if i > 0 {
			buf.WriteByte(',')
		}
		enc, err := json.Marshal(k.String())
		if err != nil {
			return err
		}
		buf.Write(enc)
	}
	buf.WriteByte(']')

	buf.WriteString(`,"yield_fields":{`)
	for i, f := range rec.YieldFields {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f.Name)
		if err != nil {
			return err
		}
		buf.Write(name)
		buf.WriteByte(':')
		val, err := json.Marshal(f.Value.String())
		if err != nil {
			return err
		}
		buf.Write(val)
	}
	buf.WriteString("}}\n")

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(buf.Bytes())
	return err
}

func writeKV(buf *bytes.Buffer, key, val string, first bool) {
	if !first {
		buf.WriteByte(',')
	}
	enc, _ := json.Marshal(val)
	buf.WriteByte('"')
	buf.WriteString(key)
	buf.WriteString(`":`)
	buf.Write(enc)
}
