// schema.go — window schemas, declared independently of any rule.
package wfschema

import (
	"time"

	"github.com/warpfusion/warpfusion/internal/window"
)

// BaseType is a WFS field's declared base type.
type BaseType uint8

const (
	Time BaseType = iota
	Digit
	Float
	Chars
	Ip
	Hex
	Bool
)

func (t BaseType) String() string {
	switch t {
	case Time:
		return "Time"
	case Digit:
		return "Digit"
	case Float:
		return "Float"
	case Chars:
		return "Chars"
	case Ip:
		return "Ip"
	case Hex:
		return "Hex"
	case Bool:
		return "Bool"
	default:
		return "Unknown"
	}
}

// FieldDef is one ordered field definition in a window schema.
type FieldDef struct {
	Name string
	Base BaseType
}

// LatePolicy controls append_with_watermark's behavior on a late batch.
type LatePolicy uint8

const (
	// LateDrop rejects late batches outright.
	LateDrop LatePolicy = iota
	// LateRevise lets a late batch fall through to append (no rejection).
	LateRevise
	// LateSideOutput is accepted at config time but collapses to LateDrop
	// in this core — see SPEC_FULL.md §4.11.
	LateSideOutput
)

// WindowSchema is declared independently of any rule (spec.md §3).
type WindowSchema struct {
	Name      string
	Streams   []string // subscribing stream names
	TimeField string   // empty => window never advances its watermark
	Over      time.Duration
	Fields    []FieldDef

	WatermarkDelay  time.Duration
	AllowedLateness time.Duration
	LatePolicy      LatePolicy

	MaxWindowBytes int64 // per-window byte cap; 0 = unbounded
}

// HasTimeField reports whether this schema carries a time column.
func (s *WindowSchema) HasTimeField() bool { return s.TimeField != "" }

// FieldByName looks up a field definition by name.
func (s *WindowSchema) FieldByName(name string) (FieldDef, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDef{}, false
}

// windowLatePolicy resolves a declared LatePolicy to the runtime's two-value
// enum. LateSideOutput collapses to LateDrop: this core has no side-output
// sink to route late batches to (SPEC_FULL.md §4.11).
func (p LatePolicy) windowLatePolicy() window.LatePolicy {
	if p == LateRevise {
		return window.LateRevise
	}
	return window.LateDrop
}

// WindowConfig builds the runtime Config a live *window.Window is
// constructed from.
func (s *WindowSchema) WindowConfig() window.Config {
	return window.Config{
		SchemaName:      s.Name,
		HasTimeField:    s.HasTimeField(),
		Over:            int64(s.Over),
		WatermarkDelay:  int64(s.WatermarkDelay),
		AllowedLateness: int64(s.AllowedLateness),
		LatePolicy:      s.LatePolicy.windowLatePolicy(),
		MaxWindowBytes:  s.MaxWindowBytes,
	}
}
