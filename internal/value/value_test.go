package value

import (
	"math"
	"testing"
)

func TestEqualSameType(t *testing.T) {
	cases := []struct {
		name string
		a, b Value
		want bool
	}{
		{"numbers equal", Number(3), Number(3), true},
		{"numbers epsilon", Number(math.Nextafter(0.5, 1)), Number(0.5), true},
		{"numbers differ", Number(3), Number(4), false},
		{"strings equal", Str("a"), Str("a"), true},
		{"strings differ", Str("a"), Str("b"), false},
		{"bools equal", Bool(true), Bool(true), true},
		{"cross type", Number(1), Str("1"), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Equal(c.a, c.b); got != c.want {
				t.Errorf("Equal(%v,%v) = %v, want %v", c.a, c.b, got, c.want)
			}
		})
	}
}

func TestCompareCrossType(t *testing.T) {
	if _, ok := Compare(Str("a"), Number(1)); ok {
		t.Fatal("cross-type compare must report ok=false")
	}
}

func TestCompareOrdering(t *testing.T) {
	if ord, ok := Compare(Number(1), Number(2)); !ok || ord >= 0 {
		t.Fatalf("expected 1<2, got ord=%d ok=%v", ord, ok)
	}
	if ord, ok := Compare(Str("b"), Str("a")); !ok || ord <= 0 {
		t.Fatalf("expected b>a, got ord=%d ok=%v", ord, ok)
	}
}

func TestStringRoundTrip(t *testing.T) {
	if Number(3.5).String() != "3.5" {
		t.Fatalf("got %q", Number(3.5).String())
	}
	if Bool(true).String() != "true" {
		t.Fatalf("got %q", Bool(true).String())
	}
}
