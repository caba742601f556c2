package miso

import (
	"testing"
)

func TestNextSpan(t *testing.T) {
	rail, cancel := EmptyRail().WithCancel()
	rail = rail.WithCtxVal(XUsername, "banana")
	cancel()

	next := rail.NextSpan()
	if next.TraceId() != rail.TraceId() {
		t.Fatalf("trace id not propagated, %v, %v", next.TraceId(), rail.TraceId())
	}
	if next.SpanId() == rail.SpanId() {
		t.Fatal("span id should change")
	}
	if next.CtxValStr(XUsername) != "banana" {
		t.Fatal("username not propagated")
	}
	if next.IsDone() {
		t.Fatal("cancellation should not be propagated")
	}
}

func TestAddPropagationKey(t *testing.T) {
	AddPropagationKey("x-request-id")
	AddPropagationKey("x-request-id")
	n := 0
	UsePropagationKeys(func(key string) {
		if key == "x-request-id" {
			n++
		}
	})
	if n != 1 {
		t.Fatal(n)
	}
}
