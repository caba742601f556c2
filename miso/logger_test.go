package miso

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/curtisnewbie/shopbus/util/errs"
	"github.com/sirupsen/logrus"
)

func TestFormatter(t *testing.T) {
	var buf bytes.Buffer
	orig := logger.Out
	SetLogOutput(&buf)
	defer SetLogOutput(orig)
	SetLogLevel("debug")
	defer SetLogLevel("info")

	rail := NewRail(context.Background()).WithCtxVal(XTraceId, "trace123")
	rail.Infof("publishing %v", "audit.log.created")

	out := buf.String()
	if !strings.Contains(out, "INFO ") || !strings.Contains(out, "[trace123") {
		t.Fatal(out)
	}
	if !strings.Contains(out, "miso.TestFormatter") {
		t.Fatalf("caller missing, %v", out)
	}
	if !strings.HasSuffix(out, ": publishing audit.log.created\n") {
		t.Fatal(out)
	}
}

func TestErrorfAppendsStack(t *testing.T) {
	var buf bytes.Buffer
	orig := logger.Out
	SetLogOutput(&buf)
	defer SetLogOutput(orig)

	EmptyRail().Errorf("failed, %v", errs.NewErrf("broker unreachable"))
	out := buf.String()
	if !strings.Contains(out, "failed, broker unreachable") || !strings.Contains(out, "TestErrorfAppendsStack") {
		t.Fatal(out)
	}
}

func TestParseLogLevel(t *testing.T) {
	if l, ok := ParseLogLevel("warn"); !ok || l != logrus.WarnLevel {
		t.Fatal(l)
	}
	if _, ok := ParseLogLevel("nope"); ok {
		t.Fatal("should not be ok")
	}
}
