package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/user-service/internal/xerrors"
)

func newTestLogger(t *testing.T, buf *bytes.Buffer, opts Options) *slogLogger {
	t.Helper()
	opts.Writer = buf
	l, err := newSlog(opts)
	if err != nil {
		t.Fatalf("newSlog: %v", err)
	}
	return l.(*slogLogger)
}

// lastRecord parses the last JSON line written to buf
func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	last := lines[len(lines)-1]
	var m map[string]any
	if err := json.Unmarshal([]byte(last), &m); err != nil {
		t.Fatalf("parse log line: %v\nraw: %s", err, last)
	}
	return m
}

// newSlog

func TestNewSlog_BaseAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{
		App:        "user-service",
		Version:    "0.1.0",
		LaunchMode: "api",
		JsonFormat: true,
		Level:      slog.LevelInfo,
	})

	l.Info(context.Background(), "starting user service")

	m := lastRecord(t, &buf)
	if m["app"] != "user-service" || m["version"] != "0.1.0" || m["launch_mode"] != "api" {
		t.Fatalf("base attrs = %v", m)
	}
}

func TestNewSlog_OmitsEmptyVersionAndMode(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "user-service", JsonFormat: true})

	l.Info(context.Background(), "x")

	m := lastRecord(t, &buf)
	if _, ok := m["version"]; ok {
		t.Fatal("version should be omitted when empty")
	}
	if _, ok := m["launch_mode"]; ok {
		t.Fatal("launch_mode should be omitted when empty")
	}
}

func TestNewSlog_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "user-service"})

	l.Info(context.Background(), "health check requested")

	if !strings.Contains(buf.String(), `msg="health check requested"`) {
		t.Fatalf("expected logfmt output, got: %s", buf.String())
	}
}

func TestNewSlog_Defaults(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "user-service"})
	if l.maxErrorLinks != 8 {
		t.Fatalf("maxErrorLinks = %d, want 8", l.maxErrorLinks)
	}

	l = newTestLogger(t, &buf, Options{App: "user-service", MaxErrorLinks: 3})
	if l.maxErrorLinks != 3 {
		t.Fatalf("maxErrorLinks = %d, want 3", l.maxErrorLinks)
	}
}

// Levels

func TestSlogLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "user-service", JsonFormat: true, Level: slog.LevelWarn})
	ctx := context.Background()

	l.Debug(ctx, "probe ok")
	l.Info(ctx, "health check requested")
	if buf.Len() != 0 {
		t.Fatalf("debug/info should be filtered, got: %s", buf.String())
	}

	l.Warn(ctx, "slow probe")
	if !strings.Contains(buf.String(), "slow probe") {
		t.Fatalf("warn should pass, got: %s", buf.String())
	}
}

// With

func TestSlogLogger_With_DoesNotLeakIntoParent(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "user-service", JsonFormat: true})

	child := l.With("service", "postgres", 42, "ignored", "orphan")

	child.Info(context.Background(), "child")
	m := lastRecord(t, &buf)
	if m["service"] != "postgres" {
		t.Fatalf("service = %v, want postgres", m["service"])
	}
	if _, ok := m["orphan"]; ok {
		t.Fatal("odd trailing key should be dropped")
	}

	buf.Reset()
	l.Info(context.Background(), "parent")
	m = lastRecord(t, &buf)
	if _, ok := m["service"]; ok {
		t.Fatal("parent picked up child attrs")
	}
}

func TestSlogLogger_With_KeepsErrorLinkConfig(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "user-service", IncludeErrorLinks: true, MaxErrorLinks: 4})

	child := l.With("k", "v").(*slogLogger)
	if !child.includeErrorLinks || child.maxErrorLinks != 4 {
		t.Fatalf("child config = %v/%d", child.includeErrorLinks, child.maxErrorLinks)
	}
}

// Error

func TestSlogLogger_Error_Enrichment(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "user-service", JsonFormat: true, IncludeErrorLinks: true})

	root := &dialError{addr: "redis-shared:6379"}
	err := xerrors.Wrap(root, "redis ping")

	l.Error(context.Background(), err, "probe failed", "service", "redis")

	m := lastRecord(t, &buf)
	if m["service"] != "redis" {
		t.Fatalf("service = %v", m["service"])
	}
	if !strings.Contains(fmt.Sprint(m["error_type"]), "dialError") {
		t.Fatalf("error_type = %v, want dialError", m["error_type"])
	}
	if !strings.Contains(fmt.Sprint(m["cause_type"]), "dialError") {
		t.Fatalf("cause_type = %v, want dialError", m["cause_type"])
	}
	chain, ok := m["error_chain"].([]any)
	if !ok || len(chain) != 2 {
		t.Fatalf("error_chain = %v", m["error_chain"])
	}
	links, ok := m["error_links"].([]any)
	if !ok || len(links) == 0 {
		t.Fatalf("error_links = %v", m["error_links"])
	}
	first := links[0].(map[string]any)
	if !strings.HasSuffix(fmt.Sprint(first["file"]), "slog_test.go") {
		t.Fatalf("first link file = %v, want this test file", first["file"])
	}
}

func TestSlogLogger_Error_NilErr(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "user-service", JsonFormat: true})

	l.Error(context.Background(), nil, "health check failed")

	m := lastRecord(t, &buf)
	if _, ok := m["err"]; ok {
		t.Fatal("err should be absent for nil error")
	}
	if _, ok := m["error_links"]; ok {
		t.Fatal("error_links should be absent")
	}
}

type dialError struct{ addr string }

func (e *dialError) Error() string { return "dial " + e.addr + ": connection refused" }

// otelHandler

func TestOtelHandler_TraceFields(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "user-service", JsonFormat: true})

	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
	}))

	l.Info(ctx, "traced")
	m := lastRecord(t, &buf)
	if m["trace_id"] != "4bf92f3577b34da6a3ce929d0e0e4736" || m["span_id"] != "00f067aa0ba902b7" {
		t.Fatalf("trace fields = %v / %v", m["trace_id"], m["span_id"])
	}

	buf.Reset()
	l.Info(context.Background(), "untraced")
	if _, ok := lastRecord(t, &buf)["trace_id"]; ok {
		t.Fatal("trace_id without a span")
	}
}

// stackHandler

func TestStackHandler_OnlyAtOrAboveLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "user-service", JsonFormat: true, StacktraceLevel: slog.LevelWarn})

	l.Info(context.Background(), "info")
	if _, ok := lastRecord(t, &buf)["stack"]; ok {
		t.Fatal("stack at info")
	}

	buf.Reset()
	l.Warn(context.Background(), "warn")
	s, _ := lastRecord(t, &buf)["stack"].(string)
	if s == "" {
		t.Fatal("missing stack at warn")
	}
}

func TestStackHandler_PrefersErrStack(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "user-service", JsonFormat: true})

	err := newStackedError()
	l.Error(context.Background(), err, "failed")

	s, _ := lastRecord(t, &buf)["stack"].(string)
	if !strings.Contains(s, "newStackedError") {
		t.Fatalf("stack should start at the error origin, got:\n%s", s)
	}
}

func newStackedError() error { return xerrors.New("origin") }

// addKV

func TestAddKV_SkipsBadPairs(t *testing.T) {
	r := slog.NewRecord(time.Now(), slog.LevelInfo, "x", 0)
	addKV(&r, []any{"a", 1, 2, "b", "dangling"})
	addKV(&r, nil)

	var keys []string
	r.Attrs(func(a slog.Attr) bool {
		keys = append(keys, a.Key)
		return true
	})
	if len(keys) != 1 || keys[0] != "a" {
		t.Fatalf("keys = %v, want [a]", keys)
	}
}

// errorChain / classifyTypes / chainLinks

func TestErrorChain(t *testing.T) {
	if got := errorChain(nil); len(got) != 0 {
		t.Fatalf("nil chain = %v", got)
	}

	err := fmt.Errorf("health: %w", fmt.Errorf("postgres: %w", errors.New("refused")))
	got := errorChain(err)
	if len(got) != 3 || got[2] != "refused" {
		t.Fatalf("chain = %v", got)
	}

	joined := errors.Join(errors.New("redis"), errors.New("elasticsearch"))
	got = errorChain(joined)
	if len(got) != 3 || got[1] != "redis" || got[2] != "elasticsearch" {
		t.Fatalf("joined chain = %v", got)
	}
}

func TestClassifyTypes_SkipsWrappers(t *testing.T) {
	if s, r := classifyTypes(nil); s != "" || r != "" {
		t.Fatalf("nil = %q/%q", s, r)
	}

	err := xerrors.Wrap(fmt.Errorf("ctx: %w", &dialError{addr: "x"}), "outer")
	surface, root := classifyTypes(err)
	if surface != "*log.dialError" {
		t.Fatalf("surface = %q", surface)
	}
	if root != "*log.dialError" {
		t.Fatalf("root = %q", root)
	}
}

func TestChainLinks_Max(t *testing.T) {
	if got := chainLinks(nil, 8); len(got) != 0 {
		t.Fatalf("nil links = %v", got)
	}

	err := errors.New("base")
	for i := 0; i < 10; i++ {
		err = xerrors.Wrapf(err, "layer %d", i)
	}
	if got := chainLinks(err, 4); len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	if got := chainLinks(err, 0); len(got) != 10 {
		t.Fatalf("unbounded len = %d, want 10", len(got))
	}
}

func TestFrameHelpers_Empty(t *testing.T) {
	if _, _, _, ok := frameFromPC(0); ok {
		t.Fatal("frameFromPC(0) ok")
	}
	if _, _, _, ok := firstExtFrame(nil); ok {
		t.Fatal("firstExtFrame(nil) ok")
	}
}
