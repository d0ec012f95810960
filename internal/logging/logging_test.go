package logging

import (
	"strings"
	"testing"
)

func TestEmitWritesLogfmtLine(t *testing.T) {
	var buf strings.Builder
	l := New(&buf, LevelDebug)
	l.Info("backend throttled", "op", "save_noun", "attempt", 2)

	line := buf.String()
	if !strings.HasPrefix(line, "ts=") {
		t.Fatalf("expected ts= prefix, got %q", line)
	}
	for _, want := range []string{"level=info", `msg="backend throttled"`, "op=save_noun", "attempt=2"} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in line %q", want, line)
		}
	}
	if !strings.HasSuffix(line, "\n") {
		t.Fatalf("expected newline-terminated line, got %q", line)
	}
}

func TestMinLevelDropsRecords(t *testing.T) {
	var buf strings.Builder
	l := New(&buf, LevelWarn)
	l.Debug("hidden")
	l.Info("hidden too")
	if buf.Len() != 0 {
		t.Fatalf("expected records below warn to be dropped, got %q", buf.String())
	}
	l.Error("boom")
	if !strings.Contains(buf.String(), "level=error") {
		t.Fatalf("expected error record, got %q", buf.String())
	}
}

func TestWithPrependsBoundAttrs(t *testing.T) {
	var buf strings.Builder
	l := New(&buf, LevelDebug).With("shard", "1a")
	l.Info("flushed", "count", 3)

	line := buf.String()
	shardAt := strings.Index(line, "shard=1a")
	countAt := strings.Index(line, "count=3")
	if shardAt < 0 || countAt < 0 || shardAt > countAt {
		t.Fatalf("expected bound attrs before call attrs, got %q", line)
	}
}

func TestOddKeyvalsFlaggedNotDropped(t *testing.T) {
	var buf strings.Builder
	l := New(&buf, LevelDebug)
	l.Info("msg", "dangling")
	if !strings.Contains(buf.String(), "!badkey=dangling") {
		t.Fatalf("expected dangling value flagged, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"WARN":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
