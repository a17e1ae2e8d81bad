package lalog

import (
	"strings"
	"testing"
)

func TestEntryRingPushAndIterate(t *testing.T) {
	r := NewEntryRing(3)
	r.Push(Entry{Message: "a"})
	r.Push(Entry{Message: "b"})
	r.Push(Entry{Message: "c"})

	var seen []string
	r.Iterate(func(e Entry) bool {
		seen = append(seen, e.Message)
		return true
	})
	if len(seen) != 3 {
		t.Fatalf("expected 3 entries, got %v", seen)
	}
}

func TestEntryRingEvictsOldest(t *testing.T) {
	r := NewEntryRing(2)
	r.Push(Entry{Message: "first"})
	r.Push(Entry{Message: "second"})
	r.Push(Entry{Message: "third"})

	var seen []string
	r.Iterate(func(e Entry) bool {
		seen = append(seen, e.Message)
		return true
	})
	for _, s := range seen {
		if s == "first" {
			t.Fatalf("expected oldest entry to have been evicted, got %v", seen)
		}
	}
}

func TestEntryRingIterateStopsEarly(t *testing.T) {
	r := NewEntryRing(5)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		r.Push(Entry{Message: s})
	}
	count := 0
	r.Iterate(func(Entry) bool {
		count++
		return count < 2
	})
	if count != 2 {
		t.Fatalf("expected iteration to stop after 2 calls, got %d", count)
	}
}

func TestEntryRingRecentReturnsNewestFirst(t *testing.T) {
	r := NewEntryRing(5)
	for _, s := range []string{"a", "b", "c"} {
		r.Push(Entry{Message: s})
	}
	recent := r.Recent(2)
	if len(recent) != 2 || recent[0].Message != "c" || recent[1].Message != "b" {
		t.Fatalf("expected [c b], got %+v", recent)
	}
}

func TestLoggerInfoRecordsStructuredEntry(t *testing.T) {
	logger := Logger{ComponentName: "test.component"}
	logger.Info("peer-1", nil, "hello %s", "world")

	recent := LatestLogs.Recent(1)
	if len(recent) != 1 {
		t.Fatalf("expected an entry to be recorded, got %d", len(recent))
	}
	if recent[0].Component != "test.component" || recent[0].Actor != "peer-1" {
		t.Fatalf("expected structured component/actor fields, got %+v", recent[0])
	}
	if !strings.Contains(recent[0].Message, "hello world") {
		t.Fatalf("expected message to contain formatted text, got %q", recent[0].Message)
	}
}

func TestTruncateStringLeavesShortStringsUntouched(t *testing.T) {
	in := "short message"
	if got := TruncateString(in, 100); got != in {
		t.Fatalf("expected unmodified string, got %q", got)
	}
}

func TestTruncateStringInsertsMarkerForLongStrings(t *testing.T) {
	in := strings.Repeat("x", 200)
	got := TruncateString(in, 40)
	if !strings.Contains(got, truncatedLabel) {
		t.Fatalf("expected truncated output to contain marker, got %q", got)
	}
	if len(got) > 40 {
		t.Fatalf("expected truncated output to respect maxLength, got length %d", len(got))
	}
}

func TestTruncateStringBelowMarkerLength(t *testing.T) {
	in := strings.Repeat("y", 50)
	got := TruncateString(in, 5)
	if got != in[:5] {
		t.Fatalf("expected hard cut at maxLength, got %q", got)
	}
}

func TestLintStringReplacesControlCharacters(t *testing.T) {
	in := "hello\x00\x01world\x7f"
	got := LintString(in, 100)
	if strings.ContainsAny(got, "\x00\x01\x7f") {
		t.Fatalf("expected control characters to be stripped, got %q", got)
	}
	if !strings.Contains(got, "hello") || !strings.Contains(got, "world") {
		t.Fatalf("expected printable text to survive, got %q", got)
	}
}

func TestLintStringPreservesPlainText(t *testing.T) {
	in := "normal log line"
	if got := LintString(in, 100); got != in {
		t.Fatalf("expected plain text to pass through unchanged, got %q", got)
	}
}
