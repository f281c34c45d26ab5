package bridge

import (
	"strings"
	"testing"
	"time"
)

func at(sec int) time.Time {
	return time.Date(2025, 6, 1, 12, 0, sec, 0, time.UTC)
}

func TestTranscriptSnapshotOrdersByTimestamp(t *testing.T) {
	tr := NewTranscript()
	tr.Append(Entry{Timestamp: at(5), Role: RoleAgent, Text: "Hello, thanks for calling."})
	tr.Append(Entry{Timestamp: at(2), Role: RoleCaller, Text: "Hi there."})
	tr.Append(Entry{Timestamp: at(9), Role: RoleCaller, Text: "I need an appointment."})

	got := tr.Snapshot()
	want := "Caller: Hi there.\nAria: Hello, thanks for calling.\nCaller: I need an appointment."
	if got != want {
		t.Fatalf("snapshot = %q, want %q", got, want)
	}
}

func TestTranscriptEqualTimestampsKeepAppendOrder(t *testing.T) {
	tr := NewTranscript()
	ts := at(3)
	tr.Append(Entry{Timestamp: ts, Role: RoleCaller, Text: "first"})
	tr.Append(Entry{Timestamp: ts, Role: RoleAgent, Text: "second"})
	tr.Append(Entry{Timestamp: ts, Role: RoleCaller, Text: "third"})

	got := tr.Snapshot()
	want := "Caller: first\nAria: second\nCaller: third"
	if got != want {
		t.Fatalf("snapshot = %q, want %q", got, want)
	}
}

func TestTranscriptFinalizeMatchesSnapshot(t *testing.T) {
	tr := NewTranscript()
	tr.Append(Entry{Timestamp: at(4), Role: RoleAgent, Text: "out of order"})
	tr.Append(Entry{Timestamp: at(1), Role: RoleCaller, Text: "arrived late"})

	snap := tr.Snapshot()
	text, frame := tr.Finalize("CA123", "tenant-1")
	if text != snap {
		t.Fatalf("finalize text = %q, want snapshot %q", text, snap)
	}
	if frame.CallID != "CA123" || frame.TenantID != "tenant-1" {
		t.Fatalf("frame ids = %q/%q", frame.CallID, frame.TenantID)
	}
	if len(frame.Turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(frame.Turns))
	}
	if frame.Turns[0].Text != "arrived late" || frame.Turns[1].Text != "out of order" {
		t.Fatalf("turns not reordered: %q, %q", frame.Turns[0].Text, frame.Turns[1].Text)
	}
	if frame.Turns[0].Index != 0 || frame.Turns[1].Index != 1 {
		t.Fatalf("turn indexes = %d, %d", frame.Turns[0].Index, frame.Turns[1].Index)
	}
}

func TestTranscriptToolMetaCarried(t *testing.T) {
	tr := NewTranscript()
	tr.Append(Entry{
		Timestamp: at(1),
		Role:      RoleTool,
		Text:      "Tool book_appointment invoked",
		Meta:      &EntryMeta{ToolName: "book_appointment", ToolResult: "Booked."},
	})
	_, frame := tr.Finalize("CA1", "t1")
	if frame.Turns[0].Meta == nil || frame.Turns[0].Meta.ToolName != "book_appointment" {
		t.Fatalf("tool meta missing: %+v", frame.Turns[0].Meta)
	}
	if !strings.Contains(tr.Snapshot(), "System:") {
		t.Fatalf("tool turn missing from snapshot: %q", tr.Snapshot())
	}
}
