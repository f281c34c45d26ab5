package bridge

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Transcript timeline assembler.
//
// The two legs deliver events asynchronously, so entries arrive out of
// timestamp order. The buffer is append-only; ordering is applied on read
// (Snapshot / Finalize), never maintained under concurrent append. Sorting
// is stable with arrival order as the tiebreak for near-simultaneous events.
//
// Not safe for concurrent use: only the session coordinator touches it.

type Role string

const (
	RoleCaller Role = "Caller"
	RoleAgent  Role = "Aria"
	RoleTool   Role = "System"
)

// EntryMeta carries optional tool and latency details for a turn.
type EntryMeta struct {
	ToolName   string  `json:"tool_name,omitempty"`
	ToolArgs   string  `json:"tool_args,omitempty"`
	ToolResult string  `json:"tool_result,omitempty"`
	LatencyMS  float64 `json:"latency_ms,omitempty"`
	Blocked    bool    `json:"blocked,omitempty"`
}

// Entry is one utterance, turn, or tool event. Never mutated after append.
type Entry struct {
	Timestamp time.Time
	Role      Role
	Text      string
	Meta      *EntryMeta

	seq int
}

// Turn is one element of the finalized conversation frame.
type Turn struct {
	Index     int        `json:"index"`
	Timestamp float64    `json:"timestamp"`
	Role      string     `json:"role"`
	Text      string     `json:"text"`
	Meta      *EntryMeta `json:"metadata,omitempty"`
}

// Frame is the structured representation of a finished call, consumed by
// offline evaluation.
type Frame struct {
	CallID   string `json:"call_id"`
	TenantID string `json:"tenant_id"`
	Timezone string `json:"timezone"`
	Channel  string `json:"channel"`
	Turns    []Turn `json:"turns"`
}

type Transcript struct {
	entries []Entry
	nextSeq int
}

func NewTranscript() *Transcript {
	return &Transcript{}
}

// Append records an entry. Required fields only; no validation beyond them.
func (t *Transcript) Append(e Entry) {
	e.seq = t.nextSeq
	t.nextSeq++
	t.entries = append(t.entries, e)
}

func (t *Transcript) Len() int { return len(t.entries) }

// Snapshot renders the transcript so far, sorted by timestamp, as a flat
// display string. Used for the periodic partial persistence so a crash
// mid-call does not lose the whole transcript.
func (t *Transcript) Snapshot() string {
	ordered := t.sorted()
	lines := make([]string, 0, len(ordered))
	for _, e := range ordered {
		lines = append(lines, fmt.Sprintf("%s: %s", e.Role, e.Text))
	}
	return strings.Join(lines, "\n")
}

// Finalize renders the final transcript text and the conversation frame.
// The text is a strict superset of every earlier Snapshot: both use the
// same sorted rendering, so a retried final write cannot duplicate content.
func (t *Transcript) Finalize(callID, tenantID string) (string, Frame) {
	ordered := t.sorted()

	frame := Frame{
		CallID:   callID,
		TenantID: tenantID,
		Timezone: "UTC",
		Channel:  "voice",
		Turns:    make([]Turn, 0, len(ordered)),
	}
	for i, e := range ordered {
		frame.Turns = append(frame.Turns, Turn{
			Index:     i,
			Timestamp: float64(e.Timestamp.UnixNano()) / float64(time.Second),
			Role:      string(e.Role),
			Text:      e.Text,
			Meta:      e.Meta,
		})
	}

	lines := make([]string, 0, len(ordered))
	for _, e := range ordered {
		lines = append(lines, fmt.Sprintf("%s: %s", e.Role, e.Text))
	}
	return strings.Join(lines, "\n"), frame
}

func (t *Transcript) sorted() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].seq < out[j].seq
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
