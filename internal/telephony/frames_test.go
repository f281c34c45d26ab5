package telephony

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeFrame_Start(t *testing.T) {
	raw := `{"event":"start","start":{"streamSid":"MZ1","callSid":"CA1","customParameters":{"call_sid":"CA1","from_number":"+15550001111"}}}`
	f, err := DecodeFrame([]byte(raw))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if f.Kind != FrameStart {
		t.Fatalf("expected start frame, got %q", f.Kind)
	}
	if f.Start.StreamSID != "MZ1" {
		t.Fatalf("expected stream sid MZ1, got %q", f.Start.StreamSID)
	}
	if f.Start.Params["from_number"] != "+15550001111" {
		t.Fatalf("expected custom parameter, got %v", f.Start.Params)
	}
}

func TestDecodeFrame_StartWithoutStreamSIDFails(t *testing.T) {
	if _, err := DecodeFrame([]byte(`{"event":"start","start":{}}`)); err == nil {
		t.Fatalf("expected error for missing streamSid")
	}
}

func TestDecodeFrame_Media(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"event":"media","media":{"payload":"AAAA"}}`))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if f.Kind != FrameMedia || f.Media.Payload != "AAAA" {
		t.Fatalf("unexpected frame %+v", f)
	}
}

func TestDecodeFrame_StopAndMark(t *testing.T) {
	for _, tc := range []struct {
		raw  string
		kind FrameKind
	}{
		{`{"event":"stop"}`, FrameStop},
		{`{"event":"mark"}`, FrameMark},
		{`{"event":"connected"}`, FrameConnected},
	} {
		f, err := DecodeFrame([]byte(tc.raw))
		if err != nil {
			t.Fatalf("decode %s: %v", tc.raw, err)
		}
		if f.Kind != tc.kind {
			t.Fatalf("expected %q, got %q", tc.kind, f.Kind)
		}
	}
}

func TestDecodeFrame_UnknownEventFails(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"event":"dtmf"}`))
	if err == nil {
		t.Fatalf("expected error for unknown event")
	}
	if !errors.Is(err, ErrBadFrame) {
		t.Fatalf("expected ErrBadFrame, got %v", err)
	}
}

func TestEncodeMedia_TagsStreamSID(t *testing.T) {
	b, err := json.Marshal(EncodeMedia("MZ9", "cGF5bG9hZA=="))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Event != "media" || out.StreamSID != "MZ9" || out.Media.Payload != "cGF5bG9hZA==" {
		t.Fatalf("unexpected outbound media %s", b)
	}
}

func TestEncodeClear(t *testing.T) {
	b, err := json.Marshal(EncodeClear("MZ9"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"event":"clear","streamSid":"MZ9"}`
	if string(b) != want {
		t.Fatalf("expected %s, got %s", want, b)
	}
}
