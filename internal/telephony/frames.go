package telephony

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrBadFrame marks a malformed or unrecognized inbound frame. Per-message:
// readers log and continue, they do not tear the leg down.
var ErrBadFrame = errors.New("telephony: bad frame")

// Media stream frame codec.
//
// Twilio bidirectional media streams exchange JSON control frames over a
// persistent websocket. Inbound kinds: connected, start, media, stop, mark.
// Outbound kinds: media (audio to play) and clear (flush playback buffer).
// Audio payloads are base64 G.711 mu-law at 8kHz.
//
// Keep this adapter-only: no session state, no business logic.

type FrameKind string

const (
	FrameConnected FrameKind = "connected"
	FrameStart     FrameKind = "start"
	FrameMedia     FrameKind = "media"
	FrameStop      FrameKind = "stop"
	FrameMark      FrameKind = "mark"
)

// Frame is a decoded inbound media-stream frame.
type Frame struct {
	Kind  FrameKind
	Start *StartFrame
	Media *MediaFrame
}

// StartFrame carries the stream identifier and the bootstrap parameters the
// signaling webhook embedded in the TwiML <Parameter> elements.
type StartFrame struct {
	StreamSID string            `json:"streamSid"`
	CallSID   string            `json:"callSid"`
	Params    map[string]string `json:"customParameters"`
}

// MediaFrame carries one base64 mu-law audio chunk.
type MediaFrame struct {
	Payload string `json:"payload"`
}

type inboundEnvelope struct {
	Event string          `json:"event"`
	Start json.RawMessage `json:"start"`
	Media json.RawMessage `json:"media"`
}

// DecodeFrame parses one inbound websocket text message.
func DecodeFrame(data []byte) (Frame, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}

	switch FrameKind(strings.TrimSpace(env.Event)) {
	case FrameConnected:
		return Frame{Kind: FrameConnected}, nil
	case FrameStart:
		var s StartFrame
		if err := json.Unmarshal(env.Start, &s); err != nil {
			return Frame{}, fmt.Errorf("%w: start: %v", ErrBadFrame, err)
		}
		if s.StreamSID == "" {
			return Frame{}, fmt.Errorf("%w: start frame missing streamSid", ErrBadFrame)
		}
		return Frame{Kind: FrameStart, Start: &s}, nil
	case FrameMedia:
		var m MediaFrame
		if err := json.Unmarshal(env.Media, &m); err != nil {
			return Frame{}, fmt.Errorf("%w: media: %v", ErrBadFrame, err)
		}
		return Frame{Kind: FrameMedia, Media: &m}, nil
	case FrameStop:
		return Frame{Kind: FrameStop}, nil
	case FrameMark:
		// Playback marks are accepted and ignored; we never request them.
		return Frame{Kind: FrameMark}, nil
	default:
		return Frame{}, fmt.Errorf("%w: unknown event %q", ErrBadFrame, env.Event)
	}
}

// Outbound frames.

type outboundMedia struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     mediaPayload `json:"media"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// EncodeMedia builds an outbound media frame tagged with the stream sid.
func EncodeMedia(streamSID, payloadB64 string) any {
	return outboundMedia{Event: "media", StreamSID: streamSID, Media: mediaPayload{Payload: payloadB64}}
}

// EncodeClear builds an outbound clear frame that flushes the playback buffer.
func EncodeClear(streamSID string) any {
	return outboundClear{Event: "clear", StreamSID: streamSID}
}
