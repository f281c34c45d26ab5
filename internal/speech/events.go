package speech

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrBadEvent marks an engine message that could not be parsed. Readers log
// these and keep going.
var ErrBadEvent = errors.New("speech: bad event")

// Inbound event union for the realtime speech-engine leg.
//
// The engine multiplexes many event types over one websocket; we decode the
// small set the bridge consumes and pass everything else through as
// Unknown so a new upstream event type can never break a live call.

type EventKind string

const (
	EventAudioDelta         EventKind = "audio_delta"
	EventSpeechStarted      EventKind = "speech_started"
	EventCallerTranscribed  EventKind = "caller_transcribed"
	EventAgentTranscribed   EventKind = "agent_transcribed"
	EventFunctionCallDone   EventKind = "function_call_done"
	EventEngineError        EventKind = "engine_error"
	EventUnknown            EventKind = "unknown"
)

// Event is one decoded engine event. Exactly the fields for its kind are set.
type Event struct {
	Kind EventKind

	// AudioDelta: base64 mu-law chunk to relay to the caller.
	AudioB64 string

	// CallerTranscribed / AgentTranscribed.
	Transcript string

	// FunctionCallDone.
	CallID    string
	ToolName  string
	Arguments string

	// EngineError.
	ErrorMessage string

	// Unknown: raw upstream type, for logging.
	RawType string
}

type inboundEnvelope struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// DecodeEvent parses one inbound websocket text message from the engine.
func DecodeEvent(data []byte) (Event, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}

	switch strings.TrimSpace(env.Type) {
	case "response.audio.delta":
		return Event{Kind: EventAudioDelta, AudioB64: env.Delta}, nil
	case "input_audio_buffer.speech_started":
		return Event{Kind: EventSpeechStarted}, nil
	case "conversation.item.input_audio_transcription.completed":
		return Event{Kind: EventCallerTranscribed, Transcript: strings.TrimSpace(env.Transcript)}, nil
	case "response.audio_transcript.done":
		return Event{Kind: EventAgentTranscribed, Transcript: strings.TrimSpace(env.Transcript)}, nil
	case "response.function_call_arguments.done":
		return Event{
			Kind:      EventFunctionCallDone,
			CallID:    env.CallID,
			ToolName:  env.Name,
			Arguments: env.Arguments,
		}, nil
	case "error":
		msg := "engine error"
		if env.Error != nil && env.Error.Message != "" {
			msg = env.Error.Message
		}
		return Event{Kind: EventEngineError, ErrorMessage: msg}, nil
	default:
		return Event{Kind: EventUnknown, RawType: env.Type}, nil
	}
}
