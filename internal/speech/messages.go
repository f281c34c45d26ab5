package speech

// Outbound message types for the realtime speech-engine leg.
//
// Field layout follows the engine's session protocol; callers build these
// through the Leg methods rather than constructing them directly.

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Modalities              []string       `json:"modalities"`
	Instructions            string         `json:"instructions"`
	Voice                   string         `json:"voice"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	InputAudioTranscription *transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           turnDetection  `json:"turn_detection"`
	Temperature             float64        `json:"temperature"`
	Tools                   []ToolSchema   `json:"tools,omitempty"`
	ToolChoice              string         `json:"tool_choice,omitempty"`
}

type transcription struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

// ToolSchema declares one callable tool to the engine.
type ToolSchema struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type responseCancel struct {
	Type string `json:"type"`
}

type responseCreate struct {
	Type     string          `json:"type"`
	Response *responseParams `json:"response,omitempty"`
}

type responseParams struct {
	Modalities   []string `json:"modalities"`
	Instructions string   `json:"instructions,omitempty"`
}

type conversationItemCreate struct {
	Type string           `json:"type"`
	Item functionCallItem `json:"item"`
}

type functionCallItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}
