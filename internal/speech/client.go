package speech

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"receptionist-platform/internal/config"

	"github.com/gorilla/websocket"
)

const dialTimeout = 15 * time.Second

// Dialer establishes the speech-engine leg for a session.
type Dialer struct {
	cfg config.SpeechConfig
}

func NewDialer(cfg config.SpeechConfig) *Dialer {
	return &Dialer{cfg: cfg}
}

// Dial connects and returns a leg ready for Configure. Any failure here is
// fatal for the session; the caller closes the telephony leg cleanly.
func (d *Dialer) Dial(ctx context.Context) (*Leg, error) {
	if d.cfg.APIKey == "" {
		return nil, errors.New("speech: api key not configured")
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	url := fmt.Sprintf("%s?model=%s", d.cfg.RealtimeURL, d.cfg.Model)

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("speech: dial %s: status %d: %w", d.cfg.Model, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("speech: dial %s: %w", d.cfg.Model, err)
	}

	return &Leg{conn: conn, voice: d.cfg.Voice}, nil
}

// Leg wraps the engine-side websocket. Reads happen from one goroutine;
// writes are serialized behind a mutex.
type Leg struct {
	conn  *websocket.Conn
	voice string

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// ReadEvent blocks until the next engine event arrives.
func (l *Leg) ReadEvent() (Event, error) {
	if l == nil || l.conn == nil {
		return Event{}, errors.New("speech: leg not connected")
	}
	_, data, err := l.conn.ReadMessage()
	if err != nil {
		return Event{}, err
	}
	return DecodeEvent(data)
}

// Configure (re)sends the session configuration. Called once after the
// handshake with generic instructions, and again with tenant-specific
// instructions once the tenant is resolved.
func (l *Leg) Configure(instructions string, tools []ToolSchema) error {
	cfg := sessionConfig{
		Modalities:        []string{"audio", "text"},
		Instructions:      instructions,
		Voice:             l.voice,
		InputAudioFormat:  "g711_ulaw",
		OutputAudioFormat: "g711_ulaw",
		InputAudioTranscription: &transcription{
			Model: "whisper-1",
		},
		TurnDetection: turnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMS:   300,
			SilenceDurationMS: 800,
		},
		Temperature: 0.7,
		Tools:       tools,
	}
	if len(tools) > 0 {
		cfg.ToolChoice = "auto"
	}
	return l.writeJSON(sessionUpdate{Type: "session.update", Session: cfg})
}

// AppendAudio forwards one caller audio chunk to the engine's input buffer.
func (l *Leg) AppendAudio(payloadB64 string) error {
	return l.writeJSON(audioAppend{Type: "input_audio_buffer.append", Audio: payloadB64})
}

// CancelResponse aborts any response in progress (barge-in).
func (l *Leg) CancelResponse() error {
	return l.writeJSON(responseCancel{Type: "response.cancel"})
}

// SendToolOutput delivers a tool result correlated to the function call.
func (l *Leg) SendToolOutput(callID, output string) error {
	return l.writeJSON(conversationItemCreate{
		Type: "conversation.item.create",
		Item: functionCallItem{Type: "function_call_output", CallID: callID, Output: output},
	})
}

// CreateResponse asks the engine to speak. Empty instructions let the
// engine continue from conversation state (used after tool results).
func (l *Leg) CreateResponse(instructions string) error {
	msg := responseCreate{Type: "response.create"}
	if instructions != "" {
		msg.Response = &responseParams{
			Modalities:   []string{"audio", "text"},
			Instructions: instructions,
		}
	}
	return l.writeJSON(msg)
}

func (l *Leg) writeJSON(v any) error {
	if l == nil || l.conn == nil {
		return errors.New("speech: leg not connected")
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteJSON(v)
}

// Close sends a close frame and tears down the socket. Safe to call twice.
func (l *Leg) Close() error {
	if l == nil || l.conn == nil {
		return nil
	}
	l.closeOnce.Do(func() {
		l.writeMu.Lock()
		_ = l.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second),
		)
		l.writeMu.Unlock()
		_ = l.conn.Close()
	})
	return nil
}
