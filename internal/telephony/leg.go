package telephony

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Leg wraps the Twilio-side websocket.
//
// Reads happen from exactly one goroutine (the bridge's telephony reader).
// Writes may come from the coordinator at any time, so they are serialized
// behind a mutex.
type Leg struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func NewLeg(conn *websocket.Conn) *Leg {
	return &Leg{conn: conn}
}

// ReadFrame blocks until the next inbound frame arrives.
func (l *Leg) ReadFrame() (Frame, error) {
	if l == nil || l.conn == nil {
		return Frame{}, errors.New("telephony: leg not connected")
	}
	_, data, err := l.conn.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	return DecodeFrame(data)
}

// SendMedia plays an audio chunk on the call. The stream sid must already be
// known; callers are responsible for never sending before it is assigned.
func (l *Leg) SendMedia(streamSID, payloadB64 string) error {
	return l.writeJSON(EncodeMedia(streamSID, payloadB64))
}

// SendClear flushes Twilio's outbound playback buffer (barge-in).
func (l *Leg) SendClear(streamSID string) error {
	return l.writeJSON(EncodeClear(streamSID))
}

func (l *Leg) writeJSON(v any) error {
	if l == nil || l.conn == nil {
		return errors.New("telephony: leg not connected")
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
