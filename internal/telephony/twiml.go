package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// TwiML is a minimal Twilio Markup Language response builder.
// It intentionally avoids any provider SDK dependency.
//
// Only include primitives we need at the adapter boundary: connecting the
// call to a media stream, and the spoken-apology fallbacks.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlConnect struct {
	XMLName xml.Name     `xml:"Connect"`
	Stream  *twimlStream `xml:"Stream,omitempty"`
}

type twimlStream struct {
	URL    string       `xml:"url,attr"`
	Params []twimlParam `xml:"Parameter"`
}

type twimlParam struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// StreamConnect describes the media-connect instruction returned by the
// signaling webhook: the wss URL plus the session-bootstrap parameters the
// bridge reads back out of the start frame.
type StreamConnect struct {
	URL    string
	Params map[string]string
}

// Order parameters deterministically so TwiML output is testable.
var paramOrder = []string{"call_sid", "from_number", "to_number", "start_timestamp", "stream_token"}

// RenderStreamTwiML renders <Connect><Stream> TwiML for a connect instruction.
func RenderStreamTwiML(sc StreamConnect) (string, error) {
	if strings.TrimSpace(sc.URL) == "" {
		return "", errors.New("telephony: stream url required")
	}

	stream := &twimlStream{URL: sc.URL}
	for _, name := range paramOrder {
		if v, ok := sc.Params[name]; ok {
			stream.Params = append(stream.Params, twimlParam{Name: name, Value: v})
		}
	}
	for name, v := range sc.Params {
		if !isOrderedParam(name) {
			stream.Params = append(stream.Params, twimlParam{Name: name, Value: v})
		}
	}

	var r twimlResponse
	r.Verbs = append(r.Verbs, twimlConnect{Stream: stream})
	return renderTwiML(r)
}

// RenderSayHangupTwiML renders a spoken message followed by a hangup.
// Used for the emergency fallback path; must never fail on valid input.
func RenderSayHangupTwiML(message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", errors.New("telephony: say message required")
	}
	var r twimlResponse
	r.Verbs = append(r.Verbs, twimlSay{Voice: "alice", Text: message})
	r.Verbs = append(r.Verbs, twimlHangup{})
	return renderTwiML(r)
}

func renderTwiML(r twimlResponse) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func isOrderedParam(name string) bool {
	for _, p := range paramOrder {
		if p == name {
			return true
		}
	}
	return false
}
