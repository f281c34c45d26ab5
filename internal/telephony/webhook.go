package telephony

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"receptionist-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Signaling webhook for inbound calls.
//
// CRITICAL: Twilio plays "system temporarily unavailable" if this endpoint
// is slow or returns malformed TwiML. The handler therefore does no
// database, Redis, or external HTTP work before the response is written.
// The only I/O is parsing the form (needed for signature validation).
// Call-record creation runs in a background goroutine after the TwiML is
// built; tenant resolution happens later, in the stream handler.

// Emergency TwiML for when the main handler fails. Static, pre-computed.
const emergencyTwiML = `<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Say voice="alice">Thank you for calling. We are experiencing technical difficulties. Please try again in a moment.</Say>
  <Hangup/>
</Response>`

// InboundForm captures the subset of voice webhook fields we care about.
// Twilio sends application/x-www-form-urlencoded by default.
type InboundForm struct {
	CallSID    string
	AccountSID string
	From       string
	To         string
	CallStatus string
}

func ParseInboundForm(r *http.Request) (InboundForm, error) {
	if err := r.ParseForm(); err != nil {
		return InboundForm{}, err
	}
	return InboundForm{
		CallSID:    r.PostFormValue("CallSid"),
		AccountSID: r.PostFormValue("AccountSid"),
		From:       strings.TrimSpace(r.PostFormValue("From")),
		To:         strings.TrimSpace(r.PostFormValue("To")),
		CallStatus: r.PostFormValue("CallStatus"),
	}, nil
}

// TokenIssuer mints the short-lived token that authorizes the media stream
// to attach to this call.
type TokenIssuer interface {
	Issue(callSID string, now time.Time) (string, error)
}

// CallRecorder creates and updates persisted call records. Implemented by
// the store; kept as a consumer-side interface so handler tests need no DB.
type CallRecorder interface {
	CreateInProgress(ctx context.Context, callSID, from, to string) error
	SetRecordingURL(ctx context.Context, callSID, recordingURL string) error
}

type WebhookHandler struct {
	AuthToken         string
	ValidateSignature bool

	// PublicWebhookURL is the URL Twilio signed against (https://host/twilio/voice).
	PublicWebhookURL string
	// StreamURL is the wss endpoint for <Connect><Stream>.
	StreamURL string

	Tokens TokenIssuer
	Calls  CallRecorder

	Now func() time.Time
}

// HandleVoice answers an inbound call with <Connect><Stream> TwiML.
func (h WebhookHandler) HandleVoice(c *gin.Context) {
	log := logger.FromGin(c)
	now := h.now()

	form, err := ParseInboundForm(c.Request)
	if err != nil {
		log.Warn("voice webhook parse failed", "err", err)
		writeTwiML(c, emergencyTwiML)
		return
	}

	if h.ValidateSignature {
		sig := c.GetHeader("X-Twilio-Signature")
		if !ValidateSignature(h.AuthToken, h.PublicWebhookURL, c.Request.PostForm, sig) {
			log.Warn("voice webhook rejected: invalid signature", "call_sid", form.CallSID)
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
	}

	params := map[string]string{
		"call_sid":        form.CallSID,
		"from_number":     form.From,
		"to_number":       form.To,
		"start_timestamp": strconv.FormatInt(now.Unix(), 10),
	}
	if h.Tokens != nil {
		token, err := h.Tokens.Issue(form.CallSID, now)
		if err != nil {
			// A missing token degrades to an unauthorized stream, which the
			// stream handler rejects. Still answer the call.
			log.Error("stream token issue failed", "call_sid", form.CallSID, "err", err)
		} else {
			params["stream_token"] = token
		}
	}

	twiml, err := RenderStreamTwiML(StreamConnect{URL: h.StreamURL, Params: params})
	if err != nil {
		log.Error("twiml render failed", "call_sid", form.CallSID, "err", err)
		writeTwiML(c, emergencyTwiML)
		return
	}

	// Record the call after the response; never block TwiML on the DB.
	if h.Calls != nil && form.CallSID != "" {
		go func(callSID, from, to string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.Calls.CreateInProgress(ctx, callSID, from, to); err != nil {
				log.Error("call record create failed", "call_sid", callSID, "err", err)
			}
		}(form.CallSID, form.From, form.To)
	}

	log.Info("inbound call answered", "call_sid", form.CallSID, "to", form.To)
	writeTwiML(c, twiml)
}

// HandleFallback is Twilio's emergency webhook: static TwiML, no
// dependencies, must never fail.
func (h WebhookHandler) HandleFallback(c *gin.Context) {
	writeTwiML(c, emergencyTwiML)
}

// HandleRecordingStatus stores the recording URL once Twilio reports it.
func (h WebhookHandler) HandleRecordingStatus(c *gin.Context) {
	log := logger.FromGin(c)

	callSID := c.PostForm("CallSid")
	recordingURL := c.PostForm("RecordingUrl")
	if callSID == "" || recordingURL == "" {
		c.String(http.StatusOK, "OK")
		return
	}
	if h.Calls != nil {
		if err := h.Calls.SetRecordingURL(c.Request.Context(), callSID, recordingURL); err != nil {
			log.Error("recording url save failed", "call_sid", callSID, "err", err)
		}
	}
	c.String(http.StatusOK, "OK")
}

func (h WebhookHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func writeTwiML(c *gin.Context, body string) {
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, body)
}
