package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"receptionist-platform/internal/speech"
	"receptionist-platform/internal/telephony"
	"receptionist-platform/pkg/logger"
)

// State is the session lifecycle phase. Owned by the coordinator goroutine;
// State() is safe to call only after Run returns, or from tests driving the
// handlers directly.
type State string

const (
	StateConnecting          State = "connecting"
	StateAwaitingStreamStart State = "awaiting_stream_start"
	StateActive              State = "active"
	StateTerminating         State = "terminating"
	StateClosed              State = "closed"
)

// TelephonyLeg is the caller-side websocket leg.
type TelephonyLeg interface {
	ReadFrame() (telephony.Frame, error)
	SendMedia(streamSID, payloadB64 string) error
	SendClear(streamSID string) error
	Close() error
}

// SpeechLeg is the engine-side websocket leg.
type SpeechLeg interface {
	ReadEvent() (speech.Event, error)
	Configure(instructions string, tools []speech.ToolSchema) error
	AppendAudio(payloadB64 string) error
	CancelResponse() error
	SendToolOutput(callID, output string) error
	CreateResponse(instructions string) error
	Close() error
}

// SpeechDialer establishes the engine leg for a new session.
type SpeechDialer interface {
	Dial(ctx context.Context) (SpeechLeg, error)
}

// SpeechDialerFunc adapts a dial function to SpeechDialer.
type SpeechDialerFunc func(ctx context.Context) (SpeechLeg, error)

func (f SpeechDialerFunc) Dial(ctx context.Context) (SpeechLeg, error) { return f(ctx) }

// TenantInfo is what the bridge needs to know about the answering business.
type TenantInfo struct {
	ID      string
	Name    string
	Profile speech.TenantProfile
}

// TenantResolver looks up the tenant a call belongs to.
type TenantResolver interface {
	// ByID resolves an explicitly supplied tenant id.
	ByID(ctx context.Context, id string) (TenantInfo, error)
	// ByPhoneNumber resolves by the dialed (callee) number.
	ByPhoneNumber(ctx context.Context, number string) (TenantInfo, error)
}

// ToolDispatcher executes a tool call on behalf of the session. It never
// fails the session: errors are folded into the result string.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, tenantID, callerNumber, name, argsJSON string) (result string, booked bool)
}

// TranscriptSaver persists partial transcript snapshots mid-call.
type TranscriptSaver interface {
	UpdateTranscript(ctx context.Context, callSID, transcript string) error
}

// SessionOutcome is everything the post-call pipeline needs.
type SessionOutcome struct {
	CallSID      string
	StreamSID    string
	TenantID     string
	CallerNumber string
	AnsweredAt   time.Time
	EndedAt      time.Time
	Transcript   string
	Frame        Frame
	Booked       bool
}

// Finalizer runs the post-call pipeline exactly once per session.
type Finalizer interface {
	Finalize(ctx context.Context, out SessionOutcome) error
}

// CallGate bounds concurrent live calls per tenant.
type CallGate interface {
	Acquire(ctx context.Context, tenantID string) (bool, error)
	Release(ctx context.Context, tenantID string) error
}

// TokenVerifier checks the stream token minted by the voice webhook and
// returns the call SID it was issued for.
type TokenVerifier interface {
	Verify(token string, now time.Time) (callSID string, err error)
}

// Deps wires a Session. TelephonyLeg and Dialer are required; the rest may
// be nil, in which case the matching behavior is skipped.
type Deps struct {
	Log       *slog.Logger
	Telephony TelephonyLeg
	Dialer    SpeechDialer
	Tenants   TenantResolver
	Tools     ToolDispatcher
	Saver     TranscriptSaver
	Finalizer Finalizer
	Gate      CallGate
	Verifier  TokenVerifier

	SnapshotEvery time.Duration
	Now           func() time.Time
}

// Session relays one live call between the telephony leg and the speech
// engine leg. All mutable state below deps is owned by the coordinator
// goroutine inside Run; the handlers must never be called concurrently.
type Session struct {
	log  *slog.Logger
	tw   TelephonyLeg
	deps Deps
	now  func() time.Time

	state State
	eng   SpeechLeg

	streamSID    string
	callSID      string
	callerNumber string
	calleeNumber string
	answeredAt   time.Time

	tenant         TenantInfo
	tenantResolved bool
	gateHeld       bool

	greetingSent    bool
	toolPending     bool
	booked          bool
	responseStarted time.Time

	transcript *Transcript
	finalized  bool
}

type legSource int

const (
	srcTelephony legSource = iota
	srcSpeech
)

type legEvent struct {
	src   legSource
	frame *telephony.Frame
	ev    *speech.Event
	err   error
}

// NewSession builds a session in the Connecting state.
func NewSession(deps Deps) *Session {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.SnapshotEvery <= 0 {
		deps.SnapshotEvery = 10 * time.Second
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Session{
		log:        deps.Log,
		tw:         deps.Telephony,
		deps:       deps,
		now:        now,
		state:      StateConnecting,
		transcript: NewTranscript(),
	}
}

// State reports the lifecycle phase. See the Session doc for when this is
// safe to read.
func (s *Session) State() State { return s.state }

// Run drives the session to completion. It returns once both legs are
// closed and the finalizer (if any) has run.
func (s *Session) Run(ctx context.Context) error {
	eng, err := s.deps.Dialer.Dial(ctx)
	if err != nil {
		// Never leave the caller attached to a half-open bridge.
		_ = s.tw.Close()
		s.state = StateClosed
		return fmt.Errorf("bridge: establish speech leg: %w", err)
	}
	s.eng = eng

	if err := eng.Configure(speech.Instructions(speech.TenantProfile{}), nil); err != nil {
		_ = s.tw.Close()
		_ = eng.Close()
		s.state = StateClosed
		return fmt.Errorf("bridge: configure speech leg: %w", err)
	}
	s.state = StateAwaitingStreamStart

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan legEvent, 64)
	var wg sync.WaitGroup
	wg.Add(2)
	go s.readTelephony(ctx, events, &wg)
	go s.readSpeech(ctx, events, &wg)

	ticker := time.NewTicker(s.deps.SnapshotEvery)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case e := <-events:
			if e.err != nil {
				if e.src == srcTelephony {
					s.log.Info("telephony leg closed", "error", e.err)
				} else {
					s.log.Info("speech leg closed", "error", e.err)
				}
				break loop
			}
			if e.frame != nil && s.handleFrame(ctx, *e.frame) {
				break loop
			}
			if e.ev != nil && s.handleEngineEvent(ctx, *e.ev) {
				break loop
			}
		case <-ticker.C:
			s.snapshot(ctx)
		}
	}

	s.state = StateTerminating
	cancel()
	_ = s.tw.Close()
	_ = s.eng.Close()
	wg.Wait()

	s.finalize()
	s.state = StateClosed
	return nil
}

func (s *Session) readTelephony(ctx context.Context, events chan<- legEvent, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		f, err := s.tw.ReadFrame()
		if err != nil {
			if errors.Is(err, telephony.ErrBadFrame) {
				s.log.Warn("dropping bad telephony frame", "error", err)
				continue
			}
			select {
			case events <- legEvent{src: srcTelephony, err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case events <- legEvent{src: srcTelephony, frame: &f}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) readSpeech(ctx context.Context, events chan<- legEvent, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		ev, err := s.eng.ReadEvent()
		if err != nil {
			if errors.Is(err, speech.ErrBadEvent) {
				s.log.Warn("dropping bad engine event", "error", err)
				continue
			}
			select {
			case events <- legEvent{src: srcSpeech, err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case events <- legEvent{src: srcSpeech, ev: &ev}:
		case <-ctx.Done():
			return
		}
	}
}

// handleFrame processes one telephony frame. A true return terminates the
// session.
func (s *Session) handleFrame(ctx context.Context, f telephony.Frame) bool {
	switch f.Kind {
	case telephony.FrameStart:
		return s.handleStart(ctx, *f.Start)
	case telephony.FrameMedia:
		if err := s.eng.AppendAudio(f.Media.Payload); err != nil {
			s.log.Warn("forward caller audio", "error", err)
		}
	case telephony.FrameStop:
		s.log.Info("stream stop received", "call_sid", s.callSID)
		return true
	case telephony.FrameConnected, telephony.FrameMark:
		// No session effect.
	}
	return false
}

func (s *Session) handleStart(ctx context.Context, start telephony.StartFrame) bool {
	if s.streamSID != "" {
		// The stream identifier is immutable once assigned.
		s.log.Warn("duplicate start frame ignored", "stream_sid", start.StreamSID)
		return false
	}

	params := start.Params
	if s.deps.Verifier != nil {
		sid, err := s.deps.Verifier.Verify(params["stream_token"], s.now())
		if err != nil {
			s.log.Warn("stream token rejected", "error", err)
			return true
		}
		if want := params["call_sid"]; want != "" && sid != want {
			s.log.Warn("stream token call mismatch", "token_call_sid", sid)
			return true
		}
	}

	s.streamSID = start.StreamSID
	s.callSID = start.CallSID
	if s.callSID == "" {
		s.callSID = params["call_sid"]
	}
	s.callerNumber = params["from_number"]
	s.calleeNumber = params["to_number"]
	s.answeredAt = s.now()
	if ts := params["start_timestamp"]; ts != "" {
		if sec, err := strconv.ParseFloat(ts, 64); err == nil && sec > 0 {
			s.answeredAt = time.Unix(int64(sec), int64((sec-float64(int64(sec)))*1e9)).UTC()
		}
	}
	s.log = logger.WithCall(s.log, s.callSID).With("stream_sid", s.streamSID)

	s.resolveTenant(ctx, params["tenant_id"])
	if s.tenantResolved && s.deps.Gate != nil {
		ok, err := s.deps.Gate.Acquire(ctx, s.tenant.ID)
		if err != nil {
			s.log.Error("call gate check failed", "error", err)
		} else if !ok {
			s.log.Warn("tenant concurrent call limit reached", "tenant_id", s.tenant.ID)
			return true
		} else {
			s.gateHeld = true
		}
	}

	if s.tenantResolved {
		if err := s.eng.Configure(speech.Instructions(s.tenant.Profile), speech.Tools()); err != nil {
			s.log.Error("apply tenant session config", "error", err)
		}
	}

	if !s.greetingSent {
		s.greetingSent = true
		name := s.tenant.Name
		if err := s.eng.CreateResponse(speech.GreetingInstruction(name)); err != nil {
			s.log.Error("request greeting", "error", err)
		}
		s.transcript.Append(Entry{Timestamp: s.now(), Role: RoleAgent, Text: speech.GreetingText(name)})
	}

	s.state = StateActive
	s.log.Info("stream started",
		"tenant_id", s.tenant.ID,
		"from", s.callerNumber,
		"to", s.calleeNumber)
	return false
}

func (s *Session) resolveTenant(ctx context.Context, explicitID string) {
	if s.deps.Tenants == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var (
		info TenantInfo
		err  error
	)
	if explicitID != "" {
		info, err = s.deps.Tenants.ByID(rctx, explicitID)
	} else if s.calleeNumber != "" {
		info, err = s.deps.Tenants.ByPhoneNumber(rctx, s.calleeNumber)
	} else {
		err = errors.New("no tenant id or callee number")
	}
	if err != nil {
		// The call proceeds with generic instructions and no tools.
		s.log.Warn("tenant not resolved", "error", err)
		return
	}
	s.tenant = info
	s.tenantResolved = true
}

// handleEngineEvent processes one speech engine event. A true return
// terminates the session.
func (s *Session) handleEngineEvent(ctx context.Context, ev speech.Event) bool {
	switch ev.Kind {
	case speech.EventAudioDelta:
		if s.streamSID == "" {
			// No outbound stream yet. Dropping is the only safe option.
			s.log.Debug("dropping engine audio before stream start")
			return false
		}
		if err := s.tw.SendMedia(s.streamSID, ev.AudioB64); err != nil {
			s.log.Warn("forward engine audio", "error", err)
		}

	case speech.EventSpeechStarted:
		// Barge-in: stop generation first, then flush queued playback, so
		// no stale audio survives the interruption.
		if err := s.eng.CancelResponse(); err != nil {
			s.log.Warn("cancel response on barge-in", "error", err)
		}
		if s.streamSID != "" {
			if err := s.tw.SendClear(s.streamSID); err != nil {
				s.log.Warn("clear playback on barge-in", "error", err)
			}
		}
		s.responseStarted = s.now()

	case speech.EventCallerTranscribed:
		text := strings.TrimSpace(ev.Transcript)
		if text == "" {
			// Silence and breath noise transcribe as empty strings.
			return false
		}
		blocked := GuardrailBlocked(text)
		entry := Entry{Timestamp: s.now(), Role: RoleCaller, Text: text}
		if blocked {
			entry.Meta = &EntryMeta{Blocked: true}
		}
		s.transcript.Append(entry)
		if blocked {
			s.log.Warn("guardrail blocked caller utterance")
			if err := s.eng.CancelResponse(); err != nil {
				s.log.Warn("cancel response after guardrail", "error", err)
			}
			if err := s.eng.CreateResponse(speech.RefusalInstruction); err != nil {
				s.log.Warn("request refusal response", "error", err)
			}
		}

	case speech.EventAgentTranscribed:
		entry := Entry{Timestamp: s.now(), Role: RoleAgent, Text: ev.Transcript}
		if !s.responseStarted.IsZero() {
			entry.Meta = &EntryMeta{LatencyMS: float64(s.now().Sub(s.responseStarted)) / float64(time.Millisecond)}
			s.responseStarted = time.Time{}
		}
		s.transcript.Append(entry)

	case speech.EventFunctionCallDone:
		s.dispatchTool(ctx, ev)

	case speech.EventEngineError:
		s.log.Error("speech engine error", "message", ev.ErrorMessage)

	case speech.EventUnknown:
		s.log.Debug("unhandled engine event", "type", ev.RawType)
	}
	return false
}

func (s *Session) dispatchTool(ctx context.Context, ev speech.Event) {
	if s.toolPending {
		s.log.Warn("tool call while one is pending", "tool", ev.ToolName)
		return
	}
	s.toolPending = true
	defer func() { s.toolPending = false }()

	result := "An error occurred."
	booked := false
	if s.deps.Tools != nil && s.tenantResolved {
		dctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		result, booked = s.deps.Tools.Dispatch(dctx, s.tenant.ID, s.callerNumber, ev.ToolName, ev.Arguments)
		cancel()
	} else {
		s.log.Warn("tool call without tenant context", "tool", ev.ToolName)
	}
	if booked {
		s.booked = true
	}

	s.transcript.Append(Entry{
		Timestamp: s.now(),
		Role:      RoleTool,
		Text:      fmt.Sprintf("Tool %s invoked", ev.ToolName),
		Meta:      &EntryMeta{ToolName: ev.ToolName, ToolArgs: ev.Arguments, ToolResult: result},
	})

	if err := s.eng.SendToolOutput(ev.CallID, result); err != nil {
		s.log.Warn("deliver tool result", "error", err)
		return
	}
	if err := s.eng.CreateResponse(""); err != nil {
		s.log.Warn("request response after tool", "error", err)
	}
}

func (s *Session) snapshot(ctx context.Context) {
	if s.deps.Saver == nil || s.callSID == "" || s.transcript.Len() == 0 {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.deps.Saver.UpdateTranscript(sctx, s.callSID, s.transcript.Snapshot()); err != nil {
		s.log.Warn("persist transcript snapshot", "error", err)
	}
}

func (s *Session) finalize() {
	if s.finalized {
		return
	}
	s.finalized = true

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.gateHeld && s.deps.Gate != nil {
		if err := s.deps.Gate.Release(ctx, s.tenant.ID); err != nil {
			s.log.Warn("release call gate", "error", err)
		}
	}

	if s.deps.Finalizer == nil || !s.tenantResolved || s.callSID == "" {
		s.log.Info("finalization skipped",
			"call_sid", s.callSID,
			"tenant_resolved", s.tenantResolved)
		return
	}

	text, frame := s.transcript.Finalize(s.callSID, s.tenant.ID)
	out := SessionOutcome{
		CallSID:      s.callSID,
		StreamSID:    s.streamSID,
		TenantID:     s.tenant.ID,
		CallerNumber: s.callerNumber,
		AnsweredAt:   s.answeredAt,
		EndedAt:      s.now(),
		Transcript:   text,
		Frame:        frame,
		Booked:       s.booked,
	}
	if err := s.deps.Finalizer.Finalize(ctx, out); err != nil {
		s.log.Error("call finalization failed", "error", err)
		return
	}
	s.log.Info("call finalized", "duration", out.EndedAt.Sub(out.AnsweredAt).Round(time.Second))
}
