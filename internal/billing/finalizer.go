// Package billing settles a call after it ends: duration and billable
// minutes, summary, intent classification, and the atomic usage commit.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"receptionist-platform/internal/bridge"
	"receptionist-platform/internal/store"
)

// CallStore is the slice of the persistence layer finalization needs.
type CallStore interface {
	CallBySID(ctx context.Context, callSID string) (store.Call, error)
	LatestInProgress(ctx context.Context, tenantID string) (store.Call, error)
	FinalizeCall(ctx context.Context, p store.FinalizeCallParams) error
}

// Summarizer produces the stored call summary. It never fails; on trouble
// it returns a fixed fallback.
type Summarizer interface {
	Generate(ctx context.Context, transcript string) string
}

// Service finalizes completed calls. It satisfies bridge.Finalizer.
type Service struct {
	log       *slog.Logger
	calls     CallStore
	summaries Summarizer
}

func NewService(log *slog.Logger, calls CallStore, summaries Summarizer) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{log: log, calls: calls, summaries: summaries}
}

// BillableMinutes rounds a call up to whole minutes, with a one minute
// floor: answering the phone at all costs a minute.
func BillableMinutes(d time.Duration) int {
	if d < 0 {
		d = 0
	}
	m := int((d + time.Minute - 1) / time.Minute)
	if m < 1 {
		m = 1
	}
	return m
}

// ClassifyIntent labels the call from its outcome. A confirmed booking
// wins outright; otherwise scheduling language in unblocked caller turns
// marks a booking inquiry.
func ClassifyIntent(frame bridge.Frame, booked bool) string {
	if booked {
		return store.IntentBooking
	}
	for _, turn := range frame.Turns {
		if turn.Meta != nil && turn.Meta.Blocked {
			continue
		}
		text := strings.ToLower(turn.Text)
		if strings.Contains(text, "schedule") || strings.Contains(text, "appointment") {
			return store.IntentBookingInquiry
		}
	}
	return store.IntentInquiry
}

// Finalize runs the post-call pipeline once: locate the call row, generate
// the summary, classify intent, and commit the usage in one transaction.
func (s *Service) Finalize(ctx context.Context, out bridge.SessionOutcome) error {
	call, err := s.calls.CallBySID(ctx, out.CallSID)
	if errors.Is(err, store.ErrNotFound) {
		// The webhook insert may have been lost. Fall back to the
		// tenant's most recent open call.
		s.log.Warn("call row missing, using latest in-progress", "call_sid", out.CallSID)
		call, err = s.calls.LatestInProgress(ctx, out.TenantID)
	}
	if err != nil {
		return fmt.Errorf("billing: locate call: %w", err)
	}

	duration := out.EndedAt.Sub(out.AnsweredAt)
	if duration < 0 {
		duration = 0
	}
	minutes := BillableMinutes(duration)
	summaryText := s.summaries.Generate(ctx, out.Transcript)
	intent := ClassifyIntent(out.Frame, out.Booked)

	frameJSON, err := json.Marshal(out.Frame)
	if err != nil {
		// The call still settles, just without the structured frame.
		s.log.Warn("encode conversation frame failed", "call_sid", out.CallSID, "error", err)
		frameJSON = nil
	}

	p := store.FinalizeCallParams{
		CallID:            call.ID,
		TenantID:          out.TenantID,
		Transcript:        out.Transcript,
		Summary:           summaryText,
		Intent:            intent,
		ConversationFrame: string(frameJSON),
		AppointmentBooked: out.Booked,
		DurationSeconds:   int(duration.Seconds()),
		Minutes:           minutes,
		EndedAt:           out.EndedAt,
	}
	if err := s.calls.FinalizeCall(ctx, p); err != nil {
		return fmt.Errorf("billing: commit usage: %w", err)
	}

	s.log.Info("call settled",
		"call_id", call.ID,
		"tenant_id", out.TenantID,
		"minutes", minutes,
		"intent", intent)
	return nil
}
