// Package calendar talks to the tenant's Google Calendar. It implements the
// scheduling surface the tool dispatcher needs: availability via freeBusy
// and bookings via event inserts.
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"receptionist-platform/internal/tools"
)

var (
	// ErrNotConnected means the tenant never linked a Google account.
	ErrNotConnected = errors.New("calendar: google account not connected")
	// ErrTokenExpired means the stored credential could not be refreshed.
	ErrTokenExpired = errors.New("calendar: credential expired")
	// ErrUpstream wraps non-2xx responses from the calendar API.
	ErrUpstream = errors.New("calendar: upstream error")
)

const (
	defaultAPIBase   = "https://www.googleapis.com/calendar/v3"
	requestTimeout   = 10 * time.Second
	primaryCalendar  = "primary"
	eventDescription = "Booked by the phone receptionist"
)

// TokenSource yields a live access token for a tenant.
type TokenSource interface {
	Token(ctx context.Context, tenantID string) (string, error)
}

// Service is the Google Calendar client. It satisfies tools.Scheduler.
type Service struct {
	log     *slog.Logger
	hc      *http.Client
	tokens  TokenSource
	apiBase string
}

// Option tweaks a Service. Used by tests to point at a local server.
type Option func(*Service)

func WithAPIBase(base string) Option {
	return func(s *Service) { s.apiBase = base }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(s *Service) { s.hc = hc }
}

func NewService(log *slog.Logger, tokens TokenSource, opts ...Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		log:     log,
		hc:      &http.Client{Timeout: requestTimeout},
		tokens:  tokens,
		apiBase: defaultAPIBase,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type freeBusyRequest struct {
	TimeMin string         `json:"timeMin"`
	TimeMax string         `json:"timeMax"`
	Items   []freeBusyItem `json:"items"`
}

type freeBusyItem struct {
	ID string `json:"id"`
}

type freeBusyResponse struct {
	Calendars map[string]struct {
		Busy []struct {
			Start string `json:"start"`
			End   string `json:"end"`
		} `json:"busy"`
	} `json:"calendars"`
}

// CheckAvailability reports whether the window is free of busy blocks on
// the tenant's primary calendar.
func (s *Service) CheckAvailability(ctx context.Context, tenantID string, start time.Time, d time.Duration) (bool, error) {
	token, err := s.tokens.Token(ctx, tenantID)
	if err != nil {
		return false, err
	}

	body := freeBusyRequest{
		TimeMin: start.UTC().Format(time.RFC3339),
		TimeMax: start.Add(d).UTC().Format(time.RFC3339),
		Items:   []freeBusyItem{{ID: primaryCalendar}},
	}
	var resp freeBusyResponse
	if err := s.post(ctx, token, s.apiBase+"/freeBusy", body, &resp); err != nil {
		return false, err
	}
	return len(resp.Calendars[primaryCalendar].Busy) == 0, nil
}

type eventRequest struct {
	Summary     string    `json:"summary"`
	Description string    `json:"description"`
	Start       eventTime `json:"start"`
	End         eventTime `json:"end"`
}

type eventTime struct {
	DateTime string `json:"dateTime"`
}

type eventResponse struct {
	ID string `json:"id"`
}

// BookAppointment re-validates the slot, inserts the event, and returns
// the created event's identifier. A slot that filled up since the caller
// asked comes back as tools.ErrSlotTaken.
func (s *Service) BookAppointment(ctx context.Context, tenantID string, b tools.Booking) (string, error) {
	free, err := s.CheckAvailability(ctx, tenantID, b.Start, b.Duration)
	if err != nil {
		return "", err
	}
	if !free {
		return "", tools.ErrSlotTaken
	}

	token, err := s.tokens.Token(ctx, tenantID)
	if err != nil {
		return "", err
	}

	summary := "Appointment"
	if b.CustomerName != "" {
		summary = "Appointment: " + b.CustomerName
	}
	desc := eventDescription
	if b.CustomerPhone != "" {
		desc += ". Caller: " + b.CustomerPhone
	}
	body := eventRequest{
		Summary:     summary,
		Description: desc,
		Start:       eventTime{DateTime: b.Start.UTC().Format(time.RFC3339)},
		End:         eventTime{DateTime: b.Start.Add(b.Duration).UTC().Format(time.RFC3339)},
	}
	url := fmt.Sprintf("%s/calendars/%s/events", s.apiBase, primaryCalendar)
	var created eventResponse
	if err := s.post(ctx, token, url, body, &created); err != nil {
		return "", err
	}
	s.log.Info("calendar event created",
		"tenant_id", tenantID, "event_id", created.ID, "start", body.Start.DateTime)
	return created.ID, nil
}

func (s *Service) post(ctx context.Context, token, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("calendar: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("calendar: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.hc.Do(req)
	if err != nil {
		return fmt.Errorf("calendar: %w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrTokenExpired
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("calendar: %w: status %d: %s", ErrUpstream, resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("calendar: decode response: %w", err)
	}
	return nil
}
