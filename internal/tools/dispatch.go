// Package tools executes the function calls the speech engine may emit
// during a live call. Results are caller-facing sentences; internal errors
// never surface past the dispatcher.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// ErrSlotTaken reports that a requested appointment slot was claimed
// between the availability check and the booking write.
var ErrSlotTaken = errors.New("tools: slot already taken")

const (
	resultError       = "An error occurred."
	resultSlotOpen    = "That time is available."
	resultSlotBusy    = "That time is not available."
	resultSlotLost    = "That time is no longer available."
	resultNoted       = "Thank you, I have noted that."
	defaultDuration   = 30 * time.Minute
	dispatchArgsLimit = 4096
)

// Booking is one confirmed appointment request.
type Booking struct {
	Start         time.Time
	Duration      time.Duration
	CustomerName  string
	CustomerPhone string
}

// Scheduler answers availability questions and writes bookings against the
// tenant's calendar. BookAppointment re-validates the slot, returning
// ErrSlotTaken when it has been claimed in the meantime, and yields the
// created event's identifier on success.
type Scheduler interface {
	CheckAvailability(ctx context.Context, tenantID string, start time.Time, d time.Duration) (bool, error)
	BookAppointment(ctx context.Context, tenantID string, b Booking) (eventID string, err error)
}

// ContactStore records what the caller tells us about themselves.
type ContactStore interface {
	NoteIdentity(ctx context.Context, tenantID, phone, name string) error
}

// Dispatcher routes engine function calls to their handlers.
type Dispatcher struct {
	log      *slog.Logger
	calendar Scheduler
	contacts ContactStore
}

func NewDispatcher(log *slog.Logger, calendar Scheduler, contacts ContactStore) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{log: log, calendar: calendar, contacts: contacts}
}

// Dispatch runs one tool call. The returned string goes back to the engine
// verbatim; the bool reports whether an appointment was actually booked.
func (d *Dispatcher) Dispatch(ctx context.Context, tenantID, callerNumber, name, argsJSON string) (string, bool) {
	if len(argsJSON) > dispatchArgsLimit {
		d.log.Warn("tool arguments too large", "tool", name, "size", len(argsJSON))
		return resultError, false
	}

	switch name {
	case "check_availability":
		return d.checkAvailability(ctx, tenantID, argsJSON), false
	case "book_appointment":
		return d.bookAppointment(ctx, tenantID, callerNumber, argsJSON)
	case "identify_self":
		return d.identifySelf(ctx, tenantID, callerNumber, argsJSON), false
	default:
		d.log.Warn("unknown tool requested", "tool", name)
		return resultError, false
	}
}

type slotArgs struct {
	StartISO        string `json:"start_iso"`
	DurationMinutes int    `json:"duration_minutes"`
	CustomerName    string `json:"customer_name"`
}

func (a slotArgs) window() (time.Time, time.Duration, error) {
	start, err := time.Parse(time.RFC3339, a.StartISO)
	if err != nil {
		return time.Time{}, 0, err
	}
	d := defaultDuration
	if a.DurationMinutes > 0 {
		d = time.Duration(a.DurationMinutes) * time.Minute
	}
	return start, d, nil
}

func (d *Dispatcher) checkAvailability(ctx context.Context, tenantID, argsJSON string) string {
	if d.calendar == nil {
		return resultError
	}
	var args slotArgs
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		d.log.Warn("bad check_availability arguments", "error", err)
		return resultError
	}
	start, dur, err := args.window()
	if err != nil {
		d.log.Warn("bad availability window", "error", err)
		return resultError
	}
	free, err := d.calendar.CheckAvailability(ctx, tenantID, start, dur)
	if err != nil {
		d.log.Error("availability check failed", "tenant_id", tenantID, "error", err)
		return resultError
	}
	if free {
		return resultSlotOpen
	}
	return resultSlotBusy
}

func (d *Dispatcher) bookAppointment(ctx context.Context, tenantID, callerNumber, argsJSON string) (string, bool) {
	if d.calendar == nil {
		return resultError, false
	}
	var args slotArgs
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		d.log.Warn("bad book_appointment arguments", "error", err)
		return resultError, false
	}
	start, dur, err := args.window()
	if err != nil {
		d.log.Warn("bad booking window", "error", err)
		return resultError, false
	}

	b := Booking{
		Start:         start,
		Duration:      dur,
		CustomerName:  args.CustomerName,
		CustomerPhone: callerNumber,
	}
	eventID, err := d.calendar.BookAppointment(ctx, tenantID, b)
	if err != nil {
		if errors.Is(err, ErrSlotTaken) {
			return resultSlotLost, false
		}
		d.log.Error("booking failed", "tenant_id", tenantID, "error", err)
		return resultError, false
	}

	d.log.Info("appointment booked",
		"tenant_id", tenantID,
		"event_id", eventID,
		"start", start.Format(time.RFC3339),
		"duration", dur)
	result := "Appointment booked for " + start.Format("Monday, January 2 at 3:04 PM") + "."
	if eventID != "" {
		result = "Confirmed! Appointment ID: " + eventID
	}
	return result, true
}

type identifyArgs struct {
	Name string `json:"name"`
}

func (d *Dispatcher) identifySelf(ctx context.Context, tenantID, callerNumber, argsJSON string) string {
	if d.contacts == nil {
		return resultError
	}
	var args identifyArgs
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil || args.Name == "" {
		d.log.Warn("bad identify_self arguments", "error", err)
		return resultError
	}
	if err := d.contacts.NoteIdentity(ctx, tenantID, callerNumber, args.Name); err != nil {
		d.log.Error("record caller identity failed", "tenant_id", tenantID, "error", err)
		return resultError
	}
	return resultNoted
}
