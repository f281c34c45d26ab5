package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeScheduler struct {
	free      bool
	checkErr  error
	bookErr   error
	eventID   string
	booked    []Booking
	lastStart time.Time
	lastDur   time.Duration
}

func (f *fakeScheduler) CheckAvailability(ctx context.Context, tenantID string, start time.Time, d time.Duration) (bool, error) {
	f.lastStart, f.lastDur = start, d
	return f.free, f.checkErr
}

func (f *fakeScheduler) BookAppointment(ctx context.Context, tenantID string, b Booking) (string, error) {
	if f.bookErr != nil {
		return "", f.bookErr
	}
	f.booked = append(f.booked, b)
	return f.eventID, nil
}

type fakeContacts struct {
	notes map[string]string
	err   error
}

func (f *fakeContacts) NoteIdentity(ctx context.Context, tenantID, phone, name string) error {
	if f.err != nil {
		return f.err
	}
	if f.notes == nil {
		f.notes = make(map[string]string)
	}
	f.notes[phone] = name
	return nil
}

func TestCheckAvailability(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		free bool
		err  error
		args string
		want string
	}{
		{"free slot", true, nil, `{"start_iso":"2025-06-02T10:00:00Z"}`, "That time is available."},
		{"busy slot", false, nil, `{"start_iso":"2025-06-02T10:00:00Z"}`, "That time is not available."},
		{"upstream failure", false, errors.New("calendar down"), `{"start_iso":"2025-06-02T10:00:00Z"}`, "An error occurred."},
		{"bad timestamp", true, nil, `{"start_iso":"tomorrow at ten"}`, "An error occurred."},
		{"bad json", true, nil, `not json`, "An error occurred."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := &fakeScheduler{free: tt.free, checkErr: tt.err}
			d := NewDispatcher(nil, sched, &fakeContacts{})
			got, booked := d.Dispatch(ctx, "t1", "+15550001111", "check_availability", tt.args)
			if got != tt.want {
				t.Fatalf("result = %q, want %q", got, tt.want)
			}
			if booked {
				t.Fatal("availability check reported a booking")
			}
		})
	}
}

func TestCheckAvailabilityDefaultDuration(t *testing.T) {
	sched := &fakeScheduler{free: true}
	d := NewDispatcher(nil, sched, nil)
	d.Dispatch(context.Background(), "t1", "", "check_availability", `{"start_iso":"2025-06-02T10:00:00Z"}`)
	if sched.lastDur != 30*time.Minute {
		t.Fatalf("duration = %v, want 30m", sched.lastDur)
	}

	d.Dispatch(context.Background(), "t1", "", "check_availability", `{"start_iso":"2025-06-02T10:00:00Z","duration_minutes":30}`)
	if sched.lastDur != 30*time.Minute {
		t.Fatalf("duration = %v, want 30m", sched.lastDur)
	}
}

func TestBookAppointment(t *testing.T) {
	ctx := context.Background()
	args := `{"start_iso":"2025-06-02T10:00:00Z","customer_name":"Dana","duration_minutes":45}`

	t.Run("success", func(t *testing.T) {
		sched := &fakeScheduler{free: true, eventID: "evt-42"}
		d := NewDispatcher(nil, sched, nil)
		got, booked := d.Dispatch(ctx, "t1", "+15550001111", "book_appointment", args)
		if !booked {
			t.Fatal("successful booking not reported")
		}
		if got != "Confirmed! Appointment ID: evt-42" {
			t.Fatalf("result = %q", got)
		}
		if len(sched.booked) != 1 {
			t.Fatalf("bookings = %d, want 1", len(sched.booked))
		}
		b := sched.booked[0]
		if b.CustomerName != "Dana" || b.CustomerPhone != "+15550001111" || b.Duration != 45*time.Minute {
			t.Fatalf("booking = %+v", b)
		}
	})

	t.Run("success without event id", func(t *testing.T) {
		sched := &fakeScheduler{free: true}
		d := NewDispatcher(nil, sched, nil)
		got, booked := d.Dispatch(ctx, "t1", "+15550001111", "book_appointment", args)
		if !booked {
			t.Fatal("successful booking not reported")
		}
		if !strings.HasPrefix(got, "Appointment booked for ") {
			t.Fatalf("result = %q", got)
		}
	})

	t.Run("slot lost to race", func(t *testing.T) {
		sched := &fakeScheduler{bookErr: ErrSlotTaken}
		d := NewDispatcher(nil, sched, nil)
		got, booked := d.Dispatch(ctx, "t1", "", "book_appointment", args)
		if got != "That time is no longer available." || booked {
			t.Fatalf("result = %q booked = %v", got, booked)
		}
	})

	t.Run("calendar failure", func(t *testing.T) {
		sched := &fakeScheduler{bookErr: errors.New("upstream 500")}
		d := NewDispatcher(nil, sched, nil)
		got, booked := d.Dispatch(ctx, "t1", "", "book_appointment", args)
		if got != "An error occurred." || booked {
			t.Fatalf("result = %q booked = %v", got, booked)
		}
	})
}

func TestIdentifySelf(t *testing.T) {
	ctx := context.Background()

	contacts := &fakeContacts{}
	d := NewDispatcher(nil, &fakeScheduler{}, contacts)
	got, booked := d.Dispatch(ctx, "t1", "+15550001111", "identify_self", `{"name":"Morgan"}`)
	if got != "Thank you, I have noted that." || booked {
		t.Fatalf("result = %q booked = %v", got, booked)
	}
	if contacts.notes["+15550001111"] != "Morgan" {
		t.Fatalf("notes = %v", contacts.notes)
	}

	got, _ = d.Dispatch(ctx, "t1", "+15550001111", "identify_self", `{}`)
	if got != "An error occurred." {
		t.Fatalf("empty name result = %q", got)
	}
}

func TestUnknownToolFailsNeutrally(t *testing.T) {
	d := NewDispatcher(nil, &fakeScheduler{free: true}, &fakeContacts{})
	got, booked := d.Dispatch(context.Background(), "t1", "", "delete_all_events", `{}`)
	if got != "An error occurred." || booked {
		t.Fatalf("result = %q booked = %v", got, booked)
	}
}
