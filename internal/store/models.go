package store

import "time"

// Call is one inbound phone call handled by the receptionist.
//
// Multi-tenant invariant: TenantID is set as soon as the call is matched to
// a business; rows created by the voice webhook may briefly lack it.
type Call struct {
	ID      string `json:"id" db:"id"`
	CallSID string `json:"call_sid" db:"call_sid"`

	TenantID string `json:"tenant_id,omitempty" db:"tenant_id"`

	FromNumber string `json:"from_number" db:"from_number"`
	ToNumber   string `json:"to_number" db:"to_number"`

	Status CallStatus `json:"status" db:"status"`

	Transcript string `json:"transcript,omitempty" db:"transcript"`
	Summary    string `json:"summary,omitempty" db:"summary"`
	Intent     string `json:"intent,omitempty" db:"intent"`

	// ConversationFrame holds the structured turn-by-turn record as JSON.
	ConversationFrame string `json:"conversation_frame,omitempty" db:"conversation_frame"`
	AppointmentBooked bool   `json:"appointment_booked" db:"appointment_booked"`

	DurationSeconds int    `json:"duration_seconds" db:"duration_seconds"`
	RecordingURL    string `json:"recording_url,omitempty" db:"recording_url"`

	StartedAt time.Time  `json:"started_at" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type CallStatus string

const (
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
)

// Call intents assigned at finalization.
const (
	IntentBooking        = "Booking"
	IntentBookingInquiry = "Booking Inquiry"
	IntentInquiry        = "Inquiry"
)

// Tenant is one business the receptionist answers for.
type Tenant struct {
	ID          string `json:"id" db:"id"`
	Name        string `json:"name" db:"name"`
	PhoneNumber string `json:"phone_number" db:"phone_number"`
	Industry    string `json:"industry,omitempty" db:"industry"`
	Description string `json:"description,omitempty" db:"description"`

	// Services and FAQs feed the agent's instructions.
	Services []string          `json:"services,omitempty" db:"services"`
	FAQs     map[string]string `json:"faqs,omitempty" db:"faqs"`

	Timezone string `json:"timezone" db:"timezone"`

	MinutesUsed     int `json:"minutes_used" db:"minutes_used"`
	MinutesIncluded int `json:"minutes_included" db:"minutes_included"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Contact is a caller the tenant has heard from before. Notes are
// append-only.
type Contact struct {
	ID          string    `json:"id" db:"id"`
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	PhoneNumber string    `json:"phone_number" db:"phone_number"`
	Name        string    `json:"name,omitempty" db:"name"`
	Notes       string    `json:"notes,omitempty" db:"notes"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// UsageEvent is one immutable billing record, written once per completed
// call in the same transaction as the call row update.
type UsageEvent struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	CallID    string    `json:"call_id" db:"call_id"`
	Minutes   int       `json:"minutes" db:"minutes"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
