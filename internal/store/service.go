// Package store is the Postgres persistence layer for calls, tenants,
// contacts, usage events, and Google credentials.
//
// NOTE: This package assumes the following tables exist:
// - tenants
// - calls (call_sid UNIQUE)
// - contacts (UNIQUE (tenant_id, phone_number))
// - usage_events (immutable append-only)
// - google_credentials (tenant_id PRIMARY KEY)
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"receptionist-platform/internal/calendar"
	"receptionist-platform/pkg/utils"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Service provides all database operations.
//
// Tenancy invariant: every tenant-owned query filters by tenant_id.
// Billing invariant: minutes_used never changes without a usage_events row,
// and both happen in one transaction.
type Service struct {
	db *sql.DB
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, clock: time.Now}
}

// CreateInProgress records a call the moment the voice webhook fires,
// before any tenant is known. Duplicate webhooks are ignored.
func (s *Service) CreateInProgress(ctx context.Context, callSID, from, to string) error {
	if callSID == "" {
		return ErrInvalidArgument
	}
	const q = `
INSERT INTO calls (id, call_sid, from_number, to_number, status, started_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6, $6)
ON CONFLICT (call_sid) DO NOTHING
`
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx, q, uuid.NewString(), callSID, from, to, CallStatusInProgress, now)
	if err != nil {
		return fmt.Errorf("store: create call: %w", err)
	}
	return nil
}

// SetRecordingURL attaches the recording location once the provider
// reports it.
func (s *Service) SetRecordingURL(ctx context.Context, callSID, recordingURL string) error {
	if callSID == "" || recordingURL == "" {
		return ErrInvalidArgument
	}
	const q = `
UPDATE calls SET recording_url = $2, updated_at = $3 WHERE call_sid = $1
`
	res, err := s.db.ExecContext(ctx, q, callSID, recordingURL, s.clock().UTC())
	if err != nil {
		return fmt.Errorf("store: set recording url: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTranscript overwrites the stored transcript with the latest
// snapshot. Called mid-call, so the row keeps its in_progress status.
func (s *Service) UpdateTranscript(ctx context.Context, callSID, transcript string) error {
	if callSID == "" {
		return ErrInvalidArgument
	}
	const q = `
UPDATE calls SET transcript = $2, updated_at = $3 WHERE call_sid = $1
`
	res, err := s.db.ExecContext(ctx, q, callSID, transcript, s.clock().UTC())
	if err != nil {
		return fmt.Errorf("store: update transcript: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const callColumns = `
id, call_sid, COALESCE(tenant_id, ''), from_number, to_number, status,
COALESCE(transcript, ''), COALESCE(summary, ''), COALESCE(intent, ''),
COALESCE(conversation_frame, ''), appointment_booked,
duration_seconds, COALESCE(recording_url, ''), started_at, ended_at, created_at, updated_at
`

func scanCall(row *sql.Row) (Call, error) {
	var c Call
	var ended sql.NullTime
	err := row.Scan(
		&c.ID,
		&c.CallSID,
		&c.TenantID,
		&c.FromNumber,
		&c.ToNumber,
		&c.Status,
		&c.Transcript,
		&c.Summary,
		&c.Intent,
		&c.ConversationFrame,
		&c.AppointmentBooked,
		&c.DurationSeconds,
		&c.RecordingURL,
		&c.StartedAt,
		&ended,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	if ended.Valid {
		t := ended.Time
		c.EndedAt = &t
	}
	return c, nil
}

// CallBySID fetches a call by its provider identifier.
func (s *Service) CallBySID(ctx context.Context, callSID string) (Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE call_sid = $1`
	return scanCall(s.db.QueryRowContext(ctx, q, callSID))
}

// LatestInProgress returns the tenant's most recent unfinished call. Used
// as a fallback when the stream's call identifier never made it to a row.
func (s *Service) LatestInProgress(ctx context.Context, tenantID string) (Call, error) {
	q := `SELECT ` + callColumns + `
FROM calls
WHERE tenant_id = $1 AND status = $2
ORDER BY started_at DESC
LIMIT 1`
	return scanCall(s.db.QueryRowContext(ctx, q, tenantID, CallStatusInProgress))
}

func scanTenant(row *sql.Row) (Tenant, error) {
	var t Tenant
	var services, faqs []byte
	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.PhoneNumber,
		&t.Industry,
		&t.Description,
		&services,
		&faqs,
		&t.Timezone,
		&t.MinutesUsed,
		&t.MinutesIncluded,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tenant{}, ErrNotFound
		}
		return Tenant{}, err
	}
	if len(services) > 0 {
		if err := json.Unmarshal(services, &t.Services); err != nil {
			return Tenant{}, fmt.Errorf("store: decode tenant services: %w", err)
		}
	}
	if len(faqs) > 0 {
		if err := json.Unmarshal(faqs, &t.FAQs); err != nil {
			return Tenant{}, fmt.Errorf("store: decode tenant faqs: %w", err)
		}
	}
	return t, nil
}

const tenantColumns = `
id, name, phone_number, COALESCE(industry, ''), COALESCE(description, ''),
services, faqs, timezone, minutes_used, minutes_included, created_at, updated_at
`

// TenantByID fetches a tenant directly.
func (s *Service) TenantByID(ctx context.Context, id string) (Tenant, error) {
	q := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1`
	return scanTenant(s.db.QueryRowContext(ctx, q, id))
}

// TenantByPhoneNumber resolves the business a caller dialed.
func (s *Service) TenantByPhoneNumber(ctx context.Context, number string) (Tenant, error) {
	q := `SELECT ` + tenantColumns + ` FROM tenants WHERE phone_number = $1`
	return scanTenant(s.db.QueryRowContext(ctx, q, number))
}

// NoteIdentity records the name a caller gave during a call. Names are
// appended to the contact's notes, never overwritten.
func (s *Service) NoteIdentity(ctx context.Context, tenantID, phone, name string) error {
	if tenantID == "" || phone == "" || name == "" {
		return ErrInvalidArgument
	}
	const q = `
INSERT INTO contacts (id, tenant_id, phone_number, name, notes, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)
ON CONFLICT (tenant_id, phone_number) DO UPDATE SET
	name = EXCLUDED.name,
	notes = contacts.notes || E'\n' || EXCLUDED.notes,
	updated_at = EXCLUDED.updated_at
`
	now := s.clock().UTC()
	note := fmt.Sprintf("Identified as %q on %s", name, now.Format("2006-01-02"))
	_, err := s.db.ExecContext(ctx, q, uuid.NewString(), tenantID, phone, name, note, now)
	if err != nil {
		return fmt.Errorf("store: note identity: %w", err)
	}
	return nil
}

// FinalizeCallParams is everything the post-call commit writes.
type FinalizeCallParams struct {
	CallID     string
	TenantID   string
	Transcript string
	Summary    string
	Intent     string

	// ConversationFrame is the serialized structured timeline (JSON).
	ConversationFrame string
	AppointmentBooked bool

	DurationSeconds int
	Minutes         int
	EndedAt         time.Time
}

// FinalizeCall commits the end-of-call state: the call row, the tenant's
// minute counter, and the usage event, atomically. Partial writes roll
// back together.
func (s *Service) FinalizeCall(ctx context.Context, p FinalizeCallParams) error {
	if p.CallID == "" || p.TenantID == "" || p.Minutes < 1 {
		return ErrInvalidArgument
	}
	now := s.clock().UTC()
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const updateCall = `
UPDATE calls SET
	tenant_id = $2,
	status = $3,
	transcript = $4,
	summary = $5,
	intent = $6,
	conversation_frame = $7,
	appointment_booked = $8,
	duration_seconds = $9,
	ended_at = $10,
	updated_at = $11
WHERE id = $1
`
		res, err := tx.ExecContext(ctx, updateCall,
			p.CallID, p.TenantID, CallStatusCompleted,
			p.Transcript, p.Summary, p.Intent,
			p.ConversationFrame, p.AppointmentBooked,
			p.DurationSeconds, p.EndedAt.UTC(), now)
		if err != nil {
			return fmt.Errorf("store: finalize call row: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		const bumpMinutes = `
UPDATE tenants SET minutes_used = minutes_used + $2, updated_at = $3 WHERE id = $1
`
		res, err = tx.ExecContext(ctx, bumpMinutes, p.TenantID, p.Minutes, now)
		if err != nil {
			return fmt.Errorf("store: bump tenant minutes: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		const insertUsage = `
INSERT INTO usage_events (id, tenant_id, call_id, minutes, created_at)
VALUES ($1, $2, $3, $4, $5)
`
		if _, err := tx.ExecContext(ctx, insertUsage, uuid.NewString(), p.TenantID, p.CallID, p.Minutes, now); err != nil {
			return fmt.Errorf("store: insert usage event: %w", err)
		}
		return nil
	})
}

// GetGoogleCredential loads the tenant's stored OAuth grant.
func (s *Service) GetGoogleCredential(ctx context.Context, tenantID string) (calendar.Credential, error) {
	const q = `
SELECT access_token, refresh_token, expiry FROM google_credentials WHERE tenant_id = $1
`
	var c calendar.Credential
	err := s.db.QueryRowContext(ctx, q, tenantID).Scan(&c.AccessToken, &c.RefreshToken, &c.Expiry)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calendar.Credential{}, calendar.ErrNotConnected
		}
		return calendar.Credential{}, fmt.Errorf("store: get google credential: %w", err)
	}
	return c, nil
}

// SaveGoogleCredential upserts the tenant's OAuth grant.
func (s *Service) SaveGoogleCredential(ctx context.Context, tenantID string, c calendar.Credential) error {
	const q = `
INSERT INTO google_credentials (tenant_id, access_token, refresh_token, expiry, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (tenant_id) DO UPDATE SET
	access_token = EXCLUDED.access_token,
	refresh_token = EXCLUDED.refresh_token,
	expiry = EXCLUDED.expiry,
	updated_at = EXCLUDED.updated_at
`
	_, err := s.db.ExecContext(ctx, q, tenantID, c.AccessToken, c.RefreshToken, c.Expiry.UTC(), s.clock().UTC())
	if err != nil {
		return fmt.Errorf("store: save google credential: %w", err)
	}
	return nil
}
