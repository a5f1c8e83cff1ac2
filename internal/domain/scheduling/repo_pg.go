package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/telecare/telecare/internal/platform/db"
)

const (
	pgExclusionViolation = "23P01"
	pgUniqueViolation    = "23505"
)

// =========== Template Repository ===========

type templateRepoPG struct{ pool db.Pool }

func NewTemplateRepoPG(pool db.Pool) TemplateRepository { return &templateRepoPG{pool: pool} }

func (r *templateRepoPG) Get(ctx context.Context, therapistID uuid.UUID) (*WeeklyTemplate, error) {
	var (
		t    WeeklyTemplate
		days []byte
		at   time.Time
	)
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT therapist_id, timezone, days, updated_at FROM weekly_templates WHERE therapist_id = $1`,
		therapistID).Scan(&t.TherapistID, &t.Timezone, &days, &at)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get weekly template: %w", err)
	}
	if err := json.Unmarshal(days, &t.Days); err != nil {
		return nil, fmt.Errorf("decode weekly template days: %w", err)
	}
	t.UpdatedAt = &at
	return &t, nil
}

func (r *templateRepoPG) Save(ctx context.Context, t *WeeklyTemplate) error {
	days, err := json.Marshal(t.Days)
	if err != nil {
		return fmt.Errorf("encode weekly template days: %w", err)
	}
	var at time.Time
	err = db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO weekly_templates (therapist_id, timezone, days, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (therapist_id) DO UPDATE
			SET timezone = EXCLUDED.timezone, days = EXCLUDED.days, updated_at = NOW()
		RETURNING updated_at`,
		t.TherapistID, t.Timezone, days).Scan(&at)
	if err != nil {
		return fmt.Errorf("save weekly template: %w", err)
	}
	t.UpdatedAt = &at
	return nil
}

// =========== Override Repository ===========

type overrideRepoPG struct{ pool db.Pool }

func NewOverrideRepoPG(pool db.Pool) OverrideRepository { return &overrideRepoPG{pool: pool} }

const overrideCols = `therapist_id, override_date, available, time_ranges, extra_slots,
	session_duration_minutes, max_sessions_per_day, reason, updated_at`

func scanOverride(row pgx.Row) (*DateOverride, error) {
	var (
		o              DateOverride
		day            time.Time
		ranges, extras []byte
		at             time.Time
	)
	if err := row.Scan(&o.TherapistID, &day, &o.Available, &ranges, &extras,
		&o.SessionDurationMinutes, &o.MaxSessionsPerDay, &o.Reason, &at); err != nil {
		return nil, err
	}
	o.Date = DateOf(day)
	o.UpdatedAt = &at
	if len(ranges) > 0 {
		if err := json.Unmarshal(ranges, &o.TimeRanges); err != nil {
			return nil, fmt.Errorf("decode override time_ranges: %w", err)
		}
	}
	if len(extras) > 0 {
		if err := json.Unmarshal(extras, &o.ExtraSlots); err != nil {
			return nil, fmt.Errorf("decode override extra_slots: %w", err)
		}
	}
	return &o, nil
}

func (r *overrideRepoPG) Get(ctx context.Context, therapistID uuid.UUID, date Date) (*DateOverride, error) {
	o, err := scanOverride(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+overrideCols+` FROM date_overrides WHERE therapist_id = $1 AND override_date = $2`,
		therapistID, date.Time()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get override: %w", err)
	}
	return o, nil
}

func (r *overrideRepoPG) List(ctx context.Context, therapistID uuid.UUID, from, to Date) ([]*DateOverride, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+overrideCols+` FROM date_overrides
		WHERE therapist_id = $1 AND override_date BETWEEN $2 AND $3
		ORDER BY override_date`,
		therapistID, from.Time(), to.Time())
	if err != nil {
		return nil, fmt.Errorf("list overrides: %w", err)
	}
	defer rows.Close()
	var items []*DateOverride
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		items = append(items, o)
	}
	return items, rows.Err()
}

func (r *overrideRepoPG) Upsert(ctx context.Context, o *DateOverride) error {
	ranges, err := json.Marshal(nonNilRanges(o.TimeRanges))
	if err != nil {
		return fmt.Errorf("encode override time_ranges: %w", err)
	}
	extras, err := json.Marshal(nonNilRanges(o.ExtraSlots))
	if err != nil {
		return fmt.Errorf("encode override extra_slots: %w", err)
	}
	var at time.Time
	err = db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO date_overrides (therapist_id, override_date, available, time_ranges, extra_slots,
			session_duration_minutes, max_sessions_per_day, reason, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (therapist_id, override_date) DO UPDATE SET
			available = EXCLUDED.available, time_ranges = EXCLUDED.time_ranges,
			extra_slots = EXCLUDED.extra_slots,
			session_duration_minutes = EXCLUDED.session_duration_minutes,
			max_sessions_per_day = EXCLUDED.max_sessions_per_day,
			reason = EXCLUDED.reason, updated_at = NOW()
		RETURNING updated_at`,
		o.TherapistID, o.Date.Time(), o.Available, ranges, extras,
		o.SessionDurationMinutes, o.MaxSessionsPerDay, o.Reason).Scan(&at)
	if err != nil {
		return fmt.Errorf("upsert override: %w", err)
	}
	o.UpdatedAt = &at
	return nil
}

func (r *overrideRepoPG) Delete(ctx context.Context, therapistID uuid.UUID, date Date) (bool, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`DELETE FROM date_overrides WHERE therapist_id = $1 AND override_date = $2`,
		therapistID, date.Time())
	if err != nil {
		return false, fmt.Errorf("delete override: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func nonNilRanges(r []TimeRange) []TimeRange {
	if r == nil {
		return []TimeRange{}
	}
	return r
}

// =========== Session Repository ===========

type sessionRepoPG struct{ pool db.Pool }

func NewSessionRepoPG(pool db.Pool) SessionRepository { return &sessionRepoPG{pool: pool} }

const sessionCols = `id, therapist_id, patient_id, session_date, start_time, end_time,
	duration_minutes, status, room_url, room_name, room_pending, notes, recording_ref,
	cancellation_reason, cancelled_by, started_at, ended_at, cancelled_at, created_at, updated_at`

func scanSession(row pgx.Row) (*Session, error) {
	var (
		s          Session
		day        time.Time
		start, end pgtype.Time
		status     string
	)
	err := row.Scan(&s.ID, &s.TherapistID, &s.PatientID, &day, &start, &end,
		&s.DurationMinutes, &status, &s.RoomURL, &s.RoomName, &s.RoomPending, &s.Notes, &s.RecordingRef,
		&s.CancellationReason, &s.CancelledBy, &s.StartedAt, &s.EndedAt, &s.CancelledAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Date = DateOf(day)
	s.StartTime = timeOfDayFromPG(start)
	s.EndTime = timeOfDayFromPG(end)
	s.Status = SessionStatus(status)
	return &s, nil
}

func scanSessions(rows pgx.Rows) ([]*Session, error) {
	defer rows.Close()
	var items []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *sessionRepoPG) WithTherapistDayLock(ctx context.Context, therapistID uuid.UUID, date Date, fn func(ctx context.Context) error) error {
	err := db.InTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
			therapistID.String()+"/"+date.String()); err != nil {
			return fmt.Errorf("lock therapist day: %w", err)
		}
		return fn(ctx)
	})
	var ce *db.CommitError
	if errors.As(err, &ce) {
		if isSlotConflict(ce.Err) {
			return errSlotTaken()
		}
		return fmt.Errorf("%w: %v", ErrOutcomeUnknown, ce.Err)
	}
	return err
}

func (r *sessionRepoPG) Create(ctx context.Context, s *Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO sessions (id, therapist_id, patient_id, session_date, start_time, end_time,
			duration_minutes, status, room_pending)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		s.ID, s.TherapistID, s.PatientID, s.Date.Time(), s.StartTime.pgTime(), s.EndTime.pgTime(),
		s.DurationMinutes, string(s.Status), s.RoomPending).Scan(&s.CreatedAt, &s.UpdatedAt)
	if isSlotConflict(err) {
		return errSlotTaken()
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func isSlotConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == pgExclusionViolation || pgErr.Code == pgUniqueViolation)
}

func (r *sessionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	s, err := scanSession(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Resource: "session", ID: id.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

func (r *sessionRepoPG) ListOccupying(ctx context.Context, therapistID uuid.UUID, from, to Date) ([]*Session, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+sessionCols+` FROM sessions
		WHERE therapist_id = $1 AND session_date BETWEEN $2 AND $3 AND status = ANY($4)
		ORDER BY session_date, start_time`,
		therapistID, from.Time(), to.Time(), statusStrings(OccupyingStatuses))
	if err != nil {
		return nil, fmt.Errorf("list occupying sessions: %w", err)
	}
	return scanSessions(rows)
}

func (r *sessionRepoPG) ListByParticipant(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Session, int, error) {
	var total int
	if err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM sessions WHERE patient_id = $1 OR therapist_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+sessionCols+` FROM sessions
		WHERE patient_id = $1 OR therapist_id = $1
		ORDER BY session_date DESC, start_time DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	items, err := scanSessions(rows)
	return items, total, err
}

func (r *sessionRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, from []SessionStatus, patch StatusPatch) (*Session, error) {
	s, err := scanSession(db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE sessions SET
			status = $2,
			notes = COALESCE($3, notes),
			recording_ref = COALESCE($4, recording_ref),
			cancellation_reason = COALESCE($5, cancellation_reason),
			cancelled_by = COALESCE($6, cancelled_by),
			started_at = CASE WHEN $2 = 'in_progress' THEN NOW() ELSE started_at END,
			ended_at = CASE WHEN $2 IN ('completed', 'no_show') THEN NOW() ELSE ended_at END,
			cancelled_at = CASE WHEN $2 = 'cancelled' THEN NOW() ELSE cancelled_at END,
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($7)
		RETURNING `+sessionCols,
		id, string(patch.To), patch.Notes, patch.RecordingRef, patch.CancellationReason,
		patch.CancelledBy, statusStrings(from)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errStatusChanged
	}
	if err != nil {
		return nil, fmt.Errorf("update session status: %w", err)
	}
	return s, nil
}

func (r *sessionRepoPG) SetRoom(ctx context.Context, id uuid.UUID, url, name string) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE sessions SET room_url = $2, room_name = $3, room_pending = FALSE, updated_at = NOW()
		WHERE id = $1`, id, url, name)
	if err != nil {
		return fmt.Errorf("set session room: %w", err)
	}
	return nil
}

func (r *sessionRepoPG) ListRoomPending(ctx context.Context, limit int) ([]*Session, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+sessionCols+` FROM sessions
		WHERE room_pending AND status = ANY($1)
		ORDER BY session_date, start_time LIMIT $2`,
		statusStrings(OccupyingStatuses), limit)
	if err != nil {
		return nil, fmt.Errorf("list room-pending sessions: %w", err)
	}
	return scanSessions(rows)
}

// =========== Participant Directory ===========

type participantRepoPG struct{ pool db.Pool }

func NewParticipantDirectoryPG(pool db.Pool) ParticipantDirectory {
	return &participantRepoPG{pool: pool}
}

func (r *participantRepoPG) GetParticipant(ctx context.Context, id uuid.UUID) (*Participant, error) {
	var p Participant
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT id, full_name, email, role FROM users WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Email, &p.Role)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Resource: "user", ID: id.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("get participant: %w", err)
	}
	return &p, nil
}

// =========== Credit Ledger ===========

type creditRepoPG struct{ pool db.Pool }

func NewCreditCheckerPG(pool db.Pool) CreditChecker { return &creditRepoPG{pool: pool} }

func (r *creditRepoPG) HasUsableCredit(ctx context.Context, patientID uuid.UUID) (bool, error) {
	var ok bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM session_credits
			WHERE patient_id = $1 AND remaining > 0 AND (expires_at IS NULL OR expires_at > NOW())
		)`, patientID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check session credits: %w", err)
	}
	return ok, nil
}
