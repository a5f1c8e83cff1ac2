package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telecare/telecare/internal/platform/auth"
	"github.com/telecare/telecare/internal/platform/notification"
	"github.com/telecare/telecare/internal/platform/video"
)

// -- Mock Repositories --

type mockTemplateRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*WeeklyTemplate
	err   error
}

func newMockTemplateRepo() *mockTemplateRepo {
	return &mockTemplateRepo{items: make(map[uuid.UUID]*WeeklyTemplate)}
}

func (m *mockTemplateRepo) Get(_ context.Context, therapistID uuid.UUID) (*WeeklyTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	t, ok := m.items[therapistID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *mockTemplateRepo) Save(_ context.Context, t *WeeklyTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	t.UpdatedAt = &now
	cp := *t
	m.items[t.TherapistID] = &cp
	return nil
}

type overrideKey struct {
	therapist uuid.UUID
	date      Date
}

type mockOverrideRepo struct {
	mu    sync.Mutex
	items map[overrideKey]*DateOverride
}

func newMockOverrideRepo() *mockOverrideRepo {
	return &mockOverrideRepo{items: make(map[overrideKey]*DateOverride)}
}

func (m *mockOverrideRepo) Get(_ context.Context, therapistID uuid.UUID, date Date) (*DateOverride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[overrideKey{therapistID, date}], nil
}

func (m *mockOverrideRepo) List(_ context.Context, therapistID uuid.UUID, from, to Date) ([]*DateOverride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*DateOverride
	for k, o := range m.items {
		if k.therapist == therapistID && !k.date.Before(from) && !k.date.After(to) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (m *mockOverrideRepo) Upsert(_ context.Context, o *DateOverride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[overrideKey{o.TherapistID, o.Date}] = o
	return nil
}

func (m *mockOverrideRepo) Delete(_ context.Context, therapistID uuid.UUID, date Date) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := overrideKey{therapistID, date}
	_, ok := m.items[k]
	delete(m.items, k)
	return ok, nil
}

// mockSessionRepo behaves like the Postgres repository: the day lock
// serializes callers per (therapist, date) and Create rejects overlaps the
// way the exclusion constraint does.
type mockSessionRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	dayLocks map[overrideKey]*sync.Mutex

	// readDelay widens the race window inside the day lock.
	readDelay time.Duration
	// skipOverlapCheck disables the constraint backstop.
	skipOverlapCheck bool
	commitErr        error
	setRoomCalls     int
}

func newMockSessionRepo() *mockSessionRepo {
	return &mockSessionRepo{
		sessions: make(map[uuid.UUID]*Session),
		dayLocks: make(map[overrideKey]*sync.Mutex),
	}
}

func (m *mockSessionRepo) WithTherapistDayLock(ctx context.Context, therapistID uuid.UUID, date Date, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	k := overrideKey{therapistID, date}
	l, ok := m.dayLocks[k]
	if !ok {
		l = &sync.Mutex{}
		m.dayLocks[k] = l
	}
	m.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	if err := fn(ctx); err != nil {
		return err
	}
	if m.commitErr != nil {
		return fmt.Errorf("%w: %v", ErrOutcomeUnknown, m.commitErr)
	}
	return nil
}

func (m *mockSessionRepo) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.skipOverlapCheck {
		for _, o := range m.sessions {
			if o.TherapistID == s.TherapistID && o.Date == s.Date && o.Status.Occupying() && o.Range().Overlaps(s.Range()) {
				return errSlotTaken()
			}
		}
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *mockSessionRepo) put(s *Session) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return s
}

func (m *mockSessionRepo) GetByID(_ context.Context, id uuid.UUID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, &NotFoundError{Resource: "session", ID: id.String()}
	}
	cp := *s
	return &cp, nil
}

func (m *mockSessionRepo) ListOccupying(_ context.Context, therapistID uuid.UUID, from, to Date) ([]*Session, error) {
	if m.readDelay > 0 {
		time.Sleep(m.readDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.TherapistID == therapistID && s.Status.Occupying() && !s.Date.Before(from) && !s.Date.After(to) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].StartTime < out[j].StartTime
	})
	return out, nil
}

func (m *mockSessionRepo) ListByParticipant(_ context.Context, userID uuid.UUID, limit, offset int) ([]*Session, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Session
	for _, s := range m.sessions {
		if s.HasParticipant(userID) {
			cp := *s
			all = append(all, &cp)
		}
	}
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockSessionRepo) UpdateStatus(_ context.Context, id uuid.UUID, from []SessionStatus, patch StatusPatch) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errStatusChanged
	}
	allowed := false
	for _, st := range from {
		if s.Status == st {
			allowed = true
		}
	}
	if !allowed {
		return nil, errStatusChanged
	}
	s.Status = patch.To
	if patch.Notes != nil {
		s.Notes = patch.Notes
	}
	if patch.RecordingRef != nil {
		s.RecordingRef = patch.RecordingRef
	}
	if patch.CancellationReason != nil {
		s.CancellationReason = patch.CancellationReason
	}
	if patch.CancelledBy != nil {
		s.CancelledBy = patch.CancelledBy
	}
	now := time.Now()
	switch patch.To {
	case StatusInProgress:
		s.StartedAt = &now
	case StatusCompleted, StatusNoShow:
		s.EndedAt = &now
	case StatusCancelled:
		s.CancelledAt = &now
	}
	cp := *s
	return &cp, nil
}

func (m *mockSessionRepo) SetRoom(_ context.Context, id uuid.UUID, url, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setRoomCalls++
	s, ok := m.sessions[id]
	if !ok {
		return errors.New("no such session")
	}
	s.RoomURL, s.RoomName, s.RoomPending = &url, &name, false
	return nil
}

func (m *mockSessionRepo) ListRoomPending(_ context.Context, limit int) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.RoomPending && s.Status.Occupying() && len(out) < limit {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

// -- Mock Collaborators --

type mockDirectory struct {
	users map[uuid.UUID]*Participant
}

func (m *mockDirectory) GetParticipant(_ context.Context, id uuid.UUID) (*Participant, error) {
	p, ok := m.users[id]
	if !ok {
		return nil, &NotFoundError{Resource: "user", ID: id.String()}
	}
	return p, nil
}

type mockRooms struct {
	mu    sync.Mutex
	err   error
	calls []video.RoomRequest
}

func (m *mockRooms) CreateRoom(_ context.Context, req video.RoomRequest) (*video.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if m.err != nil {
		return nil, m.err
	}
	name := video.RoomName(req.SessionID)
	return &video.Room{URL: "https://telecare.daily.co/" + name, Name: name}, nil
}

type mockRetry struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (m *mockRetry) ScheduleRoomRetry(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, id)
	return nil
}

type mockNotifier struct {
	mu     sync.Mutex
	events []notification.Event
	err    error
}

func (m *mockNotifier) Notify(_ context.Context, evt notification.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return m.err
}

func (m *mockNotifier) all() []notification.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notification.Event(nil), m.events...)
}

type mockCredits struct {
	has map[uuid.UUID]bool
}

func (m *mockCredits) HasUsableCredit(_ context.Context, patientID uuid.UUID) (bool, error) {
	return m.has[patientID], nil
}

// -- Fixtures --

// monday is 2 March 2026. The test clock starts on the Sunday before.
var (
	monday   = Date{Year: 2026, Month: time.March, Day: 2}
	testNow  = time.Date(2026, time.March, 1, 8, 0, 0, 0, time.UTC)
	nineAM   = NewTimeOfDay(9, 0)
	nine30AM = NewTimeOfDay(9, 30)
	tenAM    = NewTimeOfDay(10, 0)
)

// mondayTemplate offers Mondays 09:00-10:00 only.
func mondayTemplate(therapistID uuid.UUID, duration, max int) *WeeklyTemplate {
	t := EmptyTemplate(therapistID)
	t.Days[time.Monday] = DaySchedule{
		Enabled:                true,
		TimeRanges:             []TimeRange{{Start: nineAM, End: tenAM}},
		SessionDurationMinutes: duration,
		MaxSessionsPerDay:      max,
	}
	return t
}

type testEnv struct {
	therapist uuid.UUID
	patient   uuid.UUID
	templates *mockTemplateRepo
	overrides *mockOverrideRepo
	sessions  *mockSessionRepo
	directory *mockDirectory
	rooms     *mockRooms
	retry     *mockRetry
	notifier  *mockNotifier
	store     *ScheduleStore
	avail     *AvailabilityService
	bookings  *BookingService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		therapist: uuid.New(),
		patient:   uuid.New(),
		templates: newMockTemplateRepo(),
		overrides: newMockOverrideRepo(),
		sessions:  newMockSessionRepo(),
		rooms:     &mockRooms{},
		retry:     &mockRetry{},
		notifier:  &mockNotifier{},
	}
	env.directory = &mockDirectory{users: map[uuid.UUID]*Participant{
		env.therapist: {ID: env.therapist, Name: "Dr. Bello", Email: "bello@example.com", Role: auth.RoleTherapist},
		env.patient:   {ID: env.patient, Name: "Ada", Email: "ada@example.com", Role: auth.RoleIndividual},
	}}
	env.templates.items[env.therapist] = mondayTemplate(env.therapist, 30, 10)

	env.store = NewScheduleStore(env.templates, env.overrides)
	env.avail = NewAvailabilityService(env.store, env.sessions, env.directory, nil, 0)
	env.avail.now = func() time.Time { return testNow }
	env.bookings = NewBookingService(BookingDeps{
		Sessions:     env.sessions,
		Availability: env.avail,
		Directory:    env.directory,
		Rooms:        env.rooms,
		RoomRetry:    env.retry,
		Notifier:     env.notifier,
		Logger:       zerolog.Nop(),
	})
	return env
}

func (env *testEnv) patientPrincipal() auth.Principal {
	return auth.Principal{UserID: env.patient, Role: auth.RoleIndividual}
}

func (env *testEnv) therapistPrincipal() auth.Principal {
	return auth.Principal{UserID: env.therapist, Role: auth.RoleTherapist}
}

func (env *testEnv) request(start, end TimeOfDay) BookingRequest {
	return BookingRequest{TherapistID: env.therapist, Date: monday, StartTime: start, EndTime: end}
}

// seedSession stores a session for the env's therapist and patient.
func (env *testEnv) seedSession(status SessionStatus, start, end TimeOfDay) *Session {
	return env.sessions.put(&Session{
		TherapistID:     env.therapist,
		PatientID:       env.patient,
		Date:            monday,
		StartTime:       start,
		EndTime:         end,
		DurationMinutes: int(end - start),
		Status:          status,
	})
}

func intPtr(v int) *int { return &v }
