package scheduling

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/telecare/telecare/internal/platform/auth"
	"github.com/telecare/telecare/pkg/pagination"
)

type Handler struct {
	store        *ScheduleStore
	availability *AvailabilityService
	bookings     *BookingService
	credits      CreditChecker
	logger       zerolog.Logger
}

// NewHandler builds the HTTP handler. credits may be nil, in which case
// bookings are not gated on session credits.
func NewHandler(store *ScheduleStore, availability *AvailabilityService, bookings *BookingService, credits CreditChecker, logger zerolog.Logger) *Handler {
	return &Handler{store: store, availability: availability, bookings: bookings, credits: credits, logger: logger}
}

// RegisterRoutes mounts the scheduling API on api. idempotency, when not
// nil, guards booking creation.
func (h *Handler) RegisterRoutes(api *echo.Group, idempotency echo.MiddlewareFunc) {
	// Schedules are readable by any signed-in user; only the therapist
	// (or an admin) edits them.
	api.GET("/therapists/:id/schedule", h.GetSchedule)
	api.GET("/therapists/:id/overrides", h.ListOverrides)
	api.GET("/therapists/:id/overrides/:date", h.GetOverride)

	therapistOnly := auth.RequireRole(auth.RoleTherapist)
	api.PUT("/therapists/:id/schedule", h.PutSchedule, therapistOnly)
	api.PUT("/therapists/:id/overrides/:date", h.PutOverride, therapistOnly)
	api.DELETE("/therapists/:id/overrides/:date", h.DeleteOverride, therapistOnly)

	api.GET("/availability/days", h.GetAvailableDays)
	api.GET("/availability/slots", h.GetSlots)
	api.GET("/availability/next", h.GetNextSlot)

	bookMW := []echo.MiddlewareFunc{auth.RequireRole(auth.RoleIndividual)}
	if idempotency != nil {
		bookMW = append(bookMW, idempotency)
	}
	api.POST("/bookings", h.CreateBooking, bookMW...)
	api.GET("/bookings", h.ListBookings)
	api.GET("/bookings/:id", h.GetBooking)
	api.POST("/bookings/:id/confirm", h.ConfirmBooking)
	api.POST("/bookings/:id/start", h.StartBooking)
	api.POST("/bookings/:id/end", h.EndBooking)
	api.POST("/bookings/:id/cancel", h.CancelBooking)
	api.POST("/bookings/:id/no-show", h.NoShowBooking)
}

// -- Request bodies --

type timeRangeDTO struct {
	Start string `json:"start" validate:"required,clock"`
	End   string `json:"end" validate:"required,clock"`
}

type dayScheduleDTO struct {
	Enabled                bool           `json:"enabled"`
	TimeRanges             []timeRangeDTO `json:"time_ranges" validate:"dive"`
	SessionDurationMinutes int            `json:"session_duration_minutes" validate:"omitempty,min=1,max=1440"`
	MaxSessionsPerDay      int            `json:"max_sessions_per_day" validate:"omitempty,min=1,max=96"`
}

type scheduleRequest struct {
	Timezone string           `json:"timezone" validate:"omitempty,timezone"`
	Days     []dayScheduleDTO `json:"days" validate:"required,len=7,dive"`
}

type overrideRequest struct {
	Available              *bool          `json:"available" validate:"required"`
	TimeRanges             []timeRangeDTO `json:"time_ranges" validate:"dive"`
	ExtraSlots             []timeRangeDTO `json:"extra_slots" validate:"dive"`
	SessionDurationMinutes *int           `json:"session_duration_minutes" validate:"omitempty,min=1,max=1440"`
	MaxSessionsPerDay      *int           `json:"max_sessions_per_day" validate:"omitempty,min=1,max=96"`
	Reason                 *string        `json:"reason" validate:"omitempty,max=500"`
}

type bookingRequest struct {
	TherapistID string `json:"therapist_id" validate:"required,uuid"`
	PatientID   string `json:"patient_id" validate:"omitempty,uuid"`
	Date        string `json:"date" validate:"required,isodate"`
	StartTime   string `json:"start_time" validate:"required,clock"`
	EndTime     string `json:"end_time" validate:"required,clock"`
}

type endRequest struct {
	Notes        *string `json:"notes" validate:"omitempty,max=20000"`
	RecordingRef *string `json:"recording_ref" validate:"omitempty,max=2048"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

func toRanges(in []timeRangeDTO) []TimeRange {
	out := make([]TimeRange, 0, len(in))
	for _, r := range in {
		// Formats were checked by the validator.
		start, _ := ParseTimeOfDay(r.Start)
		end, _ := ParseTimeOfDay(r.End)
		out = append(out, TimeRange{Start: start, End: end})
	}
	return out
}

func (r *scheduleRequest) template() *WeeklyTemplate {
	t := &WeeklyTemplate{Timezone: r.Timezone}
	for i, d := range r.Days {
		day := DaySchedule{
			Enabled:                d.Enabled,
			TimeRanges:             toRanges(d.TimeRanges),
			SessionDurationMinutes: d.SessionDurationMinutes,
			MaxSessionsPerDay:      d.MaxSessionsPerDay,
		}
		if day.SessionDurationMinutes == 0 {
			day.SessionDurationMinutes = DefaultSessionDurationMinutes
		}
		if day.MaxSessionsPerDay == 0 {
			day.MaxSessionsPerDay = DefaultMaxSessionsPerDay
		}
		t.Days[i] = day
	}
	return t
}

func (r *overrideRequest) override() *DateOverride {
	o := &DateOverride{
		Available:              *r.Available,
		SessionDurationMinutes: r.SessionDurationMinutes,
		MaxSessionsPerDay:      r.MaxSessionsPerDay,
		Reason:                 r.Reason,
	}
	if len(r.TimeRanges) > 0 {
		o.TimeRanges = toRanges(r.TimeRanges)
	}
	if len(r.ExtraSlots) > 0 {
		o.ExtraSlots = toRanges(r.ExtraSlots)
	}
	return o
}

// bindValid binds the body into dst and runs the registered validator.
func bindValid(c echo.Context, dst interface{}) error {
	if err := c.Bind(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if c.Echo().Validator == nil {
		return nil
	}
	return c.Validate(dst)
}

// -- Schedules --

func (h *Handler) GetSchedule(c echo.Context) error {
	therapistID, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	t, err := h.store.GetWeeklyTemplate(c.Request().Context(), therapistID)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) PutSchedule(c echo.Context) error {
	therapistID, err := h.ownedTherapist(c)
	if err != nil {
		return err
	}
	var req scheduleRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	t := req.template()
	if err := h.store.SaveWeeklyTemplate(c.Request().Context(), therapistID, t); err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

// -- Overrides --

func (h *Handler) ListOverrides(c echo.Context) error {
	therapistID, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	from, err := dateQuery(c, "from")
	if err != nil {
		return err
	}
	to, err := dateQuery(c, "to")
	if err != nil {
		return err
	}
	if from.IsZero() || to.IsZero() {
		return echo.NewHTTPError(http.StatusBadRequest, "from and to are required")
	}
	items, err := h.store.ListOverrides(c.Request().Context(), therapistID, from, to)
	if err != nil {
		return h.httpError(c, err)
	}
	if items == nil {
		items = []*DateOverride{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetOverride(c echo.Context) error {
	therapistID, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	date, err := dateParam(c)
	if err != nil {
		return err
	}
	o, err := h.store.GetOverride(c.Request().Context(), therapistID, date)
	if err != nil {
		return h.httpError(c, err)
	}
	if o == nil {
		return echo.NewHTTPError(http.StatusNotFound, "override not found")
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) PutOverride(c echo.Context) error {
	therapistID, err := h.ownedTherapist(c)
	if err != nil {
		return err
	}
	date, err := dateParam(c)
	if err != nil {
		return err
	}
	var req overrideRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	o := req.override()
	if err := h.store.SaveOverride(c.Request().Context(), therapistID, date, o); err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) DeleteOverride(c echo.Context) error {
	therapistID, err := h.ownedTherapist(c)
	if err != nil {
		return err
	}
	date, err := dateParam(c)
	if err != nil {
		return err
	}
	if err := h.store.DeleteOverride(c.Request().Context(), therapistID, date); err != nil {
		return h.httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Availability --

func (h *Handler) GetAvailableDays(c echo.Context) error {
	therapistID, err := uuidQuery(c, "therapist_id")
	if err != nil {
		return err
	}
	month, err := strconv.Atoi(c.QueryParam("month"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "month must be a number")
	}
	year, err := strconv.Atoi(c.QueryParam("year"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "year must be a number")
	}
	days, err := h.availability.GetAvailableDays(c.Request().Context(), therapistID, month, year)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"days": days})
}

func (h *Handler) GetSlots(c echo.Context) error {
	therapistID, err := uuidQuery(c, "therapist_id")
	if err != nil {
		return err
	}
	date, err := dateQuery(c, "date")
	if err != nil {
		return err
	}
	slots, err := h.availability.GetSlotsForDate(c.Request().Context(), therapistID, date)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"slots": slots})
}

func (h *Handler) GetNextSlot(c echo.Context) error {
	therapistID, err := uuidQuery(c, "therapist_id")
	if err != nil {
		return err
	}
	from, err := dateQuery(c, "from")
	if err != nil {
		return err
	}
	horizon := 0
	if v := c.QueryParam("horizon_days"); v != "" {
		if horizon, err = strconv.Atoi(v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "horizon_days must be a number")
		}
	}
	slot, err := h.availability.GetNextAvailableSlot(c.Request().Context(), therapistID, from, horizon)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"slot": slot})
}

// -- Bookings --

func (h *Handler) CreateBooking(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var body bookingRequest
	if err := bindValid(c, &body); err != nil {
		return err
	}
	req, err := body.toDomain()
	if err != nil {
		return h.httpError(c, err)
	}

	ctx := c.Request().Context()
	if h.credits != nil {
		patientID := req.PatientID
		if p.Role == auth.RoleIndividual {
			patientID = p.UserID
		}
		if patientID != uuid.Nil {
			ok, err := h.credits.HasUsableCredit(ctx, patientID)
			if err != nil {
				return h.httpError(c, err)
			}
			if !ok {
				return echo.NewHTTPError(http.StatusPaymentRequired, "no usable session credit")
			}
		}
	}

	s, err := h.bookings.CommitBooking(ctx, p, req)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, s)
}

func (r *bookingRequest) toDomain() (BookingRequest, error) {
	var out BookingRequest
	var err error
	if out.TherapistID, err = uuid.Parse(r.TherapistID); err != nil {
		return out, invalid("therapist_id", "must be a UUID")
	}
	if r.PatientID != "" {
		if out.PatientID, err = uuid.Parse(r.PatientID); err != nil {
			return out, invalid("patient_id", "must be a UUID")
		}
	}
	if out.Date, err = ParseDate(r.Date); err != nil {
		return out, invalid("date", "%v", err)
	}
	if out.StartTime, err = ParseTimeOfDay(r.StartTime); err != nil {
		return out, invalid("start_time", "%v", err)
	}
	if out.EndTime, err = ParseTimeOfDay(r.EndTime); err != nil {
		return out, invalid("end_time", "%v", err)
	}
	return out, nil
}

func (h *Handler) ListBookings(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.bookings.ListSessions(c.Request().Context(), p, pg.Limit, pg.Offset)
	if err != nil {
		return h.httpError(c, err)
	}
	if items == nil {
		items = []*Session{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) GetBooking(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	s, err := h.bookings.GetSession(c.Request().Context(), p, id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) ConfirmBooking(c echo.Context) error {
	return h.simpleTransition(c, h.bookings.Confirm)
}

func (h *Handler) StartBooking(c echo.Context) error {
	return h.simpleTransition(c, h.bookings.Start)
}

func (h *Handler) NoShowBooking(c echo.Context) error {
	return h.simpleTransition(c, h.bookings.MarkNoShow)
}

func (h *Handler) EndBooking(c echo.Context) error {
	p, id, err := principalAndID(c)
	if err != nil {
		return err
	}
	var req endRequest
	if c.Request().ContentLength != 0 {
		if err := bindValid(c, &req); err != nil {
			return err
		}
	}
	s, err := h.bookings.End(c.Request().Context(), p, id, req.Notes, req.RecordingRef)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) CancelBooking(c echo.Context) error {
	p, id, err := principalAndID(c)
	if err != nil {
		return err
	}
	var req cancelRequest
	if c.Request().ContentLength != 0 {
		if err := bindValid(c, &req); err != nil {
			return err
		}
	}
	s, err := h.bookings.Cancel(c.Request().Context(), p, id, req.Reason)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, s)
}

type transitionFunc func(ctx context.Context, p auth.Principal, id uuid.UUID) (*Session, error)

func (h *Handler) simpleTransition(c echo.Context, fn transitionFunc) error {
	p, id, err := principalAndID(c)
	if err != nil {
		return err
	}
	s, err := fn(c.Request().Context(), p, id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, s)
}

// -- Helpers --

// httpError maps domain errors to HTTP responses. Unexpected errors are
// logged and hidden from the client.
func (h *Handler) httpError(c echo.Context, err error) error {
	var (
		verr  *ValidationError
		cerr  *ConflictError
		serr  *InvalidStateError
		nferr *NotFoundError
	)
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, map[string]string{
			"error": "validation_failed", "field": verr.Field, "message": verr.Message,
		})
	case errors.As(err, &cerr):
		return echo.NewHTTPError(http.StatusConflict, map[string]string{
			"error": cerr.Reason, "message": "the slot is no longer available",
		})
	case errors.As(err, &serr):
		return echo.NewHTTPError(http.StatusConflict, map[string]string{
			"error": "invalid_state", "message": serr.Error(), "status": string(serr.From),
		})
	case errors.As(err, &nferr):
		return echo.NewHTTPError(http.StatusNotFound, nferr.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrOutcomeUnknown):
		h.logger.Error().Err(err).Msg("booking outcome unknown")
		return echo.NewHTTPError(http.StatusGatewayTimeout,
			"the booking may or may not have been saved; check your bookings before retrying")
	default:
		rid, _ := c.Get("request_id").(string)
		h.logger.Error().Err(err).Str("request_id", rid).Str("path", c.Path()).Msg("request failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error, please retry")
	}
}

// ownedTherapist returns the :id therapist when the caller may edit that
// therapist's schedule.
func (h *Handler) ownedTherapist(c echo.Context) (uuid.UUID, error) {
	id, err := uuidParam(c, "id")
	if err != nil {
		return uuid.Nil, err
	}
	p, err := principal(c)
	if err != nil {
		return uuid.Nil, err
	}
	if !p.IsAdmin() && p.UserID != id {
		return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "therapists may only edit their own schedule")
	}
	return id, nil
}

func principal(c echo.Context) (auth.Principal, error) {
	p, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return auth.Principal{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return p, nil
}

func principalAndID(c echo.Context) (auth.Principal, uuid.UUID, error) {
	p, err := principal(c)
	if err != nil {
		return p, uuid.Nil, err
	}
	id, err := uuidParam(c, "id")
	return p, id, err
}

func uuidParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func uuidQuery(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.QueryParam(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func dateParam(c echo.Context) (Date, error) {
	d, err := ParseDate(c.Param("date"))
	if err != nil {
		return Date{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return d, nil
}

// dateQuery parses an optional YYYY-MM-DD query parameter.
func dateQuery(c echo.Context, name string) (Date, error) {
	v := c.QueryParam(name)
	if v == "" {
		return Date{}, nil
	}
	d, err := ParseDate(v)
	if err != nil {
		return Date{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return d, nil
}
