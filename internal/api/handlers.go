package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/email-outbox/internal/auth"
	"github.com/ignite/email-outbox/internal/domain"
	"github.com/ignite/email-outbox/internal/outbox"
	"github.com/ignite/email-outbox/internal/pkg/httputil"
)

// Handlers carries the HTTP surface over the outbox service.
type Handlers struct {
	svc *outbox.Service
}

func NewHandlers(svc *outbox.Service) *Handlers {
	return &Handlers{svc: svc}
}

// errorInfo is the per-entry error block exposed for render and server
// failures. Internal error strings never leave the database.
type errorInfo struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details domain.JSON `json:"details,omitempty"`
}

// emailPayload is the wire shape of one outbox entry. Timestamps are epoch
// millis to match the create/patch request fields.
type emailPayload struct {
	ID           uuid.UUID           `json:"id"`
	Status       domain.Status       `json:"status"`
	SimpleStatus domain.SimpleStatus `json:"simple_status"`

	TSXSource string           `json:"tsx_source"`
	ThemeID   *string          `json:"theme_id,omitempty"`
	To        domain.Recipient `json:"to"`
	Variables domain.JSON      `json:"variables,omitempty"`

	ScheduledAtMillis       int64 `json:"scheduled_at_millis"`
	IsPaused                bool  `json:"is_paused"`
	SkipDeliverabilityCheck bool  `json:"skip_deliverability_check"`
	IsHighPriority          bool  `json:"is_high_priority"`

	// Rendered output, present once rendering succeeded.
	HasRendered              bool    `json:"has_rendered"`
	StartedRenderingAtMillis *int64  `json:"started_rendering_at_millis,omitempty"`
	RenderedAtMillis         *int64  `json:"rendered_at_millis,omitempty"`
	Subject                  *string `json:"subject,omitempty"`
	HTML                     *string `json:"html,omitempty"`
	Text                     *string `json:"text,omitempty"`
	IsTransactional          *bool   `json:"is_transactional,omitempty"`
	NotificationCategoryID   *string `json:"notification_category_id,omitempty"`

	// Sending and delivery tracking.
	StartedSendingAtMillis  *int64 `json:"started_sending_at_millis,omitempty"`
	HasDelivered            bool   `json:"has_delivered"`
	CanHaveDeliveryInfo     *bool  `json:"can_have_delivery_info,omitempty"`
	DeliveredAtMillis       *int64 `json:"delivered_at_millis,omitempty"`
	BouncedAtMillis         *int64 `json:"bounced_at_millis,omitempty"`
	DeliveryDelayedAtMillis *int64 `json:"delivery_delayed_at_millis,omitempty"`
	OpenedAtMillis          *int64 `json:"opened_at_millis,omitempty"`
	ClickedAtMillis         *int64 `json:"clicked_at_millis,omitempty"`
	MarkedAsSpamAtMillis    *int64 `json:"marked_as_spam_at_millis,omitempty"`

	SkippedReason   *domain.SkippedReason `json:"skipped_reason,omitempty"`
	SkippedDetails  domain.JSON           `json:"skipped_details,omitempty"`
	SkippedAtMillis *int64                `json:"skipped_at_millis,omitempty"`
	Error           *errorInfo            `json:"error,omitempty"`

	FinishedSendingAtMillis *int64 `json:"finished_sending_at_millis,omitempty"`
	CreatedAtMillis         int64  `json:"created_at_millis"`
	UpdatedAtMillis         int64  `json:"updated_at_millis"`
}

func millisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func toPayload(e *domain.OutboxEntry) emailPayload {
	p := emailPayload{
		ID:                      e.ID,
		Status:                  e.Status(),
		SimpleStatus:            e.SimpleStatus(),
		TSXSource:               e.TemplateSource,
		ThemeID:                 e.ThemeID,
		To:                      e.To,
		Variables:               e.Variables,
		ScheduledAtMillis:       e.ScheduledAt.UnixMilli(),
		IsPaused:                e.IsPaused,
		SkipDeliverabilityCheck: e.SkipDeliverabilityCheck,
		IsHighPriority:          e.IsHighPriority,
		SkippedReason:           e.SkippedReason,
		SkippedDetails:          e.SkippedDetails,
		FinishedSendingAtMillis: millisPtr(e.FinishedSendingAt),
		CreatedAtMillis:         e.CreatedAt.UnixMilli(),
		UpdatedAtMillis:         e.UpdatedAt.UnixMilli(),
	}

	p.StartedRenderingAtMillis = millisPtr(e.StartedRenderingAt)
	if e.HasRendered() {
		p.HasRendered = true
		p.RenderedAtMillis = millisPtr(e.FinishedRenderingAt)
		p.Subject = e.RenderedSubject
		p.HTML = e.RenderedHTML
		p.Text = e.RenderedText
		p.IsTransactional = e.RenderedIsTransactional
		p.NotificationCategoryID = e.RenderedCategoryID
	} else if e.RenderError != nil {
		p.RenderedAtMillis = millisPtr(e.FinishedRenderingAt)
	}

	p.StartedSendingAtMillis = millisPtr(e.StartedSendingAt)
	p.BouncedAtMillis = millisPtr(e.BouncedAt)
	p.DeliveryDelayedAtMillis = millisPtr(e.DeliveryDelayedAt)
	p.OpenedAtMillis = millisPtr(e.OpenedAt)
	p.ClickedAtMillis = millisPtr(e.ClickedAt)
	p.MarkedAsSpamAtMillis = millisPtr(e.MarkedAsSpamAt)

	switch p.Status {
	case domain.StatusSent, domain.StatusOpened, domain.StatusClicked,
		domain.StatusMarkedAsSpam, domain.StatusDeliveryDelayed:
		p.HasDelivered = true
		p.CanHaveDeliveryInfo = e.CanHaveDeliveryInfo
		// Without delivery tracking the transport handoff counts as delivery.
		if e.DeliveredAt != nil {
			p.DeliveredAtMillis = millisPtr(e.DeliveredAt)
		} else {
			p.DeliveredAtMillis = millisPtr(e.FinishedSendingAt)
		}
	case domain.StatusBounced:
		p.CanHaveDeliveryInfo = e.CanHaveDeliveryInfo
	case domain.StatusSkipped:
		updated := e.UpdatedAt.UnixMilli()
		p.SkippedAtMillis = &updated
	}

	switch p.Status {
	case domain.StatusRenderError:
		p.Error = &errorInfo{
			Code:    "EMAIL_RENDERING_ERROR",
			Message: deref(e.RenderError),
			Details: e.RenderErrorDetails,
		}
	case domain.StatusServerError:
		p.Error = &errorInfo{
			Code:    "EMAIL_SERVER_ERROR",
			Message: deref(e.SendServerError),
			Details: e.SendServerErrorDetails,
		}
	}
	return p
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// writeServiceError maps service failures onto the API error contract.
func writeServiceError(w http.ResponseWriter, err error) {
	var ve *outbox.ValidationError
	switch {
	case errors.Is(err, outbox.ErrNotFound):
		httputil.NotFound(w, "email not found")
	case errors.Is(err, outbox.ErrNotEditable):
		httputil.Conflict(w, "EMAIL_NOT_EDITABLE", "the email is in a terminal state and can no longer be changed", nil)
	case errors.Is(err, outbox.ErrBoostAlive):
		httputil.Conflict(w, "EMAIL_CAPACITY_BOOST_ALIVE", "a capacity boost is already active", nil)
	case errors.As(err, &ve):
		httputil.ErrorCode(w, http.StatusBadRequest, "SCHEMA_ERROR", ve.Message, domain.JSON{"field": ve.FieldPath})
	default:
		httputil.InternalError(w, err)
	}
}

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}

type sendEmailRequest struct {
	UserIDs []string `json:"user_ids"`
	Emails  []string `json:"emails"`

	HTML                     *string `json:"html"`
	Text                     *string `json:"text"`
	Subject                  *string `json:"subject"`
	NotificationCategoryName *string `json:"notification_category_name"`

	TSXSource *string     `json:"tsx_source"`
	ThemeID   *string     `json:"theme_id"`
	Variables domain.JSON `json:"variables"`

	ScheduledAtMillis       *int64 `json:"scheduled_at_millis"`
	SkipDeliverabilityCheck bool   `json:"skip_deliverability_check"`
	IsHighPriority          bool   `json:"is_high_priority"`
}

func (h *Handlers) SendEmail(w http.ResponseWriter, r *http.Request) {
	project := auth.ProjectFrom(r.Context())

	var req sendEmailRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	in := outbox.SendEmailInput{
		UserIDs:                  req.UserIDs,
		Emails:                   req.Emails,
		HTML:                     req.HTML,
		Text:                     req.Text,
		Subject:                  req.Subject,
		NotificationCategoryName: req.NotificationCategoryName,
		TemplateSource:           req.TSXSource,
		ThemeID:                  req.ThemeID,
		Variables:                req.Variables,
		SkipDeliverabilityCheck:  req.SkipDeliverabilityCheck,
		IsHighPriority:           req.IsHighPriority,
	}
	if req.ScheduledAtMillis != nil {
		t := time.UnixMilli(*req.ScheduledAtMillis)
		in.ScheduledAt = &t
	}

	entries, err := h.svc.SendEmail(r.Context(), project.ID, in)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	payloads := make([]emailPayload, len(entries))
	for i, e := range entries {
		payloads[i] = toPayload(e)
	}
	httputil.OK(w, map[string]any{"emails": payloads})
}

func (h *Handlers) ListOutbox(w http.ResponseWriter, r *http.Request) {
	project := auth.ProjectFrom(r.Context())
	q := r.URL.Query()

	var f outbox.ListFilter
	if v := q.Get("status"); v != "" {
		s := domain.Status(v)
		f.Status = &s
	}
	if v := q.Get("simple_status"); v != "" {
		s := domain.SimpleStatus(v)
		f.SimpleStatus = &s
	}
	if v := q.Get("user_id"); v != "" {
		f.UserID = &v
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			httputil.ErrorCode(w, http.StatusBadRequest, "SCHEMA_ERROR", "limit must be an integer", domain.JSON{"field": "limit"})
			return
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			httputil.ErrorCode(w, http.StatusBadRequest, "SCHEMA_ERROR", "offset must be an integer", domain.JSON{"field": "offset"})
			return
		}
		f.Offset = n
	}

	entries, total, err := h.svc.List(r.Context(), project.ID, f)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	payloads := make([]emailPayload, len(entries))
	for i := range entries {
		payloads[i] = toPayload(&entries[i])
	}
	httputil.OK(w, map[string]any{
		"emails":       payloads,
		"total":        total,
		"is_paginated": f.Offset+len(entries) < total,
	})
}

func (h *Handlers) GetOutboxEntry(w http.ResponseWriter, r *http.Request) {
	project := auth.ProjectFrom(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.NotFound(w, "email not found")
		return
	}

	entry, err := h.svc.Get(r.Context(), project.ID, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, toPayload(entry))
}

type patchEmailRequest struct {
	TSXSource *string           `json:"tsx_source"`
	ThemeID   *string           `json:"theme_id"`
	To        *domain.Recipient `json:"to"`
	Variables *domain.JSON      `json:"variables"`

	ScheduledAtMillis       *int64 `json:"scheduled_at_millis"`
	IsPaused                *bool  `json:"is_paused"`
	SkipDeliverabilityCheck *bool  `json:"skip_deliverability_check"`

	Cancel bool `json:"cancel"`
}

func (h *Handlers) PatchOutboxEntry(w http.ResponseWriter, r *http.Request) {
	project := auth.ProjectFrom(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.NotFound(w, "email not found")
		return
	}

	var req patchEmailRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	if req.Cancel {
		entry, err := h.svc.Cancel(r.Context(), project.ID, id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		httputil.OK(w, toPayload(entry))
		return
	}

	in := outbox.UpdateInput{
		TemplateSource:          req.TSXSource,
		ThemeID:                 req.ThemeID,
		To:                      req.To,
		Variables:               req.Variables,
		IsPaused:                req.IsPaused,
		SkipDeliverabilityCheck: req.SkipDeliverabilityCheck,
	}
	if req.ScheduledAtMillis != nil {
		t := time.UnixMilli(*req.ScheduledAtMillis)
		in.ScheduledAt = &t
	}

	entry, err := h.svc.Update(r.Context(), project.ID, id, in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, toPayload(entry))
}

func (h *Handlers) DeliveryInfo(w http.ResponseWriter, r *http.Request) {
	project := auth.ProjectFrom(r.Context())

	snap, err := h.svc.DeliveryInfo(r.Context(), project.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"stats": snap.Stats,
		"capacity": map[string]any{
			"rate_per_second":         snap.RatePerSecond,
			"penalty_factor":          snap.PenaltyFactor,
			"is_boost_active":         snap.IsBoostActive,
			"boost_expires_at_millis": snap.BoostExpiresAtMillis,
		},
	})
}

func (h *Handlers) CapacityBoost(w http.ResponseWriter, r *http.Request) {
	project := auth.ProjectFrom(r.Context())

	expiresAt, err := h.svc.ActivateBoost(r.Context(), project.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"boost_expires_at_millis": expiresAt.UnixMilli()})
}

type deliveryEventRequest struct {
	OutboxEntryID   uuid.UUID `json:"outbox_entry_id"`
	Type            string    `json:"type"`
	TimestampMillis *int64    `json:"timestamp_millis"`
}

func (h *Handlers) RecordEvent(w http.ResponseWriter, r *http.Request) {
	project := auth.ProjectFrom(r.Context())

	var req deliveryEventRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.OutboxEntryID == uuid.Nil {
		httputil.ErrorCode(w, http.StatusBadRequest, "SCHEMA_ERROR", "outbox_entry_id is required", domain.JSON{"field": "outbox_entry_id"})
		return
	}

	at := time.Now()
	if req.TimestampMillis != nil {
		at = time.UnixMilli(*req.TimestampMillis)
	}

	if err := h.svc.RecordEvent(r.Context(), project.ID, req.OutboxEntryID, outbox.DeliveryEvent(req.Type), at); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "recorded"})
}
