package domain

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status enumerates the derived lifecycle states of an outbox entry, in the
// wire format exposed by the API.
type Status string

const (
	StatusPreparing       Status = "preparing"
	StatusRendering       Status = "rendering"
	StatusRenderError     Status = "render-error"
	StatusScheduled       Status = "scheduled"
	StatusQueued          Status = "queued"
	StatusSending         Status = "sending"
	StatusServerError     Status = "server-error"
	StatusPaused          Status = "paused"
	StatusSkipped         Status = "skipped"
	StatusSent            Status = "sent"
	StatusBounced         Status = "bounced"
	StatusDeliveryDelayed Status = "delivery-delayed"
	StatusOpened          Status = "opened"
	StatusClicked         Status = "clicked"
	StatusMarkedAsSpam    Status = "marked-as-spam"
)

// SimpleStatus is the coarse three-way projection of Status used for
// dashboard filtering.
type SimpleStatus string

const (
	SimpleInProgress SimpleStatus = "in-progress"
	SimpleOK         SimpleStatus = "ok"
	SimpleError      SimpleStatus = "error"
)

// SkippedReason records why delivery was intentionally not attempted.
type SkippedReason string

const (
	SkipManuallyCancelled      SkippedReason = "MANUALLY_CANCELLED"
	SkipUserAccountDeleted     SkippedReason = "USER_ACCOUNT_DELETED"
	SkipUserHasNoPrimaryEmail  SkippedReason = "USER_HAS_NO_PRIMARY_EMAIL"
	SkipNoEmailProvided        SkippedReason = "NO_EMAIL_PROVIDED"
	SkipUserUnsubscribed       SkippedReason = "USER_UNSUBSCRIBED"
	SkipLikelyNotDeliverable   SkippedReason = "LIKELY_NOT_DELIVERABLE"
)

// JSON is a helper type for JSONB columns.
type JSON map[string]any

func (j JSON) Value() (driver.Value, error) {
	if j == nil {
		return json.Marshal(JSON{})
	}
	return json.Marshal(j)
}

func (j *JSON) Scan(value any) error {
	if value == nil {
		*j = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(b, j)
}

// OutboxEntry is one queued, trackable email-send attempt. The row stores
// raw lifecycle facts (which phase timestamps exist, which errors were
// recorded); the externally visible Status is derived from them so that a
// single field write (e.g. setting SkippedReason) atomically moves the entry
// to its new state.
type OutboxEntry struct {
	ID        uuid.UUID `json:"id" db:"id"`
	ProjectID uuid.UUID `json:"project_id" db:"project_id"`

	TemplateSource string    `json:"tsx_source" db:"template_source"`
	ThemeID        *string   `json:"theme_id" db:"theme_id"`
	To             Recipient `json:"to" db:"recipient"`
	Variables      JSON      `json:"variables" db:"variables"`

	// Set when the entry was created from raw html+subject rather than a
	// template; they bypass the renderer's own subject/category resolution.
	// OverrideText is the caller's plain-text part, used instead of the
	// generated one.
	OverrideSubject    *string `json:"-" db:"override_subject"`
	OverrideCategoryID *string `json:"-" db:"override_category_id"`
	OverrideText       *string `json:"-" db:"override_text"`

	SkipDeliverabilityCheck bool `json:"skip_deliverability_check" db:"skip_deliverability_check"`
	IsHighPriority          bool `json:"is_high_priority" db:"is_high_priority"`
	Priority                int  `json:"-" db:"priority"`

	ScheduledAt time.Time `json:"-" db:"scheduled_at"`
	IsPaused    bool      `json:"is_paused" db:"is_paused"`
	IsQueued    bool      `json:"-" db:"is_queued"`

	// Rendering phase.
	RenderedByWorkerID  *uuid.UUID `json:"-" db:"rendered_by_worker_id"`
	StartedRenderingAt  *time.Time `json:"-" db:"started_rendering_at"`
	FinishedRenderingAt *time.Time `json:"-" db:"finished_rendering_at"`
	RenderError         *string    `json:"-" db:"render_error"`
	RenderErrorDetails  JSON       `json:"-" db:"render_error_details"`
	RenderErrorInternal *string    `json:"-" db:"render_error_internal"`
	RenderedSubject     *string    `json:"-" db:"rendered_subject"`
	RenderedHTML        *string    `json:"-" db:"rendered_html"`
	RenderedText        *string    `json:"-" db:"rendered_text"`
	RenderedCategoryID  *string    `json:"-" db:"rendered_category_id"`
	RenderedIsTransactional *bool  `json:"-" db:"rendered_is_transactional"`

	// Sending phase.
	StartedSendingAt   *time.Time `json:"-" db:"started_sending_at"`
	FinishedSendingAt  *time.Time `json:"-" db:"finished_sending_at"`
	SendServerError    *string    `json:"-" db:"send_server_error"`
	SendServerErrorDetails JSON   `json:"-" db:"send_server_error_details"`
	SendErrorInternal  *string    `json:"-" db:"send_error_internal"`
	SendRetries        int        `json:"-" db:"send_retries"`
	NextSendRetryAt    *time.Time `json:"-" db:"next_send_retry_at"`
	SendAttemptErrors  JSON       `json:"-" db:"send_attempt_errors"`

	// Terminal outcome data.
	SkippedReason  *SkippedReason `json:"-" db:"skipped_reason"`
	SkippedDetails JSON           `json:"-" db:"skipped_details"`

	// Delivery tracking (populated by transport events when the transport
	// supports delivery info).
	CanHaveDeliveryInfo *bool      `json:"-" db:"can_have_delivery_info"`
	DeliveredAt         *time.Time `json:"-" db:"delivered_at"`
	BouncedAt           *time.Time `json:"-" db:"bounced_at"`
	DeliveryDelayedAt   *time.Time `json:"-" db:"delivery_delayed_at"`
	OpenedAt            *time.Time `json:"-" db:"opened_at"`
	ClickedAt           *time.Time `json:"-" db:"clicked_at"`
	MarkedAsSpamAt      *time.Time `json:"-" db:"marked_as_spam_at"`

	CreatedAt time.Time `json:"-" db:"created_at"`
	UpdatedAt time.Time `json:"-" db:"updated_at"`
}

// Status derives the detailed lifecycle state from the entry's fields.
// Evaluation order matters: terminal facts win over in-flight facts, and a
// pause is only visible while the entry has not finished sending.
func (e *OutboxEntry) Status() Status {
	switch {
	case e.SkippedReason != nil:
		return StatusSkipped
	case e.FinishedSendingAt != nil && e.SendServerError != nil:
		return StatusServerError
	case e.FinishedSendingAt != nil:
		switch {
		case e.MarkedAsSpamAt != nil:
			return StatusMarkedAsSpam
		case e.ClickedAt != nil:
			return StatusClicked
		case e.OpenedAt != nil:
			return StatusOpened
		case e.BouncedAt != nil:
			return StatusBounced
		case e.DeliveryDelayedAt != nil:
			return StatusDeliveryDelayed
		default:
			return StatusSent
		}
	case e.IsPaused:
		return StatusPaused
	case e.StartedSendingAt != nil:
		return StatusSending
	case e.RenderError != nil:
		return StatusRenderError
	case e.FinishedRenderingAt != nil:
		if e.IsQueued {
			return StatusQueued
		}
		return StatusScheduled
	case e.StartedRenderingAt != nil:
		return StatusRendering
	default:
		return StatusPreparing
	}
}

// SimpleStatus projects the detailed status onto the coarse enum.
func (e *OutboxEntry) SimpleStatus() SimpleStatus {
	return SimpleStatusOf(e.Status())
}

// SimpleStatusOf maps a detailed status to its coarse projection.
func SimpleStatusOf(s Status) SimpleStatus {
	switch s {
	case StatusRenderError, StatusServerError, StatusBounced:
		return SimpleError
	case StatusSkipped, StatusSent, StatusDeliveryDelayed, StatusOpened, StatusClicked, StatusMarkedAsSpam:
		return SimpleOK
	default:
		return SimpleInProgress
	}
}

// editableStatuses are the states in which PATCH is allowed. Everything
// else rejects edits before any field-level validation runs.
var editableStatuses = map[Status]bool{
	StatusPaused:      true,
	StatusPreparing:   true,
	StatusRendering:   true,
	StatusRenderError: true,
	StatusScheduled:   true,
	StatusQueued:      true,
	StatusServerError: true,
}

// IsEditable reports whether the entry accepts PATCH operations.
func (e *OutboxEntry) IsEditable() bool {
	return editableStatuses[e.Status()]
}

// HasRendered reports whether rendering completed successfully.
func (e *OutboxEntry) HasRendered() bool {
	return e.FinishedRenderingAt != nil && e.RenderError == nil
}

// ValidStatus reports whether s is a known detailed status value.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPreparing, StatusRendering, StatusRenderError, StatusScheduled,
		StatusQueued, StatusSending, StatusServerError, StatusPaused,
		StatusSkipped, StatusSent, StatusBounced, StatusDeliveryDelayed,
		StatusOpened, StatusClicked, StatusMarkedAsSpam:
		return true
	}
	return false
}

// ValidSimpleStatus reports whether s is a known coarse status value.
func ValidSimpleStatus(s SimpleStatus) bool {
	return s == SimpleInProgress || s == SimpleOK || s == SimpleError
}
