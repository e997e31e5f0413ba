package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/email-outbox/internal/capacity"
	"github.com/ignite/email-outbox/internal/domain"
)

// Repository defines the data access contract for outbox entries.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns a single entry scoped to the project. Returns ErrNotFound
	// if it doesn't exist or belongs to another project.
	Get(ctx context.Context, projectID, id uuid.UUID) (*domain.OutboxEntry, error)

	// List returns entries matching the filter, newest first, plus the
	// total count before pagination.
	List(ctx context.Context, projectID uuid.UUID, filter ListFilter) ([]domain.OutboxEntry, int, error)

	// CreateBatch inserts entries in one transaction.
	CreateBatch(ctx context.Context, entries []*domain.OutboxEntry) error

	// Update applies the patch to an entry. The editability check must be
	// re-evaluated inside the mutation (conditional UPDATE), not at read
	// time: a terminal transition racing a PATCH wins and surfaces as
	// ErrNotEditable. Returns the updated entry.
	Update(ctx context.Context, projectID, id uuid.UUID, patch Patch) (*domain.OutboxEntry, error)

	// RecordDeliveryEvent stamps a delivery tracking timestamp on an entry.
	// Timestamps are append-only; an already-set field is left untouched.
	RecordDeliveryEvent(ctx context.Context, projectID, id uuid.UUID, event DeliveryEvent, at time.Time) error
}

// ProjectRepository defines project-scoped persistence: credentials lookup,
// capacity stats, and boost activation.
type ProjectRepository interface {
	// GetProject returns a project by id. Returns ErrProjectNotFound if it
	// doesn't exist.
	GetProject(ctx context.Context, id uuid.UUID) (*domain.Project, error)

	// DeliveryStats counts sent/bounced/spam outbox rows in the rolling
	// windows ending at now.
	DeliveryStats(ctx context.Context, projectID uuid.UUID, now time.Time) (capacity.DeliveryStats, error)

	// ActivateBoost sets boost_expires_at to expiresAt iff no boost is
	// currently active (compare-and-swap against now). Returns
	// ErrBoostAlive when one is.
	ActivateBoost(ctx context.Context, projectID uuid.UUID, now, expiresAt time.Time) error
}

// ListFilter controls filtering and pagination for entry lists. Status
// filters apply to the derived status, so they are evaluated over candidate
// rows rather than pushed into SQL.
type ListFilter struct {
	Status       *domain.Status
	SimpleStatus *domain.SimpleStatus
	UserID       *string
	Limit        int
	Offset       int
}

// DeliveryEvent names a transport delivery notification.
type DeliveryEvent string

const (
	EventDelivered       DeliveryEvent = "delivered"
	EventBounced         DeliveryEvent = "bounced"
	EventDeliveryDelayed DeliveryEvent = "delivery-delayed"
	EventOpened          DeliveryEvent = "opened"
	EventClicked         DeliveryEvent = "clicked"
	EventMarkedAsSpam    DeliveryEvent = "marked-as-spam"
)

// ValidDeliveryEvent reports whether e is a known event name.
func ValidDeliveryEvent(e DeliveryEvent) bool {
	switch e {
	case EventDelivered, EventBounced, EventDeliveryDelayed, EventOpened,
		EventClicked, EventMarkedAsSpam:
		return true
	}
	return false
}

// Patch holds the mutable fields for an entry update. Nil fields are not
// applied. The Reset* flags are computed by the service, not the caller.
type Patch struct {
	TemplateSource *string
	ThemeID        *string
	To             *domain.Recipient
	Variables      *domain.JSON
	ScheduledAt    *time.Time
	IsPaused       *bool

	SkipDeliverabilityCheck *bool

	// SetSkipped marks the entry skipped with the given reason (used by
	// cancellation). Implies clearing the pause flag.
	SetSkipped        *domain.SkippedReason
	SetSkippedDetails domain.JSON

	// ResetRenderState clears every rendering and sending field so the
	// worker picks the entry up again from scratch. Set whenever content
	// inputs change.
	ResetRenderState bool

	// ClearQueued drops the entry out of the queue so the new schedule is
	// honored. Set whenever ScheduledAt changes.
	ClearQueued bool
}

// Empty reports whether the patch would change nothing.
func (p Patch) Empty() bool {
	return p.TemplateSource == nil && p.ThemeID == nil && p.To == nil &&
		p.Variables == nil && p.ScheduledAt == nil && p.IsPaused == nil &&
		p.SkipDeliverabilityCheck == nil &&
		p.SetSkipped == nil && !p.ResetRenderState && !p.ClearQueued
}
