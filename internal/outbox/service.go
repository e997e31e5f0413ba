package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/email-outbox/internal/capacity"
	"github.com/ignite/email-outbox/internal/config"
	"github.com/ignite/email-outbox/internal/domain"
	"github.com/ignite/email-outbox/internal/pkg/logger"
)

// Service implements outbox business logic. It coordinates between the
// repository layer and the capacity model. All public methods are safe for
// concurrent use if the underlying repositories are concurrency-safe.
type Service struct {
	repo     Repository
	projects ProjectRepository
	calc     *capacity.Calculator
	cfg      config.CapacityConfig

	now func() time.Time
}

// NewService creates an outbox service backed by the given repositories.
func NewService(repo Repository, projects ProjectRepository, cfg config.CapacityConfig) *Service {
	return &Service{
		repo:     repo,
		projects: projects,
		calc:     capacity.NewCalculator(cfg),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Get returns a single entry.
func (s *Service) Get(ctx context.Context, projectID, id uuid.UUID) (*domain.OutboxEntry, error) {
	return s.repo.Get(ctx, projectID, id)
}

// List returns entries matching the filter plus the total count.
func (s *Service) List(ctx context.Context, projectID uuid.UUID, f ListFilter) ([]domain.OutboxEntry, int, error) {
	if f.Status != nil && !domain.ValidStatus(*f.Status) {
		return nil, 0, invalid("status", "unknown status value")
	}
	if f.SimpleStatus != nil && !domain.ValidSimpleStatus(*f.SimpleStatus) {
		return nil, 0, invalid("simple_status", "unknown simple_status value")
	}
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 100
	}
	return s.repo.List(ctx, projectID, f)
}

// SendEmailInput is the create request for one send call. Exactly one
// content source must be present: raw html (with subject and category) or a
// template source.
type SendEmailInput struct {
	UserIDs []string
	Emails  []string

	HTML                     *string
	Text                     *string
	Subject                  *string
	NotificationCategoryName *string

	TemplateSource *string
	ThemeID        *string
	Variables      domain.JSON

	ScheduledAt             *time.Time
	IsHighPriority          bool
	SkipDeliverabilityCheck bool
}

// SendEmail validates the request and creates one outbox entry per
// recipient. The call returns immediately; rendering and sending happen
// asynchronously in the worker.
func (s *Service) SendEmail(ctx context.Context, projectID uuid.UUID, in SendEmailInput) ([]*domain.OutboxEntry, error) {
	if len(in.UserIDs) == 0 && len(in.Emails) == 0 {
		return nil, invalid("user_ids", "at least one recipient is required")
	}

	htmlMode := in.HTML != nil
	templateMode := in.TemplateSource != nil
	switch {
	case htmlMode && templateMode:
		return nil, invalid("html", "html and tsx_source are mutually exclusive")
	case !htmlMode && !templateMode:
		return nil, invalid("html", "either html or tsx_source is required")
	case htmlMode:
		if in.Subject == nil || *in.Subject == "" {
			return nil, invalid("subject", "subject is required with html")
		}
		if in.NotificationCategoryName == nil {
			return nil, invalid("notification_category_name", "notification_category_name is required with html")
		}
		if in.ThemeID != nil {
			return nil, invalid("theme_id", "theme_id is not allowed with html")
		}
	case templateMode:
		if in.Subject != nil {
			return nil, invalid("subject", "subject is not allowed with tsx_source")
		}
		if in.NotificationCategoryName != nil {
			return nil, invalid("notification_category_name", "notification_category_name is not allowed with tsx_source")
		}
		if in.Text != nil {
			return nil, invalid("text", "text is not allowed with tsx_source")
		}
	}

	var overrideCategoryID *string
	if htmlMode {
		cat, ok := domain.NotificationCategoryByName(*in.NotificationCategoryName)
		if !ok {
			return nil, invalid("notification_category_name", "unknown notification category")
		}
		overrideCategoryID = &cat.ID
	}

	now := s.now()
	scheduledAt := now
	if in.ScheduledAt != nil {
		scheduledAt = *in.ScheduledAt
	}

	var recipients []domain.Recipient
	for _, userID := range in.UserIDs {
		if userID == "" {
			return nil, invalid("user_ids", "user id must not be empty")
		}
		recipients = append(recipients, domain.Recipient{
			Type:   domain.RecipientUserPrimaryEmail,
			UserID: userID,
		})
	}
	for _, email := range in.Emails {
		if email == "" {
			return nil, invalid("emails", "email must not be empty")
		}
		recipients = append(recipients, domain.Recipient{
			Type:   domain.RecipientCustomEmails,
			Emails: []string{email},
		})
	}

	entries := make([]*domain.OutboxEntry, 0, len(recipients))
	for _, r := range recipients {
		entry := &domain.OutboxEntry{
			ID:                      uuid.New(),
			ProjectID:               projectID,
			Variables:               in.Variables,
			ScheduledAt:             scheduledAt,
			IsHighPriority:          in.IsHighPriority,
			SkipDeliverabilityCheck: in.SkipDeliverabilityCheck,
			To:                      r,
			CreatedAt:               now,
			UpdatedAt:               now,
		}
		if in.IsHighPriority {
			entry.Priority = 100
		}
		if htmlMode {
			entry.TemplateSource = *in.HTML
			entry.OverrideSubject = in.Subject
			entry.OverrideCategoryID = overrideCategoryID
			entry.OverrideText = in.Text
			raw := ""
			entry.ThemeID = &raw // no theme wrapping for pre-styled html
		} else {
			entry.TemplateSource = *in.TemplateSource
			entry.ThemeID = in.ThemeID
		}
		entries = append(entries, entry)
	}

	if err := s.repo.CreateBatch(ctx, entries); err != nil {
		return nil, err
	}

	logger.Info("outbox entries created",
		"project_id", projectID.String(),
		"count", len(entries))
	return entries, nil
}

// UpdateInput is the PATCH surface for one entry. Nil fields are untouched.
type UpdateInput struct {
	TemplateSource *string
	ThemeID        *string
	To             *domain.Recipient
	Variables      *domain.JSON
	ScheduledAt    *time.Time
	IsPaused       *bool

	SkipDeliverabilityCheck *bool
}

// Update applies a PATCH to an editable entry. The editability conflict is
// reported before any field validation, matching the API contract. Content
// changes reset all render and send progress; a schedule change drops the
// entry out of the queue.
func (s *Service) Update(ctx context.Context, projectID, id uuid.UUID, in UpdateInput) (*domain.OutboxEntry, error) {
	entry, err := s.repo.Get(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	if !entry.IsEditable() {
		return nil, ErrNotEditable
	}

	if in.To != nil {
		if err := in.To.Validate(); err != nil {
			return nil, invalid("to", err.Error())
		}
	}
	if in.TemplateSource != nil && *in.TemplateSource == "" {
		return nil, invalid("tsx_source", "tsx_source must not be empty")
	}

	patch := Patch{
		TemplateSource:          in.TemplateSource,
		ThemeID:                 in.ThemeID,
		To:                      in.To,
		Variables:               in.Variables,
		ScheduledAt:             in.ScheduledAt,
		IsPaused:                in.IsPaused,
		SkipDeliverabilityCheck: in.SkipDeliverabilityCheck,
	}
	if in.TemplateSource != nil || in.ThemeID != nil || in.To != nil || in.Variables != nil {
		patch.ResetRenderState = true
	}
	if in.ScheduledAt != nil {
		patch.ClearQueued = true
	}
	if patch.Empty() {
		return entry, nil
	}

	return s.repo.Update(ctx, projectID, id, patch)
}

// Cancel moves an editable entry to the skipped terminal state with the
// manual-cancellation reason. Cancelling clears any pause so the final
// state is unambiguous.
func (s *Service) Cancel(ctx context.Context, projectID, id uuid.UUID) (*domain.OutboxEntry, error) {
	entry, err := s.repo.Get(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	if !entry.IsEditable() {
		return nil, ErrNotEditable
	}

	reason := domain.SkipManuallyCancelled
	unpaused := false
	return s.repo.Update(ctx, projectID, id, Patch{
		SetSkipped: &reason,
		IsPaused:   &unpaused,
	})
}

// RecordEvent ingests one transport delivery notification.
func (s *Service) RecordEvent(ctx context.Context, projectID, id uuid.UUID, event DeliveryEvent, at time.Time) error {
	if !ValidDeliveryEvent(event) {
		return invalid("type", "unknown delivery event type")
	}
	if at.IsZero() {
		at = s.now()
	}
	return s.repo.RecordDeliveryEvent(ctx, projectID, id, event, at)
}

// DeliveryInfo returns the project's rolling delivery stats and derived
// capacity snapshot.
func (s *Service) DeliveryInfo(ctx context.Context, projectID uuid.UUID) (capacity.Snapshot, error) {
	now := s.now()

	project, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		return capacity.Snapshot{}, err
	}
	stats, err := s.projects.DeliveryStats(ctx, projectID, now)
	if err != nil {
		return capacity.Snapshot{}, err
	}
	return s.calc.Snapshot(stats, project.BaseHourlyRate, project.BoostExpiresAt, now), nil
}

// ActivateBoost starts a capacity boost for the project. The activation is
// a compare-and-swap on the project row so concurrent calls cannot both
// succeed; a still-active boost returns ErrBoostAlive.
func (s *Service) ActivateBoost(ctx context.Context, projectID uuid.UUID) (time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.BoostDuration())

	if err := s.projects.ActivateBoost(ctx, projectID, now, expiresAt); err != nil {
		return time.Time{}, err
	}
	logger.Info("capacity boost activated",
		"project_id", projectID.String(),
		"expires_at", expiresAt.UTC().Format(time.RFC3339))
	return expiresAt, nil
}
