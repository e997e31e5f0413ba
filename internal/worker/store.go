// Package worker drives outbox entries through rendering, queuing, and
// sending. It runs as a ticker loop safe under concurrent replicas: every
// claim goes through FOR UPDATE SKIP LOCKED and the send quota is handed
// out through a compare-and-swap tick cursor.
package worker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/email-outbox/internal/domain"
	"github.com/ignite/email-outbox/internal/repository/postgres"
)

// Store is the persistence contract the pipeline runs against.
// postgres.WorkerRepo is the production implementation.
type Store interface {
	TickDelta(ctx context.Context, name string, now time.Time) (time.Duration, error)

	ClaimForRender(ctx context.Context, workerID uuid.UUID, limit int, now time.Time) ([]domain.OutboxEntry, error)
	CompleteRender(ctx context.Context, id uuid.UUID, out postgres.RenderOutcome, now time.Time) error
	FailRender(ctx context.Context, id uuid.UUID, message string, details domain.JSON, internal string, now time.Time) error
	ResetStuckRenders(ctx context.Context, cutoff time.Time) (int, error)

	QueueReady(ctx context.Context, now time.Time) (int, error)
	ProjectsWithQueued(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	ClaimForSend(ctx context.Context, projectID uuid.UUID, limit int, now time.Time) ([]domain.OutboxEntry, error)

	FinishSendSuccess(ctx context.Context, id uuid.UUID, canHaveDeliveryInfo bool, now time.Time) error
	FinishSendSkipped(ctx context.Context, id uuid.UUID, reason domain.SkippedReason, details domain.JSON, now time.Time) error
	FinishSendError(ctx context.Context, id uuid.UUID, message string, details domain.JSON, internal string, attemptError domain.JSON, now time.Time) error
	ScheduleRetry(ctx context.Context, id uuid.UUID, nextRetryAt time.Time, attemptError domain.JSON) error
	Unclaim(ctx context.Context, id uuid.UUID, nextRetryAt time.Time) error

	StuckSends(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
}

// Directory resolves recipients at send time.
type Directory interface {
	GetUser(ctx context.Context, projectID uuid.UUID, userID string) (*domain.User, error)
	IsUnsubscribed(ctx context.Context, projectID uuid.UUID, userID, categoryID string) (bool, error)
}
