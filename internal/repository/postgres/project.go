package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/email-outbox/internal/capacity"
	"github.com/ignite/email-outbox/internal/domain"
	"github.com/ignite/email-outbox/internal/outbox"
)

// ProjectRepo implements outbox.ProjectRepository against PostgreSQL.
type ProjectRepo struct{ db *sql.DB }

// NewProjectRepo creates a Postgres-backed project repository.
func NewProjectRepo(db *sql.DB) *ProjectRepo { return &ProjectRepo{db: db} }

const projectColumns = `
	id, display_name, server_api_key, admin_api_key,
	base_hourly_rate, boost_expires_at, created_at, updated_at`

func scanProject(row rowScanner) (*domain.Project, error) {
	p := &domain.Project{}
	err := row.Scan(
		&p.ID, &p.DisplayName, &p.ServerAPIKey, &p.AdminAPIKey,
		&p.BaseHourlyRate, &p.BoostExpiresAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *ProjectRepo) GetProject(ctx context.Context, id uuid.UUID) (*domain.Project, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+projectColumns+`
		FROM projects
		WHERE id = $1
	`, id)

	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, outbox.ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// DeliveryStats counts the project's delivery outcomes over the rolling
// windows in one pass using filtered aggregates. "Sent" means the send
// finished without a server error and was not skipped; bounce and spam
// counts key off their own event timestamps so late events land in the
// window they arrived in.
func (r *ProjectRepo) DeliveryStats(ctx context.Context, projectID uuid.UUID, now time.Time) (capacity.DeliveryStats, error) {
	hourAgo := now.Add(-time.Hour)
	dayAgo := now.Add(-24 * time.Hour)
	weekAgo := now.Add(-7 * 24 * time.Hour)
	monthAgo := now.Add(-30 * 24 * time.Hour)

	var s capacity.DeliveryStats
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE finished_sending_at > $2 AND send_server_error IS NULL AND skipped_reason IS NULL),
			COUNT(*) FILTER (WHERE bounced_at > $2),
			COUNT(*) FILTER (WHERE marked_as_spam_at > $2),
			COUNT(*) FILTER (WHERE finished_sending_at > $3 AND send_server_error IS NULL AND skipped_reason IS NULL),
			COUNT(*) FILTER (WHERE bounced_at > $3),
			COUNT(*) FILTER (WHERE marked_as_spam_at > $3),
			COUNT(*) FILTER (WHERE finished_sending_at > $4 AND send_server_error IS NULL AND skipped_reason IS NULL),
			COUNT(*) FILTER (WHERE bounced_at > $4),
			COUNT(*) FILTER (WHERE marked_as_spam_at > $4),
			COUNT(*) FILTER (WHERE finished_sending_at > $5 AND send_server_error IS NULL AND skipped_reason IS NULL),
			COUNT(*) FILTER (WHERE bounced_at > $5),
			COUNT(*) FILTER (WHERE marked_as_spam_at > $5)
		FROM outbox_entries
		WHERE project_id = $1
	`, projectID, hourAgo, dayAgo, weekAgo, monthAgo).Scan(
		&s.Hour.Sent, &s.Hour.Bounced, &s.Hour.MarkedAsSpam,
		&s.Day.Sent, &s.Day.Bounced, &s.Day.MarkedAsSpam,
		&s.Week.Sent, &s.Week.Bounced, &s.Week.MarkedAsSpam,
		&s.Month.Sent, &s.Month.Bounced, &s.Month.MarkedAsSpam,
	)
	if err != nil {
		return capacity.DeliveryStats{}, fmt.Errorf("delivery stats: %w", err)
	}
	return s, nil
}

// ActivateBoost sets the boost expiry iff no boost is currently active.
// The WHERE clause is the compare-and-swap: two concurrent activations race
// on it and exactly one sees a row updated.
func (r *ProjectRepo) ActivateBoost(ctx context.Context, projectID uuid.UUID, now, expiresAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE projects
		SET boost_expires_at = $3, updated_at = NOW()
		WHERE id = $1 AND (boost_expires_at IS NULL OR boost_expires_at <= $2)
	`, projectID, now, expiresAt)
	if err != nil {
		return fmt.Errorf("activate boost: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	// Nothing updated: either the project is unknown or a boost is alive.
	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM projects WHERE id = $1)`, projectID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check project: %w", err)
	}
	if !exists {
		return outbox.ErrProjectNotFound
	}
	return outbox.ErrBoostAlive
}

// GetProjectByCredentials resolves a project from its id and one of its API
// keys. Used by the auth middleware; a wrong key behaves exactly like a
// missing project.
func (r *ProjectRepo) GetProjectByCredentials(ctx context.Context, id uuid.UUID, apiKey string, access domain.AccessType) (*domain.Project, error) {
	p, err := r.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	switch access {
	case domain.AccessServer:
		if p.ServerAPIKey != apiKey {
			return nil, outbox.ErrProjectNotFound
		}
	case domain.AccessAdmin:
		if p.AdminAPIKey != apiKey {
			return nil, outbox.ErrProjectNotFound
		}
	default:
		return nil, outbox.ErrProjectNotFound
	}
	return p, nil
}
