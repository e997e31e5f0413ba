package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/email-outbox/internal/domain"
)

// WorkerRepo implements worker.Store: claiming, state advancement, and
// recovery queries for the outbox pipeline. Claims use FOR UPDATE SKIP
// LOCKED so concurrent worker replicas never double-process an entry.
type WorkerRepo struct{ db *sql.DB }

// NewWorkerRepo creates a Postgres-backed worker store.
func NewWorkerRepo(db *sql.DB) *WorkerRepo { return &WorkerRepo{db: db} }

// TickDelta advances the named tick cursor to now and returns the elapsed
// time since the previous tick. The row update is a compare-and-swap: with
// several replicas ticking, each elapsed interval is handed out exactly
// once, so quota computed from it is never double-counted.
func (r *WorkerRepo) TickDelta(ctx context.Context, name string, now time.Time) (time.Duration, error) {
	// The bootstrap row sits 20s in the past so the very first tick hands
	// out a small non-zero interval instead of stalling a whole tick.
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO worker_ticks (name, last_tick_at) VALUES ($1, $2 - interval '20 seconds')
		ON CONFLICT (name) DO NOTHING
	`, name, now)
	if err != nil {
		return 0, fmt.Errorf("bootstrap tick cursor: %w", err)
	}

	var prev time.Time
	err = r.db.QueryRowContext(ctx, `
		UPDATE worker_ticks t
		SET last_tick_at = $2
		FROM (SELECT last_tick_at FROM worker_ticks WHERE name = $1 FOR UPDATE) prev
		WHERE t.name = $1 AND t.last_tick_at < $2
		RETURNING prev.last_tick_at
	`, name, now).Scan(&prev)
	if err == sql.ErrNoRows {
		// Another replica already claimed this interval.
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("advance tick cursor: %w", err)
	}
	return now.Sub(prev), nil
}

// ClaimForRender atomically claims up to limit unrendered entries for this
// worker and stamps started_rendering_at.
func (r *WorkerRepo) ClaimForRender(ctx context.Context, workerID uuid.UUID, limit int, now time.Time) ([]domain.OutboxEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE outbox_entries
		SET started_rendering_at = $2, rendered_by_worker_id = $1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM outbox_entries
			WHERE started_rendering_at IS NULL
			  AND skipped_reason IS NULL
			  AND is_paused = FALSE
			ORDER BY priority DESC, created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+entryColumns,
		workerID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim for render: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// RenderOutcome carries a successful render's output.
type RenderOutcome struct {
	Subject         string
	HTML            string
	Text            string
	CategoryID      string
	IsTransactional bool
}

func (r *WorkerRepo) CompleteRender(ctx context.Context, id uuid.UUID, out RenderOutcome, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox_entries
		SET finished_rendering_at = $2,
		    rendered_subject = $3, rendered_html = $4, rendered_text = $5,
		    rendered_category_id = $6, rendered_is_transactional = $7,
		    updated_at = NOW()
		WHERE id = $1
	`, id, now, out.Subject, out.HTML, out.Text, out.CategoryID, out.IsTransactional)
	if err != nil {
		return fmt.Errorf("complete render: %w", err)
	}
	return nil
}

func (r *WorkerRepo) FailRender(ctx context.Context, id uuid.UUID, message string, details domain.JSON, internal string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox_entries
		SET finished_rendering_at = $2,
		    render_error = $3, render_error_details = $4, render_error_internal = $5,
		    updated_at = NOW()
		WHERE id = $1
	`, id, now, message, details, internal)
	if err != nil {
		return fmt.Errorf("fail render: %w", err)
	}
	return nil
}

// ResetStuckRenders unclaims renders that started before the cutoff and
// never finished, so a crashed worker's claims get picked up again.
func (r *WorkerRepo) ResetStuckRenders(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_entries
		SET started_rendering_at = NULL, rendered_by_worker_id = NULL, updated_at = NOW()
		WHERE started_rendering_at < $1
		  AND finished_rendering_at IS NULL
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reset stuck renders: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// QueueReady moves rendered, unpaused, due entries into the queue. The
// retry gate keeps backed-off entries out until their retry time.
func (r *WorkerRepo) QueueReady(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_entries
		SET is_queued = TRUE, updated_at = NOW()
		WHERE is_queued = FALSE
		  AND finished_rendering_at IS NOT NULL
		  AND render_error IS NULL
		  AND is_paused = FALSE
		  AND skipped_reason IS NULL
		  AND started_sending_at IS NULL
		  AND finished_sending_at IS NULL
		  AND scheduled_at <= $1
		  AND (next_send_retry_at IS NULL OR next_send_retry_at <= $1)
	`, now)
	if err != nil {
		return 0, fmt.Errorf("queue ready: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ProjectsWithQueued lists projects that have sendable queued entries.
func (r *WorkerRepo) ProjectsWithQueued(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT project_id FROM outbox_entries
		WHERE is_queued = TRUE
		  AND is_paused = FALSE
		  AND skipped_reason IS NULL
		  AND started_sending_at IS NULL
		  AND (next_send_retry_at IS NULL OR next_send_retry_at <= $1)
	`, now)
	if err != nil {
		return nil, fmt.Errorf("projects with queued: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimForSend claims up to limit queued entries of one project for
// sending, highest priority and oldest schedule first.
func (r *WorkerRepo) ClaimForSend(ctx context.Context, projectID uuid.UUID, limit int, now time.Time) ([]domain.OutboxEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE outbox_entries
		SET started_sending_at = $2, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM outbox_entries
			WHERE project_id = $1
			  AND is_queued = TRUE
			  AND is_paused = FALSE
			  AND skipped_reason IS NULL
			  AND started_sending_at IS NULL
			  AND (next_send_retry_at IS NULL OR next_send_retry_at <= $2)
			ORDER BY priority DESC, scheduled_at, created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+entryColumns,
		projectID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim for send: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (r *WorkerRepo) FinishSendSuccess(ctx context.Context, id uuid.UUID, canHaveDeliveryInfo bool, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox_entries
		SET finished_sending_at = $2, can_have_delivery_info = $3,
		    updated_at = NOW()
		WHERE id = $1
	`, id, now, canHaveDeliveryInfo)
	if err != nil {
		return fmt.Errorf("finish send: %w", err)
	}
	return nil
}

func (r *WorkerRepo) FinishSendSkipped(ctx context.Context, id uuid.UUID, reason domain.SkippedReason, details domain.JSON, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox_entries
		SET finished_sending_at = $2, skipped_reason = $3, skipped_details = $4,
		    updated_at = NOW()
		WHERE id = $1
	`, id, now, string(reason), details)
	if err != nil {
		return fmt.Errorf("finish send skipped: %w", err)
	}
	return nil
}

// FinishSendError records the terminal failure and folds the final attempt
// into the per-attempt history, so the trail covers every attempt including
// the one that exhausted the retries.
func (r *WorkerRepo) FinishSendError(ctx context.Context, id uuid.UUID, message string, details domain.JSON, internal string, attemptError domain.JSON, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox_entries
		SET finished_sending_at = $2,
		    send_server_error = $3, send_server_error_details = $4, send_error_internal = $5,
		    send_attempt_errors = COALESCE(send_attempt_errors, '{}'::jsonb) || $6::jsonb,
		    updated_at = NOW()
		WHERE id = $1
	`, id, now, message, details, internal, attemptError)
	if err != nil {
		return fmt.Errorf("finish send error: %w", err)
	}
	return nil
}

// ScheduleRetry unclaims the entry and records the attempt. attemptError is
// merged into the per-attempt history object keyed by attempt number.
func (r *WorkerRepo) ScheduleRetry(ctx context.Context, id uuid.UUID, nextRetryAt time.Time, attemptError domain.JSON) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox_entries
		SET started_sending_at = NULL,
		    is_queued = FALSE,
		    send_retries = send_retries + 1,
		    next_send_retry_at = $2,
		    send_attempt_errors = COALESCE(send_attempt_errors, '{}'::jsonb) || $3::jsonb,
		    updated_at = NOW()
		WHERE id = $1
	`, id, nextRetryAt, attemptError)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	return nil
}

// Unclaim releases a send claim without counting an attempt. Used when the
// rate limiter pushes back; the entry re-enters the queue after nextRetryAt.
func (r *WorkerRepo) Unclaim(ctx context.Context, id uuid.UUID, nextRetryAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox_entries
		SET started_sending_at = NULL,
		    is_queued = FALSE,
		    next_send_retry_at = $2,
		    updated_at = NOW()
		WHERE id = $1
	`, id, nextRetryAt)
	if err != nil {
		return fmt.Errorf("unclaim send: %w", err)
	}
	return nil
}

// StuckSends returns entries claimed for sending before the cutoff that
// never finished. These need operator attention; the worker only logs them
// since blindly retrying could double-send.
func (r *WorkerRepo) StuckSends(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM outbox_entries
		WHERE started_sending_at < $1
		  AND finished_sending_at IS NULL
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("stuck sends: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func collectEntries(rows *sql.Rows) ([]domain.OutboxEntry, error) {
	var out []domain.OutboxEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
