// Package postgres implements the persistence contracts against PostgreSQL
// using database/sql with the lib/pq driver.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/email-outbox/internal/domain"
	"github.com/ignite/email-outbox/internal/outbox"
)

// OutboxRepo implements outbox.Repository against PostgreSQL.
type OutboxRepo struct{ db *sql.DB }

// NewOutboxRepo creates a Postgres-backed outbox repository.
func NewOutboxRepo(db *sql.DB) *OutboxRepo { return &OutboxRepo{db: db} }

// entryColumns is the canonical column list for outbox_entries selects.
// Keep in sync with scanEntry.
const entryColumns = `
	id, project_id, template_source, theme_id, recipient, variables,
	override_subject, override_category_id, override_text,
	skip_deliverability_check, is_high_priority, priority,
	scheduled_at, is_paused, is_queued,
	rendered_by_worker_id, started_rendering_at, finished_rendering_at,
	render_error, render_error_details, render_error_internal,
	rendered_subject, rendered_html, rendered_text,
	rendered_category_id, rendered_is_transactional,
	started_sending_at, finished_sending_at,
	send_server_error, send_server_error_details, send_error_internal,
	send_retries, next_send_retry_at, send_attempt_errors,
	skipped_reason, skipped_details,
	can_have_delivery_info, delivered_at, bounced_at, delivery_delayed_at,
	opened_at, clicked_at, marked_as_spam_at,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*domain.OutboxEntry, error) {
	e := &domain.OutboxEntry{}
	err := row.Scan(
		&e.ID, &e.ProjectID, &e.TemplateSource, &e.ThemeID, &e.To, &e.Variables,
		&e.OverrideSubject, &e.OverrideCategoryID, &e.OverrideText,
		&e.SkipDeliverabilityCheck, &e.IsHighPriority, &e.Priority,
		&e.ScheduledAt, &e.IsPaused, &e.IsQueued,
		&e.RenderedByWorkerID, &e.StartedRenderingAt, &e.FinishedRenderingAt,
		&e.RenderError, &e.RenderErrorDetails, &e.RenderErrorInternal,
		&e.RenderedSubject, &e.RenderedHTML, &e.RenderedText,
		&e.RenderedCategoryID, &e.RenderedIsTransactional,
		&e.StartedSendingAt, &e.FinishedSendingAt,
		&e.SendServerError, &e.SendServerErrorDetails, &e.SendErrorInternal,
		&e.SendRetries, &e.NextSendRetryAt, &e.SendAttemptErrors,
		&e.SkippedReason, &e.SkippedDetails,
		&e.CanHaveDeliveryInfo, &e.DeliveredAt, &e.BouncedAt, &e.DeliveryDelayedAt,
		&e.OpenedAt, &e.ClickedAt, &e.MarkedAsSpamAt,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *OutboxRepo) Get(ctx context.Context, projectID, id uuid.UUID) (*domain.OutboxEntry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM outbox_entries
		WHERE id = $1 AND project_id = $2
	`, id, projectID)

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, outbox.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox entry: %w", err)
	}
	return e, nil
}

// List fetches the project's entries newest first and applies the derived
// status filters in memory, since status is computed from field presence
// rather than stored. Pagination happens after filtering so offsets line up
// with what the caller sees.
func (r *OutboxRepo) List(ctx context.Context, projectID uuid.UUID, f outbox.ListFilter) ([]domain.OutboxEntry, int, error) {
	q := `
		SELECT ` + entryColumns + `
		FROM outbox_entries
		WHERE project_id = $1`
	args := []any{projectID}

	if f.UserID != nil {
		q += ` AND recipient->>'user_id' = $2`
		args = append(args, *f.UserID)
	}
	q += ` ORDER BY finished_sending_at DESC NULLS LAST, scheduled_at DESC, priority DESC, id`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list outbox entries: %w", err)
	}
	defer rows.Close()

	var matched []domain.OutboxEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan outbox entry: %w", err)
		}
		if f.Status != nil && e.Status() != *f.Status {
			continue
		}
		if f.SimpleStatus != nil && e.SimpleStatus() != *f.SimpleStatus {
			continue
		}
		matched = append(matched, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	total := len(matched)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := f.Offset + f.Limit
	if f.Limit <= 0 || end > total {
		end = total
	}
	return matched[f.Offset:end], total, nil
}

func (r *OutboxRepo) CreateBatch(ctx context.Context, entries []*domain.OutboxEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO outbox_entries (
			id, project_id, template_source, theme_id, recipient, variables,
			override_subject, override_category_id, override_text,
			skip_deliverability_check, is_high_priority, priority,
			scheduled_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.ProjectID, e.TemplateSource, e.ThemeID, e.To, e.Variables,
			e.OverrideSubject, e.OverrideCategoryID, e.OverrideText,
			e.SkipDeliverabilityCheck, e.IsHighPriority, e.Priority,
			e.ScheduledAt, e.CreatedAt, e.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert outbox entry: %w", err)
		}
	}
	return tx.Commit()
}

// Update applies the patch inside a transaction that re-reads the row with
// FOR UPDATE and re-checks editability. A terminal transition that lands
// between the caller's read and this mutation therefore wins, and the PATCH
// surfaces ErrNotEditable with nothing changed.
func (r *OutboxRepo) Update(ctx context.Context, projectID, id uuid.UUID, p outbox.Patch) (*domain.OutboxEntry, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM outbox_entries
		WHERE id = $1 AND project_id = $2
		FOR UPDATE
	`, id, projectID)

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, outbox.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock outbox entry: %w", err)
	}
	if !e.IsEditable() {
		return nil, outbox.ErrNotEditable
	}

	set := []string{"updated_at = NOW()"}
	args := []any{}
	idx := 1
	add := func(col string, val any) {
		set = append(set, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
		idx++
	}

	if p.TemplateSource != nil {
		add("template_source", *p.TemplateSource)
	}
	if p.ThemeID != nil {
		add("theme_id", *p.ThemeID)
	}
	if p.To != nil {
		add("recipient", *p.To)
	}
	if p.Variables != nil {
		add("variables", *p.Variables)
	}
	if p.ScheduledAt != nil {
		add("scheduled_at", *p.ScheduledAt)
	}
	if p.IsPaused != nil {
		add("is_paused", *p.IsPaused)
	}
	if p.SkipDeliverabilityCheck != nil {
		add("skip_deliverability_check", *p.SkipDeliverabilityCheck)
	}
	if p.SetSkipped != nil {
		add("skipped_reason", string(*p.SetSkipped))
		add("skipped_details", p.SetSkippedDetails)
	}
	if p.ResetRenderState {
		set = append(set,
			"rendered_by_worker_id = NULL",
			"started_rendering_at = NULL",
			"finished_rendering_at = NULL",
			"render_error = NULL",
			"render_error_details = NULL",
			"render_error_internal = NULL",
			"rendered_subject = NULL",
			"rendered_html = NULL",
			"rendered_text = NULL",
			"rendered_category_id = NULL",
			"rendered_is_transactional = NULL",
			"started_sending_at = NULL",
			"send_server_error = NULL",
			"send_server_error_details = NULL",
			"send_error_internal = NULL",
			"send_retries = 0",
			"next_send_retry_at = NULL",
			"send_attempt_errors = NULL",
			"is_queued = FALSE",
		)
	}
	if p.ClearQueued {
		set = append(set, "is_queued = FALSE")
	}

	q := "UPDATE outbox_entries SET " + strings.Join(set, ", ") +
		fmt.Sprintf(" WHERE id = $%d AND project_id = $%d", idx, idx+1)
	args = append(args, id, projectID)

	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return nil, fmt.Errorf("update outbox entry: %w", err)
	}

	row = tx.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM outbox_entries
		WHERE id = $1 AND project_id = $2
	`, id, projectID)
	updated, err := scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("reread outbox entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return updated, nil
}

// eventColumns maps delivery events onto their timestamp columns. The
// column names are fixed strings, never caller input.
var eventColumns = map[outbox.DeliveryEvent]string{
	outbox.EventDelivered:       "delivered_at",
	outbox.EventBounced:         "bounced_at",
	outbox.EventDeliveryDelayed: "delivery_delayed_at",
	outbox.EventOpened:          "opened_at",
	outbox.EventClicked:         "clicked_at",
	outbox.EventMarkedAsSpam:    "marked_as_spam_at",
}

func (r *OutboxRepo) RecordDeliveryEvent(ctx context.Context, projectID, id uuid.UUID, event outbox.DeliveryEvent, at time.Time) error {
	col, ok := eventColumns[event]
	if !ok {
		return fmt.Errorf("unknown delivery event %q", event)
	}

	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE outbox_entries
		SET %s = COALESCE(%s, $1), updated_at = NOW()
		WHERE id = $2 AND project_id = $3
	`, col, col), at, id, projectID)
	if err != nil {
		return fmt.Errorf("record delivery event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return outbox.ErrNotFound
	}
	return nil
}
