// Package directory looks up recipients at send time: users, their contact
// channels, and their notification preferences. The worker always consults
// it at the moment of sending, never at queue time, so deletions and
// unsubscribes that happen while an email waits are honored.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/email-outbox/internal/domain"
)

// ErrUserNotFound is returned when the referenced user does not exist in
// the project (including users deleted after the email was queued).
var ErrUserNotFound = errors.New("user not found")

// Store provides read access to the user directory.
type Store struct {
	db *sql.DB
}

// NewStore creates a directory store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetUser returns a user with contact channels populated.
func (s *Store) GetUser(ctx context.Context, projectID uuid.UUID, userID string) (*domain.User, error) {
	u := &domain.User{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, display_name, created_at
		FROM users
		WHERE id = $1 AND project_id = $2
	`, userID, projectID).Scan(&u.ID, &u.ProjectID, &u.DisplayName, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, value, is_primary
		FROM contact_channels
		WHERE user_id = $1
		ORDER BY is_primary DESC, value
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("get contact channels: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ch domain.ContactChannel
		if err := rows.Scan(&ch.ID, &ch.UserID, &ch.Type, &ch.Value, &ch.IsPrimary); err != nil {
			return nil, fmt.Errorf("scan contact channel: %w", err)
		}
		u.Channels = append(u.Channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return u, nil
}

// IsUnsubscribed reports whether the user has opted out of the category.
// Absence of a preference row means subscribed. Callers must not consult
// this for non-disableable categories; transactional mail always goes out.
func (s *Store) IsUnsubscribed(ctx context.Context, projectID uuid.UUID, userID, categoryID string) (bool, error) {
	var enabled bool
	err := s.db.QueryRowContext(ctx, `
		SELECT enabled FROM notification_preferences
		WHERE project_id = $1 AND user_id = $2 AND category_id = $3
	`, projectID, userID, categoryID).Scan(&enabled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get notification preference: %w", err)
	}
	return !enabled, nil
}
