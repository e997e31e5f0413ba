package domain

import (
	"time"

	"github.com/google/uuid"
)

// ContactChannelType enumerates contact channel kinds. Email is the only
// kind the outbox targets today.
type ContactChannelType string

const ContactChannelEmail ContactChannelType = "email"

// User is a directory entry a recipient may reference. Users can be deleted
// or lose contact channels at any time after an email is queued; the worker
// re-resolves them at send time.
type User struct {
	// ID is caller-assigned, not generated here; projects bring their own
	// user identifiers.
	ID          string    `json:"id" db:"id"`
	ProjectID   uuid.UUID `json:"project_id" db:"project_id"`
	DisplayName string    `json:"display_name" db:"display_name"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`

	// Channels is populated by directory lookups, not stored on the row.
	Channels []ContactChannel `json:"contact_channels,omitempty" db:"-"`
}

// ContactChannel is one address attached to a user.
type ContactChannel struct {
	ID        uuid.UUID          `json:"id" db:"id"`
	UserID    string             `json:"user_id" db:"user_id"`
	Type      ContactChannelType `json:"type" db:"type"`
	Value     string             `json:"value" db:"value"`
	IsPrimary bool               `json:"is_primary" db:"is_primary"`
}

// PrimaryEmail returns the user's primary email channel value, if any.
func (u *User) PrimaryEmail() (string, bool) {
	for _, ch := range u.Channels {
		if ch.Type == ContactChannelEmail && ch.IsPrimary {
			return ch.Value, true
		}
	}
	return "", false
}
