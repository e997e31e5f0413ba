package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// RecipientType discriminates the recipient union.
type RecipientType string

const (
	RecipientUserPrimaryEmail RecipientType = "user-primary-email"
	RecipientUserCustomEmails RecipientType = "user-custom-emails"
	RecipientCustomEmails     RecipientType = "custom-emails"
)

// Recipient is the delivery target of an outbox entry. It is a tagged union:
// user-primary-email resolves the address from the user directory at send
// time, user-custom-emails targets explicit addresses tied to a user, and
// custom-emails targets raw addresses with no user attached.
type Recipient struct {
	Type   RecipientType `json:"type"`
	UserID string        `json:"user_id,omitempty"`
	Emails []string      `json:"emails,omitempty"`
}

// Validate checks the union's internal consistency.
func (r Recipient) Validate() error {
	switch r.Type {
	case RecipientUserPrimaryEmail:
		if r.UserID == "" {
			return fmt.Errorf("recipient %s requires user_id", r.Type)
		}
	case RecipientUserCustomEmails:
		if r.UserID == "" {
			return fmt.Errorf("recipient %s requires user_id", r.Type)
		}
	case RecipientCustomEmails:
		if r.UserID != "" {
			return fmt.Errorf("recipient %s must not carry user_id", r.Type)
		}
	default:
		return fmt.Errorf("unknown recipient type %q", r.Type)
	}
	return nil
}

// HasUser reports whether the recipient references a directory user.
func (r Recipient) HasUser() bool {
	return r.Type == RecipientUserPrimaryEmail || r.Type == RecipientUserCustomEmails
}

// Value implements driver.Valuer for the JSONB recipient column.
func (r Recipient) Value() (driver.Value, error) {
	return json.Marshal(r)
}

// Scan implements sql.Scanner for the JSONB recipient column.
func (r *Recipient) Scan(value any) error {
	if value == nil {
		*r = Recipient{}
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("recipient: unsupported scan type %T", value)
	}
	return json.Unmarshal(b, r)
}

// ParseRecipient decodes and validates a serialized recipient payload.
func ParseRecipient(raw []byte) (Recipient, error) {
	var r Recipient
	if err := json.Unmarshal(raw, &r); err != nil {
		return Recipient{}, fmt.Errorf("malformed recipient payload: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Recipient{}, err
	}
	return r, nil
}
