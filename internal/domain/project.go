package domain

import (
	"time"

	"github.com/google/uuid"
)

// AccessType is the caller's privilege level, resolved from API credentials.
type AccessType string

const (
	AccessClient AccessType = "client"
	AccessServer AccessType = "server"
	AccessAdmin  AccessType = "admin"
)

// Project is a tenant. Outbox entries, users, and capacity accounting are
// all scoped to exactly one project; cross-project access is a 404, never a
// disclosure.
type Project struct {
	ID          uuid.UUID `json:"id" db:"id"`
	DisplayName string    `json:"display_name" db:"display_name"`

	ServerAPIKey string `json:"-" db:"server_api_key"`
	AdminAPIKey  string `json:"-" db:"admin_api_key"`

	// BaseHourlyRate is the unboosted, unpenalized send allowance per hour.
	BaseHourlyRate int `json:"base_hourly_rate" db:"base_hourly_rate"`

	// BoostExpiresAt is the capacity boost expiry. The boost is "active"
	// purely by comparison against the clock; nothing resets it.
	BoostExpiresAt *time.Time `json:"boost_expires_at" db:"boost_expires_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// NotificationCategory classifies an email for suppression purposes. A
// category with CanDisable=false (transactional) is exempt from recipient
// opt-out.
type NotificationCategory struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	CanDisable bool   `json:"can_disable"`
}

// Category IDs are stable across deployments so that per-user preference
// rows survive restarts.
const (
	CategoryTransactionalID = "4f6f8873-3d04-46bf-8b74-c8c255c58ccb"
	CategoryMarketingID     = "abfba37a-a85f-4e39-b4dd-dcca7ffeb6a7"
)

// The fixed category catalog.
var notificationCategories = []NotificationCategory{
	{ID: CategoryTransactionalID, Name: "Transactional", CanDisable: false},
	{ID: CategoryMarketingID, Name: "Marketing", CanDisable: true},
}

// NotificationCategories returns the full category catalog.
func NotificationCategories() []NotificationCategory {
	out := make([]NotificationCategory, len(notificationCategories))
	copy(out, notificationCategories)
	return out
}

// NotificationCategoryByName looks up a category by its display name.
func NotificationCategoryByName(name string) (NotificationCategory, bool) {
	for _, c := range notificationCategories {
		if c.Name == name {
			return c, true
		}
	}
	return NotificationCategory{}, false
}

// NotificationCategoryByID looks up a category by its stable id.
func NotificationCategoryByID(id string) (NotificationCategory, bool) {
	for _, c := range notificationCategories {
		if c.ID == id {
			return c, true
		}
	}
	return NotificationCategory{}, false
}
