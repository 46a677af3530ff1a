package database

import "time"

// Session lifecycle states. The database is the source of truth across
// restarts; the broker performs all transitions.
const (
	StatusRequested    = "requested"
	StatusProvisioning = "provisioning"
	StatusActive       = "active"
	StatusTerminating  = "terminating"
	StatusDestroyed    = "destroyed"
	StatusFailed       = "failed"
)

type Session struct {
	ID        uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID string `gorm:"uniqueIndex;not null;size:64" json:"session_id"`
	Profile   string `gorm:"not null" json:"profile"`
	Backend   string `gorm:"not null" json:"backend"`
	Status    string `gorm:"not null;default:requested;index" json:"status"`

	// Opaque backend handle: container ID for docker, scratch-dir path for
	// firecracker. Cleared when the session reaches a terminal state.
	Handle string `json:"-"`

	SSHHost string `json:"host"`
	SSHPort int    `json:"port"`
	SSHUser string `json:"user"`

	TTLSeconds int    `gorm:"not null" json:"ttl"`
	InvitedBy  string `json:"invited_by"`

	// Guest public key, Fernet-encrypted at rest.
	PublicKey string `json:"-"`

	// JSON-encoded list of actions the profile permits.
	AllowedActions string `gorm:"type:text;default:'[]'" json:"-"`

	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"-"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// AuditRecord is one lifecycle or access event for a session.
type AuditRecord struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"index" json:"session_id"`
	EventType string    `gorm:"not null;index" json:"event_type"`
	Actor     string    `json:"actor"`
	Details   string    `json:"details"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// UsedInvite tracks redeemed token signatures when single-use invites are
// enabled. With the default stateless tokens this table stays empty.
type UsedInvite struct {
	Signature string    `gorm:"primaryKey;size:64"`
	SessionID string    `gorm:"not null"`
	UsedAt    time.Time `gorm:"autoCreateTime"`
}
