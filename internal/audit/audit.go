// Package audit records session lifecycle events. Every state transition the
// broker performs is appended here; the retention job trims old records on a
// schedule.
package audit

import (
	"log"
	"time"

	"github.com/sshbox/sshbox/internal/database"
	"github.com/sshbox/sshbox/internal/logutil"
	"gorm.io/gorm"
)

// Event types for session audit logging.
const (
	EventSessionRequested   = "session_requested"
	EventSessionProvisioned = "session_provisioned"
	EventSessionActive      = "session_active"
	EventSessionTerminating = "session_terminating"
	EventSessionDestroyed   = "session_destroyed"
	EventSessionFailed      = "session_failed"
	EventTokenRejected      = "token_rejected"
	EventReconcile          = "reconcile"
)

// DefaultRetentionDays is the default number of days to keep audit records.
const DefaultRetentionDays = 90

// Auditor writes audit records to the database and mirrors them to the
// standard logger.
type Auditor struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time // injectable clock for testing
}

func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}
}

// Record appends one audit record. Failures are logged but do not propagate:
// auditing must never block a lifecycle transition.
func (a *Auditor) Record(sessionID, eventType, actor, details string) {
	rec := database.AuditRecord{
		SessionID: sessionID,
		EventType: eventType,
		Actor:     actor,
		Details:   details,
	}
	if err := a.db.Create(&rec).Error; err != nil {
		log.Printf("[audit] failed to write record: %v", err)
		return
	}
	log.Printf("[audit] %s session=%s actor=%s details=%s",
		eventType,
		logutil.SanitizeForLog(sessionID),
		logutil.SanitizeForLog(actor),
		logutil.SanitizeForLog(details),
	)
}

// QueryOptions filters audit record retrieval.
type QueryOptions struct {
	SessionID string
	EventType string
	Since     *time.Time
	Limit     int
	Offset    int
}

type QueryResult struct {
	Entries []database.AuditRecord `json:"entries"`
	Total   int64                  `json:"total"`
	Limit   int                    `json:"limit"`
	Offset  int                    `json:"offset"`
}

func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	tx := a.db.Model(&database.AuditRecord{})

	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	var entries []database.AuditRecord
	if err := tx.Order("created_at DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{Entries: entries, Total: total, Limit: opts.Limit, Offset: opts.Offset}, nil
}

// Purge removes records older than the retention period and returns the
// number deleted.
func (a *Auditor) Purge() (int64, error) {
	cutoff := a.nowFn().AddDate(0, 0, -a.retentionDays)
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditRecord{})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] purged %d records older than %d days", result.RowsAffected, a.retentionDays)
	}
	return result.RowsAffected, nil
}

// SetNowFunc overrides the clock for tests.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
