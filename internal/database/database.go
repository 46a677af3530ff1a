package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sshbox/sshbox/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := Migrate(DB); err != nil {
		return err
	}
	return nil
}

// Migrate creates or updates the schema. Exposed so tests can run it against
// an in-memory database.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Session{}, &AuditRecord{}, &Setting{}, &UsedInvite{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// Session helpers. The broker treats these as the durable source of truth:
// a helper error means the transition did not happen.

func PutSession(s *Session) error {
	return DB.Create(s).Error
}

func GetSession(sessionID string) (*Session, error) {
	var s Session
	if err := DB.Where("session_id = ?", sessionID).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// UpdateSessionState sets the status plus any extra column updates
// (timestamps, handle, endpoint) in one write.
func UpdateSessionState(sessionID, status string, updates map[string]interface{}) error {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = status
	res := DB.Model(&Session{}).Where("session_id = ?", sessionID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func ListSessions(statusFilter string) ([]Session, error) {
	var sessions []Session
	tx := DB.Order("created_at DESC")
	if statusFilter != "" {
		tx = tx.Where("status = ?", statusFilter)
	}
	if err := tx.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

// ListUnfinishedSessions returns every session in a non-terminal state.
// Used by the reconciliation pass at startup and on its periodic schedule.
func ListUnfinishedSessions() ([]Session, error) {
	var sessions []Session
	err := DB.Where("status IN ?", []string{StatusProvisioning, StatusActive, StatusTerminating}).
		Order("created_at").Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// Used-invite helpers (single-use invite mode)

// MarkInviteUsed records a token signature as redeemed. Returns ErrInviteUsed
// if the signature has been seen before; the primary key makes the check and
// the insert atomic.
var ErrInviteUsed = errors.New("invite already used")

func MarkInviteUsed(signature, sessionID string) error {
	err := DB.Create(&UsedInvite{Signature: signature, SessionID: sessionID, UsedAt: time.Now()}).Error
	if err == nil {
		return nil
	}
	// Only a primary-key collision means the invite was redeemed; any other
	// store failure must surface as itself.
	if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrInviteUsed
	}
	return fmt.Errorf("record used invite: %w", err)
}

// Settings helpers

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}
