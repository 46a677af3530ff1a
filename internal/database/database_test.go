package database

import (
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) func() {
	t.Helper()
	var err error
	DB, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test DB: %v", err)
	}
	if err := Migrate(DB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return func() {
		sqlDB, _ := DB.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
		DB = nil
	}
}

func TestPutGetSession(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	s := &Session{
		SessionID:  "sess-1",
		Profile:    "dev",
		Backend:    "docker",
		Status:     StatusRequested,
		TTLSeconds: 600,
	}
	if err := PutSession(s); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := GetSession("sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Profile != "dev" || got.Status != StatusRequested {
		t.Errorf("unexpected session: %+v", got)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	if _, err := GetSession("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSessionIDUnique(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	if err := PutSession(&Session{SessionID: "dup", Profile: "dev", Backend: "docker", Status: StatusRequested, TTLSeconds: 60}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := PutSession(&Session{SessionID: "dup", Profile: "dev", Backend: "docker", Status: StatusRequested, TTLSeconds: 60}); err == nil {
		t.Error("expected unique constraint violation")
	}
}

func TestUpdateSessionState(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	PutSession(&Session{SessionID: "s1", Profile: "dev", Backend: "docker", Status: StatusProvisioning, TTLSeconds: 60})

	now := time.Now()
	err := UpdateSessionState("s1", StatusActive, map[string]interface{}{
		"started_at": &now,
		"ssh_host":   "127.0.0.1",
		"ssh_port":   2222,
		"ssh_user":   "box",
		"handle":     "abc123",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := GetSession("s1")
	if got.Status != StatusActive {
		t.Errorf("status = %q, want active", got.Status)
	}
	if got.SSHPort != 2222 || got.Handle != "abc123" {
		t.Errorf("columns not updated: %+v", got)
	}
	if got.StartedAt == nil {
		t.Error("started_at not set")
	}
}

func TestUpdateSessionStateMissing(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	if err := UpdateSessionState("missing", StatusActive, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListUnfinishedSessions(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	for _, s := range []Session{
		{SessionID: "a", Profile: "dev", Backend: "docker", Status: StatusActive, TTLSeconds: 60},
		{SessionID: "b", Profile: "dev", Backend: "docker", Status: StatusDestroyed, TTLSeconds: 60},
		{SessionID: "c", Profile: "dev", Backend: "docker", Status: StatusTerminating, TTLSeconds: 60},
		{SessionID: "d", Profile: "dev", Backend: "docker", Status: StatusProvisioning, TTLSeconds: 60},
		{SessionID: "e", Profile: "dev", Backend: "docker", Status: StatusFailed, TTLSeconds: 60},
	} {
		s := s
		if err := PutSession(&s); err != nil {
			t.Fatalf("put %s: %v", s.SessionID, err)
		}
	}

	got, err := ListUnfinishedSessions()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for _, s := range got {
		if s.Status == StatusDestroyed || s.Status == StatusFailed {
			t.Errorf("terminal session %s in unfinished list", s.SessionID)
		}
	}
}

func TestListSessionsStatusFilter(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	PutSession(&Session{SessionID: "x", Profile: "dev", Backend: "docker", Status: StatusActive, TTLSeconds: 60})
	PutSession(&Session{SessionID: "y", Profile: "dev", Backend: "docker", Status: StatusDestroyed, TTLSeconds: 60})

	got, err := ListSessions(StatusActive)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].SessionID != "x" {
		t.Errorf("unexpected result: %+v", got)
	}
}

func TestMarkInviteUsed(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	if err := MarkInviteUsed("sig-1", "sess-1"); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if err := MarkInviteUsed("sig-1", "sess-2"); !errors.Is(err, ErrInviteUsed) {
		t.Errorf("err = %v, want ErrInviteUsed", err)
	}
	if err := MarkInviteUsed("sig-2", "sess-3"); err != nil {
		t.Errorf("distinct signature rejected: %v", err)
	}
}

func TestMarkInviteUsedStoreFailure(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	sqlDB, err := DB.DB()
	if err != nil {
		t.Fatalf("get sql.DB: %v", err)
	}
	sqlDB.Close()

	// A broken store must not masquerade as a redeemed invite.
	err = MarkInviteUsed("sig-1", "sess-1")
	if err == nil {
		t.Fatal("expected error from closed store")
	}
	if errors.Is(err, ErrInviteUsed) {
		t.Errorf("store failure reported as ErrInviteUsed: %v", err)
	}
}

func TestSettings(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	if err := SetSetting("k", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := SetSetting("k", "v2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, err := GetSetting("k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != "v2" {
		t.Errorf("value = %q, want v2", v)
	}
}
