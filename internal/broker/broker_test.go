package broker

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sshbox/sshbox/internal/audit"
	"github.com/sshbox/sshbox/internal/database"
	"github.com/sshbox/sshbox/internal/metrics"
	"github.com/sshbox/sshbox/internal/profile"
	"github.com/sshbox/sshbox/internal/provisioner"
	"github.com/sshbox/sshbox/internal/token"
	"golang.org/x/crypto/ssh"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSecret = "broker-test-secret"

// fakeProvisioner records calls and simulates a backend.
type fakeProvisioner struct {
	mu        sync.Mutex
	createErr error
	// partialHandle, when set with createErr, is returned alongside the
	// error to exercise the compensating destroy path.
	partialHandle *Handle
	// createGate, when set, blocks Create until the channel closes.
	createGate chan struct{}
	created    []string
	destroyed  map[string]int
	alive      map[string]bool
}

type Handle = provisioner.Handle

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{
		destroyed: make(map[string]int),
		alive:     make(map[string]bool),
	}
}

func (f *fakeProvisioner) Create(ctx context.Context, sessionID, publicKey string, prof profile.Profile) (*Handle, error) {
	f.mu.Lock()
	gate := f.createGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.partialHandle, f.createErr
	}
	h := &Handle{ID: "box_" + sessionID, Host: "127.0.0.1", Port: 20022, User: "box"}
	f.created = append(f.created, sessionID)
	f.alive[h.ID] = true
	return h, nil
}

func (f *fakeProvisioner) Destroy(ctx context.Context, handleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed[handleID]++
	delete(f.alive, handleID)
	return nil
}

func (f *fakeProvisioner) HealthCheck(ctx context.Context, handleID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[handleID], nil
}

func (f *fakeProvisioner) HandleFor(sessionID string) string { return "box_" + sessionID }

func (f *fakeProvisioner) BackendName() string { return profile.BackendDocker }

func (f *fakeProvisioner) destroyCount(handleID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed[handleID]
}

func setupBroker(t *testing.T, fake *fakeProvisioner, singleUse bool) *Broker {
	t.Helper()
	var err error
	database.DB, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test DB: %v", err)
	}
	if err := database.Migrate(database.DB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		sqlDB, _ := database.DB.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
		database.DB = nil
	})

	b := New(Options{
		Store:            DBStore{},
		Profiles:         profile.Defaults("ubuntu:24.04"),
		Secret:           testSecret,
		SingleUseInvites: singleUse,
		TerminateGrace:   time.Minute,
		Auditor:          audit.NewAuditor(database.DB, 90),
		Metrics:          metrics.NewCollector(),
		ProvisionerFor: func(backend string) provisioner.Provisioner {
			if backend == profile.BackendDocker {
				return fake
			}
			return nil
		},
	})
	t.Cleanup(b.Stop)
	return b
}

func testPublicKey(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("wrap key: %v", err)
	}
	return string(ssh.MarshalAuthorizedKey(sshPub))
}

func issueToken(t *testing.T, prof string, ttl int) string {
	t.Helper()
	raw, err := token.Issue(testSecret, prof, ttl, "alice@example.com", "")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return raw
}

func TestRequestProvisionsActiveSession(t *testing.T) {
	fake := newFakeProvisioner()
	b := setupBroker(t, fake, false)

	info, err := b.Request(context.Background(), RequestParams{
		Token:     issueToken(t, "dev", 600),
		PublicKey: testPublicKey(t),
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if info.Host != "127.0.0.1" || info.Port != 20022 || info.User != "box" {
		t.Errorf("unexpected endpoint: %+v", info)
	}

	sess, err := database.GetSession(info.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != database.StatusActive {
		t.Errorf("status = %s, want %s", sess.Status, database.StatusActive)
	}
	if sess.Handle == "" || sess.StartedAt == nil {
		t.Errorf("active session missing handle/started_at: %+v", sess)
	}
	if sess.PublicKey == "" || strings.Contains(sess.PublicKey, "ssh-ed25519") {
		t.Errorf("public key not stored encrypted: %q", sess.PublicKey)
	}
	if !b.Scheduler().Armed(info.SessionID) {
		t.Error("expiry trigger not armed")
	}
}

func TestRequestRejectsBadToken(t *testing.T) {
	fake := newFakeProvisioner()
	b := setupBroker(t, fake, false)

	raw := issueToken(t, "dev", 600)
	tampered := raw[:len(raw)-1] + flipHex(raw[len(raw)-1])

	_, err := b.Request(context.Background(), RequestParams{
		Token:     tampered,
		PublicKey: testPublicKey(t),
	})
	if !errors.Is(err, token.ErrInvalidSignature) {
		t.Errorf("err = %v, want ErrInvalidSignature", err)
	}
	if len(fake.created) != 0 {
		t.Error("provisioner called despite rejected token")
	}
}

func flipHex(b byte) string {
	if b == 'a' {
		return "b"
	}
	return "a"
}

func TestRequestRejectsUnknownProfile(t *testing.T) {
	fake := newFakeProvisioner()
	b := setupBroker(t, fake, false)

	_, err := b.Request(context.Background(), RequestParams{
		Token:     issueToken(t, "nonexistent", 600),
		PublicKey: testPublicKey(t),
	})
	if !errors.Is(err, ErrUnknownProfile) {
		t.Errorf("err = %v, want ErrUnknownProfile", err)
	}
}

func TestRequestRejectsInvalidPublicKey(t *testing.T) {
	fake := newFakeProvisioner()
	b := setupBroker(t, fake, false)

	_, err := b.Request(context.Background(), RequestParams{
		Token:     issueToken(t, "dev", 600),
		PublicKey: "not a key",
	})
	if !errors.Is(err, ErrInvalidPublicKey) {
		t.Errorf("err = %v, want ErrInvalidPublicKey", err)
	}
	if len(fake.created) != 0 {
		t.Error("provisioner called despite invalid key")
	}
}

func TestRequestClampsTTLToProfileMax(t *testing.T) {
	fake := newFakeProvisioner()
	b := setupBroker(t, fake, false)

	// dev max_ttl is 7200; ask for far more.
	info, err := b.Request(context.Background(), RequestParams{
		Token:     issueToken(t, "dev", 600),
		PublicKey: testPublicKey(t),
		TTL:       999999,
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	sess, err := database.GetSession(info.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.TTLSeconds != 7200 {
		t.Errorf("ttl = %d, want 7200", sess.TTLSeconds)
	}
}

func TestRequestProvisionFailureMarksFailed(t *testing.T) {
	fake := newFakeProvisioner()
	fake.createErr = provisioner.ErrResourceExhausted
	fake.partialHandle = &Handle{ID: "box_partial"}
	b := setupBroker(t, fake, false)

	_, err := b.Request(context.Background(), RequestParams{
		Token:     issueToken(t, "dev", 600),
		PublicKey: testPublicKey(t),
	})
	if !errors.Is(err, provisioner.ErrResourceExhausted) {
		t.Fatalf("err = %v, want ErrResourceExhausted", err)
	}

	// The partial runtime is cleaned up.
	if n := fake.destroyCount("box_partial"); n != 1 {
		t.Errorf("compensating destroy count = %d, want 1", n)
	}

	sessions, err := database.ListSessions(database.StatusFailed)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("failed sessions = %d, want 1", len(sessions))
	}
	if sessions[0].EndedAt == nil {
		t.Error("failed session missing ended_at")
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	fake := newFakeProvisioner()
	b := setupBroker(t, fake, false)

	info, err := b.Request(context.Background(), RequestParams{
		Token:     issueToken(t, "dev", 600),
		PublicKey: testPublicKey(t),
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = b.Terminate(context.Background(), info.SessionID, "disconnect")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("terminate[%d]: %v", i, err)
		}
	}
	if n := fake.destroyCount("box_" + info.SessionID); n != 1 {
		t.Errorf("destroy count = %d, want 1", n)
	}

	sess, err := database.GetSession(info.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != database.StatusDestroyed {
		t.Errorf("status = %s, want %s", sess.Status, database.StatusDestroyed)
	}
	if sess.EndedAt == nil {
		t.Error("destroyed session missing ended_at")
	}
	if _, ok := b.locks.Load(info.SessionID); ok {
		t.Error("per-session lock retained after terminal state")
	}
}

func TestTerminateUnknownSession(t *testing.T) {
	fake := newFakeProvisioner()
	b := setupBroker(t, fake, false)

	err := b.Terminate(context.Background(), "no-such-session", "disconnect")
	if !errors.Is(err, database.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestTTLExpiryDestroysSession(t *testing.T) {
	fake := newFakeProvisioner()
	b := setupBroker(t, fake, false)

	info, err := b.Request(context.Background(), RequestParams{
		Token:     issueToken(t, "dev", 600),
		PublicKey: testPublicKey(t),
		TTL:       1,
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		sess, err := database.GetSession(info.SessionID)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if sess.Status == database.StatusDestroyed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session still %s after expiry deadline", sess.Status)
		}
		time.Sleep(50 * time.Millisecond)
	}

	if n := fake.destroyCount("box_" + info.SessionID); n != 1 {
		t.Errorf("destroy count = %d, want 1", n)
	}
}

func TestSingleUseInviteRejectsReplay(t *testing.T) {
	fake := newFakeProvisioner()
	b := setupBroker(t, fake, true)

	raw := issueToken(t, "dev", 600)
	pub := testPublicKey(t)

	if _, err := b.Request(context.Background(), RequestParams{Token: raw, PublicKey: pub}); err != nil {
		t.Fatalf("first request: %v", err)
	}
	_, err := b.Request(context.Background(), RequestParams{Token: raw, PublicKey: pub})
	if !errors.Is(err, database.ErrInviteUsed) {
		t.Errorf("err = %v, want ErrInviteUsed", err)
	}
	if len(fake.created) != 1 {
		t.Errorf("created = %d, want 1", len(fake.created))
	}
}

func TestReconcileFailsOrphanedProvisioning(t *testing.T) {
	fake := newFakeProvisioner()
	b := setupBroker(t, fake, false)

	// A crash left this row behind before any handle was recorded. The
	// backend may still have created the runtime, so reconcile must issue
	// a destroy against the handle the session ID derives.
	err := database.PutSession(&database.Session{
		SessionID:  "orphan-1",
		Profile:    "dev",
		Backend:    profile.BackendDocker,
		Status:     database.StatusProvisioning,
		TTLSeconds: 600,
		CreatedAt:  time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := b.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	sess, err := database.GetSession("orphan-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Status != database.StatusFailed {
		t.Errorf("status = %s, want %s", sess.Status, database.StatusFailed)
	}
	if n := fake.destroyCount("box_orphan-1"); n != 1 {
		t.Errorf("compensating destroy count = %d, want 1", n)
	}
}

// waitForSession polls until a session with the given status appears and
// returns its ID.
func waitForSession(t *testing.T, status string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		sessions, err := database.ListSessions(status)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(sessions) > 0 {
			return sessions[0].SessionID
		}
		if time.Now().After(deadline) {
			t.Fatalf("no session reached %s", status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestReconcileSkipsInFlightProvisioning(t *testing.T) {
	fake := newFakeProvisioner()
	gate := make(chan struct{})
	fake.createGate = gate
	b := setupBroker(t, fake, false)

	done := make(chan error, 1)
	go func() {
		_, err := b.Request(context.Background(), RequestParams{
			Token:     issueToken(t, "dev", 600),
			PublicKey: testPublicKey(t),
		})
		done <- err
	}()

	sessionID := waitForSession(t, database.StatusProvisioning)

	// The row is younger than the grace window, so reconcile must return
	// without blocking on or touching the in-flight session.
	if err := b.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("request: %v", err)
	}

	sess, err := database.GetSession(sessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Status != database.StatusActive {
		t.Errorf("status = %s, want %s", sess.Status, database.StatusActive)
	}
	if n := fake.destroyCount("box_" + sessionID); n != 0 {
		t.Errorf("destroy count = %d, want 0", n)
	}
}

func TestReconcileLeavesJustActivatedSessionAlone(t *testing.T) {
	fake := newFakeProvisioner()
	gate := make(chan struct{})
	fake.createGate = gate
	b := setupBroker(t, fake, false)
	b.grace = 0 // every provisioning row looks old enough to reclaim

	done := make(chan error, 1)
	go func() {
		_, err := b.Request(context.Background(), RequestParams{
			Token:     issueToken(t, "dev", 600),
			PublicKey: testPublicKey(t),
		})
		done <- err
	}()

	sessionID := waitForSession(t, database.StatusProvisioning)

	// Reconcile waits on the session lock held by the in-flight Request;
	// once it gets the lock it must observe the now-active session and
	// leave it running.
	recDone := make(chan struct{})
	go func() {
		defer close(recDone)
		if err := b.Reconcile(context.Background()); err != nil {
			t.Errorf("reconcile: %v", err)
		}
	}()

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("request: %v", err)
	}
	<-recDone

	sess, err := database.GetSession(sessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Status != database.StatusActive {
		t.Errorf("status = %s, want %s", sess.Status, database.StatusActive)
	}
	if n := fake.destroyCount("box_" + sessionID); n != 0 {
		t.Errorf("destroy count = %d, want 0", n)
	}
}

func TestReconcileDestroysExpiredActive(t *testing.T) {
	fake := newFakeProvisioner()
	b := setupBroker(t, fake, false)

	started := time.Now().Add(-time.Hour)
	fake.alive["box_expired-1"] = true
	err := database.PutSession(&database.Session{
		SessionID:  "expired-1",
		Profile:    "dev",
		Backend:    profile.BackendDocker,
		Status:     database.StatusActive,
		Handle:     "box_expired-1",
		TTLSeconds: 60,
		StartedAt:  &started,
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := b.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	sess, err := database.GetSession("expired-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Status != database.StatusDestroyed {
		t.Errorf("status = %s, want %s", sess.Status, database.StatusDestroyed)
	}
	if n := fake.destroyCount("box_expired-1"); n != 1 {
		t.Errorf("destroy count = %d, want 1", n)
	}
}

func TestReconcileRearmsLiveActive(t *testing.T) {
	fake := newFakeProvisioner()
	b := setupBroker(t, fake, false)

	started := time.Now()
	fake.alive["box_live-1"] = true
	err := database.PutSession(&database.Session{
		SessionID:  "live-1",
		Profile:    "dev",
		Backend:    profile.BackendDocker,
		Status:     database.StatusActive,
		Handle:     "box_live-1",
		TTLSeconds: 3600,
		StartedAt:  &started,
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := b.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	sess, err := database.GetSession("live-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Status != database.StatusActive {
		t.Errorf("status = %s, want %s", sess.Status, database.StatusActive)
	}
	if !b.Scheduler().Armed("live-1") {
		t.Error("expiry trigger not re-armed")
	}
}

func TestReconcileFinalizesDeadRuntime(t *testing.T) {
	fake := newFakeProvisioner()
	b := setupBroker(t, fake, false)

	started := time.Now()
	// Handle absent from fake.alive: the runtime died underneath us.
	err := database.PutSession(&database.Session{
		SessionID:  "dead-1",
		Profile:    "dev",
		Backend:    profile.BackendDocker,
		Status:     database.StatusActive,
		Handle:     "box_dead-1",
		TTLSeconds: 3600,
		StartedAt:  &started,
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := b.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	sess, err := database.GetSession("dead-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Status != database.StatusDestroyed {
		t.Errorf("status = %s, want %s", sess.Status, database.StatusDestroyed)
	}
}

func TestReconcileRetriesStuckTerminating(t *testing.T) {
	fake := newFakeProvisioner()
	b := setupBroker(t, fake, false)
	b.grace = 0 // retry immediately

	err := database.PutSession(&database.Session{
		SessionID:  "stuck-1",
		Profile:    "dev",
		Backend:    profile.BackendDocker,
		Status:     database.StatusTerminating,
		Handle:     "box_stuck-1",
		TTLSeconds: 600,
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := b.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	sess, err := database.GetSession("stuck-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Status != database.StatusDestroyed {
		t.Errorf("status = %s, want %s", sess.Status, database.StatusDestroyed)
	}
	if n := fake.destroyCount("box_stuck-1"); n != 1 {
		t.Errorf("destroy count = %d, want 1", n)
	}
}
