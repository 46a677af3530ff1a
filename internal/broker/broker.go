// Package broker drives the session state machine:
//
//	requested → provisioning → active → terminating → destroyed
//
// with failed reachable from requested and provisioning. All session
// mutation happens here; transitions and provisioner calls for one session
// ID are serialized by a per-session lock, while distinct sessions proceed
// in parallel. The session store is the source of truth across restarts.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sshbox/sshbox/internal/audit"
	"github.com/sshbox/sshbox/internal/crypto"
	"github.com/sshbox/sshbox/internal/database"
	"github.com/sshbox/sshbox/internal/logutil"
	"github.com/sshbox/sshbox/internal/metrics"
	"github.com/sshbox/sshbox/internal/profile"
	"github.com/sshbox/sshbox/internal/provisioner"
	"github.com/sshbox/sshbox/internal/scheduler"
	"github.com/sshbox/sshbox/internal/token"
	"golang.org/x/crypto/ssh"
)

var (
	ErrUnknownProfile   = errors.New("unknown profile")
	ErrProfileMismatch  = errors.New("profile does not match invite")
	ErrInvalidPublicKey = errors.New("invalid public key")
)

// Store is the narrow persistence contract the broker needs. The database
// package satisfies it via DBStore.
type Store interface {
	Put(s *database.Session) error
	Get(sessionID string) (*database.Session, error)
	UpdateState(sessionID, status string, updates map[string]interface{}) error
	ListUnfinished() ([]database.Session, error)
	MarkInviteUsed(signature, sessionID string) error
}

// DBStore adapts the database package to the Store contract.
type DBStore struct{}

func (DBStore) Put(s *database.Session) error { return database.PutSession(s) }
func (DBStore) Get(id string) (*database.Session, error) {
	return database.GetSession(id)
}
func (DBStore) UpdateState(id, status string, updates map[string]interface{}) error {
	return database.UpdateSessionState(id, status, updates)
}
func (DBStore) ListUnfinished() ([]database.Session, error) {
	return database.ListUnfinishedSessions()
}
func (DBStore) MarkInviteUsed(sig, id string) error {
	return database.MarkInviteUsed(sig, id)
}

// Options configures a Broker.
type Options struct {
	Store    Store
	Profiles *profile.Registry
	Secret   string

	SingleUseInvites bool
	IdleTimeout      time.Duration
	TerminateGrace   time.Duration

	// RecordingEnabled marks sessions whose terminal activity an external
	// recorder captures; it only annotates the audit trail here.
	RecordingEnabled bool

	Auditor *audit.Auditor
	Metrics *metrics.Collector

	// ProvisionerFor resolves a backend kind to its implementation.
	// Defaults to the provisioner registry.
	ProvisionerFor func(backend string) provisioner.Provisioner
}

type Broker struct {
	store     Store
	profiles  *profile.Registry
	secret    string
	singleUse bool
	grace     time.Duration

	sched     *scheduler.Scheduler
	auditor   *audit.Auditor
	metrics   *metrics.Collector
	provFor   func(string) provisioner.Provisioner
	recording bool

	locks sync.Map // sessionID → *sync.Mutex
}

func New(opts Options) *Broker {
	if opts.ProvisionerFor == nil {
		opts.ProvisionerFor = provisioner.Get
	}
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = 30 * time.Second
	}
	b := &Broker{
		store:     opts.Store,
		profiles:  opts.Profiles,
		secret:    opts.Secret,
		singleUse: opts.SingleUseInvites,
		grace:     opts.TerminateGrace,
		auditor:   opts.Auditor,
		metrics:   opts.Metrics,
		provFor:   opts.ProvisionerFor,
		recording: opts.RecordingEnabled,
	}
	b.sched = scheduler.New(b.onExpire, opts.IdleTimeout)
	return b
}

// Scheduler exposes the TTL scheduler for activity touch-ups from the
// transport layer.
func (b *Broker) Scheduler() *scheduler.Scheduler { return b.sched }

// Stop cancels all scheduled expiries. Sessions stay in the store and are
// picked up by Reconcile on the next start.
func (b *Broker) Stop() { b.sched.Stop() }

func (b *Broker) lock(sessionID string) func() {
	m, _ := b.locks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// forget drops the per-session mutex entry once the session is terminal.
// Safe because the terminal state is committed before the entry goes away:
// any later caller that recreates the entry re-reads the row and no-ops.
func (b *Broker) forget(sessionID string) {
	b.locks.Delete(sessionID)
}

// RequestParams is the session-request contract consumed from the gateway.
type RequestParams struct {
	Token     string
	PublicKey string
	// Profile is informational; the token's profile claim is authoritative.
	// When set, a mismatch is rejected so a mixed-up invite is caught early.
	Profile string
	TTL     int
}

// ConnectionInfo is returned to the guest on success.
type ConnectionInfo struct {
	SessionID string `json:"session_id"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	User      string `json:"user"`
}

// Request validates the invite, provisions a runtime and arms the TTL
// trigger. The token's profile is authoritative; the requested TTL (when
// given) is clamped to the profile bounds.
func (b *Broker) Request(ctx context.Context, p RequestParams) (*ConnectionInfo, error) {
	tok, err := token.Verify(b.secret, p.Token)
	if err != nil {
		b.auditor.Record("", audit.EventTokenRejected, "gateway", logutil.TokenPrefix(p.Token))
		b.metrics.RecordError("token_rejected")
		return nil, err
	}

	if p.Profile != "" && p.Profile != tok.Profile {
		return nil, fmt.Errorf("%w: invite is for %q", ErrProfileMismatch, tok.Profile)
	}

	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(p.PublicKey)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	ttl := p.TTL
	if ttl <= 0 {
		ttl = tok.TTL
	}
	prof, ttl, err := b.profiles.Resolve(tok.Profile, ttl)
	if err != nil {
		b.auditor.Record("", audit.EventTokenRejected, "gateway", "profile "+logutil.SanitizeForLog(tok.Profile))
		return nil, fmt.Errorf("%w: %q", ErrUnknownProfile, tok.Profile)
	}

	prov := b.provFor(prof.Backend)
	if prov == nil {
		return nil, fmt.Errorf("%w: no %s backend registered", provisioner.ErrBackendUnavailable, prof.Backend)
	}

	sessionID := uuid.New().String()

	if b.singleUse {
		if err := b.store.MarkInviteUsed(tok.Signature, sessionID); err != nil {
			b.auditor.Record(sessionID, audit.EventTokenRejected, "gateway", "replayed invite")
			return nil, err
		}
	}

	encKey, err := crypto.Encrypt(p.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt public key: %w", err)
	}
	actions, _ := json.Marshal(prof.AllowedActions)

	unlock := b.lock(sessionID)
	defer unlock()

	// Persist before provisioning so a crash mid-create is detectable as an
	// orphan.
	sess := &database.Session{
		SessionID:      sessionID,
		Profile:        prof.Name,
		Backend:        prof.Backend,
		Status:         database.StatusProvisioning,
		TTLSeconds:     ttl,
		InvitedBy:      tok.RecipientHash,
		PublicKey:      encKey,
		AllowedActions: string(actions),
	}
	if err := b.store.Put(sess); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	b.auditor.Record(sessionID, audit.EventSessionRequested, "gateway",
		fmt.Sprintf("profile=%s ttl=%d", prof.Name, ttl))

	started := time.Now()
	handle, err := prov.Create(ctx, sessionID, p.PublicKey, prof)
	if err != nil {
		// Compensating action: a backend may hand back a partial handle
		// alongside its error.
		if handle != nil {
			if derr := prov.Destroy(context.WithoutCancel(ctx), handle.ID); derr != nil {
				log.Printf("compensating destroy %s: %v", sessionID, derr)
			}
		}
		now := time.Now()
		if serr := b.store.UpdateState(sessionID, database.StatusFailed, map[string]interface{}{
			"ended_at": &now,
		}); serr != nil {
			log.Printf("mark session %s failed: %v", sessionID, serr)
		}
		b.auditor.Record(sessionID, audit.EventSessionFailed, "broker", err.Error())
		b.metrics.RecordError("provision_failed")
		b.forget(sessionID)
		return nil, err
	}
	b.metrics.RecordProvisionTime(time.Since(started))
	b.auditor.Record(sessionID, audit.EventSessionProvisioned, "broker",
		fmt.Sprintf("handle=%s took=%s", handle.ID, time.Since(started).Round(time.Millisecond)))

	now := time.Now()
	err = b.store.UpdateState(sessionID, database.StatusActive, map[string]interface{}{
		"handle":     handle.ID,
		"ssh_host":   handle.Host,
		"ssh_port":   handle.Port,
		"ssh_user":   handle.User,
		"started_at": &now,
	})
	if err != nil {
		// The store is the source of truth; without the row update the
		// session does not exist, so release the runtime.
		if derr := prov.Destroy(context.WithoutCancel(ctx), handle.ID); derr != nil {
			log.Printf("destroy after store failure %s: %v", sessionID, derr)
		}
		return nil, fmt.Errorf("persist active session: %w", err)
	}

	b.sched.Arm(sessionID, now.Add(time.Duration(ttl)*time.Second))
	b.sched.Touch(sessionID)

	details := fmt.Sprintf("endpoint=%s:%d backend=%s", handle.Host, handle.Port, prof.Backend)
	if b.recording {
		details += " recording=on"
	}
	b.auditor.Record(sessionID, audit.EventSessionActive, "broker", details)
	b.metrics.SessionCreated(prof.Name)

	return &ConnectionInfo{
		SessionID: sessionID,
		Host:      handle.Host,
		Port:      handle.Port,
		User:      handle.User,
	}, nil
}

// Terminate drives a session to its terminal state. It serializes with
// other transitions for the same session; a caller arriving after the
// session is already terminal observes that and no-ops. Destroy failures
// are not surfaced: the session is parked in terminating and the
// reconciliation pass re-attempts.
func (b *Broker) Terminate(ctx context.Context, sessionID, reason string) error {
	unlock := b.lock(sessionID)
	defer unlock()
	return b.terminateLocked(ctx, sessionID, reason)
}

func (b *Broker) terminateLocked(ctx context.Context, sessionID, reason string) error {
	sess, err := b.store.Get(sessionID)
	if err != nil {
		return err
	}

	switch sess.Status {
	case database.StatusDestroyed, database.StatusFailed:
		b.forget(sessionID)
		return nil
	case database.StatusProvisioning:
		// Only reachable when no Create is in flight (the lock excludes
		// that), i.e. a crash orphaned the row before a handle was
		// recorded. The crash may have happened after the backend created
		// the runtime; handles derive from the session ID, so destroy the
		// derived handle best-effort before writing the row off.
		if sess.Handle == "" {
			if prov := b.provFor(sess.Backend); prov != nil {
				if derr := prov.Destroy(ctx, prov.HandleFor(sessionID)); derr != nil {
					log.Printf("compensating destroy %s: %v", sessionID, derr)
				}
			}
			now := time.Now()
			if err := b.store.UpdateState(sessionID, database.StatusFailed, map[string]interface{}{
				"ended_at": &now,
			}); err != nil {
				return err
			}
			b.auditor.Record(sessionID, audit.EventSessionFailed, reason, "orphaned during provisioning")
			b.forget(sessionID)
			return nil
		}
	}

	b.sched.Cancel(sessionID)

	if sess.Status != database.StatusTerminating {
		if err := b.store.UpdateState(sessionID, database.StatusTerminating, nil); err != nil {
			return err
		}
		b.auditor.Record(sessionID, audit.EventSessionTerminating, reason, "")
	}

	prov := b.provFor(sess.Backend)
	if prov == nil {
		log.Printf("terminate %s: no %s backend; leaving for reconciliation", sessionID, sess.Backend)
		return nil
	}

	if err := prov.Destroy(ctx, sess.Handle); err != nil {
		log.Printf("destroy %s: %v; leaving for reconciliation", sessionID, err)
		b.metrics.RecordError("destroy_failed")
		return nil
	}

	now := time.Now()
	err = b.store.UpdateState(sessionID, database.StatusDestroyed, map[string]interface{}{
		"ended_at": &now,
		"handle":   "",
	})
	if err != nil {
		return fmt.Errorf("persist destroyed session: %w", err)
	}
	b.auditor.Record(sessionID, audit.EventSessionDestroyed, reason, "")
	b.metrics.SessionEnded()
	b.forget(sessionID)
	return nil
}

// onExpire is the scheduler's fire callback.
func (b *Broker) onExpire(sessionID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := b.Terminate(ctx, sessionID, reason); err != nil && !errors.Is(err, database.ErrNotFound) {
		log.Printf("expire %s (%s): %v", sessionID, reason, err)
	}
}

// Reconcile replays the store against reality: it re-arms expiries for
// still-live sessions, immediately destroys sessions whose TTL elapsed while
// the broker was down, finalizes sessions whose runtime died underneath
// them, and re-attempts destruction for sessions stuck in terminating.
// Called once at startup before traffic is accepted, then on a schedule.
func (b *Broker) Reconcile(ctx context.Context) error {
	sessions, err := b.store.ListUnfinished()
	if err != nil {
		return fmt.Errorf("list unfinished sessions: %w", err)
	}

	for i := range sessions {
		sess := sessions[i]
		switch sess.Status {
		case database.StatusProvisioning:
			// A Create may still be in flight on this broker; only rows
			// older than the grace window are treated as crash orphans.
			if time.Since(sess.CreatedAt) < b.grace {
				continue
			}
			b.reconcileOrphan(ctx, sess.SessionID)

		case database.StatusTerminating:
			if time.Since(sess.UpdatedAt) < b.grace {
				continue
			}
			b.reconcileOne(ctx, sess.SessionID, "reconcile")

		case database.StatusActive:
			if sess.StartedAt == nil {
				b.reconcileOne(ctx, sess.SessionID, "orphan")
				continue
			}
			expiry := sess.StartedAt.Add(time.Duration(sess.TTLSeconds) * time.Second)
			if !time.Now().Before(expiry) {
				b.reconcileOne(ctx, sess.SessionID, "ttl")
				continue
			}

			prov := b.provFor(sess.Backend)
			if prov != nil {
				if alive, herr := prov.HealthCheck(ctx, sess.Handle); herr == nil && !alive {
					b.reconcileOne(ctx, sess.SessionID, "runtime-dead")
					continue
				}
				if fc, ok := prov.(*provisioner.FirecrackerProvisioner); ok {
					fc.ReservePort(sess.SSHPort)
				}
			}
			if !b.sched.Armed(sess.SessionID) {
				b.sched.Arm(sess.SessionID, expiry)
			}
		}
	}

	b.auditor.Record("", audit.EventReconcile, "reconciler",
		fmt.Sprintf("checked=%d", len(sessions)))
	return nil
}

func (b *Broker) reconcileOne(ctx context.Context, sessionID, reason string) {
	if err := b.Terminate(ctx, sessionID, reason); err != nil {
		log.Printf("reconcile %s: %v", sessionID, err)
	}
}

// reconcileOrphan finalizes a session stranded in provisioning. The status
// is re-read under the session lock: a slow Create may have finished while
// this call waited, and a session that reached active keeps running.
func (b *Broker) reconcileOrphan(ctx context.Context, sessionID string) {
	unlock := b.lock(sessionID)
	defer unlock()

	sess, err := b.store.Get(sessionID)
	if err != nil {
		log.Printf("reconcile %s: %v", sessionID, err)
		return
	}
	if sess.Status != database.StatusProvisioning {
		return
	}
	if err := b.terminateLocked(ctx, sessionID, "orphan"); err != nil {
		log.Printf("reconcile %s: %v", sessionID, err)
	}
}
