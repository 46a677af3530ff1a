// Package scheduler arms exactly one expiry trigger per active session and
// guarantees that a cancelled or replaced trigger never fires afterwards.
// The registry is in-memory; durability comes from the session store, which
// the broker replays through Reconcile after a restart.
package scheduler

import (
	"sync"
	"time"
)

// Expiry reasons passed to the fire callback.
const (
	ReasonTTL  = "ttl"
	ReasonIdle = "idle"
)

// FireFunc is invoked on its own goroutine when a trigger fires.
type FireFunc func(sessionID, reason string)

type entry struct {
	timer *time.Timer
	gen   uint64
}

// Scheduler keys triggers by session ID. TTL and idle triggers are tracked
// independently; whichever fires first wins because the broker performs at
// most one terminal transition per session.
type Scheduler struct {
	mu      sync.Mutex
	ttl     map[string]*entry
	idle    map[string]*entry
	idleGap time.Duration
	nextGen uint64
	fire    FireFunc
	stopped bool
}

// New creates a scheduler. idleGap of zero disables idle triggers.
func New(fire FireFunc, idleGap time.Duration) *Scheduler {
	return &Scheduler{
		ttl:     make(map[string]*entry),
		idle:    make(map[string]*entry),
		idleGap: idleGap,
		fire:    fire,
	}
}

// Arm registers the TTL trigger for a session, replacing any existing one.
// The replaced trigger is guaranteed not to fire after Arm returns.
func (s *Scheduler) Arm(sessionID string, fireAt time.Time) {
	s.armInto(s.ttl, sessionID, time.Until(fireAt), ReasonTTL)
}

// Touch (re)arms the idle trigger for a session. A no-op when idle timeouts
// are disabled.
func (s *Scheduler) Touch(sessionID string) {
	if s.idleGap <= 0 {
		return
	}
	s.armInto(s.idle, sessionID, s.idleGap, ReasonIdle)
}

func (s *Scheduler) armInto(reg map[string]*entry, sessionID string, d time.Duration, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	if old, ok := reg[sessionID]; ok {
		old.timer.Stop()
		delete(reg, sessionID)
	}

	s.nextGen++
	gen := s.nextGen
	if d < 0 {
		d = 0
	}

	e := &entry{gen: gen}
	e.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		cur, ok := reg[sessionID]
		if !ok || cur.gen != gen {
			// Cancelled or replaced between firing and acquiring the lock.
			s.mu.Unlock()
			return
		}
		delete(reg, sessionID)
		s.mu.Unlock()
		s.fire(sessionID, reason)
	})
	reg[sessionID] = e
}

// Cancel removes all triggers for a session. Best-effort: a trigger that has
// already begun firing proceeds, and the broker's single-transition guarantee
// plus idempotent destroy make the duplicate harmless.
func (s *Scheduler) Cancel(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, reg := range []map[string]*entry{s.ttl, s.idle} {
		if e, ok := reg[sessionID]; ok {
			e.timer.Stop()
			delete(reg, sessionID)
		}
	}
}

// Armed reports whether a TTL trigger is registered for the session.
func (s *Scheduler) Armed(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ttl[sessionID]
	return ok
}

// Stop cancels every outstanding trigger and rejects further arming.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for _, reg := range []map[string]*entry{s.ttl, s.idle} {
		for id, e := range reg {
			e.timer.Stop()
			delete(reg, id)
		}
	}
}
