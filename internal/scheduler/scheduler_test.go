package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	fires []string
	ch    chan string
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan string, 16)}
}

func (r *recorder) fire(sessionID, reason string) {
	r.mu.Lock()
	r.fires = append(r.fires, sessionID+"/"+reason)
	r.mu.Unlock()
	r.ch <- sessionID
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fires)
}

func TestArmFires(t *testing.T) {
	rec := newRecorder()
	s := New(rec.fire, 0)
	defer s.Stop()

	s.Arm("sess-1", time.Now().Add(20*time.Millisecond))

	select {
	case id := <-rec.ch:
		if id != "sess-1" {
			t.Errorf("fired for %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("trigger never fired")
	}

	if s.Armed("sess-1") {
		t.Error("entry still registered after firing")
	}
}

func TestCancelPreventsFire(t *testing.T) {
	rec := newRecorder()
	s := New(rec.fire, 0)
	defer s.Stop()

	s.Arm("sess-1", time.Now().Add(30*time.Millisecond))
	s.Cancel("sess-1")

	time.Sleep(100 * time.Millisecond)
	if n := rec.count(); n != 0 {
		t.Errorf("fired %d times after cancel", n)
	}
}

func TestArmReplaces(t *testing.T) {
	rec := newRecorder()
	s := New(rec.fire, 0)
	defer s.Stop()

	// The first trigger would fire in 20ms; replacing it must push the fire
	// out and never produce two fires.
	s.Arm("sess-1", time.Now().Add(20*time.Millisecond))
	s.Arm("sess-1", time.Now().Add(80*time.Millisecond))

	select {
	case <-rec.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("replacement trigger never fired")
	}
	time.Sleep(50 * time.Millisecond)
	if n := rec.count(); n != 1 {
		t.Errorf("fired %d times, want 1", n)
	}
}

func TestPastDeadlineFiresImmediately(t *testing.T) {
	rec := newRecorder()
	s := New(rec.fire, 0)
	defer s.Stop()

	s.Arm("sess-1", time.Now().Add(-time.Minute))

	select {
	case <-rec.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("past-deadline trigger never fired")
	}
}

func TestConcurrentArmCancel(t *testing.T) {
	var fired int64
	s := New(func(string, string) { atomic.AddInt64(&fired, 1) }, 0)
	defer s.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Arm("sess", time.Now().Add(time.Millisecond))
		}()
		go func() {
			defer wg.Done()
			s.Cancel("sess")
		}()
	}
	wg.Wait()
	s.Cancel("sess")
	time.Sleep(50 * time.Millisecond)

	// At most one live trigger existed at any point; racing cancels may let
	// some fires through but never more than the number of arms.
	if n := atomic.LoadInt64(&fired); n > 50 {
		t.Errorf("fired %d times", n)
	}
	if s.Armed("sess") {
		t.Error("entry survived final cancel")
	}
}

func TestIdleTrigger(t *testing.T) {
	rec := newRecorder()
	s := New(rec.fire, 30*time.Millisecond)
	defer s.Stop()

	s.Touch("sess-1")

	select {
	case <-rec.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("idle trigger never fired")
	}

	rec.mu.Lock()
	last := rec.fires[len(rec.fires)-1]
	rec.mu.Unlock()
	if last != "sess-1/idle" {
		t.Errorf("fire = %q, want sess-1/idle", last)
	}
}

func TestTouchDisabledWhenNoIdleGap(t *testing.T) {
	rec := newRecorder()
	s := New(rec.fire, 0)
	defer s.Stop()

	s.Touch("sess-1")
	time.Sleep(50 * time.Millisecond)
	if n := rec.count(); n != 0 {
		t.Errorf("idle fired %d times with idle disabled", n)
	}
}

func TestStopCancelsEverything(t *testing.T) {
	rec := newRecorder()
	s := New(rec.fire, time.Hour)

	s.Arm("a", time.Now().Add(10*time.Millisecond))
	s.Arm("b", time.Now().Add(10*time.Millisecond))
	s.Stop()

	time.Sleep(50 * time.Millisecond)
	if n := rec.count(); n != 0 {
		t.Errorf("fired %d times after Stop", n)
	}

	// Arming after Stop is ignored.
	s.Arm("c", time.Now())
	time.Sleep(20 * time.Millisecond)
	if n := rec.count(); n != 0 {
		t.Errorf("fired %d times after Stop+Arm", n)
	}
}
