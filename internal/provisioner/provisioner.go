// Package provisioner creates and destroys isolated box runtimes. Two
// backends exist: docker (namespace/cgroup containers) and firecracker
// (hypervisor-backed microVMs). The broker only ever talks to the
// Provisioner interface.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sync"

	"github.com/sshbox/sshbox/internal/config"
	"github.com/sshbox/sshbox/internal/profile"
)

// Provisioning error taxonomy. Callers classify with errors.Is.
var (
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrResourceExhausted  = errors.New("resources exhausted")
	ErrImageMissing       = errors.New("image missing")
	ErrInvalidInput       = errors.New("invalid input")
)

// Handle references one live runtime plus its connection endpoint. The ID is
// opaque to callers: a container name for docker, a scratch directory for
// firecracker.
type Handle struct {
	ID   string
	Host string
	Port int
	User string
}

// Provisioner is the capability contract for one isolation backend.
//
// Destroy is idempotent: destroying an absent or already-destroyed handle
// returns nil, which is what makes racing destroy callers (TTL expiry vs.
// explicit disconnect) safe.
//
// HandleFor returns the handle Create assigns to a session ID without
// creating anything. Handles are derived deterministically from the session
// ID, so a crash between Create and persisting the handle can still be
// cleaned up by destroying the derived handle.
type Provisioner interface {
	Create(ctx context.Context, sessionID, publicKey string, prof profile.Profile) (*Handle, error)
	Destroy(ctx context.Context, handleID string) error
	HealthCheck(ctx context.Context, handleID string) (bool, error)
	HandleFor(sessionID string) string
	BackendName() string
}

// Session IDs become filesystem paths and container names; anything outside
// this set is rejected before it reaches a backend.
var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

func validateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("%w: unsafe session id %q", ErrInvalidInput, id)
	}
	return nil
}

var (
	registry = map[string]Provisioner{}
	mu       sync.RWMutex
)

// Init constructs the configured backends and verifies the primary one is
// reachable. Both backends are registered when both are usable so mixed
// profiles can route to either.
func Init(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()

	docker := &DockerProvisioner{}
	if err := docker.Initialize(ctx); err != nil {
		if config.Cfg.Provisioner == profile.BackendDocker {
			return fmt.Errorf("docker backend: %w", err)
		}
		log.Printf("Docker backend unavailable: %v", err)
	} else {
		registry[profile.BackendDocker] = docker
		log.Println("Provisioner: docker backend ready")
	}

	fc := NewFirecrackerProvisioner()
	if err := fc.Initialize(ctx); err != nil {
		if config.Cfg.Provisioner == profile.BackendFirecracker {
			return fmt.Errorf("firecracker backend: %w", err)
		}
		log.Printf("Firecracker backend unavailable: %v", err)
	} else {
		registry[profile.BackendFirecracker] = fc
		log.Println("Provisioner: firecracker backend ready")
	}

	if len(registry) == 0 {
		return fmt.Errorf("%w: no provisioner backend available", ErrBackendUnavailable)
	}
	return nil
}

// Get returns the backend for a profile's kind, or nil when it is not
// registered.
func Get(backend string) Provisioner {
	mu.RLock()
	defer mu.RUnlock()
	return registry[backend]
}

// SetForTest installs a backend in the registry for tests.
func SetForTest(backend string, p Provisioner) {
	mu.Lock()
	defer mu.Unlock()
	registry[backend] = p
}

// ResetForTest clears the registry.
func ResetForTest() {
	mu.Lock()
	defer mu.Unlock()
	registry = map[string]Provisioner{}
}
