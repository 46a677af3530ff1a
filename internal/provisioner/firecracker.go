package provisioner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sshbox/sshbox/internal/config"
	"github.com/sshbox/sshbox/internal/profile"
)

// Per-session scratch layout under <DataPath>/vm/<sessionID>/:
//
//	rootfs.ext4      session copy of the golden image
//	mnt/             loop-mount point, only during key injection
//	firecracker.sock hypervisor API socket
//	firecracker.pid  hypervisor process ID
//	port             allocated host port
const (
	vmDirName       = "vm"
	rootfsName      = "rootfs.ext4"
	mountDirName    = "mnt"
	socketName      = "firecracker.sock"
	pidFileName     = "firecracker.pid"
	portFileName    = "port"
	shutdownGrace   = 10 * time.Second
	shutdownPollGap = 250 * time.Millisecond
)

type FirecrackerProvisioner struct {
	ports *portAllocator
}

func NewFirecrackerProvisioner() *FirecrackerProvisioner {
	return &FirecrackerProvisioner{
		ports: newPortAllocator(config.Cfg.PortRangeLow, config.Cfg.PortRangeHigh),
	}
}

func (f *FirecrackerProvisioner) Initialize(_ context.Context) error {
	if _, err := exec.LookPath(config.Cfg.FirecrackerBin); err != nil {
		return fmt.Errorf("firecracker binary: %w", err)
	}
	if _, err := os.Stat(config.Cfg.KernelPath); err != nil {
		return fmt.Errorf("kernel image: %w", err)
	}
	if _, err := os.Stat(config.Cfg.RootfsPath); err != nil {
		return fmt.Errorf("golden rootfs: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(config.Cfg.DataPath, vmDirName), 0755); err != nil {
		return fmt.Errorf("vm scratch root: %w", err)
	}
	return nil
}

func (f *FirecrackerProvisioner) BackendName() string {
	return "firecracker"
}

func (f *FirecrackerProvisioner) scratchDir(sessionID string) string {
	return filepath.Join(config.Cfg.DataPath, vmDirName, sessionID)
}

func (f *FirecrackerProvisioner) HandleFor(sessionID string) string {
	return f.scratchDir(sessionID)
}

// ReservePort marks a port in use; called during reconciliation for microVM
// sessions that survived a broker restart.
func (f *FirecrackerProvisioner) ReservePort(port int) {
	f.ports.Reserve(port)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// withMount loop-mounts image at mountPoint, runs fn, and always unmounts —
// also when fn fails. Stale loop mounts accumulating across sessions is the
// failure mode this guards against.
func withMount(image, mountPoint string, fn func(root string) error) error {
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return fmt.Errorf("mount point: %w", err)
	}
	if out, err := exec.Command("mount", "-o", "loop", image, mountPoint).CombinedOutput(); err != nil {
		return fmt.Errorf("mount %s: %v: %s", image, err, strings.TrimSpace(string(out)))
	}
	defer func() {
		if out, err := exec.Command("umount", mountPoint).CombinedOutput(); err != nil {
			log.Printf("umount %s: %v: %s", mountPoint, err, strings.TrimSpace(string(out)))
		}
	}()
	return fn(mountPoint)
}

func injectAuthorizedKey(root, publicKey string) error {
	sshDir := filepath.Join(root, "root", ".ssh")
	if err := os.MkdirAll(sshDir, 0700); err != nil {
		return fmt.Errorf("ssh dir: %w", err)
	}
	path := filepath.Join(sshDir, "authorized_keys")
	if err := os.WriteFile(path, []byte(publicKey+"\n"), 0600); err != nil {
		return fmt.Errorf("authorized_keys: %w", err)
	}
	return nil
}

type machineConfig struct {
	BootSource struct {
		KernelImagePath string `json:"kernel_image_path"`
		BootArgs        string `json:"boot_args"`
	} `json:"boot-source"`
	Drives []struct {
		DriveID      string `json:"drive_id"`
		PathOnHost   string `json:"path_on_host"`
		IsRootDevice bool   `json:"is_root_device"`
		IsReadOnly   bool   `json:"is_read_only"`
	} `json:"drives"`
	MachineConfig struct {
		VCPUCount  int `json:"vcpu_count"`
		MemSizeMiB int `json:"mem_size_mib"`
	} `json:"machine-config"`
}

func writeMachineConfig(dir string, prof profile.Profile) (string, error) {
	var cfg machineConfig
	cfg.BootSource.KernelImagePath = config.Cfg.KernelPath
	cfg.BootSource.BootArgs = "console=ttyS0 reboot=k panic=1 pci=off"
	cfg.Drives = append(cfg.Drives, struct {
		DriveID      string `json:"drive_id"`
		PathOnHost   string `json:"path_on_host"`
		IsRootDevice bool   `json:"is_root_device"`
		IsReadOnly   bool   `json:"is_read_only"`
	}{
		DriveID:      "rootfs",
		PathOnHost:   filepath.Join(dir, rootfsName),
		IsRootDevice: true,
	})
	cfg.MachineConfig.VCPUCount = prof.VCPUs
	cfg.MachineConfig.MemSizeMiB = prof.MemMiB

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", err
	}
	return path, nil
}

func (f *FirecrackerProvisioner) Create(ctx context.Context, sessionID, publicKey string, prof profile.Profile) (*Handle, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	dir := f.scratchDir(sessionID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("%w: scratch dir: %v", ErrBackendUnavailable, err)
	}

	cleanupOnErr := func() {
		if err := f.Destroy(context.WithoutCancel(ctx), dir); err != nil {
			log.Printf("cleanup after failed create %s: %v", sessionID, err)
		}
	}

	// The golden image is never mutated; each session boots its own copy.
	sessionRootfs := filepath.Join(dir, rootfsName)
	if err := copyFile(config.Cfg.RootfsPath, sessionRootfs); err != nil {
		cleanupOnErr()
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: golden rootfs: %v", ErrImageMissing, err)
		}
		return nil, fmt.Errorf("%w: copy rootfs: %v", ErrResourceExhausted, err)
	}

	err := withMount(sessionRootfs, filepath.Join(dir, mountDirName), func(root string) error {
		return injectAuthorizedKey(root, publicKey)
	})
	if err != nil {
		cleanupOnErr()
		return nil, fmt.Errorf("%w: key injection: %v", ErrBackendUnavailable, err)
	}

	cfgPath, err := writeMachineConfig(dir, prof)
	if err != nil {
		cleanupOnErr()
		return nil, fmt.Errorf("%w: machine config: %v", ErrBackendUnavailable, err)
	}

	port, err := f.ports.Acquire()
	if err != nil {
		cleanupOnErr()
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, portFileName), []byte(strconv.Itoa(port)), 0600); err != nil {
		f.ports.Release(port)
		cleanupOnErr()
		return nil, fmt.Errorf("%w: port file: %v", ErrBackendUnavailable, err)
	}

	sock := filepath.Join(dir, socketName)
	cmd := exec.Command(config.Cfg.FirecrackerBin, "--api-sock", sock, "--config-file", cfgPath)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		f.ports.Release(port)
		cleanupOnErr()
		return nil, fmt.Errorf("%w: start hypervisor: %v", ErrBackendUnavailable, err)
	}
	if err := os.WriteFile(filepath.Join(dir, pidFileName), []byte(strconv.Itoa(cmd.Process.Pid)), 0600); err != nil {
		cmd.Process.Kill()
		f.ports.Release(port)
		cleanupOnErr()
		return nil, fmt.Errorf("%w: pid file: %v", ErrBackendUnavailable, err)
	}
	// Reparent to init; the broker owns the lifecycle, not this process tree.
	go cmd.Wait()

	return &Handle{
		ID:   dir,
		Host: config.Cfg.AdvertiseHost,
		Port: port,
		User: "root",
	}, nil
}

func readPid(dir string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(dir, pidFileName))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// apiClient returns an HTTP client speaking to the hypervisor's unix socket.
func apiClient(sock string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", sock)
			},
		},
		Timeout: 3 * time.Second,
	}
}

func sendCtrlAltDel(ctx context.Context, sock string) error {
	body := strings.NewReader(`{"action_type": "SendCtrlAltDel"}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, "http://localhost/actions", body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := apiClient(sock).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("actions returned %d", resp.StatusCode)
	}
	return nil
}

// Destroy tears the microVM down: graceful shutdown, bounded grace, force
// kill, unmount any leftover mount, then remove the scratch directory.
// Every step tolerates prior completion so duplicate destroys return nil.
func (f *FirecrackerProvisioner) Destroy(ctx context.Context, handleID string) error {
	if _, err := os.Stat(handleID); os.IsNotExist(err) {
		return nil
	}

	if pid, ok := readPid(handleID); ok && processAlive(pid) {
		sock := filepath.Join(handleID, socketName)
		if err := sendCtrlAltDel(ctx, sock); err != nil {
			log.Printf("graceful shutdown %s: %v", handleID, err)
		}

		deadline := time.Now().Add(shutdownGrace)
		for processAlive(pid) && time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(shutdownPollGap):
			}
		}
		if processAlive(pid) {
			if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
				return fmt.Errorf("kill hypervisor pid %d: %w", pid, err)
			}
		}
	}

	// A crash between mount and unmount during Create can leave the scratch
	// rootfs mounted; unmount before deleting.
	mnt := filepath.Join(handleID, mountDirName)
	if _, err := os.Stat(mnt); err == nil {
		exec.Command("umount", mnt).Run()
	}

	if data, err := os.ReadFile(filepath.Join(handleID, portFileName)); err == nil {
		if port, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			f.ports.Release(port)
		}
	}

	if err := os.RemoveAll(handleID); err != nil {
		return fmt.Errorf("remove scratch dir: %w", err)
	}
	return nil
}

func (f *FirecrackerProvisioner) HealthCheck(_ context.Context, handleID string) (bool, error) {
	pid, ok := readPid(handleID)
	if !ok {
		return false, nil
	}
	return processAlive(pid), nil
}
