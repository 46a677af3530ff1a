package provisioner

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/sshbox/sshbox/internal/config"
	"github.com/sshbox/sshbox/internal/profile"
)

const (
	labelManagedBy = "sshbox"
	networkName    = "sshbox"
	sshPort        = "22/tcp"
	boxUser        = "box"
)

type DockerProvisioner struct {
	client *dockerclient.Client
}

func (d *DockerProvisioner) Initialize(ctx context.Context) error {
	var opts []dockerclient.Opt
	opts = append(opts, dockerclient.FromEnv)
	opts = append(opts, dockerclient.WithAPIVersionNegotiation())
	if config.Cfg.DockerHost != "" {
		opts = append(opts, dockerclient.WithHost(config.Cfg.DockerHost))
	}

	var err error
	d.client, err = dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}

	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}

	if err := d.ensureNetwork(ctx); err != nil {
		return fmt.Errorf("docker network: %w", err)
	}

	log.Println("Docker daemon connected")
	return nil
}

func (d *DockerProvisioner) ensureNetwork(ctx context.Context) error {
	_, err := d.client.NetworkInspect(ctx, networkName, network.InspectOptions{})
	if err == nil {
		return nil
	}
	_, err = d.client.NetworkCreate(ctx, networkName, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{"managed-by": labelManagedBy},
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", networkName, err)
	}
	log.Printf("Created Docker network: %s", networkName)
	return nil
}

func (d *DockerProvisioner) BackendName() string {
	return "docker"
}

func (d *DockerProvisioner) HandleFor(sessionID string) string {
	return containerName(sessionID)
}

func containerName(sessionID string) string {
	return "box_" + sessionID
}

func parseCPUToNanoCPUs(cpuStr string) int64 {
	if strings.HasSuffix(cpuStr, "m") {
		val := cpuStr[:len(cpuStr)-1]
		var n int64
		fmt.Sscanf(val, "%d", &n)
		return n * 1_000_000
	}
	var f float64
	fmt.Sscanf(cpuStr, "%f", &f)
	return int64(f * 1_000_000_000)
}

func (d *DockerProvisioner) ensureImage(ctx context.Context, img string) error {
	_, _, err := d.client.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil
	}

	log.Printf("Image %s not found locally, pulling...", img)
	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: pull %s: %v", ErrImageMissing, img, err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)
	return nil
}

// authorizedKeysTar builds a tar stream installing the guest's public key at
// the box user's authorized_keys path.
func authorizedKeysTar(publicKey string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	dirs := []string{"home", "home/" + boxUser, "home/" + boxUser + "/.ssh"}
	for _, dir := range dirs {
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeDir,
			Name:     dir + "/",
			Mode:     0700,
			Uname:    boxUser,
			Gname:    boxUser,
		}); err != nil {
			return nil, err
		}
	}

	content := []byte(publicKey + "\n")
	if err := tw.WriteHeader(&tar.Header{
		Name:    "home/" + boxUser + "/.ssh/authorized_keys",
		Mode:    0600,
		Size:    int64(len(content)),
		Uname:   boxUser,
		Gname:   boxUser,
		ModTime: time.Now(),
	}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(content); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

func (d *DockerProvisioner) Create(ctx context.Context, sessionID, publicKey string, prof profile.Profile) (*Handle, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	if err := d.ensureImage(ctx, prof.Image); err != nil {
		return nil, err
	}

	name := containerName(sessionID)

	var nanoCPUs, memLimit int64
	if prof.CPULimit != "" {
		nanoCPUs = parseCPUToNanoCPUs(prof.CPULimit)
	}
	if prof.MemoryLimit != "" {
		var err error
		memLimit, err = units.RAMInBytes(prof.MemoryLimit)
		if err != nil {
			return nil, fmt.Errorf("%w: memory limit %q: %v", ErrInvalidInput, prof.MemoryLimit, err)
		}
	}

	containerCfg := &container.Config{
		Image:        prof.Image,
		ExposedPorts: nat.PortSet{sshPort: struct{}{}},
		Labels: map[string]string{
			"managed-by": labelManagedBy,
			"session":    sessionID,
			"profile":    prof.Name,
		},
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			sshPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}},
		},
		Resources: container.Resources{
			NanoCPUs: nanoCPUs,
			Memory:   memLimit,
		},
		ReadonlyRootfs: false,
		AutoRemove:     false,
	}

	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {},
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return nil, classifyDockerError("create container", err)
	}

	// Inject the guest key before the entry process starts so sshd sees it
	// on first boot.
	keyTar, err := authorizedKeysTar(publicKey)
	if err != nil {
		d.removeContainer(context.WithoutCancel(ctx), name)
		return nil, fmt.Errorf("build key archive: %w", err)
	}
	if err := d.client.CopyToContainer(ctx, resp.ID, "/", keyTar, container.CopyToContainerOptions{}); err != nil {
		d.removeContainer(context.WithoutCancel(ctx), name)
		return nil, classifyDockerError("inject authorized key", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.removeContainer(context.WithoutCancel(ctx), name)
		return nil, classifyDockerError("start container", err)
	}

	port, err := d.boundSSHPort(ctx, name)
	if err != nil {
		d.removeContainer(context.WithoutCancel(ctx), name)
		return nil, err
	}

	return &Handle{
		ID:   name,
		Host: config.Cfg.AdvertiseHost,
		Port: port,
		User: boxUser,
	}, nil
}

func (d *DockerProvisioner) boundSSHPort(ctx context.Context, name string) (int, error) {
	inspect, err := d.client.ContainerInspect(ctx, name)
	if err != nil {
		return 0, classifyDockerError("inspect container", err)
	}
	bindings := inspect.NetworkSettings.Ports[nat.Port(sshPort)]
	if len(bindings) == 0 {
		return 0, fmt.Errorf("%w: no host port bound for %s", ErrBackendUnavailable, name)
	}
	port, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return 0, fmt.Errorf("parse host port %q: %w", bindings[0].HostPort, err)
	}
	return port, nil
}

func (d *DockerProvisioner) removeContainer(ctx context.Context, name string) {
	err := d.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		log.Printf("Remove container %s: %v", name, err)
	}
}

// Destroy force-removes the container. A missing container is success:
// duplicate destroys must not surface errors.
func (d *DockerProvisioner) Destroy(ctx context.Context, handleID string) error {
	err := d.client.ContainerRemove(ctx, handleID, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return classifyDockerError("remove container", err)
	}
	return nil
}

func (d *DockerProvisioner) HealthCheck(ctx context.Context, handleID string) (bool, error) {
	inspect, err := d.client.ContainerInspect(ctx, handleID)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return false, nil
		}
		return false, classifyDockerError("inspect container", err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

func classifyDockerError(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no space") || strings.Contains(msg, "cannot allocate") || strings.Contains(msg, "port is already allocated"):
		return fmt.Errorf("%w: %s: %v", ErrResourceExhausted, op, err)
	case strings.Contains(msg, "no such image") || strings.Contains(msg, "not found: manifest"):
		return fmt.Errorf("%w: %s: %v", ErrImageMissing, op, err)
	case strings.Contains(msg, "invalid"):
		return fmt.Errorf("%w: %s: %v", ErrInvalidInput, op, err)
	default:
		return fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, op, err)
	}
}
