package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8080"`
	DataPath     string `envconfig:"DATA_PATH" default:"/var/lib/sshbox"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/var/lib/sshbox/sessions.db"`

	// Shared secret used to sign and verify invite tokens.
	GatewaySecret string `envconfig:"GATEWAY_SECRET" required:"true"`

	// Provisioner backend: "docker" or "firecracker".
	Provisioner string `envconfig:"PROVISIONER" default:"docker"`

	// Optional YAML file overriding the built-in box profiles.
	ProfilesPath string `envconfig:"PROFILES_PATH" default:""`

	// Docker backend
	DockerHost   string `envconfig:"DOCKER_HOST" default:""`
	DefaultImage string `envconfig:"DEFAULT_IMAGE" default:"sshbox/box:latest"`

	// Firecracker backend
	FirecrackerBin string `envconfig:"FIRECRACKER_BIN" default:"firecracker"`
	KernelPath     string `envconfig:"KERNEL_PATH" default:"/var/lib/sshbox/vmlinux"`
	RootfsPath     string `envconfig:"ROOTFS_PATH" default:"/var/lib/sshbox/rootfs.ext4"`

	// Host advertised in connection info and the port range handed to
	// microVM sessions.
	AdvertiseHost string `envconfig:"ADVERTISE_HOST" default:"127.0.0.1"`
	PortRangeLow  int    `envconfig:"PORT_RANGE_LOW" default:"20000"`
	PortRangeHigh int    `envconfig:"PORT_RANGE_HIGH" default:"20999"`

	// Lifecycle tuning
	IdleTimeout       string `envconfig:"IDLE_TIMEOUT" default:""`
	TerminateGrace    string `envconfig:"TERMINATE_GRACE" default:"30s"`
	ReconcileSchedule string `envconfig:"RECONCILE_SCHEDULE" default:"@every 1m"`

	// Invite tokens are stateless signed claims by default. When enabled,
	// each token may redeem at most one session.
	SingleUseInvites bool `envconfig:"SINGLE_USE_INVITES" default:"false"`

	// Session recording metadata
	RecordingEnabled   bool `envconfig:"RECORDING_ENABLED" default:"false"`
	AuditRetentionDays int  `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SSHBOX", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
