package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration, loaded from YAML with flag
// overrides applied by the CLI.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Data    DataConfig    `yaml:"data"`
	Pool    PoolConfig    `yaml:"pool"`
	Limits  LimitsConfig  `yaml:"limits"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Network NetworkConfig `yaml:"network"`
	Token   TokenConfig   `yaml:"token"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// SubmitRatePerSec bounds job submissions ahead of queue admission.
	// Zero disables the limiter.
	SubmitRatePerSec float64 `yaml:"submit_rate_per_sec"`
	SubmitBurst      int     `yaml:"submit_burst"`
}

// DataConfig configures the persisted layout root
type DataConfig struct {
	// Root holds submissions/, logs/, jobs/ and the bbolt index
	Root string `yaml:"root"`

	// ArchiveRoot, when set, is the only prefix submitted archive paths may
	// resolve under. Empty disables the check.
	ArchiveRoot string `yaml:"archive_root"`

	// JobTTL bounds how long terminal jobs stay in memory
	JobTTL time.Duration `yaml:"job_ttl"`
}

// PoolConfig configures the worker pool
type PoolConfig struct {
	Workers   int    `yaml:"workers"`
	QueueSize int    `yaml:"queue_size"`
	TAPPrefix string `yaml:"tap_prefix"`
}

// LimitsConfig bounds archive ingestion and job timeouts
type LimitsConfig struct {
	MaxArchiveBytes int64 `yaml:"max_archive_bytes"`
	MaxEntryBytes   int64 `yaml:"max_entry_bytes"`
	MaxEntries      int   `yaml:"max_entries"`
	MaxPathDepth    int   `yaml:"max_path_depth"`

	DefaultTimeoutS int `yaml:"default_timeout_s"`
	MaxTimeoutS     int `yaml:"max_timeout_s"`

	// LogTailBytes clamps the tail served by the log endpoints
	LogTailBytes int `yaml:"log_tail_bytes"`
}

// SandboxConfig configures the microVM runner
type SandboxConfig struct {
	ChrootRoot     string `yaml:"chroot_root"`
	KernelImage    string `yaml:"kernel_image"`
	RootfsImage    string `yaml:"rootfs_image"`
	JailerBin      string `yaml:"jailer_bin"`
	FirecrackerBin string `yaml:"firecracker_bin"`
	ValidatorDir   string `yaml:"validator_dir"`

	// UID and GID the jailer drops to inside the chroot
	UID int `yaml:"uid"`
	GID int `yaml:"gid"`

	// VCPUs and MemSizeMib size each microVM
	VCPUs      int `yaml:"vcpus"`
	MemSizeMib int `yaml:"mem_size_mib"`

	// KillGrace is how long a VM gets between graceful shutdown and hard kill
	KillGrace time.Duration `yaml:"kill_grace"`
}

// NetworkConfig names the host preconditions the engine verifies at startup
type NetworkConfig struct {
	Bridge    string `yaml:"bridge"`
	GatewayIP string `yaml:"gateway_ip"`
	DNSPort   int    `yaml:"dns_port"`
	ProxyPort int    `yaml:"proxy_port"`
}

// TokenConfig configures the credential manager
type TokenConfig struct {
	// KeyFile is the service-account key (JSON with client_email, private_key,
	// token_uri); watched for rotation
	KeyFile string `yaml:"key_file"`

	Scopes []string `yaml:"scopes"`

	// Lifetime requested for minted tokens
	Lifetime time.Duration `yaml:"lifetime"`

	// RefreshFraction: refresh when less than this fraction of the lifetime
	// remains
	RefreshFraction float64 `yaml:"refresh_fraction"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "127.0.0.1",
			Port:             8844,
			SubmitRatePerSec: 10,
			SubmitBurst:      20,
		},
		Data: DataConfig{
			Root:   "/var/lib/acore",
			JobTTL: 2 * time.Hour,
		},
		Pool: PoolConfig{
			Workers:   2,
			QueueSize: 8,
			TAPPrefix: "actap",
		},
		Limits: LimitsConfig{
			MaxArchiveBytes: 64 << 20,
			MaxEntryBytes:   16 << 20,
			MaxEntries:      512,
			MaxPathDepth:    16,
			DefaultTimeoutS: 120,
			MaxTimeoutS:     600,
			LogTailBytes:    256 << 10,
		},
		Sandbox: SandboxConfig{
			ChrootRoot:     "/srv/acore/jail",
			KernelImage:    "/srv/acore/vmlinux",
			RootfsImage:    "/srv/acore/rootfs.ext4",
			JailerBin:      "/usr/local/bin/jailer",
			FirecrackerBin: "/usr/local/bin/firecracker",
			ValidatorDir:   "/srv/acore/validator",
			UID:            61000,
			GID:            61000,
			VCPUs:          2,
			MemSizeMib:     1024,
			KillGrace:      5 * time.Second,
		},
		Network: NetworkConfig{
			Bridge:    "acbr0",
			GatewayIP: "172.30.0.1",
			DNSPort:   53,
			ProxyPort: 3128,
		},
		Token: TokenConfig{
			Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform.read-only"},
			Lifetime:        time.Hour,
			RefreshFraction: 0.25,
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that YAML decoding cannot express
func (c *Config) Validate() error {
	if c.Pool.Workers <= 0 {
		return fmt.Errorf("pool.workers must be positive, got %d", c.Pool.Workers)
	}
	if c.Pool.QueueSize < 0 {
		return fmt.Errorf("pool.queue_size must be non-negative, got %d", c.Pool.QueueSize)
	}
	if c.Limits.DefaultTimeoutS <= 0 || c.Limits.DefaultTimeoutS > c.Limits.MaxTimeoutS {
		return fmt.Errorf("limits.default_timeout_s must be in (0, %d]", c.Limits.MaxTimeoutS)
	}
	if c.Token.RefreshFraction <= 0 || c.Token.RefreshFraction >= 1 {
		return fmt.Errorf("token.refresh_fraction must be in (0, 1), got %v", c.Token.RefreshFraction)
	}
	if c.Data.ArchiveRoot != "" && !filepath.IsAbs(c.Data.ArchiveRoot) {
		return fmt.Errorf("data.archive_root must be absolute, got %s", c.Data.ArchiveRoot)
	}
	return nil
}

// SubmissionsDir returns the directory submissions are filed under
func (c *Config) SubmissionsDir() string { return filepath.Join(c.Data.Root, "submissions") }

// LogsDir returns the directory job logs are written under
func (c *Config) LogsDir() string { return filepath.Join(c.Data.Root, "logs") }

// JobsDir returns the directory terminal job records are persisted under
func (c *Config) JobsDir() string { return filepath.Join(c.Data.Root, "jobs") }

// IndexPath returns the bbolt index location
func (c *Config) IndexPath() string { return filepath.Join(c.Data.Root, "acore.db") }
