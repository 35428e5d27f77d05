package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/luxapientia/alphacore/pkg/config"
	"github.com/luxapientia/alphacore/pkg/execx"
	"github.com/luxapientia/alphacore/pkg/log"
	"github.com/luxapientia/alphacore/pkg/metrics"
	"github.com/luxapientia/alphacore/pkg/redact"
	"github.com/luxapientia/alphacore/pkg/types"
)

// In-image paths for credential delivery. The token file is the only channel
// a credential ever crosses the VM boundary through.
const (
	tokenRelPath = ".acore/access_token"
	credsRelPath = ".acore/credentials.json"
	specRelPath  = ".acore/task_spec.json"
)

// Runner executes a single job inside a jailed microVM. One Runner serves
// the whole pool; all per-job state lives under the per-job chroot tree.
type Runner struct {
	cfg    config.SandboxConfig
	net    config.NetworkConfig
	red    *redact.Redactor
	logger zerolog.Logger
}

// NewRunner validates the host environment and builds a runner. It refuses to
// run as root: the jailer must be reachable through a scoped sudo rule from
// an unprivileged account.
func NewRunner(cfg config.SandboxConfig, net config.NetworkConfig, red *redact.Redactor) (*Runner, error) {
	if os.Geteuid() == 0 {
		return nil, fmt.Errorf("refusing to run as uid 0; run as the sandbox user with scoped sudo")
	}

	for _, p := range []string{cfg.KernelImage, cfg.RootfsImage, cfg.JailerBin, cfg.FirecrackerBin, cfg.ValidatorDir} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("sandbox prerequisite missing: %w", err)
		}
	}

	return &Runner{
		cfg:    cfg,
		net:    net,
		red:    red,
		logger: log.WithComponent("sandbox"),
	}, nil
}

// Run boots the microVM for a job and returns its harvested result. Teardown
// of disks, mounts and the chroot tree runs on every exit path, including
// cancellation and panic.
func (r *Runner) Run(ctx context.Context, job *types.Job, tapDevice, accessToken string) (*types.Result, error) {
	logger := r.logger.With().Str("job_id", job.ID).Logger()

	jail := r.jailDir(job.ID)
	defer r.teardown(jail, logger)

	setupTimer := metrics.NewTimer()

	logFile, err := os.OpenFile(job.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open job log: %w", err)
	}
	defer logFile.Close()
	jobLog := r.red.Writer(logFile)
	defer jobLog.Close()

	if err := r.buildChroot(ctx, job, jail); err != nil {
		fmt.Fprintf(jobLog, "[sandbox] setup failed: %v\n", r.red.Scrub(err.Error()))
		return nil, err
	}

	if err := r.buildDisks(ctx, job, jail, accessToken); err != nil {
		fmt.Fprintf(jobLog, "[sandbox] disk setup failed: %v\n", r.red.Scrub(err.Error()))
		return nil, err
	}

	if err := r.writeVMConfig(job, jail, tapDevice); err != nil {
		return nil, err
	}
	setupTimer.ObserveDuration(metrics.SandboxSetupDuration)

	timeout := time.Duration(job.TimeoutS) * time.Second
	exitErr := r.supervise(ctx, job, jail, jobLog, timeout, logger)

	result, err := r.harvest(ctx, jail)
	if err != nil {
		logger.Warn().Err(err).Msg("Result harvest failed, failing closed")
		result = types.FailResult(harvestFailureMessage(exitErr, err))
	} else if exitErr != nil && result == nil {
		result = types.FailResult(exitErr.Error())
	}
	if result == nil {
		result = types.FailResult("guest produced no result")
	}
	result.LogsRef = job.LogPath

	// A timeout or forced kill is a terminal job failure even when a partial
	// result was harvested
	if exitErr != nil {
		return result, exitErr
	}
	return result, nil
}

// jailDir returns the per-job chroot tree. The layout matches the jailer's
// <base>/<exec-name>/<id>/root convention.
func (r *Runner) jailDir(jobID string) string {
	execName := filepath.Base(r.cfg.FirecrackerBin)
	return filepath.Join(r.cfg.ChrootRoot, execName, jobID)
}

// chrootRootDir is the directory that becomes / for the jailed process
func chrootRootDir(jail string) string {
	return filepath.Join(jail, "root")
}

// buildChroot populates the per-job chroot with the pinned kernel and a
// guest-writable copy of the rootfs image.
func (r *Runner) buildChroot(ctx context.Context, job *types.Job, jail string) error {
	root := chrootRootDir(jail)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("failed to create chroot: %w", err)
	}

	// The rootfs is copied, not linked: the guest writes to its root device
	// and must never touch the shared source image.
	return execx.RunAll(ctx,
		execx.Command{
			Stage: "copy-kernel",
			Argv:  []string{"cp", "--reflink=auto", r.cfg.KernelImage, filepath.Join(root, "vmlinux")},
		},
		execx.Command{
			Stage:   "copy-rootfs",
			Argv:    []string{"cp", "--reflink=auto", r.cfg.RootfsImage, filepath.Join(root, "rootfs.ext4")},
			Timeout: 2 * time.Minute,
		},
	)
}

// writeVMConfig renders the firecracker config with drives in ordinal order
// and the boot cmdline carrying the guest feature flags.
func (r *Runner) writeVMConfig(job *types.Job, jail, tapDevice string) error {
	root := chrootRootDir(jail)

	cfg := vmConfig{
		BootSource: bootSource{
			KernelImagePath: "/vmlinux",
			BootArgs:        r.bootArgs(job),
		},
		MachineConfig: machineConfig{
			VCPUCount:  r.cfg.VCPUs,
			MemSizeMib: r.cfg.MemSizeMib,
			SMT:        false,
		},
		Drives: []drive{
			{DriveID: "rootfs", PathOnHost: "/rootfs.ext4", IsRootDevice: true, IsReadOnly: false},
			{DriveID: "workspace", PathOnHost: "/workspace.ext4", IsRootDevice: false, IsReadOnly: true},
			{DriveID: "scratch", PathOnHost: "/scratch.ext4", IsRootDevice: false, IsReadOnly: false},
			{DriveID: "results", PathOnHost: "/results.ext4", IsRootDevice: false, IsReadOnly: false},
			{DriveID: "validator", PathOnHost: "/validator.ext4", IsRootDevice: false, IsReadOnly: true},
		},
		NetworkInterfaces: []networkInterface{
			{IfaceID: "eth0", HostDevName: tapDevice},
		},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal vm config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, "vmconfig.json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write vm config: %w", err)
	}
	return nil
}

// bootArgs builds the kernel cmdline. Console is pinned to the serial port,
// unused buses are disabled, and the init is the guest runner entrypoint.
func (r *Runner) bootArgs(job *types.Job) string {
	args := "console=ttyS0 reboot=k panic=1 pci=off i8042.nokbd i8042.noaux"
	if job.QuietKernel {
		args += " quiet loglevel=1"
	}
	args += " init=/sbin/acore-guest"

	netChecks := "0"
	if job.NetChecks {
		netChecks = "1"
	}
	args += fmt.Sprintf(" acore_net_checks=%s acore_net_check_timeout=30", netChecks)
	// Pin guest DNS to the bridge gateway even when the lease omits it
	args += " acore_static_dns=" + r.net.GatewayIP
	return args
}

// teardown removes every per-job artifact. Failures are logged and counted,
// never propagated: a job result must not be lost to a cleanup error.
func (r *Runner) teardown(jail string, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	mnt := filepath.Join(jail, "results-mnt")
	if _, err := os.Stat(mnt); err == nil {
		if _, err := execx.Run(ctx, execx.Command{
			Stage: "umount-results",
			Argv:  []string{"sudo", "umount", mnt},
		}); err != nil {
			metrics.SandboxTeardownFailures.Inc()
			logger.Warn().Err(err).Msg("Result volume unmount failed")
		}
	}

	if err := os.RemoveAll(jail); err != nil {
		metrics.SandboxTeardownFailures.Inc()
		logger.Error().Err(err).Str("jail", jail).Msg("Failed to remove chroot tree")
	}
}

func harvestFailureMessage(exitErr, harvestErr error) string {
	if exitErr != nil {
		return exitErr.Error()
	}
	return harvestErr.Error()
}
