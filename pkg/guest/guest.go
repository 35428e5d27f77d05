//go:build linux

package guest

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Block device paths by ordinal. This mirrors the host-side drive order; the
// contract is positional, there is no in-band negotiation.
const (
	devWorkspace = "/dev/vdb"
	devScratch   = "/dev/vdc"
	devResults   = "/dev/vdd"
	devValidator = "/dev/vde"
)

// Mount points inside the guest
const (
	mntWorkspace = "/workspace"
	mntScratch   = "/scratch"
	mntResults   = "/results"
	mntValidator = "/validator"
	mntBuild     = "/build"
)

// Dedicated unprivileged uids: one runs the IaC tool, the other the
// evaluator. Neither can read the other's scratch state.
const (
	toolUID = 2000
	evalUID = 2001
)

// Runner is the in-VM process driving one validation run. It is pid 1: every
// failure path must still write a result document and power the VM off.
type Runner struct {
	logger  zerolog.Logger
	cmdline map[string]string

	// stage names the step in flight so the exit handler can report exactly
	// where a failure happened
	stage string
}

// NewRunner parses the kernel cmdline and builds the runner. Log output goes
// to the serial console, which the host tails into the job log.
func NewRunner() (*Runner, error) {
	logger := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
		NoColor:    true,
	}).With().Timestamp().Str("component", "guest").Logger()

	cmdline, err := parseCmdline("/proc/cmdline")
	if err != nil {
		return nil, err
	}

	return &Runner{logger: logger, cmdline: cmdline}, nil
}

// Main runs the full guest sequence and returns the process exit code. The
// VM is powered off before return on every path.
func (r *Runner) Main() int {
	err := r.run()
	if err != nil {
		r.logger.Error().Err(err).Str("stage", r.stage).Msg("Guest run failed")
		r.writeError(fmt.Sprintf("stage %s: %v", r.stage, err))
	}

	r.finishResults()
	r.powerOff()
	if err != nil {
		return 1
	}
	return 0
}

func (r *Runner) run() error {
	r.enter("base-mounts")
	if err := r.setupBaseMounts(); err != nil {
		return err
	}

	r.enter("network")
	if err := r.setupNetwork(); err != nil {
		return err
	}

	if r.cmdline["acore_net_checks"] == "1" {
		r.enter("net-checks")
		if err := r.runNetChecks(); err != nil {
			return err
		}
	}

	r.enter("volume-mounts")
	if err := r.setupVolumes(); err != nil {
		return err
	}

	r.enter("tool-run")
	if err := r.runTool(); err != nil {
		return err
	}

	r.enter("evaluate")
	if err := r.runEvaluator(); err != nil {
		return err
	}

	return nil
}

// enter records the current stage before each step
func (r *Runner) enter(stage string) {
	r.stage = stage
	r.logger.Info().Str("stage", stage).Msg("Entering stage")
}

// finishResults syncs and unmounts the results volume so the host never
// reads a torn document
func (r *Runner) finishResults() {
	syscall.Sync()
	if err := syscall.Unmount(mntResults, 0); err != nil && err != syscall.EINVAL && err != syscall.ENOENT {
		r.logger.Warn().Err(err).Msg("Results unmount failed")
	}
}

// powerOff shuts the VM down cleanly. As pid 1, exiting would panic the
// kernel; an explicit power-off lets firecracker exit with status 0.
func (r *Runner) powerOff() {
	syscall.Sync()
	if err := syscall.Reboot(syscall.LINUX_REBOOT_CMD_POWER_OFF); err != nil {
		r.logger.Error().Err(err).Msg("Power-off failed")
	}
}

// parseCmdline reads key=value tokens from the kernel command line
func parseCmdline(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cmdline: %w", err)
	}

	out := make(map[string]string)
	for _, tok := range strings.Fields(string(data)) {
		if k, v, found := strings.Cut(tok, "="); found {
			out[k] = v
		} else {
			out[tok] = ""
		}
	}
	return out, nil
}
