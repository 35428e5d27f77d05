package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/luxapientia/alphacore/pkg/types"
)

// ErrTimeout marks a job that outlived its budget
var ErrTimeout = errors.New("timeout")

// ErrCancelled marks a job killed by cancellation
var ErrCancelled = errors.New("cancelled")

// supervise launches the microVM through the jailer and watches it until
// exit, timeout, or cancellation. The serial console streams into the job
// log through the redactor for the whole run.
func (r *Runner) supervise(ctx context.Context, job *types.Job, jail string, jobLog io.Writer, timeout time.Duration, logger zerolog.Logger) error {
	argv := []string{
		"sudo", "-n", r.cfg.JailerBin,
		"--id", job.ID,
		"--exec-file", r.cfg.FirecrackerBin,
		"--uid", fmt.Sprint(r.cfg.UID),
		"--gid", fmt.Sprint(r.cfg.GID),
		"--chroot-base-dir", r.cfg.ChrootRoot,
		"--",
		"--no-api",
		"--config-file", "/vmconfig.json",
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = jobLog
	cmd.Stderr = jobLog
	// Own process group so the kill escalation reaches firecracker, not just
	// the sudo wrapper
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn jailer: %w", err)
	}
	logger.Info().Int("pid", cmd.Process.Pid).Dur("timeout", timeout).Msg("microVM booted")

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-waitCh:
		if err != nil {
			return fmt.Errorf("guest exited abnormally: %w", err)
		}
		return nil

	case <-timer.C:
		logger.Warn().Msg("Job timed out, shutting down microVM")
		r.kill(cmd, waitCh, logger)
		return fmt.Errorf("%w after %s", ErrTimeout, timeout)

	case <-ctx.Done():
		logger.Info().Msg("Job cancelled, shutting down microVM")
		r.kill(cmd, waitCh, logger)
		return ErrCancelled
	}
}

// kill escalates: graceful termination first, hard kill of the process group
// after the grace period.
func (r *Runner) kill(cmd *exec.Cmd, waitCh <-chan error, logger zerolog.Logger) {
	pgid := -cmd.Process.Pid

	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		logger.Warn().Err(err).Msg("SIGTERM failed")
	}

	select {
	case <-waitCh:
		return
	case <-time.After(r.cfg.KillGrace):
	}

	logger.Warn().Msg("Grace period expired, hard-killing microVM")
	if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil {
		logger.Error().Err(err).Msg("SIGKILL failed")
	}
	<-waitCh
}
