//go:build linux

package guest

import (
	"fmt"
	"os"
	"syscall"
)

// setupBaseMounts brings up the pseudo-filesystems and writable tmpfs trees.
// The rootfs itself stays read-only; everything mutable lives on tmpfs or
// the per-job volumes.
func (r *Runner) setupBaseMounts() error {
	mounts := []struct {
		source string
		target string
		fstype string
		flags  uintptr
		data   string
	}{
		{"proc", "/proc", "proc", syscall.MS_NOSUID | syscall.MS_NODEV | syscall.MS_NOEXEC, ""},
		{"sysfs", "/sys", "sysfs", syscall.MS_NOSUID | syscall.MS_NODEV | syscall.MS_NOEXEC, ""},
		{"devtmpfs", "/dev", "devtmpfs", syscall.MS_NOSUID, "mode=0755"},
		{"tmpfs", "/tmp", "tmpfs", syscall.MS_NOSUID | syscall.MS_NODEV, "size=64m"},
		{"tmpfs", "/run", "tmpfs", syscall.MS_NOSUID | syscall.MS_NODEV, "size=16m,mode=0755"},
		{"tmpfs", "/var", "tmpfs", syscall.MS_NOSUID | syscall.MS_NODEV, "size=64m"},
	}

	for _, m := range mounts {
		if err := os.MkdirAll(m.target, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", m.target, err)
		}
		if err := syscall.Mount(m.source, m.target, m.fstype, m.flags, m.data); err != nil && err != syscall.EBUSY {
			return fmt.Errorf("failed to mount %s: %w", m.target, err)
		}
	}
	return nil
}

// setupVolumes mounts the per-job block devices by ordinal and assembles the
// build overlay: workspace below, scratch above.
func (r *Runner) setupVolumes() error {
	volumes := []struct {
		dev    string
		target string
		flags  uintptr
	}{
		{devWorkspace, mntWorkspace, syscall.MS_RDONLY | syscall.MS_NOSUID | syscall.MS_NODEV},
		{devScratch, mntScratch, syscall.MS_NOSUID | syscall.MS_NODEV},
		{devResults, mntResults, syscall.MS_NOSUID | syscall.MS_NODEV},
		{devValidator, mntValidator, syscall.MS_RDONLY | syscall.MS_NOSUID | syscall.MS_NODEV},
	}

	for _, v := range volumes {
		if err := os.MkdirAll(v.target, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", v.target, err)
		}
		if err := syscall.Mount(v.dev, v.target, "ext4", v.flags, ""); err != nil {
			return fmt.Errorf("failed to mount %s on %s: %w", v.dev, v.target, err)
		}
	}

	upper := mntScratch + "/upper"
	work := mntScratch + "/work"
	for _, d := range []string{upper, work, mntBuild} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", d, err)
		}
	}

	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", mntWorkspace, upper, work)
	if err := syscall.Mount("overlay", mntBuild, "overlay", syscall.MS_NOSUID, opts); err != nil {
		return fmt.Errorf("failed to mount build overlay: %w", err)
	}

	// The tool uid owns the merged tree so an unprivileged apply can write;
	// the evaluator uid owns the results volume for its atomic write.
	if err := os.Chown(upper, toolUID, toolUID); err != nil {
		return fmt.Errorf("failed to chown scratch upper: %w", err)
	}
	if err := os.Chown(mntBuild, toolUID, toolUID); err != nil {
		return fmt.Errorf("failed to chown build root: %w", err)
	}
	if err := os.Chown(mntResults, evalUID, evalUID); err != nil {
		return fmt.Errorf("failed to chown results root: %w", err)
	}
	return nil
}
