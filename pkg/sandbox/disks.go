package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/luxapientia/alphacore/pkg/execx"
	"github.com/luxapientia/alphacore/pkg/types"
)

// Disk sizes. Workspace and validator images are sized to content; scratch
// and results are fixed.
const (
	scratchSizeMB = 512
	resultsSizeMB = 64
	diskSlackMB   = 32
)

// buildDisks creates the four per-job ext4 images inside the chroot root.
// The workspace image is built from a staged copy that carries the access
// token, the credentials stub and the task spec; the staged copy is removed
// once the image exists.
func (r *Runner) buildDisks(ctx context.Context, job *types.Job, jail, accessToken string) error {
	root := chrootRootDir(jail)

	stage := filepath.Join(jail, "workspace-stage")
	if err := r.stageWorkspace(ctx, job, stage, accessToken); err != nil {
		return err
	}
	defer os.RemoveAll(stage)

	wsSize, err := dirSizeMB(stage)
	if err != nil {
		return fmt.Errorf("failed to size workspace: %w", err)
	}
	valSize, err := dirSizeMB(r.cfg.ValidatorDir)
	if err != nil {
		return fmt.Errorf("failed to size validator bundle: %w", err)
	}

	steps := []execx.Command{
		mkfsFromDir("mkfs-workspace", filepath.Join(root, "workspace.ext4"), stage, wsSize+diskSlackMB),
		mkfsEmpty("mkfs-scratch", filepath.Join(root, "scratch.ext4"), scratchSizeMB),
		mkfsEmpty("mkfs-results", filepath.Join(root, "results.ext4"), resultsSizeMB),
		mkfsFromDir("mkfs-validator", filepath.Join(root, "validator.ext4"), r.cfg.ValidatorDir, valSize+diskSlackMB),
	}
	return execx.RunAll(ctx, steps...)
}

// stageWorkspace copies the canonicalized workspace and injects the
// credential files. The token file is the only credential delivery channel;
// no long-lived key ever enters the guest.
func (r *Runner) stageWorkspace(ctx context.Context, job *types.Job, stage, accessToken string) error {
	if err := os.MkdirAll(stage, 0o755); err != nil {
		return fmt.Errorf("failed to create staging dir: %w", err)
	}
	if _, err := execx.Run(ctx, execx.Command{
		Stage:   "stage-workspace",
		Argv:    []string{"cp", "-a", job.WorkspacePath + "/.", stage},
		Timeout: time.Minute,
	}); err != nil {
		return err
	}

	metaDir := filepath.Join(stage, filepath.Dir(tokenRelPath))
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace metadata dir: %w", err)
	}

	if err := os.WriteFile(filepath.Join(stage, tokenRelPath), []byte(accessToken), 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}

	// The stub points local tooling at the token file so no metadata-service
	// lookup is ever attempted inside the guest.
	stub := map[string]string{
		"type":            "external_account_authorized_user",
		"token_file":      "/workspace/" + tokenRelPath,
		"universe_domain": "googleapis.com",
	}
	stubData, err := json.MarshalIndent(stub, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials stub: %w", err)
	}
	// The stub carries no secret, only the token path
	if err := os.WriteFile(filepath.Join(stage, credsRelPath), stubData, 0o644); err != nil {
		return fmt.Errorf("failed to write credentials stub: %w", err)
	}

	specData, err := json.Marshal(job.Spec)
	if err != nil {
		return fmt.Errorf("failed to marshal task spec: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stage, specRelPath), specData, 0o644); err != nil {
		return fmt.Errorf("failed to write task spec: %w", err)
	}
	return nil
}

// mkfsFromDir builds an ext4 image pre-populated from a directory tree
func mkfsFromDir(stage, img, dir string, sizeMB int64) execx.Command {
	return execx.Command{
		Stage: stage,
		Argv: []string{
			"mkfs.ext4", "-F", "-q",
			"-d", dir,
			img, fmt.Sprintf("%dM", sizeMB),
		},
		Timeout: time.Minute,
	}
}

// mkfsEmpty builds an empty ext4 image
func mkfsEmpty(stage, img string, sizeMB int64) execx.Command {
	return execx.Command{
		Stage: stage,
		Argv: []string{
			"mkfs.ext4", "-F", "-q",
			img, fmt.Sprintf("%dM", sizeMB),
		},
		Timeout: time.Minute,
	}
}

// dirSizeMB returns the apparent size of a directory tree in megabytes
func dirSizeMB(dir string) (int64, error) {
	var total int64
	err := filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total/(1<<20) + 1, nil
}
