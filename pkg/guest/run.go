//go:build linux

package guest

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/google/renameio/v2"

	"github.com/luxapientia/alphacore/pkg/netcheck"
	"github.com/luxapientia/alphacore/pkg/types"
)

// Validator bundle layout on the read-only validator volume
const (
	terraformBin = mntValidator + "/bin/terraform"
	evaluatorBin = mntValidator + "/bin/acore"
)

// runNetChecks executes the deterministic egress probe suite. Any failing
// probe fails the whole run with a reason naming the probe.
func (r *Runner) runNetChecks() error {
	gw, err := r.gatewayIP()
	if err != nil {
		return err
	}

	timeout := 30 * time.Second
	if v := r.cmdline["acore_net_check_timeout"]; v != "" {
		if s, err := time.ParseDuration(v + "s"); err == nil {
			timeout = s
		}
	}

	suite := netcheck.NewSuite(gw, timeout)
	if failed := suite.Run(); failed != "" {
		return fmt.Errorf("network check failed: %s", failed)
	}
	r.logger.Info().Msg("All network checks passed")
	return nil
}

// runTool executes the IaC tool inside the build overlay as the dedicated
// tool uid. Output goes to the serial console, which the host tails into the
// job log.
func (r *Runner) runTool() error {
	token, err := os.ReadFile(mntBuild + "/" + ".acore/access_token")
	if err != nil {
		return fmt.Errorf("failed to read access token: %w", err)
	}

	env := []string{
		"HOME=/tmp",
		"PATH=/validator/bin:/usr/bin:/bin:/sbin",
		"TF_IN_AUTOMATION=1",
		"TF_INPUT=0",
		"GOOGLE_OAUTH_ACCESS_TOKEN=" + strings.TrimSpace(string(token)),
		"GOOGLE_APPLICATION_CREDENTIALS=" + mntBuild + "/.acore/credentials.json",
	}

	steps := [][]string{
		{terraformBin, "init", "-input=false", "-no-color"},
		{terraformBin, "apply", "-input=false", "-auto-approve", "-no-color"},
	}
	for _, argv := range steps {
		if err := r.runAs(toolUID, mntBuild, env, argv); err != nil {
			return fmt.Errorf("%s failed: %w", argv[1], err)
		}
	}
	return nil
}

// runEvaluator runs the invariant evaluator from the validator volume as its
// own uid against the state file the tool produced, writing the result
// document to the results volume.
func (r *Runner) runEvaluator() error {
	env := []string{
		"HOME=/tmp",
		"PATH=/validator/bin:/usr/bin:/bin",
	}
	argv := []string{
		evaluatorBin, "eval",
		"--state", mntBuild + "/terraform.tfstate",
		"--spec", mntBuild + "/.acore/task_spec.json",
		"--out", mntResults + "/" + "success.json",
	}
	if err := r.runAs(evalUID, mntResults, env, argv); err != nil {
		return fmt.Errorf("evaluator failed: %w", err)
	}
	return nil
}

// runAs executes a command as an unprivileged uid with output on the serial
// console
func (r *Runner) runAs(uid int, dir string, env []string, argv []string) error {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uint32(uid), Gid: uint32(uid)},
	}
	return cmd.Run()
}

// writeError writes the fail-closed error document. Write-to-temp-and-rename
// keeps the host from ever observing a torn result.
func (r *Runner) writeError(message string) {
	res := types.FailResult(message)
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to marshal error result")
		return
	}
	if err := renameio.WriteFile(mntResults+"/error.json", data, 0o644); err != nil {
		r.logger.Error().Err(err).Msg("Failed to write error result")
	}
}
