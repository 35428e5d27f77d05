package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/luxapientia/alphacore/pkg/execx"
	"github.com/luxapientia/alphacore/pkg/types"
)

// Result document names on the results volume. Exactly one is expected; the
// guest writes whichever matches its exit path, atomically.
const (
	successDoc = "success.json"
	errorDoc   = "error.json"
)

// harvest mounts the results volume read-only and reads the result document.
// A missing or malformed document yields (nil, error) and the caller fails
// closed.
func (r *Runner) harvest(ctx context.Context, jail string) (*types.Result, error) {
	root := chrootRootDir(jail)
	img := filepath.Join(root, "results.ext4")
	mnt := filepath.Join(jail, "results-mnt")

	if err := os.MkdirAll(mnt, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create results mountpoint: %w", err)
	}

	if _, err := execx.Run(ctx, execx.Command{
		Stage: "mount-results",
		Argv:  []string{"sudo", "-n", "mount", "-o", "loop,ro,noexec,nosuid", img, mnt},
	}); err != nil {
		return nil, err
	}
	// Unmounted again in teardown; unmount here too so teardown's pass is a
	// no-op on the success path
	defer func() {
		execx.Run(context.Background(), execx.Command{
			Stage: "umount-results",
			Argv:  []string{"sudo", "-n", "umount", mnt},
		})
	}()

	if res, err := readResultDoc(filepath.Join(mnt, successDoc)); err == nil {
		return res, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	res, err := readResultDoc(filepath.Join(mnt, errorDoc))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no result document on results volume")
		}
		return nil, err
	}
	return res, nil
}

func readResultDoc(path string) (*types.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var res types.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("malformed result document %s: %w", filepath.Base(path), err)
	}
	if res.Status != types.ResultPass && res.Status != types.ResultFail {
		return nil, fmt.Errorf("result document %s has invalid status %q", filepath.Base(path), res.Status)
	}
	return &res, nil
}
