package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Ingestion failures callers branch on
var (
	ErrNotZip         = errors.New("archive is not a zip file")
	ErrOutsideRoot    = errors.New("archive path outside permitted root")
	ErrTraversal      = errors.New("archive entry escapes destination")
	ErrSymlink        = errors.New("archive contains a symlink entry")
	ErrTooLarge       = errors.New("archive exceeds total size limit")
	ErrEntryTooLarge  = errors.New("archive entry exceeds size limit")
	ErrTooManyEntries = errors.New("archive exceeds entry count limit")
	ErrTooDeep        = errors.New("archive entry exceeds path depth limit")
)

// Limits bounds archive ingestion
type Limits struct {
	MaxTotalBytes int64
	MaxEntryBytes int64
	MaxEntries    int
	MaxPathDepth  int
}

// allowedExtensions is the permitted set after sanitization. Anything else a
// miner smuggles in is removed before the workspace is sealed.
var allowedExtensions = map[string]bool{
	".tf":     true,
	".tfvars": true,
	".json":   true,
	".tpl":    true,
	".tftpl":  true,
	".txt":    true,
	".md":     true,
}

// deniedDirs are pre-initialized caches and VCS trees removed during
// sanitization so a submission cannot pin an alternative provider build.
var deniedDirs = map[string]bool{
	".terraform": true,
	".git":       true,
}

// deniedFiles are lock and state files removed during sanitization
var deniedFiles = map[string]bool{
	".terraform.lock.hcl":      true,
	"terraform.tfstate":        true,
	"terraform.tfstate.backup": true,
}

// Resolve canonicalizes an archive path and enforces the configured root
// prefix. An empty root disables the prefix check.
func Resolve(path, root string) (string, error) {
	if !strings.HasSuffix(path, ".zip") {
		return "", ErrNotZip
	}

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve archive path: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("failed to stat archive: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("archive is not a regular file: %s", resolved)
	}

	if root != "" {
		rootResolved, err := filepath.EvalSymlinks(root)
		if err != nil {
			return "", fmt.Errorf("failed to resolve archive root: %w", err)
		}
		rel, err := filepath.Rel(rootResolved, resolved)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", ErrOutsideRoot
		}
	}

	return resolved, nil
}

// Ingest validates and extracts the archive at path into destDir, then
// sanitizes the result. Entry validation runs over the whole archive before
// any file is materialized; a traversal or symlink entry fails the ingest
// with an empty destination.
func Ingest(path, destDir string, lim Limits) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotZip, err)
	}
	defer r.Close()

	if err := validateEntries(r.File, destDir, lim); err != nil {
		return err
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}

	if err := materialize(r.File, destDir, lim); err != nil {
		// Leave no partial workspace behind
		os.RemoveAll(destDir)
		return err
	}

	if err := Sanitize(destDir); err != nil {
		os.RemoveAll(destDir)
		return err
	}
	return nil
}

// validateEntries checks every entry name and declared size before a single
// byte is written
func validateEntries(files []*zip.File, destDir string, lim Limits) error {
	if lim.MaxEntries > 0 && len(files) > lim.MaxEntries {
		return fmt.Errorf("%w: %d entries", ErrTooManyEntries, len(files))
	}

	var total int64
	for _, f := range files {
		if f.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: %s", ErrSymlink, f.Name)
		}
		if _, err := entryTarget(destDir, f.Name); err != nil {
			return err
		}
		if lim.MaxPathDepth > 0 {
			depth := len(strings.Split(strings.Trim(filepath.ToSlash(f.Name), "/"), "/"))
			if depth > lim.MaxPathDepth {
				return fmt.Errorf("%w: %s", ErrTooDeep, f.Name)
			}
		}
		if lim.MaxEntryBytes > 0 && int64(f.UncompressedSize64) > lim.MaxEntryBytes {
			return fmt.Errorf("%w: %s (%d bytes)", ErrEntryTooLarge, f.Name, f.UncompressedSize64)
		}
		total += int64(f.UncompressedSize64)
	}

	if lim.MaxTotalBytes > 0 && total > lim.MaxTotalBytes {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, total)
	}
	return nil
}

// entryTarget joins an entry name to the destination and rejects escapes
func entryTarget(destDir, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("%w: %s", ErrTraversal, name)
	}
	target := filepath.Join(destDir, cleaned)
	rel, err := filepath.Rel(destDir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrTraversal, name)
	}
	return target, nil
}

// materialize extracts entries, re-counting bytes during copy because zip
// headers can lie about uncompressed sizes
func materialize(files []*zip.File, destDir string, lim Limits) error {
	var total int64
	for _, f := range files {
		target, err := entryTarget(destDir, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}

		n, err := extractFile(f, target, lim.MaxEntryBytes)
		if err != nil {
			return err
		}
		total += n
		if lim.MaxTotalBytes > 0 && total > lim.MaxTotalBytes {
			return fmt.Errorf("%w: %d bytes", ErrTooLarge, total)
		}
	}
	return nil
}

func extractFile(f *zip.File, target string, maxBytes int64) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("failed to open archive entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	// Strip setuid/setgid/sticky and execute bits; the workspace carries data
	mode := f.Mode().Perm() & 0o644
	if mode == 0 {
		mode = 0o644
	}

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", target, err)
	}
	defer out.Close()

	var src io.Reader = rc
	if maxBytes > 0 {
		src = io.LimitReader(rc, maxBytes+1)
	}
	n, err := io.Copy(out, src)
	if err != nil {
		return n, fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	if maxBytes > 0 && n > maxBytes {
		return n, fmt.Errorf("%w: %s", ErrEntryTooLarge, f.Name)
	}
	return n, nil
}

// Sanitize removes cache directories, lock/state files and anything outside
// the permitted extension set from an extracted workspace
func Sanitize(dir string) error {
	var removeDirs []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}

		name := info.Name()
		if info.IsDir() {
			if deniedDirs[name] {
				removeDirs = append(removeDirs, path)
				return filepath.SkipDir
			}
			return nil
		}

		if deniedFiles[name] || !allowedExtensions[extensionOf(name)] {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("failed to remove %s: %w", path, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sanitize workspace: %w", err)
	}

	for _, d := range removeDirs {
		if err := os.RemoveAll(d); err != nil {
			return fmt.Errorf("failed to remove %s: %w", d, err)
		}
	}
	return nil
}

// extensionOf returns the meaningful suffix, treating ".tf.json" as its own
// extension so JSON-syntax configs survive
func extensionOf(name string) string {
	if strings.HasSuffix(name, ".tf.json") {
		return ".json"
	}
	return strings.ToLower(filepath.Ext(name))
}
