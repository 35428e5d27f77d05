package archive

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type zipEntry struct {
	name    string
	body    string
	symlink bool
}

func writeZip(t *testing.T, entries []zipEntry) string {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e.name, Method: zip.Deflate}
		if e.symlink {
			hdr.SetMode(os.ModeSymlink | 0o777)
		} else {
			hdr.SetMode(0o644)
		}
		w, err := zw.CreateHeader(hdr)
		require.NoError(t, err)
		_, err = w.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "submission.zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func defaultLimits() Limits {
	return Limits{
		MaxTotalBytes: 1 << 20,
		MaxEntryBytes: 64 << 10,
		MaxEntries:    64,
		MaxPathDepth:  8,
	}
}

func TestIngestHappyPath(t *testing.T) {
	archive := writeZip(t, []zipEntry{
		{name: "main.tf", body: `resource "random_id" "example" { byte_length = 4 }`},
		{name: "vars/inputs.tfvars", body: "region = \"us-central1\"\n"},
	})
	dest := filepath.Join(t.TempDir(), "ws")

	require.NoError(t, Ingest(archive, dest, defaultLimits()))

	data, err := os.ReadFile(filepath.Join(dest, "main.tf"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "random_id")

	_, err = os.Stat(filepath.Join(dest, "vars", "inputs.tfvars"))
	assert.NoError(t, err)
}

func TestIngestRejectsTraversal(t *testing.T) {
	tests := []struct {
		name  string
		entry string
	}{
		{name: "dotdot", entry: "../evil.tf"},
		{name: "nested dotdot", entry: "ok/../../evil.tf"},
		{name: "absolute", entry: "/etc/evil.tf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archive := writeZip(t, []zipEntry{
				{name: "main.tf", body: "# fine"},
				{name: tt.entry, body: "# evil"},
			})
			dest := filepath.Join(t.TempDir(), "ws")

			err := Ingest(archive, dest, defaultLimits())
			require.ErrorIs(t, err, ErrTraversal)

			// Nothing may be materialized, not even the benign entry
			_, statErr := os.Stat(dest)
			assert.True(t, os.IsNotExist(statErr), "workspace must not exist after rejected ingest")
		})
	}
}

func TestIngestRejectsSymlink(t *testing.T) {
	archive := writeZip(t, []zipEntry{
		{name: "main.tf", body: "# fine"},
		{name: "link.tf", body: "/etc/passwd", symlink: true},
	})
	dest := filepath.Join(t.TempDir(), "ws")

	err := Ingest(archive, dest, defaultLimits())
	require.ErrorIs(t, err, ErrSymlink)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestIngestEntryCountLimit(t *testing.T) {
	lim := defaultLimits()
	lim.MaxEntries = 2

	archive := writeZip(t, []zipEntry{
		{name: "a.tf", body: "1"},
		{name: "b.tf", body: "2"},
		{name: "c.tf", body: "3"},
	})
	err := Ingest(archive, filepath.Join(t.TempDir(), "ws"), lim)
	assert.ErrorIs(t, err, ErrTooManyEntries)
}

func TestIngestEntrySizeBoundary(t *testing.T) {
	lim := defaultLimits()
	lim.MaxEntryBytes = 16

	t.Run("exactly at cap", func(t *testing.T) {
		archive := writeZip(t, []zipEntry{{name: "a.tf", body: strings.Repeat("x", 16)}})
		assert.NoError(t, Ingest(archive, filepath.Join(t.TempDir(), "ws"), lim))
	})

	t.Run("one byte over", func(t *testing.T) {
		archive := writeZip(t, []zipEntry{{name: "a.tf", body: strings.Repeat("x", 17)}})
		assert.ErrorIs(t, Ingest(archive, filepath.Join(t.TempDir(), "ws"), lim), ErrEntryTooLarge)
	})
}

func TestIngestPathDepthLimit(t *testing.T) {
	lim := defaultLimits()
	lim.MaxPathDepth = 3

	archive := writeZip(t, []zipEntry{{name: "a/b/c/d/deep.tf", body: "x"}})
	assert.ErrorIs(t, Ingest(archive, filepath.Join(t.TempDir(), "ws"), lim), ErrTooDeep)
}

func TestSanitizeRemovesDeniedEntries(t *testing.T) {
	archive := writeZip(t, []zipEntry{
		{name: "main.tf", body: "# keep"},
		{name: ".terraform/providers/cached", body: "pinned provider"},
		{name: ".terraform.lock.hcl", body: "lock"},
		{name: "terraform.tfstate", body: "{}"},
		{name: "run.sh", body: "#!/bin/sh"},
		{name: "notes.md", body: "keep me"},
	})
	dest := filepath.Join(t.TempDir(), "ws")
	require.NoError(t, Ingest(archive, dest, defaultLimits()))

	assertExists := func(name string, want bool) {
		_, err := os.Stat(filepath.Join(dest, name))
		if want {
			assert.NoError(t, err, name)
		} else {
			assert.True(t, os.IsNotExist(err), "%s should be removed", name)
		}
	}

	assertExists("main.tf", true)
	assertExists("notes.md", true)
	assertExists(".terraform", false)
	assertExists(".terraform.lock.hcl", false)
	assertExists("terraform.tfstate", false)
	assertExists("run.sh", false)
}

func TestIngestDeterministic(t *testing.T) {
	archive := writeZip(t, []zipEntry{
		{name: "main.tf", body: "resource \"random_id\" \"x\" {}\n"},
		{name: "b/other.tf", body: "# b\n"},
	})

	dest1 := filepath.Join(t.TempDir(), "ws1")
	dest2 := filepath.Join(t.TempDir(), "ws2")
	require.NoError(t, Ingest(archive, dest1, defaultLimits()))
	require.NoError(t, Ingest(archive, dest2, defaultLimits()))

	var files1, files2 []string
	collect := func(root string, out *[]string) {
		filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			require.NoError(t, err)
			if info.Mode().IsRegular() {
				rel, _ := filepath.Rel(root, path)
				data, err := os.ReadFile(path)
				require.NoError(t, err)
				*out = append(*out, rel+":"+string(data))
			}
			return nil
		})
	}
	collect(dest1, &files1)
	collect(dest2, &files2)
	assert.Equal(t, files1, files2, "re-ingest must yield byte-identical workspaces")
}

func TestResolveEnforcesRoot(t *testing.T) {
	root := t.TempDir()
	inside := filepath.Join(root, "ok.zip")
	require.NoError(t, os.WriteFile(inside, []byte("zip"), 0o644))

	outside := filepath.Join(t.TempDir(), "out.zip")
	require.NoError(t, os.WriteFile(outside, []byte("zip"), 0o644))

	_, err := Resolve(inside, root)
	assert.NoError(t, err)

	_, err = Resolve(outside, root)
	assert.ErrorIs(t, err, ErrOutsideRoot)

	_, err = Resolve(filepath.Join(root, "not-a-zip.tar"), root)
	assert.ErrorIs(t, err, ErrNotZip)
}
