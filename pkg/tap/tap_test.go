package tap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	p := NewStatic([]string{"actap0", "actap1"})

	dev1, err := p.Acquire("job-1")
	require.NoError(t, err)
	dev2, err := p.Acquire("job-2")
	require.NoError(t, err)
	assert.NotEqual(t, dev1, dev2)
	assert.Equal(t, 0, p.Free())

	_, err = p.Acquire("job-3")
	assert.ErrorIs(t, err, ErrExhausted)

	require.NoError(t, p.Release(dev1))
	assert.Equal(t, 1, p.Free())

	dev3, err := p.Acquire("job-3")
	require.NoError(t, err)
	assert.Equal(t, dev1, dev3)
}

func TestDoubleReleaseRejected(t *testing.T) {
	p := NewStatic([]string{"actap0"})

	dev, err := p.Acquire("job-1")
	require.NoError(t, err)
	require.NoError(t, p.Release(dev))

	// A second release must not put the device in the pool twice
	assert.ErrorIs(t, p.Release(dev), ErrUnknownDevice)
	assert.Equal(t, 1, p.Free())
	assert.Equal(t, 1, p.Size())
}

func TestReleaseUnknownDevice(t *testing.T) {
	p := NewStatic([]string{"actap0"})
	assert.ErrorIs(t, p.Release("eth0"), ErrUnknownDevice)
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	orig := sysClassNet
	sysClassNet = dir
	t.Cleanup(func() { sysClassNet = orig })

	_, err := Discover("actap", 1)
	assert.Error(t, err, "empty pool must refuse")

	for _, name := range []string{"actap1", "actap0", "eth0", "acbr0"} {
		require.NoError(t, os.Mkdir(filepath.Join(dir, name), 0o755))
	}

	p, err := Discover("actap", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Size())

	// Deterministic hand-out order
	dev, err := p.Acquire("job-1")
	require.NoError(t, err)
	assert.Equal(t, "actap0", dev)

	assert.True(t, InterfaceExists("eth0"))
	assert.False(t, InterfaceExists("wlan0"))
}
