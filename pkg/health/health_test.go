package health

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileChecker(t *testing.T) {
	dir := t.TempDir()

	present := NewFileChecker(dir)
	res := present.Check(context.Background())
	assert.True(t, res.Healthy)
	assert.Equal(t, CheckTypeFile, present.Type())

	absent := NewFileChecker(filepath.Join(dir, "nope"))
	res = absent.Check(context.Background())
	assert.False(t, res.Healthy)
	assert.Contains(t, res.Message, "missing")
}

func TestTCPChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	up := NewTCPChecker(ln.Addr().String())
	res := up.Check(context.Background())
	assert.True(t, res.Healthy, res.Message)
	assert.Equal(t, CheckTypeTCP, up.Type())

	// A closed listener's port refuses
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := dead.Addr().String()
	dead.Close()

	down := NewTCPChecker(addr)
	res = down.Check(context.Background())
	assert.False(t, res.Healthy)
}
