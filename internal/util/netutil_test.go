package util

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenPacket_AppliesBufferSize(t *testing.T) {
	const want = 64 * 1024
	pc, err := ListenPacket(context.Background(), "udp", "127.0.0.1:0", want)
	require.NoError(t, err)
	defer pc.Close()

	sc, ok := pc.(syscall.Conn)
	require.True(t, ok, "UDP conn exposes its raw socket")
	rcv, snd, err := SocketBufferSizes(sc)
	require.NoError(t, err)
	// Linux doubles the requested value for bookkeeping overhead.
	assert.GreaterOrEqual(t, rcv, want)
	assert.GreaterOrEqual(t, snd, want)
}

func TestListenPacket_DefaultBuffers(t *testing.T) {
	pc, err := ListenPacket(context.Background(), "udp4", "127.0.0.1:0", 0)
	require.NoError(t, err)
	defer pc.Close()
	assert.NotZero(t, pc.LocalAddr().(*net.UDPAddr).Port)
}

func TestListenPacket_UnsupportedNetwork(t *testing.T) {
	_, err := ListenPacket(context.Background(), "tcp", "127.0.0.1:0", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported network type")
}

func TestCreateListener(t *testing.T) {
	ln, err := CreateListener(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, err = CreateListener(context.Background(), "unix", "/tmp/x.sock")
	assert.Error(t, err)
}

func TestIsAddrInUse(t *testing.T) {
	ln, err := CreateListener(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, err = CreateListener(context.Background(), "tcp", ln.Addr().String())
	require.Error(t, err)
	assert.True(t, IsAddrInUse(err), "second bind on %s: %v", ln.Addr(), err)

	pc, err := ListenPacket(context.Background(), "udp", "127.0.0.1:0", 0)
	require.NoError(t, err)
	defer pc.Close()
	_, err = ListenPacket(context.Background(), "udp", pc.LocalAddr().String(), 0)
	require.Error(t, err)
	assert.True(t, IsAddrInUse(err))

	assert.False(t, IsAddrInUse(nil))
	assert.False(t, IsAddrInUse(errors.New("connection refused")))
	assert.True(t, IsAddrInUse(fmt.Errorf("wrapped: %s", "bind: address already in use")))
}
