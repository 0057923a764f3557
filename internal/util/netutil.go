package util

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// ListenPacket opens a UDP socket for the QUIC listener. A positive bufSize is
// applied to SO_RCVBUF and SO_SNDBUF before the socket is bound; the kernel
// may clamp it to net.core.rmem_max / wmem_max.
func ListenPacket(ctx context.Context, network, address string, bufSize int) (net.PacketConn, error) {
	if network != "udp" && network != "udp4" && network != "udp6" {
		return nil, fmt.Errorf("unsupported network type: %s, only 'udp', 'udp4', or 'udp6' are supported for ListenPacket", network)
	}
	lc := net.ListenConfig{Control: socketBufferControl(bufSize)}
	pc, err := lc.ListenPacket(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s %s: %w", network, address, err)
	}
	return pc, nil
}

// CreateListener opens the TCP listener for the HTTP side.
func CreateListener(ctx context.Context, network, address string) (net.Listener, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("unsupported network type: %s, only 'tcp', 'tcp4', or 'tcp6' are supported for CreateListener", network)
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s %s: %w", network, address, err)
	}
	return ln, nil
}

func socketBufferControl(bufSize int) func(network, address string, c syscall.RawConn) error {
	if bufSize <= 0 {
		return nil
	}
	return func(_, _ string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, bufSize); e != nil {
				sockErr = fmt.Errorf("setting SO_RCVBUF to %d: %w", bufSize, e)
				return
			}
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, bufSize); e != nil {
				sockErr = fmt.Errorf("setting SO_SNDBUF to %d: %w", bufSize, e)
			}
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}

// SocketBufferSizes reports the effective receive and send buffer sizes of conn.
func SocketBufferSizes(conn syscall.Conn) (rcv, snd int, err error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, 0, err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		rcv, sockErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
		if sockErr != nil {
			return
		}
		snd, sockErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF)
	})
	if err != nil {
		return 0, 0, err
	}
	return rcv, snd, sockErr
}

// IsAddrInUse checks if the error indicates an "address already in use" condition.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, unix.EADDRINUSE) {
		return true
	}
	// Errors that lost their errno along the way still carry the text.
	return strings.Contains(strings.ToLower(err.Error()), "address already in use")
}
