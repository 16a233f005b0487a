package adapter

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/1ureka/memsocket/internal/protocol"
)

const listenBacklog = 16

// listenUnix binds a non-blocking stream listener at path, replacing a
// stale socket file left by an earlier run.
func listenUnix(path string) (int, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return -1, fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen %s: %w", path, err)
	}
	return fd, nil
}

// acceptUnix returns the next pending connection as a blocking descriptor,
// or -1 when none is pending.
func acceptUnix(lfd int) (int, error) {
	for {
		fd, _, err := unix.Accept4(lfd, unix.SOCK_CLOEXEC)
		switch {
		case err == nil:
			return fd, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.ECONNABORTED):
			return -1, nil
		default:
			return -1, fmt.Errorf("accept: %w", err)
		}
	}
}

// dialUnix connects a blocking stream socket to path.
func dialUnix(path string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", path, err)
	}
	return fd, nil
}

// conn is a local socket descriptor.
type conn int

func (c conn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(int(c), p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 && len(p) > 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

func (c conn) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(int(c), p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

func (c conn) close() error {
	return unix.Close(int(c))
}

// writeChunked writes p to w in protocol.ChunkSize pieces. A short write of
// one piece is reported and ends the transfer: the remainder cannot be
// delivered in order.
func writeChunked(w io.Writer, p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := p[:min(len(p), protocol.ChunkSize)]
		n, err := w.Write(chunk)
		total += n
		if err != nil {
			return total, err
		}
		if n != len(chunk) {
			return total, fmt.Errorf("wrote %d of %d bytes: %w", n, len(chunk), io.ErrShortWrite)
		}
		p = p[len(chunk):]
	}
	return total, nil
}
