package shm

import (
	"fmt"
	"io"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/1ureka/memsocket/internal/protocol"
)

// ioctl requests understood by the kvm_ivshmem driver.
const (
	ioctlPosition    = 0x40047303 // _IOW('s', 3, int)
	ioctlSetInstance = 0x80047304 // _IOR('s', 4, int)
	ioctlSet         = 0x80047305 // _IOR('s', 5, int)
	ioctlDoorbell    = 0x80047306 // _IOR('s', 6, int)
	ioctlNop         = 0x80047307 // _IOR('s', 7, int)
)

// doorbellArg mirrors struct ioctl_data.
type doorbellArg struct {
	PeerVMID int32
	IntNo    uint32
	FD       int32
	Cmd      int32
	Len      int32
}

// Device is one open handle of the ivshmem driver bound to an instance. The
// driver tracks readiness per open file, so every instance opens its own.
type Device struct {
	fd       int
	mem      []byte
	instance int

	posOnce sync.Once
	pos     uint32
	posErr  error
}

var _ Transport = (*Device)(nil)

// OpenDevice opens the driver at path, binds the handle to instance and maps
// the whole region read-write.
func OpenDevice(path string, instance int) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	if err := unix.IoctlSetInt(fd, ioctlSetInstance, instance); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set instance %d: %w", instance, err)
	}

	size, err := unix.Seek(fd, 0, io.SeekEnd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("seek %s: %w", path, err)
	}
	if size <= 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("no shared memory detected on %s", path)
	}
	if _, err := unix.Seek(fd, 0, io.SeekStart); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("seek %s: %w", path, err)
	}

	mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_NORESERVE)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}

	return &Device{fd: fd, mem: mem, instance: instance}, nil
}

// Memory returns the mapped region.
func (d *Device) Memory() []byte {
	return d.mem
}

// Position returns the IVPosition of this VM.
func (d *Device) Position() (uint32, error) {
	d.posOnce.Do(func() {
		d.pos, d.posErr = unix.IoctlGetUint32(d.fd, ioctlPosition)
		if d.posErr != nil {
			d.posErr = fmt.Errorf("ioctl IVPOSN: %w", d.posErr)
		}
	})
	return d.pos, d.posErr
}

// Ring asks the driver to deliver vector to the peer.
func (d *Device) Ring(vector uint32, dbg Debug) error {
	arg := doorbellArg{
		IntNo: vector,
		FD:    dbg.FD,
		Cmd:   int32(dbg.Cmd),
		Len:   dbg.Len,
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), ioctlDoorbell, uintptr(unsafe.Pointer(&arg)))
	if errno != 0 {
		return fmt.Errorf("ioctl DOORBELL 0x%x: %w", vector, errno)
	}
	return nil
}

// SetOutputReady flags the local outgoing mailbox as free or busy.
func (d *Device) SetOutputReady(ready bool) error {
	v := int(protocol.LocalResourceReady) << 8
	if ready {
		v++
	}
	if err := unix.IoctlSetInt(d.fd, ioctlSet, v); err != nil {
		return fmt.Errorf("ioctl SET: %w", err)
	}
	return nil
}

// Pending returns the driver's counters of undelivered local and peer
// interrupts, for debug logging.
func (d *Device) Pending() (local, peer uint32, err error) {
	v, err := unix.IoctlGetUint32(d.fd, ioctlNop)
	if err != nil {
		return 0, 0, fmt.Errorf("ioctl NOP: %w", err)
	}
	return v & 0xffff, v >> 16, nil
}

// Signals returns the device descriptor: readable when the peer wrote,
// writable when the peer drained our outgoing mailbox.
func (d *Device) Signals() []Signal {
	return []Signal{{FD: d.fd, Events: unix.EPOLLIN | unix.EPOLLOUT}}
}

// Readiness decodes an event on the device descriptor.
func (d *Device) Readiness(fd int, events uint32) (Readiness, error) {
	if fd != d.fd {
		return Readiness{}, fmt.Errorf("fd %d is not the device descriptor", fd)
	}
	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		return Readiness{}, fmt.Errorf("device error events 0x%x", events)
	}
	return Readiness{
		Incoming: events&unix.EPOLLIN != 0,
		Drained:  events&unix.EPOLLOUT != 0,
	}, nil
}

// Close unmaps the region and closes the driver handle.
func (d *Device) Close() error {
	var err error
	if d.mem != nil {
		err = unix.Munmap(d.mem)
		d.mem = nil
	}
	if cerr := unix.Close(d.fd); err == nil {
		err = cerr
	}
	return err
}
