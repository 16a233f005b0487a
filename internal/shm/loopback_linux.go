package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/1ureka/memsocket/internal/protocol"
)

// Loopback emulates the ivshmem driver inside one process. Ends opened on
// the same Loopback share one anonymous mapping, and doorbells are routed by
// decoding the vector exactly as the hypervisor would: the peer id selects
// the VM, the instance bits select the handle, the direction bit selects
// whether the handle becomes readable (incoming command) or reports a drained
// output slot. Both conditions are delivered through eventfds.
type Loopback struct {
	mem     []byte
	vmCount int

	mu   sync.Mutex
	ends map[loopbackKey]*loopbackEnd
}

type loopbackKey struct {
	pos      uint32
	instance int
}

// NewLoopback maps a zeroed region large enough for vmCount mailbox pairs.
func NewLoopback(vmCount int) (*Loopback, error) {
	size := protocol.RegionSize(vmCount)
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap loopback region: %w", err)
	}
	return &Loopback{
		mem:     mem,
		vmCount: vmCount,
		ends:    make(map[loopbackKey]*loopbackEnd),
	}, nil
}

// Memory returns the shared region seen by every end.
func (l *Loopback) Memory() []byte {
	return l.mem
}

// Open returns the handle of VM pos bound to instance. Ends must be closed
// before the Loopback itself.
func (l *Loopback) Open(pos uint32, instance int) (Transport, error) {
	if instance < 0 || instance >= l.vmCount {
		return nil, fmt.Errorf("instance %d out of range", instance)
	}

	key := loopbackKey{pos: pos, instance: instance}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.ends[key]; exists {
		return nil, fmt.Errorf("position %d instance %d already open", pos, instance)
	}

	incoming, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	drained, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(incoming)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	e := &loopbackEnd{bus: l, key: key, incoming: incoming, drained: drained}
	l.ends[key] = e
	return e, nil
}

// Close unmaps the shared region.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.ends) != 0 {
		return fmt.Errorf("%d loopback ends still open", len(l.ends))
	}
	return unix.Munmap(l.mem)
}

func (l *Loopback) lookup(key loopbackKey) *loopbackEnd {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ends[key]
}

type loopbackEnd struct {
	bus      *Loopback
	key      loopbackKey
	incoming int
	drained  int
}

func (e *loopbackEnd) Memory() []byte {
	return e.bus.mem
}

func (e *loopbackEnd) Position() (uint32, error) {
	return e.key.pos, nil
}

// Ring signals the end addressed by vector. A vector that addresses no open
// end is lost, as an interrupt to an absent VM would be.
func (e *loopbackEnd) Ring(vector uint32, _ Debug) error {
	peer, instance, dir := protocol.ParseVector(vector)
	target := e.bus.lookup(loopbackKey{pos: peer.Position(), instance: instance})
	if target == nil {
		return nil
	}
	if dir == protocol.LocalResourceReady {
		return signal(target.incoming)
	}
	return signal(target.drained)
}

func (e *loopbackEnd) SetOutputReady(ready bool) error {
	if ready {
		return signal(e.drained)
	}
	_, err := consume(e.drained)
	return err
}

func (e *loopbackEnd) Signals() []Signal {
	return []Signal{
		{FD: e.incoming, Events: unix.EPOLLIN},
		{FD: e.drained, Events: unix.EPOLLIN},
	}
}

func (e *loopbackEnd) Readiness(fd int, _ uint32) (Readiness, error) {
	switch fd {
	case e.incoming:
		ok, err := consume(fd)
		return Readiness{Incoming: ok}, err
	case e.drained:
		ok, err := consume(fd)
		return Readiness{Drained: ok}, err
	default:
		return Readiness{}, fmt.Errorf("fd %d is not a loopback signal", fd)
	}
}

func (e *loopbackEnd) Close() error {
	e.bus.mu.Lock()
	delete(e.bus.ends, e.key)
	e.bus.mu.Unlock()
	return errors.Join(unix.Close(e.incoming), unix.Close(e.drained))
}

func signal(fd int) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(fd, buf[:]); err != nil {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

// consume resets the eventfd counter and reports whether it was set.
func consume(fd int) (bool, error) {
	var buf [8]byte
	_, err := unix.Read(fd, buf[:])
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, unix.EAGAIN):
		return false, nil
	default:
		return false, fmt.Errorf("eventfd read: %w", err)
	}
}
