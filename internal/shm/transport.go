package shm

import "github.com/1ureka/memsocket/internal/protocol"

// DefaultDevicePath is where the ivshmem character driver is exposed.
const DefaultDevicePath = "/dev/ivshmem"

// Transport is the shared-memory device as seen by one instance: it owns the
// mapping, rings doorbells, and exposes pollable descriptors that report
// peer activity.
type Transport interface {
	// Memory returns the mapped region.
	Memory() []byte
	// Position returns the device IVPosition of this side.
	Position() (uint32, error)
	// Ring delivers a doorbell interrupt with the given vector.
	Ring(vector uint32, dbg Debug) error
	// SetOutputReady tells the driver whether the local outgoing mailbox
	// is free.
	SetOutputReady(ready bool) error
	// Signals lists the descriptors, and their epoll interest, that must be
	// watched to learn about peer activity.
	Signals() []Signal
	// Readiness decodes an epoll event reported for one of the Signals.
	Readiness(fd int, events uint32) (Readiness, error)
	// Close releases the mapping and descriptors.
	Close() error
}

// Signal is one descriptor to watch with its epoll interest mask.
type Signal struct {
	FD     int
	Events uint32
}

// Readiness is the decoded meaning of a device event.
type Readiness struct {
	Incoming bool // the peer published a command into our incoming mailbox
	Drained  bool // the peer consumed our outgoing mailbox
}

// Debug is metadata carried with a doorbell for driver-side tracing.
type Debug struct {
	Cmd protocol.Command
	FD  int32
	Len int32
}
