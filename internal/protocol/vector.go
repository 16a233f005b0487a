package protocol

import "fmt"

// PeerID identifies one side of the link: the device IVPosition shifted left
// by 16 bits, so that it can be OR-ed with instance and direction bits to
// form a doorbell vector.
type PeerID uint32

// UnknownPeer is stored where the identity of a side is not yet known.
const UnknownPeer PeerID = 0xffffffff

// PeerIDFromPosition converts a device IVPosition into a PeerID.
func PeerIDFromPosition(pos uint32) PeerID {
	return PeerID(pos << 16)
}

// Position returns the IVPosition encoded in p.
func (p PeerID) Position() uint32 {
	return uint32(p) >> 16
}

// Validate reports whether p can be used to build doorbell vectors.
func (p PeerID) Validate() error {
	if p == UnknownPeer {
		return fmt.Errorf("peer id is unknown")
	}
	if p&0xffff != 0 {
		return fmt.Errorf("peer id 0x%x has non-zero low bits", uint32(p))
	}
	return nil
}

func (p PeerID) String() string {
	if p == UnknownPeer {
		return "unknown"
	}
	return fmt.Sprintf("0x%x", uint32(p))
}

// Direction selects which of the two doorbells of an instance is rung.
type Direction uint32

const (
	// PeerResourceConsumed tells the peer its outgoing mailbox was drained.
	PeerResourceConsumed Direction = 0
	// LocalResourceReady tells the peer our outgoing mailbox holds a command.
	LocalResourceReady Direction = 1
)

func (d Direction) String() string {
	if d == LocalResourceReady {
		return "local-ready"
	}
	return "peer-consumed"
}

// MaxInstances bounds the instance index so that it fits between the
// direction bit and the peer id.
const MaxInstances = 1 << 15

// Vector computes the doorbell vector for ringing peer on the given instance.
func Vector(peer PeerID, instance int, dir Direction) uint32 {
	return uint32(peer) | uint32(instance)<<1 | uint32(dir)
}

// ParseVector splits a vector built by Vector back into its parts.
func ParseVector(v uint32) (peer PeerID, instance int, dir Direction) {
	return PeerID(v &^ 0xffff), int(v&0xffff) >> 1, Direction(v & 1)
}
