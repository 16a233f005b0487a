// Package shm gives typed access to the shared memory region that carries
// memsocket mailboxes, and to the device that maps it and rings doorbells.
package shm

import (
	"fmt"
	"unsafe"

	"github.com/1ureka/memsocket/internal/protocol"
)

// Region is the mapped control block: the client peer id followed by one
// client mailbox and one server mailbox per instance.
type Region struct {
	mem     []byte
	vmCount int
}

// NewRegion wraps mem, which must be large enough for vmCount mailbox pairs.
func NewRegion(mem []byte, vmCount int) (*Region, error) {
	if err := protocol.CheckRegion(len(mem), vmCount); err != nil {
		return nil, err
	}
	if uintptr(unsafe.Pointer(&mem[0]))%4 != 0 {
		return nil, fmt.Errorf("shared memory is not word aligned")
	}
	return &Region{mem: mem, vmCount: vmCount}, nil
}

// VMCount returns the number of mailbox pairs.
func (r *Region) VMCount() int {
	return r.vmCount
}

// ClientID returns the peer id the client side stored at start-up.
func (r *Region) ClientID() protocol.PeerID {
	return protocol.PeerID(loadWord(r.mem, protocol.ClientOffset))
}

// SetClientID stores the client peer id for all instances.
func (r *Region) SetClientID(id protocol.PeerID) {
	storeWord(r.mem, protocol.ClientOffset, uint32(id))
}

// ClientMailbox returns the mailbox written by the client side of instance.
func (r *Region) ClientMailbox(instance int) *Mailbox {
	off := protocol.ClientMailboxOffset(instance)
	return newMailbox(r.mem[off : off+protocol.MailboxSize])
}

// ServerMailbox returns the mailbox written by the server side of instance.
func (r *Region) ServerMailbox(instance int) *Mailbox {
	off := protocol.ServerMailboxOffset(r.vmCount, instance)
	return newMailbox(r.mem[off : off+protocol.MailboxSize])
}
