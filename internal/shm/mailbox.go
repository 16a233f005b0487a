package shm

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/bassosimone/runtimex"
	"github.com/containerd/errdefs"

	"github.com/1ureka/memsocket/internal/protocol"
)

// Mailbox is a view of one single-slot record inside the shared region.
//
// The header words are accessed with atomic loads and stores. The command
// tag is written last when publishing and read first when receiving, so the
// tag store is the release point for the descriptor, length and payload
// written before it.
type Mailbox struct {
	mem []byte
}

func newMailbox(mem []byte) *Mailbox {
	runtimex.Assert(len(mem) >= protocol.MailboxSize)
	runtimex.Assert(uintptr(unsafe.Pointer(&mem[0]))%4 == 0)
	return &Mailbox{mem: mem[:protocol.MailboxSize:protocol.MailboxSize]}
}

func (m *Mailbox) load(off int) uint32 {
	return loadWord(m.mem, off)
}

func (m *Mailbox) store(off int, v uint32) {
	storeWord(m.mem, off, v)
}

func loadWord(mem []byte, off int) uint32 {
	return protocol.ToWire(atomic.LoadUint32((*uint32)(unsafe.Pointer(&mem[off]))))
}

func storeWord(mem []byte, off int, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&mem[off])), protocol.ToWire(v))
}

// Owner returns the peer id recorded by the side that writes this mailbox.
func (m *Mailbox) Owner() protocol.PeerID {
	return protocol.PeerID(m.load(protocol.OwnerOffset))
}

// SetOwner records the peer id of the writing side.
func (m *Mailbox) SetOwner(id protocol.PeerID) {
	m.store(protocol.OwnerOffset, uint32(id))
}

// Command returns the current command tag.
func (m *Mailbox) Command() protocol.Command {
	return protocol.Command(int32(m.load(protocol.CmdOffset)))
}

// Payload returns the whole payload area. Callers may fill it directly and
// then call Publish.
func (m *Mailbox) Payload() []byte {
	return m.mem[protocol.HeaderSize:]
}

// Publish makes the first n payload bytes visible to the peer as cmd for
// descriptor fd. The command tag is stored last.
func (m *Mailbox) Publish(cmd protocol.Command, fd int32, n int) {
	runtimex.Assert(n >= 0 && n <= protocol.MailboxDataSize)
	m.store(protocol.FDOffset, uint32(fd))
	m.store(protocol.LenOffset, uint32(n))
	m.store(protocol.CmdOffset, uint32(cmd))
}

// Write copies msg into the mailbox and publishes it. A payload larger than
// the mailbox is a programming error: callers chunk before writing.
func (m *Mailbox) Write(msg protocol.Message) {
	runtimex.Assert(len(msg.Payload) <= protocol.MailboxDataSize)
	n := copy(m.Payload(), msg.Payload)
	m.Publish(msg.Cmd, msg.FD, n)
}

// Clear resets the command tag to CmdNone.
func (m *Mailbox) Clear() {
	none := int32(protocol.CmdNone)
	m.store(protocol.CmdOffset, uint32(none))
}

// Read returns the record currently stored in the mailbox. The returned
// payload aliases shared memory and stays valid only until the writer is told
// the mailbox was consumed.
//
// The writer is the peer VM, so the length field is checked rather than
// trusted.
func (m *Mailbox) Read() (protocol.Message, error) {
	cmd := m.Command()
	msg := protocol.Message{
		Cmd: cmd,
		FD:  int32(m.load(protocol.FDOffset)),
	}
	n := int32(m.load(protocol.LenOffset))
	if n < 0 || n > protocol.MailboxDataSize {
		return msg, fmt.Errorf("mailbox length %d out of range: %w", n, errdefs.ErrInvalidArgument)
	}
	if cmd == protocol.CmdData || cmd == protocol.CmdDataClose {
		msg.Payload = m.Payload()[:n]
	}
	return msg, nil
}
