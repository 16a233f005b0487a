// Package transport implements one instance's end of the mailbox link: the
// outgoing and incoming mailboxes, the doorbell vectors addressing the peer,
// and the stop-and-wait gate guarding the outgoing slot.
//
// A Channel is owned by a single goroutine and is not safe for concurrent
// use.
package transport

import (
	"fmt"
	"time"

	"github.com/containerd/errdefs"

	"github.com/1ureka/memsocket/internal/config"
	"github.com/1ureka/memsocket/internal/protocol"
	"github.com/1ureka/memsocket/internal/shm"
	"github.com/1ureka/memsocket/internal/util"
)

var (
	// ErrBusy is returned when the outgoing mailbox still holds a message
	// the peer has not consumed.
	ErrBusy = fmt.Errorf("outgoing mailbox awaiting acknowledgement: %w", errdefs.ErrUnavailable)
	// ErrNoPeer is returned when sending before the peer identity is known.
	ErrNoPeer = fmt.Errorf("peer identity unknown: %w", errdefs.ErrFailedPrecondition)
)

// FlowState is the state of the outgoing slot.
type FlowState int

const (
	// AcceptingAll means the outgoing slot is free and local sockets may be
	// serviced.
	AcceptingAll FlowState = iota
	// AwaitingAck means a message was published and the peer has not yet
	// rung PeerResourceConsumed.
	AwaitingAck
)

func (s FlowState) String() string {
	if s == AwaitingAck {
		return "awaiting-ack"
	}
	return "accepting-all"
}

// Channel is the mailbox pair of one instance.
type Channel struct {
	dev      shm.Transport
	role     config.Role
	instance int

	self protocol.PeerID
	peer protocol.PeerID

	out *shm.Mailbox
	in  *shm.Mailbox

	readyVector    uint32
	consumedVector uint32

	state   FlowState
	pending protocol.Command
	sentAt  time.Time
}

// Open binds a Channel to dev for the given role and instance.
//
// The client records its identity in the region header and marks the server
// mailbox owner unknown; the server takes its peer id from the header. The
// client must therefore be started first.
func Open(dev shm.Transport, role config.Role, instance, vmCount int) (*Channel, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: role %q", errdefs.ErrInvalidArgument, role)
	}
	if instance < 0 || instance >= vmCount {
		return nil, fmt.Errorf("%w: instance %d not in [0, %d)", errdefs.ErrInvalidArgument, instance, vmCount)
	}
	region, err := shm.NewRegion(dev.Memory(), vmCount)
	if err != nil {
		return nil, err
	}
	pos, err := dev.Position()
	if err != nil {
		return nil, err
	}

	c := &Channel{
		dev:      dev,
		role:     role,
		instance: instance,
		self:     protocol.PeerIDFromPosition(pos),
		peer:     protocol.UnknownPeer,
	}

	if role == config.RoleServer {
		c.out = region.ServerMailbox(instance)
		c.in = region.ClientMailbox(instance)
		c.setPeer(region.ClientID())
	} else {
		c.out = region.ClientMailbox(instance)
		c.in = region.ServerMailbox(instance)
		c.in.SetOwner(protocol.UnknownPeer)
	}
	c.out.SetOwner(c.self)
	c.out.Clear()
	if role == config.RoleClient {
		// Published last: a server may start as soon as it sees this.
		region.SetClientID(c.self)
	}

	// A drained indication left over from an earlier run would otherwise
	// acknowledge the first message sent.
	if err := dev.SetOutputReady(false); err != nil {
		return nil, err
	}
	return c, nil
}

// Role returns the side this Channel plays.
func (c *Channel) Role() config.Role { return c.role }

// Instance returns the instance index.
func (c *Channel) Instance() int { return c.instance }

// Self returns this side's peer id.
func (c *Channel) Self() protocol.PeerID { return c.self }

// Peer returns the peer id doorbells are addressed to.
func (c *Channel) Peer() protocol.PeerID { return c.peer }

// State returns the state of the outgoing slot.
func (c *Channel) State() FlowState { return c.state }

// Busy reports whether the outgoing slot holds an unacknowledged message.
func (c *Channel) Busy() bool { return c.state == AwaitingAck }

// SetPeer records the peer identity announced by LOGIN and recomputes the
// doorbell vectors.
func (c *Channel) SetPeer(id protocol.PeerID) error {
	if err := id.Validate(); err != nil {
		return fmt.Errorf("%w: %w", errdefs.ErrInvalidArgument, err)
	}
	c.setPeer(id)
	return nil
}

func (c *Channel) setPeer(id protocol.PeerID) {
	c.peer = id
	c.readyVector = protocol.Vector(id, c.instance, protocol.LocalResourceReady)
	c.consumedVector = protocol.Vector(id, c.instance, protocol.PeerResourceConsumed)
}

// Deadline returns when the pending acknowledgement expires. ok is false
// when nothing is pending or when the pending message is LOGIN, whose
// acknowledgement waits for the peer VM to come up.
func (c *Channel) Deadline(timeout time.Duration) (deadline time.Time, ok bool) {
	if c.state != AwaitingAck || c.pending == protocol.CmdLogin {
		return time.Time{}, false
	}
	return c.sentAt.Add(timeout), true
}

// Pending returns the command awaiting acknowledgement.
func (c *Channel) Pending() protocol.Command {
	if c.state != AwaitingAck {
		return protocol.CmdNone
	}
	return c.pending
}

// Outbox returns the payload area of the outgoing mailbox, to be filled
// before Commit.
func (c *Channel) Outbox() ([]byte, error) {
	if c.Busy() {
		return nil, ErrBusy
	}
	return c.out.Payload(), nil
}

// Commit publishes the first n bytes of the Outbox as cmd for fd and rings
// the peer.
func (c *Channel) Commit(cmd protocol.Command, fd int32, n int) error {
	if c.Busy() {
		return ErrBusy
	}
	if c.peer.Validate() != nil {
		return ErrNoPeer
	}
	c.out.Publish(cmd, fd, n)
	return c.ring(cmd, fd, n)
}

// Send copies payload into the outgoing mailbox and rings the peer.
func (c *Channel) Send(cmd protocol.Command, fd int32, payload []byte) error {
	if c.Busy() {
		return ErrBusy
	}
	if c.peer.Validate() != nil {
		return ErrNoPeer
	}
	c.out.Write(protocol.Message{Cmd: cmd, FD: fd, Payload: payload})
	return c.ring(cmd, fd, len(payload))
}

func (c *Channel) ring(cmd protocol.Command, fd int32, n int) error {
	dbg := shm.Debug{Cmd: cmd, FD: fd, Len: int32(n)}
	if err := c.dev.Ring(c.readyVector, dbg); err != nil {
		return fmt.Errorf("ring %s: %w", cmd, err)
	}
	c.state = AwaitingAck
	c.pending = cmd
	c.sentAt = time.Now()
	if cmd == protocol.CmdData || cmd == protocol.CmdDataClose {
		util.Stats.AddSent(n)
	}
	return nil
}

// Acknowledged frees the outgoing slot after the peer consumed it.
func (c *Channel) Acknowledged() error {
	c.state = AcceptingAll
	c.pending = protocol.CmdNone
	return c.dev.SetOutputReady(false)
}

// Reset abandons a message still awaiting acknowledgement. A peer that
// restarted never consumes what was sent to its previous session.
func (c *Channel) Reset() error {
	if c.state == AcceptingAll {
		return nil
	}
	c.state = AcceptingAll
	c.pending = protocol.CmdNone
	return c.dev.SetOutputReady(false)
}

// Receive returns the message in the incoming mailbox. Its payload aliases
// shared memory and is valid until Consume.
func (c *Channel) Receive() (protocol.Message, error) {
	msg, err := c.in.Read()
	if err == nil && msg.Payload != nil {
		util.Stats.AddRecv(len(msg.Payload))
	}
	return msg, err
}

// Consume tells the peer the incoming mailbox may be reused. Before LOGIN
// the peer is addressed through the owner recorded in the mailbox.
func (c *Channel) Consume(cmd protocol.Command) error {
	vector := c.consumedVector
	if c.peer.Validate() != nil {
		owner := c.in.Owner()
		if err := owner.Validate(); err != nil {
			return fmt.Errorf("consume %s: incoming owner: %w", cmd, err)
		}
		vector = protocol.Vector(owner, c.instance, protocol.PeerResourceConsumed)
	}
	if err := c.dev.Ring(vector, shm.Debug{Cmd: cmd}); err != nil {
		return fmt.Errorf("ring consumed: %w", err)
	}
	return nil
}

// Signals lists the descriptors reporting peer activity.
func (c *Channel) Signals() []shm.Signal {
	return c.dev.Signals()
}

// Readiness decodes an event on one of the Signals.
func (c *Channel) Readiness(fd int, events uint32) (shm.Readiness, error) {
	return c.dev.Readiness(fd, events)
}
