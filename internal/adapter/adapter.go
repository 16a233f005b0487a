// Package adapter runs one memsocket instance: it bridges the local Unix
// socket connections of that instance to the shared-memory mailbox pair,
// translating descriptors through an FDMap and respecting the stop-and-wait
// discipline of the outgoing mailbox.
package adapter

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/containerd/errdefs"
	"golang.org/x/sys/unix"

	"github.com/1ureka/memsocket/internal/config"
	"github.com/1ureka/memsocket/internal/protocol"
	"github.com/1ureka/memsocket/internal/shm"
	"github.com/1ureka/memsocket/internal/transport"
	"github.com/1ureka/memsocket/internal/util"
)

// ErrAckTimeout is returned by Run when the peer does not consume a message
// within the configured acknowledgement timeout.
var ErrAckTimeout = fmt.Errorf("peer did not acknowledge: %w", context.DeadlineExceeded)

// ErrMalformedLogin is returned by Run when the peer announces an identity
// that cannot address doorbells.
var ErrMalformedLogin = fmt.Errorf("malformed LOGIN: %w", errdefs.ErrInvalidArgument)

const (
	maxEvents   = 64
	localEvents = unix.EPOLLIN | unix.EPOLLRDHUP
)

// linkState tracks whether the peer has identified itself.
type linkState int

const (
	awaitingLogin linkState = iota
	established
)

func (s linkState) String() string {
	if s == established {
		return "established"
	}
	return "awaiting-login"
}

// Instance is the complete state of one instance. It is owned by the
// goroutine calling Run.
type Instance struct {
	cfg   config.Config
	index int
	dev   shm.Transport
	ch    *transport.Channel
	log   *util.Logger

	table   *FDMap
	state   linkState
	rejects []int32 // wire ids waiting for a CLOSE reply

	full    *poller // device, stop, listener, local connections
	limited *poller // device, stop
	signals map[int]bool
	stop    int
	lfd     int

	dropped map[int]bool // descriptors released during the current batch
	closed  bool
}

// NewInstance prepares instance index on dev. The Instance takes ownership
// of dev: it is closed on failure, or when Run returns.
func NewInstance(cfg config.Config, index int, dev shm.Transport) (*Instance, error) {
	ch, err := transport.Open(dev, cfg.Role, index, cfg.VMCount)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("instance %d: %w", index, err)
	}

	in := &Instance{
		cfg:     cfg,
		index:   index,
		dev:     dev,
		ch:      ch,
		log:     util.ForInstance(index),
		table:   NewFDMap(cfg.MaxClients),
		signals: make(map[int]bool),
		stop:    -1,
		lfd:     -1,
		dropped: make(map[int]bool),
	}
	if cfg.Role == config.RoleServer {
		in.state = established
	}
	if err := in.init(); err != nil {
		in.release()
		return nil, fmt.Errorf("instance %d: %w", index, err)
	}
	return in, nil
}

func (in *Instance) init() error {
	var err error
	if in.full, err = newPoller(maxEvents); err != nil {
		return err
	}
	if in.limited, err = newPoller(maxEvents); err != nil {
		return err
	}
	if in.stop, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC); err != nil {
		return fmt.Errorf("eventfd: %w", err)
	}

	watch := append(in.ch.Signals(), shm.Signal{FD: in.stop, Events: unix.EPOLLIN})
	for _, s := range watch {
		if s.FD != in.stop {
			in.signals[s.FD] = true
		}
		if err := in.full.add(s.FD, s.Events); err != nil {
			return err
		}
		if err := in.limited.add(s.FD, s.Events); err != nil {
			return err
		}
	}

	if in.cfg.Role == config.RoleServer {
		if in.lfd, err = listenUnix(in.cfg.SocketPath); err != nil {
			return err
		}
		if err := in.full.add(in.lfd, unix.EPOLLIN); err != nil {
			return err
		}
		in.log.Info("listening on %s", in.cfg.SocketPath)
	}
	return nil
}

// Run services the instance until ctx is cancelled or a fatal error
// occurs. Every descriptor the Instance owns is closed before Run returns.
func (in *Instance) Run(ctx context.Context) error {
	defer in.release()

	woken := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(woken)
		var buf [8]byte
		binary.NativeEndian.PutUint64(buf[:], 1)
		unix.Write(in.stop, buf[:])
	})
	defer func() {
		// The wake-up must not outlive the eventfd.
		if !stop() {
			<-woken
		}
	}()

	if in.cfg.Role == config.RoleServer {
		if err := in.ch.Send(protocol.CmdLogin, int32(in.ch.Self()), nil); err != nil {
			return fmt.Errorf("instance %d: send LOGIN: %w", in.index, err)
		}
		in.log.Info("sent LOGIN as %s to %s", in.ch.Self(), in.ch.Peer())
	}

	for {
		if err := in.step(ctx); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return err
			}
			return fmt.Errorf("instance %d: %w", in.index, err)
		}
	}
}

// step waits for one batch of events and handles it.
func (in *Instance) step(ctx context.Context) error {
	p, timeout := in.full, -1
	if in.ch.Busy() {
		p = in.limited
		if deadline, ok := in.ch.Deadline(in.cfg.AckTimeout); ok {
			left := time.Until(deadline)
			if left <= 0 {
				in.traceDriver()
				return fmt.Errorf("%s: %w", in.ch.Pending(), ErrAckTimeout)
			}
			timeout = int(math.Ceil(float64(left) / float64(time.Millisecond)))
		}
	}

	events, err := p.wait(timeout)
	if err != nil {
		return err
	}
	clear(in.dropped)

	// Peer activity first: an acknowledgement may reopen the gate for the
	// local events of the same batch.
	for _, ev := range events {
		fd := int(ev.Fd)
		if fd == in.stop {
			return ctx.Err()
		}
		if !in.signals[fd] {
			continue
		}
		r, err := in.ch.Readiness(fd, ev.Events)
		if err != nil {
			return err
		}
		if r.Drained {
			if err := in.ch.Acknowledged(); err != nil {
				return err
			}
		}
		if r.Incoming {
			if err := in.receive(); err != nil {
				return err
			}
		}
	}

	if err := in.flushRejects(); err != nil {
		return err
	}

	for _, ev := range events {
		if in.ch.Busy() {
			break
		}
		fd := int(ev.Fd)
		if fd == in.stop || in.signals[fd] || in.dropped[fd] {
			continue
		}
		if fd == in.lfd {
			err = in.accept()
		} else {
			err = in.forward(fd, ev.Events)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// receive handles the message in the incoming mailbox and consumes it.
func (in *Instance) receive() error {
	var fatal error
	msg, err := in.ch.Receive()
	if err != nil {
		in.log.Warn("dropping %s: %v", msg.Cmd, err)
	} else {
		fatal = in.dispatch(msg)
	}
	if err := in.ch.Consume(msg.Cmd); err != nil {
		return errors.Join(fatal, err)
	}
	return fatal
}

// dispatch applies one incoming command. Only a malformed LOGIN is fatal;
// everything else is logged and dropped.
func (in *Instance) dispatch(msg protocol.Message) error {
	if util.DebugEnabled() {
		in.log.Debug("received %s wire=%d len=%d cksum=0x%08x", msg.Cmd, msg.FD, len(msg.Payload), util.Checksum(msg.Payload))
	}

	if in.state == awaitingLogin && msg.Cmd != protocol.CmdLogin {
		in.log.Warn("dropping %s for wire id %d before LOGIN", msg.Cmd, msg.FD)
		return nil
	}

	switch msg.Cmd {
	case protocol.CmdLogin:
		return in.login(protocol.PeerID(uint32(msg.FD)))
	case protocol.CmdConnect:
		in.connect(msg.FD)
	case protocol.CmdData:
		in.deliver(msg)
	case protocol.CmdDataClose:
		in.deliver(msg)
		in.closeRemote(msg.FD)
	case protocol.CmdClose:
		in.closeRemote(msg.FD)
	default:
		in.log.Warn("ignoring unknown command %d", int32(msg.Cmd))
	}
	return nil
}

// login forgets every connection of the previous peer session, along with
// the message it left unacknowledged. Local events already collected for
// those connections are skipped since drop marks them.
func (in *Instance) login(peer protocol.PeerID) error {
	if err := in.ch.SetPeer(peer); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedLogin, err)
	}
	if pending := in.ch.Pending(); pending != protocol.CmdNone {
		in.log.Warn("discarding unacknowledged %s of the previous session", pending)
	}
	if err := in.ch.Reset(); err != nil {
		return err
	}
	n := in.table.Len()
	for _, fd := range in.table.Reset() {
		in.drop(fd)
	}
	in.rejects = in.rejects[:0]
	in.log.Info("peer %s logged in (link was %s), closed %d connections", peer, in.state, n)
	in.state = established
	return nil
}

// connect dials the local endpoint for a new wire id. Failures are answered
// with a CLOSE once the outgoing mailbox is free.
func (in *Instance) connect(wire int32) {
	if in.table.Len() == in.table.Cap() {
		in.log.Warn("rejecting wire id %d: %v", wire, ErrTableFull)
		in.rejects = append(in.rejects, wire)
		return
	}
	fd, err := dialUnix(in.cfg.SocketPath)
	if err != nil {
		in.log.Warn("rejecting wire id %d: %v", wire, err)
		in.rejects = append(in.rejects, wire)
		return
	}
	if err := in.table.Bind(fd, wire); err != nil {
		conn(fd).close()
		in.log.Warn("rejecting wire id %d: %v", wire, err)
		in.rejects = append(in.rejects, wire)
		return
	}
	if err := in.full.add(fd, localEvents); err != nil {
		in.table.ByLocal(fd, true)
		conn(fd).close()
		in.log.Warn("rejecting wire id %d: %v", wire, err)
		in.rejects = append(in.rejects, wire)
		return
	}
	util.Stats.AddConn()
	in.log.Debug("wire id %d connected as fd %d", wire, fd)
}

// deliver writes a DATA payload to the local connection of its wire id.
func (in *Instance) deliver(msg protocol.Message) {
	b, err := in.table.ByRemote(msg.FD, false)
	if err != nil {
		in.log.Warn("dropping %d bytes for wire id %d: %v", len(msg.Payload), msg.FD, err)
		return
	}
	if n, err := writeChunked(conn(b.Local), msg.Payload); err != nil {
		in.log.Warn("sent %d of %d bytes on fd %d: %v", n, len(msg.Payload), b.Local, err)
	}
}

// closeRemote releases the connection the peer closed.
func (in *Instance) closeRemote(wire int32) {
	b, err := in.table.ByRemote(wire, true)
	if err != nil {
		in.log.Warn("close for wire id %d: %v", wire, err)
		return
	}
	in.drop(b.Local)
	in.log.Debug("wire id %d closed by peer", wire)
}

// flushRejects answers one rejected CONNECT while the outgoing mailbox is
// free.
func (in *Instance) flushRejects() error {
	if in.ch.Busy() || len(in.rejects) == 0 {
		return nil
	}
	wire := in.rejects[0]
	in.rejects = in.rejects[1:]
	return in.ch.Send(protocol.CmdClose, wire, nil)
}

// accept takes a new local connection on the listener and announces it.
func (in *Instance) accept() error {
	fd, err := acceptUnix(in.lfd)
	if err != nil {
		in.log.Warn("%v", err)
		return nil
	}
	if fd < 0 {
		return nil
	}
	if err := in.table.Bind(fd, int32(fd)); err != nil {
		conn(fd).close()
		in.log.Warn("refusing local connection: %v", err)
		return nil
	}
	if err := in.full.add(fd, localEvents); err != nil {
		in.table.ByLocal(fd, true)
		conn(fd).close()
		return err
	}
	util.Stats.AddConn()
	in.log.Debug("accepted fd %d", fd)
	return in.ch.Send(protocol.CmdConnect, int32(fd), nil)
}

// forward moves what a local connection has to offer into the outgoing
// mailbox: data, data with a close, or a bare close. A connection that only
// shut down its write side keeps receiving until it hangs up.
func (in *Instance) forward(fd int, events uint32) error {
	b, err := in.table.ByLocal(fd, false)
	if err != nil {
		in.log.Warn("event 0x%x on unmapped fd %d", events, fd)
		return in.full.remove(fd)
	}

	hangup := events&(unix.EPOLLHUP|unix.EPOLLERR) != 0
	switch {
	case events&unix.EPOLLIN != 0:
		buf, err := in.ch.Outbox()
		if err != nil {
			return err
		}
		n, rerr := conn(fd).Read(buf)
		if n > 0 {
			cmd := protocol.CmdData
			if hangup && n < len(buf) {
				cmd = protocol.CmdDataClose
			}
			if util.DebugEnabled() {
				in.log.Debug("sending %s fd=%d wire=%d len=%d cksum=0x%08x", cmd, fd, b.Remote, n, util.Checksum(buf[:n]))
			}
			if err := in.ch.Commit(cmd, b.Remote, n); err != nil {
				return err
			}
			if cmd == protocol.CmdDataClose {
				in.table.ByLocal(fd, true)
				in.drop(fd)
			}
			return nil
		}
		if errors.Is(rerr, io.EOF) && !hangup {
			return in.halfClose(fd)
		}
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			in.log.Warn("read fd %d: %v", fd, rerr)
		}
	case !hangup:
		if events&unix.EPOLLRDHUP != 0 {
			return in.halfClose(fd)
		}
		return nil
	}

	in.table.ByLocal(fd, true)
	in.drop(fd)
	in.log.Debug("fd %d closed locally", fd)
	return in.ch.Send(protocol.CmdClose, b.Remote, nil)
}

// halfClose stops reading a connection whose write side was shut down. It
// stays bound until it hangs up or the peer closes its wire id.
func (in *Instance) halfClose(fd int) error {
	in.log.Debug("fd %d shut down its write side", fd)
	return in.full.modify(fd, 0)
}

// drop deregisters and closes a local connection.
func (in *Instance) drop(fd int) {
	if err := in.full.remove(fd); err != nil {
		in.log.Warn("%v", err)
	}
	if err := conn(fd).close(); err != nil {
		in.log.Warn("close fd %d: %v", fd, err)
	}
	in.dropped[fd] = true
	util.Stats.RemoveConn()
}

// traceDriver logs the driver's interrupt counters when it exposes them.
func (in *Instance) traceDriver() {
	d, ok := in.dev.(interface {
		Pending() (local, peer uint32, err error)
	})
	if !ok {
		return
	}
	if local, peer, err := d.Pending(); err == nil {
		in.log.Warn("undelivered interrupts: local=%d peer=%d", local, peer)
	}
}

// Close releases an Instance that will not be run.
func (in *Instance) Close() error {
	return in.release()
}

// release closes every descriptor the Instance owns. It is idempotent.
func (in *Instance) release() error {
	if in.closed {
		return nil
	}
	in.closed = true

	var errs []error
	for _, fd := range in.table.Reset() {
		errs = append(errs, conn(fd).close())
	}
	if in.lfd >= 0 {
		errs = append(errs, unix.Close(in.lfd))
	}
	if in.stop >= 0 {
		errs = append(errs, unix.Close(in.stop))
	}
	for _, p := range []*poller{in.full, in.limited} {
		if p != nil {
			errs = append(errs, p.close())
		}
	}
	errs = append(errs, in.dev.Close())
	return errors.Join(errs...)
}
