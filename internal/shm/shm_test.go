package shm_test

import (
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/1ureka/memsocket/internal/protocol"
	"github.com/1ureka/memsocket/internal/shm"
)

const (
	serverPos = 1
	clientPos = 2
)

func newRegion(t *testing.T, vmCount int) (*shm.Loopback, *shm.Region) {
	t.Helper()
	bus, err := shm.NewLoopback(vmCount)
	require.NoError(t, err)
	region, err := shm.NewRegion(bus.Memory(), vmCount)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, bus.Close()) })
	return bus, region
}

func openEnd(t *testing.T, bus *shm.Loopback, pos uint32, instance int) shm.Transport {
	t.Helper()
	tr, err := bus.Open(pos, instance)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, tr.Close()) })
	return tr
}

// waitReady polls the transport signals until one reports readiness.
func waitReady(t *testing.T, tr shm.Transport) shm.Readiness {
	t.Helper()
	sigs := tr.Signals()
	fds := make([]unix.PollFd, len(sigs))
	for i, s := range sigs {
		fds[i] = unix.PollFd{Fd: int32(s.FD), Events: unix.POLLIN}
	}
	n, err := unix.Poll(fds, int((2 * time.Second).Milliseconds()))
	require.NoError(t, err)
	require.Positive(t, n, "no doorbell within timeout")

	var r shm.Readiness
	for i, f := range fds {
		if f.Revents == 0 {
			continue
		}
		got, err := tr.Readiness(sigs[i].FD, uint32(f.Revents))
		require.NoError(t, err)
		r.Incoming = r.Incoming || got.Incoming
		r.Drained = r.Drained || got.Drained
	}
	return r
}

func TestMailboxPublishAndRead(t *testing.T) {
	bus, region := newRegion(t, 2)
	box := region.ServerMailbox(1)

	box.SetOwner(protocol.PeerIDFromPosition(serverPos))
	box.Write(protocol.Message{Cmd: protocol.CmdData, FD: 42, Payload: []byte("abc")})

	msg, err := box.Read()
	require.NoError(t, err)
	assert.Equal(t, protocol.CmdData, msg.Cmd)
	assert.Equal(t, int32(42), msg.FD)
	assert.Equal(t, []byte("abc"), msg.Payload)
	assert.Equal(t, protocol.PeerIDFromPosition(serverPos), box.Owner())

	// The record is the one a C peer reads: little-endian words.
	off := protocol.ServerMailboxOffset(2, 1)
	mem := bus.Memory()[off:]
	assert.Equal(t, []byte{2, 0, 0, 0}, mem[protocol.CmdOffset:protocol.CmdOffset+4])
	assert.Equal(t, []byte{42, 0, 0, 0}, mem[protocol.FDOffset:protocol.FDOffset+4])
	assert.Equal(t, []byte{3, 0, 0, 0}, mem[protocol.LenOffset:protocol.LenOffset+4])
	assert.Equal(t, []byte("abc"), mem[protocol.HeaderSize:protocol.HeaderSize+3])
}

func TestMailboxCommandsCarryNoPayload(t *testing.T) {
	_, region := newRegion(t, 1)
	box := region.ClientMailbox(0)

	box.Write(protocol.Message{Cmd: protocol.CmdConnect, FD: 7})
	msg, err := box.Read()
	require.NoError(t, err)
	assert.Equal(t, protocol.CmdConnect, msg.Cmd)
	assert.Nil(t, msg.Payload)

	box.Clear()
	assert.Equal(t, protocol.CmdNone, box.Command())
}

func TestMailboxRejectsOversizedWrite(t *testing.T) {
	_, region := newRegion(t, 1)
	box := region.ClientMailbox(0)

	assert.Panics(t, func() {
		box.Write(protocol.Message{Cmd: protocol.CmdData, Payload: make([]byte, protocol.MailboxDataSize+1)})
	})
	assert.NotPanics(t, func() {
		box.Write(protocol.Message{Cmd: protocol.CmdData, Payload: make([]byte, protocol.MailboxDataSize)})
	})
}

func TestMailboxRejectsCorruptLength(t *testing.T) {
	bus, region := newRegion(t, 1)
	box := region.ClientMailbox(0)
	box.Publish(protocol.CmdData, 1, 0)

	// A misbehaving peer writes a length past the payload area.
	off := protocol.ClientMailboxOffset(0) + protocol.LenOffset
	n := uint32(protocol.MailboxDataSize + 1)
	mem := bus.Memory()
	mem[off], mem[off+1], mem[off+2], mem[off+3] = byte(n), byte(n>>8), byte(n>>16), byte(n>>24)

	_, err := box.Read()
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestRegionClientID(t *testing.T) {
	_, region := newRegion(t, 3)
	region.SetClientID(protocol.PeerIDFromPosition(clientPos))
	assert.Equal(t, protocol.PeerIDFromPosition(clientPos), region.ClientID())
}

func TestNewRegionTooSmall(t *testing.T) {
	_, err := shm.NewRegion(make([]byte, protocol.RegionSize(1)), 2)
	require.Error(t, err)
}

// TestLoopbackRoutesVectors checks that a ring reaches exactly the end the
// vector addresses, on the side selected by the direction bit.
func TestLoopbackRoutesVectors(t *testing.T) {
	bus, _ := newRegion(t, 3)
	server := openEnd(t, bus, serverPos, 2)
	client := openEnd(t, bus, clientPos, 2)
	other := openEnd(t, bus, clientPos, 1)

	clientID := protocol.PeerIDFromPosition(clientPos)
	require.NoError(t, server.Ring(protocol.Vector(clientID, 2, protocol.LocalResourceReady), shm.Debug{}))

	r := waitReady(t, client)
	assert.True(t, r.Incoming)
	assert.False(t, r.Drained)

	serverID := protocol.PeerIDFromPosition(serverPos)
	require.NoError(t, client.Ring(protocol.Vector(serverID, 2, protocol.PeerResourceConsumed), shm.Debug{}))

	r = waitReady(t, server)
	assert.True(t, r.Drained)
	assert.False(t, r.Incoming)

	// Instance 1 was never addressed.
	fds := []unix.PollFd{{Fd: int32(other.Signals()[0].FD), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 50)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLoopbackOutputReadyFlag(t *testing.T) {
	bus, _ := newRegion(t, 1)
	end := openEnd(t, bus, serverPos, 0)

	require.NoError(t, end.SetOutputReady(true))
	r := waitReady(t, end)
	assert.True(t, r.Drained)

	require.NoError(t, end.SetOutputReady(true))
	require.NoError(t, end.SetOutputReady(false))
	fds := []unix.PollFd{{Fd: int32(end.Signals()[1].FD), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 50)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLoopbackDuplicateOpen(t *testing.T) {
	bus, _ := newRegion(t, 1)
	openEnd(t, bus, serverPos, 0)
	_, err := bus.Open(serverPos, 0)
	require.Error(t, err)
	_, err = bus.Open(serverPos, 1)
	require.Error(t, err)
}
