package protocol_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/memsocket/internal/protocol"
)

// TestRegionLayoutMatchesReference verifies the offsets a C peer with
// VM_COUNT=5 computes for its vm_control struct.
func TestRegionLayoutMatchesReference(t *testing.T) {
	assert.Equal(t, 1024016, protocol.MailboxSize)
	assert.Equal(t, 4+10*1024016, protocol.RegionSize(5))
	assert.Equal(t, 4, protocol.ClientMailboxOffset(0))
	assert.Equal(t, 4+2*1024016, protocol.ClientMailboxOffset(2))
	assert.Equal(t, 4+7*1024016, protocol.ServerMailboxOffset(5, 2))

	// All header words must stay 4-byte aligned for atomic access.
	for i := 0; i < 5; i++ {
		assert.Zero(t, protocol.ClientMailboxOffset(i)%4)
		assert.Zero(t, protocol.ServerMailboxOffset(5, i)%4)
	}
}

func TestCheckRegion(t *testing.T) {
	require.NoError(t, protocol.CheckRegion(protocol.RegionSize(5), 5))
	require.Error(t, protocol.CheckRegion(protocol.RegionSize(5)-1, 5))
	require.Error(t, protocol.CheckRegion(1<<30, 0))
}

// TestVectorRoundTrip checks the vector layout used by the driver:
// peer id in the high half, instance above the direction bit.
func TestVectorRoundTrip(t *testing.T) {
	peer := protocol.PeerIDFromPosition(3)
	assert.Equal(t, uint32(0x30000), uint32(peer))

	v := protocol.Vector(peer, 2, protocol.LocalResourceReady)
	assert.Equal(t, uint32(0x30005), v)

	gotPeer, gotInstance, gotDir := protocol.ParseVector(v)
	assert.Equal(t, peer, gotPeer)
	assert.Equal(t, 2, gotInstance)
	assert.Equal(t, protocol.LocalResourceReady, gotDir)

	v = protocol.Vector(peer, 4, protocol.PeerResourceConsumed)
	assert.Equal(t, uint32(0x30008), v)
}

func TestPeerIDValidate(t *testing.T) {
	assert.NoError(t, protocol.PeerIDFromPosition(1).Validate())
	assert.Error(t, protocol.UnknownPeer.Validate())
	assert.Error(t, protocol.PeerID(0x10001).Validate())
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "DATA_CLOSE", protocol.CmdDataClose.String())
	assert.Equal(t, "Command(9)", protocol.Command(9).String())
	assert.True(t, protocol.CmdClose.Valid())
	assert.False(t, protocol.CmdNone.Valid())
}

func TestToWireIsInvolution(t *testing.T) {
	for _, v := range []uint32{0, 1, 0xdeadbeef, 0xffffffff} {
		assert.Equal(t, v, protocol.ToWire(protocol.ToWire(v)))
	}
}
