package protocol

import (
	"fmt"
	"math/bits"
	"unsafe"
)

// Mailbox record layout. Every header word is a 32-bit little-endian value
// regardless of the host byte order, so both VMs agree on the encoding even
// without negotiating it. On little-endian hosts this is bit-identical to the
// C struct used by the C peers:
//
//	struct { int owner; int cmd; int fd; int len; unsigned char data[MailboxDataSize]; }
const (
	OwnerOffset  = 0
	CmdOffset    = 4
	FDOffset     = 8
	LenOffset    = 12
	HeaderSize   = 16
	MailboxSize  = HeaderSize + MailboxDataSize
	ControlSize  = 4 // client peer id at the start of the region
	ClientOffset = 0
)

// RegionSize is the number of bytes needed for vmCount mailbox pairs.
func RegionSize(vmCount int) int {
	return ControlSize + 2*vmCount*MailboxSize
}

// ClientMailboxOffset is the offset of the mailbox written by the client side
// of the given instance.
func ClientMailboxOffset(instance int) int {
	return ControlSize + instance*MailboxSize
}

// ServerMailboxOffset is the offset of the mailbox written by the server side
// of the given instance.
func ServerMailboxOffset(vmCount, instance int) int {
	return ControlSize + (vmCount+instance)*MailboxSize
}

// CheckRegion verifies that size bytes can hold vmCount mailbox pairs.
func CheckRegion(size, vmCount int) error {
	if vmCount <= 0 || vmCount > MaxInstances {
		return fmt.Errorf("invalid vm count %d", vmCount)
	}
	if need := RegionSize(vmCount); size < need {
		return fmt.Errorf("shared memory too small: %d bytes allocated whereas %d needed", size, need)
	}
	return nil
}

var bigEndianHost = func() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 0
}()

// ToWire converts a host-order word to the little-endian wire order.
// Applying it twice is the identity, so it also converts back.
func ToWire(v uint32) uint32 {
	if bigEndianHost {
		return bits.ReverseBytes32(v)
	}
	return v
}
