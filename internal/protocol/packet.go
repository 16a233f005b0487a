// Package protocol defines the command set, peer identities, doorbell vectors
// and mailbox record layout shared by both ends of a memsocket link.
package protocol

import "fmt"

// Command is the tag stored in a mailbox record.
type Command int32

// Command constants. Values are part of the wire format.
const (
	CmdLogin     Command = 0 // Sender announces its peer identity
	CmdConnect   Command = 1 // New logical connection, identity in the descriptor field
	CmdData      Command = 2 // Forwarded bytes for a logical connection
	CmdClose     Command = 3 // Logical connection teardown
	CmdDataClose Command = 4 // CmdData immediately followed by CmdClose
)

// CmdNone marks a record that carries no command.
const CmdNone Command = -1

func (c Command) String() string {
	switch c {
	case CmdLogin:
		return "LOGIN"
	case CmdConnect:
		return "CONNECT"
	case CmdData:
		return "DATA"
	case CmdClose:
		return "CLOSE"
	case CmdDataClose:
		return "DATA_CLOSE"
	case CmdNone:
		return "NONE"
	default:
		return fmt.Sprintf("Command(%d)", int32(c))
	}
}

// Valid reports whether c is one of the five protocol commands.
func (c Command) Valid() bool {
	return c >= CmdLogin && c <= CmdDataClose
}

// Tuning constants shared with the C peers.
const (
	MailboxDataSize = 1024000 // payload bytes per mailbox record
	ChunkSize       = 32      // bytes per write when delivering a payload to a local socket
	DefaultVMCount  = 5       // mailbox pairs in one region
	DefaultClients  = 10      // logical connections per instance
)

// Message is one command as read from, or written to, a mailbox.
type Message struct {
	Cmd     Command
	FD      int32  // connection identity, or the sender's PeerID for CmdLogin
	Payload []byte // only used for CmdData and CmdDataClose
}
