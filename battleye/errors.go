package battleye

import (
	"errors"
	"fmt"
)

// Sentinel errors with no associated data.
var (
	// ErrNoConnection is returned by Connection.Command when the
	// Connection is not logged in, and by a send when the Multiplexer's
	// socket is not listening.
	ErrNoConnection = errors.New("battleye: no connection")

	// ErrConnectionExists is returned by Multiplexer.Connection when a
	// connection with the same id is already registered.
	ErrConnectionExists = errors.New("battleye: connection already exists")

	// ErrInvalidPassword is a terminal condition: the server rejected the
	// login password. The Connection does not reconnect after this error.
	ErrInvalidPassword = errors.New("battleye: invalid password")

	// ErrInvalidPacket is returned when a Packet fails its basic type/
	// direction membership check.
	ErrInvalidPacket = errors.New("battleye: invalid packet")

	// ErrPacketOverflow is returned when a sequence number already has a
	// pending Command request registered against it.
	ErrPacketOverflow = errors.New("battleye: packet overflow")

	// ErrServerTimeout is returned when no packet has been received from
	// the server for at least the configured server-liveness deadline, or
	// when a pending request exhausts its retry threshold.
	ErrServerTimeout = errors.New("battleye: server timeout")

	// ErrServerDisconnect is the disconnect reason used for an explicit,
	// application-initiated disconnect.
	ErrServerDisconnect = errors.New("battleye: server disconnect")

	// ErrMaxRetries is returned when a multipart reassembly group is still
	// missing a fragment at a timeout tick and its owning request has been
	// sent fewer than retryThreshold times.
	ErrMaxRetries = errors.New("battleye: max retries exceeded")

	// ErrNoPassword is returned by Packet.Encode for a Login Request
	// packet with an empty password.
	ErrNoPassword = errors.New("battleye: no password set")

	// ErrNoCommand is returned by Packet.Encode for a Command Request
	// packet whose command was never set. An empty command string set by
	// a constructor encodes normally.
	ErrNoCommand = errors.New("battleye: no command set")
)

// PacketError reports a malformed packet encountered during decode —
// bad header text, checksum mismatch, or a missing 0xFF flag byte.
// These are recoverable at the socket level: the packet is dropped and
// no Connection state changes.
type PacketError struct {
	Msg string
}

func (e *PacketError) Error() string {
	return fmt.Sprintf("battleye: packet error: %s", e.Msg)
}

// UnknownPacketTypeError is returned by DecodePacket when the payload's
// type byte does not match any known PayloadType.
type UnknownPacketTypeError struct {
	Type byte
}

func (e *UnknownPacketTypeError) Error() string {
	return fmt.Sprintf("battleye: unknown packet type %d", e.Type)
}

// UnknownConnectionError is returned by the Multiplexer when an inbound
// datagram's source address does not match any registered Connection.
type UnknownConnectionError struct {
	ID   string
	IP   string
	Port int
}

func (e *UnknownConnectionError) Error() string {
	return fmt.Sprintf("battleye: unknown connection %s (%s:%d)", e.ID, e.IP, e.Port)
}

// UnknownCommandError is returned when the server replies "Unknown
// command" to a Command request.
type UnknownCommandError struct {
	Command string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("battleye: unknown command %q", e.Command)
}

// InvalidSequenceError is reported when an inbound multipart fragment's
// total/index metadata cannot describe a valid reassembly slot (a
// fragment index at or past its own total, or a total of zero) — the
// fragment is dropped and the pending request it belongs to is left for
// the timeout scheduler's retry/MaxRetries handling.
type InvalidSequenceError struct {
	Sequence byte
}

func (e *InvalidSequenceError) Error() string {
	return fmt.Sprintf("battleye: invalid sequence %d", e.Sequence)
}
