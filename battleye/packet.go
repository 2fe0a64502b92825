package battleye

import (
	"fmt"
	"time"
)

// PayloadType is the BattlEye packet type byte.
type PayloadType byte

const (
	PayloadLogin   PayloadType = 0
	PayloadCommand PayloadType = 1
	PayloadMessage PayloadType = 2
)

func (t PayloadType) valid() bool {
	switch t {
	case PayloadLogin, PayloadCommand, PayloadMessage:
		return true
	default:
		return false
	}
}

// Direction distinguishes a sent Request from an inbound Reply, and an
// inbound Reply that is one fragment of a multipart Command reply.
type Direction byte

const (
	DirectionRequest Direction = iota
	DirectionReply
	DirectionSplit
)

func (d Direction) valid() bool {
	switch d {
	case DirectionRequest, DirectionReply, DirectionSplit:
		return true
	default:
		return false
	}
}

const (
	headerSize    = 6
	minPacketSize = 9
	sentinelByte  = 0xFF
)

// Packet is a single framed BattlEye message, in either direction. It is
// a tagged union over PayloadType/Direction: only the fields relevant to
// the combination in play are populated (see the per-type doc comments
// on each field).
type Packet struct {
	Type      PayloadType
	Direction Direction

	// Sequence is meaningless for Login packets; HasSequence reports
	// whether it was present on the wire / should be emitted on encode.
	Sequence    byte
	HasSequence bool

	// Password is set on a Login Request.
	Password string

	// LoginOK is set on a Login Reply.
	LoginOK bool

	// Command is set on a Command Request. An empty string is a valid
	// command — the keep-alive ping is exactly an empty Command Request —
	// so hasCommand (not Command == "") is what Encode checks for
	// "nobody ever set this field".
	Command    string
	hasCommand bool

	// Data is the reply payload of a (non-split) Command Reply, or the
	// synthesized result of a completed multipart reassembly.
	Data string

	// Message is set on a Message indication (server -> client).
	Message string

	// Fragment fields, set when Direction == DirectionSplit.
	FragTotal byte
	FragIndex byte
	FragPart  []byte

	// Timestamp is stamped by the transport each time the packet is
	// written (first send and every retransmit), not only at creation;
	// the per-packet retry schedule measures elapsed time from it.
	Timestamp time.Time

	// SentCount is the number of times this packet has been serialized.
	SentCount int
}

// NewLoginRequest returns a Login Request packet carrying password.
func NewLoginRequest(password string) *Packet {
	return &Packet{Type: PayloadLogin, Direction: DirectionRequest, Password: password}
}

// NewCommandRequest returns a Command Request packet for the given
// sequence number.
func NewCommandRequest(sequence byte, command string) *Packet {
	return &Packet{
		Type:        PayloadCommand,
		Direction:   DirectionRequest,
		Sequence:    sequence,
		HasSequence: true,
		Command:     command,
		hasCommand:  true,
	}
}

// newOpenCommandRequest returns a Command Request with no sequence
// assigned yet — the Multiplexer assigns one from the owning Connection
// at send time. Used for both application commands and the keep-alive
// ping (command == "").
func newOpenCommandRequest(command string) *Packet {
	return &Packet{
		Type:       PayloadCommand,
		Direction:  DirectionRequest,
		Command:    command,
		hasCommand: true,
	}
}

// NewMessageAck returns the ack packet a Connection sends back in
// response to an inbound Message, carrying the same sequence number.
func NewMessageAck(sequence byte) *Packet {
	return &Packet{
		Type:        PayloadMessage,
		Direction:   DirectionReply,
		Sequence:    sequence,
		HasSequence: true,
	}
}

// Valid reports whether p's Type and Direction are members of their
// respective enums. It does not check field completeness for a
// particular operation — see Encode for that.
func (p *Packet) Valid() bool {
	return p.Type.valid() && p.Direction.valid()
}

// sendable reports whether p is one of the packet kinds Encode can
// serialize: a Login/Command Request, or a Message-Reply ack.
func (p *Packet) sendable() bool {
	switch {
	case p.Type == PayloadLogin && p.Direction == DirectionRequest:
		return true
	case p.Type == PayloadCommand && p.Direction == DirectionRequest:
		return true
	case p.Type == PayloadMessage && p.Direction == DirectionReply:
		return true
	default:
		return false
	}
}

// Encode serializes p to its wire representation and increments
// SentCount. It is only defined for Login/Command Requests and
// Message-Reply acks; anything else returns ErrInvalidPacket.
func (p *Packet) Encode() ([]byte, error) {
	if !p.Valid() || !p.sendable() {
		return nil, ErrInvalidPacket
	}

	payload, err := p.payloadBytes()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, headerSize, headerSize+len(payload))
	buf[0], buf[1] = 'B', 'E'
	putChecksum(buf, payload)
	buf = append(buf, payload...)

	p.SentCount++
	return buf, nil
}

func (p *Packet) payloadBytes() ([]byte, error) {
	switch p.Type {
	case PayloadLogin:
		if p.Password == "" {
			return nil, ErrNoPassword
		}
		return append([]byte{sentinelByte, byte(PayloadLogin)}, []byte(p.Password)...), nil
	case PayloadCommand:
		if !p.hasCommand {
			return nil, ErrNoCommand
		}
		buf := []byte{sentinelByte, byte(PayloadCommand), p.Sequence}
		return append(buf, []byte(p.Command)...), nil
	case PayloadMessage:
		return []byte{sentinelByte, byte(PayloadMessage), p.Sequence}, nil
	default:
		return nil, ErrInvalidPacket
	}
}

// DecodePacket parses a raw inbound UDP datagram into a Packet,
// checking the header, checksum and type flag and then parsing the
// per-type payload layout.
func DecodePacket(buf []byte) (*Packet, error) {
	if len(buf) < minPacketSize {
		return nil, &PacketError{Msg: "packet too short"}
	}
	if buf[0] != 'B' || buf[1] != 'E' {
		return nil, &PacketError{Msg: "Invalid header text"}
	}
	payload := buf[headerSize:]
	if !verifyChecksum(buf, payload) {
		return nil, &PacketError{Msg: "checksum verification failed"}
	}
	if payload[0] != sentinelByte {
		return nil, &PacketError{Msg: "missing 0xFF flag"}
	}

	typ := PayloadType(payload[1])
	switch typ {
	case PayloadLogin:
		return decodeLoginReply(payload)
	case PayloadCommand:
		return decodeCommandReply(payload)
	case PayloadMessage:
		return decodeMessage(payload)
	default:
		return nil, &UnknownPacketTypeError{Type: payload[1]}
	}
}

func decodeLoginReply(payload []byte) (*Packet, error) {
	if len(payload) < 3 {
		return nil, &PacketError{Msg: "login reply too short"}
	}
	return &Packet{
		Type:      PayloadLogin,
		Direction: DirectionReply,
		LoginOK:   payload[2] == 1,
	}, nil
}

func decodeCommandReply(payload []byte) (*Packet, error) {
	if len(payload) < 3 {
		return nil, &PacketError{Msg: "command reply too short"}
	}
	seq := payload[2]

	if len(payload) > 4 && payload[3] == 0x00 {
		if len(payload) < 6 {
			return nil, &PacketError{Msg: "multipart fragment too short"}
		}
		part := append([]byte(nil), payload[6:]...)
		return &Packet{
			Type:        PayloadCommand,
			Direction:   DirectionSplit,
			Sequence:    seq,
			HasSequence: true,
			FragTotal:   payload[4],
			FragIndex:   payload[5],
			FragPart:    part,
		}, nil
	}

	return &Packet{
		Type:        PayloadCommand,
		Direction:   DirectionReply,
		Sequence:    seq,
		HasSequence: true,
		Data:        string(payload[3:]),
	}, nil
}

func decodeMessage(payload []byte) (*Packet, error) {
	if len(payload) < 3 {
		return nil, &PacketError{Msg: "message too short"}
	}
	return &Packet{
		Type:        PayloadMessage,
		Direction:   DirectionReply,
		Sequence:    payload[2],
		HasSequence: true,
		Message:     string(payload[3:]),
	}, nil
}

// String is a compact debug representation, used in Debugf logging.
func (p *Packet) String() string {
	switch p.Type {
	case PayloadLogin:
		return fmt.Sprintf("Login(dir=%d ok=%v)", p.Direction, p.LoginOK)
	case PayloadCommand:
		if p.Direction == DirectionSplit {
			return fmt.Sprintf("Command(seq=%d split %d/%d)", p.Sequence, p.FragIndex+1, p.FragTotal)
		}
		return fmt.Sprintf("Command(seq=%d dir=%d data=%q cmd=%q)", p.Sequence, p.Direction, p.Data, p.Command)
	case PayloadMessage:
		return fmt.Sprintf("Message(seq=%d dir=%d text=%q)", p.Sequence, p.Direction, p.Message)
	default:
		return "Packet(invalid)"
	}
}
