package battleye

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginRequestEncode(t *testing.T) {
	pkt := NewLoginRequest("test")
	raw, err := pkt.Encode()
	require.NoError(t, err)

	assert.Equal(t, byte('B'), raw[0])
	assert.Equal(t, byte('E'), raw[1])
	assert.Equal(t, byte(sentinelByte), raw[6])
	assert.Equal(t, byte(PayloadLogin), raw[7])
	assert.Equal(t, "test", string(raw[8:]))
	assert.Equal(t, 1, pkt.SentCount)
	assert.True(t, verifyChecksum(raw, raw[headerSize:]))
}

func TestLoginReplyDecode(t *testing.T) {
	payload := []byte{sentinelByte, byte(PayloadLogin), 1}
	raw := frame(t, payload)

	pkt, err := DecodePacket(raw)
	require.NoError(t, err)
	assert.Equal(t, PayloadLogin, pkt.Type)
	assert.Equal(t, DirectionReply, pkt.Direction)
	assert.True(t, pkt.LoginOK)
}

func TestCommandRequestEncode(t *testing.T) {
	pkt := NewCommandRequest(0, "players")
	raw, err := pkt.Encode()
	require.NoError(t, err)

	payload := raw[headerSize:]
	assert.Equal(t, []byte{sentinelByte, byte(PayloadCommand), 0}, payload[:3])
	assert.Equal(t, "players", string(payload[3:]))
}

func TestCommandReplyDecode(t *testing.T) {
	payload := append([]byte{sentinelByte, byte(PayloadCommand), 0}, []byte("0 players online")...)
	raw := frame(t, payload)

	pkt, err := DecodePacket(raw)
	require.NoError(t, err)
	assert.Equal(t, DirectionReply, pkt.Direction)
	assert.Equal(t, byte(0), pkt.Sequence)
	assert.Equal(t, "0 players online", pkt.Data)
}

func TestCommandReplySplitDecode(t *testing.T) {
	// fragment 0 of 2 at sequence 3, part "hello "
	payload := []byte{sentinelByte, byte(PayloadCommand), 3, 0x00, 2, 0}
	payload = append(payload, []byte("hello ")...)
	raw := frame(t, payload)

	pkt, err := DecodePacket(raw)
	require.NoError(t, err)
	assert.Equal(t, DirectionSplit, pkt.Direction)
	assert.Equal(t, byte(3), pkt.Sequence)
	assert.Equal(t, byte(2), pkt.FragTotal)
	assert.Equal(t, byte(0), pkt.FragIndex)
	assert.Equal(t, "hello ", string(pkt.FragPart))
}

func TestMessageDecodeAndAck(t *testing.T) {
	payload := append([]byte{sentinelByte, byte(PayloadMessage), 7}, []byte("server broadcast")...)
	raw := frame(t, payload)

	pkt, err := DecodePacket(raw)
	require.NoError(t, err)
	assert.Equal(t, byte(7), pkt.Sequence)
	assert.Equal(t, "server broadcast", pkt.Message)

	ack := NewMessageAck(pkt.Sequence)
	ackRaw, err := ack.Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{sentinelByte, byte(PayloadMessage), 7}, ackRaw[headerSize:])
}

func TestDecodePacketRejectsBadHeader(t *testing.T) {
	raw := frame(t, []byte{sentinelByte, byte(PayloadLogin), 1})
	raw[0] = 'X'
	_, err := DecodePacket(raw)
	var perr *PacketError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Error(), "header")
}

func TestDecodePacketRejectsBadChecksum(t *testing.T) {
	raw := frame(t, []byte{sentinelByte, byte(PayloadLogin), 1})
	raw[2] ^= 0xFF
	_, err := DecodePacket(raw)
	var perr *PacketError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Error(), "checksum")
}

func TestDecodePacketRejectsMissingSentinel(t *testing.T) {
	raw := frame(t, []byte{sentinelByte, byte(PayloadLogin), 1})
	raw[headerSize] = 0x00
	putChecksum(raw, raw[headerSize:]) // keep checksum valid so the sentinel check is what fires
	_, err := DecodePacket(raw)
	var perr *PacketError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Error(), "0xFF")
}

func TestDecodePacketRejectsTooShort(t *testing.T) {
	_, err := DecodePacket([]byte{'B', 'E'})
	var perr *PacketError
	require.ErrorAs(t, err, &perr)
}

func TestDecodePacketRejectsUnknownType(t *testing.T) {
	raw := frame(t, []byte{sentinelByte, 99, 0})
	_, err := DecodePacket(raw)
	var uerr *UnknownPacketTypeError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, byte(99), uerr.Type)
}

func TestEncodeRejectsMissingMandatoryFields(t *testing.T) {
	_, err := (&Packet{Type: PayloadLogin, Direction: DirectionRequest}).Encode()
	assert.ErrorIs(t, err, ErrNoPassword)

	_, err = (&Packet{Type: PayloadCommand, Direction: DirectionRequest}).Encode()
	assert.ErrorIs(t, err, ErrNoCommand)
}

func TestEncodeAllowsEmptyKeepAliveCommand(t *testing.T) {
	pkt := newOpenCommandRequest("")
	pkt.Sequence = 5
	pkt.HasSequence = true
	raw, err := pkt.Encode()
	require.NoError(t, err)
	assert.Len(t, raw, minPacketSize)
}

// frame wraps payload in the 'B' 'E' header with a valid checksum, the
// way a real sender would.
func frame(t *testing.T, payload []byte) []byte {
	t.Helper()
	buf := make([]byte, headerSize, headerSize+len(payload))
	buf[0], buf[1] = 'B', 'E'
	putChecksum(buf, payload)
	return append(buf, payload...)
}
