package battleye

import (
	"encoding/binary"
	"hash/crc32"
)

// checksum returns the IEEE CRC-32 of payload as the little-endian
// 32-bit word BattlEye embeds in the packet header.
func checksum(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

// putChecksum writes the checksum of payload into header at offset 2,
// four bytes, little-endian. header must be at least 6 bytes long.
func putChecksum(header []byte, payload []byte) {
	binary.LittleEndian.PutUint32(header[2:6], checksum(payload))
}

// verifyChecksum reports whether header's embedded checksum (offset 2,
// 4 bytes, little-endian) matches the IEEE CRC-32 of payload.
func verifyChecksum(header []byte, payload []byte) bool {
	want := binary.LittleEndian.Uint32(header[2:6])
	return checksum(payload) == want
}
