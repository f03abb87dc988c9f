// Copyright (C) 2023 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

package u3v

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const (
	// ProtocolMagic is the "U3VC" marker leading every U3VCP frame.
	ProtocolMagic = 0x43563355

	// FlagRequestAck is set in the header flags of every host command.
	FlagRequestAck = 0x1 << 14

	// HeaderLen is the size of the fixed frame header on the wire.
	HeaderLen = 12

	// MaxMsgLen is the size of the receive buffer, and so bounds a
	// single message received from the device.
	MaxMsgLen = 65536
)

// Command is the 16-bit U3VCP command code in the frame header.
type Command uint16

const (
	CmdReadMemory  Command = 0x0800
	AckReadMemory  Command = 0x0801
	CmdWriteMemory Command = 0x0802
	AckWriteMemory Command = 0x0803
	AckPending     Command = 0x0805
	CmdEvent       Command = 0x0c00
	AckEvent       Command = 0x0c01
)

func (c Command) String() string {
	switch c {
	case CmdReadMemory:
		return "READ_MEMORY_CMD"
	case AckReadMemory:
		return "READ_MEMORY_ACK"
	case CmdWriteMemory:
		return "WRITE_MEMORY_CMD"
	case AckWriteMemory:
		return "WRITE_MEMORY_ACK"
	case AckPending:
		return "PENDING_ACK"
	case CmdEvent:
		return "EVENT_CMD"
	case AckEvent:
		return "EVENT_ACK"
	}
	return fmt.Sprintf("0x%04x", uint16(c))
}

// Header is the fixed 12-byte preamble of every U3VCP frame:
//
//	magic:u32 flags:u16 command:u16 size:u16 id:u16
//
// All fields are little-endian. Size counts only the payload bytes
// that follow the header, not the header itself.
type Header struct {
	Magic   uint32
	Flags   uint16
	Command Command
	Size    uint16
	ID      uint16
}

// pack writes the header into the first HeaderLen bytes of b.
func (h Header) pack(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], h.Magic)
	binary.LittleEndian.PutUint16(b[4:], h.Flags)
	binary.LittleEndian.PutUint16(b[6:], uint16(h.Command))
	binary.LittleEndian.PutUint16(b[8:], h.Size)
	binary.LittleEndian.PutUint16(b[10:], h.ID)
}

func parseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderLen {
		return h, fmt.Errorf("frame too short: %d bytes", len(b))
	}
	h.Magic = binary.LittleEndian.Uint32(b[0:])
	h.Flags = binary.LittleEndian.Uint16(b[4:])
	h.Command = Command(binary.LittleEndian.Uint16(b[6:]))
	h.Size = binary.LittleEndian.Uint16(b[8:])
	h.ID = binary.LittleEndian.Uint16(b[10:])
	return h, nil
}

// newReadMemoryFrame builds a READ_MEMORY_CMD frame asking for size
// bytes at address. Payload layout: address:u64 reserved:u16 size:u16.
func newReadMemoryFrame(id uint16, address uint32, size uint16) []byte {
	tx := make([]byte, HeaderLen+12)
	Header{
		Magic:   ProtocolMagic,
		Flags:   FlagRequestAck,
		Command: CmdReadMemory,
		Size:    12,
		ID:      id,
	}.pack(tx)
	binary.LittleEndian.PutUint64(tx[HeaderLen:], uint64(address))
	// reserved u16 stays zero
	binary.LittleEndian.PutUint16(tx[HeaderLen+10:], size)
	return tx
}

// newWriteMemoryFrame builds a WRITE_MEMORY_CMD frame writing data at
// address. Payload layout: address:u64 data[N].
func newWriteMemoryFrame(id uint16, address uint32, data []byte) []byte {
	tx := make([]byte, HeaderLen+8+len(data))
	Header{
		Magic:   ProtocolMagic,
		Flags:   FlagRequestAck,
		Command: CmdWriteMemory,
		Size:    uint16(8 + len(data)),
		ID:      id,
	}.pack(tx)
	binary.LittleEndian.PutUint64(tx[HeaderLen:], uint64(address))
	copy(tx[HeaderLen+8:], data)
	return tx
}

// parsePendingAck returns the device-requested wait before re-polling.
// Payload layout: reserved:u16 timeout_ms:u16.
func parsePendingAck(payload []byte) (timeoutMs uint16, err error) {
	if len(payload) < 4 {
		return 0, fmt.Errorf("pending ack payload too short: %d bytes", len(payload))
	}
	return binary.LittleEndian.Uint16(payload[2:]), nil
}

// parseWriteMemoryAck returns the bytes_written count reported by the
// device. Payload layout: reserved:u16 bytes_written:u16.
func parseWriteMemoryAck(payload []byte) (bytesWritten uint16, err error) {
	if len(payload) < 4 {
		return 0, fmt.Errorf("write ack payload too short: %d bytes", len(payload))
	}
	return binary.LittleEndian.Uint16(payload[2:]), nil
}

// Dump hexdumps a whole frame in d with an explaining string s first.
func Dump(s string, d []byte) {
	if len(d) == 0 {
		le.Printf("%s: no data\n", s)
		return
	}
	hdr, err := parseHeader(d)
	if err != nil {
		le.Printf("%s (%s):\n", s, err)
	} else {
		le.Printf("%s (%s, id %d, %d byte payload):\n", s, hdr.Command, hdr.ID, hdr.Size)
	}
	le.Printf("%s", hex.Dump(d))
}
