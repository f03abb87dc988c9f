// Copyright (C) 2023 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

package u3v

import (
	"encoding/binary"
	"fmt"
)

// Typed register accessors over ReadMemory/WriteMemory. Registers are
// 32-bit little-endian words at word-aligned addresses; 64-bit values
// are split over two consecutive registers with the high word at
// addr+4.

func (d *Device) ReadRegs(address uint32, count int) ([]uint32, error) {
	if count == 0 {
		return nil, nil
	}
	raw, err := d.ReadMemory(address, uint16(count*4))
	if err != nil {
		return nil, err
	}
	vals := make([]uint32, count)
	for i := range vals {
		vals[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return vals, nil
}

func (d *Device) ReadU32(address uint32) (uint32, error) {
	vals, err := d.ReadRegs(address, 1)
	if err != nil {
		return 0, err
	}
	return vals[0], nil
}

func (d *Device) ReadU64(address uint32) (uint64, error) {
	low, err := d.ReadU32(address)
	if err != nil {
		return 0, err
	}
	high, err := d.ReadU32(address + 4)
	if err != nil {
		return 0, err
	}
	return uint64(high)<<32 | uint64(low), nil
}

func (d *Device) WriteRegs(address uint32, vals []uint32) error {
	if len(vals) == 0 {
		return nil
	}
	raw := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(raw[i*4:], v)
	}
	return d.WriteMemory(address, raw)
}

func (d *Device) WriteU32(address uint32, v uint32) error {
	return d.WriteRegs(address, []uint32{v})
}

// WriteBytes writes an unaligned byte range, for the TTY and file
// data windows. Width is only limited by the transport's max payload.
func (d *Device) WriteBytes(address uint32, p []byte) error {
	if len(p) > MaxWriteLen {
		return fmt.Errorf("write 0x%x: %d bytes exceeds max %d", address, len(p), MaxWriteLen)
	}
	return d.WriteMemory(address, p)
}
