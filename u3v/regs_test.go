// Copyright (C) 2023 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

package u3v

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestReadRegs(t *testing.T) {
	ch := &fakeChannel{}
	dev := New(ch)

	raw := make([]byte, 8)
	binary.LittleEndian.PutUint32(raw[0:], 0x5445524d)
	binary.LittleEndian.PutUint32(raw[4:], 0x00010002)
	ch.queue(readAck(1, raw))

	vals, err := dev.ReadRegs(0x30000, 2)
	if err != nil {
		t.Fatalf("ReadRegs: %v", err)
	}
	if len(vals) != 2 || vals[0] != 0x5445524d || vals[1] != 0x00010002 {
		t.Errorf("got %#x", vals)
	}

	hdr, _ := parseHeader(ch.sent[0])
	if hdr.Size != 12 {
		t.Fatalf("unexpected request shape")
	}
	if size := binary.LittleEndian.Uint16(ch.sent[0][HeaderLen+10:]); size != 8 {
		t.Errorf("batched read asked for %d bytes, want 8", size)
	}
}

func TestReadRegsZeroCount(t *testing.T) {
	ch := &fakeChannel{}
	dev := New(ch)
	vals, err := dev.ReadRegs(0x30000, 0)
	if err != nil || vals != nil {
		t.Errorf("got %v, %v", vals, err)
	}
	if len(ch.sent) != 0 {
		t.Errorf("zero-count read issued %d transport calls", len(ch.sent))
	}
}

func TestReadU64(t *testing.T) {
	ch := &fakeChannel{}
	dev := New(ch)

	low := make([]byte, 4)
	binary.LittleEndian.PutUint32(low, 0xa0a1a2a3)
	high := make([]byte, 4)
	binary.LittleEndian.PutUint32(high, 0x00000001)
	ch.queue(readAck(1, low), readAck(2, high))

	v, err := dev.ReadU64(0x3004c)
	if err != nil {
		t.Fatalf("ReadU64: %v", err)
	}
	if v != 0x1a0a1a2a3 {
		t.Errorf("got 0x%x", v)
	}

	// High word comes from addr+4.
	addr0 := binary.LittleEndian.Uint64(ch.sent[0][HeaderLen:])
	addr1 := binary.LittleEndian.Uint64(ch.sent[1][HeaderLen:])
	if addr1 != addr0+4 {
		t.Errorf("high word read at 0x%x, low at 0x%x", addr1, addr0)
	}
}

func TestWriteU32(t *testing.T) {
	ch := &fakeChannel{}
	dev := New(ch)
	ch.queue(writeAck(1, 4))

	if err := dev.WriteU32(0x30008, 0x31); err != nil {
		t.Fatalf("WriteU32: %v", err)
	}
	want := []byte{0x31, 0, 0, 0}
	if !bytes.Equal(ch.sent[0][HeaderLen+8:], want) {
		t.Errorf("wire data % x, want % x", ch.sent[0][HeaderLen+8:], want)
	}
}

func TestWriteRegs(t *testing.T) {
	ch := &fakeChannel{}
	dev := New(ch)
	ch.queue(writeAck(1, 8))

	if err := dev.WriteRegs(0x30040, []uint32{4, 1}); err != nil {
		t.Fatalf("WriteRegs: %v", err)
	}
	want := []byte{4, 0, 0, 0, 1, 0, 0, 0}
	if !bytes.Equal(ch.sent[0][HeaderLen+8:], want) {
		t.Errorf("wire data % x, want % x", ch.sent[0][HeaderLen+8:], want)
	}
}
