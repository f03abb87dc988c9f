// Copyright (C) 2023 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

package terminal

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tillitis/u3vterm/u3v"
)

// fakeDevice emulates the device side of the terminal register bank
// behind a bulk channel: it parses U3VCP frames, executes the memory
// transactions against its register state, and queues acks. Tests
// drive the real transport, register facade and client against it.
type fakeDevice struct {
	t *testing.T

	magic      uint32
	version    uint32
	chunkHint  uint32
	status     uint32
	neverReady bool
	startDelay int // status polls after START before READY shows
	countdown  int

	password    string
	authStatus  uint32
	authAttempt []byte
	locks       int

	output        []byte // device -> host TTY bytes
	input         []byte // host -> device TTY bytes
	ttyWriteSizes []int
	onInput       func(f *fakeDevice, data []byte)

	ctrlWrites []uint32

	files          map[string][]byte
	path           string
	pathWrites     []int
	fileCmds       []uint32
	fileStatus     uint32
	fileResult     uint32
	fileBuf        []byte
	fileSize       uint64
	unknownSize    bool
	reading        bool
	writing        bool
	writeTarget    string
	writeSizes     []int
	writeCount     int
	failAfter      int // file-data writes before flagging an error
	failErrno      uint32
	openWriteErrno uint32
	closeErrno     uint32
	closeCount     int

	replies [][]byte
}

func newFakeDevice(t *testing.T) *fakeDevice {
	return &fakeDevice{
		t:          t,
		magic:      terminalMagic,
		version:    MinVersionV2,
		status:     statusReady,
		authStatus: 1,
		files:      map[string][]byte{},
	}
}

func (f *fakeDevice) Send(p []byte) error {
	if len(p) < u3v.HeaderLen {
		return errors.New("short frame")
	}
	magic := binary.LittleEndian.Uint32(p[0:])
	cmd := u3v.Command(binary.LittleEndian.Uint16(p[6:]))
	id := binary.LittleEndian.Uint16(p[10:])
	if magic != u3v.ProtocolMagic {
		return errors.New("bad command magic")
	}
	payload := p[u3v.HeaderLen:]

	switch cmd {
	case u3v.CmdReadMemory:
		addr := uint32(binary.LittleEndian.Uint64(payload[0:]))
		size := binary.LittleEndian.Uint16(payload[10:])
		data := f.readAt(addr, int(size))
		f.reply(u3v.AckReadMemory, id, data)
	case u3v.CmdWriteMemory:
		addr := uint32(binary.LittleEndian.Uint64(payload[0:]))
		data := payload[8:]
		f.writeAt(addr, data)
		ack := make([]byte, 4)
		binary.LittleEndian.PutUint16(ack[2:], uint16(len(data)))
		f.reply(u3v.AckWriteMemory, id, ack)
	default:
		return errors.New("unsupported command")
	}
	return nil
}

func (f *fakeDevice) Receive(p []byte) (int, error) {
	if len(f.replies) == 0 {
		return 0, errors.New("no pending ack")
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	copy(p, r)
	return len(r), nil
}

func (f *fakeDevice) reply(cmd u3v.Command, id uint16, payload []byte) {
	b := make([]byte, u3v.HeaderLen+len(payload))
	binary.LittleEndian.PutUint32(b[0:], u3v.ProtocolMagic)
	binary.LittleEndian.PutUint16(b[6:], uint16(cmd))
	binary.LittleEndian.PutUint16(b[8:], uint16(len(payload)))
	binary.LittleEndian.PutUint16(b[10:], id)
	copy(b[u3v.HeaderLen:], payload)
	f.replies = append(f.replies, b)
}

func (f *fakeDevice) readAt(addr uint32, size int) []byte {
	switch addr {
	case regData:
		n := size
		if n > len(f.output) {
			n = len(f.output)
		}
		data := make([]byte, size)
		copy(data, f.output[:n])
		f.output = f.output[n:]
		return data
	case regFileData:
		n := size
		if n > len(f.fileBuf) {
			n = len(f.fileBuf)
		}
		data := make([]byte, size)
		copy(data, f.fileBuf[:n])
		f.fileBuf = f.fileBuf[n:]
		return data
	}

	data := make([]byte, size)
	for off := 0; off+4 <= size; off += 4 {
		binary.LittleEndian.PutUint32(data[off:], f.regValue(addr+uint32(off)))
	}
	return data
}

func (f *fakeDevice) regValue(addr uint32) uint32 {
	switch addr {
	case regMagic:
		return f.magic
	case regVersion:
		return f.version
	case regStatus:
		if f.countdown > 0 {
			f.countdown--
			if f.countdown == 0 && !f.neverReady {
				f.status |= statusReady
			}
		}
		return f.status
	case regAvail:
		return uint32(len(f.output))
	case regChunkHint:
		return f.chunkHint
	case regAuthStatus:
		return f.authStatus
	case regFileStatus:
		s := f.fileStatus
		if f.reading && len(f.fileBuf) == 0 {
			s |= fileStatusEOF
		}
		return s
	case regFileResult:
		return f.fileResult
	case regFileDataAvail:
		n := len(f.fileBuf)
		if n > fileDataWindow {
			n = fileDataWindow
		}
		return uint32(n)
	case regFileSizeLow:
		return uint32(f.fileSize)
	case regFileSizeHigh:
		return uint32(f.fileSize >> 32)
	}
	return 0
}

func (f *fakeDevice) writeAt(addr uint32, data []byte) {
	switch addr {
	case regStatus:
		ctrl := binary.LittleEndian.Uint32(data)
		f.ctrlWrites = append(f.ctrlWrites, ctrl)
		if ctrl&ctrlEchoEnable != 0 && ctrl&ctrlEchoDisable != 0 {
			f.t.Errorf("control word 0x%x sets both echo bits", ctrl)
		}
		if ctrl&ctrlClearFlags != 0 {
			f.status &^= statusOverflow | statusError
		}
		if ctrl&ctrlReset != 0 {
			f.status &^= statusReady
		}
		if ctrl&ctrlStart != 0 && f.status&statusReady == 0 {
			if f.neverReady {
				break
			}
			if f.startDelay > 0 {
				f.countdown = f.startDelay
			} else {
				f.status |= statusReady
			}
		}
	case regAuthBuf:
		f.authAttempt = append([]byte(nil), data...)
	case regAuthCmd:
		switch binary.LittleEndian.Uint32(data) {
		case 1:
			if string(f.authAttempt) == f.password {
				f.authStatus = 1
			} else {
				f.authStatus = 0
			}
		case 0:
			f.authStatus = 0
			f.locks++
		}
	case regData:
		f.input = append(f.input, data...)
		f.ttyWriteSizes = append(f.ttyWriteSizes, len(data))
		if f.onInput != nil {
			f.onInput(f, data)
		}
	case regFilePath:
		f.pathWrites = append(f.pathWrites, len(data))
		end := 0
		for end < len(data) && data[end] != 0 {
			end++
		}
		f.path = string(data[:end])
	case regFileCmd:
		cmd := binary.LittleEndian.Uint32(data)
		f.fileCmds = append(f.fileCmds, cmd)
		f.execFileCmd(cmd)
	case regFileData:
		f.writeCount++
		if f.failAfter > 0 && f.writeCount > f.failAfter {
			f.fileStatus |= fileStatusError
			f.fileResult = f.failErrno
			break
		}
		f.files[f.writeTarget] = append(f.files[f.writeTarget], data...)
		f.writeSizes = append(f.writeSizes, len(data))
	}
}

func (f *fakeDevice) execFileCmd(cmd uint32) {
	switch cmd {
	case fileCmdReset:
		f.fileStatus = 0
		f.fileResult = 0
		f.fileBuf = nil
		f.reading = false
		f.writing = false
	case fileCmdOpenRead:
		content, ok := f.files[f.path]
		if !ok {
			f.fileStatus |= fileStatusError
			f.fileResult = 2 // ENOENT
			return
		}
		f.fileStatus = fileStatusReading | fileStatusOpen
		f.reading = true
		f.fileBuf = append([]byte(nil), content...)
		if f.unknownSize {
			f.fileSize = 0
		} else {
			f.fileSize = uint64(len(content))
		}
	case fileCmdOpenWrite:
		if f.openWriteErrno != 0 {
			f.fileStatus |= fileStatusError
			f.fileResult = f.openWriteErrno
			return
		}
		f.fileStatus = fileStatusWriting | fileStatusOpen
		f.writing = true
		f.writeTarget = f.path
		f.writeCount = 0
		f.files[f.path] = nil
	case fileCmdClose:
		f.closeCount++
		f.fileStatus &^= fileStatusReading | fileStatusWriting | fileStatusOpen
		f.reading = false
		f.writing = false
		if f.closeErrno != 0 {
			f.fileStatus |= fileStatusError
			f.fileResult = f.closeErrno
		}
	}
}
