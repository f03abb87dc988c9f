// Copyright (C) 2023 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

package terminal

// The device exposes the terminal as a bank of 32-bit little-endian
// mailbox registers at a fixed base address. The status register has
// separate read (status bits) and write (control bits) semantics. A
// second bank starting at +0x40 carries the file-transfer
// sub-protocol, with its own data window at +0xC0 disjoint from the
// TTY data window at +0x100.

const (
	regBase = 0x30000

	regMagic      = regBase + 0x00
	regVersion    = regBase + 0x04
	regStatus     = regBase + 0x08
	regAvail      = regBase + 0x0C
	regChunkHint  = regBase + 0x10
	regAuthStatus = regBase + 0x14
	regAuthCmd    = regBase + 0x18
	regAuthBuf    = regBase + 0x1C

	regFileCmd        = regBase + 0x40
	regFileStatus     = regBase + 0x44
	regFileResult     = regBase + 0x48
	regFileSizeLow    = regBase + 0x4C
	regFileSizeHigh   = regBase + 0x50
	regFileCursorLow  = regBase + 0x54
	regFileCursorHigh = regBase + 0x58
	regFileDataAvail  = regBase + 0x5C
	regFilePath       = regBase + 0x60

	regFileData = regBase + 0xC0
	regData     = regBase + 0x100

	// terminalMagic is "TERM", the value of the magic register.
	terminalMagic = 0x5445524D

	filePathCapacity = 0x60
	fileDataWindow   = 0x40
)

// MinVersionV2 is the lowest firmware protocol version that supports
// the char-at-a-time V2 interactive mode.
const MinVersionV2 = 0x00010002

// Status register, read direction.
const (
	statusReady         = 1 << 0
	statusChildAlive    = 1 << 1
	statusOutputPending = 1 << 2
	statusOverflow      = 1 << 3
	statusError         = 1 << 4
)

// Status register, write direction.
const (
	ctrlStart       = 1 << 0
	ctrlReset       = 1 << 1
	ctrlSigInt      = 1 << 2
	ctrlSigTerm     = 1 << 3
	ctrlClearFlags  = 1 << 4
	ctrlEchoEnable  = 1 << 5
	ctrlEchoDisable = 1 << 6
)

// File command register values.
const (
	fileCmdNone      = 0
	fileCmdOpenRead  = 1
	fileCmdOpenWrite = 2
	fileCmdClose     = 3
	fileCmdReset     = 4
)

// File status register bits.
const (
	fileStatusBusy      = 1 << 0
	fileStatusError     = 1 << 1
	fileStatusEOF       = 1 << 2
	fileStatusReading   = 1 << 3
	fileStatusWriting   = 1 << 4
	fileStatusOpen      = 1 << 5
	fileStatusPathReady = 1 << 6
)
