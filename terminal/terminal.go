// Copyright (C) 2023 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

// Package terminal drives the mailbox terminal a device exposes
// through its U3VCP register map: an interactive shell byte stream,
// session control, and a polled file-transfer sub-protocol. To start
// using it:
//
//	client := terminal.NewClient(dev)
//	err := client.Initialize()
//
// followed by EnsureSession() to probe, authenticate and start the
// remote session. Whatever happens afterwards, Lock() must be called
// before the USB resources are released.
package terminal

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/tillitis/u3vterm/u3v"
)

var le = log.New(os.Stderr, "", 0)

func SilenceLogging() {
	le.SetOutput(io.Discard)
}

type constError string

func (err constError) Error() string {
	return string(err)
}

const (
	ErrBadTerminalMagic = constError("bad terminal magic")
	ErrAuthRequired     = constError("terminal locked: password required")
	ErrAuthFailed       = constError("authentication failed")
	ErrSessionTimeout   = constError("timed out waiting for terminal session")
	ErrPathRequired     = constError("remote path must not be empty")
	ErrPathTooLong      = constError("remote path too long")
	ErrFileOpenTimeout  = constError("timed out waiting for file channel")
)

// Client is the terminal session state machine layered on a U3VCP
// device. It owns the device for its lifetime and is not safe for
// concurrent use.
type Client struct {
	dev         *u3v.Device
	out         io.Writer
	progressOut io.Writer

	initialized bool
	version     uint32
	chunkHint   uint32
	password    string
	echo        bool

	// Poll cadences and deadlines. Fixed in production; tests
	// shorten them.
	sessionWait  time.Duration
	sessionPoll  time.Duration
	resetSettle  time.Duration
	drainIdle    time.Duration
	drainMax     time.Duration
	drainPoll    time.Duration
	fileOpenWait time.Duration
	filePoll     time.Duration
	closeSettle  time.Duration
}

// NewClient allocates a terminal client on dev. Command output goes
// to stdout; diagnostics and transfer progress go to stderr.
func NewClient(dev *u3v.Device) *Client {
	return &Client{
		dev:         dev,
		out:         os.Stdout,
		progressOut: os.Stderr,
		chunkHint:   4096,
		echo:        true,

		sessionWait:  2 * time.Second,
		sessionPoll:  50 * time.Millisecond,
		resetSettle:  200 * time.Millisecond,
		drainIdle:    200 * time.Millisecond,
		drainMax:     5 * time.Second,
		drainPoll:    50 * time.Millisecond,
		fileOpenWait: 500 * time.Millisecond,
		filePoll:     10 * time.Millisecond,
		closeSettle:  5 * time.Millisecond,
	}
}

func (c *Client) SetPassword(password string) {
	c.password = password
}

// SetEcho selects whether the session is started with remote echo
// enabled. Takes effect on the next session start or reset.
func (c *Client) SetEcho(enable bool) {
	c.echo = enable
}

// Version returns the firmware protocol version read during
// Initialize.
func (c *Client) Version() uint32 {
	return c.version
}

// Initialize probes the terminal register bank: checks the magic,
// records the protocol version and the device's preferred transfer
// chunk size.
func (c *Client) Initialize() error {
	if c.initialized {
		return nil
	}

	regs, err := c.dev.ReadRegs(regMagic, 2)
	if err != nil {
		return fmt.Errorf("read terminal header: %w", err)
	}
	if regs[0] != terminalMagic {
		return fmt.Errorf("%w: got 0x%08x, expected 0x%08x",
			ErrBadTerminalMagic, regs[0], uint32(terminalMagic))
	}
	c.version = regs[1]

	// The explicit version register overrides the header word when
	// the firmware populates it.
	if v, err := c.dev.ReadU32(regVersion); err == nil && v != 0 {
		c.version = v
	}

	if hint, err := c.dev.ReadU32(regChunkHint); err == nil {
		c.chunkHint = hint
	}
	if c.chunkHint == 0 {
		c.chunkHint = 512
	}

	c.initialized = true
	return nil
}

// ensureAuth unlocks the terminal if it is locked. An already
// authenticated device passes through without writing anything.
func (c *Client) ensureAuth() error {
	authed, err := c.dev.ReadU32(regAuthStatus)
	if err != nil {
		return fmt.Errorf("read auth status: %w", err)
	}
	if authed != 0 {
		return nil
	}
	if c.password == "" {
		return ErrAuthRequired
	}

	if err := c.dev.WriteBytes(regAuthBuf, []byte(c.password)); err != nil {
		return fmt.Errorf("write auth buffer: %w", err)
	}
	if err := c.dev.WriteU32(regAuthCmd, 1); err != nil {
		return fmt.Errorf("write auth command: %w", err)
	}

	authed, err = c.dev.ReadU32(regAuthStatus)
	if err != nil {
		return fmt.Errorf("read auth status: %w", err)
	}
	if authed == 0 {
		return ErrAuthFailed
	}
	return nil
}

// controlWord composes a control write with exactly one of the echo
// bits set, per the session echo mode.
func (c *Client) controlWord(base uint32) uint32 {
	if c.echo {
		return base | ctrlEchoEnable
	}
	return base | ctrlEchoDisable
}

// EnsureSession brings the terminal to the ready state: probe,
// authenticate, then start the remote session if it is not already
// running.
func (c *Client) EnsureSession() error {
	if !c.initialized {
		if err := c.Initialize(); err != nil {
			return err
		}
	}
	if err := c.ensureAuth(); err != nil {
		return err
	}

	status, err := c.dev.ReadU32(regStatus)
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if status&statusReady != 0 {
		return nil
	}

	if err := c.dev.WriteU32(regStatus, c.controlWord(ctrlStart|ctrlClearFlags)); err != nil {
		return fmt.Errorf("write start: %w", err)
	}

	deadline := time.Now().Add(c.sessionWait)
	for time.Now().Before(deadline) {
		status, err = c.dev.ReadU32(regStatus)
		if err != nil {
			return fmt.Errorf("read status: %w", err)
		}
		if status&statusReady != 0 {
			return nil
		}
		time.Sleep(c.sessionPoll)
	}
	return ErrSessionTimeout
}

// Reset restarts the remote session, preserving authentication, and
// waits for it to come back up.
func (c *Client) Reset() error {
	if err := c.Initialize(); err != nil {
		return err
	}
	if err := c.dev.WriteU32(regStatus, c.controlWord(ctrlReset|ctrlClearFlags)); err != nil {
		return fmt.Errorf("write reset: %w", err)
	}
	time.Sleep(c.resetSettle)
	return c.EnsureSession()
}

// Lock writes 0 to the auth command register, locking the terminal.
// Call on every exit path, whatever state the session ended up in.
func (c *Client) Lock() error {
	if err := c.dev.WriteU32(regAuthCmd, 0); err != nil {
		return fmt.Errorf("lock terminal: %w", err)
	}
	return nil
}

// SendCommand writes a command line to the remote TTY, appending a
// newline if the caller did not, in slices of at most the device's
// chunk hint.
func (c *Client) SendCommand(command string) error {
	if err := c.EnsureSession(); err != nil {
		return err
	}
	payload := command
	if payload == "" || payload[len(payload)-1] != '\n' {
		payload += "\n"
	}
	return c.writeTTY([]byte(payload))
}

// writeTTY writes raw bytes into the TTY data window in chunk-hint
// sized slices.
func (c *Client) writeTTY(p []byte) error {
	for len(p) > 0 {
		n := len(p)
		if n > int(c.chunkHint) {
			n = int(c.chunkHint)
		}
		if err := c.dev.WriteBytes(regData, p[:n]); err != nil {
			return fmt.Errorf("write tty data: %w", err)
		}
		p = p[n:]
	}
	return nil
}

// DrainOutput collects buffered device output until the stream has
// been idle for idleTimeout or maxWait elapses, whichever comes
// first. An overflow status warns once per call; an error status is
// reported but draining continues. Partial output is returned on
// timeout.
func (c *Client) DrainOutput(idleTimeout, maxWait time.Duration) ([]byte, error) {
	if err := c.EnsureSession(); err != nil {
		return nil, err
	}

	var out []byte
	lastData := time.Now()
	deadline := time.Now().Add(maxWait)
	warnedOverflow := false

	for time.Now().Before(deadline) {
		status, err := c.dev.ReadU32(regStatus)
		if err != nil {
			return out, fmt.Errorf("read status: %w", err)
		}
		if status&statusOverflow != 0 && !warnedOverflow {
			le.Printf("Warning: terminal output overflowed, some bytes dropped\n")
			warnedOverflow = true
		}
		if status&statusError != 0 {
			le.Printf("Terminal reported error bit\n")
		}

		avail, err := c.dev.ReadU32(regAvail)
		if err != nil {
			return out, fmt.Errorf("read output available: %w", err)
		}
		if avail == 0 {
			if time.Since(lastData) > idleTimeout {
				break
			}
			time.Sleep(c.drainPoll)
			continue
		}

		toRead := avail
		if toRead > c.chunkHint {
			toRead = c.chunkHint
		}
		data, err := c.dev.ReadMemory(regData, uint16(toRead))
		if err != nil {
			return out, fmt.Errorf("read tty data: %w", err)
		}
		out = append(out, data...)
		lastData = time.Now()
	}
	return out, nil
}

// drain runs DrainOutput with the client's default idle and max
// waits.
func (c *Client) drain() ([]byte, error) {
	return c.DrainOutput(c.drainIdle, c.drainMax)
}

// RunOnce executes a single command: a u3vget/u3vput meta-command is
// run locally against the file channel, anything else is sent to the
// remote shell and its output drained once.
func (c *Client) RunOnce(command string) error {
	handled, err := c.handleFileTransfer(command)
	if handled || err != nil {
		return err
	}
	if err := c.SendCommand(command); err != nil {
		return err
	}
	out, err := c.drain()
	if len(out) > 0 {
		fmt.Fprintf(c.out, "%s", out)
	}
	return err
}

// handleFileTransfer recognizes and runs the u3vget/u3vput
// meta-commands. handled reports whether the line was a meta-command,
// even when its arguments were unusable.
func (c *Client) handleFileTransfer(line string) (handled bool, err error) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return false, nil
	}
	switch tokens[0] {
	case "u3vget":
		if len(tokens) != 3 {
			return true, fmt.Errorf("usage: u3vget <remote-path> <local-path>")
		}
		return true, c.GetFile(tokens[1], tokens[2])
	case "u3vput":
		if len(tokens) != 3 {
			return true, fmt.Errorf("usage: u3vput <local-path> <remote-path>")
		}
		return true, c.PutFile(tokens[1], tokens[2])
	}
	return false, nil
}
