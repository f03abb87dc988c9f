// Copyright (C) 2023 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/term"
)

// console adapts the process's stdin/stdout to the terminal.Console
// the V2 interactive loop drives. A background goroutine owns the
// blocking stdin read; ReadInput polls it with a timeout so the loop
// can interleave device output.
type console struct {
	in  *os.File
	out *os.File
	ch  chan []byte
}

func newConsole() *console {
	c := &console{
		in:  os.Stdin,
		out: os.Stdout,
		ch:  make(chan []byte),
	}
	go c.readLoop()
	return c
}

func (c *console) readLoop() {
	for {
		buf := make([]byte, 256)
		n, err := c.in.Read(buf)
		if n > 0 {
			c.ch <- buf[:n]
		}
		if err != nil {
			close(c.ch)
			return
		}
	}
}

// ReadInput returns the next batch of input bytes, nil on an empty
// poll, io.EOF once stdin is gone.
func (c *console) ReadInput(timeout time.Duration) ([]byte, error) {
	select {
	case buf, ok := <-c.ch:
		if !ok {
			return nil, io.EOF
		}
		return buf, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

// MakeRaw switches stdin to raw mode and registers the restore with
// the fatal-signal cleanups as well, since raw mode disables the
// terminal's own signal keys only locally.
func (c *console) MakeRaw() (func(), error) {
	fd := int(c.in.Fd())
	if !term.IsTerminal(fd) {
		// Piped input: nothing to switch or restore.
		return func() {}, nil
	}
	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("set raw mode: %w", err)
	}
	restore := func() { _ = term.Restore(fd, saved) }
	pushCleanup(restore)
	return restore, nil
}

func (c *console) Write(p []byte) (int, error) {
	return c.out.Write(p)
}
