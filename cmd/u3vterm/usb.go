// Copyright (C) 2023 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/gousb"
)

// The control interface of a USB3 Vision device is identified by
// class Miscellaneous (0xEF), subclass 0x05, protocol 0x00, with one
// bulk IN and one bulk OUT endpoint.
const (
	u3vClass    = gousb.Class(0xef)
	u3vSubClass = gousb.Class(0x05)
	u3vProtocol = gousb.Protocol(0x00)

	transferTimeout = 10 * time.Second
)

// usbDevice is a claimed U3V control interface. It implements
// u3v.BulkChannel over the interface's bulk endpoint pair.
type usbDevice struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
}

// openDevice enumerates devices matching vid:pid, narrows by serial
// number if a filter is given (prompting when several candidates
// remain without one), then claims the U3V control interface.
func openDevice(vid, pid uint16, serialFilter string) (*usbDevice, error) {
	u := &usbDevice{ctx: gousb.NewContext()}

	devs, err := u.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(vid) && desc.Product == gousb.ID(pid)
	})
	// OpenDevices can fail on some devices while still returning
	// the ones it could open.
	if len(devs) == 0 {
		u.Close()
		if err != nil {
			return nil, fmt.Errorf("enumerate devices: %w", err)
		}
		return nil, fmt.Errorf("unable to open device %04x:%04x", vid, pid)
	}

	chosen, err := chooseDevice(devs, vid, pid, serialFilter)
	for _, d := range devs {
		if d != chosen {
			d.Close()
		}
	}
	if err != nil {
		u.Close()
		return nil, err
	}
	u.dev = chosen

	if err := u.dev.SetAutoDetach(true); err != nil {
		u.Close()
		return nil, fmt.Errorf("auto-detach kernel driver: %w", err)
	}
	if err := u.claimControlInterface(); err != nil {
		u.Close()
		return nil, err
	}

	le.Printf("Opened USB3 Vision device %04x:%04x\n", vid, pid)
	return u, nil
}

// chooseDevice picks one candidate: by serial filter, trivially when
// only one matched, or by asking on the terminal.
func chooseDevice(devs []*gousb.Device, vid, pid uint16, serialFilter string) (*gousb.Device, error) {
	if serialFilter != "" {
		for _, d := range devs {
			serial, err := d.SerialNumber()
			if err == nil && serial == serialFilter {
				return d, nil
			}
		}
		return nil, fmt.Errorf("unable to open device %04x:%04x with serial %q",
			vid, pid, serialFilter)
	}
	if len(devs) == 1 {
		return devs[0], nil
	}

	le.Printf("Multiple USB3 Vision devices detected:\n")
	for i, d := range devs {
		serial, err := d.SerialNumber()
		if err != nil || serial == "" {
			serial = "<no-serial>"
		}
		le.Printf("  [%d] bus %d addr %d, serial: %s\n", i, d.Desc.Bus, d.Desc.Address, serial)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprintf(os.Stderr, "Select device index: ")
		if !scanner.Scan() {
			return nil, fmt.Errorf("failed to select device")
		}
		idx, err := strconv.Atoi(scanner.Text())
		if err == nil && idx >= 0 && idx < len(devs) {
			return devs[idx], nil
		}
		le.Printf("Invalid selection. Enter a number between 0 and %d.\n", len(devs)-1)
	}
}

// claimControlInterface finds and claims the U3V control interface
// and resolves its bulk endpoint pair.
func (u *usbDevice) claimControlInterface() error {
	for _, cfgDesc := range u.dev.Desc.Configs {
		for _, intfDesc := range cfgDesc.Interfaces {
			for _, alt := range intfDesc.AltSettings {
				if alt.Class != u3vClass || alt.SubClass != u3vSubClass ||
					alt.Protocol != u3vProtocol {
					continue
				}
				var epIn, epOut int
				haveIn, haveOut := false, false
				for _, ep := range alt.Endpoints {
					if ep.TransferType != gousb.TransferTypeBulk {
						continue
					}
					if ep.Direction == gousb.EndpointDirectionIn {
						epIn, haveIn = ep.Number, true
					} else {
						epOut, haveOut = ep.Number, true
					}
				}
				if !haveIn || !haveOut {
					continue
				}

				cfg, err := u.dev.Config(cfgDesc.Number)
				if err != nil {
					return fmt.Errorf("claim config %d: %w", cfgDesc.Number, err)
				}
				u.cfg = cfg
				intf, err := cfg.Interface(alt.Number, alt.Alternate)
				if err != nil {
					return fmt.Errorf("claim interface %d: %w", alt.Number, err)
				}
				u.intf = intf
				if u.in, err = intf.InEndpoint(epIn); err != nil {
					return fmt.Errorf("open bulk IN 0x%02x: %w", epIn, err)
				}
				if u.out, err = intf.OutEndpoint(epOut); err != nil {
					return fmt.Errorf("open bulk OUT 0x%02x: %w", epOut, err)
				}
				le.Printf("Claimed interface %d (OUT=0x%02x, IN=0x%02x)\n",
					alt.Number, epOut, epIn|0x80)
				return nil
			}
		}
	}
	return fmt.Errorf("no USB3 Vision control interface with bulk IN/OUT found")
}

// Send pushes one whole message out the bulk OUT endpoint.
func (u *usbDevice) Send(p []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), transferTimeout)
	defer cancel()
	n, err := u.out.WriteContext(ctx, p)
	if err != nil {
		return fmt.Errorf("bulk OUT: %w", err)
	}
	if n != len(p) {
		return fmt.Errorf("bulk OUT short write: %d/%d bytes", n, len(p))
	}
	return nil
}

// Receive reads one message from the bulk IN endpoint.
func (u *usbDevice) Receive(p []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), transferTimeout)
	defer cancel()
	n, err := u.in.ReadContext(ctx, p)
	if err != nil {
		return 0, fmt.Errorf("bulk IN: %w", err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("bulk IN returned %d bytes", n)
	}
	return n, nil
}

func (u *usbDevice) Close() {
	if u.intf != nil {
		u.intf.Close()
		u.intf = nil
	}
	if u.cfg != nil {
		u.cfg.Close()
		u.cfg = nil
	}
	if u.dev != nil {
		u.dev.Close()
		u.dev = nil
	}
	if u.ctx != nil {
		u.ctx.Close()
		u.ctx = nil
	}
}
