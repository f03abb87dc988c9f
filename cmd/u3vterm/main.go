// Copyright (C) 2023 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/tillitis/u3vterm/terminal"
	"github.com/tillitis/u3vterm/u3v"
)

// Use when printing err/diag msgs
var le = log.New(os.Stderr, "", 0)

const progname = "u3vterm"

const (
	defaultVendorID  = 0x04b4
	defaultProductID = 0x1003

	passwordEnv = "U3V_TERM_PASS"
)

// cliMode is the outcome of the left-to-right scan over the
// command-and-mode arguments, which pflag cannot express: two-value
// flags, single-dash long options, and the rule that everything from
// the first unknown argument onward is the command.
type cliMode struct {
	interactive     bool
	interactiveMode int
	command         string
}

// splitModeArgs scans args left to right, consuming the legacy
// command/mode arguments itself and passing everything else through
// to pflag.
func splitModeArgs(args []string) (flagArgs []string, mode cliMode, err error) {
	mode = cliMode{interactive: true, interactiveMode: 2}

	needValue := func(i int, name string) error {
		if i+1 >= len(args) {
			return fmt.Errorf("%s requires an argument", name)
		}
		return nil
	}

	for i := 0; i < len(args); i++ {
		switch arg := args[i]; arg {
		case "-c", "--command":
			if err := needValue(i, arg); err != nil {
				return nil, mode, err
			}
			i++
			mode.command = args[i]
			mode.interactive = false
		case "-i", "--interactive":
			if err := needValue(i, arg); err != nil {
				return nil, mode, err
			}
			i++
			v, err := parseU16(args[i])
			if err != nil {
				return nil, mode, fmt.Errorf("invalid interactive mode value %q", args[i])
			}
			mode.interactive = true
			mode.interactiveMode = int(v)
			mode.command = ""
		case "-get":
			if i+2 >= len(args) {
				return nil, mode, fmt.Errorf("-get requires 2 arguments")
			}
			mode.command = "u3vget " + args[i+1] + " " + args[i+2]
			mode.interactive = false
			i += 2
		case "-put":
			if i+2 >= len(args) {
				return nil, mode, fmt.Errorf("-put requires 2 arguments")
			}
			mode.command = "u3vput " + args[i+1] + " " + args[i+2]
			mode.interactive = false
			i += 2
		case "-id", "--id":
			if err := needValue(i, arg); err != nil {
				return nil, mode, err
			}
			i++
			flagArgs = append(flagArgs, "--id", args[i])
		case "-p", "--password":
			if err := needValue(i, arg); err != nil {
				return nil, mode, err
			}
			i++
			flagArgs = append(flagArgs, "--password", args[i])
		case "--vid", "--pid":
			if err := needValue(i, arg); err != nil {
				return nil, mode, err
			}
			i++
			flagArgs = append(flagArgs, arg, args[i])
		case "-r", "--reset", "-h", "--help":
			flagArgs = append(flagArgs, arg)
		default:
			// Everything from the first unknown argument on is the
			// command.
			mode.command = strings.Join(args[i:], " ")
			mode.interactive = false
			return flagArgs, mode, nil
		}
	}
	return flagArgs, mode, nil
}

// parseU16 accepts decimal or 0x-prefixed hex.
func parseU16(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, err)
	}
	return uint16(v), nil
}

func usage() {
	le.Printf(`Usage: %[1]s [options] [command]

%[1]s opens the mailbox terminal of a USB3 Vision device: an
interactive shell over the control endpoints, plus u3vget/u3vput file
transfer through the device's file channel.

Options:
  -c,  --command <cmd>             Execute a single command then exit
  -i,  --interactive <1|2>         Force interactive mode V1 or V2 (default V2)
  -get <remote-path> <local-path>  Download a file then exit
  -put <local-path> <remote-path>  Upload a file then exit
  -r,  --reset                     Reset terminal session before use
  -p,  --password <pwd>            Password for unlocking the terminal
                                   (or set %[2]s)
  -id, --id <serial>               Match device by USB serial number
                                   (omit to be prompted when multiple devices exist)
       --vid <id>                  USB vendor ID (e.g. 0x04b4)
       --pid <id>                  USB product ID (e.g. 0x1003)
  -h,  --help                      Show this message
`, progname, passwordEnv)
}

// Cleanups to run when a fatal signal preempts the normal unwind,
// newest first.
var cleanups struct {
	sync.Mutex
	fns []func()
}

func pushCleanup(fn func()) {
	cleanups.Lock()
	defer cleanups.Unlock()
	cleanups.fns = append(cleanups.fns, fn)
}

func handleSignals() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		cleanups.Lock()
		for i := len(cleanups.fns) - 1; i >= 0; i-- {
			cleanups.fns[i]()
		}
		os.Exit(1)
	}()
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) (rc int) {
	flagArgs, mode, err := splitModeArgs(args)
	if err != nil {
		le.Printf("%v\n\n", err)
		usage()
		return 2
	}

	fs := pflag.NewFlagSet(progname, pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.SortFlags = false
	var (
		helpOnly  bool
		resetOnly bool
		password  string
		serial    string
		vidStr    string
		pidStr    string
	)
	fs.BoolVarP(&helpOnly, "help", "h", false, "Output this help.")
	fs.BoolVarP(&resetOnly, "reset", "r", false, "Reset the terminal session before use.")
	fs.StringVarP(&password, "password", "p", "", "Password for unlocking the terminal.")
	fs.StringVar(&serial, "id", "", "Match device by USB serial number.")
	fs.StringVar(&vidStr, "vid", "", "USB vendor ID.")
	fs.StringVar(&pidStr, "pid", "", "USB product ID.")
	fs.Usage = usage
	if err := fs.Parse(flagArgs); err != nil {
		return 2
	}
	if helpOnly {
		usage()
		return 0
	}

	vid := uint16(defaultVendorID)
	pid := uint16(defaultProductID)
	if vidStr != "" {
		if vid, err = parseU16(vidStr); err != nil {
			le.Printf("Invalid vendor ID value: %v\n", err)
			return 2
		}
	}
	if pidStr != "" {
		if pid, err = parseU16(pidStr); err != nil {
			le.Printf("Invalid product ID value: %v\n", err)
			return 2
		}
	}
	if password == "" {
		password = os.Getenv(passwordEnv)
	}

	handleSignals()

	dev, err := openDevice(vid, pid, serial)
	if err != nil {
		le.Printf("%v\n", err)
		return 1
	}
	defer dev.Close()
	pushCleanup(func() { dev.Close() })

	client := terminal.NewClient(u3v.New(dev))
	client.SetPassword(password)

	// Lock the terminal on the way out, success or not.
	defer func() {
		if err := client.Lock(); err != nil {
			le.Printf("%v\n", err)
			rc = 1
		}
	}()
	pushCleanup(func() { _ = client.Lock() })

	if err := client.Initialize(); err != nil {
		le.Printf("%v\n", err)
		return 1
	}

	imode := mode.interactiveMode
	if mode.interactive && imode >= 2 && client.Version() < terminal.MinVersionV2 {
		le.Printf("Terminal version 0x%x is below 0x%x, falling back to V1 mode\n",
			client.Version(), uint32(terminal.MinVersionV2))
		imode = 1
	}
	client.SetEcho(mode.interactive && imode == 2)

	if resetOnly {
		if err := client.Reset(); err != nil {
			le.Printf("%v\n", err)
			return 1
		}
	}

	if mode.interactive {
		if imode == 1 {
			err = client.InteractiveV1(os.Stdin, os.Stdout)
		} else {
			err = client.InteractiveV2(newConsole())
		}
	} else {
		err = client.RunOnce(mode.command)
	}
	if err != nil {
		le.Printf("%v\n", err)
		return 1
	}
	return 0
}
