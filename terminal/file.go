// Copyright (C) 2023 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

package terminal

import (
	"fmt"
	"io"
	"os"
	"syscall"
	"time"
)

// FileError is a failure reported by the device's file channel,
// carrying the POSIX errno from the file result register. A zero
// errno means the device flagged an error without a code.
type FileError struct {
	Op    string
	Errno syscall.Errno
}

func (e *FileError) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("%s failed: errno=%d (%s)", e.Op, int(e.Errno), e.Errno.Error())
	}
	return fmt.Sprintf("%s failed", e.Op)
}

// GetFile downloads remotePath from the device into localPath.
func (c *Client) GetFile(remotePath, localPath string) error {
	if err := c.EnsureSession(); err != nil {
		return err
	}

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}

	received, _, err := c.get(remotePath, f)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("close local file: %w", closeErr)
	}
	if err != nil {
		return err
	}

	le.Printf("Downloaded '%s' -> '%s'%s\n", remotePath, localPath, sizeSuffix(received))
	return nil
}

// get runs the download against an already-ready session, writing the
// file contents to sink. Progress goes to the progress sink so the
// data stream stays clean.
func (c *Client) get(remotePath string, sink io.Writer) (received, total uint64, err error) {
	if err := c.stageFilePath(remotePath); err != nil {
		return 0, 0, err
	}
	if err := c.dev.WriteU32(regFileCmd, fileCmdOpenRead); err != nil {
		return 0, 0, fmt.Errorf("open read: %w", err)
	}
	if err := c.waitFileMode(fileStatusReading); err != nil {
		c.closeFileChannel("u3vget")
		return 0, 0, err
	}

	// A device that cannot tell the size up front reports 0; that
	// is not an error.
	total, err = c.dev.ReadU64(regFileSizeLow)
	if err != nil {
		c.closeFileChannel("u3vget")
		return 0, 0, fmt.Errorf("read file size: %w", err)
	}

	progress := false
	for {
		avail, err := c.dev.ReadU32(regFileDataAvail)
		if err != nil {
			c.closeFileChannel("u3vget")
			return received, total, fmt.Errorf("read file data avail: %w", err)
		}
		if avail == 0 {
			status, err := c.dev.ReadU32(regFileStatus)
			if err != nil {
				c.closeFileChannel("u3vget")
				return received, total, fmt.Errorf("read file status: %w", err)
			}
			if status&fileStatusError != 0 {
				err = c.fileError("u3vget")
				c.closeFileChannel("u3vget")
				return received, total, err
			}
			if status&fileStatusEOF != 0 {
				break
			}
			time.Sleep(c.filePoll)
			continue
		}

		data, err := c.dev.ReadMemory(regFileData, uint16(avail))
		if err != nil {
			c.closeFileChannel("u3vget")
			return received, total, fmt.Errorf("read file data: %w", err)
		}
		if _, err := sink.Write(data); err != nil {
			c.closeFileChannel("u3vget")
			return received, total, fmt.Errorf("write local file: %w", err)
		}
		received += uint64(len(data))
		progress = true
		c.printProgress("Downloading", received, total)
	}

	err = c.closeFileChannel("u3vget")
	if progress {
		fmt.Fprintln(c.progressOut)
	}
	return received, total, err
}

// PutFile uploads localPath to remotePath on the device.
func (c *Client) PutFile(localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer f.Close()

	// Streaming sources have no known length; report 0 and let the
	// progress line count bytes only.
	var total uint64
	if fi, err := f.Stat(); err == nil && fi.Mode().IsRegular() {
		total = uint64(fi.Size())
	}

	if err := c.EnsureSession(); err != nil {
		return err
	}

	sent, err := c.put(f, total, remotePath)
	if err != nil {
		return err
	}
	le.Printf("Uploaded '%s' -> '%s'%s\n", localPath, remotePath, sizeSuffix(sent))
	return nil
}

// put runs the upload against an already-ready session, reading the
// file contents from src in file-data-window sized slices.
func (c *Client) put(src io.Reader, total uint64, remotePath string) (sent uint64, err error) {
	if err := c.stageFilePath(remotePath); err != nil {
		return 0, err
	}
	if err := c.dev.WriteU32(regFileCmd, fileCmdOpenWrite); err != nil {
		return 0, fmt.Errorf("open write: %w", err)
	}
	if err := c.waitFileMode(fileStatusWriting); err != nil {
		c.closeFileChannel("u3vput")
		return 0, err
	}

	progress := false
	buf := make([]byte, fileDataWindow)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if err := c.dev.WriteBytes(regFileData, buf[:n]); err != nil {
				c.closeFileChannel("u3vput")
				return sent, fmt.Errorf("write file data: %w", err)
			}
			status, err := c.dev.ReadU32(regFileStatus)
			if err != nil {
				c.closeFileChannel("u3vput")
				return sent, fmt.Errorf("read file status: %w", err)
			}
			if status&fileStatusError != 0 {
				err = c.fileError("u3vput")
				c.closeFileChannel("u3vput")
				return sent, err
			}
			sent += uint64(n)
			progress = true
			c.printProgress("Uploading", sent, total)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			c.closeFileChannel("u3vput")
			return sent, fmt.Errorf("read local file: %w", rerr)
		}
	}

	err = c.closeFileChannel("u3vput")
	if progress {
		fmt.Fprintln(c.progressOut)
	}
	return sent, err
}

// stageFilePath resets the file channel and writes the NUL-padded
// remote path into the path window.
func (c *Client) stageFilePath(remotePath string) error {
	if remotePath == "" {
		return ErrPathRequired
	}
	if len(remotePath) >= filePathCapacity {
		return fmt.Errorf("%w: %d bytes exceeds %d byte limit",
			ErrPathTooLong, len(remotePath), filePathCapacity-1)
	}
	if err := c.dev.WriteU32(regFileCmd, fileCmdReset); err != nil {
		return fmt.Errorf("reset file channel: %w", err)
	}
	buf := make([]byte, filePathCapacity)
	copy(buf, remotePath)
	if err := c.dev.WriteBytes(regFilePath, buf); err != nil {
		return fmt.Errorf("write file path: %w", err)
	}
	return nil
}

// waitFileMode polls the file status register until the requested
// mode bit appears, the device flags an error, or the open deadline
// passes.
func (c *Client) waitFileMode(modeBit uint32) error {
	deadline := time.Now().Add(c.fileOpenWait)
	for time.Now().Before(deadline) {
		status, err := c.dev.ReadU32(regFileStatus)
		if err != nil {
			return fmt.Errorf("read file status: %w", err)
		}
		if status&modeBit != 0 {
			return nil
		}
		if status&fileStatusError != 0 {
			return c.fileError("open file")
		}
		time.Sleep(c.filePoll)
	}
	return ErrFileOpenTimeout
}

// closeFileChannel issues the close command, gives the device a
// moment to settle, and surfaces any error the close left behind. A
// close failure downgrades an otherwise successful transfer.
func (c *Client) closeFileChannel(op string) error {
	if err := c.dev.WriteU32(regFileCmd, fileCmdClose); err != nil {
		return fmt.Errorf("close file channel: %w", err)
	}
	time.Sleep(c.closeSettle)
	return c.checkFileError(op)
}

// checkFileError reads the file status and, when the error bit is
// set, the errno from the result register. A non-zero result without
// the error bit is success.
func (c *Client) checkFileError(op string) error {
	status, err := c.dev.ReadU32(regFileStatus)
	if err != nil {
		return fmt.Errorf("read file status: %w", err)
	}
	if status&fileStatusError == 0 {
		return nil
	}
	return c.fileError(op)
}

// fileError builds the FileError for an already-flagged failure.
func (c *Client) fileError(op string) error {
	errno, err := c.dev.ReadU32(regFileResult)
	if err != nil {
		return fmt.Errorf("read file result: %w", err)
	}
	return &FileError{Op: op, Errno: syscall.Errno(errno)}
}

// printProgress redraws the in-place progress line. It writes to the
// progress sink directly since the diagnostic logger would terminate
// every redraw with a newline.
func (c *Client) printProgress(verb string, done, total uint64) {
	if total > 0 {
		pct := 100 * float64(done) / float64(total)
		fmt.Fprintf(c.progressOut, "\r%s: %d/%d (%.1f%%)", verb, done, total, pct)
	} else {
		fmt.Fprintf(c.progressOut, "\r%s: %d bytes", verb, done)
	}
}

func sizeSuffix(n uint64) string {
	if n == 0 {
		return ""
	}
	return fmt.Sprintf(" (%d bytes)", n)
}
