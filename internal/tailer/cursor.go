package tailer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Cursor reads complete lines appended to a file. It owns the open handle, the
// byte offset and any trailing bytes that are not yet terminated by a newline.
type Cursor struct {
	path    string
	file    *os.File
	reader  *bufio.Reader
	offset  int64
	partial strings.Builder
}

// OpenCursor opens path for reading from offset 0
func OpenCursor(path string) (*Cursor, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	return &Cursor{
		path:   path,
		file:   file,
		reader: bufio.NewReader(file),
	}, nil
}

// NextLine returns the next complete line without its terminator. ok is false when
// no complete line is available yet.
func (c *Cursor) NextLine() (line string, ok bool, err error) {
	chunk, err := c.reader.ReadString('\n')
	c.offset += int64(len(chunk))

	if err != nil {
		if errors.Is(err, io.EOF) {
			c.partial.WriteString(chunk)
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read file: %w", err)
	}

	if c.partial.Len() > 0 {
		c.partial.WriteString(chunk)
		chunk = c.partial.String()
		c.partial.Reset()
	}

	line = strings.TrimSuffix(chunk, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, true, nil
}

// Offset returns the number of bytes consumed, buffered partial bytes included
func (c *Cursor) Offset() int64 {
	return c.offset
}

// Path returns the path the cursor was opened on
func (c *Cursor) Path() string {
	return c.path
}

func (c *Cursor) size() (int64, error) {
	info, err := c.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat file: %w", err)
	}
	return info.Size(), nil
}

// NoNewData reports whether every byte of the open handle has been consumed
func (c *Cursor) NoNewData() (bool, error) {
	size, err := c.size()
	if err != nil {
		return false, err
	}
	return size == c.offset, nil
}

// Truncated reports whether the open file shrank below the offset
func (c *Cursor) Truncated() (bool, error) {
	size, err := c.size()
	if err != nil {
		return false, err
	}
	return size < c.offset, nil
}

// Replaced reports whether the path is gone or now names a different file
func (c *Cursor) Replaced() bool {
	current, err := os.Stat(c.path)
	if err != nil {
		return true
	}
	opened, err := c.file.Stat()
	if err != nil {
		return true
	}
	return !os.SameFile(opened, current)
}

// Close closes the file handle
func (c *Cursor) Close() error {
	return c.file.Close()
}
