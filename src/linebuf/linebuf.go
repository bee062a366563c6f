// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package linebuf reassembles a raw byte stream from a child process into
// clean log lines.
//
// Any of "\n", "\r", "\r\n" or "\n\r" ends a line. Empty lines are dropped,
// so a terminator pair split across two Feed calls yields the same lines as
// the unsplit stream. ANSI CSI sequences are removed from every completed
// line.
package linebuf

import (
	"bytes"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

const (
	esc = 0x1b

	// DefaultMaxLineBytes bounds a single unterminated line. A fragment that
	// reaches it is emitted as a line of its own.
	DefaultMaxLineBytes = 1024 * 1024 // 1MB
)

// Buffer is an incremental byte-to-line reassembler. It is not safe for
// concurrent use; each output stream gets its own Buffer.
type Buffer struct {
	pending  []byte
	maxBytes int
}

// New returns a Buffer with DefaultMaxLineBytes.
func New() *Buffer {
	return NewWithLimit(DefaultMaxLineBytes)
}

// NewWithLimit returns a Buffer that force-emits fragments once they reach
// maxBytes. A non-positive limit disables the cap.
func NewWithLimit(maxBytes int) *Buffer {
	return &Buffer{maxBytes: maxBytes}
}

// Feed appends p and returns every line completed by it, in order.
// The unterminated tail (including a partial escape sequence) stays buffered.
func (b *Buffer) Feed(p []byte) []string {
	var lines []string
	for len(p) > 0 {
		i := bytes.IndexAny(p, "\r\n")
		if i < 0 {
			lines = b.appendPending(lines, p)
			break
		}
		lines = b.appendPending(lines, p[:i])
		if line, ok := b.take(); ok {
			lines = append(lines, line)
		}
		p = p[i+1:]
	}
	return lines
}

// Flush returns the buffered fragment, if any, and resets the buffer.
// Complete escape sequences are stripped; a trailing incomplete one is kept
// verbatim since there are no more bytes to resolve it.
func (b *Buffer) Flush() (string, bool) {
	if len(b.pending) == 0 {
		return "", false
	}
	raw := string(b.pending)
	b.pending = b.pending[:0]

	if i := incompleteEscape(raw); i >= 0 {
		line := clean(raw[:i]) + strings.ToValidUTF8(raw[i:], replacement)
		return line, line != ""
	}
	line := clean(raw)
	return line, line != ""
}

// Len reports the number of buffered bytes.
func (b *Buffer) Len() int {
	return len(b.pending)
}

func (b *Buffer) appendPending(lines []string, p []byte) []string {
	for len(p) > 0 {
		if b.maxBytes <= 0 {
			b.pending = append(b.pending, p...)
			return lines
		}
		room := b.maxBytes - len(b.pending)
		if len(p) < room {
			b.pending = append(b.pending, p...)
			return lines
		}
		b.pending = append(b.pending, p[:room]...)
		p = p[room:]
		if line, ok := b.take(); ok {
			lines = append(lines, line)
		}
	}
	return lines
}

func (b *Buffer) take() (string, bool) {
	if len(b.pending) == 0 {
		return "", false
	}
	line := clean(string(b.pending))
	b.pending = b.pending[:0]
	if line == "" {
		return "", false
	}
	return line, true
}

// replacement marks bytes that were not valid UTF-8. The stripper would
// otherwise drop them without trace.
const replacement = "\uFFFD"

func clean(s string) string {
	return ansi.Strip(strings.ToValidUTF8(s, replacement))
}

// incompleteEscape returns the index of a trailing escape sequence that has
// not seen its final byte yet, or -1.
func incompleteEscape(s string) int {
	i := strings.LastIndexByte(s, esc)
	if i < 0 {
		return -1
	}
	rest := s[i+1:]
	if rest == "" {
		return i
	}
	if rest[0] != '[' {
		return -1
	}
	for j := 1; j < len(rest); j++ {
		c := rest[j]
		if c >= 0x40 && c <= 0x7e {
			return -1
		}
		if c < 0x20 || c > 0x3f {
			return -1
		}
	}
	return i
}
