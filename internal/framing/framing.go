// Package framing delimits messages on a byte stream.
//
// Two modes are supported:
//   - length: 4 bytes big-endian payload length followed by the payload
//   - newline: payload terminated by '\n' (a trailing '\r' is stripped)
//
// Readers accumulate bytes across reads, so a message may span several TCP
// segments and one segment may carry several messages.
package framing

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// Supported framing modes.
const (
	ModeLength  = "length"
	ModeNewline = "newline"
)

const (
	headerSize     = 4
	readBufferSize = 4096
)

// ErrUnknownMode is returned for a framing mode other than ModeLength or ModeNewline.
var ErrUnknownMode = errors.New("framing: unknown mode")

// TooLargeError reports a message over the configured limit. The oversized
// payload has already been consumed, so the stream is positioned at the next message.
type TooLargeError struct {
	Size  int64
	Limit int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("framing: message of %d bytes exceeds limit of %d", e.Size, e.Limit)
}

// Reader yields whole messages. The returned slice is only valid until the next call.
type Reader interface {
	Next() ([]byte, error)
}

// Writer frames and writes one message.
type Writer interface {
	WriteMessage(data []byte) error
}

// NewReader returns a Reader for mode over r, enforcing maxSize bytes per message.
func NewReader(mode string, r io.Reader, maxSize int) (Reader, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("framing: max message size must be positive, got %d", maxSize)
	}
	br := bufio.NewReaderSize(r, readBufferSize)
	switch mode {
	case ModeLength:
		return &lengthReader{r: br, max: int64(maxSize)}, nil
	case ModeNewline:
		return &lineReader{r: br, max: int64(maxSize)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// NewWriter returns a Writer for mode over w.
func NewWriter(mode string, w io.Writer) (Writer, error) {
	switch mode {
	case ModeLength:
		return lengthWriter{w: w}, nil
	case ModeNewline:
		return lineWriter{w: w}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

type lengthReader struct {
	r   *bufio.Reader
	max int64
	buf []byte
}

func (l *lengthReader) Next() ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(l.r, header[:]); err != nil {
		return nil, err
	}
	size := int64(binary.BigEndian.Uint32(header[:]))
	if size > l.max {
		if _, err := io.CopyN(io.Discard, l.r, size); err != nil {
			return nil, truncated(err)
		}
		return nil, &TooLargeError{Size: size, Limit: l.max}
	}
	if int64(cap(l.buf)) < size {
		l.buf = make([]byte, size)
	}
	buf := l.buf[:size]
	if _, err := io.ReadFull(l.r, buf); err != nil {
		return nil, truncated(err)
	}
	return buf, nil
}

type lineReader struct {
	r   *bufio.Reader
	max int64
	buf []byte
}

func (l *lineReader) Next() ([]byte, error) {
	for {
		line, err := l.readLine()
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return line, nil
	}
}

func (l *lineReader) readLine() ([]byte, error) {
	l.buf = l.buf[:0]
	var (
		size     int64
		consumed int
	)
	for {
		chunk, err := l.r.ReadSlice('\n')
		consumed += len(chunk)
		content := bytes.TrimSuffix(chunk, []byte("\n"))
		size += int64(len(content))
		if size <= l.max {
			l.buf = append(l.buf, content...)
		}
		switch {
		case err == nil:
			if size > l.max {
				return nil, &TooLargeError{Size: size, Limit: l.max}
			}
			return bytes.TrimSuffix(l.buf, []byte("\r")), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if consumed == 0 {
				return nil, io.EOF
			}
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

type lengthWriter struct {
	w io.Writer
}

func (l lengthWriter) WriteMessage(data []byte) error {
	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header, uint32(len(data)))
	b := net.Buffers{header, data}
	_, err := b.WriteTo(l.w)
	return err
}

type lineWriter struct {
	w io.Writer
}

func (l lineWriter) WriteMessage(data []byte) error {
	if bytes.IndexByte(data, '\n') >= 0 {
		return errors.New("framing: newline-delimited message contains a newline")
	}
	out := make([]byte, 0, len(data)+1)
	out = append(out, data...)
	out = append(out, '\n')
	_, err := l.w.Write(out)
	return err
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
