// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ctxrpc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Framing selects how messages are delimited on a stream connection.
type Framing int

const (
	// FramingRaw treats every transport read as one message. A payload
	// larger than one read, or two payloads arriving in the same read, are
	// mis-delimited.
	FramingRaw Framing = iota
	// FramingLine terminates every message with '\n'.
	FramingLine
	// FramingLength prefixes every message with a 4-byte big-endian length.
	FramingLength
)

const (
	DefaultReadBufferSize = 4096
	DefaultMaxFrameSize   = 1 << 20
)

func (f Framing) String() string {
	switch f {
	case FramingRaw:
		return "raw"
	case FramingLine:
		return "line"
	case FramingLength:
		return "length"
	default:
		return fmt.Sprintf("framing(%d)", int(f))
	}
}

// ParseFraming parses raw, line or length. The empty string is raw.
func ParseFraming(s string) (Framing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "raw":
		return FramingRaw, nil
	case "line", "ndjson":
		return FramingLine, nil
	case "length", "length-prefixed":
		return FramingLength, nil
	default:
		return FramingRaw, fmt.Errorf("unknown framing %q", s)
	}
}

// frameReader yields one message per call. io.EOF means the peer closed.
type frameReader interface {
	ReadFrame() ([]byte, error)
}

func newFrameReader(f Framing, r io.Reader, readBuf, maxFrame int) frameReader {
	if readBuf <= 0 {
		readBuf = DefaultReadBufferSize
	}
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	switch f {
	case FramingLine:
		return &lineReader{r: bufio.NewReaderSize(r, readBuf), max: maxFrame}
	case FramingLength:
		return &lengthReader{r: bufio.NewReaderSize(r, readBuf), max: maxFrame}
	default:
		return &rawReader{r: r, buf: make([]byte, readBuf)}
	}
}

type rawReader struct {
	r   io.Reader
	buf []byte
}

func (rr *rawReader) ReadFrame() ([]byte, error) {
	n, err := rr.r.Read(rr.buf)
	if n > 0 {
		// A read that returned data is a message even if err is set; the
		// error surfaces on the next call.
		out := make([]byte, n)
		copy(out, rr.buf[:n])
		return out, nil
	}
	if err == nil {
		err = io.EOF
	}
	return nil, err
}

// lineReader keeps a partially read line across calls, so a read deadline
// that expires mid-line does not lose bytes.
type lineReader struct {
	r       *bufio.Reader
	max     int
	partial []byte
}

func (lr *lineReader) ReadFrame() ([]byte, error) {
	for {
		chunk, err := lr.r.ReadSlice('\n')
		lr.partial = append(lr.partial, chunk...)
		if len(lr.partial) > lr.max+1 {
			lr.partial = nil
			return nil, fmt.Errorf("%w: line exceeds %d bytes", ErrFrameTooLarge, lr.max)
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			if err == io.EOF {
				line := lr.partial
				lr.partial = nil
				if len(bytes.TrimSpace(line)) > 0 {
					return line, nil
				}
			}
			return nil, err
		}
		line := bytes.TrimRight(lr.partial, "\r\n")
		lr.partial = nil
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return line, nil
	}
}

// lengthReader resumes a partially read header or payload on the next call.
type lengthReader struct {
	r       *bufio.Reader
	max     int
	header  [4]byte
	hn      int
	payload []byte
	pn      int
}

func (lr *lengthReader) ReadFrame() ([]byte, error) {
	if lr.payload == nil {
		n, err := io.ReadFull(lr.r, lr.header[lr.hn:])
		lr.hn += n
		if err != nil {
			if err == io.EOF && lr.hn > 0 {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		lr.hn = 0
		size := binary.BigEndian.Uint32(lr.header[:])
		if size == 0 || int64(size) > int64(lr.max) {
			return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
		}
		lr.payload = make([]byte, size)
		lr.pn = 0
	}

	n, err := io.ReadFull(lr.r, lr.payload[lr.pn:])
	lr.pn += n
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	msg := lr.payload
	lr.payload, lr.pn = nil, 0
	return msg, nil
}

// appendFrame wraps an encoded payload for the given framing so that it can
// be written with a single Write call.
func appendFrame(f Framing, payload []byte) []byte {
	switch f {
	case FramingLine:
		out := make([]byte, 0, len(payload)+1)
		out = append(out, payload...)
		return append(out, '\n')
	case FramingLength:
		out := make([]byte, 4+len(payload))
		binary.BigEndian.PutUint32(out[0:4], uint32(len(payload)))
		copy(out[4:], payload)
		return out
	default:
		return payload
	}
}
