package logs

import (
	"bytes"
	"encoding/binary"
)

// The engine multiplexes stdout and stderr over one byte stream using an
// 8-byte header per frame: byte 0 is the stream (0/1 stdout, 2 stderr),
// bytes 1-3 are reserved zeros, bytes 4-7 are a big-endian uint32 payload
// length.
const (
	headerLen       = 8
	headerFdIndex   = 0
	headerSizeIndex = 4
)

// frame is one demultiplexed payload.
type frame struct {
	stream  Stream
	payload []byte
}

// demuxer incrementally splits the multiplexed stream into frames. Partial
// frames at a read boundary are deferred until more bytes arrive. If the
// first bytes do not parse as a valid header (engines emit raw text when a
// TTY is attached) the whole stream is treated as raw stdout text.
type demuxer struct {
	buf     []byte
	rawMode bool
	decided bool
}

// feed appends chunk and returns every frame that completed. In raw mode a
// frame is one text line; the trailing partial line stays buffered.
func (d *demuxer) feed(chunk []byte) []frame {
	d.buf = append(d.buf, chunk...)

	if !d.decided {
		if len(d.buf) < headerLen {
			return nil
		}
		d.rawMode = !validHeader(d.buf)
		d.decided = true
	}

	if d.rawMode {
		return d.rawLines()
	}
	return d.frames()
}

// flush drains whatever is left at end of stream. A short undecided buffer
// and a trailing raw line both become stdout frames; a truncated framed
// header is discarded.
func (d *demuxer) flush() []frame {
	if len(d.buf) == 0 {
		return nil
	}
	if !d.decided {
		d.rawMode = !validHeader(d.buf)
		d.decided = true
	}
	if !d.rawMode {
		d.buf = nil
		return nil
	}

	frames := d.rawLines()
	if len(d.buf) > 0 {
		frames = append(frames, frame{stream: StreamStdout, payload: d.buf})
		d.buf = nil
	}
	return frames
}

func validHeader(buf []byte) bool {
	if len(buf) < headerLen {
		return false
	}
	return buf[headerFdIndex] <= 2 && buf[1] == 0 && buf[2] == 0 && buf[3] == 0
}

func (d *demuxer) frames() []frame {
	var out []frame
	for len(d.buf) >= headerLen {
		size := int(binary.BigEndian.Uint32(d.buf[headerSizeIndex : headerSizeIndex+4]))
		if len(d.buf) < headerLen+size {
			break
		}

		stream := StreamStdout
		if d.buf[headerFdIndex] == 2 {
			stream = StreamStderr
		}
		payload := make([]byte, size)
		copy(payload, d.buf[headerLen:headerLen+size])
		out = append(out, frame{stream: stream, payload: payload})

		d.buf = d.buf[headerLen+size:]
	}
	return out
}

func (d *demuxer) rawLines() []frame {
	var out []frame
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			return out
		}
		line := make([]byte, idx)
		copy(line, d.buf[:idx])
		out = append(out, frame{stream: StreamStdout, payload: line})
		d.buf = d.buf[idx+1:]
	}
}
