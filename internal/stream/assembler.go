package stream

import (
	"bytes"
	"encoding/base64"
)

// DefaultMaxFrameSize bounds a single open frame.
const DefaultMaxFrameSize = 8 << 20

var (
	startMarker = []byte{0xFF, 0xD8}
	endMarker   = []byte{0xFF, 0xD9}
)

// Assembler splits a concatenated JPEG byte stream into frames. A frame is
// the bytes from a start marker (FF D8) through the next end marker (FF D9)
// inclusive. Markers are found across chunk boundaries. Bytes outside a frame
// are dropped. An Assembler is not safe for concurrent use.
type Assembler struct {
	buf      []byte
	inFrame  bool
	scanFrom int // end marker search offset into buf while in frame
	maxSize  int

	frames    uint64
	discarded uint64
}

// NewAssembler returns an assembler that drops an open frame once it grows
// past maxFrameSize bytes. Zero disables the limit.
func NewAssembler(maxFrameSize int) *Assembler {
	return &Assembler{maxSize: maxFrameSize}
}

// Feed consumes chunk and returns every frame it completes, in order. The
// returned slices are owned by the caller.
func (a *Assembler) Feed(chunk []byte) [][]byte {
	var frames [][]byte
	data := chunk
	if !a.inFrame && len(a.buf) > 0 {
		// carried FF from the previous chunk
		data = append(a.buf, chunk...)
		a.buf = nil
	}

	for len(data) > 0 {
		if !a.inFrame {
			i := bytes.Index(data, startMarker)
			if i < 0 {
				if data[len(data)-1] == 0xFF {
					a.buf = []byte{0xFF}
				}
				return frames
			}
			a.inFrame = true
			a.buf = append(make([]byte, 0, len(data)-i), data[i:]...)
			a.scanFrom = len(startMarker)
		} else {
			a.buf = append(a.buf, data...)
		}
		data = nil

		j := bytes.Index(a.buf[a.scanFrom:], endMarker)
		if j < 0 {
			a.scanFrom = max(len(startMarker), len(a.buf)-1)
			if a.maxSize > 0 && len(a.buf) > a.maxSize {
				a.discarded += uint64(len(a.buf))
				a.reset()
			}
			return frames
		}

		end := a.scanFrom + j + len(endMarker)
		frames = append(frames, a.buf[:end:end])
		a.frames++
		data = a.buf[end:]
		a.reset()
	}
	return frames
}

func (a *Assembler) reset() {
	a.buf = nil
	a.inFrame = false
	a.scanFrom = 0
}

// Reset drops any partial frame.
func (a *Assembler) Reset() {
	a.reset()
}

// InFrame reports whether a start marker has been seen without its end marker.
func (a *Assembler) InFrame() bool { return a.inFrame }

// Buffered returns the size of the open frame.
func (a *Assembler) Buffered() int {
	if !a.inFrame {
		return 0
	}
	return len(a.buf)
}

// Frames returns the number of frames emitted so far.
func (a *Assembler) Frames() uint64 { return a.frames }

// Discarded returns the number of bytes dropped because a frame grew too large.
func (a *Assembler) Discarded() uint64 { return a.discarded }

// EncodeFrame renders a frame as a JPEG data URI.
func EncodeFrame(frame []byte) string {
	const prefix = "data:image/jpeg;base64,"
	out := make([]byte, len(prefix)+base64.StdEncoding.EncodedLen(len(frame)))
	copy(out, prefix)
	base64.StdEncoding.Encode(out[len(prefix):], frame)
	return string(out)
}
