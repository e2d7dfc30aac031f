/*
	Package pktline reads and writes the length-prefixed frame format that
	every message of the smart protocol travels in.

	A frame on the wire is a 4-hex-digit length prefix (counting itself)
	followed by the payload; the distinguished length "0000" is the flush
	marker, which carries no payload and delimits sections of the protocol.

	This layer has no protocol knowledge.  It also performs no internal
	buffering and never reads more bytes than a frame requires, which
	matters to receive-pack: the pack stream that follows the framed
	section is read raw from the same underlying reader.
*/
package pktline

import (
	"fmt"
	"io"

	. "github.com/warpfork/go-errcat"

	"github.com/polydawn/gitwire"
)

const (
	// MaxPayload is the largest payload a single frame may carry.
	// The 4-byte length prefix brings the total frame to 65520.
	MaxPayload = 65516

	// MaxFrame is the ceiling on a frame's declared length.
	MaxFrame = MaxPayload + 4
)

// Tally observes raw bytes moved on the wire.  It is a pure observer for
// progress/telemetry; it never gates correctness.  Nil disables it.
type Tally func(n int)

// A Frame is either a payload of 0..65516 bytes or the flush marker.
type Frame struct {
	Payload []byte
	Flush   bool
}

// FlushFrame is the flush marker value.
var FlushFrame = Frame{Flush: true}

type Reader struct {
	r     io.Reader
	tally Tally
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func NewReaderTally(r io.Reader, t Tally) *Reader {
	return &Reader{r: r, tally: t}
}

// Raw returns the underlying reader, positioned exactly after the last
// frame consumed.  Receive-pack uses this to hand the unframed pack
// remainder to the backend.
func (r *Reader) Raw() io.Reader {
	return r.r
}

/*
	Reads exactly one frame.

	May return errors of category:

	  - `gitwire.ErrHangup` -- the stream ended cleanly where a length
	    prefix was expected.  This is a normal terminal state, not corruption.
	  - `gitwire.ErrTruncatedStream` -- the stream ended partway through a
	    length prefix or before the declared payload was delivered.
	  - `gitwire.ErrProtocol` -- the length prefix was not hex, or declared
	    a length outside [4, 65520].
*/
func (r *Reader) ReadFrame() (Frame, error) {
	var lenBuf [4]byte
	n, err := io.ReadFull(r.r, lenBuf[:])
	r.count(n)
	switch err {
	case nil:
		// proceed
	case io.EOF:
		return Frame{}, Errorf(gitwire.ErrHangup, "hangup: stream closed between frames")
	default:
		return Frame{}, Errorf(gitwire.ErrTruncatedStream, "truncated frame length prefix: %s", err)
	}
	length, err := parseLen(lenBuf)
	if err != nil {
		return Frame{}, err
	}
	if length == 0 {
		return FlushFrame, nil
	}
	payload := make([]byte, length-4)
	n, err = io.ReadFull(r.r, payload)
	r.count(n)
	if err != nil {
		return Frame{}, Errorf(gitwire.ErrTruncatedStream, "frame declared %d payload bytes but stream ended after %d", length-4, n)
	}
	return Frame{Payload: payload}, nil
}

func parseLen(buf [4]byte) (int, error) {
	length := 0
	for _, c := range buf {
		var v int
		switch {
		case c >= '0' && c <= '9':
			v = int(c - '0')
		case c >= 'a' && c <= 'f':
			v = int(c-'a') + 10
		default:
			return 0, Errorf(gitwire.ErrProtocol, "frame length prefix %q is not hex", string(buf[:]))
		}
		length = length<<4 | v
	}
	if length == 0 {
		return 0, nil
	}
	if length < 4 || length > MaxFrame {
		return 0, Errorf(gitwire.ErrProtocol, "frame length %d out of range", length)
	}
	return length, nil
}

func (r *Reader) count(n int) {
	if r.tally != nil && n > 0 {
		r.tally(n)
	}
}

/*
	A Scanner yields successive non-flush frames from a Reader, stopping
	the moment a flush frame is read.  It is a forward-only stream
	iterator: once the flush is consumed the sequence is over, and a fresh
	Scanner on the same Reader picks up at the next section.
*/
type Scanner struct {
	r    *Reader
	cur  []byte
	err  error
	done bool
}

func NewScanner(r *Reader) *Scanner {
	return &Scanner{r: r}
}

// Scan advances to the next payload frame.  It returns false at the
// section-ending flush (Err() == nil) or on error (Err() != nil).
func (s *Scanner) Scan() bool {
	if s.done || s.err != nil {
		return false
	}
	f, err := s.r.ReadFrame()
	if err != nil {
		s.err = err
		return false
	}
	if f.Flush {
		s.done = true
		return false
	}
	s.cur = f.Payload
	return true
}

func (s *Scanner) Bytes() []byte { return s.cur }
func (s *Scanner) Err() error    { return s.err }

type Writer struct {
	w     io.Writer
	tally Tally
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func NewWriterTally(w io.Writer, t Tally) *Writer {
	return &Writer{w: w, tally: t}
}

// Raw returns the underlying writer.  Upload-pack uses this to stream
// the pack unframed when sideband was not negotiated.
func (w *Writer) Raw() io.Writer {
	return w.w
}

/*
	Writes one frame: the 4-hex-digit length prefix followed by payload.

	May return errors of category:

	  - `gitwire.ErrUsage` -- payload exceeds MaxPayload.  A writer that
	    needs to send more must split into multiple frames.
	  - `gitwire.ErrProtocol` -- any underlying I/O failure.
*/
func (w *Writer) WriteFrame(payload []byte) error {
	if len(payload) > MaxPayload {
		return Errorf(gitwire.ErrUsage, "frame payload of %d bytes exceeds the %d ceiling", len(payload), MaxPayload)
	}
	length := len(payload) + 4
	buf := make([]byte, 0, length)
	buf = append(buf,
		hexDigit(length>>12), hexDigit(length>>8),
		hexDigit(length>>4), hexDigit(length))
	buf = append(buf, payload...)
	n, err := w.w.Write(buf)
	if w.tally != nil && n > 0 {
		w.tally(n)
	}
	if err != nil {
		return Errorf(gitwire.ErrProtocol, "write frame: %s", err)
	}
	return nil
}

// WriteFlush writes the "0000" flush marker.
func (w *Writer) WriteFlush() error {
	n, err := w.w.Write([]byte("0000"))
	if w.tally != nil && n > 0 {
		w.tally(n)
	}
	if err != nil {
		return Errorf(gitwire.ErrProtocol, "write flush: %s", err)
	}
	return nil
}

// Writef formats a text line and writes it as one frame.
func (w *Writer) Writef(format string, args ...interface{}) error {
	return w.WriteFrame([]byte(fmt.Sprintf(format, args...)))
}

func hexDigit(v int) byte {
	return "0123456789abcdef"[v&0xf]
}
