/*
	Package sideband multiplexes three logical channels over one pkt-line
	frame stream: pack data, human-readable progress text, and fatal
	errors.  Each frame's first payload byte is the channel id; the
	remainder is channel data.

	This scheme is only meaningful once both peers have negotiated the
	"side-band" / "side-band-64k" capability.  Without it, pack bytes go
	bare on the raw stream and progress/error text is simply not
	deliverable (degraded mode) -- that branch lives in the sessions,
	not here.
*/
package sideband

import (
	"io"

	. "github.com/warpfork/go-errcat"

	"github.com/polydawn/gitwire"
	"github.com/polydawn/gitwire/pktline"
)

type Channel byte

const (
	PackData Channel = 1 // Encoded pack bytes.
	Progress Channel = 2 // Freetext progress, copied to the user's stderr.
	Fatal    Channel = 3 // Fatal error text; the session aborts on receipt.
)

// MaxChunk is the most data one multiplexed frame may carry: the channel
// byte plus chunk plus 4-byte length prefix must fit the 65520 frame
// ceiling.
const MaxChunk = pktline.MaxPayload - 1

/*
	A Muxer writes tagged chunks onto a pkt-line stream.  Data larger than
	MaxChunk is split across as many frames as needed.
*/
type Muxer struct {
	w *pktline.Writer
}

func NewMuxer(w *pktline.Writer) *Muxer {
	return &Muxer{w: w}
}

// Send writes `data` on the given channel, chunking as required.
func (m *Muxer) Send(ch Channel, data []byte) error {
	for len(data) > 0 {
		n := len(data)
		if n > MaxChunk {
			n = MaxChunk
		}
		frame := make([]byte, 0, n+1)
		frame = append(frame, byte(ch))
		frame = append(frame, data[:n]...)
		if err := m.w.WriteFrame(frame); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Channel returns an io.Writer view of one channel.
// The pack encoder streams through this on channel 1.
func (m *Muxer) Channel(ch Channel) io.Writer {
	return chanWriter{m, ch}
}

// Close ends the multiplexed stream with a flush marker.
func (m *Muxer) Close() error {
	return m.w.WriteFlush()
}

type chanWriter struct {
	m  *Muxer
	ch Channel
}

func (cw chanWriter) Write(p []byte) (int, error) {
	if err := cw.m.Send(cw.ch, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

/*
	A Demuxer reads tagged chunks back off a pkt-line stream.
*/
type Demuxer struct {
	r *pktline.Reader
}

func NewDemuxer(r *pktline.Reader) *Demuxer {
	return &Demuxer{r: r}
}

/*
	Next reads one multiplexed frame and returns its channel and data.
	At the end of the multiplexed stream (flush) it returns io.EOF.

	May return errors of category:

	  - `gitwire.ErrRemoteFatal` -- the peer sent channel-3 text.  The
	    carried text is the user-visible error; abort the session.
	  - `gitwire.ErrProtocol` -- empty frame (no channel byte) or an
	    unknown channel id.
	  - anything `pktline.Reader.ReadFrame` raises, hangup included.
*/
func (d *Demuxer) Next() (Channel, []byte, error) {
	f, err := d.r.ReadFrame()
	if err != nil {
		return 0, nil, err
	}
	if f.Flush {
		return 0, nil, io.EOF
	}
	if len(f.Payload) == 0 {
		return 0, nil, Errorf(gitwire.ErrProtocol, "sideband frame with no channel byte")
	}
	ch := Channel(f.Payload[0])
	data := f.Payload[1:]
	switch ch {
	case PackData, Progress:
		return ch, data, nil
	case Fatal:
		return ch, data, Errorf(gitwire.ErrRemoteFatal, "remote: %s", string(data))
	default:
		return 0, nil, Errorf(gitwire.ErrProtocol, "unknown sideband channel %d", ch)
	}
}

/*
	Drain copies the demuxed stream to its destinations until flush:
	channel 1 to `pack`, channel 2 to `progress` (discarded when nil).
	Channel 3 aborts with the remote's text as the error.
*/
func Drain(d *Demuxer, pack, progress io.Writer) error {
	for {
		ch, data, err := d.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch ch {
		case PackData:
			if _, err := pack.Write(data); err != nil {
				return Errorf(gitwire.ErrProtocol, "writing pack data: %s", err)
			}
		case Progress:
			if progress != nil {
				progress.Write(data) // best-effort; progress loss never fails a session
			}
		}
	}
}
