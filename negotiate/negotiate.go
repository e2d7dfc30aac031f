/*
	Package negotiate implements the server side of the fetch have/ack
	exchange: the engine that narrows down which objects the client
	already holds so the pack can exclude them.

	The walker is an explicit struct holding all exchange state
	(recorded haves, the last acknowledged id, the terminal state) and is
	passed by its owner into the loop -- no closures capturing mutable
	session state.
*/
package negotiate

import (
	"bytes"

	. "github.com/warpfork/go-errcat"

	"github.com/polydawn/gitwire"
	"github.com/polydawn/gitwire/pktline"
)

type State int

const (
	Negotiating State = iota
	Done              // "done" received; pack transmission follows.
	Aborted           // Stream hangup; abort without status reporting.
)

func (s State) String() string {
	switch s {
	case Negotiating:
		return "negotiating"
	case Done:
		return "done"
	case Aborted:
		return "aborted"
	default:
		return "invalid"
	}
}

/*
	A Walker runs the negotiation loop over a frame stream.

	In legacy single-ack mode (multi_ack not negotiated) the server holds
	its acknowledgement back: common haves are only remembered, a bare
	flush with nothing yet acknowledged draws a NAK (the client may keep
	sending haves after a pause), and the exchange ends on "done" with the
	final NAK.  Immediately before that terminal NAK, if anything was
	acknowledged, the server re-emits "ACK <lastAcked>" (without
	"continue").  That duplicate ack is a wire-compatibility behavior some
	legacy clients depend on; it is preserved literally, not cleaned up.

	With multi_ack, each common have draws "ACK <oid> continue"
	immediately, and "done" draws a final bare ACK (or NAK when nothing
	was common).
*/
type Walker struct {
	// Haves accumulates every object id the client declared, common or
	// not; the backend consults it when enumerating the pack.
	Haves []gitwire.ObjectID

	multiAck  bool
	state     State
	lastAcked gitwire.ObjectID
}

func NewWalker(multiAck bool) *Walker {
	return &Walker{multiAck: multiAck}
}

func (wk *Walker) State() State {
	return wk.state
}

var (
	havePrefix = []byte("have ")
	doneLine   = []byte("done")
)

/*
	Run drives the loop to a terminal state: reads have/done frames from
	`r`, writes ACK/NAK responses to `w`, and uses `common` to decide
	which haves the server-side object graph already contains.

	A hangup moves the walker to Aborted and returns the hangup error
	unwrapped, so the caller can distinguish "client went away" (normal)
	from wire corruption.  Any other error is fatal to the connection.
*/
func (wk *Walker) Run(r *pktline.Reader, w *pktline.Writer, common func(gitwire.ObjectID) bool) error {
	if wk.state != Negotiating {
		return Errorf(gitwire.ErrUsage, "negotiation walker cannot be rerun (state %s)", wk.state)
	}
	for {
		f, err := r.ReadFrame()
		if err != nil {
			if Category(err) == gitwire.ErrHangup {
				wk.state = Aborted
			}
			return err
		}
		if f.Flush {
			// Server is still waiting; legacy clients may resume
			// sending haves after a pause.
			if wk.lastAcked.IsZero() {
				if err := w.Writef("NAK\n"); err != nil {
					return err
				}
			}
			continue
		}
		line := bytes.TrimSuffix(f.Payload, []byte("\n"))
		switch {
		case bytes.HasPrefix(line, havePrefix):
			id, err := gitwire.ParseObjectID(string(line[len(havePrefix):]))
			if err != nil {
				return Errorf(gitwire.ErrProtocol, "malformed have line: %s", err)
			}
			wk.Haves = append(wk.Haves, id)
			if common(id) {
				if wk.multiAck {
					if err := w.Writef("ACK %s continue\n", id); err != nil {
						return err
					}
				}
				wk.lastAcked = id
			}
		case bytes.Equal(line, doneLine):
			wk.state = Done
			return wk.finish(w)
		default:
			return Errorf(gitwire.ErrProtocol, "unexpected frame %q during negotiation", string(line))
		}
	}
}

func (wk *Walker) finish(w *pktline.Writer) error {
	if wk.multiAck {
		if wk.lastAcked.IsZero() {
			return w.Writef("NAK\n")
		}
		return w.Writef("ACK %s\n", wk.lastAcked)
	}
	// Legacy single-ack close: re-send the held ack (no "continue"),
	// then the NAK.  See the package comment; do not "fix" this.
	if !wk.lastAcked.IsZero() {
		if err := w.Writef("ACK %s\n", wk.lastAcked); err != nil {
			return err
		}
	}
	return w.Writef("NAK\n")
}
