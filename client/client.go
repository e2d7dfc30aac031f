/*
	Package client speaks the fetch and push protocols from the
	requesting side.  A Conn wraps one stream and carries exactly one
	exchange -- like the transport it mimics, there is no multiplexing
	of requests over a connection; dial again for the next one.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"strings"

	. "github.com/warpfork/go-errcat"

	"github.com/polydawn/gitwire"
	"github.com/polydawn/gitwire/advrefs"
	"github.com/polydawn/gitwire/capability"
	"github.com/polydawn/gitwire/pktline"
	"github.com/polydawn/gitwire/sideband"
)

type Conn struct {
	rw   io.ReadWriter
	host string // advisory; sent as the host argument when nonempty
	r    *pktline.Reader
	w    *pktline.Writer
}

// New wraps an existing stream (a pipe, a test double, an already-dialed
// socket) in a Conn.
func New(rw io.ReadWriter) *Conn {
	return &Conn{
		rw: rw,
		r:  pktline.NewReader(rw),
		w:  pktline.NewWriter(rw),
	}
}

/*
	Dial connects to a daemon over TCP.  An address with no port gets the
	protocol's registered default.

	May return errors of category:

	  - `gitwire.ErrHangup` -- the remote is not accepting connections.
*/
func Dial(ctx context.Context, addr string) (*Conn, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, fmt.Sprintf("%d", gitwire.DefaultPort))
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, Errorf(gitwire.ErrHangup, "dial %s: %s", addr, err)
	}
	c := New(conn)
	c.host, _, _ = net.SplitHostPort(addr)
	return c, nil
}

// Close closes the underlying stream if it is closeable.
func (c *Conn) Close() error {
	if closer, ok := c.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Sends the initial command frame: "<cmd> <repo>\x00[host=<host>\x00]".
func (c *Conn) request(command, repo string) error {
	if c.host != "" {
		return c.w.Writef("%s %s\x00host=%s\x00", command, repo, c.host)
	}
	return c.w.Writef("%s %s\x00", command, repo)
}

/*
	LsRemote asks the remote for its ref advertisement and then declines
	to fetch anything.

	May return errors of category:

	  - `gitwire.ErrProtocol` -- malformed advertisement.
	  - `gitwire.ErrHangup` -- remote went away.
*/
func (c *Conn) LsRemote(repo string) (*advrefs.Advertisement, error) {
	if err := c.request("git-upload-pack", repo); err != nil {
		return nil, err
	}
	adv, err := advrefs.Read(c.r)
	if err != nil {
		return nil, err
	}
	if err := c.w.WriteFlush(); err != nil {
		return nil, err
	}
	return adv, nil
}

type FetchRequest struct {
	Repo  string
	Wants []gitwire.ObjectID
	Haves []gitwire.ObjectID

	// Pack receives the raw pack stream.
	Pack io.Writer

	// Progress receives the remote's freetext progress.  Leave nil to
	// ask the remote to suppress it.
	Progress io.Writer
}

/*
	Fetch runs one fetch exchange: advertise, want, negotiate, receive
	pack.  The advertisement is returned alongside so callers can
	resolve ref names against the same snapshot the fetch used.

	May return errors of category:

	  - `gitwire.ErrRemoteFatal` -- the remote reported an error on the
	    dedicated error channel.
	  - `gitwire.ErrProtocol` / `gitwire.ErrHangup` -- wire trouble.
*/
func (c *Conn) Fetch(ctx context.Context, req FetchRequest) (*advrefs.Advertisement, error) {
	if err := c.request("git-upload-pack", req.Repo); err != nil {
		return nil, err
	}
	adv, err := advrefs.Read(c.r)
	if err != nil {
		return nil, err
	}
	if len(req.Wants) == 0 {
		return adv, c.w.WriteFlush()
	}

	// Request every sideband-ish capability the remote offers.
	ours := capability.NewSet()
	if adv.Caps.Has(capability.SideBand64k) {
		ours.Add(capability.SideBand64k)
	} else if adv.Caps.Has(capability.SideBand) {
		ours.Add(capability.SideBand)
	}
	if req.Progress == nil && adv.Caps.Has(capability.NoProgress) {
		ours.Add(capability.NoProgress)
	}

	// Wants, then the haves we hold, then done.  The haves are sent in
	// one uninterrupted burst: with no flush between them the remote
	// acknowledges nothing until our "done", so exactly one terminal
	// NAK (preceded by at most one ACK) marks the start of the pack.
	for i, id := range req.Wants {
		line := []byte(fmt.Sprintf("want %s", id))
		if i == 0 {
			line = capability.JoinLine(line, ours)
		}
		if err := c.w.WriteFrame(append(line, '\n')); err != nil {
			return nil, err
		}
	}
	if err := c.w.WriteFlush(); err != nil {
		return nil, err
	}
	for _, id := range req.Haves {
		if err := c.w.Writef("have %s\n", id); err != nil {
			return nil, err
		}
	}
	if err := c.w.Writef("done\n"); err != nil {
		return nil, err
	}
	if err := c.awaitNAK(); err != nil {
		return nil, err
	}

	progress := req.Progress
	if progress == nil {
		progress = ioutil.Discard
	}
	if ours.Sideband() {
		if err := sideband.Drain(sideband.NewDemuxer(c.r), req.Pack, progress); err != nil {
			return nil, err
		}
		return adv, nil
	}
	return adv, c.readBarePack(req.Pack)
}

// Consumes acknowledgement lines up to the terminal NAK.
func (c *Conn) awaitNAK() error {
	for {
		f, err := c.r.ReadFrame()
		if err != nil {
			return err
		}
		if f.Flush {
			return Errorf(gitwire.ErrProtocol, "expected acknowledgement, got flush")
		}
		line := string(f.Payload)
		switch {
		case line == "NAK\n":
			return nil
		case strings.HasPrefix(line, "ACK "):
			continue
		default:
			return Errorf(gitwire.ErrProtocol, "expected acknowledgement, got %q", line)
		}
	}
}

// Degraded mode: the pack arrives bare on the raw stream, closed off by
// a flush marker.  With no channel framing the only delimiter is stream
// end, so read it all and peel the trailing marker.
//
// The peel is ambiguous: if a server hangs up without the marker and the
// pack's trailing checksum happens to end in the ASCII bytes "0000",
// those four bytes are lost.  Nothing in the stream disambiguates the
// two cases; servers wanting reliability advertise sideband instead.
func (c *Conn) readBarePack(pack io.Writer) error {
	data, err := ioutil.ReadAll(c.r.Raw())
	if err != nil {
		return Errorf(gitwire.ErrTruncatedStream, "reading pack: %s", err)
	}
	data = bytes.TrimSuffix(data, []byte("0000"))
	_, err = pack.Write(data)
	return err
}

type PushRequest struct {
	Repo    string
	Updates []gitwire.RefUpdate

	// Pack streams the objects backing the updates.  Leave nil for a
	// deletion-only push, which carries no pack.
	Pack io.Reader
}

// The remote's verdict on one push, parsed from its report-status
// stream.  Reason is empty for refs that were updated.
type PushReport struct {
	UnpackStatus string // "ok", or the remote's unpacker failure text
	Refs         []RefStatus
}

type RefStatus struct {
	Name   string
	Reason string
}

// OK reports whether the pack unpacked and every ref update landed.
func (r *PushReport) OK() bool {
	if r.UnpackStatus != "ok" {
		return false
	}
	for _, ref := range r.Refs {
		if ref.Reason != "" {
			return false
		}
	}
	return true
}

/*
	Push runs one push exchange: advertise, send update triples, stream
	the pack, and read back the per-ref report.

	A non-nil report with refused refs is not an error here -- the
	exchange itself succeeded; inspect the report for the verdicts.

	May return errors of category:

	  - `gitwire.ErrProtocol` / `gitwire.ErrHangup` -- wire trouble.
*/
func (c *Conn) Push(ctx context.Context, req PushRequest) (*PushReport, error) {
	if err := c.request("git-receive-pack", req.Repo); err != nil {
		return nil, err
	}
	adv, err := advrefs.Read(c.r)
	if err != nil {
		return nil, err
	}
	if len(req.Updates) == 0 {
		return &PushReport{UnpackStatus: "ok"}, c.w.WriteFlush()
	}

	ours := capability.NewSet()
	wantReport := adv.Caps.Has(capability.ReportStatus)
	if wantReport {
		ours.Add(capability.ReportStatus)
	}
	if adv.Caps.Has(capability.SideBand64k) {
		ours.Add(capability.SideBand64k)
	}
	for _, u := range req.Updates {
		if u.IsDelete() && !adv.Caps.Has(capability.DeleteRefs) {
			return nil, Errorf(gitwire.ErrUsage, "remote does not support ref deletion")
		}
	}

	for i, u := range req.Updates {
		line := []byte(fmt.Sprintf("%s %s %s", u.Old, u.New, u.Name))
		if i == 0 {
			line = capability.JoinLine(line, ours)
		}
		if err := c.w.WriteFrame(append(line, '\n')); err != nil {
			return nil, err
		}
	}
	if err := c.w.WriteFlush(); err != nil {
		return nil, err
	}
	if req.Pack != nil {
		if _, err := io.Copy(c.w.Raw(), req.Pack); err != nil {
			return nil, Errorf(gitwire.ErrTruncatedStream, "sending pack: %s", err)
		}
	}
	if !wantReport {
		return nil, nil
	}
	return c.readReport(ours.Sideband())
}

func (c *Conn) readReport(viaSideband bool) (*PushReport, error) {
	r := c.r
	if viaSideband {
		// The report is a pkt-line stream riding channel 1; reassemble
		// the channel before parsing.
		var inner bytes.Buffer
		if err := sideband.Drain(sideband.NewDemuxer(c.r), &inner, ioutil.Discard); err != nil {
			return nil, err
		}
		r = pktline.NewReader(&inner)
	}

	report := &PushReport{}
	s := pktline.NewScanner(r)
	first := true
	for s.Scan() {
		line := strings.TrimSuffix(string(s.Bytes()), "\n")
		switch {
		case first:
			if !strings.HasPrefix(line, "unpack ") {
				return nil, Errorf(gitwire.ErrProtocol, "expected unpack status, got %q", line)
			}
			report.UnpackStatus = strings.TrimPrefix(line, "unpack ")
			first = false
		case strings.HasPrefix(line, "ok "):
			report.Refs = append(report.Refs, RefStatus{Name: line[3:]})
		case strings.HasPrefix(line, "ng "):
			rest := line[3:]
			i := strings.IndexByte(rest, ' ')
			if i < 0 {
				return nil, Errorf(gitwire.ErrProtocol, "malformed ref status line %q", line)
			}
			report.Refs = append(report.Refs, RefStatus{Name: rest[:i], Reason: rest[i+1:]})
		default:
			return nil, Errorf(gitwire.ErrProtocol, "malformed ref status line %q", line)
		}
	}
	if s.Err() != nil {
		return nil, s.Err()
	}
	if first {
		return nil, Errorf(gitwire.ErrProtocol, "remote sent an empty status report")
	}
	return report, nil
}
