package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"

	. "github.com/warpfork/go-errcat"

	"github.com/polydawn/gitwire"
	"github.com/polydawn/gitwire/advrefs"
	"github.com/polydawn/gitwire/capability"
	"github.com/polydawn/gitwire/negotiate"
	"github.com/polydawn/gitwire/pktline"
	"github.com/polydawn/gitwire/sideband"
)

// Capabilities offered on the fetch side.  thin-pack and ofs-delta are
// deliberately absent: the pack encoder behind the Backend does not
// produce them against the client's haves.
func uploadCaps() *capability.Set {
	return capability.NewSet(
		capability.MultiAck,
		capability.SideBand,
		capability.SideBand64k,
		capability.NoProgress,
	)
}

/*
	UploadPack runs one fetch exchange over `rw`: advertise refs, collect
	wants, negotiate haves, and (on success) stream a pack -- over
	sideband channels when the client negotiated them.

	The session blocks synchronously on the stream; closing the stream is
	the only cancellation primitive, and any in-flight read then fails as
	a hangup, which the state machines treat as a clean abort.

	May return errors of category:

	  - `gitwire.ErrHangup` -- client went away mid-exchange.  Normal.
	  - `gitwire.ErrProtocol` / `gitwire.ErrTruncatedStream` -- wire violations.
	  - `gitwire.ErrObjectsUnavailable` -- backend could not resolve a want;
	    reported to the client on sideband channel 3 when negotiated,
	    otherwise the connection is simply dropped.
*/
func UploadPack(ctx context.Context, backend gitwire.Backend, rw io.ReadWriter, mon gitwire.Monitor) error {
	r := pktline.NewReader(rw)
	w := pktline.NewWriter(rw)

	// Advertise.
	refs, err := backend.GetRefs()
	if err != nil {
		return err
	}
	if err := advrefs.Write(w, refs, uploadCaps()); err != nil {
		return err
	}

	// Collect wants.  Zero wants means the client declined to pull
	// (ls-remote does exactly this); end with no further I/O.
	wants, clientCaps, err := readWants(r)
	if err != nil {
		return err
	}
	if len(wants) == 0 {
		return nil
	}

	// Negotiate haves.
	wk := negotiate.NewWalker(clientCaps.Has(capability.MultiAck))
	if err := wk.Run(r, w, backend.HasObject); err != nil {
		return err
	}

	// Enumerate and send.
	useSideband := clientCaps.Sideband()
	var mux *sideband.Muxer
	var progress io.Writer = ioutil.Discard
	if useSideband {
		mux = sideband.NewMuxer(w)
		if !clientCaps.Has(capability.NoProgress) {
			progress = mux.Channel(sideband.Progress)
		}
	}
	n, pack, err := backend.FetchObjects(ctx, wants, wk.Haves, progress)
	if err != nil {
		if mux != nil {
			mux.Send(sideband.Fatal, []byte(err.Error()+"\n"))
		}
		return err
	}
	if n == 0 {
		if pack != nil {
			pack.Close()
		}
		return nil
	}
	defer pack.Close()
	logf(mon, gitwire.LogInfo, "upload-pack: sending pack",
		gitwire.LogDetail{Key: "objects", Value: fmt.Sprintf("%d", n)})

	if useSideband {
		fmt.Fprintf(progress, "counting objects: %d, done.\n", n)
		if _, err := io.Copy(mux.Channel(sideband.PackData), pack); err != nil {
			return asProtocol(err)
		}
		fmt.Fprintf(progress, "sent %d objects.\n", n)
		return mux.Close()
	}
	// Degraded mode: bare pack bytes on the raw stream, no channel
	// framing, no progress text.
	if _, err := io.Copy(w.Raw(), pack); err != nil {
		return asProtocol(err)
	}
	return w.WriteFlush()
}

var wantPrefix = []byte("want ")

func readWants(r *pktline.Reader) ([]gitwire.ObjectID, *capability.Set, error) {
	var wants []gitwire.ObjectID
	var caps *capability.Set
	s := pktline.NewScanner(r)
	first := true
	for s.Scan() {
		line := bytes.TrimSuffix(s.Bytes(), []byte("\n"))
		if first {
			first = false
			line, caps = capability.SplitLine(line)
		}
		if len(line) == 0 {
			continue
		}
		if !bytes.HasPrefix(line, wantPrefix) {
			return nil, nil, Errorf(gitwire.ErrProtocol, "expected a want line, got %q", string(line))
		}
		id, err := gitwire.ParseObjectID(string(line[len(wantPrefix):]))
		if err != nil {
			return nil, nil, Errorf(gitwire.ErrProtocol, "malformed want line: %s", err)
		}
		wants = append(wants, id)
	}
	if s.Err() != nil {
		return nil, nil, s.Err()
	}
	return wants, caps, nil
}

// asProtocol categorizes a raw I/O error as a protocol error, leaving
// already-categorized errors alone.
func asProtocol(err error) error {
	if err == nil {
		return nil
	}
	if Category(err) != nil {
		return err
	}
	return Errorf(gitwire.ErrProtocol, "%s", err)
}
