package server

import (
	"bytes"
	"context"
	"fmt"
	"io"

	. "github.com/warpfork/go-errcat"

	"github.com/polydawn/gitwire"
	"github.com/polydawn/gitwire/advrefs"
	"github.com/polydawn/gitwire/capability"
	"github.com/polydawn/gitwire/pktline"
	"github.com/polydawn/gitwire/sideband"
)

// Capabilities offered on the push side.
func receiveCaps() *capability.Set {
	return capability.NewSet(
		capability.ReportStatus,
		capability.DeleteRefs,
		capability.SideBand64k,
	)
}

// Outcome of one requested ref update, in report-status shape.
type refResult struct {
	name   string
	reason string // empty means ok
}

/*
	ReceivePack runs one push exchange over `rw`: advertise refs, collect
	ref-update triples, ingest the client's pack, and apply the updates.

	Pack ingestion deliberately steps outside the frame layer: the raw
	remainder of the connection is handed to the backend, because the pack
	format is binary and not pkt-line framed.

	In the baseline protocol no acknowledgement is sent after a successful
	apply -- the client assumes success if the connection closes cleanly.
	When "report-status" was negotiated, a structured per-ref report is
	written instead (sideband-wrapped if that was also negotiated).
*/
func ReceivePack(ctx context.Context, backend gitwire.Backend, rw io.ReadWriter, mon gitwire.Monitor) error {
	r := pktline.NewReader(rw)
	w := pktline.NewWriter(rw)

	// Advertise.  An empty repository still gets a synthetic
	// capability-carrying line (advrefs handles that).
	refs, err := backend.GetRefs()
	if err != nil {
		return err
	}
	if err := advrefs.Write(w, refs, receiveCaps()); err != nil {
		return err
	}

	// Collect ref-update triples.  Zero triples: client declined to push.
	updates, clientCaps, err := readUpdates(r)
	if err != nil {
		return err
	}
	if len(updates) == 0 {
		return nil
	}

	advertised := make(map[string]gitwire.ObjectID, len(refs))
	for _, ref := range refs {
		advertised[ref.Name] = ref.ID
	}

	// Ingest the pack.  A push consisting solely of deletions carries no
	// pack at all.
	var unpackErr error
	if expectPack(updates) {
		unpackErr = backend.ApplyPack(r.Raw())
	}

	// Apply updates.
	results := make([]refResult, 0, len(updates))
	for _, u := range updates {
		results = append(results, applyUpdate(backend, advertised, u, unpackErr))
	}
	for _, res := range results {
		if res.reason == "" {
			logf(mon, gitwire.LogInfo, "receive-pack: ref updated", gitwire.LogDetail{Key: "ref", Value: res.name})
		} else {
			logf(mon, gitwire.LogWarn, "receive-pack: ref update refused",
				gitwire.LogDetail{Key: "ref", Value: res.name}, gitwire.LogDetail{Key: "reason", Value: res.reason})
		}
	}

	if clientCaps.Has(capability.ReportStatus) {
		if err := writeReport(w, clientCaps.Sideband(), unpackErr, results); err != nil {
			return err
		}
	}
	return unpackErr
}

func applyUpdate(backend gitwire.Backend, advertised map[string]gitwire.ObjectID, u gitwire.RefUpdate, unpackErr error) refResult {
	switch {
	case unpackErr != nil:
		return refResult{u.Name, "unpacker error"}
	case advertised[u.Name] != u.Old:
		// The client's old-oid must match the ref as we advertised it;
		// anything else means it pushed against a stale view.
		return refResult{u.Name, "stale info"}
	case u.IsDelete():
		if err := backend.DeleteRef(u.Name); err != nil {
			return refResult{u.Name, "failed to delete ref"}
		}
	default:
		if err := backend.SetRef(u.Name, u.New); err != nil {
			return refResult{u.Name, "failed to update ref"}
		}
	}
	return refResult{u.Name, ""}
}

func readUpdates(r *pktline.Reader) ([]gitwire.RefUpdate, *capability.Set, error) {
	var updates []gitwire.RefUpdate
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
		u, err := parseUpdateLine(line)
		if err != nil {
			return nil, nil, err
		}
		updates = append(updates, u)
	}
	if s.Err() != nil {
		return nil, nil, s.Err()
	}
	return updates, caps, nil
}

// An update line is "<old-oid> <new-oid> <refname>".
func parseUpdateLine(line []byte) (gitwire.RefUpdate, error) {
	if len(line) < 82 || line[40] != ' ' || line[81] != ' ' {
		return gitwire.RefUpdate{}, Errorf(gitwire.ErrProtocol, "malformed ref-update line %q", string(line))
	}
	old, err := gitwire.ParseObjectID(string(line[:40]))
	if err != nil {
		return gitwire.RefUpdate{}, Errorf(gitwire.ErrProtocol, "malformed ref-update line: %s", err)
	}
	new, err := gitwire.ParseObjectID(string(line[41:81]))
	if err != nil {
		return gitwire.RefUpdate{}, Errorf(gitwire.ErrProtocol, "malformed ref-update line: %s", err)
	}
	name := string(line[82:])
	if name == "" {
		return gitwire.RefUpdate{}, Errorf(gitwire.ErrProtocol, "ref-update line with empty ref name")
	}
	return gitwire.RefUpdate{Name: name, Old: old, New: new}, nil
}

// A pack is only transmitted when some update introduces objects;
// deletion-only pushes carry none.
func expectPack(updates []gitwire.RefUpdate) bool {
	for _, u := range updates {
		if !u.New.IsZero() {
			return true
		}
	}
	return false
}

func writeReport(w *pktline.Writer, useSideband bool, unpackErr error, results []refResult) error {
	if !useSideband {
		if err := writeReportFrames(w, unpackErr, results); err != nil {
			return err
		}
		return w.WriteFlush()
	}
	// Sideband-wrapped: the report is itself a pkt-line stream, carried
	// as channel-1 data inside the multiplexed stream.
	var inner bytes.Buffer
	iw := pktline.NewWriter(&inner)
	if err := writeReportFrames(iw, unpackErr, results); err != nil {
		return err
	}
	if err := iw.WriteFlush(); err != nil {
		return err
	}
	mux := sideband.NewMuxer(w)
	if err := mux.Send(sideband.PackData, inner.Bytes()); err != nil {
		return err
	}
	return mux.Close()
}

func writeReportFrames(w *pktline.Writer, unpackErr error, results []refResult) error {
	if unpackErr != nil {
		if err := w.Writef("unpack %s\n", unpackErr); err != nil {
			return err
		}
	} else {
		if err := w.Writef("unpack ok\n"); err != nil {
			return err
		}
	}
	for _, res := range results {
		var line string
		if res.reason == "" {
			line = fmt.Sprintf("ok %s\n", res.name)
		} else {
			line = fmt.Sprintf("ng %s %s\n", res.name, res.reason)
		}
		if err := w.WriteFrame([]byte(line)); err != nil {
			return err
		}
	}
	return nil
}
