/*
	Package advrefs produces and parses the initial ref advertisement:
	one "<oid> <refname>" line per ref, with the server's capability list
	riding on the first line only, terminated by a flush.

	An empty repository still advertises capabilities: a synthetic line
	naming the null oid and "capabilities^{}" is emitted so the client
	can learn what the server speaks before there is anything to fetch.
*/
package advrefs

import (
	"bytes"
	"fmt"

	. "github.com/warpfork/go-errcat"

	"github.com/polydawn/gitwire"
	"github.com/polydawn/gitwire/capability"
	"github.com/polydawn/gitwire/pktline"
)

// The ref name used on the synthetic capability-carrying line of an
// empty repository's advertisement.
const CapsPlaceholder = "capabilities^{}"

// An Advertisement is the parsed form of the initial ref listing.
type Advertisement struct {
	Refs []gitwire.RefEntry
	Caps *capability.Set
}

/*
	Write emits the advertisement for `refs` (in the order given) with
	`caps` attached to the first line, then a flush.
*/
func Write(w *pktline.Writer, refs []gitwire.RefEntry, caps *capability.Set) error {
	if len(refs) == 0 {
		line := capability.JoinLine(
			[]byte(fmt.Sprintf("%s %s", gitwire.ZeroID, CapsPlaceholder)), caps)
		if err := w.WriteFrame(append(line, '\n')); err != nil {
			return err
		}
		return w.WriteFlush()
	}
	for i, ref := range refs {
		base := fmt.Sprintf("%s %s", ref.ID, ref.Name)
		var line []byte
		if i == 0 {
			line = capability.JoinLine([]byte(base), caps)
		} else {
			line = []byte(base)
		}
		if err := w.WriteFrame(append(line, '\n')); err != nil {
			return err
		}
	}
	return w.WriteFlush()
}

/*
	Read parses an advertisement from the client side, consuming up to
	and including its flush.  The synthetic empty-repository line is
	recognized and yields zero refs (with capabilities retained).

	May return errors of category:

	  - `gitwire.ErrProtocol` -- malformed ref lines.
	  - anything the frame codec raises, hangup included.
*/
func Read(r *pktline.Reader) (*Advertisement, error) {
	adv := &Advertisement{}
	s := pktline.NewScanner(r)
	first := true
	for s.Scan() {
		line := bytes.TrimSuffix(s.Bytes(), []byte("\n"))
		if first {
			first = false
			payload, caps := capability.SplitLine(line)
			adv.Caps = caps
			line = payload
		}
		entry, err := parseRefLine(line)
		if err != nil {
			return nil, err
		}
		if entry.Name == CapsPlaceholder && entry.ID.IsZero() {
			continue // synthetic line of an empty repository
		}
		adv.Refs = append(adv.Refs, entry)
	}
	if s.Err() != nil {
		return nil, s.Err()
	}
	return adv, nil
}

func parseRefLine(line []byte) (gitwire.RefEntry, error) {
	i := bytes.IndexByte(line, ' ')
	if i != 40 {
		return gitwire.RefEntry{}, Errorf(gitwire.ErrProtocol, "malformed ref advertisement line %q", string(line))
	}
	id, err := gitwire.ParseObjectID(string(line[:i]))
	if err != nil {
		return gitwire.RefEntry{}, Errorf(gitwire.ErrProtocol, "malformed ref advertisement line: %s", err)
	}
	name := string(line[i+1:])
	if name == "" {
		return gitwire.RefEntry{}, Errorf(gitwire.ErrProtocol, "ref advertisement line with empty ref name")
	}
	return gitwire.RefEntry{Name: name, ID: id}, nil
}
