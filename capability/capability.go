/*
	Package capability parses and serializes the NUL-separated capability
	list that rides on the first line of a ref advertisement (and, mirrored
	back, on the first want or ref-update line from the client).

	Token identity is meaningful; order is not.  Duplicate tokens are not
	permitted by the protocol, so the parser deduplicates them, first
	occurrence wins.  Tokens we don't recognize travel as opaque strings --
	the set is forward-compatible by construction.
*/
package capability

import (
	"bytes"
	"strings"
)

type Capability string

// Well-known tokens.  Anything else is carried verbatim.
const (
	MultiAck     Capability = "multi_ack"
	SideBand     Capability = "side-band"
	SideBand64k  Capability = "side-band-64k"
	ThinPack     Capability = "thin-pack"
	OFSDelta     Capability = "ofs-delta"
	ReportStatus Capability = "report-status"
	DeleteRefs   Capability = "delete-refs"
	NoProgress   Capability = "no-progress"
)

// A Set is an ordered, deduplicated collection of capability tokens.
// The zero-value-by-pointer distinction matters at the wire boundary:
// a nil *Set means "no capability list was present at all", which is not
// the same as an empty list.
type Set struct {
	order []Capability
	index map[Capability]struct{}
}

func NewSet(caps ...Capability) *Set {
	s := &Set{index: make(map[Capability]struct{}, len(caps))}
	for _, c := range caps {
		s.Add(c)
	}
	return s
}

// Add appends a token unless already present (first occurrence wins).
func (s *Set) Add(c Capability) {
	if c == "" {
		return
	}
	if _, exists := s.index[c]; exists {
		return
	}
	s.order = append(s.order, c)
	s.index[c] = struct{}{}
}

func (s *Set) Has(c Capability) bool {
	if s == nil {
		return false
	}
	_, exists := s.index[c]
	return exists
}

// List returns the tokens in first-seen order.
func (s *Set) List() []Capability {
	if s == nil {
		return nil
	}
	out := make([]Capability, len(s.order))
	copy(out, s.order)
	return out
}

// Sideband reports whether either sideband variant was agreed.
func (s *Set) Sideband() bool {
	return s.Has(SideBand) || s.Has(SideBand64k)
}

// String renders the space-joined token list (the part after the NUL).
func (s *Set) String() string {
	if s == nil {
		return ""
	}
	parts := make([]string, len(s.order))
	for i, c := range s.order {
		parts[i] = string(c)
	}
	return strings.Join(parts, " ")
}

// Parse splits a space-separated token list into a Set.
func Parse(tokens string) *Set {
	s := NewSet()
	for _, tok := range strings.Split(tokens, " ") {
		s.Add(Capability(strings.TrimSpace(tok)))
	}
	return s
}

/*
	SplitLine splits a wire line on its first NUL byte, returning the base
	payload and the capability set from the remainder.  If no NUL is
	present the whole line is returned with a nil set -- the peer sent no
	capability list.
*/
func SplitLine(line []byte) (payload []byte, caps *Set) {
	i := bytes.IndexByte(line, 0)
	if i < 0 {
		return line, nil
	}
	rest := line[i+1:]
	// A trailing newline belongs to the line, not the last token.
	rest = bytes.TrimSuffix(rest, []byte("\n"))
	return line[:i], Parse(string(rest))
}

// JoinLine is the inverse of SplitLine: payload, NUL, space-joined tokens.
func JoinLine(payload []byte, caps *Set) []byte {
	out := make([]byte, 0, len(payload)+1+len(caps.String()))
	out = append(out, payload...)
	out = append(out, 0)
	out = append(out, caps.String()...)
	return out
}
