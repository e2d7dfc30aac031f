// Package gitwire implements the "smart" object-transfer protocol spoken by
// git over a raw byte stream: the pkt-line frame format, capability
// negotiation, sideband multiplexing, and the upload-pack (fetch) and
// receive-pack (push) state machines.
//
// The protocol layer holds no repository truth of its own; it drives a
// Backend for ref listings, object enumeration, and pack ingestion.
// Everything in this package tree is connection-scoped: nothing persists
// past a single fetch or push exchange.
package gitwire

import (
	"context"
	"fmt"
	"io"
)

// Default port for the raw-TCP transport ("git://" daemons).
const DefaultPort = 9418

// An ObjectID is a validated 20-byte object name.
//
// On the wire, object ids always travel as 40 lowercase hex digits;
// this type keeps them in binary form internally so that a value which
// exists at all is known to be well-formed.
type ObjectID [20]byte

// ZeroID is the null object id sentinel: it denotes "ref does not exist"
// in both advertisement and ref-update contexts.
var ZeroID ObjectID

const hexDigits = "0123456789abcdef"

/*
	Parses a 40-character lowercase hex string into an ObjectID.

	Errors are uncategorized; the parse sits under several wire parsers
	which each wrap failures in their own category.
*/
func ParseObjectID(s string) (ObjectID, error) {
	var id ObjectID
	if len(s) != 40 {
		return id, fmt.Errorf("object id must be 40 hex digits (got %d)", len(s))
	}
	for i := 0; i < 40; i += 2 {
		hi, ok1 := unhex(s[i])
		lo, ok2 := unhex(s[i+1])
		if !ok1 || !ok2 {
			return id, fmt.Errorf("object id contains non-hex byte %q", s[i:i+2])
		}
		id[i/2] = hi<<4 | lo
	}
	return id, nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	// Uppercase is rejected: advertisements and want/have lines are
	// specified as lowercase hex, and we'd rather catch a confused peer
	// early than canonicalize for it.
	return 0, false
}

func (id ObjectID) String() string {
	var buf [40]byte
	for i, b := range id {
		buf[i*2] = hexDigits[b>>4]
		buf[i*2+1] = hexDigits[b&0xf]
	}
	return string(buf[:])
}

func (id ObjectID) IsZero() bool {
	return id == ZeroID
}

// A RefEntry is one line of a ref advertisement: a ref name and the
// object id it currently points at.
type RefEntry struct {
	Name string
	ID   ObjectID
}

// A RefUpdate is one requested mutation in a push: move Name from Old
// to New.  Old or New may be the ZeroID sentinel to signal creation or
// deletion respectively.
type RefUpdate struct {
	Name string
	Old  ObjectID
	New  ObjectID
}

func (u RefUpdate) IsCreate() bool { return u.Old.IsZero() && !u.New.IsZero() }
func (u RefUpdate) IsDelete() bool { return u.New.IsZero() }

/*
	Backend is the repository truth the protocol layer borrows but never owns.

	Implementations must be safe for concurrent use by multiple sessions;
	the protocol layer runs one session per connection and does not
	serialize access.
*/
type Backend interface {
	// GetRefs returns the refs to advertise, in the order they should
	// appear on the wire.
	GetRefs() ([]RefEntry, error)

	// HasObject reports whether the object graph contains the given id.
	// This is the predicate the fetch negotiation uses to decide which
	// client "have" lines to acknowledge.
	HasObject(id ObjectID) bool

	// FetchObjects enumerates the objects needed to satisfy `wants`
	// given that the client already holds `haves`, and returns the
	// object count plus a lazy stream of the encoded pack.
	// Human-readable enumeration chatter may be written to `progress`
	// (never nil; pass io.Discard-alikes to mute).
	// The stream must be non-nil whenever n is positive; when n is zero
	// callers tolerate a nil stream and send no pack.
	//
	// May return errors of category:
	//
	//   - `gitwire.ErrObjectsUnavailable` -- if any wanted id is not resolvable.
	FetchObjects(ctx context.Context, wants, haves []ObjectID, progress io.Writer) (n int, pack io.ReadCloser, err error)

	// ApplyPack consumes a raw (not pkt-line framed) pack stream and
	// stores its objects.
	//
	// May return errors of category:
	//
	//   - `gitwire.ErrCorruptPack` -- if the stream cannot be parsed.
	ApplyPack(r io.Reader) error

	SetRef(name string, id ObjectID) error
	DeleteRef(name string) error
}
