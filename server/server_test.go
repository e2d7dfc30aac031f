package server

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"sync"

	. "github.com/warpfork/go-errcat"

	"github.com/polydawn/gitwire"
)

func mustID(s string) gitwire.ObjectID {
	id, err := gitwire.ParseObjectID(s)
	if err != nil {
		panic(err)
	}
	return id
}

/*
	A scriptable in-memory Backend that records every call, so tests can
	assert on exactly which repository operations a session performed.
*/
type mockBackend struct {
	mu sync.Mutex

	refs     []gitwire.RefEntry
	objects  map[gitwire.ObjectID]bool
	packData []byte // what FetchObjects streams
	count    int    // what FetchObjects reports
	nilPack  bool   // FetchObjects hands back no stream at all
	fetchErr error  // forced FetchObjects failure
	applyErr error  // forced ApplyPack failure

	fetchCalls  int
	fetchWants  []gitwire.ObjectID
	fetchHaves  []gitwire.ObjectID
	appliedPack []byte
	applyCalls  int
	setCalls    []gitwire.RefEntry
	delCalls    []string
}

func (b *mockBackend) GetRefs() ([]gitwire.RefEntry, error) {
	return b.refs, nil
}

func (b *mockBackend) HasObject(id gitwire.ObjectID) bool {
	return b.objects[id]
}

func (b *mockBackend) FetchObjects(ctx context.Context, wants, haves []gitwire.ObjectID, progress io.Writer) (int, io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetchCalls++
	b.fetchWants = wants
	b.fetchHaves = haves
	if b.fetchErr != nil {
		return 0, nil, b.fetchErr
	}
	if b.nilPack {
		return b.count, nil, nil
	}
	return b.count, ioutil.NopCloser(bytes.NewReader(b.packData)), nil
}

func (b *mockBackend) ApplyPack(r io.Reader) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applyCalls++
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return Errorf(gitwire.ErrCorruptPack, "reading pack: %s", err)
	}
	b.appliedPack = data
	return b.applyErr
}

func (b *mockBackend) SetRef(name string, id gitwire.ObjectID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setCalls = append(b.setCalls, gitwire.RefEntry{Name: name, ID: id})
	return nil
}

func (b *mockBackend) DeleteRef(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delCalls = append(b.delCalls, name)
	return nil
}
