/*
	Package backend adapts a go-git object store to the repository
	operations the protocol sessions need: listing refs, answering
	common-ancestry probes, producing packs for a want/have frontier,
	and ingesting pushed packs.

	A Store is safe for concurrent use by multiple sessions; internally
	it serializes access to the underlying storage, which makes no
	concurrency promises of its own.
*/
package backend

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"sort"
	"sync"

	. "github.com/warpfork/go-errcat"
	"gopkg.in/src-d/go-billy.v4/osfs"
	"gopkg.in/src-d/go-git.v4/plumbing"
	"gopkg.in/src-d/go-git.v4/plumbing/cache"
	"gopkg.in/src-d/go-git.v4/plumbing/format/packfile"
	"gopkg.in/src-d/go-git.v4/plumbing/revlist"
	"gopkg.in/src-d/go-git.v4/storage"
	"gopkg.in/src-d/go-git.v4/storage/filesystem"
	"gopkg.in/src-d/go-git.v4/storage/memory"

	"github.com/polydawn/gitwire"
)

// Delta window handed to the pack encoder.  Matches git's default.
const packWindow = 10

type Store struct {
	mu    sync.Mutex
	store storage.Storer
}

var _ gitwire.Backend = &Store{}

// New wraps an arbitrary go-git storage in a Store.
func New(s storage.Storer) *Store {
	return &Store{store: s}
}

// NewMemory returns a Store over a fresh in-memory storage.  Handy for
// tests and for speaking the protocol against ephemeral repositories.
func NewMemory() *Store {
	return New(memory.NewStorage())
}

/*
	OpenFilesystem returns a Store over a bare repository layout rooted
	at `path` (the directory holding "objects", "refs", and so on).

	May return errors of category:

	  - `gitwire.ErrUsage` -- the path does not hold a usable repository.
*/
func OpenFilesystem(path string) (*Store, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, Errorf(gitwire.ErrUsage, "cannot open repository at %q: %s", path, err)
	}
	if !fi.IsDir() {
		return nil, Errorf(gitwire.ErrUsage, "cannot open repository at %q: not a directory", path)
	}
	return New(filesystem.NewStorage(osfs.New(path), cache.NewObjectLRUDefault())), nil
}

/*
	GetRefs lists all hash references, sorted by name so the
	advertisement is stable across calls.  Symbolic refs (HEAD) are not
	part of the wire advertisement and are skipped.
*/
func (b *Store) GetRefs() ([]gitwire.RefEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	iter, err := b.store.IterReferences()
	if err != nil {
		return nil, err
	}
	var refs []gitwire.RefEntry
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		refs = append(refs, gitwire.RefEntry{
			Name: string(ref.Name()),
			ID:   gitwire.ObjectID(ref.Hash()),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

func (b *Store) HasObject(id gitwire.ObjectID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.HasEncodedObject(plumbing.Hash(id)) == nil
}

/*
	FetchObjects enumerates every object reachable from `wants` but not
	from `haves`, and returns the object count along with a reader
	streaming those objects as a pack.  Encoding happens concurrently
	with the caller's reads; the reader's Close releases the encoder.

	Haves naming objects we do not hold are ignored: the client may know
	things we do not, and that must not break enumeration.

	May return errors of category:

	  - `gitwire.ErrObjectsUnavailable` -- a want is not in this repository.
*/
func (b *Store) FetchObjects(ctx context.Context, wants, haves []gitwire.ObjectID, progress io.Writer) (int, io.ReadCloser, error) {
	b.mu.Lock()
	wantHashes := make([]plumbing.Hash, 0, len(wants))
	for _, id := range wants {
		h := plumbing.Hash(id)
		if err := b.store.HasEncodedObject(h); err != nil {
			b.mu.Unlock()
			return 0, nil, Errorf(gitwire.ErrObjectsUnavailable, "not our ref %s", id)
		}
		wantHashes = append(wantHashes, h)
	}
	var known []plumbing.Hash
	for _, id := range haves {
		h := plumbing.Hash(id)
		if b.store.HasEncodedObject(h) == nil {
			known = append(known, h)
		}
	}
	hashes, err := revlist.Objects(b.store, wantHashes, known)
	b.mu.Unlock()
	if err != nil {
		return 0, nil, Errorf(gitwire.ErrObjectsUnavailable, "enumerating objects: %s", err)
	}
	fmt.Fprintf(progress, "Enumerating objects: %d, done.\n", len(hashes))
	if len(hashes) == 0 {
		return 0, ioutil.NopCloser(eofReader{}), nil
	}

	pr, pw := io.Pipe()
	go func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		enc := packfile.NewEncoder(pw, b.store, false)
		_, err := enc.Encode(hashes, packWindow)
		pw.CloseWithError(err)
	}()
	return len(hashes), pr, nil
}

/*
	ApplyPack ingests a pack stream into the object store.

	May return errors of category:

	  - `gitwire.ErrCorruptPack` -- the stream is not a well-formed pack.
*/
func (b *Store) ApplyPack(r io.Reader) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := packfile.UpdateObjectStorage(b.store, r); err != nil {
		return Errorf(gitwire.ErrCorruptPack, "unpacking objects: %s", err)
	}
	return nil
}

func (b *Store) SetRef(name string, id gitwire.ObjectID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref := plumbing.NewHashReference(plumbing.ReferenceName(name), plumbing.Hash(id))
	return b.store.SetReference(ref)
}

func (b *Store) DeleteRef(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.RemoveReference(plumbing.ReferenceName(name))
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
