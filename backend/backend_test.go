package backend

import (
	"bytes"
	"context"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/warpfork/go-errcat"
	"gopkg.in/src-d/go-git.v4/plumbing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/polydawn/gitwire"
	"github.com/polydawn/gitwire/testutil"
)

func id(h plumbing.Hash) gitwire.ObjectID {
	return gitwire.ObjectID(h)
}

func TestGetRefs(t *testing.T) {
	Convey("Ref listing", t, func() {
		store, commits := testutil.MakeLinearRepo(2)
		tip := commits[len(commits)-1]
		store.SetReference(plumbing.NewHashReference("refs/tags/v1", commits[0]))
		store.SetReference(plumbing.NewSymbolicReference("HEAD", "refs/heads/master"))
		b := New(store)

		refs, err := b.GetRefs()
		So(err, ShouldBeNil)

		Convey("is sorted by name and skips symbolic refs", func() {
			So(refs, ShouldResemble, []gitwire.RefEntry{
				{Name: "refs/heads/master", ID: id(tip)},
				{Name: "refs/tags/v1", ID: id(commits[0])},
			})
		})
	})
}

func TestHasObject(t *testing.T) {
	Convey("Object membership", t, func() {
		store, commits := testutil.MakeLinearRepo(1)
		b := New(store)
		So(b.HasObject(id(commits[0])), ShouldBeTrue)
		absent := gitwire.ObjectID{0xde, 0xad, 0xbe, 0xef}
		So(b.HasObject(absent), ShouldBeFalse)
	})
}

func TestFetchObjects(t *testing.T) {
	Convey("Pack production", t, func() {
		store, commits := testutil.MakeLinearRepo(3)
		b := New(store)
		tip := id(commits[2])
		ctx := context.Background()

		Convey("a full clone enumerates every object", func() {
			var progress bytes.Buffer
			// 3 commits, each with its own tree and blob.
			n, pack, err := b.FetchObjects(ctx, []gitwire.ObjectID{tip}, nil, &progress)
			So(err, ShouldBeNil)
			defer pack.Close()
			So(n, ShouldResemble, 9)
			So(progress.String(), ShouldStartWith, "Enumerating objects: 9")

			Convey("and the pack applies cleanly to an empty store", func() {
				dest := NewMemory()
				So(dest.ApplyPack(pack), ShouldBeNil)
				So(dest.HasObject(tip), ShouldBeTrue)
				So(dest.HasObject(id(commits[0])), ShouldBeTrue)
			})
		})

		Convey("haves trim the enumeration to the frontier", func() {
			var progress bytes.Buffer
			n, pack, err := b.FetchObjects(ctx, []gitwire.ObjectID{tip}, []gitwire.ObjectID{id(commits[0])}, &progress)
			So(err, ShouldBeNil)
			defer pack.Close()
			So(n, ShouldResemble, 6)
		})

		Convey("haves we do not hold are ignored rather than fatal", func() {
			stranger := gitwire.ObjectID{0x42}
			n, pack, err := b.FetchObjects(ctx, []gitwire.ObjectID{tip}, []gitwire.ObjectID{stranger}, &bytes.Buffer{})
			So(err, ShouldBeNil)
			defer pack.Close()
			So(n, ShouldResemble, 9)
		})

		Convey("a want we do not hold refuses the fetch", func() {
			stranger := gitwire.ObjectID{0x42}
			_, _, err := b.FetchObjects(ctx, []gitwire.ObjectID{stranger}, nil, &bytes.Buffer{})
			So(err, errcat.ErrorShouldHaveCategory, gitwire.ErrObjectsUnavailable)
		})
	})
}

func TestOpenFilesystem(t *testing.T) {
	Convey("Filesystem stores", t, func() {
		Convey("an empty directory opens as an empty repository", func() {
			b, err := OpenFilesystem(t.TempDir())
			So(err, ShouldBeNil)
			refs, err := b.GetRefs()
			So(err, ShouldBeNil)
			So(refs, ShouldBeEmpty)
		})

		Convey("a missing path is a usage error", func() {
			_, err := OpenFilesystem(filepath.Join(t.TempDir(), "no-such-repo"))
			So(err, errcat.ErrorShouldHaveCategory, gitwire.ErrUsage)
		})

		Convey("a plain file is a usage error", func() {
			path := filepath.Join(t.TempDir(), "plainfile")
			So(ioutil.WriteFile(path, []byte("not a repo"), 0644), ShouldBeNil)
			_, err := OpenFilesystem(path)
			So(err, errcat.ErrorShouldHaveCategory, gitwire.ErrUsage)
		})
	})
}

func TestApplyPackCorrupt(t *testing.T) {
	Convey("Garbage in place of a pack is refused", t, func() {
		b := NewMemory()
		err := b.ApplyPack(strings.NewReader("this is no pack"))
		So(err, errcat.ErrorShouldHaveCategory, gitwire.ErrCorruptPack)
	})
}

func TestRefMutation(t *testing.T) {
	Convey("Ref updates and deletions", t, func() {
		store, commits := testutil.MakeLinearRepo(1)
		b := New(store)

		So(b.SetRef("refs/heads/topic", id(commits[0])), ShouldBeNil)
		refs, err := b.GetRefs()
		So(err, ShouldBeNil)
		So(refs, ShouldResemble, []gitwire.RefEntry{
			{Name: "refs/heads/master", ID: id(commits[0])},
			{Name: "refs/heads/topic", ID: id(commits[0])},
		})

		So(b.DeleteRef("refs/heads/topic"), ShouldBeNil)
		refs, err = b.GetRefs()
		So(err, ShouldBeNil)
		So(refs, ShouldResemble, []gitwire.RefEntry{
			{Name: "refs/heads/master", ID: id(commits[0])},
		})
	})
}
