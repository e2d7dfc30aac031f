package client

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"gopkg.in/src-d/go-git.v4/plumbing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/polydawn/gitwire"
	"github.com/polydawn/gitwire/backend"
	"github.com/polydawn/gitwire/pktline"
	"github.com/polydawn/gitwire/server"
	"github.com/polydawn/gitwire/testutil"
)

func id(h plumbing.Hash) gitwire.ObjectID {
	return gitwire.ObjectID(h)
}

// Runs one daemon session on the far end of a pipe, returning the
// client end and a channel yielding the session's error on completion.
func serveOnPipe(t *testing.T, b gitwire.Backend) (net.Conn, <-chan error) {
	cli, srv := net.Pipe()
	d := &server.Daemon{Backend: b}
	done := make(chan error, 1)
	go func() {
		done <- d.ServeConn(context.Background(), srv)
		srv.Close()
	}()
	return cli, done
}

func waitServed(done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		return context.DeadlineExceeded
	}
}

func TestLsRemote(t *testing.T) {
	Convey("ls-remote against a live session", t, func() {
		store, commits := testutil.MakeLinearRepo(2)
		cli, done := serveOnPipe(t, backend.New(store))
		defer cli.Close()

		adv, err := New(cli).LsRemote("/repo.git")
		So(err, ShouldBeNil)
		So(adv.Refs, ShouldResemble, []gitwire.RefEntry{
			{Name: "refs/heads/master", ID: id(commits[1])},
		})
		So(adv.Caps.Sideband(), ShouldBeTrue)
		So(waitServed(done), ShouldBeNil)
	})
}

func TestFetchClone(t *testing.T) {
	Convey("A full clone round-trips objects through a real pack", t, func() {
		store, commits := testutil.MakeLinearRepo(3)
		tip := id(commits[2])
		cli, done := serveOnPipe(t, backend.New(store))
		defer cli.Close()

		var pack bytes.Buffer
		adv, err := New(cli).Fetch(context.Background(), FetchRequest{
			Repo:  "/repo.git",
			Wants: []gitwire.ObjectID{tip},
			Pack:  &pack,
		})
		So(err, ShouldBeNil)
		So(adv.Refs, ShouldResemble, []gitwire.RefEntry{
			{Name: "refs/heads/master", ID: tip},
		})
		So(waitServed(done), ShouldBeNil)

		dest := backend.NewMemory()
		So(dest.ApplyPack(&pack), ShouldBeNil)
		So(dest.HasObject(tip), ShouldBeTrue)
		So(dest.HasObject(id(commits[0])), ShouldBeTrue)
	})
}

func TestFetchIncremental(t *testing.T) {
	Convey("Haves shrink the transfer and still yield the tip", t, func() {
		store, commits := testutil.MakeLinearRepo(3)
		tip := id(commits[2])
		cli, done := serveOnPipe(t, backend.New(store))
		defer cli.Close()

		var pack, progress bytes.Buffer
		_, err := New(cli).Fetch(context.Background(), FetchRequest{
			Repo:     "/repo.git",
			Wants:    []gitwire.ObjectID{tip},
			Haves:    []gitwire.ObjectID{id(commits[0])},
			Pack:     &pack,
			Progress: &progress,
		})
		So(err, ShouldBeNil)
		So(waitServed(done), ShouldBeNil)
		So(progress.String(), ShouldContainSubstring, "counting objects:")

		dest := backend.NewMemory()
		So(dest.ApplyPack(&pack), ShouldBeNil)
		So(dest.HasObject(tip), ShouldBeTrue)
	})
}

func TestFetchDegradedMode(t *testing.T) {
	Convey("A remote without sideband sends the pack bare", t, func() {
		// Scripted remote: advertisement with no capabilities, a lone
		// NAK preceded by one acknowledgement, then the bare pack and
		// its closing marker.
		var script bytes.Buffer
		sw := pktline.NewWriter(&script)
		sw.Writef("1111111111111111111111111111111111111111 refs/heads/master\x00\n")
		sw.WriteFlush()
		sw.Writef("ACK 2222222222222222222222222222222222222222\n")
		sw.Writef("NAK\n")
		script.WriteString("PACKbarebytes0000")

		var sent, pack bytes.Buffer
		want, _ := gitwire.ParseObjectID("1111111111111111111111111111111111111111")
		_, err := New(testutil.RW(&script, &sent)).Fetch(context.Background(), FetchRequest{
			Repo:  "/repo.git",
			Wants: []gitwire.ObjectID{want},
			Pack:  &pack,
		})
		So(err, ShouldBeNil)
		So(pack.String(), ShouldResemble, "PACKbarebytes")
	})
}

func TestPushCreate(t *testing.T) {
	Convey("Pushing a new branch lands objects and ref on the remote", t, func() {
		src, commits := testutil.MakeLinearRepo(2)
		tip := id(commits[1])
		local := backend.New(src)
		remote := backend.NewMemory()
		cli, done := serveOnPipe(t, remote)
		defer cli.Close()

		// The pack streams straight from the local object store.
		_, pack, err := local.FetchObjects(context.Background(), []gitwire.ObjectID{tip}, nil, &bytes.Buffer{})
		So(err, ShouldBeNil)
		defer pack.Close()

		report, err := New(cli).Push(context.Background(), PushRequest{
			Repo: "/repo.git",
			Updates: []gitwire.RefUpdate{
				{Name: "refs/heads/master", Old: gitwire.ZeroID, New: tip},
			},
			Pack: pack,
		})
		So(err, ShouldBeNil)
		So(waitServed(done), ShouldBeNil)
		So(report.OK(), ShouldBeTrue)
		So(report.UnpackStatus, ShouldResemble, "ok")
		So(report.Refs, ShouldResemble, []RefStatus{{Name: "refs/heads/master"}})

		So(remote.HasObject(tip), ShouldBeTrue)
		refs, err := remote.GetRefs()
		So(err, ShouldBeNil)
		So(refs, ShouldResemble, []gitwire.RefEntry{
			{Name: "refs/heads/master", ID: tip},
		})
	})
}

func TestPushStale(t *testing.T) {
	Convey("Pushing against a stale view is refused per-ref", t, func() {
		src, commits := testutil.MakeLinearRepo(2)
		remoteStore, remoteCommits := testutil.MakeLinearRepo(1)
		local := backend.New(src)
		remote := backend.New(remoteStore)
		cli, done := serveOnPipe(t, remote)
		defer cli.Close()

		tip := id(commits[1])
		_, pack, err := local.FetchObjects(context.Background(), []gitwire.ObjectID{tip}, nil, &bytes.Buffer{})
		So(err, ShouldBeNil)
		defer pack.Close()

		// Claim the remote master is still at zero; it is not.
		report, err := New(cli).Push(context.Background(), PushRequest{
			Repo: "/repo.git",
			Updates: []gitwire.RefUpdate{
				{Name: "refs/heads/master", Old: gitwire.ZeroID, New: tip},
			},
			Pack: pack,
		})
		So(err, ShouldBeNil)
		So(waitServed(done), ShouldBeNil)
		So(report.OK(), ShouldBeFalse)
		So(report.Refs, ShouldResemble, []RefStatus{
			{Name: "refs/heads/master", Reason: "stale info"},
		})

		// The ref is untouched.
		refs, err := remote.GetRefs()
		So(err, ShouldBeNil)
		So(refs, ShouldResemble, []gitwire.RefEntry{
			{Name: "refs/heads/master", ID: id(remoteCommits[0])},
		})
	})
}

func TestPushDelete(t *testing.T) {
	Convey("A deletion-only push carries no pack", t, func() {
		remoteStore, remoteCommits := testutil.MakeLinearRepo(1)
		remote := backend.New(remoteStore)
		cli, done := serveOnPipe(t, remote)
		defer cli.Close()

		report, err := New(cli).Push(context.Background(), PushRequest{
			Repo: "/repo.git",
			Updates: []gitwire.RefUpdate{
				{Name: "refs/heads/master", Old: id(remoteCommits[0]), New: gitwire.ZeroID},
			},
		})
		So(err, ShouldBeNil)
		So(waitServed(done), ShouldBeNil)
		So(report.OK(), ShouldBeTrue)

		refs, err := remote.GetRefs()
		So(err, ShouldBeNil)
		So(refs, ShouldBeEmpty)
	})
}
