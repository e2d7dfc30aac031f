package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/polydawn/refmt"
	"github.com/polydawn/refmt/json"
	. "github.com/warpfork/go-errcat"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/polydawn/gitwire"
	"github.com/polydawn/gitwire/backend"
	"github.com/polydawn/gitwire/client"
	"github.com/polydawn/gitwire/server"
)

/*
	Output serialization formats
*/
const (
	FmtJson = "json"
	FmtDumb = "dumb"
)

type baseCLI struct {
	Format   string        // Output format, eg. json
	Timeout  time.Duration // Timeout for the whole command, eg. "60s"
	ServeCLI struct {
		Listen   string // Address to listen on
		RepoPath string // Repository to serve; in-memory when empty
	}
	LsRemoteCLI struct {
		Addr string // Remote daemon address
		Repo string // Repository path to ask about
	}
}

/*
	Blocks until a sigint is received, then calls cancel.
*/
func CancelOnInterrupt(cancel context.CancelFunc) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)
	<-signalChan
	cancel()
	close(signalChan)
}

func main() {
	ctx := context.Background()
	exitCode := Main(ctx, os.Args, os.Stdin, os.Stdout, os.Stderr)
	os.Exit(int(exitCode))
}

func Main(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) gitwire.ExitCode {
	ctx, cancel := context.WithCancel(ctx)
	go CancelOnInterrupt(cancel)

	cli := baseCLI{}

	app := kingpin.New("gitwire", "Speak the git smart transfer protocol")
	app.HelpFlag.Short('h')

	app.UsageWriter(stderr)
	app.ErrorWriter(stderr)

	app.Flag("format", "Output format").
		Default(FmtDumb).
		EnumVar(&cli.Format, FmtJson, FmtDumb)
	app.Flag("timeout", "Timeout for command").
		DurationVar(&cli.Timeout)

	appServe := app.Command("serve", "serve a repository to fetch and push clients")
	appServe.Flag("listen", "Address to listen on").
		Default(fmt.Sprintf(":%d", gitwire.DefaultPort)).
		StringVar(&cli.ServeCLI.Listen)
	appServe.Arg("repo", "Path to a bare repository; serves an empty in-memory one if omitted").
		StringVar(&cli.ServeCLI.RepoPath)

	appLsRemote := app.Command("ls-remote", "list the refs a remote daemon advertises")
	appLsRemote.Arg("addr", "Remote address (host or host:port)").
		Required().
		StringVar(&cli.LsRemoteCLI.Addr)
	appLsRemote.Arg("repo", "Repository path on the remote").
		Default("/").
		StringVar(&cli.LsRemoteCLI.Repo)

	var termErr error
	app.Terminate(func(status int) {
		termErr = fmt.Errorf("parsing error: %d\n", status)
	})
	cmd, err := app.Parse(args[1:])
	if err != nil {
		fmt.Fprintln(stderr, err)
		return gitwire.ExitUsage
	}
	if termErr != nil {
		fmt.Fprintln(stderr, termErr)
		return gitwire.ExitUsage
	}
	if cli.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, cli.Timeout)
		defer cancelTimeout()
	}

	switch cmd {
	case appServe.FullCommand():
		err = executeServe(ctx, cli, stdout, stderr)
		serializeResult(cli.Format, nil, err, stdout, stderr)
	case appLsRemote.FullCommand():
		var refs []gitwire.RefEntry
		refs, err = executeLsRemote(ctx, cli)
		serializeResult(cli.Format, refs, err, stdout, stderr)
	}
	return gitwire.ExitCodeForError(err)
}

func serializeResult(format string, refs []gitwire.RefEntry, resultErr error, stdout io.Writer, stderr io.Writer) {
	result := &gitwire.Event_Result{Refs: refs}
	result.SetError(resultErr)
	ev := gitwire.Event{Result: result}
	switch format {
	case FmtJson:
		marshaller := refmt.NewMarshallerAtlased(json.EncodeOptions{}, stdout, gitwire.Atlas)
		if err := marshaller.Marshal(&ev); err != nil {
			panic(err)
		}
	case FmtDumb:
		if resultErr != nil {
			fmt.Fprintln(stderr, resultErr)
			return
		}
		for _, ref := range refs {
			fmt.Fprintf(stdout, "%s\t%s\n", ref.ID, ref.Name)
		}
	default:
		panic(fmt.Errorf("gitwire: invalid format %s", format))
	}
}

// Renders monitor events as they arrive, until the channel closes.
func renderEvents(format string, events <-chan gitwire.Event, stdout, stderr io.Writer) {
	marshaller := refmt.NewMarshallerAtlased(json.EncodeOptions{}, stdout, gitwire.Atlas)
	for ev := range events {
		switch format {
		case FmtJson:
			if err := marshaller.Marshal(&ev); err != nil {
				panic(err)
			}
		case FmtDumb:
			if ev.Log == nil {
				continue
			}
			fmt.Fprintf(stderr, "%s %s", ev.Log.Time.Format(time.RFC3339), ev.Log.Msg)
			for _, kv := range ev.Log.Detail {
				fmt.Fprintf(stderr, " %s=%s", kv.Key, kv.Value)
			}
			fmt.Fprintln(stderr)
		}
	}
}

func executeServe(ctx context.Context, cli baseCLI, stdout, stderr io.Writer) error {
	var store gitwire.Backend
	if cli.ServeCLI.RepoPath == "" {
		store = backend.NewMemory()
	} else {
		var err error
		store, err = backend.OpenFilesystem(cli.ServeCLI.RepoPath)
		if err != nil {
			return err
		}
	}
	l, err := net.Listen("tcp", cli.ServeCLI.Listen)
	if err != nil {
		return Errorf(gitwire.ErrUsage, "cannot listen on %q: %s", cli.ServeCLI.Listen, err)
	}

	events := make(chan gitwire.Event, 16)
	var rendered sync.WaitGroup
	rendered.Add(1)
	go func() {
		defer rendered.Done()
		renderEvents(cli.Format, events, stdout, stderr)
	}()

	d := &server.Daemon{
		Backend: store,
		Monitor: gitwire.Monitor{Chan: events},
	}
	err = d.Serve(ctx, l)
	close(events)
	rendered.Wait()
	return err
}

func executeLsRemote(ctx context.Context, cli baseCLI) ([]gitwire.RefEntry, error) {
	conn, err := client.Dial(ctx, cli.LsRemoteCLI.Addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	adv, err := conn.LsRemote(cli.LsRemoteCLI.Repo)
	if err != nil {
		return nil, err
	}
	return adv.Refs, nil
}
