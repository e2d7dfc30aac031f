/*
	Package server hosts the two server-side session state machines
	(upload-pack for fetch, receive-pack for push) and the connection
	dispatcher that reads an initial command frame and routes to one
	of them.

	Concurrency model: one goroutine per accepted connection; each
	session runs its state machine to completion, blocking synchronously
	on stream I/O.  Sessions share nothing with each other -- the Backend
	is the only shared resource, and it must be safe for concurrent use.
*/
package server

import (
	"context"
	"io"
	"net"
	"strings"
	"time"

	. "github.com/warpfork/go-errcat"
	"golang.org/x/sync/errgroup"

	"github.com/polydawn/gitwire"
	"github.com/polydawn/gitwire/lib/guid"
	"github.com/polydawn/gitwire/pktline"
)

// The commands this daemon understands.  Anything else is refused by
// closing the connection with no response; the dispatcher is
// intentionally permissive about commands it has never heard of.
const (
	cmdUploadPack  = "git-upload-pack"
	cmdReceivePack = "git-receive-pack"
)

// A Command is the parsed initial request frame:
// "<command> <arg1>\x00<arg2>\x00...<argN>\x00".
type Command struct {
	Name string
	Args []string
}

/*
	parseCommand picks apart the initial command frame.

	May return errors of category:

	  - `gitwire.ErrMalformedCommand` -- the final argument did not end
	    with the required NUL terminator, or the frame was empty.
*/
func parseCommand(payload []byte) (Command, error) {
	if len(payload) == 0 || payload[len(payload)-1] != 0 {
		return Command{}, Errorf(gitwire.ErrMalformedCommand, "command frame must end with a NUL terminator")
	}
	fields := strings.Split(string(payload[:len(payload)-1]), "\x00")
	head := fields[0]
	cmd := Command{}
	if i := strings.IndexByte(head, ' '); i >= 0 {
		cmd.Name = head[:i]
		cmd.Args = append(cmd.Args, head[i+1:])
	} else {
		cmd.Name = head
	}
	cmd.Args = append(cmd.Args, fields[1:]...)
	if cmd.Name == "" {
		return Command{}, Errorf(gitwire.ErrMalformedCommand, "empty command name")
	}
	return cmd, nil
}

// A session is one of the two server roles, ready to run over a stream.
type session interface {
	serve(ctx context.Context, rw io.ReadWriter) error
}

type fetchSession struct {
	backend gitwire.Backend
	mon     gitwire.Monitor
}

func (s fetchSession) serve(ctx context.Context, rw io.ReadWriter) error {
	return UploadPack(ctx, s.backend, rw, s.mon)
}

type pushSession struct {
	backend gitwire.Backend
	mon     gitwire.Monitor
}

func (s pushSession) serve(ctx context.Context, rw io.ReadWriter) error {
	return ReceivePack(ctx, s.backend, rw, s.mon)
}

/*
	A Daemon serves the raw-TCP transport: it accepts connections, reads
	the initial command frame from each, and dispatches to the matching
	session.  All repository truth comes from the Backend.
*/
type Daemon struct {
	Backend gitwire.Backend
	Monitor gitwire.Monitor
}

/*
	Serve accepts connections until the listener closes or the context is
	cancelled, running each connection on its own goroutine.  Errors on
	one connection are reported to the monitor and never affect others.
*/
func (d *Daemon) Serve(ctx context.Context, l net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			g.Wait()
			if ctx.Err() != nil {
				return nil // orderly shutdown
			}
			return Errorf(gitwire.ErrProtocol, "accept: %s", err)
		}
		connID := guid.New()
		g.Go(func() error {
			defer conn.Close()
			logf(d.Monitor, gitwire.LogInfo, "connection accepted",
				gitwire.LogDetail{Key: "conn", Value: connID},
				gitwire.LogDetail{Key: "remote", Value: conn.RemoteAddr().String()})
			if err := d.ServeConn(ctx, conn); err != nil {
				level := gitwire.LogError
				if Category(err) == gitwire.ErrHangup {
					// Hangup is how legacy clients say goodbye.
					level = gitwire.LogInfo
				}
				logf(d.Monitor, level, "session ended with error",
					gitwire.LogDetail{Key: "conn", Value: connID},
					gitwire.LogDetail{Key: "remote", Value: conn.RemoteAddr().String()},
					gitwire.LogDetail{Key: "error", Value: err.Error()})
			}
			return nil
		})
	}
}

/*
	ServeConn dispatches a single already-accepted stream: reads the
	command frame and runs the matching session to completion.

	May return errors of category:

	  - `gitwire.ErrMalformedCommand` -- bad or unknown initial command;
	    the connection is closed with no response written.
	  - anything the dispatched session raises.
*/
func (d *Daemon) ServeConn(ctx context.Context, rw io.ReadWriter) error {
	f, err := pktline.NewReader(rw).ReadFrame()
	if err != nil {
		return err
	}
	if f.Flush {
		return Errorf(gitwire.ErrMalformedCommand, "expected a command frame, got flush")
	}
	cmd, err := parseCommand(f.Payload)
	if err != nil {
		return err
	}
	sess, err := d.route(cmd)
	if err != nil {
		return err
	}
	logf(d.Monitor, gitwire.LogDebug, "dispatching command",
		gitwire.LogDetail{Key: "command", Value: cmd.Name}, gitwire.LogDetail{Key: "args", Value: strings.Join(cmd.Args, " ")})
	return sess.serve(ctx, rw)
}

func (d *Daemon) route(cmd Command) (session, error) {
	switch cmd.Name {
	case cmdUploadPack:
		return fetchSession{d.Backend, d.Monitor}, nil
	case cmdReceivePack:
		return pushSession{d.Backend, d.Monitor}, nil
	default:
		return nil, Errorf(gitwire.ErrMalformedCommand, "unknown command %q refused", cmd.Name)
	}
}

// Emits a log event to the monitor; drops it if no channel is configured.
func logf(mon gitwire.Monitor, level gitwire.LogLevel, msg string, detail ...gitwire.LogDetail) {
	mon.Send(gitwire.Event{
		Log: &gitwire.Event_Log{
			Time:   time.Now(),
			Level:  level,
			Msg:    msg,
			Detail: detail,
		},
	})
}
