package gitwire

import (
	"github.com/warpfork/go-errcat"
)

/*
	Error categories raised by the protocol layer, paired with the exit
	codes the CLI maps them to.

	All errors crossing a package boundary in this repo are categorized
	with `go-errcat`; callers branch on `errcat.Category(err)` rather than
	on error strings.  Hangup in particular is an ordinary category, not an
	exceptional condition: a zero-length read where a frame was expected is
	the normal way legacy clients say "no more input", and every state
	machine treats it as a clean abort.
*/
type ErrorCategory string
type ExitCode int

const (
	ExitSuccess                                   = ExitCode(0)
	ExitUsage, ErrUsage                           = ExitCode(1), ErrorCategory("gitwire-usage-error")          // Some piece of user input to a command was invalid and unrunnable.
	ExitPanic                                     = ExitCode(2)                                                // Placeholder.  We don't use this.  '2' happens when golang exits due to panic.
	ExitProtocol, ErrProtocol                     = ExitCode(3), ErrorCategory("gitwire-protocol-error")       // Wraps any lower-level I/O failure mid-session.  Fatal to the connection; never retried by this layer.
	ExitTruncatedStream, ErrTruncatedStream       = ExitCode(4), ErrorCategory("gitwire-truncated-stream")     // A frame's length prefix promised more bytes than the stream delivered.
	ExitMalformedCommand, ErrMalformedCommand     = ExitCode(5), ErrorCategory("gitwire-malformed-command")    // The initial command frame violated the "<command> <args NUL...>" shape.
	ExitCorruptPack, ErrCorruptPack               = ExitCode(6), ErrorCategory("gitwire-corrupt-pack")         // An incoming pack stream could not be parsed by the pack decoder.
	ExitObjectsUnavailable, ErrObjectsUnavailable = ExitCode(7), ErrorCategory("gitwire-objects-unavailable")  // The backend could not resolve a wanted object id.
	ExitRemoteFatal, ErrRemoteFatal               = ExitCode(8), ErrorCategory("gitwire-remote-fatal")         // The peer sent a fatal-error message on sideband channel 3; the carried text is the user-visible error.
	ExitHangup, ErrHangup                         = ExitCode(9), ErrorCategory("gitwire-hangup")               // The peer closed the stream where a frame was expected.  A clean abort, not corruption.
	ExitCancelled, ErrCancelled                   = ExitCode(10), ErrorCategory("gitwire-cancelled")           // The operation was cancelled via context.
)

// ExitCodeForError maps an error's category to the process exit code the
// CLI should terminate with.  Nil maps to success; an uncategorized
// error is treated as a protocol-level failure.
func ExitCodeForError(err error) ExitCode {
	if err == nil {
		return ExitSuccess
	}
	switch errcat.Category(err) {
	case ErrUsage:
		return ExitUsage
	case ErrProtocol:
		return ExitProtocol
	case ErrTruncatedStream:
		return ExitTruncatedStream
	case ErrMalformedCommand:
		return ExitMalformedCommand
	case ErrCorruptPack:
		return ExitCorruptPack
	case ErrObjectsUnavailable:
		return ExitObjectsUnavailable
	case ErrRemoteFatal:
		return ExitRemoteFatal
	case ErrHangup:
		return ExitHangup
	case ErrCancelled:
		return ExitCancelled
	default:
		return ExitProtocol
	}
}
