package gitwire

import (
	"time"

	"github.com/warpfork/go-errcat"
)

/*
	Monitoring configuration struct, and the message types used.

	The daemon and the long-running client calls emit structured events
	on the monitor channel as they proceed; the CLI renders them either
	as human-readable text or as a json stream.  A nil channel disables
	all reporting -- events are dropped, never blocked on.
*/
type Monitor struct {
	// Channel to which events will be sent as sessions proceed.
	// A nil channel disables all intermediate reporting.
	Chan chan<- Event
}

// Send delivers an event if a channel is configured; no-op otherwise.
func (m Monitor) Send(ev Event) {
	if m.Chan == nil {
		return
	}
	m.Chan <- ev
}

// Close closes the event channel if one is configured.  Call when the
// process owning the monitor is done emitting.
func (m Monitor) Close() {
	if m.Chan == nil {
		return
	}
	close(m.Chan)
}

type (
	/*
		A "union" type of all the kinds of event that may be generated
		in the course of serving or driving a connection.
	*/
	Event struct {
		Log    *Event_Log    `refmt:"log,omitempty"`
		Result *Event_Result `refmt:"result,omitempty"`
	}

	// Freetext log records: connection lifecycle, session errors, etc.
	Event_Log struct {
		Time   time.Time   `refmt:"t"`
		Level  LogLevel    `refmt:"lvl"`
		Msg    string      `refmt:"msg"`
		Detail []LogDetail `refmt:"detail,omitempty"`
	}

	// One key-value pair of structured log context.
	LogDetail struct {
		Key   string `refmt:"k"`
		Value string `refmt:"v"`
	}

	// The final outcome of a CLI command, in serializable form.
	Event_Result struct {
		Refs     []RefEntry `refmt:"refs,omitempty"`
		Error    string     `refmt:"error,omitempty"`
		Category string     `refmt:"category,omitempty"`
	}
)

// SetError stores an error (and its category, if it has one) in
// serializable form.  No-op on nil.
func (r *Event_Result) SetError(err error) {
	if err == nil {
		return
	}
	r.Error = err.Error()
	if cat, ok := errcat.Category(err).(ErrorCategory); ok {
		r.Category = string(cat)
	}
}

type LogLevel int8

const (
	LogError LogLevel = 4 // Errors which halted a session.
	LogWarn  LogLevel = 3 // Suspicious peer behavior which did not halt the session.
	LogInfo  LogLevel = 2 // Connection lifecycle.
	LogDebug LogLevel = 1 // Wire-level chatter.
)
