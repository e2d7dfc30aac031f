package testutil

import (
	"io"
)

// A Duplex glues an independent reader and writer into one stream, the
// shape the session functions expect.  Tests typically hand in a
// bytes.Reader of scripted client input and a bytes.Buffer to capture
// the server's output.
type Duplex struct {
	io.Reader
	io.Writer
}

func RW(r io.Reader, w io.Writer) Duplex {
	return Duplex{r, w}
}
