// Package guid generates short, roughly-sortable unique id strings.
// The daemon tags each accepted connection with one so log lines from
// concurrent sessions can be told apart.
package guid

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"time"
)

const size = 22

var encoding = base32.NewEncoding("0123456789abcdefghjkmnpqrstvwxyz").WithPadding(base32.NoPadding)

// New returns a fresh id: seconds since epoch in hex, then a random
// base32 tail.  Ids from the same process sort by creation time at
// one-second granularity.
func New() string {
	var tail [8]byte
	if _, err := rand.Read(tail[:]); err != nil {
		panic(err)
	}
	return fmt.Sprintf("%08x-%s", time.Now().Unix(), encoding.EncodeToString(tail[:]))
}
