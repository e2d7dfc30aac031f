package guid

import (
	"testing"
)

func TestNew(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 64; i++ {
		id := New()
		if len(id) != size {
			t.Fatalf("len(%q) = %d, want %d", id, len(id), size)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("generated duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}
