package capability

import (
	"fmt"
	"testing"
)

func TestParseSerializeIdempotence(t *testing.T) {
	testItems := []string{
		"multi_ack",
		"multi_ack side-band-64k thin-pack",
		"report-status delete-refs",
		"some-future-token another=value",
	}
	for _, item := range testItems {
		t.Run(fmt.Sprintf("tokens: %s", item), func(t *testing.T) {
			if got := Parse(item).String(); got != item {
				t.Errorf("expected %q but got %q", item, got)
			}
		})
	}
}

func TestDedupeFirstWins(t *testing.T) {
	s := Parse("side-band multi_ack side-band thin-pack multi_ack")
	if got := s.String(); got != "side-band multi_ack thin-pack" {
		t.Errorf("expected dedupe with first occurrence winning, got %q", got)
	}
}

func TestSplitLine(t *testing.T) {
	testItems := []struct {
		in          string
		wantPayload string
		wantCaps    string
		capsPresent bool
	}{
		{"cafebabe refs/heads/master\x00multi_ack side-band-64k\n",
			"cafebabe refs/heads/master", "multi_ack side-band-64k", true},
		{"cafebabe refs/heads/master\n",
			"cafebabe refs/heads/master\n", "", false},
		{"payload\x00\n",
			"payload", "", true},
	}
	for _, item := range testItems {
		t.Run(fmt.Sprintf("line: %q", item.in), func(t *testing.T) {
			payload, caps := SplitLine([]byte(item.in))
			if string(payload) != item.wantPayload {
				t.Errorf("payload: expected %q but got %q", item.wantPayload, payload)
			}
			if (caps != nil) != item.capsPresent {
				t.Fatalf("caps presence: expected %v", item.capsPresent)
			}
			if caps != nil && caps.String() != item.wantCaps {
				t.Errorf("caps: expected %q but got %q", item.wantCaps, caps.String())
			}
		})
	}
}

func TestJoinLineInverse(t *testing.T) {
	payload := []byte("cafebabe refs/heads/master")
	caps := NewSet(MultiAck, SideBand64k)
	gotPayload, gotCaps := SplitLine(JoinLine(payload, caps))
	if string(gotPayload) != string(payload) {
		t.Errorf("payload mangled: %q", gotPayload)
	}
	if gotCaps.String() != caps.String() {
		t.Errorf("caps mangled: %q", gotCaps.String())
	}
}

func TestSidebandVariants(t *testing.T) {
	if !NewSet(SideBand).Sideband() || !NewSet(SideBand64k).Sideband() {
		t.Error("either sideband variant should count as negotiated")
	}
	if NewSet(MultiAck).Sideband() {
		t.Error("sideband not negotiated here")
	}
	var nilSet *Set
	if nilSet.Sideband() || nilSet.Has(MultiAck) {
		t.Error("nil set has nothing")
	}
}
