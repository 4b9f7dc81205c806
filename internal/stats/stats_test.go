package stats

import (
	"bytes"
	"strings"
	"testing"
)

func TestCounterIncAdd(t *testing.T) {
	var c Counter
	c.Inc()
	c.Add(4)
	if c.Load() != 5 {
		t.Fatalf("Load = %d, want 5", c.Load())
	}
}

func TestRegistryString(t *testing.T) {
	var r Registry
	r.MessagesSent.Add(3)
	s := r.String()
	if !strings.Contains(s, "MessagesSent: 3") {
		t.Fatalf("String() = %q, missing MessagesSent: 3", s)
	}
}

func TestWriteProfile(t *testing.T) {
	var r Registry
	r.ChannelsOpened.Add(2)
	var buf bytes.Buffer
	if err := r.WriteProfile(&buf); err != nil {
		t.Fatalf("WriteProfile: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("WriteProfile produced no output")
	}
}
