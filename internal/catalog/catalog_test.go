package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseHostfile_PreservesOrder(t *testing.T) {
	src := `
# cluster inventory
worker-1 slots=2
worker-0 slots=4   # the big one

worker-2 slots=0
`
	c, err := ParseHostfile(strings.NewReader(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	hosts := c.Hosts()
	want := []Host{{"worker-1", 2}, {"worker-0", 4}, {"worker-2", 0}}
	if len(hosts) != len(want) {
		t.Fatalf("expected %d hosts, got %d", len(want), len(hosts))
	}
	for i := range want {
		if hosts[i] != want[i] {
			t.Fatalf("host %d: got %+v, want %+v", i, hosts[i], want[i])
		}
	}
	if n, ok := c.Slots("worker-0"); !ok || n != 4 {
		t.Fatalf("Slots(worker-0) = %d,%v", n, ok)
	}
	if _, ok := c.Slots("nope"); ok {
		t.Fatalf("unexpected host nope")
	}
	if c.TotalSlots() != 6 {
		t.Fatalf("TotalSlots = %d", c.TotalSlots())
	}
}

func TestParseHostfile_Rejects(t *testing.T) {
	cases := map[string]string{
		"empty":     "# nothing here\n\n",
		"malformed": "worker-0 gpus=4\n",
		"duplicate": "worker-0 slots=4\nworker-0 slots=2\n",
	}
	for name, src := range cases {
		if _, err := ParseHostfile(strings.NewReader(src)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestNew_RejectsNegativeSlots(t *testing.T) {
	if _, err := New(Host{Name: "h1", Slots: -1}); err == nil {
		t.Fatalf("expected error for negative slots")
	}
	if _, err := New(Host{Name: " ", Slots: 1}); err == nil {
		t.Fatalf("expected error for empty name")
	}
}

func TestLoadHostfile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "hostfile")
	if err := os.WriteFile(p, []byte("localhost slots=8\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := LoadHostfile(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 host, got %d", c.Len())
	}
	if _, err := LoadHostfile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected error for missing hostfile")
	}
}

func TestHostsReturnsCopy(t *testing.T) {
	c := MustNew(Host{Name: "h1", Slots: 4})
	hs := c.Hosts()
	hs[0].Slots = 0
	if n, _ := c.Slots("h1"); n != 4 {
		t.Fatalf("catalog mutated through Hosts(): %d", n)
	}
}
