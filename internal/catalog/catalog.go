// Package catalog holds the static view of cluster capacity: an ordered
// mapping from host to the number of accelerator slots it offers.
package catalog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"tpserve/internal/common/fsutil"
)

// Host is one catalog entry.
type Host struct {
	Name  string `json:"name" yaml:"name" toml:"name"`
	Slots int    `json:"slots" yaml:"slots" toml:"slots"`
}

// Catalog is an immutable, ordered snapshot of host capacity. Iteration order
// is the order hosts were supplied in and drives first-fit planning.
type Catalog struct {
	hosts []Host
	index map[string]int
}

// New builds a catalog from hosts in the given order. Host names must be
// non-empty and unique, and slot counts non-negative.
func New(hosts ...Host) (*Catalog, error) {
	c := &Catalog{
		hosts: make([]Host, 0, len(hosts)),
		index: make(map[string]int, len(hosts)),
	}
	for _, h := range hosts {
		name := strings.TrimSpace(h.Name)
		if name == "" {
			return nil, fmt.Errorf("catalog: empty host name")
		}
		if h.Slots < 0 {
			return nil, fmt.Errorf("catalog: host %s has negative slot count %d", name, h.Slots)
		}
		if _, dup := c.index[name]; dup {
			return nil, fmt.Errorf("catalog: host %s listed more than once", name)
		}
		c.index[name] = len(c.hosts)
		c.hosts = append(c.hosts, Host{Name: name, Slots: h.Slots})
	}
	return c, nil
}

// MustNew is New for tests and literals; it panics on error.
func MustNew(hosts ...Host) *Catalog {
	c, err := New(hosts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Hosts returns a copy of the entries in catalog order.
func (c *Catalog) Hosts() []Host {
	out := make([]Host, len(c.hosts))
	copy(out, c.hosts)
	return out
}

// Slots returns the slot count of host and whether the host is present.
func (c *Catalog) Slots(host string) (int, bool) {
	i, ok := c.index[host]
	if !ok {
		return 0, false
	}
	return c.hosts[i].Slots, true
}

func (c *Catalog) Len() int { return len(c.hosts) }

// TotalSlots sums the capacity of all hosts.
func (c *Catalog) TotalSlots() int {
	n := 0
	for _, h := range c.hosts {
		n += h.Slots
	}
	return n
}

var hostfileLine = regexp.MustCompile(`^(\S+)\s+slots=(\d+)$`)

// ParseHostfile reads a DeepSpeed-style hostfile:
//
//	worker-0 slots=4
//	worker-1 slots=2   # trailing comment
//
// Blank lines and '#' comments are ignored.
func ParseHostfile(r io.Reader) (*Catalog, error) {
	var hosts []Host
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := hostfileLine.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("hostfile line %d: expected \"<host> slots=<n>\", got %q", lineNo, line)
		}
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return nil, fmt.Errorf("hostfile line %d: %w", lineNo, err)
		}
		hosts = append(hosts, Host{Name: m[1], Slots: n})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read hostfile: %w", err)
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("no hosts found in hostfile")
	}
	return New(hosts...)
}

// LoadHostfile parses the hostfile at path ('~' is expanded).
func LoadHostfile(path string) (*Catalog, error) {
	p, err := fsutil.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open hostfile: %w", err)
	}
	defer f.Close()
	c, err := ParseHostfile(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return c, nil
}
