package supervisor

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Owner identifies one incarnation of a node. Its string form host:pid:boot-id
// is written to every row the node claims.
type Owner struct {
	Host   string
	PID    int
	BootID string
}

// NewOwner returns the identity of the current process. host overrides the
// hostname when set.
func NewOwner(host string) Owner {
	if host == "" {
		h, err := os.Hostname()
		if err != nil || h == "" {
			h = "unknown"
		}
		host = h
	}
	return Owner{Host: host, PID: os.Getpid(), BootID: uuid.NewString()}
}

func (o Owner) String() string {
	return fmt.Sprintf("%s:%d:%s", o.Host, o.PID, o.BootID)
}

// ParseOwner parses a host:pid:boot-id string. Host names may not contain ':'.
func ParseOwner(s string) (Owner, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Owner{}, fmt.Errorf("malformed owner %q", s)
	}
	pid, err := strconv.Atoi(parts[1])
	if err != nil {
		return Owner{}, fmt.Errorf("malformed owner pid %q: %w", s, err)
	}
	return Owner{Host: parts[0], PID: pid, BootID: parts[2]}, nil
}

// IsPreviousIncarnation reports whether other names this host under an
// earlier boot. Such owners are dead regardless of their heartbeat.
func (o Owner) IsPreviousIncarnation(other string) bool {
	p, err := ParseOwner(other)
	if err != nil {
		return false
	}
	return p.Host == o.Host && p.BootID != o.BootID
}
