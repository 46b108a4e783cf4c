// Package netutil provides host port allocation for clone instances.
package netutil

import (
	"fmt"
	"net"
)

// ErrPortsExhausted is returned when no free port is found within the
// configured number of attempts.
type ErrPortsExhausted struct {
	Preferred int
	Attempts  int
}

func (e *ErrPortsExhausted) Error() string {
	return fmt.Sprintf("no free port in range %d-%d", e.Preferred, e.Preferred+e.Attempts-1)
}

// PortCandidates yields up to attempts candidate ports by linear probe
// upward from preferred, stopping at the port space ceiling. The retry
// policy lives here, separate from the bind I/O, so it is testable alone.
func PortCandidates(preferred, attempts int) []int {
	candidates := make([]int, 0, attempts)
	for i := 0; i < attempts; i++ {
		port := preferred + i
		if port > 65535 {
			break
		}
		candidates = append(candidates, port)
	}
	return candidates
}

// probe reports whether the port can currently be bound on all interfaces.
type probe func(port int) bool

func listenProbe(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// Allocator finds free host-facing ports.
type Allocator struct {
	probe probe
}

// NewAllocator creates a port allocator.
func NewAllocator() *Allocator {
	return &Allocator{probe: listenProbe}
}

// Allocate returns the first bindable port at or above preferred, probing at
// most attempts candidates. The probe-then-bind-later sequence is best
// effort: a concurrent taker can still win the port, which then surfaces as
// a container start failure rather than silent reuse.
func (a *Allocator) Allocate(preferred, attempts int) (int, error) {
	for _, port := range PortCandidates(preferred, attempts) {
		if a.probe(port) {
			return port, nil
		}
	}
	return 0, &ErrPortsExhausted{Preferred: preferred, Attempts: attempts}
}
