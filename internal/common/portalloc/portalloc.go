// Package portalloc reserves TCP ports for per-agent MCP servers.
//
// Ports come from a fixed range and are held in a process-wide reservation
// set so that concurrently spawning agents cannot pick the same port between
// the availability probe and the actual server bind.
package portalloc

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
)

const (
	// RangeStart is the first port considered for allocation.
	RangeStart = 8080
	// RangeEnd is one past the last port considered for allocation.
	RangeEnd = 9100

	// randomProbes is the number of random ports tried before falling back
	// to a sequential scan of the range.
	randomProbes = 50
)

// ErrNoFreePort is returned when no port in the range passes the probe.
var ErrNoFreePort = errors.New("portalloc: no free port in range")

// Allocator hands out ports from [RangeStart, RangeEnd) and tracks
// reservations for the lifetime of the process.
type Allocator struct {
	mu       sync.Mutex
	reserved map[int]bool
}

// New creates an empty Allocator.
func New() *Allocator {
	return &Allocator{reserved: make(map[int]bool)}
}

var defaultAllocator = New()

// Default returns the process-wide allocator shared by all MCP servers.
func Default() *Allocator {
	return defaultAllocator
}

// Acquire reserves a free port. If preferred is non-zero, in range, and not
// already reserved it is probed first. Otherwise up to 50 random ports are
// probed, then the range is scanned sequentially. The returned port stays
// reserved until Release is called.
func (a *Allocator) Acquire(preferred int) (int, error) {
	if preferred >= RangeStart && preferred < RangeEnd {
		if port, ok := a.tryReserve(preferred); ok {
			return port, nil
		}
	}

	for i := 0; i < randomProbes; i++ {
		candidate := RangeStart + rand.Intn(RangeEnd-RangeStart)
		if port, ok := a.tryReserve(candidate); ok {
			return port, nil
		}
	}

	for candidate := RangeStart; candidate < RangeEnd; candidate++ {
		if port, ok := a.tryReserve(candidate); ok {
			return port, nil
		}
	}

	return 0, ErrNoFreePort
}

// Release returns a port to the pool. It is idempotent and must be called
// whether or not the caller ended up binding the port; a missed Release
// leaks the reservation for the process lifetime.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	delete(a.reserved, port)
	a.mu.Unlock()
}

// Reserved reports whether the port is currently reserved.
func (a *Allocator) Reserved(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reserved[port]
}

// tryReserve marks the port reserved if it is unreserved and bindable.
func (a *Allocator) tryReserve(port int) (int, bool) {
	a.mu.Lock()
	if a.reserved[port] {
		a.mu.Unlock()
		return 0, false
	}
	// Reserve before probing so a concurrent Acquire skips this port while
	// the probe listener is open.
	a.reserved[port] = true
	a.mu.Unlock()

	if !probe(port) {
		a.Release(port)
		return 0, false
	}
	return port, true
}

// probe reports whether a fresh TCP listener binds on localhost:port.
func probe(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
