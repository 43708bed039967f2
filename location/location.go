// Package location defines the (addr, port) identifier used throughout discoro
// to name a scheduler instance.
package location

import "fmt"

// Location identifies a scheduler instance on the network. It is immutable and
// comparable by value, so it can be used directly as a map key.
type Location struct {
	Addr string
	Port uint16
}

// New builds a Location from an address and a port.
func New(addr string, port uint16) Location {
	return Location{Addr: addr, Port: port}
}

// Zero reports whether loc is the zero Location.
func (loc Location) Zero() bool {
	return loc == Location{}
}

func (loc Location) String() string {
	return fmt.Sprintf("%s:%d", loc.Addr, loc.Port)
}
