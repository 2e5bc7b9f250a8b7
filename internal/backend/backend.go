// Package backend names the two storage backends a record store reads from
// or writes to, as selected by the state machine's routing tables.
package backend

// Backend identifies where a record store should route a write or read.
type Backend int

const (
	Database Backend = iota
	Memory
)

func (b Backend) String() string {
	if b == Memory {
		return "memory"
	}
	return "database"
}
