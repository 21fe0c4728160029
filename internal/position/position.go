// Package position defines the (generation, index, offset) triple that
// identifies a frame-aligned point in the replication stream, shared by the
// database loop, replica workers, the shadow reader, and the restore
// planner.
package position

import "fmt"

// Position identifies a frame-aligned point in a generation's shadow WAL.
type Position struct {
	Generation string
	Index      uint32
	Offset     int64
}

// IsZero reports whether p names no position at all (no generation yet).
func (p Position) IsZero() bool {
	return p.Generation == ""
}

func (p Position) String() string {
	return fmt.Sprintf("%s/%08x@%d", p.Generation, p.Index, p.Offset)
}
