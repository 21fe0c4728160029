// Package rerror defines the error taxonomy shared by every replited
// component: config, local storage, remote storage, SQLite, and the
// replication protocol itself. Callers use errors.Is/errors.As instead of
// switching on string messages.
package rerror

import "errors"

// Config errors: invalid TOML, missing required fields, invalid paths.
var (
	ErrConfigInvalid  = errors.New("invalid configuration")
	ErrConfigNotFound = errors.New("configuration file not found")
)

// SQLite errors: the WAL-codec subkinds.
var (
	ErrInvalidWalHeader    = errors.New("invalid wal header")
	ErrMismatchedWalHeader = errors.New("mismatched wal header")
)

// Protocol errors: violations of the replication invariants.
var (
	ErrExceedMaxWalIndex  = errors.New("max index exceeded")
	ErrNoGeneration       = errors.New("no generation")
	ErrNoSnapshot         = errors.New("no snapshot")
	ErrInvalidWalSegment  = errors.New("invalid wal segment")
	ErrReaderOffsetTooBig = errors.New("wal reader offset too high")
	ErrBadShadow          = errors.New("bad shadow wal")
	ErrOverwriteDb        = errors.New("cannot overwrite existing db")
)
