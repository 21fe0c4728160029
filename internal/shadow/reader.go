package shadow

import (
	"fmt"
	"io"
	"os"

	"github.com/replited/replited/internal/position"
	"github.com/replited/replited/internal/rerror"
	"github.com/replited/replited/internal/walfile"
)

// Reader streams a shadow WAL file starting at a position, transparently
// rolling to the next index's file when the current one is exhausted.
type Reader struct {
	metaDir  string
	position position.Position
	file     *os.File
	left     int64
}

// NewReader opens a reader for the shadow WAL file at pos. If there is no
// data left at pos, it tries (index+1, offset=0); if neither has data, it
// returns an error wrapping io.ErrUnexpectedEOF.
func NewReader(metaDir string, pos position.Position, pageSize uint32) (*Reader, error) {
	r, err := newReaderAt(metaDir, pos, pageSize)
	if err != nil {
		return nil, err
	}
	if r.left > 0 {
		return r, nil
	}
	r.Close()

	next := position.Position{Generation: pos.Generation, Index: pos.Index + 1, Offset: 0}
	r2, err := newReaderAt(metaDir, next, pageSize)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no next shadow wal file", io.ErrUnexpectedEOF)
		}
		return nil, err
	}
	if r2.left == 0 {
		r2.Close()
		return nil, fmt.Errorf("%w: no data in next shadow wal file", io.ErrUnexpectedEOF)
	}
	return r2, nil
}

func newReaderAt(metaDir string, pos position.Position, pageSize uint32) (*Reader, error) {
	path := walfile.ShadowWalFile(metaDir, pos.Generation, pos.Index)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	size := walfile.AlignFrame(pageSize, info.Size())
	if pos.Offset > size {
		f.Close()
		return nil, fmt.Errorf("%w: offset %d > file size %d", rerror.ErrReaderOffsetTooBig, pos.Offset, size)
	}

	if _, err := f.Seek(pos.Offset, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}

	return &Reader{
		metaDir:  metaDir,
		position: pos,
		file:     f,
		left:     size - pos.Offset,
	}, nil
}

// Position returns the reader's current position.
func (r *Reader) Position() position.Position {
	return r.position
}

// Left returns the number of bytes remaining before the aligned EOF of the
// current shadow file.
func (r *Reader) Left() int64 {
	return r.left
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Read never crosses the aligned EOF boundary of the current shadow file;
// callers that want to continue into the next index must construct a new
// Reader.
func (r *Reader) Read(buf []byte) (int, error) {
	if r.left == 0 {
		return 0, io.EOF
	}
	n := int64(len(buf))
	if r.left < n {
		buf = buf[:r.left]
	}

	read, err := r.file.Read(buf)
	r.left -= int64(read)
	r.position.Offset += int64(read)
	return read, err
}
