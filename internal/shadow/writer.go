// Package shadow implements the shadow WAL: a local, monotonically
// appended, immutable copy of the frames SQLite has validated into its own
// (cyclic) WAL file. It is the mechanism that lets the rest of the
// replicator treat "the WAL" as an append-only stream even though SQLite
// itself rewrites it in place on every checkpoint.
package shadow

import (
	"fmt"
	"io"
	"os"

	"github.com/replited/replited/internal/rerror"
	"github.com/replited/replited/internal/walfile"
	"github.com/replited/replited/pkg/log"
)

// InitShadow creates a brand-new shadow file at shadowPath by copying the
// live WAL's header. It is used once per generation (index 0) and once per
// checkpoint-induced rotation (the next index).
func InitShadow(liveWalPath, shadowPath string) error {
	live, err := os.Open(liveWalPath)
	if err != nil {
		return fmt.Errorf("open live wal: %w", err)
	}
	defer live.Close()

	hdr, err := walfile.ReadHeader(live)
	if err != nil {
		return fmt.Errorf("read live wal header: %w", err)
	}

	f, err := os.OpenFile(shadowPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create shadow wal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(hdr.Data[:]); err != nil {
		return fmt.Errorf("write shadow header: %w", err)
	}
	return f.Sync()
}

// Sync appends every frame from liveWalPath that belongs to the current
// generation and has not yet been shadowed, stopping at the first frame
// whose salts or rolling checksum disagree with the shadow's lineage. It
// returns the live WAL's size aligned down to whole frames and the shadow's
// new size.
func Sync(liveWalPath, shadowPath string) (origWalSize, newShadowSize int64, err error) {
	shadowInfo, err := os.Stat(shadowPath)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: stat shadow: %v", rerror.ErrBadShadow, err)
	}

	shadowFile, err := os.OpenFile(shadowPath, os.O_RDWR, 0o644)
	if err != nil {
		return 0, 0, fmt.Errorf("open shadow: %w", err)
	}
	defer shadowFile.Close()

	hdrBuf := make([]byte, walfile.HeaderSize)
	if _, err := io.ReadFull(shadowFile, hdrBuf); err != nil {
		return 0, 0, fmt.Errorf("%w: read shadow header: %v", rerror.ErrBadShadow, err)
	}
	var hdrArr [walfile.HeaderSize]byte
	copy(hdrArr[:], hdrBuf)
	hdr, err := decodeHeader(hdrArr)
	if err != nil {
		return 0, 0, err
	}

	origShadowSize := walfile.AlignFrame(hdr.PageSize, shadowInfo.Size())

	ck1, ck2, err := walfile.ReadLastChecksum(shadowFile, origShadowSize, hdr.PageSize)
	if err != nil {
		return 0, 0, err
	}

	liveFile, err := os.Open(liveWalPath)
	if err != nil {
		return 0, 0, fmt.Errorf("open live wal: %w", err)
	}
	defer liveFile.Close()

	liveInfo, err := liveFile.Stat()
	if err != nil {
		return 0, 0, fmt.Errorf("stat live wal: %w", err)
	}
	origWalSize = walfile.AlignFrame(hdr.PageSize, liveInfo.Size())

	if origWalSize < origShadowSize {
		return 0, 0, fmt.Errorf("%w: live wal shorter than shadow", rerror.ErrBadShadow)
	}

	if _, err := liveFile.Seek(origShadowSize, io.SeekStart); err != nil {
		return 0, 0, fmt.Errorf("seek live wal: %w", err)
	}

	var scratch []byte
	lastCommitSize := origShadowSize

	frameSize := walfile.FrameSize(hdr.PageSize)
	offset := origShadowSize
	for offset < origWalSize {
		frame, ferr := walfile.ReadFrame(liveFile, hdr.PageSize)
		if ferr == io.EOF || ferr == io.ErrUnexpectedEOF {
			break
		}
		if ferr != nil {
			return 0, 0, fmt.Errorf("read live frame: %w", ferr)
		}

		if frame.Salt1 != hdr.Salt1 || frame.Salt2 != hdr.Salt2 {
			log.Debugf("shadow: wal rotated (salts mismatch) at offset %d", offset)
			break
		}

		ck1, ck2 = walfile.Checksum(frame.Header[0:8], ck1, ck2, hdr.BigEndian)
		ck1, ck2 = walfile.Checksum(frame.Page, ck1, ck2, hdr.BigEndian)
		if ck1 != frame.Checksum1 || ck2 != frame.Checksum2 {
			log.Debugf("shadow: checksum mismatch at offset %d (partial write or foreign writer)", offset)
			break
		}

		scratch = append(scratch, frame.Header[:]...)
		scratch = append(scratch, frame.Page...)
		offset += frameSize

		if frame.IsCommit() {
			lastCommitSize = offset
		}
	}

	appendLen := lastCommitSize - origShadowSize
	if appendLen <= 0 {
		return origWalSize, shadowInfo.Size(), nil
	}
	// scratch holds every streamed frame including any trailing partial
	// transaction; only the committed prefix is durable.
	committed := scratch[:appendLen]

	if _, err := shadowFile.Seek(0, io.SeekEnd); err != nil {
		return 0, 0, fmt.Errorf("seek shadow end: %w", err)
	}
	if _, err := shadowFile.Write(committed); err != nil {
		return 0, 0, fmt.Errorf("append shadow: %w", err)
	}
	if err := shadowFile.Sync(); err != nil {
		return 0, 0, fmt.Errorf("fsync shadow: %w", err)
	}

	return origWalSize, origShadowSize + appendLen, nil
}

// decodedHeader is the subset of walfile.Header fields Sync needs without
// re-validating the header checksum every call (the header was already
// validated when the shadow was initialized).
type decodedHeader struct {
	Salt1     uint32
	Salt2     uint32
	PageSize  uint32
	BigEndian bool
}

func decodeHeader(buf [walfile.HeaderSize]byte) (*decodedHeader, error) {
	h, err := walfile.ParseHeaderUnchecked(buf)
	if err != nil {
		return nil, err
	}
	return &decodedHeader{Salt1: h.Salt1, Salt2: h.Salt2, PageSize: h.PageSize, BigEndian: h.BigEndian}, nil
}
