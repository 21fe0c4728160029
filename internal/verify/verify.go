// Package verify decides whether the current shadow WAL still matches the
// live WAL SQLite is writing, and classifies the mismatch when it doesn't.
package verify

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/replited/replited/internal/walfile"
)

const maxIndex = 0x7FFFFFFF

// SyncInfo is the transient result of one verification pass.
type SyncInfo struct {
	Generation    string
	DbModTime     time.Time
	Index         uint32
	WalSize       int64
	ShadowWalFile string
	ShadowWalSize int64
	// Reason is non-empty when a new generation must be created.
	Reason string
	// Restart signals the live WAL header was rewritten (new salts) with
	// no loss of shadow continuity: finish the current index, then open
	// index+1.
	Restart bool
}

// Verify inspects the filesystem state for a database and returns a
// SyncInfo. currentGen is "" when no generation exists yet. knownIndex is
// the index the caller believes the current shadow is at.
func Verify(dbPath, metaDir, currentGen string, knownIndex uint32) (*SyncInfo, error) {
	if currentGen == "" {
		return &SyncInfo{Reason: "no generation exists"}, nil
	}

	info := &SyncInfo{Generation: currentGen, Index: knownIndex}

	dbStat, err := os.Stat(dbPath)
	if err != nil {
		return nil, fmt.Errorf("stat db: %w", err)
	}
	info.DbModTime = dbStat.ModTime()

	walPath := dbPath + "-wal"
	walFile, err := os.Open(walPath)
	if err != nil {
		return nil, fmt.Errorf("open live wal: %w", err)
	}
	defer walFile.Close()

	walInfo, err := walFile.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat live wal: %w", err)
	}

	shadowPath := walfile.ShadowWalFile(metaDir, currentGen, knownIndex)
	info.ShadowWalFile = shadowPath

	shadowFile, err := os.Open(shadowPath)
	if err != nil {
		if os.IsNotExist(err) {
			info.Reason = "no shadow wal"
			return info, nil
		}
		return nil, fmt.Errorf("open shadow wal: %w", err)
	}
	defer shadowFile.Close()

	shadowInfo, err := shadowFile.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat shadow wal: %w", err)
	}
	if shadowInfo.Size() < walfile.HeaderSize {
		info.Reason = "short shadow wal"
		return info, nil
	}

	shadowHeader, err := walfile.ReadHeader(shadowFile)
	if err != nil {
		return nil, fmt.Errorf("read shadow header: %w", err)
	}

	alignedShadowSize := walfile.AlignFrame(shadowHeader.PageSize, shadowInfo.Size())
	alignedWalSize := walfile.AlignFrame(shadowHeader.PageSize, walInfo.Size())
	info.WalSize = alignedWalSize
	info.ShadowWalSize = alignedShadowSize

	if alignedWalSize < alignedShadowSize {
		info.Reason = "wal truncated by another process"
		return info, nil
	}

	if knownIndex >= maxIndex {
		info.Reason = "max index exceeded"
		return info, nil
	}

	liveHeader, err := walfile.ReadHeader(walFile)
	if err != nil {
		return nil, fmt.Errorf("read live wal header: %w", err)
	}

	headersMatch := liveHeader.Salt1 == shadowHeader.Salt1 && liveHeader.Salt2 == shadowHeader.Salt2

	if alignedShadowSize == walfile.HeaderSize {
		// Shadow has only a header: nothing committed yet to compare
		// frame-for-frame, so a salt mismatch is unambiguous.
		if !headersMatch {
			info.Reason = "wal header only, mismatched"
		}
		return info, nil
	}

	if !headersMatch {
		info.Restart = true
		return info, nil
	}

	frameSize := walfile.FrameSize(shadowHeader.PageSize)
	lastFrameOffset := alignedShadowSize - frameSize

	shadowFrame := make([]byte, frameSize)
	if _, err := shadowFile.ReadAt(shadowFrame, lastFrameOffset); err != nil {
		return nil, fmt.Errorf("read last shadow frame: %w", err)
	}
	liveFrame := make([]byte, frameSize)
	if _, err := walFile.ReadAt(liveFrame, lastFrameOffset); err != nil {
		return nil, fmt.Errorf("read live wal at shadow offset: %w", err)
	}

	if !bytes.Equal(shadowFrame, liveFrame) {
		info.Reason = "wal overwritten by another process"
	}
	return info, nil
}
