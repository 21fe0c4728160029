package walfile

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/replited/replited/internal/rerror"
)

const (
	walExt      = ".wal"
	segmentExt  = ".wal.lz4"
	snapshotExt = ".snapshot.lz4"
)

var (
	walRe      = regexp.MustCompile(`^([0-9a-f]{8})\.wal$`)
	segmentRe  = regexp.MustCompile(`^([0-9a-f]{8})_([0-9a-f]{8})\.wal\.lz4$`)
	snapshotRe = regexp.MustCompile(`^([0-9a-f]{8})\.snapshot\.lz4$`)
)

// FormatWalPath returns the shadow WAL filename for index.
func FormatWalPath(index uint32) string {
	return fmt.Sprintf("%08x%s", index, walExt)
}

// ParseWalPath extracts the index from a shadow WAL filename.
func ParseWalPath(path string) (uint32, error) {
	base := filepath.Base(path)
	m := walRe.FindStringSubmatch(base)
	if m == nil {
		return 0, fmt.Errorf("%w: invalid wal path %q", rerror.ErrBadShadow, path)
	}
	return parseHexIndex(m[1])
}

// FormatSegmentPath returns the remote object name for a WAL segment.
func FormatSegmentPath(index, offset uint32) string {
	return fmt.Sprintf("%08x_%08x%s", index, offset, segmentExt)
}

// ParseSegmentPath extracts (index, offset) from a WAL segment object name.
func ParseSegmentPath(path string) (index, offset uint32, err error) {
	base := filepath.Base(path)
	m := segmentRe.FindStringSubmatch(base)
	if m == nil {
		return 0, 0, fmt.Errorf("%w: invalid wal segment path %q", rerror.ErrInvalidWalSegment, path)
	}
	if index, err = parseHexIndex(m[1]); err != nil {
		return 0, 0, err
	}
	if offset, err = parseHexIndex(m[2]); err != nil {
		return 0, 0, err
	}
	return index, offset, nil
}

// FormatSnapshotPath returns the remote object name for a snapshot.
func FormatSnapshotPath(index uint32) string {
	return fmt.Sprintf("%08x%s", index, snapshotExt)
}

// ParseSnapshotPath extracts the index from a snapshot object name.
func ParseSnapshotPath(path string) (uint32, error) {
	base := filepath.Base(path)
	m := snapshotRe.FindStringSubmatch(base)
	if m == nil {
		return 0, fmt.Errorf("%w: invalid snapshot path %q", rerror.ErrNoSnapshot, path)
	}
	return parseHexIndex(m[1])
}

func parseHexIndex(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", rerror.ErrBadShadow, err)
	}
	return uint32(n), nil
}

// MetaDir returns the meta-directory path for a database file: a sibling
// directory named ".<dbname>-replited".
func MetaDir(dbPath string) string {
	dir := filepath.Dir(dbPath)
	name := filepath.Base(dbPath)
	return filepath.Join(dir, "."+name+"-replited")
}

// GenerationPointerPath is the file holding the current generation id.
func GenerationPointerPath(metaDir string) string {
	return filepath.Join(metaDir, "generation")
}

// GenerationsDir is the directory holding every generation subdirectory.
func GenerationsDir(metaDir string) string {
	return filepath.Join(metaDir, "generations")
}

// GenerationDir is the directory for one specific generation.
func GenerationDir(metaDir, generation string) string {
	return filepath.Join(GenerationsDir(metaDir), generation)
}

// ShadowWalDir is the directory holding a generation's shadow WAL files.
func ShadowWalDir(metaDir, generation string) string {
	return filepath.Join(GenerationDir(metaDir, generation), "wal")
}

// ShadowWalFile is the path of one shadow WAL index file.
func ShadowWalFile(metaDir, generation string, index uint32) string {
	return filepath.Join(ShadowWalDir(metaDir, generation), FormatWalPath(index))
}

// RemoteGenerationPrefix is the remote key prefix holding one generation's
// objects under a replica root: "<dbBasename>/generations/<gen>".
func RemoteGenerationPrefix(dbPath, generation string) string {
	return filepath.ToSlash(filepath.Join(filepath.Base(dbPath), "generations", generation))
}

// RemoteSnapshotsPrefix is the remote prefix holding a generation's snapshots.
func RemoteSnapshotsPrefix(dbPath, generation string) string {
	return filepath.ToSlash(filepath.Join(RemoteGenerationPrefix(dbPath, generation), "snapshots"))
}

// RemoteSnapshotKey is the remote key of one snapshot object.
func RemoteSnapshotKey(dbPath, generation string, index uint32) string {
	return filepath.ToSlash(filepath.Join(RemoteSnapshotsPrefix(dbPath, generation), FormatSnapshotPath(index)))
}

// RemoteWalDir is the remote prefix holding a generation's WAL segments.
func RemoteWalDir(dbPath, generation string) string {
	return filepath.ToSlash(filepath.Join(RemoteGenerationPrefix(dbPath, generation), "wal"))
}

// RemoteWalSegmentKey is the remote key of one WAL segment object.
func RemoteWalSegmentKey(dbPath, generation string, index, offset uint32) string {
	return filepath.ToSlash(filepath.Join(RemoteWalDir(dbPath, generation), FormatSegmentPath(index, offset)))
}
