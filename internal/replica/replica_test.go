package replica

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/replited/replited/internal/objectstore"
	"github.com/replited/replited/internal/position"
	"github.com/replited/replited/internal/walfile"
)

const pageSize = 4096

func putUint32(buf []byte, offset int, v uint32) {
	buf[offset] = byte(v >> 24)
	buf[offset+1] = byte(v >> 16)
	buf[offset+2] = byte(v >> 8)
	buf[offset+3] = byte(v)
}

func checksumBE(data []byte, s1, s2 uint32) (uint32, uint32) {
	for i := 0; i+8 <= len(data); i += 8 {
		n1 := uint32(data[i])<<24 | uint32(data[i+1])<<16 | uint32(data[i+2])<<8 | uint32(data[i+3])
		n2 := uint32(data[i+4])<<24 | uint32(data[i+5])<<16 | uint32(data[i+6])<<8 | uint32(data[i+7])
		s1 += n1 + s2
		s2 += n2 + s1
	}
	return s1, s2
}

func buildShadow(salt1, salt2 uint32, frames int) []byte {
	hdr := make([]byte, walfile.HeaderSize)
	copy(hdr[0:4], []byte{0x37, 0x7f, 0x06, 0x83})
	putUint32(hdr, 4, 3007000)
	putUint32(hdr, 8, pageSize)
	putUint32(hdr, 16, salt1)
	putUint32(hdr, 20, salt2)
	s1, s2 := checksumBE(hdr[0:24], 0, 0)
	putUint32(hdr, 24, s1)
	putUint32(hdr, 28, s2)

	wal := append([]byte{}, hdr...)
	ck1, ck2 := s1, s2
	for i := 0; i < frames; i++ {
		fh := make([]byte, walfile.FrameHeaderSize)
		putUint32(fh, 0, uint32(i+1))
		putUint32(fh, 4, uint32(i+1)) // commit frame
		putUint32(fh, 8, salt1)
		putUint32(fh, 12, salt2)
		page := make([]byte, pageSize)
		page[0] = byte(i + 1)
		ck1, ck2 = checksumBE(fh[0:8], ck1, ck2)
		ck1, ck2 = checksumBE(page, ck1, ck2)
		putUint32(fh, 16, ck1)
		putUint32(fh, 20, ck2)
		wal = append(wal, fh...)
		wal = append(wal, page...)
	}
	return wal
}

const testGen = "0190000000000000000000000000aaaa"

func newWorker(t *testing.T) (*Worker, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "a.db")
	metaDir := filepath.Join(dir, ".a.db-replited")
	store, err := objectstore.NewFsStore(filepath.Join(dir, "remote"))
	require.NoError(t, err)
	return New("fs:test", dbPath, metaDir, store, nil), metaDir
}

func writeShadowFile(t *testing.T, metaDir string, index uint32, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(walfile.ShadowWalDir(metaDir, testGen), 0o755))
	require.NoError(t, os.WriteFile(walfile.ShadowWalFile(metaDir, testGen, index), data, 0o644))
}

func TestSyncFromCursorUploadsWholeShadow(t *testing.T) {
	w, metaDir := newWorker(t)
	shadow := buildShadow(1, 2, 2)
	writeShadowFile(t, metaDir, 0, shadow)

	w.setCursor(position.Position{Generation: testGen, Index: 0, Offset: 0})
	require.NoError(t, w.syncFromCursor(context.Background()))

	key := walfile.RemoteWalSegmentKey(w.DbPath, testGen, 0, 0)
	compressed, err := w.Store.Read(context.Background(), key)
	require.NoError(t, err)
	decompressed, err := objectstore.Decompress(compressed)
	require.NoError(t, err)
	require.Equal(t, shadow, decompressed)

	require.Equal(t, int64(len(shadow)), w.Cursor().Offset)
}

func TestSyncFromCursorIdempotent(t *testing.T) {
	w, metaDir := newWorker(t)
	shadow := buildShadow(1, 2, 1)
	writeShadowFile(t, metaDir, 0, shadow)

	w.setCursor(position.Position{Generation: testGen, Index: 0, Offset: 0})
	require.NoError(t, w.syncFromCursor(context.Background()))
	require.NoError(t, w.syncFromCursor(context.Background()))

	entries, err := w.Store.List(context.Background(), walfile.RemoteWalDir(w.DbPath, testGen)+"/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestDbChangedZeroOffsetIsNoop(t *testing.T) {
	w, _ := newWorker(t)
	err := w.handleDbChanged(context.Background(), position.Position{Generation: testGen, Index: 0, Offset: 0})
	require.NoError(t, err)
	require.True(t, w.Cursor().IsZero())
}

func TestDbChangedNewGenerationRequestsSnapshot(t *testing.T) {
	w, metaDir := newWorker(t)
	shadow := buildShadow(1, 2, 1)
	writeShadowFile(t, metaDir, 0, shadow)

	pos := position.Position{Generation: testGen, Index: 0, Offset: int64(len(shadow))}
	require.NoError(t, w.handleDbChanged(context.Background(), pos))

	require.True(t, w.waitingSnapshot)
	select {
	case cmd := <-w.Commands:
		require.Equal(t, w.Name, cmd.Replica)
	default:
		t.Fatal("expected a snapshot request command")
	}
}

func TestSnapshotReadyWritesSnapshotThenSegments(t *testing.T) {
	w, metaDir := newWorker(t)
	shadow := buildShadow(1, 2, 2)
	writeShadowFile(t, metaDir, 0, shadow)

	pos := position.Position{Generation: testGen, Index: 0, Offset: int64(len(shadow))}
	require.NoError(t, w.handleDbChanged(context.Background(), pos))
	require.True(t, w.waitingSnapshot)
	<-w.Commands

	snapBytes, err := objectstore.Compress([]byte("db contents"))
	require.NoError(t, err)
	ev := Event{Kind: EventSnapshotReady, Position: pos, Snapshot: snapBytes}
	require.NoError(t, w.handleSnapshotReady(context.Background(), ev))

	require.False(t, w.waitingSnapshot)

	snapKey := walfile.RemoteSnapshotKey(w.DbPath, testGen, 0)
	_, err = w.Store.Read(context.Background(), snapKey)
	require.NoError(t, err)

	segKey := walfile.RemoteWalSegmentKey(w.DbPath, testGen, 0, 0)
	compressed, err := w.Store.Read(context.Background(), segKey)
	require.NoError(t, err)
	decompressed, err := objectstore.Decompress(compressed)
	require.NoError(t, err)
	require.Equal(t, shadow, decompressed)
}

func TestReconcileResumesFromLastSegment(t *testing.T) {
	w, metaDir := newWorker(t)
	shadow := buildShadow(1, 2, 2)
	writeShadowFile(t, metaDir, 0, shadow)
	ctx := context.Background()

	// Remote already holds a snapshot and the first frame's worth of WAL.
	snapBytes, err := objectstore.Compress([]byte("db contents"))
	require.NoError(t, err)
	require.NoError(t, w.Store.Write(ctx, walfile.RemoteSnapshotKey(w.DbPath, testGen, 0), snapBytes))

	firstLen := walfile.HeaderSize + int(walfile.FrameSize(pageSize))
	segBytes, err := objectstore.Compress(shadow[:firstLen])
	require.NoError(t, err)
	require.NoError(t, w.Store.Write(ctx, walfile.RemoteWalSegmentKey(w.DbPath, testGen, 0, 0), segBytes))

	require.NoError(t, w.reconcile(ctx, testGen))

	// The reconciled cursor picked up where the last segment ended, and
	// the remainder of the shadow was shipped as a second segment.
	require.Equal(t, int64(len(shadow)), w.Cursor().Offset)

	key := walfile.RemoteWalSegmentKey(w.DbPath, testGen, 0, uint32(firstLen))
	compressed, err := w.Store.Read(ctx, key)
	require.NoError(t, err)
	decompressed, err := objectstore.Decompress(compressed)
	require.NoError(t, err)
	require.Equal(t, shadow[firstLen:], decompressed)
}

func TestCheckSegmentSaltsRejectsForeignFrames(t *testing.T) {
	shadow := buildShadow(1, 2, 1)
	hdr := &walfile.Header{Salt1: 9, Salt2: 9, PageSize: pageSize}
	err := checkSegmentSalts(shadow, true, hdr)
	require.Error(t, err)

	match := &walfile.Header{Salt1: 1, Salt2: 2, PageSize: pageSize}
	require.NoError(t, checkSegmentSalts(shadow, true, match))
}
