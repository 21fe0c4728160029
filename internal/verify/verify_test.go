package verify

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

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

func buildHeader(salt1, salt2 uint32) []byte {
	buf := make([]byte, walfile.HeaderSize)
	copy(buf[0:4], []byte{0x37, 0x7f, 0x06, 0x83})
	putUint32(buf, 4, 3007000)
	putUint32(buf, 8, pageSize)
	putUint32(buf, 16, salt1)
	putUint32(buf, 20, salt2)
	s1, s2 := checksumBE(buf[0:24], 0, 0)
	putUint32(buf, 24, s1)
	putUint32(buf, 28, s2)
	return buf
}

func appendFrame(wal []byte, pageNum, dbSize, salt1, salt2 uint32, ck1, ck2 *uint32, fill byte) []byte {
	hdr := make([]byte, walfile.FrameHeaderSize)
	putUint32(hdr, 0, pageNum)
	putUint32(hdr, 4, dbSize)
	putUint32(hdr, 8, salt1)
	putUint32(hdr, 12, salt2)

	page := make([]byte, pageSize)
	page[0] = fill

	s1, s2 := checksumBE(hdr[0:8], *ck1, *ck2)
	s1, s2 = checksumBE(page, s1, s2)
	putUint32(hdr, 16, s1)
	putUint32(hdr, 20, s2)
	*ck1, *ck2 = s1, s2

	wal = append(wal, hdr...)
	return append(wal, page...)
}

// fixture lays out a db file, a live WAL, and a shadow WAL for generation
// gen index 0, returning the paths verify.Verify wants.
type fixture struct {
	dbPath  string
	metaDir string
	gen     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dbPath:  filepath.Join(dir, "a.db"),
		metaDir: filepath.Join(dir, ".a.db-replited"),
		gen:     "0190000000000000000000000000aaaa",
	}
	require.NoError(t, os.WriteFile(f.dbPath, []byte("db"), 0o644))
	require.NoError(t, os.MkdirAll(walfile.ShadowWalDir(f.metaDir, f.gen), 0o755))
	return f
}

func (f *fixture) writeLiveWal(t *testing.T, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(f.dbPath+"-wal", data, 0o644))
}

func (f *fixture) writeShadow(t *testing.T, index uint32, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(walfile.ShadowWalFile(f.metaDir, f.gen, index), data, 0o644))
}

func TestVerifyNoGeneration(t *testing.T) {
	f := newFixture(t)
	info, err := Verify(f.dbPath, f.metaDir, "", 0)
	require.NoError(t, err)
	require.Equal(t, "no generation exists", info.Reason)
}

func TestVerifyNoShadowWal(t *testing.T) {
	f := newFixture(t)
	f.writeLiveWal(t, buildHeader(1, 2))

	info, err := Verify(f.dbPath, f.metaDir, f.gen, 5)
	require.NoError(t, err)
	require.Equal(t, "no shadow wal", info.Reason)
}

func TestVerifyShortShadowWal(t *testing.T) {
	f := newFixture(t)
	f.writeLiveWal(t, buildHeader(1, 2))
	f.writeShadow(t, 0, []byte{0x37, 0x7f})

	info, err := Verify(f.dbPath, f.metaDir, f.gen, 0)
	require.NoError(t, err)
	require.Equal(t, "short shadow wal", info.Reason)
}

func TestVerifyWalTruncated(t *testing.T) {
	f := newFixture(t)
	hdr := buildHeader(1, 2)
	ck1, ck2 := checksumBE(hdr[0:24], 0, 0)
	shadow := appendFrame(append([]byte{}, hdr...), 1, 1, 1, 2, &ck1, &ck2, 0xaa)

	f.writeShadow(t, 0, shadow)
	f.writeLiveWal(t, hdr) // live WAL shrank back to just a header

	info, err := Verify(f.dbPath, f.metaDir, f.gen, 0)
	require.NoError(t, err)
	require.Equal(t, "wal truncated by another process", info.Reason)
}

func TestVerifyMaxIndexExceeded(t *testing.T) {
	f := newFixture(t)
	hdr := buildHeader(1, 2)
	f.writeLiveWal(t, hdr)
	f.writeShadow(t, 0x7fffffff, hdr)

	info, err := Verify(f.dbPath, f.metaDir, f.gen, 0x7fffffff)
	require.NoError(t, err)
	require.Equal(t, "max index exceeded", info.Reason)
}

func TestVerifyHeaderOnlyMismatched(t *testing.T) {
	f := newFixture(t)
	f.writeShadow(t, 0, buildHeader(1, 2))
	f.writeLiveWal(t, buildHeader(3, 4))

	info, err := Verify(f.dbPath, f.metaDir, f.gen, 0)
	require.NoError(t, err)
	require.Equal(t, "wal header only, mismatched", info.Reason)
	require.False(t, info.Restart)
}

func TestVerifyRestartWhenShadowHasFrames(t *testing.T) {
	f := newFixture(t)
	hdr := buildHeader(1, 2)
	ck1, ck2 := checksumBE(hdr[0:24], 0, 0)
	shadow := appendFrame(append([]byte{}, hdr...), 1, 1, 1, 2, &ck1, &ck2, 0xaa)
	f.writeShadow(t, 0, shadow)

	// Live WAL has new salts but is at least as long as the shadow.
	newHdr := buildHeader(9, 10)
	nk1, nk2 := checksumBE(newHdr[0:24], 0, 0)
	live := appendFrame(append([]byte{}, newHdr...), 1, 1, 9, 10, &nk1, &nk2, 0xbb)
	f.writeLiveWal(t, live)

	info, err := Verify(f.dbPath, f.metaDir, f.gen, 0)
	require.NoError(t, err)
	require.Empty(t, info.Reason)
	require.True(t, info.Restart)
}

func TestVerifyWalOverwritten(t *testing.T) {
	f := newFixture(t)
	hdr := buildHeader(1, 2)
	ck1, ck2 := checksumBE(hdr[0:24], 0, 0)
	shadow := appendFrame(append([]byte{}, hdr...), 1, 1, 1, 2, &ck1, &ck2, 0xaa)
	f.writeShadow(t, 0, shadow)

	// Same header, but the frame at the shadow's last offset differs.
	lk1, lk2 := checksumBE(hdr[0:24], 0, 0)
	live := appendFrame(append([]byte{}, hdr...), 2, 1, 1, 2, &lk1, &lk2, 0xcc)
	f.writeLiveWal(t, live)

	info, err := Verify(f.dbPath, f.metaDir, f.gen, 0)
	require.NoError(t, err)
	require.Equal(t, "wal overwritten by another process", info.Reason)
}

func TestVerifyCleanMatch(t *testing.T) {
	f := newFixture(t)
	hdr := buildHeader(1, 2)
	ck1, ck2 := checksumBE(hdr[0:24], 0, 0)
	wal := appendFrame(append([]byte{}, hdr...), 1, 1, 1, 2, &ck1, &ck2, 0xaa)
	f.writeShadow(t, 0, wal)
	f.writeLiveWal(t, wal)

	info, err := Verify(f.dbPath, f.metaDir, f.gen, 0)
	require.NoError(t, err)
	require.Empty(t, info.Reason)
	require.False(t, info.Restart)
	require.Equal(t, int64(len(wal)), info.ShadowWalSize)
	require.Equal(t, int64(len(wal)), info.WalSize)
}
