package shadow

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/replited/replited/internal/position"
	"github.com/stretchr/testify/require"
)

const pageSize = 4096

func writeUint32(buf []byte, offset int, v uint32) {
	buf[offset] = byte(v >> 24)
	buf[offset+1] = byte(v >> 16)
	buf[offset+2] = byte(v >> 8)
	buf[offset+3] = byte(v)
}

func buildWalHeader(salt1, salt2 uint32) []byte {
	buf := make([]byte, 32)
	copy(buf[0:4], []byte{0x37, 0x7f, 0x06, 0x83})
	writeUint32(buf, 4, 3007000)
	writeUint32(buf, 8, pageSize)
	writeUint32(buf, 12, 0)
	writeUint32(buf, 16, salt1)
	writeUint32(buf, 20, salt2)
	s1, s2 := checksumBE(buf[0:24], 0, 0)
	writeUint32(buf, 24, s1)
	writeUint32(buf, 28, s2)
	return buf
}

func checksumBE(data []byte, s1, s2 uint32) (uint32, uint32) {
	for i := 0; i+8 <= len(data); i += 8 {
		n1 := be32(data[i : i+4])
		n2 := be32(data[i+4 : i+8])
		s1 += n1 + s2
		s2 += n2 + s1
	}
	return s1, s2
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func appendFrame(t *testing.T, wal []byte, pageNum, dbSize uint32, salt1, salt2 uint32, ck1, ck2 *uint32, page []byte) []byte {
	t.Helper()
	hdr := make([]byte, 24)
	writeUint32(hdr, 0, pageNum)
	writeUint32(hdr, 4, dbSize)
	writeUint32(hdr, 8, salt1)
	writeUint32(hdr, 12, salt2)

	s1, s2 := checksumBE(hdr[0:8], *ck1, *ck2)
	s1, s2 = checksumBE(page, s1, s2)
	writeUint32(hdr, 16, s1)
	writeUint32(hdr, 20, s2)
	*ck1, *ck2 = s1, s2

	wal = append(wal, hdr...)
	wal = append(wal, page...)
	return wal
}

func TestSyncAppendsCommittedFramesOnly(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "db.db-wal")
	shadowPath := filepath.Join(dir, "00000000.wal")

	salt1, salt2 := uint32(111), uint32(222)
	header := buildWalHeader(salt1, salt2)

	ck1, ck2 := be32(header[24:28]), be32(header[28:32])
	page := make([]byte, pageSize)
	page[0] = 1
	wal := append([]byte{}, header...)
	wal = appendFrame(t, wal, 1, 1, salt1, salt2, &ck1, &ck2, page) // commit frame

	// partial frame: correct header/checksum up to page, then truncate the page bytes.
	partialCk1, partialCk2 := ck1, ck2
	partialPage := make([]byte, pageSize)
	partialPage[0] = 2
	full := appendFrame(t, nil, 2, 0, salt1, salt2, &partialCk1, &partialCk2, partialPage)
	wal = append(wal, full[:30]...) // short: header + partial page only

	require.NoError(t, os.WriteFile(walPath, wal, 0o644))
	require.NoError(t, InitShadow(walPath, shadowPath))

	origWalSize, newShadowSize, err := Sync(walPath, shadowPath)
	require.NoError(t, err)
	require.Equal(t, int64(32+24+pageSize), origWalSize)
	require.Equal(t, int64(32+24+pageSize), newShadowSize)

	info, err := os.Stat(shadowPath)
	require.NoError(t, err)
	require.Equal(t, newShadowSize, info.Size())
}

func TestSyncIdempotent(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "db.db-wal")
	shadowPath := filepath.Join(dir, "00000000.wal")

	salt1, salt2 := uint32(1), uint32(2)
	header := buildWalHeader(salt1, salt2)
	ck1, ck2 := be32(header[24:28]), be32(header[28:32])
	page := make([]byte, pageSize)
	wal := append([]byte{}, header...)
	wal = appendFrame(t, wal, 1, 1, salt1, salt2, &ck1, &ck2, page)

	require.NoError(t, os.WriteFile(walPath, wal, 0o644))
	require.NoError(t, InitShadow(walPath, shadowPath))

	_, size1, err := Sync(walPath, shadowPath)
	require.NoError(t, err)
	_, size2, err := Sync(walPath, shadowPath)
	require.NoError(t, err)
	require.Equal(t, size1, size2)
}

func TestReaderRollsToNextIndex(t *testing.T) {
	dir := t.TempDir()
	generation := "gen1"
	walDir := filepath.Join(dir, "generations", generation, "wal")
	require.NoError(t, os.MkdirAll(walDir, 0o755))

	header := buildWalHeader(1, 2)
	require.NoError(t, os.WriteFile(filepath.Join(walDir, "00000000.wal"), header, 0o644))

	header1 := buildWalHeader(3, 4)
	ck1, ck2 := be32(header1[24:28]), be32(header1[28:32])
	page := make([]byte, pageSize)
	wal1 := append([]byte{}, header1...)
	wal1 = appendFrame(t, wal1, 1, 1, 3, 4, &ck1, &ck2, page)
	require.NoError(t, os.WriteFile(filepath.Join(walDir, "00000001.wal"), wal1, 0o644))

	pos := position.Position{Generation: generation, Index: 0, Offset: 32}
	r, err := NewReader(dir, pos, pageSize)
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, uint32(1), r.Position().Index)
	require.Equal(t, int64(0), r.Position().Offset)

	buf := make([]byte, len(wal1))
	n, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	require.Equal(t, len(wal1), n)
}
