package generation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeMinimalWal(t *testing.T, path string) {
	t.Helper()
	buf := make([]byte, 32)
	copy(buf[0:4], []byte{0x37, 0x7f, 0x06, 0x83})
	buf[8], buf[9], buf[10], buf[11] = 0, 0, 0x10, 0 // page size 4096
	s1, s2 := uint32(0), uint32(0)
	for i := 0; i+8 <= 24; i += 8 {
		n1 := be32(buf[i : i+4])
		n2 := be32(buf[i+4 : i+8])
		s1 += n1 + s2
		s2 += n2 + s1
	}
	buf[24] = byte(s1 >> 24)
	buf[25] = byte(s1 >> 16)
	buf[26] = byte(s1 >> 8)
	buf[27] = byte(s1)
	buf[28] = byte(s2 >> 24)
	buf[29] = byte(s2 >> 16)
	buf[30] = byte(s2 >> 8)
	buf[31] = byte(s2)
	require.NoError(t, os.WriteFile(path, buf, 0o644))
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func TestCreateThenCurrent(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "a.db")
	walPath := dbPath + "-wal"
	writeMinimalWal(t, walPath)

	m := New(dbPath)
	cur, err := m.Current()
	require.NoError(t, err)
	require.Empty(t, cur)

	gen, err := m.Create(walPath)
	require.NoError(t, err)
	require.Len(t, gen, 32)

	cur, err = m.Current()
	require.NoError(t, err)
	require.Equal(t, gen, cur)
}

func TestCreateTwiceRetiresOld(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "a.db")
	walPath := dbPath + "-wal"
	writeMinimalWal(t, walPath)

	m := New(dbPath)
	gen1, err := m.Create(walPath)
	require.NoError(t, err)
	gen2, err := m.Create(walPath)
	require.NoError(t, err)
	require.NotEqual(t, gen1, gen2)

	require.NoError(t, m.Clean(gen2))

	_, err = os.Stat(filepath.Join(m.MetaDir, "generations", gen1))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(m.MetaDir, "generations", gen2))
	require.NoError(t, err)
}
