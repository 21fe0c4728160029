package objectstore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("wal frame bytes "), 1024)

	compressed, err := Compress(data)
	require.NoError(t, err)
	require.Less(t, len(compressed), len(data))

	out, err := Decompress(compressed)
	require.NoError(t, err)
	require.Equal(t, data, out)
}

func TestCompressFileDecompressToFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.db")
	dst := filepath.Join(dir, "dst.db")
	data := bytes.Repeat([]byte{0xab, 0xcd}, 8192)
	require.NoError(t, os.WriteFile(src, data, 0o644))

	compressed, err := CompressFile(src)
	require.NoError(t, err)
	require.NoError(t, DecompressToFile(compressed, dst))

	out, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, data, out)
}

func TestDecompressRejectsGarbage(t *testing.T) {
	_, err := Decompress([]byte("not an lz4 frame"))
	require.Error(t, err)
}

func TestFsStoreWriteReadList(t *testing.T) {
	store, err := NewFsStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, "a.db/generations/g1/wal/00000000_00000000.wal.lz4", []byte("one")))
	require.NoError(t, store.Write(ctx, "a.db/generations/g1/wal/00000000_00000020.wal.lz4", []byte("two")))
	require.NoError(t, store.Write(ctx, "a.db/generations/g1/snapshots/00000000.snapshot.lz4", []byte("snap")))

	data, err := store.Read(ctx, "a.db/generations/g1/wal/00000000_00000020.wal.lz4")
	require.NoError(t, err)
	require.Equal(t, []byte("two"), data)

	entries, err := store.List(ctx, "a.db/generations/g1/wal/")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "a.db/generations/g1/wal/00000000_00000000.wal.lz4", entries[0].Key)
	require.Equal(t, "a.db/generations/g1/wal/00000000_00000020.wal.lz4", entries[1].Key)

	entries, err = store.List(ctx, "a.db/generations/g1/snapshots/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, int64(4), entries[0].Size)
}

func TestFsStoreListMissingPrefix(t *testing.T) {
	store, err := NewFsStore(t.TempDir())
	require.NoError(t, err)

	entries, err := store.List(context.Background(), "does/not/exist/")
	require.NoError(t, err)
	require.Empty(t, entries)
}
