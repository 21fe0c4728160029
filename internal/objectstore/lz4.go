package objectstore

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/pierrec/lz4/v4"
)

// Compress LZ4-frames data. Used for both WAL segments and snapshots so
// every caller shares this one wiring of pierrec/lz4 instead of re-deriving
// its own.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 compress: close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return out, nil
}

// CompressFile LZ4-frames the contents of a local file (used for
// snapshots, which are captured as a DB file path rather than an in-memory
// buffer).
func CompressFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := io.Copy(w, f); err != nil {
		return nil, fmt.Errorf("lz4 compress %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 compress %s: close: %w", path, err)
	}
	return buf.Bytes(), nil
}

// DecompressToFile reverses CompressFile, streaming the decompressed bytes
// to a local file at path instead of buffering them in memory (snapshots
// can be database-sized).
func DecompressToFile(data []byte, path string) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer out.Close()

	r := lz4.NewReader(bytes.NewReader(data))
	if _, err := io.Copy(out, r); err != nil {
		return fmt.Errorf("lz4 decompress to %s: %w", path, err)
	}
	return out.Sync()
}
