// Package restore implements the restore planner: pick the newest viable
// generation, validate WAL segment continuity, and replay the chosen
// snapshot plus segments through SQLite's own checkpoint path. Using
// wal_checkpoint(TRUNCATE) as the replay engine guarantees exact semantic
// equivalence to the source database instead of re-implementing WAL
// replay by hand.
package restore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/replited/replited/internal/metrics"
	"github.com/replited/replited/internal/objectstore"
	"github.com/replited/replited/internal/rerror"
	"github.com/replited/replited/internal/walfile"
	"github.com/replited/replited/pkg/log"
)

// Source is one configured replica destination available to restore from.
type Source struct {
	Name  string
	Store objectstore.ObjectStore
}

// Options controls which generation and replica restore selects.
type Options struct {
	// DbPath is the original database's absolute path; only its
	// basename is used, to compute the remote key prefix.
	DbPath string
	// Output is the destination path for the restored database file.
	Output string
	// Generation restricts restore to a specific generation id; empty
	// means "pick the newest available, per source."
	Generation string
	// ReplicaName restricts restore to one named source; empty means
	// "try every source, preferring the newest generation."
	ReplicaName string
	// Overwrite permits clobbering an existing Output file.
	Overwrite bool
	// Metrics, if set, records restore duration and failure counts.
	Metrics *metrics.Metrics
}

type candidate struct {
	source     Source
	generation string
	snapIndex  uint32
	snapKey    string
}

// Restore runs the restore plan against the first candidate source that
// yields a valid, complete plan, trying the next candidate (by newest
// generation first) on any failure.
func Restore(ctx context.Context, sources []Source, opts Options) error {
	start := time.Now()

	if !opts.Overwrite {
		if _, err := os.Stat(opts.Output); err == nil {
			return fmt.Errorf("%w: %s", rerror.ErrOverwriteDb, opts.Output)
		}
	}

	candidates, err := collectCandidates(ctx, sources, opts)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return fmt.Errorf("%w: no generation with a snapshot found", rerror.ErrNoGeneration)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].generation > candidates[j].generation
	})

	var lastErr error
	for _, c := range candidates {
		if err := restoreFrom(ctx, c, opts); err != nil {
			log.Warnf("restore: source %s generation %s failed: %v", c.source.Name, c.generation, err)
			lastErr = err
			continue
		}
		log.Infof("restore: restored %s from %s generation %s", opts.Output, c.source.Name, c.generation)
		opts.Metrics.ObserveRestore(time.Since(start).Seconds())
		return nil
	}

	opts.Metrics.ObserveRestoreFailure()
	return fmt.Errorf("restore: no source produced a valid plan: %w", lastErr)
}

// collectCandidates finds, for every eligible source, the generation to
// restore (newest, or the one requested) and its highest-index snapshot.
func collectCandidates(ctx context.Context, sources []Source, opts Options) ([]candidate, error) {
	var out []candidate
	for _, src := range sources {
		if opts.ReplicaName != "" && src.Name != opts.ReplicaName {
			continue
		}

		gen := opts.Generation
		if gen == "" {
			found, err := newestGeneration(ctx, src, opts.DbPath)
			if err != nil {
				log.Warnf("restore: list generations on %s: %v", src.Name, err)
				continue
			}
			if found == "" {
				continue
			}
			gen = found
		}

		snapIndex, snapKey, err := highestSnapshot(ctx, src, opts.DbPath, gen)
		if err != nil {
			log.Warnf("restore: no snapshot for %s on %s: %v", gen, src.Name, err)
			continue
		}

		out = append(out, candidate{source: src, generation: gen, snapIndex: snapIndex, snapKey: snapKey})
	}
	return out, nil
}

func newestGeneration(ctx context.Context, src Source, dbPath string) (string, error) {
	prefix := filepath.ToSlash(filepath.Join(filepath.Base(dbPath), "generations")) + "/"
	entries, err := src.Store.List(ctx, prefix)
	if err != nil {
		return "", err
	}

	best := ""
	for _, e := range entries {
		rest := strings.TrimPrefix(e.Key, prefix)
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) == 0 || len(parts[0]) != 32 {
			continue
		}
		if parts[0] > best {
			best = parts[0]
		}
	}
	return best, nil
}

func highestSnapshot(ctx context.Context, src Source, dbPath, gen string) (uint32, string, error) {
	prefix := walfile.RemoteSnapshotsPrefix(dbPath, gen) + "/"
	entries, err := src.Store.List(ctx, prefix)
	if err != nil {
		return 0, "", err
	}

	best := uint32(0)
	bestKey := ""
	found := false
	for _, e := range entries {
		idx, err := walfile.ParseSnapshotPath(e.Key)
		if err != nil {
			continue
		}
		if !found || idx > best {
			best, bestKey, found = idx, e.Key, true
		}
	}
	if !found {
		return 0, "", fmt.Errorf("%w: generation %s", rerror.ErrNoSnapshot, gen)
	}
	return best, bestKey, nil
}

type segGroup struct {
	index uint32
	segs  []segEntry
}

type segEntry struct {
	offset uint32
	key    string
}

// planSegments lists and validates every WAL segment for (dbPath, gen),
// returning one ordered group per index. Any violation of the segment
// chain invariants is fatal for this candidate.
func planSegments(ctx context.Context, src Source, dbPath, gen string, snapIndex uint32) ([]segGroup, error) {
	prefix := walfile.RemoteWalDir(dbPath, gen) + "/"
	entries, err := src.Store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list wal segments: %w", err)
	}

	byIndex := map[uint32][]segEntry{}
	for _, e := range entries {
		idx, off, err := walfile.ParseSegmentPath(e.Key)
		if err != nil {
			continue
		}
		if idx < snapIndex {
			return nil, fmt.Errorf("%w: segment index %d below snapshot index %d", rerror.ErrInvalidWalSegment, idx, snapIndex)
		}
		byIndex[idx] = append(byIndex[idx], segEntry{offset: off, key: e.Key})
	}

	var indices []uint32
	for idx := range byIndex {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	var groups []segGroup
	for _, idx := range indices {
		segs := byIndex[idx]
		sort.Slice(segs, func(i, j int) bool { return segs[i].offset < segs[j].offset })

		if segs[0].offset != 0 {
			return nil, fmt.Errorf("%w: generation %s index %d: first segment does not start at offset 0", rerror.ErrInvalidWalSegment, gen, idx)
		}
		for i := 1; i < len(segs); i++ {
			if segs[i].offset <= segs[i-1].offset {
				return nil, fmt.Errorf("%w: generation %s index %d: offsets not strictly increasing", rerror.ErrInvalidWalSegment, gen, idx)
			}
		}

		groups = append(groups, segGroup{index: idx, segs: segs})
	}
	return groups, nil
}

// restoreFrom materializes one candidate: decompress its snapshot, then
// replay each index's WAL segments through SQLite's own checkpoint.
func restoreFrom(ctx context.Context, c candidate, opts Options) error {
	groups, err := planSegments(ctx, c.source.Store, opts.DbPath, c.generation, c.snapIndex)
	if err != nil {
		return err
	}

	tmpDb := opts.Output + ".tmp"
	tmpWal := tmpDb + "-wal"
	defer os.Remove(tmpWal)

	snapBytes, err := c.source.Store.Read(ctx, c.snapKey)
	if err != nil {
		return fmt.Errorf("read snapshot %s: %w", c.snapKey, err)
	}
	if err := objectstore.DecompressToFile(snapBytes, tmpDb); err != nil {
		return fmt.Errorf("decompress snapshot: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmpDb)
		}
	}()

	for _, g := range groups {
		if err = replayGroup(ctx, c.source.Store, tmpDb, tmpWal, g); err != nil {
			return fmt.Errorf("replay generation %s index %d: %w", c.generation, g.index, err)
		}
	}

	if err = os.Rename(tmpDb, opts.Output); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmpDb, opts.Output, err)
	}
	return nil
}

// replayGroup concatenates one index's segments in offset order (failing
// on any gap), writes them as the db's WAL sidecar file, then checkpoints
// them into the db file via SQLite itself.
func replayGroup(ctx context.Context, store objectstore.ObjectStore, dbPath, walPath string, g segGroup) error {
	var buf []byte
	expectedOffset := uint32(0)

	for _, seg := range g.segs {
		if seg.offset != expectedOffset {
			return fmt.Errorf("%w: missing initial wal segment, generation index %d offset %d", rerror.ErrInvalidWalSegment, g.index, expectedOffset)
		}

		compressed, err := store.Read(ctx, seg.key)
		if err != nil {
			return fmt.Errorf("read segment %s: %w", seg.key, err)
		}
		decompressed, err := objectstore.Decompress(compressed)
		if err != nil {
			return fmt.Errorf("decompress segment %s: %w", seg.key, err)
		}

		buf = append(buf, decompressed...)
		expectedOffset += uint32(len(decompressed))
	}

	if err := os.WriteFile(walPath, buf, 0o644); err != nil {
		return fmt.Errorf("write wal sidecar: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_journal_mode=WAL")
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal_checkpoint(TRUNCATE): %w", err)
	}
	return nil
}
