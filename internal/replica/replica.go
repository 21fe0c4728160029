// Package replica drives one destination's replication worker: the
// WaitDbChanged/WaitSnapshot state machine that builds WAL segments from
// the shadow WAL, uploads them to an ObjectStore, and tracks its own
// uploaded-cursor so the database loop can safely garbage-collect shadow
// files behind it.
package replica

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/replited/replited/internal/metrics"
	"github.com/replited/replited/internal/objectstore"
	"github.com/replited/replited/internal/position"
	"github.com/replited/replited/internal/rerror"
	"github.com/replited/replited/internal/shadow"
	"github.com/replited/replited/internal/walfile"
	"github.com/replited/replited/pkg/log"
)

// EventKind discriminates the two things the database loop can push to a
// replica worker.
type EventKind int

const (
	// EventDbChanged carries the database's new shadow-end position.
	EventDbChanged EventKind = iota
	// EventSnapshotReady delivers compressed snapshot bytes the worker
	// itself requested via a Command.
	EventSnapshotReady
)

// Event is one message flowing from the database loop to a replica worker.
type Event struct {
	Kind     EventKind
	Position position.Position
	// Snapshot holds already-LZ4-compressed database bytes, set only for
	// EventSnapshotReady.
	Snapshot []byte
}

// Command is one message flowing from a replica worker back to the
// database loop: currently only a request to build and deliver a fresh
// snapshot for the worker's generation.
type Command struct {
	Replica string
}

// Worker owns one configured destination's replication state: its cursor,
// its state machine phase, and the ObjectStore it uploads to.
type Worker struct {
	Name    string
	DbPath  string
	MetaDir string
	Store   objectstore.ObjectStore
	Limiter *rate.Limiter
	Metrics *metrics.Metrics

	Events   chan Event
	Commands chan Command

	// mu guards cursor: the worker goroutine writes it, the database
	// loop's clean step reads it via Cursor.
	mu              sync.Mutex
	cursor          position.Position
	waitingSnapshot bool
	lastDbPos       position.Position
}

// New returns a Worker for one configured storage destination. Events is
// sized 1 so the database loop's DbChanged publication can coalesce
// (non-blocking send, drop-and-replace) instead of blocking on a busy
// worker; Commands is sized small since snapshot requests are rare.
func New(name, dbPath, metaDir string, store objectstore.ObjectStore, limiter *rate.Limiter) *Worker {
	return &Worker{
		Name:     name,
		DbPath:   dbPath,
		MetaDir:  metaDir,
		Store:    store,
		Limiter:  limiter,
		Events:   make(chan Event, 1),
		Commands: make(chan Command, 1),
	}
}

// Cursor returns the worker's current uploaded-cursor position, used by
// the database loop to decide how far back shadow files are safe to
// remove.
func (w *Worker) Cursor() position.Position {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor
}

func (w *Worker) setCursor(p position.Position) {
	w.mu.Lock()
	w.cursor = p
	w.mu.Unlock()
}

// Run drives the worker until ctx is cancelled. Every error encountered
// mid-cycle resets the in-memory cursor to zero so the next DbChanged
// reconciles against remote state instead of a possibly-stale local one.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-w.Events:
			if err := w.handle(ctx, ev); err != nil {
				log.Errorf("replica %s: %v", w.Name, err)
				w.setCursor(position.Position{})
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventSnapshotReady:
		return w.handleSnapshotReady(ctx, ev)
	case EventDbChanged:
		return w.handleDbChanged(ctx, ev.Position)
	default:
		return fmt.Errorf("replica %s: unknown event kind %d", w.Name, ev.Kind)
	}
}

func (w *Worker) handleDbChanged(ctx context.Context, dbPos position.Position) error {
	if dbPos.Offset == 0 {
		return nil
	}
	if w.waitingSnapshot {
		w.lastDbPos = dbPos
		return nil
	}

	if dbPos.Generation != w.cursor.Generation {
		w.lastDbPos = dbPos
		return w.reconcile(ctx, dbPos.Generation)
	}

	if err := w.syncFromCursor(ctx); err != nil {
		return err
	}
	if dbPos.Generation == w.cursor.Generation {
		w.Metrics.SetReplicaLag(w.Name, dbPos.Offset-w.cursor.Offset)
	}
	return nil
}

func (w *Worker) handleSnapshotReady(ctx context.Context, ev Event) error {
	key := walfile.RemoteSnapshotKey(w.DbPath, ev.Position.Generation, ev.Position.Index)
	if err := w.throttledWrite(ctx, key, ev.Snapshot); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	w.waitingSnapshot = false
	return w.handleDbChanged(ctx, w.lastDbPos)
}

// reconcile rebuilds the worker's cursor from remote state after a
// generation change: find the newest snapshot, then the newest segment
// past it, or request a snapshot if none exists yet.
func (w *Worker) reconcile(ctx context.Context, gen string) error {
	snapshotEntries, err := w.Store.List(ctx, walfile.RemoteSnapshotsPrefix(w.DbPath, gen)+"/")
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}

	if len(snapshotEntries) == 0 {
		select {
		case w.Commands <- Command{Replica: w.Name}:
		default:
		}
		w.waitingSnapshot = true
		return nil
	}

	var snapshotIndex uint32
	found := false
	for _, e := range snapshotEntries {
		idx, err := walfile.ParseSnapshotPath(e.Key)
		if err != nil {
			continue
		}
		if !found || idx > snapshotIndex {
			snapshotIndex = idx
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%s: no valid snapshot object", gen)
	}

	segEntries, err := w.Store.List(ctx, walfile.RemoteWalDir(w.DbPath, gen)+"/")
	if err != nil {
		return fmt.Errorf("list wal segments: %w", err)
	}

	type seg struct {
		index, offset uint32
		key           string
	}
	var segs []seg
	for _, e := range segEntries {
		idx, off, err := walfile.ParseSegmentPath(e.Key)
		if err != nil {
			continue
		}
		segs = append(segs, seg{index: idx, offset: off, key: e.Key})
	}

	if len(segs) == 0 {
		w.setCursor(position.Position{Generation: gen, Index: snapshotIndex, Offset: 0})
		return w.syncFromCursor(ctx)
	}

	sort.Slice(segs, func(i, j int) bool {
		if segs[i].index != segs[j].index {
			return segs[i].index < segs[j].index
		}
		return segs[i].offset < segs[j].offset
	})
	last := segs[len(segs)-1]

	compressed, err := w.Store.Read(ctx, last.key)
	if err != nil {
		return fmt.Errorf("read last segment %s: %w", last.key, err)
	}
	decompressed, err := objectstore.Decompress(compressed)
	if err != nil {
		return fmt.Errorf("decompress last segment %s: %w", last.key, err)
	}

	w.setCursor(position.Position{
		Generation: gen,
		Index:      last.index,
		Offset:     int64(last.offset) + int64(len(decompressed)),
	})
	return w.syncFromCursor(ctx)
}

// syncFromCursor streams every available byte from the worker's cursor
// through the shadow reader, uploading one compressed segment per shadow
// file it drains, and terminates cleanly (not as an error) when the
// reader reports UnexpectedEof: there is nothing new to ship this cycle.
func (w *Worker) syncFromCursor(ctx context.Context) error {
	for {
		cursor := w.Cursor()
		hdr, err := w.shadowHeaderAt(cursor.Generation, cursor.Index)
		if err != nil {
			return fmt.Errorf("read shadow header: %w", err)
		}

		reader, err := shadow.NewReader(w.MetaDir, cursor, hdr.PageSize)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("open shadow reader: %w", err)
		}

		startPos := reader.Position()
		data, err := io.ReadAll(reader)
		reader.Close()
		if err != nil {
			return fmt.Errorf("read shadow: %w", err)
		}
		if len(data) == 0 {
			return nil
		}

		if startPos.Index != cursor.Index {
			// Rolled to the next index: its header is authoritative for
			// the salts of every frame in this segment.
			if hdr, err = w.shadowHeaderAt(startPos.Generation, startPos.Index); err != nil {
				return fmt.Errorf("read shadow header: %w", err)
			}
		}
		if err := checkSegmentSalts(data, startPos.Offset == 0, hdr); err != nil {
			return fmt.Errorf("segment %s index %08x offset %d: %w", startPos.Generation, startPos.Index, startPos.Offset, err)
		}

		compressed, err := objectstore.Compress(data)
		if err != nil {
			return fmt.Errorf("compress segment: %w", err)
		}

		key := walfile.RemoteWalSegmentKey(w.DbPath, startPos.Generation, startPos.Index, uint32(startPos.Offset))
		if err := w.throttledWrite(ctx, key, compressed); err != nil {
			return fmt.Errorf("write segment %s: %w", key, err)
		}

		w.setCursor(position.Position{
			Generation: startPos.Generation,
			Index:      startPos.Index,
			Offset:     startPos.Offset + int64(len(data)),
		})
	}
}

// checkSegmentSalts verifies every frame in a to-be-uploaded segment still
// carries the salts of the shadow header it will be restored under. The
// frames were checksum-verified when the shadow writer appended them, so a
// mismatch here means the shadow file was corrupted after the fact.
func checkSegmentSalts(data []byte, startsAtZero bool, hdr *walfile.Header) error {
	off := 0
	if startsAtZero {
		off = walfile.HeaderSize
	}
	frameSize := int(walfile.FrameSize(hdr.PageSize))
	for ; off+frameSize <= len(data); off += frameSize {
		salt1 := binary.BigEndian.Uint32(data[off+8 : off+12])
		salt2 := binary.BigEndian.Uint32(data[off+12 : off+16])
		if salt1 != hdr.Salt1 || salt2 != hdr.Salt2 {
			return fmt.Errorf("%w: frame salts disagree with shadow header", rerror.ErrMismatchedWalHeader)
		}
	}
	return nil
}

func (w *Worker) throttledWrite(ctx context.Context, key string, data []byte) error {
	if w.Limiter != nil {
		if err := w.Limiter.WaitN(ctx, len(data)); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}
	if err := w.Store.Write(ctx, key, data); err != nil {
		return err
	}
	w.Metrics.ObserveUpload(w.Name, len(data))
	return nil
}

func (w *Worker) shadowHeaderAt(gen string, index uint32) (*walfile.Header, error) {
	f, err := os.Open(walfile.ShadowWalFile(w.MetaDir, gen, index))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return walfile.ReadHeader(f)
}

