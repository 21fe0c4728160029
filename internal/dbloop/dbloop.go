// Package dbloop implements the per-database orchestrator: a ticker-driven
// cycle of verify → (rotate?) → shadow-sync → checkpoint → clean, which
// then publishes the new shadow-end position to every configured replica
// worker. It also answers replica-originated snapshot requests.
package dbloop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/replited/replited/internal/checkpoint"
	"github.com/replited/replited/internal/generation"
	"github.com/replited/replited/internal/metrics"
	"github.com/replited/replited/internal/objectstore"
	"github.com/replited/replited/internal/position"
	"github.com/replited/replited/internal/replica"
	"github.com/replited/replited/internal/rerror"
	"github.com/replited/replited/internal/shadow"
	"github.com/replited/replited/internal/verify"
	"github.com/replited/replited/internal/walfile"
	"github.com/replited/replited/pkg/log"
)

// DefaultTickInterval is the monitor interval when none is configured.
const DefaultTickInterval = time.Second

// Database owns one configured database's orchestration: its meta
// directory, checkpoint controller, generation manager, checkpoint policy,
// and the set of replica workers shipping its WAL.
type Database struct {
	Path     string
	MetaDir  string
	Policy   checkpoint.Policy
	Ckpt     *checkpoint.Controller
	Gen      *generation.Manager
	Replicas []*replica.Worker
	Metrics  *metrics.Metrics

	// RetentionDays > 0 keeps retired generation directories around for
	// that many days: the tick loop leaves them alone and the daily
	// retention sweep removes the ones past the window. 0 removes every
	// retired generation eagerly on the next tick.
	RetentionDays int

	TickInterval time.Duration

	mu         sync.RWMutex
	position   position.Position
	knownIndex uint32
	indexInit  bool
}

// Position returns the database's current shadow-end position. It is read
// when tagging a snapshot for a requesting replica; the only writer is the
// orchestrator tick.
func (d *Database) Position() position.Position {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.position
}

func (d *Database) setPosition(p position.Position) {
	d.mu.Lock()
	d.position = p
	d.mu.Unlock()
}

// Run starts every replica worker and drives the tick loop until ctx is
// cancelled. Replica workers are cancelled as part of ctx's fan-out;
// shutdown order beyond cancellation is the caller's responsibility.
func (d *Database) Run(ctx context.Context) error {
	interval := d.TickInterval
	if interval <= 0 {
		interval = DefaultTickInterval
	}

	var wg sync.WaitGroup
	commands := make(chan replica.Command, len(d.Replicas)+1)

	for _, r := range d.Replicas {
		wg.Add(2)
		go func(r *replica.Worker) {
			defer wg.Done()
			if err := r.Run(ctx); err != nil {
				log.Errorf("dbloop: replica %s: %v", r.Name, err)
			}
		}(r)
		go func(r *replica.Worker) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case cmd, ok := <-r.Commands:
					if !ok {
						return
					}
					select {
					case commands <- cmd:
					case <-ctx.Done():
						return
					}
				}
			}
		}(r)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-ticker.C:
			if err := d.tick(ctx); err != nil {
				log.Errorf("dbloop: %s: tick failed: %v", d.Path, err)
			}
		case cmd := <-commands:
			if err := d.handleSnapshotRequest(ctx, cmd); err != nil {
				log.Errorf("dbloop: %s: snapshot request for %s failed: %v", d.Path, cmd.Replica, err)
			}
		}
	}
}

func (d *Database) walPath() string {
	return d.Path + "-wal"
}

// tick runs one full orchestration cycle.
func (d *Database) tick(ctx context.Context) error {
	changed := false
	walPath := d.walPath()

	// 1. Ensure WAL exists.
	if info, err := os.Stat(walPath); err != nil || info.Size() < walfile.HeaderSize {
		if !os.IsNotExist(err) && err != nil {
			return fmt.Errorf("stat live wal: %w", err)
		}
		if err := d.Ckpt.Touch(); err != nil {
			return fmt.Errorf("touch db to force wal creation: %w", err)
		}
		changed = true
	}

	currentGen, err := d.Gen.Current()
	if err != nil {
		return fmt.Errorf("read current generation: %w", err)
	}

	// Recover the shadow index after a process restart: earlier indices
	// may already have been cleaned away, so index 0 is not a safe
	// assumption for an existing generation.
	if !d.indexInit {
		if currentGen != "" {
			d.knownIndex = maxShadowIndex(d.MetaDir, currentGen)
		}
		d.indexInit = true
	}

	// 2. Verify.
	info, err := verify.Verify(d.Path, d.MetaDir, currentGen, d.knownIndex)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	gen := info.Generation
	index := info.Index

	// 3. Rotate to a new generation if verify found a reason to.
	if info.Reason != "" {
		log.Infof("dbloop: %s: new generation (%s)", d.Path, info.Reason)
		gen, err = d.Gen.Create(walPath)
		if err != nil {
			return fmt.Errorf("create generation: %w", err)
		}
		index = 0
		changed = true
	}

	// 4. Shadow-sync, rotating the shadow index if the live header
	// changed underneath us (either a foreign rewrite verify flagged via
	// Restart, or simply detected fresh here).
	var preShadowSize int64
	if st, statErr := os.Stat(walfile.ShadowWalFile(d.MetaDir, gen, index)); statErr == nil {
		preShadowSize = st.Size()
	}
	origWalSize, newShadowSize, newIndex, rotated, err := d.syncAndRotate(walPath, gen, index)
	if err != nil {
		return fmt.Errorf("sync shadow: %w", err)
	}
	if rotated || newShadowSize > preShadowSize {
		changed = true
	}
	index = newIndex

	// 5. Checkpoint policy.
	pageSize, err := d.Ckpt.PageSize()
	if err != nil {
		return fmt.Errorf("read page size: %w", err)
	}
	d.Metrics.ObserveShadowSync(preShadowSize, newShadowSize, walfile.FrameSize(pageSize))

	mode := d.Policy.Decide(pageSize, origWalSize, newShadowSize, info.DbModTime, newShadowSize > walfile.HeaderSize, time.Now())
	if mode != "" {
		if d.Ckpt.TryLock() {
			err := d.Ckpt.ExecCheckpoint(mode)
			d.Ckpt.Unlock()
			if err != nil {
				log.Warnf("dbloop: %s: checkpoint(%s) failed: %v", d.Path, mode, err)
			} else {
				d.Metrics.ObserveCheckpoint(filepath.Base(d.Path), mode)
				changed = true
				_, _, postIndex, postRotated, err := d.syncAndRotate(walPath, gen, index)
				if err != nil {
					return fmt.Errorf("post-checkpoint sync: %w", err)
				}
				if postRotated {
					changed = true
				}
				index = postIndex
			}
		}
	}

	d.knownIndex = index

	// 6. Clean.
	if err := d.clean(gen, index); err != nil {
		log.Warnf("dbloop: %s: clean failed: %v", d.Path, err)
	}

	// 7. Publish.
	if changed {
		shadowPath := walfile.ShadowWalFile(d.MetaDir, gen, index)
		sizeInfo, err := os.Stat(shadowPath)
		if err != nil {
			return fmt.Errorf("stat shadow for publish: %w", err)
		}
		pos := position.Position{Generation: gen, Index: index, Offset: walfile.AlignFrame(pageSize, sizeInfo.Size())}
		d.setPosition(pos)
		d.publish(pos)
	}

	return nil
}

// syncAndRotate appends newly committed frames to the shadow file at
// (gen, index), then checks whether the live WAL header now disagrees
// with the shadow's lineage (new salts, from either a foreign rewrite or
// our own just-executed checkpoint). If so, it opens the next-index
// shadow from the new header and syncs into it. The tail copy into the
// old index must happen first: SQLite may still retain valid frames
// between the checkpoint and the new header.
func (d *Database) syncAndRotate(walPath, gen string, index uint32) (origWalSize, newShadowSize int64, newIndex uint32, rotated bool, err error) {
	shadowPath := walfile.ShadowWalFile(d.MetaDir, gen, index)

	origWalSize, newShadowSize, err = shadow.Sync(walPath, shadowPath)
	if err != nil {
		return 0, 0, index, false, err
	}

	liveHdr, err := readHeader(walPath)
	if err != nil {
		return 0, 0, index, false, err
	}
	shadowHdr, err := readHeader(shadowPath)
	if err != nil {
		return 0, 0, index, false, err
	}

	if liveHdr.Salt1 == shadowHdr.Salt1 && liveHdr.Salt2 == shadowHdr.Salt2 {
		return origWalSize, newShadowSize, index, false, nil
	}

	if index >= 0x7FFFFFFF {
		return 0, 0, index, false, fmt.Errorf("%w: cannot rotate past index %08x", rerror.ErrExceedMaxWalIndex, index)
	}
	nextIndex := index + 1
	nextPath := walfile.ShadowWalFile(d.MetaDir, gen, nextIndex)
	if err := shadow.InitShadow(walPath, nextPath); err != nil {
		return 0, 0, index, false, err
	}
	if _, _, err := shadow.Sync(walPath, nextPath); err != nil {
		return 0, 0, index, false, err
	}

	return origWalSize, newShadowSize, nextIndex, true, nil
}

// maxShadowIndex returns the highest shadow index present for gen, or 0
// if the directory is missing or empty.
func maxShadowIndex(metaDir, gen string) uint32 {
	entries, err := os.ReadDir(walfile.ShadowWalDir(metaDir, gen))
	if err != nil {
		return 0
	}
	var best uint32
	for _, e := range entries {
		idx, err := walfile.ParseWalPath(e.Name())
		if err != nil {
			continue
		}
		if idx > best {
			best = idx
		}
	}
	return best
}

func readHeader(path string) (*walfile.Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return walfile.ReadHeader(f)
}

// clean retires every generation other than current and removes shadow
// files at least two indices behind the slowest replica's cursor, keeping
// a one-file look-back as a safety margin. With a retention window
// configured, retired generations are left for the daily sweep instead.
func (d *Database) clean(gen string, currentIndex uint32) error {
	if d.RetentionDays <= 0 {
		if err := d.Gen.Clean(gen); err != nil {
			return fmt.Errorf("clean generations: %w", err)
		}
	}

	if len(d.Replicas) == 0 {
		return nil
	}

	minIndex := uint32(0)
	first := true
	for _, r := range d.Replicas {
		c := r.Cursor()
		idx := uint32(0)
		if c.Generation == gen {
			idx = c.Index
		}
		if first || idx < minIndex {
			minIndex = idx
			first = false
		}
	}

	if minIndex < 2 {
		return nil
	}

	for idx := uint32(0); idx < minIndex-1; idx++ {
		path := walfile.ShadowWalFile(d.MetaDir, gen, idx)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale shadow %s: %w", path, err)
		}
	}
	return nil
}

// publish sends pos to every replica worker's Events channel, coalescing
// with any not-yet-consumed DbChanged event already sitting there: stale
// positions may be dropped as long as the most recent one is delivered.
func (d *Database) publish(pos position.Position) {
	for _, r := range d.Replicas {
		ev := replica.Event{Kind: replica.EventDbChanged, Position: pos}
		select {
		case r.Events <- ev:
			continue
		default:
		}
		select {
		case <-r.Events:
		default:
		}
		select {
		case r.Events <- ev:
		default:
		}
	}
}

// handleSnapshotRequest answers a replica's request for a fresh snapshot:
// a passive checkpoint under the snapshot/checkpoint mutex, then a
// compressed copy of the database file, delivered back to the requesting
// worker only.
func (d *Database) handleSnapshotRequest(ctx context.Context, cmd replica.Command) error {
	d.Ckpt.Lock()
	defer d.Ckpt.Unlock()

	if err := d.Ckpt.ExecCheckpoint(checkpoint.ModePassive); err != nil {
		log.Warnf("dbloop: %s: passive checkpoint before snapshot failed: %v", d.Path, err)
	}

	compressed, err := objectstore.CompressFile(d.Path)
	if err != nil {
		return fmt.Errorf("compress db file: %w", err)
	}

	pos := d.Position()
	ev := replica.Event{Kind: replica.EventSnapshotReady, Position: pos, Snapshot: compressed}

	for _, r := range d.Replicas {
		if r.Name != cmd.Replica {
			continue
		}
		select {
		case r.Events <- ev:
		case <-ctx.Done():
		}
		return nil
	}

	return fmt.Errorf("no such replica %q", cmd.Replica)
}
