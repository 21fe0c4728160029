// Package checkpoint drives SQLite's own wal_checkpoint machinery: it holds
// the read lock that prevents background auto-checkpoints, issues
// PASSIVE/RESTART/TRUNCATE checkpoints under policy, and serializes those
// against snapshot reads of the database file.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"

	"github.com/replited/replited/internal/walfile"
	"github.com/replited/replited/pkg/log"
)

const (
	ModePassive  = "PASSIVE"
	ModeRestart  = "RESTART"
	ModeTruncate = "TRUNCATE"
)

var registerOnce sync.Once

func registerDriver() {
	registerOnce.Do(func() {
		sql.Register("sqlite3_replited_hooks", sqlhooks.Wrap(&sqlite3.SQLiteDriver{}, &hooks{}))
	})
}

// Policy holds the WAL-growth thresholds from the database's config entry.
type Policy struct {
	MinCheckpointPages int64
	MaxCheckpointPages int64
	TruncatePages      int64
	CheckpointInterval time.Duration
}

// DefaultPolicy returns the documented default thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MinCheckpointPages: 1000,
		MaxCheckpointPages: 10000,
		TruncatePages:      500000,
		CheckpointInterval: 60 * time.Second,
	}
}

// Decide returns the checkpoint mode to run this cycle, or "" for none.
// Thresholds are evaluated largest-first so a bigger WAL always wins a
// smaller threshold's weaker mode. A dbModTime in the future (clock skew)
// makes now.Sub negative, so the time-based branch naturally defers until
// the clock catches up.
func (p Policy) Decide(pageSize uint32, origWalSize, newWalSize int64, dbModTime time.Time, shadowHasFrame bool, now time.Time) string {
	if origWalSize >= walfile.CalcWalSize(pageSize, p.TruncatePages) {
		return ModeTruncate
	}
	if newWalSize >= walfile.CalcWalSize(pageSize, p.MaxCheckpointPages) {
		return ModeRestart
	}
	if newWalSize >= walfile.CalcWalSize(pageSize, p.MinCheckpointPages) {
		return ModePassive
	}
	if shadowHasFrame && now.Sub(dbModTime) > p.CheckpointInterval {
		return ModePassive
	}
	return ""
}

// Controller owns the two SQLite connections (write + held-read-lock) for
// one database and serializes checkpoints against snapshot reads.
type Controller struct {
	dbPath string

	write  *sqlx.DB
	read   *sql.Conn
	readTx *sql.Tx

	mu sync.Mutex
}

// Open opens the write connection, creates the internal bookkeeping
// tables, and acquires the long-lived read lock.
func Open(dbPath string) (*Controller, error) {
	registerDriver()

	write, err := sqlx.Open("sqlite3_replited_hooks", fmt.Sprintf("file:%s?_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open write connection: %w", err)
	}
	write.SetMaxOpenConns(2)

	for _, pragma := range []string{
		"PRAGMA busy_timeout=1000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA wal_autocheckpoint=0",
	} {
		if _, err := write.Exec(pragma); err != nil {
			write.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	for _, ddl := range []string{
		`CREATE TABLE IF NOT EXISTS _seq (id INTEGER PRIMARY KEY, seq INTEGER NOT NULL DEFAULT 0)`,
		`CREATE TABLE IF NOT EXISTS _lock (id INTEGER PRIMARY KEY)`,
		`INSERT OR IGNORE INTO _seq (id, seq) VALUES (1, 0)`,
	} {
		if _, err := write.Exec(ddl); err != nil {
			write.Close()
			return nil, fmt.Errorf("ddl %q: %w", ddl, err)
		}
	}

	c := &Controller{dbPath: dbPath, write: write}
	if err := c.acquireReadLock(); err != nil {
		write.Close()
		return nil, err
	}
	return c, nil
}

// Touch forces WAL creation by issuing a trivial write (upsert seq =
// seq + 1), used when the live WAL is missing or smaller than a header.
func (c *Controller) Touch() error {
	_, err := c.write.Exec(`UPDATE _seq SET seq = seq + 1 WHERE id = 1`)
	return err
}

// PageSize reads the database's page size.
func (c *Controller) PageSize() (uint32, error) {
	var pageSize uint32
	if err := c.write.Get(&pageSize, "PRAGMA page_size"); err != nil {
		return 0, err
	}
	return pageSize, nil
}

func (c *Controller) acquireReadLock() error {
	conn, err := c.write.Conn(context.Background())
	if err != nil {
		return fmt.Errorf("acquire read connection: %w", err)
	}

	tx, err := conn.BeginTx(context.Background(), nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("begin read lock tx: %w", err)
	}
	if _, err := tx.ExecContext(context.Background(), `SELECT COUNT(1) FROM _seq`); err != nil {
		tx.Rollback()
		conn.Close()
		return fmt.Errorf("acquire read lock: %w", err)
	}

	c.read = conn
	c.readTx = tx
	return nil
}

func (c *Controller) releaseReadLock() error {
	if c.readTx != nil {
		if err := c.readTx.Rollback(); err != nil && err != sql.ErrTxDone {
			return err
		}
		c.readTx = nil
	}
	if c.read != nil {
		if err := c.read.Close(); err != nil {
			return err
		}
		c.read = nil
	}
	return nil
}

// ExecCheckpoint releases the read lock, issues PRAGMA wal_checkpoint(mode)
// on the write connection, and unconditionally re-acquires the read lock,
// even if the checkpoint itself failed.
func (c *Controller) ExecCheckpoint(mode string) (err error) {
	if releaseErr := c.releaseReadLock(); releaseErr != nil {
		return fmt.Errorf("release read lock: %w", releaseErr)
	}

	defer func() {
		if reacquireErr := c.acquireReadLock(); reacquireErr != nil {
			if err == nil {
				err = reacquireErr
			} else {
				log.Errorf("checkpoint: failed to re-acquire read lock after %s: %v", mode, reacquireErr)
			}
		}
	}()

	_, err = c.write.Exec(fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode))
	if err != nil {
		return fmt.Errorf("wal_checkpoint(%s): %w", mode, err)
	}
	return nil
}

// Lock is held by the orchestrator around a checkpoint and by the replica
// snapshot path around reading the DB file, so the two never interleave.
func (c *Controller) Lock() {
	c.mu.Lock()
}

// TryLock attempts to acquire the snapshot/checkpoint mutex without
// blocking; checkpoints use this to opportunistically skip a cycle rather
// than stall behind an in-progress snapshot.
func (c *Controller) TryLock() bool {
	return c.mu.TryLock()
}

func (c *Controller) Unlock() {
	c.mu.Unlock()
}

// DB exposes the underlying write handle for components (the restore
// planner mirror, snapshot reader) that need direct SQLite access.
func (c *Controller) DB() *sqlx.DB {
	return c.write
}

// Close releases the read lock and closes the write connection.
func (c *Controller) Close() error {
	if err := c.releaseReadLock(); err != nil {
		log.Warnf("checkpoint: release read lock on close: %v", err)
	}
	return c.write.Close()
}
