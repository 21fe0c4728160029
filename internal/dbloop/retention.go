package dbloop

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/replited/replited/internal/walfile"
	"github.com/replited/replited/pkg/log"
)

// RetentionScheduler runs the daily generation-retention sweep for every
// configured database.
type RetentionScheduler struct {
	scheduler gocron.Scheduler
}

// NewRetentionScheduler creates and starts a scheduler. Call Shutdown to
// stop it.
func NewRetentionScheduler() (*RetentionScheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	s.Start()
	return &RetentionScheduler{scheduler: s}, nil
}

// Register schedules db's retention sweep to run once daily at 03:00. A
// RetentionDays of 0 registers nothing: the tick loop already removes
// retired generations eagerly in that case.
func (rs *RetentionScheduler) Register(db *Database) error {
	if db.RetentionDays <= 0 {
		return nil
	}

	_, err := rs.scheduler.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(3, 0, 0))),
		gocron.NewTask(func() {
			sweepRetiredGenerations(db)
		}),
	)
	return err
}

// Shutdown stops every registered job.
func (rs *RetentionScheduler) Shutdown() error {
	return rs.scheduler.Shutdown()
}

// sweepRetiredGenerations removes generation directories older than the
// database's retention window, skipping the current generation regardless
// of age. When retention_days is set the tick loop's clean step leaves
// retired generations alone (e.g. for manual forensic restore), so this
// sweep is the only thing that ever removes them.
func sweepRetiredGenerations(db *Database) {
	current, err := db.Gen.Current()
	if err != nil {
		log.Warnf("dbloop: retention: %s: read current generation: %v", db.Path, err)
		return
	}

	gensDir := walfile.GenerationsDir(db.MetaDir)
	entries, err := os.ReadDir(gensDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("dbloop: retention: %s: list generations: %v", db.Path, err)
		}
		return
	}

	cutoff := time.Now().AddDate(0, 0, -db.RetentionDays)
	for _, e := range entries {
		if e.Name() == current {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(gensDir, e.Name())
		log.Infof("dbloop: retention: removing generation %s past retention window", e.Name())
		if err := os.RemoveAll(dir); err != nil {
			log.Warnf("dbloop: retention: remove %s: %v", dir, err)
		}
	}
}
