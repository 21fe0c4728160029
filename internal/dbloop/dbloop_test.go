package dbloop

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/replited/replited/internal/generation"
	"github.com/replited/replited/internal/position"
	"github.com/replited/replited/internal/replica"
	"github.com/replited/replited/internal/walfile"
)

func TestPublishCoalescesStalePositions(t *testing.T) {
	w := replica.New("fs:test", "/data/a.db", "/data/.a.db-replited", nil, nil)
	d := &Database{Replicas: []*replica.Worker{w}}

	first := position.Position{Generation: "g1", Index: 0, Offset: 32}
	second := position.Position{Generation: "g1", Index: 0, Offset: 4208}

	// Worker is busy: both publishes land without a consumer. The stale
	// position is dropped and replaced by the newer one.
	d.publish(first)
	d.publish(second)

	select {
	case ev := <-w.Events:
		require.Equal(t, replica.EventDbChanged, ev.Kind)
		require.Equal(t, second, ev.Position)
	default:
		t.Fatal("expected a coalesced event")
	}

	select {
	case <-w.Events:
		t.Fatal("expected exactly one pending event after coalescing")
	default:
	}
}

func TestSweepRetiredGenerations(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "a.db")
	gen := generation.New(dbPath)
	metaDir := gen.MetaDir

	current := "0190000000000000000000000000cccc"
	oldGen := "0190000000000000000000000000aaaa"
	recentGen := "0190000000000000000000000000bbbb"
	for _, g := range []string{current, oldGen, recentGen} {
		require.NoError(t, os.MkdirAll(walfile.GenerationDir(metaDir, g), 0o755))
	}
	require.NoError(t, os.WriteFile(walfile.GenerationPointerPath(metaDir), []byte(current), 0o644))

	// oldGen retired long before the window; recentGen retired within it.
	past := time.Now().AddDate(0, 0, -30)
	require.NoError(t, os.Chtimes(walfile.GenerationDir(metaDir, oldGen), past, past))

	d := &Database{Path: dbPath, MetaDir: metaDir, Gen: gen, RetentionDays: 7}
	sweepRetiredGenerations(d)

	_, err := os.Stat(walfile.GenerationDir(metaDir, oldGen))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(walfile.GenerationDir(metaDir, recentGen))
	require.NoError(t, err)
	_, err = os.Stat(walfile.GenerationDir(metaDir, current))
	require.NoError(t, err)
}
