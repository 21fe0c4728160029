package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const pageSize = 4096

func TestPolicyTruncateWins(t *testing.T) {
	p := DefaultPolicy()
	origWalSize := 32 + p.TruncatePages*(24+pageSize)
	mode := p.Decide(pageSize, origWalSize, 0, time.Now(), false, time.Now())
	require.Equal(t, ModeTruncate, mode)
}

func TestPolicyRestartBeforePassive(t *testing.T) {
	p := DefaultPolicy()
	newWalSize := 32 + p.MaxCheckpointPages*(24+pageSize)
	mode := p.Decide(pageSize, 0, newWalSize, time.Now(), false, time.Now())
	require.Equal(t, ModeRestart, mode)
}

func TestPolicyPassiveOnMinThreshold(t *testing.T) {
	p := DefaultPolicy()
	newWalSize := 32 + p.MinCheckpointPages*(24+pageSize)
	mode := p.Decide(pageSize, 0, newWalSize, time.Now(), false, time.Now())
	require.Equal(t, ModePassive, mode)
}

func TestPolicyTimeBased(t *testing.T) {
	p := DefaultPolicy()
	old := time.Now().Add(-2 * p.CheckpointInterval)
	mode := p.Decide(pageSize, 0, 0, old, true, time.Now())
	require.Equal(t, ModePassive, mode)
}

func TestPolicyNoneWhenBelowAllThresholds(t *testing.T) {
	p := DefaultPolicy()
	mode := p.Decide(pageSize, 0, 0, time.Now(), false, time.Now())
	require.Empty(t, mode)
}

func TestPolicyTimeBasedSkippedWithoutFrames(t *testing.T) {
	p := DefaultPolicy()
	old := time.Now().Add(-2 * p.CheckpointInterval)
	mode := p.Decide(pageSize, 0, 0, old, false, time.Now())
	require.Empty(t, mode)
}
