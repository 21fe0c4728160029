package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleTOML = `
[log]
level = "info"
dir = "/var/log/replited"

[[database]]
db = "/data/a.db"

[[database.replicate]]
type = "fs"
root = "/backups/a"
`

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replited.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleTOML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "info", cfg.Log.Level)
	require.Len(t, cfg.Database, 1)
	require.Equal(t, "/data/a.db", cfg.Database[0].Db)
	require.Equal(t, int64(DefaultMinCheckpointPageNumber), cfg.Database[0].MinCheckpointPageNumber)
	require.Equal(t, int64(DefaultTruncatePageNumber), cfg.Database[0].TruncatePageNumber)
	require.Len(t, cfg.Database[0].Replicate, 1)
	require.Equal(t, "fs", cfg.Database[0].Replicate[0].Type)
}

func TestLoadRejectsMissingReplicate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replited.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[database]]
db = "/data/a.db"
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/replited.toml")
	require.Error(t, err)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("REPLITED_TEST_SECRET", "s3cr3t")
	out := expandEnv([]byte(`secret_access_key = "${REPLITED_TEST_SECRET}"`))
	require.Contains(t, string(out), "s3cr3t")
}

func TestMaskString(t *testing.T) {
	require.Equal(t, "******key", maskString("mysecretkey", 3))
	require.Equal(t, "ab", maskString("ab", 3))
}
