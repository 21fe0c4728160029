// Package generation owns the meta-directory layout and the lifecycle of a
// generation: a lineage of WAL frames sharing one set of salts, named by a
// time-ordered 128-bit id rendered as 32 lowercase hex digits.
package generation

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/replited/replited/internal/shadow"
	"github.com/replited/replited/internal/walfile"
	"github.com/replited/replited/pkg/log"
)

// Manager owns one database's meta directory.
type Manager struct {
	MetaDir string
}

// New returns a Manager rooted at the meta directory for dbPath.
func New(dbPath string) *Manager {
	return &Manager{MetaDir: walfile.MetaDir(dbPath)}
}

// Current returns the current generation id, or "" if none exists or the
// pointer file is malformed (anything but exactly 32 characters after
// trimming whitespace; the characters themselves are not checked).
func (m *Manager) Current() (string, error) {
	data, err := os.ReadFile(walfile.GenerationPointerPath(m.MetaDir))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}

	gen := strings.TrimSpace(string(data))
	if len(gen) != 32 {
		return "", nil
	}
	return gen, nil
}

// newID mints a time-ordered generation id: a UUIDv7 rendered as 32
// lowercase hex digits, no dashes. Lexicographic comparison of these ids
// therefore agrees with creation order, which is what lets the restore
// planner pick "the largest generation id" to mean "the newest".
func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(id.String(), "-", ""), nil
}

// Create allocates a new generation: mints an id, creates its directory,
// initializes shadow index 0 from the live WAL, and only then swaps the
// generation pointer. The swap happens last so a crash mid-creation never
// leaves the pointer referencing an uninitialized directory.
func (m *Manager) Create(liveWalPath string) (string, error) {
	gen, err := newID()
	if err != nil {
		return "", err
	}

	walDir := walfile.ShadowWalDir(m.MetaDir, gen)
	if err := os.MkdirAll(walDir, 0o755); err != nil {
		return "", err
	}

	shadowPath := walfile.ShadowWalFile(m.MetaDir, gen, 0)
	if err := shadow.InitShadow(liveWalPath, shadowPath); err != nil {
		return "", err
	}
	if _, _, err := shadow.Sync(liveWalPath, shadowPath); err != nil {
		return "", err
	}

	if err := m.setPointer(gen); err != nil {
		return "", err
	}

	log.Infof("generation: created %s", gen)
	return gen, nil
}

// setPointer atomically replaces the generation pointer file: write to a
// temp file in the same directory, then rename over the target.
func (m *Manager) setPointer(gen string) error {
	if err := os.MkdirAll(m.MetaDir, 0o755); err != nil {
		return err
	}

	target := walfile.GenerationPointerPath(m.MetaDir)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(gen), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

// Clean removes every generation directory other than current.
func (m *Manager) Clean(current string) error {
	entries, err := os.ReadDir(walfile.GenerationsDir(m.MetaDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, e := range entries {
		if e.Name() == current {
			continue
		}
		dir := filepath.Join(walfile.GenerationsDir(m.MetaDir), e.Name())
		log.Infof("generation: removing retired generation %s", e.Name())
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
	}
	return nil
}
