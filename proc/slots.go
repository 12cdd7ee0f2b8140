package proc

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/disgoorg/snowflake/v2"
)

// Slot names one of the two on-disk artifacts a session may own.
type Slot int

const (
	SlotCurrent Slot = iota
	SlotNext
)

func (s Slot) String() string {
	switch s {
	case SlotCurrent:
		return "current"
	case SlotNext:
		return "next"
	default:
		return fmt.Sprintf("slot(%d)", int(s))
	}
}

// Preferred artifact extensions, best first.
var audioExtensions = []string{".opus", ".webm", ".ogg", ".m4a", ".mp3", ".flac", ".wav"}

// Files the fetch tool leaves behind while it is still writing.
var partialSuffixes = []string{".part", ".ytdl", ".temp", ".tmp"}

// SlotManager maps (session, slot) to a file base inside the cache directory.
// The fetch tool picks the extension, so a slot is a base path plus whatever
// extension the artifact ends up with.
type SlotManager struct {
	dir string
}

func NewSlotManager(dir string) *SlotManager {
	return &SlotManager{dir: dir}
}

// Path returns the canonical base for a slot, without extension.
func (m *SlotManager) Path(key snowflake.ID, slot Slot) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s_%s", key, slot))
}

// Write prepares a slot for a fresh fetch by removing any previous occupant
// and returns the base the fetch should write to.
func (m *SlotManager) Write(key snowflake.ID, slot Slot) (string, error) {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return "", err
	}
	if err := m.Delete(key, slot); err != nil {
		return "", err
	}
	return m.Path(key, slot), nil
}

// resolve returns the artifact currently occupying the slot.
func (m *SlotManager) resolve(key snowflake.ID, slot Slot) (string, bool) {
	return findArtifact(m.Path(key, slot))
}

// Delete removes every file belonging to the slot, partial files included.
// Missing files are not an error.
func (m *SlotManager) Delete(key snowflake.ID, slot Slot) error {
	return removeBase(m.Path(key, slot))
}

// Promote moves the next-slot artifact into the current slot so the playing
// file always lives at one well-known base. It returns the new path.
func (m *SlotManager) Promote(key snowflake.ID, from string) (string, error) {
	if from == "" {
		return "", os.ErrNotExist
	}
	if err := m.Delete(key, SlotCurrent); err != nil {
		return "", err
	}
	to := m.Path(key, SlotCurrent) + filepath.Ext(from)
	if err := os.Rename(from, to); err != nil {
		return "", err
	}
	return to, nil
}

// Purge empties the cache directory. Called once on startup.
func (m *SlotManager) Purge() error {
	if err := os.RemoveAll(m.dir); err != nil {
		return err
	}
	return os.MkdirAll(m.dir, 0755)
}

// SessionFiles lists every file currently owned by a session.
func (m *SlotManager) SessionFiles(key snowflake.ID) []string {
	matches, _ := filepath.Glob(filepath.Join(globEscape(m.dir), key.String()+"_*"))
	return matches
}

func isPartial(name string) bool {
	for _, s := range partialSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// findArtifact picks the finished file for base, preferring audioExtensions
// order and falling back to any other complete file.
func findArtifact(base string) (string, bool) {
	matches, err := filepath.Glob(globEscape(base) + ".*")
	if err != nil || len(matches) == 0 {
		return "", false
	}

	var complete []string
	for _, p := range matches {
		if isPartial(p) {
			continue
		}
		if info, err := os.Stat(p); err != nil || info.IsDir() {
			continue
		}
		complete = append(complete, p)
	}

	for _, ext := range audioExtensions {
		for _, p := range complete {
			if strings.EqualFold(filepath.Ext(p), ext) {
				return p, true
			}
		}
	}
	if len(complete) > 0 {
		return complete[0], true
	}
	return "", false
}

func removeBase(base string) error {
	matches, err := filepath.Glob(globEscape(base) + ".*")
	if err != nil {
		return err
	}
	matches = append(matches, base)

	var errs []error
	for _, p := range matches {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func globEscape(p string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`)
	return r.Replace(p)
}

func fileExists(p string) bool {
	if p == "" {
		return false
	}
	_, err := os.Stat(p)
	return err == nil
}
