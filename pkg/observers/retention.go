package observers

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Suffixes of the per-session files written under the artifacts directory.
const (
	TimelineSuffix = ".timeline.jsonl"
	CostSuffix     = ".cost.json"
	AudioSuffix    = ".wav"
)

var artifactSuffixes = []string{TimelineSuffix, CostSuffix, AudioSuffix}

func isSessionArtifact(name string) bool {
	for _, suffix := range artifactSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// PurgeArtifacts removes session artifacts in dir whose last write is older
// than maxAge. Other files are left alone. Returns the removed count.
func PurgeArtifacts(dir string, maxAge time.Duration) (int, error) {
	if dir == "" || maxAge <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	var removed int
	var errs error
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() || !isSessionArtifact(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		removed++
	}
	return removed, errs
}
