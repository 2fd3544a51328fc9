package task

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// fingerprintExts lists the file extensions that affect task behavior.
var fingerprintExts = map[string]bool{
	".csv":  true,
	".tsv":  true,
	".txt":  true,
	".json": true,
	".yaml": true,
	".yml":  true,
}

// Fingerprint computes a content digest over every file in the task
// directory that affects task behavior. The digest is deterministic for a
// fixed file set and changes when any contributing byte changes. An
// unreadable file degrades to a "name:error" entry so the detector still
// produces a fingerprint under partial I/O failure; the worst case is an
// unnecessary re-run, never silent staleness.
func Fingerprint(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read task directory %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if fingerprintExts[strings.ToLower(filepath.Ext(entry.Name()))] {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			lines = append(lines, name+":error")
			continue
		}
		sum := sha256.Sum256(data)
		lines = append(lines, name+":"+hex.EncodeToString(sum[:]))
	}

	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:]), nil
}
