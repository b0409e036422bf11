// Package queue implements the durable envelope spool: a flat directory of
// JSON files whose names sort in creation order.
package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shineum/agent-hub/internal/envelope"
)

// timestampLayout is the sortable UTC prefix of queue filenames.
const timestampLayout = "20060102T150405"

// Dir is a filesystem-backed envelope queue. Writers never collide because
// filenames embed the envelope id; no locking is needed beyond what the
// filesystem guarantees for distinct file creation.
type Dir struct {
	path          string
	processedPath string
}

// New creates a Dir rooted at path, creating the spool directory if absent.
// Processed envelopes are relocated to processedPath.
func New(path, processedPath string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory %s: %w", path, err)
	}
	return &Dir{path: path, processedPath: processedPath}, nil
}

// Save writes the envelope as indented JSON to
// <YYYYMMDDTHHMMSSZ>_<id>.json. Safe to call concurrently from multiple
// sessions.
func (d *Dir) Save(env *envelope.Envelope) error {
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode envelope %s: %w", env.ID, err)
	}

	name := env.CreatedAt.UTC().Format(timestampLayout) + "Z_" + env.ID + ".json"
	path := filepath.Join(d.path, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write envelope file: %w", err)
	}
	return nil
}

// Next returns the oldest queued envelope and the path of its file, or an
// empty path when the queue is empty. The timestamp prefix makes the
// lexicographic filename order equal creation order. A file that cannot be
// decoded is returned with a nil envelope and an error so the caller can
// relocate it out of the way.
func (d *Dir) Next() (string, *envelope.Envelope, error) {
	names, err := d.list()
	if err != nil || len(names) == 0 {
		return "", nil, err
	}

	path := filepath.Join(d.path, names[0])
	raw, err := os.ReadFile(path)
	if err != nil {
		return path, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var env envelope.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return path, nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return path, &env, nil
}

// MarkProcessed relocates a queue file into the processed directory and
// returns its new path. The queue never deletes envelopes.
func (d *Dir) MarkProcessed(path string) (string, error) {
	if err := os.MkdirAll(d.processedPath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create processed directory: %w", err)
	}
	dest := filepath.Join(d.processedPath, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("failed to relocate %s: %w", path, err)
	}
	return dest, nil
}

// Depth reports the number of envelope files waiting in the queue.
func (d *Dir) Depth() (int, error) {
	names, err := d.list()
	return len(names), err
}

// Path returns the spool directory path.
func (d *Dir) Path() string {
	return d.path
}

func (d *Dir) list() ([]string, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
