package backend

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// JobDB is the persisted mapping from target name to the job identifier
// the scheduler returned for it. It lets a new engine invocation re-attach
// to jobs submitted by a previous one.
type JobDB struct {
	path    string
	entries map[string]string
}

// LoadJobDB reads the job database at path. A missing file is an empty
// database, not an error.
func LoadJobDB(path string) (*JobDB, error) {
	db := &JobDB{path: path, entries: make(map[string]string)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return db, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read job database %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &db.entries); err != nil {
		return nil, fmt.Errorf("decode job database %s: %w", path, err)
	}
	return db, nil
}

// Get returns the job identifier tracked for a target name.
func (db *JobDB) Get(name string) (string, bool) {
	jobID, ok := db.entries[name]
	return jobID, ok
}

// Set records a job identifier for a target name.
func (db *JobDB) Set(name, jobID string) {
	db.entries[name] = jobID
}

// Delete drops a target's entry.
func (db *JobDB) Delete(name string) {
	delete(db.entries, name)
}

// Len reports the number of tracked targets.
func (db *JobDB) Len() int {
	return len(db.entries)
}

// Names returns the tracked target names in sorted order.
func (db *JobDB) Names() []string {
	names := make([]string, 0, len(db.entries))
	for name := range db.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Save writes the database atomically: the new content goes to a
// temporary path, is flushed and forced to stable storage, and is then
// renamed over the final path. A crash mid-write never corrupts the
// previously committed database.
func (db *JobDB) Save() error {
	if err := os.MkdirAll(filepath.Dir(db.path), 0o755); err != nil {
		return fmt.Errorf("create job database dir: %w", err)
	}

	data, err := json.Marshal(db.entries)
	if err != nil {
		return fmt.Errorf("encode job database: %w", err)
	}

	tmpPath := db.path + ".new"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmpPath, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, db.path); err != nil {
		return fmt.Errorf("rename %s: %w", tmpPath, err)
	}
	return nil
}
