package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"flotilla/internal/ensemble"
)

const (
	transitionsFile = "transitions.jsonl"
	snapshotFile    = "snapshot.json"
)

// Entry is one recorded state transition.
type Entry struct {
	At   time.Time      `json:"at"`
	Kind string         `json:"kind"`
	UID  string         `json:"uid"`
	From ensemble.State `json:"from"`
	To   ensemble.State `json:"to"`
}

// Journal owns the on-disk audit trail for a single run.
type Journal struct {
	dir  string
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// Open starts a fresh transition log under dir, creating the directory as
// needed. The path argument may be empty to disable journaling; every method
// is safe on the returned nil journal.
func Open(dir string) (*Journal, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}
	if err := os.MkdirAll(trimmed, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	path := filepath.Join(trimmed, transitionsFile)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("initialize transition log %s: %w", path, err)
	}
	return &Journal{
		dir:  trimmed,
		file: file,
		enc:  json.NewEncoder(file),
	}, nil
}

// Dir returns the directory backing the journal.
func (j *Journal) Dir() string {
	if j == nil {
		return ""
	}
	return j.dir
}

// LogPath returns the location of the transition log.
func (j *Journal) LogPath() string {
	if j == nil {
		return ""
	}
	return filepath.Join(j.dir, transitionsFile)
}

// SnapshotPath returns the location of the final record tree.
func (j *Journal) SnapshotPath() string {
	if j == nil {
		return ""
	}
	return filepath.Join(j.dir, snapshotFile)
}

// RecordTransition appends one line to the transition log. It satisfies the
// processor's recorder contract.
func (j *Journal) RecordTransition(kind, uid string, from, to ensemble.State) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.ensureWriter(); err != nil {
		return fmt.Errorf("open transition log: %w", err)
	}
	entry := Entry{At: time.Now().UTC(), Kind: kind, UID: uid, From: from, To: to}
	if err := j.enc.Encode(entry); err != nil {
		return fmt.Errorf("append transition for %s: %w", uid, err)
	}
	return nil
}

// WriteSnapshot replaces snapshot.json with the given record tree. The write
// goes through a temp file and rename so readers never observe a torn
// snapshot.
func (j *Journal) WriteSnapshot(records []ensemble.PipelineRecord) error {
	if j == nil {
		return nil
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	data = append(data, '\n')

	path := j.SnapshotPath()
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("publish snapshot %s: %w", path, err)
	}
	return nil
}

// Entries reads the transition log back in append order.
func (j *Journal) Entries() ([]Entry, error) {
	if j == nil {
		return nil, nil
	}
	file, err := os.Open(j.LogPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transition log: %w", err)
	}
	defer file.Close()

	var entries []Entry
	decoder := json.NewDecoder(file)
	for {
		var entry Entry
		if err := decoder.Decode(&entry); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return entries, fmt.Errorf("decode transition log: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Close releases the transition log handle.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	var err error
	if j.file != nil {
		err = j.file.Close()
	}
	j.file = nil
	j.enc = nil
	return err
}

func (j *Journal) ensureWriter() error {
	if j.file != nil && j.enc != nil {
		return nil
	}
	file, err := os.OpenFile(j.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	j.file = file
	j.enc = json.NewEncoder(file)
	return nil
}

// ReadSnapshot loads a previously written snapshot.json from dir.
func ReadSnapshot(dir string) ([]ensemble.PipelineRecord, error) {
	path := filepath.Join(dir, snapshotFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	var records []ensemble.PipelineRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return records, nil
}
