package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Journal records real payout attempts so that a message is never paid twice.
type Journal interface {
	Seen(key string) bool
	Record(entry Entry) error
	Snapshot() Snapshot
}

// Entry is one journal line. Status is "pending" before submission and the
// final payout status afterwards.
type Entry struct {
	Key         string    `json:"key"`
	Status      string    `json:"status"`
	Target      string    `json:"target,omitempty"`
	QuantityWei string    `json:"quantity_wei,omitempty"`
	TxHash      string    `json:"tx_hash,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

type Snapshot struct {
	Recorded int
}

type MemoryJournal struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: make(map[string]Entry)}
}

func (m *MemoryJournal) Seen(key string) bool {
	if key == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.entries[key]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryJournal) Record(entry Entry) error {
	if entry.Key == "" {
		return nil
	}

	m.mu.Lock()
	m.entries[entry.Key] = entry
	m.mu.Unlock()
	return nil
}

// Lookup returns the latest entry for key.
func (m *MemoryJournal) Lookup(key string) (Entry, bool) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	return entry, ok
}

func (m *MemoryJournal) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.entries)
	m.mu.RUnlock()
	return Snapshot{Recorded: count}
}

// FileJournal appends every entry to a JSONL file and syncs it before
// returning, so a pending entry is durable before the transfer is broadcast.
type FileJournal struct {
	*MemoryJournal
	path    string
	file    *os.File
	writer  *bufio.Writer
	writeMu sync.Mutex
}

func NewFileJournal(dir string) (*FileJournal, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("journal directory is empty")
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	journal := &FileJournal{
		MemoryJournal: NewMemoryJournal(),
		path:          filepath.Join(dir, "payouts.jsonl"),
	}

	if err := journal.load(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(journal.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal for append: %w", err)
	}
	journal.file = file
	journal.writer = bufio.NewWriter(file)

	return journal, nil
}

// Path returns the location of the JSONL file.
func (f *FileJournal) Path() string {
	return f.path
}

func (f *FileJournal) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(text, &entry); err != nil {
			return fmt.Errorf("parse journal line %d: %w", line, err)
		}
		if entry.Key == "" {
			continue
		}

		f.mu.Lock()
		f.entries[entry.Key] = entry
		f.mu.Unlock()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read journal: %w", err)
	}

	return nil
}

func (f *FileJournal) Record(entry Entry) error {
	if entry.Key == "" {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}

	return f.MemoryJournal.Record(entry)
}

// Close flushes and closes the journal file.
func (f *FileJournal) Close() error {
	if f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if err := f.writer.Flush(); err != nil {
		firstErr = fmt.Errorf("flush journal: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close journal: %w", err)
	}
	f.file = nil

	return firstErr
}
