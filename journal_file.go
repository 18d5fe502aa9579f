package orchestrate

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/spf13/afero"
)

// FileJournal persists each instance's journal as an append-only NDJSON
// file, one file per instance, under a base directory. It runs on an
// afero.Fs so tests can use an in-memory filesystem.
//
// The per-instance file is the partition: appends for one instance take a
// per-instance lock (conflicts are rejected, see Journal), while different
// instances never touch each other's files.
type FileJournal struct {
	fs       afero.Fs
	basePath string
	gates    *xsync.MapOf[string, *atomic.Bool]
	locks    *xsync.MapOf[string, *sync.RWMutex]
	lastSeq  *xsync.MapOf[string, uint64]
}

// NewFileJournal creates a FileJournal rooted at basePath, creating the
// directory if needed.
func NewFileJournal(fs afero.Fs, basePath string) (*FileJournal, error) {
	if err := fs.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	return &FileJournal{
		fs:       fs,
		basePath: basePath,
		gates:    xsync.NewMapOf[string, *atomic.Bool](),
		locks:    xsync.NewMapOf[string, *sync.RWMutex](),
		lastSeq:  xsync.NewMapOf[string, uint64](),
	}, nil
}

func (j *FileJournal) gate(instanceID string) *atomic.Bool {
	g, _ := j.gates.LoadOrCompute(instanceID, func() *atomic.Bool {
		return &atomic.Bool{}
	})
	return g
}

func (j *FileJournal) lock(instanceID string) *sync.RWMutex {
	mu, _ := j.locks.LoadOrCompute(instanceID, func() *sync.RWMutex {
		return &sync.RWMutex{}
	})
	return mu
}

func (j *FileJournal) filename(instanceID string) string {
	return filepath.Join(j.basePath, instanceID+".ndjson")
}

// Append implements Journal. The entry is flushed before Append returns so
// a confirmed append survives a crash.
func (j *FileJournal) Append(ctx context.Context, e Entry) (uint64, error) {
	// Appends conflict only with other appends for this instance; readers
	// are serialized through the RWMutex below and never trip the gate.
	g := j.gate(e.InstanceID)
	if !g.CompareAndSwap(false, true) {
		return 0, ErrAppendConflict
	}
	defer g.Store(false)

	mu := j.lock(e.InstanceID)
	mu.Lock()
	defer mu.Unlock()

	last, ok := j.lastSeq.Load(e.InstanceID)
	if !ok {
		// First touch since process start: recover the high-water mark
		// from the file.
		entries, err := j.readLocked(e.InstanceID)
		if err != nil {
			return 0, err
		}
		if n := len(entries); n > 0 {
			last = entries[n-1].Seq
		}
	}
	if e.Outcome == OutcomeCreated && last != 0 {
		return 0, fmt.Errorf("%s: %w", e.InstanceID, ErrDuplicateInstanceID)
	}
	e.Seq = last + 1

	data, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal journal entry: %w", err)
	}

	f, err := j.fs.OpenFile(j.filename(e.InstanceID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open journal file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return 0, fmt.Errorf("failed to append journal entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync journal file: %w", err)
	}

	j.lastSeq.Store(e.InstanceID, e.Seq)
	return e.Seq, nil
}

// ReadAll implements Journal.
func (j *FileJournal) ReadAll(ctx context.Context, instanceID string) ([]Entry, error) {
	mu := j.lock(instanceID)
	mu.RLock()
	defer mu.RUnlock()
	return j.readLocked(instanceID)
}

// LastEntry implements Journal.
func (j *FileJournal) LastEntry(ctx context.Context, instanceID string) (Entry, bool, error) {
	entries, err := j.ReadAll(ctx, instanceID)
	if err != nil {
		return Entry{}, false, err
	}
	if len(entries) == 0 {
		return Entry{}, false, nil
	}
	return entries[len(entries)-1], true, nil
}

func (j *FileJournal) readLocked(instanceID string) ([]Entry, error) {
	f, err := j.fs.Open(j.filename(instanceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("corrupt journal line for instance %s: %w", instanceID, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal file: %w", err)
	}
	return entries, nil
}
