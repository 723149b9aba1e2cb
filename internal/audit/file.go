package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const fileExt = ".jsonl"

// tailFile is the part of *os.File an append needs.
type tailFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Stat() (os.FileInfo, error)
	Close() error
}

type fileTail struct {
	mu       sync.Mutex
	file     tailFile
	prevHash string
}

// FileChain is an append-only JSONL store with one file per chain key.
// Each line is a full event including its hash; the tail is recovered from
// the last line when a chain file is first opened.
type FileChain struct {
	dir   string
	mu    sync.Mutex
	tails map[string]*fileTail
}

// OpenFileChain opens (or creates) a directory of chain files.
func OpenFileChain(dir string) (*FileChain, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	return &FileChain{dir: dir, tails: make(map[string]*fileTail)}, nil
}

// Dir returns the storage directory.
func (f *FileChain) Dir() string { return f.dir }

// Path returns the file backing a chain key.
func (f *FileChain) Path(key string) string {
	return filepath.Join(f.dir, url.QueryEscape(key)+fileExt)
}

func (f *FileChain) tail(key string) (*fileTail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tails[key]; ok {
		return t, nil
	}

	path := f.Path(key)
	prevHash := GenesisHash

	// Read existing file to find chain tail
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		last, err := lastLine(path)
		if err != nil {
			return nil, err
		}
		if len(last) > 0 {
			var e Event
			if err := json.Unmarshal(last, &e); err != nil {
				return nil, fmt.Errorf("audit: corrupt tail in %s: %w", path, err)
			}
			prevHash = e.Hash
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}
	t := &fileTail{file: file, prevHash: prevHash}
	f.tails[key] = t
	return t, nil
}

func lastLine(path string) ([]byte, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: read existing log: %w", err)
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var last []byte
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		last = append(last[:0], scanner.Bytes()...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan existing log: %w", err)
	}
	return last, nil
}

// Append links e to the chain tail, writes the line and syncs to disk. A
// failed write or sync truncates the file back to its previous length so a
// partial line never joins the next entry.
func (f *FileChain) Append(ctx context.Context, key string, e Event) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	t, err := f.tail(key)
	if err != nil {
		return Event{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	linked, err := link(e, key, t.prevHash)
	if err != nil {
		return Event{}, err
	}
	line, err := json.Marshal(linked)
	if err != nil {
		return Event{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	info, err := t.file.Stat()
	if err != nil {
		return Event{}, fmt.Errorf("audit: stat: %w", err)
	}
	size := info.Size()
	if _, err := t.file.Write(append(line, '\n')); err != nil {
		return Event{}, t.rollback(size, fmt.Errorf("audit: write entry: %w", err))
	}
	if err := t.file.Sync(); err != nil {
		return Event{}, t.rollback(size, fmt.Errorf("audit: sync: %w", err))
	}

	t.prevHash = linked.Hash
	return linked, nil
}

func (t *fileTail) rollback(size int64, cause error) error {
	if err := t.file.Truncate(size); err != nil {
		return errors.Join(cause, fmt.Errorf("audit: truncate after failed append: %w", err))
	}
	return cause
}

// Events reads a chain file from disk. A missing file is an empty chain.
func (f *FileChain) Events(_ context.Context, key string) ([]Event, error) {
	return ReadFile(f.Path(key))
}

// ReadFile parses a JSONL chain file.
func ReadFile(path string) ([]Event, error) {
	fh, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer fh.Close()

	var events []Event
	scanner := bufio.NewScanner(fh)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("audit: parse error at line %d: %w", lineNum, err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan %s: %w", path, err)
	}
	return events, nil
}

// Keys lists chains that have a file in the directory.
func (f *FileChain) Keys(context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("audit: list %s: %w", f.dir, err)
	}
	var keys []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		key, err := url.QueryUnescape(strings.TrimSuffix(name, fileExt))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close closes every open chain file.
func (f *FileChain) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for key, t := range f.tails {
		t.mu.Lock()
		if err := t.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		t.mu.Unlock()
		delete(f.tails, key)
	}
	return firstErr
}
