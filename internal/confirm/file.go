package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// validToken matches alphanumeric, dash and underscore characters only.
var validToken = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// validateToken rejects tokens that could cause path traversal.
func validateToken(token string) error {
	if token == "" {
		return fmt.Errorf("token must not be empty")
	}
	if !validToken.MatchString(token) {
		return fmt.Errorf("token contains invalid characters: only alphanumeric, dash and underscore are allowed")
	}
	return nil
}

// FileLedger stores one JSON file per token. Writes are atomic renames;
// transitions are serialized within the process.
type FileLedger struct {
	dir  string
	opts options
	mu   sync.Mutex
}

// NewFileLedger creates a ledger backed by dir.
func NewFileLedger(dir string, opts ...Option) (*FileLedger, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("cannot create confirmation directory: %w", err)
	}
	return &FileLedger{dir: dir, opts: buildOptions(opts)}, nil
}

func (s *FileLedger) Issue(_ context.Context, rec Record) error {
	if err := validateToken(rec.Token); err != nil {
		return fmt.Errorf("invalid confirmation token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.read(rec.Token)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if prev != nil && prev.Status != StatusPending {
		return nil
	}
	return s.writeAtomic(s.opts.issued(rec, prev))
}

func (s *FileLedger) Claim(_ context.Context, token string) error {
	if err := validateToken(token); err != nil {
		return fmt.Errorf("invalid confirmation token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.read(token)
	switch {
	case errors.Is(err, os.ErrNotExist):
		rec = &Record{Token: token, CreatedAt: s.opts.now().UTC()}
	case err != nil:
		return err
	case rec.Status != StatusPending:
		return ErrTokenUsed
	}

	rec.Status = StatusClaimed
	rec.UpdatedAt = s.opts.now().UTC()
	return s.writeAtomic(*rec)
}

func (s *FileLedger) Release(_ context.Context, token string) error {
	return s.transition(token, StatusPending)
}

func (s *FileLedger) Consume(_ context.Context, token string) error {
	return s.transition(token, StatusConsumed)
}

func (s *FileLedger) transition(token string, to Status) error {
	if err := validateToken(token); err != nil {
		return fmt.Errorf("invalid confirmation token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.read(token)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if rec.Status != StatusClaimed {
		return ErrNotFound
	}

	rec.Status = to
	rec.UpdatedAt = s.opts.now().UTC()
	return s.writeAtomic(*rec)
}

func (s *FileLedger) List(context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	now := s.opts.now()
	var out []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, err := s.read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		if rec.Status == StatusPending && !rec.expired(now) {
			out = append(out, *rec)
		}
	}
	sortRecords(out)
	return out, nil
}

// Cleanup removes expired pending records and returns how many were removed.
func (s *FileLedger) Cleanup() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	now := s.opts.now()
	removed := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, err := s.read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil || !rec.expired(now) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (s *FileLedger) path(token string) string {
	return filepath.Join(s.dir, token+".json")
}

func (s *FileLedger) read(token string) (*Record, error) {
	data, err := os.ReadFile(s.path(token))
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode confirmation %s: %w", token, err)
	}
	return &rec, nil
}

func (s *FileLedger) writeAtomic(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	path := s.path(rec.Token)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
