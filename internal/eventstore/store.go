// Package eventstore reads and writes event batches as JSON arrays.
package eventstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"gridsec-analytics/internal/apperr"
	"gridsec-analytics/internal/models"
)

// LoadResult is a decoded batch. Skipped counts records that failed to decode
// or validate.
type LoadResult struct {
	Events  []models.Event
	Skipped int
	Source  string
}

// Decode parses a JSON array of events. Bad records are skipped and counted;
// only a payload that is not an array at all is an error.
func Decode(data []byte, logger *zap.Logger) (*LoadResult, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, apperr.Wrap(apperr.ErrDataUnavailable, "event payload is not a JSON array: %v", err)
	}
	res := &LoadResult{Events: make([]models.Event, 0, len(raw))}
	for i, r := range raw {
		var e models.Event
		if err := json.Unmarshal(r, &e); err != nil {
			res.Skipped++
			logger.Debug("skipping undecodable event", zap.Int("index", i), zap.Error(err))
			continue
		}
		if err := e.Validate(); err != nil {
			res.Skipped++
			logger.Debug("skipping invalid event", zap.Int("index", i), zap.Error(err))
			continue
		}
		res.Events = append(res.Events, e)
	}
	return res, nil
}

// Store serves the events of one file, re-reading it only when it changes.
type Store struct {
	path   string
	logger *zap.Logger

	mu      sync.Mutex
	modTime time.Time
	size    int64
	cached  *LoadResult
}

func NewStore(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{path: path, logger: logger}
}

func (s *Store) Path() string { return s.path }

// Load returns the current events. A missing or blank file yields zero events.
func (s *Store) Load() (*LoadResult, error) {
	info, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &LoadResult{Source: s.path}, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrDataUnavailable, "stat %s: %v", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil && info.ModTime().Equal(s.modTime) && info.Size() == s.size {
		return s.cached, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrDataUnavailable, "read %s: %v", s.path, err)
	}
	var res *LoadResult
	if len(bytes.TrimSpace(data)) == 0 {
		res = &LoadResult{}
	} else if res, err = Decode(data, s.logger); err != nil {
		return nil, err
	}
	res.Source = s.path
	if res.Skipped > 0 {
		s.logger.Warn("skipped malformed events",
			zap.String("path", s.path), zap.Int("skipped", res.Skipped), zap.Int("loaded", len(res.Events)))
	}
	s.cached, s.modTime, s.size = res, info.ModTime(), info.Size()
	return res, nil
}

// Events is Load without the bookkeeping.
func (s *Store) Events() ([]models.Event, error) {
	res, err := s.Load()
	if err != nil {
		return nil, err
	}
	return res.Events, nil
}

// Write replaces path with events, going through a temp file so readers never
// see a partial array.
func Write(path string, events []models.Event) error {
	if events == nil {
		events = []models.Event{}
	}
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return fmt.Errorf("encode events: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".events-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write events: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
