// Package dedup remembers which events have been processed so each event
// id is handled at most once, across relays and across restarts.
package dedup

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/agora/internal/fsutil"
)

// Defaults applied when Options leave fields zero.
const (
	DefaultMaxSize      = 10000
	DefaultSaveInterval = time.Second
)

// Options configures a Store.
type Options struct {
	// Path is the JSON file backing the store. Empty keeps the store in memory.
	Path string
	// MaxSize caps the number of remembered ids.
	MaxSize int
	// SaveInterval is the debounce interval for writes.
	SaveInterval time.Duration
	Logger       *zap.Logger
}

// record is the on-disk format.
type record struct {
	EventIDs    []string  `json:"eventIds"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Store is a bounded set of processed event ids with debounced persistence.
// Ids are evicted oldest-first by insertion.
type Store struct {
	path     string
	maxSize  int
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	ids    map[string]struct{}
	order  []string
	dirty  bool
	closed bool
	timer  *time.Timer

	// writeMu serializes file writes between the timer and Flush.
	writeMu sync.Mutex
}

// New creates an empty store. Call Load before use to restore prior state.
func New(opts Options) *Store {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.SaveInterval <= 0 {
		opts.SaveInterval = DefaultSaveInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{
		path:     opts.Path,
		maxSize:  opts.MaxSize,
		interval: opts.SaveInterval,
		logger:   opts.Logger.Named("dedup"),
		ids:      make(map[string]struct{}),
	}
}

// Load replaces the in-memory set with the file contents. A missing or
// unreadable file leaves the store empty and is logged, never returned.
func (s *Store) Load() {
	if s.path == "" {
		return
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("could not read processed events, starting empty", zap.String("path", s.path), zap.Error(err))
		}
		return
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("processed events file is corrupt, starting empty", zap.String("path", s.path), zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = make(map[string]struct{}, len(rec.EventIDs))
	s.order = s.order[:0]
	for _, id := range rec.EventIDs {
		if id == "" {
			continue
		}
		s.insertLocked(id)
	}
	s.logger.Debug("loaded processed events", zap.Int("count", len(s.order)))
}

// Has reports whether id has been processed.
func (s *Store) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// Add records id as processed and schedules a save.
func (s *Store) Add(id string) {
	s.MarkProcessed(id)
}

// MarkProcessed records id and reports whether it was new. The check and
// the insert happen under one lock, so exactly one caller wins per id.
func (s *Store) MarkProcessed(id string) bool {
	if id == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.insertLocked(id)
	s.dirty = true
	s.scheduleLocked()
	return true
}

// Len returns the number of remembered ids.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Flush cancels any pending save and writes synchronously.
func (s *Store) Flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	return s.save()
}

// Close flushes and stops scheduling further saves. Ids can still be
// added afterwards but are only kept in memory.
func (s *Store) Close() error {
	err := s.Flush()
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	return err
}

func (s *Store) insertLocked(id string) {
	if _, ok := s.ids[id]; ok {
		return
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	for len(s.order) > s.maxSize {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
	// Reallocate once the dead prefix dominates the backing array.
	if cap(s.order) > 4*s.maxSize {
		s.order = append(make([]string, 0, s.maxSize+1), s.order...)
	}
}

func (s *Store) scheduleLocked() {
	if s.path == "" || s.closed || s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.interval, func() {
		s.mu.Lock()
		s.timer = nil
		s.mu.Unlock()
		if err := s.save(); err != nil {
			s.logger.Warn("saving processed events failed", zap.Error(err))
		}
	})
}

func (s *Store) save() error {
	if s.path == "" {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	rec := record{
		EventIDs:    append([]string(nil), s.order...),
		LastUpdated: time.Now().UTC(),
	}
	s.dirty = false
	s.mu.Unlock()

	data, err := json.Marshal(rec)
	if err == nil {
		err = fsutil.WriteFileAtomic(s.path, data, 0o644)
	}
	if err != nil {
		s.mu.Lock()
		s.dirty = true
		s.scheduleLocked()
		s.mu.Unlock()
		return fmt.Errorf("save processed events: %w", err)
	}
	return nil
}
