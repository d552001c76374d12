// Package history persists trial outcomes to a bounded JSON file, newest
// first. The file layout is shared with the tray application:
//
//	{"tests": [{"params", "timestamp", "success", "speed", "notes"}...],
//	 "last_tested": "<timestamp>"}
package history

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/ciadpi-tray/autosearch/internal/candidate"
	"github.com/ciadpi-tray/autosearch/internal/fsutil"
	"github.com/ciadpi-tray/autosearch/internal/monitoring"
	"github.com/ciadpi-tray/autosearch/internal/timeutil"
)

// DefaultCapacity is the number of records kept on disk.
const DefaultCapacity = 100

var log = monitoring.New("history")

// Record is one finished trial. Latency is the probe duration; it is zero
// when the trial never reached the probe.
type Record struct {
	Candidate candidate.Candidate
	Timestamp time.Time
	Success   bool
	Latency   time.Duration
	Notes     string
}

type recordJSON struct {
	Params    string  `json:"params"`
	Timestamp string  `json:"timestamp"`
	Success   bool    `json:"success"`
	Speed     float64 `json:"speed"`
	Notes     string  `json:"notes"`
}

// MarshalJSON writes the shared on-disk field names; latency is seconds.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		Params:    r.Candidate.String(),
		Timestamp: r.Timestamp.Format(time.RFC3339Nano),
		Success:   r.Success,
		Speed:     r.Latency.Seconds(),
		Notes:     r.Notes,
	})
}

// UnmarshalJSON accepts RFC 3339 timestamps and the naive ISO form written
// by the tray ("2024-05-01T12:30:00.123456", local time).
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ts, err := ParseTimestamp(raw.Timestamp)
	if err != nil {
		return err
	}
	*r = Record{
		Candidate: candidate.Parse(raw.Params),
		Timestamp: ts,
		Success:   raw.Success,
		Latency:   time.Duration(math.Round(raw.Speed * float64(time.Second))),
		Notes:     raw.Notes,
	}
	return nil
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses RFC 3339 or a zone-less ISO timestamp in local time.
// An empty string yields the zero time.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// History is the whole persisted document.
type History struct {
	Records    []Record
	LastTested *time.Time
}

type historyJSON struct {
	Tests      []Record `json:"tests"`
	LastTested *string  `json:"last_tested"`
}

// MarshalJSON writes {"tests": [...], "last_tested": ...}.
func (h History) MarshalJSON() ([]byte, error) {
	out := historyJSON{Tests: h.Records}
	if out.Tests == nil {
		out.Tests = []Record{}
	}
	if h.LastTested != nil {
		s := h.LastTested.Format(time.RFC3339Nano)
		out.LastTested = &s
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the shared file layout.
func (h *History) UnmarshalJSON(data []byte) error {
	var raw historyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	h.Records = raw.Tests
	h.LastTested = nil
	if raw.LastTested != nil && *raw.LastTested != "" {
		ts, err := ParseTimestamp(*raw.LastTested)
		if err != nil {
			return err
		}
		h.LastTested = &ts
	}
	return nil
}

func (h History) clone() History {
	out := History{Records: append([]Record(nil), h.Records...)}
	if h.LastTested != nil {
		ts := *h.LastTested
		out.LastTested = &ts
	}
	return out
}

// Store owns the in-memory history and its file. One writer, many readers.
type Store struct {
	writeMu  sync.Mutex // serializes Append/Clear so files land in order
	mu       sync.RWMutex
	fs       fsutil.FileSystem
	clock    timeutil.Clock
	path     string
	capacity int
	hist     History
}

// Option configures a Store.
type Option func(*Store)

// WithFileSystem overrides the filesystem (tests use MemoryFileSystem).
func WithFileSystem(f fsutil.FileSystem) Option {
	return func(s *Store) { s.fs = f }
}

// WithClock overrides the clock used for last_tested.
func WithClock(c timeutil.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithCapacity overrides the record cap. Values below 1 are ignored.
func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// Open creates a Store for path and loads whatever is there. A missing or
// unreadable file starts an empty history.
func Open(path string, opts ...Option) *Store {
	s := &Store{
		fs:       fsutil.OSFileSystem{},
		clock:    timeutil.RealClock{},
		path:     path,
		capacity: DefaultCapacity,
	}
	for _, o := range opts {
		o(s)
	}
	s.hist = s.Load()
	return s
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the file. It never fails: absent or malformed content yields an
// empty history and a log line.
func (s *Store) Load() History {
	if !s.fs.Exists(s.path) {
		return History{}
	}
	data, err := s.fs.ReadFile(s.path)
	if err != nil {
		log.Warnf("failed to read %s: %v", s.path, err)
		return History{}
	}
	var h History
	if err := json.Unmarshal(data, &h); err != nil {
		log.Warnf("ignoring malformed history %s: %v", s.path, err)
		return History{}
	}
	if len(h.Records) > s.capacity {
		h.Records = h.Records[:s.capacity]
	}
	return h
}

// Persist writes h atomically (temp file + rename).
func (s *Store) Persist(h History) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.fs, s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write history %s: %w", s.path, err)
	}
	return nil
}

// Append inserts rec at the front, trims to capacity, stamps last_tested and
// persists. A persist failure is logged and returned; the record stays in
// memory either way.
func (s *Store) Append(rec Record) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	now := s.clock.Now()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	records := make([]Record, 0, min(len(s.hist.Records)+1, s.capacity))
	records = append(records, rec)
	records = append(records, s.hist.Records...)
	if len(records) > s.capacity {
		records = records[:s.capacity]
	}
	s.hist.Records = records
	s.hist.LastTested = &now
	snapshot := s.hist.clone()
	s.mu.Unlock()

	if err := s.Persist(snapshot); err != nil {
		log.Errorf("%v", err)
		return err
	}
	return nil
}

// Recent returns up to limit records, newest first. limit <= 0 returns all.
func (s *Store) Recent(limit int) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.hist.Records)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]Record(nil), s.hist.Records[:n]...)
}

// Snapshot returns a copy of the whole history.
func (s *Store) Snapshot() History {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hist.clone()
}

// Len returns the number of records held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hist.Records)
}

// Clear empties the history and persists the empty document. Clearing an
// empty history is a no-op apart from the write.
func (s *Store) Clear() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.hist = History{}
	s.mu.Unlock()

	if err := s.Persist(History{}); err != nil {
		log.Errorf("%v", err)
		return err
	}
	return nil
}
