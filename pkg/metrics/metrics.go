// Package metrics holds the in-memory, time-windowed sequence of
// completed request records that back the admin dashboard and feed the
// rotating metrics log.
package metrics

import (
	"sync"
	"time"

	"github.com/lkarlslund/croxy/pkg/router"
)

// RequestRecord is one completed (or in-flight, pending finalization)
// exchange. Once Finalize has run, a record is immutable.
type RequestRecord struct {
	ID             uint64
	Timestamp      time.Time // monotonic-comparable arrival time, used for eviction
	Wallclock      time.Time // wall-clock time, used for the log's timestamp field
	Model          string
	EffectiveModel string
	ProviderName   string
	RoutingMethod  router.RoutingMethod
	StatusCode     int
	DurationMs     int64
	InputTokens    int64
	OutputTokens   int64
	ErrorKind      string
}

// Sink receives every record once it becomes final (via Insert, or via
// Finalize for a record that started as pending). A nil Sink is valid
// and simply disables log writing.
type Sink interface {
	Append(record RequestRecord)
}

type Store struct {
	mu       sync.RWMutex
	records  []RequestRecord
	idIndex  map[uint64]int
	window   time.Duration
	sink     Sink
	nextID   uint64
	nextIDMu sync.Mutex
}

func New(window time.Duration, sink Sink) *Store {
	return &Store{
		idIndex: make(map[uint64]int),
		window:  window,
		sink:    sink,
	}
}

func (s *Store) allocID() uint64 {
	s.nextIDMu.Lock()
	defer s.nextIDMu.Unlock()
	s.nextID++
	return s.nextID
}

// Insert appends a fully-formed record and assigns it an insertion order.
// Used for records whose every field is known up front, such as requests
// rejected before they are forwarded.
func (s *Store) Insert(record RequestRecord) uint64 {
	record.ID = s.allocID()
	s.append(record)
	s.logRecord(record)
	return record.ID
}

// InsertPending appends a record whose output token count and duration
// are not yet known, returning its ID so a later Finalize call can
// complete it. InsertPending itself never writes to the log sink --
// only the finalized record is logged, mirroring the streaming path
// where the record isn't meaningful until the stream ends.
func (s *Store) InsertPending(record RequestRecord) uint64 {
	record.ID = s.allocID()
	s.append(record)
	return record.ID
}

func (s *Store) append(record RequestRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.records)
	s.records = append(s.records, record)
	s.idIndex[record.ID] = idx
}

// FinalizeFields carries everything only known once the forwarder has
// finished relaying a response, to complete a record started with
// InsertPending.
type FinalizeFields struct {
	EffectiveModel string
	InputTokens    int64
	OutputTokens   int64
	DurationMs     int64
	StatusCode     int
	ErrorKind      string
}

// Finalize applies fields to a pending record in place, then logs it,
// returning the completed record so the caller can fan it out (e.g. to
// the admin live feed). Unknown IDs (e.g. evicted before the stream
// finished) are silently ignored and ok is false.
func (s *Store) Finalize(id uint64, fields FinalizeFields) (completed RequestRecord, ok bool) {
	s.mu.Lock()
	if idx, present := s.idIndex[id]; present {
		rec := &s.records[idx]
		rec.EffectiveModel = fields.EffectiveModel
		rec.InputTokens = fields.InputTokens
		rec.OutputTokens = fields.OutputTokens
		rec.DurationMs = fields.DurationMs
		if fields.StatusCode != 0 {
			rec.StatusCode = fields.StatusCode
		}
		if fields.ErrorKind != "" {
			rec.ErrorKind = fields.ErrorKind
		}
		completed = *rec
		ok = true
	}
	s.mu.Unlock()
	if ok {
		s.logRecord(completed)
	}
	return completed, ok
}

func (s *Store) logRecord(record RequestRecord) {
	if s.sink == nil {
		return
	}
	s.sink.Append(record)
}

// Snapshot returns every record currently within the retention window,
// in insertion order. The returned slice is a copy; callers may retain
// it freely without racing concurrent inserts or evictions.
func (s *Store) Snapshot() []RequestRecord {
	cutoff := s.cutoff()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RequestRecord, 0, len(s.records))
	for _, r := range s.records {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (s *Store) cutoff() time.Time {
	if s.window <= 0 {
		return time.Time{}
	}
	now := time.Now()
	cutoff := now.Add(-s.window)
	// A window large enough to underflow time.Time's range means
	// "retain all" rather than an error.
	if cutoff.After(now) {
		return time.Time{}
	}
	return cutoff
}

// EvictOlderThan removes every record with Timestamp before cutoff and
// rebuilds the ID index, since removal shifts slice positions. Returns
// the number of records removed.
func (s *Store) EvictOlderThan(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.records)
	kept := s.records[:0]
	for _, r := range s.records {
		if !r.Timestamp.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	s.records = kept
	for id := range s.idIndex {
		delete(s.idIndex, id)
	}
	for i, r := range s.records {
		s.idIndex[r.ID] = i
	}
	return before - len(s.records)
}

// RetentionInterval is the background sweep cadence: the window divided
// by 60, clamped to [1s, 60s].
func (s *Store) RetentionInterval() time.Duration {
	interval := s.window / 60
	if interval > 60*time.Second {
		interval = 60 * time.Second
	}
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// Cutoff computes the current eviction cutoff for the store's
// configured window. Exported so callers driving their own retention
// loop (to broadcast eviction counts) can share the same overflow-safe
// computation as Snapshot.
func (s *Store) Cutoff() time.Time {
	return s.cutoff()
}
