package cache

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// StoreConfig sizes and places a Store.
type StoreConfig struct {
	// MaxBytes is the byte budget; zero means unbounded.
	MaxBytes int64
	// Dir receives artifacts of at least SpillBytes bytes. Empty keeps
	// everything in memory.
	Dir        string
	SpillBytes int64
	// Fs defaults to the OS filesystem when Dir is set.
	Fs      afero.Fs
	Clock   Clock
	Metrics *Metrics
}

type entry struct {
	key     string
	data    []byte
	spill   string
	size    int64
	created time.Time
	expires time.Time
	seq     uint64
	hits    atomic.Int64
}

// expiry orders the index by expiration, then insertion sequence.
type expiry struct {
	at  time.Time
	seq uint64
	key string
}

func (a expiry) Less(than btree.Item) bool {
	b := than.(expiry)
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.seq < b.seq
}

// Store is the cache storage shared by every data set. The lock is held
// only while the maps and the index change; artifact computation and spill
// file writes happen outside it.
type Store struct {
	cfg   StoreConfig
	clock Clock
	log   *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	index   *btree.BTree
	size    int64
	seq     atomic.Uint64
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.Dir != "" {
		if cfg.Fs == nil {
			cfg.Fs = afero.NewOsFs()
		}
		if err := cfg.Fs.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "cache: create directory %s", cfg.Dir)
		}
	}
	return &Store{
		cfg:     cfg,
		clock:   cfg.Clock,
		log:     slog.Default().With("component", "cache"),
		entries: make(map[string]*entry),
		index:   btree.New(16),
	}, nil
}

// Get returns a fresh entry's artifact. An expired entry is removed.
func (s *Store) Get(key string) ([]byte, bool) {
	now := s.clock.Now()

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		s.cfg.Metrics.miss()
		return nil, false
	}
	if !now.Before(e.expires) {
		s.removeLocked(e)
		size := s.size
		s.mu.Unlock()
		s.cfg.Metrics.expired(size)
		s.cfg.Metrics.miss()
		s.dropSpill(e)
		return nil, false
	}
	e.hits.Add(1)
	data, spill := e.data, e.spill
	s.mu.Unlock()

	if spill == "" {
		s.cfg.Metrics.hit()
		return data, true
	}
	data, err := afero.ReadFile(s.cfg.Fs, spill)
	if err != nil {
		s.log.Warn("read spilled artifact, dropping entry", "key", key, "err", err)
		s.Delete(key)
		s.cfg.Metrics.miss()
		return nil, false
	}
	s.cfg.Metrics.hit()
	return data, true
}

// Put stores an artifact until expires. It reports false when the entry was
// not kept: already expired, or over budget after evicting every expired
// entry. A refused put never grows the tracked size; an older entry for the
// same key is dropped either way.
func (s *Store) Put(key string, data []byte, expires time.Time) bool {
	now := s.clock.Now()
	if !now.Before(expires) {
		return false
	}
	e := &entry{
		key:     key,
		size:    int64(len(data)),
		created: now,
		expires: expires,
		seq:     s.seq.Add(1),
	}
	if s.cfg.MaxBytes > 0 && e.size > s.cfg.MaxBytes {
		s.refuse(key, e.size)
		return false
	}

	if s.cfg.Dir != "" && s.cfg.SpillBytes > 0 && e.size >= s.cfg.SpillBytes {
		e.spill = filepath.Join(s.cfg.Dir, fmt.Sprintf("%016x-%d.bin", xxhash.Sum64String(key), e.seq))
		if err := afero.WriteFile(s.cfg.Fs, e.spill, data, 0o644); err != nil {
			s.log.Warn("spill artifact, keeping it in memory", "key", key, "err", err)
			e.spill = ""
		}
	}
	if e.spill == "" {
		e.data = data
	}

	var dropped []*entry
	s.mu.Lock()
	if old, ok := s.entries[key]; ok {
		s.removeLocked(old)
		dropped = append(dropped, old)
	}
	if s.cfg.MaxBytes > 0 && s.size+e.size > s.cfg.MaxBytes {
		dropped = append(dropped, s.evictExpiredLocked(now, e.size)...)
	}
	if s.cfg.MaxBytes > 0 && s.size+e.size > s.cfg.MaxBytes {
		s.mu.Unlock()
		for _, d := range dropped {
			s.dropSpill(d)
		}
		s.dropSpill(e)
		s.refuse(key, e.size)
		return false
	}
	s.entries[key] = e
	s.index.ReplaceOrInsert(expiry{at: e.expires, seq: e.seq, key: key})
	s.size += e.size
	size := s.size
	s.mu.Unlock()

	for _, d := range dropped {
		s.dropSpill(d)
	}
	s.cfg.Metrics.stored(size)
	return true
}

func (s *Store) refuse(key string, size int64) {
	s.log.Warn("cache budget exhausted, artifact not cached", "key", key, "bytes", size, "budget", s.cfg.MaxBytes)
	s.cfg.Metrics.refused()
}

// evictExpiredLocked removes expired entries, oldest expiration first, until
// need more bytes fit or no expired entry is left.
func (s *Store) evictExpiredLocked(now time.Time, need int64) []*entry {
	var victims []*entry
	freed := int64(0)
	s.index.Ascend(func(it btree.Item) bool {
		x := it.(expiry)
		if x.at.After(now) {
			return false
		}
		victims = append(victims, s.entries[x.key])
		freed += s.entries[x.key].size
		return s.size-freed+need > s.cfg.MaxBytes
	})
	for _, v := range victims {
		s.removeLocked(v)
		s.cfg.Metrics.evicted(s.size)
	}
	if len(victims) > 0 {
		s.log.Debug("evicted expired entries", "count", len(victims), "freed", freed)
	}
	return victims
}

func (s *Store) removeLocked(e *entry) {
	delete(s.entries, e.key)
	s.index.Delete(expiry{at: e.expires, seq: e.seq, key: e.key})
	s.size -= e.size
}

func (s *Store) dropSpill(e *entry) {
	if e == nil || e.spill == "" {
		return
	}
	if err := s.cfg.Fs.Remove(e.spill); err != nil {
		s.log.Warn("remove spilled artifact", "path", e.spill, "err", err)
	}
}

func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok {
		s.removeLocked(e)
	}
	size := s.size
	s.mu.Unlock()
	if ok {
		s.dropSpill(e)
		s.cfg.Metrics.resize(size)
	}
	return ok
}

// Clear removes every entry.
func (s *Store) Clear() int {
	return s.ClearPrefix("")
}

// ClearPrefix removes the entries whose key starts with prefix.
func (s *Store) ClearPrefix(prefix string) int {
	var dropped []*entry
	s.mu.Lock()
	for k, e := range s.entries {
		if strings.HasPrefix(k, prefix) {
			dropped = append(dropped, e)
		}
	}
	for _, e := range dropped {
		s.removeLocked(e)
	}
	size := s.size
	s.mu.Unlock()

	for _, e := range dropped {
		s.dropSpill(e)
	}
	s.cfg.Metrics.resize(size)
	return len(dropped)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Size is the number of artifact bytes held.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Hits returns the hit counter of a live entry.
func (s *Store) Hits(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e.hits.Load()
	}
	return 0
}
