package storage

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"mercator-hq/throttle/pkg/limits/ratelimit"
)

const (
	// DefaultMaxKeys is the default capacity of a KeyStore.
	DefaultMaxKeys = 100000

	// DefaultKeyTTL is how long an idle entry is kept.
	DefaultKeyTTL = time.Hour

	// DefaultSweepInterval is how often idle entries are swept.
	DefaultSweepInterval = 5 * time.Minute

	// DefaultShards is the number of lock shards.
	DefaultShards = 64

	// evictionSample is how many entries of a shard are inspected to pick
	// the least recently seen one under capacity pressure.
	evictionSample = 16
)

// Entry is the per-key state held by a KeyStore.
//
// Fields are guarded by the shard lock: read or modify them only inside
// With, Lookup or Range callbacks.
type Entry struct {
	Key    string
	Window *ratelimit.SlidingWindow

	// Burst is created lazily by callers running the token_bucket burst mode.
	Burst *ratelimit.TokenBucket

	FirstSeen    time.Time
	LastSeen     time.Time
	TotalCount   int64
	BlockedCount int64
}

// KeyStoreConfig configures a KeyStore.
type KeyStoreConfig struct {
	// Name tags log lines (usually the dimension).
	Name string

	// MaxKeys is the maximum number of live entries.
	// Default: 100,000
	MaxKeys int

	// TTL is how long an entry may stay idle before the sweep removes it.
	// Default: 1 hour
	TTL time.Duration

	// SweepInterval is how often the background sweep runs. A negative
	// value disables the background sweep.
	// Default: 5 minutes
	SweepInterval time.Duration

	// Retention and MaxSamples configure each entry's SlidingWindow.
	Retention  time.Duration
	MaxSamples int

	// Shards is the number of lock shards.
	// Default: 64
	Shards int

	Logger *slog.Logger
}

// KeyStore is a bounded, sharded map from key to Entry.
//
// Creating an entry beyond MaxKeys first evicts the least recently seen
// entry (approximate LRU: oldest of a small sample from the same shard,
// falling back to other shards). Idle entries are removed by a periodic sweep
// that locks one shard at a time. KeyStore never returns errors: capacity
// pressure is resolved by eviction.
//
// KeyStore is safe for concurrent use. Operations on the same key are
// linearizable because they run under that key's shard lock.
type KeyStore struct {
	config KeyStoreConfig
	shards []*shard
	logger *slog.Logger

	size      atomic.Int64
	evictions atomic.Int64
	expired   atomic.Int64
	cursor    atomic.Uint32

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewKeyStore creates a KeyStore and starts its background sweep.
func NewKeyStore(cfg KeyStoreConfig) *KeyStore {
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = DefaultMaxKeys
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultKeyTTL
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &KeyStore{
		config: cfg,
		shards: make([]*shard, cfg.Shards),
		logger: logger.With("component", "limits.storage", "store", cfg.Name),
		done:   make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*Entry)}
	}

	if cfg.SweepInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop()
	}

	return s
}

// With runs fn on the entry for key under the shard lock, creating the entry
// if needed. LastSeen is advanced to now before fn runs. fn must not block or
// call back into the store.
func (s *KeyStore) With(key string, now time.Time, fn func(e *Entry)) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.entries[key]
	for !ok {
		if s.admitLocked(sh) {
			e = s.newEntry(key, now)
			sh.entries[key] = e
			break
		}
		// This shard is empty but the store is full: make room elsewhere
		// without holding two shard locks at once.
		sh.mu.Unlock()
		s.evictElsewhere(sh)
		sh.mu.Lock()
		e, ok = sh.entries[key]
	}
	defer sh.mu.Unlock()

	if now.After(e.LastSeen) {
		e.LastSeen = now
	}
	if fn != nil {
		fn(e)
	}
}

// Touch gets or creates the entry for key and marks it seen at now.
// The returned entry must only be modified through With.
func (s *KeyStore) Touch(key string, now time.Time) *Entry {
	var out *Entry
	s.With(key, now, func(e *Entry) { out = e })
	return out
}

// Lookup runs fn on an existing entry under the shard lock without creating
// or touching it. Returns false if the key is absent.
func (s *KeyStore) Lookup(key string, fn func(e *Entry)) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if ok && fn != nil {
		fn(e)
	}
	return ok
}

// Delete removes the entry for key. Returns false if it was absent.
func (s *KeyStore) Delete(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.entries[key]; !ok {
		return false
	}
	delete(sh.entries, key)
	s.size.Add(-1)
	return true
}

// Range calls fn for every entry, one shard lock at a time. Iteration stops
// when fn returns false.
func (s *KeyStore) Range(fn func(e *Entry) bool) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, e := range sh.entries {
			if !fn(e) {
				sh.mu.Unlock()
				return
			}
		}
		sh.mu.Unlock()
	}
}

// Sweep removes entries idle for longer than the TTL and returns how many
// were removed.
func (s *KeyStore) Sweep(now time.Time) int {
	cutoff := now.Add(-s.config.TTL)
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, e := range sh.entries {
			if e.LastSeen.Before(cutoff) {
				delete(sh.entries, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		s.size.Add(-int64(removed))
		s.expired.Add(int64(removed))
	}
	return removed
}

// Len returns the number of live entries.
func (s *KeyStore) Len() int {
	return int(s.size.Load())
}

// Evictions returns how many entries were evicted for capacity.
func (s *KeyStore) Evictions() int64 {
	return s.evictions.Load()
}

// Expired returns how many entries were removed by the TTL sweep.
func (s *KeyStore) Expired() int64 {
	return s.expired.Load()
}

// Export returns the serializable state of every entry.
func (s *KeyStore) Export(dimension string) []*EntryState {
	states := make([]*EntryState, 0, s.Len())
	s.Range(func(e *Entry) bool {
		states = append(states, &EntryState{
			Dimension:    dimension,
			Key:          e.Key,
			Samples:      e.Window.Samples(),
			FirstSeen:    e.FirstSeen,
			LastSeen:     e.LastSeen,
			TotalCount:   e.TotalCount,
			BlockedCount: e.BlockedCount,
		})
		return true
	})
	return states
}

// Import loads previously exported entries, trimming samples against now.
// Entries idle past the TTL are skipped.
func (s *KeyStore) Import(states []*EntryState, now time.Time) int {
	cutoff := now.Add(-s.config.TTL)
	loaded := 0
	for _, st := range states {
		if st == nil || st.Key == "" || st.LastSeen.Before(cutoff) {
			continue
		}
		s.With(st.Key, st.LastSeen, func(e *Entry) {
			e.Window.Load(now, st.Samples)
			if !st.FirstSeen.IsZero() {
				e.FirstSeen = st.FirstSeen
			}
			e.TotalCount = st.TotalCount
			e.BlockedCount = st.BlockedCount
		})
		loaded++
	}
	return loaded
}

// Close stops the background sweep. Close is idempotent.
func (s *KeyStore) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}

func (s *KeyStore) newEntry(key string, now time.Time) *Entry {
	return &Entry{
		Key:       key,
		Window:    ratelimit.NewSlidingWindow(s.config.Retention, s.config.MaxSamples),
		FirstSeen: now,
		LastSeen:  now,
	}
}

func (s *KeyStore) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// admitLocked reserves room for one new entry, evicting from sh if the store
// is full. Returns false if sh has nothing left to evict.
// Caller must hold sh.mu.
func (s *KeyStore) admitLocked(sh *shard) bool {
	limit := int64(s.config.MaxKeys)
	for {
		n := s.size.Load()
		if n < limit {
			if s.size.CompareAndSwap(n, n+1) {
				return true
			}
			continue
		}
		if !s.evictLocked(sh) {
			return false
		}
	}
}

// evictLocked removes the least recently seen of a sample of sh's entries.
// Caller must hold sh.mu.
func (s *KeyStore) evictLocked(sh *shard) bool {
	var (
		victim string
		oldest time.Time
		seen   int
	)
	for key, e := range sh.entries {
		if seen == 0 || e.LastSeen.Before(oldest) {
			victim, oldest = key, e.LastSeen
		}
		seen++
		if seen >= evictionSample {
			break
		}
	}
	if seen == 0 {
		return false
	}
	delete(sh.entries, victim)
	s.size.Add(-1)
	s.evictions.Add(1)
	return true
}

// evictElsewhere evicts one entry from the first non-empty shard other than
// skip, starting at a rotating position.
func (s *KeyStore) evictElsewhere(skip *shard) {
	start := int(s.cursor.Add(1))
	for i := 0; i < len(s.shards); i++ {
		sh := s.shards[(start+i)%len(s.shards)]
		if sh == skip {
			continue
		}
		sh.mu.Lock()
		ok := s.evictLocked(sh)
		sh.mu.Unlock()
		if ok {
			return
		}
	}
}

func (s *KeyStore) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := s.Sweep(time.Now()); removed > 0 {
				s.logger.Debug("swept idle keys", "removed", removed, "live", s.Len())
			}
		case <-s.done:
			return
		}
	}
}
