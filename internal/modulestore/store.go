// Package modulestore is the interned, versioned module source of truth
// backing the script runtime's load_module/add_module operations
// (internal/scriptrt.Runtime delegates its module cache here). AddModule
// writes land synchronously; batching only affects the statistics reported
// by GetBatchStats, matching the accounting-only batching model in
// original_source/crates/rari/src/runtime/module_loader/storage.rs.
package modulestore

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rari-dev/rari/internal/domain"
)

const (
	defaultBatchSizeLimit = 50
	defaultBatchTimeLimit = 100 * time.Millisecond
)

type storageKey struct {
	kind      string // "code", "meta", or "version"
	specifier string
}

type addOperation struct {
	specifier string
	code      string
}

type pendingBatch struct {
	operations []addOperation
	createdAt  time.Time
}

// Store is the interned, versioned module source table. The zero value is
// not usable; construct with New.
type Store struct {
	mu      sync.RWMutex
	entries map[storageKey]any

	batchMu       sync.Mutex
	pending       *pendingBatch
	batchSize     int
	batchTime     time.Duration

	totalBatchesProcessed  atomic.Int64
	totalOperationsBatched atomic.Int64
	batchFlushFailures     atomic.Int64
	timeSavedMs            atomic.Int64
}

// Config tunes batching thresholds. Zero values fall back to the defaults
// matched against storage.rs (50 operations / 100ms).
type Config struct {
	BatchSizeLimit int
	BatchTimeLimit time.Duration
}

// New constructs an empty Store.
func New(cfg Config) *Store {
	batchSize := cfg.BatchSizeLimit
	if batchSize <= 0 {
		batchSize = defaultBatchSizeLimit
	}
	batchTime := cfg.BatchTimeLimit
	if batchTime <= 0 {
		batchTime = defaultBatchTimeLimit
	}
	return &Store{
		entries:   make(map[storageKey]any),
		batchSize: batchSize,
		batchTime: batchTime,
	}
}

// GetModuleCode returns the interned source for specifier, if present.
func (s *Store) GetModuleCode(specifier string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[storageKey{"code", specifier}]
	if !ok {
		return "", false
	}
	return v.(string), true
}

// GetModuleMeta reports whether specifier was registered as an ES module
// ("meta" in the ambient import.meta sense), if known.
func (s *Store) GetModuleMeta(specifier string) (bool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[storageKey{"meta", specifier}]
	if !ok {
		return false, false
	}
	return v.(bool), true
}

// GetVersion returns the current version counter for specifier, if known.
func (s *Store) GetVersion(specifier string) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[storageKey{"version", specifier}]
	if !ok {
		return 0, false
	}
	return v.(uint64), true
}

// SetModuleMeta records whether specifier is an ES module.
func (s *Store) SetModuleMeta(specifier string, meta bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[storageKey{"meta", specifier}] = meta
}

// SetVersion records specifier's version counter, used to invalidate the
// script runtime's loaded module records on update.
func (s *Store) SetVersion(specifier string, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[storageKey{"version", specifier}] = version
}

// ContainsModuleCode reports whether specifier has ever been added.
func (s *Store) ContainsModuleCode(specifier string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[storageKey{"code", specifier}]
	return ok
}

func (s *Store) setModuleCode(specifier, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[storageKey{"code", specifier}] = code
}

// AddModule interns specifier's code and bumps its version. The write lands
// immediately; recordBatchOp only tracks the statistics GetBatchStats
// reports about how these writes would have grouped into batches.
func (s *Store) AddModule(specifier, code string) error {
	s.setModuleCode(specifier, code)
	s.recordBatchOp(addOperation{specifier: specifier, code: code})

	s.mu.Lock()
	vk := storageKey{"version", specifier}
	next := uint64(1)
	if v, ok := s.entries[vk]; ok {
		next = v.(uint64) + 1
	}
	s.entries[vk] = next
	s.mu.Unlock()

	return nil
}

// recordBatchOp appends op to the pending batch purely for accounting,
// rolling the batch into GetBatchStats once it reaches batchSize operations
// or has been open for batchTime. The code itself is already durable in
// storage by the time this runs.
func (s *Store) recordBatchOp(op addOperation) {
	s.batchMu.Lock()

	var toFlush *pendingBatch
	if s.pending == nil {
		s.pending = &pendingBatch{operations: []addOperation{op}, createdAt: time.Now()}
	} else {
		s.pending.operations = append(s.pending.operations, op)
		if len(s.pending.operations) >= s.batchSize || time.Since(s.pending.createdAt) >= s.batchTime {
			toFlush = s.pending
			s.pending = nil
		}
	}
	s.batchMu.Unlock()

	if toFlush != nil {
		s.recordBatchStats(toFlush)
	}
}

// FlushPendingBatch forces any partially-filled batch's statistics to roll
// into GetBatchStats now. It has no effect on stored module code, which is
// already durable.
func (s *Store) FlushPendingBatch() error {
	s.batchMu.Lock()
	toFlush := s.pending
	s.pending = nil
	s.batchMu.Unlock()

	if toFlush != nil {
		s.recordBatchStats(toFlush)
	}
	return nil
}

func (s *Store) recordBatchStats(batch *pendingBatch) {
	if len(batch.operations) == 0 {
		return
	}

	count := len(batch.operations)
	s.totalBatchesProcessed.Add(1)
	s.totalOperationsBatched.Add(int64(count))

	timeSaved := int64(count - 1)
	if timeSaved < 0 {
		timeSaved = 0
	}
	s.timeSavedMs.Add(timeSaved * 2)
}

// GetBatchStats reports cumulative batching effectiveness, matching
// storage.rs's get_batch_stats.
func (s *Store) GetBatchStats() domain.BatchStats {
	totalBatches := s.totalBatchesProcessed.Load()
	totalOps := s.totalOperationsBatched.Load()

	var avg float64
	if totalBatches > 0 {
		avg = float64(totalOps) / float64(totalBatches)
	}

	return domain.BatchStats{
		TotalBatchesProcessed:  totalBatches,
		TotalOperationsBatched: totalOps,
		AverageBatchSize:       avg,
		BatchFlushFailures:     s.batchFlushFailures.Load(),
		TimeSavedByBatchingMs:  s.timeSavedMs.Load(),
	}
}
