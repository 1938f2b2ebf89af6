package lsm

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/intellect4all/mvcc-lsm/common"
	"github.com/pingcap/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LSM is the main LSM-Tree storage engine
type LSM struct {
	path   string
	config Config
	logger *zap.Logger

	// mu guards the state pointer. It is held only to load or swap it.
	mu    sync.RWMutex
	state *storageState
	// stateMu serializes structural changes: freeze, flush publish and
	// compaction publish. The manifest record is written under it.
	stateMu   sync.Mutex
	flushMu   sync.Mutex
	compactMu sync.Mutex
	// commitMu is held from timestamp allocation until the write lands in
	// a memtable, so memtables receive commits in timestamp order. Close
	// takes it to wait out writers already past the closed check.
	commitMu sync.Mutex
	// beforeApply, when set, runs with the commit timestamp just before
	// the write is applied. Tests use it to hold a commit in flight.
	beforeApply func(ts uint64)

	manifest          *Manifest
	blockCache        *BlockCache
	controller        CompactionController
	oracle            *oracle
	snapshots         *snapshotTracker
	nextID            atomic.Uint64
	compactionLimiter *rate.Limiter
	metrics           *engineMetrics

	ctx            context.Context
	cancel         context.CancelFunc
	flushChan      chan struct{}
	compactionChan chan struct{}
	closeChan      chan struct{}
	wg             sync.WaitGroup
	closed         atomic.Bool

	stats struct {
		writeCount     atomic.Int64
		readCount      atomic.Int64
		flushCount     atomic.Int64
		compactCount   atomic.Int64
		userBytes      atomic.Int64
		flushedBytes   atomic.Int64
		compactedBytes atomic.Int64
	}
}

// WriteBatchRecord is one write of a batch. An empty Value deletes Key.
type WriteBatchRecord struct {
	Key   []byte
	Value []byte
}

func PutRecord(key, value []byte) WriteBatchRecord { return WriteBatchRecord{Key: key, Value: value} }
func DeleteRecord(key []byte) WriteBatchRecord     { return WriteBatchRecord{Key: key} }

// Open opens or creates the engine rooted at path.
func Open(path string, config Config) (*LSM, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger, err := config.buildLogger()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create data directory %s", path)
	}
	cache, err := NewBlockCache(int64(config.BlockCacheSize))
	if err != nil {
		return nil, err
	}
	controller, err := NewCompactionController(config)
	if err != nil {
		cache.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	lsm := &LSM{
		path:              path,
		config:            config,
		logger:            logger.With(zap.String("path", path)),
		blockCache:        cache,
		controller:        controller,
		snapshots:         newSnapshotTracker(),
		compactionLimiter: newRateLimiter(int(config.CompactionBytesPerSec)),
		metrics:           newEngineMetrics(),
		ctx:               ctx,
		cancel:            cancel,
		flushChan:         make(chan struct{}, 1),
		compactionChan:    make(chan struct{}, 1),
		closeChan:         make(chan struct{}),
	}
	if err := lsm.recover(); err != nil {
		cancel()
		cache.Close()
		return nil, err
	}
	if err := lsm.metrics.register(config.Registerer); err != nil {
		cancel()
		lsm.closeFiles()
		return nil, errors.Wrap(err, "failed to register metrics")
	}
	lsm.metrics.observeState(lsm.state)

	lsm.wg.Add(2)
	go lsm.flushWorker()
	go lsm.compactionWorker()

	lsm.logger.Info("engine opened",
		zap.Int("l0", len(lsm.state.l0)),
		zap.Int("immutable", len(lsm.state.immMemtables)),
		zap.Uint64("latestTs", lsm.oracle.latestCommitTs()))
	return lsm, nil
}

// recover rebuilds the state from the manifest, the tables it names and
// the WALs of memtables that were never flushed.
func (lsm *LSM) recover() error {
	manifestPath := filepath.Join(lsm.path, manifestFileName)
	state := newStorageState(lsm.config.MaxLevels)

	var records []ManifestRecord
	var err error
	if _, statErr := os.Stat(manifestPath); os.IsNotExist(statErr) {
		lsm.manifest, err = CreateManifest(manifestPath)
	} else {
		lsm.manifest, records, err = RecoverManifest(manifestPath, lsm.logger)
	}
	if err != nil {
		return err
	}

	var memIDs []uint64
	var maxID, gcHorizon uint64
	for _, rec := range records {
		switch rec.Kind {
		case RecordNewMemtable:
			memIDs = append(memIDs, rec.ID)
			maxID = max(maxID, rec.ID)
		case RecordFlush:
			memIDs = slices.DeleteFunc(memIDs, func(id uint64) bool { return id == rec.ID })
			state.l0 = append([]uint64{rec.ID}, state.l0...)
			maxID = max(maxID, rec.ID)
		case RecordCompaction:
			if rec.Task == nil {
				err = errors.Wrap(common.ErrCorruption, "compaction record without task")
				break
			}
			if _, err = applyCompactionResult(state, rec.Task, rec.Outputs, true); err != nil {
				break
			}
			for _, id := range rec.Outputs {
				maxID = max(maxID, id)
			}
			gcHorizon = max(gcHorizon, rec.Watermark)
		default:
			err = errors.Wrapf(common.ErrCorruption, "unknown manifest record kind %q", rec.Kind)
		}
		if err != nil {
			lsm.manifest.Close()
			return err
		}
	}

	fail := func(err error) error {
		for _, mt := range state.immMemtables {
			mt.closeWAL()
		}
		if state.memtable != nil {
			state.memtable.closeWAL()
		}
		lsm.closeState(state)
		lsm.manifest.Close()
		return err
	}

	var maxTs uint64
	openTable := func(id uint64) error {
		t, err := OpenSSTable(id, lsm.blockCache, sstPath(lsm.path, id))
		if err != nil {
			return err
		}
		state.tables[id] = t
		maxTs = max(maxTs, t.MaxTs())
		return nil
	}
	for _, id := range state.l0 {
		if err := openTable(id); err != nil {
			return fail(err)
		}
	}
	for _, ids := range state.levels {
		for _, id := range ids {
			if err := openTable(id); err != nil {
				return fail(err)
			}
		}
	}
	state.sortLevels()

	for _, id := range memIDs {
		path := walPath(lsm.path, id)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		mt, err := RecoverMemTable(id, path, lsm.logger)
		if err != nil {
			return fail(err)
		}
		if mt.IsEmpty() {
			if err := mt.removeWAL(); err != nil {
				return fail(err)
			}
			continue
		}
		mt.Freeze()
		maxTs = max(maxTs, mt.MaxTs())
		state.immMemtables = append([]*MemTable{mt}, state.immMemtables...)
		lsm.logger.Info("recovered memtable", zap.Uint64("id", id), zap.Int64("entries", mt.Len()))
	}

	entries, err := os.ReadDir(lsm.path)
	if err != nil {
		return fail(errors.Wrapf(err, "failed to list %s", lsm.path))
	}
	for _, e := range entries {
		if id, _, ok := parseFileName(e.Name()); ok {
			maxID = max(maxID, id)
		}
	}
	lsm.nextID.Store(maxID + 1)

	id := lsm.allocateID()
	mt, err := lsm.newMemTable(id)
	if err != nil {
		return fail(err)
	}
	state.memtable = mt
	if err := lsm.manifest.AddRecord(NewMemtableRecord(id)); err != nil {
		return fail(err)
	}
	lsm.state = state

	if err := lsm.removeOrphans(entries); err != nil {
		return fail(err)
	}
	lsm.oracle = newOracle(maxTs, min(gcHorizon, maxTs), lsm.config.Serializable)
	return nil
}

// removeOrphans deletes files a crash left behind: tables and WALs the
// recovered state does not reference, and unfinished temporary files.
// Tables are left alone when the manifest lost a torn record this time;
// the next clean recovery removes any that are still unreferenced.
func (lsm *LSM) removeOrphans(entries []os.DirEntry) error {
	keepTables := lsm.manifest.Truncated()
	liveWALs := map[uint64]bool{lsm.state.memtable.ID(): true}
	for _, mt := range lsm.state.immMemtables {
		liveWALs[mt.ID()] = true
	}
	for _, e := range entries {
		name := e.Name()
		id, ext, ok := parseFileName(name)
		orphan := false
		switch {
		case ext == tmpExt:
			orphan = true
		case ok && ext == sstExt:
			_, live := lsm.state.tables[id]
			orphan = !live && !keepTables
		case ok && ext == walExt:
			orphan = !liveWALs[id]
		}
		if !orphan {
			continue
		}
		lsm.logger.Warn("removing orphan file", zap.String("file", name))
		if err := os.Remove(filepath.Join(lsm.path, name)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove orphan %s", name)
		}
	}
	return nil
}

func (lsm *LSM) allocateID() uint64 {
	return lsm.nextID.Add(1) - 1
}

func (lsm *LSM) newMemTable(id uint64) (*MemTable, error) {
	if !lsm.config.EnableWAL {
		return NewMemTable(id), nil
	}
	return CreateMemTableWithWAL(id, walPath(lsm.path, id))
}

// acquireState returns the current state pinned against table deletion.
// The caller must invoke release once done reading through it.
func (lsm *LSM) acquireState() (*storageState, func()) {
	lsm.mu.RLock()
	state := lsm.state
	lsm.snapshots.pin(state.version)
	lsm.mu.RUnlock()
	var once sync.Once
	return state, func() {
		once.Do(func() {
			lsm.closeTables(lsm.snapshots.unpin(state.version))
		})
	}
}

func (lsm *LSM) currentState() *storageState {
	lsm.mu.RLock()
	defer lsm.mu.RUnlock()
	return lsm.state
}

// publishLocked installs next as the current state. stateMu must be held.
func (lsm *LSM) publishLocked(next *storageState) {
	next.version = lsm.state.version + 1
	lsm.mu.Lock()
	lsm.state = next
	lsm.mu.Unlock()
	lsm.metrics.observeState(next)
}

func (lsm *LSM) closeTables(tables []*SSTable) {
	for _, t := range tables {
		if err := t.Close(); err != nil {
			lsm.logger.Warn("failed to close table", zap.Uint64("id", t.ID()), zap.Error(err))
		}
	}
}

func checkKey(key []byte) error {
	switch {
	case len(key) == 0:
		return common.ErrKeyEmpty
	case len(key) > maxKeyLen:
		return common.ErrKeyTooLarge
	}
	return nil
}

func checkValue(value []byte) error {
	switch {
	case len(value) == 0:
		return common.ErrValueEmpty
	case len(value) > maxValueLen:
		return common.ErrValueTooLarge
	}
	return nil
}

// Get returns the latest committed value of key.
func (lsm *LSM) Get(key []byte) ([]byte, bool, error) {
	if lsm.closed.Load() {
		return nil, false, common.ErrClosed
	}
	if err := checkKey(key); err != nil {
		return nil, false, err
	}
	readTs := lsm.oracle.beginLatestRead()
	defer lsm.oracle.endRead(readTs)
	return lsm.get(key, readTs)
}

// GetAt returns the value of key as of readTs.
func (lsm *LSM) GetAt(key []byte, readTs uint64) ([]byte, bool, error) {
	if lsm.closed.Load() {
		return nil, false, common.ErrClosed
	}
	if err := checkKey(key); err != nil {
		return nil, false, err
	}
	if err := lsm.oracle.beginRead(readTs); err != nil {
		return nil, false, err
	}
	defer lsm.oracle.endRead(readTs)
	return lsm.get(key, readTs)
}

func (lsm *LSM) get(key []byte, readTs uint64) ([]byte, bool, error) {
	lsm.stats.readCount.Add(1)
	lsm.metrics.opCounter.WithLabelValues("get").Inc()
	state, release := lsm.acquireState()
	defer release()
	return lsm.getFromState(state, key, readTs)
}

// getFromState finds the newest version of raw at or below readTs. A
// source whose max timestamp cannot beat the best version found so far is
// skipped, so in the common case the first hit ends the search.
func (lsm *LSM) getFromState(state *storageState, raw []byte, readTs uint64) ([]byte, bool, error) {
	var best Key
	var bestValue []byte
	found := false
	offer := func(k Key, v []byte) {
		if !found || k.Ts > best.Ts {
			best, bestValue, found = k, v, true
		}
	}
	beaten := func(maxTs uint64) bool { return found && maxTs <= best.Ts }

	memtables := append([]*MemTable{state.memtable}, state.immMemtables...)
	for _, mt := range memtables {
		if beaten(mt.MaxTs()) {
			continue
		}
		if k, v, ok := mt.Get(raw, readTs); ok {
			offer(k, v)
		}
	}

	probe := func(t *SSTable) error {
		if beaten(t.MaxTs()) {
			return nil
		}
		k, v, ok, err := t.Get(raw, readTs)
		if err != nil {
			return err
		}
		if ok {
			offer(k, v)
		}
		return nil
	}
	for _, id := range state.l0 {
		if err := probe(state.tables[id]); err != nil {
			return nil, false, err
		}
	}
	for _, ids := range state.levels {
		idx := sort.Search(len(ids), func(i int) bool {
			return bytes.Compare(state.tables[ids[i]].LastKey().Raw, raw) >= 0
		})
		if idx == len(ids) {
			continue
		}
		t := state.tables[ids[idx]]
		if bytes.Compare(t.FirstKey().Raw, raw) > 0 {
			continue
		}
		if err := probe(t); err != nil {
			return nil, false, err
		}
	}

	if !found || len(bestValue) == 0 {
		return nil, false, nil
	}
	return append([]byte(nil), bestValue...), true, nil
}

// Put writes key at a new commit timestamp.
func (lsm *LSM) Put(key, value []byte) error {
	if err := checkValue(value); err != nil {
		return err
	}
	return lsm.WriteBatch([]WriteBatchRecord{PutRecord(key, value)})
}

// Delete writes a tombstone for key.
func (lsm *LSM) Delete(key []byte) error {
	return lsm.WriteBatch([]WriteBatchRecord{DeleteRecord(key)})
}

// WriteBatch applies every record at one commit timestamp through one WAL
// batch. Later records win over earlier ones for the same key.
func (lsm *LSM) WriteBatch(batch []WriteBatchRecord) error {
	if lsm.closed.Load() {
		return common.ErrClosed
	}
	var writes map[uint32]struct{}
	if lsm.config.Serializable {
		writes = make(map[uint32]struct{}, len(batch))
	}
	for _, r := range batch {
		if err := checkKey(r.Key); err != nil {
			return err
		}
		if len(r.Value) > maxValueLen {
			return common.ErrValueTooLarge
		}
		if writes != nil {
			writes[keyFingerprint(r.Key)] = struct{}{}
		}
	}
	if len(batch) == 0 {
		return nil
	}
	_, err := lsm.commit(commitRequest{writes: writes, blind: true}, batch)
	return err
}

// commit runs req through the oracle and applies records at the commit ts.
func (lsm *LSM) commit(req commitRequest, records []WriteBatchRecord) (uint64, error) {
	if lsm.closed.Load() {
		return 0, common.ErrClosed
	}
	lsm.stallWrites()

	lsm.commitMu.Lock()
	defer lsm.commitMu.Unlock()
	if lsm.closed.Load() {
		return 0, common.ErrClosed
	}
	ts, err := lsm.oracle.commit(req, func(ts uint64) error {
		if lsm.beforeApply != nil {
			lsm.beforeApply(ts)
		}
		entries := make([]WALEntry, len(records))
		var n int64
		for i, r := range records {
			entries[i] = WALEntry{Key: NewKey(r.Key, ts), Value: r.Value}
			n += int64(len(r.Key) + len(r.Value))
		}
		if err := lsm.applyBatch(entries); err != nil {
			return err
		}
		lsm.stats.writeCount.Add(int64(len(records)))
		lsm.stats.userBytes.Add(n)
		return nil
	})
	switch {
	case errors.Cause(err) == common.ErrTxnConflict:
		lsm.metrics.txnCounter.WithLabelValues("conflict").Inc()
	case err != nil:
		lsm.metrics.txnCounter.WithLabelValues("error").Inc()
	default:
		lsm.metrics.txnCounter.WithLabelValues("ok").Inc()
		lsm.metrics.opCounter.WithLabelValues("write").Add(float64(len(records)))
		lsm.metrics.tsGauge.WithLabelValues("commit").Set(float64(ts))
	}
	return ts, err
}

// applyBatch lands entries in the active memtable. A writer that raced
// with a freeze reloads the state and retries on the new memtable.
func (lsm *LSM) applyBatch(entries []WALEntry) error {
	for {
		mt := lsm.currentState().memtable
		err := mt.PutBatch(entries, lsm.config.SyncWrites)
		if errors.Cause(err) == errMemTableFrozen {
			continue
		}
		if err != nil {
			return err
		}
		lsm.maybeFreeze(mt)
		return nil
	}
}

// Scan iterates live keys in (lower, upper) at the latest commit.
func (lsm *LSM) Scan(lower, upper Bound) (*Iterator, error) {
	if lsm.closed.Load() {
		return nil, common.ErrClosed
	}
	return lsm.scanAt(lower, upper, lsm.oracle.beginLatestRead())
}

// ScanAt iterates live keys in (lower, upper) as of readTs.
func (lsm *LSM) ScanAt(lower, upper Bound, readTs uint64) (*Iterator, error) {
	if lsm.closed.Load() {
		return nil, common.ErrClosed
	}
	if err := lsm.oracle.beginRead(readTs); err != nil {
		return nil, err
	}
	return lsm.scanAt(lower, upper, readTs)
}

func (lsm *LSM) scanAt(lower, upper Bound, readTs uint64) (*Iterator, error) {
	lsm.metrics.opCounter.WithLabelValues("scan").Inc()
	state, release := lsm.acquireState()
	done := func() {
		release()
		lsm.oracle.endRead(readTs)
	}
	it, err := lsm.newStateIterator(state, lower, upper, readTs)
	if err != nil {
		done()
		return nil, err
	}
	return newIterator(lsm, it, done), nil
}

// newStateIterator merges every source of state that can hold keys in
// (lower, upper), restricted to versions at or below readTs.
func (lsm *LSM) newStateIterator(state *storageState, lower, upper Bound, readTs uint64) (StorageIterator, error) {
	var sources []StorageIterator
	add := func(it StorageIterator) error {
		if lower.Kind == Excluded {
			for it.Valid() && bytes.Equal(it.Key().Raw, lower.Key) {
				if err := it.Next(); err != nil {
					return err
				}
			}
		}
		v, err := newVisibleIterator(it, readTs)
		if err != nil {
			return err
		}
		sources = append(sources, v)
		return nil
	}

	memtables := append([]*MemTable{state.memtable}, state.immMemtables...)
	for _, mt := range memtables {
		if err := add(mt.Scan(lower, upper)); err != nil {
			return nil, err
		}
	}
	start := seekKey(lower)
	for _, id := range state.l0 {
		t := state.tables[id]
		if !t.Overlaps(lower, upper) {
			continue
		}
		it, err := NewSSTableIteratorSeekToKey(t, start)
		if err != nil {
			return nil, err
		}
		if err := add(it); err != nil {
			return nil, err
		}
	}
	for level := 1; level <= len(state.levels); level++ {
		var tables []*SSTable
		for _, t := range state.levelTables(level) {
			if t.Overlaps(lower, upper) {
				tables = append(tables, t)
			}
		}
		if len(tables) == 0 {
			continue
		}
		it, err := NewConcatIteratorSeekToKey(tables, start)
		if err != nil {
			return nil, err
		}
		if err := add(it); err != nil {
			return nil, err
		}
	}

	it, err := newLsmIterator(NewMergeIterator(sources), upper)
	if err != nil {
		return nil, err
	}
	return NewFusedIterator(it), nil
}

// NewTransaction starts a transaction reading the latest commit.
func (lsm *LSM) NewTransaction() (*Transaction, error) {
	if lsm.closed.Load() {
		return nil, common.ErrClosed
	}
	return newTransaction(lsm, lsm.oracle.beginLatestRead(), lsm.config.Serializable), nil
}

// NewTransactionAt starts a transaction reading the snapshot at readTs.
func (lsm *LSM) NewTransactionAt(readTs uint64) (*Transaction, error) {
	if lsm.closed.Load() {
		return nil, common.ErrClosed
	}
	if err := lsm.oracle.beginRead(readTs); err != nil {
		return nil, err
	}
	return newTransaction(lsm, readTs, lsm.config.Serializable), nil
}

// Sync forces the active WAL to disk.
func (lsm *LSM) Sync() error {
	if lsm.closed.Load() {
		return common.ErrClosed
	}
	return lsm.currentState().memtable.SyncWAL()
}

// LatestCommitTs is the newest timestamp every commit up to has been applied.
func (lsm *LSM) LatestCommitTs() uint64 { return lsm.oracle.latestCommitTs() }

// Watermark is the oldest read timestamp still held by a reader.
func (lsm *LSM) Watermark() uint64 { return lsm.oracle.watermark() }

// Close stops the background workers, flushes every memtable and closes
// all files.
func (lsm *LSM) Close() error {
	if !lsm.closed.CompareAndSwap(false, true) {
		return common.ErrClosed
	}
	close(lsm.closeChan)
	lsm.cancel()
	lsm.wg.Wait()

	// Writers that passed the closed check finish before the final flush.
	lsm.commitMu.Lock()
	lsm.commitMu.Unlock()

	err := lsm.flushAll()
	if err != nil {
		lsm.logger.Error("failed to flush memtables on close", zap.Error(err))
	}
	lsm.metrics.unregister(lsm.config.Registerer)
	if cerr := lsm.closeFiles(); err == nil {
		err = cerr
	}
	lsm.logger.Info("engine closed")
	_ = lsm.logger.Sync()
	return err
}

// flushAll freezes the active memtable and flushes every immutable one.
func (lsm *LSM) flushAll() error {
	lsm.stateMu.Lock()
	var err error
	if !lsm.state.memtable.IsEmpty() {
		err = lsm.freezeLocked()
	}
	lsm.stateMu.Unlock()
	if err != nil {
		return err
	}
	for len(lsm.currentState().immMemtables) > 0 {
		if err := lsm.flushNext(context.Background()); err != nil {
			return err
		}
	}
	return nil
}

func (lsm *LSM) closeFiles() error {
	state := lsm.state
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if state.memtable.IsEmpty() {
		keep(state.memtable.removeWAL())
	} else {
		keep(state.memtable.closeWAL())
	}
	for _, mt := range state.immMemtables {
		keep(mt.closeWAL())
	}
	lsm.closeState(state)
	lsm.closeTables(lsm.snapshots.drain())
	keep(lsm.manifest.Close())
	lsm.blockCache.Close()
	return firstErr
}

func (lsm *LSM) closeState(state *storageState) {
	for _, t := range state.tables {
		if err := t.Close(); err != nil {
			lsm.logger.Warn("failed to close table", zap.Uint64("id", t.ID()), zap.Error(err))
		}
	}
}

// Iterator is a user-facing cursor over live keys. It pins the snapshot
// it reads from until Close.
// Once the engine is closed the iterator reports invalid and Next fails
// with ErrClosed, since the tables under it are gone.
type Iterator struct {
	iter    StorageIterator
	release func()
	engine  *LSM
	closed  bool
}

func newIterator(engine *LSM, iter StorageIterator, release func()) *Iterator {
	return &Iterator{iter: iter, release: release, engine: engine}
}

func (it *Iterator) done() bool { return it.closed || it.engine.closed.Load() }

func (it *Iterator) Valid() bool   { return !it.done() && it.iter.Valid() }
func (it *Iterator) Key() []byte   { return it.iter.Key().Raw }
func (it *Iterator) Value() []byte { return it.iter.Value() }

func (it *Iterator) Next() error {
	if it.done() {
		return common.ErrClosed
	}
	return it.iter.Next()
}

// Close releases the snapshot. It is safe to call more than once.
func (it *Iterator) Close() {
	if !it.closed {
		it.closed = true
		it.release()
	}
}
