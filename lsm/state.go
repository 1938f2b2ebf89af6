package lsm

import (
	"slices"
	"sync"
)

// storageState is an immutable snapshot of the engine's structure. A
// structural change clones it, edits the clone and publishes the clone;
// readers keep whichever snapshot they loaded.
type storageState struct {
	version uint64

	memtable     *MemTable
	immMemtables []*MemTable // newest first
	l0           []uint64    // newest first
	levels       [][]uint64  // levels[i] holds level i+1, sorted by first key
	tables       map[uint64]*SSTable
}

func newStorageState(maxLevels int) *storageState {
	return &storageState{
		levels: make([][]uint64, maxLevels),
		tables: make(map[uint64]*SSTable),
	}
}

func (s *storageState) clone() *storageState {
	levels := make([][]uint64, len(s.levels))
	for i, ids := range s.levels {
		levels[i] = slices.Clone(ids)
	}
	tables := make(map[uint64]*SSTable, len(s.tables))
	for id, t := range s.tables {
		tables[id] = t
	}
	return &storageState{
		version:      s.version,
		memtable:     s.memtable,
		immMemtables: slices.Clone(s.immMemtables),
		l0:           slices.Clone(s.l0),
		levels:       levels,
		tables:       tables,
	}
}

// levelTables returns the tables of level (1-based) in key order.
func (s *storageState) levelTables(level int) []*SSTable {
	ids := s.levels[level-1]
	tables := make([]*SSTable, 0, len(ids))
	for _, id := range ids {
		tables = append(tables, s.tables[id])
	}
	return tables
}

// levelSize is the on-disk size of a level; level 0 is L0.
func (s *storageState) levelSize(level int) int64 {
	ids := s.l0
	if level > 0 {
		ids = s.levels[level-1]
	}
	var size int64
	for _, id := range ids {
		if t, ok := s.tables[id]; ok {
			size += t.Size()
		}
	}
	return size
}

// sortLevels restores first-key order within every level.
func (s *storageState) sortLevels() {
	for _, ids := range s.levels {
		slices.SortFunc(ids, func(a, b uint64) int {
			return CompareKeys(s.tables[a].FirstKey(), s.tables[b].FirstKey())
		})
	}
}

// snapshotTracker pins state versions held by readers so that tables
// dropped from a newer version stay on disk until the last reader of an
// older version is done.
type snapshotTracker struct {
	mu       sync.Mutex
	pins     map[uint64]int
	obsolete []retiredTables
}

type retiredTables struct {
	// version is the first state version that no longer references tables.
	version uint64
	tables  []*SSTable
}

func newSnapshotTracker() *snapshotTracker {
	return &snapshotTracker{pins: make(map[uint64]int)}
}

func (t *snapshotTracker) pin(version uint64) {
	t.mu.Lock()
	t.pins[version]++
	t.mu.Unlock()
}

// unpin releases one reader of version and returns tables that became
// unreachable.
func (t *snapshotTracker) unpin(version uint64) []*SSTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pins[version]--; t.pins[version] <= 0 {
		delete(t.pins, version)
	}
	return t.collectLocked()
}

// retire schedules tables dropped by the state published as version.
func (t *snapshotTracker) retire(version uint64, tables []*SSTable) []*SSTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.obsolete = append(t.obsolete, retiredTables{version: version, tables: tables})
	return t.collectLocked()
}

func (t *snapshotTracker) collectLocked() []*SSTable {
	oldest, pinned := uint64(0), false
	for v := range t.pins {
		if !pinned || v < oldest {
			oldest, pinned = v, true
		}
	}
	var ready []*SSTable
	kept := t.obsolete[:0]
	for _, r := range t.obsolete {
		if !pinned || oldest >= r.version {
			ready = append(ready, r.tables...)
		} else {
			kept = append(kept, r)
		}
	}
	t.obsolete = kept
	return ready
}

// pending returns the number of tables waiting for readers to finish.
func (t *snapshotTracker) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range t.obsolete {
		n += len(r.tables)
	}
	return n
}

// drain hands back every retired table regardless of pins. Only for Close.
func (t *snapshotTracker) drain() []*SSTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	var tables []*SSTable
	for _, r := range t.obsolete {
		tables = append(tables, r.tables...)
	}
	t.obsolete = nil
	return tables
}
