package lsm

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/pingcap/errors"
	"go.uber.org/zap"
)

// errMemTableFrozen tells a writer to reload the active memtable and retry.
var errMemTableFrozen = errors.New("memtable is frozen")

// MemTable is an in-memory sorted table for recent writes, backed by its
// own WAL when one is configured.
type MemTable struct {
	id    uint64
	list  *SkipList
	wal   *WAL
	maxTs atomic.Uint64

	// Writers hold gate shared for the duration of a batch. Freeze takes it
	// exclusively once, after which no batch can land here.
	gate   sync.RWMutex
	frozen bool
}

// NewMemTable creates a memtable without a WAL.
func NewMemTable(id uint64) *MemTable {
	return &MemTable{id: id, list: NewSkipList()}
}

// CreateMemTableWithWAL creates a memtable logging to a new WAL at path.
func CreateMemTableWithWAL(id uint64, path string) (*MemTable, error) {
	wal, err := CreateWAL(path)
	if err != nil {
		return nil, err
	}
	m := NewMemTable(id)
	m.wal = wal
	return m, nil
}

// RecoverMemTable rebuilds a memtable from the WAL at path.
func RecoverMemTable(id uint64, path string, logger *zap.Logger) (*MemTable, error) {
	m := NewMemTable(id)
	wal, err := RecoverWAL(path, logger, func(key Key, value []byte) {
		m.insert(key, value)
	})
	if err != nil {
		return nil, err
	}
	m.wal = wal
	return m, nil
}

func (m *MemTable) insert(key Key, value []byte) {
	m.list.Put(key, value)
	for {
		cur := m.maxTs.Load()
		if key.Ts <= cur || m.maxTs.CompareAndSwap(cur, key.Ts) {
			return
		}
	}
}

// PutBatch logs the batch to the WAL, optionally syncing it, then makes
// every entry visible in the map. It returns errMemTableFrozen without
// side effects if the memtable has been frozen.
func (m *MemTable) PutBatch(entries []WALEntry, sync bool) error {
	m.gate.RLock()
	defer m.gate.RUnlock()
	if m.frozen {
		return errMemTableFrozen
	}
	if m.wal != nil {
		if err := m.wal.PutBatch(entries); err != nil {
			return err
		}
		if sync {
			if err := m.wal.Sync(); err != nil {
				return err
			}
		}
	}
	for _, e := range entries {
		m.insert(e.Key.Clone(), append([]byte(nil), e.Value...))
	}
	return nil
}

// Put inserts a single version.
func (m *MemTable) Put(key Key, value []byte) error {
	return m.PutBatch([]WALEntry{{Key: key, Value: value}}, false)
}

// Freeze rejects further batches and waits for in-flight ones to finish.
func (m *MemTable) Freeze() {
	m.gate.Lock()
	m.frozen = true
	m.gate.Unlock()
}

// Get returns the newest version of raw with ts <= readTs.
func (m *MemTable) Get(raw []byte, readTs uint64) (Key, []byte, bool) {
	n := m.list.seekGE(NewKey(raw, readTs))
	if n == nil || !bytes.Equal(n.key.Raw, raw) {
		return Key{}, nil, false
	}
	return n.key, n.loadValue(), true
}

// Scan returns an iterator over every version whose raw key lies in (lower, upper).
func (m *MemTable) Scan(lower, upper Bound) *MemTableIterator {
	it := &MemTableIterator{cursor: m.list.NewIterator(), upper: upper}
	it.cursor.Seek(seekKey(lower))
	if lower.Kind == Excluded {
		for it.cursor.Valid() && bytes.Equal(it.cursor.Key().Raw, lower.Key) {
			it.cursor.Next()
		}
	}
	return it
}

// Flush adds every entry to builder in key order.
func (m *MemTable) Flush(builder *SSTableBuilder) {
	it := m.list.NewIterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		builder.Add(it.Key(), it.Value())
	}
}

// SyncWAL syncs the WAL, if any.
func (m *MemTable) SyncWAL() error {
	if m.wal == nil {
		return nil
	}
	return m.wal.Sync()
}

func (m *MemTable) closeWAL() error {
	if m.wal == nil {
		return nil
	}
	return m.wal.Close()
}

func (m *MemTable) removeWAL() error {
	if m.wal == nil {
		return nil
	}
	return m.wal.Remove()
}

func (m *MemTable) ID() uint64 { return m.id }

// ApproximateSize is the memory held by entries, used for the freeze threshold.
func (m *MemTable) ApproximateSize() int64 { return m.list.Size() }

func (m *MemTable) IsEmpty() bool { return m.list.Empty() }
func (m *MemTable) Len() int64    { return m.list.Len() }
func (m *MemTable) MaxTs() uint64 { return m.maxTs.Load() }

// MemTableIterator walks the versions of a memtable up to an upper bound.
type MemTableIterator struct {
	cursor *SkipListIterator
	upper  Bound
}

func (it *MemTableIterator) Valid() bool {
	return it.cursor.Valid() && !beyondUpper(it.cursor.Key().Raw, it.upper)
}

func (it *MemTableIterator) Key() Key      { return it.cursor.Key() }
func (it *MemTableIterator) Value() []byte { return it.cursor.Value() }

func (it *MemTableIterator) Next() error {
	it.cursor.Next()
	return nil
}
