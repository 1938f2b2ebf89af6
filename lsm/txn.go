package lsm

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/intellect4all/mvcc-lsm/common"
)

type localEntry struct {
	key   []byte
	value []byte
}

func localEntryLess(a, b localEntry) bool { return bytes.Compare(a.key, b.key) < 0 }

// Transaction reads a snapshot fixed at ReadTs and buffers its writes
// locally until Commit applies them at a new commit timestamp.
type Transaction struct {
	engine *LSM
	readTs uint64

	mu     sync.Mutex
	local  *btree.BTreeG[localEntry]
	reads  map[uint32]struct{}
	writes map[uint32]struct{}

	finished atomic.Bool
	released atomic.Bool
}

func newTransaction(engine *LSM, readTs uint64, serializable bool) *Transaction {
	txn := &Transaction{
		engine: engine,
		readTs: readTs,
		local:  btree.NewG(16, localEntryLess),
	}
	if serializable {
		txn.reads = make(map[uint32]struct{})
		txn.writes = make(map[uint32]struct{})
	}
	return txn
}

// ReadTs is the timestamp of the snapshot this transaction reads.
func (txn *Transaction) ReadTs() uint64 { return txn.readTs }

func (txn *Transaction) recordRead(raw []byte) {
	if txn.reads != nil {
		txn.reads[keyFingerprint(raw)] = struct{}{}
	}
}

// Get returns the value of key as seen by this transaction: its own
// pending writes first, then the snapshot at ReadTs.
func (txn *Transaction) Get(key []byte) ([]byte, bool, error) {
	if txn.finished.Load() {
		return nil, false, common.ErrTxnCommitted
	}
	if err := checkKey(key); err != nil {
		return nil, false, err
	}
	txn.mu.Lock()
	e, ok := txn.local.Get(localEntry{key: key})
	txn.recordRead(key)
	txn.mu.Unlock()
	if ok {
		if len(e.value) == 0 {
			return nil, false, nil
		}
		return append([]byte(nil), e.value...), true, nil
	}

	state, release := txn.engine.acquireState()
	defer release()
	return txn.engine.getFromState(state, key, txn.readTs)
}

// Put buffers a write of key.
func (txn *Transaction) Put(key, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := checkValue(value); err != nil {
		return err
	}
	return txn.write(key, value)
}

// Delete buffers a tombstone for key.
func (txn *Transaction) Delete(key []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	return txn.write(key, nil)
}

func (txn *Transaction) write(key, value []byte) error {
	if txn.finished.Load() {
		return common.ErrTxnCommitted
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()
	txn.local.ReplaceOrInsert(localEntry{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	if txn.writes != nil {
		txn.writes[keyFingerprint(key)] = struct{}{}
	}
	return nil
}

// Scan iterates the live keys in (lower, upper) with the transaction's
// pending writes overlaid on its snapshot. Writes made after Scan returns
// are not visible to the iterator.
func (txn *Transaction) Scan(lower, upper Bound) (*Iterator, error) {
	if txn.finished.Load() {
		return nil, common.ErrTxnCommitted
	}
	txn.mu.Lock()
	local := newLocalIterator(txn.local.Clone(), lower, upper, txn.readTs)
	txn.mu.Unlock()

	state, release := txn.engine.acquireState()
	snapshot, err := txn.engine.newStateIterator(state, lower, upper, txn.readTs)
	if err != nil {
		release()
		return nil, err
	}
	merged, err := NewTwoMergeIterator(local, snapshot)
	if err != nil {
		release()
		return nil, err
	}
	it, err := newTxnIterator(txn, merged)
	if err != nil {
		release()
		return nil, err
	}
	return newIterator(txn.engine, NewFusedIterator(it), release), nil
}

// Commit validates the transaction and applies its writes. It fails with
// ErrTxnConflict when serializable checking finds a concurrent write to a
// key this transaction read or wrote; the writes are then discarded. A
// transaction commits at most once.
func (txn *Transaction) Commit() error {
	if !txn.finished.CompareAndSwap(false, true) {
		return common.ErrTxnCommitted
	}
	defer txn.release()

	txn.mu.Lock()
	defer txn.mu.Unlock()
	records := make([]WriteBatchRecord, 0, txn.local.Len())
	txn.local.Ascend(func(e localEntry) bool {
		records = append(records, WriteBatchRecord{Key: e.key, Value: e.value})
		return true
	})
	if len(records) == 0 {
		return nil
	}
	_, err := txn.engine.commit(commitRequest{
		readTs: txn.readTs,
		reads:  txn.reads,
		writes: txn.writes,
	}, records)
	return err
}

// Discard ends the transaction without applying anything.
func (txn *Transaction) Discard() {
	txn.finished.Store(true)
	txn.release()
}

func (txn *Transaction) release() {
	if txn.released.CompareAndSwap(false, true) {
		txn.engine.oracle.endRead(txn.readTs)
	}
}

// localIterator walks a private copy of a transaction's write buffer. It
// keeps only the current entry and finds its successor by key on Next.
type localIterator struct {
	tree  *btree.BTreeG[localEntry]
	upper Bound
	ts    uint64
	cur   localEntry
	valid bool
}

func newLocalIterator(tree *btree.BTreeG[localEntry], lower, upper Bound, ts uint64) *localIterator {
	it := &localIterator{tree: tree, upper: upper, ts: ts}
	it.seek(lower.Key, lower.Kind != Excluded)
	return it
}

func (it *localIterator) seek(from []byte, inclusive bool) {
	it.valid = false
	it.tree.AscendGreaterOrEqual(localEntry{key: from}, func(e localEntry) bool {
		if !inclusive && bytes.Equal(e.key, from) {
			return true
		}
		if !beyondUpper(e.key, it.upper) {
			it.cur, it.valid = e, true
		}
		return false
	})
}

func (it *localIterator) Key() Key      { return Key{Raw: it.cur.key, Ts: it.ts} }
func (it *localIterator) Value() []byte { return it.cur.value }
func (it *localIterator) Valid() bool   { return it.valid }

func (it *localIterator) Next() error {
	it.seek(it.cur.key, false)
	return nil
}

// txnIterator hides local tombstones and adds every key it yields to the
// transaction's read set.
type txnIterator struct {
	txn   *Transaction
	inner *TwoMergeIterator
}

func newTxnIterator(txn *Transaction, inner *TwoMergeIterator) (*txnIterator, error) {
	it := &txnIterator{txn: txn, inner: inner}
	if err := it.skipDeleted(); err != nil {
		return nil, err
	}
	it.record()
	return it, nil
}

func (it *txnIterator) skipDeleted() error {
	for it.inner.Valid() && len(it.inner.Value()) == 0 {
		if err := it.inner.Next(); err != nil {
			return err
		}
	}
	return nil
}

func (it *txnIterator) record() {
	if it.inner.Valid() {
		it.txn.mu.Lock()
		it.txn.recordRead(it.inner.Key().Raw)
		it.txn.mu.Unlock()
	}
}

func (it *txnIterator) Key() Key      { return it.inner.Key() }
func (it *txnIterator) Value() []byte { return it.inner.Value() }
func (it *txnIterator) Valid() bool   { return it.inner.Valid() }

func (it *txnIterator) Next() error {
	if err := it.inner.Next(); err != nil {
		return err
	}
	if err := it.skipDeleted(); err != nil {
		return err
	}
	it.record()
	return nil
}
