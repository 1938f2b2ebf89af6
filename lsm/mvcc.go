package lsm

import (
	"sync"

	"github.com/dgryski/go-farm"
	"github.com/google/btree"
	"github.com/intellect4all/mvcc-lsm/common"
	"github.com/pingcap/errors"
)

// keyFingerprint is the read/write set hash of a raw key.
func keyFingerprint(raw []byte) uint32 {
	return farm.Fingerprint32(raw)
}

type committedTxn struct {
	commitTs uint64
	writes   map[uint32]struct{}
}

func committedTxnLess(a, b *committedTxn) bool { return a.commitTs < b.commitTs }

// oracle hands out read and commit timestamps.
//
// Commit timestamps are allocated under mu. The writes of a commit are
// applied after mu is released, so timestamps can finish out of order
// unless the caller serializes commits; readers are only given timestamps
// below which every commit has been applied.
type oracle struct {
	mu           sync.Mutex
	lastTs       uint64
	serializable bool
	committed    *btree.BTreeG[*committedTxn]

	readMu    sync.Mutex
	allocated uint64
	inflight  *btree.BTreeG[uint64]
	doneUntil uint64
	readers   *Watermark
	gcHorizon uint64
}

func newOracle(lastTs, gcHorizon uint64, serializable bool) *oracle {
	return &oracle{
		lastTs:       lastTs,
		serializable: serializable,
		committed:    btree.NewG(8, committedTxnLess),
		allocated:    lastTs,
		inflight:     btree.NewOrderedG[uint64](8),
		doneUntil:    lastTs,
		readers:      NewWatermark(),
		gcHorizon:    gcHorizon,
	}
}

// commitRequest describes what a commit read and wrote.
type commitRequest struct {
	readTs uint64
	reads  map[uint32]struct{}
	writes map[uint32]struct{}
	// blind writes did not read a snapshot and are never validated.
	blind bool
}

// commit validates req and applies its writes at a fresh commit timestamp.
func (o *oracle) commit(req commitRequest, apply func(commitTs uint64) error) (uint64, error) {
	o.mu.Lock()
	if o.serializable && !req.blind && o.conflicts(req.readTs, req.reads, req.writes) {
		o.mu.Unlock()
		return 0, common.ErrTxnConflict
	}
	o.lastTs++
	ts := o.lastTs
	if o.serializable && len(req.writes) > 0 {
		o.committed.ReplaceOrInsert(&committedTxn{commitTs: ts, writes: req.writes})
	}
	o.begin(ts)
	o.mu.Unlock()

	err := apply(ts)
	if err != nil {
		o.mu.Lock()
		o.committed.Delete(&committedTxn{commitTs: ts})
		o.mu.Unlock()
	}
	o.done(ts)
	return ts, err
}

// conflicts reports whether a transaction committed after readTs wrote a
// key in reads or writes.
func (o *oracle) conflicts(readTs uint64, reads, writes map[uint32]struct{}) bool {
	found := false
	o.committed.AscendGreaterOrEqual(&committedTxn{commitTs: readTs + 1}, func(c *committedTxn) bool {
		for h := range c.writes {
			_, r := reads[h]
			_, w := writes[h]
			if r || w {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

func (o *oracle) begin(ts uint64) {
	o.readMu.Lock()
	o.allocated = ts
	o.inflight.ReplaceOrInsert(ts)
	o.readMu.Unlock()
}

func (o *oracle) done(ts uint64) {
	o.readMu.Lock()
	o.inflight.Delete(ts)
	if lo, ok := o.inflight.Min(); ok {
		o.doneUntil = lo - 1
	} else {
		o.doneUntil = o.allocated
	}
	o.readMu.Unlock()
}

// beginLatestRead registers a reader at the newest fully applied timestamp.
func (o *oracle) beginLatestRead() uint64 {
	o.readMu.Lock()
	defer o.readMu.Unlock()
	o.readers.AddReader(o.doneUntil)
	return o.doneUntil
}

// beginRead registers a reader at ts.
func (o *oracle) beginRead(ts uint64) error {
	o.readMu.Lock()
	defer o.readMu.Unlock()
	if ts > o.doneUntil {
		return errors.Wrapf(common.ErrReadTsTooNew, "read ts %d, latest %d", ts, o.doneUntil)
	}
	if ts < o.gcHorizon {
		return errors.Wrapf(common.ErrSnapshotTooOld, "read ts %d, horizon %d", ts, o.gcHorizon)
	}
	o.readers.AddReader(ts)
	return nil
}

func (o *oracle) endRead(ts uint64) {
	o.readMu.Lock()
	o.readers.RemoveReader(ts)
	o.readMu.Unlock()
}

// watermark is the lowest timestamp any reader may still ask for.
func (o *oracle) watermark() uint64 {
	o.readMu.Lock()
	defer o.readMu.Unlock()
	return o.watermarkLocked()
}

func (o *oracle) watermarkLocked() uint64 {
	if ts, ok := o.readers.Watermark(); ok {
		return ts
	}
	return o.doneUntil
}

// compactionWatermark fixes the GC horizon for a compaction about to run.
// Reads below the returned timestamp are refused from now on.
func (o *oracle) compactionWatermark() uint64 {
	o.readMu.Lock()
	defer o.readMu.Unlock()
	wm := o.watermarkLocked()
	if wm > o.gcHorizon {
		o.gcHorizon = wm
	}
	return o.gcHorizon
}

func (o *oracle) latestCommitTs() uint64 {
	o.readMu.Lock()
	defer o.readMu.Unlock()
	return o.doneUntil
}

// gcCommitted forgets write sets no open transaction can conflict with.
func (o *oracle) gcCommitted() int {
	wm := o.watermark()
	o.mu.Lock()
	defer o.mu.Unlock()
	removed := 0
	for {
		c, ok := o.committed.Min()
		if !ok || c.commitTs > wm {
			return removed
		}
		o.committed.DeleteMin()
		removed++
	}
}

func (o *oracle) numCommitted() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.committed.Len()
}
