package lsm

import (
	"context"
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/zap"
)

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// maybeFreeze freezes mt once it outgrows MemTableSize.
func (lsm *LSM) maybeFreeze(mt *MemTable) {
	if mt.ApproximateSize() < int64(lsm.config.MemTableSize) {
		return
	}
	lsm.stateMu.Lock()
	var err error
	// Double-check: another writer may have frozen it already
	if lsm.state.memtable == mt {
		err = lsm.freezeLocked()
	}
	lsm.stateMu.Unlock()
	if err != nil {
		lsm.logger.Error("failed to freeze memtable", zap.Uint64("id", mt.ID()), zap.Error(err))
		return
	}
	signal(lsm.flushChan)
}

// stallWrites flushes inline while too many immutable memtables are queued.
func (lsm *LSM) stallWrites() {
	for len(lsm.currentState().immMemtables) > lsm.config.NumMemTableLimit {
		if err := lsm.flushNext(lsm.ctx); err != nil {
			lsm.logger.Warn("write stall flush failed", zap.Error(err))
			return
		}
	}
}

// ForceFreezeMemtable moves the active memtable to the immutable list and
// installs a fresh one. An empty active memtable is left alone.
func (lsm *LSM) ForceFreezeMemtable() error {
	lsm.stateMu.Lock()
	defer lsm.stateMu.Unlock()
	if lsm.state.memtable.IsEmpty() {
		return nil
	}
	return lsm.freezeLocked()
}

// freezeLocked swaps in a new active memtable. stateMu must be held.
//
// The new state is published before the old memtable is frozen, so a
// writer turned away by the frozen memtable always finds its successor.
func (lsm *LSM) freezeLocked() error {
	id := lsm.allocateID()
	mt, err := lsm.newMemTable(id)
	if err != nil {
		return err
	}
	if err := lsm.manifest.AddRecord(NewMemtableRecord(id)); err != nil {
		mt.removeWAL()
		return err
	}

	old := lsm.state.memtable
	next := lsm.state.clone()
	next.memtable = mt
	next.immMemtables = append([]*MemTable{old}, next.immMemtables...)
	lsm.publishLocked(next)

	old.Freeze()
	if err := old.SyncWAL(); err != nil {
		return err
	}
	lsm.logger.Debug("froze memtable",
		zap.Uint64("id", old.ID()),
		zap.Int64("bytes", old.ApproximateSize()),
		zap.Uint64("next", id))
	return nil
}

// ForceFlushNextImmMemtable flushes the oldest immutable memtable, if any.
func (lsm *LSM) ForceFlushNextImmMemtable() error {
	return lsm.flushNext(context.Background())
}

// flushNext writes the oldest immutable memtable to a new L0 table named
// after the memtable. The table is synced before the Flush record is
// written and the state published.
func (lsm *LSM) flushNext(ctx context.Context) error {
	lsm.flushMu.Lock()
	defer lsm.flushMu.Unlock()

	state := lsm.currentState()
	if len(state.immMemtables) == 0 {
		return nil
	}
	mt := state.immMemtables[len(state.immMemtables)-1]
	mt.Freeze()

	start := time.Now()
	var table *SSTable
	if !mt.IsEmpty() {
		builder := NewSSTableBuilder(int(lsm.config.BlockSize), lsm.config.BloomFalsePositiveRate)
		mt.Flush(builder)
		t, err := builder.Build(ctx, mt.ID(), lsm.blockCache, sstPath(lsm.path, mt.ID()), nil)
		if err != nil {
			return errors.Wrapf(err, "failed to flush memtable %d", mt.ID())
		}
		table = t
	}

	lsm.stateMu.Lock()
	if table != nil {
		if err := lsm.manifest.AddRecord(FlushRecord(mt.ID())); err != nil {
			lsm.stateMu.Unlock()
			table.obsolete.Store(true)
			table.Close()
			return err
		}
	}
	next := lsm.state.clone()
	next.immMemtables = next.immMemtables[:len(next.immMemtables)-1]
	if table != nil {
		next.l0 = append([]uint64{table.ID()}, next.l0...)
		next.tables[table.ID()] = table
	}
	lsm.publishLocked(next)
	lsm.stateMu.Unlock()

	if err := mt.removeWAL(); err != nil {
		lsm.logger.Warn("failed to remove flushed WAL", zap.Uint64("id", mt.ID()), zap.Error(err))
	}

	if table != nil {
		lsm.stats.flushCount.Add(1)
		lsm.stats.flushedBytes.Add(table.Size())
		lsm.metrics.flushDuration.Observe(time.Since(start).Seconds())
		lsm.metrics.bytesWritten.WithLabelValues("flush").Add(float64(table.Size()))
		lsm.logger.Debug("flushed memtable",
			zap.Uint64("id", mt.ID()),
			zap.Int64("bytes", table.Size()),
			zap.Duration("took", time.Since(start)))
	}
	signal(lsm.compactionChan)
	return nil
}

// flushWorker handles background memtable flushes
func (lsm *LSM) flushWorker() {
	defer lsm.wg.Done()
	ticker := time.NewTicker(lsm.config.FlushInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-lsm.closeChan:
			return
		case <-ticker.C:
		case <-lsm.flushChan:
		}
		for len(lsm.currentState().immMemtables) > 0 {
			if err := lsm.flushNext(lsm.ctx); err != nil {
				if lsm.ctx.Err() == nil {
					lsm.logger.Error("error flushing memtable", zap.Error(err))
				}
				break
			}
		}
	}
}
