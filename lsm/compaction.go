package lsm

import (
	"bytes"
	"context"
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/zap"
)

// compactionInputs builds one iterator per input source of task, newest
// first: each L0 table on its own, then one concat per level.
func compactionInputs(state *storageState, task *CompactionTask) ([]StorageIterator, error) {
	inputs := make(map[uint64]struct{})
	for _, id := range task.inputIDs() {
		inputs[id] = struct{}{}
	}

	var iters []StorageIterator
	for _, id := range state.l0 {
		if _, ok := inputs[id]; !ok {
			continue
		}
		it, err := NewSSTableIteratorSeekToFirst(state.tables[id])
		if err != nil {
			return nil, err
		}
		iters = append(iters, it)
	}
	for level := 1; level <= len(state.levels); level++ {
		var tables []*SSTable
		for _, t := range state.levelTables(level) {
			if _, ok := inputs[t.ID()]; ok {
				tables = append(tables, t)
			}
		}
		if len(tables) == 0 {
			continue
		}
		it, err := NewConcatIteratorSeekToFirst(tables)
		if err != nil {
			return nil, err
		}
		iters = append(iters, it)
	}
	return iters, nil
}

// compactTables merges the inputs of task into new tables of roughly
// TargetSSTSize. Every version above watermark survives. Of the versions
// at or below it, only the newest of each key is kept, and that one too
// is dropped if it is a tombstone and nothing lies below the output level.
// A key's versions never straddle two output tables.
func (lsm *LSM) compactTables(ctx context.Context, state *storageState, task *CompactionTask, watermark uint64) (outputs []*SSTable, err error) {
	iters, err := compactionInputs(state, task)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			discardTables(outputs)
			outputs = nil
		}
	}()

	var builder *SSTableBuilder
	finish := func() error {
		if builder == nil || builder.IsEmpty() {
			return nil
		}
		id := lsm.allocateID()
		t, err := builder.Build(ctx, id, lsm.blockCache, sstPath(lsm.path, id), lsm.compactionLimiter)
		if err != nil {
			return err
		}
		outputs = append(outputs, t)
		builder = nil
		return nil
	}

	var lastRaw []byte
	first, keptBelow := true, false
	for it := NewVersionMergeIterator(iters); it.Valid(); {
		key, value := it.Key(), it.Value()
		if first || !bytes.Equal(key.Raw, lastRaw) {
			if builder != nil && builder.EstimatedSize() >= int(lsm.config.TargetSSTSize) {
				if err := finish(); err != nil {
					return outputs, err
				}
				if err := ctx.Err(); err != nil {
					return outputs, err
				}
			}
			lastRaw = append(lastRaw[:0], key.Raw...)
			first, keptBelow = false, false
		}

		keep := true
		if key.Ts <= watermark {
			if keptBelow {
				keep = false
			} else {
				keptBelow = true
				keep = len(value) > 0 || !task.IsLowerBottom
			}
		}
		if keep {
			if builder == nil {
				builder = NewSSTableBuilder(int(lsm.config.BlockSize), lsm.config.BloomFalsePositiveRate)
			}
			builder.Add(key, value)
		}
		if err := it.Next(); err != nil {
			return outputs, err
		}
	}
	if err := finish(); err != nil {
		return outputs, err
	}
	return outputs, nil
}

func discardTables(tables []*SSTable) {
	for _, t := range tables {
		t.obsolete.Store(true)
		t.Close()
	}
}

// ForceFullCompaction merges L0 and every level into the bottom level.
func (lsm *LSM) ForceFullCompaction() error {
	lsm.compactMu.Lock()
	defer lsm.compactMu.Unlock()
	state := lsm.currentState()
	task := fullCompactionTask(state)
	if len(task.inputIDs()) == 0 {
		return nil
	}
	return lsm.runCompaction(context.Background(), state, task)
}

// compactOnce runs the task the controller picks, if any.
func (lsm *LSM) compactOnce(ctx context.Context) (bool, error) {
	lsm.compactMu.Lock()
	defer lsm.compactMu.Unlock()
	state := lsm.currentState()
	task := lsm.controller.GenerateTask(state)
	if task == nil {
		return false, nil
	}
	return true, lsm.runCompaction(ctx, state, task)
}

// runCompaction builds the outputs of task outside any lock, then records
// and publishes the result. Inputs are unlinked once no reader pins a
// state that still names them. compactMu must be held.
func (lsm *LSM) runCompaction(ctx context.Context, state *storageState, task *CompactionTask) error {
	start := time.Now()
	watermark := lsm.oracle.compactionWatermark()
	outputs, err := lsm.compactTables(ctx, state, task, watermark)
	if err != nil {
		return errors.Wrapf(err, "compaction L%d->L%d failed", task.UpperLevel, task.LowerLevel)
	}
	ids := make([]uint64, len(outputs))
	var written int64
	for i, t := range outputs {
		ids[i] = t.ID()
		written += t.Size()
	}

	lsm.stateMu.Lock()
	next := lsm.state.clone()
	for _, t := range outputs {
		next.tables[t.ID()] = t
	}
	removed, err := applyCompactionResult(next, task, ids, false)
	if err == nil {
		err = lsm.manifest.AddRecord(CompactionRecord(task, ids, watermark))
	}
	if err != nil {
		lsm.stateMu.Unlock()
		discardTables(outputs)
		return err
	}
	retired := make([]*SSTable, 0, len(removed))
	for _, id := range removed {
		retired = append(retired, next.tables[id])
		delete(next.tables, id)
	}
	lsm.publishLocked(next)
	version := next.version
	lsm.stateMu.Unlock()

	for _, t := range retired {
		t.obsolete.Store(true)
	}
	lsm.closeTables(lsm.snapshots.retire(version, retired))

	lsm.stats.compactCount.Add(1)
	lsm.stats.compactedBytes.Add(written)
	lsm.metrics.compactionDuration.Observe(time.Since(start).Seconds())
	lsm.metrics.bytesWritten.WithLabelValues("compaction").Add(float64(written))
	lsm.metrics.tsGauge.WithLabelValues("gc_watermark").Set(float64(watermark))
	lsm.logger.Info("compaction finished",
		zap.Int("upperLevel", task.UpperLevel),
		zap.Int("lowerLevel", task.LowerLevel),
		zap.Int("inputs", len(removed)),
		zap.Int("outputs", len(outputs)),
		zap.Uint64("watermark", watermark),
		zap.Duration("took", time.Since(start)))
	return nil
}

// compactionWorker handles background compactions
func (lsm *LSM) compactionWorker() {
	defer lsm.wg.Done()
	ticker := time.NewTicker(lsm.config.CompactionInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-lsm.closeChan:
			return
		case <-ticker.C:
			if n := lsm.oracle.gcCommitted(); n > 0 {
				lsm.logger.Debug("dropped committed write sets", zap.Int("count", n))
			}
		case <-lsm.compactionChan:
		}
		ran, err := lsm.compactOnce(lsm.ctx)
		if err != nil {
			if lsm.ctx.Err() == nil {
				lsm.logger.Error("error during compaction", zap.Error(err))
			}
			continue
		}
		// Trigger next level compaction if needed
		if ran {
			signal(lsm.compactionChan)
		}
	}
}
