package lsm

import (
	"slices"

	"github.com/intellect4all/mvcc-lsm/common"
	"github.com/pingcap/errors"
)

// CompactionTask names the tables one compaction merges. Level 0 is L0.
// Upper tables come from UpperLevel; lower tables may come from any deeper
// level and the outputs land in LowerLevel.
type CompactionTask struct {
	UpperLevel    int      `json:"upper_level"`
	UpperIDs      []uint64 `json:"upper_ids"`
	LowerLevel    int      `json:"lower_level"`
	LowerIDs      []uint64 `json:"lower_ids"`
	IsLowerBottom bool     `json:"is_lower_bottom"`
}

func (t *CompactionTask) inputIDs() []uint64 {
	return append(slices.Clone(t.UpperIDs), t.LowerIDs...)
}

// CompactionController decides when and what to compact.
type CompactionController interface {
	// GenerateTask returns nil when nothing needs compacting.
	GenerateTask(state *storageState) *CompactionTask
}

// NewCompactionController builds the controller named by config.
func NewCompactionController(config Config) (CompactionController, error) {
	switch config.CompactionStyle {
	case CompactionNone:
		return noCompaction{}, nil
	case CompactionLeveled:
		return &leveledController{
			l0Trigger:        config.Level0FileNumCompactionTrigger,
			sizeRatioPercent: config.LevelSizeRatioPercent,
			maxLevels:        config.MaxLevels,
		}, nil
	}
	return nil, errors.Wrapf(common.ErrInvalidConfig, "unknown compaction style %q", config.CompactionStyle)
}

type noCompaction struct{}

func (noCompaction) GenerateTask(*storageState) *CompactionTask { return nil }

// leveledController compacts L0 into L1 once L0 holds l0Trigger tables,
// and level i into level i+1 once size(i+1)/size(i) drops below
// sizeRatioPercent.
type leveledController struct {
	l0Trigger        int
	sizeRatioPercent int
	maxLevels        int
}

func (c *leveledController) GenerateTask(state *storageState) *CompactionTask {
	if len(state.l0) >= c.l0Trigger {
		return &CompactionTask{
			UpperLevel:    0,
			UpperIDs:      slices.Clone(state.l0),
			LowerLevel:    1,
			LowerIDs:      slices.Clone(state.levels[0]),
			IsLowerBottom: c.maxLevels == 1,
		}
	}
	for upper := 1; upper < c.maxLevels; upper++ {
		upperSize := state.levelSize(upper)
		if upperSize == 0 {
			continue
		}
		lowerSize := state.levelSize(upper + 1)
		if lowerSize*100/upperSize < int64(c.sizeRatioPercent) {
			return &CompactionTask{
				UpperLevel:    upper,
				UpperIDs:      slices.Clone(state.levels[upper-1]),
				LowerLevel:    upper + 1,
				LowerIDs:      slices.Clone(state.levels[upper]),
				IsLowerBottom: upper+1 == c.maxLevels,
			}
		}
	}
	return nil
}

// fullCompactionTask merges L0 and every level into the bottom level.
func fullCompactionTask(state *storageState) *CompactionTask {
	task := &CompactionTask{
		UpperLevel:    0,
		UpperIDs:      slices.Clone(state.l0),
		LowerLevel:    len(state.levels),
		IsLowerBottom: true,
	}
	for _, ids := range state.levels {
		task.LowerIDs = append(task.LowerIDs, ids...)
	}
	return task
}

// applyCompactionResult removes the task's inputs from state and places
// outputs in the lower level. It returns the removed ids. Tables for
// outputs must already be in state.tables unless inRecovery is set, in
// which case level order is restored once tables are opened.
func applyCompactionResult(state *storageState, task *CompactionTask, outputs []uint64, inRecovery bool) ([]uint64, error) {
	if task.LowerLevel < 1 || task.LowerLevel > len(state.levels) {
		return nil, errors.Wrapf(common.ErrCorruption, "compaction into unknown level %d", task.LowerLevel)
	}
	removed := make(map[uint64]struct{}, len(task.UpperIDs)+len(task.LowerIDs))
	for _, id := range task.inputIDs() {
		removed[id] = struct{}{}
	}
	keep := func(ids []uint64) []uint64 {
		return slices.DeleteFunc(ids, func(id uint64) bool {
			_, ok := removed[id]
			return ok
		})
	}

	found := 0
	countFound := func(ids []uint64) {
		for _, id := range ids {
			if _, ok := removed[id]; ok {
				found++
			}
		}
	}
	countFound(state.l0)
	for _, ids := range state.levels {
		countFound(ids)
	}
	if found != len(removed) {
		return nil, errors.Errorf("compaction inputs changed: %d of %d tables still present", found, len(removed))
	}

	state.l0 = keep(state.l0)
	for i := range state.levels {
		state.levels[i] = keep(state.levels[i])
	}
	lower := task.LowerLevel - 1
	state.levels[lower] = append(state.levels[lower], outputs...)
	if !inRecovery {
		state.sortLevels()
	}

	ids := make([]uint64, 0, len(removed))
	for id := range removed {
		ids = append(ids, id)
	}
	return ids, nil
}
