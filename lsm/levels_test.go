package lsm

import (
	"testing"

	"github.com/intellect4all/mvcc-lsm/common"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCompactionController(t *testing.T) {
	config := DefaultConfig()
	c, err := NewCompactionController(config)
	require.NoError(t, err)
	assert.IsType(t, &leveledController{}, c)

	config.CompactionStyle = CompactionNone
	c, err = NewCompactionController(config)
	require.NoError(t, err)
	assert.Nil(t, c.GenerateTask(newStorageState(4)))

	config.CompactionStyle = "tiered"
	_, err = NewCompactionController(config)
	assert.Equal(t, common.ErrInvalidConfig, errors.Cause(err))
}

func TestLeveledControllerL0Trigger(t *testing.T) {
	c := &leveledController{l0Trigger: 2, sizeRatioPercent: 200, maxLevels: 3}
	state := newStorageState(3)
	state.l0 = []uint64{5}
	assert.Nil(t, c.GenerateTask(state))

	state.l0 = []uint64{6, 5}
	state.levels[0] = []uint64{1, 2}
	task := c.GenerateTask(state)
	require.NotNil(t, task)
	assert.Equal(t, 0, task.UpperLevel)
	assert.Equal(t, []uint64{6, 5}, task.UpperIDs)
	assert.Equal(t, 1, task.LowerLevel)
	assert.Equal(t, []uint64{1, 2}, task.LowerIDs)
	assert.False(t, task.IsLowerBottom)
}

func TestFullCompactionTask(t *testing.T) {
	state := newStorageState(3)
	state.l0 = []uint64{9, 8}
	state.levels[0] = []uint64{4}
	state.levels[2] = []uint64{1, 2}

	task := fullCompactionTask(state)
	assert.Equal(t, 3, task.LowerLevel)
	assert.True(t, task.IsLowerBottom)
	assert.Equal(t, []uint64{9, 8}, task.UpperIDs)
	assert.Equal(t, []uint64{4, 1, 2}, task.LowerIDs)
	assert.ElementsMatch(t, []uint64{9, 8, 4, 1, 2}, task.inputIDs())
}

func TestApplyCompactionResult(t *testing.T) {
	state := newStorageState(2)
	state.l0 = []uint64{7, 6, 5}
	state.levels[0] = []uint64{1, 2}
	task := &CompactionTask{UpperLevel: 0, UpperIDs: []uint64{6, 5}, LowerLevel: 1, LowerIDs: []uint64{1, 2}}

	removed, err := applyCompactionResult(state, task, []uint64{10, 11}, true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{6, 5, 1, 2}, removed)
	assert.Equal(t, []uint64{7}, state.l0)
	assert.Equal(t, []uint64{10, 11}, state.levels[0])
	assert.Empty(t, state.levels[1])
}

func TestApplyCompactionResultRejectsMissingInputs(t *testing.T) {
	state := newStorageState(2)
	state.l0 = []uint64{5}
	task := &CompactionTask{UpperLevel: 0, UpperIDs: []uint64{5, 4}, LowerLevel: 1}
	_, err := applyCompactionResult(state, task, []uint64{10}, true)
	assert.Error(t, err)

	task = &CompactionTask{UpperLevel: 0, UpperIDs: []uint64{5}, LowerLevel: 3}
	_, err = applyCompactionResult(state, task, []uint64{10}, true)
	assert.Equal(t, common.ErrCorruption, errors.Cause(err))
}

func TestSnapshotTrackerDefersRetiredTables(t *testing.T) {
	tracker := newSnapshotTracker()
	tracker.pin(3)
	tables := []*SSTable{{id: 1}, {id: 2}}

	assert.Empty(t, tracker.retire(4, tables))
	assert.Equal(t, 2, tracker.pending())

	assert.Len(t, tracker.unpin(3), 2)
	assert.Equal(t, 0, tracker.pending())

	tracker.pin(5)
	assert.Len(t, tracker.retire(5, []*SSTable{{id: 3}}), 1)
	assert.Empty(t, tracker.unpin(5))
}
