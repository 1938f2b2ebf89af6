package lsm

import (
	"sync"
	"testing"

	"github.com/intellect4all/mvcc-lsm/common"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fingerprints(keys ...string) map[uint32]struct{} {
	set := make(map[uint32]struct{}, len(keys))
	for _, k := range keys {
		set[keyFingerprint([]byte(k))] = struct{}{}
	}
	return set
}

func noopApply(uint64) error { return nil }

func TestWatermark(t *testing.T) {
	w := NewWatermark()
	_, ok := w.Watermark()
	assert.False(t, ok)

	w.AddReader(5)
	w.AddReader(3)
	w.AddReader(3)
	w.AddReader(9)
	ts, ok := w.Watermark()
	require.True(t, ok)
	assert.Equal(t, uint64(3), ts)
	assert.Equal(t, 3, w.NumRetainedSnapshots())

	w.RemoveReader(3)
	ts, _ = w.Watermark()
	assert.Equal(t, uint64(3), ts)
	w.RemoveReader(3)
	ts, _ = w.Watermark()
	assert.Equal(t, uint64(5), ts)

	w.RemoveReader(42)
	w.RemoveReader(5)
	w.RemoveReader(9)
	_, ok = w.Watermark()
	assert.False(t, ok)
	assert.Equal(t, 0, w.NumRetainedSnapshots())
}

func TestOracleCommitTimestampsIncrease(t *testing.T) {
	o := newOracle(10, 0, true)
	assert.Equal(t, uint64(10), o.latestCommitTs())

	ts, err := o.commit(commitRequest{writes: fingerprints("a"), blind: true}, noopApply)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), ts)
	ts, err = o.commit(commitRequest{writes: fingerprints("b"), blind: true}, noopApply)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), ts)
	assert.Equal(t, uint64(12), o.latestCommitTs())
	assert.Equal(t, uint64(12), o.beginLatestRead())
}

func TestOracleReadTsWaitsForInflightCommits(t *testing.T) {
	o := newOracle(0, 0, false)
	applying := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := o.commit(commitRequest{blind: true}, func(uint64) error {
			close(applying)
			<-release
			return nil
		})
		assert.NoError(t, err)
	}()
	<-applying

	// ts 1 is allocated but not applied; ts 2 finishes first.
	ts, err := o.commit(commitRequest{blind: true}, noopApply)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ts)
	assert.Equal(t, uint64(0), o.latestCommitTs())
	assert.Equal(t, common.ErrReadTsTooNew, errors.Cause(o.beginRead(1)))

	close(release)
	wg.Wait()
	assert.Equal(t, uint64(2), o.latestCommitTs())
	require.NoError(t, o.beginRead(2))
	o.endRead(2)
}

func TestOracleDetectsConflicts(t *testing.T) {
	o := newOracle(0, 0, true)
	readTs := o.beginLatestRead()

	_, err := o.commit(commitRequest{writes: fingerprints("x"), blind: true}, noopApply)
	require.NoError(t, err)

	// Read of x at a timestamp before the write of x.
	_, err = o.commit(commitRequest{readTs: readTs, reads: fingerprints("x"), writes: fingerprints("y")}, noopApply)
	assert.Equal(t, common.ErrTxnConflict, err)

	// Blind write of x against the same commit.
	_, err = o.commit(commitRequest{readTs: readTs, writes: fingerprints("x")}, noopApply)
	assert.Equal(t, common.ErrTxnConflict, err)

	// Disjoint keys commit.
	_, err = o.commit(commitRequest{readTs: readTs, reads: fingerprints("z"), writes: fingerprints("w")}, noopApply)
	assert.NoError(t, err)

	// A snapshot taken after the write of x does not conflict with it.
	later := o.beginLatestRead()
	_, err = o.commit(commitRequest{readTs: later, reads: fingerprints("x"), writes: fingerprints("x")}, noopApply)
	assert.NoError(t, err)
	o.endRead(readTs)
	o.endRead(later)
}

func TestOracleSnapshotIsolationSkipsValidation(t *testing.T) {
	o := newOracle(0, 0, false)
	readTs := o.beginLatestRead()
	_, err := o.commit(commitRequest{writes: fingerprints("x"), blind: true}, noopApply)
	require.NoError(t, err)
	_, err = o.commit(commitRequest{readTs: readTs, reads: fingerprints("x"), writes: fingerprints("x")}, noopApply)
	assert.NoError(t, err)
	assert.Equal(t, 0, o.numCommitted())
}

func TestOracleFailedApplyForgetsWrites(t *testing.T) {
	o := newOracle(0, 0, true)
	readTs := o.beginLatestRead()
	_, err := o.commit(commitRequest{writes: fingerprints("x"), blind: true}, func(uint64) error {
		return errors.New("disk full")
	})
	require.Error(t, err)
	assert.Equal(t, 0, o.numCommitted())
	assert.Equal(t, uint64(1), o.latestCommitTs())

	_, err = o.commit(commitRequest{readTs: readTs, reads: fingerprints("x"), writes: fingerprints("x")}, noopApply)
	assert.NoError(t, err)
}

func TestOracleWatermarkAndHorizon(t *testing.T) {
	o := newOracle(0, 0, true)
	for i := 0; i < 5; i++ {
		_, err := o.commit(commitRequest{writes: fingerprints("k"), blind: true}, noopApply)
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(5), o.watermark())

	require.NoError(t, o.beginRead(2))
	assert.Equal(t, uint64(2), o.watermark())
	assert.Equal(t, 2, o.gcCommitted())
	assert.Equal(t, 3, o.numCommitted())

	assert.Equal(t, uint64(2), o.compactionWatermark())
	assert.Equal(t, common.ErrSnapshotTooOld, errors.Cause(o.beginRead(1)))
	require.NoError(t, o.beginRead(2))

	o.endRead(2)
	o.endRead(2)
	assert.Equal(t, uint64(5), o.compactionWatermark())
	assert.Equal(t, common.ErrSnapshotTooOld, errors.Cause(o.beginRead(4)))
}
