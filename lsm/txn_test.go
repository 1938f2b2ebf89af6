package lsm

import (
	"testing"

	"github.com/intellect4all/mvcc-lsm/common"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTxn(t *testing.T, lsm *LSM) *Transaction {
	t.Helper()
	txn, err := lsm.NewTransaction()
	require.NoError(t, err)
	return txn
}

func txnGet(t *testing.T, txn *Transaction, key string) (string, bool) {
	t.Helper()
	v, ok, err := txn.Get([]byte(key))
	require.NoError(t, err)
	return string(v), ok
}

func TestTxnReadYourWrites(t *testing.T) {
	lsm, _ := setupTestLSM(t, testConfig())
	require.NoError(t, lsm.Put([]byte("a"), []byte("1")))

	txn := newTestTxn(t, lsm)
	require.NoError(t, txn.Put([]byte("a"), []byte("2")))
	require.NoError(t, txn.Put([]byte("b"), []byte("3")))
	v, ok := txnGet(t, txn, "a")
	assert.True(t, ok)
	assert.Equal(t, "2", v)
	require.NoError(t, txn.Delete([]byte("b")))
	_, ok = txnGet(t, txn, "b")
	assert.False(t, ok)

	// Nothing is visible outside before commit.
	assert.Equal(t, "1", mustGet(t, lsm, "a"))
	require.NoError(t, txn.Commit())
	assert.Equal(t, "2", mustGet(t, lsm, "a"))
	assertMissing(t, lsm, "b")
}

func TestTxnScanOverlay(t *testing.T) {
	lsm, _ := setupTestLSM(t, testConfig())
	require.NoError(t, lsm.Put([]byte("a"), []byte("1")))
	require.NoError(t, lsm.Put([]byte("b"), []byte("2")))
	flushActive(t, lsm)
	require.NoError(t, lsm.Put([]byte("c"), []byte("3")))

	txn := newTestTxn(t, lsm)
	defer txn.Discard()
	require.NoError(t, txn.Put([]byte("b"), []byte("20")))
	require.NoError(t, txn.Delete([]byte("c")))
	require.NoError(t, txn.Put([]byte("d"), []byte("4")))

	it, err := txn.Scan(UnboundedBound(), UnboundedBound())
	require.NoError(t, err)
	assert.Equal(t, []string{"a=1", "b=20", "d=4"}, collect(t, it))

	it, err = txn.Scan(ExcludedBound([]byte("a")), ExcludedBound([]byte("d")))
	require.NoError(t, err)
	assert.Equal(t, []string{"b=20"}, collect(t, it))
}

func TestTxnSnapshotIsolation(t *testing.T) {
	lsm, _ := setupTestLSM(t, testConfig())
	require.NoError(t, lsm.Put([]byte("k"), []byte("old")))

	txn := newTestTxn(t, lsm)
	defer txn.Discard()
	require.NoError(t, lsm.Put([]byte("k"), []byte("new")))
	require.NoError(t, lsm.Put([]byte("fresh"), []byte("x")))

	v, ok := txnGet(t, txn, "k")
	assert.True(t, ok)
	assert.Equal(t, "old", v)
	_, ok = txnGet(t, txn, "fresh")
	assert.False(t, ok)
}

func TestTxnWriteWriteConflict(t *testing.T) {
	lsm, _ := setupTestLSM(t, testConfig())
	txn1 := newTestTxn(t, lsm)
	txn2 := newTestTxn(t, lsm)

	require.NoError(t, txn1.Put([]byte("k"), []byte("1")))
	require.NoError(t, txn2.Put([]byte("k"), []byte("2")))
	require.NoError(t, txn1.Commit())
	assert.Equal(t, common.ErrTxnConflict, errors.Cause(txn2.Commit()))
	assert.Equal(t, "1", mustGet(t, lsm, "k"))
}

func TestTxnReadWriteConflict(t *testing.T) {
	lsm, _ := setupTestLSM(t, testConfig())
	require.NoError(t, lsm.Put([]byte("x"), []byte("0")))

	txn1 := newTestTxn(t, lsm)
	txn2 := newTestTxn(t, lsm)
	_, ok := txnGet(t, txn1, "x")
	require.True(t, ok)
	require.NoError(t, txn1.Put([]byte("y"), []byte("from-txn1")))

	require.NoError(t, txn2.Put([]byte("x"), []byte("from-txn2")))
	require.NoError(t, txn2.Commit())

	assert.Equal(t, common.ErrTxnConflict, errors.Cause(txn1.Commit()))
	assertMissing(t, lsm, "y")
}

func TestTxnConflictsWithEngineWrite(t *testing.T) {
	lsm, _ := setupTestLSM(t, testConfig())
	txn := newTestTxn(t, lsm)
	_, ok := txnGet(t, txn, "k")
	require.False(t, ok)
	require.NoError(t, txn.Put([]byte("other"), []byte("v")))

	require.NoError(t, lsm.Put([]byte("k"), []byte("blind")))
	assert.Equal(t, common.ErrTxnConflict, errors.Cause(txn.Commit()))
}

func TestTxnScanRecordsReads(t *testing.T) {
	lsm, _ := setupTestLSM(t, testConfig())
	require.NoError(t, lsm.Put([]byte("a"), []byte("1")))
	require.NoError(t, lsm.Put([]byte("b"), []byte("2")))

	txn := newTestTxn(t, lsm)
	it, err := txn.Scan(UnboundedBound(), UnboundedBound())
	require.NoError(t, err)
	assert.Len(t, collect(t, it), 2)
	require.NoError(t, txn.Put([]byte("sum"), []byte("3")))

	require.NoError(t, lsm.Put([]byte("b"), []byte("5")))
	assert.Equal(t, common.ErrTxnConflict, errors.Cause(txn.Commit()))
}

func TestTxnDisjointCommitsSucceed(t *testing.T) {
	lsm, _ := setupTestLSM(t, testConfig())
	txn1 := newTestTxn(t, lsm)
	txn2 := newTestTxn(t, lsm)
	_, _ = txnGet(t, txn1, "a")
	require.NoError(t, txn1.Put([]byte("a"), []byte("1")))
	_, _ = txnGet(t, txn2, "b")
	require.NoError(t, txn2.Put([]byte("b"), []byte("2")))

	require.NoError(t, txn1.Commit())
	require.NoError(t, txn2.Commit())
	assert.Equal(t, "1", mustGet(t, lsm, "a"))
	assert.Equal(t, "2", mustGet(t, lsm, "b"))
}

func TestTxnWriteSkewWithoutSerializable(t *testing.T) {
	config := testConfig()
	config.Serializable = false
	lsm, _ := setupTestLSM(t, config)
	require.NoError(t, lsm.Put([]byte("x"), []byte("1")))
	require.NoError(t, lsm.Put([]byte("y"), []byte("1")))

	txn1 := newTestTxn(t, lsm)
	txn2 := newTestTxn(t, lsm)
	_, _ = txnGet(t, txn1, "x")
	_, _ = txnGet(t, txn1, "y")
	_, _ = txnGet(t, txn2, "x")
	_, _ = txnGet(t, txn2, "y")
	require.NoError(t, txn1.Put([]byte("x"), []byte("0")))
	require.NoError(t, txn2.Put([]byte("y"), []byte("0")))

	require.NoError(t, txn1.Commit())
	require.NoError(t, txn2.Commit())
	assert.Equal(t, "0", mustGet(t, lsm, "x"))
	assert.Equal(t, "0", mustGet(t, lsm, "y"))
}

func TestTxnReadOnlyCommit(t *testing.T) {
	lsm, _ := setupTestLSM(t, testConfig())
	txn := newTestTxn(t, lsm)
	_, _ = txnGet(t, txn, "k")
	require.NoError(t, lsm.Put([]byte("k"), []byte("v")))

	before := lsm.LatestCommitTs()
	require.NoError(t, txn.Commit())
	assert.Equal(t, before, lsm.LatestCommitTs())
}

func TestTxnFinished(t *testing.T) {
	lsm, _ := setupTestLSM(t, testConfig())
	txn := newTestTxn(t, lsm)
	require.NoError(t, txn.Put([]byte("k"), []byte("v")))
	require.NoError(t, txn.Commit())

	assert.Equal(t, common.ErrTxnCommitted, txn.Commit())
	assert.Equal(t, common.ErrTxnCommitted, txn.Put([]byte("k"), []byte("v2")))
	assert.Equal(t, common.ErrTxnCommitted, txn.Delete([]byte("k")))
	_, _, err := txn.Get([]byte("k"))
	assert.Equal(t, common.ErrTxnCommitted, err)
	_, err = txn.Scan(UnboundedBound(), UnboundedBound())
	assert.Equal(t, common.ErrTxnCommitted, err)

	discarded := newTestTxn(t, lsm)
	require.NoError(t, discarded.Put([]byte("k"), []byte("discarded")))
	discarded.Discard()
	discarded.Discard()
	assert.Equal(t, common.ErrTxnCommitted, discarded.Commit())
	assert.Equal(t, "v", mustGet(t, lsm, "k"))
}

func TestTxnReleasesWatermark(t *testing.T) {
	lsm, _ := setupTestLSM(t, testConfig())
	require.NoError(t, lsm.Put([]byte("k"), []byte("v")))
	txn := newTestTxn(t, lsm)
	require.NoError(t, lsm.Put([]byte("k"), []byte("v2")))
	assert.Equal(t, txn.ReadTs(), lsm.Watermark())

	txn.Discard()
	assert.Equal(t, lsm.LatestCommitTs(), lsm.Watermark())
}

func TestTxnAtTimestamp(t *testing.T) {
	lsm, _ := setupTestLSM(t, testConfig())
	require.NoError(t, lsm.Put([]byte("k"), []byte("v1")))
	ts1 := lsm.LatestCommitTs()
	require.NoError(t, lsm.Put([]byte("k"), []byte("v2")))

	txn, err := lsm.NewTransactionAt(ts1)
	require.NoError(t, err)
	defer txn.Discard()
	v, ok := txnGet(t, txn, "k")
	assert.True(t, ok)
	assert.Equal(t, "v1", v)

	_, err = lsm.NewTransactionAt(lsm.LatestCommitTs() + 10)
	assert.Equal(t, common.ErrReadTsTooNew, errors.Cause(err))
}
