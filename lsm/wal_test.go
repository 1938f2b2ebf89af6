package lsm

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/intellect4all/mvcc-lsm/common/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func walBatch(start, n int, ts uint64) []WALEntry {
	entries := make([]WALEntry, 0, n)
	for i := start; i < start+n; i++ {
		entries = append(entries, WALEntry{
			Key:   NewKey([]byte(fmt.Sprintf("key_%03d", i)), ts),
			Value: []byte(fmt.Sprintf("value_%03d", i)),
		})
	}
	return entries
}

func replayWAL(t *testing.T, path string) (*WAL, []WALEntry) {
	t.Helper()
	var got []WALEntry
	wal, err := RecoverWAL(path, zap.NewNop(), func(key Key, value []byte) {
		got = append(got, WALEntry{Key: key, Value: value})
	})
	require.NoError(t, err)
	return wal, got
}

func TestWALRecoverInOrder(t *testing.T) {
	path := filepath.Join(testutil.TempDir(t), "00001.wal")
	wal, err := CreateWAL(path)
	require.NoError(t, err)
	require.NoError(t, wal.PutBatch(walBatch(0, 3, 5)))
	require.NoError(t, wal.PutBatch(walBatch(3, 2, 6)))
	require.NoError(t, wal.PutBatch([]WALEntry{{Key: NewKey([]byte("key_000"), 7)}}))
	require.NoError(t, wal.Sync())
	require.NoError(t, wal.Close())

	wal, got := replayWAL(t, path)
	defer wal.Close()
	require.Len(t, got, 6)
	assert.Equal(t, "key_000", string(got[0].Key.Raw))
	assert.Equal(t, uint64(5), got[0].Key.Ts)
	assert.Equal(t, "value_004", string(got[4].Value))
	assert.Equal(t, uint64(6), got[4].Key.Ts)
	assert.Equal(t, uint64(7), got[5].Key.Ts)
	assert.Empty(t, got[5].Value)
}

func TestWALCreateFailsIfExists(t *testing.T) {
	path := filepath.Join(testutil.TempDir(t), "00001.wal")
	wal, err := CreateWAL(path)
	require.NoError(t, err)
	defer wal.Close()

	_, err = CreateWAL(path)
	assert.Error(t, err)
}

func TestWALTornTail(t *testing.T) {
	path := filepath.Join(testutil.TempDir(t), "00001.wal")
	wal, err := CreateWAL(path)
	require.NoError(t, err)
	require.NoError(t, wal.PutBatch(walBatch(0, 2, 1)))
	require.NoError(t, wal.Close())

	validSize := testutil.FileSize(t, path)

	// Half of a second batch, as if the process died mid-append.
	partial := encodeWALBatch(walBatch(2, 2, 2))
	testutil.AppendBytes(t, path, partial[:len(partial)/2])

	wal, got := replayWAL(t, path)
	assert.Len(t, got, 2)
	assert.Equal(t, validSize, testutil.FileSize(t, path))

	// Appends after recovery land right after the valid prefix.
	require.NoError(t, wal.PutBatch(walBatch(10, 1, 3)))
	require.NoError(t, wal.Close())
	wal, got = replayWAL(t, path)
	defer wal.Close()
	require.Len(t, got, 3)
	assert.Equal(t, "key_010", string(got[2].Key.Raw))
}

func TestWALChecksumMismatchStopsReplay(t *testing.T) {
	path := filepath.Join(testutil.TempDir(t), "00001.wal")
	wal, err := CreateWAL(path)
	require.NoError(t, err)
	require.NoError(t, wal.PutBatch(walBatch(0, 1, 1)))
	require.NoError(t, wal.PutBatch(walBatch(1, 1, 2)))
	require.NoError(t, wal.Close())

	first := len(encodeWALBatch(walBatch(0, 1, 1)))
	testutil.CorruptByte(t, path, first+sizeOfU32+1, 0xff)

	wal, got := replayWAL(t, path)
	defer wal.Close()
	require.Len(t, got, 1)
	assert.Equal(t, "key_000", string(got[0].Key.Raw))
}

func TestDecodeWALBatchMalformed(t *testing.T) {
	_, _, err := decodeWALBatch([]byte{0, 0})
	assert.Error(t, err)

	buf := encodeWALBatch(walBatch(0, 1, 1))
	_, n, err := decodeWALBatch(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)

	_, _, err = decodeWALBatch(buf[:len(buf)-1])
	assert.Error(t, err)
}
