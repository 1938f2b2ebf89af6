package lsm

import (
	"fmt"
	"testing"

	"github.com/intellect4all/mvcc-lsm/common"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockEntry struct {
	key   Key
	value string
}

func blockEntries(n int) []blockEntry {
	entries := make([]blockEntry, 0, n)
	for i := 0; i < n; i++ {
		raw := []byte(fmt.Sprintf("key_%05d", i/2))
		// two versions per raw key, newest first
		ts := uint64(100 - i%2)
		entries = append(entries, blockEntry{NewKey(raw, ts), fmt.Sprintf("value_%d", i)})
	}
	return entries
}

func TestBlockRoundTrip(t *testing.T) {
	entries := blockEntries(40)
	bb := NewBlockBuilder(4096)
	for _, e := range entries {
		require.True(t, bb.Add(e.key, []byte(e.value)))
	}
	block, err := DecodeBlock(bb.Build().Encode())
	require.NoError(t, err)
	require.Equal(t, len(entries), block.NumEntries())

	it := NewBlockIteratorSeekToFirst(block)
	for _, e := range entries {
		require.True(t, it.Valid())
		assert.Equal(t, string(e.key.Raw), string(it.Key().Raw))
		assert.Equal(t, e.key.Ts, it.Key().Ts)
		assert.Equal(t, e.value, string(it.Value()))
		require.NoError(t, it.Next())
	}
	assert.False(t, it.Valid())
}

func TestBlockSeekToKey(t *testing.T) {
	entries := blockEntries(20)
	bb := NewBlockBuilder(4096)
	for _, e := range entries {
		require.True(t, bb.Add(e.key, []byte(e.value)))
	}
	block := bb.Build()

	// The older version of key_00003 is at ts 99
	it := NewBlockIteratorSeekToKey(block, NewKey([]byte("key_00003"), 99))
	require.True(t, it.Valid())
	assert.Equal(t, "key_00003", string(it.Key().Raw))
	assert.Equal(t, uint64(99), it.Key().Ts)

	// Seeking with a ts below every version lands on the next raw key
	it.SeekToKey(NewKey([]byte("key_00003"), 1))
	require.True(t, it.Valid())
	assert.Equal(t, "key_00004", string(it.Key().Raw))

	it.SeekToKey(NewKey([]byte("zzz"), TsMax))
	assert.False(t, it.Valid())
}

func TestBlockBuilderRespectsBudget(t *testing.T) {
	bb := NewBlockBuilder(128)
	added := 0
	for i := 0; ; i++ {
		if !bb.Add(NewKey([]byte(fmt.Sprintf("key_%03d", i)), 1), []byte("0123456789")) {
			break
		}
		added++
	}
	require.Greater(t, added, 1)
	assert.LessOrEqual(t, bb.Build().Size(), 128)
}

func TestBlockBuilderAcceptsOversizedFirstEntry(t *testing.T) {
	bb := NewBlockBuilder(64)
	big := make([]byte, 1000)
	require.True(t, bb.Add(NewKey([]byte("a"), 1), big))
	require.False(t, bb.Add(NewKey([]byte("b"), 1), []byte("v")))
	assert.Equal(t, 1, bb.Build().NumEntries())
}

func TestBlockBuilderEmptyPanics(t *testing.T) {
	assert.Panics(t, func() { NewBlockBuilder(4096).Build() })
}

func TestDecodeBlockCorruption(t *testing.T) {
	_, err := DecodeBlock([]byte{0})
	assert.Equal(t, common.ErrCorruption, errors.Cause(err))

	// Count claims more offsets than bytes available
	_, err = DecodeBlock([]byte{0x00, 0x10})
	assert.Equal(t, common.ErrCorruption, errors.Cause(err))
}
