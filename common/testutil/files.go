package testutil

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// FileSize returns the size of path.
func FileSize(t testing.TB, path string) int64 {
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.Size()
}

// AppendBytes appends data to path, the way a write cut short by a crash
// leaves a partial record at the tail.
func AppendBytes(t testing.TB, path string, data []byte) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

// CorruptByte flips the bits of mask in the byte at off.
func CorruptByte(t testing.TB, path string, off int, mask byte) {
	CopyWith(t, path, path, func(data []byte) []byte {
		require.Less(t, off, len(data), "offset past end of %s", path)
		data[off] ^= mask
		return data
	})
}

// CopyWith writes fn applied to the contents of src to dst.
func CopyWith(t testing.TB, src, dst string, fn func([]byte) []byte) {
	data, err := os.ReadFile(src)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dst, fn(data), 0644))
}
