package lsm

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"sync"

	"github.com/pingcap/errors"
	"go.uber.org/zap"
)

// WAL is the write-ahead log of one memtable.
// Batch format (big-endian):
//
//	[batch_len u32][key_len u16][key][ts u64][value_len u16][value]...[crc32 u32]
//
// batch_len counts the entry bytes only; the crc covers the same bytes.
type WAL struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// WALEntry is one key version carried by a batch.
type WALEntry struct {
	Key   Key
	Value []byte
}

// CreateWAL creates a new, empty log. It fails if path already exists.
func CreateWAL(path string) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create WAL %s", path)
	}
	return &WAL{file: file, path: path}, nil
}

// RecoverWAL replays every complete, checksum-valid batch of the log at
// path into apply, in order. Replay stops at the first incomplete or
// corrupt batch; that tail is cut off so new batches follow valid data.
// The returned WAL is open for appending.
func RecoverWAL(path string, logger *zap.Logger, apply func(key Key, value []byte)) (*WAL, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read WAL %s", path)
	}

	valid, batches := 0, 0
	for valid < len(data) {
		entries, n, err := decodeWALBatch(data[valid:])
		if err != nil {
			logger.Warn("discarding WAL tail",
				zap.String("path", path),
				zap.Int("offset", valid),
				zap.Int("discarded_bytes", len(data)-valid),
				zap.Error(err))
			break
		}
		for _, e := range entries {
			apply(e.Key, e.Value)
		}
		valid += n
		batches++
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open WAL %s", path)
	}
	if valid < len(data) {
		if err := file.Truncate(int64(valid)); err != nil {
			file.Close()
			return nil, errors.Wrapf(err, "failed to truncate WAL %s", path)
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return nil, errors.Wrapf(err, "failed to sync WAL %s", path)
		}
	}
	logger.Debug("recovered WAL", zap.String("path", path), zap.Int("batches", batches))
	return &WAL{file: file, path: path}, nil
}

func encodeWALBatch(entries []WALEntry) []byte {
	size := 0
	for _, e := range entries {
		size += sizeOfU16 + len(e.Key.Raw) + sizeOfU64 + sizeOfU16 + len(e.Value)
	}
	buf := make([]byte, 0, sizeOfU32+size+sizeOfU32)
	buf = binary.BigEndian.AppendUint32(buf, uint32(size))
	for _, e := range entries {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.Key.Raw)))
		buf = append(buf, e.Key.Raw...)
		buf = binary.BigEndian.AppendUint64(buf, e.Key.Ts)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.Value)))
		buf = append(buf, e.Value...)
	}
	return binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf[sizeOfU32:]))
}

// decodeWALBatch parses the batch at the head of p and returns the number
// of bytes it occupies.
func decodeWALBatch(p []byte) ([]WALEntry, int, error) {
	if len(p) < sizeOfU32 {
		return nil, 0, errors.New("incomplete batch header")
	}
	size := int(binary.BigEndian.Uint32(p))
	total := sizeOfU32 + size + sizeOfU32
	if len(p) < total {
		return nil, 0, errors.Errorf("incomplete batch: need %d bytes, have %d", total, len(p))
	}
	body := p[sizeOfU32 : sizeOfU32+size]
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(p[sizeOfU32+size:]) {
		return nil, 0, errors.New("batch checksum mismatch")
	}

	var entries []WALEntry
	for len(body) > 0 {
		if len(body) < sizeOfU16 {
			return nil, 0, errors.New("malformed batch entry")
		}
		keyLen := int(binary.BigEndian.Uint16(body))
		body = body[sizeOfU16:]
		if len(body) < keyLen+sizeOfU64+sizeOfU16 {
			return nil, 0, errors.New("malformed batch entry")
		}
		raw := append([]byte(nil), body[:keyLen]...)
		ts := binary.BigEndian.Uint64(body[keyLen:])
		valueLen := int(binary.BigEndian.Uint16(body[keyLen+sizeOfU64:]))
		body = body[keyLen+sizeOfU64+sizeOfU16:]
		if len(body) < valueLen {
			return nil, 0, errors.New("malformed batch entry")
		}
		value := append([]byte(nil), body[:valueLen]...)
		body = body[valueLen:]
		entries = append(entries, WALEntry{Key: Key{Raw: raw, Ts: ts}, Value: value})
	}
	return entries, total, nil
}

// PutBatch appends one batch. The batch reaches the OS before PutBatch
// returns; it is durable only after Sync. Appends are serialized.
func (w *WAL) PutBatch(entries []WALEntry) error {
	buf := encodeWALBatch(entries)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.Write(buf); err != nil {
		return errors.Wrapf(err, "failed to append to WAL %s", w.path)
	}
	return nil
}

// Sync forces a sync to disk. The caller blocks until the device confirms.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return errors.Wrapf(w.file.Sync(), "failed to sync WAL %s", w.path)
}

// Close closes the WAL file
func (w *WAL) Close() error {
	return errors.Wrapf(w.file.Close(), "failed to close WAL %s", w.path)
}

// Remove closes and deletes the WAL file.
func (w *WAL) Remove() error {
	_ = w.file.Close()
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove WAL %s", w.path)
	}
	return nil
}
