package lsm

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"os"
	"sync"

	"github.com/intellect4all/mvcc-lsm/common"
	"github.com/pingcap/errors"
	"go.uber.org/zap"
)

// RecordKind tags a manifest record.
type RecordKind string

const (
	RecordNewMemtable RecordKind = "new_memtable"
	RecordFlush       RecordKind = "flush"
	RecordCompaction  RecordKind = "compaction"
)

// ManifestRecord is one structural transition of the engine state.
type ManifestRecord struct {
	Kind    RecordKind      `json:"kind"`
	ID      uint64          `json:"id"`
	Task    *CompactionTask `json:"task,omitempty"`
	Outputs []uint64        `json:"outputs,omitempty"`
	// Watermark is the GC horizon a compaction ran with. Versions below it
	// may be gone from the outputs.
	Watermark uint64 `json:"watermark,omitempty"`
}

// NewMemtableRecord records that memtable id became the active memtable.
func NewMemtableRecord(id uint64) ManifestRecord {
	return ManifestRecord{Kind: RecordNewMemtable, ID: id}
}

// FlushRecord records that memtable id was written out as table id into L0.
func FlushRecord(id uint64) ManifestRecord {
	return ManifestRecord{Kind: RecordFlush, ID: id}
}

// CompactionRecord records that outputs replaced the inputs named by task.
func CompactionRecord(task *CompactionTask, outputs []uint64, watermark uint64) ManifestRecord {
	return ManifestRecord{Kind: RecordCompaction, Task: task, Outputs: outputs, Watermark: watermark}
}

// maxManifestRecordSize bounds one encoded record. A declared length
// beyond it cannot belong to a record cut short by a crash.
const maxManifestRecordSize = 16 << 20

// Manifest is the append-only log of ManifestRecords.
// Record format: [len u64][json record][crc32 u32], big-endian.
type Manifest struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	truncated bool
}

// CreateManifest creates a new manifest, failing if one exists.
func CreateManifest(path string) (*Manifest, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create manifest %s", path)
	}
	return &Manifest{file: file, path: path}, nil
}

// RecoverManifest reads every record of the manifest at path.
//
// A record whose checksum does not match makes the history ambiguous and
// fails recovery with ErrCorruption. A final record cut short by a crash
// during append was never acknowledged; it is truncated away. Only one
// such record can exist, so a declared length that overruns the file is
// accepted as torn only when it could be a real record: no larger than
// maxManifestRecordSize, with a body that starts like one.
func RecoverManifest(path string, logger *zap.Logger) (*Manifest, []ManifestRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read manifest %s", path)
	}

	var records []ManifestRecord
	off := 0
	for off < len(data) {
		p := data[off:]
		if len(p) < sizeOfU64+sizeOfU32 {
			break
		}
		n := binary.BigEndian.Uint64(p)
		if n > uint64(len(p)-sizeOfU64-sizeOfU32) {
			if !tornRecord(p, n) {
				return nil, nil, errors.Wrapf(common.ErrCorruption,
					"manifest %s: record length %d at offset %d overruns %d remaining bytes", path, n, off, len(p))
			}
			break
		}
		body := p[sizeOfU64 : sizeOfU64+int(n)]
		if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(p[sizeOfU64+int(n):]) {
			return nil, nil, errors.Wrapf(common.ErrCorruption, "manifest %s: checksum mismatch at offset %d", path, off)
		}
		var rec ManifestRecord
		if err := json.Unmarshal(body, &rec); err != nil {
			return nil, nil, errors.Wrapf(common.ErrCorruption, "manifest %s: bad record at offset %d: %v", path, off, err)
		}
		records = append(records, rec)
		off += sizeOfU64 + int(n) + sizeOfU32
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open manifest %s", path)
	}
	m := &Manifest{file: file, path: path}
	if off < len(data) {
		logger.Warn("truncating torn manifest record",
			zap.String("path", path), zap.Int("offset", off), zap.Int("bytes", len(data)-off))
		if err := file.Truncate(int64(off)); err != nil {
			file.Close()
			return nil, nil, errors.Wrapf(err, "failed to truncate manifest %s", path)
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return nil, nil, errors.Wrapf(err, "failed to sync manifest %s", path)
		}
		m.truncated = true
	}
	return m, records, nil
}

// tornRecord reports whether p, whose declared length n overruns it, looks
// like the prefix of a record whose append was interrupted.
func tornRecord(p []byte, n uint64) bool {
	if n == 0 || n > maxManifestRecordSize {
		return false
	}
	return len(p) == sizeOfU64 || p[sizeOfU64] == '{'
}

// Truncated reports whether recovery cut a torn record off the end.
func (m *Manifest) Truncated() bool { return m.truncated }

// AddRecord appends rec and syncs it before returning.
func (m *Manifest) AddRecord(rec ManifestRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "failed to encode manifest record")
	}
	if len(body) > maxManifestRecordSize {
		return errors.Errorf("manifest record of %d bytes exceeds %d", len(body), maxManifestRecordSize)
	}
	buf := make([]byte, 0, sizeOfU64+len(body)+sizeOfU32)
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(body)))
	buf = append(buf, body...)
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(body))

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.file.Write(buf); err != nil {
		return errors.Wrapf(err, "failed to append to manifest %s", m.path)
	}
	return errors.Wrapf(m.file.Sync(), "failed to sync manifest %s", m.path)
}

// Close closes the manifest file.
func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return errors.Wrapf(m.file.Close(), "failed to close manifest %s", m.path)
}
