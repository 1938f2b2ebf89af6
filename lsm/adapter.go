package lsm

import "github.com/intellect4all/mvcc-lsm/common"

// Stats is a point-in-time summary of the engine.
type Stats struct {
	MemTableBytes   int64
	MemTableEntries int64
	ImmMemTables    int
	// Index 0 is L0.
	LevelTables []int
	LevelBytes  []int64

	LatestCommitTs     uint64
	Watermark          uint64
	PendingDeletes     int
	CommittedWriteSets int

	WriteCount     int64
	ReadCount      int64
	FlushCount     int64
	CompactCount   int64
	UserBytes      int64
	FlushedBytes   int64
	CompactedBytes int64
}

// Stats returns engine statistics.
func (lsm *LSM) Stats() Stats {
	state, release := lsm.acquireState()
	defer release()

	s := Stats{
		MemTableBytes:      state.memtable.ApproximateSize(),
		MemTableEntries:    state.memtable.Len(),
		ImmMemTables:       len(state.immMemtables),
		LatestCommitTs:     lsm.oracle.latestCommitTs(),
		Watermark:          lsm.oracle.watermark(),
		PendingDeletes:     lsm.snapshots.pending(),
		CommittedWriteSets: lsm.oracle.numCommitted(),
		WriteCount:         lsm.stats.writeCount.Load(),
		ReadCount:          lsm.stats.readCount.Load(),
		FlushCount:         lsm.stats.flushCount.Load(),
		CompactCount:       lsm.stats.compactCount.Load(),
		UserBytes:          lsm.stats.userBytes.Load(),
		FlushedBytes:       lsm.stats.flushedBytes.Load(),
		CompactedBytes:     lsm.stats.compactedBytes.Load(),
	}
	for _, mt := range state.immMemtables {
		s.MemTableEntries += mt.Len()
	}
	s.LevelTables = append(s.LevelTables, len(state.l0))
	s.LevelBytes = append(s.LevelBytes, state.levelSize(0))
	for level := 1; level <= len(state.levels); level++ {
		s.LevelTables = append(s.LevelTables, len(state.levels[level-1]))
		s.LevelBytes = append(s.LevelBytes, state.levelSize(level))
	}
	return s
}

// Adapter wraps LSM to implement common.StorageEngine interface
type Adapter struct {
	lsm *LSM
}

// NewAdapter opens an engine at path behind the common interface.
func NewAdapter(path string, config Config) (*Adapter, error) {
	lsm, err := Open(path, config)
	if err != nil {
		return nil, err
	}
	return &Adapter{lsm: lsm}, nil
}

// Engine exposes the wrapped engine for MVCC-specific calls.
func (a *Adapter) Engine() *LSM { return a.lsm }

// Put implements common.StorageEngine
func (a *Adapter) Put(key, value []byte) error {
	return a.lsm.Put(key, value)
}

// Get implements common.StorageEngine
func (a *Adapter) Get(key []byte) ([]byte, error) {
	value, found, err := a.lsm.Get(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, common.ErrKeyNotFound
	}
	return value, nil
}

// Delete implements common.StorageEngine
func (a *Adapter) Delete(key []byte) error {
	return a.lsm.Delete(key)
}

// Scan implements common.StorageEngine over [start, end).
func (a *Adapter) Scan(start, end []byte) (common.Iterator, error) {
	lower, upper := UnboundedBound(), UnboundedBound()
	if start != nil {
		lower = IncludedBound(start)
	}
	if end != nil {
		upper = ExcludedBound(end)
	}
	it, err := a.lsm.Scan(lower, upper)
	if err != nil {
		return nil, err
	}
	return &scanIterator{it: it}, nil
}

// Close implements common.StorageEngine
func (a *Adapter) Close() error {
	return a.lsm.Close()
}

// Sync implements common.StorageEngine
func (a *Adapter) Sync() error {
	return a.lsm.Sync()
}

// Compact implements common.StorageEngine by running a full compaction.
func (a *Adapter) Compact() error {
	return a.lsm.ForceFullCompaction()
}

// Stats implements common.StorageEngine
func (a *Adapter) Stats() common.Stats {
	s := a.lsm.Stats()

	var numTables int
	var diskSize, bottomSize int64
	for i, n := range s.LevelTables {
		numTables += n
		diskSize += s.LevelBytes[i]
		if n > 0 {
			bottomSize = s.LevelBytes[i]
		}
	}

	// Write amplification: bytes written to tables per byte written by users
	writeAmp := 1.0
	if s.UserBytes > 0 {
		writeAmp = float64(s.FlushedBytes+s.CompactedBytes) / float64(s.UserBytes)
	}
	// Space amplification: everything on disk relative to the deepest
	// non-empty level, which holds roughly one version per key
	spaceAmp := 1.0
	if bottomSize > 0 {
		spaceAmp = float64(diskSize) / float64(bottomSize)
	}

	return common.Stats{
		NumKeys:        s.MemTableEntries,
		NumSegments:    numTables + 1 + s.ImmMemTables,
		ActiveSegSize:  s.MemTableBytes,
		TotalDiskSize:  diskSize,
		WriteCount:     s.WriteCount,
		ReadCount:      s.ReadCount,
		FlushCount:     s.FlushCount,
		CompactCount:   s.CompactCount,
		LatestCommitTs: s.LatestCommitTs,
		Watermark:      s.Watermark,
		WriteAmp:       writeAmp,
		SpaceAmp:       spaceAmp,
	}
}

// scanIterator adapts Iterator to common.Iterator, whose Next also
// positions on the first entry.
type scanIterator struct {
	it      *Iterator
	started bool
	err     error
}

func (s *scanIterator) Next() bool {
	if s.err != nil {
		return false
	}
	if !s.started {
		s.started = true
		return s.it.Valid()
	}
	if !s.it.Valid() {
		return false
	}
	if err := s.it.Next(); err != nil {
		s.err = err
		return false
	}
	return s.it.Valid()
}

func (s *scanIterator) Key() []byte   { return s.it.Key() }
func (s *scanIterator) Value() []byte { return s.it.Value() }
func (s *scanIterator) Error() error  { return s.err }

func (s *scanIterator) Close() error {
	s.it.Close()
	return nil
}
