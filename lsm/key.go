package lsm

import (
	"bytes"
	"math"
)

const (
	// TsMax sorts before every other version of the same raw key.
	TsMax uint64 = math.MaxUint64
	// TsMin sorts after every other version of the same raw key.
	TsMin uint64 = 0

	maxKeyLen   = math.MaxUint16
	maxValueLen = math.MaxUint16
)

// Key is a raw user key tagged with the commit timestamp of one version.
type Key struct {
	Raw []byte
	Ts  uint64
}

// NewKey builds a Key without copying raw.
func NewKey(raw []byte, ts uint64) Key {
	return Key{Raw: raw, Ts: ts}
}

// CompareKeys orders keys by raw bytes ascending, then by timestamp
// descending so that the newest version of a raw key comes first.
func CompareKeys(a, b Key) int {
	if c := bytes.Compare(a.Raw, b.Raw); c != 0 {
		return c
	}
	switch {
	case a.Ts > b.Ts:
		return -1
	case a.Ts < b.Ts:
		return 1
	}
	return 0
}

// Clone returns a Key that does not alias k's raw bytes.
func (k Key) Clone() Key {
	return Key{Raw: append([]byte(nil), k.Raw...), Ts: k.Ts}
}

// IsEmpty reports whether the raw part is empty.
func (k Key) IsEmpty() bool {
	return len(k.Raw) == 0
}

// encodedLen is the raw length plus the 8-byte timestamp.
func (k Key) encodedLen() int {
	return len(k.Raw) + 8
}

// BoundKind says how a scan endpoint treats its key.
type BoundKind uint8

const (
	Unbounded BoundKind = iota
	Included
	Excluded
)

// Bound is one end of a scan range over raw keys.
type Bound struct {
	Kind BoundKind
	Key  []byte
}

// UnboundedBound places no limit on that end of the range.
func UnboundedBound() Bound { return Bound{Kind: Unbounded} }

// IncludedBound includes key in the range.
func IncludedBound(key []byte) Bound { return Bound{Kind: Included, Key: key} }

// ExcludedBound stops just short of key.
func ExcludedBound(key []byte) Bound { return Bound{Kind: Excluded, Key: key} }

// beyondUpper reports whether raw lies past the upper bound.
func beyondUpper(raw []byte, upper Bound) bool {
	switch upper.Kind {
	case Included:
		return bytes.Compare(raw, upper.Key) > 0
	case Excluded:
		return bytes.Compare(raw, upper.Key) >= 0
	}
	return false
}

// beforeLower reports whether raw lies before the lower bound.
func beforeLower(raw []byte, lower Bound) bool {
	switch lower.Kind {
	case Included:
		return bytes.Compare(raw, lower.Key) < 0
	case Excluded:
		return bytes.Compare(raw, lower.Key) <= 0
	}
	return false
}

// rangeOverlap reports whether [first, last] intersects the (lower, upper) range.
func rangeOverlap(lower, upper Bound, first, last []byte) bool {
	return !beyondUpper(first, upper) && !beforeLower(last, lower)
}

// seekKey is the first Key a cursor must visit to honour lower.
func seekKey(lower Bound) Key {
	if lower.Kind == Unbounded {
		return Key{Ts: TsMax}
	}
	return Key{Raw: lower.Key, Ts: TsMax}
}
