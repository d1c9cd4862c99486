package common

import (
	"bytes"
	"fmt"
)

// Epoch versions a region. ConfVer moves on membership changes, Version
// moves on every split or merge.
type Epoch struct {
	ConfVer uint64 `msgpack:"conf_ver" json:"conf_ver"`
	Version uint64 `msgpack:"version" json:"version"`
}

// Equal reports whether both counters match
func (e Epoch) Equal(o Epoch) bool {
	return e.ConfVer == o.ConfVer && e.Version == o.Version
}

// IsZero reports whether the epoch is unset
func (e Epoch) IsZero() bool {
	return e.ConfVer == 0 && e.Version == 0
}

// StaleComparedTo reports whether e predates o on either counter
func (e Epoch) StaleComparedTo(o Epoch) bool {
	return e.ConfVer < o.ConfVer || e.Version < o.Version
}

// BumpVersion returns the epoch after a split or merge
func (e Epoch) BumpVersion() Epoch {
	return Epoch{ConfVer: e.ConfVer, Version: e.Version + 1}
}

func (e Epoch) String() string {
	return fmt.Sprintf("conf_ver:%d version:%d", e.ConfVer, e.Version)
}

// Region is a contiguous key range [StartKey, EndKey) replicated by one
// Raft group. An empty EndKey is unbounded.
type Region struct {
	ID       uint64 `msgpack:"id" json:"id"`
	Epoch    Epoch  `msgpack:"epoch" json:"epoch"`
	StartKey []byte `msgpack:"start_key" json:"start_key"`
	EndKey   []byte `msgpack:"end_key" json:"end_key"`
}

// ContainsKey reports whether key falls inside the region's range
func (r Region) ContainsKey(key []byte) bool {
	if bytes.Compare(key, r.StartKey) < 0 {
		return false
	}
	return len(r.EndKey) == 0 || bytes.Compare(key, r.EndKey) < 0
}

// Clone returns a deep copy so callers may keep it past the owner's lifetime
func (r Region) Clone() Region {
	return Region{
		ID:       r.ID,
		Epoch:    r.Epoch,
		StartKey: bytes.Clone(r.StartKey),
		EndKey:   bytes.Clone(r.EndKey),
	}
}

func (r Region) String() string {
	return fmt.Sprintf("region %d [%q, %q) {%s}", r.ID, r.StartKey, r.EndKey, r.Epoch)
}

// ValidateSplit checks that children tile parent exactly, in key order
func ValidateSplit(parent Region, children []Region) error {
	if len(children) < 2 {
		return Newf("split of region %d needs at least two children, got %d", parent.ID, len(children))
	}
	if !bytes.Equal(children[0].StartKey, parent.StartKey) {
		return Newf("split of region %d: first child starts at %q, want %q", parent.ID, children[0].StartKey, parent.StartKey)
	}
	for i := 1; i < len(children); i++ {
		if len(children[i-1].EndKey) == 0 || !bytes.Equal(children[i-1].EndKey, children[i].StartKey) {
			return Newf("split of region %d: child %d does not abut child %d", parent.ID, i-1, i)
		}
	}
	if !bytes.Equal(children[len(children)-1].EndKey, parent.EndKey) {
		return Newf("split of region %d: last child ends at %q, want %q", parent.ID, children[len(children)-1].EndKey, parent.EndKey)
	}
	return nil
}

// ValidateMerge checks that merged is target extended over the adjacent
// source range under target's id
func ValidateMerge(target, source, merged Region) error {
	if merged.ID != target.ID {
		return Newf("merge into region %d produced region %d", target.ID, merged.ID)
	}
	switch {
	case len(target.EndKey) != 0 && bytes.Equal(target.EndKey, source.StartKey):
		if !bytes.Equal(merged.StartKey, target.StartKey) || !bytes.Equal(merged.EndKey, source.EndKey) {
			return Newf("merge of region %d into %d: merged range %s does not cover both", source.ID, target.ID, merged)
		}
	case len(source.EndKey) != 0 && bytes.Equal(source.EndKey, target.StartKey):
		if !bytes.Equal(merged.StartKey, source.StartKey) || !bytes.Equal(merged.EndKey, target.EndKey) {
			return Newf("merge of region %d into %d: merged range %s does not cover both", source.ID, target.ID, merged)
		}
	default:
		return Newf("merge of region %d into %d: ranges are not adjacent", source.ID, target.ID)
	}
	if !target.Epoch.StaleComparedTo(merged.Epoch) {
		return Newf("merge into region %d must bump the epoch past %s", target.ID, target.Epoch)
	}
	return nil
}
