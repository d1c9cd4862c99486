// Package resolver tracks open transaction locks per region and derives
// the region's resolved timestamp from them.
package resolver

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/tidemark/common"
	"github.com/maxpert/tidemark/hlc"
)

const (
	trackerBtreeDegree = 16

	// DefaultReleasedCapacity bounds how many recently released locks are
	// remembered for telling duplicate unlocks from out-of-order commits.
	DefaultReleasedCapacity = 4096
)

type lockKey struct {
	startTS hlc.Timestamp
	key     string
}

// txnLocks groups the keys locked under one start timestamp. The key set
// is a map so Get/ReplaceOrInsert on the tree share it by reference.
type txnLocks struct {
	startTS hlc.Timestamp
	keys    map[string]struct{}
}

func txnLocksLess(a, b txnLocks) bool {
	return a.startTS < b.startTS
}

// LockTracker is the multiset of open start timestamps of one region, one
// entry per locked key. Writes are serialized by the apply path; the
// minimum is republished atomically so readers never take the lock.
type LockTracker struct {
	mu       sync.Mutex
	txns     *btree.BTreeG[txnLocks]
	numLocks int
	released *lru.Cache[lockKey, struct{}]

	minTS atomic.Uint64 // hlc.Max when empty
}

// NewLockTracker creates an empty tracker remembering up to
// releasedCapacity recently released locks.
func NewLockTracker(releasedCapacity int) *LockTracker {
	if releasedCapacity <= 0 {
		releasedCapacity = DefaultReleasedCapacity
	}
	released, err := lru.New[lockKey, struct{}](releasedCapacity)
	if err != nil {
		// Only reachable with a non-positive size, excluded above.
		panic(err)
	}

	t := &LockTracker{
		txns:     btree.NewG(trackerBtreeDegree, txnLocksLess),
		released: released,
	}
	t.minTS.Store(uint64(hlc.Max))
	return t
}

// ObserveLock records a lock. It returns false when the (startTS, key)
// pair is already open, which happens on redelivery.
func (t *LockTracker) ObserveLock(startTS hlc.Timestamp, key []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.observeLockLocked(startTS, string(key))
}

func (t *LockTracker) observeLockLocked(startTS hlc.Timestamp, key string) bool {
	item, ok := t.txns.Get(txnLocks{startTS: startTS})
	if !ok {
		item = txnLocks{startTS: startTS, keys: make(map[string]struct{}, 1)}
		t.txns.ReplaceOrInsert(item)
	}
	if _, dup := item.keys[key]; dup {
		return false
	}

	item.keys[key] = struct{}{}
	t.numLocks++
	t.released.Remove(lockKey{startTS: startTS, key: key})
	t.publishMinLocked()
	return true
}

// ObserveUnlock removes a lock. An unknown pair is a no-op returning false.
func (t *LockTracker) ObserveUnlock(startTS hlc.Timestamp, key []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	item, ok := t.txns.Get(txnLocks{startTS: startTS})
	if !ok {
		return false
	}
	k := string(key)
	if _, open := item.keys[k]; !open {
		return false
	}

	delete(item.keys, k)
	t.numLocks--
	if len(item.keys) == 0 {
		t.txns.Delete(item)
	}
	t.released.Add(lockKey{startTS: startTS, key: k}, struct{}{})
	t.publishMinLocked()
	return true
}

// WasReleased reports whether the pair was unlocked recently
func (t *LockTracker) WasReleased(startTS hlc.Timestamp, key []byte) bool {
	return t.released.Contains(lockKey{startTS: startTS, key: string(key)})
}

// MinOpenTS returns the smallest open start timestamp
func (t *LockTracker) MinOpenTS() (hlc.Timestamp, bool) {
	v := hlc.Timestamp(t.minTS.Load())
	if v == hlc.Max {
		return 0, false
	}
	return v, true
}

func (t *LockTracker) publishMinLocked() {
	if item, ok := t.txns.Min(); ok {
		t.minTS.Store(uint64(item.startTS))
		return
	}
	t.minTS.Store(uint64(hlc.Max))
}

// Len returns the number of open locks
func (t *LockTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numLocks
}

// NumTxns returns the number of distinct open start timestamps
func (t *LockTracker) NumTxns() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.txns.Len()
}

// Locks returns every open lock ordered by start ts, then key
func (t *LockTracker) Locks() []common.Lock {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.collectLocked(0, nil)
}

// Oldest returns up to n locks with the smallest start timestamps
func (t *LockTracker) Oldest(n int) []common.Lock {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.collectLocked(n, nil)
}

func (t *LockTracker) collectLocked(limit int, keep func([]byte) bool) []common.Lock {
	var out []common.Lock
	t.txns.Ascend(func(item txnLocks) bool {
		keys := make([]string, 0, len(item.keys))
		for k := range item.keys {
			if keep == nil || keep([]byte(k)) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, common.Lock{Key: []byte(k), StartTS: item.startTS})
			if limit > 0 && len(out) >= limit {
				return false
			}
		}
		return true
	})
	return out
}

// Split returns a new tracker holding only the locks (and recently
// released pairs) whose key satisfies inRange. The receiver is untouched.
func (t *LockTracker) Split(inRange func(key []byte) bool) *LockTracker {
	t.mu.Lock()
	defer t.mu.Unlock()

	child := NewLockTracker(t.released.Len() + DefaultReleasedCapacity)
	for _, l := range t.collectLocked(0, inRange) {
		child.observeLockLocked(l.StartTS, string(l.Key))
	}
	for _, k := range t.released.Keys() {
		if inRange([]byte(k.key)) {
			child.released.Add(k, struct{}{})
		}
	}
	return child
}

// Absorb copies every open lock and released pair of other into t. Used
// when another region merges into this one.
func (t *LockTracker) Absorb(other *LockTracker) {
	other.mu.Lock()
	locks := other.collectLocked(0, nil)
	released := other.released.Keys()
	other.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range locks {
		t.observeLockLocked(l.StartTS, string(l.Key))
	}
	for _, k := range released {
		t.released.Add(k, struct{}{})
	}
}

// Seed loads locks found by an engine lock scan
func (t *LockTracker) Seed(locks []common.Lock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range locks {
		t.observeLockLocked(l.StartTS, string(l.Key))
	}
}

// HasLock reports whether (startTS, key) is open
func (t *LockTracker) HasLock(startTS hlc.Timestamp, key []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.txns.Get(txnLocks{startTS: startTS})
	if !ok {
		return false
	}
	_, open := item.keys[string(key)]
	return open
}
