// Package concurrency holds the node's in-memory lock table: keys locked by
// transactions that are still in flight and have not yet been replicated
// as prewrites. Their start timestamps bound how far any region's resolved
// timestamp may advance.
package concurrency

import (
	"github.com/cockroachdb/errors"
	"github.com/maxpert/tidemark/hlc"
	"github.com/puzpuzpuz/xsync/v3"
)

// ErrKeyLocked is returned when a key is held by another transaction
var ErrKeyLocked = errors.New("key locked by another transaction")

// Manager is a lock-free in-memory lock table.
//
// keys maps a user key to the start ts of the transaction holding it;
// byTxn is the reverse index used to release a whole transaction.
type Manager struct {
	keys  *xsync.MapOf[string, hlc.Timestamp]
	byTxn *xsync.MapOf[hlc.Timestamp, *xsync.MapOf[string, struct{}]]
}

// NewManager creates an empty lock table
func NewManager() *Manager {
	return &Manager{
		keys:  xsync.NewMapOf[string, hlc.Timestamp](),
		byTxn: xsync.NewMapOf[hlc.Timestamp, *xsync.MapOf[string, struct{}]](),
	}
}

// Guard releases the keys it was handed out for
type Guard struct {
	m       *Manager
	startTS hlc.Timestamp
	keys    []string
}

// Lock takes in-memory locks on keys for the transaction starting at
// startTS. Either every key is locked or none is. Relocking a key already
// held by the same transaction succeeds.
func (m *Manager) Lock(startTS hlc.Timestamp, keys ...[]byte) (*Guard, error) {
	if startTS.IsZero() {
		return nil, errors.New("lock needs a start timestamp")
	}

	g := &Guard{m: m, startTS: startTS}
	txnKeys, _ := m.byTxn.LoadOrStore(startTS, xsync.NewMapOf[string, struct{}]())

	for _, k := range keys {
		key := string(k)
		holder, loaded := m.keys.LoadOrStore(key, startTS)
		if loaded && holder != startTS {
			g.Unlock()
			m.cleanupTxn(startTS, txnKeys)
			return nil, errors.Wrapf(ErrKeyLocked, "key %q held by txn %s", k, holder)
		}
		if !loaded {
			g.keys = append(g.keys, key)
			txnKeys.Store(key, struct{}{})
		}
	}

	if len(g.keys) == 0 {
		m.cleanupTxn(startTS, txnKeys)
	}
	return g, nil
}

// StartTS returns the transaction the guard belongs to
func (g *Guard) StartTS() hlc.Timestamp {
	return g.startTS
}

// Unlock releases the keys this guard acquired. It is safe to call twice.
func (g *Guard) Unlock() {
	if g == nil || len(g.keys) == 0 {
		return
	}
	txnKeys, ok := g.m.byTxn.Load(g.startTS)
	for _, key := range g.keys {
		g.m.keys.Compute(key, func(holder hlc.Timestamp, loaded bool) (hlc.Timestamp, bool) {
			// Delete only if still ours
			return holder, !loaded || holder == g.startTS
		})
		if ok {
			txnKeys.Delete(key)
		}
	}
	g.keys = nil
	if ok {
		g.m.cleanupTxn(g.startTS, txnKeys)
	}
}

// ReleaseTxn drops every lock held by the transaction
func (m *Manager) ReleaseTxn(startTS hlc.Timestamp) {
	txnKeys, ok := m.byTxn.LoadAndDelete(startTS)
	if !ok {
		return
	}
	txnKeys.Range(func(key string, _ struct{}) bool {
		m.keys.Compute(key, func(holder hlc.Timestamp, loaded bool) (hlc.Timestamp, bool) {
			return holder, !loaded || holder == startTS
		})
		return true
	})
}

// Holder returns the start ts of the transaction holding key
func (m *Manager) Holder(key []byte) (hlc.Timestamp, bool) {
	return m.keys.Load(string(key))
}

// MinLockTS returns the smallest start ts of any in-memory lock. ok is
// false when nothing is locked.
func (m *Manager) MinLockTS() (hlc.Timestamp, bool) {
	min := hlc.Max
	found := false
	m.byTxn.Range(func(startTS hlc.Timestamp, keys *xsync.MapOf[string, struct{}]) bool {
		if keys.Size() > 0 && startTS < min {
			min = startTS
			found = true
		}
		return true
	})
	if !found {
		return 0, false
	}
	return min, true
}

// Len returns the number of locked keys
func (m *Manager) Len() int {
	return m.keys.Size()
}

func (m *Manager) cleanupTxn(startTS hlc.Timestamp, txnKeys *xsync.MapOf[string, struct{}]) {
	if txnKeys.Size() == 0 {
		m.byTxn.Compute(startTS, func(cur *xsync.MapOf[string, struct{}], loaded bool) (*xsync.MapOf[string, struct{}], bool) {
			return cur, !loaded || cur.Size() == 0
		})
	}
}
