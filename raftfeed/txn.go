package raftfeed

import (
	"bytes"
	"context"

	"github.com/cockroachdb/errors"
	"github.com/maxpert/tidemark/common"
	"github.com/maxpert/tidemark/concurrency"
	"github.com/maxpert/tidemark/hlc"
)

// ErrTxnDone is returned by operations on a finished transaction
var ErrTxnDone = errors.New("transaction already finished")

// Write is one key's provisional value
type Write struct {
	Key   []byte
	Value []byte
	Op    common.OpKind
}

// Txn is a two-phase transaction replicated through the node
type Txn struct {
	node    *Node
	startTS hlc.Timestamp
	keys    [][]byte
	guard   *concurrency.Guard
	written bool
	done    bool
}

// Begin starts a transaction over keys. The keys stay locked in memory
// until their prewrites are replicated.
func (n *Node) Begin(keys ...[]byte) (*Txn, error) {
	if len(keys) == 0 {
		return nil, errors.New("transaction needs at least one key")
	}

	n.tsMu.Lock()
	defer n.tsMu.Unlock()
	startTS := n.fsm.clock.Now()
	guard, err := n.locks.Lock(startTS, keys...)
	if err != nil {
		return nil, err
	}
	return &Txn{node: n, startTS: startTS, keys: keys, guard: guard}, nil
}

// StartTS returns the transaction's start timestamp
func (t *Txn) StartTS() hlc.Timestamp {
	return t.startTS
}

func (t *Txn) owns(key []byte) bool {
	for _, k := range t.keys {
		if bytes.Equal(k, key) {
			return true
		}
	}
	return false
}

// byRegion groups mutations by the region holding their key, keeping the
// caller's order inside each group
func (t *Txn) byRegion(muts []common.Mutation) ([]uint64, map[uint64][]common.Mutation, map[uint64]common.Epoch, error) {
	var order []uint64
	groups := make(map[uint64][]common.Mutation)
	epochs := make(map[uint64]common.Epoch)
	for _, m := range muts {
		r, ok := t.node.fsm.RegionForKey(m.Key)
		if !ok {
			return nil, nil, nil, errors.Wrapf(common.ErrRegionNotFound, "no region holds key %q", m.Key)
		}
		if _, seen := groups[r.ID]; !seen {
			order = append(order, r.ID)
			epochs[r.ID] = r.Epoch
		}
		groups[r.ID] = append(groups[r.ID], m)
	}
	return order, groups, epochs, nil
}

func (t *Txn) replicate(ctx context.Context, muts []common.Mutation, ts hlc.Timestamp) error {
	order, groups, epochs, err := t.byRegion(muts)
	if err != nil {
		return err
	}
	for _, id := range order {
		if ts.IsZero() {
			ts = t.node.now()
		}
		_, err := t.node.propose(ctx, &Command{
			Kind:      CommandWrite,
			RegionID:  id,
			Epoch:     epochs[id],
			TS:        ts,
			Mutations: groups[id],
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Prewrite replicates locks carrying the provisional writes
func (t *Txn) Prewrite(ctx context.Context, writes ...Write) error {
	if t.done {
		return ErrTxnDone
	}
	muts := make([]common.Mutation, 0, len(writes))
	for _, w := range writes {
		if !t.owns(w.Key) {
			return errors.Newf("key %q was not declared at begin", w.Key)
		}
		op := w.Op
		if op == 0 {
			op = common.OpPut
		}
		muts = append(muts, common.Mutation{
			Kind:    common.MutationPrewrite,
			Key:     w.Key,
			Value:   w.Value,
			Op:      op,
			StartTS: t.startTS,
		})
	}
	if err := t.replicate(ctx, muts, 0); err != nil {
		return err
	}
	t.written = true

	// The replicated locks now hold resolved ts back
	t.guard.Unlock()
	return nil
}

// Commit replicates the commit records and returns the commit timestamp
func (t *Txn) Commit(ctx context.Context) (hlc.Timestamp, error) {
	if t.done {
		return 0, ErrTxnDone
	}
	if !t.written {
		return 0, errors.New("commit before prewrite")
	}
	commitTS := t.node.now()
	muts := make([]common.Mutation, 0, len(t.keys))
	for _, k := range t.keys {
		muts = append(muts, common.Mutation{
			Kind:     common.MutationCommit,
			Key:      k,
			StartTS:  t.startTS,
			CommitTS: commitTS,
		})
	}
	if err := t.replicate(ctx, muts, commitTS); err != nil {
		return 0, err
	}
	t.done = true
	return commitTS, nil
}

// Rollback abandons the transaction, clearing any replicated locks
func (t *Txn) Rollback(ctx context.Context) error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	defer t.guard.Unlock()
	if !t.written {
		return nil
	}
	muts := make([]common.Mutation, 0, len(t.keys))
	for _, k := range t.keys {
		muts = append(muts, common.Mutation{Kind: common.MutationRollback, Key: k, StartTS: t.startTS})
	}
	return t.replicate(ctx, muts, 0)
}
