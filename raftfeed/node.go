package raftfeed

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/maxpert/tidemark/cfg"
	"github.com/maxpert/tidemark/common"
	"github.com/maxpert/tidemark/concurrency"
	"github.com/maxpert/tidemark/hlc"
	"github.com/rs/zerolog/log"
)

// Options configure the raft node
type Options struct {
	NodeID            uint64
	Dir               string
	BindAddress       string
	Bootstrap         bool
	SnapshotRetain    int
	Heartbeat         time.Duration
	TickPropose       time.Duration
	ApplyTimeout      time.Duration
	TrailingLogs      uint64
	SnapshotThreshold uint64
	Verbose           bool
}

// OptionsFromConfig builds node options from the configuration
func OptionsFromConfig(c *cfg.Configuration) Options {
	return Options{
		NodeID:            c.NodeID,
		Dir:               filepath.Join(c.DataDir, "raft"),
		BindAddress:       c.Raft.BindAddress,
		Bootstrap:         c.Raft.Bootstrap,
		SnapshotRetain:    c.Raft.SnapshotRetain,
		Heartbeat:         time.Duration(c.Raft.HeartbeatMS) * time.Millisecond,
		TickPropose:       time.Duration(c.Raft.TickProposeMS) * time.Millisecond,
		ApplyTimeout:      time.Duration(c.Raft.ApplyTimeoutMS) * time.Millisecond,
		TrailingLogs:      c.Raft.TrailingLogs,
		SnapshotThreshold: c.Raft.SnapshotThreshold,
		Verbose:           c.Logging.Verbose,
	}
}

// Stores are the raft persistence and transport a node runs on
type Stores struct {
	Logs      raft.LogStore
	Stable    raft.StableStore
	Snapshots raft.SnapshotStore
	Transport raft.Transport
}

// Node drives one raft group: it proposes writes, ticks idle regions and
// turns leadership changes into observer role changes
type Node struct {
	raft   *raft.Raft
	fsm    *FSM
	locks  *concurrency.Manager
	opts   Options
	notify chan bool
	bolt   *raftboltdb.BoltStore

	// Timestamp issue and in-memory lock registration happen together
	// under tsMu, so a floor read never misses a lock older than it.
	tsMu sync.Mutex

	leader atomic.Bool
}

// Open starts a node persisting its log in BoltDB and snapshots on disk,
// talking to peers over TCP
func Open(opts Options, fsm *FSM) (*Node, error) {
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create raft dir")
	}
	writer := log.Logger.With().Str("component", "raft").Logger()

	bolt, err := raftboltdb.NewBoltStore(filepath.Join(opts.Dir, "raft.db"))
	if err != nil {
		return nil, errors.Wrap(err, "open raft log store")
	}
	retain := opts.SnapshotRetain
	if retain < 1 {
		retain = 1
	}
	snaps, err := raft.NewFileSnapshotStore(opts.Dir, retain, writer)
	if err != nil {
		bolt.Close()
		return nil, errors.Wrap(err, "open raft snapshot store")
	}
	trans, err := raft.NewTCPTransport(opts.BindAddress, nil, 3, 10*time.Second, writer)
	if err != nil {
		bolt.Close()
		return nil, errors.Wrap(err, "open raft transport")
	}

	n, err := NewNode(opts, fsm, Stores{Logs: bolt, Stable: bolt, Snapshots: snaps, Transport: trans})
	if err != nil {
		trans.Close()
		bolt.Close()
		return nil, err
	}
	n.bolt = bolt
	return n, nil
}

// NewNode starts a node on the given stores
func NewNode(opts Options, fsm *FSM, stores Stores) (*Node, error) {
	if opts.ApplyTimeout <= 0 {
		opts.ApplyTimeout = 5 * time.Second
	}

	rc := raft.DefaultConfig()
	rc.LocalID = raft.ServerID(strconv.FormatUint(opts.NodeID, 10))
	if opts.Heartbeat > 0 {
		rc.HeartbeatTimeout = opts.Heartbeat
		rc.ElectionTimeout = opts.Heartbeat
		rc.LeaderLeaseTimeout = opts.Heartbeat / 2
		if rc.CommitTimeout > opts.Heartbeat/2 {
			rc.CommitTimeout = opts.Heartbeat / 2
		}
	}
	if opts.TrailingLogs > 0 {
		rc.TrailingLogs = opts.TrailingLogs
	}
	if opts.SnapshotThreshold > 0 {
		rc.SnapshotThreshold = opts.SnapshotThreshold
	}
	rc.LogOutput = log.Logger.With().Str("component", "raft").Logger()
	rc.LogLevel = "WARN"
	if opts.Verbose {
		rc.LogLevel = "DEBUG"
	}
	notify := make(chan bool, 16)
	rc.NotifyCh = notify

	r, err := raft.NewRaft(rc, fsm, stores.Logs, stores.Stable, stores.Snapshots, stores.Transport)
	if err != nil {
		return nil, errors.Wrap(err, "start raft")
	}

	if opts.Bootstrap {
		hasState, err := raft.HasExistingState(stores.Logs, stores.Stable, stores.Snapshots)
		if err != nil {
			r.Shutdown()
			return nil, errors.Wrap(err, "check raft state")
		}
		if !hasState {
			conf := raft.Configuration{Servers: []raft.Server{{ID: rc.LocalID, Address: stores.Transport.LocalAddr()}}}
			if err := r.BootstrapCluster(conf).Error(); err != nil {
				r.Shutdown()
				return nil, errors.Wrap(err, "bootstrap raft")
			}
			log.Info().
				Str("id", string(rc.LocalID)).
				Str("addr", string(stores.Transport.LocalAddr())).
				Msg("Bootstrapped single node raft group")
		}
	}

	return &Node{
		raft:   r,
		fsm:    fsm,
		locks:  concurrency.NewManager(),
		opts:   opts,
		notify: notify,
	}, nil
}

// Run reacts to leadership changes and, while leader, proposes empty
// entries so idle regions keep moving. It returns when ctx is done.
func (n *Node) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if n.opts.TickPropose > 0 {
		ticker := time.NewTicker(n.opts.TickPropose)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case leader := <-n.notify:
			n.onLeadership(leader)
		case <-tick:
			if n.leader.Load() {
				n.Tick(ctx)
			}
		}
	}
}

func (n *Node) onLeadership(leader bool) {
	if leader == n.leader.Load() {
		return
	}
	obs := n.fsm.observer

	if !leader {
		n.leader.Store(false)
		log.Info().Msg("Lost raft leadership")
		if obs == nil {
			return
		}
		for _, r := range n.fsm.Regions() {
			if err := obs.OnRoleChange(r, false); err != nil {
				log.Warn().Err(err).Uint64("region_id", r.ID).Msg("Role change failed")
			}
		}
		return
	}

	// Everything committed by the previous leader must be applied before
	// delegates seed from the engine
	if err := n.raft.Barrier(n.opts.ApplyTimeout).Error(); err != nil {
		log.Warn().Err(err).Msg("Raft barrier after election failed")
		return
	}
	n.leader.Store(true)
	log.Info().Msg("Acquired raft leadership")
	if obs == nil {
		return
	}
	for _, r := range n.fsm.Regions() {
		if err := obs.OnRoleChange(r, true); err != nil {
			log.Warn().Err(err).Uint64("region_id", r.ID).Msg("Role change failed")
		}
	}
}

// IsLeader reports whether this node currently leads the group and has
// registered its regions
func (n *Node) IsLeader() bool {
	return n.leader.Load()
}

// FSM returns the node's state machine
func (n *Node) FSM() *FSM {
	return n.fsm
}

// Locks returns the in-memory lock table of in-flight transactions
func (n *Node) Locks() *concurrency.Manager {
	return n.locks
}

// now issues a timestamp for a proposal
func (n *Node) now() hlc.Timestamp {
	n.tsMu.Lock()
	defer n.tsMu.Unlock()
	return n.fsm.clock.Now()
}

// MinLockTS is the resolved ts floor of this node: the oldest in-memory
// lock, or the current time when there is none. Any transaction that
// starts after the read gets a later start ts.
func (n *Node) MinLockTS() (hlc.Timestamp, bool) {
	n.tsMu.Lock()
	defer n.tsMu.Unlock()
	now := n.fsm.clock.Now()
	if ts, ok := n.locks.MinLockTS(); ok && ts < now {
		return ts, true
	}
	return now, true
}

func (n *Node) propose(ctx context.Context, cmd *Command) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := encodeCommand(cmd)
	if err != nil {
		return nil, errors.Wrap(err, "encode command")
	}

	timeout := n.opts.ApplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}

	f := n.raft.Apply(data, timeout)
	if err := f.Error(); err != nil {
		if errors.IsAny(err, raft.ErrNotLeader, raft.ErrLeadershipLost, raft.ErrLeadershipTransferInProgress) {
			return nil, errors.Wrapf(common.ErrNotLeader, "propose %s: %v", cmd.Kind, err)
		}
		return nil, errors.Wrapf(err, "propose %s", cmd.Kind)
	}

	switch resp := f.Response().(type) {
	case *Result:
		return resp, nil
	case error:
		return nil, resp
	default:
		return nil, errors.Newf("unexpected %s response %T", cmd.Kind, resp)
	}
}

// Tick proposes one empty entry per region
func (n *Node) Tick(ctx context.Context) {
	for _, r := range n.fsm.Regions() {
		_, err := n.propose(ctx, &Command{Kind: CommandTick, RegionID: r.ID, TS: n.now()})
		if err != nil {
			log.Debug().Err(err).Uint64("region_id", r.ID).Msg("Tick proposal failed")
			return
		}
	}
}

// Split cuts a region at splitKey. newRegionID 0 lets the group pick one.
func (n *Node) Split(ctx context.Context, regionID uint64, splitKey []byte, newRegionID uint64) ([]common.Region, error) {
	res, err := n.propose(ctx, &Command{
		Kind:        CommandSplit,
		RegionID:    regionID,
		TS:          n.now(),
		SplitKey:    splitKey,
		NewRegionID: newRegionID,
	})
	if err != nil {
		return nil, err
	}
	return res.Regions, nil
}

// Merge folds source into the adjacent target region
func (n *Node) Merge(ctx context.Context, sourceID, targetID uint64) (common.Region, error) {
	res, err := n.propose(ctx, &Command{Kind: CommandMerge, RegionID: targetID, SourceID: sourceID, TS: n.now()})
	if err != nil {
		return common.Region{}, err
	}
	return res.Regions[0], nil
}

// AddVoter adds a peer to the group. Only the leader can do this.
func (n *Node) AddVoter(nodeID uint64, address string) error {
	id := raft.ServerID(strconv.FormatUint(nodeID, 10))
	return n.raft.AddVoter(id, raft.ServerAddress(address), 0, n.opts.ApplyTimeout).Error()
}

// Status is a point-in-time view of the node's raft state
type Status struct {
	State        string `json:"state"`
	Leader       string `json:"leader"`
	Term         uint64 `json:"term"`
	LastIndex    uint64 `json:"last_index"`
	AppliedIndex uint64 `json:"applied_index"`
	Regions      int    `json:"regions"`
}

// Status returns the node's raft state
func (n *Node) Status() Status {
	addr, _ := n.raft.LeaderWithID()
	term, _ := strconv.ParseUint(n.raft.Stats()["term"], 10, 64)
	return Status{
		State:        n.raft.State().String(),
		Leader:       string(addr),
		Term:         term,
		LastIndex:    n.raft.LastIndex(),
		AppliedIndex: n.raft.AppliedIndex(),
		Regions:      len(n.fsm.Regions()),
	}
}

// Close shuts raft down and releases its stores
func (n *Node) Close() error {
	err := n.raft.Shutdown().Error()
	if n.bolt != nil {
		if cerr := n.bolt.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
