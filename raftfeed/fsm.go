// Package raftfeed replicates transactional writes of a set of regions
// through a single hashicorp/raft group and feeds every applied entry into
// the change capture pipeline.
package raftfeed

import (
	"bufio"
	"bytes"
	"io"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/raft"
	"github.com/maxpert/tidemark/common"
	"github.com/maxpert/tidemark/encoding"
	"github.com/maxpert/tidemark/engine"
	"github.com/maxpert/tidemark/hlc"
	"github.com/maxpert/tidemark/observer"
	"github.com/maxpert/tidemark/router"
	"github.com/rs/zerolog/log"
)

// FSM applies commands to the engine and forwards the resulting entries.
// Entries go through the router when one is set, otherwise straight to
// the observer.
type FSM struct {
	engine   *engine.Engine
	router   *router.Router
	observer observer.Observer
	clock    *hlc.Clock

	mu         sync.RWMutex
	regions    map[uint64]common.Region
	nextRegion uint64
}

// NewFSM creates a state machine whose key space starts as the single
// region initial
func NewFSM(e *engine.Engine, r *router.Router, o observer.Observer, clock *hlc.Clock, initial common.Region) *FSM {
	if initial.Epoch.IsZero() {
		initial.Epoch = common.Epoch{ConfVer: 1, Version: 1}
	}
	return &FSM{
		engine:     e,
		router:     r,
		observer:   o,
		clock:      clock,
		regions:    map[uint64]common.Region{initial.ID: initial},
		nextRegion: initial.ID + 1,
	}
}

// Regions returns the current region layout ordered by start key
func (f *FSM) Regions() []common.Region {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.sortedLocked()
}

func (f *FSM) sortedLocked() []common.Region {
	out := make([]common.Region, 0, len(f.regions))
	for _, r := range f.regions {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].StartKey, out[j].StartKey) < 0 })
	return out
}

// Region returns one region by id
func (f *FSM) Region(id uint64) (common.Region, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.regions[id]
	return r.Clone(), ok
}

// RegionForKey returns the region whose range holds key
func (f *FSM) RegionForKey(key []byte) (common.Region, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, r := range f.regions {
		if r.ContainsKey(key) {
			return r.Clone(), true
		}
	}
	return common.Region{}, false
}

// Apply implements raft.FSM. It returns *Result or an error.
func (f *FSM) Apply(l *raft.Log) interface{} {
	if l.Type != raft.LogCommand || len(l.Data) == 0 {
		return nil
	}
	cmd, err := decodeCommand(l.Data)
	if err != nil {
		return errors.Wrapf(err, "decode command at index %d", l.Index)
	}
	if cmd.TS > 0 && f.clock != nil {
		f.clock.Update(cmd.TS)
	}

	switch cmd.Kind {
	case CommandWrite, CommandTick:
		return f.applyEntry(l, cmd)
	case CommandSplit:
		return f.applySplit(l, cmd)
	case CommandMerge:
		return f.applyMerge(l, cmd)
	default:
		return errors.Newf("unknown command kind %d at index %d", cmd.Kind, l.Index)
	}
}

func (f *FSM) lookup(id uint64, epoch common.Epoch) (common.Region, error) {
	f.mu.RLock()
	region, ok := f.regions[id]
	f.mu.RUnlock()
	if !ok {
		return common.Region{}, errors.Wrapf(common.ErrRegionNotFound, "region %d", id)
	}
	if !epoch.IsZero() && !epoch.Equal(region.Epoch) {
		return common.Region{}, errors.Wrapf(common.ErrRegionEpochMismatch,
			"region %d proposed at %s, now %s", id, epoch, region.Epoch)
	}
	return region, nil
}

func (f *FSM) applyEntry(l *raft.Log, cmd *Command) interface{} {
	region, err := f.lookup(cmd.RegionID, cmd.Epoch)
	if err != nil {
		return err
	}
	for i := range cmd.Mutations {
		if !region.ContainsKey(cmd.Mutations[i].Key) {
			return errors.Wrapf(common.ErrRegionEpochMismatch,
				"key %q outside %s", cmd.Mutations[i].Key, region)
		}
	}

	entry := &common.Entry{
		RegionID:  region.ID,
		Epoch:     region.Epoch,
		Index:     l.Index,
		Term:      l.Term,
		TS:        cmd.TS,
		Mutations: cmd.Mutations,
	}
	if state, ok, err := f.engine.AppliedState(region.ID); err != nil {
		return err
	} else if ok {
		entry.TS = hlc.MaxOf(entry.TS, state.TS)
	}

	applied, err := f.engine.Apply(entry)
	if err != nil {
		return errors.Wrapf(err, "apply index %d", l.Index)
	}
	if applied {
		f.forward(entry)
	}
	return &Result{Entry: entry, Regions: []common.Region{region}}
}

func (f *FSM) forward(entry *common.Entry) {
	if f.router != nil {
		if err := f.router.Send(entry); err == nil {
			return
		}
	}
	if f.observer == nil {
		return
	}
	if err := f.observer.OnApply(entry); err != nil {
		log.Error().
			Err(err).
			Uint64("region_id", entry.RegionID).
			Uint64("index", entry.Index).
			Msg("Apply observer failed")
	}
}

// drain waits until every entry already forwarded for the regions has
// reached the observer
func (f *FSM) drain(ids ...uint64) error {
	if f.router == nil {
		return nil
	}
	for _, id := range ids {
		fut, err := f.router.Barrier(id)
		if errors.Is(err, router.ErrStopped) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := fut.Get(); err != nil && !errors.Is(err, router.ErrStopped) {
			return err
		}
	}
	return nil
}

// inherit records state for a region created or reshaped by a split or
// merge, unless the engine is already past this log position
func (f *FSM) inherit(regionID uint64, state engine.AppliedState) error {
	current, ok, err := f.engine.AppliedState(regionID)
	if err != nil {
		return err
	}
	if ok && current.Index >= state.Index {
		return nil
	}
	if ok {
		state.TS = hlc.MaxOf(state.TS, current.TS)
	}
	return f.engine.SetAppliedState(regionID, state)
}

func (f *FSM) applySplit(l *raft.Log, cmd *Command) interface{} {
	parent, err := f.lookup(cmd.RegionID, cmd.Epoch)
	if err != nil {
		return err
	}
	if !parent.ContainsKey(cmd.SplitKey) || bytes.Equal(cmd.SplitKey, parent.StartKey) {
		return errors.Newf("split key %q does not cut %s", cmd.SplitKey, parent)
	}

	f.mu.Lock()
	newID := cmd.NewRegionID
	if newID == 0 {
		newID = f.nextRegion
	}
	if _, taken := f.regions[newID]; taken {
		f.mu.Unlock()
		return errors.Newf("region id %d already in use", newID)
	}
	f.mu.Unlock()

	epoch := parent.Epoch.BumpVersion()
	children := []common.Region{
		{ID: parent.ID, Epoch: epoch, StartKey: parent.StartKey, EndKey: bytes.Clone(cmd.SplitKey)},
		{ID: newID, Epoch: epoch, StartKey: bytes.Clone(cmd.SplitKey), EndKey: parent.EndKey},
	}

	if err := f.drain(parent.ID); err != nil {
		return err
	}

	state, _, err := f.engine.AppliedState(parent.ID)
	if err != nil {
		return err
	}
	state.Index, state.Term = l.Index, l.Term
	for _, c := range children {
		if err := f.inherit(c.ID, state); err != nil {
			return err
		}
	}

	f.mu.Lock()
	for _, c := range children {
		f.regions[c.ID] = c
	}
	if newID >= f.nextRegion {
		f.nextRegion = newID + 1
	}
	f.mu.Unlock()

	if f.observer != nil {
		if err := f.observer.OnSplit(parent.ID, children); err != nil {
			log.Error().Err(err).Uint64("region_id", parent.ID).Msg("Split observer failed")
		}
	}

	log.Info().
		Uint64("region_id", parent.ID).
		Uint64("new_region_id", newID).
		Bytes("split_key", cmd.SplitKey).
		Uint64("index", l.Index).
		Msg("Region split applied")
	return &Result{Regions: children}
}

func (f *FSM) applyMerge(l *raft.Log, cmd *Command) interface{} {
	target, err := f.lookup(cmd.RegionID, cmd.Epoch)
	if err != nil {
		return err
	}
	source, err := f.lookup(cmd.SourceID, common.Epoch{})
	if err != nil {
		return err
	}

	version := target.Epoch.Version
	if source.Epoch.Version > version {
		version = source.Epoch.Version
	}
	confVer := target.Epoch.ConfVer
	if source.Epoch.ConfVer > confVer {
		confVer = source.Epoch.ConfVer
	}
	merged := common.Region{ID: target.ID, Epoch: common.Epoch{ConfVer: confVer, Version: version + 1}}
	if bytes.Equal(target.EndKey, source.StartKey) && len(target.EndKey) != 0 {
		merged.StartKey, merged.EndKey = target.StartKey, source.EndKey
	} else {
		merged.StartKey, merged.EndKey = source.StartKey, target.EndKey
	}
	if err := common.ValidateMerge(target, source, merged); err != nil {
		return err
	}

	if err := f.drain(target.ID, source.ID); err != nil {
		return err
	}

	tstate, _, err := f.engine.AppliedState(target.ID)
	if err != nil {
		return err
	}
	sstate, _, err := f.engine.AppliedState(source.ID)
	if err != nil {
		return err
	}
	if err := f.inherit(target.ID, engine.AppliedState{
		Index: l.Index,
		Term:  l.Term,
		TS:    hlc.MaxOf(tstate.TS, sstate.TS),
	}); err != nil {
		return err
	}

	f.mu.Lock()
	delete(f.regions, source.ID)
	f.regions[merged.ID] = merged
	f.mu.Unlock()

	if f.observer != nil {
		if err := f.observer.OnMerge(source.ID, merged); err != nil {
			log.Error().Err(err).Uint64("region_id", target.ID).Msg("Merge observer failed")
		}
	}
	if f.router != nil {
		f.router.Forget(source.ID)
	}

	log.Info().
		Uint64("region_id", target.ID).
		Uint64("source_id", source.ID).
		Uint64("index", l.Index).
		Msg("Region merge applied")
	return &Result{Regions: []common.Region{merged}}
}

type snapshotHeader struct {
	Regions    []common.Region `msgpack:"regions"`
	NextRegion uint64          `msgpack:"next_region"`
}

// Snapshot implements raft.FSM. The region layout and an engine snapshot
// are captured here; Persist streams them later.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	snap, err := f.engine.NewSnapshot()
	if err != nil {
		return nil, err
	}
	f.mu.RLock()
	header := snapshotHeader{Regions: f.sortedLocked(), NextRegion: f.nextRegion}
	f.mu.RUnlock()
	return &fsmSnapshot{header: header, snap: snap}, nil
}

// Restore implements raft.FSM
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	// Shared buffered reader so the engine stream picks up right after
	// the header
	br := bufio.NewReader(rc)
	var header snapshotHeader
	if err := encoding.NewDecoder(br).Decode(&header); err != nil {
		return errors.Wrap(err, "read snapshot header")
	}
	if err := f.engine.Import(br); err != nil {
		return err
	}

	f.mu.Lock()
	previous := f.regions
	f.regions = make(map[uint64]common.Region, len(header.Regions))
	for _, r := range header.Regions {
		f.regions[r.ID] = r
	}
	f.nextRegion = header.NextRegion
	f.mu.Unlock()

	if f.observer != nil {
		for id := range previous {
			f.observer.OnDestroy(id)
		}
	}

	log.Info().Int("regions", len(header.Regions)).Msg("Raft state restored from snapshot")
	return nil
}

type fsmSnapshot struct {
	header snapshotHeader
	snap   *engine.Snapshot
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		w := bufio.NewWriter(sink)
		if err := encoding.NewEncoder(w).Encode(&s.header); err != nil {
			return err
		}
		if err := s.snap.Export(w); err != nil {
			return err
		}
		return w.Flush()
	}()
	if err != nil {
		sink.Cancel()
		return errors.Wrap(err, "persist snapshot")
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {
	s.snap.Close()
}
