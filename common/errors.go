package common

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrRegionEpochMismatch marks a stale registration or request; the
	// caller must re-resolve the region and retry.
	ErrRegionEpochMismatch = errors.New("region epoch mismatch")
	// ErrResolverStalled marks a region whose resolved ts stopped advancing
	ErrResolverStalled = errors.New("resolver stalled")
	// ErrNotLeader terminates streams when this node loses leadership
	ErrNotLeader = errors.New("not leader")
	// ErrDuplicateUnlock is counted, never returned to the apply path
	ErrDuplicateUnlock = errors.New("duplicate unlock")
	// ErrSubscriberOverflow tears down a stream whose queue is full
	ErrSubscriberOverflow = errors.New("subscriber overflow")
	// ErrApplyOrderViolation is fatal for the region's delegate
	ErrApplyOrderViolation = errors.New("apply order violation")
	// ErrLockBelowResolved is a prewrite below the published resolved ts
	ErrLockBelowResolved = errors.New("lock below resolved ts")

	// ErrRegionSplit ends the parent's streams; subscribers move to the
	// children from their last checkpoint
	ErrRegionSplit = errors.New("region split")
	// ErrRegionMerged ends the streams of both regions of a merge
	ErrRegionMerged = errors.New("region merged")
	// ErrRegionNotFound is returned for a region with no delegate here
	ErrRegionNotFound = errors.New("region not found")
	// ErrDelegateStopped rejects work on a delegate that was stopped
	ErrDelegateStopped = errors.New("delegate stopped")
	// ErrShutdown ends streams when the node stops
	ErrShutdown = errors.New("shutting down")
)

// IsFatalForDelegate reports whether err requires tearing the region's
// delegate down and rebuilding it from the engine.
func IsFatalForDelegate(err error) bool {
	return errors.Is(err, ErrApplyOrderViolation) || errors.Is(err, ErrLockBelowResolved)
}

// IsStreamEnd reports whether err is a terminal marker the subscriber is
// expected to react to by resubscribing.
func IsStreamEnd(err error) bool {
	return errors.IsAny(err,
		ErrNotLeader, ErrRegionSplit, ErrRegionMerged, ErrRegionEpochMismatch,
		ErrSubscriberOverflow, ErrApplyOrderViolation, ErrLockBelowResolved,
		ErrDelegateStopped, ErrRegionNotFound)
}
