package hlc

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// LogicalBits is the number of low bits reserved for the logical counter.
// 18 bits = ~262k timestamps per millisecond.
const LogicalBits = 18

// LogicalMask masks the logical counter
const LogicalMask = (1 << LogicalBits) - 1

// MaxLogical is the maximum value for logical counter before overflow
const MaxLogical = LogicalMask

// Max is the largest representable timestamp. It stands in for "+inf"
// when a minimum is taken over optional bounds.
const Max Timestamp = math.MaxUint64

// Timestamp is a hybrid logical timestamp packed into 64 bits:
// (physical_ms << 18) | logical
//
// The zero value means "unset".
type Timestamp uint64

// New composes a timestamp from its physical (milliseconds) and logical parts
func New(physicalMS int64, logical uint32) Timestamp {
	return Timestamp(uint64(physicalMS)<<LogicalBits | uint64(logical)&LogicalMask)
}

// FromTime returns the timestamp with logical 0 at the given wall time
func FromTime(t time.Time) Timestamp {
	return New(t.UnixMilli(), 0)
}

// Physical returns the physical component in milliseconds
func (t Timestamp) Physical() int64 {
	return int64(uint64(t) >> LogicalBits)
}

// Logical returns the logical component
func (t Timestamp) Logical() uint32 {
	return uint32(uint64(t) & LogicalMask)
}

// PhysicalTime returns the physical time component as time.Time
func (t Timestamp) PhysicalTime() time.Time {
	return time.UnixMilli(t.Physical())
}

// IsZero reports whether the timestamp is unset
func (t Timestamp) IsZero() bool {
	return t == 0
}

// Next returns the smallest timestamp greater than t
func (t Timestamp) Next() Timestamp {
	if t == Max {
		return Max
	}
	return t + 1
}

// Prev returns the largest timestamp smaller than t
func (t Timestamp) Prev() Timestamp {
	if t == 0 {
		return 0
	}
	return t - 1
}

// String returns a human-readable representation
func (t Timestamp) String() string {
	if t == Max {
		return "max"
	}
	return fmt.Sprintf("%d.%d", t.Physical(), t.Logical())
}

// Less returns true if a happened before b
func Less(a, b Timestamp) bool {
	return a < b
}

// Min returns the smaller of two timestamps
func Min(a, b Timestamp) Timestamp {
	if a < b {
		return a
	}
	return b
}

// MaxOf returns the larger of two timestamps
func MaxOf(a, b Timestamp) Timestamp {
	if a > b {
		return a
	}
	return b
}

// Clock issues strictly increasing timestamps on one node. It plays the
// role of the timestamp oracle for tests and the in-process cluster.
type Clock struct {
	physical int64 // last physical millisecond handed out
	logical  uint32
	wallNow  func() time.Time
	mu       sync.Mutex
}

// NewClock creates a new clock reading the system wall time
func NewClock() *Clock {
	return NewClockWithSource(time.Now)
}

// NewClockWithSource creates a clock reading wall time from fn
func NewClockWithSource(fn func() time.Time) *Clock {
	return &Clock{
		physical: fn().UnixMilli(),
		wallNow:  fn,
	}
}

// Now generates a new timestamp for a local event
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := c.wallNow().UnixMilli()
	if physicalNow > c.physical {
		c.physical = physicalNow
		c.logical = 0
	}

	// Logical exhausted for this millisecond: borrow the next one rather
	// than overflow into the physical bits.
	if c.logical >= MaxLogical {
		c.physical++
		c.logical = 0
	}

	c.logical++
	return New(c.physical, c.logical)
}

// Update ratchets the clock past a received timestamp and returns a
// timestamp greater than both.
func (c *Clock) Update(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := c.wallNow().UnixMilli()
	remotePhysical := remote.Physical()

	switch {
	case physicalNow > c.physical && physicalNow > remotePhysical:
		c.physical = physicalNow
		c.logical = 0
	case remotePhysical > c.physical:
		c.physical = remotePhysical
		c.logical = remote.Logical()
	case remotePhysical == c.physical && remote.Logical() > c.logical:
		c.logical = remote.Logical()
	}

	if c.logical >= MaxLogical {
		c.physical++
		c.logical = 0
	}

	c.logical++
	return New(c.physical, c.logical)
}

// Peek returns the last issued timestamp without advancing the clock
func (c *Clock) Peek() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return New(c.physical, c.logical)
}
