package concurrency

import (
	"sync"
	"testing"

	"github.com/maxpert/tidemark/hlc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_MinLockTS(t *testing.T) {
	m := NewManager()
	_, ok := m.MinLockTS()
	assert.False(t, ok, "empty table has no floor")

	g1, err := m.Lock(120, []byte("a"))
	require.NoError(t, err)
	g2, err := m.Lock(90, []byte("b"), []byte("c"))
	require.NoError(t, err)

	ts, ok := m.MinLockTS()
	require.True(t, ok)
	assert.Equal(t, hlc.Timestamp(90), ts)
	assert.Equal(t, 3, m.Len())

	g2.Unlock()
	ts, ok = m.MinLockTS()
	require.True(t, ok)
	assert.Equal(t, hlc.Timestamp(120), ts)

	g1.Unlock()
	g1.Unlock()
	_, ok = m.MinLockTS()
	assert.False(t, ok)
	assert.Zero(t, m.Len())
}

func TestLock_ConflictIsAllOrNothing(t *testing.T) {
	m := NewManager()
	_, err := m.Lock(100, []byte("b"))
	require.NoError(t, err)

	_, err = m.Lock(200, []byte("a"), []byte("b"))
	require.ErrorIs(t, err, ErrKeyLocked)

	_, held := m.Holder([]byte("a"))
	assert.False(t, held, "partial acquisition must be rolled back")

	ts, ok := m.MinLockTS()
	require.True(t, ok)
	assert.Equal(t, hlc.Timestamp(100), ts)
}

func TestLock_ReentrantForSameTxn(t *testing.T) {
	m := NewManager()
	g1, err := m.Lock(100, []byte("a"))
	require.NoError(t, err)
	g2, err := m.Lock(100, []byte("a"), []byte("b"))
	require.NoError(t, err)

	g2.Unlock()
	holder, held := m.Holder([]byte("a"))
	require.True(t, held, "first guard still owns a")
	assert.Equal(t, hlc.Timestamp(100), holder)

	g1.Unlock()
	_, held = m.Holder([]byte("a"))
	assert.False(t, held)
}

func TestLock_ZeroStartTS(t *testing.T) {
	_, err := NewManager().Lock(0, []byte("a"))
	assert.Error(t, err)
}

func TestReleaseTxn(t *testing.T) {
	m := NewManager()
	_, err := m.Lock(100, []byte("a"), []byte("b"))
	require.NoError(t, err)
	_, err = m.Lock(150, []byte("c"))
	require.NoError(t, err)

	m.ReleaseTxn(100)
	assert.Equal(t, 1, m.Len())
	ts, ok := m.MinLockTS()
	require.True(t, ok)
	assert.Equal(t, hlc.Timestamp(150), ts)

	m.ReleaseTxn(100)
}

func TestLock_Concurrent(t *testing.T) {
	m := NewManager()
	var wg sync.WaitGroup
	for i := 1; i <= 32; i++ {
		wg.Add(1)
		go func(ts hlc.Timestamp) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				g, err := m.Lock(ts, []byte{byte(ts), byte(j)})
				if err != nil {
					t.Errorf("lock failed: %v", err)
					return
				}
				if _, ok := m.MinLockTS(); !ok {
					t.Error("floor must exist while a lock is held")
				}
				g.Unlock()
			}
		}(hlc.Timestamp(i))
	}
	wg.Wait()

	assert.Zero(t, m.Len())
	_, ok := m.MinLockTS()
	assert.False(t, ok)
}
