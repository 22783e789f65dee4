package mempool

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestPool(opts Options) (*Pool, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	p := New(opts)
	p.now = clk.now
	return p, clk
}

func TestAcquireRelease(t *testing.T) {
	p, _ := newTestPool(Options{MaxPoolSize: 4, BufferSize: 1500})

	b, err := p.Acquire(64)
	require.NoError(t, err)
	assert.Equal(t, 64, b.Len())
	assert.Equal(t, 1500, b.Cap())

	copy(b.Bytes(), []byte("payload"))
	p.Release(b)

	st := p.Stats()
	assert.Equal(t, 1, st.PoolSize)
	assert.EqualValues(t, 1, st.Allocations)
	assert.EqualValues(t, 1, st.Deallocations)
	assert.Zero(t, st.Outstanding)

	again, err := p.Acquire(128)
	require.NoError(t, err)
	assert.Same(t, b, again, "pooled buffer is reused")
	assert.Equal(t, make([]byte, 128), again.Bytes(), "reused buffer is zero-filled")
	assert.EqualValues(t, 1, p.Stats().Created)
}

func TestAcquireLargerThanStandard(t *testing.T) {
	p, _ := newTestPool(Options{MaxPoolSize: 4, BufferSize: 1500})

	small, err := p.Acquire(100)
	require.NoError(t, err)
	p.Release(small)

	jumbo, err := p.Acquire(9000)
	require.NoError(t, err)
	assert.NotSame(t, small, jumbo, "first fit skips buffers that are too small")
	assert.Equal(t, 9000, jumbo.Cap())
	assert.Equal(t, 1, p.Stats().PoolSize)

	p.Release(jumbo)
	assert.Equal(t, 2, p.Stats().PoolSize)

	got, err := p.Acquire(4000)
	require.NoError(t, err)
	assert.Same(t, jumbo, got)
	assert.Equal(t, 4000, got.Len())
}

func TestReleaseDiscardsAgedBuffers(t *testing.T) {
	p, clk := newTestPool(Options{MaxPoolSize: 4, BufferSize: 1500, MaxAge: time.Minute})

	b, err := p.Acquire(64)
	require.NoError(t, err)
	clk.advance(2 * time.Minute)
	p.Release(b)

	st := p.Stats()
	assert.Zero(t, st.PoolSize, "aged buffer is never recycled")
	assert.EqualValues(t, 1, st.Deallocations)
}

func TestReleaseDiscardsWhenFull(t *testing.T) {
	p, _ := newTestPool(Options{MaxPoolSize: 2, BufferSize: 512})

	var bufs []*Buffer
	for i := 0; i < 5; i++ {
		b, err := p.Acquire(100)
		require.NoError(t, err)
		bufs = append(bufs, b)
	}
	for _, b := range bufs {
		p.Release(b)
	}
	st := p.Stats()
	assert.Equal(t, 2, st.PoolSize)
	assert.EqualValues(t, 5, st.Deallocations)
	assert.InDelta(t, 100.0, st.Utilization(), 0.001)
	assert.InDelta(t, 100.0, st.HitRate(), 0.001)
}

func TestDoubleReleaseIsNotRecycledTwice(t *testing.T) {
	p, _ := newTestPool(Options{MaxPoolSize: 4, BufferSize: 512})

	b, err := p.Acquire(10)
	require.NoError(t, err)
	p.Release(b)
	p.Release(b)

	st := p.Stats()
	assert.Equal(t, 1, st.PoolSize)
	assert.EqualValues(t, 2, st.Deallocations)
	assert.Zero(t, st.Outstanding)

	first, err := p.Acquire(10)
	require.NoError(t, err)
	second, err := p.Acquire(10)
	require.NoError(t, err)
	assert.NotSame(t, first, second, "a buffer is never leased twice")
}

func TestResourceExhaustion(t *testing.T) {
	p, _ := newTestPool(Options{MaxPoolSize: 4, BufferSize: 512, MaxBufferSize: 2048, MaxOutstanding: 2})

	_, err := p.Acquire(4096)
	assert.ErrorIs(t, err, ErrResourceExhausted)

	a, err := p.Acquire(10)
	require.NoError(t, err)
	_, err = p.Acquire(10)
	require.NoError(t, err)
	_, err = p.Acquire(10)
	assert.ErrorIs(t, err, ErrResourceExhausted)

	p.Release(a)
	_, err = p.Acquire(10)
	assert.NoError(t, err)
	assert.EqualValues(t, 2, p.Stats().Failures)
}

func TestCleanupEvictsAgedAndIdle(t *testing.T) {
	p, clk := newTestPool(Options{MaxPoolSize: 8, BufferSize: 512, MaxAge: 5 * time.Minute, MaxIdle: time.Minute})

	a, err := p.Acquire(10)
	require.NoError(t, err)
	b, err := p.Acquire(10)
	require.NoError(t, err)
	p.Release(a)

	clk.advance(4*time.Minute + 30*time.Second)
	p.Release(b)
	assert.Zero(t, p.Cleanup(), "idle but young buffers stay")

	clk.advance(45 * time.Second)
	assert.Equal(t, 1, p.Cleanup(), "only the aged and idle buffer goes")
	assert.Equal(t, 1, p.Stats().PoolSize)

	clk.advance(time.Minute)
	assert.Equal(t, 1, p.Cleanup())
	st := p.Stats()
	assert.Zero(t, st.PoolSize)
	assert.EqualValues(t, 2, st.Evictions)
}

func TestPoolInvariantsUnderRandomOps(t *testing.T) {
	const maxPool = 16
	p, clk := newTestPool(Options{MaxPoolSize: maxPool, BufferSize: 256, MaxAge: time.Minute})
	rng := rand.New(rand.NewSource(42))

	var leased []*Buffer
	seen := make(map[*Buffer]bool)
	for i := 0; i < 5000; i++ {
		switch rng.Intn(4) {
		case 0, 1:
			b, err := p.Acquire(rng.Intn(1024))
			require.NoError(t, err)
			require.False(t, seen[b], "buffer leased while already leased")
			seen[b] = true
			leased = append(leased, b)
		case 2:
			if len(leased) == 0 {
				continue
			}
			j := rng.Intn(len(leased))
			b := leased[j]
			leased = append(leased[:j], leased[j+1:]...)
			delete(seen, b)
			p.Release(b)
		case 3:
			clk.advance(time.Duration(rng.Intn(10)) * time.Second)
		}
		require.LessOrEqual(t, p.Stats().PoolSize, maxPool)
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	p := New(Options{MaxPoolSize: 32, BufferSize: 256})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				b, err := p.Acquire(64)
				if err != nil {
					t.Error(err)
					return
				}
				buf := b.Bytes()
				for j := range buf {
					buf[j] = byte(w)
				}
				for j := range buf {
					if buf[j] != byte(w) {
						t.Errorf("buffer %d aliased by another worker", b.ID())
						return
					}
				}
				p.Release(b)
			}
		}(w)
	}
	wg.Wait()

	st := p.Stats()
	assert.EqualValues(t, 8000, st.Allocations)
	assert.EqualValues(t, 8000, st.Deallocations)
	assert.Zero(t, st.Outstanding)
	assert.LessOrEqual(t, st.PoolSize, 32)
}
