package ordering

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestGate(t *testing.T, capacity int, start Seqno) *Gate {
	t.Helper()
	g, err := NewGate(capacity, start, zap.NewNop())
	require.NoError(t, err)
	return g
}

func TestGate_RingIsPowerOfTwo(t *testing.T) {
	g := newTestGate(t, 100, 1)
	require.Equal(t, 128, len(g.ring))
	require.Equal(t, uint64(127), g.mask)
}

func TestGate_GrabReleaseInOrder(t *testing.T) {
	g := newTestGate(t, 8, 1)

	require.NoError(t, g.Grab(1))
	require.NoError(t, g.Release(1))
	require.NoError(t, g.Grab(2))
	require.NoError(t, g.Release(2))
	require.Equal(t, Seqno(2), g.Seqno())
}

// TestGate_ReturnsInSeqnoOrder is the P1 property: however goroutines race
// into Grab, the order in which Grab returns equals the seqno order.
func TestGate_ReturnsInSeqnoOrder(t *testing.T) {
	const n = 64
	g := newTestGate(t, n, 1)

	var mu sync.Mutex
	var admitted []Seqno
	var wg sync.WaitGroup

	for i := n; i >= 1; i-- {
		wg.Add(1)
		go func(s Seqno) {
			defer wg.Done()
			require.NoError(t, g.Grab(s))
			mu.Lock()
			admitted = append(admitted, s)
			mu.Unlock()
			require.NoError(t, g.Release(s))
		}(Seqno(i))
	}
	wg.Wait()

	require.Len(t, admitted, n)
	for i, s := range admitted {
		require.Equal(t, Seqno(i+1), s, "admission order must follow seqno order")
	}
}

// TestGate_CancelWaiter: a thread blocked in Grab(5) is cancelled by another
// thread; it observes ErrCanceled and the gate sweeps past slot 5 on the next
// head release.
func TestGate_CancelWaiter(t *testing.T) {
	g := newTestGate(t, 8, 1)
	require.NoError(t, g.Grab(1))

	grabbed := make(chan error, 1)
	go func() {
		grabbed <- g.Grab(5)
	}()
	// Let the goroutine park before cancelling.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, g.Cancel(5))
	require.ErrorIs(t, <-grabbed, ErrCanceled)

	// 2..4 run normally, and the release of 4 sweeps over cancelled 5.
	require.NoError(t, g.Release(1))
	for s := Seqno(2); s <= 4; s++ {
		require.NoError(t, g.Grab(s))
		require.NoError(t, g.Release(s))
	}
	require.Equal(t, Seqno(5), g.Seqno())

	require.NoError(t, g.Grab(6))
	require.NoError(t, g.Release(6))
}

func TestGate_CancelBeforeGrab(t *testing.T) {
	g := newTestGate(t, 8, 1)
	require.NoError(t, g.Grab(1))
	require.NoError(t, g.Cancel(2))

	// The victim arrives after the cancel and must not block.
	require.ErrorIs(t, g.Grab(2), ErrCanceled)

	require.NoError(t, g.Release(1))
	require.NoError(t, g.Grab(3))
	require.NoError(t, g.Release(3))
}

func TestGate_SelfCancelFuture(t *testing.T) {
	g := newTestGate(t, 8, 1)
	require.NoError(t, g.Grab(1))
	g.SelfCancel(2)
	require.NoError(t, g.Release(1))
	// Release of 1 swept over 2.
	require.NoError(t, g.Grab(3))
	require.NoError(t, g.Release(3))
	require.Equal(t, Seqno(3), g.Seqno())
}

// A self-cancel that lands on the head slot must advance the gate by itself:
// there is no later release to sweep it.
func TestGate_SelfCancelAtHead(t *testing.T) {
	g := newTestGate(t, 8, 1)
	g.SelfCancel(1)

	done := make(chan error, 1)
	go func() { done <- g.Grab(2) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Grab(2) blocked behind a self-cancelled head slot")
	}
	require.NoError(t, g.Release(2))
}

// Releasing a cancelled future slot is the rolled-back path of an aborted
// transaction: tolerated, and the slot stays cancelled for the sweep.
func TestGate_ReleaseCancelledFutureSlot(t *testing.T) {
	g := newTestGate(t, 8, 1)
	require.NoError(t, g.Grab(1))
	require.NoError(t, g.Cancel(3))
	require.NoError(t, g.Release(3))

	require.NoError(t, g.Release(1))
	require.NoError(t, g.Grab(2))
	require.NoError(t, g.Release(2))
	// Sweep of 3 happened during Release(2).
	require.NoError(t, g.Grab(4))
	require.NoError(t, g.Release(4))
}

// P2 in the large: a mixed workload of releases and cancels must leave the
// gate exactly past the highest seqno.
func TestGate_MixedReleaseAndCancelAdvances(t *testing.T) {
	const n = 32
	g := newTestGate(t, n, 1)

	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		s := Seqno(i)
		if i%3 == 0 {
			// Owner aborts before grabbing.
			g.SelfCancel(s)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, g.Grab(s))
			require.NoError(t, g.Release(s))
		}()
	}
	wg.Wait()
	require.Equal(t, Seqno(n), g.Seqno())
}

func TestGate_GrabOutdatedSeqnoPanics(t *testing.T) {
	g := newTestGate(t, 8, 5)
	require.Panics(t, func() { _ = g.Grab(3) })
}

func TestGate_CancelHolderPanics(t *testing.T) {
	g := newTestGate(t, 8, 1)
	require.NoError(t, g.Grab(1))
	require.Panics(t, func() { _ = g.Cancel(1) })
}

func TestGate_RingOverflowPanics(t *testing.T) {
	g := newTestGate(t, 4, 1)
	require.Panics(t, func() { _ = g.Grab(6) })
}
