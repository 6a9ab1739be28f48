// Package ordering provides the total-order gate: a synchronization primitive
// that admits callers into a critical section strictly in the order of a dense,
// monotonically increasing sequence number. Group communication delivers
// actions in total order, but application threads race for mutexes and can
// enter critical sections out of order; the gate restores the delivery order
// wherever it matters.
package ordering

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Seqno is a cluster-assigned sequence number. Zero is reserved and never
// assigned to a transaction.
type Seqno uint64

// SeqnoAborted marks a transaction that was cancelled locally before it got a
// real sequence number.
const SeqnoAborted Seqno = ^Seqno(0)

// ErrCanceled is returned by Grab when the waiter's slot was cancelled while
// it was queued.
var ErrCanceled = errors.New("ordering: waiter canceled")

type waiterState int

const (
	stateReleased waiterState = iota // free slot, next in line may grab
	stateWait                        // actively waiting in the queue
	stateHolder                      // current holder of the critical section
	stateCanceled                    // waiter's request was cancelled
	stateWithdraw                    // marked to be withdrawn by its owner
)

func (s waiterState) String() string {
	switch s {
	case stateReleased:
		return "RELEASED"
	case stateWait:
		return "WAIT"
	case stateHolder:
		return "HOLDER"
	case stateCanceled:
		return "CANCELED"
	case stateWithdraw:
		return "WITHDRAW"
	}
	return fmt.Sprintf("waiterState(%d)", int(s))
}

type waiter struct {
	cond  *sync.Cond
	state waiterState
}

// Gate admits one holder at a time, in seqno order. Waiters park in a ring
// indexed by seqno&mask; because delivered seqnos are dense, the ring gives
// O(1) lookup and bounded memory, and a condition variable per slot avoids
// thundering-herd wakeups. The ring must be sized for the expected number of
// in-flight seqnos; a wrap-around is an unrecoverable invariant violation.
type Gate struct {
	mu    sync.Mutex
	seqno Seqno // next seqno eligible to hold
	used  int   // waiters currently parked
	ring  []waiter
	mask  uint64
	log   *zap.Logger
}

// NewGate creates a gate whose ring holds at least capacity slots (rounded up
// to a power of two) and whose first admitted seqno is start.
func NewGate(capacity int, start Seqno, logger *zap.Logger) (*Gate, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ordering: gate capacity must be positive, got %d", capacity)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}
	g := &Gate{
		seqno: start,
		ring:  make([]waiter, size),
		mask:  size - 1,
		log:   logger,
	}
	for i := range g.ring {
		g.ring[i].cond = sync.NewCond(&g.mu)
		g.ring[i].state = stateReleased
	}
	return g, nil
}

func (g *Gate) slot(s Seqno) *waiter {
	return &g.ring[uint64(s)&g.mask]
}

// Grab blocks until s becomes the next seqno in order, then enters the
// critical section. It returns ErrCanceled if the slot was cancelled while
// waiting (or before the call). Grabbing a seqno that is already past, or one
// further ahead than the ring can hold, is an invariant violation.
func (g *Gate) Grab(s Seqno) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	w := g.slot(s)
	switch w.state {
	case stateCanceled:
		return ErrCanceled
	case stateReleased:
		switch {
		case s == g.seqno:
			w.state = stateHolder
		case s < g.seqno:
			g.fatal("grab of outdated seqno", s)
		default: // s > g.seqno: park until our turn
			if uint64(s-g.seqno) >= uint64(len(g.ring)) {
				g.fatal("gate ring overflow", s)
			}
			w.state = stateWait
			g.used++
			w.cond.Wait()
			g.used--
			switch w.state {
			case stateCanceled:
				return ErrCanceled
			case stateWait:
				w.state = stateHolder
			default:
				g.fatal(fmt.Sprintf("invalid wait exit state %s", w.state), s)
			}
		}
	default:
		// Slot still occupied by a seqno one ring-length behind us.
		g.fatal("gate ring overwrap", s)
	}
	return nil
}

// Release exits the critical section held at s and advances the gate,
// sweeping past any trailing cancelled slots and waking the new head waiter.
// Releasing a future cancelled slot is tolerated (the owner of an aborted
// transaction releases it without ever grabbing); the real sweep picks it up.
// Any other premature or stale release is an invariant violation.
func (g *Gate) Release(s Seqno) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	w := g.slot(s)
	switch {
	case s == g.seqno:
		w.state = stateReleased
		g.advanceLocked()
	case s > g.seqno:
		if w.state != stateCanceled {
			g.fatal(fmt.Sprintf("premature release in state %s", w.state), s)
		}
		// Leave CANCELED so the head releaser sweeps over it.
	default:
		if w.state != stateReleased {
			g.fatal(fmt.Sprintf("stale release in state %s", w.state), s)
		}
	}
	return nil
}

// advanceLocked moves g.seqno past every cancelled slot at the head, marking
// each released, and signals the waiter that ends up at the head. Callers hold
// g.mu.
func (g *Gate) advanceLocked() {
	for {
		g.seqno++
		w := g.slot(g.seqno)
		if w.state != stateCanceled {
			if w.state == stateWait {
				w.cond.Signal()
			}
			return
		}
		w.state = stateReleased
	}
}

// Cancel marks the waiter at s cancelled and wakes it; its Grab returns
// ErrCanceled. Only future seqnos can be cancelled: cancelling the current
// holder or an already-admitted seqno is an invariant violation.
func (g *Gate) Cancel(s Seqno) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if s <= g.seqno {
		g.fatal("cancel of current or past seqno", s)
	}
	w := g.slot(s)
	w.state = stateCanceled
	w.cond.Signal()
	return nil
}

// SelfCancel force-marks s cancelled on behalf of an owner that aborted before
// ever trying to grab. No waiter is parked there, so nothing is signalled. If
// s is already at the head the gate advances immediately; otherwise the next
// head release sweeps over the slot.
func (g *Gate) SelfCancel(s Seqno) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if s < g.seqno {
		g.fatal("self-cancel of seqno that already passed", s)
	}
	w := g.slot(s)
	w.state = stateCanceled
	if s == g.seqno {
		// Nobody will release this slot; sweep now so followers can run.
		w.state = stateReleased
		g.advanceLocked()
	}
}

// Seqno returns the last seqno admitted through the gate.
func (g *Gate) Seqno() Seqno {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seqno - 1
}

// fatal reports an unrecoverable ordering violation. The gate's invariants
// are the node's consistency guarantee; continuing past a violation would
// silently diverge from the cluster.
func (g *Gate) fatal(msg string, s Seqno) {
	g.log.Error("total-order gate invariant violated",
		zap.String("reason", msg),
		zap.Uint64("seqno", uint64(s)),
		zap.Uint64("gate_seqno", uint64(g.seqno)),
	)
	panic(fmt.Sprintf("ordering: %s: seqno %d, gate at %d", msg, s, g.seqno))
}
