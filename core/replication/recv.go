package replication

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/tandemdb/core/groupcomm"
	"github.com/sushant-115/tandemdb/core/ordering"
	"github.com/sushant-115/tandemdb/core/wsdb"
)

// Recv is the receive loop: a single long-lived consumer of totally-ordered
// deliveries. Run it on a dedicated goroutine after Enable; it returns only
// when the group-communication connection fails or closes, or when an
// unrecoverable ordering/consistency violation is detected.
//
// Because Recv is single-threaded and deliveries are totally ordered, the
// local seqnos it observes are strictly increasing, which is exactly the
// discipline the gates and the apply pool's submit path rely on.
func (e *Engine) Recv(ctx context.Context) Status {
	e.stateMu.Lock()
	conn, state := e.conn, e.state
	e.stateMu.Unlock()
	if conn == nil {
		if state == engineDisabled || state == engineClosed {
			// Disable/Close won the race against the loop's start.
			e.log.Info("receive loop stopped")
			return StatusOK
		}
		return StatusNodeFail
	}

	for {
		act, err := conn.Recv(ctx)
		if err != nil {
			if errors.Is(err, groupcomm.ErrClosed) && !e.enabled() {
				// Orderly Disable/Close: nothing to report.
				e.log.Info("receive loop stopped")
				return StatusOK
			}
			e.log.Error("group communication receive failed", zap.Error(err))
			return StatusConnFail
		}

		switch act.Type {
		case groupcomm.ActionData:
			if err := e.processData(ctx, act); err != nil {
				e.log.Error("delivered write set cannot be processed", zap.Error(err))
				return StatusFatal
			}
		case groupcomm.ActionPrimary, groupcomm.ActionNonPrimary:
			e.processComponent(act)
		case groupcomm.ActionSnapshot:
			// Not interpreted; the slot still has to pass through both orders.
			e.drainSlot(act.SeqnoLocal)
		default:
			e.log.Error("unknown action type", zap.Stringer("type", act.Type))
			return StatusFatal
		}
	}
}

// processData dispatches one delivered write-set. A payload this node cannot
// decode is a payload every healthy node is applying: continuing would
// diverge silently, so the error propagates and the node fails fast.
func (e *Engine) processData(ctx context.Context, act groupcomm.Action) error {
	ws, err := wsdb.Decode(act.Buf)
	if err != nil {
		return fmt.Errorf("replication: decode write set at seqno %d: %w", act.SeqnoGlobal, err)
	}
	switch ws.Type {
	case wsdb.TypeTrx:
		return e.processTrxWriteSet(ctx, ws, act.SeqnoGlobal, act.SeqnoLocal)
	case wsdb.TypeConn:
		e.processConnWriteSet(ctx, ws, act.SeqnoLocal)
		return nil
	default:
		return fmt.Errorf("replication: write set at seqno %d has unknown type %d", act.SeqnoGlobal, ws.Type)
	}
}

// processTrxWriteSet certifies a remote transaction write-set under the
// certification gate and hands it to the apply pool. The pool registration
// happens before the gate is released so admission sees every earlier job.
func (e *Engine) processTrxWriteSet(ctx context.Context, ws *wsdb.WriteSet, seqnoG, seqnoL ordering.Seqno) error {
	if err := e.toGate.Grab(seqnoL); err != nil {
		// Remote slots are never cancelled; this cannot be recovered.
		panic(fmt.Sprintf("replication: certification slot %d cancelled under the receive loop", seqnoL))
	}

	err := e.store.Certify(seqnoG, ws)
	switch {
	case err == nil:
		e.metrics.certPasses.Add(ctx, 1)
		if ws.Level == wsdb.LevelCols {
			// Certified for determinism, but no node can apply it.
			e.log.Error("skipping unsupported column-level write set",
				zap.Uint64("seqno_global", uint64(seqnoG)))
			e.toGate.Release(seqnoL)
			e.commitGate.SelfCancel(seqnoL)
			return nil
		}
		e.pool.submit(&applyJob{seqnoLocal: seqnoL, seqnoGlobal: seqnoG, ws: ws})
		e.toGate.Release(seqnoL)
		return nil
	case errors.Is(err, wsdb.ErrCertificationFail):
		e.metrics.certFailures.Add(ctx, 1)
		e.log.Info("remote write set failed certification, skipping apply",
			zap.Uint64("seqno_global", uint64(seqnoG)),
			zap.Uint64("last_seen", uint64(ws.LastSeen)))
		e.toGate.Release(seqnoL)
		e.commitGate.SelfCancel(seqnoL)
		return nil
	default:
		e.toGate.Release(seqnoL)
		e.commitGate.SelfCancel(seqnoL)
		return fmt.Errorf("replication: write-set store failure: %w", err)
	}
}

// processConnWriteSet executes a connection-level statement in strict total
// order: it claims the commit slot before running, so every earlier
// transaction has committed and every later one waits — the DDL barrier.
func (e *Engine) processConnWriteSet(ctx context.Context, ws *wsdb.WriteSet, seqnoL ordering.Seqno) {
	if err := e.toGate.Grab(seqnoL); err != nil {
		panic(fmt.Sprintf("replication: certification slot %d cancelled under the receive loop", seqnoL))
	}
	e.toGate.Release(seqnoL)
	if err := e.commitGate.Grab(seqnoL); err != nil {
		panic(fmt.Sprintf("replication: commit slot %d cancelled under the receive loop", seqnoL))
	}

	e.applier.WSStart(ctx, seqnoL)
	if err := e.applyWriteSet(ctx, ws); err != nil {
		// The statement is equally broken on every node; log and move on.
		e.log.Error("connection-level statement failed",
			zap.Uint64("seqno_local", uint64(seqnoL)), zap.Error(err))
	}
	e.applier.WSStart(ctx, 0)

	e.commitGate.Release(seqnoL)
}

// processComponent updates the primary-component view and advances the
// gates past the control slot.
func (e *Engine) processComponent(act groupcomm.Action) {
	msg, err := groupcomm.DecodeComponentMsg(act.Buf)
	if err != nil {
		e.log.Error("bad component message", zap.Error(err))
	} else {
		e.primary.Store(msg.Primary)
		e.log.Info("component message",
			zap.Bool("primary", msg.Primary),
			zap.Int32("my_index", msg.MyIndex),
			zap.Strings("members", msg.Members),
		)
	}
	e.drainSlot(act.SeqnoLocal)
}

// drainSlot advances both orders past a control action's slot with no side
// effects, keeping the seqno streams dense.
func (e *Engine) drainSlot(seqnoL ordering.Seqno) {
	if err := e.toGate.Grab(seqnoL); err != nil {
		panic(fmt.Sprintf("replication: certification slot %d cancelled under the receive loop", seqnoL))
	}
	e.toGate.Release(seqnoL)
	e.commitGate.SelfCancel(seqnoL)
}
