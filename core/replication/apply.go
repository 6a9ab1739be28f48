package replication

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/tandemdb/core/ordering"
	"github.com/sushant-115/tandemdb/core/wsdb"
)

// applyJob is one certified remote write-set on its way into the database.
type applyJob struct {
	seqnoLocal  ordering.Seqno
	seqnoGlobal ordering.Seqno
	ws          *wsdb.WriteSet
}

// applyPool runs remote write-set application on a fixed set of workers.
// The receive loop registers jobs in total order while it still holds the
// certification gate, so the pool's view of "every earlier unfinished job" is
// complete by construction; a worker may start a job only when no earlier
// unfinished job dependency-conflicts with it. Independent write-sets apply
// in parallel, conflicting chains serialize.
type applyPool struct {
	engine *Engine
	log    *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	active map[ordering.Seqno]*applyJob // submitted, not yet done applying

	jobs chan *applyJob
	wg   sync.WaitGroup
}

func newApplyPool(e *Engine, workers, queueDepth int) *applyPool {
	p := &applyPool{
		engine: e,
		log:    e.log,
		active: make(map[ordering.Seqno]*applyJob),
		jobs:   make(chan *applyJob, queueDepth),
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// submit registers the job for conflict accounting and queues it. Must be
// called in seqno_local order — the receive loop calls it while holding the
// certification gate, which guarantees exactly that.
func (p *applyPool) submit(job *applyJob) {
	p.mu.Lock()
	p.active[job.seqnoLocal] = job
	p.mu.Unlock()
	p.jobs <- job
}

// close drains queued jobs and joins the workers.
func (p *applyPool) close() {
	close(p.jobs)
	p.wg.Wait()
}

func (p *applyPool) worker(id int) {
	defer p.wg.Done()
	ctx := context.Background()
	for job := range p.jobs {
		p.admit(job)
		p.engine.applyWithRetry(ctx, job)
		p.finish(job)
		p.engine.commitApplied(ctx, job)
	}
}

// admit blocks until no earlier unfinished job conflicts with this one.
func (p *applyPool) admit(job *applyJob) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		blocker := p.conflictLocked(job)
		if blocker == nil {
			return
		}
		p.log.Debug("apply admission blocked",
			zap.Uint64("seqno_local", uint64(job.seqnoLocal)),
			zap.Uint64("blocked_on", uint64(blocker.seqnoLocal)),
		)
		p.cond.Wait()
	}
}

func (p *applyPool) conflictLocked(job *applyJob) *applyJob {
	for sl, other := range p.active {
		if sl < job.seqnoLocal && job.ws.Conflicts(other.ws) {
			return other
		}
	}
	return nil
}

// finish removes the job from conflict accounting and wakes blocked workers.
func (p *applyPool) finish(job *applyJob) {
	p.mu.Lock()
	delete(p.active, job.seqnoLocal)
	p.mu.Unlock()
	p.cond.Broadcast()
}

// applyWithRetry applies the write-set body, retrying on error: the database
// is expected to be deterministic, so a transient failure should clear.
// Exhausting the retry budget means this node can no longer reproduce a
// write-set the cluster committed — it is divergent and must stop.
func (e *Engine) applyWithRetry(ctx context.Context, job *applyJob) {
	e.applier.WSStart(ctx, job.seqnoLocal)
	defer e.applier.WSStart(ctx, 0)

	for attempt := 1; ; attempt++ {
		err := e.applyWriteSet(ctx, job.ws)
		if err == nil {
			return
		}
		e.metrics.applyRetries.Add(ctx, 1)
		if attempt >= e.cfg.ApplyRetryLimit {
			e.log.Error("write-set apply failed permanently",
				zap.Uint64("seqno_global", uint64(job.seqnoGlobal)),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			panic(fmt.Sprintf("replication: node divergent: cannot apply write set %d: %v",
				job.seqnoGlobal, err))
		}
		e.log.Warn("write-set apply failed, retrying",
			zap.Uint64("seqno_global", uint64(job.seqnoGlobal)),
			zap.Uint64("last_seen", uint64(job.ws.LastSeen)),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}

// commitApplied surfaces the job's commit effect in seqno order: the commit
// gate is held while the database commit runs, so effects become visible in
// exactly the total order.
func (e *Engine) commitApplied(ctx context.Context, job *applyJob) {
	if err := e.commitGate.Grab(job.seqnoLocal); err != nil {
		panic(fmt.Sprintf("replication: commit slot %d cancelled under an applier", job.seqnoLocal))
	}
	if err := e.applier.Execute(ctx, commitQuery); err != nil {
		e.log.Error("commit of applied write set failed",
			zap.Uint64("seqno_global", uint64(job.seqnoGlobal)), zap.Error(err))
		panic(fmt.Sprintf("replication: node divergent: cannot commit write set %d: %v",
			job.seqnoGlobal, err))
	}
	e.store.SetCommitted(job.seqnoGlobal)
	if err := e.commitGate.Release(job.seqnoLocal); err != nil {
		e.log.Error("commit gate release failed",
			zap.Uint64("seqno_local", uint64(job.seqnoLocal)), zap.Error(err))
	}
}

// applyWriteSet replays one write-set through the embedder callbacks:
// connection context first, then the body in recorded order.
func (e *Engine) applyWriteSet(ctx context.Context, ws *wsdb.WriteSet) error {
	for _, q := range ws.ConnQueries {
		if err := e.applier.Execute(ctx, q); err != nil {
			return fmt.Errorf("replication: apply connection query: %w", err)
		}
	}
	switch ws.Level {
	case wsdb.LevelQuery:
		for _, q := range ws.Queries {
			if err := e.applier.Execute(ctx, q); err != nil {
				return fmt.Errorf("replication: apply query: %w", err)
			}
		}
	case wsdb.LevelRow:
		for i := range ws.Items {
			it := &ws.Items[i]
			if it.DataMode != wsdb.DataModeRow {
				e.log.Error("bad row mode in row-level write set",
					zap.Uint8("data_mode", it.DataMode), zap.Int("item", i))
				continue
			}
			if err := e.applier.ApplyRow(ctx, it.Row); err != nil {
				return fmt.Errorf("replication: apply row: %w", err)
			}
		}
	default:
		return fmt.Errorf("replication: unsupported write-set level %d", ws.Level)
	}
	return nil
}

// commitQuery is handed to the embedder's execute callback to make an applied
// write-set's effects durable.
const commitQuery = "COMMIT"
