package replication

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/tandemdb/core/groupcomm"
	"github.com/sushant-115/tandemdb/core/ordering"
	"github.com/sushant-115/tandemdb/core/wsdb"
)

// Applier is the embedder's side of the engine: the database server supplies
// it so the receive path can execute replicated work. Execute and ApplyRow
// run statements and row images against the local database; WSStart tells
// the embedder which delivery (by local seqno) the calling thread is about to
// work on, zero when it is done.
type Applier interface {
	Execute(ctx context.Context, query string) error
	ApplyRow(ctx context.Context, data []byte) error
	WSStart(ctx context.Context, seqno ordering.Seqno)
}

// Config carries the engine's tunables.
type Config struct {
	// GroupComm selects and parameterizes the group-communication backend.
	GroupComm groupcomm.Config `yaml:"group_comm"`
	// DataDir is the write-set store's directory.
	DataDir string `yaml:"data_dir"`
	// Appliers is the number of parallel apply workers.
	Appliers int `yaml:"appliers"`
	// GateCapacity sizes the total-order gates; it must exceed the number of
	// in-flight seqnos or the node aborts.
	GateCapacity int `yaml:"gate_capacity"`
	// MaxWriteSetSize bounds an encoded write-set; larger transactions fail
	// at submit.
	MaxWriteSetSize int `yaml:"max_write_set_size"`
	// ApplyRetryLimit is how many times a failing apply is retried before the
	// node declares itself divergent.
	ApplyRetryLimit int `yaml:"apply_retry_limit"`
	// ApplyQueueDepth bounds the queue between the receive loop and the
	// apply workers.
	ApplyQueueDepth int `yaml:"apply_queue_depth"`
}

func (c *Config) setDefaults() {
	if c.Appliers <= 0 {
		c.Appliers = 4
	}
	if c.GateCapacity <= 0 {
		c.GateCapacity = 16384
	}
	if c.MaxWriteSetSize <= 0 {
		c.MaxWriteSetSize = 1 << 20
	}
	if c.ApplyRetryLimit <= 0 {
		c.ApplyRetryLimit = 10
	}
	if c.ApplyQueueDepth <= 0 {
		c.ApplyQueueDepth = 1024
	}
}

type engineState int32

const (
	engineInitialized engineState = iota
	engineEnabled
	engineDisabled
	engineClosed
)

// Engine is the replication coordinator. One instance per embedding database
// process; every exported method is safe for concurrent use.
//
// Two instances of the total-order gate carry the node's ordering guarantee:
// the certification gate (toGate) admits write-sets into certification in
// delivery order, and the commit gate (commitGate) serializes the moment
// commit effects become visible. Splitting the two is what lets independent
// remote write-sets apply in parallel between certification and commit.
type Engine struct {
	cfg     Config
	log     *zap.Logger
	applier Applier

	trxs       *wsdb.Table
	store      *wsdb.Store
	toGate     *ordering.Gate
	commitGate *ordering.Gate
	pool       *applyPool

	// commitMtx guards the span between write-set submission and gate entry
	// on the local commit path, and every cancellation path.
	commitMtx sync.Mutex

	stateMu sync.Mutex
	state   engineState
	conn    groupcomm.Conn

	primary atomic.Bool

	metrics *engineMetrics
}

type engineMetrics struct {
	certPasses   metric.Int64Counter
	certFailures metric.Int64Counter
	applyRetries metric.Int64Counter
	gateWait     metric.Float64Histogram
}

func newEngineMetrics(meter metric.Meter) *engineMetrics {
	m := &engineMetrics{}
	var err error
	if m.certPasses, err = meter.Int64Counter("tandemdb.certification.passes"); err != nil {
		m.certPasses, _ = noop.NewMeterProvider().Meter("").Int64Counter("")
	}
	if m.certFailures, err = meter.Int64Counter("tandemdb.certification.failures"); err != nil {
		m.certFailures, _ = noop.NewMeterProvider().Meter("").Int64Counter("")
	}
	if m.applyRetries, err = meter.Int64Counter("tandemdb.apply.retries"); err != nil {
		m.applyRetries, _ = noop.NewMeterProvider().Meter("").Int64Counter("")
	}
	if m.gateWait, err = meter.Float64Histogram("tandemdb.gate.wait_seconds"); err != nil {
		m.gateWait, _ = noop.NewMeterProvider().Meter("").Float64Histogram("")
	}
	return m
}

// New initialises the engine: it opens the write-set store under
// cfg.DataDir and builds the gates, transaction table and apply pool. Call
// once per process; follow with Enable and a goroutine running Recv.
func New(cfg Config, applier Applier, logger *zap.Logger, meter metric.Meter) (*Engine, error) {
	if applier == nil {
		return nil, errors.New("replication: applier callbacks are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}
	cfg.setDefaults()

	store, err := wsdb.Open(cfg.DataDir, logger.Named("wsdb"))
	if err != nil {
		return nil, err
	}
	toGate, err := ordering.NewGate(cfg.GateCapacity, 1, logger.Named("to_gate"))
	if err != nil {
		store.Close()
		return nil, err
	}
	commitGate, err := ordering.NewGate(cfg.GateCapacity, 1, logger.Named("commit_gate"))
	if err != nil {
		store.Close()
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		log:        logger,
		applier:    applier,
		trxs:       wsdb.NewTable(logger.Named("trx")),
		store:      store,
		toGate:     toGate,
		commitGate: commitGate,
		metrics:    newEngineMetrics(meter),
	}
	e.pool = newApplyPool(e, cfg.Appliers, cfg.ApplyQueueDepth)

	logger.Info("replication engine initialised",
		zap.String("backend", cfg.GroupComm.Backend),
		zap.String("group", cfg.GroupComm.Group),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("appliers", cfg.Appliers),
	)
	return e, nil
}

// Enable opens the group-communication connection and starts accepting
// replicated work.
func (e *Engine) Enable() Status {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	switch e.state {
	case engineInitialized, engineDisabled:
	default:
		return StatusNodeFail
	}
	conn, err := groupcomm.Open(e.cfg.GroupComm, e.log.Named("groupcomm"))
	if err != nil {
		e.log.Error("group communication open failed", zap.Error(err))
		return StatusNodeFail
	}
	e.conn = conn
	e.state = engineEnabled
	// Assume quorum until a component message says otherwise.
	e.primary.Store(true)
	e.log.Info("replication enabled")
	return StatusOK
}

// Disable closes the group-communication connection; the receive loop
// unwinds and local commits fail with NODE_FAIL until Enable is called again.
func (e *Engine) Disable() Status {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.state != engineEnabled {
		return StatusNodeFail
	}
	e.conn.Close()
	e.conn = nil
	e.state = engineDisabled
	e.log.Info("replication disabled")
	return StatusOK
}

// Close tears the engine down: stop accepting commits, close group
// communication so the receive loop exits, drain and join the apply workers,
// then close the store.
func (e *Engine) Close() error {
	e.stateMu.Lock()
	if e.state == engineClosed {
		e.stateMu.Unlock()
		return nil
	}
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	e.state = engineClosed
	e.stateMu.Unlock()

	e.pool.close()
	err := e.store.Close()
	e.log.Info("replication engine closed")
	return err
}

func (e *Engine) enabled() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state == engineEnabled
}

func (e *Engine) connHandle() groupcomm.Conn {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.conn
}

// LastCommitted reports the engine's certification horizon.
func (e *Engine) LastCommitted() ordering.Seqno {
	return e.store.LastCommitted()
}

// AppendQuery records a SQL statement into the transaction's write-set.
func (e *Engine) AppendQuery(trxID uint64, query string) Status {
	return trxAppendStatus(e.trxs.AppendQuery(trxID, query))
}

// AppendRow records a binary row image for the transaction's most recent
// row key that has no row image yet.
func (e *Engine) AppendRow(trxID uint64, data []byte) Status {
	return trxAppendStatus(e.trxs.AppendRow(trxID, data))
}

// AppendRowKey records a row-key footprint for certification.
func (e *Engine) AppendRowKey(trxID uint64, key wsdb.RowKey, action byte) Status {
	return trxAppendStatus(e.trxs.AppendRowKey(trxID, key, action))
}

func trxAppendStatus(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, wsdb.ErrTrxUnknown), errors.Is(err, wsdb.ErrTrxAborted):
		return StatusTrxFail
	default:
		return StatusConnFail
	}
}

// SetVariable attaches a session-variable statement to the connection's
// future write-sets.
func (e *Engine) SetVariable(connID uint64, name, query string) Status {
	e.trxs.SetVariable(connID, name, query)
	return StatusOK
}

// SetDatabase attaches the connection's default-database statement.
func (e *Engine) SetDatabase(connID uint64, query string) Status {
	e.trxs.SetDatabase(connID, query)
	return StatusOK
}

// Commit drives the local-commit path: replicate the transaction's
// write-set, wait for its slot in total order, certify, and hold the commit
// slot for the database. On StatusOK the database server commits and then
// MUST call Committed; on StatusTrxFail it rolls back and calls RolledBack.
func (e *Engine) Commit(ctx context.Context, trxID, connID uint64) Status {
	if !e.enabled() {
		return StatusNodeFail
	}

	e.commitMtx.Lock()
	// A concurrent cancel may have marked us aborted before we got here.
	if e.trxs.SeqnoLocal(trxID) == ordering.SeqnoAborted {
		e.log.Info("transaction cancelled before replication", zap.Uint64("trx_id", trxID))
		e.trxs.Erase(trxID)
		e.commitMtx.Unlock()
		return StatusTrxFail
	}

	ws := e.trxs.GetWriteSet(trxID, connID)
	if ws == nil {
		// Autocommit with no replicable changes.
		e.commitMtx.Unlock()
		return StatusOK
	}
	if ws.Level == wsdb.LevelCols {
		e.commitMtx.Unlock()
		e.log.Error("column-level write sets are not supported", zap.Uint64("trx_id", trxID))
		return StatusTrxFail
	}
	if !e.primary.Load() {
		e.commitMtx.Unlock()
		e.log.Warn("commit rejected: not in primary component", zap.Uint64("trx_id", trxID))
		return StatusNodeFail
	}
	ws.LastSeen = e.store.LastCommitted()

	buf, err := wsdb.Encode(ws, e.cfg.MaxWriteSetSize)
	if err != nil {
		e.commitMtx.Unlock()
		e.log.Error("write-set serialization failed", zap.Uint64("trx_id", trxID), zap.Error(err))
		if errors.Is(err, wsdb.ErrWriteSetTooLarge) {
			return StatusTrxFail
		}
		return StatusConnFail
	}
	e.commitMtx.Unlock()

	conn := e.connHandle()
	if conn == nil {
		return StatusNodeFail
	}
	seqnoG, seqnoL, err := conn.Repl(ctx, buf)
	if err != nil {
		e.log.Error("replication failed", zap.Uint64("trx_id", trxID), zap.Error(err))
		return StatusConnFail
	}

	e.commitMtx.Lock()
	if e.trxs.SeqnoLocal(trxID) == ordering.SeqnoAborted {
		e.log.Info("transaction cancelled during replication",
			zap.Uint64("trx_id", trxID), zap.Uint64("seqno_local", uint64(seqnoL)))
		// Record the seqnos anyway so the rolled-back path can resolve the
		// slots, then withdraw from both orders.
		e.trxs.Assign(trxID, seqnoL, seqnoG)
		e.commitMtx.Unlock()
		e.toGate.SelfCancel(seqnoL)
		e.commitGate.SelfCancel(seqnoL)
		return StatusTrxFail
	}
	e.trxs.Assign(trxID, seqnoL, seqnoG)
	e.commitMtx.Unlock()

	// Wait for our slot in certification order.
	start := time.Now()
	if err := e.toGate.Grab(seqnoL); err != nil {
		e.log.Info("commit cancelled in gate",
			zap.Uint64("trx_id", trxID), zap.Uint64("seqno_local", uint64(seqnoL)))
		e.commitGate.SelfCancel(seqnoL)
		return StatusTrxFail
	}
	e.metrics.gateWait.Record(ctx, time.Since(start).Seconds())

	e.commitMtx.Lock()
	if err := e.trxs.MarkCommitting(trxID); err != nil {
		e.log.Warn("transaction state advance failed", zap.Uint64("trx_id", trxID), zap.Error(err))
	}
	e.commitMtx.Unlock()

	err = e.store.Certify(seqnoG, ws)
	switch {
	case err == nil:
		e.metrics.certPasses.Add(ctx, 1)
		e.toGate.Release(seqnoL)
		// Hold the commit slot across the database's own commit; Committed
		// releases it.
		if err := e.commitGate.Grab(seqnoL); err != nil {
			e.log.Error("commit slot cancelled after certification",
				zap.Uint64("trx_id", trxID), zap.Uint64("seqno_local", uint64(seqnoL)))
			return StatusTrxFail
		}
		return StatusOK
	case errors.Is(err, wsdb.ErrCertificationFail):
		e.metrics.certFailures.Add(ctx, 1)
		e.log.Info("local commit failed certification",
			zap.Uint64("trx_id", trxID),
			zap.Uint64("seqno_global", uint64(seqnoG)),
			zap.Uint64("last_seen", uint64(ws.LastSeen)))
		e.toGate.Release(seqnoL)
		e.commitGate.SelfCancel(seqnoL)
		return StatusTrxFail
	default:
		// The store could not persist its certification history; the node
		// cannot stay in the cluster.
		e.log.Error("write-set store failure", zap.Error(err))
		e.toGate.Release(seqnoL)
		e.commitGate.SelfCancel(seqnoL)
		return StatusFatal
	}
}

// Committed is the database server's post-commit hook: the transaction's
// effects are durable, so advance the certification horizon and release the
// commit slot.
func (e *Engine) Committed(trxID uint64) Status {
	if !e.enabled() {
		return StatusOK
	}
	seqnoL, seqnoG := e.trxs.Seqnos(trxID)
	if err := e.trxs.MarkCommitted(trxID); err != nil && !errors.Is(err, wsdb.ErrTrxUnknown) {
		e.log.Warn("mark committed failed", zap.Uint64("trx_id", trxID), zap.Error(err))
	}
	if seqnoG > 0 && seqnoG != ordering.SeqnoAborted {
		e.store.SetCommitted(seqnoG)
	}
	e.trxs.Erase(trxID)
	if seqnoL > 0 && seqnoL != ordering.SeqnoAborted {
		e.commitGate.Release(seqnoL)
	}
	return StatusOK
}

// RolledBack is the database server's post-rollback hook. The commit slot is
// resolved whether the transaction ever reached it or not: a cancelled slot
// tolerates this release and the sweep reclaims it.
func (e *Engine) RolledBack(trxID uint64) Status {
	if !e.enabled() {
		return StatusOK
	}
	seqnoL, _ := e.trxs.Seqnos(trxID)
	e.trxs.Erase(trxID)
	if seqnoL > 0 && seqnoL != ordering.SeqnoAborted {
		e.commitGate.Release(seqnoL)
	}
	return StatusOK
}

// CancelCommit aborts a replicating transaction without blocking. A victim
// waiting at the certification gate wakes with a cancelled slot; one that
// has not yet been assigned a seqno finds the aborted marker when it next
// checks. A victim that already holds its certification slot is left alone.
func (e *Engine) CancelCommit(victimTrxID uint64) Status {
	if !e.enabled() {
		return StatusOK
	}
	e.commitMtx.Lock()
	defer e.commitMtx.Unlock()

	if state, ok := e.trxs.State(victimTrxID); ok && state >= wsdb.StateCommitting {
		e.log.Warn("cancel refused: transaction already committing",
			zap.Uint64("trx_id", victimTrxID))
		return StatusWarning
	}

	seqnoL := e.trxs.SeqnoLocal(victimTrxID)
	switch {
	case seqnoL == ordering.SeqnoAborted:
		return StatusWarning
	case seqnoL != 0:
		e.log.Info("cancelling replicating transaction",
			zap.Uint64("trx_id", victimTrxID), zap.Uint64("seqno_local", uint64(seqnoL)))
		if err := e.toGate.Cancel(seqnoL); err != nil {
			e.log.Warn("gate cancel failed", zap.Uint64("trx_id", victimTrxID), zap.Error(err))
			return StatusWarning
		}
		return StatusOK
	default:
		// Not yet assigned: leave the marker for the racing commit path.
		e.trxs.MarkAborted(victimTrxID)
		e.log.Info("no seqno yet, marking transaction aborted",
			zap.Uint64("trx_id", victimTrxID))
		return StatusWarning
	}
}

// ToExecuteStart replicates a single connection-level statement (DDL and
// friends) and blocks until every transaction ordered before it has
// committed. The statement executes with the commit slot held; ToExecuteEnd
// releases it.
func (e *Engine) ToExecuteStart(ctx context.Context, connID uint64, query string) Status {
	if !e.enabled() {
		return StatusNodeFail
	}
	if !e.primary.Load() {
		return StatusNodeFail
	}

	ws := e.trxs.ConnWriteSet(connID, query)
	buf, err := wsdb.Encode(ws, e.cfg.MaxWriteSetSize)
	if err != nil {
		e.log.Error("connection write-set serialization failed",
			zap.Uint64("conn_id", connID), zap.Error(err))
		return StatusConnFail
	}

	conn := e.connHandle()
	if conn == nil {
		return StatusNodeFail
	}
	_, seqnoL, err := conn.Repl(ctx, buf)
	if err != nil {
		e.log.Error("replication failed for connection statement",
			zap.Uint64("conn_id", connID), zap.Error(err))
		return StatusConnFail
	}

	// March through certification order (nothing to certify) and then claim
	// the commit slot: the statement runs after all earlier commits and
	// before all later ones.
	if err := e.toGate.Grab(seqnoL); err != nil {
		return StatusConnFail
	}
	e.toGate.Release(seqnoL)
	if err := e.commitGate.Grab(seqnoL); err != nil {
		return StatusConnFail
	}
	e.trxs.SetConnSeqno(connID, seqnoL)
	return StatusOK
}

// ToExecuteEnd releases the total-order slot claimed by ToExecuteStart.
func (e *Engine) ToExecuteEnd(connID uint64) Status {
	if !e.enabled() {
		return StatusNodeFail
	}
	seqnoL := e.trxs.ConnSeqno(connID)
	if seqnoL == 0 {
		e.log.Error("missing connection seqno", zap.Uint64("conn_id", connID))
		return StatusConnFail
	}
	e.commitGate.Release(seqnoL)
	e.trxs.SetConnSeqno(connID, 0)
	return StatusOK
}
