package wsdb

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/tandemdb/core/ordering"
)

// Local transaction lifecycle. States only move forward; StateAborted is
// terminal.
type TrxState int

const (
	StateLocal       TrxState = iota // building the write-set
	StateReplicating                 // replicated, awaiting the gate
	StateCommitting                  // holds the gate, certifying or certified
	StateCommitted
	StateAborted
)

func (s TrxState) String() string {
	switch s {
	case StateLocal:
		return "LOCAL"
	case StateReplicating:
		return "REPLICATING"
	case StateCommitting:
		return "COMMITTING"
	case StateCommitted:
		return "COMMITTED"
	case StateAborted:
		return "ABORTED"
	}
	return fmt.Sprintf("TrxState(%d)", int(s))
}

var (
	// ErrTrxUnknown means no record exists for the transaction id.
	ErrTrxUnknown = errors.New("wsdb: unknown transaction")
	// ErrTrxAborted means the transaction was cancelled and accepts no more work.
	ErrTrxAborted = errors.New("wsdb: transaction aborted")
	// ErrNoKey means a row payload arrived with no preceding row key to
	// attach to; body rows and footprints must stay consistent.
	ErrNoKey = errors.New("wsdb: row data without a row key")
	// ErrStateRegress means a lifecycle transition tried to move backwards.
	ErrStateRegress = errors.New("wsdb: transaction state regression")
)

type trxRecord struct {
	id          uint64
	seqnoLocal  ordering.Seqno
	seqnoGlobal ordering.Seqno
	state       TrxState
	queries     []string
	items       []Item
}

// connContext accumulates connection-level statements (USE database, SET
// variable) that must precede the body of every write-set the connection
// submits, plus the seqno bookkeeping for total-order execution.
type connContext struct {
	database   string
	variables  map[string]string // variable name -> full SET statement
	seqnoLocal ordering.Seqno
}

// Table maps local transaction ids to their replication records, and
// connection ids to their context. It is mutated by application threads
// (appends, commit) and by the receive-loop thread (committed/rolled-back
// housekeeping); one coarse mutex covers both.
type Table struct {
	mu    sync.Mutex
	trxs  map[uint64]*trxRecord
	conns map[uint64]*connContext
	log   *zap.Logger
}

// NewTable creates an empty transaction table.
func NewTable(logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{
		trxs:  make(map[uint64]*trxRecord),
		conns: make(map[uint64]*connContext),
		log:   logger,
	}
}

// record returns the transaction's record, lazily creating it in StateLocal.
// Callers hold t.mu.
func (t *Table) record(trxID uint64) *trxRecord {
	rec, ok := t.trxs[trxID]
	if !ok {
		rec = &trxRecord{id: trxID, state: StateLocal}
		t.trxs[trxID] = rec
	}
	return rec
}

// AppendQuery adds a SQL statement to the transaction's write-set body.
func (t *Table) AppendQuery(trxID uint64, query string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.record(trxID)
	if rec.state == StateAborted {
		return ErrTrxAborted
	}
	rec.queries = append(rec.queries, query)
	return nil
}

// AppendRowKey adds a row-key footprint (and a pending row slot) to the
// transaction's write-set.
func (t *Table) AppendRowKey(trxID uint64, key RowKey, action byte) error {
	switch action {
	case ActionInsert, ActionUpdate, ActionDelete:
	default:
		return fmt.Errorf("wsdb: bad row action %q", action)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.record(trxID)
	if rec.state == StateAborted {
		return ErrTrxAborted
	}
	rec.items = append(rec.items, Item{Action: action, Key: key, DataMode: DataModeNone})
	return nil
}

// AppendRow attaches a binary row image to the most recent keyed item that
// has no data yet.
func (t *Table) AppendRow(trxID uint64, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.trxs[trxID]
	if !ok {
		return ErrTrxUnknown
	}
	if rec.state == StateAborted {
		return ErrTrxAborted
	}
	for i := len(rec.items) - 1; i >= 0; i-- {
		if rec.items[i].DataMode == DataModeNone {
			rec.items[i].DataMode = DataModeRow
			rec.items[i].Row = data
			return nil
		}
	}
	return ErrNoKey
}

// Assign records the seqnos handed back by group communication and moves the
// transaction to StateReplicating. If the transaction was aborted in the
// meantime the seqnos are still recorded — the rolled-back path needs the
// local seqno to resolve the gate slot — but the state stays terminal.
func (t *Table) Assign(trxID uint64, seqnoLocal, seqnoGlobal ordering.Seqno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.record(trxID)
	rec.seqnoLocal = seqnoLocal
	rec.seqnoGlobal = seqnoGlobal
	if rec.state == StateAborted {
		return
	}
	rec.state = StateReplicating
}

// SeqnoLocal returns the transaction's local seqno, zero if none assigned,
// or ordering.SeqnoAborted for a cancelled transaction.
func (t *Table) SeqnoLocal(trxID uint64) ordering.Seqno {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.trxs[trxID]; ok {
		return rec.seqnoLocal
	}
	return 0
}

// Seqnos returns the transaction's (local, global) seqnos.
func (t *Table) Seqnos(trxID uint64) (ordering.Seqno, ordering.Seqno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.trxs[trxID]; ok {
		return rec.seqnoLocal, rec.seqnoGlobal
	}
	return 0, 0
}

// State returns the transaction's lifecycle state.
func (t *Table) State(trxID uint64) (TrxState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.trxs[trxID]
	if !ok {
		return StateLocal, false
	}
	return rec.state, true
}

// MarkCommitting moves a replicating transaction into StateCommitting.
func (t *Table) MarkCommitting(trxID uint64) error {
	return t.advance(trxID, StateCommitting)
}

// MarkCommitted moves a transaction into StateCommitted.
func (t *Table) MarkCommitted(trxID uint64) error {
	return t.advance(trxID, StateCommitted)
}

func (t *Table) advance(trxID uint64, to TrxState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.trxs[trxID]
	if !ok {
		return ErrTrxUnknown
	}
	if rec.state == StateAborted {
		return ErrTrxAborted
	}
	if to < rec.state {
		return fmt.Errorf("%w: %s -> %s", ErrStateRegress, rec.state, to)
	}
	rec.state = to
	return nil
}

// MarkAborted cancels the transaction: the seqno fields become the aborted
// sentinel so a racing commit path notices, and the state is terminal. The
// record is created if absent, since a cancel may arrive before any append.
func (t *Table) MarkAborted(trxID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.record(trxID)
	rec.seqnoLocal = ordering.SeqnoAborted
	rec.seqnoGlobal = ordering.SeqnoAborted
	rec.state = StateAborted
}

// Erase drops the transaction record.
func (t *Table) Erase(trxID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.trxs, trxID)
}

// Len reports the number of live transaction records.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.trxs)
}

// GetWriteSet builds the transaction's replication write-set, prepending the
// connection context of connID. Returns nil when the transaction produced no
// replicable work (autocommit with no changes). The record itself stays in
// the table for seqno bookkeeping until Erase.
func (t *Table) GetWriteSet(trxID, connID uint64) *WriteSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.trxs[trxID]
	if !ok || (len(rec.queries) == 0 && len(rec.items) == 0) {
		return nil
	}

	level := LevelRow
	if len(rec.queries) > 0 {
		level = LevelQuery
	}
	ws := &WriteSet{
		LocalTrxID:  trxID,
		Type:        TypeTrx,
		Level:       level,
		State:       uint8(rec.state),
		Queries:     rec.queries,
		ConnQueries: t.connQueriesLocked(connID),
		Items:       rec.items,
	}
	return ws
}

// ConnWriteSet builds a connection-level write-set around a single statement
// executed in total order (DDL and friends).
func (t *Table) ConnWriteSet(connID uint64, query string) *WriteSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &WriteSet{
		Type:        TypeConn,
		Level:       LevelQuery,
		Queries:     []string{query},
		ConnQueries: t.connQueriesLocked(connID),
	}
}

// connQueriesLocked renders the connection context in apply order: the
// default-database statement first, then SET statements in variable-name
// order so every encoding of the context is identical.
func (t *Table) connQueriesLocked(connID uint64) []string {
	ctx, ok := t.conns[connID]
	if !ok {
		return nil
	}
	var qs []string
	if ctx.database != "" {
		qs = append(qs, ctx.database)
	}
	names := make([]string, 0, len(ctx.variables))
	for name := range ctx.variables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		qs = append(qs, ctx.variables[name])
	}
	return qs
}

func (t *Table) conn(connID uint64) *connContext {
	ctx, ok := t.conns[connID]
	if !ok {
		ctx = &connContext{variables: make(map[string]string)}
		t.conns[connID] = ctx
	}
	return ctx
}

// SetVariable stores a session-variable statement in the connection context;
// a later statement for the same variable replaces the earlier one.
func (t *Table) SetVariable(connID uint64, name, query string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn(connID).variables[name] = query
}

// SetDatabase stores the connection's default-database statement.
func (t *Table) SetDatabase(connID uint64, query string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn(connID).database = query
}

// SetConnSeqno parks the local seqno of an in-flight total-order execute on
// the connection; passing zero clears it.
func (t *Table) SetConnSeqno(connID uint64, seqno ordering.Seqno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn(connID).seqnoLocal = seqno
}

// ConnSeqno returns the parked total-order seqno for the connection.
func (t *Table) ConnSeqno(connID uint64) ordering.Seqno {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ctx, ok := t.conns[connID]; ok {
		return ctx.seqnoLocal
	}
	return 0
}

// EraseConn drops the connection context, e.g. when the client disconnects.
func (t *Table) EraseConn(connID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, connID)
}
