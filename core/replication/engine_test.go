package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/tandemdb/core/groupcomm"
	"github.com/sushant-115/tandemdb/core/ordering"
	"github.com/sushant-115/tandemdb/core/wsdb"
)

// recordingApplier captures everything the engine asks the embedder to run.
// When block is non-nil, body statements park there until it is closed, which
// lets a test hold a node's apply pipeline still.
type recordingApplier struct {
	mu       sync.Mutex
	executed []string
	rows     [][]byte
	block    chan struct{}
}

func (a *recordingApplier) Execute(_ context.Context, query string) error {
	if a.block != nil && query != "COMMIT" {
		<-a.block
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.executed = append(a.executed, query)
	return nil
}

func (a *recordingApplier) ApplyRow(_ context.Context, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows = append(a.rows, data)
	return nil
}

func (a *recordingApplier) WSStart(context.Context, ordering.Seqno) {}

func (a *recordingApplier) Executed() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.executed...)
}

// newTestEngine initialises and enables an engine on the given backend and
// group, with its receive loop running.
func newTestEngine(t *testing.T, backend, group string, applier Applier) *Engine {
	t.Helper()
	cfg := Config{
		GroupComm: groupcomm.Config{Backend: backend, Group: group},
		DataDir:   t.TempDir(),
		Appliers:  2,
	}
	e, err := New(cfg, applier, zap.NewNop(), nil)
	require.NoError(t, err)
	require.Equal(t, StatusOK, e.Enable())

	done := make(chan Status, 1)
	go func() { done <- e.Recv(context.Background()) }()
	t.Cleanup(func() {
		require.NoError(t, e.Close())
		select {
		case st := <-done:
			require.Equal(t, StatusOK, st, "receive loop must unwind cleanly on close")
		case <-time.After(5 * time.Second):
			t.Error("receive loop did not exit after close")
		}
	})
	return e
}

// commitOrTimeout guards against a commit that deadlocks in a gate.
func commitOrTimeout(t *testing.T, e *Engine, trxID, connID uint64) Status {
	t.Helper()
	res := make(chan Status, 1)
	go func() { res <- e.Commit(context.Background(), trxID, connID) }()
	select {
	case st := <-res:
		return st
	case <-time.After(5 * time.Second):
		t.Fatal("commit did not return")
		return StatusFatal
	}
}

func rowKey(k string) wsdb.RowKey {
	return wsdb.RowKey{Table: "t", Parts: []wsdb.KeyPart{{Type: wsdb.KeyTypeChar, Data: []byte(k)}}}
}

func TestEngine_SingleNodeAutocommit(t *testing.T) {
	app := &recordingApplier{}
	e := newTestEngine(t, "loopback", t.Name(), app)

	require.Equal(t, StatusOK, e.AppendQuery(1, "INSERT INTO t VALUES(1)"))
	require.Equal(t, StatusOK, commitOrTimeout(t, e, 1, 0))
	require.Equal(t, StatusOK, e.Committed(1))
	require.Equal(t, ordering.Seqno(1), e.LastCommitted())

	// The gate advanced: the next autocommit runs straight through.
	require.Equal(t, StatusOK, e.AppendQuery(2, "INSERT INTO t VALUES(2)"))
	require.Equal(t, StatusOK, commitOrTimeout(t, e, 2, 0))
	require.Equal(t, StatusOK, e.Committed(2))
	require.Equal(t, ordering.Seqno(2), e.LastCommitted())

	// Local transactions commit through the database itself, never through
	// the apply callbacks.
	require.Empty(t, app.Executed())
}

func TestEngine_EmptyCommitIsNoop(t *testing.T) {
	e := newTestEngine(t, "loopback", t.Name(), &recordingApplier{})
	require.Equal(t, StatusOK, commitOrTimeout(t, e, 99, 0))
	require.Equal(t, ordering.Seqno(0), e.LastCommitted())
}

func TestEngine_CommitWithoutEnableFails(t *testing.T) {
	cfg := Config{DataDir: t.TempDir()}
	e, err := New(cfg, &recordingApplier{}, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	require.Equal(t, StatusOK, e.AppendQuery(1, "q"))
	require.Equal(t, StatusNodeFail, e.Commit(context.Background(), 1, 0))
}

// The two-node conflict scenario: both nodes write the same key from the same
// horizon; the cluster orders A before B, so every node passes A and fails B.
func TestEngine_TwoNodeConflict(t *testing.T) {
	group := t.Name()
	app1 := &recordingApplier{}
	e1 := newTestEngine(t, "loopback", group, app1)

	hold := make(chan struct{})
	app2 := &recordingApplier{block: hold}
	e2 := newTestEngine(t, "loopback", group, app2)

	// N1 commits A on key k.
	require.Equal(t, StatusOK, e1.AppendQuery(1, "UPDATE t SET v=1 WHERE k='k'"))
	require.Equal(t, StatusOK, e1.AppendRowKey(1, rowKey("k"), wsdb.ActionUpdate))
	require.Equal(t, StatusOK, commitOrTimeout(t, e1, 1, 0))
	require.Equal(t, StatusOK, e1.Committed(1))

	// N2 commits B on the same key before A has been applied locally (N2's
	// applier is held), so B's horizon predates A and certification fails.
	require.Equal(t, StatusOK, e2.AppendQuery(5, "UPDATE t SET v=2 WHERE k='k'"))
	require.Equal(t, StatusOK, e2.AppendRowKey(5, rowKey("k"), wsdb.ActionUpdate))
	require.Equal(t, StatusTrxFail, commitOrTimeout(t, e2, 5, 0))
	require.Equal(t, StatusOK, e2.RolledBack(5))

	// Release N2's applier; A lands and advances N2's horizon.
	close(hold)
	require.Eventually(t, func() bool { return e2.LastCommitted() == 1 },
		5*time.Second, 10*time.Millisecond)

	require.Equal(t, []string{"UPDATE t SET v=1 WHERE k='k'", "COMMIT"}, app2.Executed())
	// B failed certification on N1 too: nothing was ever applied there.
	require.Empty(t, app1.Executed())
}

// Control actions consume a slot in the total order but carry no write-set;
// the gate must advance over them or every later commit deadlocks.
func TestEngine_GateDenseOverControlMessages(t *testing.T) {
	group := t.Name()
	app := &recordingApplier{}
	e := newTestEngine(t, "loopback", group, app)

	require.Equal(t, StatusOK, e.AppendQuery(1, "INSERT INTO t VALUES(1)"))
	require.Equal(t, StatusOK, commitOrTimeout(t, e, 1, 0))
	require.Equal(t, StatusOK, e.Committed(1))

	// A membership change lands between two data actions.
	c2, err := groupcomm.Open(groupcomm.Config{Backend: "loopback", Group: group}, zap.NewNop())
	require.NoError(t, err)
	defer c2.Close()

	require.Equal(t, StatusOK, e.AppendQuery(2, "INSERT INTO t VALUES(2)"))
	require.Equal(t, StatusOK, commitOrTimeout(t, e, 2, 0))
	require.Equal(t, StatusOK, e.Committed(2))
	require.Equal(t, ordering.Seqno(2), e.LastCommitted())

	// The newcomer saw its configuration, then the second data action, in
	// that order.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	act, err := c2.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, groupcomm.ActionPrimary, act.Type)
	act, err = c2.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, groupcomm.ActionData, act.Type)
	ws, err := wsdb.Decode(act.Buf)
	require.NoError(t, err)
	require.Equal(t, []string{"INSERT INTO t VALUES(2)"}, ws.Queries)
}

// heldloopback wraps the loopback backend so a test can park a Repl between
// the group's seqno assignment and the commit path observing it — the window
// the abort-before-replicate race lives in.
var replHold struct {
	mu      sync.Mutex
	entered chan struct{}
	release chan struct{}
}

func setReplHold(entered, release chan struct{}) {
	replHold.mu.Lock()
	replHold.entered, replHold.release = entered, release
	replHold.mu.Unlock()
}

func init() {
	groupcomm.Register("heldloopback", func(cfg groupcomm.Config, logger *zap.Logger) (groupcomm.Conn, error) {
		cfg.Backend = "loopback"
		inner, err := groupcomm.Open(cfg, logger)
		if err != nil {
			return nil, err
		}
		return heldConn{inner}, nil
	})
}

type heldConn struct{ groupcomm.Conn }

func (c heldConn) Repl(ctx context.Context, buf []byte) (ordering.Seqno, ordering.Seqno, error) {
	g, l, err := c.Conn.Repl(ctx, buf)
	replHold.mu.Lock()
	entered, release := replHold.entered, replHold.release
	replHold.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
		<-release
	}
	return g, l, err
}

// The abort-before-replicate race: the cancel lands while the commit path is
// inside Repl. The victim must observe the aborted marker, withdraw its
// already-assigned slot, and fail — and the slot must not wedge the gate.
func TestEngine_CancelDuringReplication(t *testing.T) {
	app := &recordingApplier{}
	e := newTestEngine(t, "heldloopback", t.Name(), app)

	entered := make(chan struct{})
	release := make(chan struct{})
	setReplHold(entered, release)

	require.Equal(t, StatusOK, e.AppendQuery(7, "UPDATE t SET v=1"))
	res := make(chan Status, 1)
	go func() { res <- e.Commit(context.Background(), 7, 0) }()

	// The hub has assigned seqnos; the commit path has not seen them yet.
	<-entered
	require.Equal(t, StatusWarning, e.CancelCommit(7))

	close(release)
	setReplHold(nil, nil)
	require.Equal(t, StatusTrxFail, <-res)
	require.Equal(t, StatusOK, e.RolledBack(7))

	// The self-cancelled slot was swept; the next commit runs through.
	require.Equal(t, StatusOK, e.AppendQuery(8, "UPDATE t SET v=2"))
	require.Equal(t, StatusOK, commitOrTimeout(t, e, 8, 0))
	require.Equal(t, StatusOK, e.Committed(8))
	require.Empty(t, app.Executed())
}

// Cancelling a transaction that never replicated anything only leaves a
// marker; the commit path notices before building a write-set.
func TestEngine_CancelBeforeCommit(t *testing.T) {
	e := newTestEngine(t, "loopback", t.Name(), &recordingApplier{})

	require.Equal(t, StatusOK, e.AppendQuery(3, "UPDATE t SET v=1"))
	require.Equal(t, StatusWarning, e.CancelCommit(3))
	require.Equal(t, StatusTrxFail, commitOrTimeout(t, e, 3, 0))

	// The aborted transaction never got a slot; the order is untouched.
	require.Equal(t, StatusOK, e.AppendQuery(4, "UPDATE t SET v=2"))
	require.Equal(t, StatusOK, commitOrTimeout(t, e, 4, 0))
	require.Equal(t, StatusOK, e.Committed(4))
}

// A connection-level statement replicates to every member and executes behind
// every transaction ordered before it.
func TestEngine_ToExecuteReplicatesToPeers(t *testing.T) {
	group := t.Name()
	app1 := &recordingApplier{}
	e1 := newTestEngine(t, "loopback", group, app1)
	app2 := &recordingApplier{}
	e2 := newTestEngine(t, "loopback", group, app2)
	_ = e2

	require.Equal(t, StatusOK, e1.SetDatabase(10, "USE shop"))
	require.Equal(t, StatusOK, e1.ToExecuteStart(context.Background(), 10, "CREATE TABLE t (k INT)"))
	require.Equal(t, StatusOK, e1.ToExecuteEnd(10))

	require.Eventually(t, func() bool {
		ex := app2.Executed()
		return len(ex) == 2 && ex[0] == "USE shop" && ex[1] == "CREATE TABLE t (k INT)"
	}, 5*time.Second, 10*time.Millisecond)
	// e2 is a pure receiver here; nothing flows back to e1.
	require.Empty(t, app1.Executed())
}
