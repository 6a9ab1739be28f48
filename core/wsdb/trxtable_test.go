package wsdb

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/tandemdb/core/ordering"
)

func TestTable_AppendCreatesRecord(t *testing.T) {
	tbl := NewTable(zap.NewNop())

	require.NoError(t, tbl.AppendQuery(1, "INSERT INTO t VALUES(1)"))
	state, ok := tbl.State(1)
	require.True(t, ok)
	require.Equal(t, StateLocal, state)
	require.Equal(t, 1, tbl.Len())
}

func TestTable_AppendRowNeedsKey(t *testing.T) {
	tbl := NewTable(zap.NewNop())

	require.ErrorIs(t, tbl.AppendRow(1, []byte("row")), ErrTrxUnknown)

	require.NoError(t, tbl.AppendQuery(1, "x"))
	require.ErrorIs(t, tbl.AppendRow(1, []byte("row")), ErrNoKey)

	key := RowKey{Table: "t", Parts: []KeyPart{{Type: KeyTypeInt, Data: []byte{1}}}}
	require.NoError(t, tbl.AppendRowKey(1, key, ActionInsert))
	require.NoError(t, tbl.AppendRow(1, []byte("row")))

	// The key slot is filled; a second row has nowhere to go.
	require.ErrorIs(t, tbl.AppendRow(1, []byte("row2")), ErrNoKey)
}

func TestTable_AppendRowKeyRejectsBadAction(t *testing.T) {
	tbl := NewTable(zap.NewNop())
	key := RowKey{Table: "t"}
	require.Error(t, tbl.AppendRowKey(1, key, 'X'))
}

func TestTable_LifecycleForward(t *testing.T) {
	tbl := NewTable(zap.NewNop())
	require.NoError(t, tbl.AppendQuery(7, "q"))

	tbl.Assign(7, 4, 19)
	sl, sg := tbl.Seqnos(7)
	require.Equal(t, ordering.Seqno(4), sl)
	require.Equal(t, ordering.Seqno(19), sg)
	state, _ := tbl.State(7)
	require.Equal(t, StateReplicating, state)

	require.NoError(t, tbl.MarkCommitting(7))
	require.NoError(t, tbl.MarkCommitted(7))

	// No regression: a committed transaction cannot go back to committing.
	require.ErrorIs(t, tbl.MarkCommitting(7), ErrStateRegress)

	tbl.Erase(7)
	_, ok := tbl.State(7)
	require.False(t, ok)
}

func TestTable_AbortIsTerminal(t *testing.T) {
	tbl := NewTable(zap.NewNop())
	require.NoError(t, tbl.AppendQuery(7, "q"))

	tbl.MarkAborted(7)
	require.Equal(t, ordering.SeqnoAborted, tbl.SeqnoLocal(7))

	require.ErrorIs(t, tbl.AppendQuery(7, "more"), ErrTrxAborted)
	require.ErrorIs(t, tbl.MarkCommitting(7), ErrTrxAborted)
	require.ErrorIs(t, tbl.MarkCommitted(7), ErrTrxAborted)

	// The abort-before-replicate race: seqnos arriving late are still
	// recorded for slot bookkeeping, but the state stays aborted.
	tbl.Assign(7, 4, 19)
	sl, _ := tbl.Seqnos(7)
	require.Equal(t, ordering.Seqno(4), sl)
	state, _ := tbl.State(7)
	require.Equal(t, StateAborted, state)
}

func TestTable_CancelBeforeAnyAppend(t *testing.T) {
	tbl := NewTable(zap.NewNop())
	tbl.MarkAborted(42)
	require.Equal(t, ordering.SeqnoAborted, tbl.SeqnoLocal(42))
}

func TestTable_GetWriteSet(t *testing.T) {
	tbl := NewTable(zap.NewNop())

	require.Nil(t, tbl.GetWriteSet(1, 0), "no appended work yields no write set")

	require.NoError(t, tbl.AppendQuery(1, "INSERT INTO t VALUES(1)"))
	ws := tbl.GetWriteSet(1, 0)
	require.NotNil(t, ws)
	require.Equal(t, TypeTrx, ws.Type)
	require.Equal(t, LevelQuery, ws.Level)
	require.Equal(t, uint64(1), ws.LocalTrxID)
	require.Equal(t, []string{"INSERT INTO t VALUES(1)"}, ws.Queries)

	// A row-only transaction replicates at row level.
	key := RowKey{Table: "t", Parts: []KeyPart{{Type: KeyTypeInt, Data: []byte{2}}}}
	require.NoError(t, tbl.AppendRowKey(2, key, ActionInsert))
	require.NoError(t, tbl.AppendRow(2, []byte("img")))
	ws = tbl.GetWriteSet(2, 0)
	require.NotNil(t, ws)
	require.Equal(t, LevelRow, ws.Level)
	require.Len(t, ws.Items, 1)
}

func TestTable_ConnContextOrdering(t *testing.T) {
	tbl := NewTable(zap.NewNop())

	tbl.SetVariable(3, "sql_mode", "SET sql_mode='STRICT'")
	tbl.SetVariable(3, "autocommit", "SET autocommit=1")
	tbl.SetDatabase(3, "USE shop")
	// A later statement for the same variable replaces the earlier one.
	tbl.SetVariable(3, "sql_mode", "SET sql_mode='ANSI'")

	require.NoError(t, tbl.AppendQuery(9, "INSERT INTO t VALUES(1)"))
	ws := tbl.GetWriteSet(9, 3)
	require.NotNil(t, ws)
	require.Equal(t, []string{"USE shop", "SET autocommit=1", "SET sql_mode='ANSI'"}, ws.ConnQueries)

	// Another connection's context does not leak in.
	ws = tbl.GetWriteSet(9, 4)
	require.Nil(t, ws.ConnQueries)

	tbl.EraseConn(3)
	ws = tbl.GetWriteSet(9, 3)
	require.Nil(t, ws.ConnQueries)
}

func TestTable_ConnWriteSet(t *testing.T) {
	tbl := NewTable(zap.NewNop())
	tbl.SetDatabase(3, "USE shop")

	ws := tbl.ConnWriteSet(3, "CREATE TABLE t (k INT)")
	require.Equal(t, TypeConn, ws.Type)
	require.Equal(t, LevelQuery, ws.Level)
	require.Equal(t, []string{"CREATE TABLE t (k INT)"}, ws.Queries)
	require.Equal(t, []string{"USE shop"}, ws.ConnQueries)
}

func TestTable_ConnSeqno(t *testing.T) {
	tbl := NewTable(zap.NewNop())
	require.Equal(t, ordering.Seqno(0), tbl.ConnSeqno(3))

	tbl.SetConnSeqno(3, 12)
	require.Equal(t, ordering.Seqno(12), tbl.ConnSeqno(3))
	tbl.SetConnSeqno(3, 0)
	require.Equal(t, ordering.Seqno(0), tbl.ConnSeqno(3))
}
