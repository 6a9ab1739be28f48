package groupcomm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/tandemdb/core/ordering"
)

func recvOne(t *testing.T, c Conn) Action {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	act, err := c.Recv(ctx)
	require.NoError(t, err)
	return act
}

func TestHub_JoinAnnouncesConfiguration(t *testing.T) {
	hub := NewHub()

	c1, err := hub.Join("g", zap.NewNop())
	require.NoError(t, err)
	act := recvOne(t, c1)
	require.Equal(t, ActionPrimary, act.Type)
	require.Equal(t, ordering.Seqno(1), act.SeqnoLocal)
	msg, err := DecodeComponentMsg(act.Buf)
	require.NoError(t, err)
	require.True(t, msg.Primary)
	require.Equal(t, int32(0), msg.MyIndex)
	require.Len(t, msg.Members, 1)

	c2, err := hub.Join("g", zap.NewNop())
	require.NoError(t, err)

	// Both the incumbent and the newcomer see the two-member configuration.
	act = recvOne(t, c1)
	require.Equal(t, ActionPrimary, act.Type)
	msg, err = DecodeComponentMsg(act.Buf)
	require.NoError(t, err)
	require.Len(t, msg.Members, 2)
	require.Equal(t, int32(0), msg.MyIndex)

	act = recvOne(t, c2)
	msg, err = DecodeComponentMsg(act.Buf)
	require.NoError(t, err)
	require.Len(t, msg.Members, 2)
	require.Equal(t, int32(1), msg.MyIndex)

	c1.Close()
	c2.Close()
}

func TestHub_ReplDeliversToOthersNotSelf(t *testing.T) {
	hub := NewHub()
	c1, _ := hub.Join("g", zap.NewNop())
	c2, _ := hub.Join("g", zap.NewNop())
	recvOne(t, c1) // own join
	recvOne(t, c1) // c2's join
	recvOne(t, c2)

	sg, sl, err := c1.Repl(context.Background(), []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, ordering.Seqno(1), sg)
	require.Equal(t, ordering.Seqno(3), sl, "the echo consumes the originator's next local slot")

	act := recvOne(t, c2)
	require.Equal(t, ActionData, act.Type)
	require.Equal(t, []byte("payload"), act.Buf)
	require.Equal(t, sg, act.SeqnoGlobal)
	require.Equal(t, ordering.Seqno(2), act.SeqnoLocal)

	c1.Close()
	c2.Close()
}

// Many members replicating concurrently must agree one total order: the
// mapping global-seqno -> payload is identical everywhere, global seqnos are
// dense, and each member's local seqnos are dense across deliveries and its
// own Repl returns.
func TestHub_TotalOrderUnderConcurrency(t *testing.T) {
	const members = 3
	const perMember = 25

	hub := NewHub()
	conns := make([]Conn, members)
	for i := range conns {
		c, err := hub.Join("g", zap.NewNop())
		require.NoError(t, err)
		conns[i] = c
	}

	var mu sync.Mutex
	byGlobal := make(map[ordering.Seqno]string) // consensus view under test
	replLocals := make([][]ordering.Seqno, members)

	var wg sync.WaitGroup
	for i := 0; i < members; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; n < perMember; n++ {
				payload := fmt.Sprintf("m%d-%d", i, n)
				sg, sl, err := conns[i].Repl(context.Background(), []byte(payload))
				require.NoError(t, err)
				mu.Lock()
				if prev, ok := byGlobal[sg]; ok {
					require.Equal(t, payload, prev, "global seqno %d assigned twice", sg)
				}
				byGlobal[sg] = payload
				replLocals[i] = append(replLocals[i], sl)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, byGlobal, members*perMember, "global seqnos must be unique")
	for sg := ordering.Seqno(1); sg <= members*perMember; sg++ {
		require.Contains(t, byGlobal, sg, "global seqnos must be dense")
	}

	for i := 0; i < members; i++ {
		// member i received the joins of itself and every later member, plus
		// every other member's data actions.
		expect := (members - i) + (members-1)*perMember
		var locals []ordering.Seqno
		lastData := ordering.Seqno(0)
		for n := 0; n < expect; n++ {
			act := recvOne(t, conns[i])
			locals = append(locals, act.SeqnoLocal)
			if act.Type != ActionData {
				continue
			}
			require.Greater(t, act.SeqnoGlobal, lastData, "deliveries must follow the total order")
			lastData = act.SeqnoGlobal
			require.Equal(t, byGlobal[act.SeqnoGlobal], string(act.Buf),
				"member %d disagrees about global seqno %d", i, act.SeqnoGlobal)
		}

		locals = append(locals, replLocals[i]...)
		sort.Slice(locals, func(a, b int) bool { return locals[a] < locals[b] })
		for n, sl := range locals {
			require.Equal(t, ordering.Seqno(n+1), sl, "member %d local seqnos must be dense", i)
		}
	}

	for _, c := range conns {
		c.Close()
	}
}

func TestHub_ReplAfterCloseFails(t *testing.T) {
	hub := NewHub()
	c, _ := hub.Join("g", zap.NewNop())
	require.NoError(t, c.Close())
	_, _, err := c.Repl(context.Background(), []byte("x"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestHub_RecvHonorsContext(t *testing.T) {
	hub := NewHub()
	c, _ := hub.Join("g", zap.NewNop())
	recvOne(t, c) // own join

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	c.Close()
}
