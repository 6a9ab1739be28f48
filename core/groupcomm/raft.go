package groupcomm

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"

	"github.com/sushant-115/tandemdb/core/ordering"
)

// Raft backend: the replicated raft log is the total order. Every member
// applies the same entries in the same order, so a deterministic counter in
// the FSM yields identical dense global seqnos on every node. Replication is
// accepted on the leader; a follower's Repl fails and the caller surfaces a
// connection failure, as with any group-communication send that cannot be
// ordered right now.

func init() {
	Register("raft", func(cfg Config, logger *zap.Logger) (Conn, error) {
		return openRaft(cfg, logger)
	})
}

const (
	raftApplyTimeout  = 10 * time.Second
	raftMaxPool       = 3
	raftSnapRetain    = 2
	raftEnvelopeExtra = MemberIDLen + 8 // origin id + request id
)

type seqnoPair struct {
	global ordering.Seqno
	local  ordering.Seqno
}

type raftConn struct {
	id    string
	raft  *raft.Raft
	store *raftboltdb.BoltStore
	queue *actionQueue
	log   *zap.Logger

	mu        sync.Mutex
	nextLocal ordering.Seqno
	pending   map[uint64]chan seqnoPair
	nextReqID uint64
	primary   bool

	lastGlobal atomic.Uint64

	obsCh    chan raft.Observation
	observer *raft.Observer
	done     chan struct{}
}

func openRaft(cfg Config, logger *zap.Logger) (Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("groupcomm: raft backend requires a data dir")
	}
	dir := filepath.Join(cfg.DataDir, "raft")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("groupcomm: create raft dir: %w", err)
	}

	c := &raftConn{
		id:      uuid.NewString(),
		queue:   newActionQueue(),
		log:     logger,
		pending: make(map[uint64]chan seqnoPair),
		obsCh:   make(chan raft.Observation, 16),
		done:    make(chan struct{}),
	}

	boltStore, err := raftboltdb.NewBoltStore(filepath.Join(dir, "raft.db"))
	if err != nil {
		return nil, fmt.Errorf("groupcomm: open raft store: %w", err)
	}
	snaps, err := raft.NewFileSnapshotStore(dir, raftSnapRetain, io.Discard)
	if err != nil {
		boltStore.Close()
		return nil, fmt.Errorf("groupcomm: open raft snapshot store: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.Address)
	if err != nil {
		boltStore.Close()
		return nil, fmt.Errorf("groupcomm: resolve raft address %s: %w", cfg.Address, err)
	}
	transport, err := raft.NewTCPTransport(cfg.Address, addr, raftMaxPool, raftApplyTimeout, io.Discard)
	if err != nil {
		boltStore.Close()
		return nil, fmt.Errorf("groupcomm: raft transport on %s: %w", cfg.Address, err)
	}

	rcfg := raft.DefaultConfig()
	rcfg.LocalID = raft.ServerID(c.id)
	rcfg.Logger = newRaftLogger(logger.Named("raft"))

	fsm := &orderFSM{conn: c}

	hasState, err := raft.HasExistingState(boltStore, boltStore, snaps)
	if err != nil {
		boltStore.Close()
		return nil, fmt.Errorf("groupcomm: probe raft state: %w", err)
	}

	r, err := raft.NewRaft(rcfg, fsm, boltStore, boltStore, snaps, transport)
	if err != nil {
		boltStore.Close()
		return nil, fmt.Errorf("groupcomm: start raft: %w", err)
	}
	c.raft = r
	c.store = boltStore

	if !hasState {
		f := r.BootstrapCluster(raft.Configuration{Servers: []raft.Server{{
			ID:      rcfg.LocalID,
			Address: transport.LocalAddr(),
		}}})
		if err := f.Error(); err != nil {
			r.Shutdown()
			boltStore.Close()
			return nil, fmt.Errorf("groupcomm: bootstrap raft group %s: %w", cfg.Group, err)
		}
	}

	c.observer = raft.NewObserver(c.obsCh, false, func(o *raft.Observation) bool {
		_, ok := o.Data.(raft.LeaderObservation)
		return ok
	})
	r.RegisterObserver(c.observer)
	go c.watchLeadership()

	logger.Info("raft group-comm backend started",
		zap.String("group", cfg.Group),
		zap.String("member_id", c.id),
		zap.String("address", cfg.Address),
	)
	return c, nil
}

// watchLeadership turns raft leadership observations into primary /
// non-primary component actions in the delivery stream.
func (c *raftConn) watchLeadership() {
	for {
		select {
		case <-c.done:
			return
		case obs := <-c.obsCh:
			lo, ok := obs.Data.(raft.LeaderObservation)
			if !ok {
				continue
			}
			c.deliverComponent(lo.LeaderID != "")
		}
	}
}

// deliverComponent queues a component message reflecting the current raft
// configuration. Only transitions are delivered.
func (c *raftConn) deliverComponent(primary bool) {
	c.mu.Lock()
	if c.primary == primary {
		c.mu.Unlock()
		return
	}
	c.primary = primary

	var members []string
	myIndex := int32(-1)
	if cf := c.raft.GetConfiguration(); cf.Error() == nil {
		for i, srv := range cf.Configuration().Servers {
			members = append(members, string(srv.ID))
			if string(srv.ID) == c.id {
				myIndex = int32(i)
			}
		}
	}
	buf, err := EncodeComponentMsg(ComponentMsg{Primary: primary, MyIndex: myIndex, Members: members})
	if err != nil {
		c.mu.Unlock()
		c.log.Error("encode component message", zap.Error(err))
		return
	}
	actType := ActionPrimary
	if !primary {
		actType = ActionNonPrimary
	}
	c.nextLocal++
	a := Action{
		Type:        actType,
		Buf:         buf,
		SeqnoGlobal: ordering.Seqno(c.lastGlobal.Load()),
		SeqnoLocal:  c.nextLocal,
	}
	c.mu.Unlock()
	c.queue.push(a)
}

// Repl submits buf to the raft log and waits for its own delivery, which
// carries the assigned seqnos.
func (c *raftConn) Repl(ctx context.Context, buf []byte) (ordering.Seqno, ordering.Seqno, error) {
	c.mu.Lock()
	c.nextReqID++
	reqID := c.nextReqID
	ch := make(chan seqnoPair, 1)
	c.pending[reqID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
	}()

	entry := make([]byte, raftEnvelopeExtra+len(buf))
	copy(entry[:MemberIDLen], c.id)
	binary.BigEndian.PutUint64(entry[MemberIDLen:], reqID)
	copy(entry[raftEnvelopeExtra:], buf)

	f := c.raft.Apply(entry, raftApplyTimeout)
	if err := f.Error(); err != nil {
		return 0, 0, fmt.Errorf("groupcomm: raft apply: %w", err)
	}
	// Apply's future completes after the local FSM ran, so the seqnos are
	// already waiting unless the applier raced the deferred cleanup.
	select {
	case p := <-ch:
		return p.global, p.local, nil
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}
}

func (c *raftConn) Recv(ctx context.Context) (Action, error) {
	return c.queue.pop(ctx)
}

func (c *raftConn) Close() error {
	close(c.done)
	c.raft.DeregisterObserver(c.observer)
	err := c.raft.Shutdown().Error()
	c.store.Close()
	c.queue.close()
	return err
}

// deliver runs on the FSM apply path: assign this member's next local seqno
// and either complete the originator's pending Repl or queue the action.
func (c *raftConn) deliver(origin string, reqID uint64, global ordering.Seqno, payload []byte) {
	c.lastGlobal.Store(uint64(global))

	c.mu.Lock()
	c.nextLocal++
	local := c.nextLocal
	if origin == c.id {
		ch, ok := c.pending[reqID]
		c.mu.Unlock()
		if ok {
			ch <- seqnoPair{global: global, local: local}
		}
		return
	}
	c.mu.Unlock()

	cp := make([]byte, len(payload))
	copy(cp, payload)
	c.queue.push(Action{Type: ActionData, Buf: cp, SeqnoGlobal: global, SeqnoLocal: local})
}

// orderFSM is the deterministic seqno assigner: every member applies the same
// log in the same order, so the counter agrees everywhere.
type orderFSM struct {
	conn       *raftConn
	nextGlobal uint64 // only touched from Apply/Restore, which raft serializes
}

func (f *orderFSM) Apply(l *raft.Log) interface{} {
	if len(l.Data) < raftEnvelopeExtra {
		f.conn.log.Error("short raft entry", zap.Int("len", len(l.Data)))
		return nil
	}
	originRec := l.Data[:MemberIDLen]
	if j := bytes.IndexByte(originRec, 0); j >= 0 {
		originRec = originRec[:j]
	}
	origin := string(originRec)
	reqID := binary.BigEndian.Uint64(l.Data[MemberIDLen:])
	payload := l.Data[raftEnvelopeExtra:]

	f.nextGlobal++
	f.conn.deliver(origin, reqID, ordering.Seqno(f.nextGlobal), payload)
	return nil
}

func (f *orderFSM) Snapshot() (raft.FSMSnapshot, error) {
	return &counterSnapshot{value: f.nextGlobal}, nil
}

func (f *orderFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var buf [8]byte
	if _, err := io.ReadFull(rc, buf[:]); err != nil {
		return fmt.Errorf("groupcomm: restore raft fsm: %w", err)
	}
	f.nextGlobal = binary.BigEndian.Uint64(buf[:])
	return nil
}

type counterSnapshot struct{ value uint64 }

func (s *counterSnapshot) Persist(sink raft.SnapshotSink) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], s.value)
	if _, err := sink.Write(buf[:]); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *counterSnapshot) Release() {}

