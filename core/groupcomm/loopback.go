package groupcomm

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/tandemdb/core/ordering"
)

// Loopback backend: an in-process hub that totally orders actions across any
// number of members in the same process. It is the default single-node
// backend and the test substrate for multi-member scenarios; ordering is
// trivially total because every action in a group passes through one mutex.

func init() {
	Register("loopback", func(cfg Config, logger *zap.Logger) (Conn, error) {
		return defaultHub.Join(cfg.Group, logger)
	})
}

// defaultHub serves the registered "loopback" backend; tests that want a
// private cluster create their own hubs.
var defaultHub = NewHub()

// Hub hosts in-process replication groups. Members join and leave at will;
// every data action is delivered to the rest of its group in one total
// order, and every membership change is announced to the whole group as a
// component message.
type Hub struct {
	mu     sync.Mutex
	groups map[string]*hubGroup
}

type hubGroup struct {
	name       string
	nextGlobal ordering.Seqno
	members    map[string]*loopbackConn
	order      []string
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{groups: make(map[string]*hubGroup)}
}

// Join adds a member to the named group and returns its connection. The new
// configuration is announced to every member, the newcomer included.
func (h *Hub) Join(group string, logger *zap.Logger) (Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &loopbackConn{
		hub:   h,
		group: group,
		id:    uuid.NewString(),
		queue: newActionQueue(),
		log:   logger,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.groups[group]
	if !ok {
		g = &hubGroup{name: group, members: make(map[string]*loopbackConn)}
		h.groups[group] = g
	}
	g.members[c.id] = c
	g.order = append(g.order, c.id)
	h.broadcastComponentLocked(g, true)
	logger.Info("loopback member joined",
		zap.String("group", group),
		zap.String("member_id", c.id),
		zap.Int("members", len(g.order)),
	)
	return c, nil
}

// broadcastComponentLocked delivers the current configuration to every
// member of the group. Component actions share the current global seqno;
// only data actions advance it.
func (h *Hub) broadcastComponentLocked(g *hubGroup, primary bool) {
	actType := ActionPrimary
	if !primary {
		actType = ActionNonPrimary
	}
	for idx, id := range g.order {
		m := g.members[id]
		buf, err := EncodeComponentMsg(ComponentMsg{
			Primary: primary,
			MyIndex: int32(idx),
			Members: append([]string(nil), g.order...),
		})
		if err != nil {
			m.log.Error("encode component message", zap.Error(err))
			continue
		}
		m.nextLocal++
		m.queue.push(Action{
			Type:        actType,
			Buf:         buf,
			SeqnoGlobal: g.nextGlobal,
			SeqnoLocal:  m.nextLocal,
		})
	}
}

// repl orders buf after everything delivered so far in the member's group:
// the originator gets the seqnos back, everyone else gets the action queued.
func (h *Hub) repl(from *loopbackConn, buf []byte) (ordering.Seqno, ordering.Seqno, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.groups[from.group]
	if !ok {
		return 0, 0, ErrClosed
	}
	if _, ok := g.members[from.id]; !ok {
		return 0, 0, ErrClosed
	}
	g.nextGlobal++
	seqnoG := g.nextGlobal
	var selfLocal ordering.Seqno
	for _, id := range g.order {
		m := g.members[id]
		m.nextLocal++
		if m == from {
			selfLocal = m.nextLocal
			continue
		}
		cp := make([]byte, len(buf))
		copy(cp, buf)
		m.queue.push(Action{Type: ActionData, Buf: cp, SeqnoGlobal: seqnoG, SeqnoLocal: m.nextLocal})
	}
	return seqnoG, selfLocal, nil
}

func (h *Hub) leave(c *loopbackConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.groups[c.group]
	if !ok {
		return
	}
	if _, ok := g.members[c.id]; !ok {
		return
	}
	delete(g.members, c.id)
	for i, id := range g.order {
		if id == c.id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	if len(g.order) == 0 {
		delete(h.groups, c.group)
		return
	}
	h.broadcastComponentLocked(g, true)
}

// loopbackConn is one member's handle. Deliveries park in an unbounded queue
// so the hub never blocks on a slow consumer while holding its lock.
type loopbackConn struct {
	hub       *Hub
	group     string
	id        string
	nextLocal ordering.Seqno // guarded by hub.mu
	queue     *actionQueue
	log       *zap.Logger
}

func (c *loopbackConn) Repl(ctx context.Context, buf []byte) (ordering.Seqno, ordering.Seqno, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	return c.hub.repl(c, buf)
}

func (c *loopbackConn) Recv(ctx context.Context) (Action, error) {
	return c.queue.pop(ctx)
}

func (c *loopbackConn) Close() error {
	c.hub.leave(c)
	c.queue.close()
	c.log.Info("loopback member left", zap.String("member_id", c.id))
	return nil
}
