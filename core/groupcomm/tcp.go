package groupcomm

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/tandemdb/core/groupcomm/transport"
	"github.com/sushant-115/tandemdb/core/ordering"
	"github.com/sushant-115/tandemdb/pkg/connection"
)

// TCP backend: each member keeps one framed TCP connection to a sequencer
// (see sequencer.go) which assigns the total order. A broken sequencer link
// cannot be resumed in place — delivery continuity is gone — so any transport
// error surfaces as a closed connection and the embedder re-initialises.

func init() {
	Register("tcp", func(cfg Config, logger *zap.Logger) (Conn, error) {
		return openTCP(cfg, logger)
	})
}

const tcpDialTimeout = 5 * time.Second

type tcpConn struct {
	id    string
	conn  net.Conn
	pc    *connection.PooledConn
	queue *actionQueue
	log   *zap.Logger

	maxFrame int

	wmu sync.Mutex // serializes frame writes

	mu        sync.Mutex
	nextLocal ordering.Seqno
	pending   map[uint64]chan seqnoPair
	nextReqID uint64

	closedCh  chan struct{}
	closeOnce sync.Once
}

func openTCP(cfg Config, logger *zap.Logger) (Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("groupcomm: tcp backend requires a sequencer address")
	}

	pool := connection.NewPoolManager(1, tcpDialTimeout)
	pc, err := pool.Get(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("groupcomm: connect sequencer: %w", err)
	}

	c := &tcpConn{
		id:       uuid.NewString(),
		conn:     pc,
		pc:       pc,
		queue:    newActionQueue(),
		log:      logger,
		maxFrame: transport.DefaultMaxFrameSize,
		pending:  make(map[uint64]chan seqnoPair),
		closedCh: make(chan struct{}),
	}

	hello := make([]byte, MemberIDLen+len(cfg.Group))
	copy(hello[:MemberIDLen], c.id)
	copy(hello[MemberIDLen:], cfg.Group)
	if err := transport.WriteFrame(c.conn, hello); err != nil {
		pc.ForceClose()
		return nil, fmt.Errorf("groupcomm: send hello: %w", err)
	}

	go c.readLoop()

	logger.Info("tcp group-comm backend connected",
		zap.String("group", cfg.Group),
		zap.String("member_id", c.id),
		zap.String("sequencer", cfg.Address),
	)
	return c, nil
}

// readLoop is the single reader of the sequencer link. It turns delivery
// frames into local-seqno-stamped actions: its own data echoes complete the
// pending Repl, everything else queues for Recv.
func (c *tcpConn) readLoop() {
	defer c.shutdown()
	for {
		frame, err := transport.ReadFrame(c.conn, c.maxFrame)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Warn("sequencer link failed", zap.Error(err))
			}
			return
		}
		if len(frame) < 8+MemberIDLen {
			c.log.Error("short delivery frame", zap.Int("len", len(frame)))
			return
		}
		global := ordering.Seqno(binary.BigEndian.Uint64(frame))
		originRec := frame[8 : 8+MemberIDLen]
		if j := bytes.IndexByte(originRec, 0); j >= 0 {
			originRec = originRec[:j]
		}
		origin := string(originRec)
		hdr, payload, err := ReadActionHeader(frame[8+MemberIDLen:])
		if err != nil {
			c.log.Error("bad delivery action header", zap.Error(err))
			return
		}

		c.mu.Lock()
		c.nextLocal++
		local := c.nextLocal
		if hdr.Type == ActionData && origin == c.id {
			ch, ok := c.pending[hdr.ID]
			c.mu.Unlock()
			if ok {
				ch <- seqnoPair{global: global, local: local}
			}
			continue
		}
		c.mu.Unlock()

		cp := make([]byte, len(payload))
		copy(cp, payload)
		c.queue.push(Action{Type: hdr.Type, Buf: cp, SeqnoGlobal: global, SeqnoLocal: local})
	}
}

func (c *tcpConn) Repl(ctx context.Context, buf []byte) (ordering.Seqno, ordering.Seqno, error) {
	select {
	case <-c.closedCh:
		return 0, 0, ErrClosed
	default:
	}

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

	frame := EncodeAction(ActionData, reqID, buf)
	c.wmu.Lock()
	err := transport.WriteFrame(c.conn, frame)
	c.wmu.Unlock()
	if err != nil {
		return 0, 0, fmt.Errorf("groupcomm: submit action: %w", err)
	}

	select {
	case p := <-ch:
		return p.global, p.local, nil
	case <-c.closedCh:
		return 0, 0, ErrClosed
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}
}

func (c *tcpConn) Recv(ctx context.Context) (Action, error) {
	return c.queue.pop(ctx)
}

func (c *tcpConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closedCh)
		c.pc.ForceClose()
		c.queue.close()
	})
}

func (c *tcpConn) Close() error {
	c.shutdown()
	return nil
}
