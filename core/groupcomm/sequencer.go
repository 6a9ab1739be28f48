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

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/tandemdb/core/groupcomm/transport"
	"github.com/sushant-115/tandemdb/core/ordering"
)

// The sequencer realises total order for the tcp backend the blunt way: every
// member holds one framed TCP connection to a central sequencer process,
// which stamps each data action with the group's next global seqno and fans
// it out to all members over the same connections. Members count deliveries
// to produce their dense local seqnos.
//
// Sequencer wire protocol, all frames length-prefixed (4-byte BE):
//
//	hello    (member -> sequencer):  member_id[40] group_name...
//	submit   (member -> sequencer):  action_header payload...
//	delivery (sequencer -> member):  seqno_global u64, origin_id[40],
//	                                 action_header, payload...
//
// Component messages are deliveries with a zero origin id and a PRIMARY /
// NON_PRIMARY action header.

// SequencerConfig parameterizes the sequencer server.
type SequencerConfig struct {
	// Addr is the TCP listen address.
	Addr string `yaml:"addr"`
	// MaxFrameSize caps submitted frames; zero means the transport default.
	MaxFrameSize int `yaml:"max_frame_size"`
	// AcceptRate limits new connections per second; zero disables the limit.
	AcceptRate float64 `yaml:"accept_rate"`
	// AcceptBurst is the accept limiter's burst size.
	AcceptBurst int `yaml:"accept_burst"`
	// WriteTimeout bounds a single delivery write before the member is
	// declared dead.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

const defaultSequencerWriteTimeout = 10 * time.Second

// Sequencer is the central total-order service for the tcp backend.
type Sequencer struct {
	cfg     SequencerConfig
	ln      net.Listener
	limiter *rate.Limiter
	log     *zap.Logger

	mu     sync.Mutex
	groups map[string]*seqGroup
	closed bool

	wg sync.WaitGroup
}

type seqGroup struct {
	name       string
	nextGlobal ordering.Seqno
	members    []*seqMember
}

type seqMember struct {
	id    string
	group string
	conn  net.Conn
	wmu   sync.Mutex
}

// NewSequencer starts listening on cfg.Addr. Call Serve to accept members.
func NewSequencer(cfg SequencerConfig, logger *zap.Logger) (*Sequencer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultSequencerWriteTimeout
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("groupcomm: sequencer listen on %s: %w", cfg.Addr, err)
	}
	s := &Sequencer{
		cfg:    cfg,
		ln:     ln,
		log:    logger,
		groups: make(map[string]*seqGroup),
	}
	if cfg.AcceptRate > 0 {
		burst := cfg.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}
	logger.Info("sequencer listening", zap.String("addr", ln.Addr().String()))
	return s, nil
}

// Addr returns the bound listen address.
func (s *Sequencer) Addr() string { return s.ln.Addr().String() }

// Serve accepts member connections until the context is cancelled or the
// sequencer is closed.
func (s *Sequencer) Serve(ctx context.Context) error {
	context.AfterFunc(ctx, func() { s.ln.Close() })
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return nil
			}
			return fmt.Errorf("groupcomm: sequencer accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleMember(conn)
		}()
	}
}

func (s *Sequencer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting, drops every member and waits for handlers.
func (s *Sequencer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, g := range s.groups {
		for _, m := range g.members {
			m.conn.Close()
		}
	}
	s.mu.Unlock()
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *Sequencer) handleMember(conn net.Conn) {
	defer conn.Close()

	hello, err := transport.ReadFrame(conn, s.cfg.MaxFrameSize)
	if err != nil {
		s.log.Warn("sequencer: bad hello", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		return
	}
	if len(hello) <= MemberIDLen {
		s.log.Warn("sequencer: short hello", zap.String("remote", conn.RemoteAddr().String()))
		return
	}
	idRec := hello[:MemberIDLen]
	if j := bytes.IndexByte(idRec, 0); j >= 0 {
		idRec = idRec[:j]
	}
	m := &seqMember{id: string(idRec), group: string(hello[MemberIDLen:]), conn: conn}

	s.register(m)
	defer s.unregister(m)

	for {
		frame, err := transport.ReadFrame(conn, s.cfg.MaxFrameSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.isClosed() {
				s.log.Warn("sequencer: member read failed",
					zap.String("member_id", m.id), zap.Error(err))
			}
			return
		}
		hdr, _, err := ReadActionHeader(frame)
		if err != nil {
			s.log.Warn("sequencer: bad action header", zap.String("member_id", m.id), zap.Error(err))
			return
		}
		if hdr.Type != ActionData {
			s.log.Warn("sequencer: unexpected action type from member",
				zap.String("member_id", m.id), zap.Stringer("type", hdr.Type))
			return
		}
		s.order(m, frame)
	}
}

func (s *Sequencer) register(m *seqMember) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[m.group]
	if !ok {
		g = &seqGroup{name: m.group}
		s.groups[m.group] = g
	}
	g.members = append(g.members, m)
	s.log.Info("sequencer: member joined",
		zap.String("group", g.name), zap.String("member_id", m.id), zap.Int("members", len(g.members)))
	s.broadcastComponentLocked(g)
}

func (s *Sequencer) unregister(m *seqMember) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[m.group]
	if !ok {
		return
	}
	for i, other := range g.members {
		if other == m {
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}
	s.log.Info("sequencer: member left",
		zap.String("group", g.name), zap.String("member_id", m.id), zap.Int("members", len(g.members)))
	if len(g.members) == 0 {
		delete(s.groups, g.name)
		return
	}
	if !s.closed {
		s.broadcastComponentLocked(g)
	}
}

// order stamps a submitted action with the group's next global seqno and
// fans it out. Holding s.mu across the writes is what makes the order total:
// every member's connection sees the same delivery sequence.
func (s *Sequencer) order(m *seqMember, actionFrame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[m.group]
	if !ok {
		return
	}
	g.nextGlobal++
	delivery := makeDelivery(g.nextGlobal, m.id, actionFrame)
	for _, member := range g.members {
		s.deliverLocked(member, delivery)
	}
}

// broadcastComponentLocked sends every member its personalized view of the
// configuration. The sequencer is the quorum: while it is reachable the
// component is primary.
func (s *Sequencer) broadcastComponentLocked(g *seqGroup) {
	ids := make([]string, len(g.members))
	for i, m := range g.members {
		ids[i] = m.id
	}
	for i, m := range g.members {
		payload, err := EncodeComponentMsg(ComponentMsg{Primary: true, MyIndex: int32(i), Members: ids})
		if err != nil {
			s.log.Error("sequencer: encode component message", zap.Error(err))
			return
		}
		frame := EncodeAction(ActionPrimary, 0, payload)
		s.deliverLocked(m, makeDelivery(g.nextGlobal, "", frame))
	}
}

func (s *Sequencer) deliverLocked(m *seqMember, delivery []byte) {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	m.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := transport.WriteFrame(m.conn, delivery); err != nil {
		s.log.Warn("sequencer: delivery failed, dropping member",
			zap.String("member_id", m.id), zap.Error(err))
		// The reader goroutine notices the closed connection and unregisters.
		m.conn.Close()
	}
}

func makeDelivery(seqno ordering.Seqno, origin string, actionFrame []byte) []byte {
	out := make([]byte, 8+MemberIDLen+len(actionFrame))
	binary.BigEndian.PutUint64(out, uint64(seqno))
	copy(out[8:8+MemberIDLen], origin)
	copy(out[8+MemberIDLen:], actionFrame)
	return out
}
