package wsdb

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/tandemdb/core/ordering"
)

// ErrCertificationFail means the write-set overlaps work committed inside its
// certification gap. The transaction must roll back; every node reaches the
// same verdict independently.
var ErrCertificationFail = errors.New("wsdb: certification failed")

const certLogName = "wsdb_cert.log"

// Store is the write-set certification store. It keeps the certification
// index — row-key footprint to the highest global seqno that committed a
// write-set touching that key — and an append-only log of certified
// footprints under the data directory, replayed on open to rebuild the index.
//
// Certification runs only while the caller holds the total-order gate for the
// candidate seqno, so there is never more than one writer; the store's own
// mutex exists to publish index updates safely to readers on other threads
// (LastCommitted, Conflicts-era lookups) after the gate is released.
type Store struct {
	mu            sync.Mutex
	dir           string
	logFile       *os.File
	logW          *bufio.Writer
	index         map[Footprint]ordering.Seqno
	lastCommitted ordering.Seqno
	log           *zap.Logger
}

// Open opens (or creates) the store under dataDir and rebuilds the
// certification index from the footprint log.
func Open(dataDir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("wsdb: create data dir %s: %w", dataDir, err)
	}
	path := filepath.Join(dataDir, certLogName)

	s := &Store{
		dir:   dataDir,
		index: make(map[Footprint]ordering.Seqno),
		log:   logger,
	}
	if err := s.replay(path); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wsdb: open footprint log %s: %w", path, err)
	}
	s.logFile = f
	s.logW = bufio.NewWriter(f)

	logger.Info("write-set store opened",
		zap.String("dir", dataDir),
		zap.Int("index_entries", len(s.index)),
		zap.Uint64("last_committed", uint64(s.lastCommitted)),
	)
	return s, nil
}

// replay rebuilds the in-memory index from the on-disk footprint log. A
// truncated final record (crash mid-append) is tolerated and dropped.
func (s *Store) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("wsdb: open footprint log %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				s.log.Warn("truncated footprint log record dropped")
				return nil
			}
			return fmt.Errorf("wsdb: read footprint log: %w", err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		rec := make([]byte, n)
		if _, err := io.ReadFull(r, rec); err != nil {
			s.log.Warn("truncated footprint log record dropped")
			return nil
		}
		seqno, fps, err := decodeCertRecord(rec)
		if err != nil {
			return fmt.Errorf("wsdb: corrupt footprint log: %w", err)
		}
		for _, fp := range fps {
			s.index[fp] = seqno
		}
		if seqno > s.lastCommitted {
			s.lastCommitted = seqno
		}
	}
}

// Certify decides whether the write-set assigned global seqno may commit.
// Pass iff none of its footprints appear in the index at a seqno inside the
// open interval (ws.LastSeen, seqno). On pass the write-set's own footprints
// are recorded at seqno, in memory and in the log; on fail nothing changes.
//
// The caller must hold the total-order gate for seqno: certification verdicts
// are deterministic only because candidates are tested one at a time, in
// total order.
func (s *Store) Certify(seqno ordering.Seqno, ws *WriteSet) error {
	fps := ws.Footprints()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, fp := range fps {
		if sx, ok := s.index[fp]; ok && sx > ws.LastSeen && sx < seqno {
			s.log.Debug("certification conflict",
				zap.Uint64("seqno", uint64(seqno)),
				zap.Uint64("last_seen", uint64(ws.LastSeen)),
				zap.Uint64("conflicting_seqno", uint64(sx)),
			)
			return ErrCertificationFail
		}
	}

	if len(fps) > 0 {
		if err := s.appendLocked(seqno, fps); err != nil {
			// A store that cannot persist its certification history can no
			// longer prove anything about future gaps. The node must leave.
			return fmt.Errorf("wsdb: append footprint log: %w", err)
		}
		for _, fp := range fps {
			s.index[fp] = seqno
		}
	}
	return nil
}

func (s *Store) appendLocked(seqno ordering.Seqno, fps []Footprint) error {
	rec := encodeCertRecord(seqno, fps)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(rec)))
	if _, err := s.logW.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := s.logW.Write(rec); err != nil {
		return err
	}
	return s.logW.Flush()
}

// SetCommitted records that the write-set at seqno has been committed by the
// database. The high-water mark becomes the certification horizon (LastSeen)
// of subsequently built local write-sets.
func (s *Store) SetCommitted(seqno ordering.Seqno) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seqno > s.lastCommitted {
		s.lastCommitted = seqno
	}
}

// LastCommitted returns the highest globally-committed seqno observed.
func (s *Store) LastCommitted() ordering.Seqno {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCommitted
}

// PurgeBelow discards index entries at or below seqno. Safe once no in-flight
// write-set can carry a LastSeen older than seqno; the entries can no longer
// decide any certification verdict.
func (s *Store) PurgeBelow(seqno ordering.Seqno) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for fp, sx := range s.index {
		if sx <= seqno {
			delete(s.index, fp)
			purged++
		}
	}
	return purged
}

// Close flushes and closes the footprint log.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logFile == nil {
		return nil
	}
	if err := s.logW.Flush(); err != nil {
		s.logFile.Close()
		s.logFile = nil
		return fmt.Errorf("wsdb: flush footprint log: %w", err)
	}
	err := s.logFile.Close()
	s.logFile = nil
	return err
}

// Log record layout: seqno u64, count u16, then count footprints each
// length-prefixed with u16. Same conventions as the write-set codec.
func encodeCertRecord(seqno ordering.Seqno, fps []Footprint) []byte {
	var b bytes.Buffer
	putU64(&b, uint64(seqno))
	putU16(&b, uint16(len(fps)))
	for _, fp := range fps {
		putU16(&b, uint16(len(fp)))
		b.WriteString(string(fp))
	}
	return b.Bytes()
}

func decodeCertRecord(rec []byte) (ordering.Seqno, []Footprint, error) {
	r := &reader{buf: rec}
	seqno := ordering.Seqno(r.u64())
	n := int(r.u16())
	fps := make([]Footprint, 0, n)
	for i := 0; i < n; i++ {
		fps = append(fps, Footprint(r.bytes()))
	}
	if r.err != nil {
		return 0, nil, r.err
	}
	if r.off != len(rec) {
		return 0, nil, fmt.Errorf("trailing bytes in record")
	}
	return seqno, fps, nil
}
