// Package groupcomm abstracts the group-communication substrate: a service
// that delivers opaque actions to every member in the same total order,
// tagging each delivery with a cluster-wide global seqno and a per-member
// dense local seqno, and that announces membership changes as primary /
// non-primary component messages. The replication engine is written against
// the Conn interface; backends (in-process loopback, raft, sequencer TCP)
// provide the ordering.
package groupcomm

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/tandemdb/core/ordering"
)

// ActionType tags a delivered action.
type ActionType uint8

const (
	// ActionData carries a replicated payload (a write-set).
	ActionData ActionType = iota + 1
	// ActionPrimary announces a primary-component configuration; the payload
	// is a component message.
	ActionPrimary
	// ActionNonPrimary announces loss of the primary component.
	ActionNonPrimary
	// ActionSnapshot marks a state-snapshot point in the total order.
	ActionSnapshot
)

func (t ActionType) String() string {
	switch t {
	case ActionData:
		return "DATA"
	case ActionPrimary:
		return "PRIMARY"
	case ActionNonPrimary:
		return "NON_PRIMARY"
	case ActionSnapshot:
		return "SNAPSHOT"
	}
	return fmt.Sprintf("ActionType(%d)", uint8(t))
}

// Action is one totally-ordered delivery.
type Action struct {
	Type        ActionType
	Buf         []byte
	SeqnoGlobal ordering.Seqno
	SeqnoLocal  ordering.Seqno
}

// ErrClosed is returned once the connection has been closed; the receive loop
// unwinds on it, quietly after an orderly Disable/Close and as a connection
// failure otherwise.
var ErrClosed = errors.New("groupcomm: connection closed")

// Conn is one member's handle on the group.
//
// Repl replicates buf as an ActionData action: it blocks until the group has
// agreed the action's place in the total order and returns the assigned
// seqnos. The action is NOT redelivered through Recv on the originating
// member — Repl's return is the local delivery.
//
// Recv blocks for the next delivered action. Deliveries are FIFO and totally
// ordered; SeqnoLocal increases by exactly one per delivery or Repl return.
type Conn interface {
	Repl(ctx context.Context, buf []byte) (seqnoGlobal, seqnoLocal ordering.Seqno, err error)
	Recv(ctx context.Context) (Action, error)
	Close() error
}

// Config selects and parameterizes a backend.
type Config struct {
	// Backend is the backend name: "loopback", "raft" or "tcp".
	Backend string `yaml:"backend"`
	// Group is the replication group (channel) name.
	Group string `yaml:"group"`
	// Address is the backend-specific address: the sequencer endpoint for
	// "tcp", the raft bind address for "raft", unused for "loopback".
	Address string `yaml:"address"`
	// DataDir is where a backend may keep its own state (raft log).
	DataDir string `yaml:"data_dir"`
}

// OpenFunc opens a backend connection.
type OpenFunc func(cfg Config, logger *zap.Logger) (Conn, error)

var backends = map[string]OpenFunc{}

// Register installs a backend under name. Called from backend init functions.
func Register(name string, open OpenFunc) {
	backends[name] = open
}

// Open connects to the group through the configured backend.
func Open(cfg Config, logger *zap.Logger) (Conn, error) {
	open, ok := backends[cfg.Backend]
	if !ok {
		return nil, fmt.Errorf("groupcomm: unknown backend %q", cfg.Backend)
	}
	return open(cfg, logger)
}
