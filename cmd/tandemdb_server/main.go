// tandemdb_server is a demonstration embedder: an in-memory key-value store
// wrapped around the replication engine. Every node that joins the same
// group converges on the same data; conflicting writes lose certification
// and roll back.
//
// Client protocol (one line per command over TCP):
//
//	SET <key> <value>   replicated write
//	DEL <key>           replicated delete
//	GET <key>           local read
//	DDL <statement>     total-order execute (barrier)
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sushant-115/tandemdb/core/ordering"
	"github.com/sushant-115/tandemdb/core/replication"
	"github.com/sushant-115/tandemdb/core/wsdb"
	"github.com/sushant-115/tandemdb/pkg/logger"
	"github.com/sushant-115/tandemdb/pkg/telemetry"
)

var (
	listenAddr = flag.String("listen_addr", "127.0.0.1:9090", "Client listen address")
	backend    = flag.String("backend", "loopback", "Group communication backend (loopback, tcp, raft)")
	group      = flag.String("group", "tandemdb", "Replication group name")
	groupAddr  = flag.String("group_addr", "127.0.0.1:4567", "Backend address (sequencer or raft bind)")
	dataDir    = flag.String("data_dir", "data/tandemdb", "Data directory for the write-set store")
	appliers   = flag.Int("appliers", 4, "Parallel apply workers")
	configFile = flag.String("config", "", "Optional YAML config file overriding the flags")
	logLevel   = flag.String("log_level", "info", "Log level")
	promPort   = flag.Int("prometheus_port", 0, "Prometheus /metrics port (0 disables telemetry)")
)

// serverConfig mirrors the flags for YAML-file configuration.
type serverConfig struct {
	ListenAddr  string             `yaml:"listen_addr"`
	DataDir     string             `yaml:"data_dir"`
	Appliers    int                `yaml:"appliers"`
	Replication replication.Config `yaml:"replication"`
	Logging     logger.Config      `yaml:"logging"`
	Telemetry   telemetry.Config   `yaml:"telemetry"`
}

// memStore is the embedded "database": a mutex-guarded map whose mutations
// arrive either from local sessions or from the engine's apply callbacks.
type memStore struct {
	mu   sync.RWMutex
	data map[string]string
	log  *zap.Logger
}

func newMemStore(log *zap.Logger) *memStore {
	return &memStore{data: make(map[string]string), log: log}
}

// Execute applies one statement. The grammar is the same one the server
// replicates, so local execution and remote apply share this path.
func (s *memStore) Execute(_ context.Context, query string) error {
	fields := strings.SplitN(strings.TrimSpace(query), " ", 3)
	switch strings.ToUpper(fields[0]) {
	case "SET":
		if len(fields) != 3 {
			return fmt.Errorf("malformed SET: %q", query)
		}
		s.mu.Lock()
		s.data[fields[1]] = fields[2]
		s.mu.Unlock()
	case "DEL":
		if len(fields) < 2 {
			return fmt.Errorf("malformed DEL: %q", query)
		}
		s.mu.Lock()
		delete(s.data, fields[1])
		s.mu.Unlock()
	case "COMMIT":
		// Mutations are applied in place; the commit marker is a no-op here.
	case "DDL":
		s.log.Info("ddl executed", zap.String("statement", query))
	default:
		return fmt.Errorf("unknown statement: %q", query)
	}
	return nil
}

func (s *memStore) ApplyRow(_ context.Context, data []byte) error {
	// Row images are "key\x00value".
	parts := strings.SplitN(string(data), "\x00", 2)
	if len(parts) != 2 {
		return fmt.Errorf("malformed row image")
	}
	s.mu.Lock()
	s.data[parts[0]] = parts[1]
	s.mu.Unlock()
	return nil
}

func (s *memStore) WSStart(_ context.Context, seqno ordering.Seqno) {
	if seqno != 0 {
		s.log.Debug("applying write set", zap.Uint64("seqno_local", uint64(seqno)))
	}
}

func (s *memStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

type server struct {
	store    *memStore
	engine   *replication.Engine
	log      *zap.Logger
	nextTrx  atomic.Uint64
	nextConn atomic.Uint64
}

func (srv *server) handleClient(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	connID := srv.nextConn.Add(1)
	scanner := bufio.NewScanner(conn)
	w := bufio.NewWriter(conn)

	reply := func(format string, args ...any) {
		fmt.Fprintf(w, format+"\n", args...)
		w.Flush()
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 3)
		switch strings.ToUpper(fields[0]) {
		case "GET":
			if len(fields) < 2 {
				reply("ERROR malformed GET")
				continue
			}
			if v, ok := srv.store.Get(fields[1]); ok {
				reply("OK %s", v)
			} else {
				reply("NOT_FOUND")
			}
		case "SET", "DEL":
			key := ""
			if len(fields) >= 2 {
				key = fields[1]
			}
			if key == "" {
				reply("ERROR missing key")
				continue
			}
			srv.replicateWrite(ctx, connID, line, key, reply)
		case "DDL":
			if len(fields) < 2 {
				reply("ERROR missing statement")
				continue
			}
			srv.totalOrderExecute(ctx, connID, line, reply)
		case "QUIT":
			reply("BYE")
			return
		default:
			reply("ERROR unknown command")
		}
	}
}

// replicateWrite runs one autocommit write through the engine's commit path.
func (srv *server) replicateWrite(ctx context.Context, connID uint64, stmt, key string, reply func(string, ...any)) {
	trxID := srv.nextTrx.Add(1)
	action := wsdb.ActionUpdate
	if strings.ToUpper(stmt[:3]) == "DEL" {
		action = wsdb.ActionDelete
	}

	if st := srv.engine.AppendQuery(trxID, stmt); st != replication.StatusOK {
		reply("ERROR append failed: %s", st)
		return
	}
	rowKey := wsdb.RowKey{
		Table: "kv",
		Parts: []wsdb.KeyPart{{Type: wsdb.KeyTypeChar, Data: []byte(key)}},
	}
	if st := srv.engine.AppendRowKey(trxID, rowKey, action); st != replication.StatusOK {
		reply("ERROR append failed: %s", st)
		return
	}

	switch st := srv.engine.Commit(ctx, trxID, connID); st {
	case replication.StatusOK:
		if err := srv.store.Execute(ctx, stmt); err != nil {
			srv.log.Error("local apply failed after certification", zap.Error(err))
			srv.engine.RolledBack(trxID)
			reply("ERROR %v", err)
			return
		}
		srv.engine.Committed(trxID)
		reply("OK")
	case replication.StatusTrxFail:
		srv.engine.RolledBack(trxID)
		reply("CONFLICT")
	default:
		srv.engine.RolledBack(trxID)
		reply("ERROR %s", st)
	}
}

// totalOrderExecute runs a DDL-style statement under the total-order barrier.
func (srv *server) totalOrderExecute(ctx context.Context, connID uint64, stmt string, reply func(string, ...any)) {
	if st := srv.engine.ToExecuteStart(ctx, connID, stmt); st != replication.StatusOK {
		reply("ERROR %s", st)
		return
	}
	err := srv.store.Execute(ctx, stmt)
	srv.engine.ToExecuteEnd(connID)
	if err != nil {
		reply("ERROR %v", err)
		return
	}
	reply("OK")
}

func loadConfig() serverConfig {
	cfg := serverConfig{
		ListenAddr: *listenAddr,
		DataDir:    *dataDir,
		Appliers:   *appliers,
		Logging:    logger.Config{Level: *logLevel, Format: "console", OutputFile: "stderr"},
		Telemetry: telemetry.Config{
			Enabled:        *promPort > 0,
			ServiceName:    "tandemdb",
			PrometheusPort: *promPort,
		},
	}
	cfg.Replication.GroupComm.Backend = *backend
	cfg.Replication.GroupComm.Group = *group
	cfg.Replication.GroupComm.Address = *groupAddr
	cfg.Replication.GroupComm.DataDir = *dataDir
	cfg.Replication.DataDir = *dataDir
	cfg.Replication.Appliers = *appliers

	if *configFile != "" {
		raw, err := os.ReadFile(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read config %s: %v\n", *configFile, err)
			os.Exit(1)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "parse config %s: %v\n", *configFile, err)
			os.Exit(1)
		}
	}
	return cfg
}

func main() {
	flag.Parse()
	cfg := loadConfig()

	zlog, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer zlog.Sync()

	tel, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlog.Fatal("telemetry init failed", zap.Error(err))
	}

	store := newMemStore(zlog.Named("store"))
	engine, err := replication.New(cfg.Replication, store, zlog.Named("replication"), tel.Meter)
	if err != nil {
		zlog.Fatal("engine init failed", zap.Error(err))
	}
	if st := engine.Enable(); st != replication.StatusOK {
		zlog.Fatal("engine enable failed", zap.Stringer("status", st))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		st := engine.Recv(ctx)
		if st == replication.StatusFatal {
			zlog.Fatal("receive loop: node divergent")
		}
		zlog.Info("receive loop finished", zap.Stringer("status", st))
	}()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		zlog.Fatal("client listener failed", zap.Error(err))
	}
	zlog.Info("tandemdb server listening", zap.String("addr", cfg.ListenAddr))

	srv := &server{store: store, engine: engine, log: zlog}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handleClient(ctx, conn)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	zlog.Info("shutting down")

	ln.Close()
	cancel()
	engine.Close()
	telShutdown(context.Background())
}
