// tandemdb_sequencer runs the central total-order sequencer for the tcp
// group-communication backend. Point every node's -group_addr at it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/sushant-115/tandemdb/core/groupcomm"
	"github.com/sushant-115/tandemdb/pkg/logger"
)

var (
	addr        = flag.String("addr", "127.0.0.1:4567", "Listen address")
	acceptRate  = flag.Float64("accept_rate", 50, "Accepted connections per second (0 disables the limit)")
	acceptBurst = flag.Int("accept_burst", 10, "Accept limiter burst")
	logLevel    = flag.String("log_level", "info", "Log level")
)

func main() {
	flag.Parse()

	zlog, err := logger.New(logger.Config{Level: *logLevel, Format: "console", OutputFile: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer zlog.Sync()

	seq, err := groupcomm.NewSequencer(groupcomm.SequencerConfig{
		Addr:        *addr,
		AcceptRate:  *acceptRate,
		AcceptBurst: *acceptBurst,
	}, zlog.Named("sequencer"))
	if err != nil {
		zlog.Fatal("sequencer start failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		zlog.Info("shutting down")
		cancel()
		seq.Close()
	}()

	if err := seq.Serve(ctx); err != nil && ctx.Err() == nil {
		zlog.Fatal("sequencer failed", zap.Error(err))
	}
}
