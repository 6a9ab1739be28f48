// tandemdb_cli is an interactive client for the demo server: type protocol
// commands (SET/GET/DEL/DDL) at the prompt, one response line per command.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/sushant-115/tandemdb/pkg/connection"
)

var serverAddr = flag.String("server", "127.0.0.1:9090", "tandemdb server address")

func main() {
	flag.Parse()

	pool := connection.NewPoolManager(2, 5*time.Second)
	defer pool.Close()

	rl, err := readline.New("tandemdb> ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "exit") || strings.EqualFold(line, "quit") {
			return
		}
		if err := roundTrip(pool, line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

// roundTrip sends one command and prints the single response line. The
// connection goes back to the pool for the next command.
func roundTrip(pool *connection.PoolManager, line string) error {
	conn, err := pool.Get(*serverAddr)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(conn, line); err != nil {
		conn.ForceClose()
		return err
	}
	resp, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		conn.ForceClose()
		return err
	}
	fmt.Print(resp)
	return conn.Close()
}
