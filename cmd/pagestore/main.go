// Command pagestore is an interactive shell over the storage engine: it
// opens (or creates) a database file, builds a B+tree and an extendible
// hash index on top of the same buffer pool, and lets a user exercise both
// indexes plus the lock manager from a line-oriented prompt.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/pageengine/concurrency"
	"github.com/sushant-115/pageengine/pkg/logger"
	"github.com/sushant-115/pageengine/pkg/telemetry"
	"github.com/sushant-115/pageengine/storage/btree"
	"github.com/sushant-115/pageengine/storage/buffer"
	"github.com/sushant-115/pageengine/storage/disk"
	"github.com/sushant-115/pageengine/storage/hash"
	"github.com/sushant-115/pageengine/storage/kv"
	"github.com/sushant-115/pageengine/storage/page"
)

const (
	keyWidth   = 32
	valueWidth = 128
)

var (
	dbFile          = flag.String("file", "", "database file to open or create (default: a fresh uuid-named scratch file)")
	poolSize        = flag.Int("pool_size", 64, "frames per buffer pool instance")
	numInstances    = flag.Int("num_instances", 1, "number of parallel buffer pool instances")
	logLevel        = flag.String("log_level", "info", "log level: debug, info, warn, error")
	logFormat       = flag.String("log_format", "console", "log format: console or json")
	metricsEnabled  = flag.Bool("metrics", false, "enable the Prometheus metrics endpoint")
	metricsPort     = flag.Int("metrics_port", 9090, "Prometheus metrics port")
	isolationLevel  = flag.String("isolation", "repeatable_read", "default transaction isolation: read_uncommitted, read_committed, repeatable_read")
)

func stringCmp(a, b string) int { return strings.Compare(a, b) }

// fnv1a32 hashes a key the way the teacher's course codebase does: a
// textbook FNV-1a fold over the key's bytes, used by the extendible hash
// table to route keys to directory slots.
func fnv1a32(key string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return h
}

type shell struct {
	pool      buffer.Pool
	tree      *btree.Tree[string, string]
	table     *hash.Table[string, string]
	lockMgr   *concurrency.LockManager
	isolation concurrency.IsolationLevel

	txn    *concurrency.Transaction
	nextID atomic.Int64

	logger *zap.Logger
	out    io.Writer
}

func (s *shell) ridFor(key string) concurrency.RID {
	// The lock manager locks record ids (page, slot), not keys directly;
	// this shell has no heap file, so it derives a stand-in rid from the
	// key's hash, which is stable for repeated commands against the same
	// key within one session.
	return concurrency.RID{PageID: page.ID(int32(fnv1a32(key))), SlotNum: 0}
}

func (s *shell) ensureTxn() *concurrency.Transaction {
	if s.txn == nil || s.txn.State() == concurrency.Committed || s.txn.State() == concurrency.Aborted {
		id := s.nextID.Add(1)
		s.txn = concurrency.NewTransaction(concurrency.TxnID(id), s.isolation)
		fmt.Fprintf(s.out, "started txn %d (%s)\n", id, s.isolation)
	}
	return s.txn
}

func (s *shell) dispatch(fields []string) bool {
	if len(fields) == 0 {
		return true
	}
	switch strings.ToLower(fields[0]) {
	case "put":
		if len(fields) < 3 {
			fmt.Fprintln(s.out, "usage: put <key> <value>")
			return true
		}
		ok, err := s.tree.Insert(fields[1], strings.Join(fields[2:], " "))
		if err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
			return true
		}
		fmt.Fprintf(s.out, "inserted=%v\n", ok)
	case "get":
		if len(fields) < 2 {
			fmt.Fprintln(s.out, "usage: get <key>")
			return true
		}
		v, ok := s.tree.GetValue(fields[1])
		if !ok {
			fmt.Fprintln(s.out, "(not found)")
			return true
		}
		fmt.Fprintf(s.out, "%s = %q\n", fields[1], v)
	case "del":
		if len(fields) < 2 {
			fmt.Fprintln(s.out, "usage: del <key>")
			return true
		}
		if err := s.tree.Remove(fields[1]); err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
			return true
		}
		fmt.Fprintln(s.out, "ok")
	case "hput":
		if len(fields) < 3 {
			fmt.Fprintln(s.out, "usage: hput <key> <value>")
			return true
		}
		ok, err := s.table.Insert(fields[1], strings.Join(fields[2:], " "))
		if err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
			return true
		}
		fmt.Fprintf(s.out, "inserted=%v\n", ok)
	case "hget":
		if len(fields) < 2 {
			fmt.Fprintln(s.out, "usage: hget <key>")
			return true
		}
		vs, ok := s.table.GetValue(fields[1])
		if !ok {
			fmt.Fprintln(s.out, "(not found)")
			return true
		}
		fmt.Fprintf(s.out, "%s = %v\n", fields[1], vs)
	case "hdel":
		if len(fields) < 3 {
			fmt.Fprintln(s.out, "usage: hdel <key> <value>")
			return true
		}
		ok, err := s.table.Remove(fields[1], strings.Join(fields[2:], " "))
		if err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
			return true
		}
		fmt.Fprintf(s.out, "removed=%v\n", ok)
	case "begin":
		s.txn = nil
		s.ensureTxn()
	case "lock":
		if len(fields) < 3 {
			fmt.Fprintln(s.out, "usage: lock <s|x> <key>")
			return true
		}
		txn := s.ensureTxn()
		rid := s.ridFor(fields[2])
		var ok bool
		switch strings.ToLower(fields[1]) {
		case "s":
			ok = s.lockMgr.LockShared(txn, rid)
		case "x":
			ok = s.lockMgr.LockExclusive(txn, rid)
		default:
			fmt.Fprintln(s.out, "usage: lock <s|x> <key>")
			return true
		}
		fmt.Fprintf(s.out, "granted=%v txn_state=%s\n", ok, txn.State())
	case "upgrade":
		if len(fields) < 2 {
			fmt.Fprintln(s.out, "usage: upgrade <key>")
			return true
		}
		txn := s.ensureTxn()
		ok := s.lockMgr.LockUpgrade(txn, s.ridFor(fields[1]))
		fmt.Fprintf(s.out, "granted=%v txn_state=%s\n", ok, txn.State())
	case "unlock":
		if len(fields) < 2 {
			fmt.Fprintln(s.out, "usage: unlock <key>")
			return true
		}
		txn := s.ensureTxn()
		ok := s.lockMgr.Unlock(txn, s.ridFor(fields[1]))
		fmt.Fprintf(s.out, "ok=%v txn_state=%s\n", ok, txn.State())
	case "commit":
		if s.txn != nil {
			s.txn.Commit()
			fmt.Fprintf(s.out, "txn %d committed\n", s.txn.ID())
		}
	case "stats":
		gd := s.table.GlobalDepth()
		fmt.Fprintf(s.out, "b+tree root_page_id=%d\nhash global_depth=%d\n", s.tree.RootPageID(), gd)
		if s.txn != nil {
			fmt.Fprintf(s.out, "txn %d state=%s isolation=%s\n", s.txn.ID(), s.txn.State(), s.txn.IsolationLevel())
		}
	case "help":
		printHelp(s.out)
	case "exit", "quit":
		return false
	default:
		fmt.Fprintf(s.out, "unknown command %q, type 'help' for a list\n", fields[0])
	}
	return true
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  put <key> <value>       b+tree insert")
	fmt.Fprintln(w, "  get <key>               b+tree lookup")
	fmt.Fprintln(w, "  del <key>               b+tree remove")
	fmt.Fprintln(w, "  hput <key> <value>      hash table insert")
	fmt.Fprintln(w, "  hget <key>              hash table lookup (all values)")
	fmt.Fprintln(w, "  hdel <key> <value>      hash table remove")
	fmt.Fprintln(w, "  begin                   start a fresh demo transaction")
	fmt.Fprintln(w, "  lock <s|x> <key>        acquire a shared/exclusive lock for the demo txn")
	fmt.Fprintln(w, "  upgrade <key>           upgrade the demo txn's shared lock to exclusive")
	fmt.Fprintln(w, "  unlock <key>            release the demo txn's lock")
	fmt.Fprintln(w, "  commit                  commit the demo transaction")
	fmt.Fprintln(w, "  stats                   show tree/hash/txn state")
	fmt.Fprintln(w, "  help, exit, quit")
}

func parseIsolation(s string) concurrency.IsolationLevel {
	switch strings.ToLower(s) {
	case "read_uncommitted":
		return concurrency.ReadUncommitted
	case "read_committed":
		return concurrency.ReadCommitted
	default:
		return concurrency.RepeatableRead
	}
}

func main() {
	flag.Parse()

	log, err := logger.New(logger.Config{Level: *logLevel, Format: *logFormat, OutputFile: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	metrics, shutdown, err := telemetry.New(telemetry.Config{
		Enabled:        *metricsEnabled,
		ServiceName:    "pagestore",
		PrometheusPort: *metricsPort,
	})
	if err != nil {
		log.Fatal("telemetry init failed", zap.Error(err))
	}
	defer shutdown(context.Background())

	path := *dbFile
	if path == "" {
		path = fmt.Sprintf("pagestore-%s.db", uuid.New().String())
	}
	d, err := disk.OpenOrCreate(path)
	if err != nil {
		log.Fatal("opening database file failed", zap.String("path", path), zap.Error(err))
	}
	defer d.Close()
	log.Info("opened database file", zap.String("path", path))

	var pool buffer.Pool
	if *numInstances <= 1 {
		pool = buffer.NewInstance(*poolSize, d, 0, 1, log, metrics)
	} else {
		pool = buffer.NewParallel(*numInstances, *poolSize, d, log, metrics)
	}

	keyCodec := kv.StringCodec(keyWidth)
	valCodec := kv.StringCodec(valueWidth)

	tree, headerPID, err := btree.NewTree[string, string](pool, page.Invalid, "default", stringCmp, keyCodec, valCodec, 0, 0, log)
	if err != nil {
		log.Fatal("opening b+tree failed", zap.Error(err))
	}
	log.Debug("b+tree header page", zap.Int32("page_id", int32(headerPID)))

	table, err := hash.NewTable[string, string](pool, stringCmp, fnv1a32, keyCodec, valCodec, log)
	if err != nil {
		log.Fatal("opening hash table failed", zap.Error(err))
	}

	s := &shell{
		pool:      pool,
		tree:      tree,
		table:     table,
		lockMgr:   concurrency.NewLockManager(log),
		isolation: parseIsolation(*isolationLevel),
		logger:    log,
		out:       os.Stdout,
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "pagestore> ",
		HistoryFile: "",
	})
	if err != nil {
		log.Fatal("readline init failed", zap.Error(err))
	}
	defer rl.Close()

	fmt.Fprintln(s.out, "pagestore shell. type 'help' for commands, 'exit' to quit.")
	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF or readline.ErrInterrupt
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !s.dispatch(strings.Fields(line)) {
			break
		}
	}

	pool.FlushAllPages()
	fmt.Fprintln(s.out, "goodbye.")
}
