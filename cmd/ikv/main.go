// ikv is a simple CLI for interacting with ikv store files.
//
// Usage:
//
//	ikv [opts] <store-file>         Open (or create) a store and start a REPL
//
// Options:
//
//	-d, --db         Database id to select on start (default: 1)
//	-m, --mode       Database mode: bytes, u32, u64, dup32, dup64
//	-p, --policy     Resize policy: page, fib, ratio=N/DN
//	-r, --readonly   Open read-only
//	-t, --trunc      Replace existing file content
//	-c, --config     Config file path (HuJSON)
//
// Commands (in REPL):
//
//	db <id> [mode]             Select (or create) a database
//	put <key> <value>          Insert or update a record
//	putnx <key> <value>        Insert only if the key is absent
//	get <key>                  Retrieve a record
//	del <key>                  Delete a record
//	scan [limit]               List records in ascending key order
//	rscan [limit]              List records in descending key order
//	dupadd <key> <n>           Add an element to a duplicate array
//	duprm <key> <n>            Remove an element from a duplicate array
//	dupnum <key>               Count elements of a duplicate array
//	dupin <key> <n>            Test duplicate array membership
//	count                      Count live records
//	check                      Run a structural integrity scan
//	sync                       Flush the store to disk
//	destroy <id>               Drop a database
//	info                       Show store info
//	help                       Show this help
//	exit / quit / q            Exit
package main

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"
	"github.com/tailscale/hujson"

	"github.com/tchen0123/ikv/pkg/exfile"
	"github.com/tchen0123/ikv/pkg/ikv"
)

// Config holds CLI defaults loaded from an optional HuJSON config file.
type Config struct {
	DefaultDB uint32 `json:"default_db"` //nolint:tagliatelle // snake_case for config file
	Mode      string `json:"mode,omitempty"`
	Policy    string `json:"policy,omitempty"`
}

// defaultConfigPath returns $XDG_CONFIG_HOME/ikv/config.json or the
// ~/.config fallback. Empty when no home directory is known.
func defaultConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ikv", "config.json")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", "ikv", "config.json")
}

// loadConfig reads a HuJSON config file. A missing file yields defaults.
func loadConfig(path string) (Config, error) {
	cfg := Config{DefaultDB: 1}

	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	std, err := hujson.Standardize(raw)
	if err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := json.Unmarshal(std, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config %s: %w", path, err)
	}

	if cfg.DefaultDB == 0 {
		cfg.DefaultDB = 1
	}

	return cfg, nil
}

func parseMode(mode string) (ikv.DBFlags, error) {
	switch mode {
	case "", "bytes":
		return 0, nil
	case "u32":
		return ikv.Uint32Keys, nil
	case "u64":
		return ikv.Uint64Keys, nil
	case "dup32":
		return ikv.DupUint32Vals, nil
	case "dup64":
		return ikv.DupUint64Vals, nil
	default:
		return 0, fmt.Errorf("unknown mode %q (want bytes|u32|u64|dup32|dup64)", mode)
	}
}

func parsePolicy(policy string) (exfile.ResizePolicy, error) {
	switch {
	case policy == "" || policy == "page":
		return nil, nil
	case policy == "fib":
		return exfile.NewFibPolicy(), nil
	case strings.HasPrefix(policy, "ratio="):
		n, dn, ok := strings.Cut(strings.TrimPrefix(policy, "ratio="), "/")
		if !ok {
			return nil, fmt.Errorf("ratio policy wants ratio=N/DN, got %q", policy)
		}

		ni, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ratio numerator %q: %w", n, err)
		}

		dni, err := strconv.ParseInt(dn, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ratio denominator %q: %w", dn, err)
		}

		return exfile.NewRatioPolicy(ni, dni), nil
	default:
		return nil, fmt.Errorf("unknown policy %q (want page|fib|ratio=N/DN)", policy)
	}
}

func main() {
	os.Exit(run(os.Stdout, os.Stderr, os.Args[1:]))
}

func run(stdout, stderr io.Writer, args []string) int {
	flags := pflag.NewFlagSet("ikv", pflag.ContinueOnError)
	flags.SetOutput(stderr)

	dbID := flags.Uint32P("db", "d", 0, "database id to select on start")
	mode := flags.StringP("mode", "m", "", "database mode: bytes, u32, u64, dup32, dup64")
	policy := flags.StringP("policy", "p", "", "resize policy: page, fib, ratio=N/DN")
	readonly := flags.BoolP("readonly", "r", false, "open read-only")
	trunc := flags.BoolP("trunc", "t", false, "replace existing file content")
	confPath := flags.StringP("config", "c", defaultConfigPath(), "config file path")

	if err := flags.Parse(args); err != nil {
		return 2
	}

	if flags.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: ikv [opts] <store-file>")

		return 2
	}

	cfg, err := loadConfig(*confPath)
	if err != nil {
		fmt.Fprintln(stderr, "ikv:", err)

		return 1
	}

	if *dbID == 0 {
		*dbID = cfg.DefaultDB
	}

	if *mode == "" {
		*mode = cfg.Mode
	}

	if *policy == "" {
		*policy = cfg.Policy
	}

	dbFlags, err := parseMode(*mode)
	if err != nil {
		fmt.Fprintln(stderr, "ikv:", err)

		return 2
	}

	rp, err := parsePolicy(*policy)
	if err != nil {
		fmt.Fprintln(stderr, "ikv:", err)

		return 2
	}

	var openFlags ikv.OpenFlags
	if *readonly {
		openFlags |= ikv.Rdonly
	}

	if *trunc {
		openFlags |= ikv.Trunc
	}

	store, err := ikv.Open(ikv.Opts{
		Path:   flags.Arg(0),
		Flags:  openFlags,
		Policy: rp,
	})
	if err != nil {
		fmt.Fprintln(stderr, "ikv: open:", err)

		return 1
	}
	defer store.Close()

	db, err := store.DB(*dbID, dbFlags)
	if err != nil {
		fmt.Fprintln(stderr, "ikv: db:", err)

		return 1
	}

	sh := &shell{store: store, db: db, out: stdout}

	return sh.loop(stderr)
}

// shell is the REPL state.
type shell struct {
	store *ikv.Store
	db    *ikv.DB
	out   io.Writer
}

func (sh *shell) loop(stderr io.Writer) int {
	ln := liner.NewLiner()
	defer ln.Close()

	ln.SetCtrlCAborts(true)

	for {
		line, err := ln.Prompt(fmt.Sprintf("ikv:%d> ", sh.db.ID()))
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return 0
			}

			fmt.Fprintln(stderr, "ikv:", err)

			return 1
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		ln.AppendHistory(line)

		if line == "exit" || line == "quit" || line == "q" {
			return 0
		}

		if err := sh.dispatch(line); err != nil {
			fmt.Fprintln(sh.out, "error:", err)
		}
	}
}

func (sh *shell) dispatch(line string) error {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help":
		fmt.Fprint(sh.out, replHelp)

		return nil
	case "db":
		return sh.cmdDB(args)
	case "put", "putnx":
		return sh.cmdPut(cmd, args)
	case "get":
		return sh.cmdGet(args)
	case "del":
		return sh.cmdDel(args)
	case "scan", "rscan":
		return sh.cmdScan(cmd == "rscan", args)
	case "dupadd", "duprm", "dupin":
		return sh.cmdDup(cmd, args)
	case "dupnum":
		return sh.cmdDupNum(args)
	case "count":
		n, err := sh.db.Count()
		if err != nil {
			return err
		}

		fmt.Fprintln(sh.out, n)

		return nil
	case "check":
		return sh.cmdCheck()
	case "sync":
		return sh.store.Sync(0)
	case "destroy":
		return sh.cmdDestroy(args)
	case "info":
		return sh.cmdInfo()
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
}

const replHelp = `db <id> [mode]      select or create a database
put <key> <value>   insert or update
putnx <key> <value> insert only if absent
get <key>           retrieve
del <key>           delete
scan [limit]        ascending scan
rscan [limit]       descending scan
dupadd <key> <n>    add to duplicate array
duprm <key> <n>     remove from duplicate array
dupnum <key>        count duplicate array elements
dupin <key> <n>     duplicate array membership
count               count live records
check               structural integrity scan
sync                flush to disk
destroy <id>        drop a database
info                store info
exit                quit
`

// encodeKey turns a REPL key token into database key bytes: big-endian
// integers for integer-key modes, raw bytes otherwise.
func (sh *shell) encodeKey(tok string) ([]byte, error) {
	switch {
	case sh.db.Flags()&ikv.Uint32Keys != 0:
		n, err := strconv.ParseUint(tok, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", tok, err)
		}

		key := make([]byte, 4)
		binary.BigEndian.PutUint32(key, uint32(n))

		return key, nil
	case sh.db.Flags()&ikv.Uint64Keys != 0:
		n, err := strconv.ParseUint(tok, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", tok, err)
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, n)

		return key, nil
	default:
		return []byte(tok), nil
	}
}

func (sh *shell) formatKey(key []byte) string {
	switch {
	case sh.db.Flags()&ikv.Uint32Keys != 0 && len(key) == 4:
		return strconv.FormatUint(uint64(binary.BigEndian.Uint32(key)), 10)
	case sh.db.Flags()&ikv.Uint64Keys != 0 && len(key) == 8:
		return strconv.FormatUint(binary.BigEndian.Uint64(key), 10)
	default:
		return string(key)
	}
}

func (sh *shell) cmdDB(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: db <id> [mode]")
	}

	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("db id %q: %w", args[0], err)
	}

	mode := ""
	if len(args) > 1 {
		mode = args[1]
	}

	dbFlags, err := parseMode(mode)
	if err != nil {
		return err
	}

	db, err := sh.store.DB(uint32(id), dbFlags)
	if err != nil {
		return err
	}

	sh.db = db

	return nil
}

func (sh *shell) cmdPut(cmd string, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: %s <key> <value>", cmd)
	}

	key, err := sh.encodeKey(args[0])
	if err != nil {
		return err
	}

	var flags ikv.PutFlags
	if cmd == "putnx" {
		flags |= ikv.NoOverwrite
	}

	return sh.db.Put(key, []byte(args[1]), flags)
}

func (sh *shell) cmdGet(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: get <key>")
	}

	key, err := sh.encodeKey(args[0])
	if err != nil {
		return err
	}

	val, err := sh.db.Get(key)
	if err != nil {
		return err
	}

	fmt.Fprintf(sh.out, "%s\n", val)

	return nil
}

func (sh *shell) cmdDel(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: del <key>")
	}

	key, err := sh.encodeKey(args[0])
	if err != nil {
		return err
	}

	return sh.db.Delete(key)
}

func (sh *shell) cmdScan(reverse bool, args []string) error {
	limit := 100

	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("limit %q: %w", args[0], err)
		}

		limit = n
	}

	op := ikv.CursorBeforeFirst
	if reverse {
		op = ikv.CursorAfterLast
	}

	cur, err := sh.db.Cursor(op, nil)
	if err != nil {
		return err
	}
	defer cur.Close()

	advance := cur.Next
	if reverse {
		advance = cur.Prev
	}

	for i := 0; i < limit; i++ {
		if err := advance(); err != nil {
			if errors.Is(err, ikv.ErrNotFound) {
				break
			}

			return err
		}

		key, val, err := cur.Get()
		if err != nil {
			return err
		}

		fmt.Fprintf(sh.out, "%s = %s\n", sh.formatKey(key), val)
	}

	return nil
}

func (sh *shell) cmdDup(cmd string, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: %s <key> <n>", cmd)
	}

	key, err := sh.encodeKey(args[0])
	if err != nil {
		return err
	}

	v, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("element %q: %w", args[1], err)
	}

	switch cmd {
	case "dupadd":
		return sh.db.DupAdd(key, v)
	case "duprm":
		return sh.db.DupRemove(key, v)
	default:
		ok, err := sh.db.DupContains(key, v)
		if err != nil {
			return err
		}

		fmt.Fprintln(sh.out, ok)

		return nil
	}
}

func (sh *shell) cmdDupNum(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: dupnum <key>")
	}

	key, err := sh.encodeKey(args[0])
	if err != nil {
		return err
	}

	n, err := sh.db.DupNum(key)
	if err != nil {
		return err
	}

	fmt.Fprintln(sh.out, n)

	return nil
}

func (sh *shell) cmdCheck() error {
	st, err := sh.store.Check()
	if err != nil {
		return err
	}

	fmt.Fprintf(sh.out, "databases:   %d\n", st.Databases)
	fmt.Fprintf(sh.out, "records:     %d\n", st.Records)
	fmt.Fprintf(sh.out, "nodes:       %d\n", st.Nodes)
	fmt.Fprintf(sh.out, "kv blocks:   %d\n", st.KVBlocks)
	fmt.Fprintf(sh.out, "free kv:     %d\n", st.FreeKV)
	fmt.Fprintf(sh.out, "free nodes:  %d\n", st.FreeNodes)
	fmt.Fprintf(sh.out, "data end:    %d\n", st.DataEnd)
	fmt.Fprintf(sh.out, "file size:   %d\n", st.FileSize)

	return nil
}

func (sh *shell) cmdDestroy(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: destroy <id>")
	}

	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("db id %q: %w", args[0], err)
	}

	return sh.store.DestroyDB(uint32(id))
}

func (sh *shell) cmdInfo() error {
	fmt.Fprintf(sh.out, "path:        %s\n", sh.store.Path())
	fmt.Fprintf(sh.out, "database:    %d (flags %#x)\n", sh.db.ID(), uint32(sh.db.Flags()))
	fmt.Fprintf(sh.out, "last access: %s\n", sh.db.LastAccessTime())

	return nil
}
