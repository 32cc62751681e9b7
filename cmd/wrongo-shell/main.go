// wrongo-shell is a line-edited REPL over the storage core's
// session/cursor surface, standing in for the wire-protocol server so
// the core can be driven by hand.
//
// Commands:
//
//	begin                    Start an explicit transaction
//	get <key>                Read a key (auto-commits if no txn active)
//	put <key> <value>        Insert/update a key
//	del <key>                Delete a key
//	range <lo> <hi>          Scan [lo, hi)
//	commit                   Commit the active transaction
//	abort                    Abort the active transaction
//	checkpoint               Force a checkpoint
//	table <name>             Switch the active table (default: main)
//	help                     Show this help
//	exit / quit              Leave the shell
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"

	"github.com/gabrielelanaro/wrongo/api"
)

func main() {
	dir := pflag.StringP("dir", "d", "./data-wrongo-shell", "database directory")
	pflag.Parse()

	conn, err := api.Open(*dir, api.DefaultConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	r := &repl{conn: conn, sess: conn.OpenSession(), table: "main"}
	r.run()
}

type repl struct {
	conn  *api.Connection
	sess  *api.Session
	txn   *api.Txn
	table string
	liner *liner.State
}

func (r *repl) run() {
	r.liner = liner.NewLiner()
	defer r.liner.Close()
	r.liner.SetCtrlCAborts(true)

	histPath := filepath.Join(os.TempDir(), "wrongo-shell-history")
	if f, err := os.Open(histPath); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	for {
		line, err := r.liner.Prompt(r.prompt())
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.liner.AppendHistory(line)
		if r.dispatch(line) {
			break
		}
	}

	if f, err := os.Create(histPath); err == nil {
		r.liner.WriteHistory(f)
		f.Close()
	}
}

func (r *repl) prompt() string {
	if r.txn != nil {
		return fmt.Sprintf("wrongo[%s:txn]> ", r.table)
	}
	return fmt.Sprintf("wrongo[%s]> ", r.table)
}

func (r *repl) dispatch(line string) (exit bool) {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "exit", "quit":
		return true
	case "help":
		fmt.Println("commands: begin get put del range commit abort checkpoint table help exit")
	case "table":
		if len(args) != 1 {
			fmt.Println("usage: table <name>")
			return false
		}
		r.table = args[0]
	case "begin":
		txn, err := r.sess.Begin()
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		r.txn = txn
	case "commit":
		if r.txn == nil {
			fmt.Println("no active transaction")
			return false
		}
		if err := r.txn.Commit(); err != nil {
			fmt.Println("error:", err)
		}
		r.txn = nil
	case "abort":
		if r.txn == nil {
			fmt.Println("no active transaction")
			return false
		}
		if err := r.txn.Abort(); err != nil {
			fmt.Println("error:", err)
		}
		r.txn = nil
	case "checkpoint":
		if err := r.conn.Checkpoint(); err != nil {
			fmt.Println("error:", err)
		}
	case "get":
		if len(args) != 1 {
			fmt.Println("usage: get <key>")
			return false
		}
		r.withCursor(func(c *api.Cursor) error {
			v, found, err := c.Get([]byte(args[0]))
			if err != nil {
				return err
			}
			if !found {
				fmt.Println("(not found)")
				return nil
			}
			fmt.Println(string(v))
			return nil
		})
	case "put":
		if len(args) < 2 {
			fmt.Println("usage: put <key> <value>")
			return false
		}
		value := strings.Join(args[1:], " ")
		r.withCursor(func(c *api.Cursor) error {
			return c.Insert([]byte(args[0]), []byte(value))
		})
	case "del":
		if len(args) != 1 {
			fmt.Println("usage: del <key>")
			return false
		}
		r.withCursor(func(c *api.Cursor) error {
			return c.Delete([]byte(args[0]))
		})
	case "range":
		if len(args) != 2 {
			fmt.Println("usage: range <lo> <hi>")
			return false
		}
		r.withCursor(func(c *api.Cursor) error {
			it, err := c.Range([]byte(args[0]), []byte(args[1]))
			if err != nil {
				return err
			}
			for {
				k, v, ok, err := it.Next()
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				fmt.Printf("%s = %s\n", k, v)
			}
			return nil
		})
	default:
		fmt.Printf("unknown command: %s (try 'help')\n", cmd)
	}
	return false
}

// withCursor runs fn against a cursor on the active transaction, or a
// fresh auto-commit transaction if none is active.
func (r *repl) withCursor(fn func(*api.Cursor) error) {
	txn := r.txn
	owned := false
	if txn == nil {
		var err error
		txn, err = r.sess.Begin()
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		owned = true
	}

	cur, err := txn.Cursor(r.table)
	if err != nil {
		fmt.Println("error:", err)
		if owned {
			txn.Abort()
		}
		return
	}

	if err := fn(cur); err != nil {
		fmt.Println("error:", err)
		if owned {
			txn.Abort()
		}
		return
	}
	if owned {
		if err := txn.Commit(); err != nil {
			fmt.Println("error:", err)
		}
	}
}
