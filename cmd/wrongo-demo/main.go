// Command wrongo-demo showcases the storage core end to end: open a
// database, run a transaction, range-scan it, checkpoint, and reopen
// to show durability. It is purely a driver over the api package.
package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/gabrielelanaro/wrongo/api"
)

func main() {
	dir := pflag.String("dir", "./data-wrongo-demo", "database directory")
	pageSize := pflag.Int("page-size", 4096, "page size in bytes")
	keep := pflag.Bool("keep", false, "keep the database directory after the demo exits")
	pflag.Parse()

	fmt.Println(strings.Repeat("=", 72))
	fmt.Println("wrongo storage core demo")
	fmt.Println(strings.Repeat("=", 72))

	if !*keep {
		defer os.RemoveAll(*dir)
	}

	cfg := api.DefaultConfig()
	cfg.PageSize = *pageSize

	conn, err := api.Open(*dir, cfg)
	if err != nil {
		log.Fatalf("open: %v", err)
	}

	fmt.Println("\n[write]")
	sess := conn.OpenSession()
	txn, err := sess.Begin()
	if err != nil {
		log.Fatalf("begin: %v", err)
	}
	cur, err := txn.Cursor("main")
	if err != nil {
		log.Fatalf("cursor: %v", err)
	}
	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("user:%04d", i))
		val := []byte(fmt.Sprintf(`{"n":%d}`, i))
		if err := cur.Insert(key, val); err != nil {
			log.Fatalf("insert: %v", err)
		}
		fmt.Printf("  put %s\n", key)
	}
	if err := txn.Commit(); err != nil {
		log.Fatalf("commit: %v", err)
	}

	fmt.Println("\n[range user:0003..user:0007]")
	rtxn, err := sess.Begin()
	if err != nil {
		log.Fatalf("begin: %v", err)
	}
	rcur, err := rtxn.Cursor("main")
	if err != nil {
		log.Fatalf("cursor: %v", err)
	}
	it, err := rcur.Range([]byte("user:0003"), []byte("user:0007"))
	if err != nil {
		log.Fatalf("range: %v", err)
	}
	for {
		k, v, ok, err := it.Next()
		if err != nil {
			log.Fatalf("next: %v", err)
		}
		if !ok {
			break
		}
		fmt.Printf("  %s = %s\n", k, v)
	}
	_ = rtxn.Abort()

	fmt.Println("\n[checkpoint + reopen]")
	if err := conn.Checkpoint(); err != nil {
		log.Fatalf("checkpoint: %v", err)
	}
	if err := conn.Close(); err != nil {
		log.Fatalf("close: %v", err)
	}

	conn2, err := api.Open(*dir, cfg)
	if err != nil {
		log.Fatalf("reopen: %v", err)
	}
	defer conn2.Close()

	val, found, err := conn2.OpenSession().Get("main", []byte("user:0005"))
	if err != nil {
		log.Fatalf("get: %v", err)
	}
	fmt.Printf("  user:0005 found=%v value=%s\n", found, val)

	fmt.Println("\ndone.")
}
