// wrongo-bench runs a simple concurrent insert+read workload against
// the storage core and reports throughput.
package main

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"

	"github.com/gabrielelanaro/wrongo/api"
)

func main() {
	dir := pflag.String("dir", "./data-wrongo-bench", "database directory")
	duration := pflag.Duration("duration", 5*time.Second, "benchmark duration")
	concurrency := pflag.Int("concurrency", 8, "number of concurrent sessions")
	pageSize := pflag.Int("page-size", 4096, "page size in bytes")
	syncIntervalMS := pflag.Int("wal-sync-interval-ms", 100, "group-commit flush cadence (0 = sync per commit)")
	keep := pflag.Bool("keep", false, "keep the database directory after the run")
	pflag.Parse()

	if !*keep {
		defer os.RemoveAll(*dir)
	}

	fmt.Println("wrongo storage core benchmark")
	fmt.Println(strings.Repeat("=", 40))
	fmt.Printf("duration:    %v\n", *duration)
	fmt.Printf("concurrency: %d\n", *concurrency)
	fmt.Printf("page size:   %d\n", *pageSize)

	cfg := api.DefaultConfig()
	cfg.PageSize = *pageSize
	cfg.WALSyncIntervalMS = *syncIntervalMS

	conn, err := api.Open(*dir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	var writes, reads, conflicts atomic.Int64
	stop := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			sess := conn.OpenSession()
			n := 0
			for {
				select {
				case <-stop:
					return
				default:
				}
				key := []byte(fmt.Sprintf("w%d-k%d", worker, n))
				val := []byte("benchmark-value")
				if err := sess.Insert("main", key, val); err != nil {
					conflicts.Add(1)
					continue
				}
				writes.Add(1)
				if _, _, err := sess.Get("main", key); err == nil {
					reads.Add(1)
				}
				n++
			}
		}(i)
	}

	time.Sleep(*duration)
	close(stop)
	wg.Wait()

	elapsed := duration.Seconds()
	fmt.Println()
	fmt.Printf("writes:    %d (%.0f/s)\n", writes.Load(), float64(writes.Load())/elapsed)
	fmt.Printf("reads:     %d (%.0f/s)\n", reads.Load(), float64(reads.Load())/elapsed)
	fmt.Printf("conflicts: %d\n", conflicts.Load())

	if err := conn.Checkpoint(); err != nil {
		fmt.Fprintf(os.Stderr, "checkpoint: %v\n", err)
	}
}
