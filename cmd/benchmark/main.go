package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"go.uber.org/zap"

	"segfs/pkg/common"
	"segfs/pkg/config"
	"segfs/pkg/core"
)

func main() {
	dir := flag.String("dir", "", "data directory (default: temp dir)")
	nOps := flag.Int("n", 50000, "number of operations per run")
	valSize := flag.Int("val", 100, "value size in bytes")
	flag.Parse()

	path := *dir
	if path == "" {
		tmp, err := os.MkdirTemp("", "segfs-bench-*")
		if err != nil {
			log.Fatalf("temp dir: %v", err)
		}
		defer os.RemoveAll(tmp)
		path = tmp
	}

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.Storage.Path = path

	store, err := core.Open(cfg, zap.NewNop())
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	fmt.Printf("segfs benchmark (N=%d, val=%dB, dir=%s)\n", *nOps, *valSize, path)
	fmt.Println("---------------------------------------------------")

	val := make([]byte, *valSize)
	rand.Read(val)

	start := time.Now()
	for i := 0; i < *nOps; i++ {
		key := common.Key(fmt.Sprintf("bench.%012d", i))
		if err := store.Put(key, val); err != nil {
			log.Fatalf("put %s: %v", key, err)
		}
	}
	putTime := time.Since(start)
	fmt.Printf("   Put   Time: %v | QPS: %.0f\n", putTime, float64(*nOps)/putTime.Seconds())

	start = time.Now()
	if err := store.Flush(); err != nil {
		log.Fatalf("flush: %v", err)
	}
	fmt.Printf("   Flush Time: %v\n", time.Since(start))

	start = time.Now()
	for i := 0; i < *nOps; i++ {
		key := common.Key(fmt.Sprintf("bench.%012d", rand.Intn(*nOps)))
		if _, err := store.Get(key); err != nil {
			log.Fatalf("get %s: %v", key, err)
		}
	}
	getTime := time.Since(start)
	fmt.Printf("   Get   Time: %v | QPS: %.0f\n", getTime, float64(*nOps)/getTime.Seconds())

	fmt.Println("---------------------------------------------------")
	fmt.Printf("Stats: %v\n", store.Stats())
}
