package main

import (
	"fmt"
	"log"

	"go.uber.org/zap"

	"segfs/pkg/common"
	"segfs/pkg/config"
	"segfs/pkg/core"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	store, err := core.Open(cfg, logger)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	key := common.Key("inode.10086")
	value := []byte("Hello, segfs!")

	fmt.Printf("Writing: Key=%s, Val=%s\n", key, value)
	if err := store.Put(key, value); err != nil {
		log.Fatalf("Put failed: %v", err)
	}

	fmt.Printf("Reading Key=%s...\n", key)
	val, err := store.Get(key)
	if err != nil {
		log.Fatalf("Get failed: %v", err)
	}
	fmt.Printf("Got Value: %s\n", string(val))

	if err := store.Flush(); err != nil {
		log.Fatalf("Flush failed: %v", err)
	}

	recs, err := store.Scan(common.Key("inode."), common.Key("inode.~"))
	if err != nil {
		log.Fatalf("Scan failed: %v", err)
	}
	for _, rec := range recs {
		fmt.Printf("Scanned: %s\n", &rec)
	}

	fmt.Printf("Stats: %v\n", store.Stats())
}
