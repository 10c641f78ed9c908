// Command chaingen pre-generates the hash chain the server consumes. Run
// it once before first start, with a length large enough to outlast the
// deployment (production should use millions of entries):
//
//	chaingen -db crash.db -length 1000000
//
// It prints the commitment digest (entry 0); publish it before play so
// observers can later verify no hash was produced after the fact.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/MJE43/crash-engine-go/internal/chain"
	"github.com/MJE43/crash-engine-go/internal/store"
)

const insertBatch = 10000

func main() {
	dbPath := flag.String("db", "crash.db", "path to the sqlite database")
	length := flag.Int64("length", 1_000_000, "number of chain entries to generate")
	flag.Parse()

	if *length < 2 {
		log.Fatal("length must be at least 2 (commitment plus one round)")
	}

	db, err := store.NewSQLiteDB(*dbPath)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal(err)
	}

	if existing, err := db.ChainLength(); err != nil {
		log.Fatal(err)
	} else if existing > 0 {
		log.Fatalf("database already holds a chain of %d entries; refusing to mix chains", existing)
	}

	terminal, err := chain.RandomTerminal()
	if err != nil {
		log.Fatal(err)
	}

	log.Printf("generating %d entries...", *length)
	digests := chain.Generate(terminal, *length)

	for start := int64(0); start < *length; start += insertBatch {
		end := start + insertBatch
		if end > *length {
			end = *length
		}
		entries := make([]store.ChainEntry, 0, end-start)
		for i := start; i < end; i++ {
			entries = append(entries, store.ChainEntry{Index: i, Hash: digests[i]})
		}
		if err := db.AppendChainEntries(entries); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("\rinserted %d / %d (%.1f%%)", end, *length, 100*float64(end)/float64(*length))
	}
	fmt.Println()

	log.Printf("done; publish this commitment before play: %s", digests[0])
}
