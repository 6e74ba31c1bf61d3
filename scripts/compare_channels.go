//go:build ignore

// compare_channels reports where the channel records of two stopped nodes
// disagree. Both parties of a channel store it under the same id with the
// same canonical balances, so any difference besides signer is a fault.
//
// Usage: go run scripts/compare_channels.go <db1_path> <db2_path>
package main

import (
	"fmt"
	"os"

	"Paylane/internal/channel"
	"Paylane/internal/records"
	"Paylane/internal/storage"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <db1_path> <db2_path>\n", os.Args[0])
		os.Exit(1)
	}

	db1Path := os.Args[1]
	db2Path := os.Args[2]

	recs1 := load(db1Path)
	recs2 := load(db2Path)

	fmt.Printf("DB1 (%s): %d channels\n", db1Path, len(recs1))
	fmt.Printf("DB2 (%s): %d channels\n", db2Path, len(recs2))

	shared, different := 0, 0

	for id, a := range recs1 {
		b, ok := recs2[id]
		if !ok {
			continue
		}
		shared++

		if !a.SameTerms(b) {
			different++
			fmt.Printf("  %s differs:\n      DB1 %s\n      DB2 %s\n", id.Short(), describe(a), describe(b))
		}
	}

	fmt.Printf("\n%d shared channels, %d differ\n", shared, different)

	if different > 0 {
		os.Exit(1)
	}
}

// load reads every channel record of the store at path.
func load(path string) map[channel.ID]*channel.SignedState {
	db, err := storage.New(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", path, err)
		os.Exit(1)
	}
	defer db.Close()

	out := make(map[channel.ID]*channel.SignedState)

	err = records.New(db).Scan(func(rec *channel.SignedState) error {
		out[rec.Channel] = rec
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan %s: %v\n", path, err)
		os.Exit(1)
	}

	return out
}

// describe renders a record's kind, iteration and balances.
func describe(rec *channel.SignedState) string {
	a, total, err := channel.Balances(rec.State)
	if err != nil {
		return fmt.Sprintf("%s iteration %d", rec.State.Kind(), rec.Iteration)
	}

	return fmt.Sprintf("%s iteration %d balance_a %s of %s", rec.State.Kind(), rec.Iteration, a.Dec(), total.Dec())
}
