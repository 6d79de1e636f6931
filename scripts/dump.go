package main

import (
	"fmt"
	"log"
	"unicode"

	"github.com/dgraph-io/badger/v4"
)

const dbPath = "./db/badger/catalog"

// Dumps the token catalog BadgerDB for local inspection.
func main() {
	db, err := badger.Open(badger.DefaultOptions(dbPath).WithReadOnly(true))
	if err != nil {
		log.Fatalf("Failed to open BadgerDB: %v", err)
	}
	defer db.Close()

	fmt.Println("Dumping token catalog contents...")

	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		count := 0
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())

			err := item.Value(func(val []byte) error {
				if isPrintable(val) {
					fmt.Printf("%s => %s\n", key, string(val))
				} else {
					fmt.Printf("%s => (%d binary bytes)\n", key, len(val))
				}
				return nil
			})
			if err != nil {
				return err
			}
			count++
		}
		fmt.Printf("Total keys: %d\n", count)
		return nil
	})
	if err != nil {
		log.Fatalf("Failed to iterate BadgerDB: %v", err)
	}
}

func isPrintable(data []byte) bool {
	for _, r := range string(data) {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
