// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	manifold "github.com/dreamsxin/manifold"
)

var randomData = make([]byte, 1024*1024)

func init() {
	for i := range randomData {
		randomData[i] = byte(i * 2654435761)
	}
}

func BenchmarkCommit(b *testing.B) {
	sizes := []int{
		10,
		1024,
		100 * 1024,
	}
	sizeNames := []string{
		"10",
		"1k",
		"100k",
	}
	batchSizes := []int{1, 10}

	for i, s := range sizes {
		for _, bSize := range batchSizes {
			b.Run(fmt.Sprintf("valueSize=%s/batchSize=%d/v=Manifold", sizeNames[i], bSize), func(b *testing.B) {
				cf := openManifold(b)
				runCommitBench(b, func(base int) error {
					txn, err := cf.BeginWrite()
					if err != nil {
						return err
					}
					tbl, err := txn.OpenTable(manifold.TableDefinition{Name: "bench", KeyType: "u64", ValueType: "bytes"})
					if err != nil {
						txn.Abort()
						return err
					}
					for j := 0; j < bSize; j++ {
						if err := tbl.Insert(benchKey(base+j), randomData[:s]); err != nil {
							txn.Abort()
							return err
						}
					}
					txn.SetDurability(manifold.DurabilityNone)
					return txn.Commit()
				})
			})
			b.Run(fmt.Sprintf("valueSize=%s/batchSize=%d/v=Bolt", sizeNames[i], bSize), func(b *testing.B) {
				db := openBolt(b)
				runCommitBench(b, func(base int) error {
					return db.Update(func(tx *bolt.Tx) error {
						bkt, err := tx.CreateBucketIfNotExists([]byte("bench"))
						if err != nil {
							return err
						}
						for j := 0; j < bSize; j++ {
							if err := bkt.Put(benchKey(base+j), randomData[:s]); err != nil {
								return err
							}
						}
						return nil
					})
				})
			})
		}
	}
}

func benchKey(i int) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(i))
	return k[:]
}

func openManifold(b *testing.B) *manifold.ColumnFamily {
	db, err := manifold.Open(filepath.Join(b.TempDir(), "bench.manifold"))
	require.NoError(b, err)
	b.Cleanup(func() { db.Close() })

	cf, err := db.CreateColumnFamily("bench", 8<<20)
	require.NoError(b, err)
	return cf
}

func openBolt(b *testing.B) *bolt.DB {
	db, err := bolt.Open(filepath.Join(b.TempDir(), "bench.bolt"), 0o600, &bolt.Options{NoSync: true})
	require.NoError(b, err)
	b.Cleanup(func() { db.Close() })
	return db
}

func runCommitBench(b *testing.B, commit func(base int) error) {
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := commit(i); err != nil {
			b.Fatalf("error committing: %s", err)
		}
	}
}
