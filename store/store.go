// Package store provides crash-safe key/value durability for day proofs,
// committed blocks, and validator-set state: one bbolt bucket per
// entity, fsync on every commit (bbolt's default NoSync=false).
package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketProofs     = []byte("proof_by_day")
	bucketBlocks     = []byte("block_by_epoch")
	bucketValidators = []byte("validators")
	bucketBlacklist  = []byte("blacklist")
	bucketMeta       = []byte("meta") // holds the "current_day" scalar
)

var currentDayKey = []byte("current_day")

// DB is the validator's single crash-safe KV store. All writes are
// serialized through bbolt's single-writer transaction; reads may run
// concurrently.
type DB struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt database at <dataDir>/chorus.db.
func Open(dataDir string) (*DB, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("store: data dir required")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "chorus.db")
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bbolt: %w", err)
	}
	d := &DB{db: bdb}
	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketProofs, bucketBlocks, bucketValidators, bucketBlacklist, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("store: create bucket %s: %w", string(b), err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return d, nil
}

// Close releases the underlying database file.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// PutProof stores the serialized DayProof for day, fsync'd on commit.
func (d *DB) PutProof(day uint32, serialized []byte) error {
	key := dayKey(day)
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProofs).Put(key, serialized)
	})
}

// GetProof returns the serialized DayProof for day, or ok=false if absent.
func (d *DB) GetProof(day uint32) (out []byte, ok bool, err error) {
	key := dayKey(day)
	err = d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketProofs).Get(key)
		if v == nil {
			return nil
		}
		out = append([]byte(nil), v...)
		ok = true
		return nil
	})
	return out, ok, err
}

// HighestContiguousProofDay scans from day 0 upward and returns the
// highest day for which a proof is stored with no gap below it.
func (d *DB) HighestContiguousProofDay() (highest uint32, found bool, err error) {
	err = d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProofs)
		var day uint32
		for {
			if b.Get(dayKey(day)) == nil {
				break
			}
			highest = day
			found = true
			if day == ^uint32(0) {
				break
			}
			day++
		}
		return nil
	})
	return highest, found, err
}

// PutBlock stores the serialized committed block for epoch.
func (d *DB) PutBlock(epoch uint64, serialized []byte) error {
	key := epochKey(epoch)
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocks).Put(key, serialized)
	})
}

// GetBlock returns the serialized block for epoch, or ok=false if absent.
func (d *DB) GetBlock(epoch uint64) (out []byte, ok bool, err error) {
	key := epochKey(epoch)
	err = d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlocks).Get(key)
		if v == nil {
			return nil
		}
		out = append([]byte(nil), v...)
		ok = true
		return nil
	})
	return out, ok, err
}

// PutValidators overwrites the serialized active validator set.
func (d *DB) PutValidators(serialized []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketValidators).Put([]byte("active"), serialized)
	})
}

// GetValidators returns the serialized active validator set, or ok=false
// if never written.
func (d *DB) GetValidators() (out []byte, ok bool, err error) {
	err = d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketValidators).Get([]byte("active"))
		if v == nil {
			return nil
		}
		out = append([]byte(nil), v...)
		ok = true
		return nil
	})
	return out, ok, err
}

// PutBlacklist overwrites the serialized blacklist set.
func (d *DB) PutBlacklist(serialized []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlacklist).Put([]byte("blacklist"), serialized)
	})
}

// GetBlacklist returns the serialized blacklist set, or ok=false if never
// written.
func (d *DB) GetBlacklist() (out []byte, ok bool, err error) {
	err = d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlacklist).Get([]byte("blacklist"))
		if v == nil {
			return nil
		}
		out = append([]byte(nil), v...)
		ok = true
		return nil
	})
	return out, ok, err
}

// SetCurrentDay persists the last-advanced day counter.
func (d *DB) SetCurrentDay(day uint32) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(currentDayKey, dayKey(day))
	})
}

// CurrentDay returns the last-advanced day counter, or ok=false if unset
// (a fresh node).
func (d *DB) CurrentDay() (day uint32, ok bool, err error) {
	err = d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(currentDayKey)
		if v == nil {
			return nil
		}
		if len(v) != 4 {
			return fmt.Errorf("store: corrupt current_day value")
		}
		day = binary.BigEndian.Uint32(v)
		ok = true
		return nil
	})
	return day, ok, err
}

func dayKey(day uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], day)
	return b[:]
}

func epochKey(epoch uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], epoch)
	return b[:]
}
