/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package agent implements the endpoint collection agent: a file
// tailer, a durable on-disk buffer, and a forwarder that batches and
// POSTs collected records to the ingestion gateway, all backed by a
// single embedded bbolt store (positions + buffer).
package agent

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketPositions = []byte("positions")
	bucketBuffer    = []byte("buffer")
	bucketMeta      = []byte("meta")
)

// Record is one collected line or OS event.
type Record struct {
	Source string    `json:"source"` // file path or OS channel name
	Type   string    `json:"type"`   // configured type; "file" or "winevent" when unset
	TS     time.Time `json:"ts"`
	Bytes  []byte    `json:"bytes"`
}

// Store is the single bbolt handle backing both the position table and
// the buffer queue. bbolt serializes writers internally, so every
// tailer, the forwarder, and the position tracker share this one
// *Store without any additional locking layered on top.
type Store struct {
	db *bolt.DB
}

func Open(dataDir string) (*Store, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "agent.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("agent: open store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketPositions, bucketBuffer, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// positionKey is keyed by inode+path so a rotated-then-restored file
// at the same path but a different inode is never confused with its
// predecessor's offset.
func positionKey(inode uint64, path string) []byte {
	return []byte(fmt.Sprintf("%d|%s", inode, path))
}

// GetPosition returns the last-read byte offset for (inode, path), or 0
// if unseen.
func (s *Store) GetPosition(inode uint64, path string) (int64, error) {
	var offset int64
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPositions).Get(positionKey(inode, path))
		if v == nil {
			return nil
		}
		offset = int64(binary.BigEndian.Uint64(v))
		return nil
	})
	return offset, err
}

// SetPosition persists the byte offset so a restart resumes exactly
// where the tailer left off.
func (s *Store) SetPosition(inode uint64, path string, offset int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(offset))
		return tx.Bucket(bucketPositions).Put(positionKey(inode, path), buf)
	})
}

// Enqueue appends rec to the buffer under the next monotonic sequence
// number, big-endian encoded so bbolt's key-sort order is FIFO order.
func (s *Store) Enqueue(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("agent: marshal record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBuffer)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

// Depth reports the number of buffered, undrained records — the
// forwarder's batch_size trigger and the tailer's backpressure signal
// both read this.
func (s *Store) Depth() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBuffer).ForEach(func(_, _ []byte) error {
			count++
			return nil
		})
	})
	return count, err
}

// BufferedBatch is one drained record together with the bbolt key it
// came from, so Ack can delete exactly the keys that were forwarded
// successfully.
type BufferedBatch struct {
	Key    []byte
	Record Record
}

// Peek returns up to max buffered records in FIFO order without
// removing them — removal only happens via Ack, once the forwarder's
// POST has succeeded. On non-2xx or network failure the keys stay
// and the batch is retried.
func (s *Store) Peek(max int) ([]BufferedBatch, error) {
	var out []BufferedBatch
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBuffer).Cursor()
		for k, v := c.First(); k != nil && len(out) < max; k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			out = append(out, BufferedBatch{Key: append([]byte(nil), k...), Record: rec})
		}
		return nil
	})
	return out, err
}

// Ack removes the given keys from the buffer after a successful
// forward.
func (s *Store) Ack(keys [][]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBuffer)
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// getMeta and putMeta back small pieces of miscellaneous agent state —
// e.g. the Windows Event Log bookmarks in channel_windows.go — in the
// same bbolt handle as positions and the buffer, so every piece of
// agent state shares one on-disk file and one writer lock.
func (s *Store) getMeta(key []byte) ([]byte, error) {
	var v []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketMeta).Get(key); b != nil {
			v = append([]byte(nil), b...)
		}
		return nil
	})
	return v, err
}

func (s *Store) putMeta(key, val []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(key, val)
	})
}
