// Package store provides crash-recovery persistence for the template
// registry: the extranonce1 counter high-water mark (so a restart never
// reissues an extranonce1 already handed to a miner) and a durable
// submission log kept for forensics and audit across restarts.
package store

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	metaBucket    = []byte("meta")
	submitsBucket = []byte("submits")

	extranonceKey = []byte("extranonce_highwater")
)

// submitRecord is the cbor-encoded value stored per accepted submission,
// keyed by job id + the (e1,e2,ntime,nonce) tuple.
type submitRecord struct {
	AcceptedAt int64 `cbor:"1,keyasint"`
}

// BoltStore is a bbolt-backed store for registry crash-recovery state.
type BoltStore struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewBoltStore opens (creating if necessary) the bbolt database at path.
func NewBoltStore(path string, logger *zap.Logger) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(submitsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	return &BoltStore{db: db, logger: logger}, nil
}

// Close releases the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SaveExtranonceHighWater persists the extranonce1 counter's high-water
// mark (the registry passes the low 24 bits of the value it just handed
// out), so a restart resumes above the last value handed out.
func (s *BoltStore) SaveExtranonceHighWater(next uint32) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], next)
		return tx.Bucket(metaBucket).Put(extranonceKey, buf[:])
	})
}

// LoadExtranonceHighWater returns the persisted counter value, or
// ok=false if none has been saved yet.
func (s *BoltStore) LoadExtranonceHighWater() (next uint32, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(extranonceKey)
		if v == nil {
			return nil
		}
		if len(v) != 4 {
			return fmt.Errorf("corrupt extranonce high-water record: %d bytes", len(v))
		}
		next = binary.BigEndian.Uint32(v)
		ok = true
		return nil
	})
	return next, ok, err
}

// RecordSubmit persists an accepted (jobID, key) submission tuple and
// reports whether it was new. A false return means the tuple was already
// recorded. This mirrors the in-memory duplicate guard in
// work.BlockTemplate.RegisterSubmit for crash forensics and auditing;
// nothing currently reloads these records back into a job's in-memory
// guard, so a restart relies on the node handing out a fresh template
// (and therefore a fresh job id) rather than on this log being replayed.
func (s *BoltStore) RecordSubmit(jobID string, key [16]byte, acceptedAt time.Time) (bool, error) {
	dbKey := submitDBKey(jobID, key)
	isNew := false

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(submitsBucket)
		if b.Get(dbKey) != nil {
			return nil
		}
		isNew = true
		val, err := cbor.Marshal(submitRecord{AcceptedAt: acceptedAt.Unix()})
		if err != nil {
			return fmt.Errorf("encode submit record: %w", err)
		}
		return b.Put(dbKey, val)
	})
	return isNew, err
}

// PruneJob removes every persisted submission tuple for jobID, called
// once a job's prevhash bucket has turned over and its duplicate-guard
// state is no longer reachable in memory either.
func (s *BoltStore) PruneJob(jobID string) error {
	prefix := []byte(jobID + "|")
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(submitsBucket)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func submitDBKey(jobID string, key [16]byte) []byte {
	k := make([]byte, 0, len(jobID)+1+len(key))
	k = append(k, jobID...)
	k = append(k, '|')
	k = append(k, key[:]...)
	return k
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
