// Copyright (c) 2015 Monetas.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package bolt implements store.Store on top of BoltDB, for a durable,
// single-process daemon. Records are gob-encoded and keyed by an
// auto-incrementing big-endian uint64 id within their bucket, following
// the bucket-per-collection layout the teacher's bdb package uses for
// its object store.
package bolt

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"

	"github.com/bitseal-go/bmcore/store"

	"github.com/boltdb/bolt"
)

var (
	addressesBucket = []byte("addresses")
	pubkeysBucket   = []byte("pubkeys")
	payloadsBucket  = []byte("payloads")
	messagesBucket  = []byte("messages")
	queueBucket     = []byte("queueRecords")

	allBuckets = [][]byte{addressesBucket, pubkeysBucket, payloadsBucket, messagesBucket, queueBucket}
)

// BoltStore is a store.Store backed by a BoltDB file.
type BoltStore struct {
	db *bolt.DB
}

var _ store.Store = (*BoltStore)(nil)

// Open opens (creating if necessary) a BoltDB-backed store at path.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
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

	return &BoltStore{db: db}, nil
}

// Close cleanly shuts down the underlying BoltDB file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func itob(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func nextID(tx *bolt.Tx, bucket []byte) (int64, error) {
	seq, err := tx.Bucket(bucket).NextSequence()
	if err != nil {
		return 0, err
	}
	return int64(seq), nil
}

// --- Address -----------------------------------------------------------

func (s *BoltStore) InsertAddress(a *store.Address) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		id, err = nextID(tx, addressesBucket)
		if err != nil {
			return err
		}
		a.ID = id
		return put(tx, addressesBucket, id, a)
	})
	return id, err
}

func (s *BoltStore) FetchAddress(id int64) (*store.Address, error) {
	var a store.Address
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(addressesBucket).Get(itob(id))
		if data == nil {
			return store.ErrNotFound
		}
		return decode(data, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) FetchAddressByString(address string) (*store.Address, error) {
	var found *store.Address
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(addressesBucket).ForEach(func(k, v []byte) error {
			if found != nil {
				return nil
			}
			var a store.Address
			if err := decode(v, &a); err != nil {
				return err
			}
			if a.AddressString == address {
				found = &a
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found, nil
}

func (s *BoltStore) ListAddresses() ([]*store.Address, error) {
	var out []*store.Address
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(addressesBucket).ForEach(func(k, v []byte) error {
			a := new(store.Address)
			if err := decode(v, a); err != nil {
				return err
			}
			out = append(out, a)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateAddress(a *store.Address) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(addressesBucket).Get(itob(a.ID)) == nil {
			return store.ErrNotFound
		}
		return put(tx, addressesBucket, a.ID, a)
	})
}

func (s *BoltStore) DeleteAddress(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(addressesBucket)
		if b.Get(itob(id)) == nil {
			return store.ErrNotFound
		}
		return b.Delete(itob(id))
	})
}

// --- Pubkey --------------------------------------------------------------

func (s *BoltStore) InsertPubkey(p *store.Pubkey) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		id, err = nextID(tx, pubkeysBucket)
		if err != nil {
			return err
		}
		p.ID = id
		return put(tx, pubkeysBucket, id, p)
	})
	return id, err
}

func (s *BoltStore) FetchPubkey(id int64) (*store.Pubkey, error) {
	var p store.Pubkey
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(pubkeysBucket).Get(itob(id))
		if data == nil {
			return store.ErrNotFound
		}
		return decode(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) FetchPubkeyByRipe(ripe [20]byte) (*store.Pubkey, error) {
	matches, err := s.ListPubkeysByRipe(ripe)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, store.ErrNotFound
	}
	return matches[0], nil
}

func (s *BoltStore) ListPubkeysByRipe(ripe [20]byte) ([]*store.Pubkey, error) {
	var out []*store.Pubkey
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pubkeysBucket).ForEach(func(k, v []byte) error {
			p := new(store.Pubkey)
			if err := decode(v, p); err != nil {
				return err
			}
			if p.Ripe == ripe {
				out = append(out, p)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeletePubkey(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pubkeysBucket)
		if b.Get(itob(id)) == nil {
			return store.ErrNotFound
		}
		return b.Delete(itob(id))
	})
}

// --- Payload -------------------------------------------------------------

func (s *BoltStore) InsertPayload(p *store.Payload) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		id, err = nextID(tx, payloadsBucket)
		if err != nil {
			return err
		}
		p.ID = id
		return put(tx, payloadsBucket, id, p)
	})
	return id, err
}

func (s *BoltStore) FetchPayload(id int64) (*store.Payload, error) {
	var p store.Payload
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(payloadsBucket).Get(itob(id))
		if data == nil {
			return store.ErrNotFound
		}
		return decode(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) ListPayloadsByRelatedAddressID(addressID int64) ([]*store.Payload, error) {
	var out []*store.Payload
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(payloadsBucket).ForEach(func(k, v []byte) error {
			p := new(store.Payload)
			if err := decode(v, p); err != nil {
				return err
			}
			if p.RelatedAddressID == addressID {
				out = append(out, p)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeletePayload(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(payloadsBucket)
		if b.Get(itob(id)) == nil {
			return store.ErrNotFound
		}
		return b.Delete(itob(id))
	})
}

// --- Message ---------------------------------------------------------------

func (s *BoltStore) InsertMessage(m *store.Message) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		id, err = nextID(tx, messagesBucket)
		if err != nil {
			return err
		}
		m.ID = id
		return put(tx, messagesBucket, id, m)
	})
	return id, err
}

func (s *BoltStore) FetchMessage(id int64) (*store.Message, error) {
	var m store.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(messagesBucket).Get(itob(id))
		if data == nil {
			return store.ErrNotFound
		}
		return decode(data, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *BoltStore) FetchMessageByAckData(ackData []byte) (*store.Message, error) {
	var found *store.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(messagesBucket).ForEach(func(k, v []byte) error {
			if found != nil {
				return nil
			}
			m := new(store.Message)
			if err := decode(v, m); err != nil {
				return err
			}
			if bytes.Equal(m.AckData, ackData) {
				found = m
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found, nil
}

func (s *BoltStore) UpdateMessage(m *store.Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(messagesBucket).Get(itob(m.ID)) == nil {
			return store.ErrNotFound
		}
		return put(tx, messagesBucket, m.ID, m)
	})
}

func (s *BoltStore) DeleteMessage(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(messagesBucket)
		if b.Get(itob(id)) == nil {
			return store.ErrNotFound
		}
		return b.Delete(itob(id))
	})
}

// --- QueueRecord -----------------------------------------------------------

func (s *BoltStore) InsertQueueRecord(q *store.QueueRecord) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		id, err = nextID(tx, queueBucket)
		if err != nil {
			return err
		}
		q.ID = id
		return put(tx, queueBucket, id, q)
	})
	return id, err
}

func (s *BoltStore) FetchQueueRecord(id int64) (*store.QueueRecord, error) {
	var q store.QueueRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(queueBucket).Get(itob(id))
		if data == nil {
			return store.ErrNotFound
		}
		return decode(data, &q)
	})
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *BoltStore) ListQueueRecordsByTask(task store.TaskKind) ([]*store.QueueRecord, error) {
	var out []*store.QueueRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(k, v []byte) error {
			q := new(store.QueueRecord)
			if err := decode(v, q); err != nil {
				return err
			}
			if q.Task == task {
				out = append(out, q)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListQueueRecordsByTaskAndObject0(task store.TaskKind, object0 int64) ([]*store.QueueRecord, error) {
	var out []*store.QueueRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(k, v []byte) error {
			q := new(store.QueueRecord)
			if err := decode(v, q); err != nil {
				return err
			}
			if q.Task == task && q.Object0 == object0 {
				out = append(out, q)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListDueQueueRecords(now int64) ([]*store.QueueRecord, error) {
	var out []*store.QueueRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(k, v []byte) error {
			q := new(store.QueueRecord)
			if err := decode(v, q); err != nil {
				return err
			}
			if q.TriggerTime <= now {
				out = append(out, q)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateQueueRecord(q *store.QueueRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(queueBucket).Get(itob(q.ID)) == nil {
			return store.ErrNotFound
		}
		return put(tx, queueBucket, q.ID, q)
	})
}

func (s *BoltStore) DeleteQueueRecord(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)
		if b.Get(itob(id)) == nil {
			return store.ErrNotFound
		}
		return b.Delete(itob(id))
	})
}

func put(tx *bolt.Tx, bucket []byte, id int64, v interface{}) error {
	data, err := encode(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put(itob(id), data)
}
