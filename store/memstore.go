// Copyright (c) 2015 Monetas.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import "sync"

var _ Store = (*MemStore)(nil)

// MemStore is a memory-only Store implementation. It is not persistent
// and is intended for tests and short-lived runs, mirroring the role the
// teacher's memdb package played for its database.Db interface.
type MemStore struct {
	sync.RWMutex

	addresses     map[int64]*Address
	pubkeys       map[int64]*Pubkey
	payloads      map[int64]*Payload
	messages      map[int64]*Message
	queueRecords  map[int64]*QueueRecord

	nextAddressID int64
	nextPubkeyID  int64
	nextPayloadID int64
	nextMessageID int64
	nextQueueID   int64

	closed bool
}

// NewMemStore returns a new memory-only Store ready for use.
func NewMemStore() *MemStore {
	return &MemStore{
		addresses:    make(map[int64]*Address),
		pubkeys:      make(map[int64]*Pubkey),
		payloads:     make(map[int64]*Payload),
		messages:     make(map[int64]*Message),
		queueRecords: make(map[int64]*QueueRecord),
	}
}

// Close marks the store closed. All data is discarded, since it was
// never persisted.
func (s *MemStore) Close() error {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	return nil
}

func (s *MemStore) InsertAddress(a *Address) (int64, error) {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.nextAddressID++
	a.ID = s.nextAddressID
	copied := *a
	s.addresses[a.ID] = &copied
	return a.ID, nil
}

func (s *MemStore) FetchAddress(id int64) (*Address, error) {
	s.RLock()
	defer s.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	a, ok := s.addresses[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *a
	return &copied, nil
}

func (s *MemStore) FetchAddressByString(address string) (*Address, error) {
	s.RLock()
	defer s.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	for _, a := range s.addresses {
		if a.AddressString == address {
			copied := *a
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) ListAddresses() ([]*Address, error) {
	s.RLock()
	defer s.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]*Address, 0, len(s.addresses))
	for _, a := range s.addresses {
		copied := *a
		out = append(out, &copied)
	}
	return out, nil
}

func (s *MemStore) UpdateAddress(a *Address) error {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.addresses[a.ID]; !ok {
		return ErrNotFound
	}
	copied := *a
	s.addresses[a.ID] = &copied
	return nil
}

func (s *MemStore) DeleteAddress(id int64) error {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.addresses[id]; !ok {
		return ErrNotFound
	}
	delete(s.addresses, id)
	return nil
}

func (s *MemStore) InsertPubkey(p *Pubkey) (int64, error) {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.nextPubkeyID++
	p.ID = s.nextPubkeyID
	copied := *p
	s.pubkeys[p.ID] = &copied
	return p.ID, nil
}

func (s *MemStore) FetchPubkey(id int64) (*Pubkey, error) {
	s.RLock()
	defer s.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	p, ok := s.pubkeys[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (s *MemStore) FetchPubkeyByRipe(ripe [20]byte) (*Pubkey, error) {
	matches, err := s.ListPubkeysByRipe(ripe)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, ErrNotFound
	}
	return matches[0], nil
}

func (s *MemStore) ListPubkeysByRipe(ripe [20]byte) ([]*Pubkey, error) {
	s.RLock()
	defer s.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []*Pubkey
	for _, p := range s.pubkeys {
		if p.Ripe == ripe {
			copied := *p
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemStore) DeletePubkey(id int64) error {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.pubkeys[id]; !ok {
		return ErrNotFound
	}
	delete(s.pubkeys, id)
	return nil
}

func (s *MemStore) InsertPayload(p *Payload) (int64, error) {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.nextPayloadID++
	p.ID = s.nextPayloadID
	copied := *p
	s.payloads[p.ID] = &copied
	return p.ID, nil
}

func (s *MemStore) FetchPayload(id int64) (*Payload, error) {
	s.RLock()
	defer s.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	p, ok := s.payloads[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (s *MemStore) ListPayloadsByRelatedAddressID(addressID int64) ([]*Payload, error) {
	s.RLock()
	defer s.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []*Payload
	for _, p := range s.payloads {
		if p.RelatedAddressID == addressID {
			copied := *p
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemStore) DeletePayload(id int64) error {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.payloads[id]; !ok {
		return ErrNotFound
	}
	delete(s.payloads, id)
	return nil
}

func (s *MemStore) InsertMessage(m *Message) (int64, error) {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.nextMessageID++
	m.ID = s.nextMessageID
	copied := *m
	s.messages[m.ID] = &copied
	return m.ID, nil
}

func (s *MemStore) FetchMessage(id int64) (*Message, error) {
	s.RLock()
	defer s.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *m
	return &copied, nil
}

func (s *MemStore) FetchMessageByAckData(ackData []byte) (*Message, error) {
	s.RLock()
	defer s.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	for _, m := range s.messages {
		if string(m.AckData) == string(ackData) {
			copied := *m
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) UpdateMessage(m *Message) error {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.messages[m.ID]; !ok {
		return ErrNotFound
	}
	copied := *m
	s.messages[m.ID] = &copied
	return nil
}

func (s *MemStore) DeleteMessage(id int64) error {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.messages[id]; !ok {
		return ErrNotFound
	}
	delete(s.messages, id)
	return nil
}

func (s *MemStore) InsertQueueRecord(q *QueueRecord) (int64, error) {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.nextQueueID++
	q.ID = s.nextQueueID
	copied := *q
	s.queueRecords[q.ID] = &copied
	return q.ID, nil
}

func (s *MemStore) FetchQueueRecord(id int64) (*QueueRecord, error) {
	s.RLock()
	defer s.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	q, ok := s.queueRecords[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *q
	return &copied, nil
}

func (s *MemStore) ListQueueRecordsByTask(task TaskKind) ([]*QueueRecord, error) {
	s.RLock()
	defer s.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []*QueueRecord
	for _, q := range s.queueRecords {
		if q.Task == task {
			copied := *q
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemStore) ListQueueRecordsByTaskAndObject0(task TaskKind, object0 int64) ([]*QueueRecord, error) {
	s.RLock()
	defer s.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []*QueueRecord
	for _, q := range s.queueRecords {
		if q.Task == task && q.Object0 == object0 {
			copied := *q
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemStore) ListDueQueueRecords(now int64) ([]*QueueRecord, error) {
	s.RLock()
	defer s.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []*QueueRecord
	for _, q := range s.queueRecords {
		if q.TriggerTime <= now {
			copied := *q
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemStore) UpdateQueueRecord(q *QueueRecord) error {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.queueRecords[q.ID]; !ok {
		return ErrNotFound
	}
	copied := *q
	s.queueRecords[q.ID] = &copied
	return nil
}

func (s *MemStore) DeleteQueueRecord(id int64) error {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.queueRecords[id]; !ok {
		return ErrNotFound
	}
	delete(s.queueRecords, id)
	return nil
}
