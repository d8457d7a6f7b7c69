package driver_test

import (
	"context"
	"testing"
	"time"

	"github.com/bitseal-go/bmcore/driver"
	"github.com/bitseal-go/bmcore/engine"
	"github.com/bitseal-go/bmcore/store"
)

type fakeEngine struct {
	dispatched []*store.QueueRecord
	dispatchErr error

	processed []string
}

func (e *fakeEngine) Dispatch(ctx context.Context, q *store.QueueRecord) error {
	e.dispatched = append(e.dispatched, q)
	return e.dispatchErr
}

func (e *fakeEngine) ProcessInboundObject(ctx context.Context, raw []byte, toAddress *store.Address) error {
	e.processed = append(e.processed, string(raw))
	return nil
}

type fakeGateway struct {
	byAddress map[string][][]byte
	calls     int
}

func (g *fakeGateway) FetchInboundMessages(ctx context.Context, address string, since int64) ([][]byte, error) {
	g.calls++
	objects := g.byAddress[address]
	g.byAddress[address] = nil // simulate a single batch, then caught up
	return objects, nil
}

func TestTickDrainsDueRecordsInTriggerTimeOrder(t *testing.T) {
	s := store.NewMemStore()
	defer s.Close()

	now := time.Now().Unix()
	late := &store.QueueRecord{Task: store.TaskCreateIdentity, Object0: 1, TriggerTime: now - 10}
	early := &store.QueueRecord{Task: store.TaskCreateIdentity, Object0: 2, TriggerTime: now - 100}
	if _, err := s.InsertQueueRecord(late); err != nil {
		t.Fatalf("InsertQueueRecord: %v", err)
	}
	if _, err := s.InsertQueueRecord(early); err != nil {
		t.Fatalf("InsertQueueRecord: %v", err)
	}

	fe := &fakeEngine{}
	fg := &fakeGateway{byAddress: map[string][][]byte{}}
	d := driver.New(s, fe, fg, driver.Config{MinimumTimeBehindNetwork: 30, TimeBetweenDatabaseCleaning: 3600}, 1<<20)

	if err := d.Tick(context.Background(), nil); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(fe.dispatched) != 2 {
		t.Fatalf("dispatched %d records, want 2", len(fe.dispatched))
	}
	if fe.dispatched[0].Object0 != 2 || fe.dispatched[1].Object0 != 1 {
		t.Errorf("dispatched out of trigger-time order: got object0s %d, %d",
			fe.dispatched[0].Object0, fe.dispatched[1].Object0)
	}
}

func TestTickPollsEnabledAddressesAndProcessesInbound(t *testing.T) {
	s := store.NewMemStore()
	defer s.Close()

	addr := &store.Address{AddressString: "BM-alice", Enabled: true}
	if _, err := s.InsertAddress(addr); err != nil {
		t.Fatalf("InsertAddress: %v", err)
	}
	disabled := &store.Address{AddressString: "BM-bob", Enabled: false}
	if _, err := s.InsertAddress(disabled); err != nil {
		t.Fatalf("InsertAddress: %v", err)
	}

	fe := &fakeEngine{}
	fg := &fakeGateway{byAddress: map[string][][]byte{
		"BM-alice": {[]byte("object-one"), []byte("object-two")},
	}}
	d := driver.New(s, fe, fg, driver.Config{MinimumTimeBehindNetwork: 30, TimeBetweenDatabaseCleaning: 3600}, 1<<20)

	if err := d.Tick(context.Background(), nil); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(fe.processed) != 2 {
		t.Fatalf("processed %d objects, want 2", len(fe.processed))
	}
	if fg.calls < 2 {
		t.Errorf("gateway called %d times, want at least 2 (poll until caught up)", fg.calls)
	}

	fe.processed = nil
	fg.calls = 0
	if err := d.Tick(context.Background(), nil); err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if len(fe.processed) != 0 {
		t.Errorf("second tick within MinimumTimeBehindNetwork should not poll, processed %d", len(fe.processed))
	}
}

func TestTickTriggersDatabaseCleaningWhenDue(t *testing.T) {
	s := store.NewMemStore()
	defer s.Close()

	fe := &fakeEngine{}
	fg := &fakeGateway{byAddress: map[string][][]byte{}}
	d := driver.New(s, fe, fg, driver.Config{MinimumTimeBehindNetwork: 30, TimeBetweenDatabaseCleaning: 3600}, 1<<20)

	cleaned := 0
	clean := func(ctx context.Context) error {
		cleaned++
		return nil
	}

	if err := d.Tick(context.Background(), clean); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if cleaned != 1 {
		t.Fatalf("cleaned %d times on first tick, want 1", cleaned)
	}

	if err := d.Tick(context.Background(), clean); err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if cleaned != 1 {
		t.Errorf("cleaned %d times on second tick within the interval, want 1", cleaned)
	}
}

func TestTickEnqueuesCreateIdentityWhenPubkeyStale(t *testing.T) {
	s := store.NewMemStore()
	defer s.Close()

	now := time.Now().Unix()
	addr := &store.Address{
		AddressString:           "BM-stale",
		Enabled:                 true,
		LastPubkeyDissemination: now - engine.PubkeyTTL - 1,
	}
	id, err := s.InsertAddress(addr)
	if err != nil {
		t.Fatalf("InsertAddress: %v", err)
	}

	fe := &fakeEngine{}
	fg := &fakeGateway{byAddress: map[string][][]byte{}}
	d := driver.New(s, fe, fg, driver.Config{MinimumTimeBehindNetwork: 30, TimeBetweenDatabaseCleaning: 3600}, 1<<20)

	if err := d.Tick(context.Background(), nil); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	records, err := s.ListQueueRecordsByTaskAndObject0(store.TaskCreateIdentity, id)
	if err != nil {
		t.Fatalf("ListQueueRecordsByTaskAndObject0: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d create-identity records for stale address, want 1", len(records))
	}

	// A second tick should not enqueue a duplicate while one is already pending.
	if err := d.Tick(context.Background(), nil); err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	records, err = s.ListQueueRecordsByTaskAndObject0(store.TaskCreateIdentity, id)
	if err != nil {
		t.Fatalf("ListQueueRecordsByTaskAndObject0: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d create-identity records after second tick, want still 1", len(records))
	}
}

func TestDeleteDuplicatePubkeysKeepsLatestExpiringAndTearsDownArtifacts(t *testing.T) {
	s := store.NewMemStore()
	defer s.Close()

	var ripe [20]byte
	ripe[0] = 7
	addr := &store.Address{AddressString: "BM-dup", Enabled: true, Ripe: ripe}
	addrID, err := s.InsertAddress(addr)
	if err != nil {
		t.Fatalf("InsertAddress: %v", err)
	}

	stale := &store.Pubkey{Ripe: ripe, ExpiresTime: 100}
	fresh := &store.Pubkey{Ripe: ripe, ExpiresTime: 500}
	staleID, err := s.InsertPubkey(stale)
	if err != nil {
		t.Fatalf("InsertPubkey: %v", err)
	}
	freshID, err := s.InsertPubkey(fresh)
	if err != nil {
		t.Fatalf("InsertPubkey: %v", err)
	}

	payload := &store.Payload{RelatedAddressID: addrID, ObjectType: 1}
	payloadID, err := s.InsertPayload(payload)
	if err != nil {
		t.Fatalf("InsertPayload: %v", err)
	}
	disseminate := &store.QueueRecord{Task: store.TaskDisseminatePubkey, Object0: payloadID}
	qID, err := s.InsertQueueRecord(disseminate)
	if err != nil {
		t.Fatalf("InsertQueueRecord: %v", err)
	}

	fe := &fakeEngine{}
	fg := &fakeGateway{byAddress: map[string][][]byte{}}
	d := driver.New(s, fe, fg, driver.Config{MinimumTimeBehindNetwork: 30, TimeBetweenDatabaseCleaning: 3600}, 1<<20)

	if err := d.Tick(context.Background(), nil); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if _, err := s.FetchPubkey(staleID); err != store.ErrNotFound {
		t.Errorf("stale pubkey still present, want deleted")
	}
	if _, err := s.FetchPubkey(freshID); err != nil {
		t.Errorf("fresh pubkey missing: %v", err)
	}
	if _, err := s.FetchPayload(payloadID); err != store.ErrNotFound {
		t.Errorf("stale payload still present, want deleted")
	}
	if _, err := s.FetchQueueRecord(qID); err != store.ErrNotFound {
		t.Errorf("stale disseminate-pubkey record still present, want deleted")
	}
}

func TestTickSkippedWhenKeyProviderLocked(t *testing.T) {
	s := store.NewMemStore()
	defer s.Close()

	now := time.Now().Unix()
	if _, err := s.InsertQueueRecord(&store.QueueRecord{Task: store.TaskCreateIdentity, Object0: 1, TriggerTime: now - 1}); err != nil {
		t.Fatalf("InsertQueueRecord: %v", err)
	}

	fe := &fakeEngine{}
	fg := &fakeGateway{byAddress: map[string][][]byte{}}
	cfg := driver.Config{
		MinimumTimeBehindNetwork:   30,
		TimeBetweenDatabaseCleaning: 3600,
		KeyProvider:                 lockedKeyProvider{},
	}
	d := driver.New(s, fe, fg, cfg, 1<<20)

	if err := d.Tick(context.Background(), nil); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(fe.dispatched) != 0 {
		t.Errorf("dispatched %d records while locked, want 0", len(fe.dispatched))
	}
}

type lockedKeyProvider struct{}

func (lockedKeyProvider) Unlocked() bool { return false }

func TestTickEmitsMessageStatusChangedOnDispatch(t *testing.T) {
	s := store.NewMemStore()
	defer s.Close()

	msg := &store.Message{Status: store.StatusQueued}
	msgID, err := s.InsertMessage(msg)
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	now := time.Now().Unix()
	if _, err := s.InsertQueueRecord(&store.QueueRecord{
		Task: store.TaskSendMessage, Object0: msgID, TriggerTime: now - 1,
	}); err != nil {
		t.Fatalf("InsertQueueRecord: %v", err)
	}

	statusChangingEngine := &statusChangingFakeEngine{store: s, newStatus: store.StatusDoingPOW}
	fg := &fakeGateway{byAddress: map[string][][]byte{}}
	d := driver.New(s, statusChangingEngine, fg, driver.Config{MinimumTimeBehindNetwork: 30, TimeBetweenDatabaseCleaning: 3600}, 1<<20)

	var gotStatus store.MessageStatus
	fired := false
	d.Events().On(driver.EventMessageStatusChanged, func(msg *store.Message) {
		fired = true
		gotStatus = msg.Status
	})

	if err := d.Tick(context.Background(), nil); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !fired {
		t.Fatal("EventMessageStatusChanged was not emitted")
	}
	if gotStatus != store.StatusDoingPOW {
		t.Errorf("event carried status %v, want %v", gotStatus, store.StatusDoingPOW)
	}
}

// statusChangingFakeEngine simulates a Dispatch call that mutates the
// Message's status as a real handler would, so the event-emission logic
// under test has something real to observe.
type statusChangingFakeEngine struct {
	store     store.Store
	newStatus store.MessageStatus
}

func (e *statusChangingFakeEngine) Dispatch(ctx context.Context, q *store.QueueRecord) error {
	msg, err := e.store.FetchMessage(q.Object0)
	if err != nil {
		return err
	}
	msg.Status = e.newStatus
	if err := e.store.UpdateMessage(msg); err != nil {
		return err
	}
	return e.store.DeleteQueueRecord(q.ID)
}

func (e *statusChangingFakeEngine) ProcessInboundObject(ctx context.Context, raw []byte, toAddress *store.Address) error {
	return nil
}
