package services

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/go-crosspost-backend/internal/debounce"
	"github.com/tbourn/go-crosspost-backend/internal/dedup"
	"github.com/tbourn/go-crosspost-backend/internal/domain"
	"github.com/tbourn/go-crosspost-backend/internal/repo"
)

func newAggregator(t *testing.T, db *gorm.DB, instance string, disp MessageDispatcher, quiet time.Duration) *Aggregator {
	t.Helper()
	d := debounce.New()
	t.Cleanup(d.Stop)
	return &Aggregator{
		DB:                db,
		Ledger:            dedup.NewSQLLedger(db, time.Hour),
		Queue:             newTestQueue(t, "dispatch-"+instance),
		Debouncer:         d,
		Dispatcher:        disp,
		InstanceID:        instance,
		QuietWindow:       quiet,
		StaleClaimTimeout: time.Minute,
		Log:               zerolog.Nop(),
	}
}

func int64p(v int64) *int64 { return &v }

func albumItem(msgID int64, caption string) domain.InboundUpdate {
	return domain.InboundUpdate{
		ExternalUpdateID: int64p(1000 + msgID),
		AccountID:        "bot",
		ChatID:           -1001,
		MessageID:        msgID,
		MediaGroupID:     "g1",
		Caption:          caption,
		Media:            []domain.MediaItem{{Kind: domain.MediaPhoto, FileRef: "p" + string(rune('0'+msgID%10))}},
	}
}

func TestIngest_ConcurrentDuplicateDispatchesOnce(t *testing.T) {
	db := newTestDB(t)
	disp := &recordingDispatcher{}
	a := newAggregator(t, db, "i1", disp, time.Second)

	u := domain.InboundUpdate{ExternalUpdateID: int64p(7), AccountID: "bot", ChatID: 5, MessageID: 42, Text: "hello"}

	const n = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[IngestOutcome]int{}
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			out, err := a.Ingest(context.Background(), u)
			if err != nil {
				t.Errorf("Ingest: %v", err)
				return
			}
			mu.Lock()
			outcomes[out]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if outcomes[OutcomeDispatched] != 1 || outcomes[OutcomeDuplicate] != n-1 {
		t.Fatalf("unexpected outcomes: %v", outcomes)
	}
	eventually(t, 2*time.Second, func() bool { return disp.count() == 1 })
	time.Sleep(50 * time.Millisecond)
	if disp.count() != 1 {
		t.Fatalf("expected a single dispatch, got %d", disp.count())
	}
	if got := disp.all()[0]; got.Text != "hello" || !reflect.DeepEqual(got.MessageIDs, []int64{42}) {
		t.Fatalf("unexpected message: %+v", got)
	}
}

func TestIngest_RedeliveryWithNewEnvelopeIsDuplicate(t *testing.T) {
	db := newTestDB(t)
	disp := &recordingDispatcher{}
	a := newAggregator(t, db, "i1", disp, time.Second)
	ctx := context.Background()

	u := domain.InboundUpdate{ExternalUpdateID: int64p(1), AccountID: "bot", ChatID: 5, MessageID: 9, Text: "x"}
	if out, err := a.Ingest(ctx, u); err != nil || out != OutcomeDispatched {
		t.Fatalf("first: %v %v", out, err)
	}
	u.ExternalUpdateID = int64p(2)
	if out, err := a.Ingest(ctx, u); err != nil || out != OutcomeDuplicate {
		t.Fatalf("redelivery: %v %v", out, err)
	}
	u.ExternalUpdateID = nil
	if out, err := a.Ingest(ctx, u); err != nil || out != OutcomeDuplicate {
		t.Fatalf("redelivery without envelope id: %v %v", out, err)
	}
}

// failingMessageLedger fails the first message-keyspace admission.
type failingMessageLedger struct {
	dedup.Ledger
	mu     sync.Mutex
	failed bool
}

func (l *failingMessageLedger) Admit(ctx context.Context, keyspace, accountID, key string) (bool, error) {
	l.mu.Lock()
	fail := keyspace == domain.KeyspaceMessage && !l.failed
	if fail {
		l.failed = true
	}
	l.mu.Unlock()
	if fail {
		return false, errors.New("ledger unavailable")
	}
	return l.Ledger.Admit(ctx, keyspace, accountID, key)
}

func TestIngest_MessageAdmitFailureAllowsRedelivery(t *testing.T) {
	db := newTestDB(t)
	disp := &recordingDispatcher{}
	a := newAggregator(t, db, "i1", disp, time.Second)
	a.Ledger = &failingMessageLedger{Ledger: a.Ledger}
	ctx := context.Background()

	u := domain.InboundUpdate{ExternalUpdateID: int64p(77), AccountID: "bot", ChatID: 5, MessageID: 9, Text: "retry me"}
	if _, err := a.Ingest(ctx, u); err == nil {
		t.Fatalf("expected first delivery to fail")
	}
	if out, err := a.Ingest(ctx, u); err != nil || out != OutcomeDispatched {
		t.Fatalf("redelivery: %v %v", out, err)
	}
	if out, err := a.Ingest(ctx, u); err != nil || out != OutcomeDuplicate {
		t.Fatalf("third delivery: %v %v", out, err)
	}
	eventually(t, 2*time.Second, func() bool { return disp.count() == 1 })
	if got := disp.all()[0]; got.Text != "retry me" {
		t.Fatalf("unexpected message: %+v", got)
	}
}

func TestIngest_IgnoredAndMalformed(t *testing.T) {
	db := newTestDB(t)
	a := newAggregator(t, db, "i1", &recordingDispatcher{}, time.Second)
	ctx := context.Background()

	out, err := a.Ingest(ctx, domain.InboundUpdate{AccountID: "bot", ChatID: 1, MessageID: 1})
	if err != nil || out != OutcomeIgnored {
		t.Fatalf("empty update: %v %v", out, err)
	}
	if _, err := a.Ingest(ctx, domain.InboundUpdate{AccountID: "bot", ChatID: 1, Text: "x"}); !errors.Is(err, ErrMalformedUpdate) {
		t.Fatalf("expected ErrMalformedUpdate, got %v", err)
	}
	if _, err := a.Ingest(ctx, domain.InboundUpdate{ChatID: 1, MessageID: 1, Text: "x"}); !errors.Is(err, ErrMalformedUpdate) {
		t.Fatalf("expected ErrMalformedUpdate, got %v", err)
	}
}

func TestIngest_AlbumAcrossTwoInstancesFlushesOnce(t *testing.T) {
	db := newTestDB(t)
	dispA, dispB := &recordingDispatcher{}, &recordingDispatcher{}
	quiet := 150 * time.Millisecond
	a := newAggregator(t, db, "A", dispA, quiet)
	b := newAggregator(t, db, "B", dispB, quiet)
	ctx := context.Background()

	captions := map[int64]string{103: "hello", 105: "later"}
	order := []int64{104, 102, 106, 101, 105, 103}
	for i, id := range order {
		agg := a
		if i%2 == 1 {
			agg = b
		}
		out, err := agg.Ingest(ctx, albumItem(id, captions[id]))
		if err != nil || out != OutcomeBuffered {
			t.Fatalf("fragment %d: %v %v", id, out, err)
		}
	}
	// A redelivered fragment is absorbed.
	if out, err := b.Ingest(ctx, albumItem(104, "")); err != nil || out != OutcomeDuplicate {
		t.Fatalf("redelivered fragment: %v %v", out, err)
	}

	total := func() int { return dispA.count() + dispB.count() }
	eventually(t, 3*time.Second, func() bool { return total() == 1 })
	time.Sleep(3 * quiet)
	if total() != 1 {
		t.Fatalf("expected exactly one flush, got %d", total())
	}

	msgs := append(dispA.all(), dispB.all()...)
	msg := msgs[0]
	if !reflect.DeepEqual(msg.MessageIDs, []int64{101, 102, 103, 104, 105, 106}) {
		t.Fatalf("fragments not in ascending order: %v", msg.MessageIDs)
	}
	if msg.Text != "hello" || len(msg.Media) != 6 || msg.GroupKey != "bot:-1001:g1" {
		t.Fatalf("unexpected merged message: %+v", msg)
	}
	if msg.Media[0].FileRef != "p1" || msg.Media[5].FileRef != "p6" {
		t.Fatalf("media not in message order: %+v", msg.Media)
	}

	g, err := repo.GetMediaGroup(ctx, db, "bot:-1001:g1")
	if err != nil || g.State() != domain.GroupProcessed {
		t.Fatalf("group not processed: %+v err=%v", g, err)
	}

	// Fragments arriving after the flush are duplicates and start no timer.
	if out, err := a.Ingest(ctx, albumItem(107, "")); err != nil || out != OutcomeDuplicate {
		t.Fatalf("late fragment: %v %v", out, err)
	}
	time.Sleep(3 * quiet)
	if total() != 1 {
		t.Fatalf("late fragment triggered a flush")
	}
}

func TestFlushGroup_StaleClaimReclaimedExactlyOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	quiet, stale := 3*time.Second, 2*time.Minute
	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	if _, _, err := repo.AppendFragment(ctx, db, albumItem(1, "cap"), t0); err != nil {
		t.Fatalf("append: %v", err)
	}
	if ok, err := repo.TryClaimMediaGroup(ctx, db, "bot:-1001:g1", "crashed", t0.Add(quiet), quiet, stale); err != nil || !ok {
		t.Fatalf("crashed claim: %v %v", ok, err)
	}

	now := t0.Add(quiet + stale + time.Second)
	disps := []*recordingDispatcher{{}, {}, {}}
	aggs := make([]*Aggregator, len(disps))
	for i := range aggs {
		aggs[i] = newAggregator(t, db, string(rune('A'+i)), disps[i], quiet)
		aggs[i].StaleClaimTimeout = stale
		aggs[i].Now = func() time.Time { return now }
	}

	var wg sync.WaitGroup
	wg.Add(len(aggs))
	for _, a := range aggs {
		a := a
		go func() {
			defer wg.Done()
			if err := a.FlushGroup(ctx, "bot:-1001:g1"); err != nil {
				t.Errorf("FlushGroup: %v", err)
			}
		}()
	}
	wg.Wait()

	total := func() int {
		n := 0
		for _, d := range disps {
			n += d.count()
		}
		return n
	}
	eventually(t, 2*time.Second, func() bool { return total() == 1 })
	time.Sleep(50 * time.Millisecond)
	if total() != 1 {
		t.Fatalf("expected one reclaim, got %d dispatches", total())
	}
	g, _ := repo.GetMediaGroup(ctx, db, "bot:-1001:g1")
	if g.State() != domain.GroupProcessed || g.ProcessingOwner == nil || *g.ProcessingOwner == "crashed" {
		t.Fatalf("unexpected group after reclaim: %+v", g)
	}
}

func TestFlushGroup_StillCollectingIsRescheduled(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	t0 := time.Now().UTC()
	disp := &recordingDispatcher{}
	a := newAggregator(t, db, "A", disp, time.Hour)
	a.Now = func() time.Time { return t0.Add(time.Second) }

	if _, _, err := repo.AppendFragment(ctx, db, albumItem(1, ""), t0); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := a.FlushGroup(ctx, "bot:-1001:g1"); err != nil {
		t.Fatalf("FlushGroup: %v", err)
	}
	if a.Debouncer.Pending() != 1 || disp.count() != 0 {
		t.Fatalf("expected a rescheduled timer and no dispatch, pending=%d dispatched=%d", a.Debouncer.Pending(), disp.count())
	}
	g, _ := repo.GetMediaGroup(ctx, db, "bot:-1001:g1")
	if g.State() != domain.GroupCollecting {
		t.Fatalf("group must stay collecting, got %s", g.State())
	}
}

func TestFlushGroup_FragmentDuringMergeIsNotLost(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	quiet := time.Hour
	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	now := t0.Add(quiet)
	disp := &recordingDispatcher{}
	a := newAggregator(t, db, "A", disp, quiet)
	a.Now = func() time.Time { return now }

	for _, id := range []int64{1, 2} {
		if _, _, err := repo.AppendFragment(ctx, db, albumItem(id, ""), t0); err != nil {
			t.Fatalf("append %d: %v", id, err)
		}
	}

	// Append fragment 3 right after the flush has listed the fragments.
	var armed atomic.Bool
	armed.Store(true)
	err := db.Callback().Query().After("gorm:query").Register("test:late_fragment", func(tx *gorm.DB) {
		if tx.Statement.Table != "media_group_fragments" || !armed.CompareAndSwap(true, false) {
			return
		}
		if _, _, err := repo.AppendFragment(context.Background(), db, albumItem(3, "late"), now); err != nil {
			t.Errorf("late append: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}

	if err := a.FlushGroup(ctx, "bot:-1001:g1"); err != nil {
		t.Fatalf("first flush: %v", err)
	}
	if armed.Load() {
		t.Fatalf("late fragment was never appended")
	}
	g, _ := repo.GetMediaGroup(ctx, db, "bot:-1001:g1")
	if g.State() != domain.GroupCollecting || g.ProcessingOwner != nil {
		t.Fatalf("expected released collecting group, got %+v", g)
	}
	if disp.count() != 0 || a.Debouncer.Pending() != 1 {
		t.Fatalf("expected reschedule without dispatch, dispatched=%d pending=%d", disp.count(), a.Debouncer.Pending())
	}

	now = now.Add(quiet)
	if err := a.FlushGroup(ctx, "bot:-1001:g1"); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	eventually(t, 2*time.Second, func() bool { return disp.count() == 1 })
	got := disp.all()[0]
	if !reflect.DeepEqual(got.MessageIDs, []int64{1, 2, 3}) || len(got.Media) != 3 || got.Text != "late" {
		t.Fatalf("late fragment missing from flushed message: %+v", got)
	}
}

func TestFlushGroup_ReleasesClaimOnFailure(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	if err := db.Create(&domain.MediaGroup{
		GroupKey: "bot:1:empty", AccountID: "bot", ChatID: 1, MediaGroupID: "empty", FirstSeen: t0, LastSeen: t0,
	}).Error; err != nil {
		t.Fatalf("seed group: %v", err)
	}

	disp := &recordingDispatcher{}
	a := newAggregator(t, db, "A", disp, time.Second)
	a.Now = func() time.Time { return t0.Add(time.Minute) }

	if err := a.FlushGroup(ctx, "bot:1:empty"); !errors.Is(err, ErrGroupEmpty) {
		t.Fatalf("expected ErrGroupEmpty, got %v", err)
	}
	g, _ := repo.GetMediaGroup(ctx, db, "bot:1:empty")
	if g.State() != domain.GroupCollecting || g.ProcessingOwner != nil {
		t.Fatalf("claim not released: %+v", g)
	}
	if disp.count() != 0 {
		t.Fatalf("failed flush dispatched")
	}
}

func TestRecoverPending_SchedulesSettledGroups(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)

	first := albumItem(1, "one")
	second := albumItem(2, "two")
	second.MediaGroupID = "g2"
	for _, u := range []domain.InboundUpdate{first, second} {
		if _, _, err := repo.AppendFragment(ctx, db, u, old); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	disp := &recordingDispatcher{}
	a := newAggregator(t, db, "A", disp, time.Second)
	n, err := a.RecoverPending(ctx)
	if err != nil || n != 2 {
		t.Fatalf("RecoverPending: n=%d err=%v", n, err)
	}
	eventually(t, 2*time.Second, func() bool { return disp.count() == 2 })
}

func TestMergeFragments_OrderIndependent(t *testing.T) {
	mk := func(id int64, caption, text string, kind domain.MediaKind) domain.MediaGroupFragment {
		u := domain.InboundUpdate{AccountID: "bot", ChatID: 9, MessageID: id, MediaGroupID: "g", Caption: caption, Text: text}
		if kind != "" {
			u.Media = []domain.MediaItem{{Kind: kind, FileRef: string(rune('a' + id))}}
		}
		return domain.MediaGroupFragment{GroupKey: "bot:9:g", MessageID: id, Payload: datatypes.NewJSONType(u)}
	}
	frags := []domain.MediaGroupFragment{
		mk(3, "", "", domain.MediaPhoto),
		mk(1, "  ", "", domain.MediaVideo),
		mk(4, "fourth", "", domain.MediaPhoto),
		mk(2, "", "second", ""),
	}

	want := MergeFragments("bot:9:g", frags)
	if want.Text != "second" || !reflect.DeepEqual(want.MessageIDs, []int64{1, 2, 3, 4}) || len(want.Media) != 3 {
		t.Fatalf("unexpected merge: %+v", want)
	}
	if want.Media[0].Kind != domain.MediaVideo {
		t.Fatalf("media not ordered by message id: %+v", want.Media)
	}

	perms := [][]int{{3, 2, 1, 0}, {1, 3, 0, 2}, {2, 0, 3, 1}}
	for _, p := range perms {
		shuffled := []domain.MediaGroupFragment{frags[p[0]], frags[p[1]], frags[p[2]], frags[p[3]]}
		if got := MergeFragments("bot:9:g", shuffled); !reflect.DeepEqual(got, want) {
			t.Fatalf("merge depends on order %v: %+v vs %+v", p, got, want)
		}
	}
}
