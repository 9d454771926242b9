package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/regbeacon/regbeacon/internal/collect"
	"github.com/regbeacon/regbeacon/internal/model"
	"github.com/regbeacon/regbeacon/internal/queue"
	"github.com/regbeacon/regbeacon/internal/store"
)

func testScheduler(t *testing.T, maxPerRun int) (*Scheduler, store.Store, *queue.Memory) {
	t.Helper()
	st := store.NewMemory()
	q := queue.NewMemory()
	s := New(st, q, collect.NewBreaker(5, time.Hour), model.SchedulerConfig{MaxPerRun: maxPerRun}, nil)
	return s, st, q
}

func seedSource(t *testing.T, st store.Store, name string, tier model.PriorityTier, lastChecked time.Time) model.Source {
	t.Helper()
	src := model.Source{
		ID:             uuid.New(),
		Name:           name,
		URL:            "https://example.org/" + name,
		Tier:           tier,
		ScrapeInterval: time.Hour,
		LastCheckedAt:  lastChecked,
	}
	if err := st.UpsertSource(context.Background(), src); err != nil {
		t.Fatalf("upsert source: %v", err)
	}
	return src
}

func drainCollect(t *testing.T, q *queue.Memory) []queue.Message {
	t.Helper()
	var msgs []queue.Message
	for {
		msg, err := q.TryDequeue(model.StageCollect)
		if errors.Is(err, queue.ErrEmpty) {
			return msgs
		}
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		msgs = append(msgs, msg)
	}
}

func TestTickOrdersByTierThenOverdue(t *testing.T) {
	ctx := context.Background()
	s, st, q := testScheduler(t, 0)
	now := time.Now().UTC()
	s.now = func() time.Time { return now }

	// All overdue; criticality first, then staleness within the tier
	slightly := seedSource(t, st, "t1-slightly-overdue", model.TierT1, now.Add(-2*time.Hour))
	very := seedSource(t, st, "t1-very-overdue", model.TierT1, now.Add(-48*time.Hour))
	critical := seedSource(t, st, "t0-gazette", model.TierT0, now.Add(-90*time.Minute))

	n, err := s.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 3 {
		t.Fatalf("scheduled %d sources, want 3", n)
	}

	msgs := drainCollect(t, q)
	want := []uuid.UUID{critical.ID, very.ID, slightly.ID}
	for i, msg := range msgs {
		if msg.Payload != want[i].String() {
			t.Errorf("position %d: got %s, want %s", i, msg.Payload, want[i])
		}
	}
}

func TestTickSkipsSourcesNotDue(t *testing.T) {
	ctx := context.Background()
	s, st, q := testScheduler(t, 0)
	now := time.Now().UTC()
	s.now = func() time.Time { return now }

	seedSource(t, st, "fresh", model.TierT0, now.Add(-time.Minute))
	due := seedSource(t, st, "stale", model.TierT0, now.Add(-2*time.Hour))

	n, err := s.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 1 {
		t.Fatalf("scheduled %d sources, want 1", n)
	}
	msgs := drainCollect(t, q)
	if len(msgs) != 1 || msgs[0].Payload != due.ID.String() {
		t.Fatalf("got %+v", msgs)
	}
}

func TestTickCapsAtMaxPerRun(t *testing.T) {
	ctx := context.Background()
	s, st, q := testScheduler(t, 2)
	now := time.Now().UTC()
	s.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		seedSource(t, st, "src-"+string(rune('a'+i)), model.TierT2, now.Add(-2*time.Hour))
	}

	n, err := s.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 2 {
		t.Fatalf("scheduled %d sources, want 2", n)
	}
	if msgs := drainCollect(t, q); len(msgs) != 2 {
		t.Fatalf("enqueued %d messages, want 2", len(msgs))
	}
}

func TestTickSkipsOpenCircuit(t *testing.T) {
	ctx := context.Background()
	s, st, q := testScheduler(t, 0)
	now := time.Now().UTC()
	s.now = func() time.Time { return now }

	broken := seedSource(t, st, "broken", model.TierT0, now.Add(-2*time.Hour))
	for i := 0; i < 5; i++ {
		if _, err := st.RecordSourceError(ctx, broken.ID, now); err != nil {
			t.Fatalf("record error: %v", err)
		}
	}
	if err := st.OpenSourceCircuit(ctx, broken.ID, now); err != nil {
		t.Fatalf("open circuit: %v", err)
	}
	healthy := seedSource(t, st, "healthy", model.TierT1, now.Add(-2*time.Hour))

	n, err := s.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 1 {
		t.Fatalf("scheduled %d sources, want 1", n)
	}
	msgs := drainCollect(t, q)
	if len(msgs) != 1 || msgs[0].Payload != healthy.ID.String() {
		t.Fatalf("got %+v", msgs)
	}
}

func TestTickTierFiltersTier(t *testing.T) {
	ctx := context.Background()
	s, st, q := testScheduler(t, 0)
	now := time.Now().UTC()
	s.now = func() time.Time { return now }

	t0 := seedSource(t, st, "gazette", model.TierT0, now.Add(-2*time.Hour))
	seedSource(t, st, "faq", model.TierT2, now.Add(-2*time.Hour))

	tier := model.TierT0
	n, err := s.TickTier(ctx, &tier)
	if err != nil {
		t.Fatalf("tick tier: %v", err)
	}
	if n != 1 {
		t.Fatalf("scheduled %d sources, want 1", n)
	}
	msgs := drainCollect(t, q)
	if len(msgs) != 1 || msgs[0].Payload != t0.ID.String() {
		t.Fatalf("got %+v", msgs)
	}
}

func TestEnqueueSourceUnknownID(t *testing.T) {
	ctx := context.Background()
	s, _, _ := testScheduler(t, 0)

	err := s.EnqueueSource(ctx, uuid.New())
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
