package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/loqalabs/loqa-dialogue/internal/dialogue"
	"github.com/redis/go-redis/v9"
)

func sampleSnapshot() dialogue.Snapshot {
	yes := true
	return dialogue.Snapshot{
		Sequence:     7,
		State:        "Appointment.PromptCreateAppointmentWholeDay",
		From:         "Appointment.WholeDayIdentified",
		Event:        dialogue.EventSpeakComplete,
		Transitioned: true,
		Context: dialogue.Context{
			Details: dialogue.Details{Person: "Bora Kara", Day: "Monday", WholeDay: &yes},
		},
		Timestamp: time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC),
	}
}

func checkStore(t *testing.T, store SnapshotStore) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	want := sampleSnapshot()
	if err := store.Save(ctx, "s1", want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.State != want.State || got.Sequence != want.Sequence || got.Event != want.Event {
		t.Fatalf("unexpected snapshot %+v", got)
	}
	if got.Context.Details.Person != "Bora Kara" || !got.Context.Details.IsWholeDay() {
		t.Fatalf("details lost: %+v", got.Context.Details)
	}
	if !got.Timestamp.Equal(want.Timestamp) {
		t.Fatalf("timestamp mismatch: %v", got.Timestamp)
	}

	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Load(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	checkStore(t, NewMemoryStore())
}

func setupRedisStore(t *testing.T, opts ...RedisOption) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, opts...)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStore(t *testing.T) {
	store, _ := setupRedisStore(t)
	checkStore(t, store)
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestRedisStoreKeyAndTTL(t *testing.T) {
	store, mr := setupRedisStore(t, WithPrefix("frontdesk"), WithTTL(time.Minute))
	if err := store.Save(context.Background(), "abc", sampleSnapshot()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !mr.Exists("frontdesk:session:abc") {
		t.Fatalf("expected key frontdesk:session:abc, have %v", mr.Keys())
	}
	if ttl := mr.TTL("frontdesk:session:abc"); ttl != time.Minute {
		t.Fatalf("expected 1m ttl, got %v", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := store.Load(context.Background(), "abc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected snapshot to expire, got %v", err)
	}
}

func TestRedisStoreCorruptValue(t *testing.T) {
	store, mr := setupRedisStore(t)
	if err := mr.Set("loqa-dialogue:session:bad", "{not json"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(context.Background(), "bad"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected decode error, got %v", err)
	}
}
